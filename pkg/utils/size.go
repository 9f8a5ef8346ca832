package utils

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Common size constants
const (
	KiB int64 = 1 << 10
	MiB int64 = 1 << 20
	GiB int64 = 1 << 30
	TiB int64 = 1 << 40
)

// unitMultipliers maps upper-cased unit suffixes to byte multipliers.
// Short forms (K, M, G, T) are binary, two-letter SI forms are decimal.
var unitMultipliers = map[string]int64{
	"B":   1,
	"K":   KiB,
	"KIB": KiB,
	"KB":  1000,
	"M":   MiB,
	"MIB": MiB,
	"MB":  1000 * 1000,
	"G":   GiB,
	"GIB": GiB,
	"GB":  1000 * 1000 * 1000,
	"T":   TiB,
	"TIB": TiB,
	"TB":  1000 * 1000 * 1000 * 1000,
}

// ParseDataSize parses sizes such as "64KiB", "1.5MB" or "4096" into bytes.
func ParseDataSize(sizeStr string) (int64, error) {
	s := strings.TrimSpace(sizeStr)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative size: %s", s)
		}
		return n, nil
	}

	split := strings.IndexFunc(s, unicode.IsLetter)
	if split <= 0 {
		return 0, fmt.Errorf("invalid size format: %s (expected format like '64KiB', '4MB')", sizeStr)
	}

	value, err := strconv.ParseFloat(strings.TrimSpace(s[:split]), 64)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("invalid numeric value in size: %s", sizeStr)
	}

	multiplier, ok := unitMultipliers[strings.ToUpper(s[split:])]
	if !ok {
		return 0, fmt.Errorf("unknown unit in size: %s", sizeStr)
	}

	return int64(value * float64(multiplier)), nil
}

// FormatDataSize renders a byte count with binary units, e.g. "1.5 MiB".
func FormatDataSize(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	suffixes := []string{"KiB", "MiB", "GiB", "TiB", "PiB"}
	value := float64(bytes) / unit
	i := 0
	for value >= unit && i < len(suffixes)-1 {
		value /= unit
		i++
	}

	if value == float64(int64(value)) {
		return fmt.Sprintf("%.0f %s", value, suffixes[i])
	}
	return fmt.Sprintf("%.1f %s", value, suffixes[i])
}
