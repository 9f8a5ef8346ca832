package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDataSize(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
		wantErr  bool
	}{
		{"0", 0, false},
		{"4096", 4096, false},
		{"100B", 100, false},
		{"1K", 1024, false},
		{"64KiB", 64 * 1024, false},
		{"64kib", 64 * 1024, false},
		{"1KB", 1000, false},
		{"1.5MB", 1500000, false},
		{"1M", 1048576, false},
		{"3 MiB", 3 * 1048576, false},
		{"2G", 2 * 1073741824, false},
		{"1TB", 1000000000000, false},

		{"", 0, true},
		{"   ", 0, true},
		{"-5", 0, true},
		{"MB", 0, true},
		{"12XB", 0, true},
		{"1.2.3MB", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDataSize(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestFormatDataSize(t *testing.T) {
	tests := []struct {
		input    uint64
		expected string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1 KiB"},
		{1536, "1.5 KiB"},
		{uint64(MiB), "1 MiB"},
		{uint64(3 * GiB), "3 GiB"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatDataSize(tt.input))
		})
	}
}
