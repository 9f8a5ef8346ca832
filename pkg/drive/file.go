package drive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"
)

// Clean normalises a drive path to an absolute, slash separated form.
func Clean(name string) string {
	return path.Clean("/" + strings.TrimPrefix(name, "/"))
}

// ReadFile reads the whole of name. ReadAt follows io.ReaderAt semantics,
// so a short read at end of file comes with io.EOF.
func ReadFile(ctx context.Context, d Drive, name string) ([]byte, error) {
	info, err := d.Stat(ctx, name)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("read %s: %w", name, ErrIsDir)
	}

	buf := make([]byte, info.Size)
	n, err := d.ReadAt(ctx, name, buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:n], nil
}

// WriteFile replaces the contents of name with data, creating it if needed.
func WriteFile(ctx context.Context, d Drive, name string, data []byte, mode fs.FileMode) error {
	if mode == 0 {
		mode = 0o644
	}
	if err := d.Create(ctx, name, mode); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	_, err := d.WriteAt(ctx, name, data, 0)
	return err
}
