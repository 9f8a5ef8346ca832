package vfs

import (
	"context"
	"errors"
	"io/fs"
	"syscall"

	"swarmdrive/pkg/drive"
	"swarmdrive/pkg/types"
)

var errUnsupported = errors.New("operation not supported")

var errnoTable = []struct {
	err   error
	errno syscall.Errno
}{
	{types.ErrKeyEncoding, syscall.EIO},
	{types.ErrNotMounted, syscall.ENOENT},
	{fs.ErrPermission, syscall.EPERM},
	{fs.ErrNotExist, syscall.ENOENT},
	{fs.ErrExist, syscall.EEXIST},
	{fs.ErrInvalid, syscall.EINVAL},
	{drive.ErrNotDir, syscall.ENOTDIR},
	{drive.ErrIsDir, syscall.EISDIR},
	{drive.ErrNotEmpty, syscall.ENOTEMPTY},
	{drive.ErrNoAttr, syscall.ENODATA},
	{errUnsupported, syscall.ENOTSUP},
	{context.Canceled, syscall.EINTR},
	{context.DeadlineExceeded, syscall.ETIMEDOUT},
}

// Errno maps an error returned by Dispatch to the status code reported to
// the kernel. Unknown errors become EIO.
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	for _, e := range errnoTable {
		if errors.Is(err, e.err) {
			return e.errno
		}
	}
	return syscall.EIO
}
