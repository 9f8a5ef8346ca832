package fuse

import (
	"context"
	"syscall"

	"swarmdrive/pkg/vfs"

	gofs "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"
)

// fileHandle is an open file. It holds no data of its own; reads and
// writes go straight to the router at the node's current path, so an open
// file follows renames.
type fileHandle struct {
	fsys *fileSystem
	node *Node
}

var (
	_ gofs.FileReader   = (*fileHandle)(nil)
	_ gofs.FileWriter   = (*fileHandle)(nil)
	_ gofs.FileFlusher  = (*fileHandle)(nil)
	_ gofs.FileFsyncer  = (*fileHandle)(nil)
	_ gofs.FileReleaser = (*fileHandle)(nil)
)

func newHandle(n *Node) *fileHandle {
	return &fileHandle{fsys: n.fsys, node: n}
}

// Read reads data from the file
func (f *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	p := f.node.getPath()
	f.fsys.logger.Debug("Read request", zap.String("path", p), zap.Int64("offset", off), zap.Int("size", len(dest)))

	resp, errno := f.fsys.dispatch(ctx, &vfs.Request{
		Op:     vfs.OpRead,
		Path:   p,
		Offset: off,
		Size:   int64(len(dest)),
	})
	if errno != 0 {
		return nil, errno
	}
	return fuse.ReadResultData(resp.Data), 0
}

// Write writes data to the file
func (f *fileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	p := f.node.getPath()
	f.fsys.logger.Debug("Write request", zap.String("path", p), zap.Int64("offset", off), zap.Int("size", len(data)))

	// The kernel reuses data after the call returns.
	buf := make([]byte, len(data))
	copy(buf, data)
	resp, errno := f.fsys.dispatch(ctx, &vfs.Request{
		Op:     vfs.OpWrite,
		Path:   p,
		Data:   buf,
		Offset: off,
	})
	if errno != 0 {
		return 0, errno
	}
	return uint32(resp.Written), 0
}

// Writes are applied as they arrive, so there is nothing to flush.
func (f *fileHandle) Flush(ctx context.Context) syscall.Errno {
	return 0
}

func (f *fileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return 0
}

func (f *fileHandle) Release(ctx context.Context) syscall.Errno {
	_, errno := f.fsys.dispatch(ctx, &vfs.Request{Op: vfs.OpRelease, Path: f.node.getPath()})
	return errno
}
