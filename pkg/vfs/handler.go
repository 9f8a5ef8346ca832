package vfs

import (
	"context"
	"errors"
	"io"

	"swarmdrive/pkg/drive"
)

type driveOp func(ctx context.Context, d drive.Drive, req *Request) (*Response, error)

// driveOps is the default handler for each operation against a single
// drive. req.Path is relative to the drive root.
var driveOps = [numOps]driveOp{
	OpReaddir: func(ctx context.Context, d drive.Drive, req *Request) (*Response, error) {
		names, err := d.ReadDir(ctx, req.Path)
		if err != nil {
			return nil, err
		}
		return &Response{Names: names}, nil
	},
	OpGetattr: statOp,
	OpOpen:    statOp,
	OpRead: func(ctx context.Context, d drive.Drive, req *Request) (*Response, error) {
		buf := make([]byte, req.Size)
		n, err := d.ReadAt(ctx, req.Path, buf, req.Offset)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		return &Response{Data: buf[:n]}, nil
	},
	OpWrite: func(ctx context.Context, d drive.Drive, req *Request) (*Response, error) {
		n, err := d.WriteAt(ctx, req.Path, req.Data, req.Offset)
		if err != nil {
			return nil, err
		}
		return &Response{Written: n}, nil
	},
	OpTruncate: func(ctx context.Context, d drive.Drive, req *Request) (*Response, error) {
		return empty(d.Truncate(ctx, req.Path, req.Size))
	},
	OpSetxattr: func(ctx context.Context, d drive.Drive, req *Request) (*Response, error) {
		return empty(d.Setxattr(ctx, req.Path, req.Attr, req.Value))
	},
	OpGetxattr: func(ctx context.Context, d drive.Drive, req *Request) (*Response, error) {
		v, err := d.Getxattr(ctx, req.Path, req.Attr)
		if err != nil {
			return nil, err
		}
		return &Response{Value: v}, nil
	},
	OpListxattr: func(ctx context.Context, d drive.Drive, req *Request) (*Response, error) {
		attrs, err := d.Listxattr(ctx, req.Path)
		if err != nil {
			return nil, err
		}
		return &Response{Attrs: attrs}, nil
	},
	OpRemovexattr: func(ctx context.Context, d drive.Drive, req *Request) (*Response, error) {
		return empty(d.Removexattr(ctx, req.Path, req.Attr))
	},
	OpChown: func(ctx context.Context, d drive.Drive, req *Request) (*Response, error) {
		return empty(d.Chown(ctx, req.Path, req.Uid, req.Gid))
	},
	OpChmod: func(ctx context.Context, d drive.Drive, req *Request) (*Response, error) {
		return empty(d.Chmod(ctx, req.Path, req.Mode))
	},
	OpMkdir: func(ctx context.Context, d drive.Drive, req *Request) (*Response, error) {
		if err := d.Mkdir(ctx, req.Path, req.Mode); err != nil {
			return nil, err
		}
		return statOp(ctx, d, req)
	},
	OpCreate: func(ctx context.Context, d drive.Drive, req *Request) (*Response, error) {
		if err := d.Create(ctx, req.Path, req.Mode); err != nil {
			return nil, err
		}
		return statOp(ctx, d, req)
	},
	OpUtimens: func(ctx context.Context, d drive.Drive, req *Request) (*Response, error) {
		return empty(d.Utimens(ctx, req.Path, req.Atime, req.Mtime))
	},
	OpRmdir: func(ctx context.Context, d drive.Drive, req *Request) (*Response, error) {
		return empty(d.Rmdir(ctx, req.Path))
	},
	OpUnlink: func(ctx context.Context, d drive.Drive, req *Request) (*Response, error) {
		return empty(d.Unlink(ctx, req.Path))
	},
	OpSymlink: func(ctx context.Context, d drive.Drive, req *Request) (*Response, error) {
		if err := d.Symlink(ctx, req.Target, req.Path); err != nil {
			return nil, err
		}
		return statOp(ctx, d, req)
	},
	OpReadlink: func(ctx context.Context, d drive.Drive, req *Request) (*Response, error) {
		target, err := d.Readlink(ctx, req.Path)
		if err != nil {
			return nil, err
		}
		return &Response{Link: target}, nil
	},
	OpRename: func(ctx context.Context, d drive.Drive, req *Request) (*Response, error) {
		return empty(d.Rename(ctx, req.Path, req.NewPath))
	},
	OpRelease: func(ctx context.Context, d drive.Drive, req *Request) (*Response, error) {
		return &Response{}, nil
	},
}

func statOp(ctx context.Context, d drive.Drive, req *Request) (*Response, error) {
	info, err := d.Stat(ctx, req.Path)
	if err != nil {
		return nil, err
	}
	return &Response{Info: info}, nil
}

func empty(err error) (*Response, error) {
	if err != nil {
		return nil, err
	}
	return &Response{}, nil
}

// driveHandler binds the default operation table to one drive. The
// router builds one per drive identity and reuses it.
type driveHandler struct {
	drive drive.Drive
}

func (h *driveHandler) handle(ctx context.Context, req *Request) (*Response, error) {
	if req.Op >= numOps {
		return nil, errUnsupported
	}
	return driveOps[req.Op](ctx, h.drive, req)
}
