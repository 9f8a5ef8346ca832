// Package fuse binds the virtual filesystem router to a host mountpoint
// through go-fuse. Every node forwards its calls to the router by path.
package fuse

import (
	"context"
	"io/fs"
	"path"
	"syscall"
	"time"

	"swarmdrive/pkg/drive"
	"swarmdrive/pkg/vfs"

	gofs "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"
)

// fileSystem is the state shared by every node of one mount.
type fileSystem struct {
	dispatcher vfs.Dispatcher
	logger     *zap.Logger
	cache      *attrCache
}

// dispatch runs req and converts the failure to an errno. Mutations drop
// cached attributes for the paths they touch.
func (fsys *fileSystem) dispatch(ctx context.Context, req *vfs.Request) (*vfs.Response, syscall.Errno) {
	resp, err := fsys.dispatcher.Dispatch(ctx, req)
	switch req.Op {
	case vfs.OpGetattr, vfs.OpReaddir, vfs.OpRead, vfs.OpOpen, vfs.OpReadlink,
		vfs.OpGetxattr, vfs.OpListxattr, vfs.OpRelease:
	default:
		fsys.cache.invalidate(req.Path)
		if req.NewPath != "" {
			fsys.cache.invalidate(req.NewPath)
		}
	}
	if err != nil {
		errno := vfs.Errno(err)
		if errno == syscall.EIO {
			fsys.logger.Warn("Filesystem call failed",
				zap.Stringer("op", req.Op),
				zap.String("path", req.Path),
				zap.Error(err))
		}
		return nil, errno
	}
	return resp, 0
}

func (fsys *fileSystem) stat(ctx context.Context, p string) (*drive.FileInfo, syscall.Errno) {
	if info, ok := fsys.cache.get(p); ok {
		return info, 0
	}
	resp, errno := fsys.dispatch(ctx, &vfs.Request{Op: vfs.OpGetattr, Path: p})
	if errno != 0 {
		return nil, errno
	}
	fsys.cache.put(p, resp.Info)
	return resp.Info, 0
}

// Node is one entry of the mounted tree.
type Node struct {
	gofs.Inode
	fsys *fileSystem
}

var (
	_ gofs.NodeGetattrer     = (*Node)(nil)
	_ gofs.NodeSetattrer     = (*Node)(nil)
	_ gofs.NodeLookuper      = (*Node)(nil)
	_ gofs.NodeReaddirer     = (*Node)(nil)
	_ gofs.NodeMkdirer       = (*Node)(nil)
	_ gofs.NodeCreater       = (*Node)(nil)
	_ gofs.NodeRmdirer       = (*Node)(nil)
	_ gofs.NodeUnlinker      = (*Node)(nil)
	_ gofs.NodeSymlinker     = (*Node)(nil)
	_ gofs.NodeReadlinker    = (*Node)(nil)
	_ gofs.NodeRenamer       = (*Node)(nil)
	_ gofs.NodeOpener        = (*Node)(nil)
	_ gofs.NodeGetxattrer    = (*Node)(nil)
	_ gofs.NodeSetxattrer    = (*Node)(nil)
	_ gofs.NodeListxattrer   = (*Node)(nil)
	_ gofs.NodeRemovexattrer = (*Node)(nil)
	_ gofs.NodeStatfser      = (*Node)(nil)
)

// getPath returns the tree path of this inode.
func (n *Node) getPath() string {
	return "/" + n.Path(n.Root())
}

func (n *Node) childPath(name string) string {
	return path.Join(n.getPath(), name)
}

func (n *Node) newChild(ctx context.Context, info *drive.FileInfo, out *fuse.EntryOut) *gofs.Inode {
	fillAttr(info, &out.Attr)
	out.SetEntryTimeout(attrTimeout)
	out.SetAttrTimeout(attrTimeout)
	child := &Node{fsys: n.fsys}
	return n.NewInode(ctx, child, gofs.StableAttr{Mode: unixMode(info.Mode) & syscall.S_IFMT})
}

func (n *Node) Getattr(ctx context.Context, fh gofs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	info, errno := n.fsys.stat(ctx, n.getPath())
	if errno != 0 {
		return errno
	}
	fillAttr(info, &out.Attr)
	out.SetTimeout(attrTimeout)
	return 0
}

func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofs.Inode, syscall.Errno) {
	info, errno := n.fsys.stat(ctx, n.childPath(name))
	if errno != 0 {
		return nil, errno
	}
	return n.newChild(ctx, info, out), 0
}

func (n *Node) Readdir(ctx context.Context) (gofs.DirStream, syscall.Errno) {
	p := n.getPath()
	resp, errno := n.fsys.dispatch(ctx, &vfs.Request{Op: vfs.OpReaddir, Path: p})
	if errno != 0 {
		return nil, errno
	}

	entries := make([]fuse.DirEntry, 0, len(resp.Names))
	for _, name := range resp.Names {
		entry := fuse.DirEntry{Name: name, Mode: syscall.S_IFREG}
		if info, errno := n.fsys.stat(ctx, path.Join(p, name)); errno == 0 {
			entry.Mode = unixMode(info.Mode) & syscall.S_IFMT
		}
		entries = append(entries, entry)
	}
	return gofs.NewListDirStream(entries), 0
}

func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofs.Inode, syscall.Errno) {
	resp, errno := n.fsys.dispatch(ctx, &vfs.Request{Op: vfs.OpMkdir, Path: n.childPath(name), Mode: fileMode(mode)})
	if errno != 0 {
		return nil, errno
	}
	return n.newChild(ctx, resp.Info, out), 0
}

func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofs.Inode, gofs.FileHandle, uint32, syscall.Errno) {
	p := n.childPath(name)
	resp, errno := n.fsys.dispatch(ctx, &vfs.Request{Op: vfs.OpCreate, Path: p, Mode: fileMode(mode)})
	if errno != 0 {
		return nil, nil, 0, errno
	}
	n.fsys.logger.Debug("Created file", zap.String("path", p))
	inode := n.newChild(ctx, resp.Info, out)
	return inode, newHandle(inode.Operations().(*Node)), fuse.FOPEN_DIRECT_IO, 0
}

func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	_, errno := n.fsys.dispatch(ctx, &vfs.Request{Op: vfs.OpRmdir, Path: n.childPath(name)})
	return errno
}

func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	_, errno := n.fsys.dispatch(ctx, &vfs.Request{Op: vfs.OpUnlink, Path: n.childPath(name)})
	return errno
}

func (n *Node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*gofs.Inode, syscall.Errno) {
	p := n.childPath(name)
	resp, errno := n.fsys.dispatch(ctx, &vfs.Request{Op: vfs.OpSymlink, Path: p, Target: target})
	if errno != 0 {
		return nil, errno
	}
	if resp.Info != nil && resp.Info.Mode.Type() == fs.ModeSymlink {
		return n.newChild(ctx, resp.Info, out), 0
	}

	// A link to a by-key drive mounted the drive instead. The kernel only
	// accepts a link entry here, so report one that is never cached; the
	// next lookup of name sees the mount.
	n.fsys.logger.Debug("Symlink became a mount", zap.String("path", p), zap.String("target", target))
	n.fsys.cache.invalidate(n.getPath())
	out.Attr = fuse.Attr{
		Mode:  syscall.S_IFLNK | 0o777,
		Size:  uint64(len(target)),
		Nlink: 1,
	}
	if resp.Info != nil {
		out.Attr.Uid = resp.Info.Uid
		out.Attr.Gid = resp.Info.Gid
	}
	out.SetEntryTimeout(0)
	out.SetAttrTimeout(0)
	return n.NewInode(ctx, &Node{fsys: n.fsys}, gofs.StableAttr{Mode: syscall.S_IFLNK}), 0
}

func (n *Node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	resp, errno := n.fsys.dispatch(ctx, &vfs.Request{Op: vfs.OpReadlink, Path: n.getPath()})
	if errno != 0 {
		return nil, errno
	}
	return []byte(resp.Link), 0
}

func (n *Node) Rename(ctx context.Context, name string, newParent gofs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if flags != 0 {
		// RENAME_EXCHANGE and RENAME_NOREPLACE are not supported by drives.
		return syscall.EINVAL
	}
	parent := "/" + newParent.EmbeddedInode().Path(n.Root())
	_, errno := n.fsys.dispatch(ctx, &vfs.Request{
		Op:      vfs.OpRename,
		Path:    n.childPath(name),
		NewPath: path.Join(parent, newName),
	})
	return errno
}

func (n *Node) Setattr(ctx context.Context, fh gofs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	p := n.getPath()

	if mode, ok := in.GetMode(); ok {
		if _, errno := n.fsys.dispatch(ctx, &vfs.Request{Op: vfs.OpChmod, Path: p, Mode: fileMode(mode)}); errno != 0 {
			return errno
		}
	}

	uid, uok := in.GetUID()
	gid, gok := in.GetGID()
	if uok || gok {
		info, errno := n.fsys.stat(ctx, p)
		if errno != 0 {
			return errno
		}
		if !uok {
			uid = info.Uid
		}
		if !gok {
			gid = info.Gid
		}
		if _, errno := n.fsys.dispatch(ctx, &vfs.Request{Op: vfs.OpChown, Path: p, Uid: uid, Gid: gid}); errno != 0 {
			return errno
		}
	}

	if size, ok := in.GetSize(); ok {
		if _, errno := n.fsys.dispatch(ctx, &vfs.Request{Op: vfs.OpTruncate, Path: p, Size: int64(size)}); errno != 0 {
			return errno
		}
	}

	atime, aok := in.GetATime()
	mtime, mok := in.GetMTime()
	if aok || mok {
		info, errno := n.fsys.stat(ctx, p)
		if errno != 0 {
			return errno
		}
		if !aok {
			atime = info.Atime
		}
		if !mok {
			mtime = info.Mtime
		}
		if _, errno := n.fsys.dispatch(ctx, &vfs.Request{Op: vfs.OpUtimens, Path: p, Atime: atime, Mtime: mtime}); errno != 0 {
			return errno
		}
	}

	return n.Getattr(ctx, fh, out)
}

func (n *Node) Open(ctx context.Context, flags uint32) (gofs.FileHandle, uint32, syscall.Errno) {
	p := n.getPath()
	if _, errno := n.fsys.dispatch(ctx, &vfs.Request{Op: vfs.OpOpen, Path: p}); errno != 0 {
		return nil, 0, errno
	}
	if flags&syscall.O_TRUNC != 0 {
		if _, errno := n.fsys.dispatch(ctx, &vfs.Request{Op: vfs.OpTruncate, Path: p}); errno != 0 {
			return nil, 0, errno
		}
	}
	return newHandle(n), fuse.FOPEN_DIRECT_IO, 0
}

func (n *Node) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	resp, errno := n.fsys.dispatch(ctx, &vfs.Request{Op: vfs.OpGetxattr, Path: n.getPath(), Attr: attr})
	if errno != 0 {
		return 0, errno
	}
	return copyOut(dest, resp.Value)
}

func (n *Node) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	value := make([]byte, len(data))
	copy(value, data)
	_, errno := n.fsys.dispatch(ctx, &vfs.Request{Op: vfs.OpSetxattr, Path: n.getPath(), Attr: attr, Value: value})
	return errno
}

func (n *Node) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	resp, errno := n.fsys.dispatch(ctx, &vfs.Request{Op: vfs.OpListxattr, Path: n.getPath()})
	if errno != 0 {
		return 0, errno
	}
	var buf []byte
	for _, a := range resp.Attrs {
		buf = append(buf, a...)
		buf = append(buf, 0)
	}
	return copyOut(dest, buf)
}

func (n *Node) Removexattr(ctx context.Context, attr string) syscall.Errno {
	_, errno := n.fsys.dispatch(ctx, &vfs.Request{Op: vfs.OpRemovexattr, Path: n.getPath(), Attr: attr})
	return errno
}

// Statfs reports fixed figures; drive capacity is bounded by the peers
// holding it, not by a local device.
func (n *Node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	const blockSize = 4096
	out.Bsize = blockSize
	out.Frsize = blockSize
	out.Blocks = 1 << 30
	out.Bfree = 3 << 28
	out.Bavail = out.Bfree
	out.Files = 1 << 20
	out.Ffree = 1<<20 - 1000
	out.NameLen = 255
	return 0
}

// copyOut follows the xattr size probing protocol: an empty dest asks for
// the required size.
func copyOut(dest, value []byte) (uint32, syscall.Errno) {
	if len(dest) == 0 {
		return uint32(len(value)), 0
	}
	if len(dest) < len(value) {
		return uint32(len(value)), syscall.ERANGE
	}
	return uint32(copy(dest, value)), 0
}

func newFileSystem(d vfs.Dispatcher, logger *zap.Logger, ttl time.Duration) *fileSystem {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &fileSystem{dispatcher: d, logger: logger, cache: newAttrCache(ttl)}
}
