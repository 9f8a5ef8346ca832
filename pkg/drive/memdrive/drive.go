package memdrive

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"swarmdrive/pkg/drive"
	"swarmdrive/pkg/types"
)

// maxMountDepth bounds recursive mount walks so that mount cycles terminate.
const maxMountDepth = 16

// Drive is a handle onto one feed, either live or pinned to a version.
type Drive struct {
	engine *Engine
	feed   *feed
	pinned uint64
	hash   []byte

	mu       sync.Mutex
	children map[string]*Drive
}

var _ drive.Drive = (*Drive)(nil)

func (d *Drive) Key() types.Key                   { return d.feed.key }
func (d *Drive) DiscoveryKey() types.DiscoveryKey { return d.feed.dkey }

// Writable is true for live handles on drives created by this engine.
func (d *Drive) Writable() bool { return d.feed.secret != nil && d.pinned == 0 }

func (d *Drive) Version() uint64 {
	if d.pinned != 0 {
		return d.pinned
	}
	return d.feed.latestVersion()
}

func (d *Drive) Identity() types.Identity {
	return types.Identity{Key: d.feed.key, Version: d.pinned, Hash: d.hash}
}

// ContentHash returns the BLAKE3 digest of the tree at this handle's version.
func (d *Drive) ContentHash() []byte {
	return d.snapshot().contentHash()
}

func (d *Drive) Ready(ctx context.Context) error { return ctx.Err() }

func (d *Drive) Close() error { return nil }

func (d *Drive) snapshot() *snapshot {
	return d.feed.snapshotAt(d.pinned)
}

// child returns the cached handle for the drive mounted at p.
func (d *Drive) child(ctx context.Context, p string, info drive.MountInfo) (*Drive, error) {
	cacheKey := p + "@" + info.Identity().String()

	d.mu.Lock()
	c, ok := d.children[cacheKey]
	d.mu.Unlock()
	if ok {
		return c, nil
	}

	c, err := d.engine.openMount(ctx, info)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.children[cacheKey]; ok {
		return existing, nil
	}
	d.children[cacheKey] = c
	return c, nil
}

// resolve walks name across nested mounts and returns the drive holding the
// entry together with the entry's path inside that drive. With followLast
// unset a mount at the final component is not entered.
func (d *Drive) resolve(ctx context.Context, name string, followLast bool) (*Drive, string, error) {
	p := drive.Clean(name)
	comps := splitPath(p)
	limit := len(comps)
	if !followLast {
		limit--
	}

	snap := d.snapshot()
	cur := "/"
	for i := 0; i < limit; i++ {
		cur = path.Join(cur, comps[i])
		n, ok := snap.entries[cur]
		if !ok {
			break
		}
		if n.mount != nil {
			c, err := d.child(ctx, cur, *n.mount)
			if err != nil {
				return nil, "", err
			}
			return c.resolve(ctx, "/"+strings.Join(comps[i+1:], "/"), followLast)
		}
	}
	return d, p, nil
}

func (d *Drive) lookup(op, p string) (*node, error) {
	n, ok := d.snapshot().entries[p]
	if !ok {
		return nil, &fs.PathError{Op: op, Path: p, Err: fs.ErrNotExist}
	}
	return n, nil
}

func (d *Drive) requireWritable(op, p string) error {
	if !d.Writable() {
		return &fs.PathError{Op: op, Path: p, Err: fs.ErrPermission}
	}
	return nil
}

// target resolves name for a mutation and checks writability.
func (d *Drive) target(ctx context.Context, op, name string, followLast bool) (*Drive, string, error) {
	t, p, err := d.resolve(ctx, name, followLast)
	if err != nil {
		return nil, "", err
	}
	if err := t.requireWritable(op, p); err != nil {
		return nil, "", err
	}
	return t, p, nil
}

// checkParent verifies that the parent directory of p exists in entries.
func checkParent(op, p string, entries map[string]*node) error {
	parent, ok := entries[path.Dir(p)]
	if !ok {
		return &fs.PathError{Op: op, Path: p, Err: fs.ErrNotExist}
	}
	if !parent.isDir() || parent.mount != nil {
		return &fs.PathError{Op: op, Path: p, Err: drive.ErrNotDir}
	}
	return nil
}

func (d *Drive) Stat(ctx context.Context, name string) (*drive.FileInfo, error) {
	t, p, err := d.resolve(ctx, name, false)
	if err != nil {
		return nil, err
	}
	n, err := t.lookup("stat", p)
	if err != nil {
		return nil, err
	}
	if n.mount == nil {
		return n.info(path.Base(p)), nil
	}

	c, err := t.child(ctx, p, *n.mount)
	if err != nil {
		return nil, err
	}
	root, err := c.lookup("stat", "/")
	if err != nil {
		return nil, err
	}
	info := root.info(path.Base(p))
	m := *n.mount
	info.Mount = &m
	return info, nil
}

func (d *Drive) ReadDir(ctx context.Context, name string) ([]string, error) {
	t, p, err := d.resolve(ctx, name, true)
	if err != nil {
		return nil, err
	}
	n, err := t.lookup("readdir", p)
	if err != nil {
		return nil, err
	}
	if !n.isDir() {
		return nil, &fs.PathError{Op: "readdir", Path: p, Err: drive.ErrNotDir}
	}
	return t.snapshot().children(p), nil
}

func (d *Drive) ReadAt(ctx context.Context, name string, buf []byte, off int64) (int, error) {
	t, p, err := d.resolve(ctx, name, true)
	if err != nil {
		return 0, err
	}
	n, err := t.lookup("read", p)
	if err != nil {
		return 0, err
	}
	if n.isDir() {
		return 0, &fs.PathError{Op: "read", Path: p, Err: drive.ErrIsDir}
	}
	if off < 0 {
		return 0, &fs.PathError{Op: "read", Path: p, Err: fs.ErrInvalid}
	}
	if off >= int64(len(n.data)) {
		return 0, io.EOF
	}
	copied := copy(buf, n.data[off:])
	if copied < len(buf) {
		return copied, io.EOF
	}
	return copied, nil
}

func (d *Drive) WriteAt(ctx context.Context, name string, buf []byte, off int64) (int, error) {
	t, p, err := d.target(ctx, "write", name, true)
	if err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, &fs.PathError{Op: "write", Path: p, Err: fs.ErrInvalid}
	}

	err = t.feed.mutate(func(entries map[string]*node) ([]string, error) {
		n, ok := entries[p]
		if !ok {
			return nil, &fs.PathError{Op: "write", Path: p, Err: fs.ErrNotExist}
		}
		if !n.mode.IsRegular() {
			return nil, &fs.PathError{Op: "write", Path: p, Err: drive.ErrIsDir}
		}

		c := n.clone()
		end := off + int64(len(buf))
		size := int64(len(n.data))
		if end > size {
			size = end
		}
		data := make([]byte, size)
		copy(data, n.data)
		copy(data[off:], buf)
		c.data = data
		c.mtime = time.Now()
		c.ctime = c.mtime
		entries[p] = c
		return []string{p}, nil
	})
	if err != nil {
		return 0, err
	}
	return len(buf), nil
}

func (d *Drive) Create(ctx context.Context, name string, mode fs.FileMode) error {
	t, p, err := d.target(ctx, "create", name, false)
	if err != nil {
		return err
	}
	return t.feed.mutate(func(entries map[string]*node) ([]string, error) {
		if err := checkParent("create", p, entries); err != nil {
			return nil, err
		}
		if existing, ok := entries[p]; ok {
			if !existing.mode.IsRegular() {
				return nil, &fs.PathError{Op: "create", Path: p, Err: drive.ErrIsDir}
			}
			c := existing.clone()
			c.data = nil
			c.mtime = time.Now()
			entries[p] = c
			return []string{p}, nil
		}
		entries[p] = newNode(mode.Perm())
		return []string{p}, nil
	})
}

func (d *Drive) Truncate(ctx context.Context, name string, size int64) error {
	t, p, err := d.target(ctx, "truncate", name, true)
	if err != nil {
		return err
	}
	if size < 0 {
		return &fs.PathError{Op: "truncate", Path: p, Err: fs.ErrInvalid}
	}
	return t.feed.mutate(func(entries map[string]*node) ([]string, error) {
		n, ok := entries[p]
		if !ok {
			return nil, &fs.PathError{Op: "truncate", Path: p, Err: fs.ErrNotExist}
		}
		if !n.mode.IsRegular() {
			return nil, &fs.PathError{Op: "truncate", Path: p, Err: drive.ErrIsDir}
		}
		c := n.clone()
		data := make([]byte, size)
		copy(data, n.data)
		c.data = data
		c.mtime = time.Now()
		entries[p] = c
		return []string{p}, nil
	})
}

func (d *Drive) Mkdir(ctx context.Context, name string, mode fs.FileMode) error {
	t, p, err := d.target(ctx, "mkdir", name, false)
	if err != nil {
		return err
	}
	return t.feed.mutate(func(entries map[string]*node) ([]string, error) {
		if _, ok := entries[p]; ok {
			return nil, &fs.PathError{Op: "mkdir", Path: p, Err: fs.ErrExist}
		}
		if err := checkParent("mkdir", p, entries); err != nil {
			return nil, err
		}
		entries[p] = newNode(fs.ModeDir | mode.Perm())
		return []string{p}, nil
	})
}

func (d *Drive) Rmdir(ctx context.Context, name string) error {
	t, p, err := d.target(ctx, "rmdir", name, false)
	if err != nil {
		return err
	}
	if p == "/" {
		return &fs.PathError{Op: "rmdir", Path: p, Err: fs.ErrPermission}
	}
	return t.feed.mutate(func(entries map[string]*node) ([]string, error) {
		n, ok := entries[p]
		if !ok {
			return nil, &fs.PathError{Op: "rmdir", Path: p, Err: fs.ErrNotExist}
		}
		if !n.isDir() {
			return nil, &fs.PathError{Op: "rmdir", Path: p, Err: drive.ErrNotDir}
		}
		if n.mount == nil {
			for other := range entries {
				if other != p && isWithin(other, p) {
					return nil, &fs.PathError{Op: "rmdir", Path: p, Err: drive.ErrNotEmpty}
				}
			}
		}
		delete(entries, p)
		return []string{p}, nil
	})
}

func (d *Drive) Unlink(ctx context.Context, name string) error {
	t, p, err := d.target(ctx, "unlink", name, false)
	if err != nil {
		return err
	}
	return t.feed.mutate(func(entries map[string]*node) ([]string, error) {
		n, ok := entries[p]
		if !ok {
			return nil, &fs.PathError{Op: "unlink", Path: p, Err: fs.ErrNotExist}
		}
		if n.isDir() && n.mount == nil {
			return nil, &fs.PathError{Op: "unlink", Path: p, Err: drive.ErrIsDir}
		}
		delete(entries, p)
		return []string{p}, nil
	})
}

func (d *Drive) Rename(ctx context.Context, from, to string) error {
	src, fromPath, err := d.target(ctx, "rename", from, false)
	if err != nil {
		return err
	}
	dst, toPath, err := d.target(ctx, "rename", to, false)
	if err != nil {
		return err
	}
	if src.feed != dst.feed {
		// Entries cannot move between drives.
		return &fs.PathError{Op: "rename", Path: fromPath, Err: fs.ErrInvalid}
	}
	if fromPath == "/" || isWithin(toPath, fromPath) && toPath != fromPath {
		return &fs.PathError{Op: "rename", Path: fromPath, Err: fs.ErrInvalid}
	}
	if fromPath == toPath {
		return nil
	}

	return src.feed.mutate(func(entries map[string]*node) ([]string, error) {
		if _, ok := entries[fromPath]; !ok {
			return nil, &fs.PathError{Op: "rename", Path: fromPath, Err: fs.ErrNotExist}
		}
		if err := checkParent("rename", toPath, entries); err != nil {
			return nil, err
		}
		if existing, ok := entries[toPath]; ok && existing.isDir() {
			for other := range entries {
				if other != toPath && isWithin(other, toPath) {
					return nil, &fs.PathError{Op: "rename", Path: toPath, Err: drive.ErrNotEmpty}
				}
			}
		}

		moved := make(map[string]*node)
		for p, n := range entries {
			if isWithin(p, fromPath) {
				moved[toPath+strings.TrimPrefix(p, fromPath)] = n
				delete(entries, p)
			}
		}
		for p, n := range moved {
			entries[p] = n
		}
		return []string{fromPath, toPath}, nil
	})
}

func (d *Drive) Symlink(ctx context.Context, target, name string) error {
	t, p, err := d.target(ctx, "symlink", name, false)
	if err != nil {
		return err
	}
	return t.feed.mutate(func(entries map[string]*node) ([]string, error) {
		if _, ok := entries[p]; ok {
			return nil, &fs.PathError{Op: "symlink", Path: p, Err: fs.ErrExist}
		}
		if err := checkParent("symlink", p, entries); err != nil {
			return nil, err
		}
		n := newNode(fs.ModeSymlink | 0o777)
		n.linkname = target
		entries[p] = n
		return []string{p}, nil
	})
}

func (d *Drive) Readlink(ctx context.Context, name string) (string, error) {
	t, p, err := d.resolve(ctx, name, false)
	if err != nil {
		return "", err
	}
	n, err := t.lookup("readlink", p)
	if err != nil {
		return "", err
	}
	if n.mode&fs.ModeSymlink == 0 {
		return "", &fs.PathError{Op: "readlink", Path: p, Err: fs.ErrInvalid}
	}
	return n.linkname, nil
}

// update applies fn to a clone of the entry at name.
func (d *Drive) update(ctx context.Context, op, name string, fn func(n *node) error) error {
	t, p, err := d.target(ctx, op, name, true)
	if err != nil {
		return err
	}
	return t.feed.mutate(func(entries map[string]*node) ([]string, error) {
		n, ok := entries[p]
		if !ok {
			return nil, &fs.PathError{Op: op, Path: p, Err: fs.ErrNotExist}
		}
		c := n.clone()
		if err := fn(c); err != nil {
			return nil, &fs.PathError{Op: op, Path: p, Err: err}
		}
		c.ctime = time.Now()
		entries[p] = c
		return []string{p}, nil
	})
}

func (d *Drive) Chmod(ctx context.Context, name string, mode fs.FileMode) error {
	return d.update(ctx, "chmod", name, func(n *node) error {
		n.mode = (n.mode &^ fs.ModePerm) | mode.Perm()
		return nil
	})
}

func (d *Drive) Chown(ctx context.Context, name string, uid, gid uint32) error {
	return d.update(ctx, "chown", name, func(n *node) error {
		n.uid, n.gid = uid, gid
		return nil
	})
}

func (d *Drive) Utimens(ctx context.Context, name string, atime, mtime time.Time) error {
	return d.update(ctx, "utimens", name, func(n *node) error {
		n.atime, n.mtime = atime, mtime
		return nil
	})
}

func (d *Drive) Setxattr(ctx context.Context, name, attr string, value []byte) error {
	return d.update(ctx, "setxattr", name, func(n *node) error {
		if n.xattrs == nil {
			n.xattrs = make(map[string][]byte)
		}
		v := make([]byte, len(value))
		copy(v, value)
		n.xattrs[attr] = v
		return nil
	})
}

func (d *Drive) Removexattr(ctx context.Context, name, attr string) error {
	return d.update(ctx, "removexattr", name, func(n *node) error {
		if _, ok := n.xattrs[attr]; !ok {
			return drive.ErrNoAttr
		}
		delete(n.xattrs, attr)
		return nil
	})
}

func (d *Drive) Getxattr(ctx context.Context, name, attr string) ([]byte, error) {
	t, p, err := d.resolve(ctx, name, true)
	if err != nil {
		return nil, err
	}
	n, err := t.lookup("getxattr", p)
	if err != nil {
		return nil, err
	}
	v, ok := n.xattrs[attr]
	if !ok {
		return nil, &fs.PathError{Op: "getxattr", Path: p, Err: drive.ErrNoAttr}
	}
	return v, nil
}

func (d *Drive) Listxattr(ctx context.Context, name string) ([]string, error) {
	t, p, err := d.resolve(ctx, name, true)
	if err != nil {
		return nil, err
	}
	n, err := t.lookup("listxattr", p)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(n.xattrs))
	for k := range n.xattrs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names, nil
}

func (d *Drive) Mount(ctx context.Context, name string, info drive.MountInfo) error {
	t, p, err := d.target(ctx, "mount", name, false)
	if err != nil {
		return err
	}
	if p == "/" {
		return &fs.PathError{Op: "mount", Path: p, Err: fs.ErrInvalid}
	}
	// Fail before touching the tree if the target cannot be opened.
	if _, err := t.child(ctx, p, info); err != nil {
		return fmt.Errorf("mount %s: %w", p, err)
	}

	return t.feed.mutate(func(entries map[string]*node) ([]string, error) {
		if _, ok := entries[p]; ok {
			return nil, &fs.PathError{Op: "mount", Path: p, Err: fs.ErrExist}
		}
		if err := checkParent("mount", p, entries); err != nil {
			return nil, err
		}
		n := newNode(fs.ModeDir | 0o755)
		m := info
		n.mount = &m
		entries[p] = n
		return []string{p}, nil
	})
}

func (d *Drive) Unmount(ctx context.Context, name string) error {
	t, p, err := d.target(ctx, "unmount", name, false)
	if err != nil {
		return err
	}
	return t.feed.mutate(func(entries map[string]*node) ([]string, error) {
		n, ok := entries[p]
		if !ok {
			return nil, &fs.PathError{Op: "unmount", Path: p, Err: fs.ErrNotExist}
		}
		if n.mount == nil {
			return nil, &fs.PathError{Op: "unmount", Path: p, Err: fs.ErrInvalid}
		}
		delete(entries, p)
		return []string{p}, nil
	})
}

func (d *Drive) Mounts(ctx context.Context, recursive bool) ([]drive.Mount, error) {
	return d.mounts(ctx, recursive, 0)
}

func (d *Drive) mounts(ctx context.Context, recursive bool, depth int) ([]drive.Mount, error) {
	if depth >= maxMountDepth {
		return nil, nil
	}

	snap := d.snapshot()
	var paths []string
	for p, n := range snap.entries {
		if n.mount != nil {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)

	var result []drive.Mount
	for _, p := range paths {
		c, err := d.child(ctx, p, *snap.entries[p].mount)
		if err != nil {
			return nil, err
		}
		result = append(result, drive.Mount{Path: p, Drive: c})

		if recursive {
			nested, err := c.mounts(ctx, true, depth+1)
			if err != nil {
				return nil, err
			}
			for _, m := range nested {
				result = append(result, drive.Mount{Path: path.Join(p, m.Path), Drive: m.Drive})
			}
		}
	}
	return result, nil
}

func (d *Drive) Stats() drive.NetworkStats {
	d.feed.mu.RLock()
	defer d.feed.mu.RUnlock()
	return d.feed.stats
}

func (d *Drive) Watch(ctx context.Context, name string) (<-chan struct{}, func(), error) {
	t, p, err := d.resolve(ctx, name, true)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := t.feed.watch(p)
	return ch, cancel, nil
}
