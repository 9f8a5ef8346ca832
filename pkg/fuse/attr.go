package fuse

import (
	"io/fs"
	"path"
	"sync"
	"syscall"
	"time"

	"swarmdrive/pkg/drive"

	"github.com/hanwen/go-fuse/v2/fuse"
)

// attrTimeout is how long the kernel and the attribute cache keep a stat.
const attrTimeout = time.Second

// unixMode converts a drive file mode to a stat(2) mode.
func unixMode(m fs.FileMode) uint32 {
	mode := uint32(m.Perm())
	switch {
	case m.IsDir():
		mode |= syscall.S_IFDIR
	case m&fs.ModeSymlink != 0:
		mode |= syscall.S_IFLNK
	default:
		mode |= syscall.S_IFREG
	}
	if m&fs.ModeSetuid != 0 {
		mode |= syscall.S_ISUID
	}
	if m&fs.ModeSetgid != 0 {
		mode |= syscall.S_ISGID
	}
	if m&fs.ModeSticky != 0 {
		mode |= syscall.S_ISVTX
	}
	return mode
}

// fileMode converts the permission bits of a stat(2) mode.
func fileMode(mode uint32) fs.FileMode {
	m := fs.FileMode(mode & 0o777)
	if mode&syscall.S_ISUID != 0 {
		m |= fs.ModeSetuid
	}
	if mode&syscall.S_ISGID != 0 {
		m |= fs.ModeSetgid
	}
	if mode&syscall.S_ISVTX != 0 {
		m |= fs.ModeSticky
	}
	return m
}

func fillAttr(info *drive.FileInfo, out *fuse.Attr) {
	out.Mode = unixMode(info.Mode)
	out.Size = uint64(info.Size)
	out.Blocks = (out.Size + 511) / 512
	out.Nlink = 1
	if info.IsDir() {
		out.Nlink = 2
	}
	out.Uid = info.Uid
	out.Gid = info.Gid
	atime, mtime, ctime := info.Atime, info.Mtime, info.Ctime
	out.SetTimes(&atime, &mtime, &ctime)
}

type cachedAttr struct {
	info     *drive.FileInfo
	cachedAt time.Time
}

// attrCache holds recent stat results by tree path.
type attrCache struct {
	mu      sync.RWMutex
	entries map[string]cachedAttr
	ttl     time.Duration
	now     func() time.Time
}

func newAttrCache(ttl time.Duration) *attrCache {
	return &attrCache{
		entries: make(map[string]cachedAttr),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *attrCache) get(p string) (*drive.FileInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[p]
	if !ok || c.now().Sub(e.cachedAt) > c.ttl {
		return nil, false
	}
	return e.info, true
}

func (c *attrCache) put(p string, info *drive.FileInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[p] = cachedAttr{info: info, cachedAt: c.now()}
}

// invalidate drops p, everything below it and its parent.
func (c *attrCache) invalidate(p string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, path.Dir(p))
	for k := range c.entries {
		if k == p || len(k) > len(p) && k[:len(p)] == p && (p == "/" || k[len(p)] == '/') {
			delete(c.entries, k)
		}
	}
}
