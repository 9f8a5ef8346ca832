package memdrive

import (
	"encoding/binary"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"swarmdrive/pkg/drive"

	"github.com/zeebo/blake3"
)

// node is one immutable tree entry. Mutations clone the node.
type node struct {
	mode     fs.FileMode
	data     []byte
	uid, gid uint32
	atime    time.Time
	mtime    time.Time
	ctime    time.Time
	linkname string
	mount    *drive.MountInfo
	xattrs   map[string][]byte
}

func newNode(mode fs.FileMode) *node {
	now := time.Now()
	return &node{
		mode:  mode,
		uid:   uint32(os.Getuid()),
		gid:   uint32(os.Getgid()),
		atime: now,
		mtime: now,
		ctime: now,
	}
}

func (n *node) clone() *node {
	c := *n
	if n.xattrs != nil {
		c.xattrs = make(map[string][]byte, len(n.xattrs))
		for k, v := range n.xattrs {
			c.xattrs[k] = v
		}
	}
	return &c
}

func (n *node) isDir() bool { return n.mode.IsDir() }

func (n *node) info(name string) *drive.FileInfo {
	fi := &drive.FileInfo{
		Name:     name,
		Size:     int64(len(n.data)),
		Mode:     n.mode,
		Uid:      n.uid,
		Gid:      n.gid,
		Atime:    n.atime,
		Mtime:    n.mtime,
		Ctime:    n.ctime,
		Linkname: n.linkname,
	}
	if n.linkname != "" {
		fi.Size = int64(len(n.linkname))
	}
	if n.mount != nil {
		m := *n.mount
		fi.Mount = &m
	}
	return fi
}

// snapshot is one version of a drive tree, keyed by clean absolute path.
type snapshot struct {
	entries map[string]*node

	hashOnce sync.Once
	hash     []byte
}

func emptySnapshot() *snapshot {
	return &snapshot{entries: map[string]*node{"/": newNode(fs.ModeDir | 0o755)}}
}

func (s *snapshot) copyEntries() map[string]*node {
	entries := make(map[string]*node, len(s.entries)+1)
	for k, v := range s.entries {
		entries[k] = v
	}
	return entries
}

// children returns the sorted names directly under dir.
func (s *snapshot) children(dir string) []string {
	var names []string
	for p := range s.entries {
		if p == "/" {
			continue
		}
		if path.Dir(p) == dir {
			names = append(names, path.Base(p))
		}
	}
	sort.Strings(names)
	return names
}

// contentHash is a BLAKE3 digest over every entry in path order.
func (s *snapshot) contentHash() []byte {
	s.hashOnce.Do(func() {
		paths := make([]string, 0, len(s.entries))
		for p := range s.entries {
			paths = append(paths, p)
		}
		sort.Strings(paths)

		h := blake3.New()
		var scratch [8]byte
		for _, p := range paths {
			n := s.entries[p]
			h.Write([]byte(p))
			h.Write([]byte{0})
			binary.BigEndian.PutUint32(scratch[:4], uint32(n.mode))
			h.Write(scratch[:4])
			binary.BigEndian.PutUint64(scratch[:], uint64(len(n.data)))
			h.Write(scratch[:])
			h.Write(n.data)
			h.Write([]byte(n.linkname))
			if n.mount != nil {
				h.Write(n.mount.Key[:])
				binary.BigEndian.PutUint64(scratch[:], n.mount.Version)
				h.Write(scratch[:])
			}
		}
		s.hash = h.Sum(nil)
	})
	return s.hash
}

// splitPath returns the components of a clean absolute path.
func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// isWithin reports whether p is dir or lies below it.
func isWithin(p, dir string) bool {
	if dir == "/" || p == dir {
		return true
	}
	return strings.HasPrefix(p, dir+"/")
}
