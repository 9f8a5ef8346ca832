package vfs

import (
	"io/fs"
	"time"

	"swarmdrive/pkg/drive"
)

// Op is a filesystem operation kind.
type Op uint8

const (
	OpReaddir Op = iota
	OpGetattr
	OpOpen
	OpRead
	OpWrite
	OpTruncate
	OpSetxattr
	OpGetxattr
	OpListxattr
	OpRemovexattr
	OpChown
	OpChmod
	OpMkdir
	OpCreate
	OpUtimens
	OpRmdir
	OpUnlink
	OpSymlink
	OpReadlink
	OpRename
	OpRelease

	numOps
)

var opNames = [numOps]string{
	OpReaddir:     "readdir",
	OpGetattr:     "getattr",
	OpOpen:        "open",
	OpRead:        "read",
	OpWrite:       "write",
	OpTruncate:    "truncate",
	OpSetxattr:    "setxattr",
	OpGetxattr:    "getxattr",
	OpListxattr:   "listxattr",
	OpRemovexattr: "removexattr",
	OpChown:       "chown",
	OpChmod:       "chmod",
	OpMkdir:       "mkdir",
	OpCreate:      "create",
	OpUtimens:     "utimens",
	OpRmdir:       "rmdir",
	OpUnlink:      "unlink",
	OpSymlink:     "symlink",
	OpReadlink:    "readlink",
	OpRename:      "rename",
	OpRelease:     "release",
}

func (o Op) String() string {
	if o < numOps {
		return opNames[o]
	}
	return "unknown"
}

// opSet is a bitmask of operation kinds.
type opSet uint32

const allOps opSet = 1<<numOps - 1

func opsOf(ops ...Op) opSet {
	var s opSet
	for _, o := range ops {
		s |= 1 << o
	}
	return s
}

func (s opSet) has(o Op) bool { return s&(1<<o) != 0 }

// mutatingOps change the tree and are refused at the top level.
var mutatingOps = opsOf(
	OpWrite, OpTruncate, OpSetxattr, OpRemovexattr, OpChown, OpChmod,
	OpMkdir, OpCreate, OpUtimens, OpRmdir, OpUnlink, OpRename,
)

// Request is one filesystem call. Paths are absolute within the mounted
// tree. Only the fields the operation needs are set.
type Request struct {
	Op   Op
	Path string

	// Target is the link target for OpSymlink.
	Target string
	// NewPath is the destination for OpRename.
	NewPath string

	Data   []byte
	Offset int64
	// Size is the read length for OpRead and the new length for OpTruncate.
	Size int64

	Mode         fs.FileMode
	Uid, Gid     uint32
	Atime, Mtime time.Time

	Attr  string
	Value []byte
}

// Response carries the result of a Request.
type Response struct {
	Info    *drive.FileInfo
	Names   []string
	Data    []byte
	Written int
	Value   []byte
	Attrs   []string
	Link    string
}
