// Package drive defines the contract between the daemon and the replicated
// storage engine that implements drive contents.
//
// Paths handed to a Drive are slash separated and relative to the drive
// root; a leading slash is optional. Errors from an engine are returned as
// is and should wrap the io/fs sentinels (fs.ErrNotExist, fs.ErrExist,
// fs.ErrPermission, fs.ErrInvalid) where they apply.
package drive

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"swarmdrive/pkg/types"
)

// Additional conditions engines report alongside the io/fs sentinels.
var (
	ErrNotDir   = errors.New("not a directory")
	ErrIsDir    = errors.New("is a directory")
	ErrNotEmpty = errors.New("directory not empty")
	ErrNoAttr   = errors.New("no such attribute")
)

// OpenOptions selects the drive an Engine opens.
type OpenOptions struct {
	// Key is the drive to open. Nil creates a new writable drive.
	Key *types.Key `cbor:"key,omitempty" json:"key,omitempty"`

	// Version pins a read-only checkout. Zero means latest.
	Version uint64 `cbor:"version,omitempty" json:"version,omitempty"`

	// Hash, when set, must match the checkout's content hash.
	Hash []byte `cbor:"hash,omitempty" json:"hash,omitempty"`

	// Sparse fetches content lazily instead of eagerly.
	Sparse bool `cbor:"sparse,omitempty" json:"sparse,omitempty"`

	// SparseMetadata fetches metadata lazily.
	SparseMetadata bool `cbor:"sparseMetadata,omitempty" json:"sparseMetadata,omitempty"`
}

// MountInfo describes a nested drive mounted inside another.
type MountInfo struct {
	Key     types.Key `cbor:"key" json:"key"`
	Version uint64    `cbor:"version,omitempty" json:"version,omitempty"`
	Hash    []byte    `cbor:"hash,omitempty" json:"hash,omitempty"`
}

// Identity returns the identity of the mounted drive.
func (m MountInfo) Identity() types.Identity {
	return types.Identity{Key: m.Key, Version: m.Version, Hash: m.Hash}
}

// FileInfo is the stat result for one entry.
type FileInfo struct {
	Name     string      `cbor:"name" json:"name"`
	Size     int64       `cbor:"size" json:"size"`
	Mode     fs.FileMode `cbor:"mode" json:"mode"`
	Uid      uint32      `cbor:"uid" json:"uid"`
	Gid      uint32      `cbor:"gid" json:"gid"`
	Mtime    time.Time   `cbor:"mtime" json:"mtime"`
	Atime    time.Time   `cbor:"atime" json:"atime"`
	Ctime    time.Time   `cbor:"ctime" json:"ctime"`
	Linkname string      `cbor:"linkname,omitempty" json:"linkname,omitempty"`
	Mount    *MountInfo  `cbor:"mount,omitempty" json:"mount,omitempty"`
}

// IsDir reports whether the entry is a directory (mount points included).
func (fi *FileInfo) IsDir() bool { return fi.Mode.IsDir() }

// IsSymlink reports whether the entry is a symbolic link.
func (fi *FileInfo) IsSymlink() bool { return fi.Mode&fs.ModeSymlink != 0 }

// ChannelStats counts replication traffic on one channel.
type ChannelStats struct {
	Peers           int    `cbor:"peers" json:"peers"`
	UploadedBytes   uint64 `cbor:"uploadedBytes" json:"uploadedBytes"`
	DownloadedBytes uint64 `cbor:"downloadedBytes" json:"downloadedBytes"`
}

// NetworkStats covers the metadata and content channels of one drive.
type NetworkStats struct {
	Metadata ChannelStats `cbor:"metadata" json:"metadata"`
	Content  ChannelStats `cbor:"content" json:"content"`
}

// Mount is an entry of a drive's mount table.
type Mount struct {
	// Path of the mount point relative to the drive the walk started from.
	Path  string
	Drive Drive
}

// Drive is one open replicated directory tree.
type Drive interface {
	Key() types.Key
	DiscoveryKey() types.DiscoveryKey
	Writable() bool
	Version() uint64

	// Identity returns the key and checkout this instance was opened at.
	Identity() types.Identity

	// Ready blocks until the drive's metadata is available.
	Ready(ctx context.Context) error

	// Stat follows nested mounts but not symbolic links.
	Stat(ctx context.Context, name string) (*FileInfo, error)
	ReadDir(ctx context.Context, name string) ([]string, error)
	ReadAt(ctx context.Context, name string, p []byte, off int64) (int, error)
	WriteAt(ctx context.Context, name string, p []byte, off int64) (int, error)
	Create(ctx context.Context, name string, mode fs.FileMode) error
	Truncate(ctx context.Context, name string, size int64) error
	Mkdir(ctx context.Context, name string, mode fs.FileMode) error
	Rmdir(ctx context.Context, name string) error
	Unlink(ctx context.Context, name string) error
	Rename(ctx context.Context, from, to string) error
	Symlink(ctx context.Context, target, name string) error
	Readlink(ctx context.Context, name string) (string, error)
	Chmod(ctx context.Context, name string, mode fs.FileMode) error
	Chown(ctx context.Context, name string, uid, gid uint32) error
	Utimens(ctx context.Context, name string, atime, mtime time.Time) error
	Setxattr(ctx context.Context, name, attr string, value []byte) error
	Getxattr(ctx context.Context, name, attr string) ([]byte, error)
	Listxattr(ctx context.Context, name string) ([]string, error)
	Removexattr(ctx context.Context, name, attr string) error

	// Mount attaches the drive described by info at name.
	Mount(ctx context.Context, name string, info MountInfo) error

	// Unmount detaches the drive mounted at name.
	Unmount(ctx context.Context, name string) error

	// Mounts lists the drives mounted inside this one. With recursive set
	// the walk descends into nested mounts.
	Mounts(ctx context.Context, recursive bool) ([]Mount, error)

	// Stats reports replication counters for this drive alone.
	Stats() NetworkStats

	// Watch delivers a notification whenever something under name changes.
	// The returned cancel function is idempotent.
	Watch(ctx context.Context, name string) (<-chan struct{}, func(), error)

	Close() error
}

// Engine opens drives.
type Engine interface {
	Open(ctx context.Context, opts OpenOptions) (Drive, error)
}
