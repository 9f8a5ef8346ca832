// Package vfs routes filesystem calls on the mounted tree to the drives
// that serve them.
//
// The tree is the root drive at "/", plus three reserved top-level
// directories: "by-key" exposes any drive by identity, and "stats" and
// "active" are empty placeholders. Top-level entries cannot be changed
// directly; writes only land inside drives mounted under the root.
package vfs

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"swarmdrive/pkg/drive"
	"swarmdrive/pkg/kvstore"
	"swarmdrive/pkg/registry"
	"swarmdrive/pkg/types"

	"go.uber.org/zap"
)

// rootRecordKey is the only key in the root-drive namespace.
const rootRecordKey = "root"

// Dispatcher answers filesystem calls.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *Request) (*Response, error)
}

// BinderStatus reports whether the host can mount filesystems.
type BinderStatus struct {
	// Available is true when the driver is present.
	Available bool `json:"available"`
	// Configured is true when mounts can be created.
	Configured bool `json:"configured"`
	// Setup names the missing step when Configured is false.
	Setup string `json:"setup,omitempty"`
}

// Binder attaches a Dispatcher to a host mountpoint.
type Binder interface {
	Status() BinderStatus
	Bind(mountpoint string, d Dispatcher) (unbind func() error, err error)
}

// RootRecord is the persisted description of the active root mount.
type RootRecord struct {
	Mountpoint string              `cbor:"mountpoint" json:"mountpoint"`
	Identity   string              `cbor:"identity" json:"identity"`
	Options    registry.GetOptions `cbor:"options" json:"options"`
	Writable   bool                `cbor:"writable,omitempty" json:"writable,omitempty"`
}

// MountInfo describes a completed mount.
type MountInfo struct {
	Mountpoint string `json:"mountpoint"`
	Path       string `json:"path,omitempty"`
	Key        string `json:"key"`
	Version    uint64 `json:"version"`
	Writable   bool   `json:"writable"`
}

// PathInfo tells which drive serves a path of the mounted tree.
type PathInfo struct {
	Key      string `json:"key"`
	Writable bool   `json:"writable"`
	// Path is the location inside that drive.
	Path       string `json:"path"`
	Mountpoint string `json:"mountpoint"`
}

// Status is the router's view of the host and the root mount.
type Status struct {
	BinderStatus
	Mounted    bool   `json:"mounted"`
	Mountpoint string `json:"mountpoint,omitempty"`
	Key        string `json:"key,omitempty"`
}

type rootState struct {
	mountpoint string
	drive      drive.Drive
	handler    *driveHandler
	unbind     func() error
}

// Options configures a Router.
type Options struct {
	Registry *registry.Registry
	Binder   Binder
	// Store is the root key-value store; the router keeps its record in
	// the "root-drive" namespace.
	Store  kvstore.Store
	Logger *zap.Logger
}

// Router dispatches calls through a fixed route table and manages the
// root mount.
type Router struct {
	logger   *zap.Logger
	registry *registry.Registry
	binder   Binder
	state    kvstore.Store
	table    *routeTable

	started  time.Time
	uid, gid uint32

	// mountMu serializes Mount, Unmount and Restore.
	mountMu sync.Mutex

	mu       sync.RWMutex
	root     *rootState
	handlers map[string]*driveHandler
}

var _ Dispatcher = (*Router)(nil)

// New creates a router with nothing mounted.
func New(opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		logger:   logger,
		registry: opts.Registry,
		binder:   opts.Binder,
		state:    opts.Store.Sub("root-drive"),
		table:    compileRoutes(routes),
		started:  time.Now(),
		uid:      uint32(os.Getuid()),
		gid:      uint32(os.Getgid()),
		handlers: make(map[string]*driveHandler),
	}
}

// Dispatch runs one filesystem call. Paths are absolute within the tree.
func (r *Router) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	req.Path = drive.Clean(req.Path)

	matched := req.Path
	if req.Op == OpSymlink {
		matched = r.linkTarget(req)
	}

	if rt := r.table.lookup(req.Op, matched); rt != nil {
		resp, err := rt.handle(r, ctx, req, matched)
		if err != nil {
			r.logger.Debug("Route failed",
				zap.Stringer("route", rt.id),
				zap.Stringer("op", req.Op),
				zap.String("path", req.Path),
				zap.Error(err))
		}
		return resp, err
	}
	if req.Op == OpSymlink && byKeyPattern.match(req.Path) {
		// An ordinary link created inside a by-key drive.
		return r.forwardByKey(ctx, req)
	}
	return r.rootDefault(ctx, req)
}

// linkTarget returns the tree path a symlink target points at, or "" when
// it points outside the tree.
func (r *Router) linkTarget(req *Request) string {
	target := req.Target
	if target == "" {
		return ""
	}
	if !path.IsAbs(target) {
		return path.Join(path.Dir(req.Path), target)
	}

	mountpoint := r.Mountpoint()
	if mountpoint == "" {
		return ""
	}
	rel, ok := relativeTo(mountpoint, target)
	if !ok {
		return ""
	}
	return rel
}

func (r *Router) rootDefault(ctx context.Context, req *Request) (*Response, error) {
	r.mu.RLock()
	root := r.root
	r.mu.RUnlock()
	if root == nil {
		return nil, types.ErrNotMounted
	}
	if req.Op == OpRename {
		dest := drive.Clean(req.NewPath)
		if path.Dir(dest) == "/" {
			return nil, &fs.PathError{Op: "rename", Path: dest, Err: fs.ErrPermission}
		}
		fwd := *req
		fwd.NewPath = dest
		return root.handler.handle(ctx, &fwd)
	}
	return root.handler.handle(ctx, req)
}

func (r *Router) rootDrive() (drive.Drive, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.root == nil {
		return nil, types.ErrNotMounted
	}
	return r.root.drive, nil
}

func (r *Router) cachedHandler(id string) (*driveHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[id]
	return h, ok
}

// handlerFor returns the handler cached for id, creating it for d.
func (r *Router) handlerFor(id string, d drive.Drive) *driveHandler {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handlers[id]; ok {
		return h
	}
	h := &driveHandler{drive: d}
	r.handlers[id] = h
	return h
}

// Mountpoint returns the active root mountpoint, or "" when none.
func (r *Router) Mountpoint() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.root == nil {
		return ""
	}
	return r.root.mountpoint
}

// Mount binds the root drive selected by opts to mountpoint, replacing any
// active root mount, and records it for Restore.
func (r *Router) Mount(ctx context.Context, mountpoint string, opts registry.GetOptions) (*MountInfo, error) {
	status := r.binder.Status()
	if !status.Configured {
		return nil, fmt.Errorf("%w: %s", types.ErrConfiguration, status.Setup)
	}
	if mountpoint == "" {
		return nil, fmt.Errorf("%w: mountpoint", types.ErrPath)
	}
	abs, err := filepath.Abs(mountpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve mountpoint: %w", err)
	}

	r.mountMu.Lock()
	defer r.mountMu.Unlock()

	if err := r.unmountLocked(true); err != nil {
		return nil, err
	}

	opts.Root = true
	d, err := r.registry.Get(ctx, opts)
	if err != nil {
		return nil, err
	}
	id := d.Identity().String()

	// The kernel may call in before Bind returns, so the root is in place first.
	state := &rootState{mountpoint: abs, drive: d, handler: r.handlerFor(id, d)}
	r.mu.Lock()
	r.root = state
	r.mu.Unlock()

	unbind, err := r.binder.Bind(abs, r)
	if err != nil {
		r.mu.Lock()
		r.root = nil
		r.mu.Unlock()
		return nil, fmt.Errorf("failed to mount %s: %w", abs, err)
	}
	r.mu.Lock()
	state.unbind = unbind
	r.mu.Unlock()

	key := d.Key()
	opts.Key = &key
	record := RootRecord{Mountpoint: abs, Identity: id, Options: opts, Writable: d.Writable()}
	if err := kvstore.PutValue(r.state, rootRecordKey, record); err != nil {
		r.logger.Error("Failed to persist root mount", zap.Error(err))
	}

	r.logger.Info("Mounted root drive",
		zap.String("mountpoint", abs),
		zap.String("key", key.String()),
		zap.Bool("writable", d.Writable()))

	return &MountInfo{
		Mountpoint: abs,
		Key:        key.String(),
		Version:    d.Version(),
		Writable:   d.Writable(),
	}, nil
}

// Unmount releases the root mount and forgets it. It is a no-op when
// nothing is mounted.
func (r *Router) Unmount(ctx context.Context) error {
	r.mountMu.Lock()
	defer r.mountMu.Unlock()
	return r.unmountLocked(true)
}

// Close releases the root mount but keeps the record so the next daemon
// start restores it.
func (r *Router) Close() error {
	r.mountMu.Lock()
	defer r.mountMu.Unlock()
	return r.unmountLocked(false)
}

func (r *Router) unmountLocked(forget bool) error {
	r.mu.Lock()
	root := r.root
	r.root = nil
	r.mu.Unlock()

	if root != nil && root.unbind != nil {
		if err := root.unbind(); err != nil {
			return fmt.Errorf("failed to unmount %s: %w", root.mountpoint, err)
		}
		r.logger.Info("Unmounted root drive", zap.String("mountpoint", root.mountpoint))
	}

	if forget {
		if err := r.state.Delete([]byte(rootRecordKey)); err != nil {
			return fmt.Errorf("%w: failed to delete root mount record: %w", types.ErrStorage, err)
		}
	}
	return nil
}

// Restore replays the persisted root mount. It reports false when there
// was nothing to restore.
func (r *Router) Restore(ctx context.Context) (bool, error) {
	var record RootRecord
	found, err := kvstore.GetValue(r.state, rootRecordKey, &record)
	if err != nil {
		return false, fmt.Errorf("%w: failed to load root mount record: %w", types.ErrStorage, err)
	}
	if !found {
		return false, nil
	}

	r.logger.Info("Restoring root mount",
		zap.String("mountpoint", record.Mountpoint),
		zap.String("identity", record.Identity))
	opts := record.Options
	opts.NoPublish = record.Writable
	info, err := r.Mount(ctx, record.Mountpoint, opts)
	if err != nil {
		return false, err
	}
	if record.Writable && !info.Writable {
		// The engine no longer holds the drive's secret. Keep the record
		// writable so a later restart with the secret restores it as such.
		r.logger.Warn("Restored root drive is read-only",
			zap.String("identity", record.Identity))
		if err := kvstore.PutValue(r.state, rootRecordKey, record); err != nil {
			r.logger.Error("Failed to persist root mount", zap.Error(err))
		}
	}
	return true, nil
}

// MountDrive mounts the drive selected by opts at p, which must lie inside
// the root mountpoint.
func (r *Router) MountDrive(ctx context.Context, p string, opts registry.GetOptions) (*MountInfo, error) {
	root, rel, err := r.scoped(p)
	if err != nil {
		return nil, err
	}

	d, err := r.registry.Get(ctx, opts)
	if err != nil {
		return nil, err
	}
	info := drive.MountInfo{Key: d.Key(), Version: opts.Version, Hash: opts.Hash}
	if err := root.drive.Mount(ctx, rel, info); err != nil {
		return nil, fmt.Errorf("failed to mount %s at %s: %w", d.Key(), rel, err)
	}

	r.logger.Info("Mounted drive",
		zap.String("key", d.Key().String()),
		zap.String("path", rel))
	return &MountInfo{
		Mountpoint: root.mountpoint,
		Path:       rel,
		Key:        d.Key().String(),
		Version:    d.Version(),
		Writable:   d.Writable(),
	}, nil
}

// UnmountDrive removes the nested mount at p inside the root mountpoint.
func (r *Router) UnmountDrive(ctx context.Context, p string) error {
	root, rel, err := r.scoped(p)
	if err != nil {
		return err
	}
	if err := root.drive.Unmount(ctx, rel); err != nil {
		return fmt.Errorf("failed to unmount %s: %w", rel, err)
	}
	r.logger.Info("Unmounted drive", zap.String("path", rel))
	return nil
}

// scoped resolves a host path strictly inside the root mountpoint to the
// root state and the path relative to the root drive.
func (r *Router) scoped(p string) (*rootState, string, error) {
	if p == "" {
		return nil, "", fmt.Errorf("%w: mount path", types.ErrPath)
	}
	r.mu.RLock()
	root := r.root
	r.mu.RUnlock()
	if root == nil {
		return nil, "", fmt.Errorf("%w: %w", types.ErrMountScope, types.ErrNotMounted)
	}

	abs, err := filepath.Abs(p)
	if err != nil {
		return nil, "", fmt.Errorf("failed to resolve %s: %w", p, err)
	}
	rel, ok := relativeTo(root.mountpoint, abs)
	if !ok || rel == "/" {
		return nil, "", fmt.Errorf("%w: %s is not inside %s", types.ErrMountScope, abs, root.mountpoint)
	}
	return root, rel, nil
}

// Info resolves which drive serves the host path p.
func (r *Router) Info(ctx context.Context, p string) (*PathInfo, error) {
	r.mu.RLock()
	root := r.root
	r.mu.RUnlock()
	if root == nil {
		return nil, types.ErrNotMounted
	}

	abs, err := filepath.Abs(p)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", p, err)
	}
	rel, ok := relativeTo(root.mountpoint, abs)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not inside %s", types.ErrMountScope, abs, root.mountpoint)
	}

	if segment, rest, ok := splitByKey(rel); ok {
		h, err := r.byKeyHandler(ctx, segment)
		if err != nil {
			return nil, err
		}
		return r.pathInfo(ctx, h.drive, rest, root.mountpoint)
	}
	return r.pathInfo(ctx, root.drive, rel, root.mountpoint)
}

// pathInfo descends through the nested mounts of d that contain p.
func (r *Router) pathInfo(ctx context.Context, d drive.Drive, p, mountpoint string) (*PathInfo, error) {
	mounts, err := d.Mounts(ctx, true)
	if err != nil {
		return nil, err
	}

	serving, inner := d, p
	best := ""
	for _, m := range mounts {
		if len(m.Path) > len(best) && (p == m.Path || strings.HasPrefix(p, m.Path+"/")) {
			best = m.Path
			serving = m.Drive
			inner = "/" + strings.TrimPrefix(strings.TrimPrefix(p, m.Path), "/")
		}
	}
	return &PathInfo{
		Key:        serving.Key().String(),
		Writable:   serving.Writable(),
		Path:       inner,
		Mountpoint: mountpoint,
	}, nil
}

// Status reports host support and the root mount.
func (r *Router) Status() Status {
	st := Status{BinderStatus: r.binder.Status()}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.root != nil {
		st.Mounted = true
		st.Mountpoint = r.root.mountpoint
		st.Key = r.root.drive.Key().String()
	}
	return st
}

// relativeTo returns target as an absolute path within base.
func relativeTo(base, target string) (string, bool) {
	base = filepath.Clean(base)
	target = filepath.Clean(target)
	if target == base {
		return "/", true
	}
	if !strings.HasPrefix(target, base+string(filepath.Separator)) && base != "/" {
		return "", false
	}
	return drive.Clean(filepath.ToSlash(strings.TrimPrefix(target, base))), true
}
