package vfs

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"swarmdrive/pkg/drive"
	"swarmdrive/pkg/registry"
	"swarmdrive/pkg/types"

	"go.uber.org/zap"
)

// Reserved top-level names.
const (
	ByKeyDir  = "by-key"
	StatsDir  = "stats"
	ActiveDir = "active"

	byKeyRoot = "/" + ByKeyDir
)

type matchKind uint8

const (
	matchExact    matchKind = iota // the path itself
	matchTopLevel                  // any direct child of "/"
	matchSubtree                   // base or anything below it
)

type pattern struct {
	kind matchKind
	base string
}

func (p pattern) match(name string) bool {
	switch p.kind {
	case matchExact:
		return name == p.base
	case matchTopLevel:
		return name != "/" && strings.HasPrefix(name, "/") && path.Dir(name) == "/"
	case matchSubtree:
		return name == p.base || strings.HasPrefix(name, p.base+"/")
	}
	return false
}

var byKeyPattern = pattern{matchSubtree, byKeyRoot}

type routeID uint8

const (
	routeRootListing routeID = iota
	routeReadOnlyRoot
	routeByKey
	routeStats
	routeActive
)

func (id routeID) String() string {
	switch id {
	case routeRootListing:
		return "root-listing"
	case routeReadOnlyRoot:
		return "non-writable-root"
	case routeByKey:
		return "by-key"
	case routeStats:
		return "stats"
	case routeActive:
		return "active"
	}
	return "unknown"
}

type routeHandler func(r *Router, ctx context.Context, req *Request, matched string) (*Response, error)

type route struct {
	id      routeID
	pattern pattern
	ops     opSet
	handle  routeHandler
}

// routes are tried in order; the first match handles the request. Anything
// unmatched goes to the root drive.
var routes = []route{
	{routeRootListing, pattern{matchExact, "/"}, opsOf(OpReaddir), (*Router).listRoot},
	{routeReadOnlyRoot, pattern{kind: matchTopLevel}, mutatingOps, (*Router).denyTopLevel},
	{routeByKey, byKeyPattern, allOps, (*Router).byKey},
	{routeStats, pattern{matchSubtree, "/" + StatsDir}, opsOf(OpGetattr, OpOpen, OpReaddir), (*Router).placeholder},
	{routeActive, pattern{matchSubtree, "/" + ActiveDir}, opsOf(OpGetattr, OpOpen, OpReaddir), (*Router).placeholder},
}

// routeTable lists, per operation, the routes that intercept it.
type routeTable [numOps][]*route

func compileRoutes(rs []route) *routeTable {
	var t routeTable
	for i := range rs {
		for op := Op(0); op < numOps; op++ {
			if rs[i].ops.has(op) {
				t[op] = append(t[op], &rs[i])
			}
		}
	}
	return &t
}

func (t *routeTable) lookup(op Op, matched string) *route {
	if op >= numOps {
		return nil
	}
	for _, rt := range t[op] {
		if rt.pattern.match(matched) {
			return rt
		}
	}
	return nil
}

func (r *Router) listRoot(ctx context.Context, req *Request, _ string) (*Response, error) {
	resp, err := r.rootDefault(ctx, req)
	if err != nil {
		return nil, err
	}
	resp.Names = append(resp.Names, ByKeyDir, StatsDir, ActiveDir)
	return resp, nil
}

func (r *Router) denyTopLevel(_ context.Context, req *Request, _ string) (*Response, error) {
	return nil, &fs.PathError{Op: req.Op.String(), Path: req.Path, Err: fs.ErrPermission}
}

func (r *Router) placeholder(_ context.Context, req *Request, matched string) (*Response, error) {
	top := "/" + strings.SplitN(strings.TrimPrefix(matched, "/"), "/", 2)[0]
	if matched != top {
		return nil, &fs.PathError{Op: req.Op.String(), Path: req.Path, Err: fs.ErrNotExist}
	}
	if req.Op == OpReaddir {
		return &Response{Names: []string{}}, nil
	}
	return &Response{Info: r.syntheticDir(path.Base(top))}, nil
}

func (r *Router) syntheticDir(name string) *drive.FileInfo {
	return &drive.FileInfo{
		Name:  name,
		Mode:  fs.ModeDir | 0o555,
		Uid:   r.uid,
		Gid:   r.gid,
		Mtime: r.started,
		Atime: r.started,
		Ctime: r.started,
	}
}

// splitByKey splits "/by-key/<identity>/rest" into the identity segment and
// the remainder ("/" when empty). ok is false for the by-key directory itself.
func splitByKey(p string) (segment, rest string, ok bool) {
	tail := strings.TrimPrefix(p, byKeyRoot+"/")
	if tail == p || tail == "" {
		return "", "", false
	}
	segment, rest, _ = strings.Cut(tail, "/")
	return segment, "/" + rest, true
}

func (r *Router) byKey(ctx context.Context, req *Request, matched string) (*Response, error) {
	if req.Op == OpSymlink {
		return r.symlinkMount(ctx, req, matched)
	}
	return r.forwardByKey(ctx, req)
}

// forwardByKey hands req to the drive named by its by-key path segment.
func (r *Router) forwardByKey(ctx context.Context, req *Request) (*Response, error) {
	segment, rest, ok := splitByKey(req.Path)
	if !ok {
		switch req.Op {
		case OpGetattr, OpOpen:
			return &Response{Info: r.syntheticDir(ByKeyDir)}, nil
		case OpReaddir:
			return &Response{Names: []string{}}, nil
		case OpListxattr:
			return &Response{Attrs: []string{}}, nil
		case OpRelease:
			return &Response{}, nil
		}
		return nil, &fs.PathError{Op: req.Op.String(), Path: req.Path, Err: fs.ErrPermission}
	}

	h, err := r.byKeyHandler(ctx, segment)
	if err != nil {
		return nil, err
	}

	fwd := *req
	fwd.Path = rest
	if req.Op == OpRename {
		destSegment, destRest, ok := splitByKey(drive.Clean(req.NewPath))
		if !ok || destSegment != segment {
			return nil, &fs.PathError{Op: "rename", Path: req.Path, Err: fs.ErrInvalid}
		}
		fwd.NewPath = destRest
	}
	return h.handle(ctx, &fwd)
}

func (r *Router) byKeyHandler(ctx context.Context, segment string) (*driveHandler, error) {
	id, err := types.ParseIdentity(segment)
	if err != nil {
		return nil, err
	}
	if h, ok := r.cachedHandler(id.String()); ok {
		return h, nil
	}
	d, err := r.registry.Get(ctx, registry.OptionsFor(id))
	if err != nil {
		return nil, err
	}
	return r.handlerFor(id.String(), d), nil
}

// symlinkMount is the by-key form of symlink: linking to
// /by-key/<identity> mounts that drive at the link path instead of
// creating a symbolic link. A link path inside another by-key drive
// mounts into that drive.
func (r *Router) symlinkMount(ctx context.Context, req *Request, target string) (*Response, error) {
	segment, rest, ok := splitByKey(target)
	if !ok || rest != "/" {
		return nil, &fs.PathError{Op: "symlink", Path: req.Path, Err: fs.ErrInvalid}
	}
	id, err := types.ParseIdentity(segment)
	if err != nil {
		return nil, err
	}

	host, at, err := r.linkHost(ctx, req.Path)
	if err != nil {
		return nil, err
	}
	d, err := r.registry.Get(ctx, registry.OptionsFor(id))
	if err != nil {
		return nil, err
	}

	info := drive.MountInfo{Key: d.Key(), Version: id.Version, Hash: id.Hash}
	if err := host.Mount(ctx, at, info); err != nil {
		return nil, fmt.Errorf("failed to mount %s at %s: %w", id, req.Path, err)
	}
	r.logger.Info("Mounted drive through by-key link",
		zap.String("identity", id.String()),
		zap.String("path", req.Path))

	st, err := host.Stat(ctx, at)
	if err != nil {
		return nil, err
	}
	return &Response{Info: st}, nil
}

// linkHost returns the drive that holds the tree path p and p's path
// inside it.
func (r *Router) linkHost(ctx context.Context, p string) (drive.Drive, string, error) {
	if p == byKeyRoot || strings.HasPrefix(p, byKeyRoot+"/") {
		segment, rest, ok := splitByKey(p)
		if !ok || rest == "/" {
			// Entries of the by-key directory are drive identities.
			return nil, "", &fs.PathError{Op: "symlink", Path: p, Err: fs.ErrPermission}
		}
		h, err := r.byKeyHandler(ctx, segment)
		if err != nil {
			return nil, "", err
		}
		return h.drive, rest, nil
	}
	root, err := r.rootDrive()
	if err != nil {
		return nil, "", err
	}
	return root, p, nil
}
