package vfs

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"swarmdrive/pkg/drive"
	"swarmdrive/pkg/drive/memdrive"
	"swarmdrive/pkg/kvstore"
	"swarmdrive/pkg/netconf"
	"swarmdrive/pkg/registry"
	"swarmdrive/pkg/swarm"
	"swarmdrive/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBinder struct {
	mu         sync.Mutex
	configured bool
	bound      []string
	unbinds    int
	bindErr    error
}

func (b *fakeBinder) Status() BinderStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := BinderStatus{Available: true, Configured: b.configured}
	if !b.configured {
		st.Setup = "install fuse"
	}
	return st
}

func (b *fakeBinder) Bind(mountpoint string, d Dispatcher) (func() error, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bindErr != nil {
		return nil, b.bindErr
	}
	b.bound = append(b.bound, mountpoint)
	return func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.unbinds++
		return nil
	}, nil
}

type env struct {
	store      kvstore.Store
	registry   *registry.Registry
	binder     *fakeBinder
	router     *Router
	mountpoint string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store, err := kvstore.OpenBadger(kvstore.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	network := netconf.New(netconf.Options{Swarm: swarm.NewLocal(nil), Store: store.Sub("seeding")})
	reg := registry.New(registry.Options{Engine: memdrive.New(nil), Network: network, Store: store})
	t.Cleanup(func() { reg.Close() })

	binder := &fakeBinder{configured: true}
	return &env{
		store:      store,
		registry:   reg,
		binder:     binder,
		router:     New(Options{Registry: reg, Binder: binder, Store: store}),
		mountpoint: t.TempDir(),
	}
}

func (e *env) mount(t *testing.T) *MountInfo {
	t.Helper()
	info, err := e.router.Mount(context.Background(), e.mountpoint, registry.GetOptions{})
	require.NoError(t, err)
	return info
}

func (e *env) do(t *testing.T, req *Request) (*Response, syscall.Errno) {
	t.Helper()
	resp, err := e.router.Dispatch(context.Background(), req)
	return resp, Errno(err)
}

func TestRootListing(t *testing.T) {
	e := newEnv(t)
	e.mount(t)

	resp, errno := e.do(t, &Request{Op: OpReaddir, Path: "/"})
	require.Zero(t, errno)
	assert.ElementsMatch(t, []string{".key", "home", "by-key", "stats", "active"}, resp.Names)
}

func TestTopLevelIsReadOnly(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.mount(t)

	tests := []*Request{
		{Op: OpMkdir, Path: "/newdir", Mode: 0o755},
		{Op: OpCreate, Path: "/newfile", Mode: 0o644},
		{Op: OpUnlink, Path: "/.key"},
		{Op: OpRmdir, Path: "/home"},
		{Op: OpChmod, Path: "/home", Mode: 0o700},
		{Op: OpRename, Path: "/home", NewPath: "/elsewhere"},
		{Op: OpRemovexattr, Path: "/home", Attr: "user.x"},
		{Op: OpMkdir, Path: "/by-key", Mode: 0o755},
	}
	for _, req := range tests {
		t.Run(req.Op.String()+req.Path, func(t *testing.T) {
			_, errno := e.do(t, req)
			assert.Equal(t, syscall.EPERM, errno)
		})
	}

	// Moving something into the top level is refused as well.
	_, errno := e.do(t, &Request{Op: OpCreate, Path: "/home/f", Mode: 0o644})
	require.Zero(t, errno)
	_, errno = e.do(t, &Request{Op: OpRename, Path: "/home/f", NewPath: "/f"})
	assert.Equal(t, syscall.EPERM, errno)

	// Reads at the top level go to the root drive.
	resp, errno := e.do(t, &Request{Op: OpRead, Path: "/.key", Size: 128})
	require.Zero(t, errno)
	root, err := e.router.rootDrive()
	require.NoError(t, err)
	assert.Equal(t, root.Key().String(), string(resp.Data))

	_, err = root.Stat(ctx, "/newdir")
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestMutationInsideMountedDrive(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.mount(t)

	info, err := e.router.MountDrive(ctx, filepath.Join(e.mountpoint, "mounted"), registry.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "/mounted", info.Path)

	_, errno := e.do(t, &Request{Op: OpMkdir, Path: "/mounted/newdir", Mode: 0o755})
	require.Zero(t, errno)

	key, err := types.ParseKey(info.Key)
	require.NoError(t, err)
	mounted, err := e.registry.Get(ctx, registry.GetOptions{Key: &key})
	require.NoError(t, err)
	names, err := mounted.ReadDir(ctx, "/")
	require.NoError(t, err)
	assert.Contains(t, names, "newdir")

	// Writes through the tree land in the mounted drive.
	_, errno = e.do(t, &Request{Op: OpCreate, Path: "/mounted/newdir/hello", Mode: 0o644})
	require.Zero(t, errno)
	resp, errno := e.do(t, &Request{Op: OpWrite, Path: "/mounted/newdir/hello", Data: []byte("world")})
	require.Zero(t, errno)
	assert.Equal(t, 5, resp.Written)

	resp, errno = e.do(t, &Request{Op: OpGetattr, Path: "/mounted/newdir/hello"})
	require.Zero(t, errno)
	assert.Equal(t, int64(5), resp.Info.Size)

	data, err := drive.ReadFile(ctx, mounted, "/newdir/hello")
	require.NoError(t, err)
	assert.Equal(t, "world", string(data))

	pinfo, err := e.router.Info(ctx, filepath.Join(e.mountpoint, "mounted", "newdir"))
	require.NoError(t, err)
	assert.Equal(t, info.Key, pinfo.Key)
	assert.Equal(t, "/newdir", pinfo.Path)

	require.NoError(t, e.router.UnmountDrive(ctx, filepath.Join(e.mountpoint, "mounted")))
	_, errno = e.do(t, &Request{Op: OpGetattr, Path: "/mounted/newdir"})
	assert.Equal(t, syscall.ENOENT, errno)
}

func TestSymlinkIntoByKeyMountsDrive(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.mount(t)

	foreign, err := e.registry.Get(ctx, registry.GetOptions{})
	require.NoError(t, err)
	require.NoError(t, drive.WriteFile(ctx, foreign, "/readme", []byte("hi"), 0))

	target := filepath.Join(e.mountpoint, ByKeyDir, foreign.Key().String())
	_, errno := e.do(t, &Request{Op: OpSymlink, Path: "/a", Target: target})
	require.Zero(t, errno)

	resp, errno := e.do(t, &Request{Op: OpReaddir, Path: "/a"})
	require.Zero(t, errno)
	assert.ElementsMatch(t, []string{".key", "readme"}, resp.Names)

	resp, errno = e.do(t, &Request{Op: OpGetattr, Path: "/a"})
	require.Zero(t, errno)
	assert.True(t, resp.Info.IsDir())
	require.NotNil(t, resp.Info.Mount)
	assert.Equal(t, foreign.Key(), resp.Info.Mount.Key)

	// Relative targets resolve against the link's directory.
	_, errno = e.do(t, &Request{Op: OpSymlink, Path: "/home/b", Target: "../by-key/" + foreign.Key().String()})
	require.Zero(t, errno)
	resp, errno = e.do(t, &Request{Op: OpRead, Path: "/home/b/readme", Size: 10})
	require.Zero(t, errno)
	assert.Equal(t, "hi", string(resp.Data))

	// Ordinary symlinks still create links.
	_, errno = e.do(t, &Request{Op: OpSymlink, Path: "/home/plain", Target: "/etc/hosts"})
	require.Zero(t, errno)
	resp, errno = e.do(t, &Request{Op: OpReadlink, Path: "/home/plain"})
	require.Zero(t, errno)
	assert.Equal(t, "/etc/hosts", resp.Link)
}

func TestSymlinkInsideByKeyDriveMountsThere(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.mount(t)

	host, err := e.registry.Get(ctx, registry.GetOptions{})
	require.NoError(t, err)
	foreign, err := e.registry.Get(ctx, registry.GetOptions{})
	require.NoError(t, err)
	require.NoError(t, drive.WriteFile(ctx, foreign, "/readme", []byte("hi"), 0))

	hostDir := "/" + ByKeyDir + "/" + host.Key().String()
	target := filepath.Join(e.mountpoint, ByKeyDir, foreign.Key().String())
	resp, errno := e.do(t, &Request{Op: OpSymlink, Path: hostDir + "/x", Target: target})
	require.Zero(t, errno)
	assert.True(t, resp.Info.IsDir())

	resp, errno = e.do(t, &Request{Op: OpRead, Path: hostDir + "/x/readme", Size: 10})
	require.Zero(t, errno)
	assert.Equal(t, "hi", string(resp.Data))

	st, err := host.Stat(ctx, "/x")
	require.NoError(t, err)
	require.NotNil(t, st.Mount)
	assert.Equal(t, foreign.Key(), st.Mount.Key)

	// The root drive is untouched.
	_, errno = e.do(t, &Request{Op: OpGetattr, Path: "/x"})
	assert.Equal(t, syscall.ENOENT, errno)

	// Entries of the by-key directory itself cannot be created.
	_, errno = e.do(t, &Request{Op: OpSymlink, Path: "/" + ByKeyDir + "/other", Target: target})
	assert.Equal(t, syscall.EPERM, errno)
}

func TestByKeyNamespace(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.mount(t)

	d, err := e.registry.Get(ctx, registry.GetOptions{})
	require.NoError(t, err)
	base := "/" + ByKeyDir + "/" + d.Key().String()

	resp, errno := e.do(t, &Request{Op: OpGetattr, Path: "/" + ByKeyDir})
	require.Zero(t, errno)
	assert.True(t, resp.Info.IsDir())

	_, errno = e.do(t, &Request{Op: OpCreate, Path: base + "/f", Mode: 0o644})
	require.Zero(t, errno)
	_, errno = e.do(t, &Request{Op: OpWrite, Path: base + "/f", Data: []byte("data")})
	require.Zero(t, errno)
	_, errno = e.do(t, &Request{Op: OpRename, Path: base + "/f", NewPath: base + "/g"})
	require.Zero(t, errno)

	data, err := drive.ReadFile(ctx, d, "/g")
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))

	// The handler table is built once per identity.
	h1, ok := e.router.cachedHandler(d.Identity().String())
	require.True(t, ok)
	_, errno = e.do(t, &Request{Op: OpGetattr, Path: base + "/g"})
	require.Zero(t, errno)
	h2, _ := e.router.cachedHandler(d.Identity().String())
	assert.Same(t, h1, h2)

	// Older versions are read-only checkouts.
	versioned := "/" + ByKeyDir + "/" + d.Key().String() + "+2"
	resp, errno = e.do(t, &Request{Op: OpReaddir, Path: versioned})
	require.Zero(t, errno)
	assert.Equal(t, []string{".key"}, resp.Names)
	_, errno = e.do(t, &Request{Op: OpMkdir, Path: versioned + "/x", Mode: 0o755})
	assert.Equal(t, syscall.EPERM, errno)

	// Foreign drives without a local secret are read-only.
	foreign := "/" + ByKeyDir + "/" + types.Key{0xaa}.String()
	_, errno = e.do(t, &Request{Op: OpMkdir, Path: foreign + "/x", Mode: 0o755})
	assert.Equal(t, syscall.EPERM, errno)
}

func TestMalformedByKeyFailsOnlyThatCall(t *testing.T) {
	e := newEnv(t)
	e.mount(t)

	for _, p := range []string{"/by-key/zzz", "/by-key/abc/file", "/by-key/" + types.Key{1}.String() + "+x"} {
		_, errno := e.do(t, &Request{Op: OpGetattr, Path: p})
		assert.Equal(t, syscall.EIO, errno, p)
	}
	_, errno := e.do(t, &Request{Op: OpMkdir, Path: "/by-key/bad", Mode: 0o755})
	assert.Equal(t, syscall.EIO, errno)

	_, errno = e.do(t, &Request{Op: OpReaddir, Path: "/"})
	assert.Zero(t, errno)
}

func TestPlaceholderDirectories(t *testing.T) {
	e := newEnv(t)
	e.mount(t)

	for _, dir := range []string{"/stats", "/active"} {
		resp, errno := e.do(t, &Request{Op: OpGetattr, Path: dir})
		require.Zero(t, errno)
		assert.True(t, resp.Info.IsDir())

		resp, errno = e.do(t, &Request{Op: OpReaddir, Path: dir})
		require.Zero(t, errno)
		assert.Empty(t, resp.Names)

		_, errno = e.do(t, &Request{Op: OpGetattr, Path: dir + "/child"})
		assert.Equal(t, syscall.ENOENT, errno)
	}
}

func TestMountLifecycle(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	_, errno := e.do(t, &Request{Op: OpGetattr, Path: "/"})
	assert.Equal(t, syscall.ENOENT, errno)

	assert.NoError(t, e.router.Unmount(ctx))
	restored, err := e.router.Restore(ctx)
	require.NoError(t, err)
	assert.False(t, restored)

	first := e.mount(t)
	assert.True(t, e.router.Status().Mounted)

	// Mounting again replaces the previous root.
	second := e.mount(t)
	assert.NotEqual(t, first.Key, second.Key)
	assert.Equal(t, 1, e.binder.unbinds)

	// A fresh router over the same store restores the last root.
	require.NoError(t, e.router.Close())
	other := New(Options{Registry: e.registry, Binder: e.binder, Store: e.store})
	restored, err = other.Restore(ctx)
	require.NoError(t, err)
	require.True(t, restored)
	st := other.Status()
	assert.Equal(t, second.Key, st.Key)
	assert.Equal(t, second.Mountpoint, st.Mountpoint)

	require.NoError(t, other.Unmount(ctx))
	assert.False(t, other.Status().Mounted)
	restored, err = New(Options{Registry: e.registry, Binder: e.binder, Store: e.store}).Restore(ctx)
	require.NoError(t, err)
	assert.False(t, restored)
}

func TestRestoreWithoutSecretKeepsDriveUnpublished(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	mounted := e.mount(t)
	require.True(t, mounted.Writable)
	require.NoError(t, e.router.Close())

	// A restarted daemon whose engine lost the drive's secret.
	s := swarm.NewLocal(nil)
	network := netconf.New(netconf.Options{Swarm: s, Store: e.store.Sub("seeding")})
	reg := registry.New(registry.Options{Engine: memdrive.New(nil), Network: network, Store: e.store})
	t.Cleanup(func() { reg.Close() })
	router := New(Options{Registry: reg, Binder: e.binder, Store: e.store})

	restored, err := router.Restore(ctx)
	require.NoError(t, err)
	require.True(t, restored)
	st := router.Status()
	assert.Equal(t, mounted.Key, st.Key)

	key, err := types.ParseKey(mounted.Key)
	require.NoError(t, err)
	dk := types.DiscoveryKeyOf(key)
	assert.Never(t, func() bool {
		_, joined := s.Status(dk)
		return joined
	}, 100*time.Millisecond, 10*time.Millisecond)

	var record RootRecord
	found, err := kvstore.GetValue(e.store.Sub("root-drive"), rootRecordKey, &record)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, record.Writable)
}

func TestMountFailures(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	e.binder.configured = false
	_, err := e.router.Mount(ctx, e.mountpoint, registry.GetOptions{})
	assert.ErrorIs(t, err, types.ErrConfiguration)
	e.binder.configured = true

	_, err = e.router.MountDrive(ctx, filepath.Join(e.mountpoint, "x"), registry.GetOptions{})
	assert.ErrorIs(t, err, types.ErrMountScope)

	e.binder.bindErr = errors.New("device busy")
	_, err = e.router.Mount(ctx, e.mountpoint, registry.GetOptions{})
	require.Error(t, err)
	assert.False(t, e.router.Status().Mounted)
	e.binder.bindErr = nil

	e.mount(t)
	_, err = e.router.MountDrive(ctx, t.TempDir(), registry.GetOptions{})
	assert.ErrorIs(t, err, types.ErrMountScope)
	_, err = e.router.MountDrive(ctx, e.mountpoint, registry.GetOptions{})
	assert.ErrorIs(t, err, types.ErrMountScope)
	_, err = e.router.MountDrive(ctx, "", registry.GetOptions{})
	assert.ErrorIs(t, err, types.ErrPath)
}

func TestRouteTable(t *testing.T) {
	table := compileRoutes(routes)

	tests := []struct {
		op   Op
		path string
		want routeID
		none bool
	}{
		{op: OpReaddir, path: "/", want: routeRootListing},
		{op: OpGetattr, path: "/", none: true},
		{op: OpMkdir, path: "/x", want: routeReadOnlyRoot},
		{op: OpMkdir, path: "/x/y", none: true},
		{op: OpRead, path: "/x", none: true},
		{op: OpRead, path: "/by-key/abc/f", want: routeByKey},
		{op: OpMkdir, path: "/by-key/abc", want: routeByKey},
		{op: OpReaddir, path: "/stats", want: routeStats},
		{op: OpWrite, path: "/stats/x", none: true},
		{op: OpGetattr, path: "/active", want: routeActive},
		{op: OpGetattr, path: "/activex", none: true},
	}
	for _, tt := range tests {
		rt := table.lookup(tt.op, tt.path)
		if tt.none {
			assert.Nil(t, rt, "%s %s", tt.op, tt.path)
			continue
		}
		require.NotNil(t, rt, "%s %s", tt.op, tt.path)
		assert.Equal(t, tt.want, rt.id, "%s %s", tt.op, tt.path)
	}
}

func TestErrno(t *testing.T) {
	tests := []struct {
		err  error
		want syscall.Errno
	}{
		{nil, 0},
		{&fs.PathError{Op: "x", Path: "/", Err: fs.ErrNotExist}, syscall.ENOENT},
		{fs.ErrPermission, syscall.EPERM},
		{fs.ErrExist, syscall.EEXIST},
		{drive.ErrNotEmpty, syscall.ENOTEMPTY},
		{drive.ErrNotDir, syscall.ENOTDIR},
		{drive.ErrIsDir, syscall.EISDIR},
		{drive.ErrNoAttr, syscall.ENODATA},
		{types.ErrKeyEncoding, syscall.EIO},
		{syscall.EROFS, syscall.EROFS},
		{errors.New("anything else"), syscall.EIO},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Errno(tt.err), "%v", tt.err)
	}
}
