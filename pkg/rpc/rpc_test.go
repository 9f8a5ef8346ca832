package rpc

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"net"
	"path/filepath"
	"testing"
	"time"

	"swarmdrive/pkg/auth"
	"swarmdrive/pkg/drive/memdrive"
	"swarmdrive/pkg/kvstore"
	"swarmdrive/pkg/netconf"
	"swarmdrive/pkg/registry"
	"swarmdrive/pkg/swarm"
	"swarmdrive/pkg/types"
	"swarmdrive/pkg/vfs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/test/bufconn"
)

type stubBinder struct{}

func (stubBinder) Status() vfs.BinderStatus {
	return vfs.BinderStatus{Available: true, Configured: true}
}

func (stubBinder) Bind(string, vfs.Dispatcher) (func() error, error) {
	return func() error { return nil }, nil
}

type harness struct {
	client   *Client
	listener *bufconn.Listener
	swarm    *swarm.Local
	router   *vfs.Router
}

func newHarness(t *testing.T, requireAuth bool) *harness {
	t.Helper()

	store, err := kvstore.OpenBadger(kvstore.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sw := swarm.NewLocal(nil)
	network := netconf.New(netconf.Options{Swarm: sw, Store: store.Sub("seeding")})
	reg := registry.New(registry.Options{Engine: memdrive.New(nil), Network: network, Store: store})
	t.Cleanup(func() { reg.Close() })
	router := vfs.New(vfs.Options{Registry: reg, Binder: stubBinder{}, Store: store})

	tokens := auth.NewTokens()
	token, err := tokens.GenerateToken(&auth.Identity{Name: "test"})
	require.NoError(t, err)

	srv := NewServer(Options{
		Registry:  reg,
		Router:    router,
		Auth:      auth.NewAuthInterceptor(tokens, requireAuth, nil),
		ChunkSize: 4,
	})
	listener := bufconn.Listen(1 << 20)
	go srv.Serve(listener)
	t.Cleanup(srv.Stop)

	return &harness{
		client:   dialHarness(t, listener, token),
		listener: listener,
		swarm:    sw,
		router:   router,
	}
}

func dialHarness(t *testing.T, listener *bufconn.Listener, token string) *Client {
	t.Helper()
	client, err := Dial("passthrough:///bufnet", token,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func (h *harness) session(t *testing.T) *GetResponse {
	t.Helper()
	resp, err := h.client.Get(context.Background(), registry.GetOptions{})
	require.NoError(t, err)
	return resp
}

func TestGetReturnsIncreasingSessions(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	first := h.session(t)
	assert.Equal(t, uint64(1), first.Session)
	assert.True(t, first.Writable)
	assert.Len(t, first.Key, 64)

	key, err := types.ParseKey(first.Key)
	require.NoError(t, err)
	again, err := h.client.Get(ctx, registry.GetOptions{Key: &key})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), again.Session)
	assert.Equal(t, first.Key, again.Key)

	require.NoError(t, h.client.CloseSession(ctx, first.Session))
	err = h.client.CloseSession(ctx, first.Session)
	assert.ErrorIs(t, err, types.ErrSessionNotFound)

	_, err = h.client.Readdir(ctx, again.Session, "/")
	assert.NoError(t, err)
}

func TestFileRoundTrip(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	s := h.session(t).Session

	require.NoError(t, h.client.WriteFile(ctx, s, "/hello", []byte("world"), 0))

	data, err := h.client.ReadFile(ctx, s, "/hello")
	require.NoError(t, err)
	assert.Equal(t, "world", string(data))

	st, err := h.client.Stat(ctx, s, "/hello")
	require.NoError(t, err)
	assert.Equal(t, int64(5), st.Info.Size)

	require.NoError(t, h.client.Mkdir(ctx, s, "/docs", 0))
	names, err := h.client.Readdir(ctx, s, "/")
	require.NoError(t, err)
	assert.Contains(t, names, "hello")
	assert.Contains(t, names, "docs")

	require.NoError(t, h.client.Unlink(ctx, s, "/hello"))
	require.NoError(t, h.client.Rmdir(ctx, s, "/docs"))

	_, err = h.client.Stat(ctx, s, "/hello")
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestSessionAndPathChecks(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	s := h.session(t).Session

	_, err := h.client.ReadFile(ctx, 0, "/hello")
	assert.ErrorIs(t, err, types.ErrSessionNotFound)

	_, err = h.client.ReadFile(ctx, 99, "/hello")
	assert.ErrorIs(t, err, types.ErrSessionNotFound)

	_, err = h.client.ReadFile(ctx, s, "")
	assert.ErrorIs(t, err, types.ErrPath)

	err = h.client.Mkdir(ctx, s, "", 0)
	assert.ErrorIs(t, err, types.ErrPath)

	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, codes.InvalidArgument, remote.Code)
	assert.Equal(t, "PATH", remote.Reason)
}

func TestStreams(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	s := h.session(t).Session

	w, err := h.client.OpenWriteStream(ctx, s, "/big", 0)
	require.NoError(t, err)
	payload := bytes.Repeat([]byte("0123456789"), 10)
	for i := 0; i < len(payload); i += 7 {
		end := min(i+7, len(payload))
		_, err := w.Write(payload[i:end])
		require.NoError(t, err)
	}
	written, err := w.Close()
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), written)

	r, err := h.client.OpenReadStream(ctx, &ReadStreamRequest{Session: s, Path: "/big"})
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, payload, got)

	r, err = h.client.OpenReadStream(ctx, &ReadStreamRequest{Session: s, Path: "/big", Start: 10, Length: 5})
	require.NoError(t, err)
	got, err = io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "01234", string(got))

	r, err = h.client.OpenReadStream(ctx, &ReadStreamRequest{Session: s, Path: "/missing"})
	require.NoError(t, err)
	_, err = io.ReadAll(r)
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestEmptyWriteStream(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	s := h.session(t).Session

	w, err := h.client.OpenWriteStream(ctx, s, "/empty", 0)
	require.NoError(t, err)
	written, err := w.Close()
	require.NoError(t, err)
	assert.Zero(t, written)

	st, err := h.client.Stat(ctx, s, "/empty")
	require.NoError(t, err)
	assert.Zero(t, st.Info.Size)
}

func TestWatch(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	s := h.session(t).Session
	require.NoError(t, h.client.Mkdir(ctx, s, "/watched", 0))

	watch, err := h.client.Watch(ctx, s, "/watched")
	require.NoError(t, err)
	defer watch.Close()

	events := make(chan *WatchEvent, 1)
	go func() {
		ev, err := watch.Recv()
		if err == nil {
			events <- ev
		}
	}()

	// The watch is registered asynchronously, so keep changing the tree
	// until a notification arrives.
	var ev *WatchEvent
	require.Eventually(t, func() bool {
		if err := h.client.WriteFile(ctx, s, "/watched/f", []byte("x"), 0); err != nil {
			return false
		}
		select {
		case ev = <-events:
			return true
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "/watched", ev.Path)
}

func TestPublishAndNetworkConfiguration(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	got := h.session(t)

	res, err := h.client.Publish(ctx, got.Session)
	require.NoError(t, err)
	assert.Equal(t, NetworkResult{Lookup: true, Announce: true, Changed: true}, *res)

	res, err = h.client.Publish(ctx, got.Session)
	require.NoError(t, err)
	assert.False(t, res.Changed)

	joins, _ := h.swarm.Counters()
	assert.Equal(t, uint64(1), joins)

	entry, found, err := h.client.NetworkConfiguration(ctx, got.DiscoveryKey)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, NetworkEntry{DiscoveryKey: got.DiscoveryKey, Lookup: true, Announce: true, Durable: true}, entry)

	entries, err := h.client.AllNetworkConfigurations(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	res, err = h.client.Unpublish(ctx, got.Session)
	require.NoError(t, err)
	assert.True(t, res.Changed)

	_, found, err = h.client.NetworkConfiguration(ctx, got.DiscoveryKey)
	require.NoError(t, err)
	assert.False(t, found)

	_, err = h.client.ConfigureNetwork(ctx, &ConfigureNetworkRequest{DiscoveryKey: "zz"})
	assert.ErrorIs(t, err, types.ErrKeyEncoding)

	res, err = h.client.ConfigureNetwork(ctx, &ConfigureNetworkRequest{DiscoveryKey: got.DiscoveryKey, Lookup: true})
	require.NoError(t, err)
	assert.Equal(t, NetworkResult{Lookup: true, Changed: true}, *res)
}

func TestStatsAndListDrives(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	parent := h.session(t)
	child := h.session(t)

	require.NoError(t, h.client.MountDrive(ctx, &DriveMountRequest{Session: parent.Session, Path: "/child", Key: child.Key}))

	mounts, err := h.client.Stats(ctx, parent.Session)
	require.NoError(t, err)
	require.Len(t, mounts, 2)
	assert.Equal(t, "/", mounts[0].Path)
	assert.Equal(t, "/child", mounts[1].Path)
	assert.Equal(t, child.Key, mounts[1].Key)

	all, err := h.client.AllStats(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	drives, err := h.client.ListDrives(ctx)
	require.NoError(t, err)
	assert.Len(t, drives, 2)

	require.NoError(t, h.client.UnmountDrive(ctx, parent.Session, "/child"))
	mounts, err = h.client.Stats(ctx, parent.Session)
	require.NoError(t, err)
	assert.Len(t, mounts, 1)
}

func TestFuseService(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	mountpoint := filepath.Join(t.TempDir(), "mnt")

	st, err := h.client.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Configured)
	assert.False(t, st.Mounted)

	_, err = h.client.Mount(ctx, "", registry.GetOptions{})
	assert.ErrorIs(t, err, types.ErrPath)

	root, err := h.client.Mount(ctx, mountpoint, registry.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, mountpoint, root.Mountpoint)
	assert.True(t, root.Writable)

	st, err = h.client.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Mounted)
	assert.Equal(t, root.Key, st.Key)

	nested, err := h.client.Mount(ctx, filepath.Join(mountpoint, "shared"), registry.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "/shared", nested.Path)
	assert.Equal(t, mountpoint, h.router.Mountpoint())

	info, err := h.client.Info(ctx, filepath.Join(mountpoint, "shared", "notes"))
	require.NoError(t, err)
	assert.Equal(t, nested.Key, info.Key)
	assert.Equal(t, "/notes", info.Path)

	err = h.client.Unmount(ctx, "/somewhere/else")
	assert.ErrorIs(t, err, types.ErrMountScope)

	require.NoError(t, h.client.Unmount(ctx, filepath.Join(mountpoint, "shared")))
	require.NoError(t, h.client.Unmount(ctx, ""))

	st, err = h.client.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Mounted)

	_, err = h.client.Info(ctx, mountpoint)
	assert.ErrorIs(t, err, types.ErrNotMounted)
}

func TestAuthRequired(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	for _, token := range []string{"", "wrong"} {
		c := dialHarness(t, h.listener, token)
		_, err := c.Status(ctx)
		assert.ErrorIs(t, err, types.ErrAuthentication, "token %q", token)
	}

	_, err := h.client.Status(ctx)
	assert.NoError(t, err)
}

func TestAuthOptional(t *testing.T) {
	h := newHarness(t, false)

	_, err := dialHarness(t, h.listener, "").Status(context.Background())
	assert.NoError(t, err)
}
