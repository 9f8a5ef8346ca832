package netconf

import (
	"context"
	"errors"
	"testing"

	"swarmdrive/pkg/kvstore"
	"swarmdrive/pkg/swarm"
	"swarmdrive/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) kvstore.Store {
	t.Helper()
	store, err := kvstore.OpenBadger(kvstore.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store.Sub("seeding")
}

func dkOf(b byte) types.DiscoveryKey {
	return types.DiscoveryKeyOf(types.Key{b})
}

type failingSwarm struct {
	*swarm.Local
	err error
}

func (f *failingSwarm) Join(ctx context.Context, dk types.DiscoveryKey, opts swarm.JoinOptions) error {
	return f.err
}

func TestConfigureIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := swarm.NewLocal(nil)
	m := New(Options{Swarm: s, Store: openStore(t)})
	dk := dkOf(1)

	res, err := m.Configure(ctx, dk, Config{Lookup: true, Announce: true}, true)
	require.NoError(t, err)
	assert.True(t, res.Changed)

	res, err = m.Configure(ctx, dk, Config{Lookup: true, Announce: true}, true)
	require.NoError(t, err)
	assert.False(t, res.Changed)

	joins, _ := s.Counters()
	assert.Equal(t, uint64(1), joins)
}

func TestConfigureLeaveRemovesDurableEntry(t *testing.T) {
	ctx := context.Background()
	s := swarm.NewLocal(nil)
	m := New(Options{Swarm: s, Store: openStore(t)})
	dk := dkOf(2)

	_, err := m.Configure(ctx, dk, Config{Lookup: true, Announce: true}, true)
	require.NoError(t, err)
	entry, ok, err := m.Configuration(dk)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, entry.Durable)

	res, err := m.Configure(ctx, dk, Config{}, true)
	require.NoError(t, err)
	assert.True(t, res.Changed)

	_, joined := s.Status(dk)
	assert.False(t, joined)
	_, ok, err = m.Configuration(dk)
	require.NoError(t, err)
	assert.False(t, ok)

	// Leaving a topic that was never joined is a no-op.
	res, err = m.Configure(ctx, dk, Config{}, true)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	_, leaves := s.Counters()
	assert.Equal(t, uint64(1), leaves)
}

func TestRejoinReplaysOnlyAnnouncingEntries(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	announcing, lookupOnly, transient := dkOf(3), dkOf(4), dkOf(5)

	first := New(Options{Swarm: swarm.NewLocal(nil), Store: store})
	_, err := first.Configure(ctx, announcing, Config{Lookup: true, Announce: true}, true)
	require.NoError(t, err)
	_, err = first.Configure(ctx, lookupOnly, Config{Lookup: true}, true)
	require.NoError(t, err)
	_, err = first.Configure(ctx, transient, Config{Lookup: true, Announce: true}, false)
	require.NoError(t, err)

	all, err := first.AllConfigurations()
	require.NoError(t, err)
	assert.Len(t, all, 3)

	// Restart: fresh swarm and manager over the same store.
	s := swarm.NewLocal(nil)
	second := New(Options{Swarm: s, Store: store})
	joined, err := second.Rejoin(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, joined)

	_, ok := s.Status(announcing)
	assert.True(t, ok)
	_, ok = s.Status(lookupOnly)
	assert.False(t, ok)
	_, ok = s.Status(transient)
	assert.False(t, ok)

	_, found, err := second.Configuration(transient)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestNoAnnounceOverride(t *testing.T) {
	ctx := context.Background()
	s := swarm.NewLocal(nil)
	store := openStore(t)
	m := New(Options{Swarm: s, Store: store, NoAnnounce: true})
	dk := dkOf(6)

	res, err := m.Configure(ctx, dk, Config{Lookup: true, Announce: true}, true)
	require.NoError(t, err)
	assert.Equal(t, Config{Lookup: true}, res.Config)

	status, ok := s.Status(dk)
	require.True(t, ok)
	assert.False(t, status.Announce)

	// The overridden config already matches, so repeating is a no-op.
	res, err = m.Configure(ctx, dk, Config{Lookup: true, Announce: true}, true)
	require.NoError(t, err)
	assert.False(t, res.Changed)

	require.NoError(t, kvstore.PutValue(store, dkOf(7).String(), Config{Lookup: true, Announce: true}))
	joined, err := m.Rejoin(ctx)
	require.NoError(t, err)
	assert.Zero(t, joined)
}

func TestConfigureReportsSwarmFailure(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	m := New(Options{Swarm: &failingSwarm{Local: swarm.NewLocal(nil), err: boom}, Store: openStore(t)})
	dk := dkOf(8)

	res, err := m.Configure(ctx, dk, Config{Lookup: true, Announce: true}, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrNetworkConvergence)
	assert.ErrorIs(t, err, boom)
	assert.True(t, res.Changed)

	entry, ok, err := m.Configuration(dk)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, entry.Announce)

	joined, err := m.Rejoin(ctx)
	assert.Zero(t, joined)
	assert.ErrorIs(t, err, types.ErrNetworkConvergence)
}
