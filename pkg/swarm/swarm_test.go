package swarm

import (
	"context"
	"testing"

	"swarmdrive/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalJoinLeave(t *testing.T) {
	ctx := context.Background()
	s := NewLocal(nil)
	dk := types.DiscoveryKeyOf(types.Key{1})

	_, joined := s.Status(dk)
	assert.False(t, joined)

	var joinedTopics []Topic
	var left []types.DiscoveryKey
	s.OnJoin(func(topic Topic) { joinedTopics = append(joinedTopics, topic) })
	s.OnLeave(func(dk types.DiscoveryKey) { left = append(left, dk) })

	require.NoError(t, s.Join(ctx, dk, JoinOptions{Lookup: true, Announce: true}))
	status, joined := s.Status(dk)
	require.True(t, joined)
	assert.Equal(t, JoinOptions{Lookup: true, Announce: true}, status)
	require.Len(t, s.Topics(), 1)

	require.NoError(t, s.Leave(ctx, dk))
	require.NoError(t, s.Leave(ctx, dk))
	_, joined = s.Status(dk)
	assert.False(t, joined)

	joins, leaves := s.Counters()
	assert.Equal(t, uint64(1), joins)
	assert.Equal(t, uint64(2), leaves)
	assert.Len(t, joinedTopics, 1)
	assert.Equal(t, []types.DiscoveryKey{dk}, left)
}

func TestLocalClosed(t *testing.T) {
	ctx := context.Background()
	s := NewLocal(nil)
	dk := types.DiscoveryKeyOf(types.Key{2})

	require.NoError(t, s.Join(ctx, dk, JoinOptions{Lookup: true}))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.Empty(t, s.Topics())
	assert.ErrorIs(t, s.Join(ctx, dk, JoinOptions{Lookup: true}), ErrClosed)
	assert.ErrorIs(t, s.Leave(ctx, dk), ErrClosed)
}

func TestLocalCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewLocal(nil)
	assert.ErrorIs(t, s.Join(ctx, types.DiscoveryKey{}, JoinOptions{}), context.Canceled)
}
