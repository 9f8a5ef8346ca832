// Package swarm is the contract with the peer swarm that finds and serves
// drives by discovery key, plus a local engine that tracks topic membership
// in process.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"swarmdrive/pkg/types"

	"go.uber.org/zap"
)

// ErrClosed is returned by a swarm that has been shut down.
var ErrClosed = errors.New("swarm closed")

// JoinOptions selects how the swarm participates in a topic.
type JoinOptions struct {
	Lookup   bool `cbor:"lookup" json:"lookup"`
	Announce bool `cbor:"announce" json:"announce"`
}

// Swarm joins and leaves discovery topics.
type Swarm interface {
	Join(ctx context.Context, dk types.DiscoveryKey, opts JoinOptions) error
	Leave(ctx context.Context, dk types.DiscoveryKey) error

	// Status reports the current participation for dk. The second result
	// is false when the swarm has not joined the topic.
	Status(dk types.DiscoveryKey) (JoinOptions, bool)
}

// Topic is one joined discovery key.
type Topic struct {
	DiscoveryKey types.DiscoveryKey `json:"discoveryKey"`
	JoinOptions
	JoinedAt time.Time `json:"joinedAt"`
}

// Local is a Swarm that keeps membership in memory. It performs no peer
// traffic; drives only replicate between handles of the same engine.
type Local struct {
	logger *zap.Logger

	mu     sync.RWMutex
	topics map[types.DiscoveryKey]*Topic
	closed bool

	joins  uint64
	leaves uint64

	// Callbacks
	onJoin  func(Topic)
	onLeave func(types.DiscoveryKey)
}

var _ Swarm = (*Local)(nil)

// NewLocal creates an empty local swarm.
func NewLocal(logger *zap.Logger) *Local {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Local{
		logger: logger,
		topics: make(map[types.DiscoveryKey]*Topic),
	}
}

// OnJoin registers a callback fired after every successful join.
func (l *Local) OnJoin(fn func(Topic)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onJoin = fn
}

// OnLeave registers a callback fired after every leave of a joined topic.
func (l *Local) OnLeave(fn func(types.DiscoveryKey)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onLeave = fn
}

func (l *Local) Join(ctx context.Context, dk types.DiscoveryKey, opts JoinOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return fmt.Errorf("join %s: %w", dk, ErrClosed)
	}
	topic := Topic{DiscoveryKey: dk, JoinOptions: opts, JoinedAt: time.Now()}
	l.topics[dk] = &topic
	l.joins++
	cb := l.onJoin
	l.mu.Unlock()

	l.logger.Info("Joined swarm topic",
		zap.String("discovery_key", dk.String()),
		zap.Bool("lookup", opts.Lookup),
		zap.Bool("announce", opts.Announce))

	if cb != nil {
		cb(topic)
	}
	return nil
}

func (l *Local) Leave(ctx context.Context, dk types.DiscoveryKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return fmt.Errorf("leave %s: %w", dk, ErrClosed)
	}
	_, joined := l.topics[dk]
	delete(l.topics, dk)
	l.leaves++
	cb := l.onLeave
	l.mu.Unlock()

	l.logger.Info("Left swarm topic", zap.String("discovery_key", dk.String()))

	if joined && cb != nil {
		cb(dk)
	}
	return nil
}

func (l *Local) Status(dk types.DiscoveryKey) (JoinOptions, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.topics[dk]
	if !ok {
		return JoinOptions{}, false
	}
	return t.JoinOptions, true
}

// Topics lists joined topics ordered by discovery key.
func (l *Local) Topics() []Topic {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]Topic, 0, len(l.topics))
	for _, t := range l.topics {
		result = append(result, *t)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].DiscoveryKey.String() < result[j].DiscoveryKey.String()
	})
	return result
}

// Counters returns the number of join and leave calls served.
func (l *Local) Counters() (joins, leaves uint64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.joins, l.leaves
}

// Close leaves every topic. Further joins fail with ErrClosed.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.logger.Info("Swarm closed", zap.Int("topics", len(l.topics)))
	l.topics = make(map[types.DiscoveryKey]*Topic)
	return nil
}
