// Package netconf converges swarm participation per discovery key toward a
// desired state and remembers durable intents across restarts.
package netconf

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"swarmdrive/pkg/kvstore"
	"swarmdrive/pkg/swarm"
	"swarmdrive/pkg/types"

	"go.uber.org/zap"
)

// Config is the desired participation for one discovery key.
type Config struct {
	Lookup   bool `cbor:"lookup" json:"lookup"`
	Announce bool `cbor:"announce" json:"announce"`
}

// Active reports whether the configuration needs the swarm at all.
func (c Config) Active() bool { return c.Lookup || c.Announce }

func (c Config) joinOptions() swarm.JoinOptions {
	return swarm.JoinOptions{Lookup: c.Lookup, Announce: c.Announce}
}

// Entry is one stored configuration.
type Entry struct {
	DiscoveryKey types.DiscoveryKey `json:"discoveryKey"`
	Config
	// Durable entries survive a restart; the rest live in memory only.
	Durable bool `json:"durable"`
}

// Result describes what Configure did.
type Result struct {
	// Config is the configuration after the no-announce override.
	Config Config
	// Changed is false when the swarm already matched and nothing was done.
	Changed bool
}

// Options configures a Manager.
type Options struct {
	Swarm swarm.Swarm
	// Store holds durable entries. The manager owns its contents.
	Store kvstore.Store
	// NoAnnounce forces announce off for every configuration.
	NoAnnounce bool
	Logger     *zap.Logger
}

// Manager keeps swarm membership consistent with the stored configuration.
type Manager struct {
	logger     *zap.Logger
	swarm      swarm.Swarm
	store      kvstore.Store
	noAnnounce bool

	mu        sync.Mutex
	transient map[types.DiscoveryKey]Config
}

// New creates a manager. It does not touch the swarm until Rejoin or
// Configure is called.
func New(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:     logger,
		swarm:      opts.Swarm,
		store:      opts.Store,
		noAnnounce: opts.NoAnnounce,
		transient:  make(map[types.DiscoveryKey]Config),
	}
}

// NoAnnounce reports whether the manager runs in no-announce mode.
func (m *Manager) NoAnnounce() bool { return m.noAnnounce }

// Configure converges the swarm toward cfg for dk. When the swarm already
// matches the (overridden) configuration nothing is stored and no swarm
// call is made. With remember set the entry is persisted, or removed when
// cfg is inactive; otherwise it is held in memory. Swarm failures are
// logged and returned wrapped in types.ErrNetworkConvergence; the stored
// intent is kept so a later call can retry.
func (m *Manager) Configure(ctx context.Context, dk types.DiscoveryKey, cfg Config, remember bool) (Result, error) {
	if m.noAnnounce {
		cfg.Announce = false
	}
	result := Result{Config: cfg}

	current, joined := m.swarm.Status(dk)
	if joined && current == cfg.joinOptions() || !joined && !cfg.Active() {
		return result, nil
	}
	result.Changed = true

	if err := m.record(dk, cfg, remember); err != nil {
		return result, err
	}

	var err error
	if cfg.Active() {
		err = m.swarm.Join(ctx, dk, cfg.joinOptions())
	} else {
		err = m.swarm.Leave(ctx, dk)
	}
	if err != nil {
		m.logger.Warn("Swarm reconfiguration failed",
			zap.String("discovery_key", dk.String()),
			zap.Bool("lookup", cfg.Lookup),
			zap.Bool("announce", cfg.Announce),
			zap.Error(err))
		return result, fmt.Errorf("%w: %s: %w", types.ErrNetworkConvergence, dk, err)
	}

	m.logger.Debug("Network configured",
		zap.String("discovery_key", dk.String()),
		zap.Bool("lookup", cfg.Lookup),
		zap.Bool("announce", cfg.Announce),
		zap.Bool("remember", remember))
	return result, nil
}

func (m *Manager) record(dk types.DiscoveryKey, cfg Config, remember bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !remember {
		if cfg.Active() {
			m.transient[dk] = cfg
		} else {
			delete(m.transient, dk)
		}
		return nil
	}

	delete(m.transient, dk)
	if !cfg.Active() {
		if err := m.store.Delete([]byte(dk.String())); err != nil {
			return fmt.Errorf("%w: failed to delete network configuration: %w", types.ErrStorage, err)
		}
		return nil
	}
	if err := kvstore.PutValue(m.store, dk.String(), cfg); err != nil {
		return fmt.Errorf("%w: failed to save network configuration: %w", types.ErrStorage, err)
	}
	return nil
}

// Configuration returns the stored configuration for dk. Transient entries
// shadow durable ones.
func (m *Manager) Configuration(dk types.DiscoveryKey) (Entry, bool, error) {
	m.mu.Lock()
	cfg, ok := m.transient[dk]
	m.mu.Unlock()
	if ok {
		return Entry{DiscoveryKey: dk, Config: cfg}, true, nil
	}

	var stored Config
	found, err := kvstore.GetValue(m.store, dk.String(), &stored)
	if err != nil {
		return Entry{}, false, fmt.Errorf("%w: %w", types.ErrStorage, err)
	}
	if !found {
		return Entry{}, false, nil
	}
	return Entry{DiscoveryKey: dk, Config: stored, Durable: true}, true, nil
}

// AllConfigurations lists every stored configuration ordered by discovery key.
func (m *Manager) AllConfigurations() ([]Entry, error) {
	entries := make(map[types.DiscoveryKey]Entry)
	err := kvstore.ScanValues(m.store, func(key string, cfg *Config) error {
		dk, err := types.ParseDiscoveryKey(key)
		if err != nil {
			m.logger.Warn("Skipping malformed network configuration", zap.String("key", key), zap.Error(err))
			return nil
		}
		entries[dk] = Entry{DiscoveryKey: dk, Config: *cfg, Durable: true}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list network configurations: %w", types.ErrStorage, err)
	}

	m.mu.Lock()
	for dk, cfg := range m.transient {
		entries[dk] = Entry{DiscoveryKey: dk, Config: cfg}
	}
	m.mu.Unlock()

	result := make([]Entry, 0, len(entries))
	for _, e := range entries {
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].DiscoveryKey.String() < result[j].DiscoveryKey.String()
	})
	return result, nil
}

// Rejoin replays durable entries that announce. Lookup-only entries are
// one-shot and are not replayed. In no-announce mode nothing is replayed.
// It returns the number of topics joined.
func (m *Manager) Rejoin(ctx context.Context) (int, error) {
	if m.noAnnounce {
		m.logger.Info("Skipping swarm rejoin in no-announce mode")
		return 0, nil
	}

	var toJoin []Entry
	err := kvstore.ScanValues(m.store, func(key string, cfg *Config) error {
		if !cfg.Announce {
			return nil
		}
		dk, err := types.ParseDiscoveryKey(key)
		if err != nil {
			m.logger.Warn("Skipping malformed network configuration", zap.String("key", key), zap.Error(err))
			return nil
		}
		toJoin = append(toJoin, Entry{DiscoveryKey: dk, Config: *cfg, Durable: true})
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: failed to load network configurations: %w", types.ErrStorage, err)
	}

	var errs []error
	joined := 0
	for _, e := range toJoin {
		if err := m.swarm.Join(ctx, e.DiscoveryKey, e.joinOptions()); err != nil {
			m.logger.Warn("Failed to rejoin swarm topic",
				zap.String("discovery_key", e.DiscoveryKey.String()),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", e.DiscoveryKey, err))
			continue
		}
		joined++
	}

	m.logger.Info("Rejoined swarm topics", zap.Int("joined", joined), zap.Int("failed", len(errs)))
	if len(errs) > 0 {
		return joined, fmt.Errorf("%w: %w", types.ErrNetworkConvergence, errors.Join(errs...))
	}
	return joined, nil
}
