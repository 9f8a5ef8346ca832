// Package registry caches live drives by canonical identity and multiplexes
// remote sessions onto them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"swarmdrive/pkg/drive"
	"swarmdrive/pkg/kvstore"
	"swarmdrive/pkg/netconf"
	"swarmdrive/pkg/types"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// KeyFile holds the hex public key at the root of every writable drive.
	KeyFile = "/.key"

	// HomeDir is created in root drives on first use.
	HomeDir = "/home"
)

// GetOptions selects the drive Get returns.
type GetOptions struct {
	// Key of the drive to open. Nil creates a new writable drive.
	Key            *types.Key `cbor:"key,omitempty" json:"key,omitempty"`
	Version        uint64     `cbor:"version,omitempty" json:"version,omitempty"`
	Hash           []byte     `cbor:"hash,omitempty" json:"hash,omitempty"`
	Sparse         bool       `cbor:"sparse,omitempty" json:"sparse,omitempty"`
	SparseMetadata bool       `cbor:"sparseMetadata,omitempty" json:"sparseMetadata,omitempty"`

	// Root marks the drive as a root drive, which gets a home directory.
	Root bool `cbor:"root,omitempty" json:"root,omitempty"`

	// NoPublish skips publishing the drive when it opens read-only.
	NoPublish bool `cbor:"-" json:"-"`
}

// OptionsFor returns options that reopen the given identity.
func OptionsFor(id types.Identity) GetOptions {
	key := id.Key
	return GetOptions{Key: &key, Version: id.Version, Hash: id.Hash}
}

func (o GetOptions) identity() (types.Identity, bool) {
	if o.Key == nil {
		return types.Identity{}, false
	}
	return types.Identity{Key: *o.Key, Version: o.Version, Hash: o.Hash}, true
}

func (o GetOptions) openOptions() drive.OpenOptions {
	return drive.OpenOptions{
		Key:            o.Key,
		Version:        o.Version,
		Hash:           o.Hash,
		Sparse:         o.Sparse,
		SparseMetadata: o.SparseMetadata,
	}
}

// DriveRecord is the drive index entry persisted for every opened drive.
type DriveRecord struct {
	Identity string     `cbor:"identity" json:"identity"`
	Options  GetOptions `cbor:"options" json:"options"`
	Writable bool       `cbor:"writable" json:"writable"`
	OpenedAt time.Time  `cbor:"openedAt" json:"openedAt"`
}

// Options configures a Registry.
type Options struct {
	Engine  drive.Engine
	Network *netconf.Manager
	// Store is the root key-value store. The registry uses its "drives"
	// and "stats" namespaces.
	Store  kvstore.Store
	Logger *zap.Logger
}

// Registry owns every live drive and session in the daemon.
type Registry struct {
	logger  *zap.Logger
	engine  drive.Engine
	network *netconf.Manager
	index   kvstore.Store
	stats   kvstore.Store

	opens singleflight.Group

	// background work (auto-publish) is bound to this context
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	drives      map[string]drive.Drive
	sessions    map[types.SessionID]drive.Drive
	lastSession types.SessionID
}

// New creates a registry.
func New(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		logger:   logger,
		engine:   opts.Engine,
		network:  opts.Network,
		index:    opts.Store.Sub("drives"),
		stats:    opts.Store.Sub("stats"),
		ctx:      ctx,
		cancel:   cancel,
		drives:   make(map[string]drive.Drive),
		sessions: make(map[types.SessionID]drive.Drive),
	}
}

// Network returns the network configuration manager the registry uses.
func (r *Registry) Network() *netconf.Manager { return r.network }

func (r *Registry) cached(id string) (drive.Drive, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drives[id]
	return d, ok
}

// Get returns the live drive for opts, opening it on first use. Concurrent
// calls for one identity share a single engine open.
func (r *Registry) Get(ctx context.Context, opts GetOptions) (drive.Drive, error) {
	id, ok := opts.identity()
	if !ok {
		return r.open(ctx, opts)
	}

	key := id.String()
	if d, ok := r.cached(key); ok {
		return d, nil
	}

	v, err, _ := r.opens.Do(key, func() (any, error) {
		if d, ok := r.cached(key); ok {
			return d, nil
		}
		return r.open(ctx, opts)
	})
	if err != nil {
		return nil, err
	}
	return v.(drive.Drive), nil
}

func (r *Registry) open(ctx context.Context, opts GetOptions) (drive.Drive, error) {
	d, err := r.engine.Open(ctx, opts.openOptions())
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open drive: %w", types.ErrStorage, err)
	}
	if err := d.Ready(ctx); err != nil {
		return nil, fmt.Errorf("%w: drive %s not ready: %w", types.ErrStorage, d.Key(), err)
	}

	id := d.Identity().String()
	if existing, ok := r.cached(id); ok {
		return r.keepExisting(existing, d), nil
	}

	if d.Writable() {
		if err := r.initialize(ctx, d, opts.Root); err != nil {
			return nil, err
		}
	} else if !opts.NoPublish {
		r.publishAsync(d)
	}

	key := d.Key()
	opts.Key = &key
	record := DriveRecord{Identity: id, Options: opts, Writable: d.Writable(), OpenedAt: time.Now()}
	if err := kvstore.PutValue(r.index, id, record); err != nil {
		return nil, fmt.Errorf("%w: failed to index drive %s: %w", types.ErrStorage, id, err)
	}

	r.mu.Lock()
	if existing, ok := r.drives[id]; ok {
		// Created drives never collide; reopening a key that is already
		// cached under its own identity keeps the cached instance.
		r.mu.Unlock()
		return r.keepExisting(existing, d), nil
	}
	r.drives[id] = d
	r.mu.Unlock()

	r.logger.Info("Drive opened",
		zap.String("identity", id),
		zap.Bool("writable", d.Writable()),
		zap.Bool("root", opts.Root))
	return d, nil
}

// keepExisting closes dup, a second handle on a cached drive.
func (r *Registry) keepExisting(existing, dup drive.Drive) drive.Drive {
	if err := dup.Close(); err != nil {
		r.logger.Warn("Failed to close duplicate drive handle",
			zap.String("key", dup.Key().String()),
			zap.Error(err))
	}
	return existing
}

// initialize writes the key marker, and for root drives the home
// directory, unless they already exist.
func (r *Registry) initialize(ctx context.Context, d drive.Drive, root bool) error {
	if _, err := d.Stat(ctx, KeyFile); errors.Is(err, fs.ErrNotExist) {
		if err := drive.WriteFile(ctx, d, KeyFile, []byte(d.Key().String()), 0o644); err != nil {
			return fmt.Errorf("%w: failed to write key file: %w", types.ErrStorage, err)
		}
	} else if err != nil {
		return fmt.Errorf("%w: %w", types.ErrStorage, err)
	}

	if !root {
		return nil
	}
	if _, err := d.Stat(ctx, HomeDir); errors.Is(err, fs.ErrNotExist) {
		if err := d.Mkdir(ctx, HomeDir, 0o755); err != nil {
			return fmt.Errorf("%w: failed to create home directory: %w", types.ErrStorage, err)
		}
	} else if err != nil {
		return fmt.Errorf("%w: %w", types.ErrStorage, err)
	}
	return nil
}

func (r *Registry) publishAsync(d drive.Drive) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if _, err := r.Publish(r.ctx, d); err != nil {
			r.logger.Warn("Failed to publish read-only drive",
				zap.String("key", d.Key().String()),
				zap.Error(err))
		}
	}()
}

// CreateSession opens the drive for opts and binds a new session to it.
// Session ids start at 1 and are never reused.
func (r *Registry) CreateSession(ctx context.Context, opts GetOptions) (drive.Drive, types.SessionID, error) {
	d, err := r.Get(ctx, opts)
	if err != nil {
		return nil, 0, err
	}

	r.mu.Lock()
	r.lastSession++
	id := r.lastSession
	r.sessions[id] = d
	r.mu.Unlock()

	r.logger.Debug("Session created", zap.Uint64("session", uint64(id)), zap.String("key", d.Key().String()))
	return d, id, nil
}

// DriveForSession returns the drive bound to id.
func (r *Registry) DriveForSession(id types.SessionID) (drive.Drive, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", types.ErrSessionNotFound, id)
	}
	return d, nil
}

// CloseSession unbinds id. The drive stays open and cached.
func (r *Registry) CloseSession(id types.SessionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return fmt.Errorf("%w: %d", types.ErrSessionNotFound, id)
	}
	delete(r.sessions, id)
	r.logger.Debug("Session closed", zap.Uint64("session", uint64(id)))
	return nil
}

// SessionCount returns the number of open sessions.
func (r *Registry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) DriveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.drives)
}

// Publish seeds d on the swarm and remembers it across restarts.
func (r *Registry) Publish(ctx context.Context, d drive.Drive) (netconf.Result, error) {
	return r.network.Configure(ctx, d.DiscoveryKey(), netconf.Config{Lookup: true, Announce: true}, true)
}

// Unpublish stops seeding d and forgets the durable entry.
func (r *Registry) Unpublish(ctx context.Context, d drive.Drive) (netconf.Result, error) {
	return r.network.Configure(ctx, d.DiscoveryKey(), netconf.Config{}, true)
}

// ConfigureNetwork configures swarm participation for dk.
func (r *Registry) ConfigureNetwork(ctx context.Context, dk types.DiscoveryKey, cfg netconf.Config, remember bool) (netconf.Result, error) {
	return r.network.Configure(ctx, dk, cfg, remember)
}

// NetworkConfiguration returns the stored configuration for dk.
func (r *Registry) NetworkConfiguration(dk types.DiscoveryKey) (netconf.Entry, bool, error) {
	return r.network.Configuration(dk)
}

// AllNetworkConfigurations lists every stored network configuration.
func (r *Registry) AllNetworkConfigurations() ([]netconf.Entry, error) {
	return r.network.AllConfigurations()
}

// ListDrives returns the drive index in identity order.
func (r *Registry) ListDrives(ctx context.Context) ([]DriveRecord, error) {
	var records []DriveRecord
	err := kvstore.ScanValues(r.index, func(key string, record *DriveRecord) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		records = append(records, *record)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list drives: %w", types.ErrStorage, err)
	}
	return records, nil
}

// Close cancels background work and closes every cached drive.
func (r *Registry) Close() error {
	r.cancel()
	r.wg.Wait()

	r.mu.Lock()
	drives := r.drives
	r.drives = make(map[string]drive.Drive)
	r.sessions = make(map[types.SessionID]drive.Drive)
	r.mu.Unlock()

	var errs []error
	for id, d := range drives {
		if err := d.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
	}
	r.logger.Info("Registry closed", zap.Int("drives", len(drives)))
	return errors.Join(errs...)
}
