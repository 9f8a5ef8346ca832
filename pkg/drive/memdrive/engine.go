// Package memdrive is an in-process Drive Engine. Drives live in memory for
// the lifetime of the Engine; every mutation produces a new immutable
// version so checkouts by version (and content hash) work. Drives whose
// secret key the engine holds are writable, every other key opens as an
// empty read-only drive waiting for peers.
package memdrive

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io/fs"
	"sync"

	"swarmdrive/pkg/drive"
	"swarmdrive/pkg/types"

	"go.uber.org/zap"
)

// Engine implements drive.Engine.
type Engine struct {
	logger *zap.Logger

	mu    sync.Mutex
	feeds map[types.Key]*feed
}

var _ drive.Engine = (*Engine)(nil)

// New creates an empty engine.
func New(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		logger: logger,
		feeds:  make(map[types.Key]*feed),
	}
}

// Open returns a new handle onto the drive selected by opts.
func (e *Engine) Open(ctx context.Context, opts drive.OpenOptions) (drive.Drive, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := e.feedFor(opts.Key)
	if err != nil {
		return nil, err
	}

	latest := f.latestVersion()
	if opts.Version > latest {
		return nil, fmt.Errorf("drive %s version %d: %w", f.key, opts.Version, fs.ErrNotExist)
	}

	d := &Drive{
		engine:   e,
		feed:     f,
		pinned:   opts.Version,
		hash:     opts.Hash,
		children: make(map[string]*Drive),
	}

	if len(opts.Hash) > 0 && !bytes.Equal(d.snapshot().contentHash(), opts.Hash) {
		return nil, fmt.Errorf("drive %s: content hash mismatch: %w", f.key, fs.ErrInvalid)
	}

	e.logger.Debug("Opened drive",
		zap.String("key", f.key.String()),
		zap.Uint64("version", opts.Version),
		zap.Bool("writable", d.Writable()))

	return d, nil
}

func (e *Engine) feedFor(key *types.Key) (*feed, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if key == nil {
		pub, secret, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate drive key: %w", err)
		}
		k, err := types.KeyFromBytes(pub)
		if err != nil {
			return nil, err
		}
		f := newFeed(k, secret)
		e.feeds[k] = f
		e.logger.Info("Created drive", zap.String("key", k.String()))
		return f, nil
	}

	if f, ok := e.feeds[*key]; ok {
		return f, nil
	}
	f := newFeed(*key, nil)
	e.feeds[*key] = f
	return f, nil
}

// RecordTraffic adds replication counters to the drive with the given key.
// Engines with a real network layer update these themselves.
func (e *Engine) RecordTraffic(key types.Key, delta drive.NetworkStats) {
	e.mu.Lock()
	f, ok := e.feeds[key]
	e.mu.Unlock()
	if !ok {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	addChannel(&f.stats.Metadata, delta.Metadata)
	addChannel(&f.stats.Content, delta.Content)
}

func addChannel(dst *drive.ChannelStats, delta drive.ChannelStats) {
	if delta.Peers > dst.Peers {
		dst.Peers = delta.Peers
	}
	dst.UploadedBytes += delta.UploadedBytes
	dst.DownloadedBytes += delta.DownloadedBytes
}

// openMount returns the drive a mount entry points at.
func (e *Engine) openMount(ctx context.Context, info drive.MountInfo) (*Drive, error) {
	key := info.Key
	d, err := e.Open(ctx, drive.OpenOptions{Key: &key, Version: info.Version, Hash: info.Hash})
	if err != nil {
		return nil, err
	}
	return d.(*Drive), nil
}

// feed is the shared state behind every handle onto one drive key.
type feed struct {
	key    types.Key
	dkey   types.DiscoveryKey
	secret ed25519.PrivateKey

	mu       sync.RWMutex
	versions []*snapshot
	watchers map[uint64]*watcher
	nextID   uint64
	stats    drive.NetworkStats
}

func newFeed(key types.Key, secret ed25519.PrivateKey) *feed {
	return &feed{
		key:      key,
		dkey:     types.DiscoveryKeyOf(key),
		secret:   secret,
		versions: []*snapshot{emptySnapshot()},
		watchers: make(map[uint64]*watcher),
	}
}

func (f *feed) latestVersion() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return uint64(len(f.versions))
}

func (f *feed) snapshotAt(version uint64) *snapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if version == 0 || version > uint64(len(f.versions)) {
		return f.versions[len(f.versions)-1]
	}
	return f.versions[version-1]
}

// mutate applies fn to a copy of the latest tree and publishes the result
// as a new version. fn returns the paths it changed.
func (f *feed) mutate(fn func(entries map[string]*node) ([]string, error)) error {
	f.mu.Lock()
	entries := f.versions[len(f.versions)-1].copyEntries()
	changed, err := fn(entries)
	if err != nil {
		f.mu.Unlock()
		return err
	}
	f.versions = append(f.versions, &snapshot{entries: entries})
	watchers := make([]*watcher, 0, len(f.watchers))
	for _, w := range f.watchers {
		watchers = append(watchers, w)
	}
	f.mu.Unlock()

	for _, w := range watchers {
		w.notify(changed)
	}
	return nil
}
