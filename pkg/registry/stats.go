package registry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"swarmdrive/pkg/drive"
	"swarmdrive/pkg/kvstore"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// statsWorkers bounds how many drives AllStats walks at once.
const statsWorkers = 4

// MountStats are the replication counters of one drive in a mount tree.
type MountStats struct {
	Path     string             `cbor:"path" json:"path"`
	Key      string             `cbor:"key" json:"key"`
	Metadata drive.ChannelStats `cbor:"metadata" json:"metadata"`
	Content  drive.ChannelStats `cbor:"content" json:"content"`
}

// DriveStats groups the mount tree counters of one cached drive.
type DriveStats struct {
	Identity string       `cbor:"identity" json:"identity"`
	Mounts   []MountStats `cbor:"mounts" json:"mounts"`
}

type statsSnapshot struct {
	Mounts  []MountStats `cbor:"mounts"`
	TakenAt time.Time    `cbor:"takenAt"`
}

// DriveStats walks the mount tree of d and reports counters per mount
// path, "/" being d itself. The snapshot is persisted best effort.
func (r *Registry) DriveStats(ctx context.Context, d drive.Drive) ([]MountStats, error) {
	mounts, err := d.Mounts(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list mounts of %s: %w", d.Key(), err)
	}

	result := make([]MountStats, 0, len(mounts)+1)
	result = append(result, mountStats("/", d))
	for _, m := range mounts {
		result = append(result, mountStats(m.Path, m.Drive))
	}

	id := d.Identity().String()
	if err := kvstore.PutValue(r.stats, id, statsSnapshot{Mounts: result, TakenAt: time.Now()}); err != nil {
		r.logger.Warn("Failed to persist drive stats", zap.String("identity", id), zap.Error(err))
	}
	return result, nil
}

func mountStats(p string, d drive.Drive) MountStats {
	s := d.Stats()
	return MountStats{
		Path:     p,
		Key:      d.Key().String(),
		Metadata: s.Metadata,
		Content:  s.Content,
	}
}

// AllStats reports DriveStats for every cached drive, ordered by identity.
func (r *Registry) AllStats(ctx context.Context) ([]DriveStats, error) {
	r.mu.Lock()
	drives := make([]drive.Drive, 0, len(r.drives))
	for _, d := range r.drives {
		drives = append(drives, d)
	}
	r.mu.Unlock()

	result := make([]DriveStats, len(drives))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(statsWorkers)
	for i, d := range drives {
		i, d := i, d
		g.Go(func() error {
			mounts, err := r.DriveStats(gctx, d)
			if err != nil {
				return err
			}
			result[i] = DriveStats{Identity: d.Identity().String(), Mounts: mounts}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Identity < result[j].Identity })
	return result, nil
}
