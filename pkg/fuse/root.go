package fuse

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"swarmdrive/pkg/metrics"
	"swarmdrive/pkg/vfs"

	gofs "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"
)

const defaultDevice = "/dev/fuse"

// Options configures a Binder.
type Options struct {
	// AllowOther lets other users access the mount. It requires
	// user_allow_other in /etc/fuse.conf.
	AllowOther bool
	Debug      bool
	// Metrics counts filesystem calls when set.
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Binder mounts routers on the host with go-fuse.
type Binder struct {
	opts   Options
	logger *zap.Logger

	// Host probes, replaced in tests.
	device   string
	lookPath func(string) (string, error)
}

var _ vfs.Binder = (*Binder)(nil)

// NewBinder creates a binder for the local host.
func NewBinder(opts Options) *Binder {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Binder{
		opts:     opts,
		logger:   logger,
		device:   defaultDevice,
		lookPath: exec.LookPath,
	}
}

// Status checks for the FUSE device and a fusermount helper.
func (b *Binder) Status() vfs.BinderStatus {
	if _, err := os.Stat(b.device); err != nil {
		return vfs.BinderStatus{
			Setup: fmt.Sprintf("%s is missing: load the fuse kernel module (modprobe fuse)", b.device),
		}
	}
	if _, err := b.lookPath("fusermount"); err != nil {
		if _, err := b.lookPath("fusermount3"); err != nil {
			return vfs.BinderStatus{
				Available: true,
				Setup:     "fusermount/fusermount3 not found: install the fuse3 package",
			}
		}
	}
	return vfs.BinderStatus{Available: true, Configured: true}
}

// Bind mounts d at mountpoint, creating the directory if needed. The
// returned function unmounts it.
func (b *Binder) Bind(mountpoint string, d vfs.Dispatcher) (func() error, error) {
	if err := os.MkdirAll(mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create mountpoint %s: %w", mountpoint, err)
	}

	if b.opts.Metrics != nil {
		d = b.opts.Metrics.Dispatcher(d)
	}
	root := &Node{fsys: newFileSystem(d, b.logger, attrTimeout)}

	entryTimeout := attrTimeout
	attrTTL := attrTimeout
	negativeTimeout := 100 * time.Millisecond

	server, err := gofs.Mount(mountpoint, root, &gofs.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTTL,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "swarmdrive",
			Name:       "swarmdrive",
			AllowOther: b.opts.AllowOther,
			Debug:      b.opts.Debug,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mount FUSE filesystem at %s: %w", mountpoint, err)
	}

	b.logger.Info("FUSE filesystem mounted", zap.String("mountpoint", mountpoint))

	return func() error {
		if err := server.Unmount(); err != nil {
			return err
		}
		server.Wait()
		return nil
	}, nil
}
