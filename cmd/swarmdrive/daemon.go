package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"swarmdrive/pkg/auth"
	"swarmdrive/pkg/config"
	"swarmdrive/pkg/drive/memdrive"
	"swarmdrive/pkg/fuse"
	"swarmdrive/pkg/kvstore"
	"swarmdrive/pkg/metrics"
	"swarmdrive/pkg/netconf"
	"swarmdrive/pkg/registry"
	"swarmdrive/pkg/rpc"
	"swarmdrive/pkg/swarm"
	"swarmdrive/pkg/vfs"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const shutdownTimeout = 10 * time.Second

func daemonCmd() *cobra.Command {
	var (
		noAnnounce bool
		address    string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the swarmdrive daemon",
		Long: `Start the daemon that owns drives, swarm membership and the FUSE
mount. A root mount that was active when the daemon last stopped is
restored on start.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("no-announce") {
				cfg.Network.NoAnnounce = noAnnounce
			}
			if address != "" {
				cfg.RPC.Address = address
			}

			logger := setupLogger(verbose, cfg.Logging.Level)
			defer logger.Sync()

			return runDaemon(cfg, logger)
		},
	}

	cmd.Flags().BoolVar(&noAnnounce, "no-announce", false, "join every swarm in lookup-only mode")
	cmd.Flags().StringVar(&address, "address", "", "RPC listening address (overrides config)")

	return cmd
}

func runDaemon(cfg *config.Config, logger *zap.Logger) error {
	if err := os.MkdirAll(cfg.StorageDir, 0700); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}
	store, err := kvstore.OpenBadger(kvstore.BadgerConfig{
		Dir:    cfg.StorageDir,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	daemonMetrics := metrics.New(promRegistry)

	network := swarm.NewLocal(logger.Named("swarm"))
	defer network.Close()

	manager := netconf.New(netconf.Options{
		Swarm:      network,
		Store:      store.Sub("seeding"),
		NoAnnounce: cfg.Network.NoAnnounce,
		Logger:     logger.Named("netconf"),
	})
	rejoined, err := manager.Rejoin(ctx)
	if err != nil {
		// Partial rejoin is not fatal; the failed keys are retried on the
		// next configure.
		logger.Warn("Failed to rejoin some swarms", zap.Error(err))
	}
	logger.Info("Rejoined swarms", zap.Int("count", rejoined))

	reg := registry.New(registry.Options{
		Engine:  memdrive.New(logger.Named("engine")),
		Network: manager,
		Store:   store,
		Logger:  logger.Named("registry"),
	})
	defer reg.Close()

	router := vfs.New(vfs.Options{
		Registry: reg,
		Binder: fuse.NewBinder(fuse.Options{
			AllowOther: cfg.Fuse.AllowOther,
			Debug:      cfg.Fuse.Debug,
			Metrics:    daemonMetrics,
			Logger:     logger.Named("fuse"),
		}),
		Store:  store,
		Logger: logger.Named("vfs"),
	})
	defer router.Close()

	restored, err := router.Restore(ctx)
	if err != nil {
		logger.Warn("Failed to restore root mount", zap.Error(err))
	} else if restored {
		logger.Info("Restored root mount", zap.String("mountpoint", router.Mountpoint()))
	}

	tokens := auth.NewTokens()
	if _, err := tokens.LoadOrCreateTokenFile(cfg.RPC.TokenFile); err != nil {
		return fmt.Errorf("failed to set up token: %w", err)
	}

	server := rpc.NewServer(rpc.Options{
		Registry:     reg,
		Router:       router,
		Auth:         auth.NewAuthInterceptor(tokens, cfg.RPC.RequireAuth, logger.Named("auth")),
		Metrics:      daemonMetrics,
		ChunkSize:    cfg.ChunkSize,
		StreamBuffer: cfg.StreamBuffer,
		Logger:       logger.Named("rpc"),
	})

	metrics.RegisterSources(promRegistry, metrics.Sources{
		Sessions: reg.SessionCount,
		Drives:   reg.DriveCount,
		Swarms:   func() int { return len(network.Topics()) },
		Mounted:  func() bool { return router.Status().Mounted },
	})

	if socket, ok := strings.CutPrefix(cfg.RPC.Address, "unix://"); ok {
		// A stale socket from an unclean exit blocks the listener.
		if err := os.Remove(socket); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove stale socket: %w", err)
		}
	}
	listener, err := rpc.Listen(cfg.RPC.Address)
	if err != nil {
		return err
	}

	var ready atomic.Bool
	if cfg.Metrics.Address != "" {
		metricsServer := metrics.StartServer(cfg.Metrics.Address,
			metrics.Handler(promRegistry, ready.Load), logger.Named("metrics"))
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			metricsServer.Shutdown(shutdownCtx)
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(listener)
	}()

	ready.Store(true)
	logger.Info("Daemon started",
		zap.String("address", cfg.RPC.Address),
		zap.String("storage_dir", cfg.StorageDir),
		zap.Bool("no_announce", cfg.Network.NoAnnounce),
		zap.Bool("require_auth", cfg.RPC.RequireAuth))

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("RPC server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down daemon")
	ready.Store(false)
	stopped := make(chan struct{})
	go func() {
		server.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		logger.Warn("Timed out draining RPC calls", zap.Duration("timeout", shutdownTimeout))
	}
	return nil
}
