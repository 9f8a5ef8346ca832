package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"swarmdrive/pkg/auth"
	"swarmdrive/pkg/config"
	"swarmdrive/pkg/rpc"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	configFile string
	verbose    bool
	jsonOutput bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "swarmdrive",
		Short: "Mount peer-to-peer replicated drives as a local filesystem",
		Long: `swarmdrive runs a daemon that opens replicated drives, seeds them on
the swarm and mounts them under a single FUSE mountpoint. The other
commands talk to that daemon.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print machine-readable JSON")

	rootCmd.AddCommand(
		daemonCmd(),
		statusCmd(),
		mountCmd(),
		unmountCmd(),
		infoCmd(),
		createCmd(),
		seedCmd(),
		unseedCmd(),
		statsCmd(),
		networkCmd(),
		drivesCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogger(verbose bool, level string) *zap.Logger {
	zapConfig := zap.NewProductionConfig()
	atomic, err := zap.ParseAtomicLevel(level)
	if err != nil {
		atomic = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	if verbose {
		atomic = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	zapConfig.Level = atomic

	zapConfig.EncoderConfig.TimeKey = "timestamp"
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, _ := zapConfig.Build()
	return logger
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// dial connects to the daemon named in the configuration.
func dial() (*rpc.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	token, err := auth.ReadTokenFile(cfg.RPC.TokenFile)
	if err != nil && cfg.RPC.RequireAuth {
		return nil, fmt.Errorf("failed to read token (is the daemon running?): %w", err)
	}
	return rpc.Dial(cfg.RPC.Address, token)
}

// withClient runs fn against the daemon with a bounded context.
func withClient(fn func(ctx context.Context, c *rpc.Client) error) error {
	c, err := dial()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return fn(ctx, c)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jsonOutput {
				return printJSON(map[string]string{"version": version})
			}
			fmt.Printf("swarmdrive %s\n", version)
			return nil
		},
	}
}
