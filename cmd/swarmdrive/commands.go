package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"swarmdrive/pkg/registry"
	"swarmdrive/pkg/rpc"
	"swarmdrive/pkg/types"
	"swarmdrive/pkg/utils"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show FUSE availability and the root mount",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *rpc.Client) error {
				st, err := c.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get status: %w", err)
				}
				if jsonOutput {
					return printJSON(st)
				}

				available, availableStyle := yesNo(st.Available)
				configured, configuredStyle := yesNo(st.Configured)
				mounted, mountedStyle := yesNo(st.Mounted)
				fields := []field{
					{"FUSE available", available, availableStyle},
					{"FUSE configured", configured, configuredStyle},
					{"Mounted", mounted, mountedStyle},
				}
				if st.Setup != "" {
					fields = append(fields, field{"Setup", st.Setup, dangerValueStyle})
				}
				if st.Mounted {
					fields = append(fields,
						field{"Mountpoint", st.Mountpoint, valueStyle},
						field{"Root key", st.Key, valueStyle},
					)
				}
				fmt.Println(createPanel("Daemon Status", "●", renderFields(fields), 0))
				return nil
			})
		},
	}
}

// keyOptions turns --key and --version into drive options.
func keyOptions(key string, version uint64) (registry.GetOptions, error) {
	var opts registry.GetOptions
	if key == "" {
		if version != 0 {
			return opts, fmt.Errorf("%w: --version needs --key", types.ErrConfiguration)
		}
		return opts, nil
	}
	k, err := types.ParseKey(key)
	if err != nil {
		return opts, err
	}
	opts.Key = &k
	opts.Version = version
	return opts, nil
}

func absPath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", p, err)
	}
	return abs, nil
}

func mountCmd() *cobra.Command {
	var (
		key     string
		version uint64
	)

	cmd := &cobra.Command{
		Use:   "mount <path>",
		Short: "Mount a drive",
		Long: `Mount the root drive at <path>, or, when <path> is inside the active
root mount, mount a drive there. Without --key a new drive is created.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := keyOptions(key, version)
			if err != nil {
				return err
			}
			p, err := absPath(args[0])
			if err != nil {
				return err
			}
			return withClient(func(ctx context.Context, c *rpc.Client) error {
				info, err := c.Mount(ctx, p, opts)
				if err != nil {
					return fmt.Errorf("failed to mount %s: %w", p, err)
				}
				return printMount(info.Mountpoint, info.Path, info.Key, info.Version, info.Writable)
			})
		},
	}

	cmd.Flags().StringVar(&key, "key", "", "key of the drive to mount")
	cmd.Flags().Uint64Var(&version, "version", 0, "pin the drive to a version (needs --key)")

	return cmd
}

func createCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <path>",
		Short: "Create a new drive at a path inside the root mount",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := absPath(args[0])
			if err != nil {
				return err
			}
			return withClient(func(ctx context.Context, c *rpc.Client) error {
				st, err := c.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get status: %w", err)
				}
				if !st.Mounted {
					return fmt.Errorf("%w: mount a root drive first", types.ErrNotMounted)
				}
				info, err := c.Mount(ctx, p, registry.GetOptions{})
				if err != nil {
					return fmt.Errorf("failed to create drive at %s: %w", p, err)
				}
				return printMount(info.Mountpoint, info.Path, info.Key, info.Version, info.Writable)
			})
		},
	}
}

func printMount(mountpoint, path, key string, version uint64, writable bool) error {
	if jsonOutput {
		return printJSON(map[string]any{
			"mountpoint": mountpoint,
			"path":       path,
			"key":        key,
			"version":    version,
			"writable":   writable,
		})
	}
	fields := []field{{"Mountpoint", mountpoint, valueStyle}}
	if path != "" {
		fields = append(fields, field{"Path", path, valueStyle})
	}
	w, wStyle := yesNo(writable)
	fields = append(fields,
		field{"Key", key, accentValueStyle},
		field{"Version", fmt.Sprint(version), valueStyle},
		field{"Writable", w, wStyle},
	)
	fmt.Println(createPanel("Mounted", "▲", renderFields(fields), 0))
	return nil
}

func unmountCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unmount [path]",
		Short: "Unmount the root drive or a drive inside it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p string
			if len(args) == 1 {
				var err error
				if p, err = absPath(args[0]); err != nil {
					return err
				}
			}
			return withClient(func(ctx context.Context, c *rpc.Client) error {
				if err := c.Unmount(ctx, p); err != nil {
					return fmt.Errorf("failed to unmount: %w", err)
				}
				if jsonOutput {
					return printJSON(map[string]string{"unmounted": p})
				}
				fmt.Println(accentValueStyle.Render("Unmounted"), p)
				return nil
			})
		},
	}
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info [path]",
		Short: "Show which drive serves a path",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := "."
			if len(args) == 1 {
				target = args[0]
			}
			p, err := absPath(target)
			if err != nil {
				return err
			}
			return withClient(func(ctx context.Context, c *rpc.Client) error {
				info, err := c.Info(ctx, p)
				if err != nil {
					return fmt.Errorf("failed to get info for %s: %w", p, err)
				}
				if jsonOutput {
					return printJSON(info)
				}
				w, wStyle := yesNo(info.Writable)
				fmt.Println(createPanel("Path Info", "◆", renderFields([]field{
					{"Key", info.Key, accentValueStyle},
					{"Path in drive", info.Path, valueStyle},
					{"Mountpoint", info.Mountpoint, valueStyle},
					{"Writable", w, wStyle},
				}), 0))
				return nil
			})
		},
	}
}

// discoveryKeyFor resolves a --key flag or a path inside the mount to a
// discovery key.
func discoveryKeyFor(ctx context.Context, c *rpc.Client, key string, args []string) (types.DiscoveryKey, error) {
	if key == "" {
		target := "."
		if len(args) == 1 {
			target = args[0]
		}
		p, err := absPath(target)
		if err != nil {
			return types.DiscoveryKey{}, err
		}
		info, err := c.Info(ctx, p)
		if err != nil {
			return types.DiscoveryKey{}, fmt.Errorf("failed to get info for %s: %w", p, err)
		}
		key = info.Key
	}
	k, err := types.ParseKey(key)
	if err != nil {
		return types.DiscoveryKey{}, err
	}
	return types.DiscoveryKeyOf(k), nil
}

func seedingCmd(use, short string, seed bool) *cobra.Command {
	var key string

	cmd := &cobra.Command{
		Use:   use + " [path]",
		Short: short,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *rpc.Client) error {
				dk, err := discoveryKeyFor(ctx, c, key, args)
				if err != nil {
					return err
				}
				res, err := c.ConfigureNetwork(ctx, &rpc.ConfigureNetworkRequest{
					DiscoveryKey: dk.String(),
					Lookup:       seed,
					Announce:     seed,
					Remember:     true,
				})
				if err != nil {
					return fmt.Errorf("failed to configure network: %w", err)
				}
				if jsonOutput {
					return printJSON(res)
				}
				lookup, lookupStyle := yesNo(res.Lookup)
				announce, announceStyle := yesNo(res.Announce)
				changed, changedStyle := yesNo(res.Changed)
				fmt.Println(createPanel("Network", "◎", renderFields([]field{
					{"Discovery key", dk.String(), valueStyle},
					{"Lookup", lookup, lookupStyle},
					{"Announce", announce, announceStyle},
					{"Changed", changed, changedStyle},
				}), 0))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&key, "key", "", "drive key instead of a path")
	return cmd
}

func seedCmd() *cobra.Command {
	return seedingCmd("seed", "Announce a drive on the swarm and remember it", true)
}

func unseedCmd() *cobra.Command {
	return seedingCmd("unseed", "Leave the swarm of a drive and remember it", false)
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show replication counters of every open drive",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *rpc.Client) error {
				stats, err := c.AllStats(ctx)
				if err != nil {
					return fmt.Errorf("failed to get stats: %w", err)
				}
				if jsonOutput {
					return printJSON(stats)
				}
				if len(stats) == 0 {
					printEmpty("open drives")
					return nil
				}

				t := newTable("DRIVE", "MOUNT", "KEY", "PEERS", "UPLOADED", "DOWNLOADED")
				for _, d := range stats {
					for _, m := range d.Mounts {
						up := m.Metadata.UploadedBytes + m.Content.UploadedBytes
						down := m.Metadata.DownloadedBytes + m.Content.DownloadedBytes
						t.Row(
							shortKey(d.Identity),
							m.Path,
							shortKey(m.Key),
							fmt.Sprint(max(m.Metadata.Peers, m.Content.Peers)),
							utils.FormatDataSize(up),
							utils.FormatDataSize(down),
						)
					}
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
}

func networkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "network [discovery-key]",
		Short: "Show stored network configurations",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *rpc.Client) error {
				var entries []rpc.NetworkEntry
				if len(args) == 1 {
					entry, found, err := c.NetworkConfiguration(ctx, args[0])
					if err != nil {
						return fmt.Errorf("failed to get network configuration: %w", err)
					}
					if found {
						entries = append(entries, entry)
					}
				} else {
					all, err := c.AllNetworkConfigurations(ctx)
					if err != nil {
						return fmt.Errorf("failed to list network configurations: %w", err)
					}
					entries = all
				}

				if jsonOutput {
					return printJSON(entries)
				}
				if len(entries) == 0 {
					printEmpty("network configurations")
					return nil
				}

				t := newTable("DISCOVERY KEY", "LOOKUP", "ANNOUNCE", "DURABLE")
				for _, e := range entries {
					t.Row(shortKey(e.DiscoveryKey), check(e.Lookup), check(e.Announce), check(e.Durable))
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
}

func drivesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drives",
		Short: "List every drive the daemon has opened",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *rpc.Client) error {
				drives, err := c.ListDrives(ctx)
				if err != nil {
					return fmt.Errorf("failed to list drives: %w", err)
				}
				if jsonOutput {
					return printJSON(drives)
				}
				if len(drives) == 0 {
					printEmpty("drives")
					return nil
				}

				t := newTable("IDENTITY", "WRITABLE", "ROOT", "OPENED")
				for _, d := range drives {
					t.Row(shortKey(d.Identity), check(d.Writable), check(d.Options.Root),
						d.OpenedAt.Local().Format(time.DateTime))
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
}

func check(v bool) string {
	if v {
		return lipgloss.NewStyle().Foreground(accentColor).Render("✓")
	}
	return mutedStyle.Render("-")
}
