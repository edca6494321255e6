package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marmos91/canvasd/pkg/banlist"
	banstore "github.com/marmos91/canvasd/pkg/banlist/badger"
	"github.com/marmos91/canvasd/pkg/config"
	"github.com/spf13/cobra"
)

var (
	banReason   string
	banDuration time.Duration
)

var banCmd = &cobra.Command{
	Use:   "ban",
	Short: "Manage the persistent ban store",
	Long: `Manage bans kept in the BadgerDB ban store.

The server consults these bans only when bans.store.type is "badger".
Addresses listed under bans.addresses in the config file always apply.

These commands work while the server is running. The server rereads the
store every bans.store.badger.refresh_interval (default 5s), so changes take
effect without a restart.`,
}

var banAddCmd = &cobra.Command{
	Use:   "add <address|cidr>",
	Short: "Ban an address or network",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix, err := banlist.ParsePrefix(args[0])
		if err != nil {
			return err
		}

		now := time.Now()
		entry := banstore.Entry{Prefix: prefix, Reason: banReason, CreatedAt: now}
		if banDuration > 0 {
			entry.ExpiresAt = now.Add(banDuration)
		}

		return withBanStore(cmd, func(ctx context.Context, store *banstore.Store) error {
			if err := store.Add(ctx, entry); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Banned %s\n", prefix)
			return nil
		})
	},
}

var banRemoveCmd = &cobra.Command{
	Use:     "remove <address|cidr>",
	Aliases: []string{"rm"},
	Short:   "Lift a ban",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix, err := banlist.ParsePrefix(args[0])
		if err != nil {
			return err
		}

		return withBanStore(cmd, func(ctx context.Context, store *banstore.Store) error {
			if err := store.Remove(ctx, prefix); err != nil {
				if errors.Is(err, banstore.ErrNotFound) {
					return fmt.Errorf("%s is not banned", prefix)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed ban on %s\n", prefix)
			return nil
		})
	},
}

var banListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List active bans",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBanStore(cmd, func(ctx context.Context, store *banstore.Store) error {
			entries, err := store.List(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "No bans")
				return nil
			}
			for _, e := range entries {
				expires := "never"
				if !e.ExpiresAt.IsZero() {
					expires = e.ExpiresAt.Format(time.RFC3339)
				}
				fmt.Fprintf(out, "%-20s expires %-25s %s\n", e.Prefix, expires, e.Reason)
			}
			return nil
		})
	},
}

var banPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete expired bans",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBanStore(cmd, func(ctx context.Context, store *banstore.Store) error {
			n, err := store.Prune(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d expired bans\n", n)
			return nil
		})
	},
}

func init() {
	banAddCmd.Flags().StringVar(&banReason, "reason", "", "reason recorded with the ban")
	banAddCmd.Flags().DurationVar(&banDuration, "for", 0, "ban duration (default permanent)")

	banCmd.AddCommand(banAddCmd)
	banCmd.AddCommand(banRemoveCmd)
	banCmd.AddCommand(banListCmd)
	banCmd.AddCommand(banPruneCmd)
}

// withBanStore opens the configured ban store for the duration of fn.
func withBanStore(cmd *cobra.Command, fn func(ctx context.Context, store *banstore.Store) error) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.Bans.Store.Type != "badger" {
		fmt.Fprintf(cmd.ErrOrStderr(),
			"Warning: bans.store.type is %q; the server will not consult this store\n", cfg.Bans.Store.Type)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	store, err := config.OpenBanStore(ctx, &cfg.Bans.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	return fn(ctx, store)
}
