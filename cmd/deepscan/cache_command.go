package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"deepscan/internal/resultcache"
)

func newCacheCommand(ctx *commandContext) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the verdict cache",
	}
	cacheCmd.AddCommand(newCacheStatsCommand(ctx))
	cacheCmd.AddCommand(newCacheClearCommand(ctx))
	return cacheCmd
}

func newCacheStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show the cache location and size",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withCache(func(store *resultcache.Store) error {
				count, err := store.Count(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Path: %s\n", store.Path())
				fmt.Fprintf(out, "Verdicts: %d\n", count)
				return nil
			})
		},
	}
}

func newCacheClearCommand(ctx *commandContext) *cobra.Command {
	var hash string

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove cached verdicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := ctx.withCache(func(store *resultcache.Store) error {
				removed, err := store.Clear(cmd.Context(), strings.TrimSpace(hash))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d cached verdict(s)\n", removed)
				return nil
			})
			if errors.Is(err, resultcache.ErrSchemaMismatch) && strings.TrimSpace(hash) == "" {
				return rebuildCache(cmd, ctx)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&hash, "hash", "", "Only remove verdicts for this video SHA-256")
	return cmd
}

// rebuildCache deletes a cache database written by another schema version.
func rebuildCache(cmd *cobra.Command, ctx *commandContext) error {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return err
	}
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(cfg.Cache.Path + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", cfg.Cache.Path+suffix, err)
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed outdated cache database %s\n", cfg.Cache.Path)
	return nil
}
