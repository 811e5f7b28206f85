package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/designscan/internal/gateway"
	"github.com/sells-group/designscan/internal/store"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the persisted AI response cache",
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete expired cache entries from the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := st.DeleteExpiredCache(ctx, time.Now())
		if err != nil {
			return eris.Wrap(err, "cache: prune")
		}
		zap.L().Info("cache pruned", zap.Int("deleted", n))
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s expired entries\n", humanize.Comma(int64(n))) //nolint:errcheck
		return nil
	},
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count live cache entries in the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		gw := gateway.New(gateway.ConfigFrom(cfg.Gateway))
		n, err := gw.Restore(ctx, st)
		if err != nil {
			return eris.Wrap(err, "cache: restore")
		}
		dlq, err := st.CountDLQ(ctx)
		if err != nil {
			return eris.Wrap(err, "cache: count dlq")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s live cache entries, %s dead letters\n", //nolint:errcheck
			humanize.Comma(int64(n)), humanize.Comma(int64(dlq)))
		return nil
	},
}

// openStore opens the configured store and fails when none is configured.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	if st == nil {
		return nil, eris.New("no store configured: set store.driver to sqlite or postgres")
	}
	return st, nil
}

func init() {
	cacheCmd.AddCommand(cachePruneCmd, cacheStatsCmd)
	rootCmd.AddCommand(cacheCmd)
}
