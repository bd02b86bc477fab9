package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/giantswarm/pod-oauth/instrumentation"
	"github.com/giantswarm/pod-oauth/replay"
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete expired replay records and tokens once",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := newLogger(os.Stderr, cfg.Log)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		repos, err := openStorage(ctx, cfg, logger, instrumentation.NewDisabled())
		if err != nil {
			return err
		}
		defer func() { _ = repos.Close() }()

		detector, err := replay.NewDetector(repos.ReplayRecords(), replay.WithLogger(logger))
		if err != nil {
			return err
		}
		records, err := detector.Prune(ctx, cfg.TTL.DPoPProofWindow.Duration)
		if err != nil {
			return err
		}
		tokens, err := repos.PruneExpired(ctx, time.Now())
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "pruned %d replay records and %d tokens\n", records, tokens)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pruneCmd)
}
