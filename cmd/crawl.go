package cmd

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobpost-crawler/internal/crawler"
	"github.com/JakeFAU/jobpost-crawler/internal/server"
)

func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Runs one discovery pass over every source",
		Long: `Queries discovery for each source and job family, fetches every new
detail page and stores the postings it finds. Prints the run summary as JSON.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOnce(cmd, crawler.ModeDiscover)
		},
	}
}

func newRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Re-fetches stale open postings",
		Long: `Re-visits open postings that have not been seen recently, recording new
versions when they change and closing them when they are gone.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOnce(cmd, crawler.ModeRefresh)
		},
	}
}

func runOnce(cmd *cobra.Command, mode crawler.BatchMode) error {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := server.Build(ctx, e.cfg, e.logger)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	defer app.Close(cmd.Context())

	summary, err := app.RunOnce(ctx, mode)
	if err != nil {
		return err
	}
	e.logger.Info("run complete", zap.String("run_id", summary.ID), zap.String("mode", string(mode)))

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}
