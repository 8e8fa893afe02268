package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ternarybob/arca/internal/app"
	"github.com/ternarybob/arca/internal/common"
	"github.com/ternarybob/arca/internal/interfaces"
	"github.com/ternarybob/arca/internal/models"
	"github.com/ternarybob/arca/internal/pipeline"
	"github.com/ternarybob/arca/internal/services/sources"
	"github.com/ternarybob/arca/internal/services/watch"
)

var (
	watchNow    bool
	watchDryRun bool
	watchMax    int
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Poll configured remote sources on a schedule",
	Long: `Runs ingest sweeps over every configured remote source (IMAP, Gmail,
Slack, Google Docs) on the sources.watch_schedule cron expression.
Sweeps are non-interactive: advisor cost is approved automatically and
classification follows the configured thresholds. Runs until
interrupted.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().BoolVar(&watchNow, "now", false, "Sweep every source once immediately on startup")
	watchCmd.Flags().BoolVar(&watchDryRun, "dry-run", false, "Classify only; archive nothing")
	watchCmd.Flags().IntVar(&watchMax, "max", 0, "Maximum items per source per sweep (0 = source default)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	common.PrintBanner(common.GetVersion())

	adapters := sources.ConfiguredRemotes(config, logger)
	if len(adapters) == 0 {
		return models.Errorf(models.KindWorkflowConfig, "cli.watch",
			"no remote sources configured (sources.imap, sources.gmail, sources.slack, sources.gdocs)")
	}
	defer func() {
		for _, adapter := range adapters {
			adapter.Close()
		}
	}()

	application, err := app.New(config, logger)
	if err != nil {
		return err
	}
	defer application.Close()

	opts := pipeline.Options{
		DryRun:   watchDryRun,
		AllowLLM: true,
	}
	run := func(ctx context.Context, source interfaces.SourceAdapter, fetch interfaces.FetchOptions) (*models.BatchSummary, error) {
		if watchMax > 0 {
			fetch.Max = watchMax
		}
		driver := pipeline.NewDriver(application.Orchestrator, application.Advisor, logger, os.Stdout)
		return driver.Run(ctx, source, fetch, opts)
	}

	service := watch.NewService(config, application.StorageManager.KeyValueStorage(), run, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := service.Start(ctx, adapters); err != nil {
		return err
	}

	schedule := config.Sources.WatchSchedule
	if schedule == "" {
		schedule = watch.DefaultSchedule
	}
	fmt.Printf("Watching %d source(s) on schedule %q; Ctrl-C to stop\n", len(adapters), schedule)

	if watchNow {
		service.SweepAll(ctx)
	}

	<-ctx.Done()
	fmt.Println("\nStopping...")
	service.Stop()
	return nil
}
