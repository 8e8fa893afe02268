package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/ternarybob/arca/internal/app"
	"github.com/ternarybob/arca/internal/interfaces"
	"github.com/ternarybob/arca/internal/models"
	"github.com/ternarybob/arca/internal/pipeline"
	"github.com/ternarybob/arca/internal/services/sources"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <stdin|files|imap|gmail|slack|gdocs> [DIR]",
	Short: "Fetch items from a source and run them through the pipeline",
	Long: `Fetch items from the named source, classify each against the trained
workflows, and archive the matches. The files source walks a local
directory given as the second argument; the remote sources read their
connection settings from configuration.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runIngest,
}

var (
	ingestDryRun        bool
	ingestTrainOnly     bool
	ingestReplay        bool
	ingestForce         bool
	ingestYes           bool
	ingestWorkflows     []string
	ingestMinConfidence float64
	ingestTrustLLM      float64
	ingestAfter         string
	ingestBefore        string
	ingestMax           int
	ingestQuery         string

	// Gmail extras
	ingestLabel           string
	ingestProcessedLabel  string
	ingestRemoveFromInbox bool
)

func init() {
	f := ingestCmd.Flags()
	f.BoolVar(&ingestDryRun, "dry-run", false, "Classify and report without writing anything")
	f.BoolVar(&ingestTrainOnly, "train-only", false, "Record classifications as training examples, skip archival")
	f.BoolVar(&ingestReplay, "replay", false, "Re-archive items from their recorded decisions without classifying")
	f.BoolVar(&ingestForce, "force", false, "Bypass the duplicate check")
	f.BoolVarP(&ingestYes, "yes", "y", false, "Never prompt; accept classifications and advisor cost")
	f.StringSliceVar(&ingestWorkflows, "workflows", nil, "Restrict archival to these workflows (comma-separated)")
	f.Float64Var(&ingestMinConfidence, "min-confidence", 0, "Skip picks scored below this confidence")
	f.Float64Var(&ingestTrustLLM, "trust-llm", 0, "Advisor trust threshold override (0 = config)")
	f.StringVar(&ingestAfter, "after", "", "Only items dated after this day (YYYY-MM-DD)")
	f.StringVar(&ingestBefore, "before", "", "Only items dated before this day (YYYY-MM-DD)")
	f.IntVar(&ingestMax, "max", 0, "Maximum items to fetch (0 = source default)")
	f.StringVar(&ingestQuery, "query", "", "Upstream search query (gmail, imap)")
	f.StringVar(&ingestLabel, "label", "", "Gmail label to restrict listing to")
	f.StringVar(&ingestProcessedLabel, "processed-label", "", "Gmail label applied after processing")
	f.BoolVar(&ingestRemoveFromInbox, "remove-from-inbox", false, "Archive processed Gmail messages out of the inbox")

	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	fetch, err := buildFetchOptions()
	if err != nil {
		return err
	}

	application, err := app.New(config, logger)
	if err != nil {
		return err
	}
	defer application.Close()

	adapter, err := buildAdapter(cmd, args)
	if err != nil {
		return err
	}
	defer adapter.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := pipeline.Options{
		DryRun:        ingestDryRun,
		TrainOnly:     ingestTrainOnly,
		Replay:        ingestReplay,
		Force:         ingestForce,
		AllowLLM:      !ingestReplay,
		Workflows:     ingestWorkflows,
		MinConfidence: ingestMinConfidence,
		TrustLLM:      ingestTrustLLM,
	}
	if !ingestYes {
		opts.ConfirmCost = confirmCost
		// Only the stdin source is interactive, and only when a
		// terminal is there to prompt on.
		if args[0] == sources.NameStdin && terminalAvailable() {
			opts.ConfirmWorkflow = promptWorkflow
		}
	}

	driver := pipeline.NewDriver(application.Orchestrator, application.Advisor, logger, os.Stdout)
	_, err = driver.Run(ctx, adapter, fetch, opts)
	return err
}

// buildFetchOptions parses the date window and fetch limits.
func buildFetchOptions() (interfaces.FetchOptions, error) {
	fetch := interfaces.FetchOptions{
		Max:   ingestMax,
		Query: ingestQuery,
	}
	if ingestAfter != "" {
		t, err := time.Parse("2006-01-02", ingestAfter)
		if err != nil {
			return fetch, models.Errorf(models.KindInputParse, "cli.ingest", "invalid --after %q: want YYYY-MM-DD", ingestAfter)
		}
		fetch.After = t
	}
	if ingestBefore != "" {
		t, err := time.Parse("2006-01-02", ingestBefore)
		if err != nil {
			return fetch, models.Errorf(models.KindInputParse, "cli.ingest", "invalid --before %q: want YYYY-MM-DD", ingestBefore)
		}
		fetch.Before = t
	}
	return fetch, nil
}

// buildAdapter constructs the selected source. The files source takes
// its directory from the command line; everything else is configured.
func buildAdapter(cmd *cobra.Command, args []string) (interfaces.SourceAdapter, error) {
	name := args[0]

	if name == sources.NameFiles {
		if len(args) < 2 {
			return nil, fmt.Errorf("ingest files requires a directory argument")
		}
		return sources.NewFilesSource(args[1], logger), nil
	}
	if len(args) > 1 {
		return nil, fmt.Errorf("unexpected argument %q for source %s", args[1], name)
	}

	adapter, err := sources.New(name, config, logger)
	if err != nil {
		return nil, err
	}

	if gmail, ok := adapter.(*sources.GmailSource); ok {
		if cmd.Flags().Changed("label") {
			gmail.Label = ingestLabel
		}
		if cmd.Flags().Changed("processed-label") {
			gmail.ProcessedLabel = ingestProcessedLabel
		}
		if cmd.Flags().Changed("remove-from-inbox") {
			gmail.RemoveFromInbox = ingestRemoveFromInbox
		}
	}

	return adapter, nil
}
