package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ternarybob/arca/internal/app"
)

var (
	indexBase   string
	indexEntity string
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Rebuild the search indexes from archive sidecars",
	Long: `Walks the archive tree and rebuilds the relational and full-text
indexes from the sidecar files. Safe to re-run; indexing is idempotent.`,
	Args: cobra.NoArgs,
	RunE: runIndex,
}

func init() {
	indexCmd.Flags().StringVar(&indexBase, "base", "", "Archive base path override")
	indexCmd.Flags().StringVar(&indexEntity, "entity", "", "Limit the rebuild to one entity")
	rootCmd.AddCommand(indexCmd)
}

func runIndex(cmd *cobra.Command, args []string) error {
	if indexBase != "" {
		// The sqlite indexes live under the base, so storage follows too
		config.Archive.BasePath = indexBase
	}

	application, err := app.New(config, logger)
	if err != nil {
		return err
	}
	defer application.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stats, err := application.Indexer.Rebuild(ctx, indexEntity)
	if err != nil {
		return err
	}

	fmt.Printf("Indexed %d documents, %d streams, %d links (%d skipped, %d errors)\n",
		stats.Documents, stats.Streams, stats.Links, stats.Skipped, stats.Errors)
	return nil
}
