package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ternarybob/arca/internal/app"
	"github.com/ternarybob/arca/internal/interfaces"
	"github.com/ternarybob/arca/internal/models"
)

var (
	exportEntity string
	exportAfter  string
	exportBefore string
)

var exportCmd = &cobra.Command{
	Use:   "export expenses|xero OUT.csv",
	Short: "Export expense data from archived sidecars to CSV",
	Long: `Derives a CSV from the structured data recorded in sidecars.
"expenses" writes the generic expense table, "xero" the Xero
bill-import variant. Exports read the archive only; re-running over an
unchanged archive writes identical bytes.`,
	Args: cobra.ExactArgs(2),
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVar(&exportEntity, "entity", "", "Limit the export to one entity")
	exportCmd.Flags().StringVar(&exportAfter, "after", "", "Include expenses dated on or after YYYY-MM-DD")
	exportCmd.Flags().StringVar(&exportBefore, "before", "", "Include expenses dated on or before YYYY-MM-DD")
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	format, outPath := args[0], args[1]

	for _, flag := range []struct{ name, value string }{
		{"--after", exportAfter},
		{"--before", exportBefore},
	} {
		if flag.value == "" {
			continue
		}
		if _, err := time.Parse("2006-01-02", flag.value); err != nil {
			return models.Errorf(models.KindInputParse, "cli.export", "invalid %s date %q: want YYYY-MM-DD", flag.name, flag.value)
		}
	}

	application, err := app.New(config, logger)
	if err != nil {
		return err
	}
	defer application.Close()

	out, err := os.Create(outPath)
	if err != nil {
		return models.E(models.KindIO, "cli.export", err)
	}

	opts := interfaces.ExportOptions{
		Entity: exportEntity,
		After:  exportAfter,
		Before: exportBefore,
	}

	var stats *interfaces.ExportStats
	switch format {
	case "expenses":
		stats, err = application.Exporter.ExportExpenses(cmd.Context(), out, opts)
	case "xero":
		stats, err = application.Exporter.ExportXero(cmd.Context(), out, opts)
	default:
		out.Close()
		os.Remove(outPath)
		return models.Errorf(models.KindInputParse, "cli.export", "unknown export format %q: want expenses or xero", format)
	}
	if err != nil {
		out.Close()
		os.Remove(outPath)
		return err
	}
	if err := out.Close(); err != nil {
		return models.E(models.KindIO, "cli.export", err)
	}

	fmt.Printf("Wrote %d row(s) to %s (%d document(s) without expense data skipped)\n",
		stats.Rows, outPath, stats.Skipped)
	return nil
}
