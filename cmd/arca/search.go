package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ternarybob/arca/internal/app"
	"github.com/ternarybob/arca/internal/models"
)

var (
	searchEntity   string
	searchSource   string
	searchWorkflow string
	searchCategory string
	searchLimit    int
)

var searchCmd = &cobra.Command{
	Use:   "search [QUERY]",
	Short: "Search the archive indexes",
	Long: `Full-text search over archived documents and streams. Without a
query, lists the newest entries matching the filters.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().StringVar(&searchEntity, "entity", "", "Filter by entity")
	searchCmd.Flags().StringVar(&searchSource, "source", "", "Filter by source (mail, slack, gdocs, localdocs)")
	searchCmd.Flags().StringVar(&searchWorkflow, "workflow", "", "Filter by workflow")
	searchCmd.Flags().StringVar(&searchCategory, "category", "", "Filter by category")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 20, "Maximum results")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	application, err := app.New(config, logger)
	if err != nil {
		return err
	}
	defer application.Close()

	opts := models.SearchOptions{
		Entity:   searchEntity,
		Source:   searchSource,
		Workflow: searchWorkflow,
		Category: searchCategory,
		Limit:    searchLimit,
	}
	if len(args) == 1 {
		opts.Query = args[0]
	}

	hits, err := application.Indexer.Search(cmd.Context(), opts)
	if err != nil {
		return err
	}
	if len(hits) == 0 {
		fmt.Println("No results.")
		return nil
	}

	for _, hit := range hits {
		doc := hit.Document
		line := fmt.Sprintf("%s  %s/%s", doc.Date.Format("2006-01-02"), doc.Entity, doc.Filename)
		if doc.Workflow != "" {
			line += "  [" + doc.Workflow + "]"
		}
		fmt.Println(line)
		fmt.Printf("    %s\n", doc.RelPath)
		if hit.Snippet != "" {
			fmt.Printf("    %s\n", hit.Snippet)
		}
	}
	fmt.Printf("\n%d result(s)\n", len(hits))
	return nil
}
