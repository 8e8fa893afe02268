package main

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/ternarybob/arca/internal/interfaces"
	"github.com/ternarybob/arca/internal/models"
	"github.com/ternarybob/arca/internal/services/workflow"
	"github.com/ternarybob/arca/internal/storage"
)

var (
	workflowsUpdate bool
	workflowsPurge  bool
)

var workflowsCmd = &cobra.Command{
	Use:   "workflows",
	Short: "Manage archival workflows",
}

var workflowsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered workflows",
	Args:  cobra.NoArgs,
	RunE:  runWorkflowsList,
}

var workflowsAddCmd = &cobra.Command{
	Use:   "add FILE.toml",
	Short: "Add a workflow from a TOML definition",
	Long: `Reads a workflow definition from a TOML file and registers it.
Adding a name that already exists fails unless --update is given.

Example definition:

    name = "acme-invoice"
    description = "Invoices from ACME Corp"
    entity = "acme"
    doctype = "invoice"
    classifier_hints = ["invoice", "acme"]`,
	Args: cobra.ExactArgs(1),
	RunE: runWorkflowsAdd,
}

var workflowsDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete a workflow",
	Long: `Removes a workflow from the registry. A workflow that still has
training examples is protected; --purge deletes the examples with it.
Archived documents are never touched.`,
	Args: cobra.ExactArgs(1),
	RunE: runWorkflowsDelete,
}

func init() {
	workflowsAddCmd.Flags().BoolVar(&workflowsUpdate, "update", false, "Replace the workflow if it already exists")
	workflowsDeleteCmd.Flags().BoolVar(&workflowsPurge, "purge", false, "Also delete the workflow's training examples")
	workflowsCmd.AddCommand(workflowsListCmd, workflowsAddCmd, workflowsDeleteCmd)
	rootCmd.AddCommand(workflowsCmd)
}

// openRegistry wires just enough for workflow management; the full
// pipeline is not needed here.
func openRegistry() (interfaces.WorkflowRegistry, interfaces.StorageManager, error) {
	storageManager, err := storage.NewStorageManager(logger, config)
	if err != nil {
		return nil, nil, err
	}
	registry := workflow.NewRegistry(storageManager.WorkflowStorage(), storageManager.CriteriaStorage(), logger)
	return registry, storageManager, nil
}

func runWorkflowsList(cmd *cobra.Command, args []string) error {
	registry, storageManager, err := openRegistry()
	if err != nil {
		return err
	}
	defer storageManager.Close()

	workflows, err := registry.List(cmd.Context())
	if err != nil {
		return err
	}
	if len(workflows) == 0 {
		fmt.Println("No workflows registered. Run: arca init")
		return nil
	}

	for _, wf := range workflows {
		target := wf.Handling.Archive.Target
		if target == "" {
			target = models.ArchiveTargetDocs
		}
		fmt.Printf("%-24s %-20s %-8s %s\n",
			wf.Name, wf.Entity+"/"+wf.Doctype, target, wf.Description)
	}
	fmt.Printf("\n%d workflow(s)\n", len(workflows))
	return nil
}

func runWorkflowsAdd(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return models.E(models.KindIO, "cli.workflows", err)
	}

	var wf models.Workflow
	if err := toml.Unmarshal(data, &wf); err != nil {
		return models.Errorf(models.KindInputParse, "cli.workflows", "failed to parse %s: %v", args[0], err)
	}

	registry, storageManager, err := openRegistry()
	if err != nil {
		return err
	}
	defer storageManager.Close()

	if workflowsUpdate {
		if err := registry.Update(cmd.Context(), &wf); err != nil {
			return err
		}
		fmt.Printf("Updated workflow %s (%s/%s)\n", wf.Name, wf.Entity, wf.Doctype)
		return nil
	}
	if err := registry.Add(cmd.Context(), &wf); err != nil {
		return err
	}
	fmt.Printf("Added workflow %s (%s/%s)\n", wf.Name, wf.Entity, wf.Doctype)
	return nil
}

func runWorkflowsDelete(cmd *cobra.Command, args []string) error {
	registry, storageManager, err := openRegistry()
	if err != nil {
		return err
	}
	defer storageManager.Close()

	name := args[0]
	if workflowsPurge {
		removed, err := registry.Purge(cmd.Context(), name)
		if err != nil {
			return err
		}
		fmt.Printf("Deleted workflow %s and %d training example(s)\n", name, removed)
		return nil
	}
	if err := registry.DeleteIfUnreferenced(cmd.Context(), name); err != nil {
		return err
	}
	fmt.Printf("Deleted workflow %s\n", name)
	return nil
}
