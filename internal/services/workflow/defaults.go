package workflow

import (
	"context"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/arca/internal/interfaces"
	"github.com/ternarybob/arca/internal/models"
)

// DefaultWorkflows returns the starter workflows seeded by init. They
// cover the common personal-archive shapes (household invoices,
// receipts, statements) and are plain registry entries afterwards: the
// user can retrain, edit, or delete them like any other workflow.
func DefaultWorkflows() []*models.Workflow {
	return []*models.Workflow{
		{
			Name:        "personal-invoice",
			Description: "Bills and invoices addressed to the household",
			Entity:      "personal",
			Doctype:     "invoice",
			ClassifierHints: []string{
				"invoice", "bill", "amount due", "due date", "account number",
			},
		},
		{
			Name:        "personal-receipt",
			Description: "Purchase receipts and payment confirmations",
			Entity:      "personal",
			Doctype:     "receipt",
			ClassifierHints: []string{
				"receipt", "payment received", "order confirmation", "total paid",
			},
		},
		{
			Name:        "personal-statement",
			Description: "Bank, card, and utility statements",
			Entity:      "personal",
			Doctype:     "statement",
			ClassifierHints: []string{
				"statement", "closing balance", "statement period", "opening balance",
			},
		},
	}
}

// SeedDefaults stores any default workflow not already present and
// returns how many were added. Existing entries are never overwritten,
// so re-running init preserves user edits.
func SeedDefaults(ctx context.Context, storage interfaces.WorkflowStorage, logger arbor.ILogger) (int, error) {
	added := 0
	for _, wf := range DefaultWorkflows() {
		exists, err := storage.Exists(ctx, wf.Name)
		if err != nil {
			return added, err
		}
		if exists {
			continue
		}
		if err := storage.Save(ctx, wf); err != nil {
			return added, err
		}
		logger.Info().Str("workflow", wf.Name).Msg("Seeded default workflow")
		added++
	}
	return added, nil
}
