package interfaces

import (
	"context"

	"github.com/ternarybob/arca/internal/models"
)

// WorkflowRegistry is the policy layer over workflow persistence. It
// distinguishes add from update and protects workflows that still have
// training examples referencing them.
type WorkflowRegistry interface {
	// List returns all workflows sorted by name.
	List(ctx context.Context) ([]*models.Workflow, error)

	// Get returns one workflow by name.
	Get(ctx context.Context, name string) (*models.Workflow, error)

	// Add stores a new workflow. Adding an existing name fails.
	Add(ctx context.Context, workflow *models.Workflow) error

	// Update replaces an existing workflow. Updating a missing name fails.
	Update(ctx context.Context, workflow *models.Workflow) error

	// DeleteIfUnreferenced removes the workflow unless training examples
	// still reference it.
	DeleteIfUnreferenced(ctx context.Context, name string) error

	// Purge removes the workflow together with its training examples and
	// returns the number of examples deleted.
	Purge(ctx context.Context, name string) (int, error)
}
