package workflow

import (
	"context"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/arca/internal/interfaces"
	"github.com/ternarybob/arca/internal/models"
)

// Registry implements interfaces.WorkflowRegistry over the workflow and
// criteria stores. Validation, normalization, and the registry cap live
// in the storage layer; this layer adds the add/update distinction and
// the referential guard against orphaned training examples.
type Registry struct {
	workflows interfaces.WorkflowStorage
	criteria  interfaces.CriteriaStorage
	logger    arbor.ILogger
}

// Compile-time assertion
var _ interfaces.WorkflowRegistry = (*Registry)(nil)

// NewRegistry creates the workflow registry.
func NewRegistry(workflows interfaces.WorkflowStorage, criteria interfaces.CriteriaStorage, logger arbor.ILogger) *Registry {
	return &Registry{
		workflows: workflows,
		criteria:  criteria,
		logger:    logger,
	}
}

// List returns all workflows sorted by name.
func (r *Registry) List(ctx context.Context) ([]*models.Workflow, error) {
	return r.workflows.GetAll(ctx)
}

// Get returns one workflow by name.
func (r *Registry) Get(ctx context.Context, name string) (*models.Workflow, error) {
	return r.workflows.Get(ctx, name)
}

// Add stores a new workflow, rejecting names already registered.
func (r *Registry) Add(ctx context.Context, workflow *models.Workflow) error {
	if workflow == nil {
		return models.Errorf(models.KindWorkflowConfig, "registry.add", "nil workflow")
	}

	exists, err := r.workflows.Exists(ctx, workflow.Name)
	if err != nil {
		return err
	}
	if exists {
		return models.Errorf(models.KindWorkflowConfig, "registry.add",
			"workflow %q already exists, use update", workflow.Name)
	}

	if err := r.workflows.Save(ctx, workflow); err != nil {
		return err
	}

	r.logger.Info().
		Str("workflow", workflow.Name).
		Str("entity", workflow.Entity).
		Str("doctype", workflow.Doctype).
		Msg("Workflow added")
	return nil
}

// Update replaces an existing workflow.
func (r *Registry) Update(ctx context.Context, workflow *models.Workflow) error {
	if workflow == nil {
		return models.Errorf(models.KindWorkflowConfig, "registry.update", "nil workflow")
	}

	exists, err := r.workflows.Exists(ctx, workflow.Name)
	if err != nil {
		return err
	}
	if !exists {
		return models.Errorf(models.KindWorkflowNotFound, "registry.update",
			"workflow %q not found", workflow.Name)
	}

	if err := r.workflows.Save(ctx, workflow); err != nil {
		return err
	}

	r.logger.Info().Str("workflow", workflow.Name).Msg("Workflow updated")
	return nil
}

// DeleteIfUnreferenced removes the workflow unless training examples
// still reference it.
func (r *Registry) DeleteIfUnreferenced(ctx context.Context, name string) error {
	count, err := r.criteria.CountByWorkflow(ctx, name)
	if err != nil {
		return err
	}
	if count > 0 {
		return models.Errorf(models.KindWorkflowConfig, "registry.delete",
			"workflow %q has %d training examples, purge them first", name, count)
	}

	if err := r.workflows.Delete(ctx, name); err != nil {
		return err
	}

	r.logger.Info().Str("workflow", name).Msg("Workflow deleted")
	return nil
}

// Purge removes the workflow together with its training examples.
func (r *Registry) Purge(ctx context.Context, name string) (int, error) {
	// Resolve the workflow first so purging a typo never deletes examples
	if _, err := r.workflows.Get(ctx, name); err != nil {
		return 0, err
	}

	purged, err := r.criteria.DeleteByWorkflow(ctx, name)
	if err != nil {
		return 0, err
	}

	if err := r.workflows.Delete(ctx, name); err != nil {
		return purged, err
	}

	r.logger.Info().
		Str("workflow", name).
		Int("examples_purged", purged).
		Msg("Workflow purged")
	return purged, nil
}
