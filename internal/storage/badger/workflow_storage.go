package badger

import (
	"context"
	"fmt"
	"sort"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arca/internal/interfaces"
	"github.com/ternarybob/arca/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// WorkflowStorage implements the WorkflowStorage interface for Badger,
// keyed by workflow name.
type WorkflowStorage struct {
	db           *BadgerDB
	logger       arbor.ILogger
	maxWorkflows int
}

// NewWorkflowStorage creates a new WorkflowStorage instance. A
// non-positive cap falls back to models.MaxWorkflows.
func NewWorkflowStorage(db *BadgerDB, logger arbor.ILogger, maxWorkflows int) interfaces.WorkflowStorage {
	if maxWorkflows <= 0 {
		maxWorkflows = models.MaxWorkflows
	}
	return &WorkflowStorage{
		db:           db,
		logger:       logger,
		maxWorkflows: maxWorkflows,
	}
}

// Save normalizes, validates and upserts a workflow. New names are
// rejected once the registry cap is reached; updates always go through.
func (s *WorkflowStorage) Save(ctx context.Context, workflow *models.Workflow) error {
	workflow.Normalize()
	if err := workflow.Validate(); err != nil {
		return err
	}

	exists, err := s.Exists(ctx, workflow.Name)
	if err != nil {
		return err
	}
	if !exists {
		count, err := s.Count(ctx)
		if err != nil {
			return err
		}
		if count >= s.maxWorkflows {
			return models.Errorf(models.KindWorkflowConfig, "workflow.save",
				"registry is full (%d workflows), delete one before adding %q", s.maxWorkflows, workflow.Name)
		}
	}

	if err := s.db.Store().Upsert(workflow.Name, workflow); err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}
	return nil
}

// Get returns the named workflow
func (s *WorkflowStorage) Get(ctx context.Context, name string) (*models.Workflow, error) {
	var workflow models.Workflow
	err := s.db.Store().Get(name, &workflow)
	if err == badgerhold.ErrNotFound {
		return nil, models.Errorf(models.KindWorkflowNotFound, "workflow.get", "workflow %q not found", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	return &workflow, nil
}

// GetAll returns every valid workflow sorted by name. Entries that no
// longer validate are logged and skipped rather than failing the load.
func (s *WorkflowStorage) GetAll(ctx context.Context) ([]*models.Workflow, error) {
	var workflows []models.Workflow
	if err := s.db.Store().Find(&workflows, nil); err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}

	result := make([]*models.Workflow, 0, len(workflows))
	for i := range workflows {
		if err := workflows[i].Validate(); err != nil {
			s.logger.Warn().
				Err(err).
				Str("workflow", workflows[i].Name).
				Msg("Skipping invalid workflow entry")
			continue
		}
		result = append(result, &workflows[i])
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// Delete removes the named workflow. Referential checks against the
// training set belong to the registry service, not here.
func (s *WorkflowStorage) Delete(ctx context.Context, name string) error {
	err := s.db.Store().Delete(name, &models.Workflow{})
	if err == badgerhold.ErrNotFound {
		return models.Errorf(models.KindWorkflowNotFound, "workflow.delete", "workflow %q not found", name)
	}
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}
	return nil
}

// Count returns the number of stored workflows
func (s *WorkflowStorage) Count(ctx context.Context) (int, error) {
	count, err := s.db.Store().Count(&models.Workflow{}, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to count workflows: %w", err)
	}
	return count, nil
}

// Exists reports whether the named workflow is stored
func (s *WorkflowStorage) Exists(ctx context.Context, name string) (bool, error) {
	var workflow models.Workflow
	err := s.db.Store().Get(name, &workflow)
	if err == badgerhold.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check workflow existence: %w", err)
	}
	return true, nil
}
