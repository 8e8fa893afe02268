package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arca/internal/interfaces"
	"github.com/ternarybob/arca/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// CriteriaStorage implements the CriteriaStorage interface for Badger,
// keyed by email id. The training set is append-mostly; nothing here
// expires instances by age.
type CriteriaStorage struct {
	db      *BadgerDB
	logger  arbor.ILogger
	softCap int
}

// NewCriteriaStorage creates a new CriteriaStorage instance. softCap is
// the advisory training-set size; crossing it logs a warning and keeps
// accepting writes.
func NewCriteriaStorage(db *BadgerDB, logger arbor.ILogger, softCap int) interfaces.CriteriaStorage {
	return &CriteriaStorage{
		db:      db,
		logger:  logger,
		softCap: softCap,
	}
}

// Save upserts a training example keyed by its email id
func (s *CriteriaStorage) Save(ctx context.Context, instance *models.CriteriaInstance) error {
	if instance.EmailID == "" {
		return models.Errorf(models.KindDataIntegrity, "criteria.save", "instance has no email id")
	}
	if instance.Timestamp.IsZero() {
		instance.Timestamp = time.Now().UTC()
	}

	if err := s.db.Store().Upsert(instance.EmailID, instance); err != nil {
		return fmt.Errorf("failed to save criteria instance: %w", err)
	}

	if s.softCap > 0 {
		if count, err := s.Count(ctx); err == nil && count == s.softCap {
			s.logger.Warn().
				Int("count", count).
				Msg("Training set reached its soft cap, similarity scans will slow down from here")
		}
	}
	return nil
}

// Get returns the instance for an email id, nil when absent
func (s *CriteriaStorage) Get(ctx context.Context, emailID string) (*models.CriteriaInstance, error) {
	var instance models.CriteriaInstance
	err := s.db.Store().Get(emailID, &instance)
	if err == badgerhold.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get criteria instance: %w", err)
	}
	return &instance, nil
}

// GetByWorkflow returns every instance labelled with the workflow name
func (s *CriteriaStorage) GetByWorkflow(ctx context.Context, workflowName string) ([]models.CriteriaInstance, error) {
	var instances []models.CriteriaInstance
	err := s.db.Store().Find(&instances, badgerhold.Where("WorkflowName").Eq(workflowName))
	if err != nil {
		return nil, fmt.Errorf("failed to find criteria by workflow: %w", err)
	}
	return instances, nil
}

// GetAll returns the whole training set
func (s *CriteriaStorage) GetAll(ctx context.Context) ([]models.CriteriaInstance, error) {
	var instances []models.CriteriaInstance
	if err := s.db.Store().Find(&instances, nil); err != nil {
		return nil, fmt.Errorf("failed to list criteria instances: %w", err)
	}
	return instances, nil
}

// Count returns the total number of training examples
func (s *CriteriaStorage) Count(ctx context.Context) (int, error) {
	count, err := s.db.Store().Count(&models.CriteriaInstance{}, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to count criteria instances: %w", err)
	}
	return count, nil
}

// CountByWorkflow returns the number of examples for one workflow
func (s *CriteriaStorage) CountByWorkflow(ctx context.Context, workflowName string) (int, error) {
	count, err := s.db.Store().Count(&models.CriteriaInstance{}, badgerhold.Where("WorkflowName").Eq(workflowName))
	if err != nil {
		return 0, fmt.Errorf("failed to count criteria by workflow: %w", err)
	}
	return count, nil
}

// DeleteByWorkflow removes every instance for a workflow and returns
// how many went. Only the registry's purge path calls this.
func (s *CriteriaStorage) DeleteByWorkflow(ctx context.Context, workflowName string) (int, error) {
	count, err := s.CountByWorkflow(ctx, workflowName)
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, nil
	}

	if err := s.db.Store().DeleteMatching(&models.CriteriaInstance{}, badgerhold.Where("WorkflowName").Eq(workflowName)); err != nil {
		return 0, fmt.Errorf("failed to delete criteria for workflow: %w", err)
	}

	s.logger.Info().
		Str("workflow", workflowName).
		Int("count", count).
		Msg("Purged training examples")
	return count, nil
}
