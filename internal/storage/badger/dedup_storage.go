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

// DedupStorage implements the DedupStorage interface for Badger. Records
// are keyed by content hash; message_id is a secondary lookup.
type DedupStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewDedupStorage creates a new DedupStorage instance
func NewDedupStorage(db *BadgerDB, logger arbor.ILogger) interfaces.DedupStorage {
	return &DedupStorage{
		db:     db,
		logger: logger,
	}
}

// IsProcessed reports whether a record exists for the content hash
func (s *DedupStorage) IsProcessed(ctx context.Context, contentHash string) (bool, error) {
	var record models.DedupRecord
	err := s.db.Store().Get(contentHash, &record)
	if err == badgerhold.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check processed state: %w", err)
	}
	return true, nil
}

// GetByHash returns the record for a content hash, nil when absent
func (s *DedupStorage) GetByHash(ctx context.Context, contentHash string) (*models.DedupRecord, error) {
	var record models.DedupRecord
	err := s.db.Store().Get(contentHash, &record)
	if err == badgerhold.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dedup record: %w", err)
	}
	return &record, nil
}

// GetByMessageID returns the first record carrying the message id, nil
// when absent
func (s *DedupStorage) GetByMessageID(ctx context.Context, messageID string) (*models.DedupRecord, error) {
	if messageID == "" {
		return nil, nil
	}
	var records []models.DedupRecord
	err := s.db.Store().Find(&records, badgerhold.Where("MessageID").Eq(messageID))
	if err != nil {
		return nil, fmt.Errorf("failed to find dedup record by message id: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

// Mark records a processed item. Re-marking with the same workflow is
// idempotent; a different workflow for the same hash is rejected so a
// hash never flips silently between workflows.
func (s *DedupStorage) Mark(ctx context.Context, record *models.DedupRecord) error {
	if record.ContentHash == "" {
		return models.Errorf(models.KindDataIntegrity, "dedup.mark", "record has no content hash")
	}
	if record.ProcessedAt.IsZero() {
		record.ProcessedAt = time.Now().UTC()
	}

	existing, err := s.GetByHash(ctx, record.ContentHash)
	if err != nil {
		return err
	}
	if existing != nil && existing.WorkflowName != record.WorkflowName {
		return models.Errorf(models.KindDataIntegrity, "dedup.mark",
			"hash %s already marked for workflow %q, refusing %q",
			record.ContentHash, existing.WorkflowName, record.WorkflowName)
	}

	if err := s.db.Store().Upsert(record.ContentHash, record); err != nil {
		return fmt.Errorf("failed to mark processed: %w", err)
	}
	return nil
}

// Unmark removes the record for a content hash. Missing records are not
// an error so replay can clear speculatively.
func (s *DedupStorage) Unmark(ctx context.Context, contentHash string) error {
	err := s.db.Store().Delete(contentHash, &models.DedupRecord{})
	if err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("failed to unmark: %w", err)
	}
	return nil
}

// Count returns the number of dedup records
func (s *DedupStorage) Count(ctx context.Context) (int, error) {
	count, err := s.db.Store().Count(&models.DedupRecord{}, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to count dedup records: %w", err)
	}
	return count, nil
}

// List returns records ordered by processed_at DESC, newest first
func (s *DedupStorage) List(ctx context.Context, limit int) ([]models.DedupRecord, error) {
	query := badgerhold.Where("ContentHash").Ne("").SortBy("ProcessedAt").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}

	var records []models.DedupRecord
	if err := s.db.Store().Find(&records, query); err != nil {
		return nil, fmt.Errorf("failed to list dedup records: %w", err)
	}
	return records, nil
}
