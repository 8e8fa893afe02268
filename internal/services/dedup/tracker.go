package dedup

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/arca/internal/interfaces"
	"github.com/ternarybob/arca/internal/models"
	"github.com/ternarybob/arca/internal/services/archive"
)

// Tracker implements interfaces.DedupTracker over the persistent dedup
// store. The message id path avoids rehashing large payloads on
// redelivery; the content hash remains the authoritative key.
type Tracker struct {
	storage interfaces.DedupStorage
	logger  arbor.ILogger
}

// Compile-time assertion
var _ interfaces.DedupTracker = (*Tracker)(nil)

// NewTracker creates a dedup tracker backed by storage.
func NewTracker(storage interfaces.DedupStorage, logger arbor.ILogger) *Tracker {
	return &Tracker{
		storage: storage,
		logger:  logger,
	}
}

// IsProcessed reports whether the payload or its message id is marked.
func (t *Tracker) IsProcessed(ctx context.Context, payload []byte, messageID string) (bool, error) {
	if messageID != "" {
		record, err := t.storage.GetByMessageID(ctx, messageID)
		if err != nil {
			return false, err
		}
		if record != nil {
			return true, nil
		}
	}
	return t.storage.IsProcessed(ctx, archive.Hash(payload))
}

// MarkProcessed records the payload as archived under workflowName.
func (t *Tracker) MarkProcessed(ctx context.Context, payload []byte, messageID, workflowName string) error {
	record := &models.DedupRecord{
		ContentHash:  archive.Hash(payload),
		MessageID:    messageID,
		WorkflowName: workflowName,
		ProcessedAt:  time.Now().UTC(),
	}
	if err := t.storage.Mark(ctx, record); err != nil {
		return err
	}

	t.logger.Debug().
		Str("content_hash", record.ContentHash).
		Str("workflow", workflowName).
		Msg("Marked payload processed")
	return nil
}

// GetInfo returns the processed record for the payload, nil when absent.
func (t *Tracker) GetInfo(ctx context.Context, payload []byte, messageID string) (*models.DedupRecord, error) {
	if messageID != "" {
		record, err := t.storage.GetByMessageID(ctx, messageID)
		if err != nil {
			return nil, err
		}
		if record != nil {
			return record, nil
		}
	}
	return t.storage.GetByHash(ctx, archive.Hash(payload))
}
