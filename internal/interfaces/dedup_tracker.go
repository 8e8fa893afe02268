package interfaces

import (
	"context"

	"github.com/ternarybob/arca/internal/models"
)

// DedupTracker answers whether a payload was archived before. Hashing
// happens inside the tracker so call sites stay one-call; when a
// message id is provided it is checked before the content hash.
type DedupTracker interface {
	// IsProcessed reports whether the payload (or its message id) is
	// already marked.
	IsProcessed(ctx context.Context, payload []byte, messageID string) (bool, error)

	// MarkProcessed records the payload as archived under workflowName.
	// Marking the same payload for a different workflow is an integrity
	// error; the orchestrator treats a failed mark as fatal.
	MarkProcessed(ctx context.Context, payload []byte, messageID, workflowName string) error

	// GetInfo returns the processed record, nil when absent.
	GetInfo(ctx context.Context, payload []byte, messageID string) (*models.DedupRecord, error)
}
