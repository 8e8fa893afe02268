package interfaces

import (
	"context"

	"github.com/ternarybob/arca/internal/models"
)

// ExtractorService turns raw source payloads into classification-ready
// items. Extraction is pure per input; it never touches storage.
type ExtractorService interface {
	// Extract parses the raw input into an Item with features computed.
	// Mail payloads go through full MIME parsing; chat and docs payloads
	// use the pre-separated origin fields. Inputs over the configured
	// size limit fail with an input-too-large error.
	Extract(ctx context.Context, in *RawInput) (*models.Item, error)

	// ComputeFeatures derives the similarity feature set from an item
	// that already has body and origin populated, for replays and tests.
	ComputeFeatures(item *models.Item) (models.Features, error)
}
