package interfaces

import (
	"context"

	"github.com/ternarybob/arca/internal/models"
)

// IndexStats summarizes one index pass.
type IndexStats struct {
	Documents int `json:"documents"`
	Streams   int `json:"streams"`
	Links     int `json:"links"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// IndexService maintains the relational and full-text indexes over the
// archive tree. Indexing is idempotent; rebuilding from sidecars yields
// the same rows.
type IndexService interface {
	// IndexDocument upserts one archived document from its sidecar and
	// mirrors its extracted text into full-text search
	IndexDocument(ctx context.Context, sidecar *models.Sidecar, relPath string) error

	// Rebuild walks the archive tree and indexes every sidecar found.
	// entity narrows the walk to one entity when non-empty.
	Rebuild(ctx context.Context, entity string) (*IndexStats, error)

	// Search queries the indexes
	Search(ctx context.Context, opts models.SearchOptions) ([]models.SearchHit, error)

	// StampLLMemory records index completion back into the sidecar, the
	// one sanctioned post-archive sidecar mutation
	StampLLMemory(ctx context.Context, sidecarPath string, info *models.LLMemoryInfo) error
}
