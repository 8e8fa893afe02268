package interfaces

import (
	"context"

	"github.com/ternarybob/arca/internal/models"
)

// ArchiveService writes classified items into the content-addressed
// repository tree. All writes are atomic per file; a failed archive
// leaves no partial state behind.
type ArchiveService interface {
	// Archive writes the item's content, sidecar, attachments, and
	// optional original under the workflow's entity. The classify result
	// supplies confidence and method metadata for the sidecar.
	Archive(ctx context.Context, item *models.Item, workflow *models.Workflow, result *models.ClassifyResult) (*models.ArchiveResult, error)

	// ArchiveStream writes a chat or docs capture under
	// streams/{kind}/{channel} without workflow classification.
	ArchiveStream(ctx context.Context, item *models.Item) (*models.ArchiveResult, error)

	// BasePath returns the repository root this writer targets
	BasePath() string
}
