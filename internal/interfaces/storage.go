// -----------------------------------------------------------------------
// Last Modified: Tuesday, 10th February 2026 9:42:11 am
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package interfaces

import (
	"context"

	"github.com/ternarybob/arca/internal/models"
)

// DedupStorage - interface for processed-item tracking
type DedupStorage interface {
	// Check operations
	IsProcessed(ctx context.Context, contentHash string) (bool, error)
	GetByHash(ctx context.Context, contentHash string) (*models.DedupRecord, error)
	GetByMessageID(ctx context.Context, messageID string) (*models.DedupRecord, error)

	// Mark operations. Mark is idempotent for an identical record and
	// fails on a conflicting workflow for the same hash.
	Mark(ctx context.Context, record *models.DedupRecord) error
	Unmark(ctx context.Context, contentHash string) error

	// Stats operations
	Count(ctx context.Context) (int, error)
	List(ctx context.Context, limit int) ([]models.DedupRecord, error)
}

// WorkflowStorage - interface for workflow definition persistence
type WorkflowStorage interface {
	// CRUD operations. Save validates and normalizes before writing and
	// enforces the registry cap.
	Save(ctx context.Context, workflow *models.Workflow) error
	Get(ctx context.Context, name string) (*models.Workflow, error)
	GetAll(ctx context.Context) ([]*models.Workflow, error)
	Delete(ctx context.Context, name string) error

	// Stats operations
	Count(ctx context.Context) (int, error)
	Exists(ctx context.Context, name string) (bool, error)
}

// CriteriaStorage - interface for training example persistence.
// Instances are append-mostly; nothing expires them by age.
type CriteriaStorage interface {
	// Write operations
	Save(ctx context.Context, instance *models.CriteriaInstance) error

	// Read operations
	Get(ctx context.Context, emailID string) (*models.CriteriaInstance, error)
	GetByWorkflow(ctx context.Context, workflowName string) ([]models.CriteriaInstance, error)
	GetAll(ctx context.Context) ([]models.CriteriaInstance, error)

	// Stats operations
	Count(ctx context.Context) (int, error)
	CountByWorkflow(ctx context.Context, workflowName string) (int, error)

	// DeleteByWorkflow removes all examples for a workflow. Only the
	// registry's purge path calls this.
	DeleteByWorkflow(ctx context.Context, workflowName string) (int, error)
}

// IndexStorage - interface for the relational and full-text indexes.
// One writer connection per process; readers run on separate
// connections with snapshot semantics.
type IndexStorage interface {
	// Document operations. Upsert keys on (entity, rel_path) and updates
	// mutable fields only on conflict.
	UpsertDocument(ctx context.Context, doc *models.IndexDocument) (int64, error)
	GetDocument(ctx context.Context, entity, relPath string) (*models.IndexDocument, error)
	DeleteDocument(ctx context.Context, entity, relPath string) error

	// Stream operations for chat and docs captures
	UpsertStream(ctx context.Context, stream *models.IndexStream) (int64, error)
	LinkStreamDocument(ctx context.Context, streamID, documentID int64) error
	GetStreamLinks(ctx context.Context, streamID int64) ([]int64, error)

	// Full-text operations. UpsertSearchText mirrors a documents row
	// into the pdf_search table by rowid.
	UpsertSearchText(ctx context.Context, documentID int64, text *models.SearchText) error

	// Search returns rows ordered by BM25 rank when opts.Query is set,
	// otherwise by (date DESC, id DESC).
	Search(ctx context.Context, opts models.SearchOptions) ([]models.SearchHit, error)

	// Stats operations
	CountDocuments(ctx context.Context) (int, error)
	CountStreams(ctx context.Context) (int, error)

	// Bulk operations
	ClearAll(ctx context.Context) error
}

// StorageManager - composite interface for all storage operations
type StorageManager interface {
	DedupStorage() DedupStorage
	WorkflowStorage() WorkflowStorage
	CriteriaStorage() CriteriaStorage
	KeyValueStorage() KeyValueStorage
	IndexStorage() IndexStorage
	Close() error
}
