package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arca/internal/common"
	"github.com/ternarybob/arca/internal/interfaces"
	"github.com/ternarybob/arca/internal/models"
)

const defaultSearchLimit = 50

// IndexStorage implements the IndexStorage interface over the two
// SQLite index databases.
type IndexStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
}

var _ interfaces.IndexStorage = (*IndexStorage)(nil)

// NewIndexStorage opens the index databases under
// {archive.base_path}/indexes and returns the storage. The concrete
// type is returned so callers can Close it.
func NewIndexStorage(logger arbor.ILogger, config *common.Config) (*IndexStorage, error) {
	db, err := NewSQLiteDB(logger, filepath.Join(config.Archive.BasePath, "indexes"))
	if err != nil {
		return nil, err
	}
	return &IndexStorage{db: db, logger: logger}, nil
}

// Close closes the underlying connections
func (s *IndexStorage) Close() error {
	return s.db.Close()
}

// UpsertDocument inserts or updates a document row keyed on
// (entity, rel_path). On conflict only the mutable fields change:
// hash, size, workflow, category, confidence and the JSON blobs.
func (s *IndexStorage) UpsertDocument(ctx context.Context, doc *models.IndexDocument) (int64, error) {
	if doc.Entity == "" || doc.RelPath == "" {
		return 0, models.Errorf(models.KindDataIntegrity, "index.upsert", "document needs entity and rel_path")
	}
	now := time.Now().UTC().Unix()

	var id int64
	err := s.db.Writer().QueryRowContext(ctx, `
		INSERT INTO documents (entity, date, filename, rel_path, hash, size, type, source,
			workflow, category, confidence, origin_json, structured_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity, rel_path) DO UPDATE SET
			hash = excluded.hash,
			size = excluded.size,
			workflow = excluded.workflow,
			category = excluded.category,
			confidence = excluded.confidence,
			origin_json = excluded.origin_json,
			structured_json = excluded.structured_json,
			updated_at = excluded.updated_at
		RETURNING id`,
		doc.Entity, doc.Date.UTC().Unix(), doc.Filename, doc.RelPath, doc.Hash, doc.Size,
		doc.Type, doc.Source, nullString(doc.Workflow), nullString(doc.Category),
		nullFloat(doc.Confidence), nullString(doc.OriginJSON), nullString(doc.StructuredJSON),
		now, now).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert document: %w", err)
	}
	doc.ID = id
	return id, nil
}

// GetDocument returns the row for (entity, rel_path), nil when absent
func (s *IndexStorage) GetDocument(ctx context.Context, entity, relPath string) (*models.IndexDocument, error) {
	row := s.db.Reader().QueryRowContext(ctx, `
		SELECT id, entity, date, filename, rel_path, hash, size, type, source,
			workflow, category, confidence, origin_json, structured_json
		FROM documents
		WHERE entity = ? AND rel_path = ?`, entity, relPath)

	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, nil
}

// DeleteDocument removes the row and its full-text mirror
func (s *IndexStorage) DeleteDocument(ctx context.Context, entity, relPath string) error {
	var id int64
	err := s.db.Writer().QueryRowContext(ctx,
		`DELETE FROM documents WHERE entity = ? AND rel_path = ? RETURNING id`, entity, relPath).Scan(&id)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}

	if _, err := s.db.Writer().ExecContext(ctx, `DELETE FROM fts.pdf_search WHERE rowid = ?`, id); err != nil {
		return fmt.Errorf("failed to delete search text: %w", err)
	}
	if _, err := s.db.Writer().ExecContext(ctx, `DELETE FROM links WHERE document_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete links: %w", err)
	}
	return nil
}

// UpsertStream inserts or updates a stream row keyed on
// (entity, rel_path); only origin_json is mutable.
func (s *IndexStorage) UpsertStream(ctx context.Context, stream *models.IndexStream) (int64, error) {
	if stream.Entity == "" || stream.RelPath == "" {
		return 0, models.Errorf(models.KindDataIntegrity, "index.upsert", "stream needs entity and rel_path")
	}
	now := time.Now().UTC().Unix()

	var id int64
	err := s.db.Writer().QueryRowContext(ctx, `
		INSERT INTO streams (entity, kind, channel, date, rel_path, origin_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity, rel_path) DO UPDATE SET
			origin_json = excluded.origin_json,
			updated_at = excluded.updated_at
		RETURNING id`,
		stream.Entity, stream.Kind, stream.Channel, stream.Date.UTC().Unix(), stream.RelPath,
		nullString(stream.OriginJSON), now, now).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert stream: %w", err)
	}
	stream.ID = id
	return id, nil
}

// LinkStreamDocument records a cross-reference; repeats are ignored
func (s *IndexStorage) LinkStreamDocument(ctx context.Context, streamID, documentID int64) error {
	_, err := s.db.Writer().ExecContext(ctx,
		`INSERT OR IGNORE INTO links (stream_id, document_id) VALUES (?, ?)`, streamID, documentID)
	if err != nil {
		return fmt.Errorf("failed to link stream to document: %w", err)
	}
	return nil
}

// GetStreamLinks returns the linked document ids for a stream
func (s *IndexStorage) GetStreamLinks(ctx context.Context, streamID int64) ([]int64, error) {
	rows, err := s.db.Reader().QueryContext(ctx,
		`SELECT document_id FROM links WHERE stream_id = ? ORDER BY document_id`, streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to get stream links: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpsertSearchText mirrors a documents row into the full-text table by
// rowid. FTS5 has no upsert, so replace is delete plus insert.
func (s *IndexStorage) UpsertSearchText(ctx context.Context, documentID int64, text *models.SearchText) error {
	if _, err := s.db.Writer().ExecContext(ctx, `DELETE FROM fts.pdf_search WHERE rowid = ?`, documentID); err != nil {
		return fmt.Errorf("failed to clear search text: %w", err)
	}
	_, err := s.db.Writer().ExecContext(ctx, `
		INSERT INTO fts.pdf_search (rowid, filename, email_subject, email_from, search_content)
		VALUES (?, ?, ?, ?, ?)`,
		documentID, text.Filename, text.EmailSubject, text.EmailFrom, text.SearchContent)
	if err != nil {
		return fmt.Errorf("failed to upsert search text: %w", err)
	}
	return nil
}

// Search returns documents ordered by BM25 rank when a query is
// present, otherwise by (date DESC, id DESC). Filters compose as
// equality predicates.
func (s *IndexStorage) Search(ctx context.Context, opts models.SearchOptions) ([]models.SearchHit, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	var b strings.Builder
	var args []interface{}

	if opts.Query != "" {
		b.WriteString(`
			SELECT d.id, d.entity, d.date, d.filename, d.rel_path, d.hash, d.size, d.type, d.source,
				d.workflow, d.category, d.confidence, d.origin_json, d.structured_json,
				bm25(pdf_search) AS rank,
				snippet(pdf_search, 3, '[', ']', '...', 12) AS snip
			FROM fts.pdf_search
			JOIN documents d ON d.id = pdf_search.rowid
			WHERE pdf_search MATCH ?`)
		args = append(args, opts.Query)
	} else {
		b.WriteString(`
			SELECT d.id, d.entity, d.date, d.filename, d.rel_path, d.hash, d.size, d.type, d.source,
				d.workflow, d.category, d.confidence, d.origin_json, d.structured_json,
				0.0 AS rank,
				'' AS snip
			FROM documents d
			WHERE 1=1`)
	}

	if opts.Entity != "" {
		b.WriteString(" AND d.entity = ?")
		args = append(args, opts.Entity)
	}
	if opts.Source != "" {
		b.WriteString(" AND d.source = ?")
		args = append(args, opts.Source)
	}
	if opts.Workflow != "" {
		b.WriteString(" AND d.workflow = ?")
		args = append(args, opts.Workflow)
	}
	if opts.Category != "" {
		b.WriteString(" AND d.category = ?")
		args = append(args, opts.Category)
	}

	if opts.Query != "" {
		b.WriteString(" ORDER BY rank LIMIT ?")
	} else {
		b.WriteString(" ORDER BY d.date DESC, d.id DESC LIMIT ?")
	}
	args = append(args, limit)

	rows, err := s.db.Reader().QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	defer rows.Close()

	var hits []models.SearchHit
	for rows.Next() {
		var (
			doc        models.IndexDocument
			date       int64
			workflow   sql.NullString
			category   sql.NullString
			confidence sql.NullFloat64
			origin     sql.NullString
			structured sql.NullString
			hit        models.SearchHit
		)
		err := rows.Scan(&doc.ID, &doc.Entity, &date, &doc.Filename, &doc.RelPath, &doc.Hash,
			&doc.Size, &doc.Type, &doc.Source, &workflow, &category, &confidence,
			&origin, &structured, &hit.Rank, &hit.Snippet)
		if err != nil {
			return nil, fmt.Errorf("failed to scan search hit: %w", err)
		}
		doc.Date = time.Unix(date, 0).UTC()
		doc.Workflow = workflow.String
		doc.Category = category.String
		doc.Confidence = confidence.Float64
		doc.OriginJSON = origin.String
		doc.StructuredJSON = structured.String
		hit.Document = doc
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// CountDocuments returns the number of indexed documents
func (s *IndexStorage) CountDocuments(ctx context.Context) (int, error) {
	var count int
	if err := s.db.Reader().QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return count, nil
}

// CountStreams returns the number of indexed streams
func (s *IndexStorage) CountStreams(ctx context.Context) (int, error) {
	var count int
	if err := s.db.Reader().QueryRowContext(ctx, `SELECT COUNT(*) FROM streams`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count streams: %w", err)
	}
	return count, nil
}

// ClearAll empties every index table, used by full rebuilds
func (s *IndexStorage) ClearAll(ctx context.Context) error {
	for _, stmt := range []string{
		`DELETE FROM links`,
		`DELETE FROM fts.pdf_search`,
		`DELETE FROM streams`,
		`DELETE FROM documents`,
	} {
		if _, err := s.db.Writer().ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to clear index: %w", err)
		}
	}
	return nil
}

// scanner covers sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(row scanner) (*models.IndexDocument, error) {
	var (
		doc        models.IndexDocument
		date       int64
		workflow   sql.NullString
		category   sql.NullString
		confidence sql.NullFloat64
		origin     sql.NullString
		structured sql.NullString
	)
	err := row.Scan(&doc.ID, &doc.Entity, &date, &doc.Filename, &doc.RelPath, &doc.Hash,
		&doc.Size, &doc.Type, &doc.Source, &workflow, &category, &confidence, &origin, &structured)
	if err != nil {
		return nil, err
	}
	doc.Date = time.Unix(date, 0).UTC()
	doc.Workflow = workflow.String
	doc.Category = category.String
	doc.Confidence = confidence.Float64
	doc.OriginJSON = origin.String
	doc.StructuredJSON = structured.String
	return &doc, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(f float64) interface{} {
	if f == 0 {
		return nil
	}
	return f
}
