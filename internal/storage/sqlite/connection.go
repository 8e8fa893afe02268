package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ternarybob/arbor"
	_ "modernc.org/sqlite"
)

const (
	metadataFile  = "metadata.db"
	ftsFile       = "fts.db"
	busyTimeoutMS = 5000
	cacheSizeMB   = 64
)

// SQLiteDB manages the two index databases: metadata.db (relational)
// with fts.db attached under the "fts" schema. ATTACH is per
// connection, so each handle is pinned to a single underlying
// connection: one writer, one reader.
type SQLiteDB struct {
	writer *sql.DB
	reader *sql.DB
	logger arbor.ILogger
	dir    string
}

// NewSQLiteDB opens (and creates if needed) the index databases under
// dir, typically {archive.base_path}/indexes.
func NewSQLiteDB(logger arbor.ILogger, dir string) (*SQLiteDB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}

	metaPath := filepath.Join(dir, metadataFile)
	ftsPath := filepath.Join(dir, ftsFile)

	writer, err := openPinned(metaPath, ftsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open index writer: %w", err)
	}

	s := &SQLiteDB{
		writer: writer,
		logger: logger,
		dir:    dir,
	}

	if err := s.initSchema(); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to initialize index schema: %w", err)
	}

	reader, err := openPinned(metaPath, ftsPath)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to open index reader: %w", err)
	}
	s.reader = reader

	logger.Info().Str("dir", dir).Msg("SQLite index databases initialized")
	return s, nil
}

// openPinned opens metadata.db on a single pooled connection, attaches
// fts.db and applies the pragmas.
func openPinned(metaPath, ftsPath string) (*sql.DB, error) {
	// modernc.org/sqlite registers the driver as "sqlite" (not "sqlite3")
	db, err := sql.Open("sqlite", metaPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`ATTACH DATABASE ? AS fts`, ftsPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("attach fts database: %w", err)
	}

	pragmas := []string{
		fmt.Sprintf("PRAGMA cache_size = -%d", cacheSizeMB*1024), // Negative for KB
		fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeoutMS),
		"PRAGMA synchronous = NORMAL",
		"PRAGMA journal_mode = WAL",
		"PRAGMA fts.journal_mode = WAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return db, nil
}

// Writer returns the single-writer connection
func (s *SQLiteDB) Writer() *sql.DB {
	return s.writer
}

// Reader returns the read connection
func (s *SQLiteDB) Reader() *sql.DB {
	return s.reader
}

// BeginTx starts a write transaction
func (s *SQLiteDB) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.writer.BeginTx(ctx, nil)
}

// Ping verifies both connections
func (s *SQLiteDB) Ping(ctx context.Context) error {
	if err := s.writer.PingContext(ctx); err != nil {
		return err
	}
	return s.reader.PingContext(ctx)
}

// Close closes both connections
func (s *SQLiteDB) Close() error {
	var firstErr error
	if s.reader != nil {
		if err := s.reader.Close(); err != nil {
			firstErr = err
		}
	}
	if s.writer != nil {
		if err := s.writer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
