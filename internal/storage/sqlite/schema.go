package sqlite

const schemaSQL = `
-- Documents table, one row per archived document sidecar
CREATE TABLE IF NOT EXISTS documents (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	entity TEXT NOT NULL,
	date INTEGER NOT NULL,
	filename TEXT NOT NULL,
	rel_path TEXT NOT NULL,
	hash TEXT NOT NULL,
	size INTEGER NOT NULL,
	type TEXT NOT NULL,
	source TEXT NOT NULL,
	workflow TEXT,
	category TEXT,
	confidence REAL,
	origin_json TEXT,
	structured_json TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_entity_path ON documents(entity, rel_path);
CREATE INDEX IF NOT EXISTS idx_documents_entity_date ON documents(entity, date DESC);
CREATE INDEX IF NOT EXISTS idx_documents_workflow ON documents(workflow);
CREATE INDEX IF NOT EXISTS idx_documents_source ON documents(source);

-- Streams table, one row per chat/docs capture
CREATE TABLE IF NOT EXISTS streams (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	entity TEXT NOT NULL,
	kind TEXT NOT NULL,
	channel TEXT NOT NULL,
	date INTEGER NOT NULL,
	rel_path TEXT NOT NULL,
	origin_json TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_streams_entity_path ON streams(entity, rel_path);
CREATE INDEX IF NOT EXISTS idx_streams_kind_channel ON streams(kind, channel);

-- Cross-references discovered in stream transcripts
CREATE TABLE IF NOT EXISTS links (
	stream_id INTEGER NOT NULL,
	document_id INTEGER NOT NULL,
	PRIMARY KEY (stream_id, document_id)
);
`

// The full-text table lives in its own database file and mirrors
// documents by rowid. No content= backing table: the two databases
// cannot share triggers, so the indexer writes both explicitly.
const ftsSchemaSQL = `
CREATE VIRTUAL TABLE IF NOT EXISTS fts.pdf_search USING fts5(
	filename,
	email_subject,
	email_from,
	search_content
);
`

// initSchema creates both schemas on the writer connection
func (s *SQLiteDB) initSchema() error {
	if _, err := s.writer.Exec(schemaSQL); err != nil {
		return err
	}
	if _, err := s.writer.Exec(ftsSchemaSQL); err != nil {
		return err
	}
	s.logger.Debug().Msg("Index schema initialized")
	return nil
}
