package llm

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/ternarybob/arbor"
	_ "modernc.org/sqlite"
)

// AuditEntry is one recorded advisor call or feedback verdict.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Operation string    `json:"operation"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Duration  int64     `json:"duration_ms"`
	Subject   string    `json:"subject,omitempty"`
}

// AuditLog persists advisor activity to a SQLite database. Enabled by
// setting llm.database_url (or DATABASE_URL) to a file path; absent
// that, the advisor runs with a nil log and keeps no trail.
type AuditLog struct {
	db     *sql.DB
	logger arbor.ILogger
}

// OpenAuditLog opens (creating if needed) the audit database at path.
func OpenAuditLog(path string, logger arbor.ILogger) (*AuditLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	db.SetMaxOpenConns(1)

	schema := `
		CREATE TABLE IF NOT EXISTS advisor_audit (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			operation TEXT NOT NULL,
			success INTEGER NOT NULL,
			error TEXT,
			duration INTEGER NOT NULL DEFAULT 0,
			subject TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_advisor_audit_timestamp ON advisor_audit(timestamp);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}

	logger.Debug().Str("path", path).Msg("Advisor audit log opened")
	return &AuditLog{db: db, logger: logger}, nil
}

// LogCall records one provider round trip.
func (l *AuditLog) LogCall(operation string, success bool, duration time.Duration, opErr error, subject string) error {
	var errorMsg string
	if opErr != nil {
		errorMsg = opErr.Error()
	}

	insertSQL := `
		INSERT INTO advisor_audit (timestamp, operation, success, error, duration, subject)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := l.db.Exec(insertSQL,
		time.Now().UTC().Format(time.RFC3339),
		operation,
		success,
		errorMsg,
		duration.Milliseconds(),
		subject,
	)
	if err != nil {
		l.logger.Error().Err(err).Str("operation", operation).Msg("Failed to insert audit entry")
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// LogFeedback records the user's verdict on a decision. Stored as an
// audit row so the trail reads chronologically alongside the calls.
func (l *AuditLog) LogFeedback(decisionID, label, reason string) error {
	subject := decisionID + " -> " + label
	if reason != "" {
		subject += " (" + reason + ")"
	}
	insertSQL := `
		INSERT INTO advisor_audit (timestamp, operation, success, error, duration, subject)
		VALUES (?, 'feedback', 1, '', 0, ?)
	`
	if _, err := l.db.Exec(insertSQL, time.Now().UTC().Format(time.RFC3339), subject); err != nil {
		return fmt.Errorf("failed to insert feedback entry: %w", err)
	}
	return nil
}

// Recent retrieves the newest entries up to limit.
func (l *AuditLog) Recent(limit int) ([]AuditEntry, error) {
	query := `
		SELECT id, timestamp, operation, success, error, duration, subject
		FROM advisor_audit
		ORDER BY id DESC
		LIMIT ?
	`
	rows, err := l.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		entry, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}
	return entries, nil
}

// ExportToJSON writes the full trail, oldest first.
func (l *AuditLog) ExportToJSON(w io.Writer) error {
	query := `
		SELECT id, timestamp, operation, success, error, duration, subject
		FROM advisor_audit
		ORDER BY id ASC
	`
	rows, err := l.db.Query(query)
	if err != nil {
		return fmt.Errorf("failed to query audit entries for export: %w", err)
	}
	defer rows.Close()

	entries := []AuditEntry{}
	for rows.Next() {
		entry, err := scanAuditEntry(rows)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating audit entries for export: %w", err)
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(entries); err != nil {
		return fmt.Errorf("failed to encode audit entries: %w", err)
	}

	l.logger.Info().Int("count", len(entries)).Msg("Exported advisor audit log")
	return nil
}

func scanAuditEntry(rows *sql.Rows) (AuditEntry, error) {
	var entry AuditEntry
	var timestampStr string
	var errorMsg, subject sql.NullString

	if err := rows.Scan(&entry.ID, &timestampStr, &entry.Operation, &entry.Success, &errorMsg, &entry.Duration, &subject); err != nil {
		return entry, fmt.Errorf("failed to scan audit entry: %w", err)
	}

	ts, err := time.Parse(time.RFC3339, timestampStr)
	if err != nil {
		return entry, fmt.Errorf("failed to parse audit timestamp: %w", err)
	}
	entry.Timestamp = ts

	if errorMsg.Valid {
		entry.Error = errorMsg.String
	}
	if subject.Valid {
		entry.Subject = subject.String
	}
	return entry, nil
}

// Close closes the underlying database.
func (l *AuditLog) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}
