package models

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	contentHashPattern = regexp.MustCompile(`^sha256:[0-9a-f]{64}$`)
	namePattern        = regexp.MustCompile(`^[a-z0-9_-]+$`)
	sourcePattern      = regexp.MustCompile(`^[a-z0-9]+$`)
)

// DocumentID is the canonical, globally stable identifier for an archived
// document: {source}={workflow_or_stream}/{created_at RFC3339 UTC}/{content_hash}.
// Construct with NewDocumentID or ParseDocumentID; the zero value is invalid.
type DocumentID struct {
	source  string
	scope   string // workflow name, or stream kind for stream documents
	created time.Time
	hash    string // "sha256:" + 64 hex chars
}

// NewDocumentID builds a DocumentID from validated parts.
func NewDocumentID(source, workflowOrStream string, createdAt time.Time, contentHash string) (DocumentID, error) {
	if !sourcePattern.MatchString(source) {
		return DocumentID{}, fmt.Errorf("invalid source %q", source)
	}
	if !namePattern.MatchString(workflowOrStream) {
		return DocumentID{}, fmt.Errorf("invalid workflow or stream name %q", workflowOrStream)
	}
	if !contentHashPattern.MatchString(contentHash) {
		return DocumentID{}, fmt.Errorf("invalid content hash %q", contentHash)
	}
	return DocumentID{
		source:  source,
		scope:   workflowOrStream,
		created: createdAt.UTC().Truncate(time.Second),
		hash:    contentHash,
	}, nil
}

// ParseDocumentID parses the canonical string form. The format splits on
// the first "=", then one "/" for the workflow segment; the last "/"
// delimits the content hash so the RFC 3339 timestamp stays intact.
func ParseDocumentID(s string) (DocumentID, error) {
	source, rest, ok := strings.Cut(s, "=")
	if !ok {
		return DocumentID{}, fmt.Errorf("document id %q: missing '='", s)
	}
	scope, rest, ok := strings.Cut(rest, "/")
	if !ok {
		return DocumentID{}, fmt.Errorf("document id %q: missing workflow segment", s)
	}
	slash := strings.LastIndex(rest, "/")
	if slash < 0 {
		return DocumentID{}, fmt.Errorf("document id %q: missing hash segment", s)
	}
	created, err := time.Parse(time.RFC3339, rest[:slash])
	if err != nil {
		return DocumentID{}, fmt.Errorf("document id %q: bad timestamp: %w", s, err)
	}
	return NewDocumentID(source, scope, created, rest[slash+1:])
}

// Source returns the source segment (mail, slack, gdocs, localdocs, other).
func (d DocumentID) Source() string { return d.source }

// Scope returns the workflow name or stream kind segment.
func (d DocumentID) Scope() string { return d.scope }

// CreatedAt returns the embedded UTC timestamp.
func (d DocumentID) CreatedAt() time.Time { return d.created }

// ContentHash returns the "sha256:<hex>" segment.
func (d DocumentID) ContentHash() string { return d.hash }

// IsZero reports whether the ID holds no value.
func (d DocumentID) IsZero() bool { return d.hash == "" }

// String renders the canonical form. Stable across re-runs of the same
// bytes, timestamp, and workflow.
func (d DocumentID) String() string {
	return fmt.Sprintf("%s=%s/%s/%s", d.source, d.scope, d.created.Format(time.RFC3339), d.hash)
}

// ShortString renders source, scope, and hash prefix for log lines.
func (d DocumentID) ShortString() string {
	h := strings.TrimPrefix(d.hash, "sha256:")
	if len(h) > 12 {
		h = h[:12]
	}
	return fmt.Sprintf("%s=%s/%s", d.source, d.scope, h)
}

// MarshalJSON encodes the canonical string form.
func (d DocumentID) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte(`""`), nil
	}
	return []byte(`"` + d.String() + `"`), nil
}

// UnmarshalJSON decodes the canonical string form. An empty string yields
// the zero ID so optional fields round-trip.
func (d *DocumentID) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" {
		*d = DocumentID{}
		return nil
	}
	parsed, err := ParseDocumentID(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ValidContentHash reports whether s is a well-formed "sha256:<hex64>" value.
func ValidContentHash(s string) bool {
	return contentHashPattern.MatchString(s)
}

// ValidName reports whether s is a well-formed workflow or entity name.
func ValidName(s string) bool {
	return namePattern.MatchString(s)
}
