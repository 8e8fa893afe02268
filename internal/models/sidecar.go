package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Sidecar is the JSON document written next to every archived content
// file. It is the sole source of truth for per-document metadata: the
// indexer reads it, exports derive from it, and nothing else mutates it
// except the sanctioned llmemory stamp and accounting post-processors.
type Sidecar struct {
	// Identity
	ID       DocumentID `json:"id" validate:"required"`
	Entity   string     `json:"entity" validate:"required,entityname"`
	Source   string     `json:"source" validate:"required,entityname"`
	Workflow string     `json:"workflow,omitempty"`
	Type     string     `json:"type" validate:"required"`
	Subtype  string     `json:"subtype,omitempty"`

	// Timestamps (RFC 3339 UTC)
	CreatedAt time.Time `json:"created_at" validate:"required"`

	// Content reference
	Content SidecarContent `json:"content" validate:"required"`

	// Source-specific mapping, preserved verbatim for downstream exports
	Origin map[string]string `json:"origin,omitempty"`

	// Annotations
	Tags          []string       `json:"tags,omitempty"`
	Relationships []Relationship `json:"relationships,omitempty"`

	// Provenance
	Ingest IngestInfo `json:"ingest"`

	// Routing record from archive time
	Classification *ClassificationInfo `json:"classification,omitempty"`

	// Semantic index bookkeeping, stamped by the indexer after the fact
	LLMemory *LLMemoryInfo `json:"llmemory,omitempty"`

	// Optional export blocks
	Accounting *AccountingInfo `json:"accounting,omitempty"`
}

// SidecarContent describes the sibling content file.
type SidecarContent struct {
	Path        string              `json:"path" validate:"required"`
	Hash        string              `json:"hash" validate:"required,contenthash"`
	SizeBytes   int64               `json:"size_bytes" validate:"required,gt=0"`
	Mimetype    string              `json:"mimetype"`
	Attachments []SidecarAttachment `json:"attachments,omitempty" validate:"dive"`
}

// SidecarAttachment records one attachment written beside the content file.
type SidecarAttachment struct {
	Path      string `json:"path" validate:"required"`
	Filename  string `json:"filename"`
	Mimetype  string `json:"mimetype"`
	SizeBytes int64  `json:"size_bytes" validate:"gte=0"`
}

// Relationship links this document to another by typed reference.
type Relationship struct {
	Type     string `json:"type" validate:"required"`
	TargetID string `json:"target_id" validate:"required"`
}

// IngestInfo records how the document entered the archive.
type IngestInfo struct {
	Connector     string    `json:"connector"`
	IngestedAt    time.Time `json:"ingested_at"`
	Hostname      string    `json:"hostname,omitempty"`
	WorkflowRunID string    `json:"workflow_run_id,omitempty"`
}

// ClassificationInfo records which decision path routed the document
// and at what confidence.
type ClassificationInfo struct {
	Method     string  `json:"method,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	DecisionID string  `json:"decision_id,omitempty"`
}

// LLMemoryInfo is filled by the indexer when handling.index.llmemory is
// set on the matched workflow.
type LLMemoryInfo struct {
	IndexedAt         *time.Time `json:"indexed_at,omitempty"`
	DocumentID        string     `json:"document_id,omitempty"`
	ChunksCreated     int        `json:"chunks_created,omitempty"`
	EmbeddingModel    string     `json:"embedding_model,omitempty"`
	EmbeddingProvider string     `json:"embedding_provider,omitempty"`
}

// AccountingInfo holds export-facing blocks appended by post-processors.
type AccountingInfo struct {
	Expense *ExpenseInfo `json:"expense,omitempty"`
}

// ExpenseInfo is the per-document expense record the exporter selects on.
// Amounts are kept as strings so exports reproduce the captured value
// byte for byte.
type ExpenseInfo struct {
	ExpenseDate      string `json:"expense_date"`
	Vendor           string `json:"vendor"`
	TotalAmount      string `json:"total_amount"`
	Currency         string `json:"currency"`
	InvoiceNumber    string `json:"invoice_number,omitempty"`
	SourceDocumentID string `json:"source_document_id,omitempty"`
	SourcePath       string `json:"source_path,omitempty"`
}

var sidecarValidator = newSidecarValidator()

func newSidecarValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("entityname", func(fl validator.FieldLevel) bool {
		return ValidName(fl.Field().String())
	})
	_ = v.RegisterValidation("contenthash", func(fl validator.FieldLevel) bool {
		return ValidContentHash(fl.Field().String())
	})
	return v
}

// Validate checks the schema. Used on write (fail fast) and on index
// (skip and log malformed legacy files).
func (s *Sidecar) Validate() error {
	if err := sidecarValidator.Struct(s); err != nil {
		return E(KindSchemaValidation, "sidecar.validate", err)
	}
	if s.Entity != strings.ToLower(s.Entity) {
		return Errorf(KindSchemaValidation, "sidecar.validate", "entity %q must be lowercase", s.Entity)
	}
	if !IsValidSource(s.Source) {
		return Errorf(KindSchemaValidation, "sidecar.validate", "unknown source %q", s.Source)
	}
	if s.Workflow != "" && !ValidName(s.Workflow) {
		return Errorf(KindSchemaValidation, "sidecar.validate", "invalid workflow name %q", s.Workflow)
	}
	if s.CreatedAt.Location() != time.UTC {
		return Errorf(KindSchemaValidation, "sidecar.validate", "created_at must be UTC")
	}
	return nil
}

// MarshalCanonical renders the sidecar as two-space-indented JSON with
// struct-field key order and a trailing newline. Reproducible byte for
// byte for a fixed sidecar value.
func (s *Sidecar) MarshalCanonical() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return nil, fmt.Errorf("failed to marshal sidecar: %w", err)
	}
	return buf.Bytes(), nil
}

// ParseSidecar decodes and validates a sidecar JSON document.
func ParseSidecar(data []byte) (*Sidecar, error) {
	var s Sidecar
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, E(KindInputParse, "sidecar.parse", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// HasExpense reports whether the sidecar carries a complete expense block
// (vendor, total_amount, currency, expense_date all present).
func (s *Sidecar) HasExpense() bool {
	if s.Accounting == nil || s.Accounting.Expense == nil {
		return false
	}
	e := s.Accounting.Expense
	return e.Vendor != "" && e.TotalAmount != "" && e.Currency != "" && e.ExpenseDate != ""
}
