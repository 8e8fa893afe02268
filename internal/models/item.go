package models

import (
	"time"
)

// Source identifiers for ingested items.
const (
	SourceMail      = "mail"
	SourceSlack     = "slack"
	SourceGDocs     = "gdocs"
	SourceLocalDocs = "localdocs"
	SourceOther     = "other"
)

// IsValidSource checks whether source is one of the known identifiers.
func IsValidSource(source string) bool {
	switch source {
	case SourceMail, SourceSlack, SourceGDocs, SourceLocalDocs, SourceOther:
		return true
	}
	return false
}

// Stable origin map keys shared by all adapters.
const (
	OriginMessageID = "message_id"
	OriginFrom      = "from"
	OriginTo        = "to"
	OriginSubject   = "subject"
	OriginDate      = "date"
	OriginPermalink = "permalink"
)

// Origin keys adapters set to route stream captures. The extractor
// consumes them into the Stream* item fields; they never persist in
// the origin map.
const (
	OriginStreamEntity  = "stream_entity"
	OriginStreamKind    = "stream_kind"
	OriginStreamChannel = "stream_channel"
)

// Attachment is one part of an ingested item. Data holds the decoded
// bytes when the adapter delivered them inline; PayloadRef points at a
// fetchable location otherwise (Drive file ID, temp path).
type Attachment struct {
	Filename   string `json:"filename"`
	Mime       string `json:"mime"`
	Size       int64  `json:"size"`
	IsPDF      bool   `json:"is_pdf"`
	PayloadRef string `json:"payload_ref,omitempty"`
	Data       []byte `json:"-"`
}

// Features is the uniform feature vector the similarity engine scores.
// Token fields are lowercased \w+ sets, bounded by the extractor.
type Features struct {
	FromDomain     string   `json:"from_domain"`
	SubjectTokens  []string `json:"subject_tokens"`
	BodyTokens     []string `json:"body_tokens"`
	HasPDF         bool     `json:"has_pdf"`
	To             string   `json:"to"`
	NumAttachments int      `json:"num_attachments"`
}

// Item is the in-memory record one ingest event produces. It is built by
// the feature extractor, consumed by classification and archival, and
// never persisted as such.
type Item struct {
	// Identity
	Source string            `json:"source"` // mail, slack, gdocs, localdocs, other
	Origin map[string]string `json:"origin"` // stable keys: message_id, from, to, subject, date, permalink

	// Content
	Payload     Payload      `json:"-"`         // raw bytes being archived
	Mimetype    string       `json:"mimetype"`  // mimetype of Payload when known
	Body        string       `json:"body"`      // plain text, capped by the extractor
	BodyHTML    string       `json:"body_html"` // original HTML part when present
	RawSize     int64        `json:"raw_size"`
	Attachments []Attachment `json:"attachments"`

	// Classification inputs
	Features Features `json:"features"`

	// Stream routing (chat transcripts, doc exports); empty for documents
	StreamEntity  string `json:"stream_entity,omitempty"`
	StreamKind    string `json:"stream_kind,omitempty"`
	StreamChannel string `json:"stream_channel,omitempty"`
}

// Payload aliases the raw content bytes of an item.
type Payload []byte

// MessageID returns the origin message id, empty when absent.
func (i *Item) MessageID() string {
	return i.Origin[OriginMessageID]
}

// Subject returns the origin subject, empty when absent.
func (i *Item) Subject() string {
	return i.Origin[OriginSubject]
}

// CreatedAt resolves the item timestamp: origin.date when parseable,
// otherwise now. Always UTC.
func (i *Item) CreatedAt() time.Time {
	if raw := i.Origin[OriginDate]; raw != "" {
		for _, layout := range []string{time.RFC3339, time.RFC1123Z, time.RFC1123, time.RFC822Z} {
			if t, err := time.Parse(layout, raw); err == nil {
				return t.UTC()
			}
		}
	}
	return time.Now().UTC()
}

// HasPDFAttachment reports whether any attachment is a PDF.
func (i *Item) HasPDFAttachment() bool {
	for _, a := range i.Attachments {
		if a.IsPDF {
			return true
		}
	}
	return false
}

// PrimaryAttachment returns the first PDF attachment, or the first
// attachment of any kind, or nil.
func (i *Item) PrimaryAttachment() *Attachment {
	for n := range i.Attachments {
		if i.Attachments[n].IsPDF {
			return &i.Attachments[n]
		}
	}
	if len(i.Attachments) > 0 {
		return &i.Attachments[0]
	}
	return nil
}
