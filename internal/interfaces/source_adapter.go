package interfaces

import (
	"context"
	"time"
)

// AckStatus reports the pipeline outcome for one fetched item back to
// the upstream source.
type AckStatus string

const (
	// AckProcessed marks the item archived successfully
	AckProcessed AckStatus = "processed"

	// AckSkipped marks the item intentionally not archived (duplicate or no workflow)
	AckSkipped AckStatus = "skipped"

	// AckFailed marks the item errored; the source should surface it again
	AckFailed AckStatus = "failed"
)

// RawAttachment is an attachment pre-separated by a source adapter for
// sources that do not deliver MIME messages (Slack files, Drive exports).
type RawAttachment struct {
	Filename string
	MimeType string
	Data     []byte
}

// RawInput is one fetched item before feature extraction. Mail sources
// put the full RFC 5322 message in Raw; chat and docs sources put the
// rendered text in Raw and carry files in Attachments.
type RawInput struct {
	// Raw is the source payload (message bytes, exported document, chat text)
	Raw []byte

	// Origin carries source metadata under stable keys: source,
	// message_id, from, to, subject, date, permalink
	Origin map[string]string

	// Attachments holds files the source delivers outside the raw payload
	Attachments []RawAttachment

	// AckToken identifies this item for Ack calls (message UID, ts, file ID)
	AckToken string
}

// FetchOptions bound a fetch pass over a source.
type FetchOptions struct {
	// After limits the fetch to items newer than this instant (zero = unbounded)
	After time.Time

	// Before limits the fetch to items older than this instant (zero = unbounded)
	Before time.Time

	// Max caps the number of items yielded (0 = source default)
	Max int

	// Query is a source-specific filter (Gmail search syntax, IMAP criteria)
	Query string
}

// FetchFunc receives one fetched item. Returning an error stops the
// fetch and propagates the error to the Fetch caller.
type FetchFunc func(item *RawInput) error

// SourceAdapter is the contract every ingress source implements. The
// pipeline only depends on this shape; adapters own their credentials,
// rate limits, and pagination.
type SourceAdapter interface {
	// Name returns the source identifier (mail, slack, gdocs, localdocs)
	Name() string

	// Fetch streams matching items to fn in upstream order
	Fetch(ctx context.Context, opts FetchOptions, fn FetchFunc) error

	// Ack reports the pipeline outcome for a previously yielded item.
	// Adapters without an upstream acknowledgement concept return nil.
	Ack(ctx context.Context, token string, status AckStatus) error

	// Close releases connections and cached clients
	Close() error
}
