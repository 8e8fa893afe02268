package models

import (
	"time"
)

// DedupRecord marks a payload as processed. ContentHash is the unique
// key; MessageID is a secondary lookup so re-delivered mail short-circuits
// without rehashing large bodies.
type DedupRecord struct {
	ContentHash  string    `json:"content_hash"`
	MessageID    string    `json:"message_id,omitempty" badgerhold:"index"`
	WorkflowName string    `json:"workflow_name"`
	ProcessedAt  time.Time `json:"processed_at"`
}
