package models

import "time"

// IndexDocument is one row of the relational documents index. Rows are
// keyed by (entity, rel_path); ID is the database rowid after upsert.
type IndexDocument struct {
	ID             int64     `json:"id"`
	Entity         string    `json:"entity"`
	Date           time.Time `json:"date"`
	Filename       string    `json:"filename"`
	RelPath        string    `json:"rel_path"`
	Hash           string    `json:"hash"`
	Size           int64     `json:"size"`
	Type           string    `json:"type"`
	Source         string    `json:"source"`
	Workflow       string    `json:"workflow,omitempty"`
	Category       string    `json:"category,omitempty"`
	Confidence     float64   `json:"confidence,omitempty"`
	OriginJSON     string    `json:"origin_json"`
	StructuredJSON string    `json:"structured_json,omitempty"`
}

// IndexStream is one row of the streams index covering chat and docs
// captures.
type IndexStream struct {
	ID         int64     `json:"id"`
	Entity     string    `json:"entity"`
	Kind       string    `json:"kind"`
	Channel    string    `json:"channel"`
	Date       time.Time `json:"date"`
	RelPath    string    `json:"rel_path"`
	OriginJSON string    `json:"origin_json"`
}

// SearchText is the full-text payload mirrored into the pdf_search
// virtual table for one documents row.
type SearchText struct {
	Filename      string `json:"filename"`
	EmailSubject  string `json:"email_subject"`
	EmailFrom     string `json:"email_from"`
	SearchContent string `json:"search_content"`
}

// SearchOptions filter and order an index query. Filters compose as
// equality predicates.
type SearchOptions struct {
	Query    string `json:"query,omitempty"`
	Entity   string `json:"entity,omitempty"`
	Source   string `json:"source,omitempty"`
	Workflow string `json:"workflow,omitempty"`
	Category string `json:"category,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// SearchHit is one search result row with its BM25 rank when the query
// used full text (lower rank means better match).
type SearchHit struct {
	Document IndexDocument `json:"document"`
	Rank     float64       `json:"rank,omitempty"`
	Snippet  string        `json:"snippet,omitempty"`
}
