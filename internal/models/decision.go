package models

// Classification method tags. Exactly one applies to each classify call.
// MethodReplay marks a re-archive from a previously recorded decision,
// bypassing classification entirely.
const (
	MethodSimilarity         = "similarity"
	MethodHybrid             = "hybrid"
	MethodLLM                = "llm"
	MethodSimilarityFallback = "similarity_fallback"
	MethodReplay             = "replay"
)

// Candidate is one ranked label from the advisor.
type Candidate struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
}

// Decision is the advisor's structured answer. Label is empty when the
// advisor abstains (interactive mode only).
type Decision struct {
	DecisionID   string      `json:"decision_id"`
	Label        string      `json:"label,omitempty"`
	Confidence   float64     `json:"confidence"`
	Candidates   []Candidate `json:"candidates,omitempty"`
	Evidence     string      `json:"evidence,omitempty"`
	AdvisorsUsed []string    `json:"advisors_used,omitempty"`
}

// ClassifyOptions tune one advisor call. TrustLLM overrides the
// configured advisor trust threshold when > 0.
type ClassifyOptions struct {
	AllowLLM       bool
	Interactive    bool
	MaxCandidates  int
	WorkflowFilter []string
	TrustLLM       float64
}

// CostEstimate is the user-visible spend prediction shown before a
// batch consults the advisor.
type CostEstimate struct {
	Items           int     `json:"items"`
	Provider        string  `json:"provider"`
	Model           string  `json:"model"`
	EstimatedTokens int64   `json:"estimated_tokens"`
	EstimatedUSD    float64 `json:"estimated_usd"`
}

// ScoredExample pairs a training example with its similarity score.
type ScoredExample struct {
	Instance CriteriaInstance `json:"instance"`
	Score    float64          `json:"score"`
}

// RankedWorkflow is one similarity-engine result row: the workflow's max
// score over its examples plus up to three best matches.
type RankedWorkflow struct {
	WorkflowName string          `json:"workflow_name"`
	Score        float64         `json:"score"`
	BestMatches  []ScoredExample `json:"best_matches,omitempty"`
}

// ClassifyResult is the hybrid classifier's output for one item.
type ClassifyResult struct {
	Method       string           `json:"method"` // similarity, hybrid, llm, similarity_fallback
	WorkflowName string           `json:"workflow_name,omitempty"`
	Confidence   float64          `json:"confidence"`
	Rankings     []RankedWorkflow `json:"rankings,omitempty"`
	LLMDecision  *Decision        `json:"llm_decision,omitempty"` // assist or primary answer when the advisor ran
	Skip         bool             `json:"skip"`
	SkipReason   string           `json:"skip_reason,omitempty"`
}

// Item outcome statuses reported by the orchestrator.
const (
	StatusArchived  = "archived"
	StatusSkipped   = "skipped"
	StatusFailed    = "failed"
	StatusDryRun    = "dry-run"
	StatusTrainOnly = "trained"
)

// Skip reasons surfaced in outcome lines and batch summaries.
const (
	SkipAlreadyProcessed = "already_processed"
	SkipNoWorkflow       = "no_workflow"
	SkipLowConfidence    = "low_confidence"
	SkipUserDeclined     = "user_declined"
)

// ArchiveResult reports the paths one archive call materialized.
type ArchiveResult struct {
	DocumentID      DocumentID `json:"document_id"`
	ContentPath     string     `json:"content_path"`
	MetadataPath    string     `json:"metadata_path"`
	AttachmentPaths []string   `json:"attachment_paths,omitempty"`
	OriginalPath    string     `json:"original_path,omitempty"`
}

// Outcome is the orchestrator's per-item report.
type Outcome struct {
	Status     string         `json:"status"` // archived, skipped, failed, dry-run, trained
	Reason     string         `json:"reason,omitempty"`
	Workflow   string         `json:"workflow,omitempty"`
	Method     string         `json:"method,omitempty"`
	Confidence float64        `json:"confidence,omitempty"`
	Archive    *ArchiveResult `json:"archive,omitempty"`
	Err        error          `json:"-"`
}

// BatchSummary aggregates outcomes for one ingest run.
type BatchSummary struct {
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// ClassifierStats counts emit paths. The three counters sum to the
// number of classify calls.
type ClassifierStats struct {
	SimilarityOnly int64 `json:"similarity_only"`
	LLMOnly        int64 `json:"llm_only"`
	LLMAssisted    int64 `json:"llm_assisted"`
}
