// -----------------------------------------------------------------------
// Pipeline Orchestrator - per-item ingest state machine
// -----------------------------------------------------------------------

package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/arca/internal/common"
	"github.com/ternarybob/arca/internal/interfaces"
	"github.com/ternarybob/arca/internal/models"
)

// defaultMaxCandidates bounds the advisor's candidate list when the
// caller does not ask for more.
const defaultMaxCandidates = 3

// ConfirmWorkflowFunc is the interactive hook: it receives the classify
// result and returns the workflow to archive under. An empty name
// accepts the classifier's pick; models.SkipWorkflowName records a
// negative example; ok=false declines the item entirely.
type ConfirmWorkflowFunc func(item *models.Item, result *models.ClassifyResult) (name string, ok bool)

// ConfirmCostFunc approves the advisor spend estimate for a batch.
type ConfirmCostFunc func(est models.CostEstimate) bool

// Options tune one ingest run. The zero value is a plain non-interactive
// archive pass.
type Options struct {
	// DryRun classifies and reports but writes nothing: no archive, no
	// dedup mark, no training example, no upstream ack.
	DryRun bool

	// TrainOnly records the classification as a training example and
	// stops before archival.
	TrainOnly bool

	// Replay re-archives from the decision recorded in the dedup tracker
	// without classifying again.
	Replay bool

	// Force bypasses the dedup check. The dedup mark after archival
	// still happens.
	Force bool

	// AllowLLM permits advisor calls during classification
	AllowLLM bool

	// Workflows restricts archival to the named workflows. The advisor
	// label set is filtered to match; a similarity winner outside the
	// set is reported as skipped.
	Workflows []string

	// MinConfidence skips any pick scored below it (0 = no floor)
	MinConfidence float64

	// TrustLLM overrides the configured advisor trust threshold (0 =
	// use config)
	TrustLLM float64

	// ConfirmWorkflow, when set, is consulted before every archive.
	// Its presence marks the run interactive, which also lets the
	// advisor abstain.
	ConfirmWorkflow ConfirmWorkflowFunc

	// ConfirmCost, when set, must approve the advisor estimate before a
	// batch consults the LLM
	ConfirmCost ConfirmCostFunc
}

// Orchestrator runs one item at a time through extract, dedup,
// classify, archive, index, and mark. It holds no per-item state;
// batches share a single instance.
type Orchestrator struct {
	config     *common.Config
	extractor  interfaces.ExtractorService
	dedup      interfaces.DedupTracker
	classifier interfaces.ClassifierService
	advisor    interfaces.AdvisorService
	workflows  interfaces.WorkflowStorage
	archiver   interfaces.ArchiveService
	indexer    interfaces.IndexService
	logger     arbor.ILogger
}

// NewOrchestrator wires the pipeline. advisor and indexer may be nil;
// classification then runs similarity-only and new documents wait for
// the next index rebuild.
func NewOrchestrator(
	config *common.Config,
	extractor interfaces.ExtractorService,
	dedup interfaces.DedupTracker,
	classifier interfaces.ClassifierService,
	advisor interfaces.AdvisorService,
	workflows interfaces.WorkflowStorage,
	archiver interfaces.ArchiveService,
	indexer interfaces.IndexService,
	logger arbor.ILogger,
) *Orchestrator {
	return &Orchestrator{
		config:     config,
		extractor:  extractor,
		dedup:      dedup,
		classifier: classifier,
		advisor:    advisor,
		workflows:  workflows,
		archiver:   archiver,
		indexer:    indexer,
		logger:     logger,
	}
}

// Process runs the full state machine on one raw source record.
func (o *Orchestrator) Process(ctx context.Context, rec *interfaces.RawInput, opts Options) *models.Outcome {
	item, err := o.extractor.Extract(ctx, rec)
	if err != nil {
		return &models.Outcome{Status: models.StatusFailed, Reason: "extract", Err: err}
	}
	return o.ProcessItem(ctx, item, opts)
}

// ProcessItem runs the state machine on an already-extracted item.
// Stream items (chat transcripts, doc exports) bypass classification
// and archive under streams/; documents go through the full path.
func (o *Orchestrator) ProcessItem(ctx context.Context, item *models.Item, opts Options) *models.Outcome {
	if item.StreamKind != "" {
		return o.processStream(ctx, item, opts)
	}

	payload := itemPayload(item)
	messageID := item.MessageID()

	if opts.Replay {
		return o.replay(ctx, item, payload, messageID, opts)
	}

	if !opts.Force {
		processed, err := o.dedup.IsProcessed(ctx, payload, messageID)
		if err != nil {
			return &models.Outcome{Status: models.StatusFailed, Err: err}
		}
		if processed {
			return &models.Outcome{Status: models.StatusSkipped, Reason: models.SkipAlreadyProcessed}
		}
	}

	result, err := o.classifier.Classify(ctx, item, o.classifyOptions(opts))
	if err != nil {
		return &models.Outcome{Status: models.StatusFailed, Err: err}
	}

	if result.WorkflowName != "" && !workflowAllowed(opts.Workflows, result.WorkflowName) {
		// Winner exists but the run excluded it. Not negative training:
		// the pick may be right, just out of scope for this run.
		return &models.Outcome{
			Status:     models.StatusSkipped,
			Reason:     models.SkipNoWorkflow,
			Workflow:   result.WorkflowName,
			Method:     result.Method,
			Confidence: result.Confidence,
		}
	}

	userConfirmed := false
	if opts.ConfirmWorkflow != nil {
		name, ok := opts.ConfirmWorkflow(item, result)
		if !ok {
			return &models.Outcome{Status: models.StatusSkipped, Reason: models.SkipUserDeclined, Method: result.Method}
		}
		userConfirmed = true
		switch {
		case name == models.SkipWorkflowName:
			if !opts.DryRun {
				o.recordTraining(ctx, item, models.SkipWorkflowName, true, 0)
			}
			return &models.Outcome{Status: models.StatusSkipped, Reason: models.SkipNoWorkflow, Method: result.Method}
		case name != "" && name != result.WorkflowName:
			// User override; the score belonged to the original pick.
			result.WorkflowName = name
			result.Skip = false
			result.SkipReason = ""
			result.Confidence = 0
		}
	}

	if result.Skip || result.WorkflowName == "" {
		reason := result.SkipReason
		if reason == "" {
			reason = models.SkipNoWorkflow
		}
		// Only a positive skip decision becomes negative training. A
		// result with no winner at all (rankings-only fallback) decided
		// nothing.
		if result.Skip && result.SkipReason == models.SkipNoWorkflow && !opts.DryRun {
			o.recordTraining(ctx, item, models.SkipWorkflowName, userConfirmed, result.Confidence)
		}
		return &models.Outcome{Status: models.StatusSkipped, Reason: reason, Method: result.Method, Confidence: result.Confidence}
	}

	if opts.MinConfidence > 0 && result.Confidence < opts.MinConfidence {
		return &models.Outcome{
			Status:     models.StatusSkipped,
			Reason:     models.SkipLowConfidence,
			Workflow:   result.WorkflowName,
			Method:     result.Method,
			Confidence: result.Confidence,
		}
	}

	workflow, err := o.workflows.Get(ctx, result.WorkflowName)
	if err != nil {
		return &models.Outcome{Status: models.StatusFailed, Workflow: result.WorkflowName, Method: result.Method, Err: err}
	}

	if opts.DryRun {
		return &models.Outcome{
			Status:     models.StatusDryRun,
			Workflow:   workflow.Name,
			Method:     result.Method,
			Confidence: result.Confidence,
		}
	}

	if opts.TrainOnly {
		if err := o.classifier.RecordFeedback(ctx, item, workflow.Name, userConfirmed, result.Confidence); err != nil {
			return &models.Outcome{Status: models.StatusFailed, Workflow: workflow.Name, Err: err}
		}
		return &models.Outcome{
			Status:     models.StatusTrainOnly,
			Workflow:   workflow.Name,
			Method:     result.Method,
			Confidence: result.Confidence,
		}
	}

	archiveRes, err := o.archiver.Archive(ctx, item, workflow, result)
	if err != nil {
		return &models.Outcome{Status: models.StatusFailed, Workflow: workflow.Name, Method: result.Method, Err: err}
	}

	o.indexArchived(ctx, archiveRes)

	// The mark must observe archive success; a failed mark would let the
	// next run archive the same payload again, so it is fatal.
	if err := o.dedup.MarkProcessed(ctx, payload, messageID, workflow.Name); err != nil {
		return &models.Outcome{Status: models.StatusFailed, Workflow: workflow.Name, Archive: archiveRes, Err: err}
	}

	o.recordOutcomeFeedback(ctx, item, result, userConfirmed)

	return &models.Outcome{
		Status:     models.StatusArchived,
		Workflow:   workflow.Name,
		Method:     result.Method,
		Confidence: result.Confidence,
		Archive:    archiveRes,
	}
}

// replay re-archives from the decision recorded at first processing
// time. Items never processed have nothing to replay.
func (o *Orchestrator) replay(ctx context.Context, item *models.Item, payload []byte, messageID string, opts Options) *models.Outcome {
	rec, err := o.dedup.GetInfo(ctx, payload, messageID)
	if err != nil {
		return &models.Outcome{Status: models.StatusFailed, Err: err}
	}
	if rec == nil {
		return &models.Outcome{Status: models.StatusSkipped, Reason: "no recorded decision"}
	}
	if rec.WorkflowName == models.SkipWorkflowName {
		return &models.Outcome{Status: models.StatusSkipped, Reason: models.SkipNoWorkflow, Method: models.MethodReplay}
	}
	if !workflowAllowed(opts.Workflows, rec.WorkflowName) {
		return &models.Outcome{Status: models.StatusSkipped, Reason: models.SkipNoWorkflow, Workflow: rec.WorkflowName, Method: models.MethodReplay}
	}

	workflow, err := o.workflows.Get(ctx, rec.WorkflowName)
	if err != nil {
		return &models.Outcome{Status: models.StatusFailed, Workflow: rec.WorkflowName, Method: models.MethodReplay, Err: err}
	}

	result := &models.ClassifyResult{
		Method:       models.MethodReplay,
		WorkflowName: rec.WorkflowName,
	}

	if opts.DryRun {
		return &models.Outcome{Status: models.StatusDryRun, Workflow: workflow.Name, Method: models.MethodReplay}
	}

	archiveRes, err := o.archiver.Archive(ctx, item, workflow, result)
	if err != nil {
		return &models.Outcome{Status: models.StatusFailed, Workflow: workflow.Name, Method: models.MethodReplay, Err: err}
	}
	o.indexArchived(ctx, archiveRes)

	if err := o.dedup.MarkProcessed(ctx, payload, messageID, workflow.Name); err != nil {
		return &models.Outcome{Status: models.StatusFailed, Workflow: workflow.Name, Archive: archiveRes, Err: err}
	}

	return &models.Outcome{
		Status:   models.StatusArchived,
		Workflow: workflow.Name,
		Method:   models.MethodReplay,
		Archive:  archiveRes,
	}
}

func (o *Orchestrator) processStream(ctx context.Context, item *models.Item, opts Options) *models.Outcome {
	if opts.TrainOnly {
		return &models.Outcome{Status: models.StatusSkipped, Reason: "not trainable"}
	}

	payload := itemPayload(item)
	messageID := item.MessageID()

	if !opts.Force && !opts.Replay {
		processed, err := o.dedup.IsProcessed(ctx, payload, messageID)
		if err != nil {
			return &models.Outcome{Status: models.StatusFailed, Err: err}
		}
		if processed {
			return &models.Outcome{Status: models.StatusSkipped, Reason: models.SkipAlreadyProcessed}
		}
	}

	if opts.DryRun {
		return &models.Outcome{
			Status: models.StatusDryRun,
			Reason: fmt.Sprintf("stream %s/%s", item.StreamKind, item.StreamChannel),
		}
	}

	archiveRes, err := o.archiver.ArchiveStream(ctx, item)
	if err != nil {
		return &models.Outcome{Status: models.StatusFailed, Err: err}
	}

	if err := o.dedup.MarkProcessed(ctx, payload, messageID, item.StreamKind); err != nil {
		return &models.Outcome{Status: models.StatusFailed, Archive: archiveRes, Err: err}
	}

	return &models.Outcome{Status: models.StatusArchived, Archive: archiveRes}
}

// indexArchived mirrors a fresh document into the index. Failures are
// logged, not fatal: the index is rebuildable from sidecars, the
// archive and its dedup mark are not.
func (o *Orchestrator) indexArchived(ctx context.Context, res *models.ArchiveResult) {
	if o.indexer == nil {
		return
	}
	raw, err := os.ReadFile(res.MetadataPath)
	if err != nil {
		o.logger.Warn().Err(err).Str("path", res.MetadataPath).Msg("Cannot read sidecar for inline indexing")
		return
	}
	sidecar, err := models.ParseSidecar(raw)
	if err != nil {
		o.logger.Warn().Err(err).Str("path", res.MetadataPath).Msg("Cannot parse sidecar for inline indexing")
		return
	}
	rel, err := filepath.Rel(o.archiver.BasePath(), res.MetadataPath)
	if err != nil {
		rel = res.MetadataPath
	}
	if err := o.indexer.IndexDocument(ctx, sidecar, filepath.ToSlash(rel)); err != nil {
		o.logger.Warn().Err(err).Str("document_id", res.DocumentID.ShortString()).Msg("Inline indexing failed, rebuild will catch up")
	}
}

// recordOutcomeFeedback turns an archived decision into training data.
// When the advisor spoke, the verdict routes through its feedback hook
// so the audit trail and the criteria store both learn; otherwise the
// classifier records the example directly. Best effort either way.
func (o *Orchestrator) recordOutcomeFeedback(ctx context.Context, item *models.Item, result *models.ClassifyResult, userConfirmed bool) {
	if result.Method == models.MethodReplay {
		return
	}
	if result.LLMDecision != nil && o.advisor != nil {
		if err := o.advisor.Feedback(result.LLMDecision.DecisionID, result.WorkflowName, ""); err != nil {
			o.logger.Warn().Err(err).Msg("Advisor feedback failed")
		}
		return
	}
	o.recordTraining(ctx, item, result.WorkflowName, userConfirmed, result.Confidence)
}

func (o *Orchestrator) recordTraining(ctx context.Context, item *models.Item, workflowName string, userConfirmed bool, confidence float64) {
	if err := o.classifier.RecordFeedback(ctx, item, workflowName, userConfirmed, confidence); err != nil {
		o.logger.Warn().Err(err).Str("workflow", workflowName).Msg("Training example not recorded")
	}
}

func (o *Orchestrator) classifyOptions(opts Options) models.ClassifyOptions {
	return models.ClassifyOptions{
		AllowLLM:       opts.AllowLLM,
		Interactive:    opts.ConfirmWorkflow != nil,
		MaxCandidates:  defaultMaxCandidates,
		WorkflowFilter: opts.Workflows,
		TrustLLM:       opts.TrustLLM,
	}
}

// itemPayload selects the bytes the writer will hash, so the dedup
// tracker and the document id always agree.
func itemPayload(item *models.Item) []byte {
	if len(item.Payload) > 0 {
		return item.Payload
	}
	return []byte(item.Body)
}

func workflowAllowed(filter []string, name string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		if f == name {
			return true
		}
	}
	return false
}
