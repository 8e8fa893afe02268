package classifier

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/arca/internal/common"
	"github.com/ternarybob/arca/internal/interfaces"
	"github.com/ternarybob/arca/internal/models"
)

// HighConfidenceBand is the similarity score above which the winner is
// emitted without consulting the advisor. The medium boundary is
// configurable (similarity.min_threshold).
const HighConfidenceBand = 0.85

// pendingDecisions bounds the decision -> features map used to resolve
// advisor feedback back into training examples.
const pendingDecisions = 256

type pendingDecision struct {
	emailID    string
	features   models.Features
	label      string
	confidence float64
}

// Hybrid composes the similarity engine and the LLM advisor behind the
// three-band gate. It is safe for concurrent use.
type Hybrid struct {
	config     *common.Config
	similarity interfaces.SimilarityService
	advisor    interfaces.AdvisorService
	workflows  interfaces.WorkflowStorage
	criteria   interfaces.CriteriaStorage
	logger     arbor.ILogger

	mu      sync.Mutex
	stats   models.ClassifierStats
	pending map[string]pendingDecision
	order   []string
}

// Compile-time assertion
var _ interfaces.ClassifierService = (*Hybrid)(nil)

// NewHybrid creates the classifier. advisor may be nil or disabled; the
// similarity paths still work.
func NewHybrid(config *common.Config, similarity interfaces.SimilarityService, advisor interfaces.AdvisorService, workflows interfaces.WorkflowStorage, criteria interfaces.CriteriaStorage, logger arbor.ILogger) *Hybrid {
	return &Hybrid{
		config:     config,
		similarity: similarity,
		advisor:    advisor,
		workflows:  workflows,
		criteria:   criteria,
		logger:     logger,
		pending:    make(map[string]pendingDecision),
	}
}

// Classify drives the async variant and waits for its single result.
func (h *Hybrid) Classify(ctx context.Context, item *models.Item, opts models.ClassifyOptions) (*models.ClassifyResult, error) {
	res := <-h.ClassifyAsync(ctx, item, opts)
	return res.Result, res.Err
}

// ClassifyAsync runs the classification on its own goroutine. The
// returned channel is buffered and closed after one send.
func (h *Hybrid) ClassifyAsync(ctx context.Context, item *models.Item, opts models.ClassifyOptions) <-chan interfaces.AsyncClassifyResult {
	ch := make(chan interfaces.AsyncClassifyResult, 1)
	common.SafeGo(h.logger, "classifier.classify", func() {
		defer close(ch)
		result, err := h.classify(ctx, item, opts)
		ch <- interfaces.AsyncClassifyResult{Result: result, Err: err}
	})
	return ch
}

func (h *Hybrid) classify(ctx context.Context, item *models.Item, opts models.ClassifyOptions) (*models.ClassifyResult, error) {
	rankings, err := h.similarity.RankWorkflows(ctx, item.Features)
	if err != nil {
		return nil, err
	}

	trained, err := h.trainingCount(ctx)
	if err != nil {
		return nil, err
	}
	gateActive := h.config.Classifier.GateEnabled && trained >= h.config.Similarity.MinTrainingExamples

	var top *models.RankedWorkflow
	if len(rankings) > 0 {
		top = &rankings[0]
	}

	if !gateActive {
		// Under-trained (or gate disabled): similarity scores are not
		// trustworthy enough to pick a winner.
		if h.advisorReady(opts) {
			return h.classifyLLMPrimary(ctx, item, opts, rankings)
		}
		h.bump(func(s *models.ClassifierStats) { s.SimilarityOnly++ })
		return &models.ClassifyResult{Method: models.MethodSimilarity, Rankings: rankings}, nil
	}

	switch {
	case top != nil && top.Score >= HighConfidenceBand:
		h.bump(func(s *models.ClassifierStats) { s.SimilarityOnly++ })
		return h.emitSimilarityWinner(models.MethodSimilarity, top, rankings, nil), nil

	case top != nil && top.Score >= h.config.Similarity.MinThreshold:
		// Medium band: winner stands, advisor opinion rides along.
		var decision *models.Decision
		if h.advisorReady(opts) && top.Score < h.config.Similarity.SkipLLMThreshold {
			decision, err = h.advisor.Classify(ctx, h.advisorRequest(item, opts))
			if err != nil {
				h.logger.Warn().Err(err).Msg("Advisor assist failed, similarity winner stands")
				decision = nil
			}
		}
		if decision != nil {
			h.rememberDecision(item, decision)
			h.bump(func(s *models.ClassifierStats) { s.LLMAssisted++ })
			return h.emitSimilarityWinner(models.MethodHybrid, top, rankings, decision), nil
		}
		h.bump(func(s *models.ClassifierStats) { s.SimilarityOnly++ })
		return h.emitSimilarityWinner(models.MethodSimilarity, top, rankings, nil), nil

	default:
		if h.advisorReady(opts) {
			return h.classifyLLMPrimary(ctx, item, opts, rankings)
		}
		h.bump(func(s *models.ClassifierStats) { s.SimilarityOnly++ })
		return &models.ClassifyResult{Method: models.MethodSimilarity, Rankings: rankings}, nil
	}
}

// classifyLLMPrimary consults the advisor as the deciding voice, falling
// back to the bare similarity ranking when the call fails.
func (h *Hybrid) classifyLLMPrimary(ctx context.Context, item *models.Item, opts models.ClassifyOptions, rankings []models.RankedWorkflow) (*models.ClassifyResult, error) {
	decision, err := h.advisor.Classify(ctx, h.advisorRequest(item, opts))
	if err != nil || decision == nil {
		if err != nil {
			h.logger.Warn().Err(err).Msg("Advisor failed, falling back to similarity ranking")
		}
		h.bump(func(s *models.ClassifierStats) { s.SimilarityOnly++ })
		return &models.ClassifyResult{Method: models.MethodSimilarityFallback, Rankings: rankings}, nil
	}
	h.rememberDecision(item, decision)
	h.bump(func(s *models.ClassifierStats) { s.LLMOnly++ })

	result := &models.ClassifyResult{
		Method:      models.MethodLLM,
		Rankings:    rankings,
		LLMDecision: decision,
	}

	switch {
	case decision.Label == "":
		// Abstention; the caller decides (interactive prompt or skip).
	case decision.Label == models.SkipWorkflowName:
		result.Skip = true
		result.SkipReason = models.SkipNoWorkflow
	case decision.Confidence >= h.trustThreshold(opts):
		result.WorkflowName = decision.Label
		result.Confidence = decision.Confidence
	default:
		result.Skip = true
		result.SkipReason = models.SkipLowConfidence
	}
	return result, nil
}

func (h *Hybrid) emitSimilarityWinner(method string, top *models.RankedWorkflow, rankings []models.RankedWorkflow, decision *models.Decision) *models.ClassifyResult {
	result := &models.ClassifyResult{
		Method:      method,
		Confidence:  top.Score,
		Rankings:    rankings,
		LLMDecision: decision,
	}
	if top.WorkflowName == models.SkipWorkflowName {
		result.Skip = true
		result.SkipReason = models.SkipNoWorkflow
	} else {
		result.WorkflowName = top.WorkflowName
	}
	return result
}

// RecordFeedback stores a labelled training example for the item.
func (h *Hybrid) RecordFeedback(ctx context.Context, item *models.Item, workflowName string, userConfirmed bool, confidence float64) error {
	if workflowName != models.SkipWorkflowName {
		exists, err := h.workflows.Exists(ctx, workflowName)
		if err != nil {
			return err
		}
		if !exists {
			return models.Errorf(models.KindWorkflowNotFound, "classifier.record_feedback",
				"workflow %q not found", workflowName)
		}
	}

	instance := &models.CriteriaInstance{
		EmailID:         itemTrainingID(item),
		WorkflowName:    workflowName,
		Timestamp:       time.Now().UTC(),
		Features:        item.Features,
		UserConfirmed:   userConfirmed,
		ConfidenceScore: confidence,
	}
	if err := h.saveInstance(ctx, instance); err != nil {
		return err
	}

	h.logger.Debug().
		Str("email_id", instance.EmailID).
		Str("workflow", workflowName).
		Bool("user_confirmed", userConfirmed).
		Msg("Training example recorded")
	return nil
}

// RecordDecisionFeedback is the advisor feedback hook: it resolves the
// decision id back to the features captured at classify time and stores
// the user's verdict as a training example. Unknown ids are dropped;
// the decision aged out of the window.
func (h *Hybrid) RecordDecisionFeedback(decisionID, label, reason string) error {
	h.mu.Lock()
	snap, ok := h.pending[decisionID]
	h.mu.Unlock()
	if !ok {
		h.logger.Debug().Str("decision_id", decisionID).Msg("Feedback for unknown decision dropped")
		return nil
	}

	confidence := 0.0
	if snap.label == label {
		confidence = snap.confidence
	}
	instance := &models.CriteriaInstance{
		EmailID:         snap.emailID,
		WorkflowName:    label,
		Timestamp:       time.Now().UTC(),
		Features:        snap.features,
		UserConfirmed:   true,
		ConfidenceScore: confidence,
	}
	return h.saveInstance(context.Background(), instance)
}

// Stats returns a copy of the emit-path counters.
func (h *Hybrid) Stats() models.ClassifierStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

func (h *Hybrid) saveInstance(ctx context.Context, instance *models.CriteriaInstance) error {
	if soft := h.config.Storage.MaxCriteriaInstancesSoft; soft > 0 {
		count, err := h.criteria.Count(ctx)
		if err == nil && count >= soft {
			h.logger.Warn().
				Int("count", count).
				Int("soft_cap", soft).
				Msg("Criteria store above soft cap, consider pruning workflows")
		}
	}
	return h.criteria.Save(ctx, instance)
}

func (h *Hybrid) advisorReady(opts models.ClassifyOptions) bool {
	return opts.AllowLLM && h.advisor != nil && h.advisor.Enabled()
}

func (h *Hybrid) trustThreshold(opts models.ClassifyOptions) float64 {
	if opts.TrustLLM > 0 {
		return opts.TrustLLM
	}
	return h.config.Classifier.GateMinConfidence
}

func (h *Hybrid) trainingCount(ctx context.Context) (int, error) {
	total, err := h.criteria.Count(ctx)
	if err != nil {
		return 0, err
	}
	negatives, err := h.criteria.CountByWorkflow(ctx, models.SkipWorkflowName)
	if err != nil {
		return 0, err
	}
	return total - negatives, nil
}

func (h *Hybrid) advisorRequest(item *models.Item, opts models.ClassifyOptions) *interfaces.ClassifyRequest {
	workflows, err := h.workflows.GetAll(context.Background())
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to load workflow catalogue for advisor")
	}
	catalogue := make([]models.Workflow, 0, len(workflows))
	for _, w := range workflows {
		catalogue = append(catalogue, *w)
	}

	meta := map[string]string{"source": item.Source}
	for _, key := range []string{models.OriginSubject, models.OriginFrom, models.OriginTo, models.OriginDate} {
		if v := item.Origin[key]; v != "" {
			meta[key] = v
		}
	}
	if n := len(item.Attachments); n > 0 {
		names := make([]string, 0, n)
		for _, a := range item.Attachments {
			names = append(names, a.Filename)
		}
		meta["attachments"] = strconv.Itoa(n) + ": " + strings.Join(names, ", ")
	}

	return &interfaces.ClassifyRequest{
		Text:      item.Body,
		Meta:      meta,
		Workflows: catalogue,
		Options:   opts,
	}
}

// rememberDecision snapshots the item features keyed by decision id so a
// later feedback call can be turned into a training example.
func (h *Hybrid) rememberDecision(item *models.Item, decision *models.Decision) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pending[decision.DecisionID] = pendingDecision{
		emailID:    itemTrainingID(item),
		features:   item.Features,
		label:      decision.Label,
		confidence: decision.Confidence,
	}
	h.order = append(h.order, decision.DecisionID)
	if len(h.order) > pendingDecisions {
		delete(h.pending, h.order[0])
		h.order = h.order[1:]
	}
}

func (h *Hybrid) bump(fn func(*models.ClassifierStats)) {
	h.mu.Lock()
	fn(&h.stats)
	h.mu.Unlock()
}

// itemTrainingID keys training examples: the message id when the source
// provides one, else the payload hash.
func itemTrainingID(item *models.Item) string {
	if id := item.MessageID(); id != "" {
		return id
	}
	return fmt.Sprintf("sha256:%x", sha256.Sum256(item.Payload))
}
