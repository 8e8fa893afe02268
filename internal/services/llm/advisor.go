package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"gopkg.in/yaml.v3"

	"github.com/ternarybob/arca/internal/common"
	"github.com/ternarybob/arca/internal/interfaces"
	"github.com/ternarybob/arca/internal/models"
)

// Prompt bounds. The excerpt cap keeps advisor calls cheap; items are
// classified from their head, which carries the sender and subject
// matter for every supported source.
const (
	maxPromptTextLen   = 6000
	defaultCandidates  = 3
	decisionLogEntries = 256
)

// Token estimates for cost prediction. Real usage varies with item
// size; these are deliberately round figures for the confirmation
// prompt, not billing.
const (
	estTokensPerItem   = 1800
	estOutputPerItem   = 250
	bytesPerTokenGuess = 4
)

// FeedbackFunc receives the user's verdict on an earlier decision.
type FeedbackFunc func(decisionID, label, reason string) error

// Advisor implements interfaces.AdvisorService over a single LLM
// provider. It serializes the workflow catalogue and item metadata as
// YAML, demands strict JSON back, and keeps a bounded in-memory log of
// recent decisions for feedback correlation.
type Advisor struct {
	provider interfaces.LLMProvider
	audit    *AuditLog
	logger   arbor.ILogger

	mu        sync.Mutex
	decisions map[string]*models.Decision
	order     []string
	feedback  FeedbackFunc
}

// Compile-time assertion
var _ interfaces.AdvisorService = (*Advisor)(nil)

// NewAdvisor creates the advisor over the given provider. provider may
// be nil (advisor disabled); audit may be nil (no persistent trail).
func NewAdvisor(provider interfaces.LLMProvider, audit *AuditLog, logger arbor.ILogger) *Advisor {
	return &Advisor{
		provider:  provider,
		audit:     audit,
		logger:    logger,
		decisions: make(map[string]*models.Decision),
	}
}

// SetFeedbackFunc installs the hook invoked on Feedback, typically the
// classifier's criteria recorder.
func (a *Advisor) SetFeedbackFunc(fn FeedbackFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.feedback = fn
}

// Enabled reports whether an underlying provider is configured.
func (a *Advisor) Enabled() bool {
	return a.provider != nil
}

// Classify asks the provider to pick a workflow for the item. Returns
// (nil, nil) when the advisor is disabled or the call opted out.
func (a *Advisor) Classify(ctx context.Context, req *interfaces.ClassifyRequest) (*models.Decision, error) {
	if a.provider == nil || req == nil || !req.Options.AllowLLM {
		return nil, nil
	}

	workflows := filterWorkflows(req.Workflows, req.Options.WorkflowFilter)
	if len(workflows) == 0 {
		return nil, models.Errorf(models.KindAdvisor, "advisor.classify", "no workflows to classify against")
	}

	payload, err := buildPromptPayload(req.Meta, workflows)
	if err != nil {
		return nil, models.E(models.KindAdvisor, "advisor.classify", err)
	}

	maxCandidates := req.Options.MaxCandidates
	if maxCandidates <= 0 {
		maxCandidates = defaultCandidates
	}

	start := time.Now()
	raw, err := a.provider.Chat(ctx, &interfaces.ChatRequest{
		SystemInstruction: systemPrompt(req.Options.Interactive),
		Messages: []interfaces.Message{
			{Role: "user", Content: userPrompt(payload, req.Text, maxCandidates)},
		},
		OutputSchema: decisionSchema(),
	})
	a.logAudit("classify", err == nil, time.Since(start), err, req.Meta["subject"])
	if err != nil {
		return nil, models.E(models.KindAdvisor, "advisor.classify", err)
	}

	decision, err := a.parseDecision(raw, workflows, maxCandidates)
	if err != nil {
		return nil, err
	}
	decision.DecisionID = common.NewDecisionID()
	decision.AdvisorsUsed = []string{fmt.Sprintf("%s/%s", a.provider.Name(), a.provider.Model())}

	if decision.Label == "" && !req.Options.Interactive && len(decision.Candidates) > 0 {
		// Non-interactive callers need an answer; promote the top
		// candidate and let the caller's trust threshold gate it.
		decision.Label = decision.Candidates[0].Label
		decision.Confidence = decision.Candidates[0].Confidence
	}

	a.remember(decision)

	a.logger.Debug().
		Str("decision_id", decision.DecisionID).
		Str("label", decision.Label).
		Float64("confidence", decision.Confidence).
		Int("candidates", len(decision.Candidates)).
		Msg("Advisor decision")

	return decision, nil
}

// Feedback records the user's verdict on an earlier decision. Unknown
// decision ids are not an error; the decision may have aged out of the
// log between classify and confirmation.
func (a *Advisor) Feedback(decisionID, label, reason string) error {
	a.mu.Lock()
	decision := a.decisions[decisionID]
	fn := a.feedback
	a.mu.Unlock()

	if decision != nil {
		accepted := decision.Label == label
		a.logger.Debug().
			Str("decision_id", decisionID).
			Str("advised", decision.Label).
			Str("final", label).
			Bool("accepted", accepted).
			Msg("Advisor feedback")
	}
	if a.audit != nil {
		if err := a.audit.LogFeedback(decisionID, label, reason); err != nil {
			a.logger.Warn().Err(err).Str("decision_id", decisionID).Msg("Failed to persist feedback")
		}
	}
	if fn != nil {
		return fn(decisionID, label, reason)
	}
	return nil
}

// EstimateCost predicts the spend of advising itemCount items for the
// user-visible confirmation before large batches.
func (a *Advisor) EstimateCost(itemCount int) models.CostEstimate {
	est := models.CostEstimate{Items: itemCount}
	if a.provider == nil || itemCount <= 0 {
		return est
	}

	est.Provider = a.provider.Name()
	est.Model = a.provider.Model()
	est.EstimatedTokens = int64(itemCount) * (estTokensPerItem + estOutputPerItem)

	inPerM, outPerM := pricePerMillion(est.Model)
	est.EstimatedUSD = float64(itemCount) * (estTokensPerItem*inPerM + estOutputPerItem*outPerM) / 1e6
	return est
}

// remember stores the decision in the bounded log, evicting the oldest
// entry past capacity.
func (a *Advisor) remember(d *models.Decision) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.decisions[d.DecisionID] = d
	a.order = append(a.order, d.DecisionID)
	if len(a.order) > decisionLogEntries {
		delete(a.decisions, a.order[0])
		a.order = a.order[1:]
	}
}

func (a *Advisor) logAudit(op string, success bool, elapsed time.Duration, err error, subject string) {
	if a.audit == nil {
		return
	}
	if auditErr := a.audit.LogCall(op, success, elapsed, err, subject); auditErr != nil {
		a.logger.Warn().Err(auditErr).Msg("Failed to write advisor audit entry")
	}
}

// promptWorkflow is the per-workflow YAML shape shown to the model.
type promptWorkflow struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description,omitempty"`
	Entity      string   `yaml:"entity"`
	Doctype     string   `yaml:"doctype"`
	Hints       []string `yaml:"hints,omitempty"`
}

// promptPayload is the YAML document embedded in the user prompt.
type promptPayload struct {
	Item      map[string]string `yaml:"item,omitempty"`
	Workflows []promptWorkflow  `yaml:"workflows"`
}

func buildPromptPayload(meta map[string]string, workflows []models.Workflow) (string, error) {
	payload := promptPayload{
		Workflows: make([]promptWorkflow, 0, len(workflows)),
	}
	if len(meta) > 0 {
		payload.Item = make(map[string]string, len(meta))
		for k, v := range meta {
			if v != "" {
				payload.Item[k] = v
			}
		}
	}
	for _, w := range workflows {
		payload.Workflows = append(payload.Workflows, promptWorkflow{
			Name:        w.Name,
			Description: w.Description,
			Entity:      w.Entity,
			Doctype:     w.Doctype,
			Hints:       w.ClassifierHints,
		})
	}
	sort.Slice(payload.Workflows, func(i, j int) bool {
		return payload.Workflows[i].Name < payload.Workflows[j].Name
	})

	out, err := yaml.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to serialize prompt payload: %w", err)
	}
	return string(out), nil
}

func systemPrompt(interactive bool) string {
	var b strings.Builder
	b.WriteString("You are a document-archival classifier. You receive one document and a catalogue of archival workflows; ")
	b.WriteString("pick the workflow the document belongs to, or \"_skip\" when none applies. ")
	b.WriteString("Respond with JSON only: no markdown fences, no prose outside the JSON object.")
	if interactive {
		b.WriteString(" If you are genuinely uncertain, leave \"label\" empty and rely on the candidates list; a person will decide.")
	} else {
		b.WriteString(" Always fill \"label\" with your best choice and calibrate \"confidence\" honestly; low confidence answers are discarded downstream.")
	}
	return b.String()
}

func userPrompt(payloadYAML, text string, maxCandidates int) string {
	if len(text) > maxPromptTextLen {
		text = text[:maxPromptTextLen] + "\n[truncated]"
	}
	var b strings.Builder
	b.WriteString("Catalogue and item metadata:\n\n```yaml\n")
	b.WriteString(payloadYAML)
	b.WriteString("```\n\n")
	fmt.Fprintf(&b, "Return at most %d candidates ordered by confidence. Only workflow names from the catalogue (or \"_skip\") are valid labels.\n\n", maxCandidates)
	b.WriteString("Document text:\n\n")
	b.WriteString(text)
	return b.String()
}

// decisionSchema is the JSON schema for the advisor's structured reply.
// Gemini enforces it server side; Claude follows it by prompt.
func decisionSchema() map[string]interface{} {
	candidate := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"label":      map[string]interface{}{"type": "string"},
			"confidence": map[string]interface{}{"type": "number"},
			"reason":     map[string]interface{}{"type": "string"},
		},
		"required": []string{"label", "confidence"},
	}
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"label":      map[string]interface{}{"type": "string", "description": "chosen workflow name, _skip, or empty to abstain"},
			"confidence": map[string]interface{}{"type": "number", "description": "confidence in the label, 0 to 1"},
			"candidates": map[string]interface{}{"type": "array", "items": candidate},
			"evidence":   map[string]interface{}{"type": "string", "description": "one-line justification"},
		},
		"required": []string{"confidence", "candidates"},
	}
}

// parseDecision decodes the model reply and drops labels outside the
// catalogue. A reply that cannot be decoded is an advisor error.
func (a *Advisor) parseDecision(raw string, workflows []models.Workflow, maxCandidates int) (*models.Decision, error) {
	cleaned := StripJSONFences(raw)

	var decision models.Decision
	if err := json.Unmarshal([]byte(cleaned), &decision); err != nil {
		return nil, models.Errorf(models.KindAdvisor, "advisor.parse",
			"model returned invalid JSON: %v", err)
	}

	valid := make(map[string]bool, len(workflows)+1)
	valid[models.SkipWorkflowName] = true
	for _, w := range workflows {
		valid[w.Name] = true
	}

	if decision.Label != "" && !valid[decision.Label] {
		a.logger.Warn().
			Str("label", decision.Label).
			Msg("Advisor proposed unknown workflow, treating as abstention")
		decision.Label = ""
		decision.Confidence = 0
	}

	kept := decision.Candidates[:0]
	for _, c := range decision.Candidates {
		if valid[c.Label] {
			c.Confidence = clamp01(c.Confidence)
			kept = append(kept, c)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Confidence > kept[j].Confidence })
	if len(kept) > maxCandidates {
		kept = kept[:maxCandidates]
	}
	decision.Candidates = kept
	decision.Confidence = clamp01(decision.Confidence)

	return &decision, nil
}

// StripJSONFences removes markdown code fences and any prose around the
// outermost JSON object.
func StripJSONFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx >= 0 {
			s = s[idx+1:]
		}
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

func filterWorkflows(workflows []models.Workflow, filter []string) []models.Workflow {
	if len(filter) == 0 {
		return workflows
	}
	allowed := make(map[string]bool, len(filter))
	for _, name := range filter {
		allowed[name] = true
	}
	kept := make([]models.Workflow, 0, len(workflows))
	for _, w := range workflows {
		if allowed[w.Name] {
			kept = append(kept, w)
		}
	}
	return kept
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// pricePerMillion returns (input, output) USD per million tokens for the
// known models. Unknown models fall back to the balanced Claude rate.
func pricePerMillion(model string) (float64, float64) {
	switch {
	case strings.Contains(model, "haiku"):
		return 0.80, 4.00
	case strings.Contains(model, "opus"):
		return 15.00, 75.00
	case strings.Contains(model, "sonnet"):
		return 3.00, 15.00
	case strings.Contains(model, "flash-lite"):
		return 0.075, 0.30
	case strings.Contains(model, "flash"):
		return 0.10, 0.40
	case strings.Contains(model, "pro"):
		return 1.25, 10.00
	}
	return 3.00, 15.00
}
