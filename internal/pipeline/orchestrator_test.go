package pipeline

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/arca/internal/common"
	"github.com/ternarybob/arca/internal/interfaces"
	"github.com/ternarybob/arca/internal/models"
	"github.com/ternarybob/arca/internal/services/archive"
)

// ---- stubs ------------------------------------------------------------

type stubExtractor struct {
	err   error
	calls int
}

var _ interfaces.ExtractorService = (*stubExtractor)(nil)

func (s *stubExtractor) Extract(ctx context.Context, in *interfaces.RawInput) (*models.Item, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &models.Item{
		Source:  models.SourceMail,
		Origin:  in.Origin,
		Payload: in.Raw,
		Body:    string(in.Raw),
	}, nil
}

func (s *stubExtractor) ComputeFeatures(item *models.Item) (models.Features, error) {
	return item.Features, nil
}

type stubDedup struct {
	processed map[string]bool
	records   map[string]*models.DedupRecord
	marked    []string
	checkErr  error
	markErr   error
}

var _ interfaces.DedupTracker = (*stubDedup)(nil)

func newStubDedup() *stubDedup {
	return &stubDedup{
		processed: make(map[string]bool),
		records:   make(map[string]*models.DedupRecord),
	}
}

func dedupKey(payload []byte, messageID string) string {
	if messageID != "" {
		return messageID
	}
	return fmt.Sprintf("%x", sha256.Sum256(payload))
}

func (s *stubDedup) IsProcessed(ctx context.Context, payload []byte, messageID string) (bool, error) {
	if s.checkErr != nil {
		return false, s.checkErr
	}
	return s.processed[dedupKey(payload, messageID)], nil
}

func (s *stubDedup) MarkProcessed(ctx context.Context, payload []byte, messageID, workflowName string) error {
	if s.markErr != nil {
		return s.markErr
	}
	key := dedupKey(payload, messageID)
	s.processed[key] = true
	s.records[key] = &models.DedupRecord{WorkflowName: workflowName, ProcessedAt: time.Now().UTC()}
	s.marked = append(s.marked, workflowName)
	return nil
}

func (s *stubDedup) GetInfo(ctx context.Context, payload []byte, messageID string) (*models.DedupRecord, error) {
	return s.records[dedupKey(payload, messageID)], nil
}

type feedbackCall struct {
	workflow   string
	confirmed  bool
	confidence float64
}

// stubClassifier returns scripted results in order, repeating the last
// one when the script runs dry.
type stubClassifier struct {
	script   []scriptStep
	calls    int
	lastOpts models.ClassifyOptions
	feedback []feedbackCall
}

type scriptStep struct {
	result *models.ClassifyResult
	err    error
}

var _ interfaces.ClassifierService = (*stubClassifier)(nil)

func (s *stubClassifier) Classify(ctx context.Context, item *models.Item, opts models.ClassifyOptions) (*models.ClassifyResult, error) {
	s.lastOpts = opts
	step := s.script[len(s.script)-1]
	if s.calls < len(s.script) {
		step = s.script[s.calls]
	}
	s.calls++
	return step.result, step.err
}

func (s *stubClassifier) ClassifyAsync(ctx context.Context, item *models.Item, opts models.ClassifyOptions) <-chan interfaces.AsyncClassifyResult {
	ch := make(chan interfaces.AsyncClassifyResult, 1)
	result, err := s.Classify(ctx, item, opts)
	ch <- interfaces.AsyncClassifyResult{Result: result, Err: err}
	close(ch)
	return ch
}

func (s *stubClassifier) RecordFeedback(ctx context.Context, item *models.Item, workflowName string, userConfirmed bool, confidence float64) error {
	s.feedback = append(s.feedback, feedbackCall{workflowName, userConfirmed, confidence})
	return nil
}

func (s *stubClassifier) Stats() models.ClassifierStats { return models.ClassifierStats{} }

type stubAdvisor struct {
	enabled  bool
	feedback []string
}

var _ interfaces.AdvisorService = (*stubAdvisor)(nil)

func (s *stubAdvisor) Classify(ctx context.Context, req *interfaces.ClassifyRequest) (*models.Decision, error) {
	return nil, nil
}

func (s *stubAdvisor) Feedback(decisionID, label, reason string) error {
	s.feedback = append(s.feedback, decisionID+":"+label)
	return nil
}

func (s *stubAdvisor) EstimateCost(itemCount int) models.CostEstimate {
	return models.CostEstimate{
		Items:           itemCount,
		Provider:        "claude",
		Model:           "claude-sonnet-4-20250514",
		EstimatedTokens: int64(itemCount) * 2000,
		EstimatedUSD:    float64(itemCount) * 0.01,
	}
}

func (s *stubAdvisor) Enabled() bool { return s.enabled }

type memoryWorkflows struct {
	byName map[string]*models.Workflow
}

var _ interfaces.WorkflowStorage = (*memoryWorkflows)(nil)

func newMemoryWorkflows(names ...string) *memoryWorkflows {
	m := &memoryWorkflows{byName: make(map[string]*models.Workflow)}
	for _, name := range names {
		m.byName[name] = &models.Workflow{Name: name, Entity: "acme", Doctype: "invoice"}
	}
	return m
}

func (m *memoryWorkflows) Save(ctx context.Context, w *models.Workflow) error {
	m.byName[w.Name] = w
	return nil
}

func (m *memoryWorkflows) Get(ctx context.Context, name string) (*models.Workflow, error) {
	w, ok := m.byName[name]
	if !ok {
		return nil, models.Errorf(models.KindWorkflowNotFound, "workflow.get", "workflow %q not found", name)
	}
	return w, nil
}

func (m *memoryWorkflows) GetAll(ctx context.Context) ([]*models.Workflow, error) {
	out := make([]*models.Workflow, 0, len(m.byName))
	for _, w := range m.byName {
		out = append(out, w)
	}
	return out, nil
}

func (m *memoryWorkflows) Delete(ctx context.Context, name string) error {
	delete(m.byName, name)
	return nil
}

func (m *memoryWorkflows) Count(ctx context.Context) (int, error) { return len(m.byName), nil }

func (m *memoryWorkflows) Exists(ctx context.Context, name string) (bool, error) {
	_, ok := m.byName[name]
	return ok, nil
}

type stubArchiver struct {
	base         string
	res          *models.ArchiveResult
	err          error
	calls        int
	streamCalls  int
	lastWorkflow *models.Workflow
	lastResult   *models.ClassifyResult
}

var _ interfaces.ArchiveService = (*stubArchiver)(nil)

func (s *stubArchiver) Archive(ctx context.Context, item *models.Item, workflow *models.Workflow, result *models.ClassifyResult) (*models.ArchiveResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.calls++
	s.lastWorkflow = workflow
	s.lastResult = result
	return s.res, nil
}

func (s *stubArchiver) ArchiveStream(ctx context.Context, item *models.Item) (*models.ArchiveResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.streamCalls++
	return s.res, nil
}

func (s *stubArchiver) BasePath() string { return s.base }

type stubIndexer struct {
	indexed []string // "entity|relpath" per IndexDocument call
	err     error
}

var _ interfaces.IndexService = (*stubIndexer)(nil)

func (s *stubIndexer) IndexDocument(ctx context.Context, sidecar *models.Sidecar, relPath string) error {
	if s.err != nil {
		return s.err
	}
	s.indexed = append(s.indexed, sidecar.Entity+"|"+relPath)
	return nil
}

func (s *stubIndexer) Rebuild(ctx context.Context, entity string) (*interfaces.IndexStats, error) {
	return &interfaces.IndexStats{}, nil
}

func (s *stubIndexer) Search(ctx context.Context, opts models.SearchOptions) ([]models.SearchHit, error) {
	return nil, nil
}

func (s *stubIndexer) StampLLMemory(ctx context.Context, sidecarPath string, info *models.LLMemoryInfo) error {
	return nil
}

// ---- fixture ----------------------------------------------------------

type pipeFixture struct {
	config     *common.Config
	extractor  *stubExtractor
	dedup      *stubDedup
	classifier *stubClassifier
	advisor    *stubAdvisor
	workflows  *memoryWorkflows
	archiver   *stubArchiver
	indexer    *stubIndexer
	orch       *Orchestrator
}

func newPipeFixture(t *testing.T, script ...scriptStep) *pipeFixture {
	t.Helper()
	if len(script) == 0 {
		script = []scriptStep{{result: picked("acme-invoice", 0.9)}}
	}
	f := &pipeFixture{
		config:     common.NewDefaultConfig(),
		extractor:  &stubExtractor{},
		dedup:      newStubDedup(),
		classifier: &stubClassifier{script: script},
		advisor:    &stubAdvisor{},
		workflows:  newMemoryWorkflows("acme-invoice", "acme-receipt"),
		archiver:   &stubArchiver{base: t.TempDir()},
	}
	f.archiver.res = &models.ArchiveResult{
		ContentPath:  filepath.Join(f.archiver.base, "acme", "docs", "2026", "doc.pdf"),
		MetadataPath: filepath.Join(f.archiver.base, "acme", "docs", "2026", "doc.json"),
	}
	f.orch = NewOrchestrator(f.config, f.extractor, f.dedup, f.classifier, f.advisor,
		f.workflows, f.archiver, nil, arbor.NewLogger())
	return f
}

// withIndexer swaps in a stub indexer and writes a valid sidecar at the
// archiver's metadata path so inline indexing has something to parse.
func (f *pipeFixture) withIndexer(t *testing.T) *stubIndexer {
	t.Helper()
	f.indexer = &stubIndexer{}
	f.orch.indexer = f.indexer

	content := []byte("indexed content")
	created := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	id, err := models.NewDocumentID(models.SourceMail, "acme-invoice", created, archive.Hash(content))
	require.NoError(t, err)
	sidecar := &models.Sidecar{
		ID:        id,
		Entity:    "acme",
		Source:    models.SourceMail,
		Workflow:  "acme-invoice",
		Type:      "invoice",
		CreatedAt: created,
		Content: models.SidecarContent{
			Path:      "docs/2026/doc.pdf",
			Hash:      archive.Hash(content),
			SizeBytes: int64(len(content)),
			Mimetype:  "application/pdf",
		},
		Ingest: models.IngestInfo{Connector: models.SourceMail, IngestedAt: created},
	}
	raw, err := sidecar.MarshalCanonical()
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(f.archiver.res.MetadataPath), 0o755))
	require.NoError(t, os.WriteFile(f.archiver.res.MetadataPath, raw, 0o644))
	return f.indexer
}

func picked(workflow string, confidence float64) *models.ClassifyResult {
	return &models.ClassifyResult{
		Method:       models.MethodSimilarity,
		WorkflowName: workflow,
		Confidence:   confidence,
	}
}

func mailItem() *models.Item {
	return &models.Item{
		Source: models.SourceMail,
		Origin: map[string]string{
			models.OriginMessageID: "<m1@example.com>",
			models.OriginSubject:   "Invoice 42",
		},
		Payload: []byte("raw message bytes"),
		Body:    "Invoice body",
	}
}

func streamItem() *models.Item {
	return &models.Item{
		Source:        models.SourceSlack,
		Origin:        map[string]string{models.OriginMessageID: "1712.0001"},
		Payload:       []byte("# thread transcript"),
		StreamEntity:  "personal",
		StreamKind:    "chat",
		StreamChannel: "general",
	}
}

// ---- document path ----------------------------------------------------

func TestProcessItem_ArchivesClassifiedItem(t *testing.T) {
	f := newPipeFixture(t)

	outcome := f.orch.ProcessItem(context.Background(), mailItem(), Options{})

	assert.Equal(t, models.StatusArchived, outcome.Status)
	assert.Equal(t, "acme-invoice", outcome.Workflow)
	assert.Equal(t, models.MethodSimilarity, outcome.Method)
	assert.InDelta(t, 0.9, outcome.Confidence, 1e-9)
	require.NotNil(t, outcome.Archive)

	assert.Equal(t, 1, f.archiver.calls)
	assert.Equal(t, "acme-invoice", f.archiver.lastWorkflow.Name)
	assert.Equal(t, []string{"acme-invoice"}, f.dedup.marked)
	require.Len(t, f.classifier.feedback, 1)
	assert.Equal(t, feedbackCall{"acme-invoice", false, 0.9}, f.classifier.feedback[0])
}

func TestProcessItem_SkipsAlreadyProcessed(t *testing.T) {
	f := newPipeFixture(t)
	f.dedup.processed["<m1@example.com>"] = true

	outcome := f.orch.ProcessItem(context.Background(), mailItem(), Options{})

	assert.Equal(t, models.StatusSkipped, outcome.Status)
	assert.Equal(t, models.SkipAlreadyProcessed, outcome.Reason)
	assert.Zero(t, f.classifier.calls)
	assert.Zero(t, f.archiver.calls)
}

func TestProcessItem_ForceBypassesDedupCheck(t *testing.T) {
	f := newPipeFixture(t)
	f.dedup.processed["<m1@example.com>"] = true

	outcome := f.orch.ProcessItem(context.Background(), mailItem(), Options{Force: true})

	assert.Equal(t, models.StatusArchived, outcome.Status)
	// The mark is never bypassed
	assert.Equal(t, []string{"acme-invoice"}, f.dedup.marked)
}

func TestProcessItem_ClassifyErrorFails(t *testing.T) {
	wantErr := models.Errorf(models.KindIO, "similarity.rank", "store unavailable")
	f := newPipeFixture(t, scriptStep{err: wantErr})

	outcome := f.orch.ProcessItem(context.Background(), mailItem(), Options{})

	assert.Equal(t, models.StatusFailed, outcome.Status)
	assert.ErrorIs(t, outcome.Err, wantErr)
	assert.Zero(t, f.archiver.calls)
}

func TestProcessItem_NoWorkflowSkipRecordsNegativeExample(t *testing.T) {
	f := newPipeFixture(t, scriptStep{result: &models.ClassifyResult{
		Method:     models.MethodSimilarity,
		Skip:       true,
		SkipReason: models.SkipNoWorkflow,
	}})

	outcome := f.orch.ProcessItem(context.Background(), mailItem(), Options{})

	assert.Equal(t, models.StatusSkipped, outcome.Status)
	assert.Equal(t, models.SkipNoWorkflow, outcome.Reason)
	require.Len(t, f.classifier.feedback, 1)
	assert.Equal(t, models.SkipWorkflowName, f.classifier.feedback[0].workflow)
}

func TestProcessItem_LowConfidenceSkipIsNotNegativeTraining(t *testing.T) {
	f := newPipeFixture(t, scriptStep{result: &models.ClassifyResult{
		Method:     models.MethodLLM,
		Skip:       true,
		SkipReason: models.SkipLowConfidence,
	}})

	outcome := f.orch.ProcessItem(context.Background(), mailItem(), Options{})

	assert.Equal(t, models.StatusSkipped, outcome.Status)
	assert.Equal(t, models.SkipLowConfidence, outcome.Reason)
	assert.Empty(t, f.classifier.feedback)
}

func TestProcessItem_RankingsOnlyResultSkipsWithoutTraining(t *testing.T) {
	f := newPipeFixture(t, scriptStep{result: &models.ClassifyResult{
		Method:   models.MethodSimilarityFallback,
		Rankings: []models.RankedWorkflow{{WorkflowName: "acme-invoice", Score: 0.3}},
	}})

	outcome := f.orch.ProcessItem(context.Background(), mailItem(), Options{})

	assert.Equal(t, models.StatusSkipped, outcome.Status)
	assert.Equal(t, models.SkipNoWorkflow, outcome.Reason)
	assert.Empty(t, f.classifier.feedback, "an undecided result is not a skip decision")
}

func TestProcessItem_WorkflowFilterBlocksWinner(t *testing.T) {
	f := newPipeFixture(t)

	outcome := f.orch.ProcessItem(context.Background(), mailItem(), Options{Workflows: []string{"acme-receipt"}})

	assert.Equal(t, models.StatusSkipped, outcome.Status)
	assert.Equal(t, models.SkipNoWorkflow, outcome.Reason)
	assert.Equal(t, "acme-invoice", outcome.Workflow, "the excluded pick is still reported")
	assert.Zero(t, f.archiver.calls)
	assert.Empty(t, f.classifier.feedback, "out-of-scope picks are not negative training")
}

func TestProcessItem_MinConfidenceFloor(t *testing.T) {
	f := newPipeFixture(t, scriptStep{result: picked("acme-invoice", 0.6)})

	outcome := f.orch.ProcessItem(context.Background(), mailItem(), Options{MinConfidence: 0.7})

	assert.Equal(t, models.StatusSkipped, outcome.Status)
	assert.Equal(t, models.SkipLowConfidence, outcome.Reason)
	assert.Zero(t, f.archiver.calls)
}

func TestProcessItem_DryRunWritesNothing(t *testing.T) {
	f := newPipeFixture(t)

	outcome := f.orch.ProcessItem(context.Background(), mailItem(), Options{DryRun: true})

	assert.Equal(t, models.StatusDryRun, outcome.Status)
	assert.Equal(t, "acme-invoice", outcome.Workflow)
	assert.Zero(t, f.archiver.calls)
	assert.Empty(t, f.dedup.marked)
	assert.Empty(t, f.classifier.feedback)
}

func TestProcessItem_TrainOnlyRecordsAndStops(t *testing.T) {
	f := newPipeFixture(t)

	outcome := f.orch.ProcessItem(context.Background(), mailItem(), Options{TrainOnly: true})

	assert.Equal(t, models.StatusTrainOnly, outcome.Status)
	assert.Equal(t, "acme-invoice", outcome.Workflow)
	assert.Zero(t, f.archiver.calls)
	assert.Empty(t, f.dedup.marked)
	require.Len(t, f.classifier.feedback, 1)
	assert.Equal(t, feedbackCall{"acme-invoice", false, 0.9}, f.classifier.feedback[0])
}

func TestProcessItem_WorkflowLookupFailureIsPermanent(t *testing.T) {
	f := newPipeFixture(t, scriptStep{result: picked("ghost-workflow", 0.9)})

	outcome := f.orch.ProcessItem(context.Background(), mailItem(), Options{})

	assert.Equal(t, models.StatusFailed, outcome.Status)
	assert.Equal(t, models.KindWorkflowNotFound, models.KindOf(outcome.Err))
	assert.True(t, models.IsPermanent(outcome.Err))
}

func TestProcessItem_ArchiveErrorFails(t *testing.T) {
	f := newPipeFixture(t)
	f.archiver.err = models.Errorf(models.KindIO, "archive.write", "disk full")

	outcome := f.orch.ProcessItem(context.Background(), mailItem(), Options{})

	assert.Equal(t, models.StatusFailed, outcome.Status)
	assert.Equal(t, models.KindIO, models.KindOf(outcome.Err))
	assert.Empty(t, f.dedup.marked)
	assert.Empty(t, f.classifier.feedback)
}

func TestProcessItem_MarkFailureIsFatal(t *testing.T) {
	f := newPipeFixture(t)
	f.dedup.markErr = models.Errorf(models.KindIO, "dedup.mark", "store closed")

	outcome := f.orch.ProcessItem(context.Background(), mailItem(), Options{})

	assert.Equal(t, models.StatusFailed, outcome.Status)
	assert.NotNil(t, outcome.Archive, "the archive itself succeeded")
}

func TestProcessItem_OptionsFlowToClassifier(t *testing.T) {
	f := newPipeFixture(t)

	f.orch.ProcessItem(context.Background(), mailItem(), Options{
		AllowLLM:  true,
		TrustLLM:  0.66,
		Workflows: []string{"acme-invoice"},
	})

	assert.True(t, f.classifier.lastOpts.AllowLLM)
	assert.False(t, f.classifier.lastOpts.Interactive)
	assert.InDelta(t, 0.66, f.classifier.lastOpts.TrustLLM, 1e-9)
	assert.Equal(t, []string{"acme-invoice"}, f.classifier.lastOpts.WorkflowFilter)
	assert.Equal(t, defaultMaxCandidates, f.classifier.lastOpts.MaxCandidates)
}

// ---- interactive hook -------------------------------------------------

func TestProcessItem_InteractiveDecline(t *testing.T) {
	f := newPipeFixture(t)
	opts := Options{ConfirmWorkflow: func(item *models.Item, result *models.ClassifyResult) (string, bool) {
		return "", false
	}}

	outcome := f.orch.ProcessItem(context.Background(), mailItem(), opts)

	assert.Equal(t, models.StatusSkipped, outcome.Status)
	assert.Equal(t, models.SkipUserDeclined, outcome.Reason)
	assert.Zero(t, f.archiver.calls)
	assert.Empty(t, f.classifier.feedback)
	assert.True(t, f.classifier.lastOpts.Interactive)
}

func TestProcessItem_InteractiveAcceptKeepsPick(t *testing.T) {
	f := newPipeFixture(t)
	opts := Options{ConfirmWorkflow: func(item *models.Item, result *models.ClassifyResult) (string, bool) {
		return "", true
	}}

	outcome := f.orch.ProcessItem(context.Background(), mailItem(), opts)

	assert.Equal(t, models.StatusArchived, outcome.Status)
	assert.Equal(t, "acme-invoice", outcome.Workflow)
	require.Len(t, f.classifier.feedback, 1)
	assert.True(t, f.classifier.feedback[0].confirmed)
}

func TestProcessItem_InteractiveSkipRecordsNegative(t *testing.T) {
	f := newPipeFixture(t)
	opts := Options{ConfirmWorkflow: func(item *models.Item, result *models.ClassifyResult) (string, bool) {
		return models.SkipWorkflowName, true
	}}

	outcome := f.orch.ProcessItem(context.Background(), mailItem(), opts)

	assert.Equal(t, models.StatusSkipped, outcome.Status)
	assert.Equal(t, models.SkipNoWorkflow, outcome.Reason)
	require.Len(t, f.classifier.feedback, 1)
	assert.Equal(t, feedbackCall{models.SkipWorkflowName, true, 0}, f.classifier.feedback[0])
}

func TestProcessItem_InteractiveOverrideArchivesChosenWorkflow(t *testing.T) {
	f := newPipeFixture(t)
	opts := Options{ConfirmWorkflow: func(item *models.Item, result *models.ClassifyResult) (string, bool) {
		return "acme-receipt", true
	}}

	outcome := f.orch.ProcessItem(context.Background(), mailItem(), opts)

	assert.Equal(t, models.StatusArchived, outcome.Status)
	assert.Equal(t, "acme-receipt", outcome.Workflow)
	assert.Equal(t, "acme-receipt", f.archiver.lastWorkflow.Name)
	assert.Zero(t, outcome.Confidence, "the score belonged to the original pick")
	require.Len(t, f.classifier.feedback, 1)
	assert.Equal(t, feedbackCall{"acme-receipt", true, 0}, f.classifier.feedback[0])
}

func TestProcessItem_AdvisorDecisionRoutesFeedbackThroughAdvisor(t *testing.T) {
	f := newPipeFixture(t, scriptStep{result: &models.ClassifyResult{
		Method:       models.MethodLLM,
		WorkflowName: "acme-invoice",
		Confidence:   0.88,
		LLMDecision:  &models.Decision{DecisionID: "dec_1", Label: "acme-invoice", Confidence: 0.88},
	}})

	outcome := f.orch.ProcessItem(context.Background(), mailItem(), Options{AllowLLM: true})

	assert.Equal(t, models.StatusArchived, outcome.Status)
	assert.Equal(t, []string{"dec_1:acme-invoice"}, f.advisor.feedback)
	assert.Empty(t, f.classifier.feedback, "the advisor hook records the training example")
}

// ---- replay -----------------------------------------------------------

func TestProcessItem_ReplayUsesRecordedDecision(t *testing.T) {
	f := newPipeFixture(t)
	f.dedup.records["<m1@example.com>"] = &models.DedupRecord{WorkflowName: "acme-invoice"}

	outcome := f.orch.ProcessItem(context.Background(), mailItem(), Options{Replay: true})

	assert.Equal(t, models.StatusArchived, outcome.Status)
	assert.Equal(t, models.MethodReplay, outcome.Method)
	assert.Zero(t, f.classifier.calls, "replay never classifies")
	assert.Equal(t, models.MethodReplay, f.archiver.lastResult.Method)
	assert.Empty(t, f.classifier.feedback, "replay is not new training data")
}

func TestProcessItem_ReplayWithoutRecordSkips(t *testing.T) {
	f := newPipeFixture(t)

	outcome := f.orch.ProcessItem(context.Background(), mailItem(), Options{Replay: true})

	assert.Equal(t, models.StatusSkipped, outcome.Status)
	assert.Zero(t, f.archiver.calls)
}

func TestProcessItem_ReplaySkipRecord(t *testing.T) {
	f := newPipeFixture(t)
	f.dedup.records["<m1@example.com>"] = &models.DedupRecord{WorkflowName: models.SkipWorkflowName}

	outcome := f.orch.ProcessItem(context.Background(), mailItem(), Options{Replay: true})

	assert.Equal(t, models.StatusSkipped, outcome.Status)
	assert.Equal(t, models.SkipNoWorkflow, outcome.Reason)
	assert.Zero(t, f.archiver.calls)
}

func TestProcessItem_ReplayDryRun(t *testing.T) {
	f := newPipeFixture(t)
	f.dedup.records["<m1@example.com>"] = &models.DedupRecord{WorkflowName: "acme-invoice"}

	outcome := f.orch.ProcessItem(context.Background(), mailItem(), Options{Replay: true, DryRun: true})

	assert.Equal(t, models.StatusDryRun, outcome.Status)
	assert.Equal(t, models.MethodReplay, outcome.Method)
	assert.Zero(t, f.archiver.calls)
}

// ---- streams ----------------------------------------------------------

func TestProcessItem_StreamArchivesWithoutClassification(t *testing.T) {
	f := newPipeFixture(t)

	outcome := f.orch.ProcessItem(context.Background(), streamItem(), Options{})

	assert.Equal(t, models.StatusArchived, outcome.Status)
	assert.Equal(t, 1, f.archiver.streamCalls)
	assert.Zero(t, f.classifier.calls)
	assert.Equal(t, []string{"chat"}, f.dedup.marked)
}

func TestProcessItem_StreamAlreadyProcessed(t *testing.T) {
	f := newPipeFixture(t)
	f.dedup.processed["1712.0001"] = true

	outcome := f.orch.ProcessItem(context.Background(), streamItem(), Options{})

	assert.Equal(t, models.StatusSkipped, outcome.Status)
	assert.Equal(t, models.SkipAlreadyProcessed, outcome.Reason)
	assert.Zero(t, f.archiver.streamCalls)
}

func TestProcessItem_StreamDryRun(t *testing.T) {
	f := newPipeFixture(t)

	outcome := f.orch.ProcessItem(context.Background(), streamItem(), Options{DryRun: true})

	assert.Equal(t, models.StatusDryRun, outcome.Status)
	assert.Contains(t, outcome.Reason, "chat/general")
	assert.Zero(t, f.archiver.streamCalls)
}

// ---- extraction and indexing ------------------------------------------

func TestProcess_ExtractFailure(t *testing.T) {
	f := newPipeFixture(t)
	f.extractor.err = models.Errorf(models.KindInputParse, "extract.mail", "bad MIME boundary")

	outcome := f.orch.Process(context.Background(), &interfaces.RawInput{Raw: []byte("junk")}, Options{})

	assert.Equal(t, models.StatusFailed, outcome.Status)
	assert.Equal(t, models.KindInputParse, models.KindOf(outcome.Err))
}

func TestProcessItem_InlineIndexing(t *testing.T) {
	f := newPipeFixture(t)
	indexer := f.withIndexer(t)

	outcome := f.orch.ProcessItem(context.Background(), mailItem(), Options{})

	assert.Equal(t, models.StatusArchived, outcome.Status)
	require.Len(t, indexer.indexed, 1)
	assert.Equal(t, "acme|acme/docs/2026/doc.json", indexer.indexed[0])
}

func TestProcessItem_IndexFailureDoesNotFailTheItem(t *testing.T) {
	f := newPipeFixture(t)
	indexer := f.withIndexer(t)
	indexer.err = models.Errorf(models.KindIO, "index.document", "db locked")

	outcome := f.orch.ProcessItem(context.Background(), mailItem(), Options{})

	assert.Equal(t, models.StatusArchived, outcome.Status)
	assert.Equal(t, []string{"acme-invoice"}, f.dedup.marked, "the mark still lands")
}
