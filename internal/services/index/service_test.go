package index

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
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

type memoryIndex struct {
	docs    map[string]*models.IndexDocument
	texts   map[int64]*models.SearchText
	streams map[string]*models.IndexStream
	links   map[int64][]int64
	nextID  int64
}

var _ interfaces.IndexStorage = (*memoryIndex)(nil)

func newMemoryIndex() *memoryIndex {
	return &memoryIndex{
		docs:    make(map[string]*models.IndexDocument),
		texts:   make(map[int64]*models.SearchText),
		streams: make(map[string]*models.IndexStream),
		links:   make(map[int64][]int64),
	}
}

func (m *memoryIndex) UpsertDocument(ctx context.Context, doc *models.IndexDocument) (int64, error) {
	key := doc.Entity + "|" + doc.RelPath
	if existing, ok := m.docs[key]; ok {
		doc.ID = existing.ID
	} else {
		m.nextID++
		doc.ID = m.nextID
	}
	copied := *doc
	m.docs[key] = &copied
	return doc.ID, nil
}

func (m *memoryIndex) GetDocument(ctx context.Context, entity, relPath string) (*models.IndexDocument, error) {
	doc, ok := m.docs[entity+"|"+relPath]
	if !ok {
		return nil, nil
	}
	return doc, nil
}

func (m *memoryIndex) DeleteDocument(ctx context.Context, entity, relPath string) error {
	delete(m.docs, entity+"|"+relPath)
	return nil
}

func (m *memoryIndex) UpsertStream(ctx context.Context, stream *models.IndexStream) (int64, error) {
	key := stream.Entity + "|" + stream.RelPath
	if existing, ok := m.streams[key]; ok {
		stream.ID = existing.ID
	} else {
		m.nextID++
		stream.ID = m.nextID
	}
	copied := *stream
	m.streams[key] = &copied
	return stream.ID, nil
}

func (m *memoryIndex) LinkStreamDocument(ctx context.Context, streamID, documentID int64) error {
	for _, id := range m.links[streamID] {
		if id == documentID {
			return nil
		}
	}
	m.links[streamID] = append(m.links[streamID], documentID)
	return nil
}

func (m *memoryIndex) GetStreamLinks(ctx context.Context, streamID int64) ([]int64, error) {
	return m.links[streamID], nil
}

func (m *memoryIndex) UpsertSearchText(ctx context.Context, documentID int64, text *models.SearchText) error {
	copied := *text
	m.texts[documentID] = &copied
	return nil
}

func (m *memoryIndex) Search(ctx context.Context, opts models.SearchOptions) ([]models.SearchHit, error) {
	var hits []models.SearchHit
	for _, doc := range m.docs {
		if opts.Entity != "" && doc.Entity != opts.Entity {
			continue
		}
		hits = append(hits, models.SearchHit{Document: *doc})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Document.ID < hits[j].Document.ID })
	return hits, nil
}

func (m *memoryIndex) CountDocuments(ctx context.Context) (int, error) { return len(m.docs), nil }
func (m *memoryIndex) CountStreams(ctx context.Context) (int, error)  { return len(m.streams), nil }

func (m *memoryIndex) ClearAll(ctx context.Context) error {
	m.docs = make(map[string]*models.IndexDocument)
	m.texts = make(map[int64]*models.SearchText)
	m.streams = make(map[string]*models.IndexStream)
	m.links = make(map[int64][]int64)
	return nil
}

type memoryWorkflows struct {
	items map[string]models.Workflow
}

var _ interfaces.WorkflowStorage = (*memoryWorkflows)(nil)

func (m *memoryWorkflows) Save(ctx context.Context, w *models.Workflow) error {
	if m.items == nil {
		m.items = make(map[string]models.Workflow)
	}
	m.items[w.Name] = *w
	return nil
}

func (m *memoryWorkflows) Get(ctx context.Context, name string) (*models.Workflow, error) {
	w, ok := m.items[name]
	if !ok {
		return nil, models.Errorf(models.KindWorkflowNotFound, "workflows.get", "workflow %q not found", name)
	}
	return &w, nil
}

func (m *memoryWorkflows) GetAll(ctx context.Context) ([]*models.Workflow, error) {
	out := make([]*models.Workflow, 0, len(m.items))
	for name := range m.items {
		w := m.items[name]
		out = append(out, &w)
	}
	return out, nil
}

func (m *memoryWorkflows) Delete(ctx context.Context, name string) error {
	delete(m.items, name)
	return nil
}

func (m *memoryWorkflows) Count(ctx context.Context) (int, error) { return len(m.items), nil }

func (m *memoryWorkflows) Exists(ctx context.Context, name string) (bool, error) {
	_, ok := m.items[name]
	return ok, nil
}

type stubExtractor struct {
	text     string
	err      error
	lastPath string
}

var _ interfaces.PDFExtractor = (*stubExtractor)(nil)

func (s *stubExtractor) ExtractText(ctx context.Context, path string) (string, error) {
	s.lastPath = path
	return s.text, s.err
}

func (s *stubExtractor) ExtractPages(ctx context.Context, path string) ([]interfaces.PDFPageContent, error) {
	return nil, nil
}

func (s *stubExtractor) GetMetadata(ctx context.Context, path string) (*interfaces.PDFMetadata, error) {
	return nil, nil
}

type stubTransform struct {
	markdown string
	err      error
}

var _ interfaces.TransformService = (*stubTransform)(nil)

func (s *stubTransform) HTMLToMarkdown(html, baseURL string) (string, error) {
	return s.markdown, s.err
}

func (s *stubTransform) HTMLToText(html string) (string, error) { return s.markdown, s.err }
func (s *stubTransform) ValidateHTML(content string) error      { return nil }

type indexFixture struct {
	config    *common.Config
	store     *memoryIndex
	workflows *memoryWorkflows
	extractor *stubExtractor
	transform *stubTransform
	service   *Service
}

func newIndexFixture(t *testing.T) *indexFixture {
	t.Helper()
	f := &indexFixture{
		config:    common.NewDefaultConfig(),
		store:     newMemoryIndex(),
		workflows: &memoryWorkflows{},
		extractor: &stubExtractor{},
		transform: &stubTransform{},
	}
	f.config.Archive.BasePath = t.TempDir()
	f.service = NewService(f.config, f.store, f.workflows, f.extractor, f.transform, arbor.NewLogger())
	return f
}

func docSidecar(t *testing.T, workflow, relPath, mimetype string, content []byte) *models.Sidecar {
	t.Helper()
	created := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	id, err := models.NewDocumentID("mail", workflow, created, archive.Hash(content))
	require.NoError(t, err)
	return &models.Sidecar{
		ID:        id,
		Entity:    "personal",
		Source:    models.SourceMail,
		Workflow:  workflow,
		Type:      "receipt",
		Subtype:   "taxi",
		CreatedAt: created,
		Content: models.SidecarContent{
			Path:      relPath,
			Hash:      archive.Hash(content),
			SizeBytes: int64(len(content)),
			Mimetype:  mimetype,
		},
		Origin: map[string]string{
			models.OriginSubject: "Your taxi receipt",
			models.OriginFrom:    "billing@taxi.example",
			"body":               "Thanks for riding with us",
		},
		Ingest: models.IngestInfo{Connector: "mail", IngestedAt: created},
		Classification: &models.ClassificationInfo{
			Method:     models.MethodSimilarity,
			Confidence: 0.93,
		},
	}
}

// materialize writes the sidecar and its content file under the fixture
// base, returning the sidecar's absolute path.
func (f *indexFixture) materialize(t *testing.T, sidecar *models.Sidecar, content []byte) string {
	t.Helper()
	contentAbs := filepath.Join(f.config.Archive.BasePath, sidecar.Entity, filepath.FromSlash(sidecar.Content.Path))
	require.NoError(t, os.MkdirAll(filepath.Dir(contentAbs), 0o755))
	require.NoError(t, os.WriteFile(contentAbs, content, 0o644))

	raw, err := sidecar.MarshalCanonical()
	require.NoError(t, err)
	ext := filepath.Ext(contentAbs)
	sidecarAbs := contentAbs[:len(contentAbs)-len(ext)] + ".json"
	require.NoError(t, os.WriteFile(sidecarAbs, raw, 0o644))
	return sidecarAbs
}

func TestIndexDocument_UpsertsRowAndSearchText(t *testing.T) {
	f := newIndexFixture(t)
	content := []byte("Taxi fare 12.50 total")
	sidecar := docSidecar(t, "taxi-receipt", "docs/2026/2026-03-14-mail-abc.txt", "text/plain", content)
	f.materialize(t, sidecar, content)

	require.NoError(t, f.service.IndexDocument(context.Background(), sidecar, "personal/docs/2026/2026-03-14-mail-abc.json"))

	doc, err := f.store.GetDocument(context.Background(), "personal", "docs/2026/2026-03-14-mail-abc.txt")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "personal", doc.Entity)
	assert.Equal(t, "2026-03-14-mail-abc.txt", doc.Filename)
	assert.Equal(t, sidecar.Content.Hash, doc.Hash)
	assert.Equal(t, int64(len(content)), doc.Size)
	assert.Equal(t, "receipt", doc.Type)
	assert.Equal(t, "taxi", doc.Category)
	assert.Equal(t, "taxi-receipt", doc.Workflow)
	assert.InDelta(t, 0.93, doc.Confidence, 1e-9)

	var origin map[string]string
	require.NoError(t, json.Unmarshal([]byte(doc.OriginJSON), &origin))
	assert.Equal(t, "Your taxi receipt", origin[models.OriginSubject])

	text := f.store.texts[doc.ID]
	require.NotNil(t, text)
	assert.Equal(t, "2026-03-14-mail-abc.txt", text.Filename)
	assert.Equal(t, "Your taxi receipt", text.EmailSubject)
	assert.Equal(t, "billing@taxi.example", text.EmailFrom)
	assert.Contains(t, text.SearchContent, "Thanks for riding with us")
	assert.Contains(t, text.SearchContent, "Taxi fare 12.50 total")
}

func TestIndexDocument_PDFTextViaExtractor(t *testing.T) {
	f := newIndexFixture(t)
	f.extractor.text = "INVOICE 42 extracted body"
	content := []byte("%PDF-1.4 fake")
	sidecar := docSidecar(t, "acme-invoice", "docs/2026/2026-03-14-mail-abc.pdf", "application/pdf", content)
	f.materialize(t, sidecar, content)

	require.NoError(t, f.service.IndexDocument(context.Background(), sidecar, "x"))

	doc, _ := f.store.GetDocument(context.Background(), "personal", sidecar.Content.Path)
	require.NotNil(t, doc)
	text := f.store.texts[doc.ID]
	assert.Contains(t, text.SearchContent, "INVOICE 42 extracted body")

	wantPath := filepath.Join(f.config.Archive.BasePath, "personal", "docs", "2026", "2026-03-14-mail-abc.pdf")
	assert.Equal(t, wantPath, f.extractor.lastPath)
}

func TestIndexDocument_HTMLThroughTransform(t *testing.T) {
	f := newIndexFixture(t)
	f.transform.markdown = "# Receipt\n\nconverted markdown"
	content := []byte("<html><body><h1>Receipt</h1></body></html>")
	sidecar := docSidecar(t, "taxi-receipt", "docs/2026/2026-03-14-mail-abc.html", "text/html", content)
	f.materialize(t, sidecar, content)

	require.NoError(t, f.service.IndexDocument(context.Background(), sidecar, "x"))

	doc, _ := f.store.GetDocument(context.Background(), "personal", sidecar.Content.Path)
	text := f.store.texts[doc.ID]
	assert.Contains(t, text.SearchContent, "converted markdown")
}

func TestIndexDocument_ExtractorFailureIndexesMetadataOnly(t *testing.T) {
	f := newIndexFixture(t)
	f.extractor.err = os.ErrNotExist
	content := []byte("%PDF-1.4 fake")
	sidecar := docSidecar(t, "acme-invoice", "docs/2026/2026-03-14-mail-abc.pdf", "application/pdf", content)
	f.materialize(t, sidecar, content)

	require.NoError(t, f.service.IndexDocument(context.Background(), sidecar, "x"))

	doc, _ := f.store.GetDocument(context.Background(), "personal", sidecar.Content.Path)
	require.NotNil(t, doc, "extraction failure never blocks the row upsert")
	text := f.store.texts[doc.ID]
	assert.Contains(t, text.SearchContent, "Thanks for riding with us", "origin body still indexed")
}

func TestIndexDocument_StructuredJSONFromAccounting(t *testing.T) {
	f := newIndexFixture(t)
	content := []byte("receipt")
	sidecar := docSidecar(t, "taxi-receipt", "docs/2026/2026-03-14-mail-abc.txt", "text/plain", content)
	sidecar.Accounting = &models.AccountingInfo{Expense: &models.ExpenseInfo{
		ExpenseDate: "2026-03-14",
		Vendor:      "City Taxi",
		TotalAmount: "12.50",
		Currency:    "AUD",
	}}
	f.materialize(t, sidecar, content)

	require.NoError(t, f.service.IndexDocument(context.Background(), sidecar, "x"))

	doc, _ := f.store.GetDocument(context.Background(), "personal", sidecar.Content.Path)
	assert.Contains(t, doc.StructuredJSON, "City Taxi")
}

func streamSidecar(t *testing.T, relPath string, content []byte, targets ...string) *models.Sidecar {
	t.Helper()
	created := time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC)
	id, err := models.NewDocumentID("slack", "slack", created, archive.Hash(content))
	require.NoError(t, err)
	s := &models.Sidecar{
		ID:        id,
		Entity:    "personal",
		Source:    models.SourceSlack,
		Type:      "transcript",
		CreatedAt: created,
		Content: models.SidecarContent{
			Path:      relPath,
			Hash:      archive.Hash(content),
			SizeBytes: int64(len(content)),
			Mimetype:  "text/markdown",
		},
		Origin: map[string]string{models.OriginPermalink: "https://slack.example/archives/C1/p1"},
		Ingest: models.IngestInfo{Connector: "slack", IngestedAt: created},
	}
	for _, target := range targets {
		s.Relationships = append(s.Relationships, models.Relationship{Type: "captures", TargetID: target})
	}
	return s
}

func TestRebuild_WalksTree(t *testing.T) {
	f := newIndexFixture(t)
	base := f.config.Archive.BasePath

	docContent := []byte("taxi receipt body")
	doc := docSidecar(t, "taxi-receipt", "docs/2026/2026-03-14-mail-abc.txt", "text/plain", docContent)
	f.materialize(t, doc, docContent)

	streamContent := []byte("# thread\nhello")
	stream := streamSidecar(t, "streams/chat/general/2026/2026-03-15-slack-s1.md", streamContent, doc.ID.String())
	f.materialize(t, stream, streamContent)

	// Malformed sidecar: skipped, not fatal
	badPath := filepath.Join(base, "personal", "docs", "2026", "bad.json")
	require.NoError(t, os.WriteFile(badPath, []byte("{not json"), 0o644))

	// Non-sidecar noise the walk must ignore
	require.NoError(t, os.WriteFile(filepath.Join(base, "personal", "manifest.jsonl"), []byte("{}\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(base, "personal", "originals", "2026"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "personal", "originals", "2026", "orig.json"), []byte(`{"raw":true}`), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(base, indexesDirName), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, indexesDirName, "junk.json"), []byte("junk"), 0o644))

	stats, err := f.service.Rebuild(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Documents)
	assert.Equal(t, 1, stats.Streams)
	assert.Equal(t, 1, stats.Links)
	assert.Equal(t, 1, stats.Skipped)
	assert.Zero(t, stats.Errors)

	streamRow := f.store.streams["personal|streams/chat/general/2026/2026-03-15-slack-s1.md"]
	require.NotNil(t, streamRow)
	assert.Equal(t, "chat", streamRow.Kind)
	assert.Equal(t, "general", streamRow.Channel)

	links, err := f.store.GetStreamLinks(context.Background(), streamRow.ID)
	require.NoError(t, err)
	require.Len(t, links, 1)

	docRow, _ := f.store.GetDocument(context.Background(), "personal", doc.Content.Path)
	assert.Equal(t, docRow.ID, links[0])
}

func TestRebuild_EntityFilter(t *testing.T) {
	f := newIndexFixture(t)
	content := []byte("x")
	doc := docSidecar(t, "taxi-receipt", "docs/2026/a.txt", "text/plain", content)
	f.materialize(t, doc, content)

	stats, err := f.service.Rebuild(context.Background(), "business")
	require.NoError(t, err)
	assert.Zero(t, stats.Documents)

	stats, err = f.service.Rebuild(context.Background(), "personal")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Documents)
}

func TestRebuild_Idempotent(t *testing.T) {
	f := newIndexFixture(t)
	content := []byte("taxi receipt body")
	doc := docSidecar(t, "taxi-receipt", "docs/2026/a.txt", "text/plain", content)
	f.materialize(t, doc, content)

	_, err := f.service.Rebuild(context.Background(), "")
	require.NoError(t, err)
	first, _ := f.store.GetDocument(context.Background(), "personal", doc.Content.Path)

	stats, err := f.service.Rebuild(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Documents)

	second, _ := f.store.GetDocument(context.Background(), "personal", doc.Content.Path)
	assert.Equal(t, first.ID, second.ID, "rowid survives re-index")

	count, _ := f.store.CountDocuments(context.Background())
	assert.Equal(t, 1, count)
}

func TestRebuild_StampsLLMemory(t *testing.T) {
	f := newIndexFixture(t)
	require.NoError(t, f.workflows.Save(context.Background(), &models.Workflow{
		Name:    "taxi-receipt",
		Entity:  "personal",
		Doctype: "receipt",
		Handling: models.Handling{
			Index: models.IndexHandling{LLMemory: true},
		},
	}))

	content := []byte("taxi receipt body")
	doc := docSidecar(t, "taxi-receipt", "docs/2026/a.txt", "text/plain", content)
	sidecarPath := f.materialize(t, doc, content)

	_, err := f.service.Rebuild(context.Background(), "")
	require.NoError(t, err)

	raw, err := os.ReadFile(sidecarPath)
	require.NoError(t, err)
	stamped, err := models.ParseSidecar(raw)
	require.NoError(t, err)

	require.NotNil(t, stamped.LLMemory)
	assert.NotNil(t, stamped.LLMemory.IndexedAt)
	assert.Equal(t, doc.ID.String(), stamped.LLMemory.DocumentID)
	assert.Equal(t, "fts5", stamped.LLMemory.EmbeddingProvider)
	assert.Equal(t, doc.Content.Hash, stamped.Content.Hash, "stamp rewrites metadata only")
}

func TestRebuild_NoStampWithoutLLMemoryHandling(t *testing.T) {
	f := newIndexFixture(t)
	require.NoError(t, f.workflows.Save(context.Background(), &models.Workflow{
		Name: "taxi-receipt", Entity: "personal", Doctype: "receipt",
	}))

	content := []byte("taxi receipt body")
	doc := docSidecar(t, "taxi-receipt", "docs/2026/a.txt", "text/plain", content)
	sidecarPath := f.materialize(t, doc, content)

	_, err := f.service.Rebuild(context.Background(), "")
	require.NoError(t, err)

	raw, _ := os.ReadFile(sidecarPath)
	stamped, err := models.ParseSidecar(raw)
	require.NoError(t, err)
	assert.Nil(t, stamped.LLMemory)
}

func TestStampLLMemory(t *testing.T) {
	f := newIndexFixture(t)
	content := []byte("body")
	doc := docSidecar(t, "taxi-receipt", "docs/2026/a.txt", "text/plain", content)
	sidecarPath := f.materialize(t, doc, content)

	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	info := &models.LLMemoryInfo{IndexedAt: &now, DocumentID: doc.ID.String(), ChunksCreated: 3}
	require.NoError(t, f.service.StampLLMemory(context.Background(), sidecarPath, info))

	raw, _ := os.ReadFile(sidecarPath)
	stamped, err := models.ParseSidecar(raw)
	require.NoError(t, err)
	require.NotNil(t, stamped.LLMemory)
	assert.Equal(t, 3, stamped.LLMemory.ChunksCreated)
	assert.True(t, stamped.LLMemory.IndexedAt.Equal(now))
}

func TestStampLLMemory_MissingFile(t *testing.T) {
	f := newIndexFixture(t)
	err := f.service.StampLLMemory(context.Background(), filepath.Join(f.config.Archive.BasePath, "nope.json"), &models.LLMemoryInfo{})
	require.Error(t, err)
	assert.Equal(t, models.KindIO, models.KindOf(err))
}

func TestSearch_Delegates(t *testing.T) {
	f := newIndexFixture(t)
	content := []byte("body")
	doc := docSidecar(t, "taxi-receipt", "docs/2026/a.txt", "text/plain", content)
	f.materialize(t, doc, content)
	require.NoError(t, f.service.IndexDocument(context.Background(), doc, "x"))

	hits, err := f.service.Search(context.Background(), models.SearchOptions{Entity: "personal"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, doc.Content.Path, hits[0].Document.RelPath)
}
