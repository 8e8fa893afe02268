package index

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/arca/internal/common"
	"github.com/ternarybob/arca/internal/interfaces"
	"github.com/ternarybob/arca/internal/models"
	"github.com/ternarybob/arca/internal/services/archive"
)

// searchContentCap bounds the text mirrored into full-text search per
// document. Beyond this the head of the document carries the signal.
const searchContentCap = 1 << 20

// indexesDirName is the directory under the archive base holding the
// index databases; the walk never descends into it.
const indexesDirName = "indexes"

// Service maintains the relational and full-text indexes from sidecar
// files. Indexing is idempotent: re-running over an unchanged tree
// rewrites the same rows.
type Service struct {
	config    *common.Config
	store     interfaces.IndexStorage
	workflows interfaces.WorkflowStorage
	extractor interfaces.PDFExtractor
	transform interfaces.TransformService
	logger    arbor.ILogger
}

// Compile-time assertion
var _ interfaces.IndexService = (*Service)(nil)

// NewService creates the indexer. extractor and transform may be nil;
// affected documents then index with metadata-only search text.
func NewService(config *common.Config, store interfaces.IndexStorage, workflows interfaces.WorkflowStorage, extractor interfaces.PDFExtractor, transform interfaces.TransformService, logger arbor.ILogger) *Service {
	return &Service{
		config:    config,
		store:     store,
		workflows: workflows,
		extractor: extractor,
		transform: transform,
		logger:    logger,
	}
}

// IndexDocument upserts one archived document from its sidecar. relPath
// is the sidecar file's path relative to the archive base; the row
// itself keys on the sidecar's content path. When the workflow handling
// asks for llmemory, the sidecar on disk is stamped after indexing,
// same as a full rebuild would.
func (s *Service) IndexDocument(ctx context.Context, sidecar *models.Sidecar, relPath string) error {
	if _, err := s.indexDocument(ctx, sidecar, relPath); err != nil {
		return err
	}
	if s.wantsLLMemory(ctx, sidecar.Workflow, map[string]*models.Workflow{}) {
		f := &sidecarFile{
			abs:     filepath.Join(s.config.Archive.BasePath, filepath.FromSlash(relPath)),
			rel:     relPath,
			sidecar: sidecar,
		}
		if err := s.stampAfterIndex(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) indexDocument(ctx context.Context, sidecar *models.Sidecar, relPath string) (int64, error) {
	originJSON, err := json.Marshal(sidecar.Origin)
	if err != nil {
		return 0, models.E(models.KindDataIntegrity, "index.document", err)
	}
	structuredJSON := ""
	if sidecar.Accounting != nil {
		raw, err := json.Marshal(sidecar.Accounting)
		if err != nil {
			return 0, models.E(models.KindDataIntegrity, "index.document", err)
		}
		structuredJSON = string(raw)
	}

	confidence := 0.0
	if sidecar.Classification != nil {
		confidence = sidecar.Classification.Confidence
	}

	doc := &models.IndexDocument{
		Entity:         sidecar.Entity,
		Date:           sidecar.CreatedAt,
		Filename:       filepath.Base(sidecar.Content.Path),
		RelPath:        sidecar.Content.Path,
		Hash:           sidecar.Content.Hash,
		Size:           sidecar.Content.SizeBytes,
		Type:           sidecar.Type,
		Source:         sidecar.Source,
		Workflow:       sidecar.Workflow,
		Category:       sidecar.Subtype,
		Confidence:     confidence,
		OriginJSON:     string(originJSON),
		StructuredJSON: structuredJSON,
	}

	rowID, err := s.store.UpsertDocument(ctx, doc)
	if err != nil {
		return 0, err
	}

	text := s.buildSearchText(ctx, sidecar)
	if err := s.store.UpsertSearchText(ctx, rowID, text); err != nil {
		return 0, err
	}

	s.logger.Debug().
		Str("entity", sidecar.Entity).
		Str("rel_path", sidecar.Content.Path).
		Str("sidecar", relPath).
		Int64("row_id", rowID).
		Msg("Indexed document")
	return rowID, nil
}

func (s *Service) indexStream(ctx context.Context, sidecar *models.Sidecar) (int64, error) {
	// streams/{kind}/{channel}/{YYYY}/{file}
	segments := strings.Split(filepath.ToSlash(sidecar.Content.Path), "/")
	kind, channel := "", ""
	if len(segments) >= 3 && segments[0] == "streams" {
		kind, channel = segments[1], segments[2]
	}

	originJSON, err := json.Marshal(sidecar.Origin)
	if err != nil {
		return 0, models.E(models.KindDataIntegrity, "index.stream", err)
	}

	stream := &models.IndexStream{
		Entity:     sidecar.Entity,
		Kind:       kind,
		Channel:    channel,
		Date:       sidecar.CreatedAt,
		RelPath:    sidecar.Content.Path,
		OriginJSON: string(originJSON),
	}
	return s.store.UpsertStream(ctx, stream)
}

// Rebuild walks the archive tree and indexes every sidecar found.
// Malformed sidecars are skipped and logged; storage failures count as
// errors but do not abort the walk. Stream links resolve against the
// documents indexed in the same pass.
func (s *Service) Rebuild(ctx context.Context, entity string) (*interfaces.IndexStats, error) {
	base := s.config.Archive.BasePath
	stats := &interfaces.IndexStats{}

	entities, err := s.listEntities(base, entity)
	if err != nil {
		return nil, err
	}

	var docs, streams []*sidecarFile
	for _, ent := range entities {
		found, skipped, err := s.collectSidecars(ctx, base, ent)
		if err != nil {
			return stats, err
		}
		stats.Skipped += skipped
		for _, f := range found {
			if strings.HasPrefix(filepath.ToSlash(f.sidecar.Content.Path), "streams/") {
				streams = append(streams, f)
			} else {
				docs = append(docs, f)
			}
		}
	}

	wfCache := make(map[string]*models.Workflow)
	docRows := make(map[string]int64, len(docs))

	for _, f := range docs {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		rowID, err := s.indexDocument(ctx, f.sidecar, f.rel)
		if err != nil {
			stats.Errors++
			s.logger.Warn().Err(err).Str("sidecar", f.rel).Msg("Failed to index document")
			continue
		}
		stats.Documents++
		docRows[f.sidecar.ID.String()] = rowID

		if s.wantsLLMemory(ctx, f.sidecar.Workflow, wfCache) {
			if err := s.stampAfterIndex(ctx, f); err != nil {
				stats.Errors++
				s.logger.Warn().Err(err).Str("sidecar", f.rel).Msg("Failed to stamp llmemory")
			}
		}
	}

	for _, f := range streams {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		streamID, err := s.indexStream(ctx, f.sidecar)
		if err != nil {
			stats.Errors++
			s.logger.Warn().Err(err).Str("sidecar", f.rel).Msg("Failed to index stream")
			continue
		}
		stats.Streams++

		for _, rel := range f.sidecar.Relationships {
			docID, ok := docRows[rel.TargetID]
			if !ok {
				continue
			}
			if err := s.store.LinkStreamDocument(ctx, streamID, docID); err != nil {
				stats.Errors++
				s.logger.Warn().Err(err).Str("target", rel.TargetID).Msg("Failed to link stream document")
				continue
			}
			stats.Links++
		}
	}

	s.logger.Info().
		Int("documents", stats.Documents).
		Int("streams", stats.Streams).
		Int("links", stats.Links).
		Int("skipped", stats.Skipped).
		Int("errors", stats.Errors).
		Msg("Index rebuild complete")
	return stats, nil
}

// Search queries the indexes.
func (s *Service) Search(ctx context.Context, opts models.SearchOptions) ([]models.SearchHit, error) {
	return s.store.Search(ctx, opts)
}

// StampLLMemory records index completion back into the sidecar. This is
// the one sanctioned post-archive sidecar mutation besides accounting
// post-processors; content files are never touched.
func (s *Service) StampLLMemory(ctx context.Context, sidecarPath string, info *models.LLMemoryInfo) error {
	raw, err := os.ReadFile(sidecarPath)
	if err != nil {
		return models.E(models.KindIO, "index.stamp_llmemory", err)
	}
	sidecar, err := models.ParseSidecar(raw)
	if err != nil {
		return err
	}

	sidecar.LLMemory = info

	out, err := sidecar.MarshalCanonical()
	if err != nil {
		return models.E(models.KindDataIntegrity, "index.stamp_llmemory", err)
	}
	return archive.WriteAtomic(sidecarPath, out)
}

type sidecarFile struct {
	abs     string
	rel     string // relative to the archive base
	sidecar *models.Sidecar
}

func (s *Service) listEntities(base, only string) ([]string, error) {
	entries, err := os.ReadDir(base)
	if err != nil {
		return nil, models.E(models.KindIO, "index.rebuild", err)
	}
	var entities []string
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || name == indexesDirName || strings.HasPrefix(name, ".") || !models.ValidName(name) {
			continue
		}
		if only != "" && name != only {
			continue
		}
		entities = append(entities, name)
	}
	return entities, nil
}

func (s *Service) collectSidecars(ctx context.Context, base, entity string) ([]*sidecarFile, int, error) {
	root := filepath.Join(base, entity)
	var found []*sidecarFile
	skipped := 0

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			// Originals carry no sidecars; stray .json files there are
			// archived content, not metadata.
			if d.Name() == "originals" {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(path) != ".json" {
			return nil
		}

		raw, err := os.ReadFile(path)
		if err != nil {
			return models.E(models.KindIO, "index.rebuild", err)
		}
		rel, _ := filepath.Rel(base, path)
		sidecar, err := models.ParseSidecar(raw)
		if err != nil {
			skipped++
			s.logger.Warn().Err(err).Str("path", rel).Msg("Skipping malformed sidecar")
			return nil
		}
		found = append(found, &sidecarFile{abs: path, rel: filepath.ToSlash(rel), sidecar: sidecar})
		return nil
	})
	if err != nil {
		return nil, skipped, err
	}
	return found, skipped, nil
}

func (s *Service) wantsLLMemory(ctx context.Context, workflowName string, cache map[string]*models.Workflow) bool {
	if workflowName == "" {
		return false
	}
	if w, ok := cache[workflowName]; ok {
		return w != nil && w.Handling.Index.LLMemory
	}
	w, err := s.workflows.Get(ctx, workflowName)
	if err != nil {
		// Workflow deleted since archive time; the document stays indexed
		s.logger.Debug().Str("workflow", workflowName).Msg("Workflow not found for llmemory check")
		cache[workflowName] = nil
		return false
	}
	cache[workflowName] = w
	return w.Handling.Index.LLMemory
}

func (s *Service) stampAfterIndex(ctx context.Context, f *sidecarFile) error {
	now := time.Now().UTC()
	info := &models.LLMemoryInfo{
		IndexedAt:         &now,
		DocumentID:        f.sidecar.ID.String(),
		ChunksCreated:     1,
		EmbeddingModel:    "bm25",
		EmbeddingProvider: "fts5",
	}
	return s.StampLLMemory(ctx, f.abs, info)
}

// buildSearchText assembles the full-text payload for one document:
// origin body text when the adapter preserved one, then the content file
// itself by mimetype (PDF extraction, HTML to markdown, plain text).
func (s *Service) buildSearchText(ctx context.Context, sidecar *models.Sidecar) *models.SearchText {
	text := &models.SearchText{
		Filename:     filepath.Base(sidecar.Content.Path),
		EmailSubject: sidecar.Origin[models.OriginSubject],
		EmailFrom:    sidecar.Origin[models.OriginFrom],
	}

	var parts []string
	if body := sidecar.Origin["body"]; body != "" {
		parts = append(parts, body)
	}
	if content := s.extractContentText(ctx, sidecar); content != "" {
		parts = append(parts, content)
	}

	joined := strings.Join(parts, "\n\n")
	if len(joined) > searchContentCap {
		joined = joined[:searchContentCap]
	}
	text.SearchContent = joined
	return text
}

func (s *Service) extractContentText(ctx context.Context, sidecar *models.Sidecar) string {
	absPath := filepath.Join(s.config.Archive.BasePath, sidecar.Entity, filepath.FromSlash(sidecar.Content.Path))
	mimetype := sidecar.Content.Mimetype

	switch {
	case mimetype == "application/pdf":
		if s.extractor == nil {
			return ""
		}
		extracted, err := s.extractor.ExtractText(ctx, absPath)
		if err != nil {
			s.logger.Debug().Err(err).Str("path", sidecar.Content.Path).Msg("PDF text extraction failed")
			return ""
		}
		return extracted

	case strings.HasPrefix(mimetype, "text/html"):
		raw, err := os.ReadFile(absPath)
		if err != nil {
			return ""
		}
		if s.transform == nil {
			return string(raw)
		}
		markdown, err := s.transform.HTMLToMarkdown(string(raw), "")
		if err != nil {
			s.logger.Debug().Err(err).Str("path", sidecar.Content.Path).Msg("HTML conversion failed")
			return string(raw)
		}
		return markdown

	case strings.HasPrefix(mimetype, "text/"), mimetype == "application/json":
		raw, err := os.ReadFile(absPath)
		if err != nil {
			return ""
		}
		return string(raw)
	}
	return ""
}
