// -----------------------------------------------------------------------
// Archive Writer - ordered, atomic materialization of classified items
// -----------------------------------------------------------------------

package archive

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/arca/internal/common"
	"github.com/ternarybob/arca/internal/interfaces"
	"github.com/ternarybob/arca/internal/models"
)

// transcodeSizeLimit caps the attachment size eligible for text
// transcoding. Larger files are stored verbatim.
const transcodeSizeLimit = 1 << 20

// DefaultStreamEntity receives stream captures when the caller names
// no entity.
const DefaultStreamEntity = "personal"

// Service implements interfaces.ArchiveService
type Service struct {
	config    *common.Config
	pdf       interfaces.PDFService
	transform interfaces.TransformService
	logger    arbor.ILogger
	hostname  string
	runID     string
}

// Compile-time assertion
var _ interfaces.ArchiveService = (*Service)(nil)

// NewService creates a new archive writer rooted at the configured base
// path.
func NewService(config *common.Config, pdfSvc interfaces.PDFService, transformSvc interfaces.TransformService, logger arbor.ILogger) *Service {
	hostname, _ := os.Hostname()
	return &Service{
		config:    config,
		pdf:       pdfSvc,
		transform: transformSvc,
		logger:    logger,
		hostname:  hostname,
	}
}

// SetRunID tags subsequent sidecars with the pipeline run identifier.
func (s *Service) SetRunID(id string) {
	s.runID = id
}

// BasePath returns the repository root this writer targets
func (s *Service) BasePath() string {
	return s.config.Archive.BasePath
}

// Archive writes one classified item under the workflow's entity. Steps
// run in a fixed order so a crash at any point leaves either nothing or
// a complete document behind; on error every file this call created is
// unlinked.
func (s *Service) Archive(ctx context.Context, item *models.Item, workflow *models.Workflow, result *models.ClassifyResult) (*models.ArchiveResult, error) {
	if workflow == nil {
		return nil, models.Errorf(models.KindWorkflowNotFound, "archive.write", "no workflow for item")
	}

	entity := workflow.Handling.Archive.Entity
	if entity == "" {
		entity = workflow.Entity
	}
	doctype := workflow.Handling.Archive.Doctype
	if doctype == "" {
		doctype = workflow.Doctype
	}
	createdAt := item.CreatedAt()

	payload := []byte(item.Payload)
	if len(payload) == 0 {
		payload = []byte(item.Body)
	}
	if len(payload) == 0 {
		return nil, models.Errorf(models.KindDataIntegrity, "archive.write", "item has no content")
	}

	// The document id hashes the source payload, not the rendered form,
	// so re-runs of the same input yield the same id even when the
	// renderer output drifts.
	docID, err := models.NewDocumentID(item.Source, workflow.Name, createdAt, Hash(payload))
	if err != nil {
		return nil, err
	}

	contentBytes, mimetype, contentName, err := s.resolveContent(ctx, item)
	if err != nil {
		return nil, err
	}

	entityDir := filepath.Join(s.config.Archive.BasePath, entity)
	year := createdAt.UTC().Format("2006")
	targetDir := filepath.Join(entityDir, "docs", year)
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return nil, models.E(models.KindIO, "archive.write", err)
	}

	ext := ExtensionFor(mimetype, contentName)
	base, err := ResolveCollision(targetDir, FilenameBase(item.Source, createdAt), ext)
	if err != nil {
		return nil, err
	}

	var created []string
	fail := func(err error) (*models.ArchiveResult, error) {
		for _, p := range created {
			os.Remove(p)
		}
		return nil, err
	}

	contentPath := filepath.Join(targetDir, base+"."+ext)
	if err := WriteAtomic(contentPath, contentBytes); err != nil {
		return fail(err)
	}
	created = append(created, contentPath)

	attPaths, attRecords, err := s.writeAttachments(item, targetDir, entityDir, base)
	if err != nil {
		created = append(created, attPaths...)
		return fail(err)
	}
	created = append(created, attPaths...)

	relContent, _ := filepath.Rel(entityDir, contentPath)
	sidecar := &models.Sidecar{
		ID:        docID,
		Entity:    entity,
		Source:    item.Source,
		Workflow:  workflow.Name,
		Type:      doctype,
		CreatedAt: createdAt.UTC(),
		Content: models.SidecarContent{
			Path:        filepath.ToSlash(relContent),
			Hash:        Hash(contentBytes),
			SizeBytes:   int64(len(contentBytes)),
			Mimetype:    mimetype,
			Attachments: attRecords,
		},
		Origin: item.Origin,
		Ingest: models.IngestInfo{
			Connector:     item.Source,
			IngestedAt:    time.Now().UTC(),
			Hostname:      s.hostname,
			WorkflowRunID: s.runID,
		},
	}
	if result != nil {
		sidecar.Classification = &models.ClassificationInfo{
			Method:     result.Method,
			Confidence: result.Confidence,
		}
	}

	if err := sidecar.Validate(); err != nil {
		return fail(err)
	}
	sidecarBytes, err := sidecar.MarshalCanonical()
	if err != nil {
		return fail(models.E(models.KindDataIntegrity, "archive.write", err))
	}
	metaPath := filepath.Join(targetDir, base+".json")
	if err := WriteAtomic(metaPath, sidecarBytes); err != nil {
		return fail(err)
	}
	created = append(created, metaPath)

	originalPath := ""
	if s.config.Archive.SaveOriginals {
		if primary := item.PrimaryAttachment(); primary != nil && len(primary.Data) > 0 {
			originalPath, err = s.writeOriginal(entityDir, year, createdAt, primary)
			if err != nil {
				return fail(err)
			}
			if originalPath != "" {
				created = append(created, originalPath)
			}
		}
	}

	if s.config.Archive.ManifestEnabled {
		relMeta, _ := filepath.Rel(entityDir, metaPath)
		entry := ManifestEntry{
			DocumentID:   docID.String(),
			MetadataPath: filepath.ToSlash(relMeta),
			Timestamp:    time.Now().UTC(),
		}
		if err := AppendManifest(entityDir, entry); err != nil {
			return fail(err)
		}
	}

	s.logger.Info().
		Str("document_id", docID.ShortString()).
		Str("entity", entity).
		Str("workflow", workflow.Name).
		Str("path", contentPath).
		Int("attachments", len(attPaths)).
		Msg("Archived document")

	return &models.ArchiveResult{
		DocumentID:      docID,
		ContentPath:     contentPath,
		MetadataPath:    metaPath,
		AttachmentPaths: attPaths,
		OriginalPath:    originalPath,
	}, nil
}

// ArchiveStream writes a chat or docs capture under
// streams/{kind}/{channel}/{YYYY} with no workflow in the sidecar.
func (s *Service) ArchiveStream(ctx context.Context, item *models.Item) (*models.ArchiveResult, error) {
	if item.StreamKind == "" {
		return nil, models.Errorf(models.KindDataIntegrity, "archive.stream", "item has no stream kind")
	}
	entity := item.StreamEntity
	if entity == "" {
		entity = DefaultStreamEntity
	}
	channel := NormalizeNameBase(item.StreamChannel)
	if channel == "" {
		channel = "general"
	}

	contentBytes := []byte(item.Payload)
	if len(contentBytes) == 0 {
		contentBytes = []byte(item.Body)
	}
	if len(contentBytes) == 0 {
		return nil, models.Errorf(models.KindDataIntegrity, "archive.stream", "item has no content")
	}
	mimetype := item.Mimetype
	if mimetype == "" {
		mimetype = "text/markdown"
	}

	createdAt := item.CreatedAt()
	docID, err := models.NewDocumentID(item.Source, item.StreamKind, createdAt, Hash(contentBytes))
	if err != nil {
		return nil, err
	}

	entityDir := filepath.Join(s.config.Archive.BasePath, entity)
	year := createdAt.UTC().Format("2006")
	targetDir := filepath.Join(entityDir, "streams", item.StreamKind, channel, year)
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return nil, models.E(models.KindIO, "archive.stream", err)
	}

	ext := ExtensionFor(mimetype, "")
	base, err := ResolveCollision(targetDir, FilenameBase(item.Source, createdAt), ext)
	if err != nil {
		return nil, err
	}

	var created []string
	fail := func(err error) (*models.ArchiveResult, error) {
		for _, p := range created {
			os.Remove(p)
		}
		return nil, err
	}

	contentPath := filepath.Join(targetDir, base+"."+ext)
	if err := WriteAtomic(contentPath, contentBytes); err != nil {
		return fail(err)
	}
	created = append(created, contentPath)

	relContent, _ := filepath.Rel(entityDir, contentPath)
	sidecar := &models.Sidecar{
		ID:        docID,
		Entity:    entity,
		Source:    item.Source,
		Type:      "stream",
		Subtype:   item.StreamKind,
		CreatedAt: createdAt.UTC(),
		Content: models.SidecarContent{
			Path:      filepath.ToSlash(relContent),
			Hash:      Hash(contentBytes),
			SizeBytes: int64(len(contentBytes)),
			Mimetype:  mimetype,
		},
		Origin: item.Origin,
		Ingest: models.IngestInfo{
			Connector:     item.Source,
			IngestedAt:    time.Now().UTC(),
			Hostname:      s.hostname,
			WorkflowRunID: s.runID,
		},
	}
	if err := sidecar.Validate(); err != nil {
		return fail(err)
	}
	sidecarBytes, err := sidecar.MarshalCanonical()
	if err != nil {
		return fail(models.E(models.KindDataIntegrity, "archive.stream", err))
	}
	metaPath := filepath.Join(targetDir, base+".json")
	if err := WriteAtomic(metaPath, sidecarBytes); err != nil {
		return fail(err)
	}
	created = append(created, metaPath)

	if s.config.Archive.ManifestEnabled {
		relMeta, _ := filepath.Rel(entityDir, metaPath)
		entry := ManifestEntry{
			DocumentID:   docID.String(),
			MetadataPath: filepath.ToSlash(relMeta),
			Timestamp:    time.Now().UTC(),
		}
		if err := AppendManifest(entityDir, entry); err != nil {
			return fail(err)
		}
	}

	s.logger.Info().
		Str("document_id", docID.ShortString()).
		Str("entity", entity).
		Str("kind", item.StreamKind).
		Str("channel", channel).
		Msg("Archived stream capture")

	return &models.ArchiveResult{
		DocumentID:   docID,
		ContentPath:  contentPath,
		MetadataPath: metaPath,
	}, nil
}

// resolveContent picks the bytes that become the content file. Mail
// items without attachments render their body to PDF; everything else
// stores the payload verbatim.
func (s *Service) resolveContent(ctx context.Context, item *models.Item) (data []byte, mimetype, filename string, err error) {
	if item.Source == models.SourceMail && len(item.Attachments) == 0 {
		pdfBytes, renderErr := s.renderBodyPDF(ctx, item)
		if renderErr != nil {
			return nil, "", "", renderErr
		}
		return pdfBytes, "application/pdf", "", nil
	}

	mimetype = item.Mimetype
	if primary := item.PrimaryAttachment(); primary != nil {
		filename = primary.Filename
		if mimetype == "" {
			mimetype = primary.Mime
		}
	}
	data = item.Payload
	if len(data) == 0 {
		data = []byte(item.Body)
		if mimetype == "" {
			mimetype = "text/plain"
		}
	}
	return data, mimetype, filename, nil
}

// renderBodyPDF converts the message body to PDF. The chromium engine
// prints HTML bodies directly; everywhere else HTML goes through
// markdown conversion and the builtin layout.
func (s *Service) renderBodyPDF(ctx context.Context, item *models.Item) ([]byte, error) {
	if s.pdf == nil {
		return nil, models.Errorf(models.KindRenderer, "archive.render", "no PDF renderer configured")
	}

	subject := item.Subject()
	if subject == "" {
		subject = "(no subject)"
	}

	if item.BodyHTML != "" && s.pdf.Engine() == "chromium" {
		pdfBytes, err := s.pdf.ConvertHTMLToPDF(ctx, mailHTMLDocument(subject, item), subject)
		if err != nil {
			return nil, models.E(models.KindRenderer, "archive.render", err)
		}
		return pdfBytes, nil
	}

	markdown := item.Body
	if item.BodyHTML != "" && s.transform != nil {
		if converted, err := s.transform.HTMLToMarkdown(item.BodyHTML, ""); err == nil && converted != "" {
			markdown = converted
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", subject)
	if from := item.Origin[models.OriginFrom]; from != "" {
		fmt.Fprintf(&b, "**From:** %s\n\n", from)
	}
	if to := item.Origin[models.OriginTo]; to != "" {
		fmt.Fprintf(&b, "**To:** %s\n\n", to)
	}
	if date := item.Origin[models.OriginDate]; date != "" {
		fmt.Fprintf(&b, "**Date:** %s\n\n", date)
	}
	b.WriteString("---\n\n")
	b.WriteString(markdown)

	pdfBytes, err := s.pdf.ConvertMarkdownToPDF(b.String(), subject)
	if err != nil {
		return nil, models.E(models.KindRenderer, "archive.render", err)
	}
	return pdfBytes, nil
}

// mailHTMLDocument wraps the HTML body with the same header block the
// markdown path renders.
func mailHTMLDocument(subject string, item *models.Item) string {
	var b strings.Builder
	b.WriteString(`<div style="font-family:Helvetica,Arial,sans-serif;font-size:12px;border-bottom:1px solid #ccc;margin-bottom:12px;padding-bottom:8px;">`)
	fmt.Fprintf(&b, `<h1 style="font-size:16px;">%s</h1>`, html.EscapeString(subject))
	if from := item.Origin[models.OriginFrom]; from != "" {
		fmt.Fprintf(&b, "<div><b>From:</b> %s</div>", html.EscapeString(from))
	}
	if to := item.Origin[models.OriginTo]; to != "" {
		fmt.Fprintf(&b, "<div><b>To:</b> %s</div>", html.EscapeString(to))
	}
	if date := item.Origin[models.OriginDate]; date != "" {
		fmt.Fprintf(&b, "<div><b>Date:</b> %s</div>", html.EscapeString(date))
	}
	b.WriteString("</div>")
	b.WriteString(item.BodyHTML)
	return b.String()
}

// writeAttachments stores every non-primary attachment beside the
// content file as {base}-att{n}.{ext}, transcoding small text files
// when configured.
func (s *Service) writeAttachments(item *models.Item, targetDir, entityDir, base string) ([]string, []models.SidecarAttachment, error) {
	primaryIdx := -1
	if primary := item.PrimaryAttachment(); primary != nil {
		for i := range item.Attachments {
			if &item.Attachments[i] == primary {
				primaryIdx = i
				break
			}
		}
	}

	var paths []string
	var records []models.SidecarAttachment
	n := 0
	for i := range item.Attachments {
		if i == primaryIdx {
			continue
		}
		att := &item.Attachments[i]
		if len(att.Data) == 0 {
			s.logger.Warn().
				Str("filename", att.Filename).
				Msg("Skipping attachment without payload")
			continue
		}

		data, ext := s.transcodeAttachment(att)
		n++
		attPath := filepath.Join(targetDir, fmt.Sprintf("%s-att%d.%s", base, n, ext))
		if err := WriteAtomic(attPath, data); err != nil {
			return paths, records, err
		}
		paths = append(paths, attPath)

		relPath, _ := filepath.Rel(entityDir, attPath)
		records = append(records, models.SidecarAttachment{
			Path:      filepath.ToSlash(relPath),
			Filename:  SanitizeFilename(att.Filename),
			Mimetype:  att.Mime,
			SizeBytes: int64(len(data)),
		})
	}
	return paths, records, nil
}

// transcodeAttachment applies the configured conversions: TSV becomes
// CSV (tab to comma, line endings preserved) and other small text files
// become PDF. Anything else passes through untouched.
func (s *Service) transcodeAttachment(att *models.Attachment) ([]byte, string) {
	ext := ExtensionFor(att.Mime, att.Filename)
	if !s.config.Archive.ConvertAttachments || int64(len(att.Data)) > transcodeSizeLimit {
		return att.Data, ext
	}

	mt, _, _ := strings.Cut(att.Mime, ";")
	mt = strings.ToLower(strings.TrimSpace(mt))

	switch {
	case mt == "text/tab-separated-values" || ext == "tsv":
		return bytes.ReplaceAll(att.Data, []byte("\t"), []byte(",")), "csv"
	case strings.HasPrefix(mt, "text/") && mt != "text/csv":
		if s.pdf == nil {
			return att.Data, ext
		}
		pdfBytes, err := s.pdf.ConvertTextToPDF(string(att.Data), att.Filename)
		if err != nil {
			s.logger.Warn().
				Err(err).
				Str("filename", att.Filename).
				Msg("Attachment PDF transcode failed, storing verbatim")
			return att.Data, ext
		}
		return pdfBytes, "pdf"
	}
	return att.Data, ext
}

// writeOriginal archives the primary attachment under originals/{YYYY}
// with its normalized original name.
func (s *Service) writeOriginal(entityDir, year string, createdAt time.Time, primary *models.Attachment) (string, error) {
	origDir := filepath.Join(entityDir, "originals", year)
	if err := os.MkdirAll(origDir, 0o755); err != nil {
		return "", models.E(models.KindIO, "archive.original", err)
	}

	ext := ExtensionFor(primary.Mime, primary.Filename)
	nameBase := NormalizeNameBase(strings.TrimSuffix(primary.Filename, filepath.Ext(primary.Filename)))
	if s.config.Archive.OriginalsPrefixDate {
		nameBase = createdAt.UTC().Format("2006-01-02") + "-" + nameBase
	}

	name := ""
	for n := 0; n <= MaxCollisionSuffix; n++ {
		candidate := nameBase
		if n > 0 {
			candidate = fmt.Sprintf("%s-%d", nameBase, n)
		}
		if !pathExists(filepath.Join(origDir, candidate+"."+ext)) {
			name = candidate
			break
		}
	}
	if name == "" {
		return "", models.Errorf(models.KindCollision, "archive.original",
			"no free name for %s in %s", nameBase, origDir)
	}

	origPath := filepath.Join(origDir, name+"."+ext)
	if err := WriteAtomic(origPath, primary.Data); err != nil {
		return "", err
	}
	return origPath, nil
}
