package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	// Registers decoders for non-UTF8 message charsets
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/arca/internal/common"
	"github.com/ternarybob/arca/internal/interfaces"
	"github.com/ternarybob/arca/internal/models"
)

// Extraction bounds. The token caps keep feature vectors small enough
// for the similarity scan; the byte caps bound memory per item.
const (
	MaxAttachmentCount = 100

	maxSubjectLen    = 500
	maxBodyLen       = 1 << 20
	maxSubjectTokens = 100
	maxBodyTokens    = 200
)

var (
	domainPattern = regexp.MustCompile(`^[a-z0-9.-]+\.[a-z]{2,}$`)
	tokenPattern  = regexp.MustCompile(`[a-z0-9_]+`)
	anglePattern  = regexp.MustCompile(`<([^<>]+)>`)
)

// Service implements interfaces.ExtractorService
type Service struct {
	maxInputBytes int64
	transform     interfaces.TransformService
	logger        arbor.ILogger
}

// Compile-time assertion
var _ interfaces.ExtractorService = (*Service)(nil)

// NewService creates a feature extractor bounded by the security config.
func NewService(config *common.SecurityConfig, transformSvc interfaces.TransformService, logger arbor.ILogger) *Service {
	maxMB := 25
	if config != nil && config.MaxEmailSizeMB > 0 {
		maxMB = config.MaxEmailSizeMB
	}
	return &Service{
		maxInputBytes: int64(maxMB) << 20,
		transform:     transformSvc,
		logger:        logger,
	}
}

// Extract parses the raw input into an Item with features computed.
// Mail payloads go through full MIME parsing; chat and docs payloads
// use the pre-separated origin fields.
func (s *Service) Extract(ctx context.Context, in *interfaces.RawInput) (*models.Item, error) {
	if in == nil {
		return nil, models.Errorf(models.KindInputParse, "extract.parse", "nil input")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	total := int64(len(in.Raw))
	for _, att := range in.Attachments {
		total += int64(len(att.Data))
	}
	if total > s.maxInputBytes {
		return nil, models.Errorf(models.KindInputTooLarge, "extract.parse",
			"input is %d bytes, limit %d", total, s.maxInputBytes)
	}

	item := &models.Item{
		Source:  strings.ToLower(strings.TrimSpace(in.Origin["source"])),
		Origin:  make(map[string]string, len(in.Origin)+4),
		RawSize: total,
	}
	for k, v := range in.Origin {
		if k == "source" {
			continue
		}
		item.Origin[k] = sanitizeLine(v, 0)
	}
	if item.Source == "" {
		item.Source = models.SourceOther
	}
	if !models.IsValidSource(item.Source) {
		return nil, models.Errorf(models.KindInputParse, "extract.parse", "unknown source %q", item.Source)
	}

	var err error
	if item.Source == models.SourceMail {
		err = s.extractMail(item, in.Raw)
	} else {
		err = s.extractParts(item, in)
	}
	if err != nil {
		return nil, err
	}

	// Normalize the address-bearing keys after both paths
	if from := item.Origin[models.OriginFrom]; from != "" {
		item.Origin[models.OriginFrom] = CleanAddress(from)
	}
	if to := item.Origin[models.OriginTo]; to != "" {
		item.Origin[models.OriginTo] = CleanAddress(to)
	}
	if subject := item.Origin[models.OriginSubject]; len(subject) > maxSubjectLen {
		item.Origin[models.OriginSubject] = subject[:maxSubjectLen]
	}

	item.Body = sanitizeText(item.Body, maxBodyLen)

	features, err := s.ComputeFeatures(item)
	if err != nil {
		return nil, err
	}
	item.Features = features

	s.logger.Debug().
		Str("source", item.Source).
		Str("from", item.Origin[models.OriginFrom]).
		Int("attachments", len(item.Attachments)).
		Int("body_len", len(item.Body)).
		Msg("Extracted item")

	return item, nil
}

// extractMail runs full MIME decoding over an RFC 5322 message. Parsed
// header values fill origin keys the adapter left empty; adapter-set
// values win because upstream APIs report canonical forms.
func (s *Service) extractMail(item *models.Item, raw []byte) error {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return models.E(models.KindInputParse, "extract.mail", fmt.Errorf("failed to parse message: %w", err))
	}

	header := mr.Header
	if subject, err := header.Subject(); err == nil && subject != "" {
		setIfEmpty(item.Origin, models.OriginSubject, sanitizeLine(subject, maxSubjectLen))
	}
	if date, err := header.Date(); err == nil && !date.IsZero() {
		setIfEmpty(item.Origin, models.OriginDate, date.UTC().Format(time.RFC3339))
	}
	if msgID, err := header.MessageID(); err == nil && msgID != "" {
		setIfEmpty(item.Origin, models.OriginMessageID, msgID)
	}
	if from, err := header.AddressList("From"); err == nil && len(from) > 0 {
		setIfEmpty(item.Origin, models.OriginFrom, strings.ToLower(from[0].Address))
	}
	if to, err := header.AddressList("To"); err == nil && len(to) > 0 {
		setIfEmpty(item.Origin, models.OriginTo, strings.ToLower(to[0].Address))
	}

	var plain, html string
	skipped := 0
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A malformed trailing part should not discard what parsed
			s.logger.Warn().Err(err).Msg("Stopping MIME walk on malformed part")
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			data, err := io.ReadAll(io.LimitReader(part.Body, maxBodyLen+1))
			if err != nil {
				s.logger.Warn().Err(err).Str("content_type", contentType).Msg("Failed to read body part")
				continue
			}
			switch {
			case strings.HasPrefix(contentType, "text/plain") && plain == "":
				plain = string(data)
			case strings.HasPrefix(contentType, "text/html") && html == "":
				html = string(data)
			}

		case *mail.AttachmentHeader:
			if len(item.Attachments) >= MaxAttachmentCount {
				skipped++
				continue
			}
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()
			data, err := io.ReadAll(part.Body)
			if err != nil {
				s.logger.Warn().Err(err).Str("filename", filename).Msg("Failed to read attachment")
				continue
			}
			item.Attachments = append(item.Attachments, buildAttachment(filename, contentType, data))
		}
	}
	if skipped > 0 {
		s.logger.Warn().
			Int("skipped", skipped).
			Int("limit", MaxAttachmentCount).
			Msg("Attachment count over limit, extras not enumerated")
	}

	item.Body = plain
	item.BodyHTML = html
	if item.Body == "" && html != "" && s.transform != nil {
		if text, err := s.transform.HTMLToText(html); err == nil {
			item.Body = text
		}
	}

	// The primary attachment is the archived content for mail items;
	// body-only messages render to PDF later.
	if primary := item.PrimaryAttachment(); primary != nil {
		item.Payload = primary.Data
		item.Mimetype = primary.Mime
	}

	return nil
}

// extractParts handles sources that deliver text and files already
// separated (Slack, Drive, local files).
func (s *Service) extractParts(item *models.Item, in *interfaces.RawInput) error {
	item.Body = string(in.Raw)
	item.Payload = in.Raw
	item.Mimetype = in.Origin["mimetype"]
	delete(item.Origin, "mimetype")

	item.StreamEntity = in.Origin[models.OriginStreamEntity]
	item.StreamKind = in.Origin[models.OriginStreamKind]
	item.StreamChannel = in.Origin[models.OriginStreamChannel]
	delete(item.Origin, models.OriginStreamEntity)
	delete(item.Origin, models.OriginStreamKind)
	delete(item.Origin, models.OriginStreamChannel)

	for i, att := range in.Attachments {
		if i >= MaxAttachmentCount {
			s.logger.Warn().
				Int("skipped", len(in.Attachments)-MaxAttachmentCount).
				Int("limit", MaxAttachmentCount).
				Msg("Attachment count over limit, extras not enumerated")
			break
		}
		item.Attachments = append(item.Attachments, buildAttachment(att.Filename, att.MimeType, att.Data))
	}

	// A lone file delivered as an attachment becomes the payload itself
	if len(item.Payload) == 0 {
		if primary := item.PrimaryAttachment(); primary != nil {
			item.Payload = primary.Data
			item.Mimetype = primary.Mime
		}
	}

	return nil
}

// ComputeFeatures derives the similarity feature set from an item that
// already has body and origin populated.
func (s *Service) ComputeFeatures(item *models.Item) (models.Features, error) {
	if item == nil {
		return models.Features{}, models.Errorf(models.KindInputParse, "extract.features", "nil item")
	}

	return models.Features{
		FromDomain:     FromDomain(item.Origin[models.OriginFrom]),
		SubjectTokens:  Tokenize(item.Origin[models.OriginSubject], maxSubjectTokens),
		BodyTokens:     Tokenize(item.Body, maxBodyTokens),
		HasPDF:         item.HasPDFAttachment(),
		To:             strings.ToLower(item.Origin[models.OriginTo]),
		NumAttachments: len(item.Attachments),
	}, nil
}

// CleanAddress reduces "Name <addr@host>" forms to the bare lowercase
// address.
func CleanAddress(value string) string {
	value = strings.TrimSpace(value)
	if m := anglePattern.FindStringSubmatch(value); m != nil {
		value = m[1]
	}
	return strings.ToLower(strings.TrimSpace(value))
}

// FromDomain extracts and validates the host part of an address.
// Addresses without a plausible domain yield the empty string.
func FromDomain(address string) string {
	address = CleanAddress(address)
	at := strings.LastIndex(address, "@")
	if at < 0 || at == len(address)-1 {
		return ""
	}
	domain := address[at+1:]
	if !domainPattern.MatchString(domain) {
		return ""
	}
	return domain
}

// Tokenize lowercases the text and returns its unique word tokens in
// first-seen order, capped at limit entries.
func Tokenize(text string, limit int) []string {
	if text == "" || limit <= 0 {
		return nil
	}

	seen := make(map[string]struct{})
	var tokens []string
	for _, token := range tokenPattern.FindAllString(strings.ToLower(text), -1) {
		if _, dup := seen[token]; dup {
			continue
		}
		seen[token] = struct{}{}
		tokens = append(tokens, token)
		if len(tokens) >= limit {
			break
		}
	}
	return tokens
}

// buildAttachment fills the attachment record, sniffing the mimetype
// from the filename when the part declared none.
func buildAttachment(filename, contentType string, data []byte) models.Attachment {
	if contentType == "" || contentType == "application/octet-stream" {
		if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename))); byExt != "" {
			contentType = byExt
		}
	}
	if idx := strings.Index(contentType, ";"); idx >= 0 {
		contentType = strings.TrimSpace(contentType[:idx])
	}
	contentType = strings.ToLower(contentType)

	return models.Attachment{
		Filename: filename,
		Mime:     contentType,
		Size:     int64(len(data)),
		IsPDF:    contentType == "application/pdf" || strings.EqualFold(filepath.Ext(filename), ".pdf"),
		Data:     data,
	}
}

func setIfEmpty(origin map[string]string, key, value string) {
	if origin[key] == "" {
		origin[key] = value
	}
}

// sanitizeLine replaces control bytes with spaces, collapses runs, and
// truncates to limit (0 = no cap).
func sanitizeLine(value string, limit int) string {
	var b strings.Builder
	for _, r := range value {
		if r < 0x20 || r == 0x7f {
			b.WriteRune(' ')
			continue
		}
		b.WriteRune(r)
	}
	out := strings.Join(strings.Fields(b.String()), " ")
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// sanitizeText replaces control bytes other than newline and tab and
// truncates to limit bytes.
func sanitizeText(value string, limit int) string {
	var b strings.Builder
	for _, r := range value {
		if (r < 0x20 && r != '\n' && r != '\t' && r != '\r') || r == 0x7f {
			b.WriteRune(' ')
			continue
		}
		b.WriteRune(r)
	}
	out := strings.ReplaceAll(b.String(), "\r\n", "\n")
	out = strings.ReplaceAll(out, "\r", "\n")
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return strings.TrimSpace(out)
}
