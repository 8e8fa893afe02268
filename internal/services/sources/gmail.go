package sources

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/ternarybob/arca/internal/common"
	"github.com/ternarybob/arca/internal/interfaces"
	"github.com/ternarybob/arca/internal/models"
)

const (
	gmailFetchDefault = 50
	gmailPageSize     = 100
)

// GmailSource lists messages through the Gmail REST API and yields the
// raw RFC 5322 bytes. Ack applies the processed label; label failures
// are transient because the mail itself already archived.
type GmailSource struct {
	config  common.GmailSourceConfig
	logger  arbor.ILogger
	limiter *rate.Limiter

	// CLI overrides; zero values fall back to configuration
	Label           string
	ProcessedLabel  string
	RemoveFromInbox bool

	svc      *gmail.Service
	labelIDs map[string]string
}

// Compile-time assertion
var _ interfaces.SourceAdapter = (*GmailSource)(nil)

// NewGmailSource creates the Gmail adapter. Authentication is deferred
// to the first API call.
func NewGmailSource(config *common.Config, logger arbor.ILogger) *GmailSource {
	interval := common.ParseDurationOr(config.Sources.Gmail.RateLimit, 250*time.Millisecond)
	return &GmailSource{
		config:         config.Sources.Gmail,
		logger:         logger,
		limiter:        rate.NewLimiter(rate.Every(interval), 1),
		Label:          config.Sources.Gmail.Label,
		ProcessedLabel: config.Sources.Gmail.ProcessedLabel,
		labelIDs:       map[string]string{},
	}
}

// Name returns the adapter identifier.
func (s *GmailSource) Name() string { return NameGmail }

func (s *GmailSource) ensureService(ctx context.Context) (*gmail.Service, error) {
	if s.svc != nil {
		return s.svc, nil
	}
	if s.config.CredentialsFile == "" {
		return nil, fmt.Errorf("gmail source requires sources.gmail.credentials_file")
	}
	httpClient, err := googleClient(ctx, s.config.CredentialsFile, s.config.TokenFile, gmail.GmailModifyScope)
	if err != nil {
		return nil, err
	}
	svc, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, models.E(models.KindIO, "gmail.connect", err)
	}
	s.svc = svc
	return svc, nil
}

// Fetch lists matching message ids, then downloads each in raw format.
// Query falls back to the configured default; the After/Before window
// filters on the Gmail internal date.
func (s *GmailSource) Fetch(ctx context.Context, opts interfaces.FetchOptions, fn interfaces.FetchFunc) error {
	svc, err := s.ensureService(ctx)
	if err != nil {
		return err
	}

	query := opts.Query
	if query == "" {
		query = s.config.Query
	}
	max := opts.Max
	if max <= 0 {
		max = gmailFetchDefault
	}

	var labelID string
	if s.Label != "" {
		labelID, err = s.labelID(ctx, s.Label, false)
		if err != nil {
			return err
		}
		if labelID == "" {
			return fmt.Errorf("gmail label %q not found", s.Label)
		}
	}

	ids, err := s.listMessageIDs(ctx, svc, query, labelID, max)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		s.logger.Debug().Str("query", query).Msg("No matching gmail messages")
		return nil
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}

		var msg *gmail.Message
		err := googleRetry(ctx, func() error {
			var apiErr error
			msg, apiErr = svc.Users.Messages.Get("me", id).Format("raw").Context(ctx).Do()
			return apiErr
		})
		if err != nil {
			return models.E(models.KindIO, "gmail.get", err)
		}

		internal := time.UnixMilli(msg.InternalDate).UTC()
		if !withinRange(internal, opts.After, opts.Before) {
			continue
		}

		raw, err := decodeWebSafe(msg.Raw)
		if err != nil {
			s.logger.Warn().Err(err).Str("id", id).Msg("Failed to decode raw message, skipping")
			continue
		}

		if err := fn(&interfaces.RawInput{
			Raw: raw,
			Origin: map[string]string{
				"source":          models.SourceMail,
				models.OriginDate: originDate(internal),
			},
			AckToken: id,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *GmailSource) listMessageIDs(ctx context.Context, svc *gmail.Service, query, labelID string, max int) ([]string, error) {
	var ids []string
	pageToken := ""
	for len(ids) < max {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		call := svc.Users.Messages.List("me").Q(query).MaxResults(gmailPageSize).Context(ctx)
		if labelID != "" {
			call = call.LabelIds(labelID)
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		var resp *gmail.ListMessagesResponse
		err := googleRetry(ctx, func() error {
			var apiErr error
			resp, apiErr = call.Do()
			return apiErr
		})
		if err != nil {
			return nil, models.E(models.KindIO, "gmail.list", err)
		}

		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
			if len(ids) >= max {
				break
			}
		}
		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}
	return ids, nil
}

// labelID resolves a label name to its id, creating the label when
// create is set. Results are cached for the adapter lifetime.
func (s *GmailSource) labelID(ctx context.Context, name string, create bool) (string, error) {
	if id, ok := s.labelIDs[name]; ok {
		return id, nil
	}

	svc, err := s.ensureService(ctx)
	if err != nil {
		return "", err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return "", err
	}

	var resp *gmail.ListLabelsResponse
	err = googleRetry(ctx, func() error {
		var apiErr error
		resp, apiErr = svc.Users.Labels.List("me").Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return "", models.E(models.KindIO, "gmail.labels", err)
	}
	for _, l := range resp.Labels {
		s.labelIDs[l.Name] = l.Id
	}
	if id, ok := s.labelIDs[name]; ok {
		return id, nil
	}
	for n, id := range s.labelIDs {
		if strings.EqualFold(n, name) {
			return id, nil
		}
	}
	if !create {
		return "", nil
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return "", err
	}
	var created *gmail.Label
	err = googleRetry(ctx, func() error {
		var apiErr error
		created, apiErr = svc.Users.Labels.Create("me", &gmail.Label{
			Name:                  name,
			LabelListVisibility:   "labelShow",
			MessageListVisibility: "show",
		}).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return "", models.E(models.KindIO, "gmail.labels", err)
	}
	s.labelIDs[created.Name] = created.Id
	return created.Id, nil
}

// Ack labels processed and skipped messages so the next query can
// exclude them. Processed mail also leaves the inbox when configured.
func (s *GmailSource) Ack(ctx context.Context, token string, status interfaces.AckStatus) error {
	if status == interfaces.AckFailed {
		return nil
	}

	svc, err := s.ensureService(ctx)
	if err != nil {
		return err
	}

	processed := s.ProcessedLabel
	if processed == "" {
		processed = "arca/processed"
	}
	labelID, err := s.labelID(ctx, processed, true)
	if err != nil {
		return models.E(models.KindTransient, "gmail.modify", err)
	}

	mods := &gmail.ModifyMessageRequest{AddLabelIds: []string{labelID}}
	if status == interfaces.AckProcessed && s.RemoveFromInbox {
		mods.RemoveLabelIds = []string{"INBOX"}
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	err = googleRetry(ctx, func() error {
		_, apiErr := svc.Users.Messages.Modify("me", token, mods).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return models.E(models.KindTransient, "gmail.modify", err)
	}
	return nil
}

// Close releases the cached service.
func (s *GmailSource) Close() error {
	s.svc = nil
	return nil
}

// decodeWebSafe decodes the URL-safe base64 Gmail uses for raw message
// bodies, with or without padding.
func decodeWebSafe(raw string) ([]byte, error) {
	if b, err := base64.URLEncoding.DecodeString(raw); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(raw)
}
