package sources

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/slack-go/slack"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/arca/internal/common"
	"github.com/ternarybob/arca/internal/interfaces"
	"github.com/ternarybob/arca/internal/models"
)

const (
	slackFetchDefault = 100
	slackPageSize     = 200
)

var slackIDPattern = regexp.MustCompile(`^[CGD][A-Z0-9]{7,}$`)

// SlackSource captures channel conversations as chat stream items. Each
// top-level message yields one item with its thread replies folded into
// the transcript; files on any message ride as attachments. Ack adds a
// checkmark reaction to archived threads.
type SlackSource struct {
	config  common.SlackSourceConfig
	logger  arbor.ILogger
	limiter *rate.Limiter

	// Channels overrides the configured channel list when set
	Channels []string

	api   *slack.Client
	users map[string]string
	chans map[string]string
}

// Compile-time assertion
var _ interfaces.SourceAdapter = (*SlackSource)(nil)

// NewSlackSource creates the Slack adapter.
func NewSlackSource(config *common.Config, logger arbor.ILogger) *SlackSource {
	interval := common.ParseDurationOr(config.Sources.Slack.RateLimit, 1200*time.Millisecond)
	return &SlackSource{
		config:  config.Sources.Slack,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		users:   map[string]string{},
		chans:   map[string]string{},
	}
}

// Name returns the adapter identifier.
func (s *SlackSource) Name() string { return NameSlack }

func (s *SlackSource) client() (*slack.Client, error) {
	if s.api != nil {
		return s.api, nil
	}
	if s.config.Token == "" {
		return nil, fmt.Errorf("slack source requires a bot token (sources.slack.token or ARCA_SLACK_TOKEN)")
	}
	s.api = slack.New(s.config.Token)
	return s.api, nil
}

// Fetch walks the configured channels. History pages arrive newest
// first; parents are collected, then yielded oldest first so dedup and
// archive ordering follow conversation time.
func (s *SlackSource) Fetch(ctx context.Context, opts interfaces.FetchOptions, fn interfaces.FetchFunc) error {
	api, err := s.client()
	if err != nil {
		return err
	}

	channels := s.Channels
	if len(channels) == 0 {
		channels = s.config.Channels
	}
	if len(channels) == 0 {
		return fmt.Errorf("slack source has no channels configured (sources.slack.channels)")
	}

	max := opts.Max
	if max <= 0 {
		max = slackFetchDefault
	}

	for _, name := range channels {
		id, err := s.channelID(ctx, api, name)
		if err != nil {
			return err
		}

		parents, err := s.collectParents(ctx, api, id, opts, max)
		if err != nil {
			return err
		}
		sort.Slice(parents, func(i, j int) bool {
			return parents[i].Timestamp < parents[j].Timestamp
		})

		for _, parent := range parents {
			if err := ctx.Err(); err != nil {
				return err
			}
			item, err := s.buildThreadItem(ctx, api, name, id, parent)
			if err != nil {
				return err
			}
			if item == nil {
				continue
			}
			if err := fn(item); err != nil {
				return err
			}
		}
	}
	return nil
}

// collectParents pages channel history and keeps top-level messages.
// Thread replies ride with their parent; join/leave noise is dropped.
func (s *SlackSource) collectParents(ctx context.Context, api *slack.Client, channelID string, opts interfaces.FetchOptions, max int) ([]slack.Message, error) {
	var parents []slack.Message
	cursor := ""
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		params := &slack.GetConversationHistoryParameters{
			ChannelID: channelID,
			Cursor:    cursor,
			Limit:     slackPageSize,
			Oldest:    slackTS(opts.After),
			Latest:    slackTS(opts.Before),
		}
		var history *slack.GetConversationHistoryResponse
		err := s.slackCall(ctx, func() error {
			var apiErr error
			history, apiErr = api.GetConversationHistoryContext(ctx, params)
			return apiErr
		})
		if err != nil {
			return nil, models.E(models.KindIO, "slack.history", err)
		}

		for _, m := range history.Messages {
			if m.ThreadTimestamp != "" && m.ThreadTimestamp != m.Timestamp {
				continue
			}
			switch m.SubType {
			case "channel_join", "channel_leave", "channel_topic", "channel_purpose":
				continue
			}
			parents = append(parents, m)
			if len(parents) >= max {
				return parents, nil
			}
		}

		if !history.HasMore || history.ResponseMetaData.NextCursor == "" {
			return parents, nil
		}
		cursor = history.ResponseMetaData.NextCursor
	}
}

// buildThreadItem renders one thread as a transcript item. Returns nil
// when the thread carries neither text nor files.
func (s *SlackSource) buildThreadItem(ctx context.Context, api *slack.Client, channelName, channelID string, parent slack.Message) (*interfaces.RawInput, error) {
	msgs := []slack.Message{parent}
	if parent.ReplyCount > 0 {
		replies, err := s.threadReplies(ctx, api, channelID, parent.Timestamp)
		if err != nil {
			return nil, err
		}
		if len(replies) > 0 {
			msgs = replies
		}
	}

	nameOf := func(m slack.Message) string { return s.userName(ctx, api, m) }
	body := renderTranscript(msgs, nameOf)

	var attachments []interfaces.RawAttachment
	for _, m := range msgs {
		for _, f := range m.Files {
			data, err := s.downloadFile(ctx, api, f)
			if err != nil {
				s.logger.Warn().Err(err).Str("file", f.Name).Msg("Failed to download slack file, skipping")
				continue
			}
			attachments = append(attachments, interfaces.RawAttachment{
				Filename: f.Name,
				MimeType: f.Mimetype,
				Data:     data,
			})
		}
	}

	if strings.TrimSpace(body) == "" && len(attachments) == 0 {
		return nil, nil
	}

	started := parseSlackTS(parent.Timestamp)
	subject := strings.TrimSpace(parent.Text)
	if len(subject) > 80 {
		subject = subject[:80]
	}
	if subject == "" {
		subject = fmt.Sprintf("%s thread %s", channelName, started.Format("2006-01-02"))
	}

	return &interfaces.RawInput{
		Raw: []byte(body),
		Origin: map[string]string{
			"source":                   models.SourceSlack,
			models.OriginMessageID:     channelID + ":" + parent.Timestamp,
			models.OriginSubject:       subject,
			models.OriginFrom:          nameOf(parent),
			models.OriginDate:          originDate(started),
			models.OriginStreamKind:    "chat",
			models.OriginStreamChannel: strings.TrimPrefix(channelName, "#"),
		},
		Attachments: attachments,
		AckToken:    channelID + ":" + parent.Timestamp,
	}, nil
}

func (s *SlackSource) threadReplies(ctx context.Context, api *slack.Client, channelID, threadTS string) ([]slack.Message, error) {
	var all []slack.Message
	cursor := ""
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		var msgs []slack.Message
		var hasMore bool
		var next string
		err := s.slackCall(ctx, func() error {
			var apiErr error
			msgs, hasMore, next, apiErr = api.GetConversationRepliesContext(ctx, &slack.GetConversationRepliesParameters{
				ChannelID: channelID,
				Timestamp: threadTS,
				Limit:     slackPageSize,
				Cursor:    cursor,
			})
			return apiErr
		})
		if err != nil {
			return nil, models.E(models.KindIO, "slack.replies", err)
		}

		all = append(all, msgs...)
		if !hasMore || next == "" {
			return all, nil
		}
		cursor = next
	}
}

func (s *SlackSource) downloadFile(ctx context.Context, api *slack.Client, f slack.File) ([]byte, error) {
	if f.URLPrivateDownload == "" {
		return nil, fmt.Errorf("file %s has no download url", f.ID)
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := api.GetFileContext(ctx, f.URLPrivateDownload, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// userName resolves the author display name, caching per user id.
func (s *SlackSource) userName(ctx context.Context, api *slack.Client, m slack.Message) string {
	if m.User == "" {
		if m.Username != "" {
			return m.Username
		}
		return "bot"
	}
	if name, ok := s.users[m.User]; ok {
		return name
	}

	name := m.User
	if err := s.limiter.Wait(ctx); err == nil {
		if user, err := api.GetUserInfoContext(ctx, m.User); err == nil {
			switch {
			case user.Profile.DisplayName != "":
				name = user.Profile.DisplayName
			case user.RealName != "":
				name = user.RealName
			case user.Name != "":
				name = user.Name
			}
		}
	}
	s.users[m.User] = name
	return name
}

// channelID resolves a configured channel name or id, caching lookups.
func (s *SlackSource) channelID(ctx context.Context, api *slack.Client, name string) (string, error) {
	clean := strings.TrimPrefix(name, "#")
	if slackIDPattern.MatchString(clean) {
		return clean, nil
	}
	if id, ok := s.chans[clean]; ok {
		return id, nil
	}

	cursor := ""
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return "", err
		}

		var channels []slack.Channel
		var next string
		err := s.slackCall(ctx, func() error {
			var apiErr error
			channels, next, apiErr = api.GetConversationsContext(ctx, &slack.GetConversationsParameters{
				Cursor:          cursor,
				Limit:           slackPageSize,
				Types:           []string{"public_channel", "private_channel"},
				ExcludeArchived: true,
			})
			return apiErr
		})
		if err != nil {
			return "", models.E(models.KindIO, "slack.channels", err)
		}

		for _, ch := range channels {
			s.chans[ch.Name] = ch.ID
		}
		if id, ok := s.chans[clean]; ok {
			return id, nil
		}
		if next == "" {
			return "", fmt.Errorf("slack channel %q not found", name)
		}
		cursor = next
	}
}

// slackCall runs call, honoring server-directed rate-limit waits.
// Other API errors fail immediately; the batch breaker owns retry
// policy above this layer.
func (s *SlackSource) slackCall(ctx context.Context, call func() error) error {
	operation := func() error {
		err := call()
		if err == nil {
			return nil
		}
		var rle *slack.RateLimitedError
		if errors.As(err, &rle) {
			select {
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			case <-time.After(rle.RetryAfter):
			}
			return err
		}
		return backoff.Permanent(err)
	}
	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx))
}

// Ack reacts to archived threads with a checkmark. Skipped and failed
// items are left unmarked.
func (s *SlackSource) Ack(ctx context.Context, token string, status interfaces.AckStatus) error {
	if status != interfaces.AckProcessed {
		return nil
	}
	channelID, ts, ok := strings.Cut(token, ":")
	if !ok {
		return models.Errorf(models.KindInputParse, "slack.ack", "bad ack token %q", token)
	}

	api, err := s.client()
	if err != nil {
		return err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := api.AddReactionContext(ctx, "white_check_mark", slack.NewRefToMessage(channelID, ts)); err != nil {
		if strings.Contains(err.Error(), "already_reacted") {
			return nil
		}
		return models.E(models.KindTransient, "slack.react", err)
	}
	return nil
}

// Close releases the cached client.
func (s *SlackSource) Close() error {
	s.api = nil
	return nil
}

// renderTranscript formats thread messages as chronological
// "[time] author: text" lines.
func renderTranscript(msgs []slack.Message, nameOf func(slack.Message) string) string {
	var b strings.Builder
	for _, m := range msgs {
		text := strings.TrimSpace(m.Text)
		if text == "" && len(m.Files) > 0 {
			names := make([]string, 0, len(m.Files))
			for _, f := range m.Files {
				names = append(names, f.Name)
			}
			text = "(files: " + strings.Join(names, ", ") + ")"
		}
		if text == "" {
			continue
		}
		ts := parseSlackTS(m.Timestamp)
		fmt.Fprintf(&b, "[%s] %s: %s\n", ts.Format("2006-01-02 15:04"), nameOf(m), text)
	}
	return b.String()
}

// slackTS renders a bound as a Slack timestamp string, empty when open.
func slackTS(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.FormatInt(t.Unix(), 10) + ".000000"
}

// parseSlackTS converts a "seconds.sequence" Slack timestamp to UTC
// time. Sub-second sequence digits are dropped.
func parseSlackTS(ts string) time.Time {
	secsPart, _, _ := strings.Cut(ts, ".")
	secs, err := strconv.ParseInt(secsPart, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}
