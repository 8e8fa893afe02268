package sources

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/arca/internal/common"
	"github.com/ternarybob/arca/internal/interfaces"
	"github.com/ternarybob/arca/internal/models"
)

// imapFetchDefault caps one fetch pass when the caller sets no maximum.
const imapFetchDefault = 50

// IMAPSource fetches unseen messages and yields the full raw message
// bytes. Ack marks messages seen; failed items stay unseen so the next
// pass surfaces them again.
type IMAPSource struct {
	config common.IMAPSourceConfig
	logger arbor.ILogger

	mu     sync.Mutex
	client *client.Client
}

// Compile-time assertion
var _ interfaces.SourceAdapter = (*IMAPSource)(nil)

// NewIMAPSource creates the IMAP adapter. Connection is deferred to the
// first Fetch or Ack.
func NewIMAPSource(config *common.Config, logger arbor.ILogger) *IMAPSource {
	return &IMAPSource{config: config.Sources.IMAP, logger: logger}
}

// Name returns the adapter identifier.
func (s *IMAPSource) Name() string { return NameIMAP }

// connect dials and selects the configured mailbox. The session is
// reused across Fetch and Ack; callers hold s.mu.
func (s *IMAPSource) connect() (*client.Client, error) {
	if s.client != nil {
		return s.client, nil
	}
	if s.config.Host == "" || s.config.Username == "" || s.config.Password == "" {
		return nil, fmt.Errorf("imap source requires host, username, and password (sources.imap, ARCA_IMAP_PASSWORD)")
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	var c *client.Client
	var err error
	if s.config.UseTLS {
		c, err = client.DialTLS(addr, nil)
	} else {
		c, err = client.Dial(addr)
	}
	if err != nil {
		return nil, models.E(models.KindIO, "imap.dial", err)
	}

	if err := c.Login(s.config.Username, s.config.Password); err != nil {
		c.Logout()
		return nil, models.E(models.KindIO, "imap.login", err)
	}

	mailbox := s.config.Mailbox
	if mailbox == "" {
		mailbox = "INBOX"
	}
	if _, err := c.Select(mailbox, false); err != nil {
		c.Logout()
		return nil, models.E(models.KindIO, "imap.select", err)
	}

	s.logger.Debug().Str("host", s.config.Host).Str("mailbox", mailbox).Msg("IMAP session established")
	s.client = c
	return c, nil
}

// Fetch searches for unseen messages and streams the raw bodies. The
// After/Before window maps to IMAP SINCE/BEFORE, which the server
// matches at day granularity on the internal date. A non-empty Query
// becomes a TEXT search over the whole message.
func (s *IMAPSource) Fetch(ctx context.Context, opts interfaces.FetchOptions, fn interfaces.FetchFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.connect()
	if err != nil {
		return err
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	if !opts.After.IsZero() {
		criteria.Since = opts.After
	}
	if !opts.Before.IsZero() {
		criteria.Before = opts.Before
	}
	if opts.Query != "" {
		criteria.Text = []string{opts.Query}
	}

	seqNums, err := c.Search(criteria)
	if err != nil {
		return models.E(models.KindIO, "imap.search", err)
	}
	if len(seqNums) == 0 {
		s.logger.Debug().Msg("No unseen messages")
		return nil
	}

	max := opts.Max
	if max <= 0 {
		max = imapFetchDefault
	}
	if len(seqNums) > max {
		seqNums = seqNums[:max]
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(seqNums...)

	section := &imap.BodySectionName{}
	messages := make(chan *imap.Message, len(seqNums))
	done := make(chan error, 1)
	go func() {
		done <- c.Fetch(seqSet, []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, section.FetchItem()}, messages)
	}()

	var fnErr error
	for msg := range messages {
		// Drain the channel after an error so the fetch goroutine finishes
		if msg == nil || fnErr != nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			fnErr = err
			continue
		}

		body := msg.GetBody(section)
		if body == nil {
			s.logger.Warn().Uint32("seq", msg.SeqNum).Msg("Message fetched without body section")
			continue
		}
		raw, err := io.ReadAll(body)
		if err != nil {
			s.logger.Warn().Err(err).Uint32("seq", msg.SeqNum).Msg("Failed to read message body")
			continue
		}

		fnErr = fn(&interfaces.RawInput{
			Raw:      raw,
			Origin:   imapOrigin(msg.Envelope),
			AckToken: strconv.FormatUint(uint64(msg.Uid), 10),
		})
	}
	if err := <-done; err != nil {
		return models.E(models.KindIO, "imap.fetch", err)
	}
	return fnErr
}

// imapOrigin maps an envelope onto the stable origin keys. The raw
// message is parsed again downstream; envelope values pre-fill the
// canonical forms the server reports.
func imapOrigin(env *imap.Envelope) map[string]string {
	origin := map[string]string{"source": models.SourceMail}
	if env == nil {
		return origin
	}
	if env.MessageId != "" {
		origin[models.OriginMessageID] = env.MessageId
	}
	if env.Subject != "" {
		origin[models.OriginSubject] = env.Subject
	}
	if !env.Date.IsZero() {
		origin[models.OriginDate] = originDate(env.Date)
	}
	if len(env.From) > 0 {
		origin[models.OriginFrom] = env.From[0].Address()
	}
	if len(env.To) > 0 {
		origin[models.OriginTo] = env.To[0].Address()
	}
	return origin
}

// Ack marks processed and skipped messages seen by UID. Failed items
// are left untouched.
func (s *IMAPSource) Ack(ctx context.Context, token string, status interfaces.AckStatus) error {
	if status == interfaces.AckFailed {
		return nil
	}
	uid, err := strconv.ParseUint(token, 10, 32)
	if err != nil {
		return models.Errorf(models.KindInputParse, "imap.ack", "bad uid token %q", token)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.connect()
	if err != nil {
		return err
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uint32(uid))
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := c.UidStore(seqSet, item, []interface{}{imap.SeenFlag}, nil); err != nil {
		return models.E(models.KindTransient, "imap.ack", err)
	}
	return nil
}

// Close logs out the session when one was established.
func (s *IMAPSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Logout()
	s.client = nil
	return err
}
