// -----------------------------------------------------------------------
// Ingest Sources - adapter registry and shared fetch helpers
// -----------------------------------------------------------------------

package sources

import (
	"fmt"
	"os"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/arca/internal/common"
	"github.com/ternarybob/arca/internal/interfaces"
)

// Names of the selectable ingest sources.
const (
	NameStdin = "stdin"
	NameFiles = "files"
	NameIMAP  = "imap"
	NameGmail = "gmail"
	NameSlack = "slack"
	NameGDocs = "gdocs"
)

// New builds the named adapter from configuration. The files source
// needs a directory argument and is constructed directly by its caller.
func New(name string, config *common.Config, logger arbor.ILogger) (interfaces.SourceAdapter, error) {
	switch name {
	case NameStdin:
		return NewStdinSource(os.Stdin, config, logger), nil
	case NameIMAP:
		return NewIMAPSource(config, logger), nil
	case NameGmail:
		return NewGmailSource(config, logger), nil
	case NameSlack:
		return NewSlackSource(config, logger), nil
	case NameGDocs:
		return NewGDocsSource(config, logger), nil
	}
	return nil, fmt.Errorf("unknown source %q", name)
}

// ConfiguredRemotes returns one adapter per remote source whose
// configuration is complete enough to poll. The watch scheduler fetches
// from these on every tick.
func ConfiguredRemotes(config *common.Config, logger arbor.ILogger) []interfaces.SourceAdapter {
	var adapters []interfaces.SourceAdapter
	src := config.Sources
	if src.IMAP.Host != "" && src.IMAP.Username != "" {
		adapters = append(adapters, NewIMAPSource(config, logger))
	}
	if src.Gmail.CredentialsFile != "" {
		adapters = append(adapters, NewGmailSource(config, logger))
	}
	if src.Slack.Token != "" && len(src.Slack.Channels) > 0 {
		adapters = append(adapters, NewSlackSource(config, logger))
	}
	if src.GDocs.CredentialsFile != "" && src.GDocs.FolderID != "" {
		adapters = append(adapters, NewGDocsSource(config, logger))
	}
	return adapters
}

// withinRange reports whether t falls inside the optional (after, before)
// window. Zero bounds are open.
func withinRange(t time.Time, after, before time.Time) bool {
	if !after.IsZero() && !t.After(after) {
		return false
	}
	if !before.IsZero() && !t.Before(before) {
		return false
	}
	return true
}

// originDate formats t for the origin date key.
func originDate(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
