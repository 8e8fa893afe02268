package sources

import (
	"bytes"
	"context"
	"io"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/arca/internal/common"
	"github.com/ternarybob/arca/internal/interfaces"
	"github.com/ternarybob/arca/internal/models"
)

// StdinSource yields at most one RFC 5322 message read whole from a
// reader. Empty input yields nothing.
type StdinSource struct {
	in       io.Reader
	maxBytes int64
	logger   arbor.ILogger
}

// Compile-time assertion
var _ interfaces.SourceAdapter = (*StdinSource)(nil)

// NewStdinSource creates the stdin adapter over in.
func NewStdinSource(in io.Reader, config *common.Config, logger arbor.ILogger) *StdinSource {
	return &StdinSource{
		in:       in,
		maxBytes: int64(config.Security.MaxEmailSizeMB) * 1024 * 1024,
		logger:   logger,
	}
}

// Name returns the adapter identifier.
func (s *StdinSource) Name() string { return NameStdin }

// Fetch reads the whole input. Oversize input fails here rather than
// buffering past the security limit.
func (s *StdinSource) Fetch(ctx context.Context, opts interfaces.FetchOptions, fn interfaces.FetchFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := io.ReadAll(io.LimitReader(s.in, s.maxBytes+1))
	if err != nil {
		return models.E(models.KindIO, "stdin.read", err)
	}
	if int64(len(data)) > s.maxBytes {
		return models.Errorf(models.KindInputTooLarge, "stdin.read",
			"input exceeds %d bytes", s.maxBytes)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		s.logger.Debug().Msg("Empty stdin, nothing to ingest")
		return nil
	}

	return fn(&interfaces.RawInput{
		Raw:    data,
		Origin: map[string]string{"source": models.SourceMail},
	})
}

// Ack is a no-op; stdin has no upstream state.
func (s *StdinSource) Ack(ctx context.Context, token string, status interfaces.AckStatus) error {
	return nil
}

// Close is a no-op.
func (s *StdinSource) Close() error { return nil }
