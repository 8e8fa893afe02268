package sources

// Shared Google API plumbing for the gmail and gdocs adapters.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"

	"github.com/ternarybob/arca/internal/models"
)

// googleClient builds an authenticated HTTP client from an OAuth client
// secret and a previously saved user token. The interactive consent
// flow is out of scope; the token file must already exist.
func googleClient(ctx context.Context, credentialsFile, tokenFile string, scopes ...string) (*http.Client, error) {
	secret, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, models.E(models.KindIO, "google.credentials", err)
	}
	cfg, err := google.ConfigFromJSON(secret, scopes...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse google credentials: %w", err)
	}
	tok, err := readGoogleToken(tokenFile)
	if err != nil {
		return nil, err
	}
	return cfg.Client(ctx, tok), nil
}

// readGoogleToken loads a cached OAuth user token.
func readGoogleToken(path string) (*oauth2.Token, error) {
	if path == "" {
		return nil, fmt.Errorf("google token_file is not configured")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("google token not found at %s (complete the OAuth consent flow first): %w", path, err)
	}
	defer f.Close()
	tok := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(tok); err != nil {
		return nil, fmt.Errorf("failed to parse google token %s: %w", path, err)
	}
	return tok, nil
}

// googleRetry retries a Google API call on rate-limit and server
// errors. Other API errors fail immediately.
func googleRetry(ctx context.Context, call func() error) error {
	operation := func() error {
		err := call()
		if err == nil {
			return nil
		}
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code != http.StatusTooManyRequests && apiErr.Code < 500 {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx))
}
