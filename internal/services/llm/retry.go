package llm

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Retry policy shared by both providers: three attempts total, waiting
// (attempt+1)*2s between them. Rate limit errors that carry an
// API-suggested delay wait at least that long instead.
const (
	maxAttempts     = 3
	rateLimitBuffer = 5 * time.Second
)

// IsRateLimitError checks if an error is a provider rate limit error.
// Matches 429 status codes and RESOURCE_EXHAUSTED errors.
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "RESOURCE_EXHAUSTED") ||
		strings.Contains(errStr, "quota")
}

// retryDelayPattern matches "Please retry in Xs" or "retryDelay:Xs"
var retryDelayPattern = regexp.MustCompile(`(?i)(?:Please retry in |retryDelay[:\s]+)(\d+(?:\.\d+)?)\s*s`)

// ExtractRetryDelay parses the API-suggested retry delay from an error.
// Returns 0 if no delay is found in the error message.
//
// Example Gemini message:
// "Error 429, Message: ... Please retry in 45.387061394s., Status: RESOURCE_EXHAUSTED"
func ExtractRetryDelay(err error) time.Duration {
	if err == nil {
		return 0
	}

	matches := retryDelayPattern.FindStringSubmatch(err.Error())
	if len(matches) < 2 {
		return 0
	}

	seconds, parseErr := strconv.ParseFloat(matches[1], 64)
	if parseErr != nil {
		return 0
	}

	return time.Duration(seconds * float64(time.Second))
}

// backoffFor computes the wait before re-issuing a failed attempt
// (zero-based).
func backoffFor(attempt int, err error) time.Duration {
	backoff := time.Duration(attempt+1) * 2 * time.Second
	if IsRateLimitError(err) {
		if delay := ExtractRetryDelay(err); delay > 0 && delay+rateLimitBuffer > backoff {
			backoff = delay + rateLimitBuffer
		}
	}
	return backoff
}
