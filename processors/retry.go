package processors

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	openai "github.com/sashabaranov/go-openai"
)

// ErrConfig marks failures caused by bad credentials or configuration.
// Pipelines abort on these instead of degrading per segment, since every
// remaining call would fail the same way.
var ErrConfig = errors.New("configuration error")

const maxAPIAttempts = 5

// withRetry runs call with exponential backoff, up to five attempts.
// Rate limits, server errors, and transport errors retry; authentication
// and bad-request failures surface immediately as permanent.
func withRetry(ctx context.Context, call func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 1 * time.Second
	policy.MaxInterval = 10 * time.Second
	policy.MaxElapsedTime = 0

	wrapped := func() error {
		err := call()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(wrapped, backoff.WithContext(
		backoff.WithMaxRetries(policy, maxAPIAttempts-1), ctx))
}

func isTransient(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429:
			return true
		case apiErr.HTTPStatusCode >= 500:
			return true
		default:
			return false
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == 429 || reqErr.HTTPStatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "EOF")
}

// isCredentialError recognizes failures that mean the API key itself is
// wrong. These become ErrConfig and abort the whole pipeline.
func isCredentialError(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == 401 || reqErr.HTTPStatusCode == 403
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "invalid api key") || strings.Contains(msg, "incorrect api key")
}
