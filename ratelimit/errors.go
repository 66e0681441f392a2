package ratelimit

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-outbound/core"
)

// LimitExceededError rejects a webhook request before any durable write.
type LimitExceededError struct {
	Scope      string
	Key        string
	Count      int
	Limit      int
	RetryAfter time.Duration
	Reason     string
}

func (e LimitExceededError) Error() string {
	if reason := strings.TrimSpace(e.Reason); reason != "" {
		return fmt.Sprintf("ratelimit: %s %q rejected: %s", strings.TrimSpace(e.Scope), strings.TrimSpace(e.Key), reason)
	}
	return fmt.Sprintf(
		"ratelimit: %s %q exceeded %d requests, retry after %s",
		strings.TrimSpace(e.Scope),
		strings.TrimSpace(e.Key),
		e.Limit,
		e.RetryAfter,
	)
}

func (e LimitExceededError) ToServiceError() *goerrors.Error {
	metadata := map[string]any{
		"scope": strings.TrimSpace(e.Scope),
		"count": e.Count,
		"limit": e.Limit,
	}
	if e.RetryAfter > 0 {
		metadata["retry_after_ms"] = e.RetryAfter.Milliseconds()
	}
	if e.Reason != "" {
		metadata["reason"] = e.Reason
	}
	return goerrors.New(e.Error(), goerrors.CategoryRateLimit).
		WithCode(http.StatusTooManyRequests).
		WithTextCode(core.ErrorRateLimited).
		WithMetadata(metadata)
}
