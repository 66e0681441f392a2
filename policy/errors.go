package policy

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-outbound/core"
)

// ThrottledError aborts a dispatch attempt after a send budget was exceeded.
// The message stays queued and is retried once the pause lapses.
type ThrottledError struct {
	TenantID   string
	Scope      string
	Count      int
	Limit      int
	RetryAfter time.Duration
}

func (e ThrottledError) Error() string {
	return fmt.Sprintf(
		"policy: tenant %q throttled on %s budget (%d/%d), retry after %s",
		strings.TrimSpace(e.TenantID),
		strings.TrimSpace(e.Scope),
		e.Count,
		e.Limit,
		e.RetryAfter,
	)
}

func (e ThrottledError) ToServiceError() *goerrors.Error {
	metadata := map[string]any{
		"tenant_id": strings.TrimSpace(e.TenantID),
		"scope":     strings.TrimSpace(e.Scope),
		"count":     e.Count,
		"limit":     e.Limit,
	}
	if e.RetryAfter > 0 {
		metadata["retry_after_ms"] = e.RetryAfter.Milliseconds()
	}
	return goerrors.New(e.Error(), goerrors.CategoryRateLimit).
		WithCode(http.StatusTooManyRequests).
		WithTextCode(core.ErrorTenantThrottled).
		WithMetadata(metadata)
}

func validationError(field string, message string) error {
	return goerrors.NewValidation("policy: validation failed", goerrors.FieldError{
		Field:   field,
		Message: message,
	}).
		WithCode(http.StatusBadRequest).
		WithTextCode(core.ErrorBadInput)
}
