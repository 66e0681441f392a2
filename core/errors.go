package core

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrorBadInput          = "OUTBOUND_BAD_INPUT"
	ErrorNotFound          = "OUTBOUND_NOT_FOUND"
	ErrorRateLimited       = "OUTBOUND_RATE_LIMITED"
	ErrorTenantThrottled   = "OUTBOUND_TENANT_THROTTLED"
	ErrorProviderFailed    = "OUTBOUND_PROVIDER_FAILED"
	ErrorProviderTransient = "OUTBOUND_PROVIDER_TRANSIENT"
	ErrorInvariantBreach   = "OUTBOUND_INVARIANT_BREACH"
	ErrorPolicyConflict    = "OUTBOUND_POLICY_CONFLICT"
	ErrorResumeAckMissing  = "OUTBOUND_RESUME_ACK_REQUIRED"
	ErrorWebhookAuth       = "OUTBOUND_WEBHOOK_UNAUTHORIZED"
	ErrorWebhookForbidden  = "OUTBOUND_WEBHOOK_FORBIDDEN"
	ErrorInternal          = "OUTBOUND_INTERNAL_ERROR"
)

// TransientProviderError marks provider failures that should pause the
// tenant and go back through queue retry.
type TransientProviderError struct {
	StatusCode int
	Err        error
}

func (e *TransientProviderError) Error() string {
	if e == nil {
		return "provider: transient failure"
	}
	if e.Err != nil {
		return fmt.Sprintf("provider: transient failure (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider: transient failure (status %d)", e.StatusCode)
}

func (e *TransientProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *TransientProviderError) ToServiceError() *goerrors.Error {
	return goerrors.New(e.Error(), goerrors.CategoryExternal).
		WithCode(http.StatusBadGateway).
		WithTextCode(ErrorProviderTransient).
		WithMetadata(map[string]any{"status_code": e.StatusCode})
}

func IsTransientProviderError(err error) bool {
	var transient *TransientProviderError
	return errors.As(err, &transient)
}

// InvariantBreachError reports a persisted state that must be unreachable.
// It unwraps to ErrInvariantBreach.
type InvariantBreachError struct {
	TenantID  string
	MessageID string
	Detail    string
}

func (e *InvariantBreachError) Error() string {
	return fmt.Sprintf("core: invariant breach on message %q tenant %q: %s", e.MessageID, e.TenantID, e.Detail)
}

func (e *InvariantBreachError) Unwrap() error { return ErrInvariantBreach }

func (e *InvariantBreachError) ToServiceError() *goerrors.Error {
	return goerrors.New(e.Error(), goerrors.CategoryInternal).
		WithCode(http.StatusInternalServerError).
		WithTextCode(ErrorInvariantBreach).
		WithSeverity(goerrors.SeverityCritical).
		WithMetadata(map[string]any{
			"tenant_id":  e.TenantID,
			"message_id": e.MessageID,
		})
}

// PolicyConflictError is returned once the control state CAS retries are
// exhausted. It unwraps to ErrPolicyVersionConflict.
type PolicyConflictError struct {
	TenantID string
	Attempts int
}

func (e *PolicyConflictError) Error() string {
	return fmt.Sprintf("core: control state for tenant %q changed concurrently after %d attempts", e.TenantID, e.Attempts)
}

func (e *PolicyConflictError) Unwrap() error { return ErrPolicyVersionConflict }

func (e *PolicyConflictError) ToServiceError() *goerrors.Error {
	return goerrors.New(e.Error(), goerrors.CategoryConflict).
		WithCode(http.StatusConflict).
		WithTextCode(ErrorPolicyConflict).
		WithMetadata(map[string]any{"tenant_id": e.TenantID, "attempts": e.Attempts})
}

type serviceErrorConverter interface {
	ToServiceError() *goerrors.Error
}

// MapError converts any error into the go-errors envelope used at the HTTP
// and command boundaries.
func MapError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		return ensureErrorEnvelope(rich)
	}
	var mapper serviceErrorConverter
	if errors.As(err, &mapper) {
		return ensureErrorEnvelope(mapper.ToServiceError())
	}

	switch {
	case errors.Is(err, ErrMessageNotFound),
		errors.Is(err, ErrTenantPolicyNotFound),
		errors.Is(err, ErrWebhookEventNotFound):
		return ensureErrorEnvelope(goerrors.New(err.Error(), goerrors.CategoryNotFound).WithTextCode(ErrorNotFound))
	case errors.Is(err, ErrInvariantBreach):
		return ensureErrorEnvelope(goerrors.New(err.Error(), goerrors.CategoryInternal).
			WithTextCode(ErrorInvariantBreach).
			WithSeverity(goerrors.SeverityCritical))
	case errors.Is(err, ErrPolicyVersionConflict):
		return ensureErrorEnvelope(goerrors.New(err.Error(), goerrors.CategoryConflict).WithTextCode(ErrorPolicyConflict))
	case errors.Is(err, ErrResumeAckRequired):
		return ensureErrorEnvelope(goerrors.New(err.Error(), goerrors.CategoryOperation).WithTextCode(ErrorResumeAckMissing))
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "throttl"), strings.Contains(msg, "rate limit"):
		return ensureErrorEnvelope(goerrors.New(err.Error(), goerrors.CategoryRateLimit).WithTextCode(ErrorRateLimited))
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"):
		return ensureErrorEnvelope(goerrors.New(err.Error(), goerrors.CategoryBadInput).WithTextCode(ErrorBadInput))
	}
	return ensureErrorEnvelope(goerrors.MapToError(err, goerrors.DefaultErrorMappers()))
}

func ensureErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = httpStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ErrorBadInput
	case goerrors.CategoryNotFound:
		return ErrorNotFound
	case goerrors.CategoryRateLimit:
		return ErrorRateLimited
	case goerrors.CategoryAuth:
		return ErrorWebhookAuth
	case goerrors.CategoryAuthz:
		return ErrorWebhookForbidden
	case goerrors.CategoryConflict:
		return ErrorPolicyConflict
	case goerrors.CategoryExternal:
		return ErrorProviderFailed
	default:
		return ErrorInternal
	}
}

func httpStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	case goerrors.CategoryOperation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
