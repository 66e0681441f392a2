package command

import (
	"net/http"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-outbound/core"
)

func commandDependencyError(message string) error {
	return goerrors.New(message, goerrors.CategoryInternal).
		WithCode(http.StatusInternalServerError).
		WithTextCode(core.ErrorInternal)
}

func commandValidationError(field string, message string) error {
	return goerrors.NewValidation("command: validation failed", goerrors.FieldError{
		Field:   field,
		Message: message,
	}).
		WithCode(http.StatusBadRequest).
		WithTextCode(core.ErrorBadInput).
		WithSeverity(goerrors.SeverityError)
}

func resumeAckRequiredError(tenantID string) error {
	return goerrors.New("command: resume checklist has not been acknowledged", goerrors.CategoryConflict).
		WithCode(http.StatusConflict).
		WithTextCode(core.ErrorResumeAckMissing).
		WithMetadata(map[string]any{"tenant_id": tenantID})
}
