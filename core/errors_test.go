package core

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	goerrors "github.com/goliatone/go-errors"
)

func TestMapErrorAssignsStableCodes(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		status   int
		textCode string
	}{
		{"not found", fmt.Errorf("lookup: %w", ErrMessageNotFound), http.StatusNotFound, ErrorNotFound},
		{"transient", &TransientProviderError{StatusCode: 503}, http.StatusBadGateway, ErrorProviderTransient},
		{"breach", &InvariantBreachError{TenantID: "t", MessageID: "m", Detail: "sent without id"}, http.StatusInternalServerError, ErrorInvariantBreach},
		{"conflict", &PolicyConflictError{TenantID: "t", Attempts: 3}, http.StatusConflict, ErrorPolicyConflict},
		{"ack", ErrResumeAckRequired, http.StatusUnprocessableEntity, ErrorResumeAckMissing},
		{"throttle text", errors.New("tenant throttled"), http.StatusTooManyRequests, ErrorRateLimited},
		{"required text", errors.New("tenant id is required"), http.StatusBadRequest, ErrorBadInput},
		{"rich", goerrors.New("denied", goerrors.CategoryAuthz).WithCode(http.StatusForbidden).WithTextCode("CUSTOM_DENIED"), http.StatusForbidden, "CUSTOM_DENIED"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mapped := MapError(tc.err)
			if mapped == nil {
				t.Fatalf("expected mapped error")
			}
			if mapped.Code != tc.status || mapped.TextCode != tc.textCode {
				t.Fatalf("got %d %q, want %d %q", mapped.Code, mapped.TextCode, tc.status, tc.textCode)
			}
		})
	}
	if MapError(nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
}

func TestTypedErrorsUnwrapToSentinels(t *testing.T) {
	if !errors.Is(&InvariantBreachError{}, ErrInvariantBreach) {
		t.Fatalf("breach error must unwrap to ErrInvariantBreach")
	}
	if !errors.Is(&PolicyConflictError{}, ErrPolicyVersionConflict) {
		t.Fatalf("conflict error must unwrap to ErrPolicyVersionConflict")
	}
	cause := errors.New("connection reset")
	wrapped := fmt.Errorf("send: %w", &TransientProviderError{Err: cause})
	if !IsTransientProviderError(wrapped) || !errors.Is(wrapped, cause) {
		t.Fatalf("transient error must be detectable and keep its cause")
	}
	if MapError(&InvariantBreachError{}).Severity != goerrors.SeverityCritical {
		t.Fatalf("breach must map to critical severity")
	}
}
