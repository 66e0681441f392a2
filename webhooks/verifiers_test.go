package webhooks

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/goliatone/go-outbound/core"
)

func basicHeader(user, password string) map[string]string {
	token := base64.StdEncoding.EncodeToString([]byte(user + ":" + password))
	return map[string]string{"Authorization": "Basic " + token}
}

func TestIPAllowlist(t *testing.T) {
	list, err := NewIPAllowlist([]string{"10.0.0.1", "192.168.10.0/24", " "})
	if err != nil {
		t.Fatalf("new allowlist: %v", err)
	}
	cases := []struct {
		source string
		want   bool
	}{
		{"10.0.0.1", true},
		{"10.0.0.1:5443", true},
		{"::ffff:10.0.0.1", true},
		{"10.0.0.2", false},
		{"192.168.10.77", true},
		{"192.168.11.1", false},
		{"not-an-ip", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := list.Allowed(tc.source); got != tc.want {
			t.Fatalf("Allowed(%q) = %v, want %v", tc.source, got, tc.want)
		}
	}

	empty, err := NewIPAllowlist(nil)
	if err != nil {
		t.Fatalf("empty allowlist: %v", err)
	}
	if !empty.Allowed("203.0.113.9") {
		t.Fatalf("expected empty allowlist to admit every source")
	}
	if _, err := NewIPAllowlist([]string{"10.0.0.0/99"}); err == nil {
		t.Fatalf("expected invalid cidr to fail")
	}
}

func TestBasicCredentialVerifierSupportsRotation(t *testing.T) {
	verifier := BasicCredentialVerifier{
		Current:  Credential{User: "hook", Password: "new-secret"},
		Previous: Credential{User: "hook", Password: "old-secret"},
	}
	ctx := context.Background()

	if err := verifier.Verify(ctx, core.InboundRequest{Headers: basicHeader("hook", "new-secret")}); err != nil {
		t.Fatalf("expected current credential accepted: %v", err)
	}
	if err := verifier.Verify(ctx, core.InboundRequest{Headers: basicHeader("hook", "old-secret")}); err != nil {
		t.Fatalf("expected previous credential accepted: %v", err)
	}
	if err := verifier.Verify(ctx, core.InboundRequest{Headers: basicHeader("hook", "wrong")}); !errors.Is(err, ErrCredentialMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if err := verifier.Verify(ctx, core.InboundRequest{}); !errors.Is(err, ErrCredentialMissing) {
		t.Fatalf("expected missing, got %v", err)
	}
	if err := verifier.Verify(ctx, core.InboundRequest{Headers: map[string]string{"Authorization": "Bearer abc"}}); !errors.Is(err, ErrCredentialMissing) {
		t.Fatalf("expected non-basic scheme rejected, got %v", err)
	}
}

func TestBasicCredentialVerifierFailsClosedWithoutConfiguration(t *testing.T) {
	err := BasicCredentialVerifier{}.Verify(context.Background(), core.InboundRequest{Headers: basicHeader("", "")})
	if !errors.Is(err, ErrCredentialUnavailable) {
		t.Fatalf("expected unavailable credential error, got %v", err)
	}
}

func TestHeaderHMACVerifier(t *testing.T) {
	verifier := HeaderHMACVerifier{Header: "X-Webhook-Signature", Secret: "shh"}
	body := []byte(`{"RecordType":"Delivery"}`)
	ctx := context.Background()

	if !verifier.Enabled() {
		t.Fatalf("expected verifier enabled")
	}
	signed := core.InboundRequest{Body: body, Headers: map[string]string{"x-webhook-signature": verifier.Sign(body)}}
	if err := verifier.Verify(ctx, signed); err != nil {
		t.Fatalf("expected valid signature: %v", err)
	}
	tampered := core.InboundRequest{Body: []byte(`{"RecordType":"Bounce"}`), Headers: signed.Headers}
	if err := verifier.Verify(ctx, tampered); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected invalid signature, got %v", err)
	}
	if err := verifier.Verify(ctx, core.InboundRequest{Body: body}); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected missing header to be invalid, got %v", err)
	}
	if (HeaderHMACVerifier{Header: "X-Webhook-Signature"}).Enabled() {
		t.Fatalf("expected verifier without secret to be disabled")
	}
}

func TestExponentialRetryPolicyCapsAtMax(t *testing.T) {
	policy := ExponentialRetryPolicy{Initial: 5e9, Max: 60e9}
	want := []int64{5, 10, 20, 40, 60, 60}
	for i, seconds := range want {
		if got := policy.NextDelay(i + 1).Seconds(); int64(got) != seconds {
			t.Fatalf("attempt %d: expected %ds, got %v", i+1, seconds, got)
		}
	}
}
