package webhooks

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-outbound/core"
	"github.com/goliatone/go-outbound/ratelimit"
)

// pendingSafetyNet is the next_retry_at written with a new event, so the
// reconcile poller picks it up if this process dies before applying it.
const pendingSafetyNet = time.Minute

type RateLimiter interface {
	Check(ctx context.Context, sourceIP string, tenantID string) error
}

type SignatureVerifier interface {
	Enabled() bool
	Verify(ctx context.Context, req core.InboundRequest) error
}

// Ingestor runs the webhook pipeline for one request.
type Ingestor struct {
	Allowlist     *IPAllowlist
	Credentials   CredentialVerifier
	Limiter       RateLimiter
	Signature     SignatureVerifier
	SignatureMode SignatureMode
	WebhookEvents core.WebhookEventStore
	Applier       *LedgerApplier
	Reconcile     core.ReconcileEnqueuer
	Now           func() time.Time
	Observer      *core.Observer
}

// NewIngestor builds the pipeline from webhook configuration.
func NewIngestor(
	cfg core.WebhookConfig,
	webhookEvents core.WebhookEventStore,
	applier *LedgerApplier,
	counters ratelimit.CounterStore,
) (*Ingestor, error) {
	allowlist, err := NewIPAllowlist(cfg.IPAllowlist)
	if err != nil {
		return nil, err
	}
	return &Ingestor{
		Allowlist: allowlist,
		Credentials: BasicCredentialVerifier{
			Current:  Credential{User: cfg.BasicUser, Password: cfg.BasicPassword},
			Previous: Credential{User: cfg.PreviousBasicUser, Password: cfg.PreviousBasicPassword},
		},
		Limiter: ratelimit.NewGuard(cfg.PerIPLimit, cfg.PerTenantLimit, cfg.Window, counters),
		Signature: HeaderHMACVerifier{
			Header: cfg.SignatureHeader,
			Secret: cfg.SignatureSecret,
		},
		SignatureMode: SignatureModeAdvisory,
		WebhookEvents: webhookEvents,
		Applier:       applier,
		Now:           func() time.Time { return time.Now().UTC() },
	}, nil
}

func (i *Ingestor) Ingest(ctx context.Context, req core.InboundRequest) (result core.InboundResult, err error) {
	if i == nil || i.WebhookEvents == nil || i.Applier == nil {
		return core.InboundResult{StatusCode: http.StatusInternalServerError}, fmt.Errorf("webhooks: ingestor is not configured")
	}
	startedAt := time.Now()
	defer func() {
		i.Observer.Observe(ctx, startedAt, "webhook.ingest", err, map[string]any{
			"source_ip":   req.SourceIP,
			"status_code": result.StatusCode,
		})
	}()

	if !i.Allowlist.Allowed(req.SourceIP) {
		i.Observer.Count(ctx, core.MetricIPDenied, nil)
		return reject(http.StatusForbidden, "ip_denied"), goerrors.New("webhooks: source ip is not allowed", goerrors.CategoryAuthz).
			WithCode(http.StatusForbidden).
			WithTextCode(core.ErrorWebhookForbidden)
	}

	if i.Credentials == nil {
		i.Observer.Count(ctx, core.MetricAuthFail, nil)
		return reject(http.StatusUnauthorized, "auth_fail"), webhookAuthError(ErrCredentialUnavailable)
	}
	if err := i.Credentials.Verify(ctx, req); err != nil {
		i.Observer.Count(ctx, core.MetricAuthFail, nil)
		return reject(http.StatusUnauthorized, "auth_fail"), webhookAuthError(err)
	}

	if i.Limiter != nil {
		tenantID := metadataString(req.Metadata, "tenant_id")
		if err := i.Limiter.Check(ctx, req.SourceIP, tenantID); err != nil {
			i.Observer.Count(ctx, core.MetricRateLimited, nil)
			var exceeded ratelimit.LimitExceededError
			if errors.As(err, &exceeded) {
				return reject(http.StatusTooManyRequests, "rate_limited"), exceeded.ToServiceError()
			}
			return reject(http.StatusTooManyRequests, "rate_limited"), err
		}
	}

	if i.Signature != nil && i.Signature.Enabled() {
		if err := i.Signature.Verify(ctx, req); err != nil {
			i.Observer.Count(ctx, core.MetricSignatureInvalid, nil)
			if i.SignatureMode == SignatureModeRequired {
				return reject(http.StatusUnauthorized, "signature_invalid"), webhookAuthError(err)
			}
			i.Observer.Warn(ctx, "webhook signature invalid, accepting on credential", map[string]any{
				"source_ip": req.SourceIP,
				"error":     err.Error(),
			})
		}
	}

	normalized, err := Normalize(req.Body)
	if err != nil {
		return reject(http.StatusBadRequest, "invalid_payload"), goerrors.Wrap(err, goerrors.CategoryBadInput, "webhooks: invalid payload").
			WithCode(http.StatusBadRequest).
			WithTextCode(core.ErrorBadInput)
	}
	if hint := metadataString(req.Metadata, "tenant_id"); normalized.TenantHint == "" && hint != "" {
		normalized.TenantHint = hint
	}

	receivedAt := req.ReceivedAt.UTC()
	if req.ReceivedAt.IsZero() {
		receivedAt = i.now()
	}
	safetyNet := receivedAt.Add(pendingSafetyNet)
	stored, duplicate, err := i.WebhookEvents.UpsertWebhookEvent(ctx, core.WebhookEvent{
		ProviderEventID:   normalized.ProviderEventID,
		TenantID:          normalized.TenantHint,
		ProviderMessageID: normalized.ProviderMessageID,
		EventType:         normalized.EventType,
		ReceivedAt:        receivedAt,
		OccurredAt:        normalized.OccurredAt,
		Payload:           core.RedactPayload(normalized.Payload),
		PayloadHash:       normalized.PayloadHash,
		ReconcileStatus:   core.ReconcileStatusPending,
		NextRetryAt:       &safetyNet,
	})
	if err != nil {
		return reject(http.StatusInternalServerError, "store_error"), err
	}
	metadata := map[string]any{
		"provider_event_id": stored.ProviderEventID,
		"event_type":        stored.EventType,
	}
	if duplicate {
		i.Observer.Count(ctx, core.MetricWebhookDuplicate, nil)
		metadata["duplicate"] = true
		return core.InboundResult{Accepted: true, StatusCode: http.StatusOK, Metadata: metadata}, nil
	}

	applied, err := i.Applier.Apply(ctx, stored)
	if err != nil {
		// Stay PENDING with the safety-net retry; the poller finishes it.
		i.Observer.Error(ctx, "apply webhook event failed", map[string]any{
			"provider_event_id": stored.ProviderEventID,
			"error":             err.Error(),
		})
		return reject(http.StatusInternalServerError, "apply_error"), err
	}
	metadata["reconcile_status"] = string(applied)

	switch applied {
	case ApplyUnresolved:
		i.Observer.Count(ctx, core.MetricWebhookDeferred, nil)
		if i.Reconcile != nil {
			notBefore := i.now().Add(i.Applier.retryDelay())
			if err := i.Reconcile.EnqueueReconcile(ctx, stored.ProviderEventID, notBefore); err != nil {
				i.Observer.Warn(ctx, "enqueue reconcile failed, poller will retry", map[string]any{
					"provider_event_id": stored.ProviderEventID,
					"error":             err.Error(),
				})
			}
		}
		return core.InboundResult{Accepted: true, StatusCode: http.StatusAccepted, Metadata: metadata}, nil
	default:
		i.Observer.Count(ctx, core.MetricWebhookAccepted, nil)
		return core.InboundResult{Accepted: true, StatusCode: http.StatusOK, Metadata: metadata}, nil
	}
}

func (i *Ingestor) now() time.Time {
	if i.Now != nil {
		return i.Now().UTC()
	}
	return time.Now().UTC()
}

func reject(status int, reason string) core.InboundResult {
	return core.InboundResult{
		Accepted:   false,
		StatusCode: status,
		Metadata:   map[string]any{"rejected": true, "reason": reason},
	}
}

func webhookAuthError(err error) error {
	return goerrors.Wrap(err, goerrors.CategoryAuth, "webhooks: unauthorized").
		WithCode(http.StatusUnauthorized).
		WithTextCode(core.ErrorWebhookAuth)
}

func metadataString(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	value, ok := metadata[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}
