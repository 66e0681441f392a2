package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-outbound/core"
	"github.com/goliatone/go-outbound/policy"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	ThrottlePause       = 10 * time.Minute
	Provider5xxPause    = 30 * time.Minute
	FailureRatePause    = 30 * time.Minute
	DeliverabilityPause = 60 * time.Minute

	rateWindow           = time.Minute
	hourWindow           = time.Hour
	failureRateWindow    = time.Hour
	deliverabilityWindow = 24 * time.Hour

	DefaultBreakerMinSample = 10

	EventTypeSent = "sent"

	tracerName = "github.com/goliatone/go-outbound/dispatch"
)

// Processor runs the send path for one queued message. It may be invoked any
// number of times for the same message; the claim guarantees at most one
// provider call per claim epoch.
type Processor struct {
	Messages         core.MessageStore
	SendEvents       core.SendEventStore
	Alerts           core.AlertStore
	Policy           *policy.Service
	Provider         core.ProviderClient
	WorkerID         string
	StaleThreshold   time.Duration
	BreakerMinSample int
	Now              func() time.Time
	Observer         *core.Observer
	Tracer           trace.Tracer
}

func NewProcessor(
	messages core.MessageStore,
	sendEvents core.SendEventStore,
	alerts core.AlertStore,
	policies *policy.Service,
	provider core.ProviderClient,
	cfg core.DispatchConfig,
) *Processor {
	return &Processor{
		Messages:         messages,
		SendEvents:       sendEvents,
		Alerts:           alerts,
		Policy:           policies,
		Provider:         provider,
		WorkerID:         cfg.WorkerID,
		StaleThreshold:   cfg.StaleThreshold,
		BreakerMinSample: cfg.BreakerMinSample,
		Now:              func() time.Time { return time.Now().UTC() },
		Tracer:           otel.Tracer(tracerName),
	}
}

func (p *Processor) Process(ctx context.Context, tenantID string, messageID string) (outcome Outcome, err error) {
	if p == nil || p.Messages == nil || p.Policy == nil || p.Provider == nil {
		return OutcomeFailed, fmt.Errorf("dispatch: processor is not configured")
	}
	tenantID = strings.TrimSpace(tenantID)
	messageID = strings.TrimSpace(messageID)

	startedAt := time.Now()
	ctx, span := p.tracer().Start(ctx, "outbound.dispatch.process", trace.WithAttributes(
		attribute.String("outbound.tenant_id", tenantID),
		attribute.String("outbound.message_id", messageID),
		attribute.String("outbound.worker_id", p.workerID()),
	))
	defer func() {
		span.SetAttributes(attribute.String("outbound.outcome", string(outcome)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		p.Observer.Observe(ctx, startedAt, "dispatch.process", err, map[string]any{
			"tenant_id":  tenantID,
			"message_id": messageID,
			"outcome":    string(outcome),
		})
	}()

	return p.process(ctx, span, tenantID, messageID)
}

func (p *Processor) process(ctx context.Context, span trace.Span, tenantID string, messageID string) (Outcome, error) {
	tags := map[string]string{"tenant_id": tenantID}

	msg, err := p.Messages.GetMessage(ctx, tenantID, messageID)
	if err != nil {
		if errors.Is(err, core.ErrMessageNotFound) {
			return OutcomeSkippedMissing, nil
		}
		return OutcomeFailed, err
	}

	if msg.HasProviderMessageID() {
		p.Observer.Count(ctx, core.MetricAlreadySent, tags)
		return OutcomeSkippedAlreadySent, nil
	}

	if msg.BreachesSentInvariant() || msg.Status == core.MessageStatusSent {
		return OutcomeInvariantBreach, p.reportBreach(ctx, msg, "message is marked sent without a provider message id")
	}

	if msg.Status.Terminal() {
		return OutcomeSkippedTerminal, nil
	}

	pol, err := p.Policy.GetPolicy(ctx, tenantID)
	if err != nil {
		return OutcomeFailed, err
	}
	if p.Policy.IsPaused(pol) {
		// Only a QUEUED row is parked here; a SENDING row belongs to whoever
		// holds its claim and is left to that worker or the sweeper.
		if _, err := p.Messages.MarkPaused(ctx, tenantID, messageID, ""); err != nil {
			return OutcomeFailed, err
		}
		return OutcomePaused, nil
	}

	now := p.now()
	if err := p.enforceRateLimits(ctx, pol, now); err != nil {
		var throttled policy.ThrottledError
		if errors.As(err, &throttled) {
			return OutcomeThrottled, err
		}
		return OutcomeFailed, err
	}

	claimed, err := p.Messages.ClaimMessage(ctx, core.ClaimRequest{
		TenantID:    tenantID,
		MessageID:   messageID,
		WorkerID:    p.workerID(),
		Now:         now,
		StaleBefore: now.Add(-p.staleThreshold()),
	})
	if err != nil {
		return OutcomeFailed, err
	}
	if !claimed {
		p.Observer.Count(ctx, core.MetricClaimZero, tags)
		return OutcomeClaimLost, nil
	}
	p.Observer.Count(ctx, core.MetricClaimSuccess, tags)
	attempt := msg.SendAttempt + 1
	span.SetAttributes(attribute.Int("outbound.send_attempt", attempt))

	pol, err = p.Policy.GetPolicy(ctx, tenantID)
	if err != nil {
		return OutcomeFailed, err
	}
	if p.Policy.IsPaused(pol) {
		if _, err := p.Messages.MarkPaused(ctx, tenantID, messageID, p.workerID()); err != nil {
			return OutcomeFailed, err
		}
		return OutcomePaused, nil
	}

	dedupeKey := msg.SendDedupeKey
	if strings.TrimSpace(dedupeKey) == "" {
		dedupeKey = tenantID + ":" + messageID
	}
	if policy.ShouldSimulate(dedupeKey, pol) {
		return p.completeSimulated(ctx, tenantID, messageID, dedupeKey)
	}

	result, sendErr := p.Provider.Send(ctx, tenantID, messageID)
	if sendErr != nil {
		return OutcomeFailed, p.handleSendFailure(ctx, pol, msg, attempt, sendErr)
	}

	completed, err := p.Messages.CompleteSend(ctx, core.SendCompletion{
		TenantID:          tenantID,
		MessageID:         messageID,
		ProviderMessageID: result.ProviderMessageID,
		Status:            core.MessageStatusSent,
		SentAt:            p.now(),
	})
	if err != nil {
		return OutcomeFailed, err
	}
	if !completed {
		// The provider accepted the send but another writer recorded a
		// provider id first. Nothing to retry; surface it for review.
		p.Observer.Count(ctx, core.MetricAlreadySent, tags)
		p.recordAlert(ctx, core.Alert{
			Kind:      core.AlertKindInvariantBreach,
			Severity:  core.AlertSeverityCritical,
			TenantID:  tenantID,
			MessageID: messageID,
			Detail:    "provider accepted a send for a message that already had a provider message id",
			Metadata:  map[string]any{"provider_message_id": result.ProviderMessageID, "send_attempt": attempt},
		})
		return OutcomeSkippedAlreadySent, nil
	}
	span.SetAttributes(attribute.String("outbound.provider_message_id", result.ProviderMessageID))

	eventID := strings.TrimSpace(result.ProviderEventID)
	if eventID == "" {
		eventID = "sent_" + result.ProviderMessageID
	}
	p.recordSendEvent(ctx, core.SendEvent{
		TenantID:          tenantID,
		MessageID:         messageID,
		ProviderEventID:   eventID,
		ProviderMessageID: result.ProviderMessageID,
		EventType:         EventTypeSent,
		OccurredAt:        p.now(),
		Metadata:          map[string]any{"send_attempt": attempt, "worker_id": p.workerID()},
	})

	p.evaluateDeliverability(ctx, pol)
	return OutcomeSent, nil
}

func (p *Processor) enforceRateLimits(ctx context.Context, pol core.Policy, now time.Time) error {
	tenantID := pol.TenantID
	checks := []struct {
		scope  string
		filter core.SendCountFilter
		limit  int
	}{
		{scope: "tenant_minute", filter: core.SendCountFilter{TenantID: tenantID, Since: now.Add(-rateWindow)}, limit: pol.MaxPerMinute},
		{scope: "global_minute", filter: core.SendCountFilter{Since: now.Add(-rateWindow)}, limit: pol.MaxGlobalPerMinute},
	}
	if pol.MaxPerHour != nil {
		checks = append(checks, struct {
			scope  string
			filter core.SendCountFilter
			limit  int
		}{scope: "tenant_hour", filter: core.SendCountFilter{TenantID: tenantID, Since: now.Add(-hourWindow)}, limit: *pol.MaxPerHour})
	}

	for _, check := range checks {
		if check.limit <= 0 {
			continue
		}
		count, err := p.Messages.CountSends(ctx, check.filter)
		if err != nil {
			return err
		}
		if count < check.limit {
			continue
		}
		if _, err := p.Policy.Pause(ctx, core.PauseRequest{
			TenantID:   tenantID,
			Reason:     fmt.Sprintf("send budget %s exceeded (%d/%d)", check.scope, count, check.limit),
			Duration:   ThrottlePause,
			ErrorClass: core.ErrorClassThrottle,
			Metadata:   map[string]any{"scope": check.scope, "count": count, "limit": check.limit},
		}); err != nil {
			return err
		}
		return policy.ThrottledError{
			TenantID:   tenantID,
			Scope:      check.scope,
			Count:      count,
			Limit:      check.limit,
			RetryAfter: ThrottlePause,
		}
	}
	return nil
}

func (p *Processor) completeSimulated(ctx context.Context, tenantID string, messageID string, dedupeKey string) (Outcome, error) {
	simulatedID := policy.SimulatedProviderMessageID(tenantID, dedupeKey)
	completed, err := p.Messages.CompleteSend(ctx, core.SendCompletion{
		TenantID:          tenantID,
		MessageID:         messageID,
		ProviderMessageID: simulatedID,
		Status:            core.MessageStatusSentSimulated,
		SentAt:            p.now(),
	})
	if err != nil {
		return OutcomeFailed, err
	}
	if !completed {
		p.Observer.Count(ctx, core.MetricAlreadySent, map[string]string{"tenant_id": tenantID})
		return OutcomeSkippedAlreadySent, nil
	}
	p.recordSendEvent(ctx, core.SendEvent{
		TenantID:          tenantID,
		MessageID:         messageID,
		ProviderEventID:   policy.SimulatedProviderEventID(tenantID, dedupeKey),
		ProviderMessageID: simulatedID,
		EventType:         EventTypeSent,
		OccurredAt:        p.now(),
		Metadata:          map[string]any{"simulated": true},
	})
	return OutcomeSimulated, nil
}

func (p *Processor) handleSendFailure(
	ctx context.Context,
	pol core.Policy,
	msg core.Message,
	attempt int,
	sendErr error,
) error {
	if _, err := p.Messages.MarkFailed(ctx, msg.TenantID, msg.MessageID, sendErr.Error()); err != nil {
		return errors.Join(sendErr, err)
	}

	var transient *core.TransientProviderError
	if errors.As(sendErr, &transient) {
		_, err := p.Policy.Pause(ctx, core.PauseRequest{
			TenantID:   msg.TenantID,
			Reason:     "provider returned a transient failure",
			Duration:   Provider5xxPause,
			ErrorClass: core.ErrorClassProvider5xx,
			Metadata: map[string]any{
				"status_code":  transient.StatusCode,
				"message_id":   msg.MessageID,
				"send_attempt": attempt,
			},
		})
		if err != nil {
			p.evaluateFailureRate(ctx, pol)
			return errors.Join(sendErr, err)
		}
	}
	p.evaluateFailureRate(ctx, pol)
	return sendErr
}

// evaluateFailureRate pauses the tenant when failures over the trailing hour
// reach the configured share of completed attempts.
func (p *Processor) evaluateFailureRate(ctx context.Context, pol core.Policy) {
	if pol.FailureRateThreshold <= 0 {
		return
	}
	counts, err := p.Messages.CountOutcomes(ctx, pol.TenantID, p.now().Add(-failureRateWindow))
	if err != nil {
		p.Observer.Error(ctx, "failure rate evaluation failed", map[string]any{"tenant_id": pol.TenantID, "error": err.Error()})
		return
	}
	total := counts.Failed + counts.Sent
	if total < p.minSample() {
		return
	}
	rate := float64(counts.Failed) / float64(total)
	if rate < pol.FailureRateThreshold {
		return
	}
	p.pauseQuietly(ctx, core.PauseRequest{
		TenantID:   pol.TenantID,
		Reason:     fmt.Sprintf("failure rate %.2f over the last hour", rate),
		Duration:   FailureRatePause,
		ErrorClass: core.ErrorClassFailureRate,
		Metadata:   map[string]any{"failed": counts.Failed, "sent": counts.Sent, "rate": rate},
	})
}

// evaluateDeliverability pauses the tenant when bounces or spam complaints
// over the trailing day reach their thresholds.
func (p *Processor) evaluateDeliverability(ctx context.Context, pol core.Policy) {
	if pol.BounceRateThreshold <= 0 && pol.SpamRateThreshold <= 0 {
		return
	}
	counts, err := p.Messages.CountOutcomes(ctx, pol.TenantID, p.now().Add(-deliverabilityWindow))
	if err != nil {
		p.Observer.Error(ctx, "deliverability evaluation failed", map[string]any{"tenant_id": pol.TenantID, "error": err.Error()})
		return
	}
	if counts.Sent < p.minSample() {
		return
	}
	bounceRate := float64(counts.Bounced) / float64(counts.Sent)
	spamRate := float64(counts.SpamComplaint) / float64(counts.Sent)
	bounceTripped := pol.BounceRateThreshold > 0 && bounceRate >= pol.BounceRateThreshold
	spamTripped := pol.SpamRateThreshold > 0 && spamRate >= pol.SpamRateThreshold
	if !bounceTripped && !spamTripped {
		return
	}
	p.pauseQuietly(ctx, core.PauseRequest{
		TenantID:   pol.TenantID,
		Reason:     fmt.Sprintf("deliverability breach (bounce %.3f, spam %.3f)", bounceRate, spamRate),
		Duration:   DeliverabilityPause,
		ErrorClass: core.ErrorClassDeliverability,
		Metadata: map[string]any{
			"sent":        counts.Sent,
			"bounced":     counts.Bounced,
			"spam":        counts.SpamComplaint,
			"bounce_rate": bounceRate,
			"spam_rate":   spamRate,
		},
	})
}

func (p *Processor) pauseQuietly(ctx context.Context, req core.PauseRequest) {
	if _, err := p.Policy.Pause(ctx, req); err != nil {
		p.Observer.Error(ctx, "automatic pause failed", map[string]any{
			"tenant_id":   req.TenantID,
			"error_class": string(req.ErrorClass),
			"error":       err.Error(),
		})
	}
}

func (p *Processor) reportBreach(ctx context.Context, msg core.Message, detail string) error {
	p.Observer.Count(ctx, core.MetricInvariantBreach, map[string]string{"tenant_id": msg.TenantID})
	p.Observer.Error(ctx, "invariant breach", map[string]any{
		"tenant_id":      msg.TenantID,
		"message_id":     msg.MessageID,
		"status":         string(msg.Status),
		"delivery_state": string(msg.DeliveryState),
		"detail":         detail,
	})
	p.recordAlert(ctx, core.Alert{
		Kind:      core.AlertKindInvariantBreach,
		Severity:  core.AlertSeverityCritical,
		TenantID:  msg.TenantID,
		MessageID: msg.MessageID,
		Detail:    detail,
		Metadata: map[string]any{
			"breach":         core.BreachSentWithoutProviderID,
			"status":         string(msg.Status),
			"delivery_state": string(msg.DeliveryState),
			"send_attempt":   msg.SendAttempt,
		},
	})
	return &core.InvariantBreachError{TenantID: msg.TenantID, MessageID: msg.MessageID, Detail: detail}
}

func (p *Processor) recordSendEvent(ctx context.Context, event core.SendEvent) {
	if p.SendEvents == nil {
		return
	}
	if _, err := p.SendEvents.UpsertSendEvent(ctx, event); err != nil {
		p.Observer.Error(ctx, "record send event failed", map[string]any{
			"tenant_id":  event.TenantID,
			"message_id": event.MessageID,
			"error":      err.Error(),
		})
	}
}

func (p *Processor) recordAlert(ctx context.Context, alert core.Alert) {
	if p.Alerts == nil {
		return
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = p.now()
	}
	if err := p.Alerts.RecordAlert(ctx, alert); err != nil {
		p.Observer.Error(ctx, "record alert failed", map[string]any{
			"tenant_id": alert.TenantID,
			"kind":      string(alert.Kind),
			"error":     err.Error(),
		})
	}
}

func (p *Processor) tracer() trace.Tracer {
	if p.Tracer != nil {
		return p.Tracer
	}
	return otel.Tracer(tracerName)
}

func (p *Processor) workerID() string {
	if id := strings.TrimSpace(p.WorkerID); id != "" {
		return id
	}
	return "dispatch"
}

func (p *Processor) staleThreshold() time.Duration {
	if p.StaleThreshold > 0 {
		return p.StaleThreshold
	}
	return core.DefaultStaleClaimThreshold
}

func (p *Processor) minSample() int {
	if p.BreakerMinSample > 0 {
		return p.BreakerMinSample
	}
	return DefaultBreakerMinSample
}

func (p *Processor) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}
