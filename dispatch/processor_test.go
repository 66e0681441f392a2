package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goliatone/go-outbound/core"
	"github.com/goliatone/go-outbound/dispatch"
	"github.com/goliatone/go-outbound/policy"
	sqlstore "github.com/goliatone/go-outbound/store/sql"
	"github.com/goliatone/go-outbound/store/sql/sqlitetest"
	persistence "github.com/goliatone/go-persistence-bun"
)

type fakeProvider struct {
	calls atomic.Int64
	err   error
	delay time.Duration
}

func (f *fakeProvider) Send(_ context.Context, _ string, messageID string) (core.ProviderSendResult, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return core.ProviderSendResult{}, f.err
	}
	return core.ProviderSendResult{ProviderMessageID: "pm-" + messageID, ProviderEventID: "evt-" + messageID}, nil
}

func (f *fakeProvider) LookupByProviderMessageID(context.Context, string) (string, bool, error) {
	return "", false, nil
}

type harness struct {
	client    *persistence.Client
	stores    *sqlstore.Stores
	policy    *policy.Service
	provider  *fakeProvider
	processor *dispatch.Processor
	metrics   *core.MemoryMetricsRecorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	client := sqlitetest.NewClient(t)
	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		t.Fatalf("new repository factory: %v", err)
	}
	stores := factory.Stores()
	metrics := core.NewMemoryMetricsRecorder()
	observer := core.NewObserver("dispatch", nil, metrics)

	svc := policy.NewService(stores.TenantPolicies, stores.Controls, stores.Alerts)
	svc.Messages = stores.Messages
	svc.Defaults = core.PolicyDefaults{}
	svc.Observer = observer

	provider := &fakeProvider{}
	processor := dispatch.NewProcessor(stores.Messages, stores.SendEvents, stores.Alerts, svc, provider, core.DispatchConfig{
		WorkerID:         "worker-test",
		StaleThreshold:   time.Minute,
		BreakerMinSample: 10,
	})
	processor.Observer = observer

	return &harness{
		client:    client,
		stores:    stores,
		policy:    svc,
		provider:  provider,
		processor: processor,
		metrics:   metrics,
	}
}

func (h *harness) createQueued(t *testing.T, tenantID, messageID string) core.Message {
	t.Helper()
	msg, err := h.stores.Messages.CreateMessage(context.Background(), core.Message{TenantID: tenantID, MessageID: messageID})
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	return msg
}

func (h *harness) message(t *testing.T, tenantID, messageID string) core.Message {
	t.Helper()
	msg, err := h.stores.Messages.GetMessage(context.Background(), tenantID, messageID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	return msg
}

func (h *harness) control(t *testing.T, tenantID string) core.ControlState {
	t.Helper()
	state, _, err := h.stores.Controls.GetControlState(context.Background(), tenantID)
	if err != nil {
		t.Fatalf("get control state: %v", err)
	}
	return state
}

func TestProcessSendsQueuedMessageOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.createQueued(t, "tenant-a", "m-1")

	outcome, err := h.processor.Process(ctx, "tenant-a", "m-1")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if outcome != dispatch.OutcomeSent {
		t.Fatalf("expected sent, got %s", outcome)
	}
	msg := h.message(t, "tenant-a", "m-1")
	if msg.Status != core.MessageStatusSent || msg.DeliveryState != core.DeliveryStateSent {
		t.Fatalf("expected SENT/SENT, got %s/%s", msg.Status, msg.DeliveryState)
	}
	if msg.ProviderMessageID != "pm-m-1" {
		t.Fatalf("expected provider id pm-m-1, got %q", msg.ProviderMessageID)
	}
	if msg.ClaimedAt != nil || msg.ClaimedBy != "" {
		t.Fatalf("expected claim cleared, got %v %q", msg.ClaimedAt, msg.ClaimedBy)
	}
	if msg.SendAttempt != 1 {
		t.Fatalf("expected one attempt, got %d", msg.SendAttempt)
	}

	events, err := h.stores.SendEvents.ListSendEvents(ctx, "tenant-a", "m-1")
	if err != nil {
		t.Fatalf("list send events: %v", err)
	}
	if len(events) != 1 || events[0].EventType != dispatch.EventTypeSent {
		t.Fatalf("expected one sent event, got %#v", events)
	}

	again, err := h.processor.Process(ctx, "tenant-a", "m-1")
	if err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	if again != dispatch.OutcomeSkippedAlreadySent {
		t.Fatalf("expected already sent on re-dispatch, got %s", again)
	}
	if calls := h.provider.calls.Load(); calls != 1 {
		t.Fatalf("expected one provider call, got %d", calls)
	}
	if h.metrics.CounterSnapshot()[core.MetricAlreadySent] != 1 {
		t.Fatalf("expected already_sent metric, got %#v", h.metrics.CounterSnapshot())
	}
}

func TestProcessRacingWorkersCallProviderOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.provider.delay = 20 * time.Millisecond
	h.createQueued(t, "tenant-a", "m-race")

	const workers = 8
	var wg sync.WaitGroup
	outcomes := make(chan dispatch.Outcome, workers)
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := h.processor.Process(ctx, "tenant-a", "m-race")
			if err != nil {
				errs <- err
				return
			}
			outcomes <- outcome
		}()
	}
	wg.Wait()
	close(outcomes)
	close(errs)

	for err := range errs {
		t.Fatalf("unexpected process error: %v", err)
	}
	sent := 0
	for outcome := range outcomes {
		switch outcome {
		case dispatch.OutcomeSent:
			sent++
		case dispatch.OutcomeClaimLost, dispatch.OutcomeSkippedAlreadySent:
		default:
			t.Fatalf("unexpected outcome %s", outcome)
		}
	}
	if sent != 1 {
		t.Fatalf("expected exactly one sent outcome, got %d", sent)
	}
	if calls := h.provider.calls.Load(); calls != 1 {
		t.Fatalf("expected one provider call, got %d", calls)
	}
	events, err := h.stores.SendEvents.ListSendEvents(ctx, "tenant-a", "m-race")
	if err != nil {
		t.Fatalf("list send events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one send event, got %d", len(events))
	}
}

func TestProcessTransientProviderFailurePausesTenant(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.provider.err = &core.TransientProviderError{StatusCode: 503, Err: errors.New("unavailable")}
	h.createQueued(t, "tenant-a", "m-1")

	before := time.Now().UTC()
	outcome, err := h.processor.Process(ctx, "tenant-a", "m-1")
	if !core.IsTransientProviderError(err) {
		t.Fatalf("expected transient error re-raised, got %v", err)
	}
	if outcome != dispatch.OutcomeFailed {
		t.Fatalf("expected failed outcome, got %s", outcome)
	}
	if msg := h.message(t, "tenant-a", "m-1"); msg.Status != core.MessageStatusFailed || msg.LastError == "" {
		t.Fatalf("expected FAILED with last error, got %s %q", msg.Status, msg.LastError)
	}

	control := h.control(t, "tenant-a")
	if control.LastErrorClass != string(core.ErrorClassProvider5xx) {
		t.Fatalf("expected provider_5xx, got %q", control.LastErrorClass)
	}
	if control.PausedUntil == nil || control.PausedUntil.Before(before.Add(29*time.Minute)) {
		t.Fatalf("expected ~30 minute pause, got %v", control.PausedUntil)
	}
	alerts, err := h.stores.Alerts.ListAlerts(ctx, core.AlertFilter{TenantID: "tenant-a", Kinds: []core.AlertKind{core.AlertKindPause}})
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("expected one pause alert, got %d", len(alerts))
	}
	if alerts[0].Metadata["status_code"] == nil {
		t.Fatalf("expected diagnostic status code in alert metadata, got %#v", alerts[0].Metadata)
	}
}

func TestProcessThrottlesWithoutFailingMessage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.policy.Defaults.MaxPerMinute = 1
	h.createQueued(t, "tenant-a", "m-1")
	h.createQueued(t, "tenant-a", "m-2")

	if outcome, err := h.processor.Process(ctx, "tenant-a", "m-1"); err != nil || outcome != dispatch.OutcomeSent {
		t.Fatalf("expected first send, got %s %v", outcome, err)
	}

	outcome, err := h.processor.Process(ctx, "tenant-a", "m-2")
	var throttled policy.ThrottledError
	if !errors.As(err, &throttled) {
		t.Fatalf("expected throttled error, got %v", err)
	}
	if outcome != dispatch.OutcomeThrottled || throttled.Scope != "tenant_minute" {
		t.Fatalf("unexpected throttle result %s %#v", outcome, throttled)
	}
	if msg := h.message(t, "tenant-a", "m-2"); msg.Status != core.MessageStatusQueued {
		t.Fatalf("expected message left QUEUED, got %s", msg.Status)
	}
	if control := h.control(t, "tenant-a"); control.LastErrorClass != string(core.ErrorClassThrottle) {
		t.Fatalf("expected throttle pause, got %q", control.LastErrorClass)
	}

	outcome, err = h.processor.Process(ctx, "tenant-a", "m-2")
	if err != nil || outcome != dispatch.OutcomePaused {
		t.Fatalf("expected paused on retry, got %s %v", outcome, err)
	}
	if msg := h.message(t, "tenant-a", "m-2"); msg.Status != core.MessageStatusPaused {
		t.Fatalf("expected PAUSED, got %s", msg.Status)
	}
	if calls := h.provider.calls.Load(); calls != 1 {
		t.Fatalf("expected one provider call, got %d", calls)
	}
}

func TestProcessSimulatesInShadowMode(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.policy.Defaults.ShadowMode = true
	created := h.createQueued(t, "tenant-a", "m-1")

	outcome, err := h.processor.Process(ctx, "tenant-a", "m-1")
	if err != nil || outcome != dispatch.OutcomeSimulated {
		t.Fatalf("expected simulated, got %s %v", outcome, err)
	}
	msg := h.message(t, "tenant-a", "m-1")
	if msg.Status != core.MessageStatusSentSimulated || msg.DeliveryState != core.DeliveryStateSent {
		t.Fatalf("expected SENT_SIMULATED/SENT, got %s/%s", msg.Status, msg.DeliveryState)
	}
	if want := policy.SimulatedProviderMessageID("tenant-a", created.SendDedupeKey); msg.ProviderMessageID != want {
		t.Fatalf("expected %q, got %q", want, msg.ProviderMessageID)
	}
	if calls := h.provider.calls.Load(); calls != 0 {
		t.Fatalf("expected no provider calls, got %d", calls)
	}
}

func TestProcessKillSwitchForcesSimulation(t *testing.T) {
	h := newHarness(t)
	h.policy.KillSwitch = true
	h.createQueued(t, "tenant-a", "m-1")

	outcome, err := h.processor.Process(context.Background(), "tenant-a", "m-1")
	if err != nil || outcome != dispatch.OutcomeSimulated {
		t.Fatalf("expected simulated, got %s %v", outcome, err)
	}
	if calls := h.provider.calls.Load(); calls != 0 {
		t.Fatalf("expected no provider calls, got %d", calls)
	}
}

func TestProcessReportsSentWithoutProviderID(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.createQueued(t, "tenant-a", "m-1")
	if _, err := h.client.DB().NewRaw(
		"UPDATE outbound_messages SET delivery_state = ? WHERE tenant_id = ? AND message_id = ?",
		string(core.DeliveryStateSent), "tenant-a", "m-1",
	).Exec(ctx); err != nil {
		t.Fatalf("corrupt row: %v", err)
	}

	outcome, err := h.processor.Process(ctx, "tenant-a", "m-1")
	if !errors.Is(err, core.ErrInvariantBreach) {
		t.Fatalf("expected invariant breach, got %v", err)
	}
	if outcome != dispatch.OutcomeInvariantBreach {
		t.Fatalf("expected breach outcome, got %s", outcome)
	}
	if calls := h.provider.calls.Load(); calls != 0 {
		t.Fatalf("expected no provider call, got %d", calls)
	}
	alerts, err := h.stores.Alerts.ListAlerts(ctx, core.AlertFilter{Kinds: []core.AlertKind{core.AlertKindInvariantBreach}})
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	if len(alerts) != 1 || alerts[0].Severity != core.AlertSeverityCritical {
		t.Fatalf("expected one critical alert, got %#v", alerts)
	}
	if msg := h.message(t, "tenant-a", "m-1"); msg.DeliveryState != core.DeliveryStateSent || msg.ProviderMessageID != "" {
		t.Fatalf("expected breach row left untouched, got %#v", msg)
	}
}

func TestProcessMissingMessageIsNoop(t *testing.T) {
	h := newHarness(t)
	outcome, err := h.processor.Process(context.Background(), "tenant-a", "missing")
	if err != nil || outcome != dispatch.OutcomeSkippedMissing {
		t.Fatalf("expected skipped missing, got %s %v", outcome, err)
	}
}

func TestProcessParksMessagesOfPausedTenant(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.createQueued(t, "tenant-a", "m-1")
	if _, err := h.policy.Pause(ctx, core.PauseRequest{
		TenantID:   "tenant-a",
		Duration:   time.Hour,
		ErrorClass: core.ErrorClassManual,
	}); err != nil {
		t.Fatalf("pause: %v", err)
	}

	outcome, err := h.processor.Process(ctx, "tenant-a", "m-1")
	if err != nil || outcome != dispatch.OutcomePaused {
		t.Fatalf("expected paused, got %s %v", outcome, err)
	}
	if msg := h.message(t, "tenant-a", "m-1"); msg.Status != core.MessageStatusPaused {
		t.Fatalf("expected PAUSED, got %s", msg.Status)
	}
	if calls := h.provider.calls.Load(); calls != 0 {
		t.Fatalf("expected no provider call, got %d", calls)
	}
}

func TestFailureRateBreakerNeedsMinimumSample(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.processor.BreakerMinSample = 2
	h.policy.Defaults.FailureRateThreshold = 0.5
	h.provider.err = errors.New("mailbox rejected")
	h.createQueued(t, "tenant-a", "m-1")
	h.createQueued(t, "tenant-a", "m-2")

	if _, err := h.processor.Process(ctx, "tenant-a", "m-1"); err == nil {
		t.Fatalf("expected provider error")
	}
	if control := h.control(t, "tenant-a"); control.PausedUntil != nil {
		t.Fatalf("expected no pause below the minimum sample, got %v", control.PausedUntil)
	}

	if _, err := h.processor.Process(ctx, "tenant-a", "m-2"); err == nil {
		t.Fatalf("expected provider error")
	}
	control := h.control(t, "tenant-a")
	if control.PausedUntil == nil || control.LastErrorClass != string(core.ErrorClassFailureRate) {
		t.Fatalf("expected failure_rate pause, got %#v", control)
	}
}

func TestProcessLeavesLiveClaimOfAnotherWorker(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.createQueued(t, "tenant-a", "m-live")
	now := time.Now().UTC()
	claimed, err := h.stores.Messages.ClaimMessage(ctx, core.ClaimRequest{
		TenantID: "tenant-a", MessageID: "m-live", WorkerID: "worker-a", Now: now, StaleBefore: now.Add(-time.Minute),
	})
	if err != nil || !claimed {
		t.Fatalf("claim by worker-a: claimed=%v err=%v", claimed, err)
	}
	if _, err := h.policy.Pause(ctx, core.PauseRequest{
		TenantID:   "tenant-a",
		Duration:   time.Hour,
		ErrorClass: core.ErrorClassManual,
	}); err != nil {
		t.Fatalf("pause: %v", err)
	}

	if _, err := h.processor.Process(ctx, "tenant-a", "m-live"); err != nil {
		t.Fatalf("duplicate delivery while paused: %v", err)
	}
	msg := h.message(t, "tenant-a", "m-live")
	if msg.Status != core.MessageStatusSending || msg.ClaimedBy != "worker-a" {
		t.Fatalf("expected worker-a to keep its claim, got %s %q", msg.Status, msg.ClaimedBy)
	}

	if _, err := h.policy.AcknowledgeResumeChecklist(ctx, "tenant-a", "ops"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if _, err := h.policy.ResumeIfAcknowledged(ctx, "tenant-a", "ops"); err != nil {
		t.Fatalf("resume: %v", err)
	}

	outcome, err := h.processor.Process(ctx, "tenant-a", "m-live")
	if err != nil {
		t.Fatalf("process after resume: %v", err)
	}
	if outcome != dispatch.OutcomeClaimLost {
		t.Fatalf("expected claim lost to worker-a, got %s", outcome)
	}
	if calls := h.provider.calls.Load(); calls != 0 {
		t.Fatalf("expected no provider call while worker-a holds the claim, got %d", calls)
	}
}

// pauseAfterClaim pauses the tenant right after a successful claim, as if an
// operator or another worker paused it between the two policy reads.
type pauseAfterClaim struct {
	core.MessageStore
	pause func(ctx context.Context) error
}

func (s pauseAfterClaim) ClaimMessage(ctx context.Context, req core.ClaimRequest) (bool, error) {
	claimed, err := s.MessageStore.ClaimMessage(ctx, req)
	if err != nil || !claimed {
		return claimed, err
	}
	return true, s.pause(ctx)
}

func TestProcessRechecksPauseAfterClaim(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.createQueued(t, "tenant-a", "m-1")
	h.processor.Messages = pauseAfterClaim{
		MessageStore: h.stores.Messages,
		pause: func(ctx context.Context) error {
			_, err := h.policy.Pause(ctx, core.PauseRequest{
				TenantID:   "tenant-a",
				Duration:   time.Hour,
				ErrorClass: core.ErrorClassManual,
			})
			return err
		},
	}

	outcome, err := h.processor.Process(ctx, "tenant-a", "m-1")
	if err != nil || outcome != dispatch.OutcomePaused {
		t.Fatalf("expected paused, got %s %v", outcome, err)
	}
	msg := h.message(t, "tenant-a", "m-1")
	if msg.Status != core.MessageStatusPaused || msg.ClaimedBy != "" || msg.ClaimedAt != nil {
		t.Fatalf("expected PAUSED with claim released, got %+v", msg)
	}
	if calls := h.provider.calls.Load(); calls != 0 {
		t.Fatalf("expected no provider call, got %d", calls)
	}
}

func TestDeliverabilityBreakerPausesOnBounceRate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.processor.BreakerMinSample = 2
	h.policy.Defaults.BounceRateThreshold = 0.5
	h.createQueued(t, "tenant-a", "m-1")
	h.createQueued(t, "tenant-a", "m-2")

	if outcome, err := h.processor.Process(ctx, "tenant-a", "m-1"); err != nil || outcome != dispatch.OutcomeSent {
		t.Fatalf("expected sent, got %s %v", outcome, err)
	}
	if control := h.control(t, "tenant-a"); control.PausedUntil != nil {
		t.Fatalf("expected no pause below the minimum sample, got %v", control.PausedUntil)
	}
	if _, err := h.stores.Messages.AdvanceDeliveryState(ctx, "tenant-a", "m-1", core.DeliveryStateBounced); err != nil {
		t.Fatalf("bounce m-1: %v", err)
	}

	before := time.Now().UTC()
	if outcome, err := h.processor.Process(ctx, "tenant-a", "m-2"); err != nil || outcome != dispatch.OutcomeSent {
		t.Fatalf("expected sent, got %s %v", outcome, err)
	}
	control := h.control(t, "tenant-a")
	if control.PausedUntil == nil || control.LastErrorClass != string(core.ErrorClassDeliverability) {
		t.Fatalf("expected deliverability pause, got %#v", control)
	}
	if control.PausedUntil.Before(before.Add(dispatch.DeliverabilityPause - time.Minute)) {
		t.Fatalf("expected a pause of about an hour, got until %v", control.PausedUntil)
	}
}
