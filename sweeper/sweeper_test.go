package sweeper_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-outbound/core"
	"github.com/goliatone/go-outbound/policy"
	sqlstore "github.com/goliatone/go-outbound/store/sql"
	"github.com/goliatone/go-outbound/store/sql/sqlitetest"
	"github.com/goliatone/go-outbound/sweeper"
)

type recordingEnqueuer struct {
	mu    sync.Mutex
	sends []string
}

func (r *recordingEnqueuer) EnqueueSend(_ context.Context, tenantID string, messageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends = append(r.sends, tenantID+"/"+messageID)
	return nil
}

func newSweeper(t *testing.T) (*sweeper.Sweeper, *sqlstore.Stores, *policy.Service, *recordingEnqueuer) {
	t.Helper()
	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(sqlitetest.NewClient(t))
	if err != nil {
		t.Fatalf("new repository factory: %v", err)
	}
	stores := factory.Stores()
	svc := policy.NewService(stores.TenantPolicies, stores.Controls, stores.Alerts)

	cfg := core.DefaultConfig()
	cfg.Dispatch.StaleThreshold = 5 * time.Minute
	cfg.Dispatch.MaxAttempts = 3
	sw := sweeper.New(stores.Messages, svc, stores.Alerts, cfg)
	enqueuer := &recordingEnqueuer{}
	sw.Enqueuer = enqueuer
	return sw, stores, svc, enqueuer
}

func claimStale(t *testing.T, stores *sqlstore.Stores, tenantID, messageID string, claims int) {
	t.Helper()
	ctx := context.Background()
	if _, err := stores.Messages.CreateMessage(ctx, core.Message{TenantID: tenantID, MessageID: messageID}); err != nil {
		t.Fatalf("create message: %v", err)
	}
	claimedAt := time.Now().UTC().Add(-10 * time.Minute)
	for i := 0; i < claims; i++ {
		ok, err := stores.Messages.ClaimMessage(ctx, core.ClaimRequest{
			TenantID:    tenantID,
			MessageID:   messageID,
			WorkerID:    "crashed-worker",
			Now:         claimedAt,
			StaleBefore: claimedAt.Add(time.Nanosecond),
		})
		if err != nil || !ok {
			t.Fatalf("claim %d: %v %v", i, ok, err)
		}
	}
}

func TestSweepOnceRequeuesStaleClaim(t *testing.T) {
	ctx := context.Background()
	sw, stores, _, enqueuer := newSweeper(t)
	claimStale(t, stores, "tenant-a", "m-1", 1)

	stats, err := sw.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Scanned != 1 || stats.Recovered != 1 || stats.Failed != 0 {
		t.Fatalf("unexpected stats %#v", stats)
	}
	msg, err := stores.Messages.GetMessage(ctx, "tenant-a", "m-1")
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if msg.Status != core.MessageStatusQueued || msg.ClaimedAt != nil || msg.ClaimedBy != "" {
		t.Fatalf("expected QUEUED with cleared claim, got %#v", msg)
	}
	alerts, err := stores.Alerts.ListAlerts(ctx, core.AlertFilter{Kinds: []core.AlertKind{core.AlertKindStaleClaimRecovered}})
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("expected one recovered alert, got %d", len(alerts))
	}
	if len(enqueuer.sends) != 1 || enqueuer.sends[0] != "tenant-a/m-1" {
		t.Fatalf("expected re-enqueue, got %#v", enqueuer.sends)
	}

	stats, err = sw.SweepOnce(ctx)
	if err != nil || stats.Scanned != 0 {
		t.Fatalf("expected nothing left to sweep, got %#v %v", stats, err)
	}
}

func TestSweepOnceFailsExhaustedClaim(t *testing.T) {
	ctx := context.Background()
	sw, stores, _, enqueuer := newSweeper(t)
	claimStale(t, stores, "tenant-a", "m-1", 3)

	stats, err := sw.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Failed != 1 || stats.Recovered != 0 {
		t.Fatalf("unexpected stats %#v", stats)
	}
	msg, err := stores.Messages.GetMessage(ctx, "tenant-a", "m-1")
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if msg.Status != core.MessageStatusFailed {
		t.Fatalf("expected FAILED, got %s", msg.Status)
	}
	alerts, err := stores.Alerts.ListAlerts(ctx, core.AlertFilter{Kinds: []core.AlertKind{core.AlertKindStaleClaimFailed}})
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	if len(alerts) != 1 || alerts[0].Severity != core.AlertSeverityHigh {
		t.Fatalf("expected one failed alert, got %#v", alerts)
	}
	if len(enqueuer.sends) != 0 {
		t.Fatalf("expected no re-enqueue for a failed claim")
	}
}

func TestSweepOnceFailsClaimOfPausedTenant(t *testing.T) {
	ctx := context.Background()
	sw, stores, svc, _ := newSweeper(t)
	claimStale(t, stores, "tenant-a", "m-1", 1)
	if _, err := svc.Pause(ctx, core.PauseRequest{TenantID: "tenant-a", Duration: time.Hour, ErrorClass: core.ErrorClassManual}); err != nil {
		t.Fatalf("pause: %v", err)
	}

	stats, err := sw.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Failed != 1 {
		t.Fatalf("expected paused tenant claim to fail, got %#v", stats)
	}
}

func TestSweepOnceIgnoresFreshClaims(t *testing.T) {
	ctx := context.Background()
	sw, stores, _, _ := newSweeper(t)
	if _, err := stores.Messages.CreateMessage(ctx, core.Message{TenantID: "tenant-a", MessageID: "m-1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	now := time.Now().UTC()
	if ok, err := stores.Messages.ClaimMessage(ctx, core.ClaimRequest{
		TenantID: "tenant-a", MessageID: "m-1", WorkerID: "live-worker", Now: now, StaleBefore: now.Add(-time.Minute),
	}); err != nil || !ok {
		t.Fatalf("claim: %v %v", ok, err)
	}

	stats, err := sw.SweepOnce(ctx)
	if err != nil || stats.Scanned != 0 {
		t.Fatalf("expected fresh claim untouched, got %#v %v", stats, err)
	}
}

func TestSweepOnceReenqueuesIdleQueuedMessages(t *testing.T) {
	ctx := context.Background()
	sw, stores, _, enqueuer := newSweeper(t)
	sw.Config.IdleQueuedAfter = 15 * time.Minute
	for _, id := range []string{"m-orphan", "m-fresh"} {
		if _, err := stores.Messages.CreateMessage(ctx, core.Message{TenantID: "tenant-a", MessageID: id}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	stats, err := sw.SweepOnce(ctx)
	if err != nil || stats.Reenqueued != 0 || len(enqueuer.sends) != 0 {
		t.Fatalf("expected recent QUEUED rows left to their jobs, got %#v %v %v", stats, enqueuer.sends, err)
	}

	// A restarted process sweeping well after the jobs were lost.
	later := time.Now().UTC().Add(20 * time.Minute)
	sw.Now = func() time.Time { return later }
	stats, err = sw.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Reenqueued != 2 || len(enqueuer.sends) != 2 {
		t.Fatalf("expected both idle messages re-enqueued, got %#v %v", stats, enqueuer.sends)
	}
	msg, _ := stores.Messages.GetMessage(ctx, "tenant-a", "m-orphan")
	if msg.Status != core.MessageStatusQueued {
		t.Fatalf("expected message to stay QUEUED, got %s", msg.Status)
	}

	stats, err = sw.SweepOnce(ctx)
	if err != nil || stats.Reenqueued != 0 || len(enqueuer.sends) != 2 {
		t.Fatalf("expected no second re-enqueue within the idle window, got %#v %v %v", stats, enqueuer.sends, err)
	}
}

func TestRunReturnsImmediatelyWhenDisabled(t *testing.T) {
	sw, _, _, _ := newSweeper(t)
	sw.Config.Disabled = true
	done := make(chan error, 1)
	go func() { done <- sw.Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected disabled sweeper to return")
	}
}

func TestEffectiveSweepIntervalHasFloor(t *testing.T) {
	cfg := core.SweeperConfig{Interval: time.Second}
	if got := cfg.EffectiveSweepInterval(); got != core.MinSweepInterval {
		t.Fatalf("expected floor %s, got %s", core.MinSweepInterval, got)
	}
}
