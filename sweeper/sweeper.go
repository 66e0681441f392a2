package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goliatone/go-outbound/core"
)

// TenantPolicies reports whether a tenant is currently paused.
type TenantPolicies interface {
	GetPolicy(ctx context.Context, tenantID string) (core.Policy, error)
	IsPaused(policy core.Policy) bool
}

type Stats struct {
	Scanned   int
	Recovered int
	Failed    int
	Skipped   int
	// Reenqueued counts idle QUEUED messages whose send job was enqueued
	// again.
	Reenqueued int
}

// Sweeper recovers send claims abandoned by crashed workers. It is the only
// component that touches a claim it does not own. It also re-enqueues QUEUED
// messages left without a job, such as those whose in-memory job was lost on
// restart.
type Sweeper struct {
	Messages       core.MessageStore
	Policies       TenantPolicies
	Alerts         core.AlertStore
	Enqueuer       core.SendEnqueuer
	Config         core.SweeperConfig
	StaleThreshold time.Duration
	MaxAttempts    int
	Now            func() time.Time
	Observer       *core.Observer
}

func New(messages core.MessageStore, policies TenantPolicies, alerts core.AlertStore, cfg core.Config) *Sweeper {
	return &Sweeper{
		Messages:       messages,
		Policies:       policies,
		Alerts:         alerts,
		Config:         cfg.Sweeper,
		StaleThreshold: cfg.Dispatch.StaleThreshold,
		MaxAttempts:    cfg.Dispatch.MaxAttempts,
		Now:            func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps on the configured interval until ctx is cancelled. It returns
// immediately when the sweeper is disabled.
func (s *Sweeper) Run(ctx context.Context) error {
	if s == nil || s.Config.Disabled {
		return nil
	}
	interval := s.Config.EffectiveSweepInterval()
	s.Observer.Info(ctx, "stale claim sweeper started", map[string]any{"interval": interval.String()})

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Observer.Info(ctx, "stale claim sweeper stopped", nil)
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.Observer.Error(ctx, "stale claim sweep failed", map[string]any{"error": err.Error()})
			}
		}
	}
}

// SweepOnce processes one batch of stale claims. Each transition re-checks
// staleness in its conditional update, so a worker finishing mid-sweep
// keeps its result.
func (s *Sweeper) SweepOnce(ctx context.Context) (stats Stats, err error) {
	if s == nil || s.Messages == nil {
		return Stats{}, fmt.Errorf("sweeper: message store is not configured")
	}
	startedAt := time.Now()
	defer func() {
		s.Observer.Observe(ctx, startedAt, "sweeper.sweep", err, map[string]any{
			"scanned":    stats.Scanned,
			"recovered":  stats.Recovered,
			"failed":     stats.Failed,
			"reenqueued": stats.Reenqueued,
		})
	}()

	staleBefore := s.now().Add(-s.staleThreshold())
	claims, err := s.Messages.ListStaleClaims(ctx, staleBefore, s.batchSize())
	if err != nil {
		return stats, err
	}
	stats.Scanned = len(claims)

	var errs []error
	for _, msg := range claims {
		recovered, failed, sweepErr := s.sweepOne(ctx, msg, staleBefore)
		switch {
		case sweepErr != nil:
			errs = append(errs, sweepErr)
		case recovered:
			stats.Recovered++
		case failed:
			stats.Failed++
		default:
			stats.Skipped++
		}
	}

	reenqueued, err := s.reenqueueIdle(ctx)
	stats.Reenqueued = reenqueued
	if err != nil {
		errs = append(errs, err)
	}
	return stats, errors.Join(errs...)
}

// reenqueueIdle enqueues a send job for every QUEUED message idle past
// IdleQueuedAfter. The touch keeps concurrent sweepers from enqueuing the
// same message twice in one pass; any duplicate job is a no-op at claim time.
func (s *Sweeper) reenqueueIdle(ctx context.Context) (int, error) {
	if s.Enqueuer == nil {
		return 0, nil
	}
	now := s.now()
	idleBefore := now.Add(-s.idleQueuedAfter())
	idle, err := s.Messages.ListIdleQueued(ctx, idleBefore, s.batchSize())
	if err != nil {
		return 0, err
	}
	count := 0
	var errs []error
	for _, msg := range idle {
		touched, err := s.Messages.TouchIdleQueued(ctx, msg.TenantID, msg.MessageID, idleBefore, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !touched {
			continue
		}
		if err := s.Enqueuer.EnqueueSend(ctx, msg.TenantID, msg.MessageID); err != nil {
			errs = append(errs, fmt.Errorf("sweeper: re-enqueue %s/%s: %w", msg.TenantID, msg.MessageID, err))
			continue
		}
		count++
		s.Observer.Count(ctx, core.MetricIdleReenqueued, map[string]string{"tenant_id": msg.TenantID})
	}
	return count, errors.Join(errs...)
}

func (s *Sweeper) sweepOne(ctx context.Context, msg core.Message, staleBefore time.Time) (bool, bool, error) {
	paused := false
	if s.Policies != nil {
		pol, err := s.Policies.GetPolicy(ctx, msg.TenantID)
		if err != nil {
			return false, false, fmt.Errorf("sweeper: load policy for tenant %q: %w", msg.TenantID, err)
		}
		paused = s.Policies.IsPaused(pol)
	}
	tags := map[string]string{"tenant_id": msg.TenantID}

	if paused || msg.SendAttempt >= s.maxAttempts() {
		reason := "stale claim: send attempts exhausted"
		if paused {
			reason = "stale claim: tenant paused"
		}
		failed, err := s.Messages.FailStaleClaim(ctx, msg.TenantID, msg.MessageID, staleBefore, reason)
		if err != nil || !failed {
			return false, false, err
		}
		s.Observer.Count(ctx, core.MetricStaleFailed, tags)
		s.recordAlert(ctx, core.AlertKindStaleClaimFailed, core.AlertSeverityHigh, msg, reason, paused)
		return false, true, nil
	}

	recovered, err := s.Messages.RequeueStaleClaim(ctx, msg.TenantID, msg.MessageID, staleBefore)
	if err != nil || !recovered {
		return false, false, err
	}
	s.Observer.Count(ctx, core.MetricStaleRecovered, tags)
	s.recordAlert(ctx, core.AlertKindStaleClaimRecovered, core.AlertSeverityInfo, msg, "stale claim returned to the queue", paused)
	if s.Enqueuer != nil {
		if err := s.Enqueuer.EnqueueSend(ctx, msg.TenantID, msg.MessageID); err != nil {
			s.Observer.Warn(ctx, "re-enqueue of recovered message failed", map[string]any{
				"tenant_id":  msg.TenantID,
				"message_id": msg.MessageID,
				"error":      err.Error(),
			})
		}
	}
	return true, false, nil
}

func (s *Sweeper) recordAlert(
	ctx context.Context,
	kind core.AlertKind,
	severity core.AlertSeverity,
	msg core.Message,
	detail string,
	paused bool,
) {
	s.Observer.Warn(ctx, "stale claim swept", map[string]any{
		"tenant_id":    msg.TenantID,
		"message_id":   msg.MessageID,
		"kind":         string(kind),
		"send_attempt": msg.SendAttempt,
		"claimed_by":   msg.ClaimedBy,
	})
	if s.Alerts == nil {
		return
	}
	metadata := map[string]any{
		"send_attempt":  msg.SendAttempt,
		"claimed_by":    msg.ClaimedBy,
		"tenant_paused": paused,
	}
	if msg.ClaimedAt != nil {
		metadata["claimed_at"] = msg.ClaimedAt.UTC().Format(time.RFC3339Nano)
	}
	if err := s.Alerts.RecordAlert(ctx, core.Alert{
		Kind:      kind,
		Severity:  severity,
		TenantID:  msg.TenantID,
		MessageID: msg.MessageID,
		Detail:    detail,
		Metadata:  metadata,
		CreatedAt: s.now(),
	}); err != nil {
		s.Observer.Error(ctx, "record alert failed", map[string]any{"kind": string(kind), "error": err.Error()})
	}
}

func (s *Sweeper) staleThreshold() time.Duration {
	if s.StaleThreshold > 0 {
		return s.StaleThreshold
	}
	return core.DefaultStaleClaimThreshold
}

func (s *Sweeper) idleQueuedAfter() time.Duration {
	if s.Config.IdleQueuedAfter > 0 {
		return s.Config.IdleQueuedAfter
	}
	return core.DefaultIdleQueuedAfter
}

func (s *Sweeper) maxAttempts() int {
	if s.MaxAttempts > 0 {
		return s.MaxAttempts
	}
	return core.DefaultConfig().Dispatch.MaxAttempts
}

func (s *Sweeper) batchSize() int {
	if s.Config.BatchSize > 0 {
		return s.Config.BatchSize
	}
	return core.DefaultConfig().Sweeper.BatchSize
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}
