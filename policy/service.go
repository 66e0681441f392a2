package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/goliatone/go-outbound/core"
)

const DefaultMaxCASAttempts = 3

// Service owns per-tenant send policy and the pause/resume control record.
// Every control write is a compare-and-swap on policy_version.
type Service struct {
	Policies       core.TenantPolicyStore
	Controls       core.ControlStateStore
	Alerts         core.AlertStore
	Messages       core.MessageStore
	Enqueuer       core.SendEnqueuer
	Defaults       core.PolicyDefaults
	KillSwitch     bool
	MaxCASAttempts int
	Now            func() time.Time
	Observer       *core.Observer
}

func NewService(policies core.TenantPolicyStore, controls core.ControlStateStore, alerts core.AlertStore) *Service {
	return &Service{
		Policies:       policies,
		Controls:       controls,
		Alerts:         alerts,
		Defaults:       core.DefaultConfig().PolicyDefaults,
		MaxCASAttempts: DefaultMaxCASAttempts,
		Now:            func() time.Time { return time.Now().UTC() },
	}
}

type ResumeResult struct {
	Resumed     bool
	AckRequired bool
	Control     core.ControlState
	Requeued    []string
}

// GetPolicy merges the tenant's static policy (or configured defaults) with
// its live control state.
func (s *Service) GetPolicy(ctx context.Context, tenantID string) (core.Policy, error) {
	if s == nil || s.Controls == nil {
		return core.Policy{}, fmt.Errorf("policy: service is not configured")
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return core.Policy{}, validationError("tenant_id", "required")
	}
	static := s.Defaults.ForTenant(tenantID)
	if s.Policies != nil {
		stored, err := s.Policies.GetTenantPolicy(ctx, tenantID)
		switch {
		case err == nil:
			static = stored
		case errors.Is(err, core.ErrTenantPolicyNotFound):
		default:
			return core.Policy{}, err
		}
	}
	control, _, err := s.Controls.GetControlState(ctx, tenantID)
	if err != nil {
		return core.Policy{}, err
	}
	control.TenantID = tenantID
	return core.Policy{
		TenantPolicy: static,
		Control:      control,
		KillSwitch:   s.KillSwitch,
	}, nil
}

// ShouldSimulate decides whether a send is simulated. It depends only on its
// arguments, so retries of the same logical send always agree.
func ShouldSimulate(dedupeKey string, policy core.Policy) bool {
	if policy.KillSwitch || policy.ShadowMode {
		return true
	}
	if policy.ShadowRate <= 0 {
		return false
	}
	if policy.ShadowRate >= 100 {
		return true
	}
	return SampleBucket(dedupeKey) < uint32(policy.ShadowRate)
}

// SampleBucket maps a dedupe key onto [0,100) with FNV-1a.
func SampleBucket(dedupeKey string) uint32 {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(dedupeKey))
	return hasher.Sum32() % 100
}

func (s *Service) IsPaused(policy core.Policy) bool {
	return policy.PausedAt(s.now())
}

// Pause extends the tenant pause to at least now+duration. An existing later
// deadline is kept. The resume acknowledgement is cleared and an alert is
// recorded.
func (s *Service) Pause(ctx context.Context, req core.PauseRequest) (core.ControlState, error) {
	if s == nil || s.Controls == nil {
		return core.ControlState{}, fmt.Errorf("policy: service is not configured")
	}
	tenantID := strings.TrimSpace(req.TenantID)
	if tenantID == "" {
		return core.ControlState{}, validationError("tenant_id", "required")
	}
	if req.Duration <= 0 {
		return core.ControlState{}, validationError("duration", "must be positive")
	}

	now := s.now()
	target := now.Add(req.Duration)
	updated, err := s.mutate(ctx, tenantID, func(current core.ControlState) (core.ControlState, bool) {
		next := current.Clone()
		if next.PausedUntil == nil || next.PausedUntil.Before(target) {
			until := target
			next.PausedUntil = &until
		}
		next.PauseReason = strings.TrimSpace(req.Reason)
		next.LastErrorClass = string(req.ErrorClass)
		next.ResumeChecklistAck = false
		next.ResumeAckBy = ""
		next.ResumeAckAt = nil
		next.Metadata = core.CopyAnyMap(req.Metadata)
		return next, true
	})
	if err != nil {
		return core.ControlState{}, err
	}

	s.Observer.Count(ctx, core.MetricTenantPaused, map[string]string{
		"tenant_id":   tenantID,
		"error_class": string(req.ErrorClass),
	})
	s.Observer.Warn(ctx, "tenant paused", map[string]any{
		"tenant_id":    tenantID,
		"reason":       req.Reason,
		"error_class":  string(req.ErrorClass),
		"paused_until": updated.PausedUntil,
	})
	s.recordAlert(ctx, core.Alert{
		Kind:       core.AlertKindPause,
		Severity:   pauseSeverity(req.ErrorClass),
		TenantID:   tenantID,
		ErrorClass: string(req.ErrorClass),
		Detail:     strings.TrimSpace(req.Reason),
		Metadata:   pauseAlertMetadata(req, updated),
		CreatedAt:  now,
	})
	return updated, nil
}

func (s *Service) AcknowledgeResumeChecklist(ctx context.Context, tenantID string, actor string) (core.ControlState, error) {
	if s == nil || s.Controls == nil {
		return core.ControlState{}, fmt.Errorf("policy: service is not configured")
	}
	tenantID = strings.TrimSpace(tenantID)
	actor = strings.TrimSpace(actor)
	if tenantID == "" {
		return core.ControlState{}, validationError("tenant_id", "required")
	}
	if actor == "" {
		return core.ControlState{}, validationError("actor", "required")
	}
	now := s.now()
	return s.mutate(ctx, tenantID, func(current core.ControlState) (core.ControlState, bool) {
		next := current.Clone()
		next.ResumeChecklistAck = true
		next.ResumeAckBy = actor
		next.ResumeAckAt = &now
		return next, true
	})
}

// ResumeIfAcknowledged lifts the pause only when the checklist was
// acknowledged. Without the acknowledgement nothing is written and
// AckRequired is reported. Messages parked as PAUSED are requeued.
func (s *Service) ResumeIfAcknowledged(ctx context.Context, tenantID string, actor string) (ResumeResult, error) {
	if s == nil || s.Controls == nil {
		return ResumeResult{}, fmt.Errorf("policy: service is not configured")
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return ResumeResult{}, validationError("tenant_id", "required")
	}

	ackMissing := false
	control, err := s.mutate(ctx, tenantID, func(current core.ControlState) (core.ControlState, bool) {
		if !current.ResumeChecklistAck {
			ackMissing = true
			return current, false
		}
		ackMissing = false
		next := current.Clone()
		next.PausedUntil = nil
		next.PauseReason = ""
		next.ResumeChecklistAck = false
		next.Metadata = map[string]any{"resumed_by": strings.TrimSpace(actor)}
		return next, true
	})
	if err != nil {
		return ResumeResult{}, err
	}
	if ackMissing {
		return ResumeResult{AckRequired: true, Control: control}, nil
	}

	result := ResumeResult{Resumed: true, Control: control}
	if s.Messages != nil {
		requeued, err := s.Messages.RequeuePaused(ctx, tenantID)
		if err != nil {
			return result, err
		}
		result.Requeued = requeued
		if s.Enqueuer != nil {
			for _, messageID := range requeued {
				if err := s.Enqueuer.EnqueueSend(ctx, tenantID, messageID); err != nil {
					s.Observer.Error(ctx, "requeue after resume failed", map[string]any{
						"tenant_id":  tenantID,
						"message_id": messageID,
						"error":      err.Error(),
					})
				}
			}
		}
	}
	s.Observer.Info(ctx, "tenant resumed", map[string]any{
		"tenant_id": tenantID,
		"actor":     strings.TrimSpace(actor),
		"requeued":  len(result.Requeued),
	})
	return result, nil
}

// mutate applies patch under compare-and-swap, re-reading and re-applying
// on version conflicts up to MaxCASAttempts times. A patch returning false
// leaves the record untouched.
func (s *Service) mutate(
	ctx context.Context,
	tenantID string,
	patch func(core.ControlState) (core.ControlState, bool),
) (core.ControlState, error) {
	attempts := s.MaxCASAttempts
	if attempts <= 0 {
		attempts = DefaultMaxCASAttempts
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		current, found, err := s.Controls.GetControlState(ctx, tenantID)
		if err != nil {
			return core.ControlState{}, err
		}
		current.TenantID = tenantID
		expected := current.PolicyVersion
		if !found {
			expected = 0
		}
		next, write := patch(current)
		if !write {
			return current, nil
		}
		next.TenantID = tenantID
		next.PolicyVersion = expected
		swapped, err := s.Controls.CompareAndSwapControlState(ctx, next, expected)
		if err != nil {
			return core.ControlState{}, err
		}
		if swapped {
			next.PolicyVersion = expected + 1
			return next, nil
		}
		s.Observer.Debug(ctx, "control state version conflict", map[string]any{
			"tenant_id": tenantID,
			"attempt":   attempt,
			"expected":  expected,
		})
	}
	return core.ControlState{}, &core.PolicyConflictError{TenantID: tenantID, Attempts: attempts}
}

func (s *Service) recordAlert(ctx context.Context, alert core.Alert) {
	if s.Alerts == nil {
		return
	}
	if err := s.Alerts.RecordAlert(ctx, alert); err != nil {
		s.Observer.Error(ctx, "record alert failed", map[string]any{
			"tenant_id": alert.TenantID,
			"kind":      string(alert.Kind),
			"error":     err.Error(),
		})
	}
}

func (s *Service) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func pauseSeverity(class core.ErrorClass) core.AlertSeverity {
	switch class {
	case core.ErrorClassDeliverability, core.ErrorClassFailureRate, core.ErrorClassProvider5xx:
		return core.AlertSeverityHigh
	default:
		return core.AlertSeverityWarning
	}
}

func pauseAlertMetadata(req core.PauseRequest, control core.ControlState) map[string]any {
	metadata := core.CopyAnyMap(req.Metadata)
	metadata["duration_ms"] = req.Duration.Milliseconds()
	metadata["policy_version"] = control.PolicyVersion
	if control.PausedUntil != nil {
		metadata["paused_until"] = control.PausedUntil.Format(time.RFC3339)
	}
	return metadata
}

// SimulatedProviderMessageID derives the stable provider id used for
// simulated sends of (tenant, dedupe key).
func SimulatedProviderMessageID(tenantID string, dedupeKey string) string {
	return "sim_" + simulatedDigest(tenantID, dedupeKey)
}

func SimulatedProviderEventID(tenantID string, dedupeKey string) string {
	return "sim_evt_" + simulatedDigest(tenantID, dedupeKey)
}

func simulatedDigest(tenantID string, dedupeKey string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(tenantID) + "|" + strings.TrimSpace(dedupeKey)))
	return hex.EncodeToString(sum[:])[:32]
}
