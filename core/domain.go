package core

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrMessageNotFound        = errors.New("core: message not found")
	ErrMessageExists          = errors.New("core: message already exists")
	ErrTenantPolicyNotFound   = errors.New("core: tenant policy not found")
	ErrWebhookEventNotFound   = errors.New("core: webhook event not found")
	ErrInvariantBreach        = errors.New("core: invariant breach")
	ErrPolicyVersionConflict  = errors.New("core: policy version conflict")
	ErrResumeAckRequired      = errors.New("core: resume checklist acknowledgement required")
	ErrInvalidDeliveryState   = errors.New("core: invalid delivery state")
	ErrInvalidMessageStatus   = errors.New("core: invalid message status")
	ErrProviderMessageMissing = errors.New("core: provider message id is missing")
)

type MessageStatus string

const (
	MessageStatusQueued        MessageStatus = "QUEUED"
	MessageStatusSending       MessageStatus = "SENDING"
	MessageStatusSent          MessageStatus = "SENT"
	MessageStatusSentSimulated MessageStatus = "SENT_SIMULATED"
	MessageStatusFailed        MessageStatus = "FAILED"
	MessageStatusPaused        MessageStatus = "PAUSED"
)

func (s MessageStatus) Terminal() bool {
	switch s {
	case MessageStatusSent, MessageStatusSentSimulated, MessageStatusFailed:
		return true
	default:
		return false
	}
}

func ParseMessageStatus(value string) (MessageStatus, error) {
	status := MessageStatus(strings.ToUpper(strings.TrimSpace(value)))
	switch status {
	case MessageStatusQueued,
		MessageStatusSending,
		MessageStatusSent,
		MessageStatusSentSimulated,
		MessageStatusFailed,
		MessageStatusPaused:
		return status, nil
	default:
		return "", ErrInvalidMessageStatus
	}
}

// DeliveryState is the provider-observed outcome of a send. The empty value
// stands for "no state recorded yet".
type DeliveryState string

const (
	DeliveryStateNone          DeliveryState = ""
	DeliveryStateQueued        DeliveryState = "QUEUED"
	DeliveryStateSent          DeliveryState = "SENT"
	DeliveryStateDelivered     DeliveryState = "DELIVERED"
	DeliveryStateBounced       DeliveryState = "BOUNCED"
	DeliveryStateSpamComplaint DeliveryState = "SPAMCOMPLAINT"
	DeliveryStateUnsubscribed  DeliveryState = "UNSUBSCRIBED"
)

var deliveryStateRanks = map[DeliveryState]int{
	DeliveryStateNone:          -1,
	DeliveryStateQueued:        0,
	DeliveryStateSent:          1,
	DeliveryStateDelivered:     2,
	DeliveryStateBounced:       3,
	DeliveryStateSpamComplaint: 3,
	DeliveryStateUnsubscribed:  3,
}

// Rank orders delivery states so convergence never moves a message backwards.
// Terminal complaint states share the top rank.
func (s DeliveryState) Rank() int {
	if rank, ok := deliveryStateRanks[s]; ok {
		return rank
	}
	return -1
}

func (s DeliveryState) Valid() bool {
	_, ok := deliveryStateRanks[s]
	return ok
}

// CanAdvanceTo reports whether candidate may replace s.
func (s DeliveryState) CanAdvanceTo(candidate DeliveryState) bool {
	if candidate == DeliveryStateNone || !candidate.Valid() {
		return false
	}
	return candidate.Rank() >= s.Rank()
}

// StatesAtOrBelow lists the recorded states whose rank does not exceed rank.
// DeliveryStateNone is not included; stores treat it as NULL separately.
func StatesAtOrBelow(rank int) []DeliveryState {
	out := make([]DeliveryState, 0, len(deliveryStateRanks))
	for _, state := range []DeliveryState{
		DeliveryStateQueued,
		DeliveryStateSent,
		DeliveryStateDelivered,
		DeliveryStateBounced,
		DeliveryStateSpamComplaint,
		DeliveryStateUnsubscribed,
	} {
		if state.Rank() <= rank {
			out = append(out, state)
		}
	}
	return out
}

func ParseDeliveryState(value string) (DeliveryState, error) {
	state := DeliveryState(strings.ToUpper(strings.TrimSpace(value)))
	if !state.Valid() {
		return DeliveryStateNone, ErrInvalidDeliveryState
	}
	return state, nil
}

type Message struct {
	ID                string
	TenantID          string
	MessageID         string
	Status            MessageStatus
	DeliveryState     DeliveryState
	ProviderMessageID string
	SendDedupeKey     string
	ClaimedAt         *time.Time
	ClaimedBy         string
	SendAttempt       int
	LastError         string
	SentAt            *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (m Message) HasProviderMessageID() bool {
	return strings.TrimSpace(m.ProviderMessageID) != ""
}

// BreachesSentInvariant reports a message that claims delivery_state SENT
// without the provider id that must accompany it.
func (m Message) BreachesSentInvariant() bool {
	return m.DeliveryState == DeliveryStateSent && !m.HasProviderMessageID()
}

type ClaimRequest struct {
	TenantID    string
	MessageID   string
	WorkerID    string
	Now         time.Time
	StaleBefore time.Time
}

type SendCompletion struct {
	TenantID          string
	MessageID         string
	ProviderMessageID string
	Status            MessageStatus
	SentAt            time.Time
}

type SendCountFilter struct {
	TenantID string
	Since    time.Time
}

type OutcomeCounts struct {
	Sent          int
	Failed        int
	Bounced       int
	SpamComplaint int
}

// TenantPolicy is the static per-tenant send configuration.
type TenantPolicy struct {
	TenantID             string
	ShadowMode           bool
	ShadowRate           int
	MaxPerMinute         int
	MaxGlobalPerMinute   int
	MaxPerHour           *int
	BounceRateThreshold  float64
	SpamRateThreshold    float64
	FailureRateThreshold float64
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// ControlState is the mutable pause record for a tenant. Writers must
// compare-and-swap on PolicyVersion.
type ControlState struct {
	TenantID           string
	PausedUntil        *time.Time
	PauseReason        string
	LastErrorClass     string
	ResumeChecklistAck bool
	ResumeAckBy        string
	ResumeAckAt        *time.Time
	PolicyVersion      int64
	Metadata           map[string]any
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (c ControlState) PausedAt(now time.Time) bool {
	return c.PausedUntil != nil && now.Before(*c.PausedUntil)
}

func (c ControlState) Clone() ControlState {
	out := c
	out.PausedUntil = copyTime(c.PausedUntil)
	out.ResumeAckAt = copyTime(c.ResumeAckAt)
	out.Metadata = CopyAnyMap(c.Metadata)
	return out
}

// Policy is the effective policy for one dispatch decision: static config
// merged with live control state.
type Policy struct {
	TenantPolicy
	Control    ControlState
	KillSwitch bool
}

func (p Policy) PausedAt(now time.Time) bool {
	return p.Control.PausedAt(now)
}

type ErrorClass string

const (
	ErrorClassThrottle       ErrorClass = "throttle"
	ErrorClassProvider5xx    ErrorClass = "provider_5xx"
	ErrorClassFailureRate    ErrorClass = "failure_rate"
	ErrorClassDeliverability ErrorClass = "deliverability"
	ErrorClassManual         ErrorClass = "manual"
)

type PauseRequest struct {
	TenantID   string
	Reason     string
	Duration   time.Duration
	ErrorClass ErrorClass
	Metadata   map[string]any
}

type SendEvent struct {
	ID                string
	TenantID          string
	MessageID         string
	ProviderEventID   string
	ProviderMessageID string
	EventType         string
	OccurredAt        time.Time
	Metadata          map[string]any
	CreatedAt         time.Time
}

type ReconcileStatus string

const (
	ReconcileStatusPending  ReconcileStatus = "PENDING"
	ReconcileStatusResolved ReconcileStatus = "RESOLVED"
	ReconcileStatusFailed   ReconcileStatus = "FAILED"
)

type WebhookEvent struct {
	ID                string
	ProviderEventID   string
	TenantID          string
	MessageID         string
	ProviderMessageID string
	EventType         string
	ReceivedAt        time.Time
	OccurredAt        *time.Time
	Payload           map[string]any
	PayloadHash       string
	ReconcileStatus   ReconcileStatus
	ReconcileAttempts int
	NextRetryAt       *time.Time
	LastError         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type AlertKind string

const (
	AlertKindPause               AlertKind = "pause"
	AlertKindInvariantBreach     AlertKind = "invariant_breach"
	AlertKindStaleClaimRecovered AlertKind = "stale_claim_recovered"
	AlertKindStaleClaimFailed    AlertKind = "stale_claim_failed"
	AlertKindReconcileExhausted  AlertKind = "reconcile_exhausted"
)

type AlertSeverity string

const (
	AlertSeverityCritical AlertSeverity = "critical"
	AlertSeverityHigh     AlertSeverity = "high"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityInfo     AlertSeverity = "info"
)

func (s AlertSeverity) Rank() int {
	switch s {
	case AlertSeverityCritical:
		return 4
	case AlertSeverityHigh:
		return 3
	case AlertSeverityWarning:
		return 2
	case AlertSeverityInfo:
		return 1
	default:
		return 0
	}
}

type Alert struct {
	ID         string
	Kind       AlertKind
	Severity   AlertSeverity
	TenantID   string
	MessageID  string
	ErrorClass string
	Detail     string
	Metadata   map[string]any
	CreatedAt  time.Time
}

type AlertFilter struct {
	TenantID string
	Kinds    []AlertKind
	Since    time.Time
	Limit    int
}

type ProviderSendResult struct {
	ProviderMessageID string
	ProviderEventID   string
}

type InboundRequest struct {
	SourceIP   string
	Headers    map[string]string
	Body       []byte
	ReceivedAt time.Time
	Metadata   map[string]any
}

type InboundResult struct {
	Accepted   bool
	StatusCode int
	Metadata   map[string]any
}

func CopyAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func copyTime(in *time.Time) *time.Time {
	if in == nil {
		return nil
	}
	value := *in
	return &value
}
