package sqlstore

import (
	"time"

	"github.com/goliatone/go-outbound/core"
	"github.com/uptrace/bun"
)

type messageRecord struct {
	bun.BaseModel `bun:"table:outbound_messages,alias:om"`

	ID                string     `bun:"id,pk"`
	TenantID          string     `bun:"tenant_id,notnull"`
	MessageID         string     `bun:"message_id,notnull"`
	Status            string     `bun:"status,notnull"`
	DeliveryState     string     `bun:"delivery_state,nullzero"`
	ProviderMessageID string     `bun:"provider_message_id,nullzero"`
	SendDedupeKey     string     `bun:"send_dedupe_key,notnull"`
	ClaimedAt         *time.Time `bun:"claimed_at,nullzero"`
	ClaimedBy         string     `bun:"claimed_by,nullzero"`
	SendAttempt       int        `bun:"send_attempt,notnull"`
	LastError         string     `bun:"last_error,notnull"`
	SentAt            *time.Time `bun:"sent_at,nullzero"`
	CreatedAt         time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt         time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

func (r *messageRecord) toDomain() core.Message {
	if r == nil {
		return core.Message{}
	}
	return core.Message{
		ID:                r.ID,
		TenantID:          r.TenantID,
		MessageID:         r.MessageID,
		Status:            core.MessageStatus(r.Status),
		DeliveryState:     core.DeliveryState(r.DeliveryState),
		ProviderMessageID: r.ProviderMessageID,
		SendDedupeKey:     r.SendDedupeKey,
		ClaimedAt:         cloneTimePointer(r.ClaimedAt),
		ClaimedBy:         r.ClaimedBy,
		SendAttempt:       r.SendAttempt,
		LastError:         r.LastError,
		SentAt:            cloneTimePointer(r.SentAt),
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

type tenantPolicyRecord struct {
	bun.BaseModel `bun:"table:outbound_tenant_policies,alias:otp"`

	ID                   string    `bun:"id,pk"`
	TenantID             string    `bun:"tenant_id,notnull"`
	ShadowMode           bool      `bun:"shadow_mode,notnull"`
	ShadowRate           int       `bun:"shadow_rate,notnull"`
	MaxPerMinute         int       `bun:"max_per_minute,notnull"`
	MaxGlobalPerMinute   int       `bun:"max_global_per_minute,notnull"`
	MaxPerHour           *int      `bun:"max_per_hour"`
	BounceRateThreshold  float64   `bun:"bounce_rate_threshold,notnull"`
	SpamRateThreshold    float64   `bun:"spam_rate_threshold,notnull"`
	FailureRateThreshold float64   `bun:"failure_rate_threshold,notnull"`
	CreatedAt            time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt            time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

func (r *tenantPolicyRecord) toDomain() core.TenantPolicy {
	if r == nil {
		return core.TenantPolicy{}
	}
	policy := core.TenantPolicy{
		TenantID:             r.TenantID,
		ShadowMode:           r.ShadowMode,
		ShadowRate:           r.ShadowRate,
		MaxPerMinute:         r.MaxPerMinute,
		MaxGlobalPerMinute:   r.MaxGlobalPerMinute,
		BounceRateThreshold:  r.BounceRateThreshold,
		SpamRateThreshold:    r.SpamRateThreshold,
		FailureRateThreshold: r.FailureRateThreshold,
		CreatedAt:            r.CreatedAt,
		UpdatedAt:            r.UpdatedAt,
	}
	if r.MaxPerHour != nil {
		value := *r.MaxPerHour
		policy.MaxPerHour = &value
	}
	return policy
}

type controlStateRecord struct {
	bun.BaseModel `bun:"table:outbound_tenant_controls,alias:otc"`

	ID                 string         `bun:"id,pk"`
	TenantID           string         `bun:"tenant_id,notnull"`
	PausedUntil        *time.Time     `bun:"paused_until,nullzero"`
	PauseReason        string         `bun:"pause_reason,notnull"`
	LastErrorClass     string         `bun:"last_error_class,notnull"`
	ResumeChecklistAck bool           `bun:"resume_checklist_ack,notnull"`
	ResumeAckBy        string         `bun:"resume_ack_by,notnull"`
	ResumeAckAt        *time.Time     `bun:"resume_ack_at,nullzero"`
	PolicyVersion      int64          `bun:"policy_version,notnull"`
	PauseMetadata      map[string]any `bun:"pause_metadata,type:jsonb,notnull"`
	CreatedAt          time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt          time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

func (r *controlStateRecord) toDomain() core.ControlState {
	if r == nil {
		return core.ControlState{}
	}
	return core.ControlState{
		TenantID:           r.TenantID,
		PausedUntil:        cloneTimePointer(r.PausedUntil),
		PauseReason:        r.PauseReason,
		LastErrorClass:     r.LastErrorClass,
		ResumeChecklistAck: r.ResumeChecklistAck,
		ResumeAckBy:        r.ResumeAckBy,
		ResumeAckAt:        cloneTimePointer(r.ResumeAckAt),
		PolicyVersion:      r.PolicyVersion,
		Metadata:           copyAnyMap(r.PauseMetadata),
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
}

type sendEventRecord struct {
	bun.BaseModel `bun:"table:outbound_send_events,alias:ose"`

	ID                string         `bun:"id,pk"`
	TenantID          string         `bun:"tenant_id,notnull"`
	MessageID         string         `bun:"message_id,notnull"`
	ProviderEventID   string         `bun:"provider_event_id,notnull"`
	ProviderMessageID string         `bun:"provider_message_id,notnull"`
	EventType         string         `bun:"event_type,notnull"`
	OccurredAt        time.Time      `bun:"occurred_at,notnull"`
	Metadata          map[string]any `bun:"metadata,type:jsonb,notnull"`
	CreatedAt         time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

func (r *sendEventRecord) toDomain() core.SendEvent {
	if r == nil {
		return core.SendEvent{}
	}
	return core.SendEvent{
		ID:                r.ID,
		TenantID:          r.TenantID,
		MessageID:         r.MessageID,
		ProviderEventID:   r.ProviderEventID,
		ProviderMessageID: r.ProviderMessageID,
		EventType:         r.EventType,
		OccurredAt:        r.OccurredAt,
		Metadata:          copyAnyMap(r.Metadata),
		CreatedAt:         r.CreatedAt,
	}
}

type webhookEventRecord struct {
	bun.BaseModel `bun:"table:outbound_webhook_events,alias:owe"`

	ID                string         `bun:"id,pk"`
	ProviderEventID   string         `bun:"provider_event_id,notnull"`
	TenantID          string         `bun:"tenant_id,notnull"`
	MessageID         string         `bun:"message_id,notnull"`
	ProviderMessageID string         `bun:"provider_message_id,notnull"`
	EventType         string         `bun:"event_type,notnull"`
	ReceivedAt        time.Time      `bun:"received_at,notnull"`
	OccurredAt        *time.Time     `bun:"occurred_at,nullzero"`
	Payload           map[string]any `bun:"payload,type:jsonb,notnull"`
	PayloadHash       string         `bun:"payload_hash,notnull"`
	ReconcileStatus   string         `bun:"reconcile_status,notnull"`
	ReconcileAttempts int            `bun:"reconcile_attempts,notnull"`
	NextRetryAt       *time.Time     `bun:"next_retry_at,nullzero"`
	LastError         string         `bun:"last_error,notnull"`
	CreatedAt         time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt         time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

func (r *webhookEventRecord) toDomain() core.WebhookEvent {
	if r == nil {
		return core.WebhookEvent{}
	}
	return core.WebhookEvent{
		ID:                r.ID,
		ProviderEventID:   r.ProviderEventID,
		TenantID:          r.TenantID,
		MessageID:         r.MessageID,
		ProviderMessageID: r.ProviderMessageID,
		EventType:         r.EventType,
		ReceivedAt:        r.ReceivedAt,
		OccurredAt:        cloneTimePointer(r.OccurredAt),
		Payload:           copyAnyMap(r.Payload),
		PayloadHash:       r.PayloadHash,
		ReconcileStatus:   core.ReconcileStatus(r.ReconcileStatus),
		ReconcileAttempts: r.ReconcileAttempts,
		NextRetryAt:       cloneTimePointer(r.NextRetryAt),
		LastError:         r.LastError,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

type alertRecord struct {
	bun.BaseModel `bun:"table:outbound_alerts,alias:oa"`

	ID         string         `bun:"id,pk"`
	Kind       string         `bun:"kind,notnull"`
	Severity   string         `bun:"severity,notnull"`
	TenantID   string         `bun:"tenant_id,notnull"`
	MessageID  string         `bun:"message_id,notnull"`
	ErrorClass string         `bun:"error_class,notnull"`
	Detail     string         `bun:"detail,notnull"`
	Metadata   map[string]any `bun:"metadata,type:jsonb,notnull"`
	CreatedAt  time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

func (r *alertRecord) toDomain() core.Alert {
	if r == nil {
		return core.Alert{}
	}
	return core.Alert{
		ID:         r.ID,
		Kind:       core.AlertKind(r.Kind),
		Severity:   core.AlertSeverity(r.Severity),
		TenantID:   r.TenantID,
		MessageID:  r.MessageID,
		ErrorClass: r.ErrorClass,
		Detail:     r.Detail,
		Metadata:   copyAnyMap(r.Metadata),
		CreatedAt:  r.CreatedAt,
	}
}

type webhookSourceCounterRecord struct {
	bun.BaseModel `bun:"table:outbound_webhook_source_counters,alias:owsc"`

	ID           string    `bun:"id,pk"`
	Scope        string    `bun:"scope,notnull"`
	SourceKey    string    `bun:"source_key,notnull"`
	WindowStart  time.Time `bun:"window_start,notnull"`
	RequestCount int       `bun:"request_count,notnull"`
	CreatedAt    time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt    time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}
