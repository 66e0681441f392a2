package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-outbound/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type SendEventStore struct {
	db   *bun.DB
	repo repository.Repository[*sendEventRecord]
}

func NewSendEventStore(db *bun.DB) (*SendEventStore, error) {
	repo, err := newValidatedRepository(db, "send event", sendEventHandlers())
	if err != nil {
		return nil, err
	}
	return &SendEventStore{db: db, repo: repo}, nil
}

// UpsertSendEvent inserts the event once per (tenant, provider event id,
// event type). created is false when the event was already recorded.
func (s *SendEventStore) UpsertSendEvent(ctx context.Context, event core.SendEvent) (bool, error) {
	if s == nil || s.repo == nil {
		return false, fmt.Errorf("sqlstore: send event store is not configured")
	}
	tenantID := strings.TrimSpace(event.TenantID)
	providerEventID := strings.TrimSpace(event.ProviderEventID)
	eventType := strings.TrimSpace(strings.ToLower(event.EventType))
	if tenantID == "" || providerEventID == "" || eventType == "" {
		return false, fmt.Errorf("sqlstore: tenant id, provider event id and event type are required")
	}
	occurredAt := event.OccurredAt.UTC()
	if event.OccurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	record := &sendEventRecord{
		ID:                uuid.NewString(),
		TenantID:          tenantID,
		MessageID:         strings.TrimSpace(event.MessageID),
		ProviderEventID:   providerEventID,
		ProviderMessageID: strings.TrimSpace(event.ProviderMessageID),
		EventType:         eventType,
		OccurredAt:        occurredAt,
		Metadata:          copyAnyMap(event.Metadata),
		CreatedAt:         time.Now().UTC(),
	}
	if _, err := s.repo.Create(ctx, record); err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *SendEventStore) ListSendEvents(ctx context.Context, tenantID string, messageID string) ([]core.SendEvent, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: send event store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("tenant_id", "=", strings.TrimSpace(tenantID)),
		repository.SelectBy("message_id", "=", strings.TrimSpace(messageID)),
		repository.OrderBy("occurred_at ASC"),
		repository.OrderBy("created_at ASC"),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.SendEvent, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

type WebhookEventStore struct {
	db   *bun.DB
	repo repository.Repository[*webhookEventRecord]
}

func NewWebhookEventStore(db *bun.DB) (*WebhookEventStore, error) {
	repo, err := newValidatedRepository(db, "webhook event", webhookEventHandlers())
	if err != nil {
		return nil, err
	}
	return &WebhookEventStore{db: db, repo: repo}, nil
}

// UpsertWebhookEvent keeps the first stored copy of an event. A repeat
// delivery only touches updated_at, which is how duplicates are told apart
// from first writes.
func (s *WebhookEventStore) UpsertWebhookEvent(
	ctx context.Context,
	event core.WebhookEvent,
) (core.WebhookEvent, bool, error) {
	if s == nil || s.db == nil || s.repo == nil {
		return core.WebhookEvent{}, false, fmt.Errorf("sqlstore: webhook event store is not configured")
	}
	providerEventID := strings.TrimSpace(event.ProviderEventID)
	if providerEventID == "" {
		return core.WebhookEvent{}, false, fmt.Errorf("sqlstore: provider event id is required")
	}
	now := time.Now().UTC()
	receivedAt := event.ReceivedAt.UTC()
	if event.ReceivedAt.IsZero() {
		receivedAt = now
	}
	status := event.ReconcileStatus
	if status == "" {
		status = core.ReconcileStatusPending
	}
	record := &webhookEventRecord{
		ID:                uuid.NewString(),
		ProviderEventID:   providerEventID,
		TenantID:          strings.TrimSpace(event.TenantID),
		MessageID:         strings.TrimSpace(event.MessageID),
		ProviderMessageID: strings.TrimSpace(event.ProviderMessageID),
		EventType:         strings.TrimSpace(event.EventType),
		ReceivedAt:        receivedAt,
		OccurredAt:        cloneTimePointer(event.OccurredAt),
		Payload:           copyAnyMap(event.Payload),
		PayloadHash:       strings.TrimSpace(event.PayloadHash),
		ReconcileStatus:   string(status),
		ReconcileAttempts: event.ReconcileAttempts,
		NextRetryAt:       cloneTimePointer(event.NextRetryAt),
		LastError:         event.LastError,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if _, err := s.repo.Create(ctx, record); err != nil {
		if !isUniqueViolation(err) {
			return core.WebhookEvent{}, false, err
		}
		if _, err := s.db.NewUpdate().
			Model((*webhookEventRecord)(nil)).
			Set("updated_at = ?", now.Add(time.Microsecond)).
			Where("provider_event_id = ?", providerEventID).
			Exec(ctx); err != nil {
			return core.WebhookEvent{}, false, err
		}
		existing, err := s.GetWebhookEvent(ctx, providerEventID)
		if err != nil {
			return core.WebhookEvent{}, false, err
		}
		return existing, !existing.UpdatedAt.Equal(existing.CreatedAt), nil
	}
	return record.toDomain(), false, nil
}

func (s *WebhookEventStore) GetWebhookEvent(ctx context.Context, providerEventID string) (core.WebhookEvent, error) {
	if s == nil || s.db == nil {
		return core.WebhookEvent{}, fmt.Errorf("sqlstore: webhook event store is not configured")
	}
	record := &webhookEventRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.provider_event_id = ?", strings.TrimSpace(providerEventID)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.WebhookEvent{}, core.ErrWebhookEventNotFound
		}
		return core.WebhookEvent{}, err
	}
	return record.toDomain(), nil
}

func (s *WebhookEventStore) ResolveWebhookEvent(
	ctx context.Context,
	providerEventID string,
	tenantID string,
	messageID string,
) error {
	return s.update(ctx, providerEventID, func(q *bun.UpdateQuery) *bun.UpdateQuery {
		return q.
			Set("reconcile_status = ?", string(core.ReconcileStatusResolved)).
			Set("tenant_id = ?", strings.TrimSpace(tenantID)).
			Set("message_id = ?", strings.TrimSpace(messageID)).
			Set("next_retry_at = NULL").
			Set("last_error = ''")
	})
}

func (s *WebhookEventStore) DeferWebhookEvent(
	ctx context.Context,
	providerEventID string,
	attempts int,
	nextRetryAt time.Time,
	lastError string,
) error {
	return s.update(ctx, providerEventID, func(q *bun.UpdateQuery) *bun.UpdateQuery {
		return q.
			Set("reconcile_status = ?", string(core.ReconcileStatusPending)).
			Set("reconcile_attempts = ?", attempts).
			Set("next_retry_at = ?", nextRetryAt.UTC()).
			Set("last_error = ?", truncate(lastError, 1024))
	})
}

func (s *WebhookEventStore) FailWebhookEvent(
	ctx context.Context,
	providerEventID string,
	attempts int,
	lastError string,
) error {
	return s.update(ctx, providerEventID, func(q *bun.UpdateQuery) *bun.UpdateQuery {
		return q.
			Set("reconcile_status = ?", string(core.ReconcileStatusFailed)).
			Set("reconcile_attempts = ?", attempts).
			Set("next_retry_at = NULL").
			Set("last_error = ?", truncate(lastError, 1024))
	})
}

func (s *WebhookEventStore) ListDueWebhookEvents(ctx context.Context, now time.Time, limit int) ([]core.WebhookEvent, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: webhook event store is not configured")
	}
	if limit <= 0 {
		limit = 100
	}
	records := make([]*webhookEventRecord, 0, limit)
	err := s.db.NewSelect().
		Model(&records).
		Where("?TableAlias.reconcile_status = ?", string(core.ReconcileStatusPending)).
		Where("?TableAlias.next_retry_at IS NOT NULL").
		Where("?TableAlias.next_retry_at <= ?", now.UTC()).
		OrderExpr("?TableAlias.next_retry_at ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]core.WebhookEvent, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func (s *WebhookEventStore) update(
	ctx context.Context,
	providerEventID string,
	apply func(*bun.UpdateQuery) *bun.UpdateQuery,
) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: webhook event store is not configured")
	}
	providerEventID = strings.TrimSpace(providerEventID)
	if providerEventID == "" {
		return fmt.Errorf("sqlstore: provider event id is required")
	}
	query := s.db.NewUpdate().
		Model((*webhookEventRecord)(nil)).
		Set("updated_at = ?", time.Now().UTC()).
		Where("provider_event_id = ?", providerEventID)
	result, err := apply(query).Exec(ctx)
	if err != nil {
		return err
	}
	updated, err := rowsAffected(result)
	if err != nil {
		return err
	}
	if !updated {
		return core.ErrWebhookEventNotFound
	}
	return nil
}

type AlertStore struct {
	db   *bun.DB
	repo repository.Repository[*alertRecord]
}

func NewAlertStore(db *bun.DB) (*AlertStore, error) {
	repo, err := newValidatedRepository(db, "alert", alertHandlers())
	if err != nil {
		return nil, err
	}
	return &AlertStore{db: db, repo: repo}, nil
}

func (s *AlertStore) RecordAlert(ctx context.Context, alert core.Alert) error {
	if s == nil || s.repo == nil {
		return fmt.Errorf("sqlstore: alert store is not configured")
	}
	if strings.TrimSpace(string(alert.Kind)) == "" {
		return fmt.Errorf("sqlstore: alert kind is required")
	}
	severity := alert.Severity
	if severity == "" {
		severity = core.AlertSeverityWarning
	}
	createdAt := alert.CreatedAt.UTC()
	if alert.CreatedAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	record := &alertRecord{
		ID:         uuid.NewString(),
		Kind:       string(alert.Kind),
		Severity:   string(severity),
		TenantID:   strings.TrimSpace(alert.TenantID),
		MessageID:  strings.TrimSpace(alert.MessageID),
		ErrorClass: strings.TrimSpace(alert.ErrorClass),
		Detail:     truncate(alert.Detail, 2048),
		Metadata:   core.RedactPayload(alert.Metadata),
		CreatedAt:  createdAt,
	}
	_, err := s.repo.Create(ctx, record)
	return err
}

func (s *AlertStore) ListAlerts(ctx context.Context, filter core.AlertFilter) ([]core.Alert, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: alert store is not configured")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	selectors := []repository.SelectCriteria{
		repository.OrderBy("created_at DESC"),
		repository.SelectPaginate(limit, 0),
	}
	if tenantID := strings.TrimSpace(filter.TenantID); tenantID != "" {
		selectors = append(selectors, repository.SelectBy("tenant_id", "=", tenantID))
	}
	if len(filter.Kinds) > 0 {
		kinds := make([]string, 0, len(filter.Kinds))
		for _, kind := range filter.Kinds {
			kinds = append(kinds, string(kind))
		}
		selectors = append(selectors, repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.kind IN (?)", bun.In(kinds))
		}))
	}
	if !filter.Since.IsZero() {
		selectors = append(selectors, repository.SelectByTimetz("created_at", ">=", filter.Since.UTC()))
	}
	records, _, err := s.repo.List(ctx, selectors...)
	if err != nil {
		return nil, err
	}
	out := make([]core.Alert, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

var (
	_ core.SendEventStore    = (*SendEventStore)(nil)
	_ core.WebhookEventStore = (*WebhookEventStore)(nil)
	_ core.AlertStore        = (*AlertStore)(nil)
)
