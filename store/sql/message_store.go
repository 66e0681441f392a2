package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/goliatone/go-outbound/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// claimablePredicate matches rows a worker may claim: never sent, and either
// queued or holding a claim older than the stale cutoff.
const claimablePredicate = "provider_message_id IS NULL AND " +
	"(status = ? OR (status = ? AND claimed_at < ?)) AND " +
	"(delivery_state IS NULL OR delivery_state = ?)"

// stalePredicate matches claims abandoned before a provider id was stored.
const stalePredicate = "status = ? AND provider_message_id IS NULL AND claimed_at < ?"

type MessageStore struct {
	db   *bun.DB
	repo repository.Repository[*messageRecord]
}

func NewMessageStore(db *bun.DB) (*MessageStore, error) {
	repo, err := newValidatedRepository(db, "message", messageHandlers())
	if err != nil {
		return nil, err
	}
	return &MessageStore{db: db, repo: repo}, nil
}

func (s *MessageStore) CreateMessage(ctx context.Context, msg core.Message) (core.Message, error) {
	if s == nil || s.repo == nil {
		return core.Message{}, fmt.Errorf("sqlstore: message store is not configured")
	}
	tenantID := strings.TrimSpace(msg.TenantID)
	messageID := strings.TrimSpace(msg.MessageID)
	if tenantID == "" || messageID == "" {
		return core.Message{}, fmt.Errorf("sqlstore: tenant id and message id are required")
	}
	status := msg.Status
	if status == "" {
		status = core.MessageStatusQueued
	}
	dedupeKey := strings.TrimSpace(msg.SendDedupeKey)
	if dedupeKey == "" {
		dedupeKey = tenantID + ":" + messageID
	}
	now := time.Now().UTC()
	record := &messageRecord{
		ID:                uuid.NewString(),
		TenantID:          tenantID,
		MessageID:         messageID,
		Status:            string(status),
		DeliveryState:     string(msg.DeliveryState),
		ProviderMessageID: strings.TrimSpace(msg.ProviderMessageID),
		SendDedupeKey:     dedupeKey,
		ClaimedAt:         cloneTimePointer(msg.ClaimedAt),
		ClaimedBy:         strings.TrimSpace(msg.ClaimedBy),
		SendAttempt:       msg.SendAttempt,
		LastError:         msg.LastError,
		SentAt:            cloneTimePointer(msg.SentAt),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	created, err := s.repo.Create(ctx, record)
	if err != nil {
		if isUniqueViolation(err) {
			return core.Message{}, fmt.Errorf("sqlstore: %s/%s: %w", tenantID, messageID, core.ErrMessageExists)
		}
		return core.Message{}, err
	}
	return created.toDomain(), nil
}

func (s *MessageStore) GetMessage(ctx context.Context, tenantID string, messageID string) (core.Message, error) {
	if s == nil || s.db == nil {
		return core.Message{}, fmt.Errorf("sqlstore: message store is not configured")
	}
	record := &messageRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.tenant_id = ?", strings.TrimSpace(tenantID)).
		Where("?TableAlias.message_id = ?", strings.TrimSpace(messageID)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Message{}, core.ErrMessageNotFound
		}
		return core.Message{}, err
	}
	return record.toDomain(), nil
}

// FindByProviderMessageID looks a message up by its provider id. tenantID may
// be empty when the caller does not know the owner yet.
func (s *MessageStore) FindByProviderMessageID(
	ctx context.Context,
	tenantID string,
	providerMessageID string,
) (core.Message, error) {
	if s == nil || s.db == nil {
		return core.Message{}, fmt.Errorf("sqlstore: message store is not configured")
	}
	providerMessageID = strings.TrimSpace(providerMessageID)
	if providerMessageID == "" {
		return core.Message{}, core.ErrProviderMessageMissing
	}
	record := &messageRecord{}
	query := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.provider_message_id = ?", providerMessageID)
	if tenantID = strings.TrimSpace(tenantID); tenantID != "" {
		query = query.Where("?TableAlias.tenant_id = ?", tenantID)
	}
	if err := query.Limit(1).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Message{}, core.ErrMessageNotFound
		}
		return core.Message{}, err
	}
	return record.toDomain(), nil
}

// ClaimMessage takes the send claim in one conditional update. Exactly one of
// several concurrent callers observes true.
func (s *MessageStore) ClaimMessage(ctx context.Context, req core.ClaimRequest) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlstore: message store is not configured")
	}
	now := req.Now.UTC()
	if req.Now.IsZero() {
		now = time.Now().UTC()
	}
	result, err := s.db.NewUpdate().
		Model((*messageRecord)(nil)).
		Set("status = ?", string(core.MessageStatusSending)).
		Set("claimed_at = ?", now).
		Set("claimed_by = ?", strings.TrimSpace(req.WorkerID)).
		Set("send_attempt = send_attempt + 1").
		Set("updated_at = ?", now).
		Where("tenant_id = ?", strings.TrimSpace(req.TenantID)).
		Where("message_id = ?", strings.TrimSpace(req.MessageID)).
		Where(claimablePredicate,
			string(core.MessageStatusQueued),
			string(core.MessageStatusSending),
			req.StaleBefore.UTC(),
			string(core.DeliveryStateQueued),
		).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	return rowsAffected(result)
}

// MarkPaused parks an unsent message. With an empty workerID only a QUEUED
// row matches; otherwise only a SENDING row claimed by that worker does, so a
// live claim held by someone else is never released here.
func (s *MessageStore) MarkPaused(ctx context.Context, tenantID string, messageID string, workerID string) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlstore: message store is not configured")
	}
	query := s.db.NewUpdate().
		Model((*messageRecord)(nil)).
		Set("status = ?", string(core.MessageStatusPaused)).
		Set("claimed_at = NULL").
		Set("claimed_by = NULL").
		Set("updated_at = ?", time.Now().UTC()).
		Where("tenant_id = ?", strings.TrimSpace(tenantID)).
		Where("message_id = ?", strings.TrimSpace(messageID)).
		Where("provider_message_id IS NULL")
	if workerID = strings.TrimSpace(workerID); workerID == "" {
		query = query.Where("status = ?", string(core.MessageStatusQueued))
	} else {
		query = query.
			Where("status = ?", string(core.MessageStatusSending)).
			Where("claimed_by = ?", workerID)
	}
	result, err := query.Exec(ctx)
	if err != nil {
		return false, err
	}
	return rowsAffected(result)
}

// CompleteSend stores the provider id, the terminal status and delivery state
// SENT together, so no row can carry SENT without its provider id.
func (s *MessageStore) CompleteSend(ctx context.Context, completion core.SendCompletion) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlstore: message store is not configured")
	}
	providerMessageID := strings.TrimSpace(completion.ProviderMessageID)
	if providerMessageID == "" {
		return false, core.ErrProviderMessageMissing
	}
	status := completion.Status
	if status == "" {
		status = core.MessageStatusSent
	}
	sentAt := completion.SentAt.UTC()
	if completion.SentAt.IsZero() {
		sentAt = time.Now().UTC()
	}
	result, err := s.db.NewUpdate().
		Model((*messageRecord)(nil)).
		Set("provider_message_id = ?", providerMessageID).
		Set("status = ?", string(status)).
		Set("delivery_state = ?", string(core.DeliveryStateSent)).
		Set("claimed_at = NULL").
		Set("claimed_by = NULL").
		Set("last_error = ''").
		Set("sent_at = ?", sentAt).
		Set("updated_at = ?", sentAt).
		Where("tenant_id = ?", strings.TrimSpace(completion.TenantID)).
		Where("message_id = ?", strings.TrimSpace(completion.MessageID)).
		Where("provider_message_id IS NULL").
		Exec(ctx)
	if err != nil {
		return false, err
	}
	return rowsAffected(result)
}

func (s *MessageStore) MarkFailed(ctx context.Context, tenantID string, messageID string, reason string) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlstore: message store is not configured")
	}
	result, err := s.db.NewUpdate().
		Model((*messageRecord)(nil)).
		Set("status = ?", string(core.MessageStatusFailed)).
		Set("last_error = ?", truncate(reason, 1024)).
		Set("claimed_at = NULL").
		Set("claimed_by = NULL").
		Set("updated_at = ?", time.Now().UTC()).
		Where("tenant_id = ?", strings.TrimSpace(tenantID)).
		Where("message_id = ?", strings.TrimSpace(messageID)).
		Where("provider_message_id IS NULL").
		Exec(ctx)
	if err != nil {
		return false, err
	}
	return rowsAffected(result)
}

// CountSends counts completed sends (real or simulated) since filter.Since.
// An empty tenant counts across all tenants.
func (s *MessageStore) CountSends(ctx context.Context, filter core.SendCountFilter) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: message store is not configured")
	}
	query := s.db.NewSelect().
		Model((*messageRecord)(nil)).
		Where("?TableAlias.status IN (?)", bun.In([]string{
			string(core.MessageStatusSent),
			string(core.MessageStatusSentSimulated),
		})).
		Where("?TableAlias.sent_at >= ?", filter.Since.UTC())
	if tenantID := strings.TrimSpace(filter.TenantID); tenantID != "" {
		query = query.Where("?TableAlias.tenant_id = ?", tenantID)
	}
	return query.Count(ctx)
}

type outcomeCountsRow struct {
	Sent          int `bun:"sent"`
	Failed        int `bun:"failed"`
	Bounced       int `bun:"bounced"`
	SpamComplaint int `bun:"spam_complaint"`
}

// CountOutcomes reports sends, failures and negative delivery outcomes for a
// tenant over messages touched since the cutoff.
func (s *MessageStore) CountOutcomes(ctx context.Context, tenantID string, since time.Time) (core.OutcomeCounts, error) {
	if s == nil || s.db == nil {
		return core.OutcomeCounts{}, fmt.Errorf("sqlstore: message store is not configured")
	}
	var row outcomeCountsRow
	err := s.db.NewRaw(`
		SELECT
			COALESCE(SUM(CASE WHEN status IN (?, ?) THEN 1 ELSE 0 END), 0) AS sent,
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
			COALESCE(SUM(CASE WHEN delivery_state = ? THEN 1 ELSE 0 END), 0) AS bounced,
			COALESCE(SUM(CASE WHEN delivery_state = ? THEN 1 ELSE 0 END), 0) AS spam_complaint
		FROM outbound_messages
		WHERE tenant_id = ? AND updated_at >= ?`,
		string(core.MessageStatusSent),
		string(core.MessageStatusSentSimulated),
		string(core.MessageStatusFailed),
		string(core.DeliveryStateBounced),
		string(core.DeliveryStateSpamComplaint),
		strings.TrimSpace(tenantID),
		since.UTC(),
	).Scan(ctx, &row)
	if err != nil {
		return core.OutcomeCounts{}, err
	}
	return core.OutcomeCounts{
		Sent:          row.Sent,
		Failed:        row.Failed,
		Bounced:       row.Bounced,
		SpamComplaint: row.SpamComplaint,
	}, nil
}

func (s *MessageStore) ListStaleClaims(ctx context.Context, staleBefore time.Time, limit int) ([]core.Message, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: message store is not configured")
	}
	if limit <= 0 {
		limit = 100
	}
	records := make([]*messageRecord, 0, limit)
	err := s.db.NewSelect().
		Model(&records).
		Where("?TableAlias.status = ?", string(core.MessageStatusSending)).
		Where("?TableAlias.provider_message_id IS NULL").
		Where("?TableAlias.claimed_at < ?", staleBefore.UTC()).
		OrderExpr("?TableAlias.claimed_at ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]core.Message, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

// RequeueStaleClaim releases a stale claim back to QUEUED. It re-checks the
// stale predicate so a claim refreshed in the meantime is left alone.
func (s *MessageStore) RequeueStaleClaim(
	ctx context.Context,
	tenantID string,
	messageID string,
	staleBefore time.Time,
) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlstore: message store is not configured")
	}
	result, err := s.db.NewUpdate().
		Model((*messageRecord)(nil)).
		Set("status = ?", string(core.MessageStatusQueued)).
		Set("claimed_at = NULL").
		Set("claimed_by = NULL").
		Set("updated_at = ?", time.Now().UTC()).
		Where("tenant_id = ?", strings.TrimSpace(tenantID)).
		Where("message_id = ?", strings.TrimSpace(messageID)).
		Where(stalePredicate, string(core.MessageStatusSending), staleBefore.UTC()).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	return rowsAffected(result)
}

func (s *MessageStore) FailStaleClaim(
	ctx context.Context,
	tenantID string,
	messageID string,
	staleBefore time.Time,
	reason string,
) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlstore: message store is not configured")
	}
	result, err := s.db.NewUpdate().
		Model((*messageRecord)(nil)).
		Set("status = ?", string(core.MessageStatusFailed)).
		Set("last_error = ?", truncate(reason, 1024)).
		Set("claimed_at = NULL").
		Set("claimed_by = NULL").
		Set("updated_at = ?", time.Now().UTC()).
		Where("tenant_id = ?", strings.TrimSpace(tenantID)).
		Where("message_id = ?", strings.TrimSpace(messageID)).
		Where(stalePredicate, string(core.MessageStatusSending), staleBefore.UTC()).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	return rowsAffected(result)
}

// AdvanceDeliveryState moves delivery_state forward only. The guard lives in
// the WHERE clause so concurrent callbacks cannot regress each other.
func (s *MessageStore) AdvanceDeliveryState(
	ctx context.Context,
	tenantID string,
	messageID string,
	candidate core.DeliveryState,
) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlstore: message store is not configured")
	}
	if candidate == core.DeliveryStateNone || !candidate.Valid() {
		return false, core.ErrInvalidDeliveryState
	}
	allowed := core.StatesAtOrBelow(candidate.Rank())
	values := make([]string, 0, len(allowed))
	for _, state := range allowed {
		values = append(values, string(state))
	}
	result, err := s.db.NewUpdate().
		Model((*messageRecord)(nil)).
		Set("delivery_state = ?", string(candidate)).
		Set("updated_at = ?", time.Now().UTC()).
		Where("tenant_id = ?", strings.TrimSpace(tenantID)).
		Where("message_id = ?", strings.TrimSpace(messageID)).
		Where("(delivery_state IS NULL OR delivery_state IN (?))", bun.In(values)).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	return rowsAffected(result)
}

// RequeuePaused returns every PAUSED, unsent message of a tenant to QUEUED and
// reports the affected message ids.
func (s *MessageStore) RequeuePaused(ctx context.Context, tenantID string) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: message store is not configured")
	}
	tenantID = strings.TrimSpace(tenantID)
	var messageIDs []string
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var records []*messageRecord
		if err := tx.NewSelect().
			Model(&records).
			Column("message_id").
			Where("?TableAlias.tenant_id = ?", tenantID).
			Where("?TableAlias.status = ?", string(core.MessageStatusPaused)).
			Where("?TableAlias.provider_message_id IS NULL").
			OrderExpr("?TableAlias.created_at ASC").
			Scan(ctx); err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}
		ids := make([]string, 0, len(records))
		for _, record := range records {
			ids = append(ids, record.MessageID)
		}
		if _, err := tx.NewUpdate().
			Model((*messageRecord)(nil)).
			Set("status = ?", string(core.MessageStatusQueued)).
			Set("updated_at = ?", time.Now().UTC()).
			Where("tenant_id = ?", tenantID).
			Where("status = ?", string(core.MessageStatusPaused)).
			Where("provider_message_id IS NULL").
			Where("message_id IN (?)", bun.In(ids)).
			Exec(ctx); err != nil {
			return err
		}
		messageIDs = ids
		return nil
	})
	if err != nil {
		return nil, err
	}
	return messageIDs, nil
}

func (s *MessageStore) ListIdleQueued(ctx context.Context, idleBefore time.Time, limit int) ([]core.Message, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: message store is not configured")
	}
	if limit <= 0 {
		limit = 100
	}
	records := make([]*messageRecord, 0, limit)
	err := s.db.NewSelect().
		Model(&records).
		Where("?TableAlias.status = ?", string(core.MessageStatusQueued)).
		Where("?TableAlias.provider_message_id IS NULL").
		Where("?TableAlias.updated_at < ?", idleBefore.UTC()).
		OrderExpr("?TableAlias.updated_at ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]core.Message, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

// TouchIdleQueued marks an idle QUEUED row as handled for this sweep by
// moving its updated_at forward, re-checking idleness in the same update.
func (s *MessageStore) TouchIdleQueued(
	ctx context.Context,
	tenantID string,
	messageID string,
	idleBefore time.Time,
	now time.Time,
) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlstore: message store is not configured")
	}
	if now.IsZero() {
		now = time.Now()
	}
	result, err := s.db.NewUpdate().
		Model((*messageRecord)(nil)).
		Set("updated_at = ?", now.UTC()).
		Where("tenant_id = ?", strings.TrimSpace(tenantID)).
		Where("message_id = ?", strings.TrimSpace(messageID)).
		Where("status = ?", string(core.MessageStatusQueued)).
		Where("provider_message_id IS NULL").
		Where("updated_at < ?", idleBefore.UTC()).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	return rowsAffected(result)
}

// truncate cuts value to at most limit bytes without splitting a rune.
func truncate(value string, limit int) string {
	value = strings.TrimSpace(value)
	if limit <= 0 || len(value) <= limit {
		return value
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut]
}

var _ core.MessageStore = (*MessageStore)(nil)
