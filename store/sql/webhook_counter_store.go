package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// WebhookCounterStore keeps per-source request counts in fixed windows so the
// webhook rate limit survives restarts and is shared across replicas.
type WebhookCounterStore struct {
	db *bun.DB
}

func NewWebhookCounterStore(db *bun.DB) (*WebhookCounterStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &WebhookCounterStore{db: db}, nil
}

// Count returns the (scope, key, window) total without changing it. A missing
// bucket counts as zero.
func (s *WebhookCounterStore) Count(
	ctx context.Context,
	scope string,
	key string,
	windowStart time.Time,
) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: webhook counter store is not configured")
	}
	record := &webhookSourceCounterRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.scope = ?", strings.TrimSpace(scope)).
		Where("?TableAlias.source_key = ?", strings.TrimSpace(key)).
		Where("?TableAlias.window_start = ?", windowStart.UTC()).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return record.RequestCount, nil
}

// Increment adds one request to the (scope, key, window) bucket and returns the
// new total.
func (s *WebhookCounterStore) Increment(
	ctx context.Context,
	scope string,
	key string,
	windowStart time.Time,
) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: webhook counter store is not configured")
	}
	scope = strings.TrimSpace(scope)
	key = strings.TrimSpace(key)
	if scope == "" || key == "" {
		return 0, fmt.Errorf("sqlstore: counter scope and key are required")
	}
	windowStart = windowStart.UTC()

	for attempt := 0; attempt < 2; attempt++ {
		count, found, err := s.bump(ctx, scope, key, windowStart)
		if err != nil {
			return 0, err
		}
		if found {
			return count, nil
		}
		now := time.Now().UTC()
		record := &webhookSourceCounterRecord{
			ID:           uuid.NewString(),
			Scope:        scope,
			SourceKey:    key,
			WindowStart:  windowStart,
			RequestCount: 1,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
			if isUniqueViolation(err) {
				continue
			}
			return 0, err
		}
		return 1, nil
	}
	return 0, fmt.Errorf("sqlstore: webhook counter contention for %s %s", scope, key)
}

func (s *WebhookCounterStore) bump(
	ctx context.Context,
	scope string,
	key string,
	windowStart time.Time,
) (int, bool, error) {
	var count int
	found := false
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		result, err := tx.NewUpdate().
			Model((*webhookSourceCounterRecord)(nil)).
			Set("request_count = request_count + 1").
			Set("updated_at = ?", time.Now().UTC()).
			Where("scope = ?", scope).
			Where("source_key = ?", key).
			Where("window_start = ?", windowStart).
			Exec(ctx)
		if err != nil {
			return err
		}
		updated, err := rowsAffected(result)
		if err != nil || !updated {
			return err
		}
		record := &webhookSourceCounterRecord{}
		if err := tx.NewSelect().
			Model(record).
			Where("?TableAlias.scope = ?", scope).
			Where("?TableAlias.source_key = ?", key).
			Where("?TableAlias.window_start = ?", windowStart).
			Limit(1).
			Scan(ctx); err != nil {
			return err
		}
		count = record.RequestCount
		found = true
		return nil
	})
	return count, found, err
}

// Prune drops windows that ended before the cutoff.
func (s *WebhookCounterStore) Prune(ctx context.Context, before time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: webhook counter store is not configured")
	}
	result, err := s.db.NewDelete().
		Model((*webhookSourceCounterRecord)(nil)).
		Where("window_start < ?", before.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}
