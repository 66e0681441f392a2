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

type ControlStateStore struct {
	db   *bun.DB
	repo repository.Repository[*controlStateRecord]
}

func NewControlStateStore(db *bun.DB) (*ControlStateStore, error) {
	repo, err := newValidatedRepository(db, "tenant control", controlStateHandlers())
	if err != nil {
		return nil, err
	}
	return &ControlStateStore{db: db, repo: repo}, nil
}

func (s *ControlStateStore) GetControlState(ctx context.Context, tenantID string) (core.ControlState, bool, error) {
	if s == nil || s.db == nil {
		return core.ControlState{}, false, fmt.Errorf("sqlstore: control state store is not configured")
	}
	record, err := s.get(ctx, strings.TrimSpace(tenantID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.ControlState{TenantID: strings.TrimSpace(tenantID)}, false, nil
		}
		return core.ControlState{}, false, err
	}
	return record.toDomain(), true, nil
}

// CompareAndSwapControlState writes next when the stored policy_version still
// equals expectedVersion, bumping the version by one. expectedVersion 0
// inserts the first record; losing that insert race returns false.
func (s *ControlStateStore) CompareAndSwapControlState(
	ctx context.Context,
	next core.ControlState,
	expectedVersion int64,
) (bool, error) {
	if s == nil || s.db == nil || s.repo == nil {
		return false, fmt.Errorf("sqlstore: control state store is not configured")
	}
	tenantID := strings.TrimSpace(next.TenantID)
	if tenantID == "" {
		return false, fmt.Errorf("sqlstore: tenant id is required")
	}
	now := time.Now().UTC()
	record := &controlStateRecord{
		TenantID:           tenantID,
		PausedUntil:        cloneTimePointer(next.PausedUntil),
		PauseReason:        strings.TrimSpace(next.PauseReason),
		LastErrorClass:     strings.TrimSpace(next.LastErrorClass),
		ResumeChecklistAck: next.ResumeChecklistAck,
		ResumeAckBy:        strings.TrimSpace(next.ResumeAckBy),
		ResumeAckAt:        cloneTimePointer(next.ResumeAckAt),
		PolicyVersion:      expectedVersion + 1,
		PauseMetadata:      copyAnyMap(next.Metadata),
		UpdatedAt:          now,
	}

	if expectedVersion <= 0 {
		record.ID = uuid.NewString()
		record.PolicyVersion = 1
		record.CreatedAt = now
		if _, err := s.repo.Create(ctx, record); err != nil {
			if isUniqueViolation(err) {
				return false, nil
			}
			return false, err
		}
		return true, nil
	}

	current, err := s.get(ctx, tenantID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	record.ID = current.ID
	record.CreatedAt = current.CreatedAt
	result, err := s.db.NewUpdate().
		Model(record).
		Where("id = ?", current.ID).
		Where("policy_version = ?", expectedVersion).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	return rowsAffected(result)
}

func (s *ControlStateStore) get(ctx context.Context, tenantID string) (*controlStateRecord, error) {
	record := &controlStateRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.tenant_id = ?", tenantID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return record, nil
}

var _ core.ControlStateStore = (*ControlStateStore)(nil)
