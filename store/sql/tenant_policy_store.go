package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-outbound/core"
	repository "github.com/goliatone/go-repository-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type TenantPolicyStore struct {
	db   *bun.DB
	repo repository.Repository[*tenantPolicyRecord]
}

func NewTenantPolicyStore(db *bun.DB) (*TenantPolicyStore, error) {
	repo, err := newValidatedRepository(db, "tenant policy", tenantPolicyHandlers())
	if err != nil {
		return nil, err
	}
	return &TenantPolicyStore{db: db, repo: repo}, nil
}

func (s *TenantPolicyStore) GetTenantPolicy(ctx context.Context, tenantID string) (core.TenantPolicy, error) {
	if s == nil || s.db == nil {
		return core.TenantPolicy{}, fmt.Errorf("sqlstore: tenant policy store is not configured")
	}
	record, err := s.get(ctx, strings.TrimSpace(tenantID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.TenantPolicy{}, core.ErrTenantPolicyNotFound
		}
		return core.TenantPolicy{}, err
	}
	return record.toDomain(), nil
}

func (s *TenantPolicyStore) UpsertTenantPolicy(ctx context.Context, policy core.TenantPolicy) error {
	if s == nil || s.db == nil || s.repo == nil {
		return fmt.Errorf("sqlstore: tenant policy store is not configured")
	}
	tenantID := strings.TrimSpace(policy.TenantID)
	if tenantID == "" {
		return fmt.Errorf("sqlstore: tenant id is required")
	}
	if policy.ShadowRate < 0 || policy.ShadowRate > 100 {
		return fmt.Errorf("sqlstore: shadow rate must be within 0..100")
	}
	now := time.Now().UTC()
	record := &tenantPolicyRecord{
		TenantID:             tenantID,
		ShadowMode:           policy.ShadowMode,
		ShadowRate:           policy.ShadowRate,
		MaxPerMinute:         policy.MaxPerMinute,
		MaxGlobalPerMinute:   policy.MaxGlobalPerMinute,
		BounceRateThreshold:  policy.BounceRateThreshold,
		SpamRateThreshold:    policy.SpamRateThreshold,
		FailureRateThreshold: policy.FailureRateThreshold,
		UpdatedAt:            now,
	}
	if policy.MaxPerHour != nil {
		value := *policy.MaxPerHour
		record.MaxPerHour = &value
	}

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		existing := &tenantPolicyRecord{}
		err := tx.NewSelect().
			Model(existing).
			Where("?TableAlias.tenant_id = ?", tenantID).
			Limit(1).
			Scan(ctx)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if errors.Is(err, sql.ErrNoRows) {
			record.ID = uuid.NewString()
			record.CreatedAt = now
			_, err = s.repo.CreateTx(ctx, tx, record)
			return err
		}
		record.ID = existing.ID
		record.CreatedAt = existing.CreatedAt
		_, err = tx.NewUpdate().Model(record).Where("id = ?", existing.ID).Exec(ctx)
		return err
	})
}

func (s *TenantPolicyStore) get(ctx context.Context, tenantID string) (*tenantPolicyRecord, error) {
	record := &tenantPolicyRecord{}
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

const tenantPolicyCacheKeyPrefix = "go-outbound::tenant_policy::v1"

// CachedTenantPolicyStore serves policy reads through go-repository-cache and
// invalidates the entry on every write.
type CachedTenantPolicyStore struct {
	base  core.TenantPolicyStore
	cache repositorycache.CacheService
}

func NewCachedTenantPolicyStore(
	base core.TenantPolicyStore,
	cacheService repositorycache.CacheService,
) (*CachedTenantPolicyStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base tenant policy store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: tenant policy cache service is required")
	}
	return &CachedTenantPolicyStore{base: base, cache: cacheService}, nil
}

// TenantPolicyCacheKey returns go-outbound::tenant_policy::v1::<tenant> with
// the tenant segment URL-path escaped.
func TenantPolicyCacheKey(tenantID string) (string, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return "", fmt.Errorf("sqlstore: tenant id is required")
	}
	return tenantPolicyCacheKeyPrefix + "::" + url.PathEscape(tenantID), nil
}

func (s *CachedTenantPolicyStore) GetTenantPolicy(ctx context.Context, tenantID string) (core.TenantPolicy, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.TenantPolicy{}, fmt.Errorf("sqlstore: cached tenant policy store is not configured")
	}
	cacheKey, err := TenantPolicyCacheKey(tenantID)
	if err != nil {
		return core.TenantPolicy{}, err
	}
	policy, err := repositorycache.GetOrFetch(ctx, s.cache, cacheKey, func(ctx context.Context) (core.TenantPolicy, error) {
		return s.base.GetTenantPolicy(ctx, strings.TrimSpace(tenantID))
	})
	if err != nil {
		return core.TenantPolicy{}, err
	}
	return cloneTenantPolicy(policy), nil
}

func (s *CachedTenantPolicyStore) UpsertTenantPolicy(ctx context.Context, policy core.TenantPolicy) error {
	if s == nil || s.base == nil || s.cache == nil {
		return fmt.Errorf("sqlstore: cached tenant policy store is not configured")
	}
	if err := s.base.UpsertTenantPolicy(ctx, policy); err != nil {
		return err
	}
	cacheKey, err := TenantPolicyCacheKey(policy.TenantID)
	if err != nil {
		return err
	}
	return s.cache.Delete(ctx, cacheKey)
}

func cloneTenantPolicy(policy core.TenantPolicy) core.TenantPolicy {
	cloned := policy
	if policy.MaxPerHour != nil {
		value := *policy.MaxPerHour
		cloned.MaxPerHour = &value
	}
	return cloned
}

var (
	_ core.TenantPolicyStore = (*TenantPolicyStore)(nil)
	_ core.TenantPolicyStore = (*CachedTenantPolicyStore)(nil)
)
