package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-outbound/core"
	"github.com/uptrace/bun"
)

// OperatorReader answers the read-only operator queries. It never writes.
type OperatorReader struct {
	db *bun.DB
}

func NewOperatorReader(db *bun.DB) (*OperatorReader, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &OperatorReader{db: db}, nil
}

func (r *OperatorReader) ListRecentMessages(ctx context.Context, tenantID string, limit int) ([]core.Message, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("sqlstore: operator reader is not configured")
	}
	limit = clampLimit(limit)
	records := make([]*messageRecord, 0, limit)
	query := r.db.NewSelect().Model(&records)
	if tenantID = strings.TrimSpace(tenantID); tenantID != "" {
		query = query.Where("?TableAlias.tenant_id = ?", tenantID)
	}
	if err := query.OrderExpr("?TableAlias.updated_at DESC").Limit(limit).Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]core.Message, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func (r *OperatorReader) ListRecentWebhookEvents(ctx context.Context, limit int) ([]core.WebhookEvent, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("sqlstore: operator reader is not configured")
	}
	limit = clampLimit(limit)
	records := make([]*webhookEventRecord, 0, limit)
	if err := r.db.NewSelect().
		Model(&records).
		OrderExpr("?TableAlias.received_at DESC").
		Limit(limit).
		Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]core.WebhookEvent, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

type rollupRow struct {
	Status        string `bun:"status"`
	DeliveryState string `bun:"delivery_state"`
	Total         int    `bun:"total"`
}

// SendRollup groups messages updated since the cutoff by status and delivery
// state.
func (r *OperatorReader) SendRollup(ctx context.Context, tenantID string, since time.Time) (core.SendRollup, error) {
	if r == nil || r.db == nil {
		return core.SendRollup{}, fmt.Errorf("sqlstore: operator reader is not configured")
	}
	tenantID = strings.TrimSpace(tenantID)
	query := `SELECT status, COALESCE(delivery_state, '') AS delivery_state, COUNT(*) AS total
		FROM outbound_messages WHERE updated_at >= ?`
	args := []any{since.UTC()}
	if tenantID != "" {
		query += " AND tenant_id = ?"
		args = append(args, tenantID)
	}
	query += " GROUP BY status, delivery_state"

	var rows []rollupRow
	if err := r.db.NewRaw(query, args...).Scan(ctx, &rows); err != nil {
		return core.SendRollup{}, err
	}
	rollup := core.SendRollup{
		TenantID:        tenantID,
		Since:           since.UTC(),
		ByStatus:        map[core.MessageStatus]int{},
		ByDeliveryState: map[core.DeliveryState]int{},
	}
	for _, row := range rows {
		rollup.Total += row.Total
		rollup.ByStatus[core.MessageStatus(row.Status)] += row.Total
		if row.DeliveryState != "" {
			rollup.ByDeliveryState[core.DeliveryState(row.DeliveryState)] += row.Total
		}
	}
	return rollup, nil
}

// ListSentWithoutProviderID finds rows that break the provider id invariant.
// CompleteSend never writes one; rows written by other tools or manual fixes
// can.
func (r *OperatorReader) ListSentWithoutProviderID(ctx context.Context, limit int) ([]core.Message, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("sqlstore: operator reader is not configured")
	}
	limit = clampLimit(limit)
	records := make([]*messageRecord, 0, limit)
	if err := r.db.NewSelect().
		Model(&records).
		Where("?TableAlias.delivery_state = ?", string(core.DeliveryStateSent)).
		Where("?TableAlias.provider_message_id IS NULL").
		OrderExpr("?TableAlias.updated_at DESC").
		Limit(limit).
		Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]core.Message, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}

var _ core.OperatorReader = (*OperatorReader)(nil)
