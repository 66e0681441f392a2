package gojob

import (
	"context"
	"fmt"
	"strings"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-outbound/core"
)

const (
	JobIDDispatchSend = "outbound.dispatch.send"
	JobIDReconcile    = "outbound.reconcile.event"

	// DedupPolicyDrop discards an enqueue whose idempotency key is already
	// pending.
	DedupPolicyDrop = job.DedupPolicyDrop

	paramTenantID        = "tenant_id"
	paramMessageID       = "message_id"
	paramProviderEventID = "provider_event_id"
	paramNotBefore       = "not_before"
)

// Producer publishes dispatch and reconcile jobs onto a go-job queue.
type Producer struct {
	enqueuer queue.Enqueuer
}

func NewProducer(enqueuer queue.Enqueuer) *Producer {
	return &Producer{enqueuer: enqueuer}
}

// EnqueueSend requests one dispatch attempt. Duplicate requests for the same
// message collapse on the idempotency key; the dispatcher is idempotent
// either way.
func (p *Producer) EnqueueSend(ctx context.Context, tenantID string, messageID string) error {
	tenantID = strings.TrimSpace(tenantID)
	messageID = strings.TrimSpace(messageID)
	if tenantID == "" || messageID == "" {
		return fmt.Errorf("gojob: tenant id and message id are required")
	}
	return p.enqueue(ctx, &job.ExecutionMessage{
		JobID:      JobIDDispatchSend,
		ScriptPath: JobIDDispatchSend,
		Parameters: map[string]any{
			paramTenantID:  tenantID,
			paramMessageID: messageID,
		},
		IdempotencyKey: SendIdempotencyKey(tenantID, messageID),
		DedupPolicy:    DedupPolicyDrop,
	})
}

// EnqueueReconcile schedules a reconcile attempt. The consumer holds the job
// back until notBefore.
func (p *Producer) EnqueueReconcile(ctx context.Context, providerEventID string, notBefore time.Time) error {
	providerEventID = strings.TrimSpace(providerEventID)
	if providerEventID == "" {
		return fmt.Errorf("gojob: provider event id is required")
	}
	parameters := map[string]any{paramProviderEventID: providerEventID}
	if !notBefore.IsZero() {
		parameters[paramNotBefore] = notBefore.UTC().Format(time.RFC3339Nano)
	}
	return p.enqueue(ctx, &job.ExecutionMessage{
		JobID:          JobIDReconcile,
		ScriptPath:     JobIDReconcile,
		Parameters:     parameters,
		IdempotencyKey: fmt.Sprintf("reconcile:%s:%d", providerEventID, notBefore.Unix()),
		DedupPolicy:    DedupPolicyDrop,
	})
}

func (p *Producer) enqueue(ctx context.Context, msg *job.ExecutionMessage) error {
	if p == nil || p.enqueuer == nil {
		return fmt.Errorf("gojob: enqueuer is not configured")
	}
	_, err := p.enqueuer.Enqueue(ctx, msg)
	return err
}

func SendIdempotencyKey(tenantID string, messageID string) string {
	return "send:" + strings.TrimSpace(tenantID) + ":" + strings.TrimSpace(messageID)
}

var (
	_ core.SendEnqueuer      = (*Producer)(nil)
	_ core.ReconcileEnqueuer = (*Producer)(nil)
)
