package gojob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
	"github.com/goliatone/go-outbound/core"
	"github.com/goliatone/go-outbound/dispatch"
	"github.com/goliatone/go-outbound/policy"
	"github.com/goliatone/go-outbound/webhooks"
)

const (
	DefaultRetryDelay   = 30 * time.Second
	DefaultPollInterval = time.Second
	dequeueErrorBackoff = time.Second
)

type SendProcessor interface {
	Process(ctx context.Context, tenantID string, messageID string) (dispatch.Outcome, error)
}

type EventReconciler interface {
	Reconcile(ctx context.Context, providerEventID string) (webhooks.ApplyResult, error)
}

// attempter is implemented by deliveries that know their delivery count,
// such as the go-job postgres adapter and MemoryQueue.
type attempter interface {
	Attempts() int
}

// Consumer pulls dispatch and reconcile jobs and runs them. Every delivery is
// acked or nacked exactly once.
type Consumer struct {
	Dequeuer   queue.Dequeuer
	Dispatch   SendProcessor
	Reconcile  EventReconciler
	Retry      RetryPolicy
	RetryDelay time.Duration
	// PollInterval is the wait after an empty dequeue. Durable backends
	// return immediately when nothing is due.
	PollInterval time.Duration
	Hook         worker.Hook
	Logger       job.Logger
	Now          func() time.Time
	Observer     *core.Observer
}

func NewConsumer(dequeuer queue.Dequeuer, dispatcher SendProcessor, reconciler EventReconciler, retry RetryPolicy) *Consumer {
	return &Consumer{
		Dequeuer:     dequeuer,
		Dispatch:     dispatcher,
		Reconcile:    reconciler,
		Retry:        retry,
		RetryDelay:   DefaultRetryDelay,
		PollInterval: DefaultPollInterval,
		Now:          func() time.Time { return time.Now().UTC() },
	}
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	if c == nil || c.Dequeuer == nil {
		return fmt.Errorf("gojob: dequeuer is not configured")
	}
	if c.Logger != nil {
		c.Logger.Info("outbound consumer started", "jobs", []string{JobIDDispatchSend, JobIDReconcile})
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		handled, err := c.processNext(ctx)
		wait := time.Duration(0)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.Observer.Error(ctx, "consume job failed", map[string]any{"error": err.Error()})
			wait = dequeueErrorBackoff
		case !handled:
			wait = c.pollInterval()
		}
		if wait <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// ProcessNext dequeues and handles one delivery. It returns nil when nothing
// was due.
func (c *Consumer) ProcessNext(ctx context.Context) error {
	_, err := c.processNext(ctx)
	return err
}

func (c *Consumer) processNext(ctx context.Context) (bool, error) {
	delivery, err := c.Dequeuer.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if delivery == nil {
		return false, nil
	}
	return true, c.Handle(ctx, delivery)
}

func (c *Consumer) Handle(ctx context.Context, delivery queue.Delivery) error {
	msg := delivery.Message()
	attempt := 1
	if counted, ok := delivery.(attempter); ok && counted.Attempts() > 0 {
		attempt = counted.Attempts()
	}
	event := worker.Event{Message: msg, Delivery: delivery, Attempt: attempt, StartedAt: c.now()}
	c.hook(ctx, "start", event)

	if msg == nil {
		return c.nack(ctx, delivery, event, queue.NackOptions{Disposition: queue.NackDispositionDeadLetter, Reason: "empty message"}, nil)
	}

	var (
		runErr error
		nack   *queue.NackOptions
	)
	switch strings.TrimSpace(msg.JobID) {
	case JobIDDispatchSend:
		nack, runErr = c.handleSend(ctx, msg)
	case JobIDReconcile:
		nack, runErr = c.handleReconcile(ctx, msg)
	default:
		nack = &queue.NackOptions{Disposition: queue.NackDispositionDeadLetter, Reason: "unknown job " + msg.JobID}
	}
	event.Duration = time.Since(event.StartedAt)
	if nack != nil {
		return c.nack(ctx, delivery, event, *nack, runErr)
	}
	if err := delivery.Ack(ctx); err != nil {
		return err
	}
	c.hook(ctx, "success", event)
	return nil
}

func (c *Consumer) handleSend(ctx context.Context, msg *job.ExecutionMessage) (*queue.NackOptions, error) {
	tenantID := stringParam(msg.Parameters, paramTenantID)
	messageID := stringParam(msg.Parameters, paramMessageID)
	if tenantID == "" || messageID == "" || c.Dispatch == nil {
		return &queue.NackOptions{Disposition: queue.NackDispositionDeadLetter, Reason: "invalid dispatch job"}, nil
	}
	outcome, err := c.Dispatch.Process(ctx, tenantID, messageID)
	if err == nil {
		return nil, nil
	}

	var throttled policy.ThrottledError
	switch {
	case errors.As(err, &throttled):
		return &queue.NackOptions{Disposition: queue.NackDispositionRetry, Delay: throttled.RetryAfter, Reason: string(outcome)}, err
	case errors.Is(err, core.ErrInvariantBreach):
		return &queue.NackOptions{Disposition: queue.NackDispositionDeadLetter, Reason: string(outcome)}, err
	default:
		return &queue.NackOptions{Disposition: queue.NackDispositionRetry, Delay: c.retryDelay(), Reason: err.Error()}, err
	}
}

func (c *Consumer) handleReconcile(ctx context.Context, msg *job.ExecutionMessage) (*queue.NackOptions, error) {
	providerEventID := stringParam(msg.Parameters, paramProviderEventID)
	if providerEventID == "" || c.Reconcile == nil {
		return &queue.NackOptions{Disposition: queue.NackDispositionDeadLetter, Reason: "invalid reconcile job"}, nil
	}
	if raw := stringParam(msg.Parameters, paramNotBefore); raw != "" {
		if notBefore, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			if wait := notBefore.Sub(c.now()); wait > 0 {
				return &queue.NackOptions{Disposition: queue.NackDispositionRetry, Delay: wait, Reason: "not due"}, nil
			}
		}
	}
	if _, err := c.Reconcile.Reconcile(ctx, providerEventID); err != nil {
		if errors.Is(err, core.ErrWebhookEventNotFound) {
			return &queue.NackOptions{Disposition: queue.NackDispositionDeadLetter, Reason: "webhook event not found"}, err
		}
		return &queue.NackOptions{Disposition: queue.NackDispositionRetry, Delay: c.retryDelay(), Reason: err.Error()}, err
	}
	return nil, nil
}

func (c *Consumer) nack(ctx context.Context, delivery queue.Delivery, event worker.Event, opts queue.NackOptions, cause error) error {
	normalized := c.Retry.NormalizeAttempt(opts, event.Attempt)
	if err := delivery.Nack(ctx, normalized); err != nil {
		return err
	}
	event.Delay = normalized.Delay
	event.Err = cause
	if event.Err == nil {
		event.Err = errors.New(normalized.Reason)
	}
	if normalized.Disposition == queue.NackDispositionRetry {
		c.hook(ctx, "retry", event)
	} else {
		c.hook(ctx, "failure", event)
	}
	return nil
}

func (c *Consumer) hook(ctx context.Context, stage string, event worker.Event) {
	jobID := ""
	if event.Message != nil {
		jobID = event.Message.JobID
	}
	fields := map[string]any{"job_id": jobID, "attempt": event.Attempt}
	switch stage {
	case "start":
		c.Observer.Debug(ctx, "job started", fields)
	case "success":
		c.Observer.Count(ctx, "queue.ack", map[string]string{"job_id": jobID})
	case "retry":
		fields["delay"] = event.Delay.String()
		c.Observer.Count(ctx, "queue.retry", map[string]string{"job_id": jobID})
		c.Observer.Debug(ctx, "job requeued", fields)
	case "failure":
		fields["error"] = fmt.Sprint(event.Err)
		c.Observer.Count(ctx, "queue.dead_letter", map[string]string{"job_id": jobID})
		c.Observer.Warn(ctx, "job dead-lettered", fields)
	}

	if c.Hook == nil {
		return
	}
	switch stage {
	case "start":
		c.Hook.OnStart(ctx, event)
	case "success":
		c.Hook.OnSuccess(ctx, event)
	case "retry":
		c.Hook.OnRetry(ctx, event)
	case "failure":
		c.Hook.OnFailure(ctx, event)
	}
}

func (c *Consumer) retryDelay() time.Duration {
	if c.RetryDelay > 0 {
		return c.RetryDelay
	}
	return DefaultRetryDelay
}

func (c *Consumer) pollInterval() time.Duration {
	if c.PollInterval > 0 {
		return c.PollInterval
	}
	return DefaultPollInterval
}

func (c *Consumer) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

func stringParam(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	value, ok := params[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}
