package gojob

import (
	"context"
	"errors"
	"testing"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
	"github.com/goliatone/go-outbound/core"
	"github.com/goliatone/go-outbound/dispatch"
	"github.com/goliatone/go-outbound/policy"
	"github.com/goliatone/go-outbound/webhooks"
)

func TestProducerDeduplicatesPendingSends(t *testing.T) {
	ctx := context.Background()
	memory := NewMemoryQueue()
	producer := NewProducer(memory)

	if err := producer.EnqueueSend(ctx, "tenant-a", "m-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := producer.EnqueueSend(ctx, "tenant-a", "m-1"); err != nil {
		t.Fatalf("enqueue duplicate: %v", err)
	}
	if memory.Len() != 1 {
		t.Fatalf("expected duplicate send dropped, queue has %d", memory.Len())
	}

	delivery, err := memory.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	msg := delivery.Message()
	if msg.JobID != JobIDDispatchSend || msg.IdempotencyKey != "send:tenant-a:m-1" || msg.DedupPolicy != DedupPolicyDrop {
		t.Fatalf("unexpected message %#v", msg)
	}
	if msg.Parameters["tenant_id"] != "tenant-a" || msg.Parameters["message_id"] != "m-1" {
		t.Fatalf("unexpected parameters %#v", msg.Parameters)
	}
	if err := delivery.Ack(ctx); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := producer.EnqueueSend(ctx, "tenant-a", "m-1"); err != nil {
		t.Fatalf("enqueue after ack: %v", err)
	}
	if memory.Len() != 1 {
		t.Fatalf("expected key released after ack")
	}
	if err := producer.EnqueueSend(ctx, "", "m-1"); err == nil {
		t.Fatalf("expected missing tenant to fail")
	}
}

func TestConsumerAcksSuccessfulDispatch(t *testing.T) {
	ctx := context.Background()
	memory := NewMemoryQueue()
	processor := &stubProcessor{}
	hook := &capturingHook{}
	consumer := NewConsumer(memory, processor, nil, DefaultRetryPolicy())
	consumer.Hook = hook

	if err := NewProducer(memory).EnqueueSend(ctx, "tenant-a", "m-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := consumer.ProcessNext(ctx); err != nil {
		t.Fatalf("process next: %v", err)
	}
	if len(processor.calls) != 1 || processor.calls[0] != "tenant-a/m-1" {
		t.Fatalf("expected dispatch call, got %v", processor.calls)
	}
	if hook.successes != 1 || hook.starts != 1 {
		t.Fatalf("expected start and success hooks, got %#v", hook)
	}
}

func TestConsumerNackPolicies(t *testing.T) {
	sendMsg := &job.ExecutionMessage{
		JobID:      JobIDDispatchSend,
		Parameters: map[string]any{"tenant_id": "tenant-a", "message_id": "m-1"},
	}
	cases := []struct {
		name        string
		err         error
		disposition queue.NackDisposition
		delay       time.Duration
	}{
		{
			name:        "throttled waits out the pause",
			err:         policy.ThrottledError{TenantID: "tenant-a", Scope: "tenant_minute", RetryAfter: 10 * time.Minute},
			disposition: queue.NackDispositionRetry,
			delay:       10 * time.Minute,
		},
		{
			name:        "invariant breach is never retried",
			err:         &core.InvariantBreachError{TenantID: "tenant-a", MessageID: "m-1"},
			disposition: queue.NackDispositionDeadLetter,
		},
		{
			name:        "other errors retry after the default delay",
			err:         errors.New("database unavailable"),
			disposition: queue.NackDispositionRetry,
			delay:       DefaultRetryDelay,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			delivery := &stubDelivery{msg: sendMsg}
			consumer := NewConsumer(nil, &stubProcessor{err: tc.err}, nil, DefaultRetryPolicy())
			if err := consumer.Handle(context.Background(), delivery); err != nil {
				t.Fatalf("handle: %v", err)
			}
			if delivery.acked || !delivery.nacked {
				t.Fatalf("expected nack, got acked=%v nacked=%v", delivery.acked, delivery.nacked)
			}
			if delivery.nackOpts.Disposition != tc.disposition {
				t.Fatalf("unexpected nack %#v", delivery.nackOpts)
			}
			if delivery.nackOpts.Delay != tc.delay {
				t.Fatalf("expected delay %s, got %s", tc.delay, delivery.nackOpts.Delay)
			}
		})
	}
}

func TestConsumerHoldsReconcileUntilDue(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reconciler := &stubReconciler{}
	consumer := NewConsumer(nil, nil, reconciler, DefaultRetryPolicy())
	consumer.Now = func() time.Time { return now }

	memory := NewMemoryQueue()
	if err := NewProducer(memory).EnqueueReconcile(ctx, "evt-1", now.Add(20*time.Second)); err != nil {
		t.Fatalf("enqueue reconcile: %v", err)
	}
	raw, err := memory.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	early := &stubDelivery{msg: raw.Message()}
	if err := consumer.Handle(ctx, early); err != nil {
		t.Fatalf("handle early: %v", err)
	}
	if early.nackOpts.Disposition != queue.NackDispositionRetry || early.nackOpts.Delay != 20*time.Second || len(reconciler.calls) != 0 {
		t.Fatalf("expected held back 20s, got %#v calls=%v", early.nackOpts, reconciler.calls)
	}

	now = now.Add(time.Minute)
	due := &stubDelivery{msg: raw.Message()}
	if err := consumer.Handle(ctx, due); err != nil {
		t.Fatalf("handle due: %v", err)
	}
	if !due.acked || len(reconciler.calls) != 1 || reconciler.calls[0] != "evt-1" {
		t.Fatalf("expected reconcile and ack, got acked=%v calls=%v", due.acked, reconciler.calls)
	}
}

func TestConsumerDeadLettersUnknownJobs(t *testing.T) {
	memory := NewMemoryQueue()
	consumer := NewConsumer(memory, &stubProcessor{}, nil, DefaultRetryPolicy())
	if _, err := memory.Enqueue(context.Background(), &job.ExecutionMessage{JobID: "something.else"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := consumer.ProcessNext(context.Background()); err != nil {
		t.Fatalf("process next: %v", err)
	}
	if len(memory.DeadLetters()) != 1 {
		t.Fatalf("expected unknown job dead-lettered")
	}
}

func TestMemoryQueueRequeueIncrementsAttempt(t *testing.T) {
	ctx := context.Background()
	memory := NewMemoryQueue()
	defer memory.Close()
	if _, err := memory.Enqueue(ctx, &job.ExecutionMessage{JobID: JobIDDispatchSend}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	first, err := memory.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := first.Nack(ctx, queue.NackOptions{Disposition: queue.NackDispositionRetry}); err != nil {
		t.Fatalf("nack: %v", err)
	}
	second, err := memory.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue again: %v", err)
	}
	if second.(attempter).Attempts() != 2 {
		t.Fatalf("expected second attempt, got %d", second.(attempter).Attempts())
	}

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := memory.Dequeue(waitCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected empty queue to block until deadline, got %v", err)
	}
}

func TestRetryPolicyBoundaries(t *testing.T) {
	retry := RetryPolicy{MaxAttempts: 3, MaxDelay: 10 * time.Second, DeadLetterOnMax: true}

	out := retry.NormalizeAttempt(queue.NackOptions{Delay: 30 * time.Second, Disposition: queue.NackDispositionRetry}, 1)
	if out.Delay != 10*time.Second || out.Disposition != queue.NackDispositionRetry {
		t.Fatalf("expected bounded retry, got %#v", out)
	}
	out = retry.NormalizeAttempt(queue.NackOptions{Disposition: queue.NackDispositionRetry}, 3)
	if out.Disposition != queue.NackDispositionDeadLetter {
		t.Fatalf("expected dead letter at max attempts, got %#v", out)
	}
	out = RetryPolicy{MaxAttempts: 3}.NormalizeAttempt(queue.NackOptions{Disposition: queue.NackDispositionRetry}, 3)
	if out.Disposition != queue.NackDispositionFailed {
		t.Fatalf("expected failed at max attempts without dead letter, got %#v", out)
	}
	out = retry.NormalizeAttempt(queue.NackOptions{}, 1)
	if out.Disposition != queue.NackDispositionRetry {
		t.Fatalf("expected default retry before max attempts")
	}
	if err := queue.ValidateNackOptions(out); err != nil {
		t.Fatalf("expected normalized options to validate: %v", err)
	}
}

type stubProcessor struct {
	err   error
	calls []string
}

func (s *stubProcessor) Process(_ context.Context, tenantID string, messageID string) (dispatch.Outcome, error) {
	s.calls = append(s.calls, tenantID+"/"+messageID)
	if s.err != nil {
		return dispatch.OutcomeFailed, s.err
	}
	return dispatch.OutcomeSent, nil
}

type stubReconciler struct {
	calls []string
}

func (s *stubReconciler) Reconcile(_ context.Context, providerEventID string) (webhooks.ApplyResult, error) {
	s.calls = append(s.calls, providerEventID)
	return webhooks.ApplyResolved, nil
}

type stubDelivery struct {
	msg      *job.ExecutionMessage
	acked    bool
	nacked   bool
	nackOpts queue.NackOptions
}

func (s *stubDelivery) Message() *job.ExecutionMessage {
	return s.msg
}

func (s *stubDelivery) Ack(context.Context) error {
	s.acked = true
	return nil
}

func (s *stubDelivery) Nack(_ context.Context, opts queue.NackOptions) error {
	s.nacked = true
	s.nackOpts = opts
	return nil
}

type capturingHook struct {
	starts    int
	successes int
	retries   int
	failures  int
}

func (h *capturingHook) OnStart(context.Context, worker.Event)   { h.starts++ }
func (h *capturingHook) OnSuccess(context.Context, worker.Event) { h.successes++ }
func (h *capturingHook) OnFailure(context.Context, worker.Event) { h.failures++ }
func (h *capturingHook) OnRetry(context.Context, worker.Event)   { h.retries++ }
