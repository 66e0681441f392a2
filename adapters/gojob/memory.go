package gojob

import (
	"context"
	"strings"
	"sync"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/google/uuid"
)

// MemoryQueue is a process-local go-job queue for single-node deployments and
// tests. Pending idempotency keys are deduplicated under DedupPolicyDrop.
// Jobs are lost on restart; the sweeper re-enqueues idle QUEUED messages and
// the reconcile poller picks up due webhook events. Use NewDurableQueue when
// jobs must survive a restart.
type MemoryQueue struct {
	mu          sync.Mutex
	ready       []*memoryDelivery
	pendingKeys map[string]queue.EnqueueReceipt
	deadLetters []*job.ExecutionMessage
	signal      chan struct{}
	timers      map[*time.Timer]struct{}
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		pendingKeys: map[string]queue.EnqueueReceipt{},
		signal:      make(chan struct{}, 1),
		timers:      map[*time.Timer]struct{}{},
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, msg *job.ExecutionMessage) (queue.EnqueueReceipt, error) {
	if err := queue.ValidateRequiredMessage(msg); err != nil {
		return queue.EnqueueReceipt{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	key := strings.TrimSpace(msg.IdempotencyKey)
	if key != "" && msg.DedupPolicy == DedupPolicyDrop {
		if pending, ok := q.pendingKeys[key]; ok {
			return pending, nil
		}
	}
	receipt := queue.EnqueueReceipt{DispatchID: uuid.NewString(), EnqueuedAt: time.Now().UTC()}
	if key != "" && msg.DedupPolicy == DedupPolicyDrop {
		q.pendingKeys[key] = receipt
	}
	q.pushLocked(&memoryDelivery{queue: q, msg: msg, attempts: 1})
	return receipt, nil
}

// Dequeue blocks until a job is ready or ctx is done.
func (q *MemoryQueue) Dequeue(ctx context.Context) (queue.Delivery, error) {
	for {
		q.mu.Lock()
		if len(q.ready) > 0 {
			next := q.ready[0]
			q.ready = q.ready[1:]
			if len(q.ready) > 0 {
				q.notifyLocked()
			}
			q.mu.Unlock()
			return next, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		}
	}
}

// Len reports jobs ready for delivery.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

func (q *MemoryQueue) DeadLetters() []*job.ExecutionMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*job.ExecutionMessage(nil), q.deadLetters...)
}

// Close stops pending delayed redeliveries.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for timer := range q.timers {
		timer.Stop()
	}
	q.timers = map[*time.Timer]struct{}{}
}

func (q *MemoryQueue) pushLocked(delivery *memoryDelivery) {
	q.ready = append(q.ready, delivery)
	q.notifyLocked()
}

func (q *MemoryQueue) notifyLocked() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) release(msg *job.ExecutionMessage) {
	if key := strings.TrimSpace(msg.IdempotencyKey); key != "" {
		delete(q.pendingKeys, key)
	}
}

func (q *MemoryQueue) requeue(delivery *memoryDelivery, delay time.Duration) {
	next := &memoryDelivery{queue: q, msg: delivery.msg, attempts: delivery.attempts + 1}
	q.mu.Lock()
	defer q.mu.Unlock()
	if delay <= 0 {
		q.pushLocked(next)
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.timers, timer)
		q.pushLocked(next)
	})
	q.timers[timer] = struct{}{}
}

type memoryDelivery struct {
	queue    *MemoryQueue
	msg      *job.ExecutionMessage
	attempts int
	once     sync.Once
}

func (d *memoryDelivery) Message() *job.ExecutionMessage {
	return d.msg
}

func (d *memoryDelivery) Attempts() int {
	return d.attempts
}

func (d *memoryDelivery) Ack(context.Context) error {
	d.once.Do(func() {
		d.queue.mu.Lock()
		defer d.queue.mu.Unlock()
		d.queue.release(d.msg)
	})
	return nil
}

func (d *memoryDelivery) Nack(_ context.Context, opts queue.NackOptions) error {
	if err := queue.ValidateNackOptions(opts); err != nil {
		return err
	}
	d.once.Do(func() {
		if opts.Disposition == queue.NackDispositionRetry {
			d.queue.requeue(d, opts.Delay)
			return
		}
		d.queue.mu.Lock()
		defer d.queue.mu.Unlock()
		d.queue.release(d.msg)
		if opts.Disposition == queue.NackDispositionDeadLetter {
			d.queue.deadLetters = append(d.queue.deadLetters, d.msg)
		}
	})
	return nil
}

var (
	_ queue.Enqueuer = (*MemoryQueue)(nil)
	_ queue.Dequeuer = (*MemoryQueue)(nil)
	_ queue.Delivery = (*memoryDelivery)(nil)
)
