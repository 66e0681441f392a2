package gojob

import (
	"context"
	"errors"
	"testing"

	"github.com/goliatone/go-outbound/store/sql/sqlitetest"
)

func TestDurableQueueKeepsJobsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	db := sqlitetest.NewClient(t).DB().DB

	first, err := NewDurableQueue(ctx, db, DurableQueueOptions{Driver: "sqlite3"})
	if err != nil {
		t.Fatalf("new durable queue: %v", err)
	}
	if err := NewProducer(first).EnqueueSend(ctx, "tenant-a", "m-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	restarted, err := NewDurableQueue(ctx, db, DurableQueueOptions{Driver: "sqlite3"})
	if err != nil {
		t.Fatalf("reopen durable queue: %v", err)
	}
	processor := &stubProcessor{}
	consumer := NewConsumer(restarted, processor, nil, DefaultRetryPolicy())
	if err := consumer.ProcessNext(ctx); err != nil {
		t.Fatalf("process next: %v", err)
	}
	if len(processor.calls) != 1 || processor.calls[0] != "tenant-a/m-1" {
		t.Fatalf("expected the job to survive the restart, got %v", processor.calls)
	}

	delivery, err := restarted.Dequeue(ctx)
	if err != nil || delivery != nil {
		t.Fatalf("expected acked job removed, got %v %v", delivery, err)
	}
}

func TestDurableQueueHoldsRetriedJobsUntilDue(t *testing.T) {
	ctx := context.Background()
	db := sqlitetest.NewClient(t).DB().DB
	durable, err := NewDurableQueue(ctx, db, DurableQueueOptions{Driver: "sqlite3"})
	if err != nil {
		t.Fatalf("new durable queue: %v", err)
	}
	if err := NewProducer(durable).EnqueueSend(ctx, "tenant-a", "m-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	processor := &stubProcessor{err: errors.New("database unavailable")}
	consumer := NewConsumer(durable, processor, nil, DefaultRetryPolicy())
	if err := consumer.ProcessNext(ctx); err != nil {
		t.Fatalf("process next: %v", err)
	}
	if len(processor.calls) != 1 {
		t.Fatalf("expected one attempt, got %v", processor.calls)
	}

	delivery, err := durable.Dequeue(ctx)
	if err != nil || delivery != nil {
		t.Fatalf("expected retry held back by its delay, got %v %v", delivery, err)
	}
}

func TestNewDurableQueueRejectsUnknownDriver(t *testing.T) {
	db := sqlitetest.NewClient(t).DB().DB
	if _, err := NewDurableQueue(context.Background(), db, DurableQueueOptions{Driver: "mysql"}); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
	if _, err := NewDurableQueue(context.Background(), nil, DurableQueueOptions{}); err == nil {
		t.Fatalf("expected missing database error")
	}
}
