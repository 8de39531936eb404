package queue

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryQueuePublishSubscribeRoundTrip(t *testing.T) {
	q := NewMemoryQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var received int32
	go func() {
		_ = q.Subscribe(ctx, SubjectWorkItems, "worker", func(ctx context.Context, d Delivery) error {
			var w WorkItem
			if err := json.Unmarshal(d.Data, &w); err != nil {
				t.Errorf("unmarshal: %v", err)
			}
			atomic.AddInt32(&received, 1)
			return d.Ack()
		})
	}()

	w := WorkItem{RunID: "run1", PartitionID: 3, Feed: "demo", Offset: 0}
	if err := PublishWorkItem(ctx, q, w); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&received) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if atomic.LoadInt32(&received) != 1 {
		t.Fatalf("expected 1 message delivered, got %d", received)
	}
}

func TestMemoryQueueDedupsByMessageID(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	w := WorkItem{RunID: "run1", PartitionID: 1, Offset: 50}
	if err := PublishWorkItem(ctx, q, w); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if err := PublishWorkItem(ctx, q, w); err != nil {
		t.Fatalf("second publish: %v", err)
	}

	q.mu.Lock()
	n := len(q.queues[SubjectWorkItems])
	q.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected exactly one queued message after duplicate publish, got %d", n)
	}
}

func TestMemoryQueueHandlerErrorRequeues(t *testing.T) {
	q := NewMemoryQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts int32
	done := make(chan struct{})
	go func() {
		_ = q.Subscribe(ctx, SubjectWorkDone, "consolidator", func(ctx context.Context, d Delivery) error {
			n := atomic.AddInt32(&attempts, 1)
			if n == 1 {
				return context.DeadlineExceeded
			}
			close(done)
			return d.Ack()
		})
	}()

	if err := PublishWorkDone(ctx, q, WorkDone{RunID: "run9", PartitionID: 2, Outcome: WorkDoneFailed}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected message to be redelivered after handler error")
	}
	if atomic.LoadInt32(&attempts) != 2 {
		t.Fatalf("expected exactly 2 delivery attempts, got %d", attempts)
	}
}

func TestMessageIDsAreDeterministic(t *testing.T) {
	w := WorkItem{RunID: "r", PartitionID: 5, Offset: 100}
	if w.MessageID() != "r:5:100" {
		t.Fatalf("unexpected message id: %s", w.MessageID())
	}
	if w.MessageID() != (WorkItem{RunID: "r", PartitionID: 5, Offset: 100}).MessageID() {
		t.Fatalf("message id must be pure/deterministic")
	}
}
