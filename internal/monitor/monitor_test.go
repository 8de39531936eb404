package monitor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nivoda/diamond-ingest/internal/models"
	"github.com/nivoda/diamond-ingest/internal/queue"
)

type fakeStore struct {
	stalled    []models.Partition
	retryable  []models.Partition
	stallCalls int
	retryCalls int
	stallErr   error
	retryErr   error
}

func (s *fakeStore) StallRunningPartitions(ctx context.Context, stallThreshold time.Duration) ([]models.Partition, error) {
	s.stallCalls++
	return s.stalled, s.stallErr
}

func (s *fakeStore) ClaimRetryablePartitions(ctx context.Context, maxRetries int, baseBackoff time.Duration) ([]models.Partition, error) {
	s.retryCalls++
	return s.retryable, s.retryErr
}

func TestSweepReenqueuesRetryablePartitions(t *testing.T) {
	payload, _ := json.Marshal(queue.WorkItem{RunID: "run-1", PartitionID: 2, MinPrice: 100, MaxPrice: 200, Offset: 0})
	store := &fakeStore{
		retryable: []models.Partition{
			{RunID: "run-1", PartitionID: 2, MinPrice: 100, MaxPrice: 200, NextOffset: 40, WorkItemPayload: payload},
		},
	}
	q := queue.NewMemoryQueue()
	m := New(store, q, DefaultConfig())

	if err := m.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	var got queue.WorkItem
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = q.Subscribe(ctx, queue.SubjectWorkItems, "test", func(ctx context.Context, d queue.Delivery) error {
			_ = json.Unmarshal(d.Data, &got)
			return d.Ack()
		})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	if got.RunID != "run-1" || got.PartitionID != 2 {
		t.Fatalf("expected the stored work item to be republished, got %+v", got)
	}
	if got.Offset != 40 {
		t.Fatalf("expected the re-enqueued offset to be the preserved next_offset (40), got %d", got.Offset)
	}
}

func TestSweepCallsBothStallAndRetryPasses(t *testing.T) {
	store := &fakeStore{}
	q := queue.NewMemoryQueue()
	m := New(store, q, DefaultConfig())

	if err := m.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if store.stallCalls != 1 || store.retryCalls != 1 {
		t.Fatalf("expected one call each, got stall=%d retry=%d", store.stallCalls, store.retryCalls)
	}
}

func TestSweepPropagatesStallError(t *testing.T) {
	store := &fakeStore{stallErr: context.DeadlineExceeded}
	q := queue.NewMemoryQueue()
	m := New(store, q, DefaultConfig())

	if err := m.Sweep(context.Background()); err == nil {
		t.Fatal("expected Sweep to surface a stall-pass error")
	}
}

func TestReenqueueHandlesMissingPayload(t *testing.T) {
	store := &fakeStore{
		retryable: []models.Partition{
			{RunID: "run-2", PartitionID: 0, MinPrice: 0, MaxPrice: 50, NextOffset: 10},
		},
	}
	q := queue.NewMemoryQueue()
	m := New(store, q, DefaultConfig())

	if err := m.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	var got queue.WorkItem
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = q.Subscribe(ctx, queue.SubjectWorkItems, "test", func(ctx context.Context, d queue.Delivery) error {
			_ = json.Unmarshal(d.Data, &got)
			return d.Ack()
		})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	if got.RunID != "run-2" || got.Offset != 10 {
		t.Fatalf("expected a reconstructed work item from the partition row, got %+v", got)
	}
}
