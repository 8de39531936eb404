package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nivoda/diamond-ingest/internal/adapter"
	"github.com/nivoda/diamond-ingest/internal/models"
	"github.com/nivoda/diamond-ingest/internal/queue"
	"github.com/nivoda/diamond-ingest/internal/ratelimit"
)

type stubQuery struct{}

func (stubQuery) WithPriceRange(min, max float64) adapter.Query { return stubQuery{} }

// fakeAdapter serves a fixed universe of rows, paginated by offset/limit;
// the fatal flag makes Search return a FatalError instead for tests
// exercising the failure path.
type fakeAdapter struct {
	total       int
	maxPageSize int
	fatal       error
}

func (a *fakeAdapter) Count(ctx context.Context, q adapter.Query) (int, error) { return a.total, nil }

func (a *fakeAdapter) Search(ctx context.Context, q adapter.Query, offset, limit int) (adapter.SearchResult, error) {
	if a.fatal != nil {
		return adapter.SearchResult{}, a.fatal
	}
	if offset >= a.total {
		return adapter.SearchResult{Items: nil, TotalCount: a.total}, nil
	}
	end := offset + limit
	if end > a.total {
		end = a.total
	}
	items := make([]adapter.Item, 0, end-offset)
	for i := offset; i < end; i++ {
		items = append(items, adapter.Item{"supplier_stone_id": fmt.Sprintf("row-%d", i), "offer_id": fmt.Sprintf("offer-%d", i)})
	}
	return adapter.SearchResult{Items: items, TotalCount: a.total}, nil
}

func (a *fakeAdapter) ExtractIdentity(item adapter.Item) (adapter.Identity, error) {
	id, _ := item["supplier_stone_id"].(string)
	payload, _ := json.Marshal(item)
	return adapter.Identity{SupplierStoneID: id, OfferID: item["offer_id"].(string), Payload: payload, SourceUpdatedAt: time.Now()}, nil
}

func (a *fakeAdapter) MapRawToCanonical(payload []byte) (adapter.CanonicalFields, error) {
	return adapter.CanonicalFields{}, nil
}

func (a *fakeAdapter) BuildBaseQuery(updatedFrom, updatedTo time.Time) adapter.Query {
	return stubQuery{}
}

func (a *fakeAdapter) MaxPageSize() int {
	if a.maxPageSize == 0 {
		return 10
	}
	return a.maxPageSize
}

// fakePartitionStore is an in-memory PartitionStore recording calls for
// assertions.
type fakePartitionStore struct {
	mu         sync.Mutex
	partitions map[int]models.Partition
	runs       map[string]models.Run
	rawRows    []models.RawRow
	failed     map[int]string
}

func newFakePartitionStore(runID string, expectedWorkers int, p models.Partition) *fakePartitionStore {
	return &fakePartitionStore{
		partitions: map[int]models.Partition{p.PartitionID: p},
		runs:       map[string]models.Run{runID: {RunID: runID, ExpectedWorkers: expectedWorkers}},
		failed:     make(map[int]string),
	}
}

func (s *fakePartitionStore) GetPartition(ctx context.Context, runID string, partitionID int) (models.Partition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partitions[partitionID], nil
}

func (s *fakePartitionStore) MarkPartitionRunning(ctx context.Context, runID string, partitionID int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.partitions[partitionID]
	p.Status = models.PartitionRunning
	s.partitions[partitionID] = p
	return true, nil
}

func (s *fakePartitionStore) AdvanceOffset(ctx context.Context, runID string, partitionID int, newOffset int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.partitions[partitionID]
	if newOffset > p.NextOffset {
		p.NextOffset = newOffset
	}
	s.partitions[partitionID] = p
	return nil
}

func (s *fakePartitionStore) CompletePartition(ctx context.Context, runID string, partitionID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.partitions[partitionID]
	p.Status = models.PartitionCompleted
	s.partitions[partitionID] = p
	return nil
}

func (s *fakePartitionStore) FailPartition(ctx context.Context, runID string, partitionID int, errMsg string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.partitions[partitionID]
	p.Status = models.PartitionFailed
	p.ErrorMessage = errMsg
	p.WorkItemPayload = payload
	s.partitions[partitionID] = p
	s.failed[partitionID] = errMsg
	return nil
}

func (s *fakePartitionStore) UpsertRawRows(ctx context.Context, rows []models.RawRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rawRows = append(s.rawRows, rows...)
	return nil
}

func (s *fakePartitionStore) LogPartitionError(ctx context.Context, runID string, partitionID int, errorHash, errMsg string, payload []byte) error {
	return nil
}

func (s *fakePartitionStore) RecordPartitionOutcome(ctx context.Context, runID string, success bool) (models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run := s.runs[runID]
	if success {
		run.CompletedWorkers++
	} else {
		run.FailedWorkers++
	}
	s.runs[runID] = run
	return run, nil
}

type unlimitedRateStore struct{}

func (unlimitedRateStore) ClaimWindowSlot(ctx context.Context, key string, windowStart time.Time, n int) (bool, error) {
	return true, nil
}

func newUnlimitedLimiter() *ratelimit.Limiter {
	return ratelimit.New(unlimitedRateStore{}, "test", ratelimit.Config{
		N: 1000000, Window: time.Second, MaxWait: time.Second, BaseDelay: time.Millisecond,
	})
}

func TestHandleWorkItemCompletesWhenAllPagesFitInOneMessage(t *testing.T) {
	a := &fakeAdapter{total: 25, maxPageSize: 10}
	store := newFakePartitionStore("run-1", 1, models.Partition{RunID: "run-1", PartitionID: 0, TotalRecords: 25, Status: models.PartitionPending})
	q := queue.NewMemoryQueue()

	w := New(store, q, newUnlimitedLimiter(), a, "demo", DefaultConfig())
	item := queue.WorkItem{RunID: "run-1", PartitionID: 0, Feed: "demo", MinPrice: 0, MaxPrice: 100, Offset: 0}

	if err := w.HandleWorkItem(context.Background(), item); err != nil {
		t.Fatalf("HandleWorkItem: %v", err)
	}

	store.mu.Lock()
	p := store.partitions[0]
	store.mu.Unlock()
	if p.Status != models.PartitionCompleted {
		t.Fatalf("expected partition completed, got %s", p.Status)
	}
	if len(store.rawRows) != 25 {
		t.Fatalf("expected 25 raw rows upserted, got %d", len(store.rawRows))
	}
}

func TestHandleWorkItemHandsOffContinuationAfterPageBudget(t *testing.T) {
	a := &fakeAdapter{total: 1000, maxPageSize: 10}
	store := newFakePartitionStore("run-1", 1, models.Partition{RunID: "run-1", PartitionID: 0, TotalRecords: 1000, Status: models.PartitionPending})
	q := queue.NewMemoryQueue()

	cfg := Config{PagesPerContinuation: 3, PageSize: 10}
	w := New(store, q, newUnlimitedLimiter(), a, "demo", cfg)
	item := queue.WorkItem{RunID: "run-1", PartitionID: 0, Feed: "demo", MinPrice: 0, MaxPrice: 2000, Offset: 0}

	if err := w.HandleWorkItem(context.Background(), item); err != nil {
		t.Fatalf("HandleWorkItem: %v", err)
	}

	store.mu.Lock()
	p := store.partitions[0]
	store.mu.Unlock()
	if p.Status == models.PartitionCompleted {
		t.Fatal("expected partition still in progress after a continuation handoff")
	}
	if p.NextOffset != 30 {
		t.Fatalf("expected offset advanced to 30 after 3 pages of 10, got %d", p.NextOffset)
	}

	seenContinuation := false
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = q.Subscribe(ctx, queue.SubjectWorkItems, "test", func(ctx context.Context, d queue.Delivery) error {
			var w queue.WorkItem
			_ = json.Unmarshal(d.Data, &w)
			if w.Offset == 30 {
				seenContinuation = true
			}
			return d.Ack()
		})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	if !seenContinuation {
		t.Fatal("expected a continuation work item at offset 30")
	}
}

func TestHandleWorkItemFailsPartitionOnFatalError(t *testing.T) {
	a := &fakeAdapter{total: 25, maxPageSize: 10, fatal: &adapter.FatalError{Cause: fmt.Errorf("bad request")}}
	store := newFakePartitionStore("run-1", 1, models.Partition{RunID: "run-1", PartitionID: 0, TotalRecords: 25, Status: models.PartitionPending})
	q := queue.NewMemoryQueue()

	w := New(store, q, newUnlimitedLimiter(), a, "demo", DefaultConfig())
	item := queue.WorkItem{RunID: "run-1", PartitionID: 0, Feed: "demo", Offset: 0}

	if err := w.HandleWorkItem(context.Background(), item); err != nil {
		t.Fatalf("HandleWorkItem should absorb a fatal error into a failed partition, got err: %v", err)
	}

	store.mu.Lock()
	p := store.partitions[0]
	store.mu.Unlock()
	if p.Status != models.PartitionFailed {
		t.Fatalf("expected partition failed, got %s", p.Status)
	}
}

func TestHandleWorkItemSkipsAlreadyTerminalPartition(t *testing.T) {
	a := &fakeAdapter{total: 25}
	store := newFakePartitionStore("run-1", 1, models.Partition{RunID: "run-1", PartitionID: 0, TotalRecords: 25, Status: models.PartitionCompleted})
	q := queue.NewMemoryQueue()

	w := New(store, q, newUnlimitedLimiter(), a, "demo", DefaultConfig())
	item := queue.WorkItem{RunID: "run-1", PartitionID: 0, Offset: 0}

	if err := w.HandleWorkItem(context.Background(), item); err != nil {
		t.Fatalf("HandleWorkItem: %v", err)
	}
	if len(store.rawRows) != 0 {
		t.Fatal("expected no work to be done for an already-completed partition")
	}
}
