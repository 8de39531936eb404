package consolidator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nivoda/diamond-ingest/internal/adapter"
	"github.com/nivoda/diamond-ingest/internal/models"
	"github.com/nivoda/diamond-ingest/internal/watermark"
)

type fakeAdapter struct{}

func (fakeAdapter) Count(ctx context.Context, q adapter.Query) (int, error) { return 0, nil }
func (fakeAdapter) Search(ctx context.Context, q adapter.Query, offset, limit int) (adapter.SearchResult, error) {
	return adapter.SearchResult{}, nil
}
func (fakeAdapter) ExtractIdentity(item adapter.Item) (adapter.Identity, error) {
	return adapter.Identity{}, nil
}
func (fakeAdapter) MapRawToCanonical(payload []byte) (adapter.CanonicalFields, error) {
	var f adapter.CanonicalFields
	if err := json.Unmarshal(payload, &f); err != nil {
		return adapter.CanonicalFields{}, err
	}
	return f, nil
}
func (fakeAdapter) BuildBaseQuery(from, to time.Time) adapter.Query { return nil }
func (fakeAdapter) MaxPageSize() int                                { return 50 }

type fakeStore struct {
	mu           sync.Mutex
	run          models.Run
	pending      []models.RawRow
	diamonds     map[string]models.Diamond
	done         []string
	finalizeErr  error
	finalized    bool
	stillPresent map[string]bool
}

func (s *fakeStore) GetRun(ctx context.Context, runID string) (models.Run, error) {
	return s.run, nil
}

func (s *fakeStore) ClaimPendingRawRows(ctx context.Context, feed string, batchSize int, claimTTL time.Duration) ([]models.RawRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil, nil
	}
	n := batchSize
	if n > len(s.pending) {
		n = len(s.pending)
	}
	batch := s.pending[:n]
	s.pending = s.pending[n:]
	return batch, nil
}

func (s *fakeStore) MarkRawRowsDone(ctx context.Context, feed string, supplierStoneIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = append(s.done, supplierStoneIDs...)
	return nil
}

func (s *fakeStore) CountPendingRawRows(ctx context.Context, feed string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending), nil
}

func (s *fakeStore) UpsertDiamond(ctx context.Context, feed, supplierStoneID, offerID string, fields models.Diamond, sourceUpdatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fields.Feed = feed
	fields.SupplierStoneID = supplierStoneID
	fields.OfferID = offerID
	fields.SourceUpdatedAt = sourceUpdatedAt
	s.diamonds[supplierStoneID] = fields
	return nil
}

func (s *fakeStore) SupplierStoneIDsSeenSince(ctx context.Context, feed string, since time.Time) (map[string]bool, error) {
	return s.stillPresent, nil
}

func (s *fakeStore) FinalizeRun(ctx context.Context, feed string, runStartedAt time.Time, stillPresent []string) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized = true
	if s.finalizeErr != nil {
		return 0, 0, s.finalizeErr
	}
	return 0, 1, nil
}

func (s *fakeStore) ReleaseExpiredClaims(ctx context.Context) (int64, error) { return 0, nil }

func rawRow(feed, id string, price float64) models.RawRow {
	payload, _ := json.Marshal(adapter.CanonicalFields{Price: price, Shape: "round"})
	return models.RawRow{Feed: feed, SupplierStoneID: id, OfferID: "offer-" + id, Payload: payload, SourceUpdatedAt: time.Now()}
}

func TestConsolidateRunDrainsAllPendingRows(t *testing.T) {
	feed := "demo"
	store := &fakeStore{
		run:          models.Run{RunID: "run-1", Feed: feed, StartedAt: time.Now().Add(-time.Hour), WatermarkAfter: time.Now()},
		diamonds:     make(map[string]models.Diamond),
		stillPresent: map[string]bool{"a": true, "b": true, "c": true},
	}
	for i := 0; i < 5; i++ {
		store.pending = append(store.pending, rawRow(feed, fmt.Sprintf("row-%d", i), float64(i)*100))
	}

	wm := watermark.NewMemoryStore()
	c := New(store, wm, map[string]adapter.Adapter{feed: fakeAdapter{}}, Config{BatchSize: 2, Concurrency: 2, ClaimTTL: time.Minute})

	if err := c.ConsolidateRun(context.Background(), "run-1", feed); err != nil {
		t.Fatalf("ConsolidateRun: %v", err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.diamonds) != 5 {
		t.Fatalf("expected 5 diamonds upserted, got %d", len(store.diamonds))
	}
	if len(store.done) != 5 {
		t.Fatalf("expected 5 rows marked done, got %d", len(store.done))
	}
	if !store.finalized {
		t.Fatal("expected FinalizeRun to be called")
	}

	got, err := wm.Get(context.Background(), feed)
	if err != nil {
		t.Fatalf("expected watermark written, got err: %v", err)
	}
	if got.LastRunID != "run-1" {
		t.Fatalf("expected watermark last_run_id run-1, got %s", got.LastRunID)
	}
}

func TestConsolidateRunUnknownFeedErrors(t *testing.T) {
	store := &fakeStore{diamonds: make(map[string]models.Diamond)}
	wm := watermark.NewMemoryStore()
	c := New(store, wm, map[string]adapter.Adapter{}, DefaultConfig())

	if err := c.ConsolidateRun(context.Background(), "run-1", "unknown"); err == nil {
		t.Fatal("expected error for an unregistered feed adapter")
	}
}

func TestConsolidateRunPropagatesFinalizeError(t *testing.T) {
	feed := "demo"
	store := &fakeStore{
		run:          models.Run{RunID: "run-1", Feed: feed, StartedAt: time.Now()},
		diamonds:     make(map[string]models.Diamond),
		finalizeErr:  fmt.Errorf("db down"),
		stillPresent: map[string]bool{},
	}
	wm := watermark.NewMemoryStore()
	c := New(store, wm, map[string]adapter.Adapter{feed: fakeAdapter{}}, DefaultConfig())

	if err := c.ConsolidateRun(context.Background(), "run-1", feed); err == nil {
		t.Fatal("expected ConsolidateRun to propagate the finalize error")
	}
}
