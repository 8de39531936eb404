package watermark

import (
	"context"
	"testing"
	"time"

	"github.com/nivoda/diamond-ingest/internal/models"
)

func TestMemoryStoreGetMissingReturnsErrNotFound(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.Get(context.Background(), "demo"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStorePutThenGetRoundTrips(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	wm := models.Watermark{LastUpdatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), LastRunID: "run-1"}

	if err := s.Put(ctx, "demo", wm); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, "demo")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.LastUpdatedAt.Equal(wm.LastUpdatedAt) || got.LastRunID != wm.LastRunID {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, wm)
	}
}

func TestMemoryStorePutOverwrites(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	first := models.Watermark{LastUpdatedAt: time.Unix(100, 0), LastRunID: "run-1"}
	second := models.Watermark{LastUpdatedAt: time.Unix(200, 0), LastRunID: "run-2"}

	_ = s.Put(ctx, "demo", first)
	_ = s.Put(ctx, "demo", second)

	got, err := s.Get(ctx, "demo")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.LastRunID != "run-2" {
		t.Fatalf("expected the second write to win, got %+v", got)
	}
}
