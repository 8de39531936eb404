package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeStore mimics the Postgres fixed-window row with a plain mutex-guarded
// map standing in for the DB-backed repository method.
type fakeStore struct {
	mu          sync.Mutex
	windowStart map[string]time.Time
	count       map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		windowStart: make(map[string]time.Time),
		count:       make(map[string]int),
	}
}

func (f *fakeStore) ClaimWindowSlot(ctx context.Context, key string, windowStart time.Time, n int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.windowStart[key].Before(windowStart) {
		f.windowStart[key] = windowStart
		f.count[key] = 0
	}
	if f.count[key] >= n {
		return false, nil
	}
	f.count[key]++
	return true, nil
}

func TestLimiterAllowsUpToNPerWindow(t *testing.T) {
	store := newFakeStore()
	lim := New(store, "demo", Config{N: 2, Window: time.Hour, MaxWait: time.Millisecond, BaseDelay: time.Millisecond})

	ctx := context.Background()
	if err := lim.Acquire(ctx); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := lim.Acquire(ctx); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if err := lim.Acquire(ctx); err == nil {
		t.Fatalf("expected third acquire within the same window to fail")
	}
}

func TestLimiterRetriesIntoNextWindow(t *testing.T) {
	store := newFakeStore()
	lim := New(store, "demo", Config{
		N: 1, Window: 50 * time.Millisecond, MaxWait: time.Second,
		BaseDelay: 5 * time.Millisecond, Jitter: time.Millisecond,
	})

	ctx := context.Background()
	if err := lim.Acquire(ctx); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	// Second call should block past the window boundary and then succeed.
	start := time.Now()
	if err := lim.Acquire(ctx); err != nil {
		t.Fatalf("second acquire should eventually succeed: %v", err)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected acquire to wait for the next window")
	}
}

func TestLimiterGivesUpAfterMaxWait(t *testing.T) {
	store := newFakeStore()
	lim := New(store, "demo", Config{
		N: 1, Window: time.Hour, MaxWait: 20 * time.Millisecond,
		BaseDelay: 5 * time.Millisecond,
	})

	ctx := context.Background()
	if err := lim.Acquire(ctx); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := lim.Acquire(ctx); err == nil {
		t.Fatalf("expected second acquire to time out")
	}
}
