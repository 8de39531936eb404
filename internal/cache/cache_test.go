package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCacheSetThenGetHit(t *testing.T) {
	c, err := New(10, time.Minute)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Set("k1", []byte("payload"), "demo:1")

	got, ok := c.Get("k1", "demo:1")
	if !ok {
		t.Fatal("expected hit")
	}
	if string(got) != "payload" {
		t.Fatalf("got %q, want %q", got, "payload")
	}
}

func TestCacheMissOnVersionMismatch(t *testing.T) {
	c, _ := New(10, time.Minute)
	c.Set("k1", []byte("payload"), "demo:1")

	if _, ok := c.Get("k1", "demo:2"); ok {
		t.Fatal("expected miss after version bump")
	}
	// A stale entry is evicted on the mismatching lookup, not merely hidden.
	if c.Len() != 0 {
		t.Fatalf("expected stale entry evicted, Len()=%d", c.Len())
	}
}

func TestCacheMissOnExpiry(t *testing.T) {
	c, _ := New(10, time.Millisecond)
	c.Set("k1", []byte("payload"), "demo:1")
	time.Sleep(5 * time.Millisecond)

	if _, ok := c.Get("k1", "demo:1"); ok {
		t.Fatal("expected miss after TTL expiry")
	}
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c, _ := New(2, time.Minute)
	c.Set("a", []byte("1"), "v")
	c.Set("b", []byte("2"), "v")
	c.Set("c", []byte("3"), "v") // evicts "a"

	if _, ok := c.Get("a", "v"); ok {
		t.Fatal("expected a to have been evicted")
	}
	if _, ok := c.Get("b", "v"); !ok {
		t.Fatal("expected b to survive")
	}
	if _, ok := c.Get("c", "v"); !ok {
		t.Fatal("expected c to survive")
	}
}

func TestFingerprintStableAcrossExtraKeyOrder(t *testing.T) {
	p1 := Params{Feed: "demo", MinPrice: 800, MaxPrice: 9000, Extra: map[string]string{"color": "D", "clarity": "VVS1"}}
	p2 := Params{Feed: "demo", MinPrice: 800, MaxPrice: 9000, Extra: map[string]string{"clarity": "VVS1", "color": "D"}}

	if Fingerprint(p1) != Fingerprint(p2) {
		t.Fatal("expected fingerprint to be independent of map iteration order")
	}
}

func TestFingerprintDiffersOnFilterChange(t *testing.T) {
	p1 := Params{Feed: "demo", MinPrice: 800, MaxPrice: 9000}
	p2 := Params{Feed: "demo", MinPrice: 800, MaxPrice: 9001}

	if Fingerprint(p1) == Fingerprint(p2) {
		t.Fatal("expected different fingerprints for different filters")
	}
}

type fakeVersionSource struct {
	versions map[string]int64
	err      error
}

func (f *fakeVersionSource) GetDatasetVersions(ctx context.Context) (map[string]int64, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.versions, nil
}

func TestVersionPollerRefreshBuildsSortedComposite(t *testing.T) {
	src := &fakeVersionSource{versions: map[string]int64{"nivoda": 3, "demo": 1}}
	p := NewVersionPoller(src, time.Hour)

	if p.Current() != "" {
		t.Fatalf("expected empty composite before first refresh, got %q", p.Current())
	}
	if err := p.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if want := "demo:1,nivoda:3"; p.Current() != want {
		t.Fatalf("Current() = %q, want %q", p.Current(), want)
	}
}

func TestVersionPollerRefreshPropagatesError(t *testing.T) {
	src := &fakeVersionSource{err: errors.New("db down")}
	p := NewVersionPoller(src, time.Hour)

	if err := p.Refresh(context.Background()); err == nil {
		t.Fatal("expected error from Refresh")
	}
}
