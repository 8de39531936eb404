package partitioner

import (
	"context"
	"testing"
)

// fakeCounter models a synthetic inventory: uniform density of 1 record per
// $10 below 20000, and 1 record per $400 above it, mimicking diamond
// inventories that cluster heavily toward low carat/price stones.
type fakeCounter struct {
	calls int
}

func (f *fakeCounter) density(p float64) float64 {
	if p < 20000 {
		return 1.0 / 10.0
	}
	return 1.0 / 400.0
}

func (f *fakeCounter) CountRange(ctx context.Context, min, max float64) (int, error) {
	f.calls++
	if max <= min {
		return 0, nil
	}
	// Integrate density piecewise at the 20000 breakpoint.
	total := 0.0
	lo, hi := min, max
	if lo < 20000 && hi > 20000 {
		total += (20000 - lo) * f.density(0)
		total += (hi - 20000) * f.density(20000)
	} else {
		total += (hi - lo) * f.density(lo)
	}
	return int(total), nil
}

func TestDiscoverCoversFullRangeDisjointly(t *testing.T) {
	fc := &fakeCounter{}
	cfg := DefaultConfig()
	cfg.PriceMax = 100000

	bands, err := Discover(context.Background(), fc, cfg)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(bands) == 0 {
		t.Fatalf("expected at least one band")
	}

	if bands[0].Min != 0 {
		t.Fatalf("expected first band to start at 0, got %v", bands[0].Min)
	}
	if bands[len(bands)-1].Max != cfg.PriceMax {
		t.Fatalf("expected last band to end at PriceMax, got %v", bands[len(bands)-1].Max)
	}
	for i := 1; i < len(bands); i++ {
		if bands[i].Min != bands[i-1].Max {
			t.Fatalf("bands not contiguous at index %d: %v vs %v", i, bands[i-1], bands[i])
		}
	}
}

func TestDiscoverRefinesDenseZoneMoreThanSparseZone(t *testing.T) {
	fc := &fakeCounter{}
	cfg := DefaultConfig()
	cfg.PriceMax = 100000

	bands, err := Discover(context.Background(), fc, cfg)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}

	denseBands, sparseBands := 0, 0
	for _, b := range bands {
		if b.Max <= 20000 {
			denseBands++
		} else if b.Min >= 20000 {
			sparseBands++
		}
	}
	if denseBands <= sparseBands {
		t.Fatalf("expected more bands in the dense zone (%d) than the sparse zone (%d)", denseBands, sparseBands)
	}
}

func TestDiscoverBandsStayNearTargetSize(t *testing.T) {
	fc := &fakeCounter{}
	cfg := DefaultConfig()
	cfg.PriceMax = 100000

	bands, err := Discover(context.Background(), fc, cfg)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}

	for _, b := range bands {
		if b.Count > cfg.TargetPerChunk*2 && b.Max-b.Min >= 0.02 {
			t.Fatalf("band %+v exceeds 2x target chunk size without hitting min width", b)
		}
	}
}

func TestDiscoverEmptyRangeYieldsNoBands(t *testing.T) {
	fc := &fakeCounter{}
	cfg := DefaultConfig()
	cfg.PriceMax = 0

	bands, err := Discover(context.Background(), fc, cfg)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(bands) != 0 {
		t.Fatalf("expected no bands over an empty price axis, got %d", len(bands))
	}
}

func TestCapMergesDownToMaxWorkers(t *testing.T) {
	bands := []Band{
		{Min: 0, Max: 10, Count: 5},
		{Min: 10, Max: 20, Count: 5},
		{Min: 20, Max: 30, Count: 5},
		{Min: 30, Max: 40, Count: 5},
		{Min: 40, Max: 50, Count: 5},
	}
	capped := Cap(bands, 2, 0)
	if len(capped) != 2 {
		t.Fatalf("expected 2 bands after capping, got %d: %+v", len(capped), capped)
	}
	if capped[0].Min != 0 || capped[len(capped)-1].Max != 50 {
		t.Fatalf("capping should preserve the outer bounds, got %+v", capped)
	}
	total := 0
	for _, b := range capped {
		total += b.Count
	}
	if total != 25 {
		t.Fatalf("capping must not lose records, expected 25 total, got %d", total)
	}
}

func TestCapMergesUndersizedInteriorBands(t *testing.T) {
	bands := []Band{
		{Min: 0, Max: 10, Count: 50},
		{Min: 10, Max: 20, Count: 2},
		{Min: 20, Max: 30, Count: 50},
	}
	capped := Cap(bands, 0, 10)
	for i := 0; i < len(capped)-1; i++ {
		if capped[i].Count < 10 {
			t.Fatalf("interior band %+v still under the floor after capping", capped[i])
		}
	}
}

func TestCapLeavesFinalUndersizedBandAlone(t *testing.T) {
	bands := []Band{
		{Min: 0, Max: 10, Count: 50},
		{Min: 10, Max: 20, Count: 2},
	}
	capped := Cap(bands, 0, 10)
	if len(capped) != 2 {
		t.Fatalf("a trailing undersized band should be left as-is, got %+v", capped)
	}
}
