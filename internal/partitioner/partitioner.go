// Package partitioner implements the heatmap adaptive price-axis scan:
// it discovers disjoint, roughly-equal-sized price bands over a feed's
// inventory without the feed exposing anything beyond a per-range count,
// then hands each band to a bounded pool of scanning goroutines so
// discovery itself stays fast even against a feed with a few hundred
// thousand records.
package partitioner

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Counter is the minimal seam the partitioner needs from a Feed Adapter:
// count records in [min, max). Implemented by adapter.Adapter.Count plus a
// query narrowed via WithPriceRange.
type Counter interface {
	CountRange(ctx context.Context, min, max float64) (int, error)
}

// Config holds the heatmap scan's tunable defaults.
type Config struct {
	DenseZoneThreshold  float64 // price below which bands are assumed dense
	DenseZoneStep       float64 // initial scan step inside the dense zone
	InitialStep         float64 // initial scan step outside the dense zone
	TargetPerChunk      int     // desired record count per discovered band
	MaxRefinements      int     // max halving passes per band
	MaxScanWorkers      int     // bounded concurrency for the discovery scan itself
	PriceMax            float64 // upper bound of the price axis
	MaxWorkers          int     // cap on emitted bands; 0 means unlimited
	MinRecordsPerWorker int     // bands are merged upward until they clear this floor
}

// DefaultConfig matches the spec's literal defaults.
func DefaultConfig() Config {
	return Config{
		DenseZoneThreshold:  20000,
		DenseZoneStep:       100,
		InitialStep:         500,
		TargetPerChunk:      500,
		MaxRefinements:      6,
		MaxScanWorkers:      8,
		PriceMax:            1000000,
		MaxWorkers:          64,
		MinRecordsPerWorker: 10,
	}
}

// Band is one disjoint price-bounded slice of the inventory ready to become
// a Partition: [Min, Max) with its observed record count.
type Band struct {
	Min   float64
	Max   float64
	Count int
}

// Discover scans [0, cfg.PriceMax) and returns disjoint bands each close to
// cfg.TargetPerChunk records, finer-grained in the dense low end of the
// price axis than in the sparse high end. The scan itself fans out across
// cfg.MaxScanWorkers goroutines bounded by a semaphore.
func Discover(ctx context.Context, counter Counter, cfg Config) ([]Band, error) {
	if cfg.MaxScanWorkers <= 0 {
		cfg.MaxScanWorkers = 1
	}

	candidates := initialCandidates(cfg)

	counts, err := countAll(ctx, counter, candidates, cfg.MaxScanWorkers)
	if err != nil {
		return nil, err
	}

	var bands []Band
	for i, c := range candidates {
		refined, err := refine(ctx, counter, c.min, c.max, counts[i], cfg, 0)
		if err != nil {
			return nil, err
		}
		bands = append(bands, refined...)
	}

	sort.Slice(bands, func(i, j int) bool { return bands[i].Min < bands[j].Min })
	return bands, nil
}

// Cap merges contiguous bands until the result fits within maxWorkers and
// no band (other than possibly the very last) falls below
// minRecordsPerWorker. maxWorkers <= 0 disables the count cap;
// minRecordsPerWorker <= 0 disables the floor. Bands are assumed
// pre-sorted by Min and already stripped of zero-count entries.
func Cap(bands []Band, maxWorkers, minRecordsPerWorker int) []Band {
	for len(bands) > 1 && (tooMany(bands, maxWorkers) || hasUndersizedBand(bands, minRecordsPerWorker)) {
		i := smallestAdjacentPair(bands)
		bands = mergeAt(bands, i)
	}
	return bands
}

func tooMany(bands []Band, maxWorkers int) bool {
	return maxWorkers > 0 && len(bands) > maxWorkers
}

func hasUndersizedBand(bands []Band, minRecordsPerWorker int) bool {
	if minRecordsPerWorker <= 0 {
		return false
	}
	// The last band is allowed to run under the floor (the spec's "except
	// the final partition which may be smaller" escape hatch), so only
	// interior bands force a merge.
	for i := 0; i < len(bands)-1; i++ {
		if bands[i].Count < minRecordsPerWorker {
			return true
		}
	}
	return false
}

// smallestAdjacentPair returns the index i minimizing
// bands[i].Count+bands[i+1].Count, the pair merge() combines next.
func smallestAdjacentPair(bands []Band) int {
	best := 0
	bestSum := bands[0].Count + bands[1].Count
	for i := 1; i < len(bands)-1; i++ {
		sum := bands[i].Count + bands[i+1].Count
		if sum < bestSum {
			best, bestSum = i, sum
		}
	}
	return best
}

// mergeAt collapses bands[i] and bands[i+1] into one contiguous band.
func mergeAt(bands []Band, i int) []Band {
	merged := Band{Min: bands[i].Min, Max: bands[i+1].Max, Count: bands[i].Count + bands[i+1].Count}
	out := make([]Band, 0, len(bands)-1)
	out = append(out, bands[:i]...)
	out = append(out, merged)
	out = append(out, bands[i+2:]...)
	return out
}

type candidate struct{ min, max float64 }

// initialCandidates lays out the coarse scan grid: a fine DenseZoneStep grid
// below DenseZoneThreshold, and a coarser InitialStep grid above it, since
// diamond inventories cluster heavily at the low end of the price axis.
func initialCandidates(cfg Config) []candidate {
	var out []candidate
	denseEnd := cfg.DenseZoneThreshold
	if cfg.PriceMax < denseEnd {
		denseEnd = cfg.PriceMax
	}
	for p := 0.0; p < denseEnd; p += cfg.DenseZoneStep {
		end := p + cfg.DenseZoneStep
		if end > denseEnd {
			end = denseEnd
		}
		out = append(out, candidate{p, end})
	}
	for p := cfg.DenseZoneThreshold; p < cfg.PriceMax; p += cfg.InitialStep {
		end := p + cfg.InitialStep
		if end > cfg.PriceMax {
			end = cfg.PriceMax
		}
		out = append(out, candidate{p, end})
	}
	return out
}

// countAll issues one Count per candidate band, bounded to maxWorkers
// in-flight at a time.
func countAll(ctx context.Context, counter Counter, candidates []candidate, maxWorkers int) ([]int, error) {
	counts := make([]int, len(candidates))
	errs := make([]error, len(candidates))

	var wg sync.WaitGroup
	sem := make(chan struct{}, maxWorkers)

	for i, c := range candidates {
		i, c := i, c
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			n, err := counter.CountRange(ctx, c.min, c.max)
			counts[i] = n
			errs[i] = err
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("partitioner: count range: %w", err)
		}
	}
	return counts, nil
}

// refine recursively halves a band whose count exceeds 2x TargetPerChunk,
// up to MaxRefinements deep, so a single dense candidate band doesn't become
// one oversized partition while sparse bands are left coarse.
func refine(ctx context.Context, counter Counter, min, max float64, count int, cfg Config, depth int) ([]Band, error) {
	if count == 0 {
		return nil, nil
	}
	if count <= cfg.TargetPerChunk*2 || depth >= cfg.MaxRefinements || max-min < 0.01 {
		return []Band{{Min: min, Max: max, Count: count}}, nil
	}

	mid := min + (max-min)/2
	leftCount, err := counter.CountRange(ctx, min, mid)
	if err != nil {
		return nil, fmt.Errorf("partitioner: count range: %w", err)
	}
	rightCount := count - leftCount

	left, err := refine(ctx, counter, min, mid, leftCount, cfg, depth+1)
	if err != nil {
		return nil, err
	}
	right, err := refine(ctx, counter, mid, max, rightCount, cfg, depth+1)
	if err != nil {
		return nil, err
	}
	return append(left, right...), nil
}
