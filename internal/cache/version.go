package cache

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

// VersionSource reads every feed's current dataset version, satisfied by
// *repository.Repository.GetDatasetVersions. Declared locally rather than
// importing internal/repository to narrow the seam to just what this
// package needs.
type VersionSource interface {
	GetDatasetVersions(ctx context.Context) (map[string]int64, error)
}

// VersionPoller maintains the composite dataset-version string
// ("feed1:3,feed2:9,...") the cache gates lookups against, refreshing it on
// a fixed interval in the background so request handlers never block on a
// database round trip just to check freshness.
type VersionPoller struct {
	src      VersionSource
	interval time.Duration

	current atomic.Value // string
}

// NewVersionPoller constructs a poller over src, refreshing every interval.
// Current() returns "" until the first Refresh or background tick succeeds.
func NewVersionPoller(src VersionSource, interval time.Duration) *VersionPoller {
	p := &VersionPoller{src: src, interval: interval}
	p.current.Store("")
	return p
}

// Current returns the most recently observed composite version string.
func (p *VersionPoller) Current() string {
	return p.current.Load().(string)
}

// Refresh fetches the latest per-feed versions and updates Current.
func (p *VersionPoller) Refresh(ctx context.Context) error {
	versions, err := p.src.GetDatasetVersions(ctx)
	if err != nil {
		return fmt.Errorf("cache: refreshing dataset versions: %w", err)
	}
	p.current.Store(composite(versions))
	return nil
}

// Run polls on p.interval until ctx is canceled. Errors are logged and
// skipped rather than fatal, since a stale-but-present composite version is
// strictly better than Current() going blank and failing every lookup.
func (p *VersionPoller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	if err := p.Refresh(ctx); err != nil {
		log.Printf("cache: initial version refresh failed: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Refresh(ctx); err != nil {
				log.Printf("cache: version refresh failed: %v", err)
			}
		}
	}
}

// composite renders versions as a sorted, comma-joined "feed:version" list
// so the same version set always produces the same string regardless of Go
// map iteration order.
func composite(versions map[string]int64) string {
	feeds := make([]string, 0, len(versions))
	for f := range versions {
		feeds = append(feeds, f)
	}
	sort.Strings(feeds)

	parts := make([]string, 0, len(feeds))
	for _, f := range feeds {
		parts = append(parts, fmt.Sprintf("%s:%d", f, versions[f]))
	}
	return strings.Join(parts, ",")
}
