// Package adapter defines the Feed Adapter interface — the single
// polymorphic seam between the ingestion pipeline and a specific vendor's
// paginated search API — plus the registry of concrete implementations.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Item is one raw record as returned by a feed's search endpoint, before
// identity extraction or canonical mapping.
type Item map[string]interface{}

// Identity is the deterministic, side-effect-free projection of an Item
// used for upsert keying and consolidation.
type Identity struct {
	SupplierStoneID string
	OfferID         string
	Payload         []byte
	SourceUpdatedAt time.Time
}

// Query is an opaque, adapter-defined search predicate built by
// BuildBaseQuery and narrowed to a price sub-range by the partitioner.
type Query interface {
	// WithPriceRange returns a copy of the query narrowed to [min, max).
	WithPriceRange(min, max float64) Query
}

// SearchResult is one page of results plus the total count under the
// query as a whole (not just this page), as required for offset pagination.
type SearchResult struct {
	Items      []Item
	TotalCount int
}

// CanonicalFields is the pure-function output of mapping a raw payload to
// the fields consumers of the canonical table care about.
type CanonicalFields struct {
	Shape            string
	CaratWeight      float64
	Color            string
	Clarity          string
	Cut              string
	Polish           string
	Symmetry         string
	Fluorescence     string
	LabGradingReport string
	CertificateURL   string
	Price            float64
	Availability     string
}

// Adapter is the vendor-specific seam. One implementation per feed,
// registered in the package-level registry at startup.
type Adapter interface {
	// Count returns the total records matching query. Must be cheap (no
	// pagination) since the heatmap partitioner calls it heavily.
	Count(ctx context.Context, query Query) (int, error)

	// Search returns one page of results. limit is capped by the adapter
	// to its own MaxPageSize. Results must be stable-ordered so offset
	// pagination resumes correctly under retry.
	Search(ctx context.Context, query Query, offset, limit int) (SearchResult, error)

	// ExtractIdentity is deterministic and side-effect free.
	ExtractIdentity(item Item) (Identity, error)

	// MapRawToCanonical is a pure function from a stored raw payload to
	// canonical fields.
	MapRawToCanonical(payload []byte) (CanonicalFields, error)

	// BuildBaseQuery constructs the query for one run's scan window.
	BuildBaseQuery(updatedFrom, updatedTo time.Time) Query

	// MaxPageSize is the feed-declared page size cap.
	MaxPageSize() int
}

// Error kinds distinguishing retryable failures (network, 5xx, 429) from
// fatal ones (4xx-other, auth misconfiguration).
var (
	ErrRateLimited = errors.New("adapter: rate limited (429)")
	ErrAuthExpired = errors.New("adapter: upstream auth expired")
)

// RetryableError wraps a transient upstream failure (network error, 5xx,
// 429) that the worker should abandon-and-redeliver rather than fail the
// partition outright.
type RetryableError struct {
	Cause error
}

func (e *RetryableError) Error() string { return fmt.Sprintf("retryable: %v", e.Cause) }
func (e *RetryableError) Unwrap() error { return e.Cause }

// FatalError wraps a non-retryable upstream failure (4xx-other) that
// should fail the partition immediately.
type FatalError struct {
	Cause error
}

func (e *FatalError) Error() string { return fmt.Sprintf("fatal: %v", e.Cause) }
func (e *FatalError) Unwrap() error { return e.Cause }

// IsRetryable reports whether err should be treated as transient.
func IsRetryable(err error) bool {
	var re *RetryableError
	if errors.As(err, &re) {
		return true
	}
	return errors.Is(err, ErrRateLimited)
}
