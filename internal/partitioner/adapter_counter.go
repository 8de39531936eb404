package partitioner

import (
	"context"

	"github.com/nivoda/diamond-ingest/internal/adapter"
)

// AdapterCounter adapts a Feed Adapter plus one run's base query into the
// Counter seam Discover needs, narrowing by price range per call.
type AdapterCounter struct {
	Adapter adapter.Adapter
	Base    adapter.Query
}

func (c AdapterCounter) CountRange(ctx context.Context, min, max float64) (int, error) {
	return c.Adapter.Count(ctx, c.Base.WithPriceRange(min, max))
}
