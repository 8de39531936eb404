// Package watermark persists the per-feed object denoting the upper bound
// of the last successful ingestion window. It is read by the Scheduler and
// written by the Consolidator, one object per feed at
// watermarks/{feed}.json — kept in the blob store rather than Postgres as
// a single-writer-per-feed object distinct from the relational progress
// tables (see DESIGN.md).
package watermark

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nivoda/diamond-ingest/internal/models"
)

// ErrNotFound is returned when a feed has no watermark object yet (a feed's
// first-ever run).
var ErrNotFound = errors.New("watermark: not found")

// Store is the seam the scheduler/consolidator use; GCSStore is the
// production implementation, MemoryStore backs tests and the demo feed.
type Store interface {
	Get(ctx context.Context, feed string) (models.Watermark, error)
	Put(ctx context.Context, feed string, wm models.Watermark) error
}

func objectName(feed string) string {
	return fmt.Sprintf("watermarks/%s.json", feed)
}

func marshal(wm models.Watermark) ([]byte, error) {
	b, err := json.Marshal(wm)
	if err != nil {
		return nil, fmt.Errorf("watermark: marshal: %w", err)
	}
	return b, nil
}

func unmarshal(data []byte) (models.Watermark, error) {
	var wm models.Watermark
	if err := json.Unmarshal(data, &wm); err != nil {
		return models.Watermark{}, fmt.Errorf("watermark: unmarshal: %w", err)
	}
	return wm, nil
}
