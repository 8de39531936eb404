// Package consolidator promotes claimed raw rows into the canonical
// diamonds table, soft-deletes rows a completed run no longer observed, and
// bumps the feed's dataset version and watermark. A batch is the unit of
// work a claim-worker drains before looping back for more.
package consolidator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nivoda/diamond-ingest/internal/adapter"
	"github.com/nivoda/diamond-ingest/internal/models"
	"github.com/nivoda/diamond-ingest/internal/watermark"
)

// Store is the repository seam the consolidator needs.
type Store interface {
	GetRun(ctx context.Context, runID string) (models.Run, error)
	ClaimPendingRawRows(ctx context.Context, feed string, batchSize int, claimTTL time.Duration) ([]models.RawRow, error)
	MarkRawRowsDone(ctx context.Context, feed string, supplierStoneIDs []string) error
	CountPendingRawRows(ctx context.Context, feed string) (int, error)
	UpsertDiamond(ctx context.Context, feed, supplierStoneID, offerID string, fields models.Diamond, sourceUpdatedAt time.Time) error
	SupplierStoneIDsSeenSince(ctx context.Context, feed string, since time.Time) (map[string]bool, error)
	FinalizeRun(ctx context.Context, feed string, runStartedAt time.Time, stillPresent []string) (deleted int64, version int64, err error)
	ReleaseExpiredClaims(ctx context.Context) (int64, error)
}

// Config tunes batch size, claim TTL, and claim-worker concurrency.
type Config struct {
	BatchSize   int
	ClaimTTL    time.Duration
	Concurrency int
}

// DefaultConfig matches the spec's stated defaults.
func DefaultConfig() Config {
	return Config{BatchSize: 200, ClaimTTL: 5 * time.Minute, Concurrency: 4}
}

// Consolidator drains one feed's pending raw rows.
type Consolidator struct {
	store     Store
	watermark watermark.Store
	adapters  map[string]adapter.Adapter
	cfg       Config
}

// New constructs a Consolidator. adapters maps feed name to the Feed
// Adapter whose MapRawToCanonical is used for that feed's rows.
func New(store Store, wmStore watermark.Store, adapters map[string]adapter.Adapter, cfg Config) *Consolidator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	return &Consolidator{store: store, watermark: wmStore, adapters: adapters, cfg: cfg}
}

// ConsolidateRun drains every pending raw row for feed, soft-deletes stale
// canonical rows, bumps the dataset version, and writes the feed's
// watermark.
func (c *Consolidator) ConsolidateRun(ctx context.Context, runID, feed string) error {
	a, ok := c.adapters[feed]
	if !ok {
		return fmt.Errorf("consolidator: no adapter registered for feed %q", feed)
	}

	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("consolidator: reading run %s: %w", runID, err)
	}

	if err := c.drain(ctx, feed, a); err != nil {
		return fmt.Errorf("consolidator: draining feed %s: %w", feed, err)
	}

	stillPresent, err := c.store.SupplierStoneIDsSeenSince(ctx, feed, run.StartedAt)
	if err != nil {
		return fmt.Errorf("consolidator: collecting seen stone ids for %s: %w", feed, err)
	}
	ids := make([]string, 0, len(stillPresent))
	for id := range stillPresent {
		ids = append(ids, id)
	}

	deleted, version, err := c.store.FinalizeRun(ctx, feed, run.StartedAt, ids)
	if err != nil {
		return fmt.Errorf("consolidator: finalizing run %s: %w", runID, err)
	}
	log.Printf("consolidator: run %s feed %s soft-deleted %d rows, bumped version to %d", runID, feed, deleted, version)

	wm := models.Watermark{
		LastUpdatedAt:    run.WatermarkAfter,
		LastRunID:        runID,
		LastRunCompleted: timePtr(time.Now().UTC()),
	}
	if err := c.watermark.Put(ctx, feed, wm); err != nil {
		// The blob store is not part of the Postgres transaction above, so a
		// failed write here leaves the prior watermark in place; the next
		// scheduled run simply rescans a slightly wider window, which
		// upserts absorb harmlessly.
		return fmt.Errorf("consolidator: writing watermark for %s: %w", feed, err)
	}
	return nil
}

// drain runs cfg.Concurrency claim-workers in parallel until no pending rows
// remain for feed.
func (c *Consolidator) drain(ctx context.Context, feed string, a adapter.Adapter) error {
	var wg sync.WaitGroup
	errs := make(chan error, c.cfg.Concurrency)

	for i := 0; i < c.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.claimLoop(ctx, feed, a); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// claimLoop repeatedly claims and processes batches until a claim returns
// empty, at which point this worker is done (another concurrent worker may
// still be processing its own batch, so "empty" here only means this
// worker found nothing, not that the feed is globally drained).
func (c *Consolidator) claimLoop(ctx context.Context, feed string, a adapter.Adapter) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rows, err := c.store.ClaimPendingRawRows(ctx, feed, c.cfg.BatchSize, c.cfg.ClaimTTL)
		if err != nil {
			return fmt.Errorf("claiming batch: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}

		done := make([]string, 0, len(rows))
		for _, row := range rows {
			fields, err := a.MapRawToCanonical(row.Payload)
			if err != nil {
				// Leave this row claimed; it reverts to pending at claim-TTL
				// expiry for another attempt rather than blocking the batch.
				log.Printf("consolidator: mapping raw row %s/%s: %v", feed, row.SupplierStoneID, err)
				continue
			}
			diamond := models.Diamond{
				Shape: fields.Shape, CaratWeight: fields.CaratWeight, Color: fields.Color,
				Clarity: fields.Clarity, Cut: fields.Cut, Polish: fields.Polish,
				Symmetry: fields.Symmetry, Fluorescence: fields.Fluorescence,
				LabGradingReport: fields.LabGradingReport, CertificateURL: fields.CertificateURL,
				Price: fields.Price, Availability: fields.Availability,
			}
			if err := c.store.UpsertDiamond(ctx, feed, row.SupplierStoneID, row.OfferID, diamond, row.SourceUpdatedAt); err != nil {
				log.Printf("consolidator: upserting diamond %s/%s: %v", feed, row.SupplierStoneID, err)
				continue
			}
			done = append(done, row.SupplierStoneID)
		}

		if len(done) > 0 {
			if err := c.store.MarkRawRowsDone(ctx, feed, done); err != nil {
				return fmt.Errorf("marking rows done: %w", err)
			}
		}
	}
}

func timePtr(t time.Time) *time.Time { return &t }
