// Package worker implements the claim→fetch→upsert→advance→continuation
// loop that drains one partition's price range page by page: it pages a
// Feed Adapter's price-range scan with retry/backoff and advances the
// partition's stored offset in Postgres as each page lands.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/nivoda/diamond-ingest/internal/adapter"
	"github.com/nivoda/diamond-ingest/internal/models"
	"github.com/nivoda/diamond-ingest/internal/queue"
	"github.com/nivoda/diamond-ingest/internal/ratelimit"
)

// PartitionStore is the repository seam the worker needs.
type PartitionStore interface {
	GetPartition(ctx context.Context, runID string, partitionID int) (models.Partition, error)
	MarkPartitionRunning(ctx context.Context, runID string, partitionID int) (bool, error)
	AdvanceOffset(ctx context.Context, runID string, partitionID int, newOffset int) error
	CompletePartition(ctx context.Context, runID string, partitionID int) error
	FailPartition(ctx context.Context, runID string, partitionID int, errMsg string, payload []byte) error
	UpsertRawRows(ctx context.Context, rows []models.RawRow) error
	RecordPartitionOutcome(ctx context.Context, runID string, success bool) (models.Run, error)
	LogPartitionError(ctx context.Context, runID string, partitionID int, errorHash, errMsg string, payload []byte) error
}

// Config tunes the worker's continuation handoff (see DESIGN.md open
// question (b)).
type Config struct {
	PagesPerContinuation int // hand off to a new message after this many pages
	PageSize             int // overridden down to the adapter's MaxPageSize if larger
}

// DefaultConfig matches DESIGN.md's chosen default of 20 pages per
// continuation.
func DefaultConfig() Config {
	return Config{PagesPerContinuation: 20, PageSize: 200}
}

// Worker drains partitions for one feed's adapter.
type Worker struct {
	store   PartitionStore
	queue   queue.Queue
	limiter *ratelimit.Limiter
	adapter adapter.Adapter
	feed    string
	cfg     Config
}

// New constructs a Worker for one feed.
func New(store PartitionStore, q queue.Queue, limiter *ratelimit.Limiter, a adapter.Adapter, feed string, cfg Config) *Worker {
	if cfg.PagesPerContinuation <= 0 {
		cfg.PagesPerContinuation = 20
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 || pageSize > a.MaxPageSize() {
		pageSize = a.MaxPageSize()
	}
	cfg.PageSize = pageSize
	return &Worker{store: store, queue: q, limiter: limiter, adapter: a, feed: feed, cfg: cfg}
}

// HandleWorkItem processes one delivered WorkItem through to either
// completion, a continuation handoff, or a recorded failure.
func (w *Worker) HandleWorkItem(ctx context.Context, item queue.WorkItem) error {
	partition, err := w.store.GetPartition(ctx, item.RunID, item.PartitionID)
	if err != nil {
		return fmt.Errorf("worker: reading partition %d of run %s: %w", item.PartitionID, item.RunID, err)
	}
	// A redelivered or racing message for an already-terminal partition is a
	// no-op.
	if partition.Done() || partition.Status == models.PartitionStalled {
		return nil
	}

	if _, err := w.store.MarkPartitionRunning(ctx, item.RunID, item.PartitionID); err != nil {
		return fmt.Errorf("worker: marking partition %d of run %s running: %w", item.PartitionID, item.RunID, err)
	}

	query := w.adapter.BuildBaseQuery(time.Time{}, time.Time{}).WithPriceRange(item.MinPrice, item.MaxPrice)

	offset := item.Offset
	for page := 0; page < w.cfg.PagesPerContinuation; page++ {
		if err := w.limiter.Acquire(ctx); err != nil {
			return fmt.Errorf("worker: acquiring rate token for partition %d of run %s: %w", item.PartitionID, item.RunID, err)
		}

		result, err := w.adapter.Search(ctx, query, offset, w.cfg.PageSize)
		if err != nil {
			if adapter.IsRetryable(err) {
				return fmt.Errorf("worker: retryable search error on partition %d of run %s: %w", item.PartitionID, item.RunID, err)
			}
			return w.fail(ctx, item, partition, fmt.Errorf("search: %w", err))
		}

		if len(result.Items) == 0 || offset >= result.TotalCount {
			if offset < result.TotalCount {
				offset = result.TotalCount
			}
			if err := w.store.AdvanceOffset(ctx, item.RunID, item.PartitionID, offset); err != nil {
				return fmt.Errorf("worker: advancing offset for partition %d of run %s: %w", item.PartitionID, item.RunID, err)
			}
			return w.complete(ctx, item)
		}

		rows, err := w.toRawRows(result.Items)
		if err != nil {
			return w.fail(ctx, item, partition, fmt.Errorf("mapping search results: %w", err))
		}
		if err := w.store.UpsertRawRows(ctx, rows); err != nil {
			return fmt.Errorf("worker: upserting raw rows for partition %d of run %s: %w", item.PartitionID, item.RunID, err)
		}

		offset += len(result.Items)
		if err := w.store.AdvanceOffset(ctx, item.RunID, item.PartitionID, offset); err != nil {
			return fmt.Errorf("worker: advancing offset for partition %d of run %s: %w", item.PartitionID, item.RunID, err)
		}

		if offset >= result.TotalCount {
			return w.complete(ctx, item)
		}
	}

	// Exhausted this message's page budget with the partition still
	// incomplete: hand off to a fresh message at the advanced offset rather
	// than looping indefinitely on one leased delivery.
	next := item
	next.Offset = offset
	if err := queue.PublishWorkItem(ctx, w.queue, next); err != nil {
		return fmt.Errorf("worker: publishing continuation for partition %d of run %s: %w", item.PartitionID, item.RunID, err)
	}
	return nil
}

func (w *Worker) toRawRows(items []adapter.Item) ([]models.RawRow, error) {
	rows := make([]models.RawRow, 0, len(items))
	for _, item := range items {
		identity, err := w.adapter.ExtractIdentity(item)
		if err != nil {
			return nil, err
		}
		rows = append(rows, models.RawRow{
			Feed:            w.feed,
			SupplierStoneID: identity.SupplierStoneID,
			OfferID:         identity.OfferID,
			Payload:         identity.Payload,
			SourceUpdatedAt: identity.SourceUpdatedAt,
		})
	}
	return rows, nil
}

func (w *Worker) complete(ctx context.Context, item queue.WorkItem) error {
	if err := w.store.CompletePartition(ctx, item.RunID, item.PartitionID); err != nil {
		return fmt.Errorf("worker: completing partition %d of run %s: %w", item.PartitionID, item.RunID, err)
	}
	run, err := w.store.RecordPartitionOutcome(ctx, item.RunID, true)
	if err != nil {
		return fmt.Errorf("worker: recording success for run %s: %w", item.RunID, err)
	}
	if err := queue.PublishWorkDone(ctx, w.queue, queue.WorkDone{
		RunID: item.RunID, PartitionID: item.PartitionID, Outcome: queue.WorkDoneSuccess,
	}); err != nil {
		return fmt.Errorf("worker: publishing work-done for partition %d of run %s: %w", item.PartitionID, item.RunID, err)
	}
	if run.Done() {
		if err := queue.PublishConsolidate(ctx, w.queue, queue.ConsolidateRequest{RunID: item.RunID, Feed: w.feed}); err != nil {
			return fmt.Errorf("worker: publishing consolidate for run %s: %w", item.RunID, err)
		}
	}
	return nil
}

func (w *Worker) fail(ctx context.Context, item queue.WorkItem, partition models.Partition, cause error) error {
	payload, marshalErr := marshalWorkItem(item)
	if marshalErr != nil {
		payload = nil
	}
	if err := w.store.FailPartition(ctx, item.RunID, item.PartitionID, cause.Error(), payload); err != nil {
		return fmt.Errorf("worker: failing partition %d of run %s: %w", item.PartitionID, item.RunID, err)
	}
	// Audit trail survives a future retry overwriting partition_progress's
	// own error_message column; dedup on error_hash keeps a retry storm
	// hitting the same failure from spamming the log table.
	if err := w.store.LogPartitionError(ctx, item.RunID, item.PartitionID, errorHash(cause), cause.Error(), payload); err != nil {
		return fmt.Errorf("worker: logging failure for partition %d of run %s: %w", item.PartitionID, item.RunID, err)
	}
	if _, err := w.store.RecordPartitionOutcome(ctx, item.RunID, false); err != nil {
		return fmt.Errorf("worker: recording failure for run %s: %w", item.RunID, err)
	}
	if err := queue.PublishWorkDone(ctx, w.queue, queue.WorkDone{
		RunID: item.RunID, PartitionID: item.PartitionID, Outcome: queue.WorkDoneFailed, Error: cause.Error(),
	}); err != nil {
		return fmt.Errorf("worker: publishing work-done(failed) for partition %d of run %s: %w", item.PartitionID, item.RunID, err)
	}
	return nil
}
