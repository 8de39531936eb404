// Package scheduler starts a new ingestion run for one feed: it resolves
// the scan window from the feed's watermark, runs the heatmap partitioner
// over that window, persists the resulting partitions, and enqueues one
// work item per partition.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nivoda/diamond-ingest/internal/adapter"
	"github.com/nivoda/diamond-ingest/internal/config"
	"github.com/nivoda/diamond-ingest/internal/models"
	"github.com/nivoda/diamond-ingest/internal/partitioner"
	"github.com/nivoda/diamond-ingest/internal/queue"
	"github.com/nivoda/diamond-ingest/internal/watermark"
)

// RunStore is the repository seam the scheduler needs.
type RunStore interface {
	CreateRun(ctx context.Context, run models.Run) error
	CompleteRun(ctx context.Context, runID string, completedAt time.Time) error
	CreatePartitions(ctx context.Context, partitions []models.Partition) error
}

// Scheduler starts runs for configured feeds.
type Scheduler struct {
	store     RunStore
	queue     queue.Queue
	watermark watermark.Store
	heatmap   partitioner.Config
}

// New constructs a Scheduler.
func New(store RunStore, q queue.Queue, wmStore watermark.Store, heatmap partitioner.Config) *Scheduler {
	return &Scheduler{store: store, queue: q, watermark: wmStore, heatmap: heatmap}
}

// StartRun resolves feed's scan window, partitions it, and enqueues work.
// It returns the new run's id once partitions are durably persisted and
// queued; the caller does not wait for ingestion to complete.
func (s *Scheduler) StartRun(ctx context.Context, feed string, a adapter.Adapter, feedCfg config.FeedConfig) (string, error) {
	runID := uuid.NewString()
	now := time.Now().UTC()

	watermarkBefore, runType, updatedFrom, err := s.resolveWindow(ctx, feed, feedCfg, now)
	if err != nil {
		return "", fmt.Errorf("scheduler: resolving window for %s: %w", feed, err)
	}
	updatedTo := now

	baseQuery := a.BuildBaseQuery(updatedFrom, updatedTo)
	counter := partitioner.AdapterCounter{Adapter: a, Base: baseQuery}

	heatmapCfg := s.heatmap
	heatmapCfg.PriceMax = coalesceFloat(heatmapCfg.PriceMax, partitioner.DefaultConfig().PriceMax)

	bands, err := partitioner.Discover(ctx, counter, heatmapCfg)
	if err != nil {
		return "", fmt.Errorf("scheduler: heatmap discovery for %s: %w", feed, err)
	}

	maxWorkers, minRecordsPerWorker := s.workerBounds(feedCfg, heatmapCfg, runType)
	bands = partitioner.Cap(bands, maxWorkers, minRecordsPerWorker)

	total := 0
	partitions := make([]models.Partition, 0, len(bands))
	for i, b := range bands {
		total += b.Count
		partitions = append(partitions, models.Partition{
			RunID:        runID,
			PartitionID:  i,
			MinPrice:     b.Min,
			MaxPrice:     b.Max,
			TotalRecords: b.Count,
			Status:       models.PartitionPending,
		})
	}

	run := models.Run{
		RunID:           runID,
		Feed:            feed,
		RunType:         runType,
		ExpectedWorkers: len(partitions),
		WatermarkBefore: watermarkBefore,
		WatermarkAfter:  updatedTo,
		StartedAt:       now,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return "", fmt.Errorf("scheduler: creating run %s: %w", runID, err)
	}

	// A feed with nothing new to scan completes immediately rather than
	// waiting on zero workers to report in.
	if total == 0 {
		if err := s.store.CompleteRun(ctx, runID, time.Now().UTC()); err != nil {
			return "", fmt.Errorf("scheduler: completing empty run %s: %w", runID, err)
		}
		return runID, nil
	}

	if err := s.store.CreatePartitions(ctx, partitions); err != nil {
		return "", fmt.Errorf("scheduler: creating partitions for run %s: %w", runID, err)
	}

	for _, p := range partitions {
		item := queue.WorkItem{
			RunID:       runID,
			PartitionID: p.PartitionID,
			Feed:        feed,
			MinPrice:    p.MinPrice,
			MaxPrice:    p.MaxPrice,
			Offset:      0,
		}
		if err := queue.PublishWorkItem(ctx, s.queue, item); err != nil {
			return "", fmt.Errorf("scheduler: enqueuing partition %d of run %s: %w", p.PartitionID, runID, err)
		}
	}

	return runID, nil
}

// resolveWindow decides whether this run is full or incremental and the
// start of the scan window. A feed with no prior watermark runs full from
// its configured FullRunStart (or the epoch if unset); a feed with one runs
// incremental from that watermark minus the feed's safety buffer, so the
// window re-scans a small overlap in case the last run's updated_to raced a
// late write upstream.
func (s *Scheduler) resolveWindow(ctx context.Context, feed string, feedCfg config.FeedConfig, now time.Time) (*time.Time, models.RunType, time.Time, error) {
	wm, err := s.watermark.Get(ctx, feed)
	if err != nil {
		if err == watermark.ErrNotFound {
			start := time.Unix(0, 0).UTC()
			if feedCfg.FullRunStart != "" {
				if parsed, perr := time.Parse(time.RFC3339, feedCfg.FullRunStart); perr == nil {
					start = parsed
				}
			}
			return nil, models.RunTypeFull, start, nil
		}
		return nil, "", time.Time{}, err
	}

	before := wm.LastUpdatedAt
	updatedFrom := wm.LastUpdatedAt.Add(-feedCfg.SafetyBufferDuration())
	return &before, models.RunTypeIncremental, updatedFrom, nil
}

func coalesceFloat(v, fallback float64) float64 {
	if v == 0 {
		return fallback
	}
	return v
}

// workerBounds resolves the partition count cap and the per-partition
// record floor for one run, favoring the feed's own override over the
// heatmap config's, and reducing the cap for incremental runs since an
// incremental window is expected to touch far fewer records than a full
// scan.
func (s *Scheduler) workerBounds(feedCfg config.FeedConfig, heatmapCfg partitioner.Config, runType models.RunType) (maxWorkers, minRecordsPerWorker int) {
	maxWorkers = heatmapCfg.MaxWorkers
	if feedCfg.MaxWorkers > 0 {
		maxWorkers = feedCfg.MaxWorkers
	}
	minRecordsPerWorker = heatmapCfg.MinRecordsPerWorker
	if feedCfg.MinWorkers > 0 {
		minRecordsPerWorker = feedCfg.MinWorkers
	}
	if runType == models.RunTypeIncremental && maxWorkers > 1 {
		maxWorkers /= 4
		if maxWorkers < 1 {
			maxWorkers = 1
		}
	}
	return maxWorkers, minRecordsPerWorker
}
