package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/nivoda/diamond-ingest/internal/models"
)

// CreateRun inserts one run row.
func (r *Repository) CreateRun(ctx context.Context, run models.Run) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO run_metadata (
			run_id, feed, run_type, expected_workers, completed_workers,
			failed_workers, watermark_before, watermark_after, started_at
		)
		VALUES ($1, $2, $3, $4, 0, 0, $5, $6, $7)`,
		run.RunID, run.Feed, run.RunType, run.ExpectedWorkers,
		run.WatermarkBefore, run.WatermarkAfter, run.StartedAt,
	)
	return err
}

// GetRun reads one run row by id.
func (r *Repository) GetRun(ctx context.Context, runID string) (models.Run, error) {
	var run models.Run
	err := r.db.QueryRow(ctx, `
		SELECT run_id, feed, run_type, expected_workers, completed_workers,
		       failed_workers, watermark_before, watermark_after, started_at, completed_at
		FROM run_metadata WHERE run_id = $1`,
		runID,
	).Scan(&run.RunID, &run.Feed, &run.RunType, &run.ExpectedWorkers,
		&run.CompletedWorkers, &run.FailedWorkers, &run.WatermarkBefore,
		&run.WatermarkAfter, &run.StartedAt, &run.CompletedAt)
	return run, err
}

// RecordPartitionOutcome atomically increments a run's completed or failed
// worker count and returns the updated row so the caller can check
// Run.Done() without a second round trip.
func (r *Repository) RecordPartitionOutcome(ctx context.Context, runID string, success bool) (models.Run, error) {
	column := "completed_workers"
	if !success {
		column = "failed_workers"
	}
	var run models.Run
	err := r.db.QueryRow(ctx, `
		UPDATE run_metadata SET `+column+` = `+column+` + 1
		WHERE run_id = $1
		RETURNING run_id, feed, run_type, expected_workers, completed_workers,
		          failed_workers, watermark_before, watermark_after, started_at, completed_at`,
		runID,
	).Scan(&run.RunID, &run.Feed, &run.RunType, &run.ExpectedWorkers,
		&run.CompletedWorkers, &run.FailedWorkers, &run.WatermarkBefore,
		&run.WatermarkAfter, &run.StartedAt, &run.CompletedAt)
	return run, err
}

// CompleteRun marks a run's completed_at timestamp, idempotently (a second
// call is a no-op since the WHERE clause only matches while still open).
func (r *Repository) CompleteRun(ctx context.Context, runID string, completedAt time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE run_metadata SET completed_at = $2
		WHERE run_id = $1 AND completed_at IS NULL`,
		runID, completedAt,
	)
	return err
}

// GetFeedWatermark reads the most recent completed run's watermark_after for
// a feed. The scheduler takes its incremental window from the blob-store
// watermark, not from this; the API's /feeds/{feed}/watermark diagnostic
// compares the two. Returns (zero time, false, nil) if the feed has never
// completed a run.
func (r *Repository) GetFeedWatermark(ctx context.Context, feed string) (time.Time, bool, error) {
	var ts time.Time
	err := r.db.QueryRow(ctx, `
		SELECT watermark_after FROM run_metadata
		WHERE feed = $1 AND completed_at IS NOT NULL
		ORDER BY completed_at DESC LIMIT 1`,
		feed,
	).Scan(&ts)
	if err == pgx.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return ts, true, nil
}
