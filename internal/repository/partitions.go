package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/nivoda/diamond-ingest/internal/models"
)

// CreatePartitions bulk-inserts the partitions produced by the heatmap scan
// for one run, batched instead of issuing one round trip per row.
func (r *Repository) CreatePartitions(ctx context.Context, partitions []models.Partition) error {
	if len(partitions) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, p := range partitions {
		batch.Queue(`
			INSERT INTO partition_progress (
				run_id, partition_id, min_price, max_price, total_records,
				next_offset, status, last_heartbeat, retry_count
			)
			VALUES ($1, $2, $3, $4, $5, 0, 'pending', NOW(), 0)`,
			p.RunID, p.PartitionID, p.MinPrice, p.MaxPrice, p.TotalRecords,
		)
	}

	br := r.db.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < len(partitions); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to insert partition batch: %w", err)
		}
	}
	return nil
}

// GetPartition reads one partition row.
func (r *Repository) GetPartition(ctx context.Context, runID string, partitionID int) (models.Partition, error) {
	var p models.Partition
	err := r.db.QueryRow(ctx, `
		SELECT run_id, partition_id, min_price, max_price, total_records,
		       next_offset, status, last_heartbeat, retry_count, next_retry_at,
		       work_item_payload, error_message
		FROM partition_progress WHERE run_id = $1 AND partition_id = $2`,
		runID, partitionID,
	).Scan(&p.RunID, &p.PartitionID, &p.MinPrice, &p.MaxPrice, &p.TotalRecords,
		&p.NextOffset, &p.Status, &p.LastHeartbeat, &p.RetryCount, &p.NextRetryAt,
		&p.WorkItemPayload, &p.ErrorMessage)
	return p, err
}

// MarkPartitionRunning transitions a pending (or previously-failed, via
// retry) partition to running, CAS-guarded so a redelivered message that
// races another worker's delivery of the same partition loses harmlessly.
func (r *Repository) MarkPartitionRunning(ctx context.Context, runID string, partitionID int) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE partition_progress
		SET status = 'running', last_heartbeat = NOW()
		WHERE run_id = $1 AND partition_id = $2 AND status IN ('pending', 'running')`,
		runID, partitionID,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// AdvanceOffset atomically advances next_offset and refreshes the heartbeat
// after a page of items has been upserted.
func (r *Repository) AdvanceOffset(ctx context.Context, runID string, partitionID int, newOffset int) error {
	_, err := r.db.Exec(ctx, `
		UPDATE partition_progress
		SET next_offset = $3, last_heartbeat = NOW()
		WHERE run_id = $1 AND partition_id = $2 AND next_offset < $3`,
		runID, partitionID, newOffset,
	)
	return err
}

// CompletePartition marks a partition completed once its offset has reached
// total_records.
func (r *Repository) CompletePartition(ctx context.Context, runID string, partitionID int) error {
	_, err := r.db.Exec(ctx, `
		UPDATE partition_progress
		SET status = 'completed', next_offset = total_records, last_heartbeat = NOW()
		WHERE run_id = $1 AND partition_id = $2`,
		runID, partitionID,
	)
	return err
}

// FailPartition marks a partition failed and persists the work-item payload
// for later retry replay.
func (r *Repository) FailPartition(ctx context.Context, runID string, partitionID int, errMsg string, payload []byte) error {
	_, err := r.db.Exec(ctx, `
		UPDATE partition_progress
		SET status = 'failed', error_message = $3, work_item_payload = $4,
		    last_heartbeat = NOW()
		WHERE run_id = $1 AND partition_id = $2`,
		runID, partitionID, errMsg, payload,
	)
	return err
}

// StallRunningPartitions transitions every partition, across all runs, still
// running with a heartbeat older than threshold into failed, CAS-guarded on
// status so at most one monitor replica effects each transition.
// Returns the transitioned partition rows.
func (r *Repository) StallRunningPartitions(ctx context.Context, stallThreshold time.Duration) ([]models.Partition, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE partition_progress
		SET status = 'failed', error_message = 'stalled: no heartbeat within threshold'
		WHERE status = 'running' AND last_heartbeat < NOW() - $1::interval
		RETURNING run_id, partition_id, min_price, max_price, total_records,
		          next_offset, status, last_heartbeat, retry_count, next_retry_at,
		          work_item_payload, error_message`,
		stallThreshold.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Partition
	for rows.Next() {
		var p models.Partition
		if err := rows.Scan(&p.RunID, &p.PartitionID, &p.MinPrice, &p.MaxPrice,
			&p.TotalRecords, &p.NextOffset, &p.Status, &p.LastHeartbeat,
			&p.RetryCount, &p.NextRetryAt, &p.WorkItemPayload, &p.ErrorMessage); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ClaimRetryablePartitions atomically resets failed partitions eligible for
// retry (retry_count < maxRetries, next_retry_at <= now) back to pending,
// preserving next_offset, and bumps retry_count + sets the next backoff
// deadline (baseBackoff × 2^retry_count plus up to one baseBackoff of random
// jitter). Returns the claimed rows so the monitor can re-enqueue
// their stored work-item-payload.
func (r *Repository) ClaimRetryablePartitions(ctx context.Context, maxRetries int, baseBackoff time.Duration) ([]models.Partition, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE partition_progress
		SET status = 'pending',
		    retry_count = retry_count + 1,
		    next_retry_at = NOW() + ($2::interval * POWER(2, retry_count + 1)) + (random() * $2::interval)
		WHERE status = 'failed' AND retry_count < $1 AND (next_retry_at IS NULL OR next_retry_at <= NOW())
		RETURNING run_id, partition_id, min_price, max_price, total_records,
		          next_offset, status, last_heartbeat, retry_count, next_retry_at,
		          work_item_payload, error_message`,
		maxRetries, baseBackoff.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Partition
	for rows.Next() {
		var p models.Partition
		if err := rows.Scan(&p.RunID, &p.PartitionID, &p.MinPrice, &p.MaxPrice,
			&p.TotalRecords, &p.NextOffset, &p.Status, &p.LastHeartbeat,
			&p.RetryCount, &p.NextRetryAt, &p.WorkItemPayload, &p.ErrorMessage); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ResetPartition force-resets one partition back to pending with retry_count
// cleared, bypassing the normal retry_count/next_retry_at gating
// ClaimRetryablePartitions enforces. This is an operator escape hatch
// (cmd/tools/reset_partition) for a partition stuck past MAX_RETRIES, not a
// path any automatic component calls.
func (r *Repository) ResetPartition(ctx context.Context, runID string, partitionID int) error {
	_, err := r.db.Exec(ctx, `
		UPDATE partition_progress
		SET status = 'pending', retry_count = 0, next_retry_at = NULL,
		    last_heartbeat = NOW()
		WHERE run_id = $1 AND partition_id = $2`,
		runID, partitionID,
	)
	return err
}

// ListPartitionsForRun returns every partition row for a run, used by the
// API's /runs/{run_id}/partitions endpoint.
func (r *Repository) ListPartitionsForRun(ctx context.Context, runID string) ([]models.Partition, error) {
	rows, err := r.db.Query(ctx, `
		SELECT run_id, partition_id, min_price, max_price, total_records,
		       next_offset, status, last_heartbeat, retry_count, next_retry_at,
		       work_item_payload, error_message
		FROM partition_progress WHERE run_id = $1 ORDER BY partition_id`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Partition
	for rows.Next() {
		var p models.Partition
		if err := rows.Scan(&p.RunID, &p.PartitionID, &p.MinPrice, &p.MaxPrice,
			&p.TotalRecords, &p.NextOffset, &p.Status, &p.LastHeartbeat,
			&p.RetryCount, &p.NextRetryAt, &p.WorkItemPayload, &p.ErrorMessage); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
