package repository

import (
	"context"
	"time"
)

// CancelRun force-fails every partition of run_id still pending or running
// and marks the run completed, the operator-triggered counterpart to a
// natural stall. Partitions already completed or failed are left untouched.
func (r *Repository) CancelRun(ctx context.Context, runID string) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE partition_progress
		SET status = 'failed', error_message = 'cancelled by operator'
		WHERE run_id = $1 AND status IN ('pending', 'running')`,
		runID,
	)
	if err != nil {
		return 0, err
	}

	if err := r.CompleteRun(ctx, runID, time.Now().UTC()); err != nil {
		return tag.RowsAffected(), err
	}
	return tag.RowsAffected(), nil
}
