package repository

import "context"

// LogPartitionError records a partition-level failure for audit/debugging,
// deduped on (run_id, partition_id, error_hash) via ON CONFLICT DO NOTHING so
// a retry storm hitting the same failure doesn't spam the table.
func (r *Repository) LogPartitionError(ctx context.Context, runID string, partitionID int, errorHash, errMsg string, payload []byte) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO partition_errors (run_id, partition_id, error_hash, error_message, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (run_id, partition_id, error_hash) DO NOTHING`,
		runID, partitionID, errorHash, errMsg, payload,
	)
	return err
}
