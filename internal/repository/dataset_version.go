package repository

import (
	"context"
	"fmt"
	"time"
)

// GetDatasetVersions returns the current version of every feed with a row,
// used to build the composite "feed:v" cache-version string.
func (r *Repository) GetDatasetVersions(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.Query(ctx, `SELECT feed, version FROM dataset_versions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var feed string
		var version int64
		if err := rows.Scan(&feed, &version); err != nil {
			return nil, err
		}
		out[feed] = version
	}
	return out, rows.Err()
}

// FinalizeRun runs the soft-delete pass and the dataset-version bump for one
// feed's completed run inside a single transaction (DESIGN.md open question
// (c)), so a crash between the two never leaves a version bumped without
// the soft-deletes it's supposed to reflect, or vice versa. The blob-store
// watermark write is deliberately not part of this transaction: the blob
// store is a separate coordination mechanism, single-writer per feed after
// consolidation, and Postgres can't span a two-phase commit with GCS.
func (r *Repository) FinalizeRun(ctx context.Context, feed string, runStartedAt time.Time, stillPresent []string) (deleted int64, version int64, err error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("finalize run: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE diamonds
		SET status = 'deleted', deleted_at = NOW()
		WHERE feed = $1 AND status = 'active' AND source_updated_at < $2
		  AND NOT (supplier_stone_id = ANY($3))`,
		feed, runStartedAt, stillPresent,
	)
	if err != nil {
		return 0, 0, fmt.Errorf("finalize run: soft delete: %w", err)
	}
	deleted = tag.RowsAffected()

	err = tx.QueryRow(ctx, `
		INSERT INTO dataset_versions (feed, version)
		VALUES ($1, 1)
		ON CONFLICT (feed) DO UPDATE SET version = dataset_versions.version + 1
		RETURNING version`,
		feed,
	).Scan(&version)
	if err != nil {
		return 0, 0, fmt.Errorf("finalize run: bump version: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("finalize run: commit: %w", err)
	}
	return deleted, version, nil
}
