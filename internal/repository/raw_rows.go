package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/nivoda/diamond-ingest/internal/models"
)

// UpsertRawRows bulk-upserts fetched items into raw_rows, keyed on
// (feed, supplier_stone_id): payload is overwritten wholesale and
// consolidation_status resets to pending so the consolidator picks the row
// back up.
func (r *Repository) UpsertRawRows(ctx context.Context, rows []models.RawRow) error {
	if len(rows) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(`
			INSERT INTO raw_rows (
				feed, supplier_stone_id, offer_id, payload, consolidation_status,
				source_updated_at, created_at, updated_at
			)
			VALUES ($1, $2, $3, $4, 'pending', $5, NOW(), NOW())
			ON CONFLICT (feed, supplier_stone_id) DO UPDATE SET
				offer_id = EXCLUDED.offer_id,
				payload = EXCLUDED.payload,
				consolidation_status = 'pending',
				claim_expiry = NULL,
				source_updated_at = EXCLUDED.source_updated_at,
				updated_at = NOW()`,
			row.Feed, row.SupplierStoneID, row.OfferID, row.Payload, row.SourceUpdatedAt,
		)
	}

	br := r.db.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < len(rows); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to upsert raw row batch: %w", err)
		}
	}
	return nil
}

// ClaimPendingRawRows atomically claims up to batchSize pending rows for one
// feed, giving each a claim_expiry so a consolidator replica that dies
// mid-batch doesn't hold the rows forever. Concurrent consolidators calling
// this take disjoint batches since the UPDATE...LIMIT...RETURNING is one
// atomic statement.
func (r *Repository) ClaimPendingRawRows(ctx context.Context, feed string, batchSize int, claimTTL time.Duration) ([]models.RawRow, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE raw_rows
		SET consolidation_status = 'claimed', claim_expiry = NOW() + $3::interval
		WHERE (feed, supplier_stone_id) IN (
			SELECT feed, supplier_stone_id FROM raw_rows
			WHERE feed = $1 AND consolidation_status = 'pending'
			ORDER BY supplier_stone_id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING feed, supplier_stone_id, offer_id, payload, consolidation_status,
		          claim_expiry, source_updated_at, created_at, updated_at`,
		feed, batchSize, claimTTL.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.RawRow
	for rows.Next() {
		var row models.RawRow
		if err := rows.Scan(&row.Feed, &row.SupplierStoneID, &row.OfferID, &row.Payload,
			&row.ConsolidationStatus, &row.ClaimExpiry, &row.SourceUpdatedAt,
			&row.CreatedAt, &row.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// MarkRawRowsDone marks a set of claimed rows done after successful
// consolidation.
func (r *Repository) MarkRawRowsDone(ctx context.Context, feed string, supplierStoneIDs []string) error {
	if len(supplierStoneIDs) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx, `
		UPDATE raw_rows SET consolidation_status = 'done', claim_expiry = NULL
		WHERE feed = $1 AND supplier_stone_id = ANY($2)`,
		feed, supplierStoneIDs,
	)
	return err
}

// ReleaseExpiredClaims resets claimed rows whose claim_expiry has passed
// back to pending, run periodically so a dead consolidator replica doesn't
// hold rows claimed forever.
func (r *Repository) ReleaseExpiredClaims(ctx context.Context) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE raw_rows
		SET consolidation_status = 'pending', claim_expiry = NULL
		WHERE consolidation_status = 'claimed' AND claim_expiry < NOW()`,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CountPendingRawRows counts a feed's pending raw rows. The consolidator's
// claim loop does not call it; each loop stops when a claim comes back empty.
func (r *Repository) CountPendingRawRows(ctx context.Context, feed string) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM raw_rows WHERE feed = $1 AND consolidation_status = 'pending'`,
		feed,
	).Scan(&n)
	return n, err
}

// SupplierStoneIDsSeenSince returns every supplier_stone_id for feed whose
// raw row was written (updated_at) at or after since, the "current run's raw
// rows" set the soft-delete pass diffs canonical rows against.
func (r *Repository) SupplierStoneIDsSeenSince(ctx context.Context, feed string, since time.Time) (map[string]bool, error) {
	rows, err := r.db.Query(ctx, `
		SELECT supplier_stone_id FROM raw_rows WHERE feed = $1 AND updated_at >= $2`,
		feed, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		seen[id] = true
	}
	return seen, rows.Err()
}
