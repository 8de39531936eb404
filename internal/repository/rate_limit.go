package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// ClaimWindowSlot implements ratelimit.Store: one row per feed key holds the
// current fixed window's request count. A fresh window resets the counter
// to 1 and claims; an in-window claim only succeeds while request_count < n.
// The row is locked with SELECT ... FOR UPDATE so the read-then-write isn't
// racy under concurrent callers. The first-ever claim for a key uses
// INSERT ... ON CONFLICT DO NOTHING so two racing first-creators serialize
// instead of one erroring on a duplicate key.
func (r *Repository) ClaimWindowSlot(ctx context.Context, key string, windowStart time.Time, n int) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	var existingStart time.Time
	var count int
	err = tx.QueryRow(ctx, `
		SELECT window_start, request_count FROM rate_limit WHERE key = $1 FOR UPDATE`,
		key,
	).Scan(&existingStart, &count)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		tag, err := tx.Exec(ctx, `
			INSERT INTO rate_limit (key, window_start, request_count, last_request_at)
			VALUES ($1, $2, 1, NOW())
			ON CONFLICT (key) DO NOTHING`,
			key, windowStart,
		)
		if err != nil {
			return false, err
		}
		if tag.RowsAffected() > 0 {
			return true, tx.Commit(ctx)
		}
		// Lost the race to another first-creator; re-read the row it just
		// inserted and fall through to the normal claim path below.
		if err := tx.QueryRow(ctx, `
			SELECT window_start, request_count FROM rate_limit WHERE key = $1 FOR UPDATE`,
			key,
		).Scan(&existingStart, &count); err != nil {
			return false, err
		}
	case err != nil:
		return false, err
	}

	claimed := false
	switch {
	case existingStart.Before(windowStart):
		count = 1
		claimed = true
	case count < n:
		count++
		claimed = true
	}

	if claimed {
		if _, err := tx.Exec(ctx, `
			UPDATE rate_limit
			SET window_start = $2, request_count = $3, last_request_at = NOW()
			WHERE key = $1`,
			key, windowStart, count,
		); err != nil {
			return false, err
		}
	}
	return claimed, tx.Commit(ctx)
}
