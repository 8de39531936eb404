package repository

import (
	"context"
	"time"

	"github.com/nivoda/diamond-ingest/internal/models"
)

// UpsertDiamond upserts one canonical row keyed on (feed, supplier_stone_id).
// A zero-value string/float field in fields is treated as "absent from this
// payload" and does not overwrite an existing non-empty value, since
// CanonicalFields carries no separate presence bitmap (see DESIGN.md).
func (r *Repository) UpsertDiamond(ctx context.Context, feed, supplierStoneID, offerID string, fields models.Diamond, sourceUpdatedAt time.Time) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO diamonds (
			feed, supplier_stone_id, offer_id, shape, carat_weight, color, clarity,
			cut, polish, symmetry, fluorescence, lab_grading_report, certificate_url,
			price, availability, status, source_updated_at, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		        'active', $16, NOW(), NOW())
		ON CONFLICT (feed, supplier_stone_id) DO UPDATE SET
			offer_id            = EXCLUDED.offer_id,
			shape                = COALESCE(NULLIF(EXCLUDED.shape, ''), diamonds.shape),
			carat_weight         = COALESCE(NULLIF(EXCLUDED.carat_weight, 0), diamonds.carat_weight),
			color                = COALESCE(NULLIF(EXCLUDED.color, ''), diamonds.color),
			clarity              = COALESCE(NULLIF(EXCLUDED.clarity, ''), diamonds.clarity),
			cut                  = COALESCE(NULLIF(EXCLUDED.cut, ''), diamonds.cut),
			polish               = COALESCE(NULLIF(EXCLUDED.polish, ''), diamonds.polish),
			symmetry             = COALESCE(NULLIF(EXCLUDED.symmetry, ''), diamonds.symmetry),
			fluorescence         = COALESCE(NULLIF(EXCLUDED.fluorescence, ''), diamonds.fluorescence),
			lab_grading_report   = COALESCE(NULLIF(EXCLUDED.lab_grading_report, ''), diamonds.lab_grading_report),
			certificate_url      = COALESCE(NULLIF(EXCLUDED.certificate_url, ''), diamonds.certificate_url),
			price                = COALESCE(NULLIF(EXCLUDED.price, 0), diamonds.price),
			availability         = COALESCE(NULLIF(EXCLUDED.availability, ''), diamonds.availability),
			status               = 'active',
			deleted_at           = NULL,
			source_updated_at    = EXCLUDED.source_updated_at,
			updated_at           = NOW()`,
		feed, supplierStoneID, offerID, fields.Shape, fields.CaratWeight, fields.Color,
		fields.Clarity, fields.Cut, fields.Polish, fields.Symmetry, fields.Fluorescence,
		fields.LabGradingReport, fields.CertificateURL, fields.Price, fields.Availability,
		sourceUpdatedAt,
	)
	return err
}

// SearchDiamonds is the canonical-table query backing the read API,
// filtering on price range and paging by offset/limit over a stable id
// order.
func (r *Repository) SearchDiamonds(ctx context.Context, feed string, minPrice, maxPrice float64, offset, limit int) ([]models.Diamond, int, error) {
	var total int
	if err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM diamonds
		WHERE feed = $1 AND status = 'active' AND price >= $2 AND price < $3`,
		feed, minPrice, maxPrice,
	).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.db.Query(ctx, `
		SELECT id, feed, supplier_stone_id, offer_id, shape, carat_weight, color,
		       clarity, cut, polish, symmetry, fluorescence, lab_grading_report,
		       certificate_url, price, availability, status, source_updated_at,
		       created_at, updated_at, deleted_at
		FROM diamonds
		WHERE feed = $1 AND status = 'active' AND price >= $2 AND price < $3
		ORDER BY id
		OFFSET $4 LIMIT $5`,
		feed, minPrice, maxPrice, offset, limit,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []models.Diamond
	for rows.Next() {
		var d models.Diamond
		if err := rows.Scan(&d.ID, &d.Feed, &d.SupplierStoneID, &d.OfferID, &d.Shape,
			&d.CaratWeight, &d.Color, &d.Clarity, &d.Cut, &d.Polish, &d.Symmetry,
			&d.Fluorescence, &d.LabGradingReport, &d.CertificateURL, &d.Price,
			&d.Availability, &d.Status, &d.SourceUpdatedAt, &d.CreatedAt, &d.UpdatedAt,
			&d.DeletedAt); err != nil {
			return nil, 0, err
		}
		out = append(out, d)
	}
	return out, total, rows.Err()
}
