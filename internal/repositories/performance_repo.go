package repositories

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pulsartrack/backend/internal/models"
)

type PerformanceRepo struct {
	pool *pgxpool.Pool
}

func NewPerformanceRepo(pool *pgxpool.Pool) *PerformanceRepo {
	return &PerformanceRepo{pool: pool}
}

// Replace overwrites the report wholesale — last write wins, no history.
func (r *PerformanceRepo) Replace(ctx context.Context, p *models.PerformanceReport) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO escrow_performance (escrow_id, current_performance, views_delivered, clicks_delivered, last_updated)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (escrow_id) DO UPDATE SET
			current_performance = EXCLUDED.current_performance,
			views_delivered = EXCLUDED.views_delivered,
			clicks_delivered = EXCLUDED.clicks_delivered,
			last_updated = EXCLUDED.last_updated
	`, p.EscrowID, p.CurrentPerformance, p.ViewsDelivered, p.ClicksDelivered, p.LastUpdated)
	return err
}

// Get returns (nil, nil) when no report was ever filed; the gate treats
// absence as a trivially satisfied condition.
func (r *PerformanceRepo) Get(ctx context.Context, escrowID int64) (*models.PerformanceReport, error) {
	var p models.PerformanceReport
	err := r.pool.QueryRow(ctx, `
		SELECT escrow_id, current_performance, views_delivered, clicks_delivered, last_updated
		FROM escrow_performance WHERE escrow_id = $1
	`, escrowID).Scan(&p.EscrowID, &p.CurrentPerformance, &p.ViewsDelivered, &p.ClicksDelivered, &p.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
