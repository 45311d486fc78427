package repositories

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pulsartrack/backend/internal/models"
)

type EscrowRepo struct {
	pool *pgxpool.Pool
}

func NewEscrowRepo(pool *pgxpool.Pool) *EscrowRepo {
	return &EscrowRepo{pool: pool}
}

const escrowColumns = `
	id, campaign_id, depositor_user_id, beneficiary_user_id,
	amount_nano::text, locked_nano::text, released_nano::text, refunded_nano::text,
	state, time_lock_until, performance_threshold,
	created_at, locked_at, released_at, expires_at`

func (r *EscrowRepo) Create(ctx context.Context, e *models.Escrow) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO escrows (
			campaign_id, depositor_user_id, beneficiary_user_id,
			amount_nano, locked_nano, released_nano, refunded_nano,
			state, time_lock_until, performance_threshold, locked_at, expires_at
		) VALUES ($1, $2, $3, $4::numeric, $5::numeric, 0, 0, $6, $7, $8, $9, $10)
		RETURNING id, created_at
	`, e.CampaignID, e.DepositorUserID, e.BeneficiaryUserID,
		e.AmountNano.String(), e.LockedNano.String(),
		e.State, e.TimeLockUntil, e.PerformanceThreshold, e.LockedAt, e.ExpiresAt,
	).Scan(&e.ID, &e.CreatedAt)
}

func (r *EscrowRepo) GetByID(ctx context.Context, id int64) (*models.Escrow, error) {
	row := r.pool.QueryRow(ctx, `SELECT`+escrowColumns+` FROM escrows WHERE id = $1`, id)
	return scanEscrow(row)
}

// ApplyFullRelease moves the whole locked balance into released and finalizes
// the escrow. The WHERE clause is the serialization backstop: a concurrent
// release or refund that committed first leaves zero rows to update.
func (r *EscrowRepo) ApplyFullRelease(ctx context.Context, id int64, releasedAt time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE escrows SET
			released_nano = released_nano + locked_nano,
			locked_nano = 0,
			state = $2,
			released_at = $3
		WHERE id = $1 AND state IN ($4, $5) AND locked_nano > 0
	`, id, models.EscrowStateReleased, releasedAt,
		models.EscrowStateLocked, models.EscrowStatePartiallyReleased)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ApplyPartialRelease moves amount from locked to released; the escrow stays
// open for further partial or full releases.
func (r *EscrowRepo) ApplyPartialRelease(ctx context.Context, id int64, amount *big.Int) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE escrows SET
			locked_nano = locked_nano - $2::numeric,
			released_nano = released_nano + $2::numeric,
			state = $3
		WHERE id = $1 AND state IN ($4, $5) AND locked_nano >= $2::numeric
	`, id, amount.String(), models.EscrowStatePartiallyReleased,
		models.EscrowStateLocked, models.EscrowStatePartiallyReleased)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ApplyRefund moves the remaining locked balance into refunded and finalizes
// the escrow.
func (r *EscrowRepo) ApplyRefund(ctx context.Context, id int64) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE escrows SET
			refunded_nano = refunded_nano + locked_nano,
			locked_nano = 0,
			state = $2
		WHERE id = $1 AND state IN ($3, $4) AND locked_nano > 0
	`, id, models.EscrowStateRefunded,
		models.EscrowStateLocked, models.EscrowStatePartiallyReleased)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListExpiredLocked returns escrows eligible for the refund sweep.
func (r *EscrowRepo) ListExpiredLocked(ctx context.Context, now time.Time, limit int) ([]models.Escrow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT`+escrowColumns+`
		FROM escrows
		WHERE expires_at <= $1 AND state IN ($2, $3) AND locked_nano > 0
		ORDER BY expires_at ASC LIMIT $4
	`, now, models.EscrowStateLocked, models.EscrowStatePartiallyReleased, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEscrows(rows)
}

type EscrowFilter struct {
	DepositorUserID   *string
	BeneficiaryUserID *string
	CampaignID        *int64
	State             *string
	Limit             int
	Offset            int
}

func (r *EscrowRepo) List(ctx context.Context, f EscrowFilter) ([]models.Escrow, error) {
	if f.Limit <= 0 {
		f.Limit = 20
	}

	query := `SELECT` + escrowColumns + ` FROM escrows WHERE 1=1`
	args := []any{}
	i := 1

	if f.DepositorUserID != nil {
		query += fmt.Sprintf(" AND depositor_user_id = $%d", i)
		args = append(args, *f.DepositorUserID)
		i++
	}
	if f.BeneficiaryUserID != nil {
		query += fmt.Sprintf(" AND beneficiary_user_id = $%d", i)
		args = append(args, *f.BeneficiaryUserID)
		i++
	}
	if f.CampaignID != nil {
		query += fmt.Sprintf(" AND campaign_id = $%d", i)
		args = append(args, *f.CampaignID)
		i++
	}
	if f.State != nil {
		query += fmt.Sprintf(" AND state = $%d", i)
		args = append(args, *f.State)
		i++
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", i, i+1)
	args = append(args, f.Limit, f.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEscrows(rows)
}

// CountConservationViolations reports escrows whose balance buckets no longer
// sum to the deposited amount. Zero is the only acceptable answer.
func (r *EscrowRepo) CountConservationViolations(ctx context.Context) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, `
		SELECT count(*) FROM escrows
		WHERE locked_nano + released_nano + refunded_nano <> amount_nano
		   OR locked_nano < 0 OR released_nano < 0 OR refunded_nano < 0
	`).Scan(&n)
	return n, err
}

func scanEscrow(row pgx.Row) (*models.Escrow, error) {
	var e models.Escrow
	var amount, locked, released, refunded string
	err := row.Scan(
		&e.ID, &e.CampaignID, &e.DepositorUserID, &e.BeneficiaryUserID,
		&amount, &locked, &released, &refunded,
		&e.State, &e.TimeLockUntil, &e.PerformanceThreshold,
		&e.CreatedAt, &e.LockedAt, &e.ReleasedAt, &e.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	if e.AmountNano, err = parseNano(amount); err != nil {
		return nil, err
	}
	if e.LockedNano, err = parseNano(locked); err != nil {
		return nil, err
	}
	if e.ReleasedNano, err = parseNano(released); err != nil {
		return nil, err
	}
	if e.RefundedNano, err = parseNano(refunded); err != nil {
		return nil, err
	}
	return &e, nil
}

func collectEscrows(rows pgx.Rows) ([]models.Escrow, error) {
	var escrows []models.Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		escrows = append(escrows, *e)
	}
	return escrows, rows.Err()
}

func parseNano(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid numeric value %q", s)
	}
	return v, nil
}
