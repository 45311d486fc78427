package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pulsartrack/backend/internal/models"
)

type ApprovalRepo struct {
	pool *pgxpool.Pool
}

func NewApprovalRepo(pool *pgxpool.Pool) *ApprovalRepo {
	return &ApprovalRepo{pool: pool}
}

// RegisterRequired marks a principal as an authorized approver for an escrow.
// Done once at creation; the set never changes afterwards.
func (r *ApprovalRepo) RegisterRequired(ctx context.Context, escrowID int64, approverID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO escrow_required_approvers (escrow_id, approver_user_id)
		VALUES ($1, $2)
		ON CONFLICT (escrow_id, approver_user_id) DO NOTHING
	`, escrowID, approverID)
	return err
}

func (r *ApprovalRepo) IsRequired(ctx context.Context, escrowID int64, approverID uuid.UUID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM escrow_required_approvers
			WHERE escrow_id = $1 AND approver_user_id = $2
		)
	`, escrowID, approverID).Scan(&exists)
	return exists, err
}

// RecordApproval stores the approval and reports whether it was the first
// one from this approver. Repeats hit the primary key and change nothing,
// so a single approver cannot inflate the quorum.
func (r *ApprovalRepo) RecordApproval(ctx context.Context, escrowID int64, approverID uuid.UUID, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO escrow_approvals (escrow_id, approver_user_id, approved, created_at)
		VALUES ($1, $2, true, $3)
		ON CONFLICT (escrow_id, approver_user_id) DO NOTHING
	`, escrowID, approverID, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Count is the quorum value the release gate compares against.
func (r *ApprovalRepo) Count(ctx context.Context, escrowID int64) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT count(*) FROM escrow_approvals WHERE escrow_id = $1 AND approved
	`, escrowID).Scan(&n)
	return n, err
}

func (r *ApprovalRepo) ListByEscrow(ctx context.Context, escrowID int64) ([]models.EscrowApproval, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT escrow_id, approver_user_id, approved, created_at
		FROM escrow_approvals WHERE escrow_id = $1
		ORDER BY created_at ASC
	`, escrowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var approvals []models.EscrowApproval
	for rows.Next() {
		var a models.EscrowApproval
		if err := rows.Scan(&a.EscrowID, &a.ApproverUserID, &a.Approved, &a.CreatedAt); err != nil {
			return nil, err
		}
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}
