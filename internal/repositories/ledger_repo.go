package repositories

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pulsartrack/backend/internal/models"
)

// ErrInsufficientBalance is returned by Transfer when the debit side cannot
// cover the amount. The caller's escrow mutation must not proceed.
var ErrInsufficientBalance = errors.New("insufficient ledger balance")

type LedgerRepo struct {
	pool *pgxpool.Pool
}

func NewLedgerRepo(pool *pgxpool.Pool) *LedgerRepo {
	return &LedgerRepo{pool: pool}
}

func (r *LedgerRepo) GetAccount(ctx context.Context, userID uuid.UUID) (*models.LedgerAccount, error) {
	var a models.LedgerAccount
	var balance string
	err := r.pool.QueryRow(ctx, `
		SELECT user_id, balance_nano::text, updated_at
		FROM ledger_accounts WHERE user_id = $1
	`, userID).Scan(&a.UserID, &balance, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &models.LedgerAccount{UserID: userID, BalanceNano: big.NewInt(0)}, nil
	}
	if err != nil {
		return nil, err
	}
	if a.BalanceNano, err = parseNano(balance); err != nil {
		return nil, err
	}
	return &a, nil
}

// Credit adds funds to an account, creating it on first deposit.
func (r *LedgerRepo) Credit(ctx context.Context, userID uuid.UUID, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("credit amount must be positive")
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO ledger_accounts (user_id, balance_nano)
		VALUES ($1, $2::numeric)
		ON CONFLICT (user_id) DO UPDATE SET
			balance_nano = ledger_accounts.balance_nano + EXCLUDED.balance_nano,
			updated_at = now()
	`, userID, amount.String())
	return err
}

// Transfer moves amount between two accounts inside one transaction: the
// guarded debit and the credit apply together or not at all.
func (r *LedgerRepo) Transfer(ctx context.Context, from, to uuid.UUID, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("transfer amount must be positive")
	}
	if from == to {
		return fmt.Errorf("transfer endpoints must differ")
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE ledger_accounts
		SET balance_nano = balance_nano - $2::numeric, updated_at = now()
		WHERE user_id = $1 AND balance_nano >= $2::numeric
	`, from, amount.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return ErrInsufficientBalance
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO ledger_accounts (user_id, balance_nano)
		VALUES ($1, $2::numeric)
		ON CONFLICT (user_id) DO UPDATE SET
			balance_nano = ledger_accounts.balance_nano + EXCLUDED.balance_nano,
			updated_at = now()
	`, to, amount.String())
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}
