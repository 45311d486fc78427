package models

import (
	"math/big"
	"time"

	"github.com/google/uuid"
)

// LedgerAccount is an internal nanoTON balance for a user (or for the
// platform custody account). Deposits from the TON indexer credit it;
// escrow operations move value between accounts through the ledger.
type LedgerAccount struct {
	UserID      uuid.UUID `json:"user_id"`
	BalanceNano *big.Int  `json:"-"`
	UpdatedAt   time.Time `json:"updated_at"`
}
