package models

import (
	"math/big"
	"time"

	"github.com/google/uuid"
)

// Escrow states
const (
	EscrowStatePending           = "pending"
	EscrowStateLocked            = "locked"
	EscrowStateReleased          = "released"
	EscrowStatePartiallyReleased = "partially_released"
	EscrowStateRefunded          = "refunded"
)

// Valid state transitions: from -> []to
//
// "pending" is reserved for deferred funding and is unreachable from the
// creation path: CreateEscrow transfers funds up front and starts at "locked".
var ValidEscrowTransitions = map[string][]string{
	EscrowStatePending:           {EscrowStateLocked},
	EscrowStateLocked:            {EscrowStateReleased, EscrowStatePartiallyReleased, EscrowStateRefunded},
	EscrowStatePartiallyReleased: {EscrowStateReleased, EscrowStatePartiallyReleased, EscrowStateRefunded},
	EscrowStateReleased:          {},
	EscrowStateRefunded:          {},
}

func IsValidTransition(from, to string) bool {
	allowed, ok := ValidEscrowTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminalState reports whether no further release or refund may succeed.
func IsTerminalState(state string) bool {
	return len(ValidEscrowTransitions[state]) == 0
}

// Escrow holds deposited funds for a campaign placement until the release
// gate (time lock + approval quorum + performance score) is satisfied.
//
// Balance invariant: LockedNano + ReleasedNano + RefundedNano == AmountNano
// at every observable point; all three are >= 0 and AmountNano never changes.
type Escrow struct {
	ID                   int64      `json:"id"`
	CampaignID           int64      `json:"campaign_id"`
	DepositorUserID      uuid.UUID  `json:"depositor_user_id"`
	BeneficiaryUserID    uuid.UUID  `json:"beneficiary_user_id"`
	AmountNano           *big.Int   `json:"-"`
	LockedNano           *big.Int   `json:"-"`
	ReleasedNano         *big.Int   `json:"-"`
	RefundedNano         *big.Int   `json:"-"`
	State                string     `json:"state"`
	TimeLockUntil        time.Time  `json:"time_lock_until"`
	PerformanceThreshold int        `json:"performance_threshold"` // percentage 0-100
	CreatedAt            time.Time  `json:"created_at"`
	LockedAt             *time.Time `json:"locked_at,omitempty"`
	ReleasedAt           *time.Time `json:"released_at,omitempty"`
	ExpiresAt            time.Time  `json:"expires_at"`
}

// Clone returns a deep copy so callers can mutate without touching the
// stored instance (big.Int fields are shared pointers otherwise).
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	clone.AmountNano = cloneNano(e.AmountNano)
	clone.LockedNano = cloneNano(e.LockedNano)
	clone.ReleasedNano = cloneNano(e.ReleasedNano)
	clone.RefundedNano = cloneNano(e.RefundedNano)
	if e.LockedAt != nil {
		t := *e.LockedAt
		clone.LockedAt = &t
	}
	if e.ReleasedAt != nil {
		t := *e.ReleasedAt
		clone.ReleasedAt = &t
	}
	return &clone
}

// ConservationHolds checks the balance invariant.
func (e *Escrow) ConservationHolds() bool {
	if e == nil || e.AmountNano == nil {
		return false
	}
	sum := new(big.Int).Add(cloneNano(e.LockedNano), cloneNano(e.ReleasedNano))
	sum.Add(sum, cloneNano(e.RefundedNano))
	return sum.Cmp(e.AmountNano) == 0 &&
		cloneNano(e.LockedNano).Sign() >= 0 &&
		cloneNano(e.ReleasedNano).Sign() >= 0 &&
		cloneNano(e.RefundedNano).Sign() >= 0
}

func cloneNano(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// EscrowApproval is one recorded approval per escrow x approver. A repeated
// approval from the same approver is a no-op, not a second quorum vote.
type EscrowApproval struct {
	EscrowID       int64     `json:"escrow_id"`
	ApproverUserID uuid.UUID `json:"approver_user_id"`
	Approved       bool      `json:"approved"`
	CreatedAt      time.Time `json:"created_at"`
}
