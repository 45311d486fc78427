package dto

import (
	"time"

	"github.com/pulsartrack/backend/internal/models"
)

type AuthResponse struct {
	Token string `json:"token"`
	User  any    `json:"user"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

type SuccessResponse struct {
	OK   bool `json:"ok"`
	Data any  `json:"data,omitempty"`
}

// EscrowResponse renders balances as decimal strings so the nanoTON values
// survive JSON number precision.
type EscrowResponse struct {
	ID                   int64      `json:"id"`
	CampaignID           int64      `json:"campaign_id"`
	DepositorUserID      string     `json:"depositor_user_id"`
	BeneficiaryUserID    string     `json:"beneficiary_user_id"`
	AmountNano           string     `json:"amount_nano"`
	LockedNano           string     `json:"locked_nano"`
	ReleasedNano         string     `json:"released_nano"`
	RefundedNano         string     `json:"refunded_nano"`
	State                string     `json:"state"`
	TimeLockUntil        time.Time  `json:"time_lock_until"`
	PerformanceThreshold int        `json:"performance_threshold"`
	CreatedAt            time.Time  `json:"created_at"`
	LockedAt             *time.Time `json:"locked_at,omitempty"`
	ReleasedAt           *time.Time `json:"released_at,omitempty"`
	ExpiresAt            time.Time  `json:"expires_at"`
}

func NewEscrowResponse(e *models.Escrow) EscrowResponse {
	return EscrowResponse{
		ID:                   e.ID,
		CampaignID:           e.CampaignID,
		DepositorUserID:      e.DepositorUserID.String(),
		BeneficiaryUserID:    e.BeneficiaryUserID.String(),
		AmountNano:           e.AmountNano.String(),
		LockedNano:           e.LockedNano.String(),
		ReleasedNano:         e.ReleasedNano.String(),
		RefundedNano:         e.RefundedNano.String(),
		State:                e.State,
		TimeLockUntil:        e.TimeLockUntil,
		PerformanceThreshold: e.PerformanceThreshold,
		CreatedAt:            e.CreatedAt,
		LockedAt:             e.LockedAt,
		ReleasedAt:           e.ReleasedAt,
		ExpiresAt:            e.ExpiresAt,
	}
}

type GateResponse struct {
	TimeOK        bool `json:"time_ok"`
	ApprovalsOK   bool `json:"approvals_ok"`
	PerformanceOK bool `json:"performance_ok"`
	Releasable    bool `json:"releasable"`
}

func NewGateResponse(g models.GateResult) GateResponse {
	return GateResponse{
		TimeOK:        g.TimeOK,
		ApprovalsOK:   g.ApprovalsOK,
		PerformanceOK: g.PerformanceOK,
		Releasable:    g.Releasable(),
	}
}

type BalanceResponse struct {
	UserID      string `json:"user_id"`
	BalanceNano string `json:"balance_nano"`
}
