package services

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pulsartrack/backend/internal/config"
	"github.com/pulsartrack/backend/internal/events"
	"github.com/pulsartrack/backend/internal/models"
	"github.com/pulsartrack/backend/internal/rbac"
	"github.com/pulsartrack/backend/internal/repositories"
	"go.uber.org/zap"
)

var (
	ErrEscrowNotFound   = errors.New("escrow not found")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrGateNotSatisfied = errors.New("release gate not satisfied")
	ErrAlreadyFinalized = errors.New("escrow already finalized")
	ErrAlreadyReleased  = errors.New("escrow already released")
	ErrNotExpired       = errors.New("escrow not yet expired")
	ErrNothingLocked    = errors.New("no locked funds remaining")
)

// Store contracts the controller depends on. The pgx repositories satisfy
// them in production; tests plug in in-memory fakes.
type escrowStore interface {
	Create(ctx context.Context, e *models.Escrow) error
	GetByID(ctx context.Context, id int64) (*models.Escrow, error)
	ApplyFullRelease(ctx context.Context, id int64, releasedAt time.Time) (bool, error)
	ApplyPartialRelease(ctx context.Context, id int64, amount *big.Int) (bool, error)
	ApplyRefund(ctx context.Context, id int64) (bool, error)
	ListExpiredLocked(ctx context.Context, now time.Time, limit int) ([]models.Escrow, error)
	List(ctx context.Context, f repositories.EscrowFilter) ([]models.Escrow, error)
	CountConservationViolations(ctx context.Context) (int64, error)
}

type approvalStore interface {
	RegisterRequired(ctx context.Context, escrowID int64, approverID uuid.UUID) error
	IsRequired(ctx context.Context, escrowID int64, approverID uuid.UUID) (bool, error)
	RecordApproval(ctx context.Context, escrowID int64, approverID uuid.UUID, at time.Time) (bool, error)
	Count(ctx context.Context, escrowID int64) (int, error)
	ListByEscrow(ctx context.Context, escrowID int64) ([]models.EscrowApproval, error)
}

type performanceStore interface {
	Replace(ctx context.Context, p *models.PerformanceReport) error
	Get(ctx context.Context, escrowID int64) (*models.PerformanceReport, error)
}

// fundLedger is the value-transfer port. The transfer must be atomic: on
// error no balance moved and the calling operation aborts untouched.
type fundLedger interface {
	Transfer(ctx context.Context, from, to uuid.UUID, amount *big.Int) error
}

type auditLogger interface {
	Log(ctx context.Context, entry models.AuditLog) error
}

// EscrowService is the lifecycle controller: the only writer of escrow,
// approval and performance state. Funds move through the ledger first; state
// commits only after the transfer succeeded.
type EscrowService struct {
	escrows     escrowStore
	approvals   approvalStore
	performance performanceStore
	ledger      fundLedger
	audit       auditLogger
	publisher   events.Publisher
	cfg         *config.Config
	log         *zap.Logger
	nowFn       func() time.Time

	// Per-escrow serialization for the transfer-then-commit window.
	// Operations on different escrow ids never contend.
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func NewEscrowService(
	escrows escrowStore,
	approvals approvalStore,
	performance performanceStore,
	ledger fundLedger,
	audit auditLogger,
	publisher events.Publisher,
	cfg *config.Config,
	log *zap.Logger,
) *EscrowService {
	return &EscrowService{
		escrows:     escrows,
		approvals:   approvals,
		performance: performance,
		ledger:      ledger,
		audit:       audit,
		publisher:   publisher,
		cfg:         cfg,
		log:         log,
		nowFn:       time.Now,
		locks:       make(map[int64]*sync.Mutex),
	}
}

// SetNowFunc overrides the clock. Tests use it for deterministic timestamps.
func (s *EscrowService) SetNowFunc(now func() time.Time) {
	if now == nil {
		s.nowFn = time.Now
		return
	}
	s.nowFn = now
}

func (s *EscrowService) now() time.Time { return s.nowFn() }

func (s *EscrowService) lockEscrow(id int64) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

type CreateEscrowInput struct {
	CampaignID           int64
	BeneficiaryUserID    uuid.UUID
	AmountNano           *big.Int
	TimeLockDuration     time.Duration
	ExpiresIn            time.Duration
	PerformanceThreshold int
	RequiredApprovers    []uuid.UUID
}

// CreateEscrow locks the deposit and registers the release conditions. All
// validation happens before the transfer is attempted, so a rejected call
// has no side effects at all.
func (s *EscrowService) CreateEscrow(ctx context.Context, actor rbac.Actor, in CreateEscrowInput) (*models.Escrow, error) {
	if !actor.Authenticated() || actor.System {
		return nil, ErrUnauthorized
	}
	if in.AmountNano == nil || in.AmountNano.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidArgument)
	}
	if in.PerformanceThreshold < 0 || in.PerformanceThreshold > 100 {
		return nil, fmt.Errorf("%w: performance threshold must be 0-100", ErrInvalidArgument)
	}
	if in.ExpiresIn <= 0 {
		return nil, fmt.Errorf("%w: expires_in must be positive", ErrInvalidArgument)
	}
	if in.TimeLockDuration < 0 {
		return nil, fmt.Errorf("%w: time lock duration must not be negative", ErrInvalidArgument)
	}
	if in.BeneficiaryUserID == uuid.Nil {
		return nil, fmt.Errorf("%w: beneficiary is required", ErrInvalidArgument)
	}

	now := s.now()
	amount := new(big.Int).Set(in.AmountNano)

	// Funds first: a failed transfer leaves no escrow behind.
	if err := s.ledger.Transfer(ctx, actor.UserID, s.cfg.EscrowCustodyAccountID, amount); err != nil {
		return nil, fmt.Errorf("deposit transfer: %w", err)
	}

	lockedAt := now
	escrow := &models.Escrow{
		CampaignID:           in.CampaignID,
		DepositorUserID:      actor.UserID,
		BeneficiaryUserID:    in.BeneficiaryUserID,
		AmountNano:           amount,
		LockedNano:           new(big.Int).Set(amount),
		ReleasedNano:         big.NewInt(0),
		RefundedNano:         big.NewInt(0),
		State:                models.EscrowStateLocked,
		TimeLockUntil:        now.Add(in.TimeLockDuration),
		PerformanceThreshold: in.PerformanceThreshold,
		LockedAt:             &lockedAt,
		ExpiresAt:            now.Add(in.ExpiresIn),
	}

	if err := s.escrows.Create(ctx, escrow); err != nil {
		// Funds already moved into custody — hand them back.
		if rbErr := s.ledger.Transfer(ctx, s.cfg.EscrowCustodyAccountID, actor.UserID, amount); rbErr != nil {
			s.log.Error("failed to return deposit after create failure",
				zap.String("depositor", actor.UserID.String()),
				zap.String("amount_nano", amount.String()),
				zap.Error(rbErr),
			)
		}
		return nil, err
	}

	for _, approver := range in.RequiredApprovers {
		if approver == uuid.Nil {
			continue
		}
		if err := s.approvals.RegisterRequired(ctx, escrow.ID, approver); err != nil {
			return nil, err
		}
	}

	s.auditEscrow(ctx, actor, "escrow_created", escrow.ID, map[string]any{
		"campaign_id": escrow.CampaignID,
		"amount_nano": amount.String(),
	})
	s.publish(ctx, events.EventEscrowCreated, map[string]any{
		"escrow_id":   escrow.ID,
		"campaign_id": escrow.CampaignID,
		"amount_nano": amount.String(),
	})

	return escrow, nil
}

// ApproveRelease records one quorum vote. Repeated calls from the same
// approver are accepted but do not count twice.
func (s *EscrowService) ApproveRelease(ctx context.Context, actor rbac.Actor, escrowID int64) error {
	if !actor.Authenticated() || actor.System {
		return ErrUnauthorized
	}

	escrow, err := s.getEscrow(ctx, escrowID)
	if err != nil {
		return err
	}

	required, err := s.approvals.IsRequired(ctx, escrowID, actor.UserID)
	if err != nil {
		return err
	}
	roles := s.resolveRoles(actor, escrow, required)
	if !rbac.CanInvoke(rbac.OpApproveRelease, roles) {
		return fmt.Errorf("%w: not a required approver", ErrUnauthorized)
	}
	if escrow.State == models.EscrowStateReleased {
		return ErrAlreadyReleased
	}

	recorded, err := s.approvals.RecordApproval(ctx, escrowID, actor.UserID, s.now())
	if err != nil {
		return err
	}
	if !recorded {
		// Idempotent repeat, nothing to audit.
		return nil
	}

	s.auditEscrow(ctx, actor, "escrow_approved", escrowID, nil)
	return nil
}

// ReleaseEscrow settles the whole remaining locked balance to the
// beneficiary once the release gate holds.
func (s *EscrowService) ReleaseEscrow(ctx context.Context, actor rbac.Actor, escrowID int64) error {
	unlock := s.lockEscrow(escrowID)
	defer unlock()

	escrow, err := s.getEscrow(ctx, escrowID)
	if err != nil {
		return err
	}
	if !rbac.CanInvoke(rbac.OpReleaseEscrow, s.resolveRoles(actor, escrow, false)) {
		return fmt.Errorf("%w: only the depositor or an admin may release", ErrUnauthorized)
	}
	if models.IsTerminalState(escrow.State) {
		return ErrAlreadyFinalized
	}
	if escrow.LockedNano.Sign() <= 0 {
		return ErrNothingLocked
	}

	now := s.now()
	if err := s.requireGate(ctx, escrow, now); err != nil {
		return err
	}

	amount := new(big.Int).Set(escrow.LockedNano)
	if err := s.ledger.Transfer(ctx, s.cfg.EscrowCustodyAccountID, escrow.BeneficiaryUserID, amount); err != nil {
		return fmt.Errorf("release transfer: %w", err)
	}

	ok, err := s.escrows.ApplyFullRelease(ctx, escrowID, now)
	if err != nil {
		return err
	}
	if !ok {
		// The per-escrow lock makes this unreachable unless an external
		// writer touched the row between transfer and commit.
		s.log.Error("release state commit rejected after transfer",
			zap.Int64("escrow_id", escrowID),
			zap.String("amount_nano", amount.String()),
		)
		return ErrAlreadyFinalized
	}

	s.auditEscrow(ctx, actor, "escrow_released", escrowID, map[string]any{"amount_nano": amount.String()})
	s.publish(ctx, events.EventEscrowReleased, map[string]any{
		"escrow_id":   escrowID,
		"amount_nano": amount.String(),
	})
	return nil
}

// ReleasePartial settles part of the locked balance. May be repeated until
// the escrow is exhausted or finished off with ReleaseEscrow.
func (s *EscrowService) ReleasePartial(ctx context.Context, actor rbac.Actor, escrowID int64, amount *big.Int) error {
	unlock := s.lockEscrow(escrowID)
	defer unlock()

	escrow, err := s.getEscrow(ctx, escrowID)
	if err != nil {
		return err
	}
	if !rbac.CanInvoke(rbac.OpReleasePartial, s.resolveRoles(actor, escrow, false)) {
		return fmt.Errorf("%w: only the depositor or an admin may release", ErrUnauthorized)
	}
	if models.IsTerminalState(escrow.State) {
		return ErrAlreadyFinalized
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidArgument)
	}
	if amount.Cmp(escrow.LockedNano) > 0 {
		return fmt.Errorf("%w: amount exceeds locked balance", ErrInvalidArgument)
	}

	now := s.now()
	if err := s.requireGate(ctx, escrow, now); err != nil {
		return err
	}

	part := new(big.Int).Set(amount)
	if err := s.ledger.Transfer(ctx, s.cfg.EscrowCustodyAccountID, escrow.BeneficiaryUserID, part); err != nil {
		return fmt.Errorf("release transfer: %w", err)
	}

	ok, err := s.escrows.ApplyPartialRelease(ctx, escrowID, part)
	if err != nil {
		return err
	}
	if !ok {
		s.log.Error("partial release state commit rejected after transfer",
			zap.Int64("escrow_id", escrowID),
			zap.String("amount_nano", part.String()),
		)
		return ErrAlreadyFinalized
	}

	s.auditEscrow(ctx, actor, "escrow_release_partial", escrowID, map[string]any{"amount_nano": part.String()})
	s.publish(ctx, events.EventEscrowReleasePartial, map[string]any{
		"escrow_id":   escrowID,
		"amount_nano": part.String(),
	})
	return nil
}

// RefundEscrow returns the remaining locked balance to the depositor after
// expiry. Any authenticated caller (or the system sweeper) may trigger it:
// expiry is the guard, not caller identity, and the funds can only go back
// to the depositor. It works even if approvers or the oracle never act.
func (s *EscrowService) RefundEscrow(ctx context.Context, actor rbac.Actor, escrowID int64) error {
	if !rbac.CanInvoke(rbac.OpRefundEscrow, s.resolveRoles(actor, nil, false)) {
		return ErrUnauthorized
	}

	unlock := s.lockEscrow(escrowID)
	defer unlock()

	escrow, err := s.getEscrow(ctx, escrowID)
	if err != nil {
		return err
	}
	if models.IsTerminalState(escrow.State) {
		return ErrAlreadyFinalized
	}
	if s.now().Before(escrow.ExpiresAt) {
		return ErrNotExpired
	}
	if escrow.LockedNano.Sign() <= 0 {
		return ErrNothingLocked
	}

	refund := new(big.Int).Set(escrow.LockedNano)
	if err := s.ledger.Transfer(ctx, s.cfg.EscrowCustodyAccountID, escrow.DepositorUserID, refund); err != nil {
		return fmt.Errorf("refund transfer: %w", err)
	}

	ok, err := s.escrows.ApplyRefund(ctx, escrowID)
	if err != nil {
		return err
	}
	if !ok {
		s.log.Error("refund state commit rejected after transfer",
			zap.Int64("escrow_id", escrowID),
			zap.String("amount_nano", refund.String()),
		)
		return ErrAlreadyFinalized
	}

	s.auditEscrow(ctx, actor, "escrow_refunded", escrowID, map[string]any{"amount_nano": refund.String()})
	s.publish(ctx, events.EventEscrowRefunded, map[string]any{
		"escrow_id":   escrowID,
		"amount_nano": refund.String(),
	})
	return nil
}

// UpdatePerformance replaces the delivery report for an escrow. Oracle only.
func (s *EscrowService) UpdatePerformance(ctx context.Context, actor rbac.Actor, escrowID int64, performance int, views, clicks int64) error {
	if !actor.Authenticated() {
		return ErrUnauthorized
	}
	if !rbac.CanInvoke(rbac.OpUpdatePerformance, s.resolveRoles(actor, nil, false)) {
		return fmt.Errorf("%w: caller is not the registered oracle", ErrUnauthorized)
	}
	if performance < 0 || performance > 100 {
		return fmt.Errorf("%w: performance must be 0-100", ErrInvalidArgument)
	}
	if _, err := s.getEscrow(ctx, escrowID); err != nil {
		return err
	}

	report := &models.PerformanceReport{
		EscrowID:           escrowID,
		CurrentPerformance: performance,
		ViewsDelivered:     views,
		ClicksDelivered:    clicks,
		LastUpdated:        s.now(),
	}
	if err := s.performance.Replace(ctx, report); err != nil {
		return err
	}

	s.auditEscrowAs(ctx, actor, "oracle", "performance_updated", escrowID, map[string]any{
		"performance": performance,
		"views":       views,
		"clicks":      clicks,
	})
	return nil
}

// --- read-only ---

func (s *EscrowService) GetEscrow(ctx context.Context, escrowID int64) (*models.Escrow, error) {
	return s.getEscrow(ctx, escrowID)
}

func (s *EscrowService) GetPerformance(ctx context.Context, escrowID int64) (*models.PerformanceReport, error) {
	if _, err := s.getEscrow(ctx, escrowID); err != nil {
		return nil, err
	}
	return s.performance.Get(ctx, escrowID)
}

func (s *EscrowService) GetApprovalCount(ctx context.Context, escrowID int64) (int, error) {
	if _, err := s.getEscrow(ctx, escrowID); err != nil {
		return 0, err
	}
	return s.approvals.Count(ctx, escrowID)
}

func (s *EscrowService) ListApprovals(ctx context.Context, escrowID int64) ([]models.EscrowApproval, error) {
	if _, err := s.getEscrow(ctx, escrowID); err != nil {
		return nil, err
	}
	return s.approvals.ListByEscrow(ctx, escrowID)
}

// CanRelease evaluates the gate read-only, against the latest stored state.
func (s *EscrowService) CanRelease(ctx context.Context, escrowID int64) (models.GateResult, error) {
	escrow, err := s.getEscrow(ctx, escrowID)
	if err != nil {
		return models.GateResult{}, err
	}
	return s.evaluateGate(ctx, escrow, s.now())
}

func (s *EscrowService) ListEscrows(ctx context.Context, f repositories.EscrowFilter) ([]models.Escrow, error) {
	return s.escrows.List(ctx, f)
}

// --- background jobs ---

// SweepExpired refunds every expired escrow that still holds locked funds.
// Invoked by the worker as the system actor.
func (s *EscrowService) SweepExpired(ctx context.Context, limit int) (int, error) {
	expired, err := s.escrows.ListExpiredLocked(ctx, s.now(), limit)
	if err != nil {
		return 0, err
	}

	refunded := 0
	for _, escrow := range expired {
		if err := s.RefundEscrow(ctx, rbac.SystemActor, escrow.ID); err != nil {
			s.log.Error("expiry refund failed",
				zap.Int64("escrow_id", escrow.ID),
				zap.Error(err),
			)
			continue
		}
		refunded++
	}
	return refunded, nil
}

// CheckConservation verifies locked + released + refunded == amount across
// all escrows. Returns the number of violations (must be zero).
func (s *EscrowService) CheckConservation(ctx context.Context) (int64, error) {
	return s.escrows.CountConservationViolations(ctx)
}

// --- helpers ---

func (s *EscrowService) getEscrow(ctx context.Context, escrowID int64) (*models.Escrow, error) {
	escrow, err := s.escrows.GetByID(ctx, escrowID)
	if err != nil || escrow == nil {
		return nil, ErrEscrowNotFound
	}
	return escrow, nil
}

// resolveRoles is the explicit role-resolution step performed before any
// mutation. Roles are relative to the escrow at hand.
func (s *EscrowService) resolveRoles(actor rbac.Actor, escrow *models.Escrow, requiredApprover bool) []string {
	var roles []string
	if actor.System {
		return []string{rbac.RoleSystem}
	}
	if !actor.Authenticated() {
		return nil
	}
	if escrow != nil {
		if actor.UserID == escrow.DepositorUserID {
			roles = append(roles, rbac.RoleDepositor)
		}
		if actor.UserID == escrow.BeneficiaryUserID {
			roles = append(roles, rbac.RoleBeneficiary)
		}
	}
	if requiredApprover {
		roles = append(roles, rbac.RoleApprover)
	}
	if s.cfg.IsAdmin(actor.TelegramID) {
		roles = append(roles, rbac.RoleAdmin)
	}
	if s.cfg.IsOracle(actor.TelegramID) {
		roles = append(roles, rbac.RoleOracle)
	}
	roles = append(roles, rbac.RoleAny)
	return roles
}

func (s *EscrowService) evaluateGate(ctx context.Context, escrow *models.Escrow, now time.Time) (models.GateResult, error) {
	count, err := s.approvals.Count(ctx, escrow.ID)
	if err != nil {
		return models.GateResult{}, err
	}
	perf, err := s.performance.Get(ctx, escrow.ID)
	if err != nil {
		return models.GateResult{}, err
	}
	return models.EvaluateReleaseGate(escrow, count, s.cfg.MinApprovalThreshold, perf, now), nil
}

func (s *EscrowService) requireGate(ctx context.Context, escrow *models.Escrow, now time.Time) error {
	gate, err := s.evaluateGate(ctx, escrow, now)
	if err != nil {
		return err
	}
	switch {
	case !gate.TimeOK:
		return fmt.Errorf("%w: time lock active", ErrGateNotSatisfied)
	case !gate.ApprovalsOK:
		return fmt.Errorf("%w: approval quorum not met", ErrGateNotSatisfied)
	case !gate.PerformanceOK:
		return fmt.Errorf("%w: performance below threshold", ErrGateNotSatisfied)
	}
	return nil
}

func (s *EscrowService) auditEscrow(ctx context.Context, actor rbac.Actor, action string, escrowID int64, meta map[string]any) {
	s.auditEscrowAs(ctx, actor, actor.Type(), action, escrowID, meta)
}

func (s *EscrowService) auditEscrowAs(ctx context.Context, actor rbac.Actor, actorType, action string, escrowID int64, meta map[string]any) {
	entityID := strconv.FormatInt(escrowID, 10)
	var actorID *uuid.UUID
	if !actor.System && actor.UserID != uuid.Nil {
		id := actor.UserID
		actorID = &id
	}
	_ = s.audit.Log(ctx, models.AuditLog{
		ActorUserID: actorID,
		ActorType:   actorType,
		Action:      action,
		EntityType:  "escrow",
		EntityID:    &entityID,
		Meta:        meta,
	})
}

func (s *EscrowService) publish(ctx context.Context, eventType string, payload map[string]any) {
	_ = s.publisher.Publish(ctx, events.StreamEscrow, events.Event{
		Type:    eventType,
		Payload: payload,
	})
}
