package services

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pulsartrack/backend/internal/config"
	"github.com/pulsartrack/backend/internal/events"
	"github.com/pulsartrack/backend/internal/models"
	"github.com/pulsartrack/backend/internal/rbac"
	"github.com/pulsartrack/backend/internal/repositories"
	"go.uber.org/zap"
)

// --- in-memory fakes ---

type memEscrows struct {
	nextID  int64
	escrows map[int64]*models.Escrow
}

func newMemEscrows() *memEscrows {
	return &memEscrows{nextID: 1, escrows: make(map[int64]*models.Escrow)}
}

func (m *memEscrows) Create(_ context.Context, e *models.Escrow) error {
	e.ID = m.nextID
	m.nextID++
	e.CreatedAt = time.Now()
	m.escrows[e.ID] = e.Clone()
	return nil
}

func (m *memEscrows) GetByID(_ context.Context, id int64) (*models.Escrow, error) {
	e, ok := m.escrows[id]
	if !ok {
		return nil, nil
	}
	return e.Clone(), nil
}

func (m *memEscrows) ApplyFullRelease(_ context.Context, id int64, releasedAt time.Time) (bool, error) {
	e, ok := m.escrows[id]
	if !ok {
		return false, nil
	}
	if e.State != models.EscrowStateLocked && e.State != models.EscrowStatePartiallyReleased {
		return false, nil
	}
	if e.LockedNano.Sign() <= 0 {
		return false, nil
	}
	e.ReleasedNano.Add(e.ReleasedNano, e.LockedNano)
	e.LockedNano.SetInt64(0)
	e.State = models.EscrowStateReleased
	e.ReleasedAt = &releasedAt
	return true, nil
}

func (m *memEscrows) ApplyPartialRelease(_ context.Context, id int64, amount *big.Int) (bool, error) {
	e, ok := m.escrows[id]
	if !ok {
		return false, nil
	}
	if e.State != models.EscrowStateLocked && e.State != models.EscrowStatePartiallyReleased {
		return false, nil
	}
	if e.LockedNano.Cmp(amount) < 0 {
		return false, nil
	}
	e.LockedNano.Sub(e.LockedNano, amount)
	e.ReleasedNano.Add(e.ReleasedNano, amount)
	e.State = models.EscrowStatePartiallyReleased
	return true, nil
}

func (m *memEscrows) ApplyRefund(_ context.Context, id int64) (bool, error) {
	e, ok := m.escrows[id]
	if !ok {
		return false, nil
	}
	if e.State != models.EscrowStateLocked && e.State != models.EscrowStatePartiallyReleased {
		return false, nil
	}
	if e.LockedNano.Sign() <= 0 {
		return false, nil
	}
	e.RefundedNano.Add(e.RefundedNano, e.LockedNano)
	e.LockedNano.SetInt64(0)
	e.State = models.EscrowStateRefunded
	return true, nil
}

func (m *memEscrows) ListExpiredLocked(_ context.Context, now time.Time, limit int) ([]models.Escrow, error) {
	var out []models.Escrow
	var ids []int64
	for id := range m.escrows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		e := m.escrows[id]
		if models.IsTerminalState(e.State) || e.LockedNano.Sign() <= 0 {
			continue
		}
		if now.Before(e.ExpiresAt) {
			continue
		}
		out = append(out, *e.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memEscrows) List(_ context.Context, f repositories.EscrowFilter) ([]models.Escrow, error) {
	var out []models.Escrow
	for _, e := range m.escrows {
		if f.State != nil && e.State != *f.State {
			continue
		}
		if f.CampaignID != nil && e.CampaignID != *f.CampaignID {
			continue
		}
		out = append(out, *e.Clone())
	}
	return out, nil
}

func (m *memEscrows) CountConservationViolations(_ context.Context) (int64, error) {
	var n int64
	for _, e := range m.escrows {
		if !e.ConservationHolds() {
			n++
		}
	}
	return n, nil
}

type approvalKey struct {
	escrowID int64
	approver uuid.UUID
}

type memApprovals struct {
	required map[approvalKey]bool
	approved map[approvalKey]time.Time
}

func newMemApprovals() *memApprovals {
	return &memApprovals{
		required: make(map[approvalKey]bool),
		approved: make(map[approvalKey]time.Time),
	}
}

func (m *memApprovals) RegisterRequired(_ context.Context, escrowID int64, approverID uuid.UUID) error {
	m.required[approvalKey{escrowID, approverID}] = true
	return nil
}

func (m *memApprovals) IsRequired(_ context.Context, escrowID int64, approverID uuid.UUID) (bool, error) {
	return m.required[approvalKey{escrowID, approverID}], nil
}

func (m *memApprovals) RecordApproval(_ context.Context, escrowID int64, approverID uuid.UUID, at time.Time) (bool, error) {
	k := approvalKey{escrowID, approverID}
	if _, ok := m.approved[k]; ok {
		return false, nil
	}
	m.approved[k] = at
	return true, nil
}

func (m *memApprovals) Count(_ context.Context, escrowID int64) (int, error) {
	n := 0
	for k := range m.approved {
		if k.escrowID == escrowID {
			n++
		}
	}
	return n, nil
}

func (m *memApprovals) ListByEscrow(_ context.Context, escrowID int64) ([]models.EscrowApproval, error) {
	var out []models.EscrowApproval
	for k, at := range m.approved {
		if k.escrowID == escrowID {
			out = append(out, models.EscrowApproval{
				EscrowID:       k.escrowID,
				ApproverUserID: k.approver,
				Approved:       true,
				CreatedAt:      at,
			})
		}
	}
	return out, nil
}

type memPerformance struct {
	reports map[int64]*models.PerformanceReport
}

func newMemPerformance() *memPerformance {
	return &memPerformance{reports: make(map[int64]*models.PerformanceReport)}
}

func (m *memPerformance) Replace(_ context.Context, p *models.PerformanceReport) error {
	cp := *p
	m.reports[p.EscrowID] = &cp
	return nil
}

func (m *memPerformance) Get(_ context.Context, escrowID int64) (*models.PerformanceReport, error) {
	p, ok := m.reports[escrowID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

type memLedger struct {
	balances map[uuid.UUID]*big.Int
	failNext error
}

func newMemLedger() *memLedger {
	return &memLedger{balances: make(map[uuid.UUID]*big.Int)}
}

func (m *memLedger) balance(id uuid.UUID) *big.Int {
	b, ok := m.balances[id]
	if !ok {
		b = big.NewInt(0)
		m.balances[id] = b
	}
	return b
}

func (m *memLedger) Transfer(_ context.Context, from, to uuid.UUID, amount *big.Int) error {
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return err
	}
	fromBal := m.balance(from)
	if fromBal.Cmp(amount) < 0 {
		return repositories.ErrInsufficientBalance
	}
	fromBal.Sub(fromBal, amount)
	m.balance(to).Add(m.balance(to), amount)
	return nil
}

type memAudit struct {
	entries []models.AuditLog
}

func (m *memAudit) Log(_ context.Context, entry models.AuditLog) error {
	m.entries = append(m.entries, entry)
	return nil
}

type memPublisher struct {
	published []events.Event
}

func (m *memPublisher) Publish(_ context.Context, _ string, event events.Event) error {
	m.published = append(m.published, event)
	return nil
}

// --- fixture ---

type fixture struct {
	svc       *EscrowService
	escrows   *memEscrows
	approvals *memApprovals
	perf      *memPerformance
	ledger    *memLedger
	audit     *memAudit
	pub       *memPublisher
	cfg       *config.Config
	now       time.Time

	depositor   rbac.Actor
	beneficiary rbac.Actor
	approver    rbac.Actor
	oracle      rbac.Actor
	stranger    rbac.Actor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		escrows:   newMemEscrows(),
		approvals: newMemApprovals(),
		perf:      newMemPerformance(),
		ledger:    newMemLedger(),
		audit:     &memAudit{},
		pub:       &memPublisher{},
		now:       time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.cfg = &config.Config{
		EscrowCustodyAccountID: uuid.New(),
		MinApprovalThreshold:   1,
		OracleTelegramIDs:      []int64{900},
		AdminTelegramIDs:       []int64{901},
	}
	f.depositor = rbac.Actor{UserID: uuid.New(), TelegramID: 100}
	f.beneficiary = rbac.Actor{UserID: uuid.New(), TelegramID: 200}
	f.approver = rbac.Actor{UserID: uuid.New(), TelegramID: 300}
	f.oracle = rbac.Actor{UserID: uuid.New(), TelegramID: 900}
	f.stranger = rbac.Actor{UserID: uuid.New(), TelegramID: 400}

	f.svc = NewEscrowService(f.escrows, f.approvals, f.perf, f.ledger, f.audit, f.pub, f.cfg, zap.NewNop())
	f.svc.SetNowFunc(func() time.Time { return f.now })

	f.ledger.balance(f.depositor.UserID).SetInt64(10_000)
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func (f *fixture) create(t *testing.T, in CreateEscrowInput) *models.Escrow {
	t.Helper()
	if in.BeneficiaryUserID == uuid.Nil {
		in.BeneficiaryUserID = f.beneficiary.UserID
	}
	if in.AmountNano == nil {
		in.AmountNano = big.NewInt(1000)
	}
	if in.ExpiresIn == 0 {
		in.ExpiresIn = 24 * time.Hour
	}
	e, err := f.svc.CreateEscrow(context.Background(), f.depositor, in)
	if err != nil {
		t.Fatalf("CreateEscrow: %v", err)
	}
	return e
}

func (f *fixture) assertConservation(t *testing.T, escrowID int64) {
	t.Helper()
	e, err := f.svc.GetEscrow(context.Background(), escrowID)
	if err != nil {
		t.Fatalf("GetEscrow: %v", err)
	}
	if !e.ConservationHolds() {
		t.Fatalf("conservation violated: amount=%s locked=%s released=%s refunded=%s",
			e.AmountNano, e.LockedNano, e.ReleasedNano, e.RefundedNano)
	}
}

// --- tests ---

func TestCreateEscrowLocksDeposit(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, CreateEscrowInput{
		AmountNano:           big.NewInt(1000),
		TimeLockDuration:     time.Hour,
		PerformanceThreshold: 50,
		RequiredApprovers:    []uuid.UUID{f.approver.UserID},
	})

	if e.State != models.EscrowStateLocked {
		t.Fatalf("state = %s, want %s", e.State, models.EscrowStateLocked)
	}
	if got := f.ledger.balance(f.depositor.UserID).Int64(); got != 9000 {
		t.Fatalf("depositor balance = %d, want 9000", got)
	}
	if got := f.ledger.balance(f.cfg.EscrowCustodyAccountID).Int64(); got != 1000 {
		t.Fatalf("custody balance = %d, want 1000", got)
	}
	f.assertConservation(t, e.ID)
}

func TestCreateEscrowValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   CreateEscrowInput
	}{
		{"zero amount", CreateEscrowInput{AmountNano: big.NewInt(0), BeneficiaryUserID: f.beneficiary.UserID, ExpiresIn: time.Hour}},
		{"negative amount", CreateEscrowInput{AmountNano: big.NewInt(-5), BeneficiaryUserID: f.beneficiary.UserID, ExpiresIn: time.Hour}},
		{"threshold over 100", CreateEscrowInput{AmountNano: big.NewInt(10), BeneficiaryUserID: f.beneficiary.UserID, ExpiresIn: time.Hour, PerformanceThreshold: 101}},
		{"no expiry", CreateEscrowInput{AmountNano: big.NewInt(10), BeneficiaryUserID: f.beneficiary.UserID}},
		{"no beneficiary", CreateEscrowInput{AmountNano: big.NewInt(10), ExpiresIn: time.Hour}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateEscrow(ctx, f.depositor, tt.in)
			if !errors.Is(err, ErrInvalidArgument) {
				t.Fatalf("err = %v, want ErrInvalidArgument", err)
			}
		})
	}

	// No escrow and no balance movement after rejected calls.
	if got := f.ledger.balance(f.depositor.UserID).Int64(); got != 10_000 {
		t.Fatalf("depositor balance = %d, want untouched 10000", got)
	}
}

func TestCreateEscrowInsufficientBalance(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateEscrow(context.Background(), f.depositor, CreateEscrowInput{
		BeneficiaryUserID: f.beneficiary.UserID,
		AmountNano:        big.NewInt(50_000),
		ExpiresIn:         time.Hour,
	})
	if !errors.Is(err, repositories.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
}

func TestReleaseBlockedByTimeLock(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, CreateEscrowInput{TimeLockDuration: 100 * time.Second})

	f.advance(50 * time.Second)
	err := f.svc.ReleaseEscrow(context.Background(), f.depositor, e.ID)
	if !errors.Is(err, ErrGateNotSatisfied) {
		t.Fatalf("err = %v, want ErrGateNotSatisfied", err)
	}

	got, _ := f.svc.GetEscrow(context.Background(), e.ID)
	if got.State != models.EscrowStateLocked {
		t.Fatalf("state = %s, want still locked", got.State)
	}
}

func TestReleaseBlockedByApprovalQuorum(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, CreateEscrowInput{
		TimeLockDuration:  100 * time.Second,
		RequiredApprovers: []uuid.UUID{f.approver.UserID},
	})

	// Time lock has passed but nobody approved.
	f.advance(101 * time.Second)
	err := f.svc.ReleaseEscrow(context.Background(), f.depositor, e.ID)
	if !errors.Is(err, ErrGateNotSatisfied) {
		t.Fatalf("err = %v, want ErrGateNotSatisfied", err)
	}
}

func TestReleaseBlockedByPerformance(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, CreateEscrowInput{PerformanceThreshold: 50})

	if err := f.svc.ApproveRelease(context.Background(), f.depositor, e.ID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("depositor approval err = %v, want ErrUnauthorized", err)
	}
	// Report below threshold.
	if err := f.svc.UpdatePerformance(context.Background(), f.oracle, e.ID, 40, 400, 10); err != nil {
		t.Fatalf("UpdatePerformance: %v", err)
	}

	// An approval is still needed; register the depositor-free approver path.
	if err := f.approvals.RegisterRequired(context.Background(), e.ID, f.approver.UserID); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.ApproveRelease(context.Background(), f.approver, e.ID); err != nil {
		t.Fatalf("ApproveRelease: %v", err)
	}

	err := f.svc.ReleaseEscrow(context.Background(), f.depositor, e.ID)
	if !errors.Is(err, ErrGateNotSatisfied) {
		t.Fatalf("err = %v, want ErrGateNotSatisfied", err)
	}
}

func TestFullReleaseFlow(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, CreateEscrowInput{
		AmountNano:           big.NewInt(1000),
		TimeLockDuration:     100 * time.Second,
		PerformanceThreshold: 50,
		RequiredApprovers:    []uuid.UUID{f.approver.UserID},
	})

	f.advance(150 * time.Second)
	if err := f.svc.ApproveRelease(context.Background(), f.approver, e.ID); err != nil {
		t.Fatalf("ApproveRelease: %v", err)
	}
	if err := f.svc.UpdatePerformance(context.Background(), f.oracle, e.ID, 60, 1200, 30); err != nil {
		t.Fatalf("UpdatePerformance: %v", err)
	}

	gate, err := f.svc.CanRelease(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("CanRelease: %v", err)
	}
	if !gate.Releasable() {
		t.Fatalf("gate = %+v, want releasable", gate)
	}

	if err := f.svc.ReleaseEscrow(context.Background(), f.depositor, e.ID); err != nil {
		t.Fatalf("ReleaseEscrow: %v", err)
	}

	got, _ := f.svc.GetEscrow(context.Background(), e.ID)
	if got.State != models.EscrowStateReleased {
		t.Fatalf("state = %s, want released", got.State)
	}
	if got.ReleasedNano.Int64() != 1000 || got.LockedNano.Sign() != 0 {
		t.Fatalf("released=%s locked=%s, want 1000/0", got.ReleasedNano, got.LockedNano)
	}
	if bal := f.ledger.balance(f.beneficiary.UserID).Int64(); bal != 1000 {
		t.Fatalf("beneficiary balance = %d, want 1000", bal)
	}
	f.assertConservation(t, e.ID)

	// Terminal: nothing else may run.
	if err := f.svc.ReleaseEscrow(context.Background(), f.depositor, e.ID); !errors.Is(err, ErrAlreadyFinalized) {
		t.Fatalf("second release err = %v, want ErrAlreadyFinalized", err)
	}
	f.advance(48 * time.Hour)
	if err := f.svc.RefundEscrow(context.Background(), f.depositor, e.ID); !errors.Is(err, ErrAlreadyFinalized) {
		t.Fatalf("refund after release err = %v, want ErrAlreadyFinalized", err)
	}
}

func TestPartialRelease(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, CreateEscrowInput{
		AmountNano:        big.NewInt(1000),
		RequiredApprovers: []uuid.UUID{f.approver.UserID},
	})
	if err := f.svc.ApproveRelease(context.Background(), f.approver, e.ID); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := f.svc.ReleasePartial(ctx, f.depositor, e.ID, big.NewInt(400)); err != nil {
		t.Fatalf("first partial: %v", err)
	}

	got, _ := f.svc.GetEscrow(ctx, e.ID)
	if got.State != models.EscrowStatePartiallyReleased {
		t.Fatalf("state = %s, want partially_released", got.State)
	}
	if got.LockedNano.Int64() != 600 || got.ReleasedNano.Int64() != 400 {
		t.Fatalf("locked=%s released=%s, want 600/400", got.LockedNano, got.ReleasedNano)
	}
	f.assertConservation(t, e.ID)

	// Over-release is rejected without moving funds.
	if err := f.svc.ReleasePartial(ctx, f.depositor, e.ID, big.NewInt(601)); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("over-release err = %v, want ErrInvalidArgument", err)
	}

	if err := f.svc.ReleasePartial(ctx, f.depositor, e.ID, big.NewInt(600)); err != nil {
		t.Fatalf("second partial: %v", err)
	}
	got, _ = f.svc.GetEscrow(ctx, e.ID)
	if got.LockedNano.Sign() != 0 || got.ReleasedNano.Int64() != 1000 {
		t.Fatalf("locked=%s released=%s, want 0/1000", got.LockedNano, got.ReleasedNano)
	}
	if bal := f.ledger.balance(f.beneficiary.UserID).Int64(); bal != 1000 {
		t.Fatalf("beneficiary balance = %d, want 1000", bal)
	}
	f.assertConservation(t, e.ID)

	// Exhausted: no locked funds left to settle.
	if err := f.svc.ReleaseEscrow(ctx, f.depositor, e.ID); !errors.Is(err, ErrNothingLocked) {
		t.Fatalf("release of exhausted escrow err = %v, want ErrNothingLocked", err)
	}
}

func TestRefundAfterExpiry(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, CreateEscrowInput{
		AmountNano: big.NewInt(1000),
		ExpiresIn:  time.Hour,
	})
	ctx := context.Background()

	// Too early.
	if err := f.svc.RefundEscrow(ctx, f.stranger, e.ID); !errors.Is(err, ErrNotExpired) {
		t.Fatalf("early refund err = %v, want ErrNotExpired", err)
	}

	f.advance(2 * time.Hour)
	// Refund is open to any authenticated caller once expired.
	if err := f.svc.RefundEscrow(ctx, f.stranger, e.ID); err != nil {
		t.Fatalf("RefundEscrow: %v", err)
	}

	got, _ := f.svc.GetEscrow(ctx, e.ID)
	if got.State != models.EscrowStateRefunded {
		t.Fatalf("state = %s, want refunded", got.State)
	}
	if bal := f.ledger.balance(f.depositor.UserID).Int64(); bal != 10_000 {
		t.Fatalf("depositor balance = %d, want full 10000 back", bal)
	}
	f.assertConservation(t, e.ID)

	// Release after refund is rejected even if the gate would hold.
	if err := f.svc.ReleaseEscrow(ctx, f.depositor, e.ID); !errors.Is(err, ErrAlreadyFinalized) {
		t.Fatalf("release after refund err = %v, want ErrAlreadyFinalized", err)
	}
}

func TestRefundAfterPartialReleaseReturnsRemainder(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, CreateEscrowInput{
		AmountNano:        big.NewInt(1000),
		ExpiresIn:         time.Hour,
		RequiredApprovers: []uuid.UUID{f.approver.UserID},
	})
	ctx := context.Background()
	if err := f.svc.ApproveRelease(ctx, f.approver, e.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.ReleasePartial(ctx, f.depositor, e.ID, big.NewInt(300)); err != nil {
		t.Fatal(err)
	}

	f.advance(2 * time.Hour)
	if err := f.svc.RefundEscrow(ctx, f.depositor, e.ID); err != nil {
		t.Fatalf("RefundEscrow: %v", err)
	}

	got, _ := f.svc.GetEscrow(ctx, e.ID)
	if got.ReleasedNano.Int64() != 300 || got.RefundedNano.Int64() != 700 {
		t.Fatalf("released=%s refunded=%s, want 300/700", got.ReleasedNano, got.RefundedNano)
	}
	if bal := f.ledger.balance(f.depositor.UserID).Int64(); bal != 9700 {
		t.Fatalf("depositor balance = %d, want 9700", bal)
	}
	f.assertConservation(t, e.ID)
}

func TestDuplicateApprovalDoesNotDoubleCount(t *testing.T) {
	f := newFixture(t)
	f.cfg.MinApprovalThreshold = 2
	e := f.create(t, CreateEscrowInput{
		RequiredApprovers: []uuid.UUID{f.approver.UserID, f.stranger.UserID},
	})
	ctx := context.Background()

	if err := f.svc.ApproveRelease(ctx, f.approver, e.ID); err != nil {
		t.Fatal(err)
	}
	// Repeat is accepted but idempotent.
	if err := f.svc.ApproveRelease(ctx, f.approver, e.ID); err != nil {
		t.Fatalf("repeat approval err = %v, want nil", err)
	}
	if n, _ := f.svc.GetApprovalCount(ctx, e.ID); n != 1 {
		t.Fatalf("approval count = %d, want 1", n)
	}

	if err := f.svc.ReleaseEscrow(ctx, f.depositor, e.ID); !errors.Is(err, ErrGateNotSatisfied) {
		t.Fatalf("release below quorum err = %v, want ErrGateNotSatisfied", err)
	}

	if err := f.svc.ApproveRelease(ctx, f.stranger, e.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.ReleaseEscrow(ctx, f.depositor, e.ID); err != nil {
		t.Fatalf("release at quorum: %v", err)
	}
}

func TestApproveAfterReleaseRejected(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, CreateEscrowInput{
		RequiredApprovers: []uuid.UUID{f.approver.UserID, f.stranger.UserID},
	})
	ctx := context.Background()
	if err := f.svc.ApproveRelease(ctx, f.approver, e.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.ReleaseEscrow(ctx, f.depositor, e.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.ApproveRelease(ctx, f.stranger, e.ID); !errors.Is(err, ErrAlreadyReleased) {
		t.Fatalf("err = %v, want ErrAlreadyReleased", err)
	}
}

func TestUnauthorizedCallers(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, CreateEscrowInput{})
	ctx := context.Background()

	if err := f.svc.ReleaseEscrow(ctx, f.stranger, e.ID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("stranger release err = %v, want ErrUnauthorized", err)
	}
	if err := f.svc.ReleaseEscrow(ctx, f.beneficiary, e.ID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("beneficiary release err = %v, want ErrUnauthorized", err)
	}
	if err := f.svc.UpdatePerformance(ctx, f.stranger, e.ID, 50, 0, 0); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-oracle report err = %v, want ErrUnauthorized", err)
	}
	if _, err := f.svc.CreateEscrow(ctx, rbac.Actor{}, CreateEscrowInput{AmountNano: big.NewInt(1), BeneficiaryUserID: f.beneficiary.UserID, ExpiresIn: time.Hour}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("anonymous create err = %v, want ErrUnauthorized", err)
	}
	if err := f.svc.RefundEscrow(ctx, rbac.Actor{}, e.ID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("anonymous refund err = %v, want ErrUnauthorized", err)
	}
}

func TestAdminMayRelease(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, CreateEscrowInput{
		RequiredApprovers: []uuid.UUID{f.approver.UserID},
	})
	ctx := context.Background()
	if err := f.svc.ApproveRelease(ctx, f.approver, e.ID); err != nil {
		t.Fatal(err)
	}

	admin := rbac.Actor{UserID: uuid.New(), TelegramID: 901}
	if err := f.svc.ReleaseEscrow(ctx, admin, e.ID); err != nil {
		t.Fatalf("admin release: %v", err)
	}
}

func TestPerformanceValidation(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, CreateEscrowInput{})
	ctx := context.Background()

	if err := f.svc.UpdatePerformance(ctx, f.oracle, e.ID, -1, 0, 0); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("negative performance err = %v, want ErrInvalidArgument", err)
	}
	if err := f.svc.UpdatePerformance(ctx, f.oracle, e.ID, 101, 0, 0); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("performance over 100 err = %v, want ErrInvalidArgument", err)
	}
	if err := f.svc.UpdatePerformance(ctx, f.oracle, 9999, 50, 0, 0); !errors.Is(err, ErrEscrowNotFound) {
		t.Fatalf("unknown escrow err = %v, want ErrEscrowNotFound", err)
	}

	// Newer report replaces the older one wholesale.
	if err := f.svc.UpdatePerformance(ctx, f.oracle, e.ID, 30, 300, 5); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.UpdatePerformance(ctx, f.oracle, e.ID, 80, 900, 40); err != nil {
		t.Fatal(err)
	}
	p, err := f.svc.GetPerformance(ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if p.CurrentPerformance != 80 || p.ViewsDelivered != 900 {
		t.Fatalf("report = %+v, want latest values", p)
	}
}

func TestFailedTransferLeavesEscrowUntouched(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, CreateEscrowInput{
		RequiredApprovers: []uuid.UUID{f.approver.UserID},
	})
	ctx := context.Background()
	if err := f.svc.ApproveRelease(ctx, f.approver, e.ID); err != nil {
		t.Fatal(err)
	}

	f.ledger.failNext = errors.New("ledger down")
	if err := f.svc.ReleaseEscrow(ctx, f.depositor, e.ID); err == nil {
		t.Fatal("release succeeded despite transfer failure")
	}

	got, _ := f.svc.GetEscrow(ctx, e.ID)
	if got.State != models.EscrowStateLocked || got.LockedNano.Int64() != 1000 {
		t.Fatalf("state=%s locked=%s, want locked/1000", got.State, got.LockedNano)
	}
	f.assertConservation(t, e.ID)

	// The ledger recovered; the same call now goes through.
	if err := f.svc.ReleaseEscrow(ctx, f.depositor, e.ID); err != nil {
		t.Fatalf("retry release: %v", err)
	}
}

func TestCanReleaseUnknownEscrow(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.CanRelease(context.Background(), 42); !errors.Is(err, ErrEscrowNotFound) {
		t.Fatalf("err = %v, want ErrEscrowNotFound", err)
	}
}

func TestSweepExpiredRefundsOnlyExpired(t *testing.T) {
	f := newFixture(t)
	expired := f.create(t, CreateEscrowInput{AmountNano: big.NewInt(300), ExpiresIn: time.Hour})
	alive := f.create(t, CreateEscrowInput{AmountNano: big.NewInt(500), ExpiresIn: 48 * time.Hour})

	f.advance(2 * time.Hour)
	n, err := f.svc.SweepExpired(context.Background(), 100)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("refunded = %d, want 1", n)
	}

	g1, _ := f.svc.GetEscrow(context.Background(), expired.ID)
	g2, _ := f.svc.GetEscrow(context.Background(), alive.ID)
	if g1.State != models.EscrowStateRefunded {
		t.Fatalf("expired escrow state = %s, want refunded", g1.State)
	}
	if g2.State != models.EscrowStateLocked {
		t.Fatalf("live escrow state = %s, want locked", g2.State)
	}

	if v, _ := f.svc.CheckConservation(context.Background()); v != 0 {
		t.Fatalf("conservation violations = %d, want 0", v)
	}
}

func TestEventsPublished(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, CreateEscrowInput{RequiredApprovers: []uuid.UUID{f.approver.UserID}})
	ctx := context.Background()
	if err := f.svc.ApproveRelease(ctx, f.approver, e.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.ReleasePartial(ctx, f.depositor, e.ID, big.NewInt(100)); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.ReleaseEscrow(ctx, f.depositor, e.ID); err != nil {
		t.Fatal(err)
	}

	want := []string{events.EventEscrowCreated, events.EventEscrowReleasePartial, events.EventEscrowReleased}
	if len(f.pub.published) != len(want) {
		t.Fatalf("published %d events, want %d", len(f.pub.published), len(want))
	}
	for i, w := range want {
		if f.pub.published[i].Type != w {
			t.Fatalf("event[%d] = %s, want %s", i, f.pub.published[i].Type, w)
		}
	}
}
