package rbac

import "github.com/google/uuid"

// Role constants. Roles are resolved per escrow: the same user can be the
// depositor of one escrow and a required approver of another.
const (
	RoleDepositor   = "depositor"
	RoleBeneficiary = "beneficiary"
	RoleApprover    = "approver"
	RoleAdmin       = "admin"
	RoleOracle      = "oracle"
	RoleSystem      = "system"

	// RoleAny matches every authenticated caller.
	RoleAny = "any"
)

// Operation constants
const (
	OpCreateEscrow      = "create_escrow"
	OpApproveRelease    = "approve_release"
	OpReleaseEscrow     = "release_escrow"
	OpReleasePartial    = "release_partial"
	OpRefundEscrow      = "refund_escrow"
	OpUpdatePerformance = "update_performance"
)

// OperationRoles declares which roles may invoke each operation.
// Refund is deliberately open to any authenticated caller: expiry is the
// guard and the funds can only go back to the depositor.
var OperationRoles = map[string][]string{
	OpCreateEscrow:      {RoleDepositor},
	OpApproveRelease:    {RoleApprover},
	OpReleaseEscrow:     {RoleDepositor, RoleAdmin},
	OpReleasePartial:    {RoleDepositor, RoleAdmin},
	OpRefundEscrow:      {RoleAny},
	OpUpdatePerformance: {RoleOracle},
}

// CanInvoke checks whether any of the caller's resolved roles is allowed to
// invoke the operation.
func CanInvoke(op string, roles []string) bool {
	allowed, ok := OperationRoles[op]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == RoleAny && len(roles) > 0 {
			return true
		}
		for _, r := range roles {
			if r == a {
				return true
			}
		}
	}
	return false
}

// Actor is an authenticated principal as seen by the lifecycle controller.
type Actor struct {
	UserID     uuid.UUID
	TelegramID int64
	System     bool
}

// SystemActor is used by background jobs (refund sweep). It carries the
// system role only.
var SystemActor = Actor{System: true}

// Authenticated reports whether the actor carries any verified identity.
// The oracle daemon authenticates by telegram id alone, without a user row.
func (a Actor) Authenticated() bool {
	return a.System || a.UserID != uuid.Nil || a.TelegramID != 0
}

func (a Actor) Type() string {
	if a.System {
		return "system"
	}
	return "user"
}
