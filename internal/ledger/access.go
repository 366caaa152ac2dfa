package ledger

import (
	"fmt"

	"github.com/poolbet/ledger-engine/internal/model"
)

func requireAdmin(actor model.Actor) error {
	if !actor.IsAdmin() {
		return fmt.Errorf("%w: admin capability required", ErrForbidden)
	}
	return nil
}

func requireRole(actor model.Actor, roles ...model.Role) error {
	for _, r := range roles {
		if actor.Role == r {
			return nil
		}
	}
	return fmt.Errorf("%w: role %q may not perform this operation", ErrForbidden, actor.Role)
}

// requireSelf allows admins and the investor acting on their own account.
func requireSelf(actor model.Actor, investorID string) error {
	if investorID == "" {
		return ErrInvalidInvestor
	}
	if !actor.CanActFor(investorID) {
		return fmt.Errorf("%w: cannot act for investor %s", ErrForbidden, investorID)
	}
	return nil
}

func requireAuthenticated(actor model.Actor) error {
	switch actor.Role {
	case model.RoleAdmin, model.RolePayments, model.RoleInvestor:
		return nil
	}
	return fmt.Errorf("%w: unauthenticated", ErrForbidden)
}
