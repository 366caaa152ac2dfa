package model

// Role is the capability an authenticated caller holds. Roles are resolved by
// the request layer and handed to every ledger operation explicitly.
type Role string

const (
	RoleAdmin    Role = "admin"
	RolePayments Role = "payments" // payment processor / bank-transfer confirmation flow
	RoleInvestor Role = "investor"
)

// Actor identifies who is invoking a ledger operation.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// Admin returns an administrator actor.
func Admin(id string) Actor { return Actor{ID: id, Role: RoleAdmin} }

// Payments returns the payment collaborator actor.
func Payments(id string) Actor { return Actor{ID: id, Role: RolePayments} }

// Investor returns an investor actor acting on their own account.
func Investor(id string) Actor { return Actor{ID: id, Role: RoleInvestor} }

// IsAdmin reports whether the actor holds the admin capability.
func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// CanActFor reports whether the actor may read or move funds of investorID.
func (a Actor) CanActFor(investorID string) bool {
	if a.IsAdmin() {
		return true
	}
	return a.Role == RoleInvestor && a.ID != "" && a.ID == investorID
}
