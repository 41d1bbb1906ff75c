package domain

// Role is the staff role attached to an already-authenticated reviewer
// identity. The auth collaborator issues it; the engine only consumes it.
type Role string

const (
	RoleReviewer Role = "reviewer"
	RoleAdmin    Role = "admin"
)

func (r Role) Valid() bool {
	return r == RoleReviewer || r == RoleAdmin
}

// AtLeast reports whether r grants the privileges of min.
func (r Role) AtLeast(min Role) bool {
	if min == RoleAdmin {
		return r == RoleAdmin
	}
	return r.Valid()
}

// Reviewer is the authenticated staff identity performing a transition.
type Reviewer struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}
