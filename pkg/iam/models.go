package iam

import (
	"github.com/google/uuid"
)

// AdminRole is the role that grants the right to request impersonation.
const AdminRole = "admin"

// Principal represents an account known to the directory.
type Principal struct {
	ID       uuid.UUID `json:"id"`
	Username string    `json:"username"`
	Email    string    `json:"email"`
	Roles    []string  `json:"roles,omitempty"`
}

// HasRole reports whether the principal carries the given role.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}
