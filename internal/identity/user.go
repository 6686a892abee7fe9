// Package identity is the credential store behind login and password
// re-verification, plus the resolver that trusts an upstream identity layer.
package identity

import (
	"time"

	"pkt.systems/jitterm/internal/principal"
)

// User is a stored account.
type User struct {
	ID           string         `json:"id"`
	Username     string         `json:"username"`
	DisplayName  string         `json:"display_name,omitempty"`
	Role         principal.Role `json:"role"`
	PasswordHash string         `json:"password_hash"`
	// TOTPSecret is empty when the account has no second factor enrolled.
	TOTPSecret string    `json:"totp_secret,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Principal returns the principal view of the user.
func (u User) Principal() principal.Principal {
	name := u.DisplayName
	if name == "" {
		name = u.Username
	}
	return principal.Principal{ID: u.ID, Name: name, Role: u.Role}
}

// ValidRole reports whether role is one of the known roles.
func ValidRole(role principal.Role) bool {
	switch role {
	case principal.RoleSuperAdmin, principal.RoleAdmin, principal.RoleAIAgent, principal.RoleOMAI, principal.RoleUser:
		return true
	default:
		return false
	}
}
