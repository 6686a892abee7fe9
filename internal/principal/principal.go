// Package principal describes the authenticated actor behind a request.
package principal

import "context"

// Role is the administrative tier of a principal.
type Role string

// Known roles. Only RoleSuperAdmin is privileged.
const (
	RoleSuperAdmin Role = "super_admin"
	RoleAdmin      Role = "admin"
	RoleAIAgent    Role = "ai_agent"
	RoleOMAI       Role = "omai"
	RoleUser       Role = "user"
)

// AuthType records which path authenticated the principal.
type AuthType string

// Authentication paths. Both grant identical permissions.
const (
	AuthSession AuthType = "session"
	AuthToken   AuthType = "token"
	AuthSystem  AuthType = "system"
)

// Principal is an authenticated actor.
type Principal struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Role     Role     `json:"role"`
	AuthType AuthType `json:"auth_type,omitempty"`
	// TokenID is the redacted prefix of the bearer token, when AuthType is token.
	TokenID string `json:"token_id,omitempty"`
}

// System is the actor recorded for sweeps, expiry and shutdown.
var System = Principal{ID: "system", Name: "system", Role: RoleSuperAdmin, AuthType: AuthSystem}

// IsSuper reports whether the principal holds the highest administrative role.
func (p Principal) IsSuper() bool {
	return p.Role == RoleSuperAdmin
}

// IsAgentClass reports whether the principal is an autonomous agent.
func (p Principal) IsAgentClass() bool {
	return p.Role == RoleAIAgent || p.Role == RoleOMAI
}

// CanRequestAgentAccess reports whether the principal may open agent sessions.
func (p Principal) CanRequestAgentAccess() bool {
	return p.IsAgentClass() || p.IsSuper()
}

// Owns reports whether p is the owner identified by ownerID.
func (p Principal) Owns(ownerID string) bool {
	return p.ID != "" && p.ID == ownerID
}

// MayActOn reports whether p may view or mutate a resource owned by ownerID.
func (p Principal) MayActOn(ownerID string) bool {
	return p.Owns(ownerID) || p.IsSuper()
}

type contextKey struct{}

// WithContext stores the principal on ctx.
func WithContext(ctx context.Context, p Principal) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, p)
}

// FromContext returns the principal stored on ctx.
func FromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	p, ok := ctx.Value(contextKey{}).(Principal)
	return p, ok
}
