// Package session manages time-boxed grants of elevated terminal access.
package session

import (
	"time"

	"pkt.systems/jitterm/internal/agent"
	"pkt.systems/jitterm/internal/policy"
)

// State is the lifecycle state of a session. Expired and Terminated are
// absorbing.
type State string

// Session states.
const (
	StateActive     State = "active"
	StateExpired    State = "expired"
	StateTerminated State = "terminated"
)

// Reasons recorded when a session ends.
const (
	ReasonTerminated = "terminated"
	ReasonExpired    = "expired"
	ReasonShutdown   = "shutdown"
)

// Session is one grant of terminal access.
type Session struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"ownerId"`
	OwnerName      string    `json:"ownerName"`
	CreatedAt      time.Time `json:"createdAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	TimeoutMinutes int       `json:"timeoutMinutes"`
	IPAddress      string    `json:"ipAddress,omitempty"`
	UserAgent      string    `json:"userAgent,omitempty"`

	IsAgent      bool           `json:"isAgent"`
	AgentID      string         `json:"agentId,omitempty"`
	Task         string         `json:"task,omitempty"`
	Restrictions *agent.Profile `json:"restrictions,omitempty"`

	State     State      `json:"state"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	EndReason string     `json:"endReason,omitempty"`
}

// Expired reports whether the session's time ran out at now.
func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Active reports whether the session grants access at now.
func (s Session) Active(now time.Time) bool {
	return s.State == StateActive && !s.Expired(now)
}

// effective returns s with an unswept expiry reflected in State.
func (s Session) effective(now time.Time) Session {
	if s.State == StateActive && s.Expired(now) {
		s.State = StateExpired
	}
	return s
}

// CreateOptions are the caller-supplied parts of a new session.
type CreateOptions struct {
	TimeoutMinutes int    `json:"timeoutMinutes,omitempty"`
	Password       string `json:"password,omitempty"`
	TOTPCode       string `json:"totpCode,omitempty"`
	IsAgent        bool   `json:"isAgent,omitempty"`
	AgentID        string `json:"agentId,omitempty"`
	Task           string `json:"task,omitempty"`
	IPAddress      string `json:"-"`
	UserAgent      string `json:"-"`
}

// Status summarizes the subsystem for the status endpoint.
type Status struct {
	Enabled             bool `json:"enabled"`
	Production          bool `json:"production"`
	ActiveSessions      int  `json:"activeSessions"`
	ActiveAgentSessions int  `json:"activeAgentSessions"`
	TerminalBindings    int  `json:"terminalBindings"`
	MaxAgentSessions    int  `json:"maxAgentSessions"`

	// Config is omitted for callers that may not read the policy.
	Config *policy.Snapshot `json:"config,omitempty"`
}

// ClampTimeout bounds a requested timeout to [1, maxMinutes].
func ClampTimeout(minutes, maxMinutes int) int {
	return min(max(minutes, 1), max(maxMinutes, 1))
}
