// Package audit records every access-control decision and lifecycle change
// as a hash-chained, append-only event stream.
package audit

import (
	"time"

	"pkt.systems/jitterm/internal/principal"
)

// Action names an audited transition.
type Action string

// Audited actions.
const (
	ActionSessionCreated       Action = "SESSION_CREATED"
	ActionAgentSessionCreated  Action = "AGENT_SESSION_CREATED"
	ActionSessionAccessed      Action = "SESSION_ACCESSED"
	ActionSessionTerminated    Action = "SESSION_TERMINATED"
	ActionSessionExpired       Action = "SESSION_EXPIRED"
	ActionTokenGenerated       Action = "TOKEN_GENERATED"
	ActionTokenRevoked         Action = "TOKEN_REVOKED"
	ActionTokenExpired         Action = "TOKEN_EXPIRED"
	ActionConfigUpdated        Action = "CONFIG_UPDATED"
	ActionTerminalAttached     Action = "TERMINAL_ATTACHED"
	ActionTerminalDetached     Action = "TERMINAL_DETACHED"
	ActionCommandExecuted      Action = "COMMAND_EXECUTED"
	ActionAgentCommandExecuted Action = "AGENT_COMMAND_EXECUTED"
	ActionAgentCommandBlocked  Action = "AGENT_COMMAND_BLOCKED"
	ActionAccessDenied         Action = "ACCESS_DENIED"
	ActionSystemShutdown       Action = "SYSTEM_SHUTDOWN"
)

// Event is one audit record. Hash covers every other field and PrevHash
// links it to the event before it.
type Event struct {
	ID        string         `json:"id"`
	Seq       uint64         `json:"seq"`
	Action    Action         `json:"action"`
	ActorID   string         `json:"actorId"`
	ActorName string         `json:"actorName"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
	PrevHash  string         `json:"prevHash"`
	Hash      string         `json:"hash"`
}

// Recorder is the write side of the audit log.
type Recorder interface {
	Record(action Action, actor principal.Principal, details map[string]any) Event
}

// Filter selects events from the recent-event window.
type Filter struct {
	ActorID string
	Action  Action
	Since   time.Time
	Until   time.Time
	Limit   int
}

func (f Filter) match(ev Event) bool {
	if f.ActorID != "" && ev.ActorID != f.ActorID {
		return false
	}
	if f.Action != "" && ev.Action != f.Action {
		return false
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && ev.Timestamp.After(f.Until) {
		return false
	}
	return true
}
