package jitterm

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"pkt.systems/jitterm/internal/api"
	"pkt.systems/jitterm/internal/audit"
	"pkt.systems/jitterm/internal/policy"
	"pkt.systems/jitterm/internal/session"
	"pkt.systems/jitterm/internal/terminal"
	"pkt.systems/jitterm/internal/token"
)

type (
	// Policy is the mutable JIT access policy.
	Policy = policy.Snapshot
	// AgentPolicy restricts agent sessions.
	AgentPolicy = policy.AgentPolicy
	// Session is a JIT session as reported by the API.
	Session = session.Session
	// Status summarizes the subsystem.
	Status = session.Status
	// IssuedToken is returned once when a token is issued.
	IssuedToken = token.Issued
	// TokenSummary is the redacted listing view of a token.
	TokenSummary = token.Summary
	// AuditEvent is one hash-chained audit record.
	AuditEvent = audit.Event
	// TerminalTestResult reports a terminal self-test.
	TerminalTestResult = terminal.TestResult
	// CreatedSession is returned by CreateSession.
	CreatedSession = api.CreateSessionResponse
	// AgentSession is returned by RequestAgentAccess.
	AgentSession = api.AgentAccessResponse
	// SessionAccess is returned by AccessSession.
	SessionAccess = api.AccessResponse
	// AuditVerification is returned by VerifyAudit.
	AuditVerification = api.VerifyResponse
)

// CreateSessionOptions configures CreateSession.
type CreateSessionOptions struct {
	TimeoutMinutes int    `json:"timeoutMinutes,omitempty"`
	Password       string `json:"password,omitempty"`
	TOTP           string `json:"totp,omitempty"`
}

// AgentAccessOptions configures RequestAgentAccess.
type AgentAccessOptions struct {
	AgentID        string `json:"agentId,omitempty"`
	Task           string `json:"task,omitempty"`
	TimeoutMinutes int    `json:"timeoutMinutes,omitempty"`
}

// AuditQuery filters Audit. Zero fields match everything.
type AuditQuery struct {
	Actor  string
	Action string
	Since  time.Time
	Until  time.Time
	Limit  int
}

// Health checks that the server answers.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// GetConfig returns the current policy.
func (c *Client) GetConfig(ctx context.Context) (Policy, error) {
	var out Policy
	err := c.do(ctx, http.MethodGet, "/config", nil, &out)
	return out, err
}

// UpdateConfig applies a partial policy update. Keys use the JSON field
// names of Policy.
func (c *Client) UpdateConfig(ctx context.Context, changes map[string]any) (Policy, error) {
	var out Policy
	err := c.do(ctx, http.MethodPut, "/config", changes, &out)
	return out, err
}

// ListSessions lists active sessions. all widens the listing beyond the
// caller's own sessions.
func (c *Client) ListSessions(ctx context.Context, all bool) ([]Session, error) {
	path := "/sessions"
	if all {
		path += "?scope=all"
	}
	var out []Session
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// CreateSession opens a human session for the caller.
func (c *Client) CreateSession(ctx context.Context, opts CreateSessionOptions) (CreatedSession, error) {
	var out CreatedSession
	err := c.do(ctx, http.MethodPost, "/sessions", opts, &out)
	return out, err
}

// AccessSession checks a session and refreshes its activity.
func (c *Client) AccessSession(ctx context.Context, id string) (SessionAccess, error) {
	var out SessionAccess
	err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(id)+"/access", nil, &out)
	return out, err
}

// TerminateSession ends a session. Ending an ended session succeeds.
func (c *Client) TerminateSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(id), nil, nil)
}

// RequestAgentAccess opens a restricted agent session.
func (c *Client) RequestAgentAccess(ctx context.Context, opts AgentAccessOptions) (AgentSession, error) {
	var out AgentSession
	err := c.do(ctx, http.MethodPost, "/agent-access", opts, &out)
	return out, err
}

// Status returns the subsystem status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var out Status
	err := c.do(ctx, http.MethodGet, "/status", nil, &out)
	return out, err
}

// TestTerminal runs the server-side terminal self-test.
func (c *Client) TestTerminal(ctx context.Context) (TerminalTestResult, error) {
	var out TerminalTestResult
	err := c.do(ctx, http.MethodPost, "/test-terminal", nil, &out)
	return out, err
}

// IssueToken issues a bearer token for the caller. Zero hours uses the
// server default.
func (c *Client) IssueToken(ctx context.Context, hours int) (IssuedToken, error) {
	var body any
	if hours > 0 {
		body = map[string]int{"hours": hours}
	}
	var out IssuedToken
	err := c.do(ctx, http.MethodPost, "/tokens", body, &out)
	return out, err
}

// ListTokens lists token summaries.
func (c *Client) ListTokens(ctx context.Context, all bool) ([]TokenSummary, error) {
	path := "/tokens"
	if all {
		path += "?scope=all"
	}
	var out []TokenSummary
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// RevokeToken revokes a token by value.
func (c *Client) RevokeToken(ctx context.Context, value string) error {
	return c.do(ctx, http.MethodDelete, "/tokens/"+url.PathEscape(value), nil, nil)
}

// Audit returns recent audit events, newest first.
func (c *Client) Audit(ctx context.Context, q AuditQuery) ([]AuditEvent, error) {
	values := url.Values{}
	if q.Actor != "" {
		values.Set("actor", q.Actor)
	}
	if q.Action != "" {
		values.Set("action", q.Action)
	}
	if !q.Since.IsZero() {
		values.Set("since", q.Since.UTC().Format(time.RFC3339))
	}
	if !q.Until.IsZero() {
		values.Set("until", q.Until.UTC().Format(time.RFC3339))
	}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	path := "/audit"
	if len(values) > 0 {
		path += "?" + values.Encode()
	}
	var out []AuditEvent
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// VerifyAudit checks the hash chain of the server's audit file.
func (c *Client) VerifyAudit(ctx context.Context) (AuditVerification, error) {
	var out AuditVerification
	err := c.do(ctx, http.MethodGet, "/audit/verify", nil, &out)
	return out, err
}
