// Package api exposes the JIT terminal operations over HTTP and WebSocket.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"pkt.systems/jitterm/internal/agent"
	"pkt.systems/jitterm/internal/audit"
	"pkt.systems/jitterm/internal/identity"
	"pkt.systems/jitterm/internal/policy"
	"pkt.systems/jitterm/internal/session"
	"pkt.systems/jitterm/internal/terminal"
	"pkt.systems/jitterm/internal/token"
	"pkt.systems/pslog"
)

const (
	maxBodyBytes   = 1 << 20
	wsReadLimit    = 1 << 20
	wsPingInterval = 30 * time.Second
	wsPongTimeout  = 60 * time.Second
	// touchInterval throttles how often terminal activity is persisted.
	touchInterval = 30 * time.Second
)

// Options wires the API to its components.
type Options struct {
	Sessions  *session.Manager
	Terminals *terminal.Manager
	Tokens    *token.Service
	Policy    *policy.Store
	Guard     *agent.Guard
	Audit     *audit.Log
	// AuditFile is the JSONL log verified by GET /audit/verify.
	AuditFile string
	Auth      *identity.Authenticator
	Resolver  identity.Resolver
	// TrustProxy takes the client address recorded on sessions from
	// forwarding headers.
	TrustProxy bool
	Logger     pslog.Logger
	Now        func() time.Time
}

// Server serves the JIT API.
type Server struct {
	sessions   *session.Manager
	terminals  *terminal.Manager
	tokens     *token.Service
	policy     *policy.Store
	guard      *agent.Guard
	audit      *audit.Log
	auditFile  string
	auth       *identity.Authenticator
	resolver   identity.Resolver
	trustProxy bool
	logger     pslog.Logger
	now        func() time.Time
}

// New returns an API server.
func New(opts Options) (*Server, error) {
	if opts.Sessions == nil || opts.Terminals == nil || opts.Tokens == nil || opts.Policy == nil {
		return nil, fmt.Errorf("api requires sessions, terminals, tokens and policy")
	}
	if opts.Guard == nil {
		guard, err := agent.NewGuard(context.Background())
		if err != nil {
			return nil, err
		}
		opts.Guard = guard
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = identity.NoResolver{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = pslog.LoggerFromEnv()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Server{
		sessions:   opts.Sessions,
		terminals:  opts.Terminals,
		tokens:     opts.Tokens,
		policy:     opts.Policy,
		guard:      opts.Guard,
		audit:      opts.Audit,
		auditFile:  opts.AuditFile,
		auth:       opts.Auth,
		resolver:   resolver,
		trustProxy: opts.TrustProxy,
		logger:     logger.With("component", "api"),
		now:        now,
	}, nil
}

// Handler returns the routed API handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /auth/login", s.handleLogin)

	mux.HandleFunc("GET /config", s.super("GetConfig", s.handleGetConfig))
	mux.HandleFunc("PUT /config", s.super("UpdateConfig", s.handleUpdateConfig))

	mux.HandleFunc("GET /sessions", s.super("ListSessions", s.handleListSessions))
	mux.HandleFunc("POST /sessions", s.authed(s.handleCreateSession))
	mux.HandleFunc("GET /sessions/{id}/access", s.authed(s.handleAccessSession))
	mux.HandleFunc("DELETE /sessions/{id}", s.authed(s.handleTerminateSession))
	mux.HandleFunc("POST /agent-access", s.authed(s.handleAgentAccess))

	mux.HandleFunc("GET /status", s.authed(s.handleStatus))
	mux.HandleFunc("POST /test-terminal", s.super("TestTerminal", s.handleTestTerminal))

	mux.HandleFunc("POST /tokens", s.super("IssueToken", s.handleIssueToken))
	mux.HandleFunc("GET /tokens", s.super("ListTokens", s.handleListTokens))
	mux.HandleFunc("DELETE /tokens/{token}", s.authed(s.handleRevokeToken))

	mux.HandleFunc("GET /audit", s.super("QueryAudit", s.handleAudit))
	mux.HandleFunc("GET /audit/verify", s.super("VerifyAudit", s.handleAuditVerify))

	mux.HandleFunc("GET /ws", s.authed(s.handleTerminal))
	return mux
}

func (s *Server) loggerWithContext(ctx context.Context) pslog.Logger {
	if ctx == nil {
		return s.logger
	}
	if logger := pslog.Ctx(ctx); logger != nil {
		return logger
	}
	return s.logger
}
