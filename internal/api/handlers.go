package api

import (
	"net/http"
	"strconv"
	"time"

	"pkt.systems/jitterm/internal/agent"
	"pkt.systems/jitterm/internal/apperr"
	"pkt.systems/jitterm/internal/audit"
	"pkt.systems/jitterm/internal/principal"
	"pkt.systems/jitterm/internal/server"
	"pkt.systems/jitterm/internal/session"
	"pkt.systems/jitterm/internal/token"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	TOTP     string `json:"totp,omitempty"`
	Hours    int    `json:"hours,omitempty"`
}

// LoginResponse is returned by POST /auth/login.
type LoginResponse struct {
	token.Issued
	Principal principal.Principal `json:"principal"`
}

type createSessionRequest struct {
	TimeoutMinutes int    `json:"timeoutMinutes,omitempty"`
	Password       string `json:"password,omitempty"`
	TOTP           string `json:"totp,omitempty"`
}

// CreateSessionResponse is returned by POST /sessions.
type CreateSessionResponse struct {
	SessionID      string    `json:"sessionId"`
	ExpiresAt      time.Time `json:"expiresAt"`
	TimeoutMinutes int       `json:"timeoutMinutes"`
}

type agentAccessRequest struct {
	AgentID        string `json:"agentId,omitempty"`
	Task           string `json:"task,omitempty"`
	TimeoutMinutes int    `json:"timeoutMinutes,omitempty"`
}

// AgentAccessResponse is returned by POST /agent-access.
type AgentAccessResponse struct {
	SessionID      string         `json:"sessionId"`
	AgentID        string         `json:"agentId"`
	ExpiresAt      time.Time      `json:"expiresAt"`
	TimeoutMinutes int            `json:"timeoutMinutes"`
	Restrictions   *agent.Profile `json:"restrictions"`
}

// AccessResponse is returned by GET /sessions/{id}/access.
type AccessResponse struct {
	SessionID        string    `json:"sessionId"`
	IsActive         bool      `json:"isActive"`
	ExpiresAt        time.Time `json:"expiresAt"`
	RemainingSeconds int64     `json:"remainingSeconds"`
	IsAgent          bool      `json:"isAgent"`
}

type issueTokenRequest struct {
	Hours int `json:"hours,omitempty"`
}

// VerifyResponse is returned by GET /audit/verify.
type VerifyResponse struct {
	Verified bool   `json:"verified"`
	Events   int    `json:"events"`
	Error    string `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleLogin exchanges credentials for a bearer token. Only principals
// that use the API without a browser session get one.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		s.writeError(w, r, apperr.New(apperr.KindUnauthenticated, "password login is not configured"))
		return
	}
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.auth.Login(req.Username, req.Password, req.TOTP)
	if err != nil {
		s.logger.Warn("auth.login.failed", "username", req.Username, "ip", server.ClientIP(r, s.trustProxy))
		s.writeError(w, r, err)
		return
	}
	if !p.IsSuper() && !p.IsAgentClass() {
		s.deny(p, "Login", "token login requires a super admin or agent role")
		s.writeError(w, r, apperr.New(apperr.KindForbidden, "token login requires a super admin or agent role"))
		return
	}
	hours := req.Hours
	if hours <= 0 {
		hours = token.DefaultHours
	}
	issued, err := s.tokens.Issue(p, hours)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("auth.login", "user", p.ID, "token_id", issued.TokenID)
	writeJSON(w, http.StatusOK, LoginResponse{Issued: issued, Principal: p})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request, _ principal.Principal) {
	writeJSON(w, http.StatusOK, s.policy.Get())
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request, p principal.Principal) {
	data, err := readBody(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	snap, err := s.policy.UpdateJSON(r.Context(), data, p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request, p principal.Principal) {
	owner := p.ID
	if r.URL.Query().Get("scope") == "all" {
		owner = ""
	}
	sessions, err := s.sessions.ListActive(owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []session.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request, p principal.Principal) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, err := s.sessions.Create(r.Context(), p, session.CreateOptions{
		TimeoutMinutes: req.TimeoutMinutes,
		Password:       req.Password,
		TOTPCode:       req.TOTP,
		IPAddress:      server.ClientIP(r, s.trustProxy),
		UserAgent:      r.UserAgent(),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateSessionResponse{
		SessionID:      sess.ID,
		ExpiresAt:      sess.ExpiresAt,
		TimeoutMinutes: sess.TimeoutMinutes,
	})
}

func (s *Server) handleAgentAccess(w http.ResponseWriter, r *http.Request, p principal.Principal) {
	var req agentAccessRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, err := s.sessions.Create(r.Context(), p, session.CreateOptions{
		IsAgent:        true,
		AgentID:        req.AgentID,
		Task:           req.Task,
		TimeoutMinutes: req.TimeoutMinutes,
		IPAddress:      server.ClientIP(r, s.trustProxy),
		UserAgent:      r.UserAgent(),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, AgentAccessResponse{
		SessionID:      sess.ID,
		AgentID:        sess.AgentID,
		ExpiresAt:      sess.ExpiresAt,
		TimeoutMinutes: sess.TimeoutMinutes,
		Restrictions:   sess.Restrictions,
	})
}

func (s *Server) handleAccessSession(w http.ResponseWriter, r *http.Request, p principal.Principal) {
	sess, err := s.sessions.Access(r.Context(), r.PathValue("id"), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	now := s.now()
	writeJSON(w, http.StatusOK, AccessResponse{
		SessionID:        sess.ID,
		IsActive:         sess.Active(now),
		ExpiresAt:        sess.ExpiresAt,
		RemainingSeconds: int64(sess.ExpiresAt.Sub(now) / time.Second),
		IsAgent:          sess.IsAgent,
	})
}

func (s *Server) handleTerminateSession(w http.ResponseWriter, r *http.Request, p principal.Principal) {
	id := r.PathValue("id")
	if err := s.sessions.Terminate(r.Context(), id, p); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "terminated", "sessionId": id})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, p principal.Principal) {
	st, err := s.sessions.Status()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !p.IsSuper() {
		st.Config = nil
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleTestTerminal(w http.ResponseWriter, r *http.Request, _ principal.Principal) {
	result := s.terminals.TestTerminal(r.Context())
	s.loggerWithContext(r.Context()).Info("terminal.test", "success", result.Success, "duration", result.Duration.String())
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request, p principal.Principal) {
	var req issueTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	hours := req.Hours
	if hours <= 0 {
		hours = token.DefaultHours
	}
	issued, err := s.tokens.Issue(p, hours)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, issued)
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request, p principal.Principal) {
	tokens, err := s.tokens.List(p, r.URL.Query().Get("scope") == "all")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if tokens == nil {
		tokens = []token.Summary{}
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request, p principal.Principal) {
	if err := s.tokens.Revoke(r.PathValue("token"), p); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request, _ principal.Principal) {
	if s.audit == nil {
		writeJSON(w, http.StatusOK, []audit.Event{})
		return
	}
	q := r.URL.Query()
	filter := audit.Filter{
		ActorID: q.Get("actor"),
		Action:  audit.Action(q.Get("action")),
	}
	var err error
	if filter.Since, err = parseTime(q.Get("since")); err != nil {
		s.writeError(w, r, apperr.Wrap(err, apperr.KindValidation, "invalid since"))
		return
	}
	if filter.Until, err = parseTime(q.Get("until")); err != nil {
		s.writeError(w, r, apperr.Wrap(err, apperr.KindValidation, "invalid until"))
		return
	}
	if raw := q.Get("limit"); raw != "" {
		if filter.Limit, err = strconv.Atoi(raw); err != nil || filter.Limit < 0 {
			s.writeError(w, r, apperr.New(apperr.KindValidation, "invalid limit"))
			return
		}
	}
	events := s.audit.Query(filter)
	if events == nil {
		events = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request, _ principal.Principal) {
	if s.auditFile == "" {
		s.writeError(w, r, apperr.New(apperr.KindNotFound, "no audit file configured"))
		return
	}
	events, err := audit.ReadFile(s.auditFile)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := VerifyResponse{Verified: true, Events: len(events)}
	if err := audit.VerifyLog(events); err != nil {
		resp.Verified = false
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}
