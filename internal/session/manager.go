package session

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pkt.systems/jitterm/internal/agent"
	"pkt.systems/jitterm/internal/apperr"
	"pkt.systems/jitterm/internal/audit"
	"pkt.systems/jitterm/internal/identity"
	"pkt.systems/jitterm/internal/policy"
	"pkt.systems/jitterm/internal/principal"
	"pkt.systems/jitterm/internal/store"
	"pkt.systems/pslog"
)

const (
	// DefaultSweepInterval is how often Run expires overdue sessions.
	DefaultSweepInterval = time.Minute
	// DefaultRetention is how long ended sessions stay queryable.
	DefaultRetention = time.Hour

	idPrefix = "jit-"
)

// PolicySource returns the current policy.
type PolicySource interface {
	Get() policy.Snapshot
}

// Terminals is the slice of the terminal manager a session needs on teardown.
type Terminals interface {
	// Detach tears down the binding of sessionID, if any.
	Detach(sessionID, reason string) bool
	// Count returns the number of live bindings.
	Count() int
}

// Options configures a Manager.
type Options struct {
	Table       store.Table[Session]
	Policy      PolicySource
	Environment policy.EnvironmentClassifier
	Verifier    identity.Verifier
	Terminals   Terminals
	Audit       audit.Recorder
	Logger      pslog.Logger
	Now         func() time.Time
	Retention   time.Duration
}

// Manager owns session lifecycle. mu serializes every count-then-insert and
// every state transition, so quotas hold under concurrent creates and each
// session is torn down exactly once.
type Manager struct {
	mu        sync.Mutex
	table     store.Table[Session]
	policy    PolicySource
	env       policy.EnvironmentClassifier
	verifier  identity.Verifier
	terminals Terminals
	audit     audit.Recorder
	logger    pslog.Logger
	now       func() time.Time
	retention time.Duration
}

// NewManager returns a session manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Policy == nil {
		return nil, fmt.Errorf("session manager requires a policy source")
	}
	table := opts.Table
	if table == nil {
		table = store.NewMemory[Session]()
	}
	env := opts.Environment
	if env == nil {
		env = policy.StaticEnvironment(false)
	}
	logger := opts.Logger
	if logger == nil {
		logger = pslog.LoggerFromEnv()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Manager{
		table:     table,
		policy:    opts.Policy,
		env:       env,
		verifier:  opts.Verifier,
		terminals: opts.Terminals,
		audit:     opts.Audit,
		logger:    logger.With("component", "session"),
		now:       now,
		retention: retention,
	}, nil
}

// SetTerminals attaches the terminal manager once it exists.
func (m *Manager) SetTerminals(t Terminals) {
	m.mu.Lock()
	m.terminals = t
	m.mu.Unlock()
}

// Create opens a session for p. The gates run in order: feature flag,
// production gate, concurrency quota, then the optional password re-check.
func (m *Manager) Create(ctx context.Context, p principal.Principal, opts CreateOptions) (Session, error) {
	operation := "CreateSession"
	if opts.IsAgent {
		operation = "RequestAgentAccess"
	}
	if p.ID == "" {
		return Session{}, apperr.New(apperr.KindUnauthenticated, "principal is required")
	}
	if opts.IsAgent && !p.CanRequestAgentAccess() {
		return Session{}, m.deny(p, operation, apperr.New(apperr.KindForbidden, "agent access requires an agent or super admin role"))
	}
	if !opts.IsAgent && !p.IsSuper() {
		return Session{}, m.deny(p, operation, apperr.New(apperr.KindForbidden, "terminal sessions require a super admin role"))
	}
	if opts.IsAgent {
		if err := validateAgentRequest(opts); err != nil {
			return Session{}, err
		}
	}

	snap := m.policy.Get()
	if !snap.Enabled {
		return Session{}, m.deny(p, operation, apperr.New(apperr.KindDisabled, "JIT terminal access is disabled"))
	}
	if m.env.IsProduction() && !snap.AllowInProduction {
		return Session{}, m.deny(p, operation, apperr.New(apperr.KindEnvironmentBlocked, "JIT terminal access is not allowed in production"))
	}

	m.mu.Lock()
	err := m.checkQuotaLocked(p, opts.IsAgent, snap)
	m.mu.Unlock()
	if err != nil {
		return Session{}, m.deny(p, operation, err)
	}

	if snap.RequirePassword && opts.Password != "" {
		if m.verifier == nil {
			return Session{}, m.deny(p, operation, apperr.New(apperr.KindUnauthenticated, "password verification is unavailable"))
		}
		if err := m.verifier.VerifyPassword(p, opts.Password, opts.TOTPCode); err != nil {
			return Session{}, m.deny(p, operation, apperr.Wrap(err, apperr.KindUnauthenticated, "invalid password"))
		}
	}

	now := m.now()
	sess := Session{
		ID:             idPrefix + uuid.NewString(),
		OwnerID:        p.ID,
		OwnerName:      p.Name,
		CreatedAt:      now,
		LastActivityAt: now,
		IPAddress:      opts.IPAddress,
		UserAgent:      opts.UserAgent,
		State:          StateActive,
	}
	// Zero means unset; any other value is clamped.
	timeout := opts.TimeoutMinutes
	if opts.IsAgent {
		if timeout == 0 {
			timeout = min(snap.AgentTimeoutMinutes, snap.MaxTimeoutMinutes)
		}
		profile := agent.BuildProfile(snap)
		sess.IsAgent = true
		sess.AgentID = strings.TrimSpace(opts.AgentID)
		sess.Task = strings.TrimSpace(opts.Task)
		sess.Restrictions = &profile
	} else if timeout == 0 {
		timeout = snap.DefaultTimeoutMinutes
	}
	sess.TimeoutMinutes = ClampTimeout(timeout, snap.MaxTimeoutMinutes)
	sess.ExpiresAt = now.Add(time.Duration(sess.TimeoutMinutes) * time.Minute)

	// The password check ran unlocked; count again before inserting.
	m.mu.Lock()
	if err := m.checkQuotaLocked(p, opts.IsAgent, snap); err != nil {
		m.mu.Unlock()
		return Session{}, m.deny(p, operation, err)
	}
	err = m.table.Put(sess.ID, sess)
	m.mu.Unlock()
	if err != nil {
		return Session{}, fmt.Errorf("store session: %w", err)
	}

	if sess.IsAgent {
		m.logger.Info("session.agent.created", "session_id", sess.ID, "owner", p.ID, "agent_id", sess.AgentID, "timeout_minutes", sess.TimeoutMinutes)
		m.record(audit.ActionAgentSessionCreated, p, map[string]any{
			"sessionId":      sess.ID,
			"agentId":        sess.AgentID,
			"task":           sess.Task,
			"timeoutMinutes": sess.TimeoutMinutes,
			"expiresAt":      sess.ExpiresAt,
			"restrictions":   sess.Restrictions,
		})
	} else {
		m.logger.Info("session.created", "session_id", sess.ID, "owner", p.ID, "timeout_minutes", sess.TimeoutMinutes)
		m.record(audit.ActionSessionCreated, p, map[string]any{
			"sessionId":      sess.ID,
			"timeoutMinutes": sess.TimeoutMinutes,
			"expiresAt":      sess.ExpiresAt,
			"ipAddress":      sess.IPAddress,
			"userAgent":      sess.UserAgent,
		})
	}
	return sess, nil
}

func validateAgentRequest(opts CreateOptions) error {
	err := apperr.New(apperr.KindValidation, "agent ID and task description are required")
	if strings.TrimSpace(opts.AgentID) == "" {
		err.WithDetail("agentId", "is required")
	}
	if strings.TrimSpace(opts.Task) == "" {
		err.WithDetail("task", "is required")
	}
	if len(err.Details) == 0 {
		return nil
	}
	return err
}

func (m *Manager) checkQuotaLocked(p principal.Principal, isAgent bool, snap policy.Snapshot) error {
	now := m.now()
	count := 0
	if err := m.table.Scan(func(_ string, s Session) bool {
		if !s.Active(now) {
			return true
		}
		if isAgent && s.IsAgent {
			count++
		} else if !isAgent && !s.IsAgent && s.OwnerID == p.ID {
			count++
		}
		return true
	}); err != nil {
		return fmt.Errorf("count sessions: %w", err)
	}
	limit := snap.MaxConcurrentSessions
	if isAgent {
		limit = snap.AgentPoolSize()
	}
	if count >= limit {
		if isAgent {
			return apperr.Newf(apperr.KindQuotaExceeded, "maximum concurrent agent sessions (%d) reached", limit).
				WithDetail("limit", limit).WithDetail("active", count)
		}
		return apperr.Newf(apperr.KindQuotaExceeded, "maximum concurrent sessions (%d) reached", limit).
			WithDetail("limit", limit).WithDetail("active", count)
	}
	return nil
}

// Get returns the session with an unswept expiry reported as StateExpired.
func (m *Manager) Get(id string) (Session, error) {
	sess, ok, err := m.table.Get(id)
	if err != nil {
		return Session{}, fmt.Errorf("load session: %w", err)
	}
	if !ok {
		return Session{}, notFound(id)
	}
	return sess.effective(m.now()), nil
}

// Access checks that actor may use the session and refreshes it.
func (m *Manager) Access(ctx context.Context, id string, actor principal.Principal) (Session, error) {
	sess, ok, err := m.table.Get(id)
	if err != nil {
		return Session{}, fmt.Errorf("load session: %w", err)
	}
	if !ok {
		return Session{}, notFound(id)
	}
	if !actor.MayActOn(sess.OwnerID) {
		return Session{}, m.deny(actor, "AccessSession", apperr.New(apperr.KindForbidden, "session belongs to another user").WithDetail("sessionId", id))
	}
	sess, err = m.Touch(ctx, id)
	if err != nil {
		return Session{}, err
	}
	m.record(audit.ActionSessionAccessed, actor, map[string]any{
		"sessionId": sess.ID,
		"expiresAt": sess.ExpiresAt,
	})
	return sess, nil
}

// Touch records activity on an active session. An overdue session is
// expired on the spot and fails Expired.
func (m *Manager) Touch(ctx context.Context, id string) (Session, error) {
	now := m.now()
	m.mu.Lock()
	sess, ok, err := m.table.Get(id)
	if err != nil {
		m.mu.Unlock()
		return Session{}, fmt.Errorf("load session: %w", err)
	}
	if !ok {
		m.mu.Unlock()
		return Session{}, notFound(id)
	}
	if sess.State != StateActive {
		m.mu.Unlock()
		return Session{}, apperr.Newf(apperr.KindInvalidState, "session is %s", sess.State).WithDetail("sessionId", id)
	}
	if sess.Expired(now) {
		ended, err := m.endLocked(sess, StateExpired, ReasonExpired, now)
		m.mu.Unlock()
		if err != nil {
			return Session{}, err
		}
		m.teardown(ended, principal.System)
		return Session{}, apperr.New(apperr.KindExpired, "session has expired").WithDetail("sessionId", id)
	}
	sess.LastActivityAt = now
	err = m.table.Put(id, sess)
	m.mu.Unlock()
	if err != nil {
		return Session{}, fmt.Errorf("store session: %w", err)
	}
	return sess, nil
}

// Terminate ends a session. Terminating an already ended session succeeds
// without side effects.
func (m *Manager) Terminate(ctx context.Context, id string, actor principal.Principal) error {
	now := m.now()
	m.mu.Lock()
	sess, ok, err := m.table.Get(id)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("load session: %w", err)
	}
	if !ok {
		m.mu.Unlock()
		return notFound(id)
	}
	if !actor.MayActOn(sess.OwnerID) {
		m.mu.Unlock()
		return m.deny(actor, "TerminateSession", apperr.New(apperr.KindForbidden, "session belongs to another user").WithDetail("sessionId", id))
	}
	if sess.State != StateActive {
		m.mu.Unlock()
		return nil
	}
	state, reason := StateTerminated, ReasonTerminated
	if sess.Expired(now) {
		state, reason = StateExpired, ReasonExpired
	}
	ended, err := m.endLocked(sess, state, reason, now)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.teardown(ended, actor)
	return nil
}

// ListActive returns active sessions, all of them when ownerID is empty.
func (m *Manager) ListActive(ownerID string) ([]Session, error) {
	now := m.now()
	var out []Session
	if err := m.table.Scan(func(_ string, s Session) bool {
		if s.Active(now) && (ownerID == "" || s.OwnerID == ownerID) {
			out = append(out, s)
		}
		return true
	}); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Status summarizes the subsystem.
func (m *Manager) Status() (Status, error) {
	snap := m.policy.Get()
	active, err := m.ListActive("")
	if err != nil {
		return Status{}, err
	}
	st := Status{
		Enabled:          snap.Enabled,
		Production:       m.env.IsProduction(),
		ActiveSessions:   len(active),
		MaxAgentSessions: snap.AgentPoolSize(),
		Config:           &snap,
	}
	for _, s := range active {
		if s.IsAgent {
			st.ActiveAgentSessions++
		}
	}
	m.mu.Lock()
	terminals := m.terminals
	m.mu.Unlock()
	if terminals != nil {
		st.TerminalBindings = terminals.Count()
	}
	return st, nil
}

// Sweep expires overdue sessions and drops ended ones older than the
// retention window. It returns how many sessions it expired.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	now := m.now()
	var expired []Session
	m.mu.Lock()
	var overdue, stale []Session
	err := m.table.Scan(func(_ string, s Session) bool {
		switch {
		case s.State == StateActive && s.Expired(now):
			overdue = append(overdue, s)
		case s.State != StateActive && s.EndedAt != nil && now.Sub(*s.EndedAt) > m.retention:
			stale = append(stale, s)
		}
		return true
	})
	if err == nil {
		for _, s := range overdue {
			ended, endErr := m.endLocked(s, StateExpired, ReasonExpired, now)
			if endErr != nil {
				err = endErr
				break
			}
			expired = append(expired, ended)
		}
	}
	if err == nil {
		for _, s := range stale {
			if err = m.table.Delete(s.ID); err != nil {
				break
			}
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		m.teardown(s, principal.System)
	}
	return len(expired), err
}

// Run sweeps every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.Sweep(ctx)
			if err != nil {
				m.logger.Warn("session.sweep", "err", err)
				continue
			}
			if n > 0 {
				m.logger.Info("session.sweep", "expired", n)
			}
		}
	}
}

// Shutdown terminates every active session and records the shutdown.
func (m *Manager) Shutdown(ctx context.Context) error {
	now := m.now()
	var ended []Session
	m.mu.Lock()
	var active []Session
	err := m.table.Scan(func(_ string, s Session) bool {
		if s.State == StateActive {
			active = append(active, s)
		}
		return true
	})
	if err == nil {
		for _, s := range active {
			done, endErr := m.endLocked(s, StateTerminated, ReasonShutdown, now)
			if endErr != nil {
				err = endErr
				break
			}
			ended = append(ended, done)
		}
	}
	m.mu.Unlock()

	for _, s := range ended {
		m.teardown(s, principal.System)
	}
	m.record(audit.ActionSystemShutdown, principal.System, map[string]any{
		"terminatedSessions": len(ended),
	})
	m.logger.Info("session.shutdown", "terminated", len(ended))
	return err
}

// endLocked moves sess to a terminal state. Callers hold m.mu.
func (m *Manager) endLocked(sess Session, state State, reason string, now time.Time) (Session, error) {
	ended := now
	sess.State = state
	sess.EndedAt = &ended
	sess.EndReason = reason
	if err := m.table.Put(sess.ID, sess); err != nil {
		return Session{}, fmt.Errorf("store session: %w", err)
	}
	return sess, nil
}

// teardown detaches the terminal and records the end of sess. It runs after
// the state transition, outside m.mu.
func (m *Manager) teardown(sess Session, actor principal.Principal) {
	m.mu.Lock()
	terminals := m.terminals
	m.mu.Unlock()
	if terminals != nil {
		terminals.Detach(sess.ID, sess.EndReason)
	}

	details := map[string]any{
		"sessionId": sess.ID,
		"owner":     sess.OwnerID,
		"reason":    sess.EndReason,
		"duration":  sess.EndedAt.Sub(sess.CreatedAt).Round(time.Second).String(),
	}
	if sess.State == StateExpired {
		m.logger.Info("session.expired", "session_id", sess.ID, "owner", sess.OwnerID)
		m.record(audit.ActionSessionExpired, actor, details)
		return
	}
	m.logger.Info("session.terminated", "session_id", sess.ID, "owner", sess.OwnerID, "reason", sess.EndReason)
	m.record(audit.ActionSessionTerminated, actor, details)
}

func (m *Manager) deny(actor principal.Principal, operation string, err error) error {
	m.logger.Warn("session.denied", "operation", operation, "actor", actor.ID, "code", apperr.KindOf(err), "err", err)
	m.record(audit.ActionAccessDenied, actor, map[string]any{
		"operation": operation,
		"reason":    string(apperr.KindOf(err)),
		"message":   err.Error(),
	})
	return err
}

func (m *Manager) record(action audit.Action, actor principal.Principal, details map[string]any) {
	if m.audit == nil {
		return
	}
	m.audit.Record(action, actor, details)
}

func notFound(id string) error {
	return apperr.New(apperr.KindNotFound, "session not found").WithDetail("sessionId", id)
}
