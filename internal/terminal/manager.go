// Package terminal binds JIT sessions to shell processes running on
// pseudo terminals.
package terminal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"pkt.systems/jitterm/internal/apperr"
	"pkt.systems/jitterm/internal/audit"
	"pkt.systems/jitterm/internal/principal"
	"pkt.systems/jitterm/internal/session"
	"pkt.systems/pslog"
)

const (
	// DefaultSpawnRetries is how many times a failed spawn is retried.
	DefaultSpawnRetries = 2
	// DefaultTestTimeout bounds TestTerminal.
	DefaultTestTimeout = 5 * time.Second

	spawnBackoff = 100 * time.Millisecond
	testMarker   = "jitterm-terminal-ok"
)

// Detach reasons.
const (
	ReasonClientClosed = "client_closed"
	ReasonExited       = "process_exited"
	ReasonSessionEnded = "session_ended"
)

// Binding describes a live session terminal.
type Binding struct {
	SessionID  string    `json:"sessionId"`
	OwnerID    string    `json:"ownerId"`
	IsAgent    bool      `json:"isAgent"`
	Pid        int       `json:"pid"`
	Dir        string    `json:"dir,omitempty"`
	AttachedAt time.Time `json:"attachedAt"`
}

// TestResult is the outcome of TestTerminal.
type TestResult struct {
	Success  bool          `json:"success"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Options configures a Manager.
type Options struct {
	Spawner      Spawner
	SpawnRetries int
	Audit        audit.Recorder
	Logger       pslog.Logger
	Now          func() time.Time
}

// Manager tracks at most one process per session.
type Manager struct {
	mu      sync.Mutex
	handles map[string]*Handle
	// pending holds sessions whose shell is being spawned. A non-empty
	// value is the reason the session ended in the meantime.
	pending map[string]string
	spawner Spawner
	retries int
	audit   audit.Recorder
	logger  pslog.Logger
	now     func() time.Time
}

// NewManager returns a terminal manager.
func NewManager(opts Options) *Manager {
	spawner := opts.Spawner
	if spawner == nil {
		spawner = PTYSpawner{}
	}
	retries := opts.SpawnRetries
	if retries < 0 {
		retries = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = pslog.LoggerFromEnv()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		handles: make(map[string]*Handle),
		pending: make(map[string]string),
		spawner: spawner,
		retries: retries,
		audit:   opts.Audit,
		logger:  logger.With("component", "terminal"),
		now:     now,
	}
}

// Handle is an attached terminal.
type Handle struct {
	binding Binding
	proc    Process
}

// Binding returns the binding metadata.
func (h *Handle) Binding() Binding { return h.binding }

// Read reads process output.
func (h *Handle) Read(ctx context.Context, buf []byte) (int, error) { return h.proc.Read(ctx, buf) }

// Write sends input to the process.
func (h *Handle) Write(p []byte) (int, error) { return h.proc.Write(p) }

// Resize changes the terminal window size.
func (h *Handle) Resize(cols, rows int) error { return h.proc.Resize(cols, rows) }

// Done is closed when the process exits.
func (h *Handle) Done() <-chan struct{} { return h.proc.Done() }

// Attach spawns the shell for sess. The session must be active and not yet
// bound. Spawn failures are retried before failing ProcessFailed. A session
// that ends while its shell is starting gets the shell killed and fails
// InvalidState.
func (m *Manager) Attach(ctx context.Context, sess session.Session, cols, rows int) (*Handle, error) {
	if !sess.Active(m.now()) {
		return nil, apperr.New(apperr.KindInvalidState, "session is not active").WithDetail("sessionId", sess.ID)
	}
	m.mu.Lock()
	_, bound := m.handles[sess.ID]
	_, reserved := m.pending[sess.ID]
	if bound || reserved {
		m.mu.Unlock()
		return nil, apperr.New(apperr.KindAlreadyBound, "a terminal is already attached to this session").WithDetail("sessionId", sess.ID)
	}
	m.pending[sess.ID] = ""
	m.mu.Unlock()

	spec := specFor(sess, cols, rows)
	proc, err := m.spawn(ctx, sess.ID, spec)

	m.mu.Lock()
	ended := m.pending[sess.ID]
	delete(m.pending, sess.ID)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if ended == "" && !sess.Active(m.now()) {
		ended = ReasonSessionEnded
	}
	if ended != "" {
		m.mu.Unlock()
		if kerr := proc.Kill(); kerr != nil {
			m.logger.Warn("terminal.kill", "session_id", sess.ID, "pid", proc.Pid(), "err", kerr)
		}
		m.logger.Info("terminal.abandoned", "session_id", sess.ID, "reason", ended)
		return nil, apperr.New(apperr.KindInvalidState, "session ended while the terminal was starting").
			WithDetail("sessionId", sess.ID).
			WithDetail("reason", ended)
	}
	h := &Handle{
		binding: Binding{
			SessionID:  sess.ID,
			OwnerID:    sess.OwnerID,
			IsAgent:    sess.IsAgent,
			Pid:        proc.Pid(),
			Dir:        spec.Dir,
			AttachedAt: m.now(),
		},
		proc: proc,
	}
	m.handles[sess.ID] = h
	m.mu.Unlock()

	m.logger.Info("terminal.attached", "session_id", sess.ID, "pid", h.binding.Pid, "agent", sess.IsAgent)
	m.record(audit.ActionTerminalAttached, ownerOf(sess), map[string]any{
		"sessionId": sess.ID,
		"pid":       h.binding.Pid,
		"isAgent":   sess.IsAgent,
	})
	go m.watch(h)
	return h, nil
}

func (m *Manager) spawn(ctx context.Context, sessionID string, spec Spec) (Process, error) {
	var lastErr error
	for attempt := 0; attempt <= m.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, apperr.Wrap(ctx.Err(), apperr.KindProcessFailed, "terminal spawn cancelled")
			case <-time.After(time.Duration(attempt) * spawnBackoff):
			}
		}
		proc, err := m.spawner.Spawn(ctx, spec)
		if err == nil {
			return proc, nil
		}
		lastErr = err
		m.logger.Warn("terminal.spawn", "session_id", sessionID, "attempt", attempt+1, "err", err)
	}
	return nil, apperr.Wrap(lastErr, apperr.KindProcessFailed, "failed to start terminal process").
		WithDetail("attempts", m.retries+1)
}

// watch drops the binding when the process exits on its own.
func (m *Manager) watch(h *Handle) {
	<-h.proc.Done()
	m.release(h, ReasonExited)
}

// Detach tears down the process bound to sessionID. It reports whether a
// binding existed; detaching an unbound session is a no-op. A shell still
// being spawned is killed by Attach once the spawn returns.
func (m *Manager) Detach(sessionID, reason string) bool {
	m.mu.Lock()
	h, ok := m.handles[sessionID]
	if _, spawning := m.pending[sessionID]; !ok && spawning {
		if reason == "" {
			reason = ReasonSessionEnded
		}
		m.pending[sessionID] = reason
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	return m.release(h, reason)
}

// DetachHandle detaches h only if it is still the binding of its session.
func (m *Manager) DetachHandle(h *Handle, reason string) bool {
	return m.release(h, reason)
}

func (m *Manager) release(h *Handle, reason string) bool {
	m.mu.Lock()
	if cur, ok := m.handles[h.binding.SessionID]; !ok || cur != h {
		m.mu.Unlock()
		return false
	}
	delete(m.handles, h.binding.SessionID)
	m.mu.Unlock()

	if err := h.proc.Kill(); err != nil {
		m.logger.Warn("terminal.kill", "session_id", h.binding.SessionID, "pid", h.binding.Pid, "err", err)
	}
	m.logger.Info("terminal.detached", "session_id", h.binding.SessionID, "reason", reason)
	m.record(audit.ActionTerminalDetached, principal.Principal{ID: h.binding.OwnerID}, map[string]any{
		"sessionId": h.binding.SessionID,
		"pid":       h.binding.Pid,
		"reason":    reason,
	})
	return true
}

// DetachAll tears down every binding and returns how many there were.
func (m *Manager) DetachAll(reason string) int {
	n := 0
	for _, b := range m.ActiveSessions() {
		if m.Detach(b.SessionID, reason) {
			n++
		}
	}
	return n
}

// ActiveSessions lists live bindings ordered by attach time.
func (m *Manager) ActiveSessions() []Binding {
	m.mu.Lock()
	out := make([]Binding, 0, len(m.handles))
	for _, h := range m.handles {
		out = append(out, h.binding)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].AttachedAt.Equal(out[j].AttachedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].AttachedAt.Before(out[j].AttachedAt)
	})
	return out
}

// Count returns the number of live bindings.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

// TestTerminal runs a trivial command on a throwaway PTY.
func (m *Manager) TestTerminal(ctx context.Context) TestResult {
	ctx, cancel := context.WithTimeout(ctx, DefaultTestTimeout)
	defer cancel()
	start := m.now()
	result := func(out string, err error) TestResult {
		r := TestResult{Output: out, Duration: m.now().Sub(start)}
		if err != nil {
			r.Error = err.Error()
			m.logger.Warn("terminal.test", "err", err)
		} else {
			r.Success = true
		}
		return r
	}

	proc, err := m.spawn(ctx, "test", Spec{Args: []string{fallbackShell, "-c", "echo " + testMarker}, Cols: 80, Rows: 24})
	if err != nil {
		return result("", err)
	}
	defer func() {
		_ = proc.Kill()
	}()

	var out bytes.Buffer
	buf := make([]byte, 1024)
	for !bytes.Contains(out.Bytes(), []byte(testMarker)) {
		n, err := proc.Read(ctx, buf)
		out.Write(buf[:n])
		if err != nil {
			if bytes.Contains(out.Bytes(), []byte(testMarker)) {
				break
			}
			if errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("timed out waiting for test output")
			}
			return result(out.String(), err)
		}
	}
	return result(string(bytes.TrimSpace(out.Bytes())), nil)
}

func (m *Manager) record(action audit.Action, actor principal.Principal, details map[string]any) {
	if m.audit == nil {
		return
	}
	m.audit.Record(action, actor, details)
}

// specFor builds the process spec of a session shell. Agent shells start
// in the first allowed directory when it exists.
func specFor(sess session.Session, cols, rows int) Spec {
	spec := Spec{
		Cols: cols,
		Rows: rows,
		Env: []string{
			"JIT_SESSION_ID=" + sess.ID,
			"JIT_USER_ID=" + sess.OwnerID,
			"JIT_USER_NAME=" + sess.OwnerName,
		},
	}
	if !sess.IsAgent {
		return spec
	}
	spec.Env = append(spec.Env,
		"JIT_AGENT_SESSION=true",
		"JIT_AGENT_ID="+sess.AgentID,
		"JIT_AGENT_TASK="+sess.Task,
	)
	if sess.Restrictions != nil {
		if dir := sess.Restrictions.WorkDir(); dir != "" {
			if info, err := os.Stat(dir); err == nil && info.IsDir() {
				spec.Dir = dir
			}
		}
	}
	return spec
}

func ownerOf(sess session.Session) principal.Principal {
	return principal.Principal{ID: sess.OwnerID, Name: sess.OwnerName}
}
