package terminal

import (
	"context"
	"errors"
	"io"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/jitterm/internal/agent"
	"pkt.systems/jitterm/internal/apperr"
	"pkt.systems/jitterm/internal/audit"
	"pkt.systems/jitterm/internal/session"
)

type fakeProcess struct {
	pid    int
	output chan []byte
	done   chan struct{}

	mu     sync.Mutex
	input  []byte
	killed int
	once   sync.Once
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, output: make(chan []byte, 8), done: make(chan struct{})}
}

func (p *fakeProcess) Read(ctx context.Context, buf []byte) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-p.done:
		return 0, io.EOF
	case data := <-p.output:
		return copy(buf, data), nil
	}
}

func (p *fakeProcess) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.input = append(p.input, b...)
	return len(b), nil
}

func (p *fakeProcess) Resize(int, int) error { return nil }
func (p *fakeProcess) Pid() int              { return p.pid }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed++
	p.mu.Unlock()
	p.exit()
	return nil
}

func (p *fakeProcess) exit() {
	p.once.Do(func() { close(p.done) })
}

func (p *fakeProcess) kills() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

type fakeSpawner struct {
	mu       sync.Mutex
	failures int
	calls    int
	specs    []Spec
	procs    []*fakeProcess
	output   string
}

func (s *fakeSpawner) Spawn(_ context.Context, spec Spec) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return nil, errors.New("no pty available")
	}
	s.specs = append(s.specs, spec)
	p := newFakeProcess(1000 + s.calls)
	if s.output != "" {
		p.output <- []byte(s.output)
	}
	s.procs = append(s.procs, p)
	return p, nil
}

var now = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func activeSession(id string) session.Session {
	return session.Session{
		ID:        id,
		OwnerID:   "u1",
		OwnerName: "alice",
		CreatedAt: now,
		ExpiresAt: now.Add(10 * time.Minute),
		State:     session.StateActive,
	}
}

func newManager(spawner Spawner, retries int) (*Manager, *audit.MemorySink) {
	sink := &audit.MemorySink{}
	m := NewManager(Options{
		Spawner:      spawner,
		SpawnRetries: retries,
		Audit:        audit.New(audit.Options{Sinks: []audit.Sink{sink}}),
		Now:          func() time.Time { return now },
	})
	return m, sink
}

func actions(sink *audit.MemorySink) []audit.Action {
	var out []audit.Action
	for _, ev := range sink.Events() {
		out = append(out, ev.Action)
	}
	return out
}

func TestAttachAndDetach(t *testing.T) {
	spawner := &fakeSpawner{}
	m, sink := newManager(spawner, 0)
	h, err := m.Attach(context.Background(), activeSession("s1"), 80, 24)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if h.Binding().Pid != 1001 {
		t.Fatalf("pid = %d, want 1001", h.Binding().Pid)
	}
	if m.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", m.Count())
	}
	env := spawner.specs[0].Env
	if !slices.Contains(env, "JIT_SESSION_ID=s1") || !slices.Contains(env, "JIT_USER_NAME=alice") {
		t.Fatalf("env = %v", env)
	}

	if _, err := m.Attach(context.Background(), activeSession("s1"), 80, 24); !apperr.IsKind(err, apperr.KindAlreadyBound) {
		t.Fatalf("second Attach err = %v, want AlreadyBound", err)
	}

	if !m.Detach("s1", "terminated") {
		t.Fatalf("Detach reported no binding")
	}
	if m.Detach("s1", "terminated") {
		t.Fatalf("second Detach should be a no-op")
	}
	if got := spawner.procs[0].kills(); got != 1 {
		t.Fatalf("kills = %d, want 1", got)
	}
	want := []audit.Action{audit.ActionTerminalAttached, audit.ActionTerminalDetached}
	if got := actions(sink); !slices.Equal(got, want) {
		t.Fatalf("actions = %v, want %v", got, want)
	}
}

func TestAttachRejectsInactiveSessions(t *testing.T) {
	m, _ := newManager(&fakeSpawner{}, 0)
	expired := activeSession("s1")
	expired.ExpiresAt = now.Add(-time.Second)
	if _, err := m.Attach(context.Background(), expired, 80, 24); !apperr.IsKind(err, apperr.KindInvalidState) {
		t.Fatalf("expired Attach err = %v, want InvalidState", err)
	}
	ended := activeSession("s2")
	ended.State = session.StateTerminated
	if _, err := m.Attach(context.Background(), ended, 80, 24); !apperr.IsKind(err, apperr.KindInvalidState) {
		t.Fatalf("terminated Attach err = %v, want InvalidState", err)
	}
}

func TestAttachRetriesSpawn(t *testing.T) {
	spawner := &fakeSpawner{failures: 2}
	m, _ := newManager(spawner, 2)
	if _, err := m.Attach(context.Background(), activeSession("s1"), 80, 24); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if spawner.calls != 3 {
		t.Fatalf("spawn calls = %d, want 3", spawner.calls)
	}
}

func TestAttachFailsAfterRetries(t *testing.T) {
	spawner := &fakeSpawner{failures: 5}
	m, _ := newManager(spawner, 1)
	_, err := m.Attach(context.Background(), activeSession("s1"), 80, 24)
	if !apperr.IsKind(err, apperr.KindProcessFailed) {
		t.Fatalf("Attach err = %v, want ProcessFailed", err)
	}
	if spawner.calls != 2 {
		t.Fatalf("spawn calls = %d, want 2", spawner.calls)
	}
	if m.Count() != 0 {
		t.Fatalf("failed attach left a binding")
	}
	spawner.failures = 0
	if _, err := m.Attach(context.Background(), activeSession("s1"), 80, 24); err != nil {
		t.Fatalf("Attach after failure: %v", err)
	}
}

func TestProcessExitReleasesBinding(t *testing.T) {
	spawner := &fakeSpawner{}
	m, _ := newManager(spawner, 0)
	if _, err := m.Attach(context.Background(), activeSession("s1"), 80, 24); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	spawner.procs[0].exit()
	deadline := time.Now().Add(2 * time.Second)
	for m.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("binding not released after exit")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAgentSpec(t *testing.T) {
	dir := t.TempDir()
	sess := activeSession("s1")
	sess.IsAgent = true
	sess.AgentID = "a1"
	sess.Task = "rotate logs"
	sess.Restrictions = &agent.Profile{AllowedDirectories: []string{dir, "/var/log"}}
	spec := specFor(sess, 120, 40)
	if spec.Dir != dir {
		t.Fatalf("Dir = %q, want %q", spec.Dir, dir)
	}
	for _, want := range []string{"JIT_AGENT_SESSION=true", "JIT_AGENT_ID=a1", "JIT_AGENT_TASK=rotate logs"} {
		if !slices.Contains(spec.Env, want) {
			t.Fatalf("env missing %q: %v", want, spec.Env)
		}
	}

	sess.Restrictions = &agent.Profile{AllowedDirectories: []string{dir + "/missing"}}
	if spec := specFor(sess, 80, 24); spec.Dir != "" {
		t.Fatalf("Dir = %q, want empty for missing directory", spec.Dir)
	}
}

func TestActiveSessionsAndDetachAll(t *testing.T) {
	m, _ := newManager(&fakeSpawner{}, 0)
	for _, id := range []string{"s2", "s1"} {
		if _, err := m.Attach(context.Background(), activeSession(id), 80, 24); err != nil {
			t.Fatalf("Attach(%s): %v", id, err)
		}
	}
	bindings := m.ActiveSessions()
	if len(bindings) != 2 || bindings[0].SessionID != "s1" {
		t.Fatalf("ActiveSessions = %+v", bindings)
	}
	if n := m.DetachAll("shutdown"); n != 2 {
		t.Fatalf("DetachAll = %d, want 2", n)
	}
	if m.Count() != 0 {
		t.Fatalf("Count() = %d after DetachAll", m.Count())
	}
}

func TestTestTerminal(t *testing.T) {
	spawner := &fakeSpawner{output: "echo\r\n" + testMarker + "\r\n"}
	m, _ := newManager(spawner, 0)
	res := m.TestTerminal(context.Background())
	if !res.Success || !strings.Contains(res.Output, testMarker) {
		t.Fatalf("TestTerminal = %+v", res)
	}
	if spawner.procs[0].kills() != 1 {
		t.Fatalf("test terminal not torn down")
	}
	if m.Count() != 0 {
		t.Fatalf("test terminal must not create a binding")
	}

	failing := &fakeSpawner{failures: 10}
	m, _ = newManager(failing, 0)
	if res := m.TestTerminal(context.Background()); res.Success || res.Error == "" {
		t.Fatalf("TestTerminal with failing spawner = %+v", res)
	}
}

// gatedSpawner blocks each spawn until release is closed.
type gatedSpawner struct {
	fakeSpawner
	started chan struct{}
	release chan struct{}
}

func (s *gatedSpawner) Spawn(ctx context.Context, spec Spec) (Process, error) {
	close(s.started)
	<-s.release
	return s.fakeSpawner.Spawn(ctx, spec)
}

func TestDetachDuringSpawnKillsShell(t *testing.T) {
	spawner := &gatedSpawner{started: make(chan struct{}), release: make(chan struct{})}
	m, sink := newManager(spawner, 0)

	errc := make(chan error, 1)
	go func() {
		_, err := m.Attach(context.Background(), activeSession("s1"), 80, 24)
		errc <- err
	}()
	<-spawner.started
	if m.Detach("s1", "terminated") {
		t.Fatalf("Detach reported a binding while spawning")
	}
	close(spawner.release)

	err := <-errc
	if !apperr.IsKind(err, apperr.KindInvalidState) {
		t.Fatalf("Attach err = %v, want InvalidState", err)
	}
	if got := spawner.procs[0].kills(); got != 1 {
		t.Fatalf("kills = %d, want 1", got)
	}
	if m.Count() != 0 {
		t.Fatalf("Count() = %d, want 0", m.Count())
	}
	if got := actions(sink); len(got) != 0 {
		t.Fatalf("actions = %v, want none", got)
	}
	m.mu.Lock()
	pending := len(m.pending)
	m.mu.Unlock()
	if pending != 0 {
		t.Fatalf("pending reservations = %d, want 0", pending)
	}
}

func TestExpiryDuringSpawnKillsShell(t *testing.T) {
	var mu sync.Mutex
	clock := now
	spawner := &gatedSpawner{started: make(chan struct{}), release: make(chan struct{})}
	m := NewManager(Options{
		Spawner: spawner,
		Now: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return clock
		},
	})

	errc := make(chan error, 1)
	go func() {
		_, err := m.Attach(context.Background(), activeSession("s1"), 80, 24)
		errc <- err
	}()
	<-spawner.started
	mu.Lock()
	clock = now.Add(time.Hour)
	mu.Unlock()
	close(spawner.release)

	if err := <-errc; !apperr.IsKind(err, apperr.KindInvalidState) {
		t.Fatalf("Attach err = %v, want InvalidState", err)
	}
	if got := spawner.procs[0].kills(); got != 1 {
		t.Fatalf("kills = %d, want 1", got)
	}
	if m.Count() != 0 {
		t.Fatalf("Count() = %d, want 0", m.Count())
	}
}
