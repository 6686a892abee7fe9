package session

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"pkt.systems/jitterm/internal/apperr"
	"pkt.systems/jitterm/internal/audit"
	"pkt.systems/jitterm/internal/policy"
	"pkt.systems/jitterm/internal/principal"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type staticPolicy struct {
	mu   sync.Mutex
	snap policy.Snapshot
}

func (p *staticPolicy) Get() policy.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap.Clone()
}

func (p *staticPolicy) Set(fn func(*policy.Snapshot)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(&p.snap)
}

type fakeTerminals struct {
	mu       sync.Mutex
	detached []string
}

func (f *fakeTerminals) Detach(sessionID, _ string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detached = append(f.detached, sessionID)
	return true
}

func (f *fakeTerminals) Count() int { return 0 }

func (f *fakeTerminals) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.detached)
}

type fakeVerifier struct {
	password string
}

func (v fakeVerifier) VerifyPassword(_ principal.Principal, password, _ string) error {
	if password != v.password {
		return errors.New("bad password")
	}
	return nil
}

var (
	root  = principal.Principal{ID: "root", Name: "root", Role: principal.RoleSuperAdmin}
	alice = principal.Principal{ID: "u1", Name: "alice", Role: principal.RoleSuperAdmin}
	bob   = principal.Principal{ID: "u2", Name: "bob", Role: principal.RoleSuperAdmin}
	carol = principal.Principal{ID: "u3", Name: "carol", Role: principal.RoleAdmin}
	bot   = principal.Principal{ID: "a1", Name: "agent-1", Role: principal.RoleAIAgent}
	bot2  = principal.Principal{ID: "a2", Name: "agent-2", Role: principal.RoleOMAI}

	agentRequest = CreateOptions{IsAgent: true, AgentID: "agent-1", Task: "collect logs"}
)

type fixture struct {
	mgr       *Manager
	clock     *clock
	policy    *staticPolicy
	terminals *fakeTerminals
	sink      *audit.MemorySink
	env       *policy.StaticEnvironment
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	snap := policy.Default()
	snap.Enabled = true
	snap.MaxTimeoutMinutes = 60
	snap.MaxConcurrentSessions = 4
	f := &fixture{
		clock:     &clock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)},
		policy:    &staticPolicy{snap: snap},
		terminals: &fakeTerminals{},
		sink:      &audit.MemorySink{},
	}
	env := policy.StaticEnvironment(false)
	f.env = &env
	mgr, err := NewManager(Options{
		Policy:      f.policy,
		Environment: envFunc(func() bool { return bool(*f.env) }),
		Verifier:    fakeVerifier{password: "hunter2"},
		Terminals:   f.terminals,
		Audit:       audit.New(audit.Options{Sinks: []audit.Sink{f.sink}}),
		Now:         f.clock.Now,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	f.mgr = mgr
	return f
}

type envFunc func() bool

func (fn envFunc) IsProduction() bool { return fn() }

func (f *fixture) actions() []audit.Action {
	var out []audit.Action
	for _, ev := range f.sink.Events() {
		out = append(out, ev.Action)
	}
	return out
}

func (f *fixture) count(action audit.Action) int {
	n := 0
	for _, a := range f.actions() {
		if a == action {
			n++
		}
	}
	return n
}

func TestCreateComputesExpiry(t *testing.T) {
	f := newFixture(t)
	t0 := f.clock.Now()
	sess, err := f.mgr.Create(context.Background(), alice, CreateOptions{TimeoutMinutes: 15, IPAddress: "10.0.0.1"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !sess.ExpiresAt.Equal(t0.Add(15 * time.Minute)) {
		t.Fatalf("ExpiresAt = %v, want %v", sess.ExpiresAt, t0.Add(15*time.Minute))
	}
	if sess.State != StateActive || sess.OwnerID != alice.ID {
		t.Fatalf("session = %+v", sess)
	}
	if got := f.actions(); !slices.Equal(got, []audit.Action{audit.ActionSessionCreated}) {
		t.Fatalf("actions = %v", got)
	}
}

func TestCreateClampsTimeout(t *testing.T) {
	cases := []struct {
		name      string
		requested int
		want      int
	}{
		{"default", 0, 10},
		{"negative", -4, 1},
		{"within", 30, 30},
		{"ceiling", 500, 60},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			sess, err := f.mgr.Create(context.Background(), alice, CreateOptions{TimeoutMinutes: tc.requested})
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			if sess.TimeoutMinutes != tc.want {
				t.Fatalf("TimeoutMinutes = %d, want %d", sess.TimeoutMinutes, tc.want)
			}
			if got := sess.ExpiresAt.Sub(sess.CreatedAt); got != time.Duration(tc.want)*time.Minute {
				t.Fatalf("lifetime = %v, want %dm", got, tc.want)
			}
		})
	}
}

func TestCreateGateOrder(t *testing.T) {
	f := newFixture(t)
	f.policy.Set(func(s *policy.Snapshot) { s.Enabled = false })
	*f.env = true
	if _, err := f.mgr.Create(context.Background(), alice, CreateOptions{}); !apperr.IsKind(err, apperr.KindDisabled) {
		t.Fatalf("err = %v, want Disabled", err)
	}

	f.policy.Set(func(s *policy.Snapshot) { s.Enabled = true })
	for _, opts := range []CreateOptions{{}, {TimeoutMinutes: 5, Password: "hunter2"}, {Password: "wrong"}} {
		if _, err := f.mgr.Create(context.Background(), alice, opts); !apperr.IsKind(err, apperr.KindEnvironmentBlocked) {
			t.Fatalf("err = %v, want EnvironmentBlocked", err)
		}
	}
	if _, err := f.mgr.Create(context.Background(), bot, agentRequest); !apperr.IsKind(err, apperr.KindEnvironmentBlocked) {
		t.Fatalf("agent err = %v, want EnvironmentBlocked", err)
	}

	f.policy.Set(func(s *policy.Snapshot) { s.AllowInProduction = true })
	if _, err := f.mgr.Create(context.Background(), alice, CreateOptions{}); err != nil {
		t.Fatalf("Create with production allowed: %v", err)
	}
	if got := f.count(audit.ActionAccessDenied); got != 5 {
		t.Fatalf("ACCESS_DENIED events = %d, want 5", got)
	}
}

func TestCreatePassword(t *testing.T) {
	f := newFixture(t)
	if _, err := f.mgr.Create(context.Background(), alice, CreateOptions{Password: "wrong"}); !apperr.IsKind(err, apperr.KindUnauthenticated) {
		t.Fatalf("err = %v, want Unauthenticated", err)
	}
	if _, err := f.mgr.Create(context.Background(), alice, CreateOptions{Password: "hunter2"}); err != nil {
		t.Fatalf("Create with password: %v", err)
	}
	if _, err := f.mgr.Create(context.Background(), alice, CreateOptions{}); err != nil {
		t.Fatalf("Create without password: %v", err)
	}
	f.policy.Set(func(s *policy.Snapshot) { s.RequirePassword = false })
	if _, err := f.mgr.Create(context.Background(), alice, CreateOptions{Password: "wrong"}); err != nil {
		t.Fatalf("Create with password check off: %v", err)
	}
}

func TestHumanQuotaIsPerPrincipal(t *testing.T) {
	f := newFixture(t)
	f.policy.Set(func(s *policy.Snapshot) { s.MaxConcurrentSessions = 2 })
	for i := 0; i < 2; i++ {
		if _, err := f.mgr.Create(context.Background(), alice, CreateOptions{}); err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
	}
	_, err := f.mgr.Create(context.Background(), alice, CreateOptions{})
	if !apperr.IsKind(err, apperr.KindQuotaExceeded) {
		t.Fatalf("third Create err = %v, want QuotaExceeded", err)
	}
	if _, err := f.mgr.Create(context.Background(), bob, CreateOptions{}); err != nil {
		t.Fatalf("Create for bob: %v", err)
	}
}

func TestQuotaFreedByExpiry(t *testing.T) {
	f := newFixture(t)
	f.policy.Set(func(s *policy.Snapshot) { s.MaxConcurrentSessions = 1 })
	if _, err := f.mgr.Create(context.Background(), alice, CreateOptions{TimeoutMinutes: 5}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.clock.Advance(5 * time.Minute)
	if _, err := f.mgr.Create(context.Background(), alice, CreateOptions{}); err != nil {
		t.Fatalf("Create after expiry: %v", err)
	}
}

func TestAgentPool(t *testing.T) {
	f := newFixture(t)
	// MaxConcurrentSessions 4 gives an agent pool of 2.
	first, err := f.mgr.Create(context.Background(), bot, CreateOptions{IsAgent: true, AgentID: "collector", Task: "collect logs"})
	if err != nil {
		t.Fatalf("agent Create: %v", err)
	}
	if !first.IsAgent || first.AgentID != "collector" || first.Task != "collect logs" || first.Restrictions == nil {
		t.Fatalf("agent session = %+v", first)
	}
	if first.TimeoutMinutes != 15 {
		t.Fatalf("agent TimeoutMinutes = %d, want 15", first.TimeoutMinutes)
	}
	if _, err := f.mgr.Create(context.Background(), bot2, CreateOptions{IsAgent: true, AgentID: "omai-7", Task: "rotate logs"}); err != nil {
		t.Fatalf("second agent Create: %v", err)
	}
	_, err = f.mgr.Create(context.Background(), bot, agentRequest)
	if !apperr.IsKind(err, apperr.KindQuotaExceeded) {
		t.Fatalf("pool overflow err = %v, want QuotaExceeded", err)
	}
	// The human quota is independent of the pool.
	if _, err := f.mgr.Create(context.Background(), alice, CreateOptions{}); err != nil {
		t.Fatalf("human Create while pool full: %v", err)
	}
	if got := f.count(audit.ActionAgentSessionCreated); got != 2 {
		t.Fatalf("AGENT_SESSION_CREATED = %d, want 2", got)
	}
}

func TestAgentAccessRequiresRole(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Create(context.Background(), carol, agentRequest)
	if !apperr.IsKind(err, apperr.KindForbidden) {
		t.Fatalf("err = %v, want Forbidden", err)
	}
	if _, err := f.mgr.Create(context.Background(), root, CreateOptions{IsAgent: true, AgentID: "ops-bot", Task: "disk check"}); err != nil {
		t.Fatalf("super agent request: %v", err)
	}
}

func TestAgentRestrictionsAreFrozen(t *testing.T) {
	f := newFixture(t)
	sess, err := f.mgr.Create(context.Background(), bot, agentRequest)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.policy.Set(func(s *policy.Snapshot) {
		s.Agent.CommandWhitelist = []string{"rm"}
	})
	got, err := f.mgr.Get(sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if slices.Contains(got.Restrictions.CommandWhitelist, "rm") {
		t.Fatalf("restrictions drifted: %v", got.Restrictions.CommandWhitelist)
	}
}

func TestConcurrentCreateHonorsQuota(t *testing.T) {
	f := newFixture(t)
	f.policy.Set(func(s *policy.Snapshot) { s.MaxConcurrentSessions = 3 })
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted, agents := 0, 0
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, opts := alice, CreateOptions{}
			if i%2 == 1 {
				p, opts = bot, agentRequest
			}
			if _, err := f.mgr.Create(context.Background(), p, opts); err == nil {
				mu.Lock()
				if opts.IsAgent {
					agents++
				} else {
					admitted++
				}
				mu.Unlock()
			} else if !apperr.IsKind(err, apperr.KindQuotaExceeded) {
				t.Errorf("Create: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if admitted != 3 {
		t.Fatalf("admitted human sessions = %d, want 3", admitted)
	}
	if agents != 1 {
		t.Fatalf("admitted agent sessions = %d, want 1", agents)
	}
}

func TestTouchExpiresOverdueSession(t *testing.T) {
	f := newFixture(t)
	sess, err := f.mgr.Create(context.Background(), alice, CreateOptions{TimeoutMinutes: 1})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.clock.Advance(30 * time.Second)
	touched, err := f.mgr.Touch(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if !touched.LastActivityAt.Equal(f.clock.Now()) {
		t.Fatalf("LastActivityAt = %v", touched.LastActivityAt)
	}

	f.clock.Advance(time.Minute)
	if got, _ := f.mgr.Get(sess.ID); got.State != StateExpired {
		t.Fatalf("Get state = %s, want expired before sweep", got.State)
	}
	if _, err := f.mgr.Touch(context.Background(), sess.ID); !apperr.IsKind(err, apperr.KindExpired) {
		t.Fatalf("Touch err = %v, want Expired", err)
	}
	if got := f.terminals.calls(); !slices.Equal(got, []string{sess.ID}) {
		t.Fatalf("detached = %v", got)
	}
	if _, err := f.mgr.Touch(context.Background(), sess.ID); !apperr.IsKind(err, apperr.KindInvalidState) {
		t.Fatalf("Touch after expiry err = %v, want InvalidState", err)
	}
	if f.count(audit.ActionSessionExpired) != 1 {
		t.Fatalf("actions = %v", f.actions())
	}
}

func TestTerminateIsIdempotent(t *testing.T) {
	f := newFixture(t)
	sess, err := f.mgr.Create(context.Background(), alice, CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := f.mgr.Terminate(context.Background(), sess.ID, alice); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if err := f.mgr.Terminate(context.Background(), sess.ID, alice); err != nil {
		t.Fatalf("second Terminate: %v", err)
	}
	if got := f.terminals.calls(); len(got) != 1 {
		t.Fatalf("teardown calls = %v, want 1", got)
	}
	if f.count(audit.ActionSessionTerminated) != 1 {
		t.Fatalf("actions = %v", f.actions())
	}
	got, err := f.mgr.Get(sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != StateTerminated || got.EndedAt == nil {
		t.Fatalf("terminated session = %+v", got)
	}
	if _, err := f.mgr.Touch(context.Background(), sess.ID); !apperr.IsKind(err, apperr.KindInvalidState) {
		t.Fatalf("Touch err = %v, want InvalidState", err)
	}
}

func TestTerminateAuthorization(t *testing.T) {
	f := newFixture(t)
	sess, err := f.mgr.Create(context.Background(), bot, agentRequest)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := f.mgr.Terminate(context.Background(), "jit-missing", bot); !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("err = %v, want NotFound", err)
	}
	if err := f.mgr.Terminate(context.Background(), sess.ID, bot2); !apperr.IsKind(err, apperr.KindForbidden) {
		t.Fatalf("err = %v, want Forbidden", err)
	}
	if _, err := f.mgr.Access(context.Background(), sess.ID, carol); !apperr.IsKind(err, apperr.KindForbidden) {
		t.Fatalf("Access err = %v, want Forbidden", err)
	}
	if err := f.mgr.Terminate(context.Background(), sess.ID, root); err != nil {
		t.Fatalf("super Terminate: %v", err)
	}
	if f.count(audit.ActionAccessDenied) != 2 {
		t.Fatalf("actions = %v", f.actions())
	}
}

func TestConcurrentTerminateTearsDownOnce(t *testing.T) {
	f := newFixture(t)
	sess, err := f.mgr.Create(context.Background(), alice, CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.mgr.Terminate(context.Background(), sess.ID, alice); err != nil {
				t.Errorf("Terminate: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := f.terminals.calls(); len(got) != 1 {
		t.Fatalf("teardown calls = %d, want 1", len(got))
	}
}

func TestListActiveAndStatus(t *testing.T) {
	f := newFixture(t)
	a, _ := f.mgr.Create(context.Background(), alice, CreateOptions{})
	if _, err := f.mgr.Create(context.Background(), bob, CreateOptions{TimeoutMinutes: 1}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.mgr.Create(context.Background(), bot, agentRequest); err != nil {
		t.Fatalf("Create agent: %v", err)
	}
	f.clock.Advance(2 * time.Minute)

	all, err := f.mgr.ListActive("")
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("active = %d, want 2", len(all))
	}
	mine, _ := f.mgr.ListActive(alice.ID)
	if len(mine) != 1 || mine[0].ID != a.ID {
		t.Fatalf("alice sessions = %+v", mine)
	}

	st, err := f.mgr.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.Enabled || st.ActiveSessions != 2 || st.ActiveAgentSessions != 1 || st.MaxAgentSessions != 2 {
		t.Fatalf("status = %+v", st)
	}
	if st.Config.MaxConcurrentSessions != 4 {
		t.Fatalf("status config = %+v", st.Config)
	}
}

func TestSweepExpiresAndPurges(t *testing.T) {
	f := newFixture(t)
	sess, err := f.mgr.Create(context.Background(), alice, CreateOptions{TimeoutMinutes: 1})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.clock.Advance(2 * time.Minute)
	n, err := f.mgr.Sweep(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Sweep = %d, %v; want 1", n, err)
	}
	if n, _ := f.mgr.Sweep(context.Background()); n != 0 {
		t.Fatalf("second Sweep = %d, want 0", n)
	}
	if got, err := f.mgr.Get(sess.ID); err != nil || got.State != StateExpired {
		t.Fatalf("Get = %+v, %v", got, err)
	}

	f.clock.Advance(DefaultRetention + time.Minute)
	if _, err := f.mgr.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if _, err := f.mgr.Get(sess.ID); !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("Get after retention err = %v, want NotFound", err)
	}
}

func TestShutdownTerminatesEverything(t *testing.T) {
	f := newFixture(t)
	for _, p := range []principal.Principal{alice, bob} {
		if _, err := f.mgr.Create(context.Background(), p, CreateOptions{}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	if err := f.mgr.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if active, _ := f.mgr.ListActive(""); len(active) != 0 {
		t.Fatalf("active after shutdown = %d", len(active))
	}
	if len(f.terminals.calls()) != 2 || f.count(audit.ActionSystemShutdown) != 1 {
		t.Fatalf("actions = %v", f.actions())
	}
}

func TestHumanSessionsRequireSuper(t *testing.T) {
	f := newFixture(t)
	for _, p := range []principal.Principal{carol, bot, bot2, {ID: "u9", Name: "dave", Role: principal.RoleUser}} {
		_, err := f.mgr.Create(context.Background(), p, CreateOptions{})
		if !apperr.IsKind(err, apperr.KindForbidden) {
			t.Fatalf("Create(%s) err = %v, want Forbidden", p.Role, err)
		}
	}
	if active, _ := f.mgr.ListActive(""); len(active) != 0 {
		t.Fatalf("active = %+v, want none", active)
	}
	if got := f.count(audit.ActionAccessDenied); got != 4 {
		t.Fatalf("ACCESS_DENIED events = %d, want 4", got)
	}
	// Agents still get a restricted session through the agent path.
	sess, err := f.mgr.Create(context.Background(), bot, agentRequest)
	if err != nil || !sess.IsAgent || sess.Restrictions == nil {
		t.Fatalf("agent Create = %+v, %v", sess, err)
	}
}

func TestAgentRequestRequiresIDAndTask(t *testing.T) {
	cases := []struct {
		name    string
		opts    CreateOptions
		missing []string
	}{
		{"both", CreateOptions{IsAgent: true}, []string{"agentId", "task"}},
		{"task", CreateOptions{IsAgent: true, AgentID: "agent-1", Task: "  "}, []string{"task"}},
		{"agent id", CreateOptions{IsAgent: true, Task: "collect logs"}, []string{"agentId"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.mgr.Create(context.Background(), bot, tc.opts)
			var appErr *apperr.Error
			if !errors.As(err, &appErr) || appErr.Kind != apperr.KindValidation {
				t.Fatalf("err = %v, want Validation", err)
			}
			if len(appErr.Details) != len(tc.missing) {
				t.Fatalf("details = %v, want %v", appErr.Details, tc.missing)
			}
			for _, field := range tc.missing {
				if _, ok := appErr.Details[field]; !ok {
					t.Fatalf("details = %v, want %s", appErr.Details, field)
				}
			}
			if got := f.count(audit.ActionAgentSessionCreated); got != 0 {
				t.Fatalf("AGENT_SESSION_CREATED = %d, want 0", got)
			}
		})
	}
}

func TestAgentTimeoutClamp(t *testing.T) {
	f := newFixture(t)
	opts := agentRequest
	opts.TimeoutMinutes = -3
	sess, err := f.mgr.Create(context.Background(), bot, opts)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.TimeoutMinutes != 1 {
		t.Fatalf("TimeoutMinutes = %d, want 1", sess.TimeoutMinutes)
	}
}
