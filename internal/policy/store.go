package policy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"

	"go.yaml.in/yaml/v3"

	"pkt.systems/jitterm/internal/audit"
	"pkt.systems/jitterm/internal/principal"
	"pkt.systems/pslog"
)

// Backend persists the policy.
type Backend interface {
	// Read returns the stored snapshot, or false when nothing is stored yet.
	Read(ctx context.Context) (Snapshot, bool, error)
	Write(ctx context.Context, s Snapshot) error
}

// StoreOptions configures a Store.
type StoreOptions struct {
	Backend Backend
	// Seed is written to the backend when it holds no policy yet.
	Seed   Snapshot
	Audit  audit.Recorder
	Logger pslog.Logger
}

// Store is the read-mostly holder of the current policy.
type Store struct {
	mu      sync.RWMutex
	current Snapshot
	backend Backend
	audit   audit.Recorder
	logger  pslog.Logger
}

// NewStore loads the policy from the backend, seeding it when empty.
func NewStore(ctx context.Context, opts StoreOptions) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = pslog.LoggerFromEnv()
	}
	backend := opts.Backend
	if backend == nil {
		backend = &MemoryBackend{}
	}
	current, found, err := backend.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	if !found {
		current = opts.Seed.Clone()
		if err := Validate(current); err != nil {
			return nil, fmt.Errorf("seed policy: %w", err)
		}
		if err := backend.Write(ctx, current); err != nil {
			return nil, fmt.Errorf("write seed policy: %w", err)
		}
	}
	return &Store{
		current: current,
		backend: backend,
		audit:   opts.Audit,
		logger:  logger.With("component", "policy"),
	}, nil
}

// Get returns a copy of the current policy.
func (s *Store) Get() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// Update validates and applies p as a whole. Nothing is applied when any
// field is invalid.
func (s *Store) Update(ctx context.Context, p Partial, actor principal.Principal) (Snapshot, error) {
	return s.update(ctx, p, nil, actor)
}

// UpdateJSON parses a JSON update and applies it like Update. Mistyped
// fields and out-of-range values are reported together in one
// validation error.
func (s *Store) UpdateJSON(ctx context.Context, data []byte, actor principal.Principal) (Snapshot, error) {
	p, fields, err := parsePartial(data)
	if err != nil {
		return s.Get(), err
	}
	return s.update(ctx, p, fields, actor)
}

func (s *Store) update(ctx context.Context, p Partial, typeErrors map[string]string, actor principal.Principal) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := s.current
	next := p.Apply(before)
	fields := rangeErrors(next)
	for name, msg := range typeErrors {
		fields[name] = msg
	}
	if len(fields) > 0 {
		return before.Clone(), validationError(fields)
	}
	if err := s.backend.Write(ctx, next); err != nil {
		return before.Clone(), fmt.Errorf("write policy: %w", err)
	}
	s.current = next
	changed := changedFields(before, next)
	s.logger.Info("policy.updated", "actor", actor.ID, "changed", changed)
	if s.audit != nil {
		s.audit.Record(audit.ActionConfigUpdated, actor, map[string]any{
			"changed":  changed,
			"previous": before,
			"current":  next,
		})
	}
	return next.Clone(), nil
}

func changedFields(a, b Snapshot) []string {
	var out []string
	check := func(name string, x, y any) {
		if !reflect.DeepEqual(x, y) {
			out = append(out, name)
		}
	}
	check("enabled", a.Enabled, b.Enabled)
	check("allowInProduction", a.AllowInProduction, b.AllowInProduction)
	check("defaultTimeoutMinutes", a.DefaultTimeoutMinutes, b.DefaultTimeoutMinutes)
	check("maxTimeoutMinutes", a.MaxTimeoutMinutes, b.MaxTimeoutMinutes)
	check("maxConcurrentSessions", a.MaxConcurrentSessions, b.MaxConcurrentSessions)
	check("requirePassword", a.RequirePassword, b.RequirePassword)
	check("logCommands", a.LogCommands, b.LogCommands)
	check("agentTimeoutMinutes", a.AgentTimeoutMinutes, b.AgentTimeoutMinutes)
	check("agent", a.Agent, b.Agent)
	return out
}

// MemoryBackend keeps the policy in memory.
type MemoryBackend struct {
	mu    sync.Mutex
	value *Snapshot
}

// Read implements Backend.
func (m *MemoryBackend) Read(context.Context) (Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.value == nil {
		return Snapshot{}, false, nil
	}
	return m.value.Clone(), true, nil
}

// Write implements Backend.
func (m *MemoryBackend) Write(_ context.Context, s Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := s.Clone()
	m.value = &clone
	return nil
}

// FileBackend stores the policy as YAML.
type FileBackend struct {
	Path string
}

// Read implements Backend.
func (f FileBackend) Read(context.Context) (Snapshot, bool, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, err
	}
	var s Snapshot
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Snapshot{}, false, fmt.Errorf("parse %s: %w", f.Path, err)
	}
	return s, true, nil
}

// Write implements Backend.
func (f FileBackend) Write(_ context.Context, s Snapshot) error {
	if f.Path == "" {
		return errors.New("policy file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.Path)
}
