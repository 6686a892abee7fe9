package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"pkt.systems/jitterm/internal/principal"
	"pkt.systems/pslog"
)

// DefaultWindow is how many recent events Query can see.
const DefaultWindow = 1000

// Sink persists appended events.
type Sink interface {
	Append(ctx context.Context, ev Event) error
}

// Tailer is implemented by sinks that can report their newest event, so a
// restarted Log continues the stored chain.
type Tailer interface {
	Last(ctx context.Context) (Event, bool, error)
}

// Options configures a Log.
type Options struct {
	Sinks  []Sink
	Window int
	Logger pslog.Logger
	Now    func() time.Time
}

// Log is the hash-chained audit log. Recording is best-effort: sink
// failures are logged and never fail the audited operation. Timestamps are
// kept at microsecond precision so they survive a Postgres round trip.
type Log struct {
	mu       sync.Mutex
	seq      uint64
	prevHash string
	ring     []Event
	next     int
	full     bool

	sinks  []Sink
	logger pslog.Logger
	now    func() time.Time
}

// New returns an empty Log. Call Resume to continue a persisted chain.
func New(opts Options) *Log {
	window := opts.Window
	if window <= 0 {
		window = DefaultWindow
	}
	logger := opts.Logger
	if logger == nil {
		logger = pslog.LoggerFromEnv()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Log{
		ring:   make([]Event, window),
		sinks:  append([]Sink(nil), opts.Sinks...),
		logger: logger.With("component", "audit"),
		now:    now,
	}
}

// Resume continues the chain from the newest event held by the first sink
// that implements Tailer.
func (l *Log) Resume(ctx context.Context) error {
	for _, sink := range l.sinks {
		tailer, ok := sink.(Tailer)
		if !ok {
			continue
		}
		last, found, err := tailer.Last(ctx)
		if err != nil {
			return err
		}
		if found {
			l.mu.Lock()
			l.seq = last.Seq
			l.prevHash = last.Hash
			l.mu.Unlock()
			l.logger.Info("audit.resume", "seq", last.Seq)
		}
		return nil
	}
	return nil
}

// Record appends an event for actor and returns it.
func (l *Log) Record(action Action, actor principal.Principal, details map[string]any) Event {
	return l.RecordContext(context.Background(), action, actor, details)
}

// RecordContext is Record with a context for the sinks.
func (l *Log) RecordContext(ctx context.Context, action Action, actor principal.Principal, details map[string]any) Event {
	normalized, err := normalizeDetails(details)
	if err != nil {
		l.logger.Warn("audit.details.encode", "action", action, "err", err)
		normalized = map[string]any{"encodeError": err.Error()}
	}

	l.mu.Lock()
	ev := Event{
		ID:        uuid.NewString(),
		Seq:       l.seq + 1,
		Action:    action,
		ActorID:   actor.ID,
		ActorName: actor.Name,
		Timestamp: l.now().UTC().Truncate(time.Microsecond),
		Details:   normalized,
		PrevHash:  l.prevHash,
	}
	hash, err := computeHash(ev)
	if err != nil {
		l.mu.Unlock()
		l.logger.Error("audit.hash", "action", action, "err", err)
		return ev
	}
	ev.Hash = hash
	l.seq = ev.Seq
	l.prevHash = hash
	l.ring[l.next] = ev
	l.next = (l.next + 1) % len(l.ring)
	if l.next == 0 {
		l.full = true
	}
	// Sinks are written under the lock so stored order matches seq order.
	for _, sink := range l.sinks {
		if err := sink.Append(ctx, ev); err != nil {
			l.logger.Error("audit.append", "action", action, "seq", ev.Seq, "err", err)
		}
	}
	l.mu.Unlock()

	l.logger.Info("audit.event", "action", action, "actor", actor.ID, "seq", ev.Seq)
	return ev
}

// Query returns recent events matching f, newest first.
func (l *Log) Query(f Filter) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	count := l.next
	if l.full {
		count = len(l.ring)
	}
	out := make([]Event, 0, min(count, 64))
	for i := 0; i < count; i++ {
		idx := (l.next - 1 - i + len(l.ring)) % len(l.ring)
		ev := l.ring[idx]
		if !f.match(ev) {
			continue
		}
		out = append(out, ev)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// Recent returns the window in append order, for chain verification.
func (l *Log) Recent() []Event {
	events := l.Query(Filter{})
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events
}

// MemorySink keeps appended events in memory.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// Append implements Sink.
func (m *MemorySink) Append(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

// Last implements Tailer.
func (m *MemorySink) Last(context.Context) (Event, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return Event{}, false, nil
	}
	return m.events[len(m.events)-1], true, nil
}

// Events returns a copy of every appended event.
func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}
