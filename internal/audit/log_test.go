package audit

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/jitterm/internal/principal"
	"pkt.systems/pslog"
)

type failingSink struct{}

func (failingSink) Append(context.Context, Event) error { return errors.New("disk full") }

func fixedClock(start time.Time) func() time.Time {
	current := start
	return func() time.Time {
		current = current.Add(time.Second)
		return current
	}
}

var alice = principal.Principal{ID: "u1", Name: "alice", Role: principal.RoleSuperAdmin}

func TestRecordChainsEvents(t *testing.T) {
	sink := &MemorySink{}
	log := New(Options{Sinks: []Sink{sink}, Now: fixedClock(time.Unix(1700000000, 0))})

	first := log.Record(ActionSessionCreated, alice, map[string]any{"sessionId": "s1", "timeoutMinutes": 15})
	second := log.Record(ActionSessionTerminated, alice, map[string]any{"sessionId": "s1"})

	if first.Seq != 1 || second.Seq != 2 {
		t.Fatalf("seq = %d, %d, want 1, 2", first.Seq, second.Seq)
	}
	if first.ID == "" || first.Hash == "" {
		t.Fatalf("expected id and hash on %+v", first)
	}
	if second.PrevHash != first.Hash {
		t.Fatalf("PrevHash = %q, want %q", second.PrevHash, first.Hash)
	}
	if err := VerifyChain(sink.Events()); err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	sink := &MemorySink{}
	log := New(Options{Sinks: []Sink{sink}})
	log.Record(ActionTokenGenerated, alice, map[string]any{"tokenId": "abcdefgh..."})
	log.Record(ActionTokenRevoked, alice, map[string]any{"tokenId": "abcdefgh..."})

	events := sink.Events()
	events[0].ActorName = "mallory"
	if err := VerifyChain(events); err == nil || !strings.Contains(err.Error(), "hash mismatch") {
		t.Fatalf("VerifyChain = %v, want hash mismatch", err)
	}

	events = sink.Events()
	events = []Event{events[1], events[0]}
	if err := VerifyChain(events); err == nil {
		t.Fatalf("expected reordered chain to fail")
	}
}

func TestFileSinkRoundTripVerifies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "audit.jsonl")
	sink, err := OpenFileSink(path)
	if err != nil {
		t.Fatalf("OpenFileSink: %v", err)
	}
	log := New(Options{Sinks: []Sink{sink}})
	log.Record(ActionAgentSessionCreated, alice, map[string]any{
		"restrictions":   map[string]any{"blockedCommands": []string{"rm", "sudo"}},
		"timeoutMinutes": 15,
	})
	log.Record(ActionConfigUpdated, alice, map[string]any{"changed": []string{"enabled"}})
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	events, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if err := VerifyChain(events); err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
}

func TestResumeContinuesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	sink, err := OpenFileSink(path)
	if err != nil {
		t.Fatalf("OpenFileSink: %v", err)
	}
	New(Options{Sinks: []Sink{sink}}).Record(ActionSessionCreated, alice, nil)
	_ = sink.Close()

	sink, err = OpenFileSink(path)
	if err != nil {
		t.Fatalf("OpenFileSink: %v", err)
	}
	defer sink.Close()
	log := New(Options{Sinks: []Sink{sink}})
	if err := log.Resume(context.Background()); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	ev := log.Record(ActionSystemShutdown, principal.System, nil)
	if ev.Seq != 2 {
		t.Fatalf("Seq = %d, want 2", ev.Seq)
	}
	events, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if err := VerifyLog(events); err != nil {
		t.Fatalf("VerifyLog: %v", err)
	}
}

func TestVerifyLogRejectsTruncatedHead(t *testing.T) {
	sink := &MemorySink{}
	log := New(Options{Sinks: []Sink{sink}})
	for i := 0; i < 3; i++ {
		log.Record(ActionSessionCreated, alice, map[string]any{"n": i})
	}
	events := sink.Events()
	if err := VerifyLog(events); err != nil {
		t.Fatalf("VerifyLog: %v", err)
	}
	if err := VerifyChain(events[1:]); err != nil {
		t.Fatalf("VerifyChain(suffix) = %v, want nil", err)
	}
	if err := VerifyLog(events[1:]); err == nil || !strings.Contains(err.Error(), "starts at seq 2") {
		t.Fatalf("VerifyLog(suffix) = %v, want truncated head", err)
	}
	if err := VerifyLog(nil); err != nil {
		t.Fatalf("VerifyLog(nil) = %v", err)
	}
}

func TestQueryFiltersNewestFirst(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	log := New(Options{Window: 3, Now: fixedClock(start)})
	bob := principal.Principal{ID: "u2", Name: "bob"}

	log.Record(ActionSessionCreated, alice, nil)    // +1s, evicted
	log.Record(ActionSessionCreated, bob, nil)      // +2s
	log.Record(ActionSessionAccessed, alice, nil)   // +3s
	log.Record(ActionSessionTerminated, alice, nil) // +4s

	all := log.Query(Filter{})
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	if all[0].Action != ActionSessionTerminated || all[2].ActorID != "u2" {
		t.Fatalf("unexpected order: %+v", all)
	}

	mine := log.Query(Filter{ActorID: "u1"})
	if len(mine) != 2 {
		t.Fatalf("len(mine) = %d, want 2", len(mine))
	}

	since := log.Query(Filter{Since: start.Add(3 * time.Second)})
	if len(since) != 2 {
		t.Fatalf("len(since) = %d, want 2", len(since))
	}

	limited := log.Query(Filter{Action: ActionSessionCreated, Limit: 5})
	if len(limited) != 1 || limited[0].ActorID != "u2" {
		t.Fatalf("limited = %+v", limited)
	}

	if err := VerifyChain(log.Recent()); err != nil {
		t.Fatalf("VerifyChain(Recent): %v", err)
	}
}

func TestSinkFailureIsLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := pslog.NewWithOptions(&buf, pslog.Options{Mode: pslog.ModeStructured, DisableTimestamp: true, NoColor: true})
	log := New(Options{Sinks: []Sink{failingSink{}}, Logger: logger})

	ev := log.Record(ActionAccessDenied, alice, map[string]any{"reason": "quota"})
	if ev.Hash == "" {
		t.Fatalf("event should still be recorded")
	}
	if !strings.Contains(buf.String(), "audit.append") || !strings.Contains(buf.String(), "disk full") {
		t.Fatalf("expected append failure in log, got %q", buf.String())
	}
	if got := log.Query(Filter{}); len(got) != 1 {
		t.Fatalf("len(Query) = %d, want 1", len(got))
	}
}
