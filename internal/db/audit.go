package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"pkt.systems/jitterm/internal/audit"
)

// AuditSink appends audit events to jit_audit_events.
type AuditSink struct {
	DB *sql.DB
}

// Append implements audit.Sink.
func (s AuditSink) Append(ctx context.Context, ev audit.Event) error {
	var details []byte
	if len(ev.Details) > 0 {
		var err error
		details, err = json.Marshal(ev.Details)
		if err != nil {
			return err
		}
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO jit_audit_events (seq, id, action, actor_id, actor_name, ts, details, prev_hash, hash)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		int64(ev.Seq), ev.ID, string(ev.Action), ev.ActorID, ev.ActorName, ev.Timestamp, details, ev.PrevHash, ev.Hash)
	return err
}

// Last implements audit.Tailer.
func (s AuditSink) Last(ctx context.Context) (audit.Event, bool, error) {
	events, err := s.query(ctx, `ORDER BY seq DESC LIMIT 1`)
	if err != nil || len(events) == 0 {
		return audit.Event{}, false, err
	}
	return events[0], true, nil
}

// All returns every stored event in append order.
func (s AuditSink) All(ctx context.Context) ([]audit.Event, error) {
	return s.query(ctx, `ORDER BY seq ASC`)
}

func (s AuditSink) query(ctx context.Context, tail string) ([]audit.Event, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT seq, id, action, actor_id, actor_name, ts, details, prev_hash, hash
FROM jit_audit_events `+tail)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Event
	for rows.Next() {
		var (
			ev      audit.Event
			seq     int64
			action  string
			details []byte
		)
		if err := rows.Scan(&seq, &ev.ID, &action, &ev.ActorID, &ev.ActorName, &ev.Timestamp, &details, &ev.PrevHash, &ev.Hash); err != nil {
			return nil, err
		}
		if seq < 0 {
			return nil, errors.New("audit: negative seq in store")
		}
		ev.Seq = uint64(seq)
		ev.Action = audit.Action(action)
		ev.Timestamp = ev.Timestamp.UTC()
		if len(details) > 0 {
			if err := json.Unmarshal(details, &ev.Details); err != nil {
				return nil, err
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
