package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"pkt.systems/jitterm/internal/policy"
)

// PolicyBackend stores the policy document in jit_policy.
type PolicyBackend struct {
	DB *sql.DB
}

// Read implements policy.Backend.
func (b PolicyBackend) Read(ctx context.Context) (policy.Snapshot, bool, error) {
	var doc []byte
	err := b.DB.QueryRowContext(ctx, `SELECT document FROM jit_policy WHERE id = 1`).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return policy.Snapshot{}, false, nil
	}
	if err != nil {
		return policy.Snapshot{}, false, err
	}
	var s policy.Snapshot
	if err := json.Unmarshal(doc, &s); err != nil {
		return policy.Snapshot{}, false, err
	}
	return s, true, nil
}

// Write implements policy.Backend.
func (b PolicyBackend) Write(ctx context.Context, s policy.Snapshot) error {
	doc, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = b.DB.ExecContext(ctx, `
INSERT INTO jit_policy (id, document, updated_at) VALUES (1, $1, now())
ON CONFLICT (id) DO UPDATE SET document = EXCLUDED.document, updated_at = now()`, doc)
	return err
}
