package audit

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("audit: CBOR encoder initialization failed: " + err.Error())
	}
}

type hashBody struct {
	ID        string `cbor:"id"`
	Seq       uint64 `cbor:"seq"`
	Action    string `cbor:"action"`
	ActorID   string `cbor:"actor_id"`
	ActorName string `cbor:"actor_name"`
	Timestamp string `cbor:"timestamp"`
	Details   any    `cbor:"details"`
	PrevHash  string `cbor:"prev_hash"`
}

// computeHash returns blake3(prevHash || cbor(body)) as hex.
func computeHash(ev Event) (string, error) {
	body := hashBody{
		ID:        ev.ID,
		Seq:       ev.Seq,
		Action:    string(ev.Action),
		ActorID:   ev.ActorID,
		ActorName: ev.ActorName,
		Timestamp: ev.Timestamp.UTC().Format(time.RFC3339Nano),
		PrevHash:  ev.PrevHash,
	}
	if len(ev.Details) > 0 {
		body.Details = ev.Details
	}
	encoded, err := encMode.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode audit event: %w", err)
	}
	prev, err := hex.DecodeString(ev.PrevHash)
	if err != nil {
		return "", fmt.Errorf("decode previous hash: %w", err)
	}
	h := blake3.New()
	_, _ = h.Write(prev)
	_, _ = h.Write(encoded)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// normalizeDetails gives details the shape they have after a JSON round
// trip, so a hash computed at write time matches one computed from a
// stored copy.
func normalizeDetails(details map[string]any) (map[string]any, error) {
	if len(details) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(details)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// VerifyChain checks that events are contiguous, that each links to its
// predecessor and that every hash matches its content. events must be in
// append order. The first event may link to any hash, so a suffix of a
// longer log verifies.
func VerifyChain(events []Event) error {
	for i, ev := range events {
		if i > 0 {
			prev := events[i-1]
			if ev.Seq != prev.Seq+1 {
				return fmt.Errorf("audit: event %s: seq %d follows %d", ev.ID, ev.Seq, prev.Seq)
			}
			if ev.PrevHash != prev.Hash {
				return fmt.Errorf("audit: event %s (seq %d): broken link", ev.ID, ev.Seq)
			}
		}
		want, err := computeHash(ev)
		if err != nil {
			return fmt.Errorf("audit: event %s (seq %d): %w", ev.ID, ev.Seq, err)
		}
		if want != ev.Hash {
			return fmt.Errorf("audit: event %s (seq %d): hash mismatch", ev.ID, ev.Seq)
		}
	}
	return nil
}

// VerifyLog checks a complete log: events must start at seq 1 with an
// empty previous hash and then satisfy VerifyChain. A log with its head
// cut off fails.
func VerifyLog(events []Event) error {
	if len(events) > 0 {
		first := events[0]
		if first.Seq != 1 || first.PrevHash != "" {
			return fmt.Errorf("audit: event %s: log starts at seq %d, want 1 with no previous hash", first.ID, first.Seq)
		}
	}
	return VerifyChain(events)
}
