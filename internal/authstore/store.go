// Package authstore persists the CLI's bearer token between invocations.
package authstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrNotLoggedIn is returned by Load when no usable token is stored.
var ErrNotLoggedIn = errors.New("not logged in; run 'jitterm login'")

// State holds a bearer token issued by POST /auth/login.
type State struct {
	Endpoint  string    `json:"endpoint"`
	Username  string    `json:"username,omitempty"`
	Role      string    `json:"role,omitempty"`
	Token     string    `json:"token"`
	TokenID   string    `json:"token_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ValidAt reports whether the token is still usable at t.
func (s State) ValidAt(t time.Time) bool {
	return s.Token != "" && !s.ExpiresAt.IsZero() && t.Before(s.ExpiresAt)
}

// Load reads auth state from disk. A missing file yields ErrNotLoggedIn.
func Load(path string) (State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return State{}, ErrNotLoggedIn
		}
		return State{}, err
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return state, nil
}

// LoadValid is Load, failing with ErrNotLoggedIn when the token expired.
func LoadValid(path string, now time.Time) (State, error) {
	state, err := Load(path)
	if err != nil {
		return State{}, err
	}
	if !state.ValidAt(now) {
		return State{}, ErrNotLoggedIn
	}
	return state, nil
}

// Save writes auth state to disk, readable by the owner only.
func Save(path string, state State) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Clear removes stored auth state. A missing file is not an error.
func Clear(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
