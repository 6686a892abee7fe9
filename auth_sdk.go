package jitterm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"pkt.systems/jitterm/internal/api"
	"pkt.systems/jitterm/internal/authstore"
)

// AuthState holds a persisted bearer token.
type AuthState = authstore.State

// ErrNotLoggedIn is returned when no usable token is stored.
var ErrNotLoggedIn = authstore.ErrNotLoggedIn

// LoginOptions contains the inputs for login.
type LoginOptions struct {
	Endpoint string
	Username string
	Password string
	// TOTP is required for accounts with a second factor enrolled.
	TOTP  string
	Hours int
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	TOTP     string `json:"totp,omitempty"`
	Hours    int    `json:"hours,omitempty"`
}

// Login exchanges credentials for a bearer token. Only super admins and
// agent accounts are issued tokens.
func Login(ctx context.Context, opts LoginOptions) (AuthState, error) {
	if opts.Username == "" || opts.Password == "" {
		return AuthState{}, fmt.Errorf("username and password are required")
	}
	client, err := NewClient(opts.Endpoint, "")
	if err != nil {
		return AuthState{}, err
	}
	var out api.LoginResponse
	err = client.do(ctx, http.MethodPost, "/auth/login", loginRequest{
		Username: opts.Username,
		Password: opts.Password,
		TOTP:     opts.TOTP,
		Hours:    opts.Hours,
	}, &out)
	if err != nil {
		return AuthState{}, err
	}
	return AuthState{
		Endpoint:  client.Endpoint,
		Username:  out.Principal.Name,
		Role:      string(out.Principal.Role),
		Token:     out.Token,
		TokenID:   out.TokenID,
		ExpiresAt: out.ExpiresAt,
	}, nil
}

// LoadAuth loads auth state from disk.
func LoadAuth(path string) (AuthState, error) {
	return authstore.Load(path)
}

// SaveAuth saves auth state to disk.
func SaveAuth(path string, state AuthState) error {
	return authstore.Save(path, state)
}

// Logout revokes the stored token and removes it from disk. A token the
// server no longer knows is still removed locally.
func Logout(ctx context.Context, path string) error {
	state, err := authstore.Load(path)
	if errors.Is(err, ErrNotLoggedIn) {
		return nil
	}
	if err != nil {
		return err
	}
	if state.ValidAt(time.Now()) {
		client, err := NewClient(state.Endpoint, state.Token)
		if err != nil {
			return err
		}
		var apiErr *APIError
		if err := client.RevokeToken(ctx, state.Token); err != nil && !errors.As(err, &apiErr) {
			return err
		}
	}
	return authstore.Clear(path)
}

// ClientFromAuth returns a client for endpoint using the token stored at
// authPath. The stored token must have been issued by the same endpoint.
func ClientFromAuth(endpoint, authPath string) (*Client, error) {
	state, err := authstore.LoadValid(authPath, time.Now())
	if err != nil {
		return nil, err
	}
	client, err := NewClient(endpoint, state.Token)
	if err != nil {
		return nil, err
	}
	if state.Endpoint != "" && state.Endpoint != client.Endpoint {
		return nil, fmt.Errorf("stored token was issued by %s, not %s; run 'jitterm login'", state.Endpoint, client.Endpoint)
	}
	return client, nil
}
