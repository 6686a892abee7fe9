// Package token issues and validates the bearer tokens CLI callers use in
// place of a web session.
package token

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"pkt.systems/jitterm/internal/apperr"
	"pkt.systems/jitterm/internal/audit"
	"pkt.systems/jitterm/internal/principal"
	"pkt.systems/jitterm/internal/store"
	"pkt.systems/pslog"
)

const (
	// MinHours and MaxHours bound a token lifetime regardless of the request.
	MinHours = 1
	MaxHours = 72
	// DefaultHours is used when the caller does not ask for a lifetime.
	DefaultHours = 24
	// DefaultSweepInterval is how often Run reclaims expired tokens.
	DefaultSweepInterval = 5 * time.Minute

	tokenBytes = 32
	prefixLen  = 8
)

// Record is the stored metadata of a token. The token value itself is not
// stored; records are keyed by its digest.
type Record struct {
	Prefix     string         `json:"prefix"`
	OwnerID    string         `json:"ownerId"`
	OwnerName  string         `json:"ownerName"`
	Role       principal.Role `json:"role"`
	CreatedAt  time.Time      `json:"createdAt"`
	ExpiresAt  time.Time      `json:"expiresAt"`
	LastUsed   *time.Time     `json:"lastUsed,omitempty"`
	UsageCount int64          `json:"usageCount"`
}

// Issued is returned once, at issue time. Token is the only copy of the secret.
type Issued struct {
	Token     string    `json:"token"`
	TokenID   string    `json:"tokenId"`
	ExpiresAt time.Time `json:"expiresAt"`
	Hours     int       `json:"hours"`
}

// Summary is the redacted listing view of a token.
type Summary struct {
	TokenID    string         `json:"tokenId"`
	OwnerID    string         `json:"ownerId"`
	OwnerName  string         `json:"ownerName"`
	Role       principal.Role `json:"role"`
	CreatedAt  time.Time      `json:"createdAt"`
	ExpiresAt  time.Time      `json:"expiresAt"`
	LastUsed   *time.Time     `json:"lastUsed,omitempty"`
	UsageCount int64          `json:"usageCount"`
}

// Options configures a Service.
type Options struct {
	Table  store.Table[Record]
	Audit  audit.Recorder
	Logger pslog.Logger
	Now    func() time.Time
}

// Service issues, validates and revokes tokens. Every read-then-write on
// the table runs under one mutex, so a sweep or revoke can never race a
// validate into granting an expired or revoked token.
type Service struct {
	mu     sync.Mutex
	table  store.Table[Record]
	audit  audit.Recorder
	logger pslog.Logger
	now    func() time.Time
}

// NewService returns a token service.
func NewService(opts Options) *Service {
	table := opts.Table
	if table == nil {
		table = store.NewMemory[Record]()
	}
	logger := opts.Logger
	if logger == nil {
		logger = pslog.LoggerFromEnv()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		table:  table,
		audit:  opts.Audit,
		logger: logger.With("component", "token"),
		now:    now,
	}
}

// ClampHours bounds a requested lifetime to [MinHours, MaxHours].
func ClampHours(hours int) int {
	return min(max(hours, MinHours), MaxHours)
}

// Prefix returns the loggable identifier of a token value.
func Prefix(value string) string {
	if len(value) <= prefixLen {
		return value + "..."
	}
	return value[:prefixLen] + "..."
}

func digest(value string) string {
	sum := blake3.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// Issue creates a token for actor lasting ClampHours(hours).
func (s *Service) Issue(actor principal.Principal, hours int) (Issued, error) {
	if actor.ID == "" {
		return Issued{}, apperr.New(apperr.KindUnauthenticated, "principal is required")
	}
	hours = ClampHours(hours)
	value, err := randomToken(tokenBytes)
	if err != nil {
		return Issued{}, fmt.Errorf("generate token: %w", err)
	}
	now := s.now()
	rec := Record{
		Prefix:    Prefix(value),
		OwnerID:   actor.ID,
		OwnerName: actor.Name,
		Role:      actor.Role,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(hours) * time.Hour),
	}

	s.mu.Lock()
	err = s.table.Put(digest(value), rec)
	s.mu.Unlock()
	if err != nil {
		return Issued{}, fmt.Errorf("store token: %w", err)
	}

	s.logger.Info("token.issued", "token_id", rec.Prefix, "owner", actor.ID, "hours", hours)
	s.record(audit.ActionTokenGenerated, actor, map[string]any{
		"tokenId":        rec.Prefix,
		"expiresAt":      rec.ExpiresAt,
		"expiresInHours": hours,
	})
	return Issued{Token: value, TokenID: rec.Prefix, ExpiresAt: rec.ExpiresAt, Hours: hours}, nil
}

// Validate resolves a token to the principal it was issued to. Unknown
// tokens fail Unauthenticated; expired tokens are deleted and fail Expired.
func (s *Service) Validate(value string) (principal.Principal, error) {
	if value == "" {
		return principal.Principal{}, apperr.New(apperr.KindUnauthenticated, "token is required")
	}
	key := digest(value)
	now := s.now()

	s.mu.Lock()
	rec, ok, err := s.table.Get(key)
	if err != nil {
		s.mu.Unlock()
		return principal.Principal{}, fmt.Errorf("load token: %w", err)
	}
	if !ok {
		s.mu.Unlock()
		return principal.Principal{}, apperr.New(apperr.KindUnauthenticated, "unknown token")
	}
	if now.After(rec.ExpiresAt) {
		err := s.table.Delete(key)
		s.mu.Unlock()
		if err != nil {
			s.logger.Warn("token.expired.delete", "token_id", rec.Prefix, "err", err)
		}
		s.record(audit.ActionTokenExpired, ownerOf(rec), map[string]any{
			"tokenId":   rec.Prefix,
			"expiresAt": rec.ExpiresAt,
		})
		return principal.Principal{}, apperr.New(apperr.KindExpired, "token has expired")
	}
	used := now
	rec.LastUsed = &used
	rec.UsageCount++
	err = s.table.Put(key, rec)
	s.mu.Unlock()
	if err != nil {
		return principal.Principal{}, fmt.Errorf("store token usage: %w", err)
	}

	p := ownerOf(rec)
	p.AuthType = principal.AuthToken
	p.TokenID = rec.Prefix
	return p, nil
}

// Revoke deletes a token. Only its owner or a super principal may revoke it.
func (s *Service) Revoke(value string, actor principal.Principal) error {
	key := digest(value)

	s.mu.Lock()
	rec, ok, err := s.table.Get(key)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("load token: %w", err)
	}
	if !ok {
		s.mu.Unlock()
		return apperr.New(apperr.KindNotFound, "token not found or already expired")
	}
	if !actor.MayActOn(rec.OwnerID) {
		s.mu.Unlock()
		s.record(audit.ActionAccessDenied, actor, map[string]any{
			"operation": "RevokeToken",
			"tokenId":   rec.Prefix,
			"owner":     rec.OwnerID,
			"reason":    string(apperr.KindForbidden),
		})
		return apperr.New(apperr.KindForbidden, "cannot revoke a token belonging to another user")
	}
	err = s.table.Delete(key)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("delete token: %w", err)
	}

	s.logger.Info("token.revoked", "token_id", rec.Prefix, "actor", actor.ID)
	s.record(audit.ActionTokenRevoked, actor, map[string]any{
		"tokenId":       rec.Prefix,
		"originalOwner": rec.OwnerName,
		"usageCount":    rec.UsageCount,
	})
	return nil
}

// Sweep deletes every expired token and returns how many it removed.
func (s *Service) Sweep() (int, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []string
	var prefixes []string
	if err := s.table.Scan(func(key string, rec Record) bool {
		if rec.ExpiresAt.Before(now) {
			expired = append(expired, key)
			prefixes = append(prefixes, rec.Prefix)
		}
		return true
	}); err != nil {
		return 0, err
	}
	for i, key := range expired {
		if err := s.table.Delete(key); err != nil {
			return i, err
		}
		s.logger.Debug("token.swept", "token_id", prefixes[i])
	}
	return len(expired), nil
}

// List returns unexpired tokens, limited to actor's own unless actor is a
// super principal and all is set.
func (s *Service) List(actor principal.Principal, all bool) ([]Summary, error) {
	now := s.now()
	var out []Summary
	s.mu.Lock()
	err := s.table.Scan(func(_ string, rec Record) bool {
		if now.After(rec.ExpiresAt) {
			return true
		}
		if !(actor.Owns(rec.OwnerID) || (all && actor.IsSuper())) {
			return true
		}
		out = append(out, Summary{
			TokenID:    rec.Prefix,
			OwnerID:    rec.OwnerID,
			OwnerName:  rec.OwnerName,
			Role:       rec.Role,
			CreatedAt:  rec.CreatedAt,
			ExpiresAt:  rec.ExpiresAt,
			LastUsed:   rec.LastUsed,
			UsageCount: rec.UsageCount,
		})
		return true
	})
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Run sweeps every interval until ctx is done.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep()
			if err != nil {
				s.logger.Warn("token.sweep", "err", err)
				continue
			}
			if n > 0 {
				s.logger.Info("token.sweep", "removed", n)
			}
		}
	}
}

func (s *Service) record(action audit.Action, actor principal.Principal, details map[string]any) {
	if s.audit == nil {
		return
	}
	s.audit.Record(action, actor, details)
}

func ownerOf(rec Record) principal.Principal {
	return principal.Principal{ID: rec.OwnerID, Name: rec.OwnerName, Role: rec.Role}
}

func randomToken(size int) (string, error) {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	return enc.EncodeToString(buf), nil
}
