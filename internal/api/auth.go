package api

import (
	"net/http"
	"strings"

	"pkt.systems/jitterm/internal/apperr"
	"pkt.systems/jitterm/internal/audit"
	"pkt.systems/jitterm/internal/principal"
	"pkt.systems/jitterm/internal/server"
	"pkt.systems/pslog"
)

type principalHandler func(w http.ResponseWriter, r *http.Request, p principal.Principal)

// authenticate resolves the caller from a bearer token or, failing that,
// from the external identity layer. Both paths grant the same permissions.
func (s *Server) authenticate(r *http.Request) (principal.Principal, error) {
	if value, ok := bearerToken(r); ok {
		p, err := s.tokens.Validate(value)
		if err == nil {
			return p, nil
		}
		if resolved, ok := s.resolver.Resolve(r); ok {
			return resolved, nil
		}
		return principal.Principal{}, err
	}
	if p, ok := s.resolver.Resolve(r); ok {
		return p, nil
	}
	return principal.Principal{}, apperr.New(apperr.KindUnauthenticated, "authentication required")
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			if value := strings.TrimSpace(parts[1]); value != "" {
				return value, true
			}
		}
		return "", false
	}
	// Browsers cannot set headers on a websocket handshake.
	if r.URL.Path == "/ws" {
		if value := r.URL.Query().Get("token"); value != "" {
			return value, true
		}
	}
	return "", false
}

func (s *Server) authed(next principalHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := s.authenticate(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		server.SetActor(r.Context(), p.Name)
		ctx := principal.WithContext(r.Context(), p)
		logger := s.loggerWithContext(ctx).With("actor", p.ID)
		ctx = pslog.ContextWithLogger(ctx, logger)
		next(w, r.WithContext(ctx), p)
	}
}

// super restricts a route to the highest administrative role and audits
// refusals.
func (s *Server) super(operation string, next principalHandler) http.HandlerFunc {
	return s.authed(func(w http.ResponseWriter, r *http.Request, p principal.Principal) {
		if !p.IsSuper() {
			s.deny(p, operation, "super_admin role required")
			s.writeError(w, r, apperr.New(apperr.KindForbidden, "super admin role required"))
			return
		}
		next(w, r, p)
	})
}

func (s *Server) deny(p principal.Principal, operation, reason string) {
	s.logger.Warn("api.denied", "operation", operation, "actor", p.ID, "role", p.Role)
	s.record(audit.ActionAccessDenied, p, map[string]any{
		"operation": operation,
		"reason":    string(apperr.KindForbidden),
		"message":   reason,
		"role":      string(p.Role),
	})
}

func (s *Server) record(action audit.Action, p principal.Principal, details map[string]any) {
	if s.audit == nil {
		return
	}
	s.audit.Record(action, p, details)
}
