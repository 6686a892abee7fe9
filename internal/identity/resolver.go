package identity

import (
	"net/http"
	"strings"

	"pkt.systems/jitterm/internal/principal"
)

// Identity headers set by a trusted reverse proxy.
const (
	HeaderUserID   = "X-Auth-User-Id"
	HeaderUserName = "X-Auth-User-Name"
	HeaderRole     = "X-Auth-Role"
)

// Resolver yields the principal an upstream identity layer already
// authenticated for r.
type Resolver interface {
	Resolve(r *http.Request) (principal.Principal, bool)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(r *http.Request) (principal.Principal, bool)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(r *http.Request) (principal.Principal, bool) {
	return f(r)
}

// HeaderResolver trusts the X-Auth-* headers. Only use it behind a proxy
// that strips those headers from client requests.
type HeaderResolver struct{}

// Resolve implements Resolver.
func (HeaderResolver) Resolve(r *http.Request) (principal.Principal, bool) {
	id := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if id == "" {
		return principal.Principal{}, false
	}
	role := principal.Role(strings.TrimSpace(r.Header.Get(HeaderRole)))
	if !ValidRole(role) {
		return principal.Principal{}, false
	}
	name := strings.TrimSpace(r.Header.Get(HeaderUserName))
	if name == "" {
		name = id
	}
	return principal.Principal{ID: id, Name: name, Role: role, AuthType: principal.AuthSession}, true
}

// NoResolver never resolves; bearer tokens are the only credential.
type NoResolver struct{}

// Resolve implements Resolver.
func (NoResolver) Resolve(*http.Request) (principal.Principal, bool) {
	return principal.Principal{}, false
}
