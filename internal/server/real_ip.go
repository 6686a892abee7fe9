package server

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// RealIP returns the best-effort client IP address for a request, honoring
// proxy headers. Use it for logging only.
func RealIP(r *http.Request) string {
	return ClientIP(r, true)
}

// ClientIP returns the peer address of r. Forwarded, X-Forwarded-For and
// X-Real-IP are consulted only when trustProxy is set; without a fronting
// proxy those headers are client controlled.
func ClientIP(r *http.Request, trustProxy bool) string {
	if r == nil {
		return ""
	}
	if trustProxy {
		for _, candidate := range forwardedCandidates(r.Header) {
			if ip, ok := parseIP(candidate); ok {
				return ip
			}
		}
	}
	if ip, ok := parseIP(r.RemoteAddr); ok {
		return ip
	}
	return strings.TrimSpace(r.RemoteAddr)
}

// forwardedCandidates lists client addresses in header precedence order.
func forwardedCandidates(h http.Header) []string {
	var out []string
	for _, element := range strings.Split(h.Get("Forwarded"), ",") {
		for _, pair := range strings.Split(element, ";") {
			key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if ok && strings.EqualFold(key, "for") {
				out = append(out, value)
			}
		}
	}
	for _, hop := range strings.Split(h.Get("X-Forwarded-For"), ",") {
		out = append(out, hop)
	}
	return append(out, h.Get("X-Real-IP"))
}

func parseIP(raw string) (string, bool) {
	value := strings.Trim(strings.TrimSpace(raw), "\"")
	if value == "" || strings.EqualFold(value, "unknown") {
		return "", false
	}
	if addr, err := netip.ParseAddrPort(value); err == nil {
		return addr.Addr().Unmap().String(), true
	}
	value = strings.TrimSuffix(strings.TrimPrefix(value, "["), "]")
	if addr, err := netip.ParseAddr(value); err == nil {
		return addr.Unmap().String(), true
	}
	if host, _, err := net.SplitHostPort(value); err == nil {
		if addr, err := netip.ParseAddr(host); err == nil {
			return addr.Unmap().String(), true
		}
	}
	return "", false
}
