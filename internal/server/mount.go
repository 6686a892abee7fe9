package server

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
)

var errMountPath = errors.New("base path must be a plain URL path")

// CleanMountPath turns the configured base path into the prefix the API is
// served under: one leading slash, no trailing slash, no empty segments.
// Root ("" or "/") yields "". Dot segments, schemes, queries and fragments
// are rejected.
func CleanMountPath(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "" || u.Host != "" || u.RawQuery != "" || u.Fragment != "" ||
		strings.ContainsAny(raw, "?#") {
		return "", errMountPath
	}
	var parts []string
	for _, seg := range strings.Split(u.Path, "/") {
		switch seg {
		case "":
		case ".", "..":
			return "", errors.New("base path must not contain '.' or '..' segments")
		default:
			parts = append(parts, seg)
		}
	}
	if len(parts) == 0 {
		return "", nil
	}
	return "/" + strings.Join(parts, "/"), nil
}

// Mount serves h under prefix with the prefix stripped. A request for the
// bare prefix is redirected to prefix+"/" with 308, so API clients keep
// their method and body. An empty prefix returns h unchanged.
func Mount(prefix string, h http.Handler) http.Handler {
	if prefix == "" {
		return h
	}
	mux := http.NewServeMux()
	mux.Handle(prefix+"/", http.StripPrefix(prefix, h))
	mux.HandleFunc(prefix, func(w http.ResponseWriter, r *http.Request) {
		target := prefix + "/"
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}
		http.Redirect(w, r, target, http.StatusPermanentRedirect)
	})
	return mux
}
