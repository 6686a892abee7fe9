package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"pkt.systems/jitterm/internal/apperr"
)

type errorResponse struct {
	Error   string         `json:"error"`
	Code    apperr.Kind    `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindUnauthenticated:
		return http.StatusUnauthorized
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindDisabled, apperr.KindEnvironmentBlocked:
		return http.StatusServiceUnavailable
	case apperr.KindQuotaExceeded:
		return http.StatusTooManyRequests
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindExpired:
		return http.StatusGone
	case apperr.KindInvalidState, apperr.KindAlreadyBound:
		return http.StatusConflict
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindProcessFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError renders err. Errors without a kind are logged and reported as
// internal without their message.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		s.loggerWithContext(r.Context()).Error("api.internal", "path", r.URL.Path, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error", Code: apperr.KindInternal})
		return
	}
	writeJSON(w, StatusFor(appErr.Kind), errorResponse{
		Error:   appErr.Message,
		Code:    appErr.Kind,
		Details: appErr.Details,
	})
}

// decodeJSON reads a JSON body into dst. An empty body leaves dst untouched.
func decodeJSON(r *http.Request, dst any) error {
	data, err := readBody(r)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return apperr.Wrap(err, apperr.KindValidation, "invalid json")
	}
	return nil
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindValidation, "failed to read request body")
	}
	if len(data) > maxBodyBytes {
		return nil, apperr.New(apperr.KindValidation, fmt.Sprintf("request body exceeds %d bytes", maxBodyBytes))
	}
	return data, nil
}
