// Package api implements the HTTP admin surface: sends, account lifecycle
// control, webhook subscription management, and the liveness endpoints. Chi
// routing with the error taxonomy mapped onto HTTP status codes; dashboard
// session auth is a reverse-proxy concern and stays outside this package.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/chatwire-io/chatwire/internal/gateway"
)

// envelope is the standard JSON response wrapper.
type envelope map[string]any

// JSON writes a JSON-encoded response with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Ok writes a 200 with the payload as-is.
func Ok(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusOK, payload)
}

// Created writes a 201 with the payload as-is.
func Created(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusCreated, payload)
}

// Accepted writes a 202 with a status note.
func Accepted(w http.ResponseWriter, status string) {
	JSON(w, http.StatusAccepted, envelope{"status": status})
}

// errBody is the error response shape: a machine-readable kind, a human
// message, and a retry hint in seconds for cap rejections.
type errBody struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

// ErrJSON writes an error response with an explicit status and kind.
func ErrJSON(w http.ResponseWriter, status int, kind, message string) {
	JSON(w, status, errBody{Error: kind, Message: message})
}

// ErrBadRequest writes a 400 with the invalid_input kind.
func ErrBadRequest(w http.ResponseWriter, message string) {
	ErrJSON(w, http.StatusBadRequest, string(gateway.KindInvalidInput), message)
}

// ErrUnauthorized writes a 401.
func ErrUnauthorized(w http.ResponseWriter) {
	ErrJSON(w, http.StatusUnauthorized, "unauthorized", "authentication required")
}

// ErrNotFound writes a 404.
func ErrNotFound(w http.ResponseWriter) {
	ErrJSON(w, http.StatusNotFound, string(gateway.KindNotFound), "resource not found")
}

// ErrGateway translates a gateway error into its HTTP representation. Cap
// rejections carry both a Retry-After header and a retryAfter body field in
// seconds.
func ErrGateway(w http.ResponseWriter, err error) {
	kind := gateway.KindOf(err)
	status := statusFor(kind)

	body := errBody{Error: string(kind), Message: publicMessage(err)}
	if retryAfter := gateway.RetryAfterOf(err); retryAfter > 0 {
		secs := int(retryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		body.RetryAfter = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	JSON(w, status, body)
}

func statusFor(kind gateway.Kind) int {
	switch kind {
	case gateway.KindInvalidInput:
		return http.StatusBadRequest
	case gateway.KindNotFound:
		return http.StatusNotFound
	case gateway.KindDuplicateBlocked, gateway.KindLockedByOther:
		return http.StatusConflict
	case gateway.KindHourlyCap, gateway.KindDailyCap:
		return http.StatusTooManyRequests
	case gateway.KindNeedsQR, gateway.KindNotConnected:
		return http.StatusConflict
	case gateway.KindStoreUnavailable, gateway.KindShutdown:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage strips internals from what the caller sees. Internal errors
// get a fixed string; taxonomy errors expose their message field only.
func publicMessage(err error) string {
	var ge *gateway.Error
	if errors.As(err, &ge) {
		return ge.Message
	}
	return "an internal error occurred"
}

// decodeJSON decodes the request body into dst. Returns false after writing
// a 400 when decoding fails, so callers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		ErrBadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}
