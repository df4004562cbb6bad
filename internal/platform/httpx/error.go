package httpx

import (
	"context"
	"encoding/json"
	"maps"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/brainnel/checkout-api/internal/platform/requestctx"
)

const (
	maxCodeLength    = 80
	maxMessageLength = 512
	maxIDLength      = 80
)

// Error is the JSON error envelope:
//
//	{"error": code, "message": ..., "status": ..., "retryable": bool?, "request_id"?, "trace_id"?, ...details}
//
// Messages may be localised, so truncation counts runes.
type Error struct {
	Code      string
	Message   string
	Status    int
	Retryable bool
	Details   map[string]any
}

// NewError builds an error envelope. A zero status becomes 500. Statuses the app may retry
// unchanged (429, 502, 503, 504) are marked retryable.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:      clip(code, maxCodeLength),
		Message:   clip(message, maxMessageLength),
		Status:    status,
		Retryable: retryableStatus(status),
	}
}

func (e Error) Error() string {
	return e.Code + ": " + e.Message
}

// WithRetryable overrides the retry hint.
func (e Error) WithRetryable(retryable bool) Error {
	e.Retryable = retryable
	return e
}

// WithDetails merges extra top-level fields into the envelope. Reserved keys are ignored.
func (e Error) WithDetails(details map[string]any) Error {
	if len(details) == 0 {
		return e
	}
	merged := make(map[string]any, len(e.Details)+len(details))
	maps.Copy(merged, e.Details)
	for k, v := range details {
		if _, reserved := reservedKeys[k]; reserved {
			continue
		}
		merged[k] = v
	}
	e.Details = merged
	return e
}

var reservedKeys = map[string]struct{}{
	"error": {}, "message": {}, "status": {}, "retryable": {}, "request_id": {}, "trace_id": {},
}

// WriteError writes the envelope, stamping the request and trace ids from ctx.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	status := err.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}

	payload := make(map[string]any, len(err.Details)+6)
	maps.Copy(payload, err.Details)
	payload["error"] = err.Code
	payload["message"] = err.Message
	payload["status"] = status
	if err.Retryable {
		payload["retryable"] = true
	}
	if id := clip(requestctx.RequestID(ctx), maxIDLength); id != "" {
		payload["request_id"] = id
	}
	if id := clip(requestctx.TraceID(ctx), maxIDLength); id != "" {
		payload["trace_id"] = id
	}

	WriteJSON(w, status, payload)
}

// WriteJSON encodes payload with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func retryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func clip(value string, limit int) string {
	value = strings.TrimSpace(strings.NewReplacer("\r", " ", "\n", " ").Replace(value))
	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	return string([]rune(value)[:limit])
}
