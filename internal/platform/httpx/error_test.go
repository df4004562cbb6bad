package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/brainnel/checkout-api/internal/platform/requestctx"
)

func TestWriteErrorEnvelope(t *testing.T) {
	ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "req-7")
	ctx = requestctx.WithTrace(ctx, requestctx.TraceInfo{TraceID: "trace-1"})

	rr := httptest.NewRecorder()
	WriteError(ctx, rr, NewError("minimum_amount_not_met", "Montant minimum\nnon atteint", http.StatusUnprocessableEntity).
		WithDetails(map[string]any{"required": 7500.0, "status": "ignored"}))

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "minimum_amount_not_met" || body["message"] != "Montant minimum non atteint" {
		t.Fatalf("unexpected envelope %v", body)
	}
	if body["status"] != float64(http.StatusUnprocessableEntity) {
		t.Fatalf("reserved status key was overridden: %v", body["status"])
	}
	if body["required"] != 7500.0 {
		t.Fatalf("expected detail to be merged, got %v", body["required"])
	}
	if body["request_id"] != "req-7" || body["trace_id"] != "trace-1" {
		t.Fatalf("expected correlation ids, got %v / %v", body["request_id"], body["trace_id"])
	}
	if _, ok := body["retryable"]; ok {
		t.Fatalf("422 must not be marked retryable")
	}
}

func TestNewErrorRetryableStatuses(t *testing.T) {
	for _, status := range []int{http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable} {
		if !NewError("x", "y", status).Retryable {
			t.Fatalf("expected %d to be retryable", status)
		}
	}
	if NewError("x", "y", http.StatusConflict).Retryable {
		t.Fatalf("409 must not be retryable")
	}
	if !NewError("x", "y", http.StatusConflict).WithRetryable(true).Retryable {
		t.Fatalf("expected override to apply")
	}
	if got := NewError("x", "y", 0).Status; got != http.StatusInternalServerError {
		t.Fatalf("expected zero status to become 500, got %d", got)
	}
}

func TestNewErrorClipsRunes(t *testing.T) {
	msg := strings.Repeat("é", maxMessageLength+10)
	got := NewError("code", msg, http.StatusBadRequest).Message
	if n := len([]rune(got)); n != maxMessageLength {
		t.Fatalf("expected %d runes, got %d", maxMessageLength, n)
	}
	if !strings.HasSuffix(got, "é") {
		t.Fatalf("truncation split a rune")
	}
}
