package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/brainnel/checkout-api/internal/platform/requestctx"
)

func newLoggedRouter(core zapcore.Core) chi.Router {
	logger := zap.New(core)
	r := chi.NewRouter()
	r.Use(InjectLoggerMiddleware(logger), RecoveryMiddleware(logger), RequestLoggerMiddleware("shop-prod"))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Post("/sessions/{checkoutId}/payments", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-Idempotent-Replay", "true")
		w.WriteHeader(http.StatusCreated)
	})
	r.Post("/sessions/{checkoutId}/order", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	})
	r.Get("/payments/{orderId}", func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})
	return r
}

func TestRequestLoggerAttachesCheckoutFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	router := newLoggedRouter(core)

	req := httptest.NewRequest(http.MethodPost, "/sessions/chk_9/payments", nil)
	req = req.WithContext(requestctx.WithTrace(req.Context(), requestctx.TraceInfo{TraceID: "abc123"}))
	router.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.FilterMessage("request completed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one completion entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["checkoutId"] != "chk_9" {
		t.Fatalf("expected checkoutId field, got %v", fields["checkoutId"])
	}
	if fields["route"] != "/sessions/{checkoutId}/payments" {
		t.Fatalf("expected route pattern, got %v", fields["route"])
	}
	if fields["idempotent_replay"] != true {
		t.Fatalf("expected replay marker, got %v", fields["idempotent_replay"])
	}
	if fields["logging.googleapis.com/trace"] != "projects/shop-prod/traces/abc123" {
		t.Fatalf("expected trace resource from fallback project, got %v", fields["logging.googleapis.com/trace"])
	}
	if entries[0].Level != zapcore.InfoLevel {
		t.Fatalf("expected info level, got %s", entries[0].Level)
	}
}

func TestRequestLoggerLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	router := newLoggedRouter(core)

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/sessions/chk_1/order", nil))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/payments/ord_1", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected recovered panic to return 500, got %d", rr.Code)
	}

	completed := logs.FilterMessage("request completed").All()
	if len(completed) != 3 {
		t.Fatalf("expected three completion entries, got %d", len(completed))
	}
	want := []zapcore.Level{zapcore.DebugLevel, zapcore.WarnLevel, zapcore.ErrorLevel}
	for i, entry := range completed {
		if entry.Level != want[i] {
			t.Fatalf("entry %d: expected %s, got %s", i, want[i], entry.Level)
		}
	}
	if logs.FilterMessage("panic recovered").Len() != 1 {
		t.Fatalf("expected panic to be logged once")
	}
}
