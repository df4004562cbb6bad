package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

func routerBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("expected JSON body, got %q: %v", rr.Body.String(), err)
	}
	return body
}

func TestRouterServesHealthWithoutCheckout(t *testing.T) {
	router := NewRouter()

	for _, path := range []string{"/healthz", "/readyz"} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rr.Code)
		}
	}

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/checkout/sessions", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without checkout routes, got %d", rr.Code)
	}
	if body := routerBody(t, rr); body["error"] != "checkout_unavailable" || body["retryable"] != true {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestRouterMountsCheckoutGroup(t *testing.T) {
	var checkoutID string
	registrar := func(r chi.Router) {
		r.Get("/sessions/{checkoutId}", func(w http.ResponseWriter, r *http.Request) {
			checkoutID = chi.URLParam(r, "checkoutId")
			w.WriteHeader(http.StatusNoContent)
		})
	}
	tagged := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Checkout-Group", "1")
			next.ServeHTTP(w, r)
		})
	}
	router := NewRouter(WithCheckoutRoutes(registrar), WithCheckoutMiddlewares(tagged))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/checkout//sessions/chk_1", nil))
	if rr.Code != http.StatusNoContent || checkoutID != "chk_1" {
		t.Fatalf("expected cleaned path to reach session route, got %d (%q)", rr.Code, checkoutID)
	}
	if rr.Header().Get("X-Checkout-Group") != "1" {
		t.Fatalf("expected group middleware to run")
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Header().Get("X-Checkout-Group") != "" {
		t.Fatalf("group middleware leaked onto health endpoints")
	}
}

func TestRouterErrorEnvelopes(t *testing.T) {
	router := NewRouter(WithCheckoutRoutes(func(r chi.Router) {
		r.Post("/sessions", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusCreated) })
	}))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/does/not/exist", nil))
	body := routerBody(t, rr)
	if rr.Code != http.StatusNotFound || body["error"] != "route_not_found" || body["path"] != "/does/not/exist" {
		t.Fatalf("unexpected 404 envelope %d %v", rr.Code, body)
	}
	if _, ok := body["request_id"]; !ok {
		t.Fatalf("expected request id on router errors")
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/api/v1/checkout/sessions", nil))
	if rr.Code != http.StatusMethodNotAllowed || routerBody(t, rr)["method"] != http.MethodPut {
		t.Fatalf("unexpected 405 response %d %s", rr.Code, rr.Body.String())
	}
}
