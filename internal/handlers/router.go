package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/brainnel/checkout-api/internal/platform/httpx"
)

const (
	checkoutBasePath      = "/api/v1/checkout"
	defaultRequestTimeout = 30 * time.Second
)

// RouteRegistrar mounts a group of routes.
type RouteRegistrar func(r chi.Router)

type routes struct {
	timeout     time.Duration
	middlewares []func(http.Handler) http.Handler
	health      *HealthHandlers
	checkout    RouteRegistrar
	checkoutMW  []func(http.Handler) http.Handler
}

// Option customises NewRouter.
type Option func(*routes)

// WithMiddlewares appends global middleware, applied after request id and real IP extraction.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(r *routes) {
		r.middlewares = append(r.middlewares, mw...)
	}
}

// WithRequestTimeout bounds every request through the router.
func WithRequestTimeout(d time.Duration) Option {
	return func(r *routes) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithHealthHandlers serves /healthz and /readyz.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(r *routes) {
		r.health = h
	}
}

// WithCheckoutRoutes mounts the checkout API under /api/v1/checkout.
func WithCheckoutRoutes(reg RouteRegistrar) Option {
	return func(r *routes) {
		r.checkout = reg
	}
}

// WithCheckoutMiddlewares adds middleware to the checkout group only.
func WithCheckoutMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(r *routes) {
		r.checkoutMW = append(r.checkoutMW, mw...)
	}
}

// NewRouter builds the service router: health endpoints at the root and the checkout API under
// /api/v1/checkout. Unknown routes and methods answer with the JSON error envelope.
func NewRouter(opts ...Option) chi.Router {
	cfg := routes{timeout: defaultRequestTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.CleanPath, middleware.Timeout(cfg.timeout))
	for _, mw := range cfg.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}
	r.NotFound(routeError(http.StatusNotFound, "route_not_found", "no such route"))
	r.MethodNotAllowed(routeError(http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed on this route"))

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(checkoutBasePath, func(group chi.Router) {
		for _, mw := range cfg.checkoutMW {
			if mw != nil {
				group.Use(mw)
			}
		}
		if cfg.checkout == nil {
			group.HandleFunc("/*", routeError(http.StatusServiceUnavailable, "checkout_unavailable", "checkout is not configured on this instance"))
			return
		}
		cfg.checkout(group)
	})
	return r
}

func routeError(status int, code, message string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError(code, message, status).WithDetails(map[string]any{
			"method": req.Method,
			"path":   req.URL.Path,
		}))
	}
}
