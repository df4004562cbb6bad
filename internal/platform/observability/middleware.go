package observability

import (
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/brainnel/checkout-api/internal/platform/auth"
	"github.com/brainnel/checkout-api/internal/platform/httpx"
	"github.com/brainnel/checkout-api/internal/platform/requestctx"
)

const replayHeader = "X-Idempotent-Replay"

// Health check completions log at debug.
var healthPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
}

// Route parameters copied onto the completion entry.
var correlatedParams = []string{"checkoutId", "orderId"}

// InjectLoggerMiddleware stores logger on every request context.
func InjectLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(requestctx.WithLogger(r.Context(), logger)))
		})
	}
}

// RequestLoggerMiddleware binds a request-scoped logger carrying the Cloud Logging correlation
// fields and writes one "request completed" entry per request. projectID is used when the
// inbound trace header did not name a project.
func RequestLoggerMiddleware(projectID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			info, _ := requestctx.Trace(ctx)
			if info.ProjectID == "" {
				info.ProjectID = projectID
			}

			fields := []zap.Field{
				zap.String("request_id", requestctx.RequestID(ctx)),
				zap.String("method", SanitizeMethod(r.Method)),
				zap.String("trace_id", info.TraceID),
			}
			if identity, ok := auth.IdentityFromContext(ctx); ok && identity != nil {
				fields = append(fields, zap.String("user_id", SanitizeUserID(identity.UID)))
			}
			if resource := info.Resource(); resource != "" {
				fields = append(fields, zap.String("logging.googleapis.com/trace", resource))
			}
			if ip := clientIP(r.RemoteAddr); ip != "" {
				fields = append(fields, zap.String("remote_ip", ip))
			}
			logger := requestctx.Logger(ctx).With(fields...)
			r = r.WithContext(requestctx.WithLogger(ctx, logger))

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			panicked := true
			defer func() {
				completed(logger, r, ww, time.Since(start), panicked)
			}()

			next.ServeHTTP(ww, r)
			panicked = false
		})
	}
}

// completed runs after routing, so the chi pattern is available in place of the raw path.
func completed(logger *zap.Logger, r *http.Request, ww middleware.WrapResponseWriter, latency time.Duration, panicked bool) {
	status := ww.Status()
	if status == 0 {
		status = http.StatusOK
	}
	if panicked && status < http.StatusInternalServerError {
		status = http.StatusInternalServerError
	}
	route := SanitizeRoute(routePattern(r))

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(semconv.HTTPResponseStatusCode(status), semconv.HTTPRoute(route))
	if status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(status))
	} else {
		span.SetStatus(codes.Ok, "")
	}

	fields := []zap.Field{
		zap.String("route", route),
		zap.Int("status", status),
		zap.Duration("latency", latency),
		zap.Int("bytes", ww.BytesWritten()),
	}
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		for _, key := range correlatedParams {
			if value := rctx.URLParam(key); value != "" {
				fields = append(fields, zap.String(key, SanitizeField(key, value)))
			}
		}
	}
	if ww.Header().Get(replayHeader) == "true" {
		fields = append(fields, zap.Bool("idempotent_replay", true))
	}

	level := zapcore.InfoLevel
	switch {
	case status >= http.StatusInternalServerError:
		level = zapcore.ErrorLevel
	case status >= http.StatusBadRequest:
		level = zapcore.WarnLevel
	case healthPaths[r.URL.Path]:
		level = zapcore.DebugLevel
	}
	if ce := logger.Check(level, "request completed"); ce != nil {
		ce.Write(fields...)
	}
}

// RecoveryMiddleware turns a panic into a 500 envelope and logs the stack.
func RecoveryMiddleware(fallback *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				ctx := r.Context()
				requestctx.LoggerOr(ctx, fallback).Error("panic recovered",
					zap.Any("panic", rec),
					zap.ByteString("stack", debug.Stack()),
				)
				httpx.WriteError(ctx, w, httpx.NewError("internal_server_error", "internal server error", http.StatusInternalServerError))
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	if r.URL != nil && r.URL.Path != "" {
		return r.URL.Path
	}
	return "/"
}

// clientIP strips the port; middleware.RealIP has already rewritten RemoteAddr when a proxy
// header was present.
func clientIP(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return clean(addr, idLimit)
}
