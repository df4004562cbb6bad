package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/brainnel/checkout-api/internal/platform/auth"
	"github.com/brainnel/checkout-api/internal/platform/httpx"
)

const (
	defaultHeaderName = "Idempotency-Key"
	replayHeaderName  = "X-Idempotent-Replay"
	maxKeyLength      = 255
	maxBodyBytes      = 1 << 20
	anonymousScope    = "anonymous"
)

// Logger receives structured events from the middleware.
type Logger func(ctx context.Context, event string, fields map[string]any)

type keyContextKey struct{}

// KeyFromContext returns the idempotency key the middleware accepted for the request.
func KeyFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	key, ok := ctx.Value(keyContextKey{}).(string)
	return key, ok && key != ""
}

// WithKey stores an idempotency key on the context, as the middleware does for guarded requests.
func WithKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, keyContextKey{}, strings.TrimSpace(key))
}

// guard holds the middleware settings. Keys are scoped to the caller's uid so two shoppers can
// never collide on the same key.
type guard struct {
	store   Store
	header  string
	ttl     time.Duration
	methods map[string]bool
	now     func() time.Time
	logger  Logger
}

// MiddlewareOption customises middleware behaviour.
type MiddlewareOption func(*guard)

// WithHeader overrides the header carrying the key.
func WithHeader(name string) MiddlewareOption {
	return func(g *guard) {
		if name = strings.TrimSpace(name); name != "" {
			g.header = name
		}
	}
}

// WithTTL sets how long completed responses stay replayable.
func WithTTL(ttl time.Duration) MiddlewareOption {
	return func(g *guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithMethods restricts the guarded HTTP methods.
func WithMethods(methods ...string) MiddlewareOption {
	return func(g *guard) {
		set := map[string]bool{}
		for _, method := range methods {
			if method = strings.ToUpper(strings.TrimSpace(method)); method != "" {
				set[method] = true
			}
		}
		if len(set) > 0 {
			g.methods = set
		}
	}
}

// WithLogger receives store and flush failures.
func WithLogger(logger Logger) MiddlewareOption {
	return func(g *guard) {
		g.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) MiddlewareOption {
	return func(g *guard) {
		if clock != nil {
			g.now = clock
		}
	}
}

// Middleware makes mutating checkout requests safe to retry. The first request with a key runs
// and its response is stored; repeats with the same body replay it with X-Idempotent-Replay set.
// A repeat with a different body is a 409, as is a repeat while the first is still running. 5xx
// responses are not stored so the client may retry them with the same key.
func Middleware(store Store, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	g := &guard{
		store:  store,
		header: defaultHeaderName,
		ttl:    DefaultTTL,
		methods: map[string]bool{
			http.MethodPost: true, http.MethodPut: true, http.MethodPatch: true, http.MethodDelete: true,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !g.methods[r.Method] {
				next.ServeHTTP(w, r)
				return
			}
			g.serve(w, r, next)
		})
	}
}

func (g *guard) serve(w http.ResponseWriter, r *http.Request, next http.Handler) {
	ctx := r.Context()
	key := strings.TrimSpace(r.Header.Get(g.header))
	if failure := validateKey(key); failure != nil {
		httpx.WriteError(ctx, w, *failure)
		return
	}

	body, err := bufferBody(w, r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpx.WriteError(ctx, w, httpx.NewError("request_too_large", "request body exceeds 1 MiB", http.StatusRequestEntityTooLarge))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("idempotency_read_body_failed", "unable to read request body", http.StatusBadRequest))
		return
	}

	scope := requesterScope(ctx)
	storeKey := key + "|" + scope
	fingerprint := fingerprintRequest(r, body, scope)

	reservation, err := g.store.Reserve(ctx, storeKey, fingerprint, g.now().UTC(), g.ttl)
	switch {
	case errors.Is(err, ErrFingerprintMismatch):
		httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_conflict", "idempotency key already used for a different request", http.StatusConflict))
		return
	case err != nil:
		g.log(ctx, "idempotency_store_failed", err)
		httpx.WriteError(ctx, w, httpx.NewError("idempotency_store_error", "unable to process idempotency key", http.StatusInternalServerError))
		return
	}

	switch reservation.State {
	case ReservationStateCompleted:
		replay(w, reservation.Record)
		return
	case ReservationStatePending:
		httpx.WriteError(ctx, w, httpx.NewError("idempotency_in_progress", "another request is processing this idempotency key", http.StatusConflict).WithRetryable(true))
		return
	}

	rec := &recorder{header: http.Header{}}
	next.ServeHTTP(rec, r.WithContext(WithKey(ctx, key)))

	if rec.statusCode() < http.StatusInternalServerError {
		if err := g.store.SaveResponse(ctx, storeKey, fingerprint, rec.response(), g.now().UTC(), g.ttl); err != nil {
			g.log(ctx, "idempotency_persist_failed", err)
			g.release(ctx, storeKey)
			httpx.WriteError(ctx, w, httpx.NewError("idempotency_store_error", "unable to persist idempotency state", http.StatusInternalServerError))
			return
		}
	} else {
		g.release(ctx, storeKey)
	}
	if err := rec.flush(w); err != nil {
		g.log(ctx, "idempotency_flush_failed", err)
	}
}

func (g *guard) release(ctx context.Context, key string) {
	if err := g.store.Release(ctx, key); err != nil {
		g.log(ctx, "idempotency_release_failed", err)
	}
}

func (g *guard) log(ctx context.Context, event string, err error) {
	if g.logger != nil {
		g.logger(ctx, event, map[string]any{"error": err.Error()})
	}
}

func validateKey(key string) *httpx.Error {
	var failure httpx.Error
	switch {
	case key == "":
		failure = httpx.NewError("idempotency_key_required", "missing idempotency key header", http.StatusBadRequest)
	case len(key) > maxKeyLength:
		failure = httpx.NewError("idempotency_key_invalid", "idempotency key is too long", http.StatusBadRequest)
	case strings.IndexFunc(key, func(r rune) bool { return r < 0x21 || r > 0x7e }) >= 0:
		failure = httpx.NewError("idempotency_key_invalid", "idempotency key must be printable ASCII", http.StatusBadRequest)
	default:
		return nil
	}
	return &failure
}

func bufferBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	_ = r.Body.Close()
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

func requesterScope(ctx context.Context) string {
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity.UID != "" {
		return identity.UID
	}
	return anonymousScope
}

// fingerprintRequest hashes everything that distinguishes one checkout request from another.
func fingerprintRequest(r *http.Request, body []byte, scope string) string {
	h := sha256.New()
	for _, part := range []string{r.Method, r.URL.Path, r.URL.RawQuery, r.Header.Get("Content-Type"), scope} {
		_, _ = io.WriteString(h, part)
		_, _ = h.Write([]byte{0})
	}
	_, _ = h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func replay(w http.ResponseWriter, record Record) {
	header := w.Header()
	for name, values := range record.ResponseHeaders {
		header[name] = append([]string(nil), values...)
	}
	header.Set(replayHeaderName, "true")
	status := record.ResponseStatus
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(record.ResponseBody)
}

// recorder holds the handler's response until the outcome has been stored.
type recorder struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (r *recorder) Header() http.Header { return r.header }

func (r *recorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
}

func (r *recorder) Write(data []byte) (int, error) {
	r.WriteHeader(http.StatusOK)
	return r.body.Write(data)
}

func (r *recorder) statusCode() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func (r *recorder) response() Response {
	return Response{Status: r.statusCode(), Headers: r.header.Clone(), Body: r.body.Bytes()}
}

func (r *recorder) flush(w http.ResponseWriter) error {
	header := w.Header()
	for name, values := range r.header {
		header[name] = values
	}
	w.WriteHeader(r.statusCode())
	_, err := w.Write(r.body.Bytes())
	return err
}
