// Package secrets resolves secret:// references against Google Secret Manager, with a local
// file fallback for development.
package secrets

import (
	"context"
	"fmt"
	"hash/crc32"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultCacheTTL = 10 * time.Minute
	instrumentScope = "github.com/brainnel/checkout-api/internal/platform/secrets"
)

var (
	castagnoli = crc32.MakeTable(crc32.Castagnoli)

	newSecretManagerClient = func(ctx context.Context, opts ...option.ClientOption) (secretManagerClient, error) {
		client, err := secretmanager.NewClient(ctx, opts...)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
)

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret:// references. Values are cached per reference and version, and
// concurrent misses for the same key share one Secret Manager call.
type Fetcher struct {
	client     secretManagerClient
	clientOpts []option.ClientOption
	ownsClient bool
	logger     *zap.Logger

	env            string
	defaultProject string
	projects       map[string]string
	pins           map[string]string
	local          *localFile

	now      func() time.Time
	cacheTTL time.Duration
	inflight singleflight.Group
	mu       sync.RWMutex
	cache    map[string]cached

	meter     metric.Meter
	latency   metric.Float64Histogram
	cacheHits metric.Int64Counter
}

type cached struct {
	value    string
	storedAt time.Time
}

// Option customises a Fetcher.
type Option func(*Fetcher)

// WithLogger sets the diagnostic logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithEnvironment selects the key used for per-environment project ids and version pins.
func WithEnvironment(env string) Option {
	return func(f *Fetcher) {
		if env = strings.ToLower(strings.TrimSpace(env)); env != "" {
			f.env = env
		}
	}
}

// WithDefaultProject sets the project used when no environment mapping matches.
func WithDefaultProject(projectID string) Option {
	return func(f *Fetcher) {
		f.defaultProject = strings.TrimSpace(projectID)
	}
}

// WithProjectMap maps environments to Secret Manager projects.
func WithProjectMap(projects map[string]string) Option {
	return func(f *Fetcher) {
		for env, id := range projects {
			if id = strings.TrimSpace(id); id != "" {
				f.projects[strings.ToLower(strings.TrimSpace(env))] = id
			}
		}
	}
}

// WithVersionPins pins references to versions. Keys are canonical references, optionally
// prefixed with "<env>:" to pin a single environment.
func WithVersionPins(pins map[string]string) Option {
	return func(f *Fetcher) {
		for key, version := range pins {
			if version = strings.TrimSpace(version); version != "" {
				f.pins[strings.TrimSpace(key)] = version
			}
		}
	}
}

// WithFallbackFile overrides the local fallback path. An empty path disables the fallback.
func WithFallbackFile(path string) Option {
	return func(f *Fetcher) {
		f.local = &localFile{path: strings.TrimSpace(path)}
	}
}

// WithMeter injects the OpenTelemetry meter.
func WithMeter(m metric.Meter) Option {
	return func(f *Fetcher) {
		f.meter = m
	}
}

// WithSecretManagerClient injects a client; the Fetcher does not close it.
func WithSecretManagerClient(client secretManagerClient) Option {
	return func(f *Fetcher) {
		f.client = client
	}
}

// WithClientOptions forwards options to the Secret Manager client the Fetcher creates.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(f *Fetcher) {
		f.clientOpts = append(f.clientOpts, opts...)
	}
}

// WithCacheTTL bounds how long a value is served from cache. Zero caches for the Fetcher's life.
func WithCacheTTL(ttl time.Duration) Option {
	return func(f *Fetcher) {
		if ttl >= 0 {
			f.cacheTTL = ttl
		}
	}
}

// WithClock overrides the cache clock.
func WithClock(clock func() time.Time) Option {
	return func(f *Fetcher) {
		if clock != nil {
			f.now = clock
		}
	}
}

// NewFetcher builds a Fetcher. When no Secret Manager client can be created the Fetcher still
// works from the fallback file.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	f := &Fetcher{
		logger:   zap.NewNop(),
		env:      "local",
		projects: map[string]string{},
		pins:     map[string]string{},
		local:    &localFile{path: ".secrets.local"},
		now:      time.Now,
		cacheTTL: defaultCacheTTL,
		cache:    map[string]cached{},
	}
	if env := strings.ToLower(strings.TrimSpace(os.Getenv("API_ENVIRONMENT"))); env != "" {
		f.env = env
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	f.registerInstruments()

	if f.client == nil {
		client, err := newSecretManagerClient(ctx, f.clientOpts...)
		if err != nil {
			f.logger.Warn("secret manager unavailable; resolving from fallback file only", zap.Error(err))
		} else {
			f.client = client
			f.ownsClient = true
		}
	}
	return f, nil
}

func (f *Fetcher) registerInstruments() {
	if f.meter == nil {
		f.meter = otel.GetMeterProvider().Meter(instrumentScope)
	}
	var err error
	if f.latency, err = f.meter.Float64Histogram("secrets.fetch.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency of secret resolution by source"),
	); err != nil {
		f.logger.Warn("register secrets latency histogram", zap.Error(err))
	}
	if f.cacheHits, err = f.meter.Int64Counter("secrets.fetch.cache_hits",
		metric.WithDescription("Secret resolutions served from cache"),
	); err != nil {
		f.logger.Warn("register secrets cache counter", zap.Error(err))
	}
}

// Close releases the Secret Manager client when the Fetcher created it.
func (f *Fetcher) Close() error {
	if f == nil || !f.ownsClient || f.client == nil {
		return nil
	}
	return f.client.Close()
}

// Resolve returns the value behind ref. Remote outages (permission, auth, availability,
// deadline) fall through to the local file; other remote errors, NotFound included, are
// returned as-is.
func (f *Fetcher) Resolve(ctx context.Context, raw string) (string, error) {
	started := time.Now()
	ref, err := ParseReference(raw)
	if err != nil {
		return "", err
	}
	version := f.version(ref)
	key := ref.cacheKey(version)

	if value, ok := f.cached(key); ok {
		if f.cacheHits != nil {
			f.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("secret", ref.masked())))
		}
		f.observe(ctx, started, "cache", nil)
		return value, nil
	}

	result, err, _ := f.inflight.Do(key, func() (any, error) {
		value, source, err := f.fetch(ctx, ref, version)
		if err != nil {
			return nil, err
		}
		f.store(key, value)
		return fetched{value: value, source: source}, nil
	})
	if err != nil {
		f.observe(ctx, started, "error", err)
		return "", err
	}
	got := result.(fetched)
	f.observe(ctx, started, got.source, nil)
	return got.value, nil
}

type fetched struct {
	value  string
	source string
}

func (f *Fetcher) fetch(ctx context.Context, ref Reference, version string) (string, string, error) {
	project := f.project(ref)
	if project != "" && f.client != nil {
		value, err := f.access(ctx, ref.resource(project, version))
		if err == nil {
			return value, "remote", nil
		}
		if !remoteUnavailable(err) {
			return "", "", fmt.Errorf("secrets: resolve %s: %w", ref.Canonical, err)
		}
		f.logger.Debug("secret manager unreachable; trying fallback file",
			zap.String("ref", ref.Canonical), zap.Error(err))
	}
	value, err := f.local.lookup(ref, version)
	if err != nil {
		return "", "", err
	}
	return value, "fallback", nil
}

func (f *Fetcher) access(ctx context.Context, name string) (string, error) {
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return "", err
	}
	payload := resp.GetPayload()
	if payload == nil {
		return "", fmt.Errorf("secrets: empty payload for %s", name)
	}
	data := payload.GetData()
	if payload.DataCrc32C != nil && int64(crc32.Checksum(data, castagnoli)) != payload.GetDataCrc32C() {
		return "", fmt.Errorf("secrets: checksum mismatch for %s", name)
	}
	return string(data), nil
}

// Invalidate drops every cached version of ref.
func (f *Fetcher) Invalidate(raw string) {
	ref, err := ParseReference(raw)
	if err != nil {
		return
	}
	prefix := ref.cacheKey("")
	f.mu.Lock()
	defer f.mu.Unlock()
	for key := range f.cache {
		if strings.HasPrefix(key, prefix) {
			delete(f.cache, key)
		}
	}
}

func (f *Fetcher) cached(key string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	entry, ok := f.cache[key]
	if !ok || (f.cacheTTL > 0 && f.now().Sub(entry.storedAt) >= f.cacheTTL) {
		return "", false
	}
	return entry.value, true
}

func (f *Fetcher) store(key, value string) {
	f.mu.Lock()
	f.cache[key] = cached{value: value, storedAt: f.now()}
	f.mu.Unlock()
}

func (f *Fetcher) project(ref Reference) string {
	if ref.Project != "" {
		return ref.Project
	}
	if id := f.projects[f.env]; id != "" {
		return id
	}
	return f.defaultProject
}

// version picks the explicit version, then an environment pin, then a global pin.
func (f *Fetcher) version(ref Reference) string {
	if ref.Version != "" {
		return ref.Version
	}
	if pin := f.pins[f.env+":"+ref.Canonical]; pin != "" {
		return pin
	}
	if pin := f.pins[ref.Canonical]; pin != "" {
		return pin
	}
	return latestVersion
}

func (f *Fetcher) observe(ctx context.Context, started time.Time, source string, err error) {
	if f.latency == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("source", source)}
	if err != nil {
		attrs = append(attrs, attribute.String("code", status.Code(err).String()))
	}
	f.latency.Record(ctx, float64(time.Since(started))/float64(time.Millisecond), metric.WithAttributes(attrs...))
}

func remoteUnavailable(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	return false
}
