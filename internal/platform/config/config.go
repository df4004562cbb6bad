package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

const (
	defaultEnvFile              = ".env"
	defaultPort                 = "8080"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultBackendTimeout       = 10 * time.Second
	defaultEnvironment          = "local"
	defaultPollInterval         = 2 * time.Second
	defaultPollTimeout          = 50 * time.Second
	defaultCallbackTimeout      = 15 * time.Minute
	defaultCODThresholdFCFA     = 50000
	defaultSessionRetention     = 30 * time.Minute
	defaultPruneInterval        = time.Minute
	defaultIdempotencyBackend   = IdempotencyBackendMemory
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
	defaultAnalyticsSink        = AnalyticsSinkLog
	defaultAnalyticsSubject     = "checkout.analytics"
	defaultAnalyticsBuffer      = 256
	defaultPaymentsPerMinute    = 12
	defaultPaymentsBurst        = 3
)

// Idempotency store backends.
const (
	IdempotencyBackendMemory    = "memory"
	IdempotencyBackendFirestore = "firestore"
	IdempotencyBackendRedis     = "redis"
)

// Analytics sinks.
const (
	AnalyticsSinkLog    = "log"
	AnalyticsSinkPubSub = "pubsub"
	AnalyticsSinkNATS   = "nats"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Environment string
	Server      ServerConfig
	Backend     BackendConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	PSP         PSPConfig
	Checkout    CheckoutConfig
	Idempotency IdempotencyConfig
	Redis       RedisConfig
	Analytics   AnalyticsConfig
	RateLimits  RateLimitConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string `validate:"required,numeric"`
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// BackendConfig points at the commerce backend.
type BackendConfig struct {
	BaseURL string `validate:"required,url"`
	// Token is the service credential used when no end-user token is forwarded.
	Token   string
	Timeout time.Duration `validate:"gt=0"`
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
	// CheckRevoked rejects tokens of revoked sessions and disabled accounts.
	CheckRevoked bool
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
	// DatabaseID selects a named database; empty uses "(default)".
	DatabaseID string
}

// PSPConfig collects settings for direct payment providers.
type PSPConfig struct {
	StripeAPIKey     string
	StripeSuccessURL string
	StripeCancelURL  string
}

// CheckoutConfig tunes payment confirmation and the COD rules.
type CheckoutConfig struct {
	PollInterval     time.Duration `validate:"gt=0"`
	PollTimeout      time.Duration `validate:"gtefield=PollInterval"`
	CallbackTimeout  time.Duration
	CODThresholdFCFA float64 `validate:"gt=0"`
	// GateLowValueCI blocks submission of low-value Ivorian orders instead of letting them
	// through as non-COD.
	GateLowValueCI   bool
	SessionRetention time.Duration
	PruneInterval    time.Duration
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Backend          string        `validate:"oneof=memory firestore redis"`
	Header           string        `validate:"required"`
	TTL              time.Duration `validate:"gt=0"`
	CleanupInterval  time.Duration
	CleanupBatchSize int `validate:"gt=0"`
}

// RedisConfig locates the Redis server backing the idempotency store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int `validate:"gte=0"`
}

// AnalyticsConfig selects where checkout analytics events are published.
type AnalyticsConfig struct {
	Sink        string `validate:"oneof=log pubsub nats"`
	PubSubTopic string
	NATSURL     string
	NATSSubject string
	Buffer      int `validate:"gte=0"`
}

// RateLimitConfig controls request throttling.
type RateLimitConfig struct {
	PaymentsPerMinute int `validate:"gt=0"`
	PaymentsBurst     int `validate:"gt=0"`
}

// Option customises Load and EnvironmentValues.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile               string
	envMap                map[string]string
	useSystemEnv          bool
	secret                SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

func newLoaderOptions(opts []Option) loaderOptions {
	o := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// WithEnvFile overrides the dotenv file. An empty path skips it.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap supplies values that take precedence over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv ignores the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver resolves secret:// and sm:// values.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets names secret-bearing fields that must resolve to a value, e.g.
// "Backend.Token" or "PSP.StripeAPIKey".
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// WithPanicOnMissingSecrets makes Load panic with *MissingSecretsError instead of returning it.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) {
		o.panicOnMissingSecrets = true
	}
}

// EnvironmentValues returns the merged key/value view Load reads from, so components needed
// before Load (the secret fetcher) see the same inputs.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	src, err := newSource(newLoaderOptions(opts))
	if err != nil {
		return nil, err
	}
	return src.flatten(), nil
}

// Load reads the configuration, resolves secret references and validates the result.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	o := newLoaderOptions(opts)
	src, err := newSource(o)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Environment: src.lower("API_ENVIRONMENT", defaultEnvironment),
		Server: ServerConfig{
			Port:         src.str("API_SERVER_PORT", defaultPort),
			ReadTimeout:  src.duration("API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: src.duration("API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  src.duration("API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Backend: BackendConfig{
			BaseURL: src.str("API_BACKEND_BASE_URL", ""),
			Token:   src.str("API_BACKEND_TOKEN", ""),
			Timeout: src.duration("API_BACKEND_TIMEOUT", defaultBackendTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       src.str("API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: src.str("API_FIREBASE_CREDENTIALS_FILE", ""),
			CheckRevoked:    src.boolean("API_FIREBASE_CHECK_REVOKED", false),
		},
		Firestore: FirestoreConfig{
			ProjectID:    src.str("API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: src.str("API_FIRESTORE_EMULATOR_HOST", ""),
			DatabaseID:   src.str("API_FIRESTORE_DATABASE_ID", ""),
		},
		PSP: PSPConfig{
			StripeAPIKey:     src.str("API_PSP_STRIPE_API_KEY", ""),
			StripeSuccessURL: src.str("API_PSP_STRIPE_SUCCESS_URL", ""),
			StripeCancelURL:  src.str("API_PSP_STRIPE_CANCEL_URL", ""),
		},
		Checkout: CheckoutConfig{
			PollInterval:     src.duration("API_CHECKOUT_POLL_INTERVAL", defaultPollInterval),
			PollTimeout:      src.duration("API_CHECKOUT_POLL_TIMEOUT", defaultPollTimeout),
			CallbackTimeout:  src.duration("API_CHECKOUT_CALLBACK_TIMEOUT", defaultCallbackTimeout),
			CODThresholdFCFA: src.float("API_CHECKOUT_COD_THRESHOLD_FCFA", defaultCODThresholdFCFA),
			GateLowValueCI:   src.boolean("API_CHECKOUT_GATE_LOW_VALUE_CI", true),
			SessionRetention: src.duration("API_CHECKOUT_SESSION_RETENTION", defaultSessionRetention),
			PruneInterval:    src.duration("API_CHECKOUT_PRUNE_INTERVAL", defaultPruneInterval),
		},
		Idempotency: IdempotencyConfig{
			Backend:          src.lower("API_IDEMPOTENCY_BACKEND", defaultIdempotencyBackend),
			Header:           src.str("API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              src.duration("API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  src.duration("API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: src.integer("API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
		Redis: RedisConfig{
			Addr:     src.str("API_REDIS_ADDR", ""),
			Password: src.str("API_REDIS_PASSWORD", ""),
			DB:       src.integer("API_REDIS_DB", 0),
		},
		Analytics: AnalyticsConfig{
			Sink:        src.lower("API_ANALYTICS_SINK", defaultAnalyticsSink),
			PubSubTopic: src.str("API_ANALYTICS_PUBSUB_TOPIC", ""),
			NATSURL:     src.str("API_ANALYTICS_NATS_URL", ""),
			NATSSubject: src.str("API_ANALYTICS_NATS_SUBJECT", defaultAnalyticsSubject),
			Buffer:      src.integer("API_ANALYTICS_BUFFER", defaultAnalyticsBuffer),
		},
		RateLimits: RateLimitConfig{
			PaymentsPerMinute: src.integer("API_RATELIMIT_PAYMENTS_PER_MINUTE", defaultPaymentsPerMinute),
			PaymentsBurst:     src.integer("API_RATELIMIT_PAYMENTS_BURST", defaultPaymentsBurst),
		},
	}
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}

	var missing *MissingSecretsError
	if err := resolveSecrets(ctx, &cfg, o.secret, o.requiredSecrets); err != nil && !errors.As(err, &missing) {
		return Config{}, err
	}
	if err := validate(cfg, src.invalid); err != nil {
		return Config{}, err
	}
	if missing != nil {
		if o.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %v\n", missing)
			panic(missing)
		}
		return Config{}, missing
	}
	return cfg, nil
}
