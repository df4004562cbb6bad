package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/brainnel/checkout-api/internal/backend"
	"github.com/brainnel/checkout-api/internal/checkout"
	"github.com/brainnel/checkout-api/internal/domain"
	"github.com/brainnel/checkout-api/internal/handlers"
	"github.com/brainnel/checkout-api/internal/payments"
	"github.com/brainnel/checkout-api/internal/platform/auth"
	"github.com/brainnel/checkout-api/internal/platform/config"
	"github.com/brainnel/checkout-api/internal/platform/events"
	pfirestore "github.com/brainnel/checkout-api/internal/platform/firestore"
	"github.com/brainnel/checkout-api/internal/platform/idempotency"
	"github.com/brainnel/checkout-api/internal/platform/observability"
	"github.com/brainnel/checkout-api/internal/platform/requestctx"
	"github.com/brainnel/checkout-api/internal/platform/secrets"
	"github.com/brainnel/checkout-api/internal/repositories"
	"github.com/brainnel/checkout-api/internal/services"
)

const healthCacheTTL = 5 * time.Second

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger(os.Getenv("LOG_LEVEL"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("checkout")
	ctx = requestctx.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	var firestoreProvider *pfirestore.Provider
	if cfg.Idempotency.Backend == config.IdempotencyBackendFirestore || strings.TrimSpace(cfg.Firestore.ProjectID) != "" {
		firestoreProvider = pfirestore.NewProvider(cfg.Firestore)
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := firestoreProvider.Close(closeCtx); err != nil {
				logger.Warn("firestore close error", zap.Error(err))
			}
		}()
	}

	var redisClient *redis.Client
	if cfg.Idempotency.Backend == config.IdempotencyBackendRedis || strings.TrimSpace(cfg.Redis.Addr) != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close error", zap.Error(err))
			}
		}()
	}

	backendClient := backend.NewClient(cfg.Backend.BaseURL,
		backend.WithServiceToken(cfg.Backend.Token),
		backend.WithTimeout(cfg.Backend.Timeout),
	)

	paymentLogger := payments.Logger(observability.NewEventLogger(logger.Named("payments")))
	strategies, err := payments.NewBackendStrategies(backendClient, paymentLogger)
	if err != nil {
		logger.Fatal("failed to initialise payment strategies", zap.Error(err))
	}
	var managerOpts []payments.ManagerOption
	if strings.TrimSpace(cfg.PSP.StripeAPIKey) != "" {
		stripeStrategy, err := payments.NewStripeCardStrategy(payments.StripeCardConfig{
			APIKey:     cfg.PSP.StripeAPIKey,
			SuccessURL: cfg.PSP.StripeSuccessURL,
			CancelURL:  cfg.PSP.StripeCancelURL,
			Logger:     paymentLogger,
		})
		if err != nil {
			logger.Fatal("failed to initialise stripe card strategy", zap.Error(err))
		}
		managerOpts = append(managerOpts, payments.WithOverride(stripeStrategy))
	}
	paymentManager, err := payments.NewManager(strategies, managerOpts...)
	if err != nil {
		logger.Fatal("failed to initialise payment manager", zap.Error(err))
	}

	publisher, closePublisher, err := newEventPublisher(ctx, logger, cfg)
	if err != nil {
		logger.Fatal("failed to initialise analytics sink", zap.Error(err))
	}
	defer closePublisher()

	quotes, err := checkout.NewShippingQuoteService(backendClient, time.Now)
	if err != nil {
		logger.Fatal("failed to initialise shipping quotes", zap.Error(err))
	}
	conversions, err := checkout.NewCurrencyConversionService(backendClient)
	if err != nil {
		logger.Fatal("failed to initialise currency conversion", zap.Error(err))
	}
	threshold := checkout.NewMinimumOrderThreshold(cfg.Checkout.CODThresholdFCFA, conversions)
	registry := checkout.NewRegistry(time.Now)
	defer registry.Close()

	checkoutLogger := observability.NewEventLogger(logger.Named("checkout"))
	checkoutService, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Orders:      backendClient,
		Quotes:      quotes,
		Conversions: conversions,
		Evaluator:   checkout.NewCODEvaluator(threshold, time.Now),
		Catalog:     checkout.NewCatalog(nil),
		Gate:        checkout.NewSubmissionGate(threshold, cfg.Checkout.GateLowValueCI),
		Strategies:  paymentManager,
		Registry:    registry,
		Controller: checkout.ControllerConfig{
			PollInterval:    cfg.Checkout.PollInterval,
			PollTimeout:     cfg.Checkout.PollTimeout,
			CallbackTimeout: cfg.Checkout.CallbackTimeout,
			Clock:           checkout.SystemClock(),
			Logger:          checkoutLogger,
		},
		Events:    publisher,
		Clock:     time.Now,
		Logger:    checkoutLogger,
		Retention: cfg.Checkout.SessionRetention,
	})
	if err != nil {
		logger.Fatal("failed to initialise checkout service", zap.Error(err))
	}

	idempotencyStore, err := newIdempotencyStore(ctx, cfg, firestoreProvider, redisClient)
	if err != nil {
		logger.Fatal("failed to initialise idempotency store", zap.Error(err))
	}
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(idempotency.Logger(observability.NewEventLogger(logger.Named("idempotency")))),
	)

	backgroundCtx, backgroundCancel := context.WithCancel(context.Background())
	var backgroundWG sync.WaitGroup

	if cfg.Idempotency.CleanupInterval > 0 {
		cleanupLogger := logger.Named("idempotency")
		runEvery(backgroundCtx, &backgroundWG, cfg.Idempotency.CleanupInterval, func(ctx context.Context) {
			runCtx, cancel := context.WithTimeout(ctx, time.Minute)
			defer cancel()
			removed, err := idempotencyStore.CleanupExpired(runCtx, time.Now().UTC(), cfg.Idempotency.CleanupBatchSize)
			if err != nil {
				cleanupLogger.Error("idempotency cleanup error", zap.Error(err))
				return
			}
			if removed > 0 {
				cleanupLogger.Info("idempotency cleanup removed records", zap.Int("count", removed))
			}
		})
	}

	if cfg.Checkout.PruneInterval > 0 {
		pruneLogger := logger.Named("checkout")
		runEvery(backgroundCtx, &backgroundWG, cfg.Checkout.PruneInterval, func(ctx context.Context) {
			if pruned := checkoutService.Prune(ctx); pruned > 0 {
				pruneLogger.Info("checkout prune removed sessions", zap.Int("count", pruned))
			}
		})
	}

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier)

	systemService, err := newSystemService(backendClient, firestoreProvider, redisClient, fetcher, buildInfo)
	if err != nil {
		logger.Warn("health: system service init failed", zap.Error(err))
	}

	checkoutHandlers := handlers.NewCheckoutHandlers(authenticator, checkoutService,
		handlers.WithCheckoutIdempotency(idempotencyMiddleware),
		handlers.WithPaymentRateLimit(handlers.NewRateLimiter(cfg.RateLimits.PaymentsPerMinute, cfg.RateLimits.PaymentsBurst, nil).Middleware),
	)

	projectID := traceProjectID(cfg)
	router := handlers.NewRouter(
		handlers.WithRequestTimeout(cfg.Server.WriteTimeout),
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger),
			observability.TraceMiddleware(projectID),
			observability.RecoveryMiddleware(logger),
			observability.RequestLoggerMiddleware(projectID),
		),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(
			handlers.WithHealthBuildInfo(buildInfo),
			handlers.WithHealthSystemService(systemService),
		)),
		handlers.WithCheckoutRoutes(checkoutHandlers.Routes),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("checkout api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	backgroundCancel()
	backgroundWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func runEvery(ctx context.Context, wg *sync.WaitGroup, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func newIdempotencyStore(ctx context.Context, cfg config.Config, provider *pfirestore.Provider, client *redis.Client) (idempotency.Store, error) {
	switch cfg.Idempotency.Backend {
	case config.IdempotencyBackendFirestore:
		if provider == nil {
			return nil, errors.New("firestore provider is not configured")
		}
		fsClient, err := provider.Client(ctx)
		if err != nil {
			return nil, err
		}
		return idempotency.NewFirestoreStore(fsClient)
	case config.IdempotencyBackendRedis:
		if client == nil {
			return nil, errors.New("redis client is not configured")
		}
		return idempotency.NewRedisStore(client)
	default:
		return idempotency.NewMemoryStore(), nil
	}
}

func newEventPublisher(ctx context.Context, logger *zap.Logger, cfg config.Config) (events.Publisher, func(), error) {
	eventLogger := events.Logger(observability.NewEventLogger(logger.Named("events")))
	closers := make([]func(), 0, 2)

	var sink events.Publisher
	switch cfg.Analytics.Sink {
	case config.AnalyticsSinkPubSub:
		projectID := strings.TrimSpace(cfg.Firestore.ProjectID)
		if projectID == "" {
			projectID = strings.TrimSpace(cfg.Firebase.ProjectID)
		}
		client, err := pubsub.NewClient(ctx, projectID)
		if err != nil {
			return nil, nil, fmt.Errorf("pubsub client: %w", err)
		}
		topic := client.Topic(cfg.Analytics.PubSubTopic)
		closers = append(closers, func() {
			topic.Stop()
			if err := client.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		})
		publisher, err := events.NewPubSubPublisher(topic)
		if err != nil {
			return nil, nil, err
		}
		sink = publisher
	case config.AnalyticsSinkNATS:
		conn, err := nats.Connect(cfg.Analytics.NATSURL, nats.Name("checkout-api"))
		if err != nil {
			return nil, nil, fmt.Errorf("nats connect: %w", err)
		}
		closers = append(closers, func() {
			if err := conn.Drain(); err != nil {
				logger.Warn("nats drain error", zap.Error(err))
			}
		})
		publisher, err := events.NewNATSPublisher(conn, cfg.Analytics.NATSSubject)
		if err != nil {
			return nil, nil, err
		}
		sink = publisher
	default:
		sink = events.NewLogPublisher(eventLogger)
	}

	async, err := events.NewAsync(sink,
		events.WithBuffer(cfg.Analytics.Buffer),
		events.WithLogger(eventLogger),
	)
	if err != nil {
		return nil, nil, err
	}
	closeAll := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := async.Close(closeCtx); err != nil {
			logger.Warn("analytics flush error", zap.Error(err))
		}
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	return async, closeAll, nil
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func newSystemService(client *backend.Client, provider *pfirestore.Provider, rdb *redis.Client, fetcher *secrets.Fetcher, build services.BuildInfo) (services.SystemService, error) {
	checks := make([]repositories.DependencyCheck, 0, 4)
	if client != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:     "backend",
			Timeout:  2 * time.Second,
			Critical: true,
			Check: func(ctx context.Context) error {
				_, err := client.ForwarderAddresses(ctx, domain.TransportSea)
				return err
			},
		})
	}
	if provider != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "firestore",
			Timeout: 1500 * time.Millisecond,
			Check:   provider.Ping,
		})
	}
	if rdb != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "redis",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				return rdb.Ping(ctx).Err()
			},
		})
	}
	if fetcher != nil {
		const secretHealthReference = "secret://system/healthz?version=latest"
		checks = append(checks, repositories.DependencyCheck{
			Name:    "secretManager",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				_, err := fetcher.Resolve(ctx, secretHealthReference)
				if err == nil {
					return nil
				}
				if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
					return nil
				}
				return err
			},
		})
	}
	if len(checks) == 0 {
		return nil, errors.New("health: no dependency checks configured")
	}
	repo, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		return nil, err
	}
	return services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: repo,
		Clock:            time.Now,
		Build:            build,
		CacheTTL:         healthCacheTTL,
	})
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		if env == nil {
			return ""
		}
		return strings.TrimSpace(env[key])
	}

	envLabel := strings.ToLower(lookup("API_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if projectMap := parseKeyValueList(lookup("API_SECRET_PROJECT_IDS"), strings.ToLower); len(projectMap) > 0 {
		opts = append(opts, secrets.WithProjectMap(projectMap))
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if pins := secretVersionPins(lookup("API_SECRET_VERSION_PINS")); len(pins) > 0 {
		opts = append(opts, secrets.WithVersionPins(pins))
	}
	if credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists the config fields that must resolve when they hold a secret reference.
func requiredSecretNames(env map[string]string) []string {
	required := []string{"Backend.Token"}
	if env != nil && strings.TrimSpace(env["API_PSP_STRIPE_API_KEY"]) != "" {
		required = append(required, "PSP.StripeAPIKey")
	}
	if env != nil && strings.TrimSpace(env["API_REDIS_PASSWORD"]) != "" {
		required = append(required, "Redis.Password")
	}
	return uniqueStrings(required)
}

func secretVersionPins(raw string) map[string]string {
	pins := make(map[string]string)
	for ref, version := range parseKeyValueList(raw, nil) {
		var prefix string
		if idx := strings.Index(ref, ":"); idx > 0 {
			schemeSplit := strings.Index(ref, "://")
			if schemeSplit == -1 || idx < schemeSplit {
				prefix = strings.ToLower(strings.TrimSpace(ref[:idx])) + ":"
				ref = strings.TrimSpace(ref[idx+1:])
			}
		}
		if strings.HasPrefix(ref, "sm://") {
			ref = "secret://" + strings.TrimPrefix(ref, "sm://")
		} else if !strings.HasPrefix(ref, "secret://") {
			ref = "secret://" + ref
		}
		pins[prefix+ref] = version
	}
	return pins
}

func parseKeyValueList(raw string, normalizeKey func(string) string) map[string]string {
	result := make(map[string]string)
	if strings.TrimSpace(raw) == "" {
		return result
	}
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(entry), "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" || value == "" {
			continue
		}
		if normalizeKey != nil {
			key = normalizeKey(key)
		}
		result[key] = value
	}
	return result
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}
