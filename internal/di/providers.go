package di

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/sandeepkv93/session-auth-gateway/internal/app"
	"github.com/sandeepkv93/session-auth-gateway/internal/config"
	"github.com/sandeepkv93/session-auth-gateway/internal/devbackend"
	"github.com/sandeepkv93/session-auth-gateway/internal/gateway"
	"github.com/sandeepkv93/session-auth-gateway/internal/health"
	"github.com/sandeepkv93/session-auth-gateway/internal/http/middleware"
	"github.com/sandeepkv93/session-auth-gateway/internal/http/router"
	"github.com/sandeepkv93/session-auth-gateway/internal/observability"
	"github.com/sandeepkv93/session-auth-gateway/internal/security"
	"github.com/sandeepkv93/session-auth-gateway/internal/tokenclient"
)

// Telemetry pairs the process logger with the OTel providers it may feed.
type Telemetry struct {
	Logger  *slog.Logger
	Runtime *observability.Runtime
}

func provideConfig() (*config.Config, error) {
	return config.Load()
}

// provideTelemetry's cleanup flushes the OTel providers when a later provider
// fails. After a normal run the app has already shut them down and the
// cleanup is a no-op.
func provideTelemetry(ctx context.Context, cfg *config.Config) (*Telemetry, func(), error) {
	logger, lp, err := observability.NewLogger(ctx, cfg, os.Stdout)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	rt, err := observability.InitRuntime(ctx, cfg, logger, lp)
	if err != nil {
		if lp != nil {
			_ = lp.Shutdown(context.Background())
		}
		return nil, nil, err
	}
	cleanup := func() {
		timeout := cfg.ShutdownObservabilityTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := rt.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}
	return &Telemetry{Logger: logger, Runtime: rt}, cleanup, nil
}

func provideLogger(t *Telemetry) *slog.Logger { return t.Logger }

func provideRuntime(t *Telemetry) *observability.Runtime { return t.Runtime }

func provideTokenClient(cfg *config.Config) (*tokenclient.Client, error) {
	return tokenclient.New(tokenclient.Options{
		BaseURL:        cfg.BackendURL,
		Timeout:        cfg.BackendTimeout,
		TeamSlugHeader: cfg.TeamSlugHeader,
	})
}

// provideRedisClient returns nil unless the rotation store lives in Redis.
func provideRedisClient(cfg *config.Config) (redis.UniversalClient, func(), error) {
	if cfg.RotationStore != config.RotationStoreRedis {
		return nil, func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return client, func() { _ = client.Close() }, nil
}

func provideRotationStore(cfg *config.Config, client redis.UniversalClient) (gateway.RotationStore, error) {
	switch cfg.RotationStore {
	case config.RotationStoreNone:
		return gateway.NewNoopRotationStore(), nil
	case config.RotationStoreMemory:
		return gateway.NewInMemoryRotationStore(), nil
	case config.RotationStoreRedis:
		if client == nil {
			return nil, fmt.Errorf("rotation store: redis client not configured")
		}
		return gateway.NewRedisRotationStore(client, security.NewSealer(cfg.TokenFingerprintSecret), ""), nil
	default:
		return nil, fmt.Errorf("rotation store: unknown backend %q", cfg.RotationStore)
	}
}

func provideCoordinator(cfg *config.Config, tokens gateway.Refresher, store gateway.RotationStore, logger *slog.Logger) *gateway.Coordinator {
	if cfg.RefreshCoordination == config.CoordinationSingleFlight {
		logger.Warn("refresh coordination enabled: concurrent refreshes share one backend call; this changes behavior versus uncoordinated mode",
			"mode", cfg.RefreshCoordination,
			"rotation_store", store.Backend(),
			"grace_window", cfg.RefreshGraceWindow.String(),
		)
	}
	return gateway.NewCoordinator(tokens, gateway.CoordinatorOptions{
		Mode:              cfg.RefreshCoordination,
		Store:             store,
		GraceWindow:       cfg.RefreshGraceWindow,
		FingerprintSecret: cfg.TokenFingerprintSecret,
		Logger:            logger,
	})
}

func provideGateway(cfg *config.Config, tokens gateway.TokenService, refresher gateway.RefreshAttempter, logger *slog.Logger) *gateway.Gateway {
	return gateway.New(gateway.OptionsFromConfig(cfg), tokens, refresher, logger)
}

// provideIDTokenVerifier returns a nil verifier when no issuer is
// configured; sign-in completion then relies on the backend alone.
func provideIDTokenVerifier(ctx context.Context, cfg *config.Config) (gateway.IDTokenVerifier, error) {
	if cfg.IDPIssuerURL == "" {
		return nil, nil
	}
	provider, err := oidc.NewProvider(ctx, cfg.IDPIssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}
	return provider.Verifier(&oidc.Config{ClientID: cfg.IDPClientID}), nil
}

func provideHandlers(gw *gateway.Gateway, issuer gateway.SessionIssuer, verifier gateway.IDTokenVerifier, logger *slog.Logger) *gateway.Handlers {
	return gateway.NewHandlers(gw, issuer, verifier, logger)
}

func provideReadiness(cfg *config.Config, client redis.UniversalClient) *health.ProbeRunner {
	checks := []health.Checker{
		health.NewDialChecker("backend", cfg.BackendURL),
		health.NewDialChecker("upstream", cfg.UpstreamURL),
	}
	if client != nil {
		checks = append(checks, health.NewRedisChecker(client))
	}
	return health.NewProbeRunner(2*time.Second, checks...)
}

// provideSessionRateLimiter shares session endpoint limits across instances
// when a Redis client exists. It fails open so an outage never blocks
// sign-out.
func provideSessionRateLimiter(cfg *config.Config, client redis.UniversalClient) *middleware.RateLimiter {
	if client == nil {
		return middleware.NewRateLimiter(cfg.SessionRateLimitRPM, time.Minute, "session")
	}
	limiter := middleware.NewRedisFixedWindowLimiter(client, "session_rl", cfg.SessionRateLimitRPM, time.Minute)
	return middleware.NewDistributedRateLimiter(limiter, cfg.SessionRateLimitRPM, time.Minute, middleware.FailOpen, "session")
}

func provideRouter(cfg *config.Config, gw *gateway.Gateway, handlers *gateway.Handlers, readiness *health.ProbeRunner, limiter *middleware.RateLimiter, logger *slog.Logger) (http.Handler, error) {
	target, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	return router.NewRouter(router.Dependencies{
		Gateway:             gw,
		Handlers:            handlers,
		Upstream:            router.NewUpstreamProxy(target, nil, logger),
		Readiness:           readiness,
		Logger:              logger,
		SessionRateLimitRPM: cfg.SessionRateLimitRPM,
		SessionLimiter:      limiter,
		EnableOTelHTTP:      cfg.OTELTracingEnabled || cfg.OTELMetricsEnabled,
	}), nil
}

func provideServer(cfg *config.Config, handler http.Handler) *http.Server {
	return newServer(cfg.HTTPAddr, handler)
}

func newServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func provideApp(cfg *config.Config, logger *slog.Logger, server *http.Server, runtime *observability.Runtime, readiness *health.ProbeRunner) *app.App {
	return app.New(cfg, logger, server, runtime, readiness, nil)
}

func provideDevBackendService(ctx context.Context, cfg *config.Config) (*devbackend.Service, func(), error) {
	if err := cfg.ValidateDevBackend(); err != nil {
		return nil, nil, err
	}
	svc, closeDB, err := devbackend.Open(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return svc, func() { _ = closeDB() }, nil
}

// provideDevBackendApp serves the reference backend and sweeps expired
// sessions in the background until the app shuts down.
func provideDevBackendApp(cfg *config.Config, logger *slog.Logger, runtime *observability.Runtime, svc *devbackend.Service) *app.App {
	var handler http.Handler = devbackend.NewRouter(svc, cfg.TeamSlugHeader, logger)
	if cfg.OTELTracingEnabled || cfg.OTELMetricsEnabled {
		handler = otelhttp.NewHandler(handler, "devbackend")
	}
	sweepCtx, stop := context.WithCancel(context.Background())
	go svc.SweepExpired(sweepCtx, time.Minute, logger)
	return app.New(cfg, logger, newServer(cfg.DevBackendAddr, handler), runtime, nil, stop)
}
