package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	CoordinationUncoordinated = "uncoordinated"
	CoordinationSingleFlight  = "singleflight"

	RotationStoreNone   = "none"
	RotationStoreMemory = "memory"
	RotationStoreRedis  = "redis"
)

type Config struct {
	Env      string
	HTTPAddr string
	LogLevel string

	UpstreamURL    string
	BackendURL     string
	BackendTimeout time.Duration

	TeamPrefix           string
	APIPrefix            string
	SignInPath           string
	TeamsPath            string
	ProtectedPrefixes    []string
	PublicPrefixes       []string
	SignInCallbackParams []string
	TeamSlugHeader       string

	RefreshCoordination    string
	RefreshGraceWindow     time.Duration
	RotationStore          string
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	TokenFingerprintSecret string

	IDPIssuerURL string
	IDPClientID  string

	SessionRateLimitRPM int

	ShutdownTimeout              time.Duration
	ShutdownHTTPDrainTimeout     time.Duration
	ShutdownObservabilityTimeout time.Duration

	OTELServiceName           string
	OTELEnvironment           string
	OTELExporterOTLPEndpoint  string
	OTELExporterOTLPInsecure  bool
	OTELMetricsEnabled        bool
	OTELTracingEnabled        bool
	OTELLogsEnabled           bool
	OTELMetricsExportInterval time.Duration
	OTELTraceSampleRatio      float64

	DevBackendAddr          string
	DevBackendDSN           string
	DevBackendJWTSecret     string
	DevBackendIDPSecret     string
	DevBackendAccessTTL     time.Duration
	DevBackendRefreshTTL    time.Duration
	DevBackendSeedUser      string
	DevBackendSeedTeams     []string
	DevBackendTokenIssuer   string
	DevBackendTokenAudience string
}

// IsProduction reports whether session cookies must carry the Secure flag.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Env))
	return env == "production" || env == "prod"
}

// Load reads the process environment. Parse failures and validation failures
// are collected and returned together.
func Load() (*Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (*Config, error) {
	p := envParser{getenv: getenv}
	cfg := &Config{
		Env:      p.str("APP_ENV", "development"),
		HTTPAddr: p.str("HTTP_ADDR", ":8080"),
		LogLevel: p.str("LOG_LEVEL", "info"),

		UpstreamURL:    p.str("UPSTREAM_URL", "http://localhost:3000"),
		BackendURL:     p.str("BACKEND_URL", "http://localhost:8090"),
		BackendTimeout: p.duration("BACKEND_TIMEOUT", 10*time.Second),

		TeamPrefix:           p.str("TEAM_PREFIX", "/teams"),
		APIPrefix:            p.str("API_PREFIX", "/api"),
		SignInPath:           p.str("SIGN_IN_PATH", "/sign-in"),
		TeamsPath:            p.str("TEAMS_PATH", "/teams"),
		ProtectedPrefixes:    p.list("PROTECTED_PREFIXES", []string{"/teams", "/settings", "/admin"}),
		PublicPrefixes:       p.list("PUBLIC_PREFIXES", []string{"/share", "/error"}),
		SignInCallbackParams: p.list("SIGN_IN_CALLBACK_PARAMS", []string{"method"}),
		TeamSlugHeader:       p.str("TEAM_SLUG_HEADER", "X-Team-Slug"),

		RefreshCoordination:    strings.ToLower(p.str("REFRESH_COORDINATION", CoordinationUncoordinated)),
		RefreshGraceWindow:     p.duration("REFRESH_GRACE_WINDOW", 10*time.Second),
		RotationStore:          strings.ToLower(p.str("ROTATION_STORE", RotationStoreMemory)),
		RedisAddr:              p.str("REDIS_ADDR", ""),
		RedisPassword:          p.str("REDIS_PASSWORD", ""),
		RedisDB:                p.integer("REDIS_DB", 0),
		TokenFingerprintSecret: p.str("TOKEN_FINGERPRINT_SECRET", ""),

		IDPIssuerURL: p.str("IDP_ISSUER_URL", ""),
		IDPClientID:  p.str("IDP_CLIENT_ID", ""),

		SessionRateLimitRPM: p.integer("SESSION_RATE_LIMIT_RPM", 30),

		ShutdownTimeout:              p.duration("SHUTDOWN_TIMEOUT", 20*time.Second),
		ShutdownHTTPDrainTimeout:     p.duration("SHUTDOWN_HTTP_DRAIN_TIMEOUT", 10*time.Second),
		ShutdownObservabilityTimeout: p.duration("SHUTDOWN_OBSERVABILITY_TIMEOUT", 5*time.Second),

		OTELServiceName:           p.str("OTEL_SERVICE_NAME", "session-auth-gateway"),
		OTELEnvironment:           p.str("OTEL_ENVIRONMENT", "local"),
		OTELExporterOTLPEndpoint:  p.str("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTELExporterOTLPInsecure:  p.boolean("OTEL_EXPORTER_OTLP_INSECURE", true),
		OTELMetricsEnabled:        p.boolean("OTEL_METRICS_ENABLED", false),
		OTELTracingEnabled:        p.boolean("OTEL_TRACING_ENABLED", false),
		OTELLogsEnabled:           p.boolean("OTEL_LOGS_ENABLED", false),
		OTELMetricsExportInterval: p.duration("OTEL_METRICS_EXPORT_INTERVAL", 10*time.Second),
		OTELTraceSampleRatio:      p.float("OTEL_TRACE_SAMPLE_RATIO", 1.0),

		DevBackendAddr:          p.str("DEVBACKEND_ADDR", ":8090"),
		DevBackendDSN:           p.str("DEVBACKEND_DSN", "file:devbackend.db?_busy_timeout=5000"),
		DevBackendJWTSecret:     p.str("DEVBACKEND_JWT_SECRET", ""),
		DevBackendIDPSecret:     p.str("DEVBACKEND_IDP_SECRET", ""),
		DevBackendAccessTTL:     p.duration("DEVBACKEND_ACCESS_TTL", 5*time.Minute),
		DevBackendRefreshTTL:    p.duration("DEVBACKEND_REFRESH_TTL", 7*24*time.Hour),
		DevBackendSeedUser:      p.str("DEVBACKEND_SEED_USER", ""),
		DevBackendSeedTeams:     p.list("DEVBACKEND_SEED_TEAMS", nil),
		DevBackendTokenIssuer:   p.str("DEVBACKEND_TOKEN_ISSUER", "devbackend"),
		DevBackendTokenAudience: p.str("DEVBACKEND_TOKEN_AUDIENCE", "session-auth-gateway"),
	}

	err := p.err()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		recordConfigValidationEvent(context.Background(), cfg.Env, cfg.RefreshCoordination, "failure", classifyConfigLoadError(err))
		return nil, err
	}
	recordConfigValidationEvent(context.Background(), cfg.Env, cfg.RefreshCoordination, "success", "none")
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	for key, raw := range map[string]string{"UPSTREAM_URL": c.UpstreamURL, "BACKEND_URL": c.BackendURL} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("validate config: %s must be an absolute URL", key))
		}
	}
	if c.BackendTimeout <= 0 {
		errs = append(errs, errors.New("validate config: BACKEND_TIMEOUT must be positive"))
	}
	for key, p := range map[string]string{
		"TEAM_PREFIX":  c.TeamPrefix,
		"API_PREFIX":   c.APIPrefix,
		"SIGN_IN_PATH": c.SignInPath,
		"TEAMS_PATH":   c.TeamsPath,
	} {
		if !strings.HasPrefix(p, "/") || p == "/" {
			errs = append(errs, fmt.Errorf("validate config: %s must be an absolute, non-root path", key))
		}
	}
	if strings.TrimSpace(c.TeamSlugHeader) == "" {
		errs = append(errs, errors.New("validate config: TEAM_SLUG_HEADER is required"))
	}
	switch c.RefreshCoordination {
	case CoordinationUncoordinated, CoordinationSingleFlight:
	default:
		errs = append(errs, fmt.Errorf("validate config: REFRESH_COORDINATION must be %q or %q", CoordinationUncoordinated, CoordinationSingleFlight))
	}
	switch c.RotationStore {
	case RotationStoreNone, RotationStoreMemory:
	case RotationStoreRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("validate config: REDIS_ADDR is required when ROTATION_STORE=redis"))
		}
		if c.TokenFingerprintSecret == "" {
			errs = append(errs, errors.New("validate config: TOKEN_FINGERPRINT_SECRET is required when ROTATION_STORE=redis"))
		}
	default:
		errs = append(errs, errors.New("validate config: ROTATION_STORE must be none, memory or redis"))
	}
	if c.RefreshCoordination == CoordinationSingleFlight && c.RefreshGraceWindow <= 0 {
		errs = append(errs, errors.New("validate config: REFRESH_GRACE_WINDOW must be positive with singleflight coordination"))
	}
	if c.IDPIssuerURL != "" && c.IDPClientID == "" {
		errs = append(errs, errors.New("validate config: IDP_CLIENT_ID is required when IDP_ISSUER_URL is set"))
	}
	if c.SessionRateLimitRPM <= 0 {
		errs = append(errs, errors.New("validate config: SESSION_RATE_LIMIT_RPM must be positive"))
	}
	if c.OTELTraceSampleRatio < 0 || c.OTELTraceSampleRatio > 1 {
		errs = append(errs, errors.New("validate config: OTEL_TRACE_SAMPLE_RATIO must be within [0,1]"))
	}
	return errors.Join(errs...)
}

// ValidateDevBackend checks the settings only the reference backend reads.
// It is kept out of Validate so the gateway can start without them.
func (c *Config) ValidateDevBackend() error {
	var errs []error
	if len(c.DevBackendJWTSecret) < 32 {
		errs = append(errs, errors.New("validate config: DEVBACKEND_JWT_SECRET must be at least 32 bytes"))
	}
	if c.DevBackendIDPSecret == "" {
		errs = append(errs, errors.New("validate config: DEVBACKEND_IDP_SECRET is required"))
	}
	if c.DevBackendAccessTTL <= 0 {
		errs = append(errs, errors.New("validate config: DEVBACKEND_ACCESS_TTL must be positive"))
	}
	if c.DevBackendRefreshTTL <= c.DevBackendAccessTTL {
		errs = append(errs, errors.New("validate config: DEVBACKEND_REFRESH_TTL must exceed DEVBACKEND_ACCESS_TTL"))
	}
	if strings.TrimSpace(c.DevBackendDSN) == "" {
		errs = append(errs, errors.New("validate config: DEVBACKEND_DSN is required"))
	}
	return errors.Join(errs...)
}

type envParser struct {
	getenv func(string) string
	errs   []error
}

func (p *envParser) err() error { return errors.Join(p.errs...) }

func (p *envParser) str(key, def string) string {
	if v := strings.TrimSpace(p.getenv(key)); v != "" {
		return v
	}
	return def
}

func (p *envParser) list(key string, def []string) []string {
	raw := strings.TrimSpace(p.getenv(key))
	if raw == "" {
		return def
	}
	out := make([]string, 0, 4)
	for _, part := range strings.Split(raw, ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func (p *envParser) duration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(p.getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("parse %s: %w", key, err))
		return def
	}
	return d
}

func (p *envParser) integer(key string, def int) int {
	raw := strings.TrimSpace(p.getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("parse %s: %w", key, err))
		return def
	}
	return v
}

func (p *envParser) float(key string, def float64) float64 {
	raw := strings.TrimSpace(p.getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("parse %s: %w", key, err))
		return def
	}
	return v
}

func (p *envParser) boolean(key string, def bool) bool {
	raw := strings.TrimSpace(p.getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("parse %s: %w", key, err))
		return def
	}
	return v
}
