package config

import (
	"strings"
	"testing"
	"time"
)

func envFrom(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(envFrom(nil))
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.RefreshCoordination != CoordinationUncoordinated {
		t.Fatalf("expected uncoordinated refresh by default, got %q", cfg.RefreshCoordination)
	}
	if cfg.SignInPath != "/sign-in" || cfg.TeamsPath != "/teams" || cfg.TeamPrefix != "/teams" || cfg.APIPrefix != "/api" {
		t.Fatalf("unexpected path defaults: %+v", cfg)
	}
	if len(cfg.ProtectedPrefixes) != 3 || cfg.ProtectedPrefixes[1] != "/settings" {
		t.Fatalf("unexpected protected prefixes: %v", cfg.ProtectedPrefixes)
	}
	if cfg.BackendTimeout != 10*time.Second {
		t.Fatalf("unexpected backend timeout %v", cfg.BackendTimeout)
	}
	if cfg.IsProduction() {
		t.Fatal("expected development environment by default")
	}
}

func TestLoadOverridesAndLists(t *testing.T) {
	cfg, err := load(envFrom(map[string]string{
		"APP_ENV":                  "Production",
		"PUBLIC_PREFIXES":          " /share , ,/status ",
		"SIGN_IN_CALLBACK_PARAMS":  "method,provider",
		"REFRESH_COORDINATION":     "SingleFlight",
		"REFRESH_GRACE_WINDOW":     "3s",
		"ROTATION_STORE":           "redis",
		"REDIS_ADDR":               "localhost:6379",
		"TOKEN_FINGERPRINT_SECRET": "s3cret",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.IsProduction() {
		t.Fatal("expected production environment")
	}
	if strings.Join(cfg.PublicPrefixes, "|") != "/share|/status" {
		t.Fatalf("unexpected public prefixes: %v", cfg.PublicPrefixes)
	}
	if strings.Join(cfg.SignInCallbackParams, "|") != "method|provider" {
		t.Fatalf("unexpected callback params: %v", cfg.SignInCallbackParams)
	}
	if cfg.RefreshCoordination != CoordinationSingleFlight || cfg.RefreshGraceWindow != 3*time.Second {
		t.Fatalf("unexpected coordination settings: %q %v", cfg.RefreshCoordination, cfg.RefreshGraceWindow)
	}
}

func TestLoadReportsParseErrors(t *testing.T) {
	_, err := load(envFrom(map[string]string{
		"BACKEND_TIMEOUT": "soon",
		"REDIS_DB":        "zero",
	}))
	if err == nil {
		t.Fatal("expected parse error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "parse BACKEND_TIMEOUT") || !strings.Contains(msg, "parse REDIS_DB") {
		t.Fatalf("expected both parse errors, got %v", err)
	}
	if got := classifyConfigLoadError(err); got != "parse" {
		t.Fatalf("expected parse classification, got %q", got)
	}
}

func TestValidateRejectsInconsistentSettings(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{name: "relative backend", env: map[string]string{"BACKEND_URL": "localhost:8090"}, want: "BACKEND_URL must be an absolute URL"},
		{name: "root sign-in path", env: map[string]string{"SIGN_IN_PATH": "/"}, want: "SIGN_IN_PATH must be an absolute, non-root path"},
		{name: "unknown coordination", env: map[string]string{"REFRESH_COORDINATION": "mutex"}, want: "REFRESH_COORDINATION must be"},
		{name: "redis without addr", env: map[string]string{"ROTATION_STORE": "redis", "TOKEN_FINGERPRINT_SECRET": "s"}, want: "REDIS_ADDR is required"},
		{name: "redis without secret", env: map[string]string{"ROTATION_STORE": "redis", "REDIS_ADDR": "localhost:6379"}, want: "TOKEN_FINGERPRINT_SECRET is required"},
		{name: "idp without client", env: map[string]string{"IDP_ISSUER_URL": "https://idp.example.com"}, want: "IDP_CLIENT_ID is required"},
		{name: "singleflight without grace", env: map[string]string{"REFRESH_COORDINATION": "singleflight", "REFRESH_GRACE_WINDOW": "0s"}, want: "REFRESH_GRACE_WINDOW must be positive"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := load(envFrom(tc.env))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q in %v", tc.want, err)
			}
			if got := classifyConfigLoadError(err); got != "validation" {
				t.Fatalf("expected validation classification, got %q", got)
			}
		})
	}
}

func TestValidateDevBackend(t *testing.T) {
	cfg, err := load(envFrom(nil))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	err = cfg.ValidateDevBackend()
	if err == nil || !strings.Contains(err.Error(), "DEVBACKEND_JWT_SECRET") || !strings.Contains(err.Error(), "DEVBACKEND_IDP_SECRET") {
		t.Fatalf("expected missing secrets to be reported, got %v", err)
	}

	cfg.DevBackendJWTSecret = strings.Repeat("k", 32)
	cfg.DevBackendIDPSecret = "idp-secret"
	if err := cfg.ValidateDevBackend(); err != nil {
		t.Fatalf("expected valid dev backend config, got %v", err)
	}

	cfg.DevBackendRefreshTTL = cfg.DevBackendAccessTTL
	if err := cfg.ValidateDevBackend(); err == nil || !strings.Contains(err.Error(), "DEVBACKEND_REFRESH_TTL") {
		t.Fatalf("expected refresh ttl error, got %v", err)
	}
}
