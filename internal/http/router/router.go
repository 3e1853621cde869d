package router

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/sandeepkv93/session-auth-gateway/internal/gateway"
	"github.com/sandeepkv93/session-auth-gateway/internal/health"
	"github.com/sandeepkv93/session-auth-gateway/internal/http/middleware"
	"github.com/sandeepkv93/session-auth-gateway/internal/http/response"
)

type Dependencies struct {
	Gateway             *gateway.Gateway
	Handlers            *gateway.Handlers
	Upstream            http.Handler
	Readiness           *health.ProbeRunner
	Logger              *slog.Logger
	SessionRateLimitRPM int
	// SessionLimiter overrides the per-process limiter built from
	// SessionRateLimitRPM.
	SessionLimiter      *middleware.RateLimiter
	EnableOTelHTTP      bool
}

func NewRouter(dep Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.StructuredRequestLogger(dep.Logger))

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		if dep.Readiness == nil {
			response.JSON(w, r, http.StatusOK, map[string]any{"status": "ready", "checks": []any{}})
			return
		}
		ready, results := dep.Readiness.Ready(r.Context())
		if ready {
			response.JSON(w, r, http.StatusOK, map[string]any{"status": "ready", "checks": results})
			return
		}
		response.Error(w, r, http.StatusServiceUnavailable, "DEPENDENCY_UNREADY", "dependencies are not ready", map[string]any{"checks": results})
	})

	opts := dep.Gateway.Options()
	sessionLimiter := dep.SessionLimiter
	if sessionLimiter == nil {
		sessionLimiter = middleware.NewRateLimiter(dep.SessionRateLimitRPM, time.Minute, "session")
	}
	r.Group(func(r chi.Router) {
		r.Use(sessionLimiter.Middleware())
		r.Use(middleware.BodyLimit(64 << 10))
		r.Post(opts.SignInPath+"/complete", dep.Handlers.SignInComplete)
		r.Post("/sign-out", dep.Handlers.SignOut)
		r.Post("/sign-out/everywhere", dep.Handlers.SignOutEverywhere)
	})

	r.With(dep.Gateway.Middleware).Handle("/*", dep.Upstream)

	var h http.Handler = r
	if dep.EnableOTelHTTP {
		h = otelhttp.NewHandler(r, "http.server")
	}
	return h
}
