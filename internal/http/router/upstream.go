package router

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/sandeepkv93/session-auth-gateway/internal/http/response"
)

// NewUpstreamProxy forwards requests the gateway let through to the web
// frontend. The forwarded request already carries the team-slug header and
// any repaired session cookies.
func NewUpstreamProxy(target *url.URL, transport http.RoundTripper, logger *slog.Logger) http.Handler {
	if transport == nil {
		transport = http.DefaultTransport
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			pr.Out.Host = pr.In.Host
		},
		Transport: otelhttp.NewTransport(transport),
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.ErrorContext(r.Context(), "upstream request failed", "path", r.URL.Path, "error", err)
			response.Error(w, r, http.StatusBadGateway, "UPSTREAM_UNAVAILABLE", "upstream unavailable", nil)
		},
	}
}
