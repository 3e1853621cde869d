// Package gateway decides, for every inbound request, whether the caller's
// session passes, can be silently repaired through a refresh, or must go back
// through sign-in.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/sandeepkv93/session-auth-gateway/internal/config"
	"github.com/sandeepkv93/session-auth-gateway/internal/cookiestore"
	"github.com/sandeepkv93/session-auth-gateway/internal/domain"
	"github.com/sandeepkv93/session-auth-gateway/internal/observability"
)

// TokenService is the backend surface used while evaluating requests.
type TokenService interface {
	Refresher
	Validate(ctx context.Context, accessToken, teamSlug string) (string, error)
	Revoke(ctx context.Context, refreshToken string) (bool, error)
}

// RefreshAttempter is satisfied by *Coordinator.
type RefreshAttempter interface {
	AttemptRefresh(ctx context.Context, jar cookiestore.Jar, muts *cookiestore.Mutations) RefreshOutcome
}

type RouteKind int

const (
	RouteUnscoped RouteKind = iota
	RouteExempt
	RouteProtected
	RouteSignIn
)

func (k RouteKind) String() string {
	switch k {
	case RouteExempt:
		return "exempt"
	case RouteProtected:
		return "protected"
	case RouteSignIn:
		return "sign_in"
	default:
		return "unscoped"
	}
}

type Options struct {
	TeamPrefix           string
	APIPrefix            string
	SignInPath           string
	TeamsPath            string
	ProtectedPrefixes    []string
	PublicPrefixes       []string
	SignInCallbackParams []string
	TeamSlugHeader       string
	SecureCookies        bool
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		TeamPrefix:           cfg.TeamPrefix,
		APIPrefix:            cfg.APIPrefix,
		SignInPath:           cfg.SignInPath,
		TeamsPath:            cfg.TeamsPath,
		ProtectedPrefixes:    cfg.ProtectedPrefixes,
		PublicPrefixes:       cfg.PublicPrefixes,
		SignInCallbackParams: cfg.SignInCallbackParams,
		TeamSlugHeader:       cfg.TeamSlugHeader,
		SecureCookies:        cfg.IsProduction(),
	}
}

func (o Options) withDefaults() Options {
	if o.TeamPrefix == "" {
		o.TeamPrefix = "/teams"
	}
	if o.APIPrefix == "" {
		o.APIPrefix = "/api"
	}
	if o.SignInPath == "" {
		o.SignInPath = "/sign-in"
	}
	if o.TeamsPath == "" {
		o.TeamsPath = "/teams"
	}
	if o.ProtectedPrefixes == nil {
		o.ProtectedPrefixes = []string{"/teams", "/settings", "/admin"}
	}
	if o.SignInCallbackParams == nil {
		o.SignInCallbackParams = []string{"method"}
	}
	if o.TeamSlugHeader == "" {
		o.TeamSlugHeader = "X-Team-Slug"
	}
	o.TeamPrefix = trimPrefix(o.TeamPrefix)
	o.APIPrefix = trimPrefix(o.APIPrefix)
	o.SignInPath = trimPrefix(o.SignInPath)
	return o
}

// Decision is the outcome of one evaluation. State is always PASS or
// REDIRECT; Mutations holds every cookie change for the response.
type Decision struct {
	Route     RouteKind
	State     State
	Target    string
	Reason    string
	TeamSlug  string
	UserID    string
	Cause     error
	Mutations *cookiestore.Mutations
	Trace     []State
}

func (d Decision) ForcedLogout() bool {
	return slices.Contains(d.Trace, StateForcedLogout)
}

// TraceString renders the visited states, e.g. VALIDATING>REFRESHING>PASS.
func (d Decision) TraceString() string { return formatTrace(d.Trace) }

type Gateway struct {
	opts      Options
	tokens    TokenService
	refresher RefreshAttempter
	logger    *slog.Logger
	protected flow
	signIn    flow
}

func New(opts Options, tokens TokenService, refresher RefreshAttempter, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		opts:      opts.withDefaults(),
		tokens:    tokens,
		refresher: refresher,
		logger:    logger.With("component", "gateway"),
	}
	g.protected = g.protectedFlow()
	g.signIn = g.signInFlow()
	return g
}

func (g *Gateway) Options() Options { return g.opts }

// Evaluate runs the state machine for r. It performs backend calls but never
// touches r or any response; the caller applies the Decision.
func (g *Gateway) Evaluate(r *http.Request) Decision {
	route, reason := g.classify(r)
	ctx, span := observability.StartSpan(r.Context(), "gateway.evaluate",
		attribute.String("gateway.route", route.String()),
	)
	defer span.End()

	ev := &evaluation{
		route: route,
		jar:   cookiestore.Read(r),
		slug:  g.teamSlug(r.URL),
		muts:  cookiestore.NewMutations(cookiestore.Policy{Secure: g.opts.SecureCookies}),
	}
	switch route {
	case RouteProtected:
		g.run(ctx, ev, g.protected)
	case RouteSignIn:
		g.run(ctx, ev, g.signIn)
	default:
		ev.state = ev.pass(reason)
		ev.trace = []State{StatePass}
	}

	d := ev.decision()
	span.SetAttributes(
		attribute.String("gateway.state", d.State.String()),
		attribute.String("gateway.reason", d.Reason),
	)
	observability.RecordGatewayDecision(ctx, route.String(), d.State.String(), d.Reason)
	if route == RouteProtected || route == RouteSignIn {
		g.logger.DebugContext(ctx, "gateway decision",
			"path", r.URL.Path,
			"route", route.String(),
			"trace", formatTrace(d.Trace),
			"reason", d.Reason,
			"target", d.Target,
		)
	}
	if d.ForcedLogout() {
		observability.Audit(r, "gateway.forced_logout", "reason", d.Reason)
	}
	return d
}

// classify returns the route kind and, for routes that bypass the state
// machine, the reason they do.
func (g *Gateway) classify(r *http.Request) (RouteKind, string) {
	p := r.URL.Path
	switch {
	case strings.Contains(p, "."):
		return RouteExempt, "static_asset"
	case underPrefix(p, g.opts.APIPrefix):
		return RouteExempt, "api"
	case trimPrefix(p) == g.opts.SignInPath:
		if g.hasCallbackMarker(r.URL.Query()) {
			return RouteExempt, "sign_in_callback"
		}
		return RouteSignIn, ""
	}
	for _, prefix := range g.opts.PublicPrefixes {
		if underPrefix(p, prefix) {
			return RouteExempt, "public"
		}
	}
	for _, prefix := range g.opts.ProtectedPrefixes {
		if underPrefix(p, prefix) {
			return RouteProtected, ""
		}
	}
	return RouteUnscoped, "out_of_scope"
}

func (g *Gateway) hasCallbackMarker(q url.Values) bool {
	for _, name := range g.opts.SignInCallbackParams {
		if q.Has(name) {
			return true
		}
	}
	return false
}

// teamSlug returns the raw path segment that follows the team prefix.
func (g *Gateway) teamSlug(u *url.URL) string {
	p := u.EscapedPath()
	rest, ok := strings.CutPrefix(p, g.opts.TeamPrefix+"/")
	if !ok {
		return ""
	}
	slug, _, _ := strings.Cut(rest, "/")
	return slug
}

func underPrefix(p, prefix string) bool {
	prefix = trimPrefix(prefix)
	if prefix == "" || prefix == "/" {
		return false
	}
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

func trimPrefix(p string) string {
	if len(p) > 1 {
		return strings.TrimRight(p, "/")
	}
	return p
}

// errorCode is used in logs for failures that may or may not be structured.
func errorCode(err error) string {
	if code, ok := domain.CodeOf(err); ok {
		return string(code)
	}
	if err != nil {
		return "unstructured"
	}
	return ""
}
