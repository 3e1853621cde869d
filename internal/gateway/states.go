package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/sandeepkv93/session-auth-gateway/internal/cookiestore"
	"github.com/sandeepkv93/session-auth-gateway/internal/domain"
)

// State is one step of a request evaluation. PASS and REDIRECT are terminal;
// FORCED_LOGOUT always resolves to a redirect to the sign-in page.
type State int

const (
	StateValidating State = iota + 1
	StateRefreshing
	StatePass
	StateRedirect
	StateForcedLogout
)

func (s State) String() string {
	switch s {
	case StateValidating:
		return "VALIDATING"
	case StateRefreshing:
		return "REFRESHING"
	case StatePass:
		return "PASS"
	case StateRedirect:
		return "REDIRECT"
	case StateForcedLogout:
		return "FORCED_LOGOUT"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) terminal() bool {
	return s == StatePass || s == StateRedirect
}

type stateFunc func(ctx context.Context, ev *evaluation) State

// flow maps every non-terminal state to its handler.
type flow map[State]stateFunc

// evaluation carries the per-request data shared by the state handlers.
type evaluation struct {
	route  RouteKind
	jar    cookiestore.Jar
	slug   string
	muts   *cookiestore.Mutations
	state  State
	target string
	reason string
	userID string
	cause  error
	trace  []State
}

func (ev *evaluation) pass(reason string) State {
	ev.reason = reason
	return StatePass
}

func (ev *evaluation) redirect(target, reason string) State {
	ev.target = target
	ev.reason = reason
	return StateRedirect
}

func (ev *evaluation) decision() Decision {
	return Decision{
		Route:     ev.route,
		State:     ev.state,
		Target:    ev.target,
		Reason:    ev.reason,
		TeamSlug:  ev.slug,
		UserID:    ev.userID,
		Cause:     ev.cause,
		Mutations: ev.muts,
		Trace:     append([]State(nil), ev.trace...),
	}
}

func (g *Gateway) run(ctx context.Context, ev *evaluation, f flow) {
	state := StateValidating
	for !state.terminal() {
		ev.trace = append(ev.trace, state)
		handler, ok := f[state]
		if !ok {
			panic(fmt.Sprintf("gateway: no handler for state %s", state))
		}
		state = handler(ctx, ev)
	}
	ev.trace = append(ev.trace, state)
	ev.state = state
}

func (g *Gateway) protectedFlow() flow {
	return flow{
		StateValidating:   g.validating,
		StateRefreshing:   g.refreshing,
		StateForcedLogout: g.forcedLogout,
	}
}

func (g *Gateway) validating(ctx context.Context, ev *evaluation) State {
	// the access cookie expires with its token, so absence reads as expiry
	if ev.jar.AccessToken == "" {
		ev.reason = "missing_access_token"
		return StateRefreshing
	}
	userID, err := g.tokens.Validate(ctx, ev.jar.AccessToken, ev.slug)
	if err == nil {
		ev.userID = userID
		return g.passProtected(ev, "validated")
	}

	code, structured := domain.CodeOf(err)
	switch {
	case !structured:
		g.logger.DebugContext(ctx, "validate failed without error code, attempting refresh", "error", err)
		ev.reason = "validate_unstructured"
		return StateRefreshing
	case code == domain.CodeInvalidTeamMembership:
		ev.muts.ClearRecentTeam()
		return ev.redirect(g.opts.TeamsPath, string(code))
	case code == domain.CodeSessionTokenExpired:
		ev.reason = string(code)
		return StateRefreshing
	case code.Known():
		ev.reason = string(code)
		ev.cause = err
		return StateForcedLogout
	default:
		ev.reason = "unrecognized_code"
		ev.cause = err
		return StateForcedLogout
	}
}

func (g *Gateway) refreshing(ctx context.Context, ev *evaluation) State {
	out := g.refresher.AttemptRefresh(ctx, ev.jar, ev.muts)
	switch out.Result {
	case Repaired:
		return g.passProtected(ev, "refreshed")
	case NoRefreshToken:
		return ev.redirect(g.opts.SignInPath, NoRefreshToken.String())
	default:
		ev.reason = BackendRejected.String()
		ev.cause = out.Err
		return StateForcedLogout
	}
}

func (g *Gateway) forcedLogout(ctx context.Context, ev *evaluation) State {
	if ev.jar.RefreshToken != "" {
		if _, err := g.tokens.Revoke(ctx, ev.jar.RefreshToken); err != nil {
			g.logger.WarnContext(ctx, "best-effort revoke failed", "error", err)
		}
	}
	ev.muts.Clear()
	g.logger.WarnContext(ctx, "forcing logout", "reason", ev.reason, "code", errorCode(ev.cause), "error", errString(ev.cause))
	return ev.redirect(g.opts.SignInPath, "forced_logout:"+ev.reason)
}

// passProtected records the team slug as the most recent team when it
// changed. An unchanged slug queues nothing.
func (g *Gateway) passProtected(ev *evaluation, reason string) State {
	if ev.slug != "" && ev.slug != ev.jar.RecentTeam {
		ev.muts.SetRecentTeam(ev.slug)
	}
	return ev.pass(reason)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func formatTrace(trace []State) string {
	parts := make([]string, 0, len(trace))
	for _, s := range trace {
		parts = append(parts, s.String())
	}
	return strings.Join(parts, ">")
}
