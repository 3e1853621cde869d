package gateway

import (
	"context"
	"net/url"
)

// signInFlow inverts the protected policy: a usable session leaves the
// sign-in page for the team area, anything else renders the page. It never
// redirects to the sign-in path itself and never clears cookies.
func (g *Gateway) signInFlow() flow {
	return flow{
		StateValidating: g.signInValidating,
		StateRefreshing: g.signInRefreshing,
	}
}

func (g *Gateway) signInValidating(ctx context.Context, ev *evaluation) State {
	if ev.jar.AccessToken == "" {
		ev.reason = "missing_access_token"
		return StateRefreshing
	}
	userID, err := g.tokens.Validate(ctx, ev.jar.AccessToken, "")
	if err != nil {
		ev.reason = errorCode(err)
		return StateRefreshing
	}
	ev.userID = userID
	return ev.redirect(g.Home(ev.jar.RecentTeam), "already_authenticated")
}

func (g *Gateway) signInRefreshing(ctx context.Context, ev *evaluation) State {
	out := g.refresher.AttemptRefresh(ctx, ev.jar, ev.muts)
	switch out.Result {
	case Repaired:
		return ev.redirect(g.Home(ev.jar.RecentTeam), "refreshed")
	case NoRefreshToken:
		return ev.pass(NoRefreshToken.String())
	default:
		ev.cause = out.Err
		return ev.pass(BackendRejected.String())
	}
}

// Home is where an authenticated caller lands: the most recent team when one
// is recorded, otherwise the team picker.
func (g *Gateway) Home(recentTeam string) string {
	// the cookie holds the raw path segment, which may already be escaped
	if s, err := url.PathUnescape(recentTeam); err == nil {
		recentTeam = s
	}
	if recentTeam == "" || recentTeam == "." || recentTeam == ".." {
		return g.opts.TeamsPath
	}
	return trimPrefix(g.opts.TeamsPath) + "/" + url.PathEscape(recentTeam)
}
