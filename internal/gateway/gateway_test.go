package gateway

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/sandeepkv93/session-auth-gateway/internal/cookiestore"
	"github.com/sandeepkv93/session-auth-gateway/internal/domain"
)

func TestExemptPathsNeverReachTheBackend(t *testing.T) {
	backend := newFakeBackend()
	g := newTestGateway(t, backend, nil)
	jar := cookiestore.Jar{AccessToken: "expired", RefreshToken: "refresh-0"}
	backend.rejectAccess("expired", structured(domain.CodeSessionTokenExpired))
	backend.allowRefresh("refresh-0")

	for _, target := range []string{
		"/favicon.ico",
		"/teams/acme/app.js",
		"/settings/avatar.png",
		"/api/teams",
		"/api",
		"/share/report-1",
		"/error",
		"/about",
		"/sign-in?method=magic_link",
	} {
		rr, fwd := serve(g, newRequest(target, jar))
		if rr.Code != http.StatusOK || fwd == nil {
			t.Fatalf("%s: expected pass-through, got %d", target, rr.Code)
		}
		if len(rr.Result().Cookies()) != 0 {
			t.Fatalf("%s: expected no cookie work, got %v", target, rr.Result().Cookies())
		}
	}
	if v, r, rv := backend.counts(); v != 0 || r != 0 || rv != 0 {
		t.Fatalf("expected zero backend calls, got validate=%d refresh=%d revoke=%d", v, r, rv)
	}
}

func TestTeamSlugPropagatesRegardlessOfOutcome(t *testing.T) {
	backend := newFakeBackend()
	g := newTestGateway(t, backend, nil)

	_, fwd := serve(g, newRequest("/teams/acme/logo.svg", cookiestore.Jar{}))
	if got := fwd.Header.Get("X-Team-Slug"); got != "acme" {
		t.Fatalf("expected slug on exempt team path, got %q", got)
	}

	req := newRequest("/settings/profile", cookiestore.Jar{})
	req.Header.Set("X-Team-Slug", "spoofed")
	backend.allowAccess("ok")
	req.AddCookie(&http.Cookie{Name: cookiestore.AccessCookie, Value: "ok"})
	_, fwd = serve(g, req)
	if fwd.Header.Get("X-Team-Slug") != "" {
		t.Fatalf("expected client slug header to be stripped, got %q", fwd.Header.Get("X-Team-Slug"))
	}

	backend.allowAccess("valid")
	_, fwd = serve(g, newRequest("/teams/acme%20co/projects", cookiestore.Jar{AccessToken: "valid"}))
	if got := fwd.Header.Get("X-Team-Slug"); got != "acme%20co" {
		t.Fatalf("expected raw path segment, got %q", got)
	}
	if got := backend.validateSlugs[len(backend.validateSlugs)-1]; got != "acme%20co" {
		t.Fatalf("expected slug forwarded to validate, got %q", got)
	}
}

func TestValidSessionPassesWithoutMutations(t *testing.T) {
	backend := newFakeBackend()
	backend.allowAccess("valid")
	g := newTestGateway(t, backend, nil)

	for _, tc := range []struct {
		target string
		jar    cookiestore.Jar
	}{
		{target: "/settings/profile", jar: cookiestore.Jar{AccessToken: "valid", RefreshToken: "refresh-0"}},
		{target: "/teams/acme/members", jar: cookiestore.Jar{AccessToken: "valid", RefreshToken: "refresh-0", RecentTeam: "acme"}},
		{target: "/admin", jar: cookiestore.Jar{AccessToken: "valid", RefreshToken: "refresh-0", RecentTeam: "acme"}},
	} {
		rr, fwd := serve(g, newRequest(tc.target, tc.jar))
		if rr.Code != http.StatusOK || fwd == nil {
			t.Fatalf("%s: expected pass, got %d", tc.target, rr.Code)
		}
		if cookies := rr.Result().Cookies(); len(cookies) != 0 {
			t.Fatalf("%s: expected no cookie mutations, got %v", tc.target, cookies)
		}
		if c, err := fwd.Cookie(cookiestore.AccessCookie); err != nil || c.Value != "valid" {
			t.Fatalf("%s: expected original access cookie downstream", tc.target)
		}
	}
	if _, refresh, _ := backend.counts(); refresh != 0 {
		t.Fatalf("expected no refresh for valid sessions, got %d", refresh)
	}
}

func TestPassOnNewTeamRecordsRecentTeam(t *testing.T) {
	backend := newFakeBackend()
	backend.allowAccess("valid")
	g := newTestGateway(t, backend, nil)

	rr, _ := serve(g, newRequest("/teams/globex", cookiestore.Jar{AccessToken: "valid", RecentTeam: "acme"}))
	c := responseCookies(rr)[cookiestore.RecentTeamCookie]
	if c == nil || c.Value != "globex" {
		t.Fatalf("expected recent-team=globex, got %+v", c)
	}
	if !c.Expires.IsZero() || c.MaxAge != 0 {
		t.Fatalf("expected browser-session cookie, got %+v", c)
	}
}

func TestInvalidTeamMembershipRedirectsToTeams(t *testing.T) {
	backend := newFakeBackend()
	backend.rejectAccess("valid-elsewhere", structured(domain.CodeInvalidTeamMembership))
	g := newTestGateway(t, backend, nil)

	rr, fwd := serve(g, newRequest("/teams/initech", cookiestore.Jar{AccessToken: "valid-elsewhere", RefreshToken: "refresh-0", RecentTeam: "initech"}))
	if fwd != nil {
		t.Fatal("expected request not to be forwarded")
	}
	if rr.Code != http.StatusSeeOther || rr.Header().Get("Location") != "/teams" {
		t.Fatalf("expected 303 to /teams, got %d %q", rr.Code, rr.Header().Get("Location"))
	}
	cookies := responseCookies(rr)
	assertDeleted(t, cookies, cookiestore.RecentTeamCookie)
	if _, ok := cookies[cookiestore.AccessCookie]; ok {
		t.Fatal("expected session pair untouched")
	}
	if _, refresh, revoke := backend.counts(); refresh != 0 || revoke != 0 {
		t.Fatalf("expected no refresh or revoke, got %d %d", refresh, revoke)
	}
}

func TestExpiredSessionIsSilentlyRepaired(t *testing.T) {
	backend := newFakeBackend()
	backend.rejectAccess("stale", structured(domain.CodeSessionTokenExpired))
	backend.allowRefresh("refresh-0")
	g := newTestGateway(t, backend, nil)

	original := time.Now().Add(-time.Minute)
	rr, fwd := serve(g, newRequest("/teams/acme/board", cookiestore.Jar{AccessToken: "stale", RefreshToken: "refresh-0", RecentTeam: "acme"}))
	if rr.Code != http.StatusOK || fwd == nil {
		t.Fatalf("expected pass-through, got %d", rr.Code)
	}

	cookies := responseCookies(rr)
	access, refresh := cookies[cookiestore.AccessCookie], cookies[cookiestore.RefreshCookie]
	if access == nil || refresh == nil {
		t.Fatalf("expected a new cookie pair, got %v", cookies)
	}
	if access.Value == "stale" || refresh.Value == "refresh-0" {
		t.Fatalf("expected rotated values, got %q %q", access.Value, refresh.Value)
	}
	if !access.Expires.After(original) || !refresh.Expires.After(access.Expires) {
		t.Fatalf("expected later expiries, got access=%v refresh=%v", access.Expires, refresh.Expires)
	}
	if !access.HttpOnly || access.SameSite != http.SameSiteLaxMode || access.Path != "/" {
		t.Fatalf("unexpected cookie attributes %+v", access)
	}
	if _, ok := cookies[cookiestore.RecentTeamCookie]; ok {
		t.Fatal("expected unchanged recent-team to stay untouched")
	}

	if c, err := fwd.Cookie(cookiestore.AccessCookie); err != nil || c.Value != access.Value {
		t.Fatalf("expected forwarded request to carry repaired access token")
	}
}

func TestUnstructuredValidateFailureAttemptsRefresh(t *testing.T) {
	backend := newFakeBackend()
	backend.rejectAccess("flaky", errors.Join(domain.ErrUnstructured, errors.New("connection reset")))
	backend.allowRefresh("refresh-0")
	g := newTestGateway(t, backend, nil)

	d := g.Evaluate(newRequest("/settings", cookiestore.Jar{AccessToken: "flaky", RefreshToken: "refresh-0"}))
	if d.State != StatePass || d.Reason != "refreshed" {
		t.Fatalf("expected repaired pass, got %s %q", d.State, d.Reason)
	}
	want := []State{StateValidating, StateRefreshing, StatePass}
	if formatTrace(d.Trace) != formatTrace(want) {
		t.Fatalf("unexpected trace %s", formatTrace(d.Trace))
	}
}

func TestMissingAccessCookieSkipsValidate(t *testing.T) {
	backend := newFakeBackend()
	backend.allowRefresh("refresh-0")
	g := newTestGateway(t, backend, nil)

	d := g.Evaluate(newRequest("/admin/users", cookiestore.Jar{RefreshToken: "refresh-0"}))
	if d.State != StatePass {
		t.Fatalf("expected pass after refresh, got %s", d.State)
	}
	if validate, refresh, _ := backend.counts(); validate != 0 || refresh != 1 {
		t.Fatalf("expected refresh without validate, got validate=%d refresh=%d", validate, refresh)
	}
}

func TestHardRejectionsForceLogout(t *testing.T) {
	cases := map[string]error{
		"revoked":      structured(domain.CodeSessionTokenRevoked),
		"invalid":      structured(domain.CodeSessionTokenInvalid),
		"unrecognized": structured("account_locked"),
	}
	for name, rejection := range cases {
		t.Run(name, func(t *testing.T) {
			backend := newFakeBackend()
			backend.rejectAccess("bad", rejection)
			backend.allowRefresh("refresh-0")
			g := newTestGateway(t, backend, nil)

			rr, fwd := serve(g, newRequest("/teams/acme", cookiestore.Jar{AccessToken: "bad", RefreshToken: "refresh-0", RecentTeam: "acme"}))
			if fwd != nil {
				t.Fatal("expected request not to be forwarded")
			}
			if rr.Code != http.StatusSeeOther || rr.Header().Get("Location") != "/sign-in" {
				t.Fatalf("expected 303 to /sign-in, got %d %q", rr.Code, rr.Header().Get("Location"))
			}
			assertDeleted(t, responseCookies(rr), cookiestore.AccessCookie, cookiestore.RefreshCookie, cookiestore.RecentTeamCookie)
			_, refresh, revoke := backend.counts()
			if refresh != 0 {
				t.Fatalf("expected no refresh on hard rejection, got %d", refresh)
			}
			if revoke != 1 || backend.revokedTokens[0] != "refresh-0" {
				t.Fatalf("expected best-effort revoke of refresh-0, got %v", backend.revokedTokens)
			}
		})
	}
}

func TestRejectedRefreshForcesLogoutAndSwallowsRevokeFailure(t *testing.T) {
	backend := newFakeBackend()
	backend.rejectAccess("stale", structured(domain.CodeSessionTokenExpired))
	backend.revokeErr = errors.Join(domain.ErrUnstructured, errors.New("timeout"))
	g := newTestGateway(t, backend, nil)

	rr, _ := serve(g, newRequest("/settings", cookiestore.Jar{AccessToken: "stale", RefreshToken: "consumed"}))
	if rr.Code != http.StatusSeeOther || rr.Header().Get("Location") != "/sign-in" {
		t.Fatalf("expected forced logout redirect, got %d %q", rr.Code, rr.Header().Get("Location"))
	}
	assertDeleted(t, responseCookies(rr), cookiestore.AccessCookie, cookiestore.RefreshCookie, cookiestore.RecentTeamCookie)
	if _, _, revoke := backend.counts(); revoke != 1 {
		t.Fatalf("expected one revoke attempt, got %d", revoke)
	}
}

func TestExpiredWithoutRefreshTokenRedirectsWithoutRevoke(t *testing.T) {
	backend := newFakeBackend()
	backend.rejectAccess("stale", structured(domain.CodeSessionTokenExpired))
	g := newTestGateway(t, backend, nil)

	rr, _ := serve(g, newRequest("/teams/acme", cookiestore.Jar{AccessToken: "stale", RecentTeam: "acme"}))
	if rr.Code != http.StatusSeeOther || rr.Header().Get("Location") != "/sign-in" {
		t.Fatalf("expected redirect to /sign-in, got %d %q", rr.Code, rr.Header().Get("Location"))
	}
	if cookies := rr.Result().Cookies(); len(cookies) != 0 {
		t.Fatalf("expected no cookie work, got %v", cookies)
	}
	if _, refresh, revoke := backend.counts(); refresh != 0 || revoke != 0 {
		t.Fatalf("expected no refresh or revoke calls, got %d %d", refresh, revoke)
	}
}

func TestSignInGuard(t *testing.T) {
	cases := []struct {
		name         string
		jar          cookiestore.Jar
		setup        func(*fakeBackend)
		wantCode     int
		wantLocation string
		wantCookies  bool
	}{
		{
			name:         "authenticated with recent team",
			jar:          cookiestore.Jar{AccessToken: "valid", RecentTeam: "acme"},
			setup:        func(b *fakeBackend) { b.allowAccess("valid") },
			wantCode:     http.StatusSeeOther,
			wantLocation: "/teams/acme",
		},
		{
			name:         "authenticated without recent team",
			jar:          cookiestore.Jar{AccessToken: "valid"},
			setup:        func(b *fakeBackend) { b.allowAccess("valid") },
			wantCode:     http.StatusSeeOther,
			wantLocation: "/teams",
		},
		{
			name: "expired but refreshable",
			jar:  cookiestore.Jar{AccessToken: "stale", RefreshToken: "refresh-0", RecentTeam: "globex"},
			setup: func(b *fakeBackend) {
				b.rejectAccess("stale", structured(domain.CodeSessionTokenExpired))
				b.allowRefresh("refresh-0")
			},
			wantCode:     http.StatusSeeOther,
			wantLocation: "/teams/globex",
			wantCookies:  true,
		},
		{
			name:     "invalid without refresh token renders page",
			jar:      cookiestore.Jar{AccessToken: "bad"},
			setup:    func(b *fakeBackend) {},
			wantCode: http.StatusOK,
		},
		{
			name:     "rejected refresh renders page untouched",
			jar:      cookiestore.Jar{AccessToken: "bad", RefreshToken: "consumed"},
			setup:    func(b *fakeBackend) {},
			wantCode: http.StatusOK,
		},
		{
			name:     "no cookies at all",
			jar:      cookiestore.Jar{},
			setup:    func(b *fakeBackend) {},
			wantCode: http.StatusOK,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			backend := newFakeBackend()
			tc.setup(backend)
			g := newTestGateway(t, backend, nil)

			rr, _ := serve(g, newRequest("/sign-in", tc.jar))
			if rr.Code != tc.wantCode {
				t.Fatalf("expected %d, got %d", tc.wantCode, rr.Code)
			}
			loc := rr.Header().Get("Location")
			if loc != tc.wantLocation {
				t.Fatalf("expected location %q, got %q", tc.wantLocation, loc)
			}
			if loc == "/sign-in" {
				t.Fatal("sign-in must never redirect to itself")
			}
			if got := len(rr.Result().Cookies()) > 0; got != tc.wantCookies {
				t.Fatalf("expected cookies=%v, got %v", tc.wantCookies, rr.Result().Cookies())
			}
			if _, _, revoke := backend.counts(); revoke != 0 {
				t.Fatalf("sign-in guard must not revoke, got %d", revoke)
			}
		})
	}
}

func TestHomeEscapesRecentTeam(t *testing.T) {
	g := New(Options{}, newFakeBackend(), nil, nil)
	cases := map[string]string{
		"":           "/teams",
		"acme":       "/teams/acme",
		"acme%20co":  "/teams/acme%20co",
		"..":         "/teams",
		"evil%2Fx":   "/teams/evil%2Fx",
		"//evil.com": "/teams/%2F%2Fevil.com",
	}
	for in, want := range cases {
		if got := g.Home(in); got != want {
			t.Fatalf("Home(%q)=%q want %q", in, got, want)
		}
	}
}

func TestClassify(t *testing.T) {
	g := New(Options{PublicPrefixes: []string{"/share"}}, newFakeBackend(), nil, nil)
	cases := map[string]RouteKind{
		"/":                  RouteUnscoped,
		"/pricing":           RouteUnscoped,
		"/teamsters":         RouteUnscoped,
		"/teams":             RouteProtected,
		"/teams/acme":        RouteProtected,
		"/settings/billing":  RouteProtected,
		"/admin":             RouteProtected,
		"/apiary":            RouteUnscoped,
		"/api/v1/me":         RouteExempt,
		"/share/doc":         RouteExempt,
		"/sign-in":           RouteSignIn,
		"/sign-in/":          RouteSignIn,
		"/sign-in/complete":  RouteUnscoped,
		"/sign-in?method=x":  RouteExempt,
		"/teams/acme/a.css":  RouteExempt,
		"/sign-in?other=1":   RouteSignIn,
		"/settings/v1.2/foo": RouteExempt,
	}
	for target, want := range cases {
		u, err := url.Parse(target)
		if err != nil {
			t.Fatalf("parse %q: %v", target, err)
		}
		got, _ := g.classify(&http.Request{URL: u})
		if got != want {
			t.Fatalf("classify(%q)=%s want %s", target, got, want)
		}
	}
}

func FuzzClassifyDottedPathsAreExempt(f *testing.F) {
	for _, seed := range []string{"/teams/acme/app.js", "/.well-known/x", "/settings/a.b/c", "/api/x", "/sign-in"} {
		f.Add(seed)
	}
	g := New(Options{PublicPrefixes: []string{"/share"}}, newFakeBackend(), nil, nil)
	f.Fuzz(func(t *testing.T, p string) {
		r := &http.Request{URL: &url.URL{Path: p}}
		kind, _ := g.classify(r)
		if strings.Contains(p, ".") && kind != RouteExempt {
			t.Fatalf("dotted path %q classified as %s", p, kind)
		}
		if (p == "/api" || strings.HasPrefix(p, "/api/")) && kind != RouteExempt {
			t.Fatalf("api path %q classified as %s", p, kind)
		}
		_ = g.teamSlug(r.URL)
	})
}
