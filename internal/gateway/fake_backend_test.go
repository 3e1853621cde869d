package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sandeepkv93/session-auth-gateway/internal/cookiestore"
	"github.com/sandeepkv93/session-auth-gateway/internal/domain"
)

// fakeBackend mimics the session backend: access tokens validate from a
// table, refresh tokens are single use and rotate on every refresh.
type fakeBackend struct {
	mu          sync.Mutex
	access      map[string]error
	refreshable map[string]bool
	seq         int

	// refreshBarrier, when set, holds every Refresh call until the expected
	// number of callers have arrived.
	refreshBarrier *sync.WaitGroup
	// refreshGate, when set, blocks Refresh until it is closed.
	refreshGate chan struct{}
	refreshSeen chan struct{}

	revokeErr    error
	revokeAllErr error
	issueErr     error

	validateCalls  int
	validateSlugs  []string
	refreshCalls   int
	refreshOK      int
	revokeCalls    int
	revokedTokens  []string
	revokeAllCalls int
	issueCalls     int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		access:      make(map[string]error),
		refreshable: make(map[string]bool),
	}
}

func structured(code domain.ErrorCode) error {
	return &domain.SessionError{Status: http.StatusUnauthorized, Code: code}
}

func (f *fakeBackend) allowAccess(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.access[token] = nil
}

func (f *fakeBackend) rejectAccess(token string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.access[token] = err
}

func (f *fakeBackend) allowRefresh(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshable[token] = true
}

func (f *fakeBackend) Validate(_ context.Context, accessToken, teamSlug string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validateCalls++
	f.validateSlugs = append(f.validateSlugs, teamSlug)
	err, ok := f.access[accessToken]
	if !ok {
		return "", structured(domain.CodeSessionTokenInvalid)
	}
	if err != nil {
		return "", err
	}
	return "user-1", nil
}

func (f *fakeBackend) Refresh(_ context.Context, refreshToken string) (domain.Session, error) {
	if f.refreshSeen != nil {
		f.refreshSeen <- struct{}{}
	}
	if f.refreshBarrier != nil {
		f.refreshBarrier.Done()
		f.refreshBarrier.Wait()
	}
	if f.refreshGate != nil {
		<-f.refreshGate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	if !f.refreshable[refreshToken] {
		return domain.Session{}, structured(domain.CodeSessionTokenInvalid)
	}
	delete(f.refreshable, refreshToken)
	f.refreshOK++
	f.seq++
	now := time.Now().Unix()
	s := domain.Session{
		ScopedToken:      fmt.Sprintf("access-%d", f.seq),
		RefreshToken:     fmt.Sprintf("refresh-%d", f.seq),
		ExpiresAt:        now + 600,
		RefreshExpiresAt: now + 7200,
	}
	f.access[s.ScopedToken] = nil
	f.refreshable[s.RefreshToken] = true
	return s, nil
}

func (f *fakeBackend) Revoke(_ context.Context, refreshToken string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revokeCalls++
	f.revokedTokens = append(f.revokedTokens, refreshToken)
	if f.revokeErr != nil {
		return false, f.revokeErr
	}
	delete(f.refreshable, refreshToken)
	return true, nil
}

func (f *fakeBackend) RevokeAll(_ context.Context, accessToken string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revokeAllCalls++
	if f.revokeAllErr != nil {
		return false, f.revokeAllErr
	}
	f.refreshable = make(map[string]bool)
	return true, nil
}

func (f *fakeBackend) Issue(_ context.Context, h domain.IdpHandshake) (domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issueCalls++
	if f.issueErr != nil {
		return domain.Session{}, f.issueErr
	}
	now := time.Now().Unix()
	return domain.Session{
		ScopedToken:      "issued-access-" + h.UserID,
		RefreshToken:     "issued-refresh-" + h.UserID,
		ExpiresAt:        now + 600,
		RefreshExpiresAt: now + 7200,
	}, nil
}

func (f *fakeBackend) counts() (validate, refresh, revoke int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.validateCalls, f.refreshCalls, f.revokeCalls
}

func newTestGateway(t *testing.T, backend *fakeBackend, coordinator *Coordinator) *Gateway {
	t.Helper()
	if coordinator == nil {
		coordinator = NewCoordinator(backend, CoordinatorOptions{})
	}
	return New(Options{PublicPrefixes: []string{"/share", "/error"}}, backend, coordinator, nil)
}

type forwarded struct {
	req *http.Request
}

func (f *forwarded) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.req = r
		w.WriteHeader(http.StatusOK)
	})
}

func newRequest(target string, jar cookiestore.Jar) *http.Request {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	addJar(req, jar)
	return req
}

func addJar(req *http.Request, jar cookiestore.Jar) {
	if jar.AccessToken != "" {
		req.AddCookie(&http.Cookie{Name: cookiestore.AccessCookie, Value: jar.AccessToken})
	}
	if jar.RefreshToken != "" {
		req.AddCookie(&http.Cookie{Name: cookiestore.RefreshCookie, Value: jar.RefreshToken})
	}
	if jar.RecentTeam != "" {
		req.AddCookie(&http.Cookie{Name: cookiestore.RecentTeamCookie, Value: jar.RecentTeam})
	}
}

func serve(g *Gateway, req *http.Request) (*httptest.ResponseRecorder, *http.Request) {
	fw := &forwarded{}
	rr := httptest.NewRecorder()
	g.Middleware(fw.handler()).ServeHTTP(rr, req)
	return rr, fw.req
}

func responseCookies(rr *httptest.ResponseRecorder) map[string]*http.Cookie {
	out := make(map[string]*http.Cookie)
	for _, c := range rr.Result().Cookies() {
		out[c.Name] = c
	}
	return out
}

func assertDeleted(t *testing.T, cookies map[string]*http.Cookie, names ...string) {
	t.Helper()
	for _, name := range names {
		c, ok := cookies[name]
		if !ok {
			t.Fatalf("expected deletion of %q, got no cookie", name)
		}
		if c.MaxAge >= 0 || c.Value != "" {
			t.Fatalf("expected %q to be deleted, got %+v", name, c)
		}
	}
}

func jarFor(refreshToken string) cookiestore.Jar {
	return cookiestore.Jar{RefreshToken: refreshToken}
}

func newMuts() *cookiestore.Mutations {
	return cookiestore.NewMutations(cookiestore.Policy{})
}
