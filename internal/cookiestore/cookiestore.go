// Package cookiestore maps the session cookies of an incoming request to the
// cookie mutations queued on its response. It holds no state of its own.
package cookiestore

import (
	"net/http"
	"strings"
	"time"

	"github.com/sandeepkv93/session-auth-gateway/internal/domain"
)

const (
	AccessCookie     = "token"
	RefreshCookie    = "refresh-token"
	RecentTeamCookie = "recent-team"
)

// Jar is a read-only snapshot of the session cookies sent with a request.
type Jar struct {
	AccessToken  string
	RefreshToken string
	RecentTeam   string
}

func Read(r *http.Request) Jar {
	return Jar{
		AccessToken:  cookieValue(r, AccessCookie),
		RefreshToken: cookieValue(r, RefreshCookie),
		RecentTeam:   cookieValue(r, RecentTeamCookie),
	}
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(c.Value)
}

// Policy carries the fixed attributes shared by every session cookie.
type Policy struct {
	Secure bool
}

// Mutations is the ordered list of cookie writes and deletions destined for
// one response. The zero value is ready to use with insecure cookies.
type Mutations struct {
	policy  Policy
	cookies []*http.Cookie
}

func NewMutations(p Policy) *Mutations {
	return &Mutations{policy: p}
}

// Write queues the access and refresh cookies as a pair. Neither cookie is
// ever queued without the other.
func (m *Mutations) Write(s domain.Session) {
	m.put(m.cookie(AccessCookie, s.ScopedToken, s.AccessExpiry()))
	m.put(m.cookie(RefreshCookie, s.RefreshToken, s.RefreshExpiry()))
}

// Clear queues deletions for the session pair and the recent-team marker.
func (m *Mutations) Clear() {
	m.put(m.deletion(AccessCookie))
	m.put(m.deletion(RefreshCookie))
	m.put(m.deletion(RecentTeamCookie))
}

func (m *Mutations) SetRecentTeam(slug string) {
	m.put(m.cookie(RecentTeamCookie, slug, time.Time{}))
}

func (m *Mutations) ClearRecentTeam() {
	m.put(m.deletion(RecentTeamCookie))
}

func (m *Mutations) Empty() bool {
	return len(m.cookies) == 0
}

// Cookies returns copies of the queued cookies in write order.
func (m *Mutations) Cookies() []*http.Cookie {
	out := make([]*http.Cookie, 0, len(m.cookies))
	for _, c := range m.cookies {
		cp := *c
		out = append(out, &cp)
	}
	return out
}

// Apply emits one Set-Cookie header per queued mutation.
func (m *Mutations) Apply(w http.ResponseWriter) {
	for _, c := range m.cookies {
		http.SetCookie(w, c)
	}
}

// ApplyToRequest rewrites the Cookie header of a request that is about to be
// forwarded, so downstream handlers observe the same session the browser
// will hold after this response.
func (m *Mutations) ApplyToRequest(r *http.Request) {
	if m.Empty() {
		return
	}
	touched := make(map[string]bool, len(m.cookies))
	for _, c := range m.cookies {
		touched[c.Name] = true
	}
	existing := r.Cookies()
	r.Header.Del("Cookie")
	for _, c := range existing {
		if touched[c.Name] {
			continue
		}
		r.AddCookie(c)
	}
	for _, c := range m.cookies {
		if c.MaxAge < 0 {
			continue
		}
		r.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
}

// put replaces an earlier mutation of the same cookie so the response never
// carries two conflicting Set-Cookie headers for one name.
func (m *Mutations) put(c *http.Cookie) {
	for i, existing := range m.cookies {
		if existing.Name == c.Name {
			m.cookies = append(m.cookies[:i], m.cookies[i+1:]...)
			break
		}
	}
	m.cookies = append(m.cookies, c)
}

func (m *Mutations) cookie(name, value string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   m.policy.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

func (m *Mutations) deletion(name string) *http.Cookie {
	c := m.cookie(name, "", time.Unix(0, 0).UTC())
	c.MaxAge = -1
	return c
}
