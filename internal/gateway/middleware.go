package gateway

import (
	"net/http"

	"github.com/sandeepkv93/session-auth-gateway/internal/http/response"
)

// Middleware evaluates every request and either redirects or forwards it to
// next with the team-slug header and any repaired cookies applied.
func (g *Gateway) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.Apply(w, r, g.Evaluate(r), next)
	})
}

// Apply writes d to the response. Cookie mutations reach the response only
// here, on the final exit path of the request.
func (g *Gateway) Apply(w http.ResponseWriter, r *http.Request, d Decision, next http.Handler) {
	if !d.Mutations.Empty() {
		d.Mutations.Apply(w)
		w.Header().Set("Cache-Control", "no-store")
	}
	if d.State == StateRedirect {
		response.SeeOther(w, r, d.Target)
		return
	}

	fwd := r.Clone(r.Context())
	// a client-sent slug header must never reach downstream handlers
	fwd.Header.Del(g.opts.TeamSlugHeader)
	if d.TeamSlug != "" {
		fwd.Header.Set(g.opts.TeamSlugHeader, d.TeamSlug)
	}
	d.Mutations.ApplyToRequest(fwd)
	next.ServeHTTP(w, fwd)
}
