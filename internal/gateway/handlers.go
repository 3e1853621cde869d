package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/sandeepkv93/session-auth-gateway/internal/cookiestore"
	"github.com/sandeepkv93/session-auth-gateway/internal/domain"
	"github.com/sandeepkv93/session-auth-gateway/internal/http/response"
	"github.com/sandeepkv93/session-auth-gateway/internal/observability"
)

// SessionIssuer covers the calls made by the sign-in completion and
// sign-out handlers.
type SessionIssuer interface {
	Issue(ctx context.Context, h domain.IdpHandshake) (domain.Session, error)
	Revoke(ctx context.Context, refreshToken string) (bool, error)
	RevokeAll(ctx context.Context, accessToken string) (bool, error)
}

// IDTokenVerifier is satisfied by *oidc.IDTokenVerifier.
type IDTokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)
}

type Handlers struct {
	gw       *Gateway
	issuer   SessionIssuer
	verifier IDTokenVerifier
	logger   *slog.Logger
}

// NewHandlers wires the session endpoints. verifier may be nil, in which case
// the IDP handshake is trusted as delivered and only the backend checks it.
func NewHandlers(gw *Gateway, issuer SessionIssuer, verifier IDTokenVerifier, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{gw: gw, issuer: issuer, verifier: verifier, logger: logger.With("component", "session_handlers")}
}

type signInCompleteRequest struct {
	UserID string `json:"user_id"`
	IdpJWT string `json:"idp_jwt"`
}

// SignInComplete exchanges the IDP handshake for a first session and sends
// the browser to its home team.
func (h *Handlers) SignInComplete(w http.ResponseWriter, r *http.Request) {
	req, err := decodeSignInComplete(r)
	if err != nil {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid sign-in payload", nil)
		return
	}
	handshake := domain.IdpHandshake{UserID: strings.TrimSpace(req.UserID), IdpJWT: strings.TrimSpace(req.IdpJWT)}
	if !handshake.Valid() {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "user_id and idp_jwt are required", nil)
		return
	}

	if h.verifier != nil {
		tok, err := h.verifier.Verify(r.Context(), handshake.IdpJWT)
		if err != nil {
			h.logger.WarnContext(r.Context(), "idp token verification failed", "error", err)
			response.Error(w, r, http.StatusUnauthorized, "IDP_TOKEN_INVALID", "identity token rejected", nil)
			return
		}
		if tok.Subject != handshake.UserID {
			response.Error(w, r, http.StatusUnauthorized, "IDP_TOKEN_INVALID", "identity token subject mismatch", nil)
			return
		}
	}

	session, err := h.issuer.Issue(r.Context(), handshake)
	if err != nil {
		h.logger.WarnContext(r.Context(), "session issue failed", "code", errorCode(err), "error", err)
		response.SessionFailure(w, r, err)
		return
	}

	muts := h.mutations()
	muts.Write(session)
	muts.Apply(w)
	observability.Audit(r, "gateway.signin.complete", "user_id", handshake.UserID)
	response.SeeOther(w, r, h.gw.Home(cookiestore.Read(r).RecentTeam))
}

// SignOut revokes the current refresh token when there is one and clears the
// session cookies. A backend failure does not keep the browser signed in.
func (h *Handlers) SignOut(w http.ResponseWriter, r *http.Request) {
	jar := cookiestore.Read(r)
	if jar.RefreshToken != "" {
		if _, err := h.issuer.Revoke(r.Context(), jar.RefreshToken); err != nil {
			h.logger.WarnContext(r.Context(), "sign-out revoke failed", "code", errorCode(err), "error", err)
		}
	}
	muts := h.mutations()
	muts.Clear()
	muts.Apply(w)
	observability.Audit(r, "gateway.signout", "scope", "session")
	response.SeeOther(w, r, h.gw.Options().SignInPath)
}

// SignOutEverywhere ends every session of the caller. Unlike SignOut it
// reports a backend failure and leaves the cookies in place so the browser
// can retry.
func (h *Handlers) SignOutEverywhere(w http.ResponseWriter, r *http.Request) {
	jar := cookiestore.Read(r)
	if jar.AccessToken == "" {
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing access token", nil)
		return
	}
	if _, err := h.issuer.RevokeAll(r.Context(), jar.AccessToken); err != nil {
		h.logger.WarnContext(r.Context(), "revoke all failed", "code", errorCode(err), "error", err)
		response.SessionFailure(w, r, err)
		return
	}
	muts := h.mutations()
	muts.Clear()
	muts.Apply(w)
	observability.Audit(r, "gateway.signout", "scope", "everywhere")
	response.SeeOther(w, r, h.gw.Options().SignInPath)
}

func (h *Handlers) mutations() *cookiestore.Mutations {
	return cookiestore.NewMutations(cookiestore.Policy{Secure: h.gw.Options().SecureCookies})
}

func decodeSignInComplete(r *http.Request) (signInCompleteRequest, error) {
	var req signInCompleteRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		err := json.NewDecoder(r.Body).Decode(&req)
		return req, err
	}
	if err := r.ParseForm(); err != nil {
		return req, err
	}
	req.UserID = r.PostFormValue("user_id")
	req.IdpJWT = r.PostFormValue("idp_jwt")
	return req, nil
}
