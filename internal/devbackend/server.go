package devbackend

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/sandeepkv93/session-auth-gateway/internal/domain"
	"github.com/sandeepkv93/session-auth-gateway/internal/tokenclient"
)

type handlers struct {
	svc            *Service
	teamSlugHeader string
	logger         *slog.Logger
}

// NewRouter exposes the token endpoints with the wire shapes the token
// client expects: flat JSON bodies and {code, message} on rejection.
func NewRouter(svc *Service, teamSlugHeader string, logger *slog.Logger) http.Handler {
	if teamSlugHeader == "" {
		teamSlugHeader = "X-Team-Slug"
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{svc: svc, teamSlugHeader: teamSlugHeader, logger: logger}

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Get(tokenclient.PathValidate, h.validate)
	r.Post(tokenclient.PathIssue, h.issue)
	r.Post(tokenclient.PathRefresh, h.refresh)
	r.Post(tokenclient.PathRevoke, h.revoke)
	r.Post(tokenclient.PathRevokeAll, h.revokeAll)
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}

func (h *handlers) validate(w http.ResponseWriter, r *http.Request) {
	userID, err := h.svc.Validate(r.Context(), bearer(r), r.Header.Get(h.teamSlugHeader))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"user_id": userID})
}

func (h *handlers) issue(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID string `json:"user_id"`
	}
	if !decode(w, r, &body) {
		return
	}
	s, err := h.svc.Issue(r.Context(), bearer(r), body.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *handlers) refresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !decode(w, r, &body) {
		return
	}
	s, err := h.svc.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *handlers) revoke(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !decode(w, r, &body) {
		return
	}
	ok, err := h.svc.Revoke(r.Context(), body.RefreshToken)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": ok})
}

func (h *handlers) revokeAll(w http.ResponseWriter, r *http.Request) {
	ok, err := h.svc.RevokeAll(r.Context(), bearer(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": ok})
}

func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	var se *domain.SessionError
	if errors.As(err, &se) {
		writeJSON(w, se.Status, map[string]string{"code": string(se.Code), "message": se.Message})
		return
	}
	h.logger.ErrorContext(r.Context(), "devbackend request failed", "path", r.URL.Path, "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "internal error"})
}

func decode(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10)).Decode(out); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"code": string(domain.CodeSessionTokenInvalid), "message": "malformed request body"})
		return false
	}
	return true
}

func bearer(r *http.Request) string {
	token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return strings.TrimSpace(token)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
