// Package devbackend is a reference implementation of the backend session
// API the gateway consumes. It backs local development and the end-to-end
// tests; production deployments point the gateway at the real backend.
package devbackend

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/sandeepkv93/session-auth-gateway/internal/domain"
	"github.com/sandeepkv93/session-auth-gateway/internal/observability"
	"github.com/sandeepkv93/session-auth-gateway/internal/repository"
	"github.com/sandeepkv93/session-auth-gateway/internal/security"
)

type Options struct {
	JWT        *security.JWTManager
	IDPSecret  string
	Pepper     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

type Service struct {
	sessions   repository.SessionRepository
	members    repository.MembershipRepository
	jwt        *security.JWTManager
	idpSecret  []byte
	pepper     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

func NewService(sessions repository.SessionRepository, members repository.MembershipRepository, opts Options) *Service {
	return &Service{
		sessions:   sessions,
		members:    members,
		jwt:        opts.JWT,
		idpSecret:  []byte(opts.IDPSecret),
		pepper:     opts.Pepper,
		accessTTL:  opts.AccessTTL,
		refreshTTL: opts.RefreshTTL,
		now:        time.Now,
	}
}

func rejected(status int, code domain.ErrorCode, msg string) *domain.SessionError {
	return &domain.SessionError{Status: status, Code: code, Message: msg}
}

// Issue starts a new login for userID after checking the IDP assertion.
func (s *Service) Issue(ctx context.Context, idpJWT, userID string) (domain.Session, error) {
	if err := s.verifyHandshake(idpJWT, userID); err != nil {
		observability.RecordDevBackendEvent(ctx, "issue", "rejected")
		return domain.Session{}, err
	}
	out, rec, err := s.mint(userID, uuid.NewString(), nil)
	if err != nil {
		observability.RecordDevBackendEvent(ctx, "issue", "error")
		return domain.Session{}, err
	}
	if err := s.sessions.Create(ctx, rec); err != nil {
		observability.RecordDevBackendEvent(ctx, "issue", "error")
		return domain.Session{}, fmt.Errorf("issue: %w", err)
	}
	observability.RecordDevBackendEvent(ctx, "issue", "success")
	return out, nil
}

// Refresh rotates a refresh token. Each token is single use: presenting a
// consumed token is reported as revoked.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (domain.Session, error) {
	hash := security.FingerprintRefreshToken(refreshToken, s.pepper)
	rec, err := s.sessions.FindByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			observability.RecordDevBackendEvent(ctx, "refresh", "invalid")
			return domain.Session{}, rejected(http.StatusUnauthorized, domain.CodeSessionTokenInvalid, "unknown refresh token")
		}
		observability.RecordDevBackendEvent(ctx, "refresh", "error")
		return domain.Session{}, fmt.Errorf("refresh: %w", err)
	}
	if rec.RevokedAt != nil {
		observability.RecordDevBackendEvent(ctx, "refresh", "revoked")
		return domain.Session{}, rejected(http.StatusUnauthorized, domain.CodeSessionTokenRevoked, "refresh token already used or revoked")
	}
	if !rec.ExpiresAt.After(s.now()) {
		observability.RecordDevBackendEvent(ctx, "refresh", "expired")
		return domain.Session{}, rejected(http.StatusUnauthorized, domain.CodeSessionTokenExpired, "refresh token expired")
	}

	parent := rec.ID
	out, next, err := s.mint(rec.UserID, rec.FamilyID, &parent)
	if err != nil {
		observability.RecordDevBackendEvent(ctx, "refresh", "error")
		return domain.Session{}, err
	}
	if _, err := s.sessions.RotateSession(ctx, hash, next); err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			// lost a race against another refresh of the same token
			observability.RecordDevBackendEvent(ctx, "refresh", "revoked")
			return domain.Session{}, rejected(http.StatusUnauthorized, domain.CodeSessionTokenRevoked, "refresh token already used or revoked")
		}
		observability.RecordDevBackendEvent(ctx, "refresh", "error")
		return domain.Session{}, fmt.Errorf("refresh: %w", err)
	}
	observability.RecordDevBackendEvent(ctx, "refresh", "success")
	return out, nil
}

// Validate introspects an access token and, when teamSlug is set, checks
// that the principal belongs to that team.
func (s *Service) Validate(ctx context.Context, accessToken, teamSlug string) (string, error) {
	claims, err := s.parseAccess(ctx, accessToken)
	if err != nil {
		observability.RecordDevBackendEvent(ctx, "validate", "rejected")
		return "", err
	}
	if teamSlug != "" {
		ok, err := s.members.IsMember(ctx, claims.Subject, teamSlug)
		if err != nil {
			observability.RecordDevBackendEvent(ctx, "validate", "error")
			return "", fmt.Errorf("validate: %w", err)
		}
		if !ok {
			observability.RecordDevBackendEvent(ctx, "validate", "not_member")
			return "", rejected(http.StatusForbidden, domain.CodeInvalidTeamMembership, "not a member of team "+teamSlug)
		}
	}
	observability.RecordDevBackendEvent(ctx, "validate", "success")
	return claims.Subject, nil
}

// Revoke ends the login whose live refresh token is presented. Unknown or
// already consumed tokens are not an error; they report success=false.
func (s *Service) Revoke(ctx context.Context, refreshToken string) (bool, error) {
	hash := security.FingerprintRefreshToken(refreshToken, s.pepper)
	ok, err := s.sessions.RevokeFamilyByHash(ctx, hash, repository.RevokeReasonSignOut)
	if err != nil {
		observability.RecordDevBackendEvent(ctx, "revoke", "error")
		return false, fmt.Errorf("revoke: %w", err)
	}
	observability.RecordDevBackendEvent(ctx, "revoke", "success")
	return ok, nil
}

func (s *Service) RevokeAll(ctx context.Context, accessToken string) (bool, error) {
	claims, err := s.parseAccess(ctx, accessToken)
	if err != nil {
		observability.RecordDevBackendEvent(ctx, "revoke_all", "rejected")
		return false, err
	}
	if _, err := s.sessions.RevokeByUserID(ctx, claims.Subject, repository.RevokeReasonRevokeAll); err != nil {
		observability.RecordDevBackendEvent(ctx, "revoke_all", "error")
		return false, fmt.Errorf("revoke all: %w", err)
	}
	observability.RecordDevBackendEvent(ctx, "revoke_all", "success")
	return true, nil
}

func (s *Service) Grant(ctx context.Context, userID string, teams ...string) error {
	return s.members.Grant(ctx, userID, teams...)
}

func (s *Service) CleanupExpired(ctx context.Context) (int64, error) {
	return s.sessions.CleanupExpired(ctx)
}

func (s *Service) parseAccess(ctx context.Context, accessToken string) (*security.Claims, error) {
	claims, err := s.jwt.ParseScopedToken(accessToken)
	if err != nil {
		if errors.Is(err, security.ErrTokenExpired) {
			return nil, rejected(http.StatusUnauthorized, domain.CodeSessionTokenExpired, "access token expired")
		}
		return nil, rejected(http.StatusUnauthorized, domain.CodeSessionTokenInvalid, "access token invalid")
	}
	if _, err := s.sessions.FindActiveByFamily(ctx, claims.SessionID); err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, rejected(http.StatusUnauthorized, domain.CodeSessionTokenRevoked, "session revoked")
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	return claims, nil
}

func (s *Service) mint(userID, familyID string, parentID *string) (domain.Session, *repository.SessionRecord, error) {
	now := s.now()
	accessExp := now.Add(s.accessTTL)
	refreshExp := now.Add(s.refreshTTL)
	scoped, err := s.jwt.SignScopedToken(userID, familyID, accessExp)
	if err != nil {
		return domain.Session{}, nil, fmt.Errorf("sign scoped token: %w", err)
	}
	refresh := rand.Text()
	rec := &repository.SessionRecord{
		ID:               uuid.NewString(),
		UserID:           userID,
		FamilyID:         familyID,
		ParentID:         parentID,
		RefreshTokenHash: security.FingerprintRefreshToken(refresh, s.pepper),
		ExpiresAt:        refreshExp,
	}
	return domain.Session{
		ScopedToken:      scoped,
		RefreshToken:     refresh,
		ExpiresAt:        accessExp.Unix(),
		RefreshExpiresAt: refreshExp.Unix(),
	}, rec, nil
}

func (s *Service) verifyHandshake(idpJWT, userID string) error {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(idpJWT, claims, func(token *jwt.Token) (any, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing algorithm")
		}
		return s.idpSecret, nil
	})
	if err != nil || claims.Subject != userID {
		return rejected(http.StatusUnauthorized, domain.CodeSessionTokenInvalid, "idp assertion rejected")
	}
	return nil
}

// SignHandshake mints the HS256 assertion the reference backend accepts as
// idp_jwt. It stands in for the identity provider in dev and tests.
func SignHandshake(secret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    "devbackend-idp",
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.NewString(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
