package repository

import (
	"context"
	"errors"
	"time"

	"github.com/sandeepkv93/session-auth-gateway/internal/observability"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrSessionNotFound = errors.New("session not found")

const (
	RevokeReasonRotated   = "rotated"
	RevokeReasonSignOut   = "sign_out"
	RevokeReasonRevokeAll = "revoke_all"
)

type SessionRepository interface {
	Create(ctx context.Context, s *SessionRecord) error
	FindByHash(ctx context.Context, hash string) (*SessionRecord, error)
	FindActiveByFamily(ctx context.Context, familyID string) (*SessionRecord, error)
	RotateSession(ctx context.Context, oldHash string, next *SessionRecord) (*SessionRecord, error)
	RevokeFamilyByHash(ctx context.Context, hash, reason string) (bool, error)
	RevokeByUserID(ctx context.Context, userID, reason string) (int64, error)
	CleanupExpired(ctx context.Context) (int64, error)
}

type GormSessionRepository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewSessionRepository(db *gorm.DB) *GormSessionRepository {
	return &GormSessionRepository{db: db, now: time.Now}
}

func (r *GormSessionRepository) Create(ctx context.Context, s *SessionRecord) error {
	if err := r.db.WithContext(ctx).Create(s).Error; err != nil {
		observability.RecordRepositoryOperation(ctx, "session", "create", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "session", "create", "success")
	return nil
}

// FindByHash returns the record whatever its state; callers decide what a
// revoked or expired record means.
func (r *GormSessionRepository) FindByHash(ctx context.Context, hash string) (*SessionRecord, error) {
	var s SessionRecord
	err := r.db.WithContext(ctx).Where("refresh_token_hash = ?", hash).First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(ctx, "session", "find_by_hash", "not_found")
			return nil, ErrSessionNotFound
		}
		observability.RecordRepositoryOperation(ctx, "session", "find_by_hash", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "session", "find_by_hash", "success")
	return &s, nil
}

// FindActiveByFamily returns the live head of a refresh chain. A family with
// no live head has been signed out or has expired.
func (r *GormSessionRepository) FindActiveByFamily(ctx context.Context, familyID string) (*SessionRecord, error) {
	var s SessionRecord
	err := r.db.WithContext(ctx).
		Where("family_id = ? AND revoked_at IS NULL AND expires_at > ?", familyID, r.now()).
		Order("created_at DESC").
		First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(ctx, "session", "find_active_by_family", "not_found")
			return nil, ErrSessionNotFound
		}
		observability.RecordRepositoryOperation(ctx, "session", "find_active_by_family", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "session", "find_active_by_family", "success")
	return &s, nil
}

// RotateSession consumes the live record behind oldHash and inserts next in
// the same transaction. Only one of several concurrent callers presenting
// the same hash succeeds; the rest get ErrSessionNotFound.
func (r *GormSessionRepository) RotateSession(ctx context.Context, oldHash string, next *SessionRecord) (*SessionRecord, error) {
	var rotated *SessionRecord
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var s SessionRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("refresh_token_hash = ? AND revoked_at IS NULL AND expires_at > ?", oldHash, r.now()).
			First(&s).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSessionNotFound
			}
			return err
		}
		now := r.now().UTC()
		reason := RevokeReasonRotated
		res := tx.Model(&SessionRecord{}).
			Where("id = ? AND revoked_at IS NULL", s.ID).
			Updates(map[string]any{"revoked_at": now, "revoked_reason": reason})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return ErrSessionNotFound
		}
		if err := tx.Create(next).Error; err != nil {
			return err
		}
		s.RevokedAt = &now
		s.RevokedReason = &reason
		rotated = &s
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			observability.RecordRepositoryOperation(ctx, "session", "rotate_session", "not_found")
		} else {
			observability.RecordRepositoryOperation(ctx, "session", "rotate_session", "error")
		}
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "session", "rotate_session", "success")
	return rotated, nil
}

// RevokeFamilyByHash ends the whole login when hash is its live head. A
// consumed or unknown hash revokes nothing and reports false.
func (r *GormSessionRepository) RevokeFamilyByHash(ctx context.Context, hash, reason string) (bool, error) {
	s, err := r.FindByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return false, nil
		}
		return false, err
	}
	if s.RevokedAt != nil {
		return false, nil
	}
	res := r.db.WithContext(ctx).Model(&SessionRecord{}).
		Where("family_id = ? AND revoked_at IS NULL", s.FamilyID).
		Updates(map[string]any{"revoked_at": r.now().UTC(), "revoked_reason": reason})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "session", "revoke_family_by_hash", "error")
		return false, res.Error
	}
	observability.RecordRepositoryOperation(ctx, "session", "revoke_family_by_hash", "success")
	return res.RowsAffected > 0, nil
}

func (r *GormSessionRepository) RevokeByUserID(ctx context.Context, userID, reason string) (int64, error) {
	res := r.db.WithContext(ctx).Model(&SessionRecord{}).
		Where("user_id = ? AND revoked_at IS NULL", userID).
		Updates(map[string]any{"revoked_at": r.now().UTC(), "revoked_reason": reason})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "session", "revoke_by_user_id", "error")
		return res.RowsAffected, res.Error
	}
	observability.RecordRepositoryOperation(ctx, "session", "revoke_by_user_id", "success")
	return res.RowsAffected, nil
}

func (r *GormSessionRepository) CleanupExpired(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).Where("expires_at <= ?", r.now()).Delete(&SessionRecord{})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "session", "cleanup_expired", "error")
		return res.RowsAffected, res.Error
	}
	observability.RecordRepositoryOperation(ctx, "session", "cleanup_expired", "success")
	return res.RowsAffected, nil
}
