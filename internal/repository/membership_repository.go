package repository

import (
	"context"

	"github.com/sandeepkv93/session-auth-gateway/internal/observability"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type MembershipRepository interface {
	Grant(ctx context.Context, userID string, teams ...string) error
	IsMember(ctx context.Context, userID, team string) (bool, error)
	ListTeams(ctx context.Context, userID string) ([]string, error)
}

type GormMembershipRepository struct{ db *gorm.DB }

func NewMembershipRepository(db *gorm.DB) *GormMembershipRepository {
	return &GormMembershipRepository{db: db}
}

// Grant is idempotent: existing memberships are left alone.
func (r *GormMembershipRepository) Grant(ctx context.Context, userID string, teams ...string) error {
	if len(teams) == 0 {
		return nil
	}
	rows := make([]Membership, 0, len(teams))
	for _, t := range teams {
		rows = append(rows, Membership{UserID: userID, TeamSlug: t})
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "membership", "grant", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "membership", "grant", "success")
	return nil
}

func (r *GormMembershipRepository) IsMember(ctx context.Context, userID, team string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Membership{}).
		Where("user_id = ? AND team_slug = ?", userID, team).
		Count(&n).Error
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "membership", "is_member", "error")
		return false, err
	}
	observability.RecordRepositoryOperation(ctx, "membership", "is_member", "success")
	return n > 0, nil
}

func (r *GormMembershipRepository) ListTeams(ctx context.Context, userID string) ([]string, error) {
	var teams []string
	err := r.db.WithContext(ctx).Model(&Membership{}).
		Where("user_id = ?", userID).
		Order("team_slug ASC").
		Pluck("team_slug", &teams).Error
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "membership", "list_teams", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "membership", "list_teams", "success")
	return teams, nil
}
