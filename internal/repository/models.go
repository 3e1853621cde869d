package repository

import "time"

// SessionRecord is one link in a login's refresh chain. Every rotation
// revokes the current link and appends a new one with the same FamilyID.
type SessionRecord struct {
	ID               string     `gorm:"primaryKey;size:36"`
	UserID           string     `gorm:"size:128;index;not null"`
	FamilyID         string     `gorm:"size:36;index;not null"`
	ParentID         *string    `gorm:"size:36;index"`
	RefreshTokenHash string     `gorm:"size:128;uniqueIndex;not null"`
	ExpiresAt        time.Time  `gorm:"index;not null"`
	RevokedAt        *time.Time `gorm:"index"`
	RevokedReason    *string    `gorm:"size:64"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (SessionRecord) TableName() string { return "sessions" }

type Membership struct {
	ID        uint   `gorm:"primaryKey"`
	UserID    string `gorm:"size:128;not null;uniqueIndex:idx_membership_user_team"`
	TeamSlug  string `gorm:"size:128;not null;uniqueIndex:idx_membership_user_team"`
	CreatedAt time.Time
}

func (Membership) TableName() string { return "team_memberships" }
