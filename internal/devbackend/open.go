package devbackend

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sandeepkv93/session-auth-gateway/internal/config"
	"github.com/sandeepkv93/session-auth-gateway/internal/repository"
	"github.com/sandeepkv93/session-auth-gateway/internal/security"
)

// Open connects the database, migrates it, applies the configured seed
// memberships and returns the service with a func that closes the database.
func Open(ctx context.Context, cfg *config.Config) (*Service, func() error, error) {
	db, err := repository.Open(cfg.DevBackendDSN)
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, fmt.Errorf("devbackend: %w", err)
	}
	if err := repository.Migrate(db); err != nil {
		_ = sqlDB.Close()
		return nil, nil, err
	}

	svc := NewService(
		repository.NewSessionRepository(db),
		repository.NewMembershipRepository(db),
		Options{
			JWT:        security.NewJWTManager(cfg.DevBackendTokenIssuer, cfg.DevBackendTokenAudience, cfg.DevBackendJWTSecret),
			IDPSecret:  cfg.DevBackendIDPSecret,
			Pepper:     cfg.DevBackendJWTSecret,
			AccessTTL:  cfg.DevBackendAccessTTL,
			RefreshTTL: cfg.DevBackendRefreshTTL,
		},
	)
	if cfg.DevBackendSeedUser != "" {
		if err := svc.Grant(ctx, cfg.DevBackendSeedUser, cfg.DevBackendSeedTeams...); err != nil {
			_ = sqlDB.Close()
			return nil, nil, fmt.Errorf("seed memberships: %w", err)
		}
	}
	return svc, sqlDB.Close, nil
}

// SweepExpired deletes expired session records every interval until ctx is
// done.
func (s *Service) SweepExpired(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.CleanupExpired(ctx)
			if err != nil {
				logger.Warn("session cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("expired sessions removed", "count", n)
			}
		}
	}
}
