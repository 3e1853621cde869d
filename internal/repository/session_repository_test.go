package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"
)

func TestSessionRepositoryRotateConsumesOnce(t *testing.T) {
	repo, _ := newReposForTest(t)
	ctx := context.Background()

	head := newRecord("s1", "u1", "fam-1", "h1", time.Now().Add(time.Hour))
	if err := repo.Create(ctx, head); err != nil {
		t.Fatalf("create: %v", err)
	}

	parent := head.ID
	next := newRecord("s2", "u1", "fam-1", "h2", time.Now().Add(time.Hour))
	next.ParentID = &parent
	rotated, err := repo.RotateSession(ctx, "h1", next)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rotated.RevokedAt == nil || rotated.RevokedReason == nil || *rotated.RevokedReason != RevokeReasonRotated {
		t.Fatalf("expected consumed record to be marked rotated, got %+v", rotated)
	}

	if _, err := repo.RotateSession(ctx, "h1", newRecord("s3", "u1", "fam-1", "h3", time.Now().Add(time.Hour))); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected second rotation of h1 to fail, got %v", err)
	}

	live, err := repo.FindActiveByFamily(ctx, "fam-1")
	if err != nil {
		t.Fatalf("find active: %v", err)
	}
	if live.ID != "s2" {
		t.Fatalf("expected s2 to be the live head, got %s", live.ID)
	}
}

func TestSessionRepositoryConcurrentRotationHasOneWinner(t *testing.T) {
	repo, _ := newReposForTest(t)
	ctx := context.Background()
	if err := repo.Create(ctx, newRecord("s1", "u1", "fam-1", "h1", time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("create: %v", err)
	}

	const racers = 4
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := newRecord(fmt.Sprintf("n%d", i), "u1", "fam-1", fmt.Sprintf("nh%d", i), time.Now().Add(time.Hour))
			if _, err := repo.RotateSession(ctx, "h1", next); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			} else if !errors.Is(err, ErrSessionNotFound) {
				t.Errorf("unexpected rotation error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("expected exactly one rotation to win, got %d", winners)
	}
}

func TestSessionRepositoryRotateRejectsExpired(t *testing.T) {
	repo, _ := newReposForTest(t)
	ctx := context.Background()
	if err := repo.Create(ctx, newRecord("s1", "u1", "fam-1", "h1", time.Now().Add(-time.Minute))); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := repo.RotateSession(ctx, "h1", newRecord("s2", "u1", "fam-1", "h2", time.Now().Add(time.Hour))); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected expired record to be unrotatable, got %v", err)
	}
}

func TestSessionRepositoryRevokeFamilyByHash(t *testing.T) {
	repo, _ := newReposForTest(t)
	ctx := context.Background()
	if err := repo.Create(ctx, newRecord("s1", "u1", "fam-1", "h1", time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := repo.RotateSession(ctx, "h1", newRecord("s2", "u1", "fam-1", "h2", time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if err := repo.Create(ctx, newRecord("o1", "u1", "fam-2", "other", time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("create other family: %v", err)
	}

	// a consumed link no longer speaks for its family
	ok, err := repo.RevokeFamilyByHash(ctx, "h1", RevokeReasonSignOut)
	if err != nil || ok {
		t.Fatalf("expected consumed hash to revoke nothing, got ok=%v err=%v", ok, err)
	}
	if _, err := repo.FindActiveByFamily(ctx, "fam-1"); err != nil {
		t.Fatalf("expected fam-1 head to survive, got %v", err)
	}

	ok, err = repo.RevokeFamilyByHash(ctx, "h2", RevokeReasonSignOut)
	if err != nil || !ok {
		t.Fatalf("expected family revoke to succeed, got ok=%v err=%v", ok, err)
	}
	if _, err := repo.FindActiveByFamily(ctx, "fam-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected fam-1 to have no live head, got %v", err)
	}
	if _, err := repo.FindActiveByFamily(ctx, "fam-2"); err != nil {
		t.Fatalf("expected fam-2 untouched, got %v", err)
	}

	ok, err = repo.RevokeFamilyByHash(ctx, "h2", RevokeReasonSignOut)
	if err != nil || ok {
		t.Fatalf("expected second revoke to be a no-op, got ok=%v err=%v", ok, err)
	}
	ok, err = repo.RevokeFamilyByHash(ctx, "unknown", RevokeReasonSignOut)
	if err != nil || ok {
		t.Fatalf("expected unknown hash to be a no-op, got ok=%v err=%v", ok, err)
	}
}

func TestSessionRepositoryRevokeByUserIDAndCleanup(t *testing.T) {
	repo, _ := newReposForTest(t)
	ctx := context.Background()
	for _, rec := range []*SessionRecord{
		newRecord("a", "u1", "fam-a", "ha", time.Now().Add(time.Hour)),
		newRecord("b", "u1", "fam-b", "hb", time.Now().Add(time.Hour)),
		newRecord("c", "u2", "fam-c", "hc", time.Now().Add(time.Hour)),
		newRecord("d", "u2", "fam-d", "hd", time.Now().Add(-time.Hour)),
	} {
		if err := repo.Create(ctx, rec); err != nil {
			t.Fatalf("create %s: %v", rec.ID, err)
		}
	}

	n, err := repo.RevokeByUserID(ctx, "u1", RevokeReasonRevokeAll)
	if err != nil || n != 2 {
		t.Fatalf("expected two revoked sessions, got %d err=%v", n, err)
	}
	if _, err := repo.FindActiveByFamily(ctx, "fam-c"); err != nil {
		t.Fatalf("expected other user untouched, got %v", err)
	}

	removed, err := repo.CleanupExpired(ctx)
	if err != nil || removed != 1 {
		t.Fatalf("expected one expired session removed, got %d err=%v", removed, err)
	}
}

func TestMembershipRepositoryGrantIsIdempotent(t *testing.T) {
	_, members := newReposForTest(t)
	ctx := context.Background()

	if err := members.Grant(ctx, "u1", "acme", "globex"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := members.Grant(ctx, "u1", "acme"); err != nil {
		t.Fatalf("regrant: %v", err)
	}

	teams, err := members.ListTeams(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if strings.Join(teams, ",") != "acme,globex" {
		t.Fatalf("unexpected teams %v", teams)
	}
	if ok, _ := members.IsMember(ctx, "u1", "acme"); !ok {
		t.Fatal("expected u1 to be an acme member")
	}
	if ok, _ := members.IsMember(ctx, "u2", "acme"); ok {
		t.Fatal("expected u2 not to be an acme member")
	}
}

func TestIsPostgresDSN(t *testing.T) {
	tests := []struct {
		dsn  string
		want bool
	}{
		{dsn: "postgres://gw:pw@localhost:5432/gw", want: true},
		{dsn: "postgresql://localhost/gw", want: true},
		{dsn: "host=localhost user=gw dbname=gw", want: true},
		{dsn: "file:devbackend.db?_busy_timeout=5000", want: false},
		{dsn: ":memory:", want: false},
	}
	for _, tc := range tests {
		if got := isPostgresDSN(tc.dsn); got != tc.want {
			t.Fatalf("isPostgresDSN(%q) = %v, want %v", tc.dsn, got, tc.want)
		}
	}
}

func newReposForTest(t *testing.T) (*GormSessionRepository, *GormMembershipRepository) {
	t.Helper()
	db := openTestDB(t)
	return NewSessionRepository(db), NewMembershipRepository(db)
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := Open(dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func newRecord(id, userID, familyID, hash string, expiresAt time.Time) *SessionRecord {
	return &SessionRecord{
		ID:               id,
		UserID:           userID,
		FamilyID:         familyID,
		RefreshTokenHash: hash,
		ExpiresAt:        expiresAt,
	}
}
