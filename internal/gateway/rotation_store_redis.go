package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sandeepkv93/session-auth-gateway/internal/domain"
	"github.com/sandeepkv93/session-auth-gateway/internal/security"
)

// RedisRotationStore shares replacement sessions between gateway instances.
// Values are sealed because they are live credentials.
type RedisRotationStore struct {
	client redis.UniversalClient
	sealer *security.Sealer
	prefix string
}

func NewRedisRotationStore(client redis.UniversalClient, sealer *security.Sealer, prefix string) *RedisRotationStore {
	if prefix == "" {
		prefix = "session_rotation"
	}
	return &RedisRotationStore{
		client: client,
		sealer: sealer,
		prefix: prefix,
	}
}

func (s *RedisRotationStore) Lookup(ctx context.Context, key string) (domain.Session, bool, error) {
	if s.client == nil {
		return domain.Session{}, false, nil
	}
	raw, err := s.client.Get(ctx, s.dataKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Session{}, false, nil
	}
	if err != nil {
		return domain.Session{}, false, err
	}
	plain, err := s.sealer.Open(raw, []byte(key))
	if err != nil {
		return domain.Session{}, false, fmt.Errorf("open rotation entry: %w", err)
	}
	var session domain.Session
	if err := json.Unmarshal(plain, &session); err != nil {
		return domain.Session{}, false, fmt.Errorf("decode rotation entry: %w", err)
	}
	return session, true, nil
}

// Remember uses SET NX so the first instance to complete a rotation wins and
// later writers cannot replace its session.
func (s *RedisRotationStore) Remember(ctx context.Context, key string, session domain.Session, ttl time.Duration) error {
	if s.client == nil || ttl <= 0 {
		return nil
	}
	plain, err := json.Marshal(session)
	if err != nil {
		return err
	}
	sealed, err := s.sealer.Seal(plain, []byte(key))
	if err != nil {
		return fmt.Errorf("seal rotation entry: %w", err)
	}
	return s.client.SetNX(ctx, s.dataKey(key), sealed, ttl).Err()
}

func (s *RedisRotationStore) Backend() string { return "redis" }

func (s *RedisRotationStore) dataKey(key string) string {
	return fmt.Sprintf("%s:data:%s", s.prefix, key)
}
