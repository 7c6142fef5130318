package settings

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"pkgscout/searchservice/internal/domain"
)

const (
	redisSettingsPrefix = "pkgsearch:settings:"
	redisSettingsTTL    = 7 * 24 * time.Hour
)

// RedisStore persists per-session settings in Redis so they survive a
// service restart. Entries expire with the session key TTL.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, sessionID string) (domain.SearchSettings, error) {
	data, err := s.client.Get(ctx, redisSettingsPrefix+sessionID).Bytes()
	if err != nil {
		if err == redis.Nil {
			return domain.DefaultSearchSettings(), nil
		}
		return domain.DefaultSearchSettings(), err
	}
	var settings domain.SearchSettings
	if err := json.Unmarshal(data, &settings); err != nil {
		return domain.DefaultSearchSettings(), err
	}
	return normalize(settings), nil
}

func (s *RedisStore) Put(ctx context.Context, sessionID string, settings domain.SearchSettings) error {
	data, err := json.Marshal(normalize(settings))
	if err != nil {
		return err
	}
	return s.client.Set(ctx, redisSettingsPrefix+sessionID, data, redisSettingsTTL).Err()
}

func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, redisSettingsPrefix+sessionID).Err()
}
