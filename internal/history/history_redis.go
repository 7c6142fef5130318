package history

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"pkgscout/searchservice/internal/domain"
)

const redisHistoryKey = "pkgsearch:history"

// RedisStore keeps snapshots in a capped Redis list, newest first, shared
// between service instances.
type RedisStore struct {
	client *redis.Client
	limit  int64
}

func NewRedisStore(client *redis.Client, limit int) *RedisStore {
	if limit <= 0 {
		limit = defaultLimit
	}
	return &RedisStore{client: client, limit: int64(limit)}
}

func (s *RedisStore) Record(snapshot domain.HistorySnapshot) {
	stamp(&snapshot)

	data, err := json.Marshal(snapshot)
	if err != nil {
		slog.Warn("history: marshal snapshot failed", slog.String("error", err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, redisHistoryKey, data)
	pipe.LTrim(ctx, redisHistoryKey, 0, s.limit-1)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("history: record snapshot failed",
			slog.String("query", snapshot.Query),
			slog.String("error", err.Error()))
	}
}

func (s *RedisStore) List(ctx context.Context) ([]domain.HistorySnapshot, error) {
	entries, err := s.client.LRange(ctx, redisHistoryKey, 0, s.limit-1).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	snaps := make([]domain.HistorySnapshot, 0, len(entries))
	for _, entry := range entries {
		var snap domain.HistorySnapshot
		if err := json.Unmarshal([]byte(entry), &snap); err != nil {
			slog.Warn("history: skipping corrupt snapshot", slog.String("error", err.Error()))
			continue
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (domain.HistorySnapshot, bool, error) {
	snaps, err := s.List(ctx)
	if err != nil {
		return domain.HistorySnapshot{}, false, err
	}
	for _, snap := range snaps {
		if snap.ID == id {
			return snap, true, nil
		}
	}
	return domain.HistorySnapshot{}, false, nil
}
