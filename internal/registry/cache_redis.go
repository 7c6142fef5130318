package registry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"pkgscout/searchservice/internal/domain"
)

const redisDetailsPrefix = "pkgsearch:details:"

// RedisDetailsBackend stores package details in Redis with JSON serialization.
type RedisDetailsBackend struct {
	client *redis.Client
}

func NewRedisDetailsBackend(client *redis.Client) *RedisDetailsBackend {
	return &RedisDetailsBackend{client: client}
}

func (r *RedisDetailsBackend) Get(ctx context.Context, name string) (domain.PackageDetails, bool, error) {
	data, err := r.client.Get(ctx, redisDetailsPrefix+name).Bytes()
	if err != nil {
		if err == redis.Nil {
			return domain.PackageDetails{}, false, nil
		}
		return domain.PackageDetails{}, false, err
	}
	var details domain.PackageDetails
	if err := json.Unmarshal(data, &details); err != nil {
		return domain.PackageDetails{}, false, err
	}
	return details, true, nil
}

func (r *RedisDetailsBackend) Set(ctx context.Context, name string, details domain.PackageDetails, ttl time.Duration) error {
	data, err := json.Marshal(details)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, redisDetailsPrefix+name, data, ttl).Err()
}

func (r *RedisDetailsBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
