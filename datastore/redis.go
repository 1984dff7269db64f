package datastore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/flashbots/rollup-boost/common"
	"github.com/go-redis/redis/v9"
)

var redisPrefix = "rollup-boost"

func connectRedis(redisURI string) (*redis.Client, error) {
	opts := &redis.Options{Addr: redisURI}
	if strings.HasPrefix(redisURI, "redis://") || strings.HasPrefix(redisURI, "rediss://") {
		parsed, err := redis.ParseURL(redisURI)
		if err != nil {
			return nil, err
		}
		opts = parsed
	}

	redisClient := redis.NewClient(opts)
	if _, err := redisClient.Ping(context.Background()).Result(); err != nil {
		// unable to connect to redis
		return nil, err
	}
	return redisClient, nil
}

// RedisCache persists state that has to survive restarts
type RedisCache struct {
	client *redis.Client

	keyBuilderHealth string
	keyPayloadStats  string
}

func NewRedisCache(redisURI, prefix string) (*RedisCache, error) {
	client, err := connectRedis(redisURI)
	if err != nil {
		return nil, err
	}

	return &RedisCache{
		client: client,

		keyBuilderHealth: fmt.Sprintf("%s/%s:builder-health", redisPrefix, prefix),
		keyPayloadStats:  fmt.Sprintf("%s/%s:payload-stats", redisPrefix, prefix),
	}, nil
}

// SaveBuilderHealth stores the latest builder health snapshot
func (r *RedisCache) SaveBuilderHealth(ctx context.Context, health common.BuilderHealth) error {
	marshalledValue, err := json.Marshal(health)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.keyBuilderHealth, marshalledValue, 0).Err()
}

// GetBuilderHealth returns the stored snapshot, or nil if there is none
func (r *RedisCache) GetBuilderHealth(ctx context.Context) (*common.BuilderHealth, error) {
	value, err := r.client.Get(ctx, r.keyBuilderHealth).Result()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	health := new(common.BuilderHealth)
	err = json.Unmarshal([]byte(value), health)
	return health, err
}

// IncPayloadStat increments the delivered payload counter for field (a source or fallback reason)
func (r *RedisCache) IncPayloadStat(ctx context.Context, field string) (newVal int64, err error) {
	return r.client.HIncrBy(ctx, r.keyPayloadStats, field, 1).Result()
}

// GetPayloadStats returns all delivered payload counters
func (r *RedisCache) GetPayloadStats(ctx context.Context) (map[string]int64, error) {
	entries, err := r.client.HGetAll(ctx, r.keyPayloadStats).Result()
	if err != nil {
		return nil, err
	}
	stats := make(map[string]int64, len(entries))
	for field, value := range entries {
		var n int64
		if _, err := fmt.Sscan(value, &n); err == nil {
			stats[field] = n
		}
	}
	return stats, nil
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}
