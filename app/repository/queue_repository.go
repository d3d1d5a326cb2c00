package repository

import (
	"context"
	"sort"
	"time"

	"github.com/finreport/finreport/internal/pkg/cache"
	"github.com/redis/go-redis/v9"
)

const scanBatchSize = 500

// queueRepository implements the QueueRepository interface on Redis
type queueRepository struct {
	client *redis.Client
}

// NewQueueRepository creates a queue repository. A nil client falls back to the shared cache client.
func NewQueueRepository(client *redis.Client) QueueRepository {
	return &queueRepository{client: client}
}

func (r *queueRepository) rdb() *redis.Client {
	if r.client != nil {
		return r.client
	}
	return cache.GetClient()
}

// GetAllKeys retrieves all keys from Redis
func (r *queueRepository) GetAllKeys(ctx context.Context) ([]string, error) {
	return r.FindKeysByPatterns(ctx, []string{"*"})
}

// GetValue retrieves a string value for a key
func (r *queueRepository) GetValue(ctx context.Context, key string) (string, error) {
	return r.rdb().Get(ctx, key).Result()
}

// GetTTL retrieves the time-to-live for a key
func (r *queueRepository) GetTTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := r.rdb().TTL(ctx, key).Result()
	if err != nil {
		return -1, err
	}
	return ttl, nil
}

// DeleteKey deletes a key
func (r *queueRepository) DeleteKey(ctx context.Context, key string) (int64, error) {
	return r.rdb().Del(ctx, key).Result()
}

// GetListLength returns the length of a Redis list
func (r *queueRepository) GetListLength(ctx context.Context, key string) (int64, error) {
	return r.rdb().LLen(ctx, key).Result()
}

// PeekList returns up to limit entries from the consuming end of a list without removing them.
func (r *queueRepository) PeekList(ctx context.Context, key string, limit int64) ([]string, error) {
	if limit <= 0 {
		return []string{}, nil
	}
	return r.rdb().LRange(ctx, key, -limit, -1).Result()
}

// FindKeysByPatterns retrieves keys for the provided match patterns using SCAN.
func (r *queueRepository) FindKeysByPatterns(ctx context.Context, patterns []string) ([]string, error) {
	client := r.rdb()
	uniqueKeys := make(map[string]struct{})

	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}

		var cursor uint64
		for {
			keys, nextCursor, err := client.Scan(ctx, cursor, pattern, scanBatchSize).Result()
			if err != nil {
				return nil, err
			}
			for _, key := range keys {
				uniqueKeys[key] = struct{}{}
			}
			cursor = nextCursor
			if cursor == 0 {
				break
			}
		}
	}

	keys := make([]string, 0, len(uniqueKeys))
	for key := range uniqueKeys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// DeleteKeys deletes keys in batches and returns the total number of deleted keys.
func (r *queueRepository) DeleteKeys(ctx context.Context, keys []string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	client := r.rdb()
	var totalDeleted int64
	for i := 0; i < len(keys); i += scanBatchSize {
		end := min(i+scanBatchSize, len(keys))
		deleted, err := client.Del(ctx, keys[i:end]...).Result()
		if err != nil {
			return totalDeleted, err
		}
		totalDeleted += deleted
	}
	return totalDeleted, nil
}
