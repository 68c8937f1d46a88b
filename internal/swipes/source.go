package swipes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/redis/go-redis/v9"
)

const defaultScanCount = 100

// Batch is the content of the buffer for one day.
type Batch struct {
	Day    string
	Swipes []Swipe
	// Invalid lists the keys that were skipped because they could not be parsed.
	Invalid []string
}

// Source reads buffered swipes and acknowledges the ones that were persisted.
type Source interface {
	Pending(ctx context.Context, day string) (Batch, error)
	Ack(ctx context.Context, swipes []Swipe) error
}

// RedisSource reads the swipe buffer from Redis.
type RedisSource struct {
	client    redis.UniversalClient
	logger    *slog.Logger
	scanCount int64
}

// NewRedisSource creates a source over client.
func NewRedisSource(client redis.UniversalClient, logger *slog.Logger) *RedisSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisSource{client: client, logger: logger, scanCount: defaultScanCount}
}

// NewRedisClient creates a client from a redis:// URL.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// Pending returns the swipes of day, sorted by key. Keys are listed with SCAN;
// keys that vanish between SCAN and GET are ignored and malformed ones are
// reported in Batch.Invalid.
func (s *RedisSource) Pending(ctx context.Context, day string) (Batch, error) {
	batch := Batch{Day: day}

	var keys []string
	var cursor uint64
	for {
		page, next, err := s.client.Scan(ctx, cursor, day+":*", s.scanCount).Result()
		if err != nil {
			return batch, fmt.Errorf("scan %s: %w", day, err)
		}
		keys = append(keys, page...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Strings(keys)

	seen := make(map[string]bool, len(keys))
	for _, key := range keys {
		if seen[key] {
			continue // SCAN may return a key twice
		}
		seen[key] = true

		value, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return batch, fmt.Errorf("get %s: %w", key, err)
		}

		swipe, err := Parse(key, value)
		if err != nil {
			s.logger.Warn("skipping malformed swipe", "key", key, "error", err)
			batch.Invalid = append(batch.Invalid, key)
			continue
		}
		batch.Swipes = append(batch.Swipes, swipe)
	}

	s.logger.Info("swipes loaded", "day", day, "valid", len(batch.Swipes), "invalid", len(batch.Invalid))
	return batch, nil
}

// Ack deletes the keys of the given swipes.
func (s *RedisSource) Ack(ctx context.Context, swipes []Swipe) error {
	if len(swipes) == 0 {
		return nil
	}
	keys := make([]string, len(swipes))
	for i, sw := range swipes {
		keys[i] = sw.Key
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete %d swipe key(s): %w", len(keys), err)
	}
	return nil
}
