package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisWindow keeps each sliding window as a sorted set scored by event time
// in nanoseconds. All replicas share the same sets, so a caller cannot dodge
// a limit by landing on a different gateway instance.
type RedisWindow struct {
	client *redis.Client
}

// NewRedisWindow wraps an existing client.
func NewRedisWindow(client *redis.Client) *RedisWindow {
	return &RedisWindow{client: client}
}

// Take runs the window maintenance as one transactional pipeline: prune
// entries older than the window, add this event, count, refresh the TTL.
// When the count lands over the limit the event is removed so a rejected
// request never occupies capacity.
func (w *RedisWindow) Take(ctx context.Context, key string, window time.Duration, limit int64) (int64, time.Time, error) {
	now := time.Now()
	member := uuid.Must(uuid.NewV7()).String()
	cutoff := strconv.FormatInt(now.Add(-window).UnixNano(), 10)

	var card *redis.IntCmd
	_, err := w.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", cutoff)
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
		card = pipe.ZCard(ctx, key)
		pipe.Expire(ctx, key, window)
		return nil
	})
	if err != nil {
		return 0, time.Time{}, err
	}
	count := card.Val()
	if count <= limit {
		return count, time.Time{}, nil
	}

	// Over budget: release the slot and find when the window frees up.
	var earliest time.Time
	if _, err := w.client.ZRem(ctx, key, member).Result(); err != nil {
		return count, time.Time{}, err
	}
	zs, err := w.client.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil {
		return count, time.Time{}, err
	}
	if len(zs) > 0 {
		earliest = time.Unix(0, int64(zs[0].Score))
	} else {
		earliest = now
	}
	return count, earliest, nil
}
