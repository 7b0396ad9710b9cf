package services

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/trobanga/mediaflow/internal/models"
)

const redisBarrierPrefix = "mediaflow:barrier:"

// RedisBarrier keeps split counters in Redis so several orchestrator
// instances can consume responses for the same job. The count is an INCR
// and the firing is a SETNX on a separate key, so exactly one caller sees
// complete even across processes.
type RedisBarrier struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisBarrier connects to Redis at addr. Keys expire after ttl.
func NewRedisBarrier(addr string, ttl time.Duration) *RedisBarrier {
	return NewRedisBarrierWithClient(redis.NewClient(&redis.Options{Addr: addr}), ttl)
}

// NewRedisBarrierWithClient wraps an existing client
func NewRedisBarrierWithClient(client *redis.Client, ttl time.Duration) *RedisBarrier {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisBarrier{client: client, ttl: ttl}
}

func countKey(correlationID string) string {
	return redisBarrierPrefix + "count:" + correlationID
}

func firedKey(correlationID string) string {
	return redisBarrierPrefix + "fired:" + correlationID
}

// Ping checks the connection
func (b *RedisBarrier) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBarrier) Record(ctx context.Context, resp models.WorkResponse) (int, bool, error) {
	expected := int64(resp.SplitSize)
	if expected < 1 {
		expected = 1
	}

	var incr *redis.IntCmd
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, countKey(resp.CorrelationID))
		pipe.Expire(ctx, countKey(resp.CorrelationID), b.ttl)
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("barrier increment %s: %w", resp.CorrelationID, err)
	}

	n := incr.Val()
	if n < expected {
		return int(n), false, nil
	}
	if n > expected {
		return int(expected), false, nil
	}

	won, err := b.client.SetNX(ctx, firedKey(resp.CorrelationID), 1, b.ttl).Result()
	if err != nil {
		return int(n), false, fmt.Errorf("barrier fire %s: %w", resp.CorrelationID, err)
	}
	return int(n), won, nil
}

func (b *RedisBarrier) ClearJob(ctx context.Context, jobID string) error {
	for _, pattern := range []string{countKey(jobID + ":*"), firedKey(jobID + ":*")} {
		iter := b.client.Scan(ctx, 0, pattern, 100).Iterator()
		var keys []string
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("scan barrier keys: %w", err)
		}
		if len(keys) > 0 {
			if err := b.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("delete barrier keys: %w", err)
			}
		}
	}
	return nil
}

func (b *RedisBarrier) Close() error {
	return b.client.Close()
}
