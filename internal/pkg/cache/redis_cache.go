package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/3Eeeecho/go-deliverables/internal/pkg/logger"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

var ErrCacheMiss error = errors.New("缓存未命中,key不存在")

type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (r *RedisCache) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	err := r.client.Del(ctx, keys...).Err()
	if err != nil {
		logger.Error("Failed to delete keys from Redis", zap.Strings("keys", keys), zap.Error(err))
		return fmt.Errorf("从 Redis 删除键失败: %w", err)
	}
	return nil
}

// HSetAll 在一个事务里删除旧哈希、写入新字段并设置过期时间
// go-redis/v8中HMSet已经被弃用,选择HSet配合map实现
func (r *RedisCache) HSetAll(ctx context.Context, key string, fields map[string]any, expiration time.Duration) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, fields)
	if expiration > 0 {
		pipe.Expire(ctx, key, expiration)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Error("Failed to HSetAll fields in Redis", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("HSetAll 操作失败: %w", err)
	}
	return nil
}

func (r *RedisCache) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	resultMap, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		logger.Error("Failed to HGetAll from Redis", zap.String("key", key), zap.Error(err))
		return nil, fmt.Errorf("HGetAll 操作失败: %w", err)
	}
	// key 不存在时 HGetAll 返回空 map
	if len(resultMap) == 0 {
		return nil, ErrCacheMiss
	}
	return resultMap, nil
}

func (r *RedisCache) XAdd(ctx context.Context, stream string, maxLen int64, values map[string]any) (string, error) {
	id, err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		logger.Error("Failed to XAdd to Redis stream", zap.String("stream", stream), zap.Error(err))
		return "", fmt.Errorf("XAdd 操作失败: %w", err)
	}
	return id, nil
}

// unlockScript 仅当锁仍由 token 持有时删除
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// TryLock 即 SET key token NX PX ttl
func (r *RedisCache) TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		logger.Error("Failed to acquire lock in Redis", zap.String("key", key), zap.Error(err))
		return false, fmt.Errorf("获取 Redis 锁失败: %w", err)
	}
	return ok, nil
}

func (r *RedisCache) Unlock(ctx context.Context, key, token string) (bool, error) {
	n, err := unlockScript.Run(ctx, r.client, []string{key}, token).Int()
	if err != nil {
		logger.Error("Failed to release lock in Redis", zap.String("key", key), zap.Error(err))
		return false, fmt.Errorf("释放 Redis 锁失败: %w", err)
	}
	return n == 1, nil
}
