package cache

import (
	"context"
	"fmt"
	"time"
)

// 缓存通用接口
type Cache interface {
	// 删除一个或多个key
	Del(ctx context.Context, keys ...string) error

	// HSetAll 整体替换一个哈希并设置过期时间
	HSetAll(ctx context.Context, key string, fields map[string]any, expiration time.Duration) error
	// HGetAll key 不存在时返回 ErrCacheMiss
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// XAdd 向 Stream 追加一条消息，maxLen 为近似上限
	XAdd(ctx context.Context, stream string, maxLen int64, values map[string]any) (string, error)

	// 分布式锁，token 用于保证只释放自己持有的锁
	TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key, token string) (bool, error)
}

func GenerateSessionKey(uploadID string) string {
	return fmt.Sprintf("upload:session:%s", uploadID)
}

func GenerateLockKey(uploadID string) string {
	return fmt.Sprintf("upload:lock:%s", uploadID)
}

// UploadEventStream 上传终态事件写入的 Redis Stream
const UploadEventStream = "upload_events"
