// Package lock 提供按 key 串行化的互斥锁：同一个 uploadID 的请求依次执行，
// 不同 uploadID 之间互不影响。
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/3Eeeecho/go-deliverables/internal/pkg/cache"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrLockTimeout = errors.New("lock: acquire canceled")

// Locker 获取 key 对应的锁，返回的 unlock 只能调用一次
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

type entry struct {
	ch   chan struct{}
	refs int
}

// LocalLocker 进程内按 key 加锁，空闲的 key 会被回收
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*entry
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*entry)}
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, e)
		return nil, errors.Join(ErrLockTimeout, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.release(key, e)
		})
	}, nil
}

func (l *LocalLocker) release(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}

// RedisLocker 基于 SET NX PX 的分布式锁，多实例部署时使用
type RedisLocker struct {
	cache cache.Cache
	ttl   time.Duration
	retry time.Duration
}

func NewRedisLocker(c cache.Cache, ttl time.Duration) *RedisLocker {
	return &RedisLocker{cache: c, ttl: ttl, retry: 50 * time.Millisecond}
}

// Lock 直接使用调用方给出的 key，调用方负责加上 upload:lock: 前缀
func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	lockKey := key
	token := uuid.NewString()

	ticker := time.NewTicker(r.retry)
	defer ticker.Stop()
	for {
		ok, err := r.cache.TryLock(ctx, lockKey, token, r.ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrLockTimeout, ctx.Err())
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// 请求的 ctx 可能已经取消，释放锁不受其影响
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			released, err := r.cache.Unlock(releaseCtx, lockKey, token)
			if err != nil {
				logger.Error("释放上传锁失败", zap.String("key", key), zap.Error(err))
				return
			}
			if !released {
				logger.Warn("上传锁已过期或被其他持有者获取", zap.String("key", key), zap.Duration("ttl", r.ttl))
			}
		})
	}, nil
}
