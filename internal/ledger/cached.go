package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/3Eeeecho/go-deliverables/internal/models"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/cache"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/logger"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/mapper"
	"go.uber.org/zap"
)

// CachedLedger 在 Redis 中缓存终态会话的快照。
// 终态会话的状态、最终对象和失败原因不再变化，缓存它们不会影响正确性；
// 非终态会话始终直接读取底层账本。
type CachedLedger struct {
	Ledger
	cache cache.Cache
	ttl   time.Duration
}

func NewCachedLedger(inner Ledger, c cache.Cache, ttl time.Duration) *CachedLedger {
	return &CachedLedger{Ledger: inner, cache: c, ttl: ttl}
}

func (l *CachedLedger) Snapshot(ctx context.Context, uploadID string) (*models.SessionView, error) {
	key := cache.GenerateSessionKey(uploadID)
	fields, err := l.cache.HGetAll(ctx, key)
	switch {
	case err == nil:
		view, decodeErr := mapper.MapToSession(fields)
		if decodeErr == nil {
			return view, nil
		}
		logger.Warn("缓存的会话快照无法解析，回源读取", zap.String("uploadID", uploadID), zap.Error(decodeErr))
	case !errors.Is(err, cache.ErrCacheMiss):
		logger.Warn("读取会话缓存失败，回源读取", zap.String("uploadID", uploadID), zap.Error(err))
	}

	view, err := l.Ledger.Snapshot(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if view.State.IsTerminal() {
		if err := l.cache.HSetAll(ctx, key, mapper.SessionToMap(view), l.ttl); err != nil {
			logger.Warn("写入会话缓存失败", zap.String("uploadID", uploadID), zap.Error(err))
		}
	}
	return view, nil
}

func (l *CachedLedger) invalidate(ctx context.Context, uploadID string) {
	if err := l.cache.Del(ctx, cache.GenerateSessionKey(uploadID)); err != nil {
		logger.Warn("清除会话缓存失败", zap.String("uploadID", uploadID), zap.Error(err))
	}
}

func (l *CachedLedger) IsComplete(ctx context.Context, uploadID string) (bool, error) {
	v, err := l.Snapshot(ctx, uploadID)
	if err != nil {
		return false, err
	}
	return v.IsComplete(), nil
}

func (l *CachedLedger) Transition(ctx context.Context, uploadID string, from, to models.UploadState, patch TransitionPatch) error {
	err := l.Ledger.Transition(ctx, uploadID, from, to, patch)
	l.invalidate(ctx, uploadID)
	return err
}

func (l *CachedLedger) MarkPurged(ctx context.Context, uploadID string, at time.Time) error {
	err := l.Ledger.MarkPurged(ctx, uploadID, at)
	l.invalidate(ctx, uploadID)
	return err
}

func (l *CachedLedger) Delete(ctx context.Context, uploadID string) error {
	err := l.Ledger.Delete(ctx, uploadID)
	l.invalidate(ctx, uploadID)
	return err
}
