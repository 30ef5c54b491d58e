// Package cleanup 负责分片清理：终态会话的分片删除与校验，超时会话的强制失败，
// 以及保留期过后的账本记录回收。在后台运行，不阻塞分片提交。
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/3Eeeecho/go-deliverables/internal/chunkstore"
	"github.com/3Eeeecho/go-deliverables/internal/config"
	"github.com/3Eeeecho/go-deliverables/internal/ledger"
	"github.com/3Eeeecho/go-deliverables/internal/models"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/cache"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/lock"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/logger"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/metrics"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/xerr"
	"go.uber.org/zap"
)

const (
	defaultBatchSize = 100
	lockWait         = 2 * time.Second
	// assemblyGrace 组装自身的超时先于清理任务触发
	assemblyGrace = time.Minute
)

// FailurePublisher 由 publish.ResultPublisher 实现
type FailurePublisher interface {
	PublishFailed(ctx context.Context, v *models.SessionView)
}

// Report 一轮清理的统计
type Report struct {
	TimedOut int
	Purged   int
	Expired  int
}

type Sweeper struct {
	ledger    ledger.Ledger
	chunks    *chunkstore.Store
	locker    lock.Locker
	publisher FailurePublisher
	cfg       config.UploadConfig
	metrics   *metrics.UploadMetrics
	now       func() time.Time
	batchSize int
}

func NewSweeper(l ledger.Ledger, chunks *chunkstore.Store, locker lock.Locker, publisher FailurePublisher, cfg config.UploadConfig, m *metrics.UploadMetrics) *Sweeper {
	return &Sweeper{
		ledger:    l,
		chunks:    chunks,
		locker:    locker,
		publisher: publisher,
		cfg:       cfg,
		metrics:   m,
		now:       time.Now,
		batchSize: defaultBatchSize,
	}
}

// Purge 删除终态会话的全部分片，确认存储中已无残留后才标记为已清理。
// 非终态会话一律拒绝。
func (s *Sweeper) Purge(ctx context.Context, uploadID string) error {
	view, err := s.ledger.Snapshot(ctx, uploadID)
	if err != nil {
		return err
	}
	if !view.State.IsTerminal() {
		return fmt.Errorf("%w: refusing to purge %s session", xerr.ErrStateConflict, view.State)
	}
	if view.Purged {
		return nil
	}

	log := logger.WithUpload(uploadID)
	deleted, err := s.chunks.DeleteAll(ctx, uploadID)
	if err != nil {
		s.metrics.Purge("error")
		log.Warn("部分分片删除失败", zap.Int("deleted", deleted), zap.Error(err))
		return err
	}
	remaining, err := s.chunks.List(ctx, uploadID)
	if err != nil {
		s.metrics.Purge("error")
		return err
	}
	if len(remaining) > 0 {
		s.metrics.Purge("error")
		return fmt.Errorf("%w: %d chunks still present after purge", xerr.ErrStorageWrite, len(remaining))
	}
	if err := s.ledger.MarkPurged(ctx, uploadID, s.now()); err != nil {
		s.metrics.Purge("error")
		return err
	}
	s.metrics.Purge("ok")
	log.Info("分片已清理", zap.Int("deleted", deleted), zap.String("state", string(view.State)))
	return nil
}

// SweepStale 将超过 maxAge 无活动的 Uploading 会话，以及超过组装超时仍处于
// Assembling 的会话强制置为 Failed("Timeout") 并清理分片。超时的组装不会被重试。
func (s *Sweeper) SweepStale(ctx context.Context, maxAge time.Duration) (int, error) {
	now := s.now()
	var (
		swept int
		errs  []error
	)
	for _, st := range []struct {
		state models.UploadState
		age   time.Duration
	}{
		{models.StateUploading, maxAge},
		{models.StateAssembling, s.cfg.AssemblyTimeout + assemblyGrace},
	} {
		ids, err := s.ledger.FindStale(ctx, st.state, now.Add(-st.age), s.batchSize)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, id := range ids {
			ok, err := s.timeout(ctx, id, st.state, st.age)
			if err != nil {
				logger.WithUpload(id).Warn("超时会话处理失败", zap.Error(err))
				errs = append(errs, err)
				continue
			}
			if ok {
				swept++
				s.metrics.Swept(string(st.state))
			}
		}
	}
	return swept, errors.Join(errs...)
}

// timeout 在持有会话锁的情况下复核是否仍然超时，再执行状态切换
func (s *Sweeper) timeout(ctx context.Context, uploadID string, state models.UploadState, age time.Duration) (bool, error) {
	lockCtx, cancel := context.WithTimeout(ctx, lockWait)
	unlock, err := s.locker.Lock(lockCtx, cache.GenerateLockKey(uploadID))
	cancel()
	if err != nil {
		// 会话正忙，说明仍有活动，留到下一轮
		return false, nil
	}
	defer unlock()

	view, err := s.ledger.Snapshot(ctx, uploadID)
	if err != nil {
		return false, err
	}
	if view.State != state || s.now().Sub(view.LastActivityAt) < age {
		return false, nil
	}
	err = s.ledger.Transition(ctx, uploadID, state, models.StateFailed, ledger.TransitionPatch{
		FailureReason: models.FailureReasonTimeout,
	})
	if errors.Is(err, xerr.ErrStateConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	logger.WithUpload(uploadID).Warn("会话超时",
		zap.String("state", string(state)),
		zap.Time("lastActivityAt", view.LastActivityAt),
		zap.Int("received", view.ReceivedCount()),
		zap.Int("total", view.TotalChunks))

	if failed, err := s.ledger.Snapshot(ctx, uploadID); err == nil && s.publisher != nil {
		s.publisher.PublishFailed(ctx, failed)
	}
	if err := s.Purge(ctx, uploadID); err != nil {
		logger.WithUpload(uploadID).Warn("分片清理失败，下一轮重试", zap.Error(err))
	}
	return true, nil
}

// RetryPurges 重新清理已终态但分片尚未删除干净的会话
func (s *Sweeper) RetryPurges(ctx context.Context) (int, error) {
	ids, err := s.ledger.FindPendingPurge(ctx, s.batchSize)
	if err != nil {
		return 0, err
	}
	var (
		purged int
		errs   []error
	)
	for _, id := range ids {
		if err := s.Purge(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		purged++
	}
	return purged, errors.Join(errs...)
}

// ExpireRetained 删除超过保留期的已清理会话，此后状态查询返回 not found
func (s *Sweeper) ExpireRetained(ctx context.Context) (int, error) {
	ids, err := s.ledger.FindExpired(ctx, s.now().Add(-s.cfg.Retention), s.batchSize)
	if err != nil {
		return 0, err
	}
	var (
		expired int
		errs    []error
	)
	for _, id := range ids {
		if err := s.ledger.Delete(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		expired++
	}
	return expired, errors.Join(errs...)
}

// RunOnce 执行一轮完整清理，单步失败不影响后续步骤
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	var (
		r    Report
		errs []error
		err  error
	)
	if r.TimedOut, err = s.SweepStale(ctx, s.cfg.StaleAfter); err != nil {
		errs = append(errs, err)
	}
	if r.Purged, err = s.RetryPurges(ctx); err != nil {
		errs = append(errs, err)
	}
	if r.Expired, err = s.ExpireRetained(ctx); err != nil {
		errs = append(errs, err)
	}
	if r.TimedOut+r.Purged+r.Expired > 0 {
		logger.Info("清理任务完成",
			zap.Int("timedOut", r.TimedOut),
			zap.Int("purged", r.Purged),
			zap.Int("expired", r.Expired))
	}
	return r, errors.Join(errs...)
}
