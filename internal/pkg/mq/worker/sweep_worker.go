package worker

import (
	"context"
	"time"

	"github.com/3Eeeecho/go-deliverables/internal/pkg/logger"
	"github.com/3Eeeecho/go-deliverables/internal/services/cleanup"
	"go.uber.org/zap"
)

// Sweeper 由 cleanup.Sweeper 实现
type Sweeper interface {
	RunOnce(ctx context.Context) (cleanup.Report, error)
}

// SweepWorker 按固定间隔执行清理，启动时立即执行一轮
type SweepWorker struct {
	sweeper  Sweeper
	interval time.Duration
}

func NewSweepWorker(sweeper Sweeper, interval time.Duration) *SweepWorker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &SweepWorker{sweeper: sweeper, interval: interval}
}

// Start 阻塞直到 ctx 被取消
func (w *SweepWorker) Start(ctx context.Context) {
	logger.Info("Sweep worker started...", zap.Duration("interval", w.interval))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.runOnce(ctx)
		select {
		case <-ctx.Done():
			logger.Info("Sweep worker stopped")
			return
		case <-ticker.C:
		}
	}
}

func (w *SweepWorker) runOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("清理任务 panic", zap.Any("panic", r))
		}
	}()
	if _, err := w.sweeper.RunOnce(ctx); err != nil && ctx.Err() == nil {
		logger.Error("清理任务执行失败", zap.Error(err))
	}
}
