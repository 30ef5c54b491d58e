package worker

import (
	"context"
	"sync"

	"github.com/3Eeeecho/go-deliverables/internal/config"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/logger"
)

// StartAllWorkers 启动应用中所有定义的后台 Worker，返回的函数等待它们全部退出
func StartAllWorkers(ctx context.Context, cfg *config.Config, sweeper Sweeper) (wait func()) {
	var wg sync.WaitGroup

	// --- 启动清理 Worker ---
	sweepWorker := NewSweepWorker(sweeper, cfg.Upload.SweepInterval)
	wg.Add(1)
	go func() {
		defer wg.Done()
		sweepWorker.Start(ctx)
	}()

	logger.Info("所有后台工作进程已启动。")
	return wg.Wait
}
