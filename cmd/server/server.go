package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/3Eeeecho/go-deliverables/internal/assembly"
	"github.com/3Eeeecho/go-deliverables/internal/chunkstore"
	"github.com/3Eeeecho/go-deliverables/internal/config"
	"github.com/3Eeeecho/go-deliverables/internal/ledger"
	"github.com/3Eeeecho/go-deliverables/internal/notify"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/cache"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/lock"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/logger"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/metrics"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/mq"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/mq/worker"
	"github.com/3Eeeecho/go-deliverables/internal/repositories"
	"github.com/3Eeeecho/go-deliverables/internal/router"
	"github.com/3Eeeecho/go-deliverables/internal/services/cleanup"
	"github.com/3Eeeecho/go-deliverables/internal/services/publish"
	"github.com/3Eeeecho/go-deliverables/internal/services/upload"
	"github.com/3Eeeecho/go-deliverables/internal/setup"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Server struct {
	cfg            *config.Config
	httpServer     *http.Server
	coordinator    *upload.Coordinator
	sweeper        *cleanup.Sweeper
	db             *gorm.DB
	redisClient    *redis.Client
	rabbitMQClient *mq.RabbitMQClient
}

// NewServer 负责构建所有依赖
func NewServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	s := &Server{cfg: cfg}
	ready := false
	defer func() {
		if !ready {
			s.Close()
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewUploadMetrics(registry)

	// 初始化 Redis 连接
	var (
		redisCache cache.Cache
		err        error
	)
	if cfg.Redis.Enabled {
		if s.redisClient, err = setup.InitRedis(ctx, &cfg.Redis); err != nil {
			return nil, err
		}
		redisCache = cache.NewRedisCache(s.redisClient)
	}

	// 初始化存储
	blobs, err := setup.InitStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// 初始化账本和业务文档存储
	var (
		l    ledger.Ledger
		docs repositories.DocumentStore
	)
	switch cfg.Upload.Ledger {
	case "gorm":
		if s.db, err = setup.InitMySQL(&cfg.MySQL); err != nil {
			return nil, err
		}
		tm := repositories.NewTransactionManager(s.db)
		l = ledger.NewGormLedger(s.db, tm)
		docs = repositories.NewDocumentStore(s.db, tm, cfg.Upload.UploadableTargetStates)
	default:
		logger.Warn("使用内存账本，重启后上传会话会丢失")
		l = ledger.NewMemoryLedger()
		docs = repositories.NewMemoryDocumentStore(cfg.Upload.UploadableTargetStates, true)
	}
	if redisCache != nil {
		l = ledger.NewCachedLedger(l, redisCache, cfg.Upload.StatusCacheTTL)
	}

	var locker lock.Locker = lock.NewLocalLocker()
	if cfg.Upload.Lock == "redis" {
		locker = lock.NewRedisLocker(redisCache, cfg.Upload.LockTTL)
	}

	// 初始化通知渠道
	sinks := []notify.Notifier{notify.LogNotifier{}}
	if cfg.RabbitMQ.Enabled {
		if s.rabbitMQClient, err = mq.NewRabbitMQClient(&cfg.RabbitMQ); err != nil {
			return nil, err
		}
		sinks = append(sinks, notify.NewRabbitMQNotifier(s.rabbitMQClient))
	}
	if cfg.Elasticsearch.Enabled {
		esClient, err := setup.InitElasticsearchClient(&cfg.Elasticsearch)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, notify.NewElasticsearchNotifier(esClient, cfg.Elasticsearch.Index))
	}
	if redisCache != nil {
		sinks = append(sinks, notify.NewStreamNotifier(redisCache, ""))
	}

	//  初始化 Services
	chunks := chunkstore.New(blobs, cfg.Storage.ChunkBucket, cfg.Upload.ChunkPrefix)
	engine := assembly.NewEngine(l, chunks, blobs, cfg.Storage.FinalBucket, cfg.Upload.FinalPrefix,
		assembly.WithBufferSize(cfg.Upload.AssemblyBufferSize))
	publisher := publish.NewResultPublisher(docs, notify.NewFanout(m, sinks...), m)
	s.sweeper = cleanup.NewSweeper(l, chunks, locker, publisher, cfg.Upload, m)
	s.coordinator = upload.NewCoordinator(l, chunks, engine, docs, locker, cfg.Upload, upload.Deps{
		Publisher: publisher,
		Purger:    s.sweeper,
		Metrics:   m,
	})

	// 初始化 Gin 引擎和注册路由
	engineRouter := router.InitRouter(router.NewRouterConfig(s.coordinator, m, registry, cfg))
	s.httpServer = &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           engineRouter,
		ReadHeaderTimeout: 10 * time.Second,
	}
	ready = true
	return s, nil
}

// Run 启动服务器和 Worker，并处理优雅关机
func (s *Server) Run(ctx context.Context, stopChan <-chan os.Signal) error {
	defer s.Close()

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()
	waitWorkers := worker.StartAllWorkers(workerCtx, s.cfg, s.sweeper)

	// 启动 HTTP 服务器
	serveErr := make(chan error, 1)
	go func() {
		logger.Info(fmt.Sprintf("Server is running on %s", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// 等待停止信号
	var runErr error
	select {
	case <-stopChan:
	case <-ctx.Done():
	case err := <-serveErr:
		runErr = fmt.Errorf("server failed to start: %w", err)
	}
	logger.Info("Shutting down server...")

	// 正在组装的请求需要时间收尾，超时后强制关闭
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	cancelWorkers()
	waitWorkers()
	logger.Info("Server exited gracefully")
	return runErr
}

// SweepOnce 不启动 HTTP 服务，只执行一轮清理
func (s *Server) SweepOnce(ctx context.Context) (cleanup.Report, error) {
	defer s.Close()
	return s.sweeper.RunOnce(ctx)
}

// Close 释放外部连接，可重复调用
func (s *Server) Close() {
	if s.rabbitMQClient != nil {
		s.rabbitMQClient.Close()
		s.rabbitMQClient = nil
	}
	if s.redisClient != nil {
		setup.CloseRedis(s.redisClient)
		s.redisClient = nil
	}
	if s.db != nil {
		setup.CloseMySQLDB(s.db)
		s.db = nil
	}
}
