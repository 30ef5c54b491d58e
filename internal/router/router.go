package router

import (
	"net/http"

	_ "github.com/3Eeeecho/go-deliverables/docs"
	"github.com/3Eeeecho/go-deliverables/internal/config"
	"github.com/3Eeeecho/go-deliverables/internal/handlers"
	"github.com/3Eeeecho/go-deliverables/internal/middlewares"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/metrics"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/xerr"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// RouterConfig 包含初始化路由所需的所有依赖
type RouterConfig struct {
	uploadService handlers.UploadService
	metrics       *metrics.UploadMetrics
	gatherer      prometheus.Gatherer
	cfg           *config.Config
}

func NewRouterConfig(uploadService handlers.UploadService, m *metrics.UploadMetrics, gatherer prometheus.Gatherer, cfg *config.Config) *RouterConfig {
	return &RouterConfig{
		uploadService: uploadService,
		metrics:       m,
		gatherer:      gatherer,
		cfg:           cfg,
	}
}

func InitRouter(routerCfg *RouterConfig) *gin.Engine {
	cfg := routerCfg.cfg
	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}

	router := gin.New()
	router.Use(gin.Recovery(), middlewares.RequestLogger(), middlewares.Metrics(routerCfg.metrics))
	// 分片在 handler 里逐个读取，multipart 只缓存较小的部分在内存
	router.MaxMultipartMemory = 8 << 20

	// Health Check 路由
	router.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})

	if cfg.Metrics.Enabled && routerCfg.gatherer != nil {
		router.GET(cfg.Metrics.Path, gin.WrapH(promhttp.HandlerFor(routerCfg.gatherer, promhttp.HandlerOpts{})))
	}

	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	v1 := router.Group("/api/v1")
	if cfg.JWT.Enabled {
		v1.Use(middlewares.AuthMiddleware(cfg))
	}

	uploadGroup := v1.Group("/uploads")
	{
		uploadHandler := handlers.NewUploadHandler(routerCfg.uploadService, cfg)

		uploadGroup.POST("", uploadHandler.InitUpload)
		uploadGroup.POST("/chunks", uploadHandler.SubmitChunk)
		uploadGroup.PUT("/:id/chunks/:index", uploadHandler.PutChunk)
		uploadGroup.GET("/:id", uploadHandler.GetStatus)
		uploadGroup.DELETE("/:id", uploadHandler.AbortUpload)
	}

	router.NoRoute(func(c *gin.Context) {
		xerr.Error(c, http.StatusNotFound, xerr.NotFoundCode, "Route not found")
	})

	return router
}
