package setup

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3Eeeecho/go-deliverables/internal/config"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/logger"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/storage"
)

// InitStorage 根据配置选择存储后端，并确保分片桶和交付物桶都存在
func InitStorage(ctx context.Context, cfg *config.Config) (storage.BlobStore, error) {
	store, err := storage.NewBlobStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("初始化存储服务失败: %w", err)
	}
	logger.Info("存储服务已选择并初始化", zap.String("type", cfg.Storage.Type))

	// 为外部调用使用带超时的上下文
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for _, bucket := range []string{cfg.Storage.ChunkBucket, cfg.Storage.FinalBucket} {
		if err := storage.EnsureBucket(ctx, store, bucket); err != nil {
			return nil, fmt.Errorf("bucket %s: %w", bucket, err)
		}
		logger.Info("存储桶已就绪", zap.String("bucketName", bucket))
	}
	return store, nil
}
