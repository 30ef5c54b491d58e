package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/3Eeeecho/go-deliverables/internal/config"
)

// ErrObjectNotFound 对象不存在，各后端的 404 都会被转换为该错误
var ErrObjectNotFound = errors.New("storage: object not found")

// BlobStore 定义了通用的对象存储操作接口
type BlobStore interface {
	// 上传对象，objectSize 为 -1 时表示长度未知，以流式方式写入
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, contentType string) (PutObjectResult, error)
	// 下载对象，返回一个读取器和对象信息
	GetObject(ctx context.Context, bucketName, objectName string) (GetObjectResult, error)
	// 获取对象元信息，不存在时返回 ErrObjectNotFound
	StatObject(ctx context.Context, bucketName, objectName string) (ObjectInfo, error)
	// 列出指定前缀下的所有对象
	ListObjects(ctx context.Context, bucketName, prefix string) ([]ObjectInfo, error)
	// 删除对象，对象不存在时不返回错误
	RemoveObject(ctx context.Context, bucketName, objectName string) error
	// 检查存储桶是否存在
	IsBucketExist(ctx context.Context, bucketName string) (bool, error)
	// 创建存储桶
	MakeBucket(ctx context.Context, bucketName string) error
}

type PutObjectResult struct {
	Bucket string
	Key    string
	Size   int64
	ETag   string // 对象哈希值
}

type GetObjectResult struct {
	Reader   io.ReadCloser // 文件内容读取器，需要在使用后关闭
	Size     int64
	MimeType string
}

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// NewBlobStore 根据 storage.type 选择存储后端
func NewBlobStore(cfg *config.Config) (BlobStore, error) {
	switch cfg.Storage.Type {
	case "minio":
		return NewMinIOStorage(&cfg.MinIO)
	case "aliyun_oss":
		return NewAliyunOSSStorage(&cfg.AliyunOSS)
	case "local":
		return NewLocalStorage(cfg.Storage.LocalBasePath)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("invalid storage type: %q", cfg.Storage.Type)
	}
}

// EnsureBucket 存储桶不存在时创建
func EnsureBucket(ctx context.Context, store BlobStore, bucketName string) error {
	exists, err := store.IsBucketExist(ctx, bucketName)
	if err != nil {
		return fmt.Errorf("检查存储桶存在性失败: %w", err)
	}
	if exists {
		return nil
	}
	if err := store.MakeBucket(ctx, bucketName); err != nil {
		return fmt.Errorf("创建存储桶失败: %w", err)
	}
	return nil
}
