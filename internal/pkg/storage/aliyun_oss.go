package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/3Eeeecho/go-deliverables/internal/config"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/logger"
	"github.com/aliyun/aliyun-oss-go-sdk/oss"
	"go.uber.org/zap"
)

type AliyunOSSStorage struct {
	client *oss.Client
	cfg    *config.AliyunOSSConfig // 阿里云OSS的配置信息
}

// NewAliyunOSSStorage 创建并返回一个 AliyunOSSStorage 实例
func NewAliyunOSSStorage(cfg *config.AliyunOSSConfig) (*AliyunOSSStorage, error) {
	// OSS Endpoint 应该包含 http:// 或 https:// 前缀
	ossClient, err := oss.New(cfg.Endpoint, cfg.AccessKeyID, cfg.SecretAccessKey)
	if err != nil {
		logger.Error("初始化阿里云OSS客户端失败", zap.Error(err))
		return nil, fmt.Errorf("无法初始化阿里云OSS客户端: %w", err)
	}
	logger.Info("阿里云OSS客户端初始化成功", zap.String("endpoint", cfg.Endpoint))
	return &AliyunOSSStorage{
		client: ossClient,
		cfg:    cfg,
	}, nil
}

func (s *AliyunOSSStorage) bucket(bucketName string) (*oss.Bucket, error) {
	bucket, err := s.client.Bucket(bucketName)
	if err != nil {
		return nil, fmt.Errorf("获取OSS存储桶失败: %w", err)
	}
	return bucket, nil
}

// PutObject OSS SDK 自行处理流式上传，objectSize 仅用于返回值
func (s *AliyunOSSStorage) PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, contentType string) (PutObjectResult, error) {
	bucket, err := s.bucket(bucketName)
	if err != nil {
		return PutObjectResult{}, err
	}

	var respHeader http.Header
	err = bucket.PutObject(objectName, reader,
		oss.ContentType(contentType),
		oss.WithContext(ctx),
		oss.GetResponseHeader(&respHeader),
	)
	if err != nil {
		return PutObjectResult{}, fmt.Errorf("阿里云OSS上传文件失败: %w", err)
	}

	size := objectSize
	if size < 0 {
		if info, statErr := s.StatObject(ctx, bucketName, objectName); statErr == nil {
			size = info.Size
		}
	}
	return PutObjectResult{
		Bucket: bucketName,
		Key:    objectName,
		Size:   size,
		ETag:   respHeader.Get(oss.HTTPHeaderEtag),
	}, nil
}

func (s *AliyunOSSStorage) GetObject(ctx context.Context, bucketName, objectName string) (GetObjectResult, error) {
	info, err := s.StatObject(ctx, bucketName, objectName)
	if err != nil {
		return GetObjectResult{}, err
	}
	bucket, err := s.bucket(bucketName)
	if err != nil {
		return GetObjectResult{}, err
	}
	reader, err := bucket.GetObject(objectName, oss.WithContext(ctx))
	if err != nil {
		return GetObjectResult{}, fmt.Errorf("阿里云OSS获取文件失败: %w", translateOSS(err))
	}
	return GetObjectResult{
		Reader: reader,
		Size:   info.Size,
	}, nil
}

func (s *AliyunOSSStorage) StatObject(ctx context.Context, bucketName, objectName string) (ObjectInfo, error) {
	bucket, err := s.bucket(bucketName)
	if err != nil {
		return ObjectInfo{}, err
	}
	props, err := bucket.GetObjectDetailedMeta(objectName, oss.WithContext(ctx))
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("获取OSS对象元数据失败: %w", translateOSS(err))
	}

	size, _ := strconv.ParseInt(props.Get(oss.HTTPHeaderContentLength), 10, 64)
	modified, _ := http.ParseTime(props.Get(oss.HTTPHeaderLastModified))
	return ObjectInfo{
		Key:          objectName,
		Size:         size,
		ETag:         props.Get(oss.HTTPHeaderEtag),
		LastModified: modified,
	}, nil
}

func (s *AliyunOSSStorage) ListObjects(ctx context.Context, bucketName, prefix string) ([]ObjectInfo, error) {
	bucket, err := s.bucket(bucketName)
	if err != nil {
		return nil, err
	}

	var objects []ObjectInfo
	token := ""
	for {
		opts := []oss.Option{oss.Prefix(prefix), oss.MaxKeys(1000), oss.WithContext(ctx)}
		if token != "" {
			opts = append(opts, oss.ContinuationToken(token))
		}
		result, err := bucket.ListObjectsV2(opts...)
		if err != nil {
			return nil, fmt.Errorf("阿里云OSS列举对象失败: %w", err)
		}
		for _, obj := range result.Objects {
			objects = append(objects, ObjectInfo{
				Key:          obj.Key,
				Size:         obj.Size,
				ETag:         obj.ETag,
				LastModified: obj.LastModified,
			})
		}
		if !result.IsTruncated {
			break
		}
		token = result.NextContinuationToken
	}
	return objects, nil
}

// RemoveObject OSS 删除不存在的对象同样返回成功
func (s *AliyunOSSStorage) RemoveObject(ctx context.Context, bucketName, objectName string) error {
	bucket, err := s.bucket(bucketName)
	if err != nil {
		return err
	}
	if err := bucket.DeleteObject(objectName, oss.WithContext(ctx)); err != nil {
		return fmt.Errorf("阿里云OSS删除文件失败: %w", err)
	}
	return nil
}

func (s *AliyunOSSStorage) IsBucketExist(ctx context.Context, bucketName string) (bool, error) {
	found, err := s.client.IsBucketExist(bucketName)
	if err != nil {
		return false, fmt.Errorf("检查阿里云OSS存储桶存在性失败: %w", err)
	}
	return found, nil
}

func (s *AliyunOSSStorage) MakeBucket(ctx context.Context, bucketName string) error {
	err := s.client.CreateBucket(bucketName, oss.ACL(oss.ACLPrivate))
	if err != nil {
		var ossErr oss.ServiceError
		if errors.As(err, &ossErr) && (ossErr.Code == "BucketAlreadyExists" || ossErr.Code == "BucketAlreadyOwnedByYou") {
			logger.Info("阿里云OSS存储桶已存在，无需创建", zap.String("bucket", bucketName))
			return nil
		}
		return fmt.Errorf("创建阿里云OSS存储桶失败: %w", err)
	}
	logger.Info("阿里云OSS存储桶创建成功", zap.String("bucket", bucketName))
	return nil
}

func translateOSS(err error) error {
	var ossErr oss.ServiceError
	if errors.As(err, &ossErr) && (ossErr.StatusCode == http.StatusNotFound || ossErr.Code == "NoSuchKey") {
		return ErrObjectNotFound
	}
	return err
}
