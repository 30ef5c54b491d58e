package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/3Eeeecho/go-deliverables/internal/pkg/logger"
	"go.uber.org/zap"
)

// LocalStorage 把存储桶映射为本地目录，适用于单机部署和测试
type LocalStorage struct {
	basePath string
}

func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if basePath == "" {
		return nil, errors.New("local storage base path is empty")
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("解析本地存储路径失败: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("创建本地存储目录失败: %w", err)
	}
	logger.Info("本地存储初始化成功", zap.String("path", abs))
	return &LocalStorage{basePath: abs}, nil
}

// resolve 将对象名转换为文件路径，拒绝跳出存储桶目录的对象名
func (s *LocalStorage) resolve(bucketName, objectName string) (string, error) {
	bucketDir := filepath.Join(s.basePath, filepath.Clean("/"+bucketName))
	p := filepath.Join(bucketDir, filepath.FromSlash(filepath.Clean("/"+objectName)))
	if p == bucketDir || !strings.HasPrefix(p, bucketDir+string(filepath.Separator)) {
		return "", fmt.Errorf("非法的对象名: %q", objectName)
	}
	return p, nil
}

// PutObject 先写临时文件再重命名，读取方不会看到写了一半的对象
func (s *LocalStorage) PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, contentType string) (PutObjectResult, error) {
	p, err := s.resolve(bucketName, objectName)
	if err != nil {
		return PutObjectResult{}, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return PutObjectResult{}, fmt.Errorf("创建目录失败: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return PutObjectResult{}, fmt.Errorf("创建临时文件失败: %w", err)
	}
	defer os.Remove(tmp.Name())

	h := md5.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), &ctxReader{ctx: ctx, r: reader})
	if err != nil {
		tmp.Close()
		return PutObjectResult{}, fmt.Errorf("写入本地文件失败: %w", err)
	}
	if objectSize >= 0 && n != objectSize {
		tmp.Close()
		return PutObjectResult{}, fmt.Errorf("写入长度 %d 与声明长度 %d 不一致: %w", n, objectSize, io.ErrUnexpectedEOF)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return PutObjectResult{}, fmt.Errorf("同步本地文件失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return PutObjectResult{}, fmt.Errorf("关闭本地文件失败: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return PutObjectResult{}, fmt.Errorf("重命名本地文件失败: %w", err)
	}
	return PutObjectResult{
		Bucket: bucketName,
		Key:    objectName,
		Size:   n,
		ETag:   hex.EncodeToString(h.Sum(nil)),
	}, nil
}

func (s *LocalStorage) GetObject(ctx context.Context, bucketName, objectName string) (GetObjectResult, error) {
	p, err := s.resolve(bucketName, objectName)
	if err != nil {
		return GetObjectResult{}, err
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return GetObjectResult{}, ErrObjectNotFound
		}
		return GetObjectResult{}, fmt.Errorf("打开本地文件失败: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return GetObjectResult{}, fmt.Errorf("读取本地文件信息失败: %w", err)
	}
	return GetObjectResult{Reader: f, Size: info.Size()}, nil
}

func (s *LocalStorage) StatObject(ctx context.Context, bucketName, objectName string) (ObjectInfo, error) {
	p, err := s.resolve(bucketName, objectName)
	if err != nil {
		return ObjectInfo{}, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ObjectInfo{}, ErrObjectNotFound
		}
		return ObjectInfo{}, fmt.Errorf("读取本地文件信息失败: %w", err)
	}
	if info.IsDir() {
		return ObjectInfo{}, ErrObjectNotFound
	}
	return ObjectInfo{Key: objectName, Size: info.Size(), LastModified: info.ModTime()}, nil
}

func (s *LocalStorage) ListObjects(ctx context.Context, bucketName, prefix string) ([]ObjectInfo, error) {
	bucketDir := filepath.Join(s.basePath, filepath.Clean("/"+bucketName))
	var objects []ObjectInfo
	err := filepath.WalkDir(bucketDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(bucketDir, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		objects = append(objects, ObjectInfo{Key: key, Size: info.Size(), LastModified: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("列举本地文件失败: %w", err)
	}
	return objects, nil
}

func (s *LocalStorage) RemoveObject(ctx context.Context, bucketName, objectName string) error {
	p, err := s.resolve(bucketName, objectName)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("删除本地文件失败: %w", err)
	}
	return nil
}

func (s *LocalStorage) IsBucketExist(ctx context.Context, bucketName string) (bool, error) {
	info, err := os.Stat(filepath.Join(s.basePath, filepath.Clean("/"+bucketName)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *LocalStorage) MakeBucket(ctx context.Context, bucketName string) error {
	return os.MkdirAll(filepath.Join(s.basePath, filepath.Clean("/"+bucketName)), 0o755)
}

// ctxReader 在每次读取前检查 ctx，使本地拷贝也能被取消
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
