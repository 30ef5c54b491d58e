// Package chunkstore 按 (uploadID, index) 存取分片原始字节，是对象存储上的一层薄封装。
package chunkstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/3Eeeecho/go-deliverables/internal/pkg/logger"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/storage"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/xerr"
	"go.uber.org/zap"
)

// ErrChunkNotFound 分片对象不存在
var ErrChunkNotFound = errors.New("chunk not found")

type Store struct {
	blobs  storage.BlobStore
	bucket string
	prefix string
}

func New(blobs storage.BlobStore, bucket, prefix string) *Store {
	return &Store{blobs: blobs, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (s *Store) Bucket() string {
	return s.bucket
}

func (s *Store) uploadPrefix(uploadID string) string {
	return path.Join(s.prefix, uploadID) + "/"
}

// ChunkKey 分片对象名 <prefix>/<uploadID>/<8 位序号>，按字典序即按序号排序
func (s *Store) ChunkKey(uploadID string, index int) string {
	return fmt.Sprintf("%s%08d", s.uploadPrefix(uploadID), index)
}

// Write 写入一个分片，同一序号重复写入会覆盖
func (s *Store) Write(ctx context.Context, uploadID string, index int, data []byte) error {
	key := s.ChunkKey(uploadID, index)
	res, err := s.blobs.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), "application/octet-stream")
	if err != nil {
		return fmt.Errorf("%w: chunk %d: %w", xerr.ErrStorageWrite, index, err)
	}
	if res.Size != int64(len(data)) {
		return fmt.Errorf("%w: chunk %d wrote %d of %d bytes", xerr.ErrStorageWrite, index, res.Size, len(data))
	}
	return nil
}

// Open 打开分片读取流，调用方负责关闭
func (s *Store) Open(ctx context.Context, uploadID string, index int) (io.ReadCloser, int64, error) {
	res, err := s.blobs.GetObject(ctx, s.bucket, s.ChunkKey(uploadID, index))
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, 0, fmt.Errorf("%w: %s #%d", ErrChunkNotFound, uploadID, index)
		}
		return nil, 0, fmt.Errorf("读取分片 %d 失败: %w", index, err)
	}
	return res.Reader, res.Size, nil
}

// Read 读取整个分片
func (s *Store) Read(ctx context.Context, uploadID string, index int) ([]byte, error) {
	rc, _, err := s.Open(ctx, uploadID, index)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Stat 返回分片长度
func (s *Store) Stat(ctx context.Context, uploadID string, index int) (int64, error) {
	info, err := s.blobs.StatObject(ctx, s.bucket, s.ChunkKey(uploadID, index))
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return 0, fmt.Errorf("%w: %s #%d", ErrChunkNotFound, uploadID, index)
		}
		return 0, fmt.Errorf("获取分片 %d 信息失败: %w", index, err)
	}
	return info.Size, nil
}

// List 返回已存储的分片序号，升序
func (s *Store) List(ctx context.Context, uploadID string) ([]int, error) {
	prefix := s.uploadPrefix(uploadID)
	objects, err := s.blobs.ListObjects(ctx, s.bucket, prefix)
	if err != nil {
		return nil, fmt.Errorf("列举分片失败: %w", err)
	}
	indices := make([]int, 0, len(objects))
	for _, obj := range objects {
		idx, err := strconv.Atoi(strings.TrimPrefix(obj.Key, prefix))
		if err != nil {
			logger.Warn("忽略无法识别的分片对象", zap.String("key", obj.Key))
			continue
		}
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	return indices, nil
}

func (s *Store) Delete(ctx context.Context, uploadID string, index int) error {
	if err := s.blobs.RemoveObject(ctx, s.bucket, s.ChunkKey(uploadID, index)); err != nil {
		return fmt.Errorf("删除分片 %d 失败: %w", index, err)
	}
	return nil
}

// DeleteAll 删除会话的全部分片，返回删除数量；部分失败时返回合并后的错误
func (s *Store) DeleteAll(ctx context.Context, uploadID string) (int, error) {
	indices, err := s.List(ctx, uploadID)
	if err != nil {
		return 0, err
	}
	var errs []error
	deleted := 0
	for _, idx := range indices {
		if err := s.Delete(ctx, uploadID, idx); err != nil {
			errs = append(errs, err)
			continue
		}
		deleted++
	}
	return deleted, errors.Join(errs...)
}
