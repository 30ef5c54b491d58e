package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

type memObject struct {
	data        []byte
	contentType string
	etag        string
	modified    time.Time
}

// MemoryStore 进程内对象存储，用于测试和 storage.type=memory
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[string]map[string]memObject
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]map[string]memObject)}
}

func (m *MemoryStore) PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, contentType string) (PutObjectResult, error) {
	data, err := io.ReadAll(&ctxReader{ctx: ctx, r: reader})
	if err != nil {
		return PutObjectResult{}, fmt.Errorf("读取对象内容失败: %w", err)
	}
	if objectSize >= 0 && int64(len(data)) != objectSize {
		return PutObjectResult{}, fmt.Errorf("写入长度 %d 与声明长度 %d 不一致: %w", len(data), objectSize, io.ErrUnexpectedEOF)
	}
	sum := md5.Sum(data)
	obj := memObject{data: data, contentType: contentType, etag: hex.EncodeToString(sum[:]), modified: time.Now()}

	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[bucketName]
	if !ok {
		b = make(map[string]memObject)
		m.buckets[bucketName] = b
	}
	b[objectName] = obj
	return PutObjectResult{Bucket: bucketName, Key: objectName, Size: int64(len(data)), ETag: obj.etag}, nil
}

func (m *MemoryStore) get(bucketName, objectName string) (memObject, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.buckets[bucketName][objectName]
	return obj, ok
}

func (m *MemoryStore) GetObject(ctx context.Context, bucketName, objectName string) (GetObjectResult, error) {
	obj, ok := m.get(bucketName, objectName)
	if !ok {
		return GetObjectResult{}, ErrObjectNotFound
	}
	return GetObjectResult{
		Reader:   io.NopCloser(bytes.NewReader(obj.data)),
		Size:     int64(len(obj.data)),
		MimeType: obj.contentType,
	}, nil
}

func (m *MemoryStore) StatObject(ctx context.Context, bucketName, objectName string) (ObjectInfo, error) {
	obj, ok := m.get(bucketName, objectName)
	if !ok {
		return ObjectInfo{}, ErrObjectNotFound
	}
	return ObjectInfo{Key: objectName, Size: int64(len(obj.data)), ETag: obj.etag, LastModified: obj.modified}, nil
}

func (m *MemoryStore) ListObjects(ctx context.Context, bucketName, prefix string) ([]ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var objects []ObjectInfo
	for key, obj := range m.buckets[bucketName] {
		if strings.HasPrefix(key, prefix) {
			objects = append(objects, ObjectInfo{Key: key, Size: int64(len(obj.data)), ETag: obj.etag, LastModified: obj.modified})
		}
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

func (m *MemoryStore) RemoveObject(ctx context.Context, bucketName, objectName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buckets[bucketName], objectName)
	return nil
}

func (m *MemoryStore) IsBucketExist(ctx context.Context, bucketName string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.buckets[bucketName]
	return ok, nil
}

func (m *MemoryStore) MakeBucket(ctx context.Context, bucketName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[bucketName]; !ok {
		m.buckets[bucketName] = make(map[string]memObject)
	}
	return nil
}

// Bytes 返回对象内容的副本，测试用
func (m *MemoryStore) Bytes(bucketName, objectName string) ([]byte, bool) {
	obj, ok := m.get(bucketName, objectName)
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.data...), true
}
