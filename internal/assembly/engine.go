// Package assembly 将一个上传会话的全部分片按序号升序拼接为最终对象。
package assembly

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
	"unicode"

	"github.com/3Eeeecho/go-deliverables/internal/chunkstore"
	"github.com/3Eeeecho/go-deliverables/internal/ledger"
	"github.com/3Eeeecho/go-deliverables/internal/models"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/logger"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/storage"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/utils"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/xerr"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultBufferSize = 1 << 20

// Result 组装成功后的最终对象
type Result struct {
	Bucket    string
	ObjectRef string
	ByteSize  int64
}

type Engine struct {
	ledger      ledger.Ledger
	chunks      *chunkstore.Store
	blobs       storage.BlobStore
	finalBucket string
	finalPrefix string
	bufferSize  int
	now         func() time.Time
	newID       func() string
}

type Option func(*Engine)

func WithBufferSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.bufferSize = n
		}
	}
}

// WithClock 替换时间来源，用于生成最终对象路径
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(l ledger.Ledger, chunks *chunkstore.Store, blobs storage.BlobStore, finalBucket, finalPrefix string, opts ...Option) *Engine {
	e := &Engine{
		ledger:      l,
		chunks:      chunks,
		blobs:       blobs,
		finalBucket: finalBucket,
		finalPrefix: strings.Trim(finalPrefix, "/"),
		bufferSize:  defaultBufferSize,
		now:         time.Now,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Assemble 不修改会话状态，由调用方根据返回值提交 Completed 或 Failed。
// 任何失败都会丢弃目标对象，不会留下写了一半的交付物。
func (e *Engine) Assemble(ctx context.Context, uploadID string) (Result, error) {
	log := logger.WithUpload(uploadID)
	started := time.Now()

	view, err := e.ledger.Snapshot(ctx, uploadID)
	if err != nil {
		return Result{}, fail(ctx, "load session", err)
	}
	if view.State != models.StateAssembling {
		return Result{}, fmt.Errorf("%w: session is %s", xerr.ErrStateConflict, view.State)
	}
	if !view.IsComplete() {
		return Result{}, fail(ctx, "received mask", fmt.Errorf("%d of %d chunks recorded", len(view.ReceivedChunks), view.TotalChunks))
	}

	metas, err := e.ledger.Chunks(ctx, uploadID)
	if err != nil {
		return Result{}, fail(ctx, "load chunk records", err)
	}
	if err := e.verifyPresent(ctx, uploadID, view.TotalChunks, metas); err != nil {
		return Result{}, err
	}

	var expected int64
	for _, m := range metas {
		expected += m.Length
	}
	if view.ReceivedBytes != expected {
		return Result{}, fail(ctx, "ledger totals", fmt.Errorf("session records %d bytes, chunks sum to %d", view.ReceivedBytes, expected))
	}

	key := FinalObjectKey(e.finalPrefix, view.TargetID, view.FileName, e.now(), e.newID())
	log.Info("开始组装分片", zap.Int("chunks", len(metas)), zap.Int64("bytes", expected), zap.String("object", key))

	w := storage.OpenObjectWriter(ctx, e.blobs, e.finalBucket, key, view.ContentType)
	written, err := e.copyChunks(ctx, uploadID, metas, w)
	if err != nil {
		w.Abort(err)
		e.discard(ctx, key)
		return Result{}, err
	}
	res, err := w.Close()
	if err != nil {
		e.discard(ctx, key)
		return Result{}, fail(ctx, "commit final object", err)
	}

	// 写入器报告的长度和实际拷贝的长度都必须等于账本记录的总长度
	if written != expected || (res.Size >= 0 && res.Size != expected) {
		e.discard(ctx, key)
		return Result{}, fail(ctx, "verify final size", fmt.Errorf("expected %d bytes, copied %d, stored %d", expected, written, res.Size))
	}

	log.Info("分片组装完成", zap.String("object", key), zap.Int64("bytes", expected), zap.Duration("elapsed", time.Since(started)))
	return Result{Bucket: e.finalBucket, ObjectRef: key, ByteSize: expected}, nil
}

// verifyPresent 在读取任何数据前确认每个分片都存在且长度与账本一致
func (e *Engine) verifyPresent(ctx context.Context, uploadID string, total int, metas []models.ChunkMeta) error {
	if len(metas) != total {
		return fail(ctx, "chunk records", fmt.Errorf("%d records for %d chunks", len(metas), total))
	}
	for i, m := range metas {
		if m.Index != i {
			return fail(ctx, "chunk records", fmt.Errorf("expected chunk %d, found %d", i, m.Index))
		}
		size, err := e.chunks.Stat(ctx, uploadID, m.Index)
		if err != nil {
			return fail(ctx, fmt.Sprintf("stat chunk %d", m.Index), err)
		}
		if size != m.Length {
			return fail(ctx, fmt.Sprintf("stat chunk %d", m.Index), fmt.Errorf("stored %d bytes, ledger recorded %d", size, m.Length))
		}
	}
	return nil
}

// copyChunks 严格按序号升序拷贝，始终只复用一个缓冲区
func (e *Engine) copyChunks(ctx context.Context, uploadID string, metas []models.ChunkMeta, dst io.Writer) (int64, error) {
	buf := make([]byte, e.bufferSize)
	var total int64
	for _, m := range metas {
		if err := ctx.Err(); err != nil {
			return total, fail(ctx, fmt.Sprintf("chunk %d", m.Index), err)
		}
		n, err := e.copyChunk(ctx, uploadID, m, dst, buf)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (e *Engine) copyChunk(ctx context.Context, uploadID string, m models.ChunkMeta, dst io.Writer, buf []byte) (int64, error) {
	step := fmt.Sprintf("copy chunk %d", m.Index)
	rc, _, err := e.chunks.Open(ctx, uploadID, m.Index)
	if err != nil {
		return 0, fail(ctx, step, err)
	}
	defer rc.Close()

	var src io.Reader = io.LimitReader(rc, m.Length+1)
	hasher := utils.NewChunkHasher()
	if m.Digest != "" {
		src = io.TeeReader(src, hasher)
	}
	n, err := io.CopyBuffer(dst, onlyReader{src}, buf)
	if err != nil {
		return n, fail(ctx, step, err)
	}
	if n != m.Length {
		return n, fail(ctx, step, fmt.Errorf("read %d bytes, ledger recorded %d", n, m.Length))
	}
	if m.Digest != "" {
		if got := fmt.Sprintf("%x", hasher.Sum(nil)); got != m.Digest {
			return n, fail(ctx, step, fmt.Errorf("digest mismatch: %s != %s", got, m.Digest))
		}
	}
	return n, nil
}

// Discard 删除已提交的最终对象，会话未能切换到 Completed 时调用
func (e *Engine) Discard(ctx context.Context, res Result) {
	e.discard(ctx, res.ObjectRef)
}

// discard 删除可能已经提交的目标对象，ctx 超时后仍然执行
func (e *Engine) discard(ctx context.Context, key string) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := e.blobs.RemoveObject(cleanupCtx, e.finalBucket, key); err != nil {
		logger.Error("丢弃未完成的最终对象失败", zap.String("object", key), zap.Error(err))
	}
}

// fail 包装为 ErrAssemblyFailed，超时额外标记 ErrTimeout
func fail(ctx context.Context, step string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w: %w", xerr.ErrAssemblyFailed, step, xerr.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %s: %w", xerr.ErrAssemblyFailed, step, err)
}

// onlyReader 隐藏 WriterTo，保证 io.CopyBuffer 使用传入的缓冲区
type onlyReader struct {
	io.Reader
}

// FinalObjectKey <prefix>/<targetID>/<yyyymmddHHMMSS>-<id>/<文件名>
func FinalObjectKey(prefix, targetID, fileName string, at time.Time, id string) string {
	return path.Join(prefix, sanitize(targetID, "target"), at.UTC().Format("20060102150405")+"-"+id, sanitize(fileName, "deliverable"))
}

const maxNameLen = 128

// sanitize 只保留字母、数字和 . _ -，其余替换为 _
func sanitize(name, fallback string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)), r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if len(out) > maxNameLen {
		out = out[len(out)-maxNameLen:]
	}
	if out == "" || strings.Trim(out, "_") == "" {
		return fallback
	}
	return out
}
