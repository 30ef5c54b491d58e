// Package upload 实现分片上传的状态机：接收分片、更新账本、在接收集合完整时触发组装，
// 并在终态后发布结果、清理分片。
package upload

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"strings"
	"time"

	"github.com/3Eeeecho/go-deliverables/internal/assembly"
	"github.com/3Eeeecho/go-deliverables/internal/chunkstore"
	"github.com/3Eeeecho/go-deliverables/internal/config"
	"github.com/3Eeeecho/go-deliverables/internal/ledger"
	"github.com/3Eeeecho/go-deliverables/internal/models"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/cache"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/lock"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/logger"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/metrics"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/utils"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/xerr"
	"github.com/3Eeeecho/go-deliverables/internal/repositories"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	lockWait        = 30 * time.Second
	finalizeTimeout = time.Minute

	maxFailureReason = 500
)

// Assembler 由 assembly.Engine 实现
type Assembler interface {
	Assemble(ctx context.Context, uploadID string) (assembly.Result, error)
	Discard(ctx context.Context, res assembly.Result)
}

// Publisher 由 publish.ResultPublisher 实现
type Publisher interface {
	PublishCompleted(ctx context.Context, v *models.SessionView, meta models.ArtifactMetadata)
	PublishFailed(ctx context.Context, v *models.SessionView)
}

// Purger 由 cleanup.Sweeper 实现
type Purger interface {
	Purge(ctx context.Context, uploadID string) error
}

// Deps 协调器的可选依赖
type Deps struct {
	Publisher Publisher
	Purger    Purger
	Metrics   *metrics.UploadMetrics
}

type Coordinator struct {
	ledger    ledger.Ledger
	chunks    *chunkstore.Store
	assembler Assembler
	docs      repositories.DocumentStore
	locker    lock.Locker
	cfg       config.UploadConfig
	publisher Publisher
	purger    Purger
	metrics   *metrics.UploadMetrics
	newID     func() string
}

func NewCoordinator(
	l ledger.Ledger,
	chunks *chunkstore.Store,
	assembler Assembler,
	docs repositories.DocumentStore,
	locker lock.Locker,
	cfg config.UploadConfig,
	deps Deps,
) *Coordinator {
	return &Coordinator{
		ledger:    l,
		chunks:    chunks,
		assembler: assembler,
		docs:      docs,
		locker:    locker,
		cfg:       cfg,
		publisher: deps.Publisher,
		purger:    deps.Purger,
		metrics:   deps.Metrics,
		newID:     uuid.NewString,
	}
}

// lockUpload 串行化同一 uploadID 的请求
func (c *Coordinator) lockUpload(ctx context.Context, uploadID string) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, lockWait)
	defer cancel()
	unlock, err := c.locker.Lock(lockCtx, cache.GenerateLockKey(uploadID))
	if err != nil {
		return nil, fmt.Errorf("%w: upload %s is busy: %w", xerr.ErrStateConflict, uploadID, err)
	}
	return unlock, nil
}

// InitUpload 显式创建会话。相同参数重复调用返回已有会话
func (c *Coordinator) InitUpload(ctx context.Context, req models.InitUploadRequest) (*models.SessionView, error) {
	uploadID := req.UploadID
	if uploadID == "" {
		uploadID = c.newID()
	}
	unlock, err := c.lockUpload(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	view, err := c.ledger.Snapshot(ctx, uploadID)
	switch {
	case err == nil:
		if view.OwnerID != req.OwnerID || view.TargetID != req.TargetID {
			return nil, fmt.Errorf("%w: %s", xerr.ErrUploadSessionExists, uploadID)
		}
		if view.TotalChunks != req.TotalChunks {
			return nil, fmt.Errorf("%w: session declares %d chunks, got %d", xerr.ErrChunkCountMismatch, view.TotalChunks, req.TotalChunks)
		}
		return view, nil
	case errors.Is(err, xerr.ErrUploadSessionNotFound):
		return c.createSession(ctx, uploadID, req.TotalChunks, req.UploadMetadata)
	default:
		return nil, err
	}
}

// createSession 校验元数据和业务前置条件，全部通过才写入账本
func (c *Coordinator) createSession(ctx context.Context, uploadID string, totalChunks int, meta models.UploadMetadata) (*models.SessionView, error) {
	log := logger.WithUpload(uploadID)
	if !meta.HasBusinessIDs() {
		return nil, fmt.Errorf("%w: ownerId and targetId are required", xerr.ErrInvalidParams)
	}
	if totalChunks < 1 || (c.cfg.MaxTotalChunks > 0 && totalChunks > c.cfg.MaxTotalChunks) {
		return nil, fmt.Errorf("%w: %d", xerr.ErrInvalidTotalChunks, totalChunks)
	}
	contentType, err := c.admitContentType(meta.ContentType)
	if err != nil {
		return nil, err
	}
	if meta.DeclaredByteSize < 0 {
		return nil, fmt.Errorf("%w: declaredByteSize must not be negative", xerr.ErrInvalidParams)
	}
	if c.cfg.MaxFileSize > 0 && meta.DeclaredByteSize > c.cfg.MaxFileSize {
		return nil, fmt.Errorf("%w: declared %d bytes, limit %d", xerr.ErrSizeLimitExceeded, meta.DeclaredByteSize, c.cfg.MaxFileSize)
	}

	ok, err := c.docs.CheckPrecondition(ctx, meta.OwnerID, meta.TargetID)
	if err != nil {
		return nil, err
	}
	if !ok {
		log.Info("业务前置条件未通过", zap.String("ownerID", meta.OwnerID), zap.String("targetID", meta.TargetID))
		return nil, fmt.Errorf("%w: owner %s cannot upload for target %s", xerr.ErrPreconditionFailed, meta.OwnerID, meta.TargetID)
	}

	session := &models.UploadSession{
		UploadID:            uploadID,
		OwnerID:             meta.OwnerID,
		TargetID:            meta.TargetID,
		FileName:            meta.FileName,
		ContentType:         contentType,
		DeclaredTotalChunks: totalChunks,
		DeclaredByteSize:    meta.DeclaredByteSize,
		State:               models.StateUploading,
		Notes:               meta.Notes,
		BusinessStatus:      meta.BusinessStatus,
	}
	if err := c.ledger.Create(ctx, session); err != nil {
		return nil, err
	}
	c.metrics.SessionCreated()
	log.Info("上传会话已创建",
		zap.String("ownerID", meta.OwnerID),
		zap.String("targetID", meta.TargetID),
		zap.Int("totalChunks", totalChunks))
	return c.ledger.Snapshot(ctx, uploadID)
}

// admitContentType 返回去掉参数后的媒体类型，空值按 application/octet-stream 处理
func (c *Coordinator) admitContentType(contentType string) (string, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", fmt.Errorf("%w: %q", xerr.ErrUnsupportedContentType, contentType)
	}
	if !contentTypeAllowed(mediaType, c.cfg.AllowedContentTypes) {
		return "", fmt.Errorf("%w: %s", xerr.ErrUnsupportedContentType, mediaType)
	}
	return mediaType, nil
}

func contentTypeAllowed(mediaType string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "*/*" || a == mediaType {
			return true
		}
		if prefix, ok := strings.CutSuffix(a, "/*"); ok && strings.HasPrefix(mediaType, prefix+"/") {
			return true
		}
	}
	return false
}

// reject 构造被拒绝的结果，错误原样返回
func (c *Coordinator) reject(res models.ChunkResult, err error) (models.ChunkResult, error) {
	res.Accepted = false
	res.ErrorCode = xerr.ErrorCode(err)
	result := "rejected"
	if errors.Is(err, xerr.ErrStorageWrite) {
		result = "storage_error"
	}
	c.metrics.ChunkResult(result, 0)
	return res, err
}

// SubmitChunk 接收一个分片。同一会话的分片可以任意顺序到达，重复分片不会重复计数。
// 接收集合完整时在本次调用内完成组装。
func (c *Coordinator) SubmitChunk(ctx context.Context, sub models.ChunkSubmission) (models.ChunkResult, error) {
	if sub.UploadID == "" {
		if !sub.Metadata.HasBusinessIDs() {
			return c.reject(models.ChunkResult{Index: sub.Index}, fmt.Errorf("%w: uploadId or init metadata required", xerr.ErrUploadSessionNotFound))
		}
		sub.UploadID = c.newID()
	}
	res := models.ChunkResult{UploadID: sub.UploadID, Index: sub.Index}
	log := logger.WithUpload(sub.UploadID)

	unlock, err := c.lockUpload(ctx, sub.UploadID)
	if err != nil {
		return c.reject(res, err)
	}
	locked := true
	release := func() {
		if locked {
			locked = false
			unlock()
		}
	}
	defer release()

	view, err := c.ledger.Snapshot(ctx, sub.UploadID)
	if errors.Is(err, xerr.ErrUploadSessionNotFound) {
		if !sub.Metadata.HasBusinessIDs() {
			return c.reject(res, err)
		}
		// 首个分片不合法时不创建会话
		if err := c.admitFirstChunk(sub); err != nil {
			return c.reject(res, err)
		}
		view, err = c.createSession(ctx, sub.UploadID, sub.TotalChunks, sub.Metadata)
	}
	if err != nil {
		return c.reject(res, err)
	}
	res.State = view.State
	res.ProgressPercent = view.ProgressPercent

	// ownerId 和 targetId 在会话生命周期内不可变
	if (sub.Metadata.OwnerID != "" && sub.Metadata.OwnerID != view.OwnerID) ||
		(sub.Metadata.TargetID != "" && sub.Metadata.TargetID != view.TargetID) {
		return c.reject(res, fmt.Errorf("%w: upload %s belongs to another owner or target", xerr.ErrForbidden, sub.UploadID))
	}

	// (1) 终态直接返回已有结果；组装中的会话只返回进度
	if view.State.IsTerminal() {
		out := models.ResultFromView(view, sub.Index)
		out.Accepted = view.State == models.StateCompleted
		c.metrics.ChunkResult("terminal", 0)
		return out, nil
	}
	if view.State == models.StateAssembling {
		out := models.ResultFromView(view, sub.Index)
		out.Accepted = view.Has(sub.Index)
		c.metrics.ChunkResult("assembling", 0)
		return out, nil
	}

	// (2) 总分片数 (3) 序号范围
	if sub.TotalChunks < 1 {
		return c.reject(res, fmt.Errorf("%w: %d", xerr.ErrInvalidTotalChunks, sub.TotalChunks))
	}
	if sub.TotalChunks != view.TotalChunks {
		return c.reject(res, fmt.Errorf("%w: session declares %d chunks, got %d", xerr.ErrChunkCountMismatch, view.TotalChunks, sub.TotalChunks))
	}
	if sub.Index < 0 || sub.Index >= view.TotalChunks {
		return c.reject(res, fmt.Errorf("%w: %d not in [0, %d)", xerr.ErrInvalidChunkIndex, sub.Index, view.TotalChunks))
	}

	// (4) 类型和大小准入
	digest, err := c.admitChunk(view, sub)
	if err != nil {
		return c.reject(res, err)
	}

	// (5) 重复分片是幂等的空操作
	if view.Has(sub.Index) {
		out := models.ResultFromView(view, sub.Index)
		out.Accepted = true
		out.Duplicate = true
		c.metrics.ChunkResult("duplicate", 0)
		log.Debug("重复分片", zap.Int("index", sub.Index))
		return out, nil
	}

	// (6) 先持久化分片，写入失败时账本保持不变，客户端可以直接重试
	if err := c.chunks.Write(ctx, sub.UploadID, sub.Index, sub.Payload); err != nil {
		log.Error("分片写入失败", zap.Int("index", sub.Index), zap.Error(err))
		return c.reject(res, err)
	}

	// (7) 更新账本
	mark, err := c.ledger.MarkReceived(ctx, sub.UploadID, models.ChunkMeta{
		Index:  sub.Index,
		Length: int64(len(sub.Payload)),
		Digest: digest,
	})
	if err != nil {
		log.Error("更新账本失败", zap.Int("index", sub.Index), zap.Error(err))
		return c.reject(res, err)
	}
	out := models.ResultFromView(mark.View, sub.Index)
	out.Accepted = true
	if !mark.Added {
		out.Duplicate = true
		c.metrics.ChunkResult("duplicate", 0)
		return out, nil
	}
	c.metrics.ChunkResult("accepted", len(sub.Payload))
	log.Debug("分片已接收",
		zap.Int("index", sub.Index),
		zap.Int("received", mark.View.ReceivedCount()),
		zap.Int("total", mark.View.TotalChunks))

	// (9) 尚未完整
	if !mark.View.IsComplete() {
		return out, nil
	}

	// (8) 集合完整：只有赢得 Uploading -> Assembling 的调用执行组装
	if err := c.ledger.Transition(ctx, sub.UploadID, models.StateUploading, models.StateAssembling, ledger.TransitionPatch{}); err != nil {
		if !errors.Is(err, xerr.ErrStateConflict) {
			return c.reject(out, err)
		}
		current, serr := c.ledger.Snapshot(ctx, sub.UploadID)
		if serr != nil {
			return c.reject(out, serr)
		}
		out = models.ResultFromView(current, sub.Index)
		out.Accepted = true
		return out, nil
	}
	// 组装期间其他请求只会看到 Assembling，不再需要持有锁
	release()

	final, err := c.assemble(ctx, mark.View)
	if final != nil {
		out = models.ResultFromView(final, sub.Index)
		out.Accepted = true
	}
	if err != nil {
		out.ErrorCode = xerr.ErrorCode(err)
		return out, err
	}
	return out, nil
}

// admitFirstChunk 用即将创建的会话参数校验首个分片，规则与已有会话相同
func (c *Coordinator) admitFirstChunk(sub models.ChunkSubmission) error {
	if sub.TotalChunks < 1 || (c.cfg.MaxTotalChunks > 0 && sub.TotalChunks > c.cfg.MaxTotalChunks) {
		return fmt.Errorf("%w: %d", xerr.ErrInvalidTotalChunks, sub.TotalChunks)
	}
	if sub.Index < 0 || sub.Index >= sub.TotalChunks {
		return fmt.Errorf("%w: %d not in [0, %d)", xerr.ErrInvalidChunkIndex, sub.Index, sub.TotalChunks)
	}
	contentType, err := c.admitContentType(sub.Metadata.ContentType)
	if err != nil {
		return err
	}
	pending := &models.SessionView{
		UploadID:         sub.UploadID,
		TotalChunks:      sub.TotalChunks,
		ContentType:      contentType,
		DeclaredByteSize: sub.Metadata.DeclaredByteSize,
	}
	_, err = c.admitChunk(pending, sub)
	return err
}

// admitChunk 检查分片大小、累计大小和摘要，返回分片的摘要
func (c *Coordinator) admitChunk(view *models.SessionView, sub models.ChunkSubmission) (string, error) {
	if len(sub.Payload) == 0 {
		return "", xerr.ErrEmptyPayload
	}
	if sub.Metadata.ContentType != "" {
		mediaType, err := c.admitContentType(sub.Metadata.ContentType)
		if err != nil {
			return "", err
		}
		if mediaType != view.ContentType {
			return "", fmt.Errorf("%w: session is %s, chunk declares %s", xerr.ErrUnsupportedContentType, view.ContentType, mediaType)
		}
	}
	size := int64(len(sub.Payload))
	if c.cfg.MaxChunkSize > 0 && size > c.cfg.MaxChunkSize {
		return "", fmt.Errorf("%w: chunk is %d bytes, limit %d", xerr.ErrSizeLimitExceeded, size, c.cfg.MaxChunkSize)
	}
	// 重复分片不参与累计大小检查
	if !view.Has(sub.Index) {
		total := view.ReceivedBytes + size
		if view.DeclaredByteSize > 0 && total > view.DeclaredByteSize {
			return "", fmt.Errorf("%w: %d bytes exceeds declared %d", xerr.ErrSizeLimitExceeded, total, view.DeclaredByteSize)
		}
		if c.cfg.MaxFileSize > 0 && total > c.cfg.MaxFileSize {
			return "", fmt.Errorf("%w: %d bytes exceeds limit %d", xerr.ErrSizeLimitExceeded, total, c.cfg.MaxFileSize)
		}
	}

	digest := utils.ChunkDigest(sub.Payload)
	if sub.Digest != "" {
		want, err := utils.NormalizeDigest(sub.Digest)
		if err != nil {
			return "", fmt.Errorf("%w: %w", xerr.ErrInvalidParams, err)
		}
		if want != digest {
			return "", fmt.Errorf("%w: index %d", xerr.ErrChunkDigestMismatch, sub.Index)
		}
	}
	return digest, nil
}

// assemble 执行组装并提交终态。请求被取消不会中断组装，超时由 assembly_timeout 控制。
// pending 是切换到 Assembling 之前的快照，提交 Completed 后读取失败时用它补全结果。
func (c *Coordinator) assemble(ctx context.Context, pending *models.SessionView) (*models.SessionView, error) {
	uploadID := pending.UploadID
	log := logger.WithUpload(uploadID)
	detached := context.WithoutCancel(ctx)
	actx, cancel := context.WithTimeout(detached, c.cfg.AssemblyTimeout)
	defer cancel()

	started := time.Now()
	res, err := c.assembler.Assemble(actx, uploadID)
	if err != nil {
		outcome, reason := "failed", assemblyFailureReason(err)
		if errors.Is(err, xerr.ErrTimeout) {
			outcome, reason = "timeout", models.FailureReasonTimeout
		}
		c.metrics.Assembly(outcome, started, 0)
		log.Error("分片组装失败", zap.String("reason", reason), zap.Error(err))

		view, ferr := c.fail(detached, uploadID, models.StateAssembling, reason)
		if ferr != nil {
			return view, errors.Join(err, ferr)
		}
		return view, err
	}

	fctx, fcancel := context.WithTimeout(detached, finalizeTimeout)
	defer fcancel()
	err = c.ledger.Transition(fctx, uploadID, models.StateAssembling, models.StateCompleted, ledger.TransitionPatch{
		FinalObjectRef: res.ObjectRef,
		FinalByteSize:  res.ByteSize,
	})
	if err != nil {
		// 会话已被清理任务判定超时，新生成的对象不能被当作交付物
		log.Warn("提交 completed 失败，丢弃最终对象", zap.String("object", res.ObjectRef), zap.Error(err))
		c.assembler.Discard(fctx, res)
		c.metrics.Assembly("discarded", started, 0)
		view, serr := c.ledger.Snapshot(fctx, uploadID)
		if serr != nil {
			return nil, errors.Join(err, serr)
		}
		if view.State == models.StateFailed {
			return view, fmt.Errorf("%w: %s", xerr.ErrTimeout, view.FailureReason)
		}
		return view, err
	}
	c.metrics.Assembly("completed", started, res.ByteSize)

	view, err := c.ledger.Snapshot(fctx, uploadID)
	if err != nil {
		// 已经是 Completed，快照失败不影响结果
		log.Error("读取完成后的会话失败", zap.Error(err))
		view = completedView(pending, res)
	}
	if view.AbortRequested {
		log.Info("组装期间收到的取消请求被忽略，上传已完成")
	}
	if c.publisher != nil {
		c.publisher.PublishCompleted(fctx, view, models.ArtifactMetadata{
			UploadID:       view.UploadID,
			OwnerID:        view.OwnerID,
			ByteSize:       view.FinalByteSize,
			FileName:       view.FileName,
			ContentType:    view.ContentType,
			Notes:          view.Notes,
			BusinessStatus: view.BusinessStatus,
		})
	}
	c.purge(fctx, uploadID)
	return view, nil
}

func completedView(pending *models.SessionView, res assembly.Result) *models.SessionView {
	v := *pending
	v.State = models.StateCompleted
	v.ProgressPercent = 100
	v.FinalObjectRef = res.ObjectRef
	v.FinalByteSize = res.ByteSize
	v.TerminalAt = time.Now()
	return &v
}

// assemblyFailureReason 形如 "AssemblyFailed: verify final size: ..."，长度受字段限制
func assemblyFailureReason(err error) string {
	detail := strings.TrimPrefix(err.Error(), xerr.ErrAssemblyFailed.Error()+": ")
	reason := models.FailureReasonAssemblyPrefix + detail
	if r := []rune(reason); len(r) > maxFailureReason {
		reason = string(r[:maxFailureReason])
	}
	return reason
}

// fail 将会话从 from 切换到 Failed，随后发布失败结果并清理分片
func (c *Coordinator) fail(ctx context.Context, uploadID string, from models.UploadState, reason string) (*models.SessionView, error) {
	ctx, cancel := context.WithTimeout(ctx, finalizeTimeout)
	defer cancel()
	log := logger.WithUpload(uploadID)

	terr := c.ledger.Transition(ctx, uploadID, from, models.StateFailed, ledger.TransitionPatch{FailureReason: reason})
	view, err := c.ledger.Snapshot(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if terr != nil {
		// 其他调用方已经让会话进入终态，保持其结果
		log.Warn("切换到 failed 失败", zap.String("state", string(view.State)), zap.Error(terr))
		if !errors.Is(terr, xerr.ErrStateConflict) {
			return view, terr
		}
		return view, nil
	}
	if c.publisher != nil {
		c.publisher.PublishFailed(ctx, view)
	}
	c.purge(ctx, uploadID)
	return view, nil
}

func (c *Coordinator) purge(ctx context.Context, uploadID string) {
	if c.purger == nil {
		return
	}
	if err := c.purger.Purge(ctx, uploadID); err != nil {
		// 清理任务会在下一轮重试
		logger.WithUpload(uploadID).Warn("分片清理失败", zap.Error(err))
	}
}

// GetStatus 可重复轮询，终态结果在保留期内一直可查
func (c *Coordinator) GetStatus(ctx context.Context, uploadID string) (*models.SessionView, error) {
	return c.ledger.Snapshot(ctx, uploadID)
}

// AbortUpload 取消上传。Uploading 立即失败并清理分片；Assembling 只记录请求，
// 等组装结束后再处理；终态会话原样返回。
func (c *Coordinator) AbortUpload(ctx context.Context, uploadID, ownerID string) (*models.SessionView, error) {
	unlock, err := c.lockUpload(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	view, err := c.ledger.Snapshot(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if ownerID != "" && view.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: upload %s belongs to another owner", xerr.ErrForbidden, uploadID)
	}

	switch view.State {
	case models.StateUploading:
		logger.WithUpload(uploadID).Info("上传已取消", zap.Int("received", view.ReceivedCount()))
		return c.fail(context.WithoutCancel(ctx), uploadID, models.StateUploading, models.FailureReasonAborted)
	case models.StateAssembling:
		return c.ledger.RequestAbort(ctx, uploadID)
	default:
		return view, nil
	}
}
