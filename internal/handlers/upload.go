package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/3Eeeecho/go-deliverables/internal/config"
	"github.com/3Eeeecho/go-deliverables/internal/models"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/logger"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/utils"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/xerr"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// DigestHeader 客户端可以通过请求头携带分片摘要
const DigestHeader = "X-Chunk-Digest"

// UploadService 由 upload.Coordinator 实现
type UploadService interface {
	InitUpload(ctx context.Context, req models.InitUploadRequest) (*models.SessionView, error)
	SubmitChunk(ctx context.Context, sub models.ChunkSubmission) (models.ChunkResult, error)
	GetStatus(ctx context.Context, uploadID string) (*models.SessionView, error)
	AbortUpload(ctx context.Context, uploadID, ownerID string) (*models.SessionView, error)
}

type UploadHandler struct {
	svc          UploadService
	maxChunkSize int64
}

func NewUploadHandler(svc UploadService, cfg *config.Config) *UploadHandler {
	return &UploadHandler{svc: svc, maxChunkSize: cfg.Upload.MaxChunkSize}
}

// ChunkRequest multipart 表单或 JSON 形式的分片请求，payload 为 base64
type ChunkRequest struct {
	UploadID    string `json:"uploadId" form:"uploadId"`
	Index       *int   `json:"index" form:"index" binding:"required"`
	TotalChunks int    `json:"totalChunks" form:"totalChunks"`
	Payload     string `json:"payload" form:"payload"`
	Digest      string `json:"digest" form:"digest"`
	models.UploadMetadata
}

// resolveOwner 开启认证时 ownerId 以 token 为准，表单中的值必须一致
func resolveOwner(c *gin.Context, claimed string) (string, error) {
	owner, ok := utils.GetOwnerIDFromContext(c)
	if !ok {
		return claimed, nil
	}
	if claimed != "" && claimed != owner {
		return "", fmt.Errorf("%w: ownerId does not match token", xerr.ErrForbidden)
	}
	return owner, nil
}

// InitUpload 显式创建上传会话
// @Summary 初始化分片上传
// @Description 校验业务前置条件并创建上传会话，不携带分片数据
// @Tags 分片上传
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body models.InitUploadRequest true "会话参数"
// @Success 201 {object} xerr.Response{data=models.SessionView} "会话已创建"
// @Failure 400 {object} xerr.Response "参数错误"
// @Failure 412 {object} xerr.Response "业务前置条件不满足"
// @Router /api/v1/uploads [post]
func (h *UploadHandler) InitUpload(c *gin.Context) {
	var req models.InitUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		xerr.Error(c, http.StatusBadRequest, xerr.InvalidParamsCode, "Invalid request body: "+err.Error())
		return
	}
	owner, err := resolveOwner(c, req.OwnerID)
	if err != nil {
		xerr.FromError(c, err)
		return
	}
	req.OwnerID = owner

	view, err := h.svc.InitUpload(c.Request.Context(), req)
	if err != nil {
		xerr.FromError(c, err)
		return
	}
	xerr.Success(c, http.StatusCreated, "Upload session created", view)
}

// SubmitChunk 上传一个分片
// @Summary 上传分片
// @Description 分片可以任意顺序到达，重复分片不会重复计数；最后一个缺失的分片到达时在本次请求内完成组装
// @Tags 分片上传
// @Accept multipart/form-data
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param uploadId formData string false "会话 ID，首个分片可省略"
// @Param index formData int true "分片序号，从 0 开始"
// @Param totalChunks formData int true "分片总数"
// @Param chunk formData file false "分片内容"
// @Param payload formData string false "base64 编码的分片内容"
// @Param digest formData string false "BLAKE2b-256 hex 摘要"
// @Param fileName formData string false "文件名"
// @Param contentType formData string false "媒体类型"
// @Param declaredByteSize formData int false "声明的文件大小"
// @Param ownerId formData string false "上传者"
// @Param targetId formData string false "业务对象"
// @Success 200 {object} xerr.Response{data=models.ChunkResult} "分片已接收"
// @Failure 400 {object} xerr.Response{data=models.ChunkResult} "分片校验失败"
// @Failure 404 {object} xerr.Response{data=models.ChunkResult} "会话不存在"
// @Failure 500 {object} xerr.Response{data=models.ChunkResult} "组装失败"
// @Router /api/v1/uploads/chunks [post]
func (h *UploadHandler) SubmitChunk(c *gin.Context) {
	// base64 和 multipart 都有额外开销，这里只做粗略的上限
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxChunkSize*2+1<<20)

	var req ChunkRequest
	if err := c.ShouldBind(&req); err != nil {
		xerr.Error(c, http.StatusBadRequest, xerr.InvalidParamsCode, "Invalid chunk request: "+err.Error())
		return
	}
	payload, err := h.readPayload(c, req.Payload)
	if err != nil {
		h.respondChunk(c, models.ChunkResult{UploadID: req.UploadID, Index: *req.Index}, err)
		return
	}
	digest := req.Digest
	if digest == "" {
		digest = c.GetHeader(DigestHeader)
	}
	h.submit(c, models.ChunkSubmission{
		UploadID:    req.UploadID,
		Index:       *req.Index,
		TotalChunks: req.TotalChunks,
		Payload:     payload,
		Digest:      digest,
		Metadata:    req.UploadMetadata,
	})
}

// PutChunk 以原始字节流上传分片
// @Summary 上传分片（原始字节流）
// @Description 请求体即分片内容，适用于已初始化的会话
// @Tags 分片上传
// @Accept octet-stream
// @Produce json
// @Security BearerAuth
// @Param id path string true "会话 ID"
// @Param index path int true "分片序号"
// @Param totalChunks query int true "分片总数"
// @Success 200 {object} xerr.Response{data=models.ChunkResult} "分片已接收"
// @Failure 400 {object} xerr.Response{data=models.ChunkResult} "分片校验失败"
// @Router /api/v1/uploads/{id}/chunks/{index} [put]
func (h *UploadHandler) PutChunk(c *gin.Context) {
	uploadID := c.Param("id")
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		xerr.Error(c, http.StatusBadRequest, xerr.InvalidParamsCode, "Invalid chunk index")
		return
	}
	total, err := strconv.Atoi(c.Query("totalChunks"))
	if err != nil {
		xerr.Error(c, http.StatusBadRequest, xerr.InvalidParamsCode, "Invalid totalChunks")
		return
	}
	payload, err := h.readLimited(c.Request.Body)
	if err != nil {
		h.respondChunk(c, models.ChunkResult{UploadID: uploadID, Index: index}, err)
		return
	}
	owner, _ := utils.GetOwnerIDFromContext(c)
	h.submit(c, models.ChunkSubmission{
		UploadID:    uploadID,
		Index:       index,
		TotalChunks: total,
		Payload:     payload,
		Digest:      c.GetHeader(DigestHeader),
		Metadata:    models.UploadMetadata{OwnerID: owner},
	})
}

func (h *UploadHandler) submit(c *gin.Context, sub models.ChunkSubmission) {
	owner, err := resolveOwner(c, sub.Metadata.OwnerID)
	if err != nil {
		h.respondChunk(c, models.ChunkResult{UploadID: sub.UploadID, Index: sub.Index}, err)
		return
	}
	sub.Metadata.OwnerID = owner

	res, err := h.svc.SubmitChunk(c.Request.Context(), sub)
	h.respondChunk(c, res, err)
}

func (h *UploadHandler) respondChunk(c *gin.Context, res models.ChunkResult, err error) {
	if err != nil {
		if res.ErrorCode == "" {
			res.ErrorCode = xerr.ErrorCode(err)
		}
		if !xerr.IsValidation(err) {
			logger.Warn("分片请求失败",
				zap.String("uploadID", res.UploadID),
				zap.Int("index", res.Index),
				zap.String("errorCode", res.ErrorCode),
				zap.Error(err))
		}
		xerr.ErrorWithData(c, err, res)
		return
	}
	msg := "Chunk accepted"
	switch {
	case res.IsFinal:
		msg = "Upload completed"
	case res.Duplicate:
		msg = "Duplicate chunk ignored"
	}
	xerr.Success(c, http.StatusOK, msg, res)
}

// readPayload 优先读取 multipart 文件字段 chunk，其次是 base64 字段 payload
func (h *UploadHandler) readPayload(c *gin.Context, encoded string) ([]byte, error) {
	if fh, err := c.FormFile("chunk"); err == nil {
		if h.maxChunkSize > 0 && fh.Size > h.maxChunkSize {
			return nil, fmt.Errorf("%w: chunk is %d bytes, limit %d", xerr.ErrSizeLimitExceeded, fh.Size, h.maxChunkSize)
		}
		f, err := fh.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: open chunk: %w", xerr.ErrInvalidParams, err)
		}
		defer f.Close()
		return h.readLimited(f)
	} else if !errors.Is(err, http.ErrMissingFile) && !errors.Is(err, http.ErrNotMultipart) {
		return nil, fmt.Errorf("%w: %w", xerr.ErrInvalidParams, err)
	}

	if encoded == "" {
		return nil, xerr.ErrEmptyPayload
	}
	payload, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: payload is not valid base64", xerr.ErrInvalidParams)
	}
	return payload, nil
}

// readLimited 最多读取 maxChunkSize+1 字节，超出即拒绝
func (h *UploadHandler) readLimited(r io.Reader) ([]byte, error) {
	if h.maxChunkSize > 0 {
		r = io.LimitReader(r, h.maxChunkSize+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("%w: request body too large", xerr.ErrSizeLimitExceeded)
		}
		return nil, fmt.Errorf("%w: read chunk: %w", xerr.ErrInvalidParams, err)
	}
	if h.maxChunkSize > 0 && int64(len(data)) > h.maxChunkSize {
		return nil, fmt.Errorf("%w: chunk exceeds %d bytes", xerr.ErrSizeLimitExceeded, h.maxChunkSize)
	}
	return data, nil
}

// GetStatus 查询上传进度
// @Summary 查询上传状态
// @Description 可重复轮询，终态结果在保留期内一直可查
// @Tags 分片上传
// @Produce json
// @Security BearerAuth
// @Param id path string true "会话 ID"
// @Success 200 {object} xerr.Response{data=models.SessionView} "会话状态"
// @Failure 404 {object} xerr.Response "会话不存在"
// @Router /api/v1/uploads/{id} [get]
func (h *UploadHandler) GetStatus(c *gin.Context) {
	view, err := h.svc.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		xerr.FromError(c, err)
		return
	}
	if owner, ok := utils.GetOwnerIDFromContext(c); ok && owner != view.OwnerID {
		xerr.FromError(c, xerr.ErrForbidden)
		return
	}
	xerr.Success(c, http.StatusOK, "OK", view)
}

// AbortUpload 取消上传
// @Summary 取消上传
// @Description 上传中的会话立即失败并清理分片；组装中的会话在组装结束前不受影响
// @Tags 分片上传
// @Produce json
// @Security BearerAuth
// @Param id path string true "会话 ID"
// @Success 200 {object} xerr.Response{data=models.SessionView} "会话已取消或已是终态"
// @Success 202 {object} xerr.Response{data=models.SessionView} "组装中，取消请求已记录"
// @Failure 404 {object} xerr.Response "会话不存在"
// @Router /api/v1/uploads/{id} [delete]
func (h *UploadHandler) AbortUpload(c *gin.Context) {
	owner, _ := utils.GetOwnerIDFromContext(c)
	view, err := h.svc.AbortUpload(c.Request.Context(), c.Param("id"), owner)
	if err != nil {
		xerr.FromError(c, err)
		return
	}
	if view.State == models.StateAssembling {
		xerr.Success(c, http.StatusAccepted, "Abort queued until assembly finishes", view)
		return
	}
	xerr.Success(c, http.StatusOK, "Upload aborted", view)
}
