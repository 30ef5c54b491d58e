package xerr

import "errors"

var (
	// 通用错误
	ErrInternalServer = errors.New("服务器内部错误")

	// 客户端请求错误
	ErrInvalidParams          = errors.New("无效的请求参数")
	ErrInvalidChunkIndex      = errors.New("分片序号超出范围")
	ErrChunkCountMismatch     = errors.New("分片总数与已有上传会话不一致")
	ErrInvalidTotalChunks     = errors.New("分片总数必须大于 0")
	ErrEmptyPayload           = errors.New("分片内容为空")
	ErrUnsupportedContentType = errors.New("不支持的文件类型")
	ErrSizeLimitExceeded      = errors.New("上传内容超出大小限制")
	ErrChunkDigestMismatch    = errors.New("分片摘要校验失败")

	// 认证与授权错误
	ErrUnauthorized = errors.New("用户未授权")
	ErrTokenInvalid = errors.New("认证 Token 无效或已过期")
	ErrForbidden    = errors.New("禁止访问")

	// 资源未找到错误
	ErrUploadSessionNotFound = errors.New("上传会话不存在或已过期")

	// 业务逻辑冲突
	ErrStateConflict       = errors.New("上传会话状态已变化")
	ErrUploadSessionExists = errors.New("上传会话已存在")
	ErrUploadAborted       = errors.New("上传已被取消")
	ErrPreconditionFailed  = errors.New("业务前置条件不满足，无法上传")

	// 数据库与外部服务错误
	ErrDatabaseError  = errors.New("数据库操作失败")
	ErrStorageWrite   = errors.New("存储服务写入失败")
	ErrMQError        = errors.New("消息队列操作失败")
	ErrAssemblyFailed = errors.New("分片组装失败")
	ErrTimeout        = errors.New("处理超时")
)
