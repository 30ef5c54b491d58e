package xerr

// 定义了统一的业务错误码
const (
	SuccessCode = 20000 // 通用成功码

	// --- 客户端请求错误系列 (400xx) ---
	InvalidParamsCode          = 40000 // 无效的请求参数
	ValidationFailedCode       = 40001 // 参数验证失败
	InvalidChunkIndexCode      = 40010 // 分片序号越界
	ChunkCountMismatchCode     = 40011 // 分片总数与会话不一致
	InvalidTotalChunksCode     = 40012 // 分片总数非法
	EmptyPayloadCode           = 40013 // 分片内容为空
	UnsupportedContentTypeCode = 40014 // 不支持的文件类型
	SizeLimitExceededCode      = 40015 // 超出大小限制
	ChunkDigestMismatchCode    = 40016 // 分片摘要校验失败

	// --- 认证与授权错误系列 (401xx) ---
	UnauthorizedCode = 40100 // 通用未授权
	TokenInvalidCode = 40101 // Token 无效或过期

	// --- 权限错误系列 (403xx) ---
	ForbiddenCode = 40300 // 通用无权限

	// --- 资源未找到错误系列 (404xx) ---
	NotFoundCode              = 40400 // 通用资源未找到
	UploadSessionNotFoundCode = 40406 // 上传会话不存在

	// --- 业务逻辑冲突系列 (409xx) ---
	StateConflictCode       = 40900 // 会话状态已变化
	UploadSessionExistsCode = 40901 // 上传会话已存在
	UploadAbortedCode       = 40902 // 上传已被取消

	// --- 业务前置条件 (412xx) ---
	PreconditionFailedCode = 41200 // 业务前置条件不满足

	// --- 服务器内部错误系列 (500xx) ---
	InternalServerErrorCode = 50000 // 服务器内部通用错误
	DatabaseErrorCode       = 50001 // 数据库操作失败
	StorageErrorCode        = 50002 // 存储服务操作失败（如MinIO）
	MQErrorCode             = 50003 // 消息队列操作失败
	AssemblyFailedCode      = 50010 // 分片组装失败
	TimeoutCode             = 50400 // 处理超时
)
