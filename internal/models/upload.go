package models

import (
	"time"
)

// UploadState 上传会话的生命周期状态
type UploadState string

const (
	StateUploading  UploadState = "uploading"
	StateAssembling UploadState = "assembling"
	StateCompleted  UploadState = "completed"
	StateFailed     UploadState = "failed"
)

// IsTerminal 已完成或已失败的会话不再接受任何变更
func (s UploadState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

func (s UploadState) Valid() bool {
	switch s {
	case StateUploading, StateAssembling, StateCompleted, StateFailed:
		return true
	}
	return false
}

// 失败原因 failureReason 使用的固定字符串
const (
	FailureReasonTimeout        = "Timeout"
	FailureReasonAborted        = "Aborted"
	FailureReasonAssemblyPrefix = "AssemblyFailed: "
)

// UploadSession 对应数据库中的 upload_sessions 表，一个逻辑文件对应一条记录
type UploadSession struct {
	ID                  uint64      `gorm:"primaryKey;autoIncrement" json:"id"`
	UploadID            string      `gorm:"type:varchar(64);not null;uniqueIndex" json:"upload_id"`
	OwnerID             string      `gorm:"type:varchar(64);not null;index" json:"owner_id"`
	TargetID            string      `gorm:"type:varchar(64);not null;index" json:"target_id"`
	FileName            string      `gorm:"type:varchar(255);not null" json:"file_name"`
	ContentType         string      `gorm:"type:varchar(128)" json:"content_type"`
	DeclaredTotalChunks int         `gorm:"not null" json:"declared_total_chunks"`
	DeclaredByteSize    int64       `gorm:"not null;default:0" json:"declared_byte_size"` // 0 表示未声明
	ReceivedCount       int         `gorm:"not null;default:0" json:"received_count"`
	ReceivedBytes       int64       `gorm:"not null;default:0" json:"received_bytes"`
	State               UploadState `gorm:"type:varchar(20);not null;index" json:"state"`
	FinalObjectRef      string      `gorm:"type:varchar(1024)" json:"final_object_ref,omitempty"`
	FinalByteSize       int64       `gorm:"default:0" json:"final_byte_size"`
	FailureReason       string      `gorm:"type:varchar(512)" json:"failure_reason,omitempty"`
	AbortRequested      bool        `gorm:"not null;default:false" json:"abort_requested"`
	Notes               string      `gorm:"type:text" json:"notes,omitempty"`
	BusinessStatus      string      `gorm:"type:varchar(64)" json:"business_status,omitempty"`
	PurgedAt            *time.Time  `json:"purged_at,omitempty"`   // 分片清理完成时间，nil 表示尚未清理
	TerminalAt          *time.Time  `json:"terminal_at,omitempty"` // 进入终态的时间
	CreatedAt           time.Time   `gorm:"not null" json:"created_at"`
	LastActivityAt      time.Time   `gorm:"not null;index" json:"last_activity_at"`
}

func (UploadSession) TableName() string {
	return "upload_sessions"
}

// ChunkRecord 已持久化的分片，(upload_id, chunk_index) 唯一
type ChunkRecord struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	UploadID   string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_upload_chunk" json:"upload_id"`
	ChunkIndex int       `gorm:"not null;uniqueIndex:idx_upload_chunk" json:"chunk_index"`
	Length     int64     `gorm:"not null" json:"length"`
	Digest     string    `gorm:"type:varchar(64)" json:"digest"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (ChunkRecord) TableName() string {
	return "upload_chunks"
}

// ChunkMeta 账本记录的分片元数据
type ChunkMeta struct {
	Index  int    `json:"index"`
	Length int64  `json:"length"`
	Digest string `json:"digest,omitempty"`
}

// SessionView 会话的只读快照，供状态查询和缓存使用
type SessionView struct {
	UploadID         string      `json:"uploadId" mapstructure:"upload_id"`
	OwnerID          string      `json:"ownerId" mapstructure:"owner_id"`
	TargetID         string      `json:"targetId" mapstructure:"target_id"`
	FileName         string      `json:"fileName" mapstructure:"file_name"`
	ContentType      string      `json:"contentType,omitempty" mapstructure:"content_type"`
	State            UploadState `json:"state" mapstructure:"state"`
	TotalChunks      int         `json:"totalChunks" mapstructure:"total_chunks"`
	DeclaredByteSize int64       `json:"declaredByteSize,omitempty" mapstructure:"declared_byte_size"`
	ReceivedBytes    int64       `json:"receivedBytes" mapstructure:"received_bytes"`
	ReceivedChunks   []int       `json:"receivedChunks" mapstructure:"received_chunks"`
	ProgressPercent  int         `json:"progressPercent" mapstructure:"progress_percent"`
	FinalObjectRef   string      `json:"finalObjectRef,omitempty" mapstructure:"final_object_ref"`
	FinalByteSize    int64       `json:"finalByteSize,omitempty" mapstructure:"final_byte_size"`
	FailureReason    string      `json:"failureReason,omitempty" mapstructure:"failure_reason"`
	AbortRequested   bool        `json:"abortRequested,omitempty" mapstructure:"abort_requested"`
	Notes            string      `json:"notes,omitempty" mapstructure:"notes"`
	BusinessStatus   string      `json:"businessStatus,omitempty" mapstructure:"business_status"`
	Purged           bool        `json:"purged" mapstructure:"purged"`
	CreatedAt        time.Time   `json:"createdAt" mapstructure:"created_at"`
	LastActivityAt   time.Time   `json:"lastActivityAt" mapstructure:"last_activity_at"`
	TerminalAt       time.Time   `json:"terminalAt,omitempty" mapstructure:"terminal_at"`
}

// ReceivedCount 已接收的分片数量
func (v *SessionView) ReceivedCount() int {
	return len(v.ReceivedChunks)
}

// IsComplete 接收集合是否恰好覆盖 {0..TotalChunks-1}
func (v *SessionView) IsComplete() bool {
	if v.TotalChunks <= 0 || len(v.ReceivedChunks) != v.TotalChunks {
		return false
	}
	for i, idx := range v.ReceivedChunks {
		if idx != i {
			return false
		}
	}
	return true
}

// Has 判断指定分片是否已接收，ReceivedChunks 必须升序
func (v *SessionView) Has(index int) bool {
	lo, hi := 0, len(v.ReceivedChunks)
	for lo < hi {
		mid := (lo + hi) / 2
		switch {
		case v.ReceivedChunks[mid] == index:
			return true
		case v.ReceivedChunks[mid] < index:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return false
}

// ProgressPercent 进度 = 已接收/总数 * 100，四舍五入。
// 只有 Completed 才会返回 100，组装中或失败最多为 99。
func ProgressPercent(received, total int, state UploadState) int {
	if state == StateCompleted {
		return 100
	}
	if total <= 0 || received <= 0 {
		return 0
	}
	p := (received*200 + total) / (total * 2)
	if p > 99 {
		p = 99
	}
	return p
}

// UploadMetadata 随分片或初始化请求一起提交的业务元数据
type UploadMetadata struct {
	FileName         string `json:"fileName" form:"fileName"`
	ContentType      string `json:"contentType" form:"contentType"`
	DeclaredByteSize int64  `json:"declaredByteSize" form:"declaredByteSize"`
	OwnerID          string `json:"ownerId" form:"ownerId"`
	TargetID         string `json:"targetId" form:"targetId"`
	Notes            string `json:"notes,omitempty" form:"notes"`
	BusinessStatus   string `json:"businessStatus,omitempty" form:"businessStatus"`
}

// HasBusinessIDs 是否携带了创建会话所需的业务标识
func (m UploadMetadata) HasBusinessIDs() bool {
	return m.OwnerID != "" && m.TargetID != ""
}

// ChunkSubmission 一次分片提交
type ChunkSubmission struct {
	UploadID    string
	Index       int
	TotalChunks int
	Payload     []byte
	Digest      string // 可选，hex 编码的 blake2b-256
	Metadata    UploadMetadata
}

// ChunkResult 分片提交的结果
type ChunkResult struct {
	UploadID        string      `json:"uploadId"`
	Index           int         `json:"index"`
	Accepted        bool        `json:"accepted"`
	Duplicate       bool        `json:"duplicate,omitempty"`
	ProgressPercent int         `json:"progressPercent"`
	IsFinal         bool        `json:"isFinal"`
	State           UploadState `json:"state"`
	FinalObjectRef  string      `json:"finalObjectRef,omitempty"`
	FailureReason   string      `json:"failureReason,omitempty"`
	ErrorCode       string      `json:"errorCode,omitempty"`
}

// InitUploadRequest 显式初始化上传会话的请求体
type InitUploadRequest struct {
	UploadID    string `json:"uploadId"`
	TotalChunks int    `json:"totalChunks" binding:"required,min=1"`
	UploadMetadata
}

// ResultFromView 根据会话快照构造分片结果
func ResultFromView(v *SessionView, index int) ChunkResult {
	return ChunkResult{
		UploadID:        v.UploadID,
		Index:           index,
		ProgressPercent: v.ProgressPercent,
		IsFinal:         v.State == StateCompleted,
		State:           v.State,
		FinalObjectRef:  v.FinalObjectRef,
		FailureReason:   v.FailureReason,
	}
}
