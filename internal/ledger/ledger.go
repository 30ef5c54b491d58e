// Package ledger 记录每个上传会话的期望分片数、已接收分片集合、字节数和生命周期状态。
// Transition 是比较并交换操作，同一会话的并发请求以它为唯一同步点。
package ledger

import (
	"context"
	"sort"
	"time"

	"github.com/3Eeeecho/go-deliverables/internal/models"
)

// Ledger 上传账本
type Ledger interface {
	// Create 新建会话，uploadID 已存在时返回 xerr.ErrUploadSessionExists
	Create(ctx context.Context, session *models.UploadSession) error
	// Snapshot 返回会话快照，不存在时返回 xerr.ErrUploadSessionNotFound
	Snapshot(ctx context.Context, uploadID string) (*models.SessionView, error)
	// MarkReceived 记录一个已持久化的分片。会话不处于 Uploading 时返回 xerr.ErrStateConflict，
	// 序号已存在时不做任何修改，Added 为 false
	MarkReceived(ctx context.Context, uploadID string, chunk models.ChunkMeta) (MarkResult, error)
	IsComplete(ctx context.Context, uploadID string) (bool, error)
	// Chunks 返回已记录的分片元数据，按序号升序
	Chunks(ctx context.Context, uploadID string) ([]models.ChunkMeta, error)
	// Transition 仅当当前状态为 from 时切换到 to，否则返回 xerr.ErrStateConflict
	Transition(ctx context.Context, uploadID string, from, to models.UploadState, patch TransitionPatch) error
	// RequestAbort 记录取消请求，返回记录后的快照
	RequestAbort(ctx context.Context, uploadID string) (*models.SessionView, error)
	// MarkPurged 记录分片已清理完成，只对终态会话生效
	MarkPurged(ctx context.Context, uploadID string, at time.Time) error

	// FindStale 最后活跃时间早于 before 的指定状态会话
	FindStale(ctx context.Context, state models.UploadState, before time.Time, limit int) ([]string, error)
	// FindPendingPurge 已终态但分片尚未清理的会话
	FindPendingPurge(ctx context.Context, limit int) ([]string, error)
	// FindExpired 已清理且终态时间早于 before 的会话
	FindExpired(ctx context.Context, before time.Time, limit int) ([]string, error)
	// Delete 删除会话及其分片记录
	Delete(ctx context.Context, uploadID string) error
}

type MarkResult struct {
	Added bool // false 表示重复分片
	View  *models.SessionView
}

// TransitionPatch 状态切换时一并写入的字段
type TransitionPatch struct {
	FinalObjectRef string
	FinalByteSize  int64
	FailureReason  string
}

// Option 账本构造选项
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock 替换时间来源，测试用
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

var terminalStates = []models.UploadState{models.StateCompleted, models.StateFailed}

// newView 由会话记录和已接收序号构造快照
func newView(s *models.UploadSession, indices []int) *models.SessionView {
	sorted := append([]int{}, indices...)
	sort.Ints(sorted)
	v := &models.SessionView{
		UploadID:         s.UploadID,
		OwnerID:          s.OwnerID,
		TargetID:         s.TargetID,
		FileName:         s.FileName,
		ContentType:      s.ContentType,
		State:            s.State,
		TotalChunks:      s.DeclaredTotalChunks,
		DeclaredByteSize: s.DeclaredByteSize,
		ReceivedBytes:    s.ReceivedBytes,
		ReceivedChunks:   sorted,
		ProgressPercent:  models.ProgressPercent(len(sorted), s.DeclaredTotalChunks, s.State),
		FinalObjectRef:   s.FinalObjectRef,
		FinalByteSize:    s.FinalByteSize,
		FailureReason:    s.FailureReason,
		AbortRequested:   s.AbortRequested,
		Notes:            s.Notes,
		BusinessStatus:   s.BusinessStatus,
		Purged:           s.PurgedAt != nil,
		CreatedAt:        s.CreatedAt,
		LastActivityAt:   s.LastActivityAt,
	}
	if s.TerminalAt != nil {
		v.TerminalAt = *s.TerminalAt
	}
	return v
}
