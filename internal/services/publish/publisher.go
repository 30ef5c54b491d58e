// Package publish 在会话进入终态后写业务记录并发送通知。
// 这些写入都是尽力而为，失败不会改变会话状态。
package publish

import (
	"context"
	"time"

	"github.com/3Eeeecho/go-deliverables/internal/models"
	"github.com/3Eeeecho/go-deliverables/internal/notify"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/logger"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/metrics"
	"github.com/3Eeeecho/go-deliverables/internal/repositories"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const publishTimeout = 10 * time.Second

type ResultPublisher struct {
	docs     repositories.DocumentStore
	notifier notify.Notifier
	metrics  *metrics.UploadMetrics
	now      func() time.Time
}

func NewResultPublisher(docs repositories.DocumentStore, notifier notify.Notifier, m *metrics.UploadMetrics) *ResultPublisher {
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	return &ResultPublisher{docs: docs, notifier: notifier, metrics: m, now: time.Now}
}

// detach 请求被取消后仍然完成发布
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
}

// PublishCompleted 记录最终对象引用并发送完成事件
func (p *ResultPublisher) PublishCompleted(ctx context.Context, v *models.SessionView, meta models.ArtifactMetadata) {
	ctx, cancel := detach(ctx)
	defer cancel()
	log := logger.WithUpload(v.UploadID)

	if err := p.docs.RecordArtifact(ctx, v.TargetID, v.FinalObjectRef, meta); err != nil {
		log.Error("记录交付物失败，上传结果保持 completed",
			zap.String("targetID", v.TargetID),
			zap.String("objectRef", v.FinalObjectRef),
			zap.Error(err))
		p.metrics.Notification("document_store", "error")
	} else {
		p.metrics.Notification("document_store", "ok")
	}

	p.notify(ctx, models.UploadEvent{
		Type:      models.EventUploadCompleted,
		UploadID:  v.UploadID,
		OwnerID:   v.OwnerID,
		TargetID:  v.TargetID,
		FileName:  v.FileName,
		ObjectRef: v.FinalObjectRef,
		ByteSize:  v.FinalByteSize,
	})
}

// PublishFailed 记录失败原因供轮询展示，并发送失败事件
func (p *ResultPublisher) PublishFailed(ctx context.Context, v *models.SessionView) {
	ctx, cancel := detach(ctx)
	defer cancel()

	if err := p.docs.RecordFailure(ctx, v.TargetID, v.UploadID, v.FailureReason); err != nil {
		logger.WithUpload(v.UploadID).Error("记录失败原因失败",
			zap.String("targetID", v.TargetID),
			zap.String("reason", v.FailureReason),
			zap.Error(err))
		p.metrics.Notification("document_store", "error")
	} else {
		p.metrics.Notification("document_store", "ok")
	}

	p.notify(ctx, models.UploadEvent{
		Type:          models.EventUploadFailed,
		UploadID:      v.UploadID,
		OwnerID:       v.OwnerID,
		TargetID:      v.TargetID,
		FileName:      v.FileName,
		FailureReason: v.FailureReason,
	})
}

func (p *ResultPublisher) notify(ctx context.Context, ev models.UploadEvent) {
	ev.EventID = uuid.NewString()
	ev.OccurredAt = p.now()
	if err := p.notifier.Notify(ctx, ev); err != nil {
		logger.Warn("upload event not delivered",
			zap.String("uploadID", ev.UploadID),
			zap.String("type", string(ev.Type)),
			zap.Error(err))
	}
}
