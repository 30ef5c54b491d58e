// Package notify 把上传终态事件投递到外部通知渠道。投递是 fire-and-forget 的，
// 失败只记录日志和指标，不会影响上传本身。
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/3Eeeecho/go-deliverables/internal/models"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/logger"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/metrics"
	"go.uber.org/zap"
)

// Notifier 通知渠道
type Notifier interface {
	Name() string
	Notify(ctx context.Context, event models.UploadEvent) error
}

// Fanout 依次投递到所有渠道，单个渠道失败不影响其他渠道
type Fanout struct {
	sinks   []Notifier
	metrics *metrics.UploadMetrics
}

func NewFanout(m *metrics.UploadMetrics, sinks ...Notifier) *Fanout {
	return &Fanout{sinks: sinks, metrics: m}
}

func (f *Fanout) Name() string { return "fanout" }

func (f *Fanout) Notify(ctx context.Context, event models.UploadEvent) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Notify(ctx, event); err != nil {
			logger.Warn("通知投递失败",
				zap.String("sink", s.Name()),
				zap.String("uploadID", event.UploadID),
				zap.String("type", string(event.Type)),
				zap.Error(err))
			f.metrics.Notification(s.Name(), "error")
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		f.metrics.Notification(s.Name(), "ok")
	}
	return errors.Join(errs...)
}

// LogNotifier 只写日志，未配置任何外部渠道时使用
type LogNotifier struct{}

func (LogNotifier) Name() string { return "log" }

func (LogNotifier) Notify(ctx context.Context, event models.UploadEvent) error {
	logger.Info("upload event",
		zap.String("eventID", event.EventID),
		zap.String("type", string(event.Type)),
		zap.String("uploadID", event.UploadID),
		zap.String("targetID", event.TargetID),
		zap.String("objectRef", event.ObjectRef),
		zap.String("failureReason", event.FailureReason))
	return nil
}
