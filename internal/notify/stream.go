package notify

import (
	"context"
	"fmt"
	"strconv"

	"github.com/3Eeeecho/go-deliverables/internal/models"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/cache"
)

const streamMaxLen = 10000

// StreamNotifier 把事件追加到 Redis Stream
type StreamNotifier struct {
	cache  cache.Cache
	stream string
}

func NewStreamNotifier(c cache.Cache, stream string) *StreamNotifier {
	if stream == "" {
		stream = cache.UploadEventStream
	}
	return &StreamNotifier{cache: c, stream: stream}
}

func (n *StreamNotifier) Name() string { return "redis_stream" }

func (n *StreamNotifier) Notify(ctx context.Context, event models.UploadEvent) error {
	_, err := n.cache.XAdd(ctx, n.stream, streamMaxLen, map[string]any{
		"event_id":       event.EventID,
		"type":           string(event.Type),
		"upload_id":      event.UploadID,
		"owner_id":       event.OwnerID,
		"target_id":      event.TargetID,
		"object_ref":     event.ObjectRef,
		"byte_size":      strconv.FormatInt(event.ByteSize, 10),
		"failure_reason": event.FailureReason,
		"occurred_at":    event.OccurredAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	})
	if err != nil {
		return fmt.Errorf("xadd event: %w", err)
	}
	return nil
}
