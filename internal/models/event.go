package models

import "time"

type UploadEventType string

const (
	EventUploadCompleted UploadEventType = "upload.completed"
	EventUploadFailed    UploadEventType = "upload.failed"
)

// UploadEvent 上传终态事件，投递到通知渠道
type UploadEvent struct {
	EventID       string          `json:"eventId"`
	Type          UploadEventType `json:"type"`
	UploadID      string          `json:"uploadId"`
	OwnerID       string          `json:"ownerId"`
	TargetID      string          `json:"targetId"`
	FileName      string          `json:"fileName,omitempty"`
	ObjectRef     string          `json:"objectRef,omitempty"`
	ByteSize      int64           `json:"byteSize,omitempty"`
	FailureReason string          `json:"failureReason,omitempty"`
	OccurredAt    time.Time       `json:"occurredAt"`
}
