package models

import "time"

// Target 上传所属的业务对象（订单、视频等），由外部业务域维护
type Target struct {
	ID             string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	OwnerID        string    `gorm:"type:varchar(64);not null;index" json:"owner_id"`
	Status         string    `gorm:"type:varchar(64);not null" json:"status"`
	FinalObjectRef string    `gorm:"type:varchar(1024)" json:"final_object_ref,omitempty"`
	LastUploadID   string    `gorm:"type:varchar(64)" json:"last_upload_id,omitempty"`
	FailureReason  string    `gorm:"type:varchar(512)" json:"failure_reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (Target) TableName() string {
	return "targets"
}

// Deliverable 组装完成的最终交付物记录，每个上传会话至多一条
type Deliverable struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	UploadID       string    `gorm:"type:varchar(64);not null;uniqueIndex" json:"upload_id"`
	TargetID       string    `gorm:"type:varchar(64);not null;index" json:"target_id"`
	OwnerID        string    `gorm:"type:varchar(64);not null" json:"owner_id"`
	ObjectRef      string    `gorm:"type:varchar(1024);not null" json:"object_ref"`
	ByteSize       int64     `gorm:"not null" json:"byte_size"`
	FileName       string    `gorm:"type:varchar(255)" json:"file_name"`
	ContentType    string    `gorm:"type:varchar(128)" json:"content_type"`
	Notes          string    `gorm:"type:text" json:"notes,omitempty"`
	BusinessStatus string    `gorm:"type:varchar(64)" json:"business_status,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func (Deliverable) TableName() string {
	return "deliverables"
}

// ArtifactMetadata 写入交付物记录时附带的信息
type ArtifactMetadata struct {
	UploadID       string
	OwnerID        string
	ByteSize       int64
	FileName       string
	ContentType    string
	Notes          string
	BusinessStatus string
}
