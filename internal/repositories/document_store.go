package repositories

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/3Eeeecho/go-deliverables/internal/models"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/logger"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/xerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DocumentStore 上传管线依赖的业务数据：上传前校验前置条件，完成后写入交付物记录
type DocumentStore interface {
	// CheckPrecondition 上传者是否可以为该业务对象上传交付物
	CheckPrecondition(ctx context.Context, ownerID, targetID string) (bool, error)
	// RecordArtifact 写入最终对象引用，同一 uploadID 重复调用只保留一条记录
	RecordArtifact(ctx context.Context, targetID, finalObjectRef string, meta models.ArtifactMetadata) error
	// RecordFailure 记录失败原因，供业务侧展示
	RecordFailure(ctx context.Context, targetID, uploadID, reason string) error
}

type gormDocumentStore struct {
	db            *gorm.DB
	tm            TransactionManager
	allowedStates []string
}

// NewDocumentStore allowedStates 为允许上传交付物的业务状态列表，由业务域配置
func NewDocumentStore(db *gorm.DB, tm TransactionManager, allowedStates []string) DocumentStore {
	return &gormDocumentStore{db: db, tm: tm, allowedStates: allowedStates}
}

func (r *gormDocumentStore) CheckPrecondition(ctx context.Context, ownerID, targetID string) (bool, error) {
	var target models.Target
	err := r.db.WithContext(ctx).Where("id = ?", targetID).First(&target).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			logger.Info("CheckPrecondition: target not found", zap.String("targetID", targetID))
			return false, nil
		}
		logger.Error("CheckPrecondition: failed to load target", zap.String("targetID", targetID), zap.Error(err))
		return false, fmt.Errorf("%w: load target: %w", xerr.ErrDatabaseError, err)
	}
	return targetAllows(&target, ownerID, r.allowedStates), nil
}

func targetAllows(target *models.Target, ownerID string, allowedStates []string) bool {
	if target.OwnerID != ownerID {
		return false
	}
	return slices.Contains(allowedStates, target.Status)
}

func (r *gormDocumentStore) RecordArtifact(ctx context.Context, targetID, finalObjectRef string, meta models.ArtifactMetadata) error {
	return r.tm.WithTransaction(ctx, func(tx *gorm.DB) error {
		d := models.Deliverable{
			UploadID:       meta.UploadID,
			TargetID:       targetID,
			OwnerID:        meta.OwnerID,
			ObjectRef:      finalObjectRef,
			ByteSize:       meta.ByteSize,
			FileName:       meta.FileName,
			ContentType:    meta.ContentType,
			Notes:          meta.Notes,
			BusinessStatus: meta.BusinessStatus,
		}
		// upload_id 唯一，重复投递时保持第一次写入的记录
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&d).Error; err != nil {
			logger.Error("RecordArtifact: failed to save deliverable", zap.String("uploadID", meta.UploadID), zap.Error(err))
			return fmt.Errorf("%w: save deliverable: %w", xerr.ErrDatabaseError, err)
		}
		err := tx.Model(&models.Target{}).Where("id = ?", targetID).Updates(map[string]any{
			"final_object_ref": finalObjectRef,
			"last_upload_id":   meta.UploadID,
			"failure_reason":   "",
		}).Error
		if err != nil {
			return fmt.Errorf("%w: update target: %w", xerr.ErrDatabaseError, err)
		}
		return nil
	})
}

func (r *gormDocumentStore) RecordFailure(ctx context.Context, targetID, uploadID, reason string) error {
	err := r.db.WithContext(ctx).Model(&models.Target{}).
		Where("id = ?", targetID).
		Updates(map[string]any{"failure_reason": reason, "last_upload_id": uploadID}).Error
	if err != nil {
		logger.Error("RecordFailure: failed to update target", zap.String("targetID", targetID), zap.Error(err))
		return fmt.Errorf("%w: record failure: %w", xerr.ErrDatabaseError, err)
	}
	return nil
}

// MemoryDocumentStore 进程内实现，用于测试和不依赖 MySQL 的部署
type MemoryDocumentStore struct {
	mu            sync.Mutex
	targets       map[string]models.Target
	deliverables  map[string]models.Deliverable
	allowedStates []string
	allowUnknown  bool
}

// NewMemoryDocumentStore allowUnknown 为 true 时未登记的业务对象也允许上传
func NewMemoryDocumentStore(allowedStates []string, allowUnknown bool) *MemoryDocumentStore {
	return &MemoryDocumentStore{
		targets:       make(map[string]models.Target),
		deliverables:  make(map[string]models.Deliverable),
		allowedStates: allowedStates,
		allowUnknown:  allowUnknown,
	}
}

func (m *MemoryDocumentStore) PutTarget(t models.Target) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets[t.ID] = t
}

func (m *MemoryDocumentStore) Target(id string) (models.Target, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.targets[id]
	return t, ok
}

func (m *MemoryDocumentStore) Deliverable(uploadID string) (models.Deliverable, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliverables[uploadID]
	return d, ok
}

func (m *MemoryDocumentStore) CheckPrecondition(ctx context.Context, ownerID, targetID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.targets[targetID]
	if !ok {
		return m.allowUnknown, nil
	}
	return targetAllows(&t, ownerID, m.allowedStates), nil
}

func (m *MemoryDocumentStore) RecordArtifact(ctx context.Context, targetID, finalObjectRef string, meta models.ArtifactMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deliverables[meta.UploadID]; !ok {
		m.deliverables[meta.UploadID] = models.Deliverable{
			UploadID:    meta.UploadID,
			TargetID:    targetID,
			OwnerID:     meta.OwnerID,
			ObjectRef:   finalObjectRef,
			ByteSize:    meta.ByteSize,
			FileName:    meta.FileName,
			ContentType: meta.ContentType,
			Notes:       meta.Notes,
		}
	}
	if t, ok := m.targets[targetID]; ok {
		t.FinalObjectRef = finalObjectRef
		t.LastUploadID = meta.UploadID
		t.FailureReason = ""
		m.targets[targetID] = t
	}
	return nil
}

func (m *MemoryDocumentStore) RecordFailure(ctx context.Context, targetID, uploadID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.targets[targetID]; ok {
		t.FailureReason = reason
		t.LastUploadID = uploadID
		m.targets[targetID] = t
	}
	return nil
}
