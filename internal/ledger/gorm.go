package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/3Eeeecho/go-deliverables/internal/models"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/logger"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/xerr"
	"github.com/3Eeeecho/go-deliverables/internal/repositories"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormLedger 基于 MySQL 的账本。状态切换使用 UPDATE ... WHERE state = ?，
// 以影响行数判断比较并交换是否成功，多实例部署时同样安全。
type GormLedger struct {
	db   *gorm.DB
	tm   repositories.TransactionManager
	opts options
}

func NewGormLedger(db *gorm.DB, tm repositories.TransactionManager, opts ...Option) *GormLedger {
	return &GormLedger{db: db, tm: tm, opts: buildOptions(opts)}
}

func dbError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", xerr.ErrDatabaseError, op, err)
}

func (l *GormLedger) findSession(tx *gorm.DB, uploadID string, forUpdate bool) (*models.UploadSession, error) {
	var s models.UploadSession
	q := tx
	if forUpdate {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	if err := q.Where("upload_id = ?", uploadID).First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", xerr.ErrUploadSessionNotFound, uploadID)
		}
		return nil, dbError("find session", err)
	}
	return &s, nil
}

func (l *GormLedger) chunkIndices(tx *gorm.DB, uploadID string) ([]int, error) {
	var indices []int
	err := tx.Model(&models.ChunkRecord{}).
		Where("upload_id = ?", uploadID).
		Order("chunk_index ASC").
		Pluck("chunk_index", &indices).Error
	if err != nil {
		return nil, dbError("list chunk indices", err)
	}
	return indices, nil
}

func (l *GormLedger) snapshot(tx *gorm.DB, uploadID string) (*models.SessionView, error) {
	s, err := l.findSession(tx, uploadID, false)
	if err != nil {
		return nil, err
	}
	indices, err := l.chunkIndices(tx, uploadID)
	if err != nil {
		return nil, err
	}
	return newView(s, indices), nil
}

func (l *GormLedger) Create(ctx context.Context, session *models.UploadSession) error {
	return l.tm.WithTransaction(ctx, func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.UploadSession{}).Where("upload_id = ?", session.UploadID).Count(&count).Error; err != nil {
			return dbError("count session", err)
		}
		if count > 0 {
			return fmt.Errorf("%w: %s", xerr.ErrUploadSessionExists, session.UploadID)
		}
		now := l.opts.now()
		s := *session
		if s.State == "" {
			s.State = models.StateUploading
		}
		if s.CreatedAt.IsZero() {
			s.CreatedAt = now
		}
		if s.LastActivityAt.IsZero() {
			s.LastActivityAt = now
		}
		if err := tx.Create(&s).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%w: %s", xerr.ErrUploadSessionExists, session.UploadID)
			}
			return dbError("create session", err)
		}
		logger.Info("上传会话已创建", zap.String("uploadID", s.UploadID), zap.Int("totalChunks", s.DeclaredTotalChunks))
		return nil
	})
}

func (l *GormLedger) Snapshot(ctx context.Context, uploadID string) (*models.SessionView, error) {
	return l.snapshot(l.db.WithContext(ctx), uploadID)
}

func (l *GormLedger) MarkReceived(ctx context.Context, uploadID string, chunk models.ChunkMeta) (MarkResult, error) {
	var result MarkResult
	err := l.tm.WithTransaction(ctx, func(tx *gorm.DB) error {
		// 行锁保证同一会话的计数更新串行
		s, err := l.findSession(tx, uploadID, true)
		if err != nil {
			return err
		}
		if s.State != models.StateUploading {
			return fmt.Errorf("%w: session is %s", xerr.ErrStateConflict, s.State)
		}

		rec := models.ChunkRecord{UploadID: uploadID, ChunkIndex: chunk.Index}
		res := tx.Where("upload_id = ? AND chunk_index = ?", uploadID, chunk.Index).
			Attrs(models.ChunkRecord{Length: chunk.Length, Digest: chunk.Digest}).
			FirstOrCreate(&rec)
		if res.Error != nil {
			return dbError("save chunk record", res.Error)
		}
		result.Added = res.RowsAffected > 0

		if result.Added {
			err = tx.Model(&models.UploadSession{}).
				Where("upload_id = ?", uploadID).
				Updates(map[string]any{
					"received_count":   gorm.Expr("received_count + 1"),
					"received_bytes":   gorm.Expr("received_bytes + ?", chunk.Length),
					"last_activity_at": l.opts.now(),
				}).Error
			if err != nil {
				return dbError("update received mask", err)
			}
		}

		result.View, err = l.snapshot(tx, uploadID)
		return err
	})
	if err != nil {
		return MarkResult{}, err
	}
	return result, nil
}

func (l *GormLedger) IsComplete(ctx context.Context, uploadID string) (bool, error) {
	v, err := l.Snapshot(ctx, uploadID)
	if err != nil {
		return false, err
	}
	return v.IsComplete(), nil
}

func (l *GormLedger) Chunks(ctx context.Context, uploadID string) ([]models.ChunkMeta, error) {
	var records []models.ChunkRecord
	err := l.db.WithContext(ctx).
		Where("upload_id = ?", uploadID).
		Order("chunk_index ASC").
		Find(&records).Error
	if err != nil {
		return nil, dbError("list chunks", err)
	}
	chunks := make([]models.ChunkMeta, len(records))
	for i, r := range records {
		chunks[i] = models.ChunkMeta{Index: r.ChunkIndex, Length: r.Length, Digest: r.Digest}
	}
	return chunks, nil
}

func (l *GormLedger) Transition(ctx context.Context, uploadID string, from, to models.UploadState, patch TransitionPatch) error {
	if from.IsTerminal() {
		return fmt.Errorf("%w: cannot leave terminal state %s", xerr.ErrStateConflict, from)
	}
	now := l.opts.now()
	updates := map[string]any{
		"state":            to,
		"last_activity_at": now,
	}
	if to.IsTerminal() {
		updates["terminal_at"] = now
		updates["final_object_ref"] = patch.FinalObjectRef
		updates["final_byte_size"] = patch.FinalByteSize
		updates["failure_reason"] = patch.FailureReason
	}

	db := l.db.WithContext(ctx)
	res := db.Model(&models.UploadSession{}).
		Where("upload_id = ? AND state = ?", uploadID, from).
		Updates(updates)
	if res.Error != nil {
		return dbError("transition", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	// 没有行被更新：会话不存在，或者状态已被其他请求改变
	s, err := l.findSession(db, uploadID, false)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: expected %s, got %s", xerr.ErrStateConflict, from, s.State)
}

func (l *GormLedger) RequestAbort(ctx context.Context, uploadID string) (*models.SessionView, error) {
	db := l.db.WithContext(ctx)
	err := db.Model(&models.UploadSession{}).
		Where("upload_id = ? AND state IN ?", uploadID, []models.UploadState{models.StateUploading, models.StateAssembling}).
		Update("abort_requested", true).Error
	if err != nil {
		return nil, dbError("request abort", err)
	}
	return l.snapshot(db, uploadID)
}

func (l *GormLedger) MarkPurged(ctx context.Context, uploadID string, at time.Time) error {
	db := l.db.WithContext(ctx)
	res := db.Model(&models.UploadSession{}).
		Where("upload_id = ? AND state IN ?", uploadID, terminalStates).
		Update("purged_at", at)
	if res.Error != nil {
		return dbError("mark purged", res.Error)
	}
	if res.RowsAffected == 0 {
		s, err := l.findSession(db, uploadID, false)
		if err != nil {
			return err
		}
		if !s.State.IsTerminal() {
			return fmt.Errorf("%w: cannot purge %s session", xerr.ErrStateConflict, s.State)
		}
	}
	return nil
}

func (l *GormLedger) pluckIDs(q *gorm.DB, limit int) ([]string, error) {
	if limit > 0 {
		q = q.Limit(limit)
	}
	var ids []string
	if err := q.Order("created_at ASC").Pluck("upload_id", &ids).Error; err != nil {
		return nil, dbError("query sessions", err)
	}
	return ids, nil
}

func (l *GormLedger) FindStale(ctx context.Context, state models.UploadState, before time.Time, limit int) ([]string, error) {
	q := l.db.WithContext(ctx).Model(&models.UploadSession{}).
		Where("state = ? AND last_activity_at < ?", state, before)
	return l.pluckIDs(q, limit)
}

func (l *GormLedger) FindPendingPurge(ctx context.Context, limit int) ([]string, error) {
	q := l.db.WithContext(ctx).Model(&models.UploadSession{}).
		Where("state IN ? AND purged_at IS NULL", terminalStates)
	return l.pluckIDs(q, limit)
}

func (l *GormLedger) FindExpired(ctx context.Context, before time.Time, limit int) ([]string, error) {
	q := l.db.WithContext(ctx).Model(&models.UploadSession{}).
		Where("state IN ? AND purged_at IS NOT NULL AND terminal_at < ?", terminalStates, before)
	return l.pluckIDs(q, limit)
}

func (l *GormLedger) Delete(ctx context.Context, uploadID string) error {
	return l.tm.WithTransaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Where("upload_id = ?", uploadID).Delete(&models.ChunkRecord{}).Error; err != nil {
			return dbError("delete chunk records", err)
		}
		if err := tx.Where("upload_id = ?", uploadID).Delete(&models.UploadSession{}).Error; err != nil {
			return dbError("delete session", err)
		}
		return nil
	})
}
