package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/3Eeeecho/go-deliverables/internal/models"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/xerr"
)

type memRecord struct {
	session models.UploadSession
	chunks  map[int]models.ChunkMeta
}

// MemoryLedger 进程内账本，单实例部署和测试使用
type MemoryLedger struct {
	mu      sync.Mutex
	records map[string]*memRecord
	opts    options
}

func NewMemoryLedger(opts ...Option) *MemoryLedger {
	return &MemoryLedger{records: make(map[string]*memRecord), opts: buildOptions(opts)}
}

func (m *MemoryLedger) get(uploadID string) (*memRecord, error) {
	rec, ok := m.records[uploadID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", xerr.ErrUploadSessionNotFound, uploadID)
	}
	return rec, nil
}

func (r *memRecord) view() *models.SessionView {
	indices := make([]int, 0, len(r.chunks))
	for idx := range r.chunks {
		indices = append(indices, idx)
	}
	s := r.session
	return newView(&s, indices)
}

func (m *MemoryLedger) Create(ctx context.Context, session *models.UploadSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[session.UploadID]; ok {
		return fmt.Errorf("%w: %s", xerr.ErrUploadSessionExists, session.UploadID)
	}
	now := m.opts.now()
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
	m.records[s.UploadID] = &memRecord{session: s, chunks: make(map[int]models.ChunkMeta)}
	return nil
}

func (m *MemoryLedger) Snapshot(ctx context.Context, uploadID string) (*models.SessionView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.get(uploadID)
	if err != nil {
		return nil, err
	}
	return rec.view(), nil
}

func (m *MemoryLedger) MarkReceived(ctx context.Context, uploadID string, chunk models.ChunkMeta) (MarkResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.get(uploadID)
	if err != nil {
		return MarkResult{}, err
	}
	if rec.session.State != models.StateUploading {
		return MarkResult{}, fmt.Errorf("%w: session is %s", xerr.ErrStateConflict, rec.session.State)
	}
	if _, dup := rec.chunks[chunk.Index]; dup {
		return MarkResult{Added: false, View: rec.view()}, nil
	}
	rec.chunks[chunk.Index] = chunk
	rec.session.ReceivedCount++
	rec.session.ReceivedBytes += chunk.Length
	rec.session.LastActivityAt = m.opts.now()
	return MarkResult{Added: true, View: rec.view()}, nil
}

func (m *MemoryLedger) IsComplete(ctx context.Context, uploadID string) (bool, error) {
	v, err := m.Snapshot(ctx, uploadID)
	if err != nil {
		return false, err
	}
	return v.IsComplete(), nil
}

func (m *MemoryLedger) Chunks(ctx context.Context, uploadID string) ([]models.ChunkMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.get(uploadID)
	if err != nil {
		return nil, err
	}
	chunks := make([]models.ChunkMeta, 0, len(rec.chunks))
	for _, c := range rec.chunks {
		chunks = append(chunks, c)
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })
	return chunks, nil
}

func (m *MemoryLedger) Transition(ctx context.Context, uploadID string, from, to models.UploadState, patch TransitionPatch) error {
	if from.IsTerminal() {
		return fmt.Errorf("%w: cannot leave terminal state %s", xerr.ErrStateConflict, from)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.get(uploadID)
	if err != nil {
		return err
	}
	if rec.session.State != from {
		return fmt.Errorf("%w: expected %s, got %s", xerr.ErrStateConflict, from, rec.session.State)
	}
	now := m.opts.now()
	s := &rec.session
	s.State = to
	s.LastActivityAt = now
	if to.IsTerminal() {
		s.TerminalAt = &now
		s.FinalObjectRef = patch.FinalObjectRef
		s.FinalByteSize = patch.FinalByteSize
		s.FailureReason = patch.FailureReason
	}
	return nil
}

func (m *MemoryLedger) RequestAbort(ctx context.Context, uploadID string) (*models.SessionView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.get(uploadID)
	if err != nil {
		return nil, err
	}
	if !rec.session.State.IsTerminal() {
		rec.session.AbortRequested = true
	}
	return rec.view(), nil
}

func (m *MemoryLedger) MarkPurged(ctx context.Context, uploadID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.get(uploadID)
	if err != nil {
		return err
	}
	if !rec.session.State.IsTerminal() {
		return fmt.Errorf("%w: cannot purge %s session", xerr.ErrStateConflict, rec.session.State)
	}
	rec.session.PurgedAt = &at
	return nil
}

// collect 按创建时间排序后截取前 limit 个
func (m *MemoryLedger) collect(limit int, match func(*models.UploadSession) bool) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []*models.UploadSession
	for _, rec := range m.records {
		if match(&rec.session) {
			matched = append(matched, &rec.session)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.Before(matched[j].CreatedAt) })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	ids := make([]string, len(matched))
	for i, s := range matched {
		ids[i] = s.UploadID
	}
	return ids
}

func (m *MemoryLedger) FindStale(ctx context.Context, state models.UploadState, before time.Time, limit int) ([]string, error) {
	return m.collect(limit, func(s *models.UploadSession) bool {
		return s.State == state && s.LastActivityAt.Before(before)
	}), nil
}

func (m *MemoryLedger) FindPendingPurge(ctx context.Context, limit int) ([]string, error) {
	return m.collect(limit, func(s *models.UploadSession) bool {
		return s.State.IsTerminal() && s.PurgedAt == nil
	}), nil
}

func (m *MemoryLedger) FindExpired(ctx context.Context, before time.Time, limit int) ([]string, error) {
	return m.collect(limit, func(s *models.UploadSession) bool {
		return s.State.IsTerminal() && s.PurgedAt != nil && s.TerminalAt != nil && s.TerminalAt.Before(before)
	}), nil
}

func (m *MemoryLedger) Delete(ctx context.Context, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, uploadID)
	return nil
}
