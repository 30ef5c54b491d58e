package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/3Eeeecho/go-deliverables/internal/models"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/xerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ledgerFactory 为每个用例返回一个空账本
type ledgerFactory func(t *testing.T, opts ...Option) Ledger

// runLedgerContract 所有 Ledger 实现都必须通过的行为用例
func runLedgerContract(t *testing.T, newLedger ledgerFactory) {
	t.Run("MarkReceived", func(t *testing.T) { testMarkReceived(t, newLedger) })
	t.Run("ConcurrentDuplicateChunk", func(t *testing.T) { testConcurrentDuplicateChunk(t, newLedger) })
	t.Run("TransitionIsCompareAndSet", func(t *testing.T) { testTransitionIsCompareAndSet(t, newLedger) })
	t.Run("PurgeAndQueries", func(t *testing.T) { testPurgeAndQueries(t, newLedger) })
	t.Run("RequestAbort", func(t *testing.T) { testRequestAbort(t, newLedger) })
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newSession(id string, total int) *models.UploadSession {
	return &models.UploadSession{
		UploadID:            id,
		OwnerID:             "owner-1",
		TargetID:            "order-1",
		FileName:            "final.mp4",
		DeclaredTotalChunks: total,
	}
}

func testMarkReceived(t *testing.T, newLedger ledgerFactory) {
	ctx := context.Background()
	l := newLedger(t)
	require.NoError(t, l.Create(ctx, newSession("u1", 3)))

	err := l.Create(ctx, newSession("u1", 3))
	assert.ErrorIs(t, err, xerr.ErrUploadSessionExists)

	res, err := l.MarkReceived(ctx, "u1", models.ChunkMeta{Index: 2, Length: 10})
	require.NoError(t, err)
	assert.True(t, res.Added)
	assert.Equal(t, 33, res.View.ProgressPercent)

	res, err = l.MarkReceived(ctx, "u1", models.ChunkMeta{Index: 2, Length: 99})
	require.NoError(t, err)
	assert.False(t, res.Added)
	assert.Equal(t, int64(10), res.View.ReceivedBytes)
	assert.Equal(t, 33, res.View.ProgressPercent)

	_, err = l.MarkReceived(ctx, "u1", models.ChunkMeta{Index: 0, Length: 10})
	require.NoError(t, err)
	res, err = l.MarkReceived(ctx, "u1", models.ChunkMeta{Index: 1, Length: 10})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, res.View.ReceivedChunks)
	assert.Equal(t, 99, res.View.ProgressPercent)

	complete, err := l.IsComplete(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, complete)

	chunks, err := l.Chunks(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, 2, chunks[2].Index)

	_, err = l.MarkReceived(ctx, "missing", models.ChunkMeta{Index: 0})
	assert.ErrorIs(t, err, xerr.ErrUploadSessionNotFound)
}

func testTransitionIsCompareAndSet(t *testing.T, newLedger ledgerFactory) {
	ctx := context.Background()
	l := newLedger(t)
	require.NoError(t, l.Create(ctx, newSession("u1", 1)))

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Transition(ctx, "u1", models.StateUploading, models.StateAssembling, TransitionPatch{}) == nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)

	_, err := l.MarkReceived(ctx, "u1", models.ChunkMeta{Index: 0, Length: 1})
	assert.ErrorIs(t, err, xerr.ErrStateConflict)

	require.NoError(t, l.Transition(ctx, "u1", models.StateAssembling, models.StateCompleted, TransitionPatch{FinalObjectRef: "ref", FinalByteSize: 1}))
	err = l.Transition(ctx, "u1", models.StateCompleted, models.StateFailed, TransitionPatch{FailureReason: "x"})
	assert.ErrorIs(t, err, xerr.ErrStateConflict)
	err = l.Transition(ctx, "u1", models.StateAssembling, models.StateFailed, TransitionPatch{FailureReason: "x"})
	assert.ErrorIs(t, err, xerr.ErrStateConflict)

	v, err := l.Snapshot(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, v.State)
	assert.Equal(t, "ref", v.FinalObjectRef)
	assert.Empty(t, v.FailureReason)
	assert.Equal(t, 100, v.ProgressPercent)
	assert.False(t, v.TerminalAt.IsZero())
}

func testPurgeAndQueries(t *testing.T, newLedger ledgerFactory) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := newLedger(t, WithClock(clock.Now))

	require.NoError(t, l.Create(ctx, newSession("old", 2)))
	clock.Advance(time.Hour)
	require.NoError(t, l.Create(ctx, newSession("fresh", 2)))

	stale, err := l.FindStale(ctx, models.StateUploading, clock.Now().Add(-30*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, stale)

	err = l.MarkPurged(ctx, "old", clock.Now())
	assert.ErrorIs(t, err, xerr.ErrStateConflict)

	require.NoError(t, l.Transition(ctx, "old", models.StateUploading, models.StateFailed, TransitionPatch{FailureReason: models.FailureReasonTimeout}))
	pending, err := l.FindPendingPurge(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, pending)

	require.NoError(t, l.MarkPurged(ctx, "old", clock.Now()))
	pending, err = l.FindPendingPurge(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	expired, err := l.FindExpired(ctx, clock.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, expired)

	clock.Advance(time.Hour)
	expired, err = l.FindExpired(ctx, clock.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, expired)

	require.NoError(t, l.Delete(ctx, "old"))
	_, err = l.Snapshot(ctx, "old")
	assert.ErrorIs(t, err, xerr.ErrUploadSessionNotFound)
}

func testRequestAbort(t *testing.T, newLedger ledgerFactory) {
	ctx := context.Background()
	l := newLedger(t)
	require.NoError(t, l.Create(ctx, newSession("u1", 2)))

	v, err := l.RequestAbort(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, v.AbortRequested)
	assert.Equal(t, models.StateUploading, v.State)
}

func testConcurrentDuplicateChunk(t *testing.T, newLedger ledgerFactory) {
	ctx := context.Background()
	l := newLedger(t)
	require.NoError(t, l.Create(ctx, newSession("u1", 2)))

	var added int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.MarkReceived(ctx, "u1", models.ChunkMeta{Index: 1, Length: 7})
			if assert.NoError(t, err) && res.Added {
				atomic.AddInt32(&added, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), added)

	v, err := l.Snapshot(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []int{1}, v.ReceivedChunks)
	assert.Equal(t, int64(7), v.ReceivedBytes)
	assert.Equal(t, 50, v.ProgressPercent)
}
