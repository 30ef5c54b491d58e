package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/3Eeeecho/go-deliverables/internal/models"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapCache 只实现账本缓存用到的哈希操作
type mapCache struct {
	cache.Cache
	mu     sync.Mutex
	hashes map[string]map[string]string
	reads  int
}

func newMapCache() *mapCache {
	return &mapCache{hashes: make(map[string]map[string]string)}
}

func (m *mapCache) HSetAll(ctx context.Context, key string, fields map[string]any, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := make(map[string]string, len(fields))
	for k, v := range fields {
		h[k] = v.(string)
	}
	m.hashes[key] = h
	return nil
}

func (m *mapCache) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		return nil, cache.ErrCacheMiss
	}
	m.reads++
	return h, nil
}

func (m *mapCache) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.hashes, k)
	}
	return nil
}

func TestCachedLedgerCachesOnlyTerminalViews(t *testing.T) {
	ctx := context.Background()
	c := newMapCache()
	l := NewCachedLedger(NewMemoryLedger(), c, time.Minute)

	require.NoError(t, l.Create(ctx, newSession("u1", 1)))
	_, err := l.Snapshot(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, c.hashes)

	_, err = l.MarkReceived(ctx, "u1", models.ChunkMeta{Index: 0, Length: 4})
	require.NoError(t, err)
	require.NoError(t, l.Transition(ctx, "u1", models.StateUploading, models.StateAssembling, TransitionPatch{}))
	require.NoError(t, l.Transition(ctx, "u1", models.StateAssembling, models.StateCompleted, TransitionPatch{FinalObjectRef: "ref", FinalByteSize: 4}))

	v, err := l.Snapshot(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, v.State)
	assert.Contains(t, c.hashes, cache.GenerateSessionKey("u1"))

	v, err = l.Snapshot(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, c.reads)
	assert.Equal(t, "ref", v.FinalObjectRef)
	assert.Equal(t, []int{0}, v.ReceivedChunks)
	assert.False(t, v.Purged)

	require.NoError(t, l.MarkPurged(ctx, "u1", time.Now()))
	assert.Empty(t, c.hashes)
	v, err = l.Snapshot(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, v.Purged)
}
