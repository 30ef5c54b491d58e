package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectWriterCommitsOnClose(t *testing.T) {
	store := NewMemoryStore()
	w := OpenObjectWriter(context.Background(), store, "final", "a/b.mp4", "video/mp4")

	for _, part := range []string{"chunk0-", "chunk1-", "chunk2"} {
		_, err := w.Write([]byte(part))
		require.NoError(t, err)
	}
	res, err := w.Close()
	require.NoError(t, err)
	assert.Equal(t, int64(len("chunk0-chunk1-chunk2")), res.Size)

	data, ok := store.Bytes("final", "a/b.mp4")
	require.True(t, ok)
	assert.Equal(t, "chunk0-chunk1-chunk2", string(data))
}

func TestObjectWriterAbortLeavesNoObject(t *testing.T) {
	store := NewMemoryStore()
	w := OpenObjectWriter(context.Background(), store, "final", "a/b.mp4", "")

	_, err := w.Write([]byte("partial"))
	require.NoError(t, err)
	w.Abort(errors.New("read failed"))

	_, ok := store.Bytes("final", "a/b.mp4")
	assert.False(t, ok)
}

func TestObjectWriterCanceledContext(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	w := OpenObjectWriter(ctx, store, "final", "k", "")
	cancel()

	_, _ = w.Write([]byte("data"))
	_, err := w.Close()
	assert.ErrorIs(t, err, context.Canceled)
}
