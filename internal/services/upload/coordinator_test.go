package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/3Eeeecho/go-deliverables/internal/assembly"
	"github.com/3Eeeecho/go-deliverables/internal/chunkstore"
	"github.com/3Eeeecho/go-deliverables/internal/config"
	"github.com/3Eeeecho/go-deliverables/internal/ledger"
	"github.com/3Eeeecho/go-deliverables/internal/models"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/lock"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/storage"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/utils"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/xerr"
	"github.com/3Eeeecho/go-deliverables/internal/repositories"
	"github.com/3Eeeecho/go-deliverables/internal/services/cleanup"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingAssembler 统计每个 uploadID 的组装次数
type countingAssembler struct {
	Assembler
	mu    sync.Mutex
	calls map[string]int
}

func (a *countingAssembler) Assemble(ctx context.Context, uploadID string) (assembly.Result, error) {
	a.mu.Lock()
	a.calls[uploadID]++
	a.mu.Unlock()
	return a.Assembler.Assemble(ctx, uploadID)
}

func (a *countingAssembler) Calls(uploadID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[uploadID]
}

type recordingPublisher struct {
	mu        sync.Mutex
	completed []*models.SessionView
	failed    []*models.SessionView
}

func (p *recordingPublisher) PublishCompleted(ctx context.Context, v *models.SessionView, meta models.ArtifactMetadata) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completed = append(p.completed, v)
}

func (p *recordingPublisher) PublishFailed(ctx context.Context, v *models.SessionView) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed = append(p.failed, v)
}

func (p *recordingPublisher) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.completed), len(p.failed)
}

type nopLocker struct{}

func (nopLocker) Lock(ctx context.Context, key string) (func(), error) {
	return func() {}, nil
}

type fixture struct {
	ledger    *ledger.MemoryLedger
	blobs     *storage.MemoryStore
	chunks    *chunkstore.Store
	docs      *repositories.MemoryDocumentStore
	assembler *countingAssembler
	publisher *recordingPublisher
	sweeper   *cleanup.Sweeper
	coord     *Coordinator
}

func testConfig() config.UploadConfig {
	return config.UploadConfig{
		AllowedContentTypes:    []string{"video/*"},
		UploadableTargetStates: []string{"in_progress"},
		MaxFileSize:            1 << 20,
		MaxChunkSize:           4096,
		MaxTotalChunks:         100,
		StaleAfter:             time.Hour,
		Retention:              24 * time.Hour,
		AssemblyTimeout:        5 * time.Second,
	}
}

type fixtureOptions struct {
	blobs     storage.BlobStore
	locker    lock.Locker
	cfg       config.UploadConfig
	assembler func(Assembler) Assembler
}

func newFixture(t *testing.T, opts ...func(*fixtureOptions)) *fixture {
	t.Helper()
	mem := storage.NewMemoryStore()
	o := fixtureOptions{blobs: mem, locker: lock.NewLocalLocker(), cfg: testConfig()}
	for _, opt := range opts {
		opt(&o)
	}

	l := ledger.NewMemoryLedger()
	chunks := chunkstore.New(o.blobs, "chunks", "chunks")
	docs := repositories.NewMemoryDocumentStore(o.cfg.UploadableTargetStates, false)
	docs.PutTarget(models.Target{ID: "order-1", OwnerID: "creator", Status: "in_progress"})

	var inner Assembler = assembly.NewEngine(l, chunks, o.blobs, "final", "deliverables", assembly.WithBufferSize(100))
	if o.assembler != nil {
		inner = o.assembler(inner)
	}
	counter := &countingAssembler{Assembler: inner, calls: make(map[string]int)}
	pub := &recordingPublisher{}
	sweeper := cleanup.NewSweeper(l, chunks, o.locker, pub, o.cfg, nil)
	coord := NewCoordinator(l, chunks, counter, docs, o.locker, o.cfg, Deps{Publisher: pub, Purger: sweeper})

	return &fixture{
		ledger:    l,
		blobs:     mem,
		chunks:    chunks,
		docs:      docs,
		assembler: counter,
		publisher: pub,
		sweeper:   sweeper,
		coord:     coord,
	}
}

func meta() models.UploadMetadata {
	return models.UploadMetadata{
		FileName:    "cut.mp4",
		ContentType: "video/mp4",
		OwnerID:     "creator",
		TargetID:    "order-1",
	}
}

func (f *fixture) submit(uploadID string, index, total int, payload []byte) (models.ChunkResult, error) {
	return f.coord.SubmitChunk(context.Background(), models.ChunkSubmission{
		UploadID:    uploadID,
		Index:       index,
		TotalChunks: total,
		Payload:     payload,
		Metadata:    meta(),
	})
}

func (f *fixture) final(t *testing.T, uploadID string) []byte {
	t.Helper()
	v, err := f.ledger.Snapshot(context.Background(), uploadID)
	require.NoError(t, err)
	require.Equal(t, models.StateCompleted, v.State)
	data, ok := f.blobs.Bytes("final", v.FinalObjectRef)
	require.True(t, ok, "final object %s missing", v.FinalObjectRef)
	return data
}

func chunkPayloads(n, size int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = bytes.Repeat([]byte{byte('A' + i)}, size)
	}
	return out
}

func TestOutOfOrderArrivalCompletesOnLastMissingChunk(t *testing.T) {
	f := newFixture(t)
	parts := chunkPayloads(3, 1024)

	res, err := f.submit("u1", 2, 3, parts[2])
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, 33, res.ProgressPercent)
	assert.False(t, res.IsFinal)

	res, err = f.submit("u1", 0, 3, parts[0])
	require.NoError(t, err)
	assert.Equal(t, 67, res.ProgressPercent)
	assert.False(t, res.IsFinal)

	res, err = f.submit("u1", 1, 3, parts[1])
	require.NoError(t, err)
	assert.True(t, res.IsFinal)
	assert.Equal(t, 100, res.ProgressPercent)
	assert.Equal(t, models.StateCompleted, res.State)
	assert.NotEmpty(t, res.FinalObjectRef)

	data := f.final(t, "u1")
	assert.Len(t, data, 3072)
	assert.Equal(t, bytes.Join(parts, nil), data)

	// 完成后分片被清理，结果被发布一次
	left, err := f.chunks.List(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, left)
	completed, failed := f.publisher.counts()
	assert.Equal(t, 1, completed)
	assert.Zero(t, failed)

	v, err := f.coord.GetStatus(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, v.Purged)
}

func TestIndexOutOfRangeLeavesSessionUntouched(t *testing.T) {
	f := newFixture(t)
	_, err := f.submit("u1", 0, 3, []byte("first"))
	require.NoError(t, err)
	before, err := f.ledger.Snapshot(context.Background(), "u1")
	require.NoError(t, err)

	res, err := f.submit("u1", 5, 3, []byte("stray"))
	require.ErrorIs(t, err, xerr.ErrInvalidChunkIndex)
	assert.False(t, res.Accepted)
	assert.Equal(t, "InvalidChunkIndex", res.ErrorCode)

	after, err := f.ledger.Snapshot(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestInvalidFirstChunkCreatesNoSession(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*models.ChunkSubmission)
		want   error
	}{
		{"index beyond total", func(s *models.ChunkSubmission) { s.Index = 5 }, xerr.ErrInvalidChunkIndex},
		{"negative index", func(s *models.ChunkSubmission) { s.Index = -1 }, xerr.ErrInvalidChunkIndex},
		{"empty payload", func(s *models.ChunkSubmission) { s.Payload = nil }, xerr.ErrEmptyPayload},
		{"chunk too large", func(s *models.ChunkSubmission) { s.Payload = make([]byte, 4097) }, xerr.ErrSizeLimitExceeded},
		{"declared size exceeded", func(s *models.ChunkSubmission) { s.Metadata.DeclaredByteSize = 2 }, xerr.ErrSizeLimitExceeded},
		{"digest mismatch", func(s *models.ChunkSubmission) { s.Digest = utils.ChunkDigest([]byte("other")) }, xerr.ErrChunkDigestMismatch},
		{"too many chunks", func(s *models.ChunkSubmission) { s.TotalChunks = 101 }, xerr.ErrInvalidTotalChunks},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			sub := models.ChunkSubmission{UploadID: "fresh", Index: 0, TotalChunks: 3, Payload: []byte("stray"), Metadata: meta()}
			tc.mutate(&sub)

			res, err := f.coord.SubmitChunk(context.Background(), sub)
			require.ErrorIs(t, err, tc.want)
			assert.False(t, res.Accepted)
			assert.NotEmpty(t, res.ErrorCode)

			_, err = f.ledger.Snapshot(context.Background(), "fresh")
			assert.ErrorIs(t, err, xerr.ErrUploadSessionNotFound)
			left, err := f.chunks.List(context.Background(), "fresh")
			require.NoError(t, err)
			assert.Empty(t, left)

			// 同一个 uploadId 之后仍可以用合法分片开始上传
			res, err = f.submit("fresh", 0, 3, []byte("first"))
			require.NoError(t, err)
			assert.True(t, res.Accepted)
			assert.Equal(t, 33, res.ProgressPercent)
		})
	}
}

func TestDifferentTotalIsRejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.submit("u1", 0, 3, []byte("first"))
	require.NoError(t, err)

	res, err := f.submit("u1", 1, 4, []byte("second"))
	require.ErrorIs(t, err, xerr.ErrChunkCountMismatch)
	assert.Equal(t, "ChunkCountMismatch", res.ErrorCode)

	v, err := f.ledger.Snapshot(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, v.TotalChunks)
	assert.Equal(t, []int{0}, v.ReceivedChunks)
}

func TestDuplicateChunkIsIdempotent(t *testing.T) {
	f := newFixture(t)
	first, err := f.submit("u1", 1, 4, []byte("payload"))
	require.NoError(t, err)

	second, err := f.submit("u1", 1, 4, []byte("payload"))
	require.NoError(t, err)
	assert.True(t, second.Accepted)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.ProgressPercent, second.ProgressPercent)

	v, err := f.ledger.Snapshot(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(len("payload")), v.ReceivedBytes)
	assert.Equal(t, 1, v.ReceivedCount())
}

func permutations(n int) [][]int {
	if n == 0 {
		return [][]int{{}}
	}
	var out [][]int
	for _, p := range permutations(n - 1) {
		for i := 0; i <= len(p); i++ {
			q := make([]int, 0, n)
			q = append(q, p[:i]...)
			q = append(q, n-1)
			q = append(q, p[i:]...)
			out = append(out, q)
		}
	}
	return out
}

func TestEveryArrivalOrderAssemblesTheSameBytes(t *testing.T) {
	for _, n := range []int{3, 4} {
		f := newFixture(t)
		parts := make([][]byte, n)
		for i := range parts {
			// 长度各不相同，错位拼接一定会被发现
			parts[i] = bytes.Repeat([]byte{byte('a' + i)}, 10+i*7)
		}
		want := bytes.Join(parts, nil)

		for pi, order := range permutations(n) {
			id := fmt.Sprintf("n%d-p%d", n, pi)
			var last models.ChunkResult
			for k, idx := range order {
				res, err := f.submit(id, idx, n, parts[idx])
				require.NoError(t, err)
				if k < n-1 {
					assert.False(t, res.IsFinal, "order %v step %d", order, k)
				}
				last = res
			}
			require.True(t, last.IsFinal, "order %v", order)
			assert.Equal(t, want, f.final(t, id), "order %v", order)
			assert.Equal(t, 1, f.assembler.Calls(id))
		}
	}
}

func TestAssemblyNeverStartsBeforeMaskIsComplete(t *testing.T) {
	f := newFixture(t)
	// 按位置最后的分片先到，不能被当作结束信号
	for _, idx := range []int{3, 2, 0} {
		res, err := f.submit("u1", idx, 4, []byte{byte(idx)})
		require.NoError(t, err)
		assert.False(t, res.IsFinal)
		assert.Less(t, res.ProgressPercent, 100)
	}
	assert.Zero(t, f.assembler.Calls("u1"))

	v, err := f.coord.GetStatus(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, models.StateUploading, v.State)
	assert.Equal(t, 75, v.ProgressPercent)
}

func TestConcurrentFinalChunksAssembleOnce(t *testing.T) {
	lockers := map[string]func() lock.Locker{
		"keyed lock":  func() lock.Locker { return lock.NewLocalLocker() },
		"ledger only": func() lock.Locker { return nopLocker{} },
	}
	for name, newLocker := range lockers {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, func(o *fixtureOptions) { o.locker = newLocker() })
			parts := chunkPayloads(4, 64)

			for round := 0; round < 20; round++ {
				id := fmt.Sprintf("race-%d", round)
				for _, idx := range []int{0, 1} {
					_, err := f.submit(id, idx, 4, parts[idx])
					require.NoError(t, err)
				}

				var (
					wg    sync.WaitGroup
					start = make(chan struct{})
					final atomic.Int32
				)
				for _, idx := range []int{2, 3} {
					wg.Add(1)
					go func(idx int) {
						defer wg.Done()
						<-start
						res, err := f.submit(id, idx, 4, parts[idx])
						if assert.NoError(t, err) && res.IsFinal {
							final.Add(1)
						}
					}(idx)
				}
				close(start)
				wg.Wait()

				assert.Equal(t, 1, f.assembler.Calls(id), "round %d", round)
				assert.LessOrEqual(t, final.Load(), int32(2))
				assert.Equal(t, bytes.Join(parts, nil), f.final(t, id))
			}
		})
	}
}

func TestTerminalSessionIgnoresLaterChunks(t *testing.T) {
	f := newFixture(t)
	parts := chunkPayloads(2, 16)
	for i, p := range parts {
		_, err := f.submit("done", i, 2, p)
		require.NoError(t, err)
	}
	before, err := f.coord.GetStatus(context.Background(), "done")
	require.NoError(t, err)

	// 终态后不论分片是否合法都返回已有结果
	for _, sub := range []struct {
		index, total int
	}{{0, 2}, {1, 2}, {7, 9}} {
		res, err := f.submit("done", sub.index, sub.total, []byte("late"))
		require.NoError(t, err)
		assert.True(t, res.IsFinal)
		assert.Equal(t, before.FinalObjectRef, res.FinalObjectRef)
	}
	after, err := f.coord.GetStatus(context.Background(), "done")
	require.NoError(t, err)
	assert.Equal(t, before.State, after.State)
	assert.Equal(t, before.FinalObjectRef, after.FinalObjectRef)
	assert.Equal(t, 1, f.assembler.Calls("done"))

	_, err = f.submit("aborted", 0, 2, parts[0])
	require.NoError(t, err)
	_, err = f.coord.AbortUpload(context.Background(), "aborted", "creator")
	require.NoError(t, err)

	res, err := f.submit("aborted", 1, 2, parts[1])
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.False(t, res.IsFinal)
	assert.Equal(t, models.StateFailed, res.State)
	assert.Equal(t, models.FailureReasonAborted, res.FailureReason)
	assert.Zero(t, f.assembler.Calls("aborted"))
}

func TestPreconditionFailureCreatesNothing(t *testing.T) {
	f := newFixture(t)
	f.docs.PutTarget(models.Target{ID: "order-closed", OwnerID: "creator", Status: "closed"})

	sub := models.ChunkSubmission{UploadID: "u1", Index: 0, TotalChunks: 2, Payload: []byte("x"), Metadata: meta()}
	sub.Metadata.TargetID = "order-closed"
	res, err := f.coord.SubmitChunk(context.Background(), sub)
	require.ErrorIs(t, err, xerr.ErrPreconditionFailed)
	assert.Equal(t, "PreconditionFailed", res.ErrorCode)

	_, err = f.ledger.Snapshot(context.Background(), "u1")
	assert.ErrorIs(t, err, xerr.ErrUploadSessionNotFound)
	left, err := f.chunks.List(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestUnknownUploadWithoutMetadata(t *testing.T) {
	f := newFixture(t)
	_, err := f.coord.SubmitChunk(context.Background(), models.ChunkSubmission{
		UploadID: "missing", Index: 0, TotalChunks: 1, Payload: []byte("x"),
	})
	assert.ErrorIs(t, err, xerr.ErrUploadSessionNotFound)

	_, err = f.coord.SubmitChunk(context.Background(), models.ChunkSubmission{Index: 0, TotalChunks: 1, Payload: []byte("x")})
	assert.ErrorIs(t, err, xerr.ErrUploadSessionNotFound)
}

func TestServerGeneratesUploadID(t *testing.T) {
	f := newFixture(t)
	f.coord.newID = func() string { return "generated" }

	res, err := f.coord.SubmitChunk(context.Background(), models.ChunkSubmission{
		Index: 0, TotalChunks: 2, Payload: []byte("x"), Metadata: meta(),
	})
	require.NoError(t, err)
	assert.Equal(t, "generated", res.UploadID)
	assert.Equal(t, 50, res.ProgressPercent)
}

// flakyPutStore 前 failures 次写入失败
type flakyPutStore struct {
	*storage.MemoryStore
	failures atomic.Int32
}

func (s *flakyPutStore) PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, contentType string) (storage.PutObjectResult, error) {
	if s.failures.Add(-1) >= 0 {
		return storage.PutObjectResult{}, errors.New("connection reset by peer")
	}
	return s.MemoryStore.PutObject(ctx, bucketName, objectName, reader, objectSize, contentType)
}

func TestStorageFailureLeavesChunkUnmarked(t *testing.T) {
	flaky := &flakyPutStore{MemoryStore: storage.NewMemoryStore()}
	f := newFixture(t, func(o *fixtureOptions) { o.blobs = flaky })
	f.blobs = flaky.MemoryStore
	flaky.failures.Store(1)

	res, err := f.submit("u1", 0, 2, []byte("first"))
	require.ErrorIs(t, err, xerr.ErrStorageWrite)
	assert.Equal(t, "StorageWriteFailed", res.ErrorCode)

	v, err := f.ledger.Snapshot(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, v.ReceivedChunks)

	// 重试同一分片即可
	res, err = f.submit("u1", 0, 2, []byte("first"))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.False(t, res.Duplicate)
	assert.Equal(t, 50, res.ProgressPercent)
}

func TestAdmissionChecks(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*models.ChunkSubmission)
		want   error
	}{
		{"empty payload", func(s *models.ChunkSubmission) { s.Payload = nil }, xerr.ErrEmptyPayload},
		{"chunk too large", func(s *models.ChunkSubmission) { s.Payload = make([]byte, 4097) }, xerr.ErrSizeLimitExceeded},
		{"declared size exceeded", func(s *models.ChunkSubmission) {
			s.Metadata.DeclaredByteSize = 10
			s.Payload = make([]byte, 11)
		}, xerr.ErrSizeLimitExceeded},
		{"unsupported type", func(s *models.ChunkSubmission) { s.Metadata.ContentType = "application/zip" }, xerr.ErrUnsupportedContentType},
		{"digest mismatch", func(s *models.ChunkSubmission) { s.Digest = utils.ChunkDigest([]byte("other")) }, xerr.ErrChunkDigestMismatch},
		{"owner mismatch", func(s *models.ChunkSubmission) { s.Metadata.OwnerID = "intruder" }, xerr.ErrForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			// 会话先由合法的第一个分片创建
			_, err := f.submit("u1", 0, 3, []byte("first"))
			require.NoError(t, err)

			sub := models.ChunkSubmission{UploadID: "u1", Index: 1, TotalChunks: 3, Payload: []byte("second"), Metadata: meta()}
			if tc.name == "declared size exceeded" {
				sub.UploadID = "u2"
				sub.Index = 0
			}
			tc.mutate(&sub)
			res, err := f.coord.SubmitChunk(context.Background(), sub)
			require.ErrorIs(t, err, tc.want)
			assert.False(t, res.Accepted)
			assert.NotEmpty(t, res.ErrorCode)

			v, err := f.ledger.Snapshot(context.Background(), "u1")
			require.NoError(t, err)
			assert.Equal(t, []int{0}, v.ReceivedChunks)
		})
	}
}

func TestDigestIsRecordedWhenProvided(t *testing.T) {
	f := newFixture(t)
	payload := []byte("verified")
	_, err := f.coord.SubmitChunk(context.Background(), models.ChunkSubmission{
		UploadID: "u1", Index: 0, TotalChunks: 2, Payload: payload, Metadata: meta(),
		Digest: strings.ToUpper(utils.ChunkDigest(payload)),
	})
	require.NoError(t, err)

	metas, err := f.ledger.Chunks(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, utils.ChunkDigest(payload), metas[0].Digest)
}

type failingAssembler struct {
	Assembler
}

func (failingAssembler) Assemble(ctx context.Context, uploadID string) (assembly.Result, error) {
	return assembly.Result{}, fmt.Errorf("%w: copy chunk 1: %w", xerr.ErrAssemblyFailed, errors.New("unexpected EOF"))
}

func TestAssemblyFailureIsTerminal(t *testing.T) {
	f := newFixture(t, func(o *fixtureOptions) {
		o.assembler = func(inner Assembler) Assembler { return failingAssembler{inner} }
	})
	parts := chunkPayloads(2, 8)
	_, err := f.submit("u1", 0, 2, parts[0])
	require.NoError(t, err)

	res, err := f.submit("u1", 1, 2, parts[1])
	require.ErrorIs(t, err, xerr.ErrAssemblyFailed)
	assert.True(t, res.Accepted)
	assert.False(t, res.IsFinal)
	assert.Equal(t, models.StateFailed, res.State)
	assert.Equal(t, "AssemblyFailed", res.ErrorCode)
	assert.Equal(t, "AssemblyFailed: copy chunk 1: unexpected EOF", res.FailureReason)

	left, err := f.chunks.List(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, left)
	_, failed := f.publisher.counts()
	assert.Equal(t, 1, failed)

	// 不会自动重试
	res, err = f.submit("u1", 1, 2, parts[1])
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, res.State)
	assert.Equal(t, 1, f.assembler.Calls("u1"))
}

// snapshotOutage 在会话进入 Completed 之后让 Snapshot 失败
type snapshotOutage struct {
	ledger.Ledger
	down atomic.Bool
}

func (l *snapshotOutage) Transition(ctx context.Context, uploadID string, from, to models.UploadState, patch ledger.TransitionPatch) error {
	err := l.Ledger.Transition(ctx, uploadID, from, to, patch)
	if err == nil && to == models.StateCompleted {
		l.down.Store(true)
	}
	return err
}

func (l *snapshotOutage) Snapshot(ctx context.Context, uploadID string) (*models.SessionView, error) {
	if l.down.Load() {
		return nil, errors.New("connection reset by peer")
	}
	return l.Ledger.Snapshot(ctx, uploadID)
}

func TestCompletedResultSurvivesSnapshotFailure(t *testing.T) {
	f := newFixture(t)
	outage := &snapshotOutage{Ledger: f.ledger}
	f.coord = NewCoordinator(outage, f.chunks, f.assembler, f.docs, lock.NewLocalLocker(), testConfig(),
		Deps{Publisher: f.publisher, Purger: f.sweeper})

	parts := chunkPayloads(2, 16)
	_, err := f.submit("u1", 0, 2, parts[0])
	require.NoError(t, err)

	res, err := f.submit("u1", 1, 2, parts[1])
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.True(t, res.IsFinal)
	assert.Equal(t, models.StateCompleted, res.State)
	assert.Equal(t, 100, res.ProgressPercent)
	assert.Empty(t, res.ErrorCode)

	stored, err := f.ledger.Snapshot(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, stored.FinalObjectRef, res.FinalObjectRef)
	assert.Equal(t, bytes.Join(parts, nil), f.final(t, "u1"))

	completed, _ := f.publisher.counts()
	require.Equal(t, 1, completed)
	assert.Equal(t, stored.FinalObjectRef, f.publisher.completed[0].FinalObjectRef)
	assert.Equal(t, int64(32), f.publisher.completed[0].FinalByteSize)
	assert.Equal(t, "creator", f.publisher.completed[0].OwnerID)
}

// blockingAssembler 在 release 关闭前挂起组装
type blockingAssembler struct {
	Assembler
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (a *blockingAssembler) Assemble(ctx context.Context, uploadID string) (assembly.Result, error) {
	a.once.Do(func() { close(a.started) })
	select {
	case <-a.release:
		return a.Assembler.Assemble(ctx, uploadID)
	case <-ctx.Done():
		return assembly.Result{}, fmt.Errorf("%w: waiting: %w: %w", xerr.ErrAssemblyFailed, xerr.ErrTimeout, ctx.Err())
	}
}

func newBlocking() *blockingAssembler {
	return &blockingAssembler{started: make(chan struct{}), release: make(chan struct{})}
}

func TestAssemblyTimeoutFailsWithTimeoutReason(t *testing.T) {
	blocker := newBlocking()
	f := newFixture(t, func(o *fixtureOptions) {
		o.cfg.AssemblyTimeout = 20 * time.Millisecond
		o.assembler = func(inner Assembler) Assembler {
			blocker.Assembler = inner
			return blocker
		}
	})
	_, err := f.submit("u1", 0, 2, []byte("a"))
	require.NoError(t, err)

	res, err := f.submit("u1", 1, 2, []byte("b"))
	require.ErrorIs(t, err, xerr.ErrTimeout)
	assert.Equal(t, "Timeout", res.ErrorCode)
	assert.Equal(t, models.FailureReasonTimeout, res.FailureReason)
	assert.Equal(t, models.StateFailed, res.State)
}

func TestAbortDuringAssemblyIsDeferred(t *testing.T) {
	blocker := newBlocking()
	f := newFixture(t, func(o *fixtureOptions) {
		o.assembler = func(inner Assembler) Assembler {
			blocker.Assembler = inner
			return blocker
		}
	})
	parts := chunkPayloads(2, 32)
	_, err := f.submit("u1", 0, 2, parts[0])
	require.NoError(t, err)

	done := make(chan models.ChunkResult, 1)
	go func() {
		res, err := f.submit("u1", 1, 2, parts[1])
		assert.NoError(t, err)
		done <- res
	}()
	<-blocker.started

	v, err := f.coord.AbortUpload(context.Background(), "u1", "creator")
	require.NoError(t, err)
	assert.Equal(t, models.StateAssembling, v.State)
	assert.True(t, v.AbortRequested)

	// 组装中的分片不能被删除
	err = f.sweeper.Purge(context.Background(), "u1")
	require.ErrorIs(t, err, xerr.ErrStateConflict)
	left, err := f.chunks.List(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, left)

	// 组装中的会话收到分片时只返回进度
	res, err := f.submit("u1", 0, 2, parts[0])
	require.NoError(t, err)
	assert.Equal(t, models.StateAssembling, res.State)
	assert.False(t, res.IsFinal)

	close(blocker.release)
	res = <-done
	assert.True(t, res.IsFinal)
	assert.Equal(t, bytes.Join(parts, nil), f.final(t, "u1"))
}

func TestAbortWhileUploadingPurgesChunks(t *testing.T) {
	f := newFixture(t)
	_, err := f.submit("u1", 0, 3, []byte("a"))
	require.NoError(t, err)

	_, err = f.coord.AbortUpload(context.Background(), "u1", "someone-else")
	require.ErrorIs(t, err, xerr.ErrForbidden)

	v, err := f.coord.AbortUpload(context.Background(), "u1", "creator")
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, v.State)
	assert.Equal(t, models.FailureReasonAborted, v.FailureReason)
	assert.True(t, v.Purged)

	left, err := f.chunks.List(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, left)

	// 再次取消返回同样的终态
	again, err := f.coord.AbortUpload(context.Background(), "u1", "creator")
	require.NoError(t, err)
	assert.Equal(t, v.FailureReason, again.FailureReason)

	_, err = f.coord.AbortUpload(context.Background(), "missing", "")
	assert.ErrorIs(t, err, xerr.ErrUploadSessionNotFound)
}

func TestInitUploadIsIdempotent(t *testing.T) {
	f := newFixture(t)
	req := models.InitUploadRequest{UploadID: "u1", TotalChunks: 2, UploadMetadata: meta()}

	v, err := f.coord.InitUpload(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.StateUploading, v.State)
	assert.Equal(t, "video/mp4", v.ContentType)

	again, err := f.coord.InitUpload(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, v.CreatedAt, again.CreatedAt)

	req.TotalChunks = 5
	_, err = f.coord.InitUpload(context.Background(), req)
	assert.ErrorIs(t, err, xerr.ErrChunkCountMismatch)

	// 初始化之后的分片不需要再携带业务元数据
	res, err := f.coord.SubmitChunk(context.Background(), models.ChunkSubmission{UploadID: "u1", Index: 0, TotalChunks: 2, Payload: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, 50, res.ProgressPercent)
}

func TestInitUploadValidation(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name string
		req  models.InitUploadRequest
		want error
	}{
		{"missing ids", models.InitUploadRequest{TotalChunks: 1}, xerr.ErrInvalidParams},
		{"too many chunks", models.InitUploadRequest{TotalChunks: 101, UploadMetadata: meta()}, xerr.ErrInvalidTotalChunks},
		{"unsupported type", models.InitUploadRequest{TotalChunks: 1, UploadMetadata: models.UploadMetadata{
			OwnerID: "creator", TargetID: "order-1", ContentType: "text/plain",
		}}, xerr.ErrUnsupportedContentType},
		{"declared too large", models.InitUploadRequest{TotalChunks: 1, UploadMetadata: models.UploadMetadata{
			OwnerID: "creator", TargetID: "order-1", ContentType: "video/mp4", DeclaredByteSize: 2 << 20,
		}}, xerr.ErrSizeLimitExceeded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.coord.InitUpload(context.Background(), tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestContentTypeAllowed(t *testing.T) {
	allowed := []string{"video/*", "application/octet-stream"}
	assert.True(t, contentTypeAllowed("video/mp4", allowed))
	assert.True(t, contentTypeAllowed("video/quicktime", allowed))
	assert.True(t, contentTypeAllowed("application/octet-stream", allowed))
	assert.False(t, contentTypeAllowed("videos/mp4", allowed))
	assert.False(t, contentTypeAllowed("image/png", allowed))
	assert.True(t, contentTypeAllowed("image/png", nil))
}
