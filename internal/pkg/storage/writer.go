package storage

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrWriterAborted 写入被调用方主动中止
var ErrWriterAborted = errors.New("storage: object writer aborted")

// ObjectWriter 把 PutObject 包装成流式写入：调用方 Write 的数据经 io.Pipe
// 交给后台 goroutine 上传。Close 等待上传结束并返回结果，Abort 使上传失败。
type ObjectWriter struct {
	pw     *io.PipeWriter
	done   chan struct{}
	result PutObjectResult
	err    error
	once   sync.Once
}

// OpenObjectWriter 打开一个长度未知的目标对象写入流
func OpenObjectWriter(ctx context.Context, store BlobStore, bucketName, objectName, contentType string) *ObjectWriter {
	pr, pw := io.Pipe()
	w := &ObjectWriter{pw: pw, done: make(chan struct{})}
	go func() {
		defer close(w.done)
		res, err := store.PutObject(ctx, bucketName, objectName, pr, -1, contentType)
		// 上传提前失败时让写入方立刻感知
		pr.CloseWithError(err)
		w.result, w.err = res, err
	}()
	return w
}

func (w *ObjectWriter) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

// Close 结束写入并等待上传完成
func (w *ObjectWriter) Close() (PutObjectResult, error) {
	w.once.Do(func() { w.pw.Close() })
	<-w.done
	return w.result, w.err
}

// Abort 中止上传，后端不会把不完整的数据提交为对象
func (w *ObjectWriter) Abort(cause error) {
	if cause == nil {
		cause = ErrWriterAborted
	}
	w.once.Do(func() { w.pw.CloseWithError(cause) })
	<-w.done
}
