package xerr

import (
	"context"
	"errors"
	"net/http"
)

// errorKind 将哨兵错误映射到业务码、HTTP 状态码和对外的稳定错误名
type errorKind struct {
	target error
	code   int
	status int
	name   string
}

var kinds = []errorKind{
	{ErrInvalidChunkIndex, InvalidChunkIndexCode, http.StatusBadRequest, "InvalidChunkIndex"},
	{ErrChunkCountMismatch, ChunkCountMismatchCode, http.StatusBadRequest, "ChunkCountMismatch"},
	{ErrInvalidTotalChunks, InvalidTotalChunksCode, http.StatusBadRequest, "InvalidTotalChunks"},
	{ErrEmptyPayload, EmptyPayloadCode, http.StatusBadRequest, "EmptyPayload"},
	{ErrUnsupportedContentType, UnsupportedContentTypeCode, http.StatusUnsupportedMediaType, "UnsupportedContentType"},
	{ErrSizeLimitExceeded, SizeLimitExceededCode, http.StatusRequestEntityTooLarge, "SizeLimitExceeded"},
	{ErrChunkDigestMismatch, ChunkDigestMismatchCode, http.StatusBadRequest, "ChunkDigestMismatch"},
	{ErrInvalidParams, InvalidParamsCode, http.StatusBadRequest, "InvalidParams"},
	{ErrUnauthorized, UnauthorizedCode, http.StatusUnauthorized, "Unauthorized"},
	{ErrTokenInvalid, TokenInvalidCode, http.StatusUnauthorized, "TokenInvalid"},
	{ErrForbidden, ForbiddenCode, http.StatusForbidden, "Forbidden"},
	{ErrUploadSessionNotFound, UploadSessionNotFoundCode, http.StatusNotFound, "SessionNotFound"},
	{ErrStateConflict, StateConflictCode, http.StatusConflict, "StateConflict"},
	{ErrUploadSessionExists, UploadSessionExistsCode, http.StatusConflict, "SessionExists"},
	{ErrUploadAborted, UploadAbortedCode, http.StatusConflict, "Aborted"},
	{ErrPreconditionFailed, PreconditionFailedCode, http.StatusPreconditionFailed, "PreconditionFailed"},
	{ErrTimeout, TimeoutCode, http.StatusGatewayTimeout, "Timeout"},
	{ErrAssemblyFailed, AssemblyFailedCode, http.StatusInternalServerError, "AssemblyFailed"},
	{ErrStorageWrite, StorageErrorCode, http.StatusServiceUnavailable, "StorageWriteFailed"},
	{ErrDatabaseError, DatabaseErrorCode, http.StatusInternalServerError, "DatabaseError"},
	{ErrMQError, MQErrorCode, http.StatusInternalServerError, "MQError"},
}

func lookup(err error) (errorKind, bool) {
	if err == nil {
		return errorKind{}, false
	}
	for _, k := range kinds {
		if errors.Is(err, k.target) {
			return k, true
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errorKind{target: ErrTimeout, code: TimeoutCode, status: http.StatusGatewayTimeout, name: "Timeout"}, true
	}
	return errorKind{}, false
}

// CodeOf 返回错误对应的业务码，*CodeError 显式携带的码优先
func CodeOf(err error) int {
	if err == nil {
		return SuccessCode
	}
	var ce *CodeError
	if errors.As(err, &ce) && ce.Code != 0 {
		return ce.Code
	}
	if k, ok := lookup(err); ok {
		return k.code
	}
	return InternalServerErrorCode
}

// HTTPStatus 返回错误对应的 HTTP 状态码
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if k, ok := lookup(err); ok {
		return k.status
	}
	return http.StatusInternalServerError
}

// ErrorCode 返回对外暴露的稳定错误名，例如 "InvalidChunkIndex"
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	if k, ok := lookup(err); ok {
		return k.name
	}
	return "InternalError"
}

// IsValidation 客户端可修正后重试的校验类错误
func IsValidation(err error) bool {
	k, ok := lookup(err)
	return ok && k.status >= 400 && k.status < 500 && k.code < UnauthorizedCode
}
