package utils

import (
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// NewChunkHasher 分片摘要使用 BLAKE2b-256
func NewChunkHasher() hash.Hash {
	h, _ := blake2b.New256(nil) // key 为空时不会返回错误
	return h
}

// ChunkDigest 计算分片内容的 hex 摘要
func ChunkDigest(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// NormalizeDigest 校验并统一为小写 hex，空字符串表示客户端未提供
func NormalizeDigest(digest string) (string, error) {
	digest = strings.ToLower(strings.TrimSpace(digest))
	if digest == "" {
		return "", nil
	}
	raw, err := hex.DecodeString(digest)
	if err != nil || len(raw) != blake2b.Size256 {
		return "", fmt.Errorf("invalid chunk digest %q", digest)
	}
	return digest, nil
}
