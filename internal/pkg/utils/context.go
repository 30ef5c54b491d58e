package utils

import (
	"github.com/gin-gonic/gin"
)

const ownerIDKey = "ownerID"

// SetOwnerID 认证中间件写入当前上传者
func SetOwnerID(c *gin.Context, ownerID string) {
	c.Set(ownerIDKey, ownerID)
}

// GetOwnerIDFromContext 未开启认证时返回空字符串和 false
func GetOwnerIDFromContext(c *gin.Context) (string, bool) {
	v, exists := c.Get(ownerIDKey)
	if !exists {
		return "", false
	}
	ownerID, ok := v.(string)
	return ownerID, ok && ownerID != ""
}
