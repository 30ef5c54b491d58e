package middlewares

import (
	"net/http"
	"strings"

	"github.com/3Eeeecho/go-deliverables/internal/config"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/utils"
	"github.com/3Eeeecho/go-deliverables/internal/pkg/xerr"
	"github.com/gin-gonic/gin"
)

// AuthMiddleware 校验外部认证服务签发的 token，并把 ownerId 写入上下文
func AuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 1. 从请求头获取 Token
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			xerr.AbortWithError(c, http.StatusUnauthorized, xerr.UnauthorizedCode, "Authorization header is required")
			return
		}

		// Token 格式通常是 "Bearer <token>"
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			xerr.AbortWithError(c, http.StatusUnauthorized, xerr.UnauthorizedCode, "Invalid Authorization header format")
			return
		}

		// 2. 解析和验证 Token
		claims, err := utils.ParseToken(parts[1], cfg.JWT.SecretKey, cfg.JWT.Issuer)
		if err != nil {
			xerr.AbortWithError(c, http.StatusUnauthorized, xerr.TokenInvalidCode, "Invalid or malformed token: "+err.Error())
			return
		}

		// 3. 后续 Handler 以 token 中的 owner 为准
		utils.SetOwnerID(c, claims.Owner())

		c.Next()
	}
}
