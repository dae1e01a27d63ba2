package shared

import (
	"strings"

	"github.com/dujiao-next/memberpay/internal/constants"
	"github.com/dujiao-next/memberpay/internal/http/response"

	"github.com/gin-gonic/gin"
)

// GetContextString 从上下文读取字符串值
func GetContextString(c *gin.Context, key string) string {
	value, exists := c.Get(key)
	if !exists {
		return ""
	}
	if s, ok := value.(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

// RequireUserID 读取当前用户，缺失时直接返回 401。
func RequireUserID(c *gin.Context) (string, bool) {
	userID := GetContextString(c, constants.ContextKeyUserID)
	if userID == "" {
		RespondError(c, response.CodeUnauthorized, "unauthorized", nil)
		return "", false
	}
	return userID, true
}
