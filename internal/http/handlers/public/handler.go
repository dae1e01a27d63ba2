package public

import (
	"github.com/dujiao-next/memberpay/internal/http/handlers/shared"
	"github.com/dujiao-next/memberpay/internal/provider"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handler 前台/公开接口处理器入口
// 说明：该处理器仅用于用户侧 API 与渠道回调。
type Handler struct {
	*provider.Container
}

// New 创建前台处理器
func New(c *provider.Container) *Handler {
	return &Handler{Container: c}
}

func requestLog(c *gin.Context) *zap.SugaredLogger {
	return shared.RequestLog(c)
}
