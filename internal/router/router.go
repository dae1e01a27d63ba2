package router

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/dujiao-next/memberpay/internal/authz"
	"github.com/dujiao-next/memberpay/internal/cache"
	"github.com/dujiao-next/memberpay/internal/config"
	adminhandlers "github.com/dujiao-next/memberpay/internal/http/handlers/admin"
	publichandlers "github.com/dujiao-next/memberpay/internal/http/handlers/public"
	"github.com/dujiao-next/memberpay/internal/http/response"
	"github.com/dujiao-next/memberpay/internal/logger"
	"github.com/dujiao-next/memberpay/internal/metrics"
	"github.com/dujiao-next/memberpay/internal/provider"

	"github.com/gin-gonic/gin"
)

const adminRoutePrefix = "/api/admin/"

// SetupRouter 初始化路由
func SetupRouter(cfg *config.Config, c *provider.Container) *gin.Engine {
	log := logger.L
	if log == nil {
		log = logger.Init(cfg.Server.Mode, cfg.Log.ToLoggerOptions())
	}
	r := gin.New()

	// 初始化 Handler（按前台/后台分组）
	publicHandler := publichandlers.New(c)
	adminHandler := adminhandlers.New(c)
	redisPrefix := strings.TrimSpace(cfg.Redis.Prefix)
	if redisPrefix == "" {
		redisPrefix = "mp"
	}
	createRule := RateLimitRule{
		Prefix:        fmt.Sprintf("%s:rate:payment_create", redisPrefix),
		WindowSeconds: cfg.Security.RateLimit.WindowSeconds,
		MaxRequests:   cfg.Security.RateLimit.MaxRequests,
		BlockSeconds:  cfg.Security.RateLimit.BlockSeconds,
	}

	// 中间件
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(log))
	r.Use(MetricsMiddleware())
	r.Use(CORSMiddleware(cfg.CORS))

	r.GET("/health", func(ctx *gin.Context) {
		response.Success(ctx, gin.H{"status": "ok", "providers": c.Registry.Names()})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	userAuth := UserJWTAuthMiddleware(cfg.UserJWT.SecretKey)

	api := r.Group("/api")
	{
		paymentGroup := api.Group("/payment")
		{
			paymentGroup.POST("/create", userAuth, RateLimitMiddleware(cache.Client(), createRule, KeyByUserOrIP), publicHandler.CreatePayment)
			paymentGroup.GET("/status/:orderId", userAuth, publicHandler.PaymentStatus)
			// 渠道回调只依赖验签，不经过用户鉴权
			paymentGroup.POST("/callback/:method", publicHandler.PaymentCallback)
		}

		membership := api.Group("/membership")
		{
			membership.GET("/plans", publicHandler.ListPlans)
			membership.GET("/me", userAuth, publicHandler.MyMembership)
		}

		admin := api.Group("/admin", userAuth, AdminRBACMiddleware(c.AuthzService))
		{
			admin.GET("/payment/orders/:orderId", adminHandler.GetPaymentOrder)
			admin.POST("/payment/orders/:orderId/refund", adminHandler.RefundPaymentOrder)
			admin.POST("/payment/reconcile", adminHandler.ReconcilePayments)
			admin.GET("/permissions", func(ctx *gin.Context) {
				response.Success(ctx, buildAdminPermissionCatalog(r))
			})
		}
	}

	r.NoRoute(func(ctx *gin.Context) {
		response.Error(ctx, http.StatusNotFound, "route not found")
	})
	return r
}

type adminPermissionCatalogItem struct {
	Module     string `json:"module"`
	Method     string `json:"method"`
	Object     string `json:"object"`
	Permission string `json:"permission"`
}

func buildAdminPermissionCatalog(engine *gin.Engine) []adminPermissionCatalogItem {
	if engine == nil {
		return []adminPermissionCatalogItem{}
	}

	routes := engine.Routes()
	seen := make(map[string]struct{}, len(routes))
	items := make([]adminPermissionCatalogItem, 0, len(routes))

	for _, item := range routes {
		method := strings.ToUpper(strings.TrimSpace(item.Method))
		if method == "" || method == "OPTIONS" || method == "HEAD" {
			continue
		}
		if !strings.HasPrefix(item.Path, adminRoutePrefix) {
			continue
		}
		object := authz.NormalizeObject(item.Path)
		permission := method + ":" + object
		if _, exists := seen[permission]; exists {
			continue
		}
		seen[permission] = struct{}{}
		items = append(items, adminPermissionCatalogItem{
			Module:     deriveAdminPermissionModule(object),
			Method:     method,
			Object:     object,
			Permission: permission,
		})
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].Module == items[j].Module {
			if items[i].Object == items[j].Object {
				return items[i].Method < items[j].Method
			}
			return items[i].Object < items[j].Object
		}
		return items[i].Module < items[j].Module
	})

	return items
}

func deriveAdminPermissionModule(object string) string {
	normalized := strings.TrimPrefix(strings.TrimSpace(object), "/")
	if normalized == "" {
		return "system"
	}
	segments := strings.Split(normalized, "/")
	if len(segments) <= 1 || segments[0] != "admin" {
		return segments[0]
	}
	return segments[1]
}
