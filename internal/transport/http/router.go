package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	jwtpkg "listmail/backend/internal/auth/jwt"
	"listmail/backend/internal/config"
	"listmail/backend/internal/health"
	"listmail/backend/internal/middleware"
	"listmail/backend/internal/monitoring"
	"listmail/backend/internal/service"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config        *config.Config
	Subscriptions *service.SubscriptionService
	Settings      *service.SettingsService
	JWTManager    *jwtpkg.Manager
	Health        *health.HealthChecker
	Metrics       *monitoring.Metrics       // 可为空
	RateLimiter   *middleware.IPRateLimiter // 可为空，为空时不限流
	Logger        *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	router := gin.New()

	var onPanic func()
	if deps.Metrics != nil {
		onPanic = deps.Metrics.RecordPanic
	}
	router.Use(middleware.RecoveryHandler(log, onPanic))
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.ErrorHandler(log))
	router.Use(middleware.SecurityHeaders())
	if deps.Metrics != nil {
		router.Use(middleware.HTTPMetrics(deps.Metrics))
	}

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins:  deps.Config.CORS.AllowedOrigins,
		AllowMethods:  []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length", "Content-Disposition", "Retry-After"},
		MaxAge:        12 * time.Hour,
	}
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	}
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowOrigins = nil
			corsConfig.AllowAllOrigins = true
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	// 健康检查与指标
	router.GET("/health", func(c *gin.Context) {
		checks, ok := deps.Health.CheckHealth()
		status := http.StatusOK
		if !ok {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"healthy": ok, "checks": checks})
	})
	router.GET("/health/live", gin.WrapF(deps.Health.LiveHandler()))
	router.GET("/health/ready", gin.WrapF(deps.Health.ReadyHandler()))
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	var limit gin.HandlerFunc = func(c *gin.Context) { c.Next() }
	if deps.RateLimiter != nil {
		limit = deps.RateLimiter.Middleware()
	}

	// ========== Subscription Routes ==========
	subscriptions := NewSubscriptionHandler(deps.Subscriptions)
	subRoutes := router.Group("/subscription")
	subRoutes.Use(middleware.BodySizeLimit(middleware.FormBodyLimit))
	{
		subRoutes.GET("/publickey", subscriptions.PublicKey)
		subRoutes.POST("/publickey", subscriptions.PublicKey)
		subRoutes.GET("/subscribe/:token", subscriptions.Confirm)

		subRoutes.GET("/:cid", subscriptions.ShowList)
		subRoutes.POST("/:cid/subscribe", limit, subscriptions.Subscribe)
		subRoutes.GET("/:cid/confirm-notice", subscriptions.Notice(MsgConfirmNotice))
		subRoutes.GET("/:cid/updated-notice", subscriptions.Notice(MsgUpdatedNotice))
		subRoutes.GET("/:cid/unsubscribed-notice", subscriptions.Notice(MsgUnsubscribedNotice))

		subRoutes.GET("/:cid/manage/:ucid", subscriptions.ShowManage)
		subRoutes.POST("/:cid/manage", limit, subscriptions.Manage)

		subRoutes.GET("/:cid/unsubscribe/:ucid", subscriptions.ShowUnsubscribe)
		subRoutes.POST("/:cid/unsubscribe", limit, subscriptions.Unsubscribe)
	}

	// ========== Admin Routes ==========
	if deps.JWTManager != nil && deps.Settings != nil {
		jwtAuth := middleware.NewJWTAuth(deps.JWTManager, log)
		configHandler := NewConfigHandler(deps.Settings)

		adminRoutes := router.Group("/api/admin")
		adminRoutes.Use(middleware.BodySizeLimit(middleware.APIBodyLimit))
		adminRoutes.Use(jwtAuth.RequireRole(jwtpkg.RoleAdmin))
		{
			adminRoutes.GET("/settings", configHandler.GetSettings)
			adminRoutes.PUT("/settings", configHandler.UpdateSettings)
			adminRoutes.POST("/transport/reload", configHandler.ReloadTransport)
			adminRoutes.POST("/test-mail", configHandler.SendTestMail)
		}
	}

	return router
}
