package handlers

import (
	"net/http"

	"changedesk/internal/config"
	"changedesk/internal/middleware"
	"changedesk/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// RouterDeps 组装路由所需的服务
type RouterDeps struct {
	Changes       *services.ChangeService
	Runner        ScanRunner
	Notifications *services.StoreNotifier
	Hub           *services.WebSocketHub
	Health        HealthDeps
	Logger        *logrus.Logger
}

// NewRouter 构建 HTTP 路由
func NewRouter(cfg *config.Config, deps RouterDeps) (*gin.Engine, error) {
	if err := RegisterValidators(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.CORSMiddleware(cfg))
	if cfg.Monitoring.Tracing.Enabled {
		router.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}
	router.Use(middleware.RateLimitMiddleware(cfg))

	health := NewEnhancedHealthHandler(cfg, deps.Health)
	router.GET("/health", health.Health)
	router.GET("/ready", health.Ready)
	if cfg.Monitoring.Enabled {
		path := cfg.Monitoring.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		router.GET(path, gin.WrapH(promhttp.Handler()))
	}

	api := router.Group("/api")

	// 外部定时器入口只认共享密钥，不走用户 JWT
	if deps.Runner != nil {
		sched := NewAutomationHandler(deps.Runner, logger)
		api.POST("/cron/change-automation", middleware.RequireSharedSecret(cfg.Scheduler.CronSecret), sched.TriggerScan)

		admin := api.Group("/admin", middleware.AuthMiddleware(cfg), middleware.RequirePermission(middleware.PermSchedulerAdmin))
		admin.GET("/scheduler", sched.LastScan)
		admin.POST("/scheduler/scan", sched.ManualScan)
	}

	authed := api.Group("", middleware.AuthMiddleware(cfg))
	authz := middleware.RequirePermission
	if deps.Changes != nil {
		RegisterChangeRoutes(authed, NewChangeHandler(deps.Changes, logger), authz)
	}
	if deps.Notifications != nil {
		nh := NewNotificationHandler(deps.Notifications, logger)
		authed.GET("/notifications", authz(middleware.PermNotificationsRead), nh.List)
		authed.POST("/notifications/:id/read", authz(middleware.PermNotificationsWrite), nh.MarkRead)
	}
	if deps.Hub != nil {
		ws := NewWebSocketHandler(deps.Hub)
		authed.GET("/v1/ws", ws.HandleWebSocket)
		authed.GET("/v1/ws/stats", ws.GetStats)
	}

	router.NoRoute(func(c *gin.Context) {
		writeProblem(c, http.StatusNotFound, string(services.KindNotFound), "route not found")
	})
	return router, nil
}
