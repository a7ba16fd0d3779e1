package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"changedesk/internal/config"
	"changedesk/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Version 由构建时 -ldflags 覆盖
var Version = "dev"

// HealthDeps 健康检查依赖；为空的项跳过
type HealthDeps struct {
	DB      *gorm.DB
	Redis   redis.UniversalClient
	Breaker *services.CircuitBreaker
	Hub     *services.WebSocketHub
	Runner  ScanRunner
}

// EnhancedHealthHandler 健康检查处理器
type EnhancedHealthHandler struct {
	config *config.Config
	deps   HealthDeps
	logger *logrus.Logger
}

func NewEnhancedHealthHandler(cfg *config.Config, deps HealthDeps) *EnhancedHealthHandler {
	return &EnhancedHealthHandler{
		config: cfg,
		deps:   deps,
		logger: logrus.StandardLogger(),
	}
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]ServiceInfo `json:"services"`
	System    SystemInfo             `json:"system"`
}

// ServiceInfo 服务信息
type ServiceInfo struct {
	Status  string      `json:"status"`
	Latency string      `json:"latency,omitempty"`
	Error   string      `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// SystemInfo 系统信息
type SystemInfo struct {
	Uptime    string `json:"uptime"`
	GoVersion string `json:"go_version"`
}

var startTime = time.Now()

// Health 数据库不可用为 unhealthy（503）；Redis、webhook 熔断只降级
func (h *EnhancedHealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Version:   Version,
		Timestamp: time.Now().UTC(),
		Services:  make(map[string]ServiceInfo),
		System: SystemInfo{
			Uptime:    time.Since(startTime).Round(time.Second).String(),
			GoVersion: runtime.Version(),
		},
	}

	if h.config.Monitoring.HealthChecks.Database && h.deps.DB != nil {
		info := h.checkDatabase(ctx)
		response.Services["database"] = info
		if info.Status != "healthy" {
			response.Status = "unhealthy"
		}
	}
	if h.config.Monitoring.HealthChecks.Redis && h.deps.Redis != nil {
		info := h.checkRedis(ctx)
		response.Services["redis"] = info
		if info.Status != "healthy" && response.Status == "healthy" {
			response.Status = "degraded"
		}
	}
	if h.deps.Breaker != nil {
		stats := h.deps.Breaker.Stats()
		info := ServiceInfo{Status: "healthy", Details: stats}
		if h.deps.Breaker.State() != services.StateClosedCB {
			info.Status = "degraded"
			if response.Status == "healthy" {
				response.Status = "degraded"
			}
		}
		response.Services["webhook"] = info
	}
	if h.deps.Hub != nil {
		response.Services["websocket"] = ServiceInfo{
			Status:  "healthy",
			Details: map[string]interface{}{"connected_clients": h.deps.Hub.GetClientCount()},
		}
	}
	if h.deps.Runner != nil {
		info := ServiceInfo{Status: "healthy"}
		if last := h.deps.Runner.LastResult(); last != nil {
			info.Details = last
		}
		response.Services["scheduler"] = info
	}

	statusCode := http.StatusOK
	if response.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, response)
}

// Ready 只检查数据库
func (h *EnhancedHealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	ready := true
	checks := make(map[string]string)
	if h.deps.DB != nil {
		if info := h.checkDatabase(ctx); info.Status == "healthy" {
			checks["database"] = "ready"
		} else {
			checks["database"] = "not_ready"
			ready = false
		}
	}

	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, gin.H{
		"ready":     ready,
		"timestamp": time.Now().UTC(),
		"services":  checks,
	})
}

func (h *EnhancedHealthHandler) checkDatabase(ctx context.Context) ServiceInfo {
	start := time.Now()
	info := ServiceInfo{Details: map[string]interface{}{
		"driver": h.deps.DB.Dialector.Name(),
	}}
	sqlDB, err := h.deps.DB.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	info.Latency = time.Since(start).String()
	if err != nil {
		h.logger.WithError(err).Warn("database health check failed")
		info.Status = "unhealthy"
		info.Error = err.Error()
		return info
	}
	info.Status = "healthy"
	return info
}

func (h *EnhancedHealthHandler) checkRedis(ctx context.Context) ServiceInfo {
	start := time.Now()
	err := h.deps.Redis.Ping(ctx).Err()
	info := ServiceInfo{
		Latency: time.Since(start).String(),
		Details: map[string]interface{}{"addr": h.config.Redis.Addr()},
	}
	if err != nil {
		h.logger.WithError(err).Warn("redis health check failed")
		info.Status = "unhealthy"
		info.Error = err.Error()
		return info
	}
	info.Status = "healthy"
	return info
}
