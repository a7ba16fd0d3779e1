package middleware

import (
	"net/http"

	"changedesk/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
)

// CORSMiddleware 基于 rs/cors；预检请求在这里直接结束
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	cc := cfg.Security.CORS
	if !cc.Enabled {
		return func(c *gin.Context) { c.Next() }
	}
	handler := cors.New(cors.Options{
		AllowedOrigins:   cc.AllowedOrigins,
		AllowedMethods:   cc.AllowedMethods,
		AllowedHeaders:   cc.AllowedHeaders,
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: false,
		MaxAge:           600,
	})
	return func(c *gin.Context) {
		handler.HandlerFunc(c.Writer, c.Request)
		if c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != "" {
			c.Abort()
			return
		}
		c.Next()
	}
}
