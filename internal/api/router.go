package api

import (
	"net/http"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/d60-Lab/notification-service/config"
	_ "github.com/d60-Lab/notification-service/docs"
	"github.com/d60-Lab/notification-service/internal/api/handler"
	"github.com/d60-Lab/notification-service/pkg/middleware"
)

// SetupRouter 注册路由
func SetupRouter(cfg *config.Config, h *handler.Handler) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())
	r.Use(gzip.Gzip(gzip.DefaultCompression))
	if cfg.Tracing.Enabled {
		r.Use(otelgin.Middleware(cfg.Tracing.ServiceName))
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "notification"})
	})
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	v1 := r.Group("/api/v1")
	v1.Use(middleware.RateLimit(cfg.RateLimit.RPS, cfg.RateLimit.Burst))
	v1.Use(middleware.JWTAuth(cfg.JWT.Secret))
	{
		n := v1.Group("/notifications")
		n.GET("", h.ListNotifications)
		n.GET("/unread-count", h.UnreadCount)
		n.PUT("/:id/read", h.MarkRead)
		n.PUT("/read-all", h.MarkAllRead)
	}
	return r
}
