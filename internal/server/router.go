package server

import (
	"net/http"
	"time"

	"github.com/Arjunhubgit/Task-Manager-sub000/internal/auth"
	"github.com/Arjunhubgit/Task-Manager-sub000/internal/config"
	clog "github.com/Arjunhubgit/Task-Manager-sub000/internal/log"
	"github.com/Arjunhubgit/Task-Manager-sub000/internal/metrics"
	"github.com/Arjunhubgit/Task-Manager-sub000/internal/models"
	"github.com/Arjunhubgit/Task-Manager-sub000/internal/mw"
	"github.com/Arjunhubgit/Task-Manager-sub000/internal/ws"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const defaultLimiterTTL = 2 * time.Minute

// Deps 是路由依赖的组件，由 main 组装。
type Deps struct {
	DB         *gorm.DB
	Handler    *Handler
	Registry   *ws.Registry
	Dispatcher *ws.Dispatcher
	Limiter    *mw.IPLimiter
}

// NewLimiter 按配置创建按 IP 限流器，RPS 非正数表示不限流。
func NewLimiter(cfg config.Config) *mw.IPLimiter {
	limit := rate.Inf
	if cfg.RateLimitRPS > 0 {
		limit = rate.Limit(cfg.RateLimitRPS)
	}
	return mw.NewIPLimiter(limit, cfg.RateLimitBurst, defaultLimiterTTL)
}

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, d Deps) *gin.Engine {
	if d.Limiter == nil {
		d.Limiter = NewLimiter(cfg)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(clog.GinMiddleware())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env, cfg.CORSOrigins))
	r.Use(d.Limiter.Handler())

	r.GET("/healthz", func(c *gin.Context) {
		if sqlDB, err := d.DB.DB(); err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": d.Registry.Count()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", ws.Serve(d.Registry, d.Dispatcher, cfg.JWTSecret, cfg.WS))

	h := d.Handler
	api := r.Group("/api/v1")
	api.Use(auth.AuthMiddleware(cfg.JWTSecret, d.DB))

	api.GET("/conversations/:userId", h.ListConversations)

	msgs := api.Group("/messages")
	msgs.GET("/conversation/:conversationId", h.ListMessages)
	msgs.POST("/send", h.SendMessage)
	msgs.PUT("/read/:conversationId", h.MarkConversationRead)
	msgs.PUT("/:messageId/read", h.MarkMessageRead)
	msgs.DELETE("/clear/:conversationId", h.ClearConversation)
	msgs.DELETE("/:messageId", h.DeleteMessage)

	notes := api.Group("/notifications/:userId")
	notes.GET("", h.ListNotifications)
	notes.POST("", auth.RequireRole(models.RoleAdmin, models.RoleHost), h.CreateNotification)
	notes.DELETE("", h.DeleteAllNotifications)
	notes.PUT("/read-all", h.MarkAllNotificationsRead)
	notes.PUT("/:id/read", h.MarkNotificationRead)
	notes.DELETE("/:id", h.DeleteNotification)

	api.GET("/users/:userId", h.GetUser)
	api.PUT("/users/:userId/status", h.SetStatus)

	return r
}
