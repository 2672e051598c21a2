package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_ws_connections",
		Help: "Current number of registered push connections",
	})
	MessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total number of direct messages persisted",
	})
	PushTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_push_total",
		Help: "Push attempts per connection by outcome",
	}, []string{"result"})
	NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_created_total",
		Help: "Notifications created by type",
	}, []string{"type"})
	TaskEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "task_events_consumed_total",
		Help: "Task events read from the broker by outcome",
	}, []string{"result"})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

// 推送结果标签
const (
	PushDelivered = "delivered"
	PushDropped   = "dropped"
	PushOffline   = "offline"
)

func init() {
	prometheus.MustRegister(
		WsConnections,
		MessagesTotal,
		PushTotal,
		NotificationsTotal,
		TaskEventsTotal,
		HttpRequestsTotal,
		HttpRequestDuration,
	)
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
