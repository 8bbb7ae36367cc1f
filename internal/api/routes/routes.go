package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/seva-arogya/livescribe/internal/api/handlers"
	"github.com/seva-arogya/livescribe/internal/api/middleware"
)

type Deps struct {
	Session *handlers.SessionHandler
	Admin   *handlers.AdminHandler
	WS      *handlers.WSHandler
	JWT     middleware.JWTConfig
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
}

func RegisterRoutes(r *gin.Engine, d Deps) {
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})

	var metricsHandler http.Handler
	if d.Gatherer != nil {
		metricsHandler = promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})
	} else {
		metricsHandler = promhttp.Handler()
	}
	r.GET("/metrics", gin.WrapH(metricsHandler))

	// Protected routes (JWT)
	auth := r.Group("/")
	auth.Use(middleware.JWTAuth(d.JWT))

	auth.GET("/sessions", d.Session.List)
	auth.GET("/sessions/:session_id", d.Session.Get)

	auth.GET("/admin/sessions", middleware.RequireAdmin(), d.Admin.Sessions)

	// WebSocket
	auth.GET("/ws/stream", d.WS.Stream)
}
