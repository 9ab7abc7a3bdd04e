// Package api exposes the webhook ingress and the read-only operator surface.
package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"signal-router/internal/dispatch"
	"signal-router/internal/events"
	"signal-router/internal/monitor"
	"signal-router/internal/registry"
	"signal-router/pkg/db"
)

// Server wires HTTP endpoints around the dispatcher and the store.
type Server struct {
	Router     *gin.Engine
	Store      *db.Store
	Dispatcher *dispatch.Dispatcher
	Registry   *registry.Registry
	Bus        *events.Bus
	Metrics    *monitor.Metrics
	Meta       SystemMeta
}

// SystemMeta describes runtime status exposed on /api/system/status.
type SystemMeta struct {
	Version     string
	MockMode    bool
	Testnet     bool
	StartedAt   time.Time
	DBPath      string
	WebhookPath string
}

func NewServer(store *db.Store, dispatcher *dispatch.Dispatcher, reg *registry.Registry, bus *events.Bus, metrics *monitor.Metrics, meta SystemMeta) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(metrics))
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:     r,
		Store:      store,
		Dispatcher: dispatcher,
		Registry:   reg,
		Bus:        bus,
		Metrics:    metrics,
		Meta:       meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)
	s.Router.POST("/webhook", s.webhook)

	api := s.Router.Group("/api")
	{
		api.GET("/system/status", s.getSystemStatus)
		api.GET("/metrics", s.getMetrics)
		api.GET("/strategies", s.getStrategies)
		api.GET("/accounts", s.getAccounts)
		api.POST("/accounts/:id/enable", s.enableAccount)
		api.GET("/orders", s.getOrders)
		api.GET("/positions", s.getPositions)
		api.GET("/trades", s.getTrades)
		api.GET("/failed-orders", s.getFailedOrders)
	}
}
