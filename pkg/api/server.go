// Package api is the read surface over coordination sessions: REST
// endpoints for session state and journal pages, plus a websocket stream
// that replays missed events before following the live bus.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/massgen-ai/massgen/pkg/config"
	"github.com/massgen-ai/massgen/pkg/events"
	"github.com/massgen-ai/massgen/pkg/session"
	"github.com/massgen-ai/massgen/pkg/store"
)

// Server serves the observation API. The store is its source of truth; the
// session manager, when present, adds live streaming, task submission, and
// cancellation on top.
type Server struct {
	cfg     *config.APIConfig
	store   store.Store
	manager *session.Manager
	bridge  *events.Bridge
	logger  *slog.Logger

	httpSrv *http.Server
}

// NewServer wires the routes. The store is required. manager may be nil
// for a read-only deployment: submission and cancellation then answer 503
// and websocket streams serve journal history only.
func NewServer(cfg *config.APIConfig, st store.Store, manager *session.Manager, logger *slog.Logger) *Server {
	// A nil *session.Manager must stay a nil interface, or the bridge
	// would call Attach on a nil receiver.
	var live events.LiveSource
	if manager != nil {
		live = manager
	}

	s := &Server{
		cfg:     cfg,
		store:   st,
		manager: manager,
		bridge:  events.NewBridge(st, live, logger),
		logger:  logger.With("component", "api"),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger(), securityHeaders())

	v1 := router.Group("/api/v1")
	v1.GET("/healthz", s.healthHandler)
	v1.GET("/version", s.versionHandler)
	v1.GET("/sessions", s.listSessionsHandler)
	v1.POST("/sessions", s.submitSessionHandler)
	v1.GET("/sessions/:id", s.getSessionHandler)
	v1.POST("/sessions/:id/cancel", s.cancelSessionHandler)
	v1.GET("/sessions/:id/events", s.listEventsHandler)
	v1.GET("/sessions/:id/ws", s.wsHandler)

	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the route tree; tests serve it through httptest.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start serves until Shutdown or a listener error. It returns
// http.ErrServerClosed after a clean shutdown, like net/http.
func (s *Server) Start() error {
	s.logger.Info("observation api listening", "addr", s.cfg.Addr)
	return s.httpSrv.ListenAndServe()
}

// Shutdown stops accepting connections and drains in-flight requests,
// bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
