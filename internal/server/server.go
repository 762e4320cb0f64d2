// Package server implements the control plane: a gin HTTP API over the task
// store, claim coordinator, session registry, context tracker, and rate-limit
// tracker, plus an SSE event stream, a WebSocket fleet feed, and Prometheus
// metrics. Reads are snapshots; writes go through the owning component.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/net/netutil"

	"tasknerd/internal/claims"
	"tasknerd/internal/config"
	"tasknerd/internal/events"
	"tasknerd/internal/logging"
	"tasknerd/internal/ratelimit"
	"tasknerd/internal/registry"
	"tasknerd/internal/tracker"
)

// Deps are the subsystems the control plane fronts. Coordinator and Tracker
// may be nil (monitor-only deployments without a claims DB or transcripts);
// the corresponding endpoints then return 503.
type Deps struct {
	Bus         *events.Bus
	Registry    *registry.Registry
	Coordinator *claims.Coordinator
	Tracker     *tracker.Tracker
	Rates       *ratelimit.Tracker
}

// Server is the HTTP control plane.
type Server struct {
	cfg      *config.Config
	deps     Deps
	projects *projectTable
	hub      *hub
	metrics  *metricSet
	engine   *gin.Engine
	httpSrv  *http.Server
	log      *logging.Logger
	started  time.Time
}

// New assembles the router. Start binds the port.
func New(cfg *config.Config, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg:      cfg,
		deps:     deps,
		projects: newProjectTable(deps.Bus),
		metrics:  newMetricSet(),
		log:      logging.Get(logging.CategoryServer),
		started:  time.Now(),
	}
	s.hub = newHub(deps.Bus, s.metrics)

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(s.requestLog())
	engine.Use(cors.New(corsConfig(cfg.Server.AllowedOrigins)))

	s.routes(engine)
	s.engine = engine
	return s
}

// Projects returns the per-project routing table for cmd-level wiring.
func (s *Server) Projects() *projectTable { return s.projects }

// Handler returns the assembled router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Start binds the configured port and serves until Shutdown. The listener is
// capped at max_connections accepted connections. A bind failure is fatal to
// the caller.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", addr, err)
	}
	if max := s.cfg.Server.MaxConnections; max > 0 {
		ln = netutil.LimitListener(ln, max)
	}

	s.hub.Start()
	s.httpSrv = &http.Server{Handler: s.engine}
	s.log.Info("Control plane listening on %s", addr)

	if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops intake, drains in-flight requests, and closes the hub and
// any store managers the server opened itself.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}
	s.hub.Stop()
	s.projects.CloseAll()
	return err
}

func corsConfig(origins []string) cors.Config {
	c := cors.DefaultConfig()
	c.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	c.AllowHeaders = []string{"Origin", "Content-Type", "Accept"}
	if len(origins) == 0 {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = origins
	}
	return c
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.metrics.httpRequests.WithLabelValues(c.Request.Method, fmt.Sprintf("%d", c.Writer.Status())).Inc()
		s.log.Debug("%s %s -> %d (%v)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

func (s *Server) routes(e *gin.Engine) {
	api := e.Group("/api")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/projects", s.handleProjects)
		api.GET("/account", s.handleAccount)
		api.GET("/alerts", s.handleAlerts)

		api.GET("/tasks", s.handleListTasks)
		api.POST("/tasks", s.handleCreateTask)
		api.GET("/tasks/in-flight", s.handleInFlight)
		api.POST("/tasks/claims/cleanup", s.handleClaimsCleanup)
		api.GET("/tasks/:id", s.handleGetTask)
		api.POST("/tasks/:id/status", s.handleTaskStatus)
		api.POST("/tasks/:id/claim", s.handleClaim)
		api.POST("/tasks/:id/release", s.handleRelease)
		api.POST("/tasks/:id/claim/heartbeat", s.handleHeartbeat)

		api.POST("/sessions/register", s.handleRegisterSession)
		api.GET("/sessions/summary", s.handleSessionSummary)
		api.POST("/sessions/end-by-claude-id", s.handleEndByClaudeID)
		api.GET("/sessions/:id", s.handleGetSession)
		api.GET("/sessions/:id/hierarchy", s.handleSessionHierarchy)
		api.POST("/sessions/:id/update", s.handleUpdateSession)
		api.POST("/sessions/:id/pause", s.handleSessionStatus(registry.StatusPaused))
		api.POST("/sessions/:id/resume", s.handleSessionStatus(registry.StatusActive))
		api.POST("/sessions/:id/end", s.handleEndSession)

		api.GET("/usage/limits", s.handleUsageLimits)
		api.POST("/usage/record", s.handleUsageRecord)
		api.POST("/usage/limits", s.handleSetLimits)
		api.POST("/usage/reset", s.handleUsageReset)

		api.GET("/execution", s.handleExecution)
		api.POST("/execution/phase", s.handleExecutionPhase)
		api.GET("/execution/taskPhases", s.handleGetTaskPhases)
		api.POST("/execution/taskPhases", s.handleSetTaskPhases)

		api.GET("/events", s.handleSSE)
	}
	e.GET("/ws/fleet", s.hub.handleWS)
	e.GET("/metrics", gin.WrapH(s.metrics.handler()))
}
