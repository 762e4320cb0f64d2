package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"tasknerd/internal/claims"
	"tasknerd/internal/task"
)

// projectParam pulls the projectPath query or body field every task endpoint
// requires for routing.
func projectParam(c *gin.Context) string {
	if p := c.Query("projectPath"); p != "" {
		return p
	}
	return c.GetHeader("X-Project-Path")
}

func (s *Server) managerFor(c *gin.Context) (*task.Manager, bool) {
	project := projectParam(c)
	if project == "" {
		badRequest(c, "projectPath is required")
		return nil, false
	}
	m, err := s.projects.Manager(project)
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	return m, true
}

func (s *Server) handleListTasks(c *gin.Context) {
	m, ok := s.managerFor(c)
	if !ok {
		return
	}
	if c.Query("ready") == "true" {
		tasks, err := m.GetReadyTasks(task.Filter{
			Phase:    c.Query("phase"),
			Backlog:  task.Tier(c.Query("backlog")),
			Priority: task.Priority(c.Query("priority")),
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"tasks": tasks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": m.ListTasks()})
}

func (s *Server) handleCreateTask(c *gin.Context) {
	m, ok := s.managerFor(c)
	if !ok {
		return
	}
	var spec task.Spec
	if err := c.ShouldBindJSON(&spec); err != nil {
		badRequest(c, "invalid task spec: "+err.Error())
		return
	}
	created, err := m.CreateTask(spec)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) handleGetTask(c *gin.Context) {
	m, ok := s.managerFor(c)
	if !ok {
		return
	}
	t, err := m.GetTask(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

type statusRequest struct {
	Status     string               `json:"status"`
	Completion *task.CompletionMeta `json:"completion,omitempty"`
}

func (s *Server) handleTaskStatus(c *gin.Context) {
	m, ok := s.managerFor(c)
	if !ok {
		return
	}
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid status request: "+err.Error())
		return
	}
	t, err := m.UpdateStatus(c.Param("id"), task.Status(req.Status), req.Completion)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) coordinator(c *gin.Context) (*claims.Coordinator, bool) {
	if s.deps.Coordinator == nil {
		c.JSON(http.StatusServiceUnavailable, apiError{
			Code: CodeDBUnavailable, Message: "claim coordination is not enabled",
		})
		return nil, false
	}
	return s.deps.Coordinator, true
}

type claimRequest struct {
	SessionID    string `json:"sessionId"`
	TTLMs        int64  `json:"ttlMs,omitempty"`
	Pattern      string `json:"pattern,omitempty"`
	SubtaskCount int    `json:"subtaskCount,omitempty"`
	AgentType    string `json:"agentType,omitempty"`
}

func (s *Server) handleClaim(c *gin.Context) {
	coord, ok := s.coordinator(c)
	if !ok {
		return
	}
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid claim request: "+err.Error())
		return
	}
	if req.SessionID == "" {
		badRequest(c, "sessionId is required")
		return
	}
	claim, err := coord.Claim(c.Param("id"), req.SessionID, claims.Options{
		TTLMs:        req.TTLMs,
		Pattern:      req.Pattern,
		SubtaskCount: req.SubtaskCount,
		AgentType:    req.AgentType,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	s.metrics.claimsAcquired.Inc()
	c.JSON(http.StatusOK, gin.H{"claimed": true, "claim": claim})
}

type releaseRequest struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

func (s *Server) handleRelease(c *gin.Context) {
	coord, ok := s.coordinator(c)
	if !ok {
		return
	}
	var req releaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid release request: "+err.Error())
		return
	}
	if err := coord.Release(c.Param("id"), req.SessionID, req.Reason); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": true})
}

type heartbeatRequest struct {
	SessionID string `json:"sessionId"`
	TTLMs     int64  `json:"ttlMs,omitempty"`
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	coord, ok := s.coordinator(c)
	if !ok {
		return
	}
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid heartbeat request: "+err.Error())
		return
	}
	ttl := claims.DefaultTTL
	if req.TTLMs > 0 {
		ttl = time.Duration(req.TTLMs) * time.Millisecond
	}
	if err := coord.Refresh(c.Param("id"), req.SessionID, ttl); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refreshed": true})
}

func (s *Server) handleInFlight(c *gin.Context) {
	coord, ok := s.coordinator(c)
	if !ok {
		return
	}
	active, err := coord.GetActiveClaims()
	if err != nil {
		writeError(c, err)
		return
	}
	stats, err := coord.GetClaimStats()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"claims": active, "stats": stats})
}

func (s *Server) handleClaimsCleanup(c *gin.Context) {
	coord, ok := s.coordinator(c)
	if !ok {
		return
	}
	expired, err := coord.CleanupExpired()
	if err != nil {
		writeError(c, err)
		return
	}
	orphaned, err := coord.CleanupOrphaned(s.deps.Registry.LiveSessionIDs())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"expired": expired, "orphaned": orphaned})
}
