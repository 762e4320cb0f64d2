package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"tasknerd/internal/ratelimit"
	"tasknerd/internal/tracker"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"uptime":  time.Since(s.started).String(),
		"version": Version,
	})
}

// Version is stamped by the build; the default marks development binaries.
var Version = "dev"

func (s *Server) handleProjects(c *gin.Context) {
	known := s.projects.Projects()
	var transcript []tracker.ProjectUsage
	if s.deps.Tracker != nil {
		transcript = s.deps.Tracker.GetSnapshot().Projects
	}
	c.JSON(http.StatusOK, gin.H{
		"projects":   known,
		"transcript": transcript,
	})
}

func (s *Server) handleAccount(c *gin.Context) {
	summary := s.deps.Registry.GetSummary()
	c.JSON(http.StatusOK, gin.H{
		"usage":             s.deps.Rates.GetSnapshot(),
		"sessions":          summary.ByStatus,
		"recentCompletions": s.deps.Registry.RecentCompletions(),
		"dailyCompletions":  s.deps.Registry.DailyCompletions(),
	})
}

func (s *Server) handleAlerts(c *gin.Context) {
	rateAlerts := s.deps.Rates.GetAlerts()
	if rateAlerts == nil {
		rateAlerts = []ratelimit.Alert{}
	}
	var contextAlerts []tracker.ProjectUsage
	if s.deps.Tracker != nil {
		for _, p := range s.deps.Tracker.GetSnapshot().Projects {
			if p.SafetyStatus != tracker.SafetyOK {
				contextAlerts = append(contextAlerts, p)
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"rateLimits": rateAlerts,
		"context":    contextAlerts,
	})
}

func (s *Server) handleUsageLimits(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Rates.GetSnapshot())
}

func (s *Server) handleUsageRecord(c *gin.Context) {
	var req struct {
		Count int `json:"count"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.Count < 1 {
		req.Count = 1
	}
	for i := 0; i < req.Count; i++ {
		s.deps.Rates.RecordMessage()
	}
	c.JSON(http.StatusOK, s.deps.Rates.GetSnapshot())
}

func (s *Server) handleSetLimits(c *gin.Context) {
	var limits ratelimit.Limits
	if err := c.ShouldBindJSON(&limits); err != nil {
		badRequest(c, "invalid limits: "+err.Error())
		return
	}
	applied := s.deps.Rates.SetLimits(limits)
	c.JSON(http.StatusOK, gin.H{"limits": applied})
}

func (s *Server) handleUsageReset(c *gin.Context) {
	s.deps.Rates.Reset()
	c.JSON(http.StatusOK, s.deps.Rates.GetSnapshot())
}

func (s *Server) handleExecution(c *gin.Context) {
	project := projectParam(c)
	if project == "" {
		badRequest(c, "projectPath is required")
		return
	}
	exec := s.projects.Execution(project)
	if exec == nil {
		c.JSON(http.StatusNotFound, apiError{
			Code: CodeValidation, Message: "no orchestrator running for this project",
		})
		return
	}
	c.JSON(http.StatusOK, exec.ExecutionState())
}

type phaseRequest struct {
	ProjectPath string `json:"projectPath"`
	Phase       string `json:"phase"`
}

func (s *Server) handleExecutionPhase(c *gin.Context) {
	var req phaseRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Phase == "" {
		badRequest(c, "projectPath and phase are required")
		return
	}
	exec := s.projects.Execution(req.ProjectPath)
	if exec == nil {
		c.JSON(http.StatusNotFound, apiError{
			Code: CodeValidation, Message: "no orchestrator running for this project",
		})
		return
	}
	if err := exec.SetPhase(req.Phase); err != nil {
		badRequest(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, exec.ExecutionState())
}

func (s *Server) handleGetTaskPhases(c *gin.Context) {
	project := projectParam(c)
	if project == "" {
		badRequest(c, "projectPath is required")
		return
	}
	c.JSON(http.StatusOK, gin.H{"taskPhases": s.projects.TaskPhases(project)})
}

type taskPhasesRequest struct {
	ProjectPath string            `json:"projectPath"`
	TaskPhases  map[string]string `json:"taskPhases"`
}

func (s *Server) handleSetTaskPhases(c *gin.Context) {
	var req taskPhasesRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ProjectPath == "" {
		badRequest(c, "projectPath and taskPhases are required")
		return
	}
	for id, phase := range req.TaskPhases {
		s.projects.SetTaskPhase(req.ProjectPath, id, phase)
	}
	c.JSON(http.StatusOK, gin.H{"taskPhases": s.projects.TaskPhases(req.ProjectPath)})
}
