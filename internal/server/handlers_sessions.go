package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"tasknerd/internal/registry"
)

func sessionID(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		badRequest(c, "session id must be an integer")
		return 0, false
	}
	return id, true
}

func (s *Server) handleRegisterSession(c *gin.Context) {
	var req registry.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid register request: "+err.Error())
		return
	}
	sess, err := s.deps.Registry.Register(req)
	if err != nil {
		writeError(c, err)
		return
	}
	s.metrics.sessionsRegistered.Inc()
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleUpdateSession(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	var req registry.UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid update request: "+err.Error())
		return
	}
	sess, err := s.deps.Registry.Update(id, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleSessionStatus(status registry.Status) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := sessionID(c)
		if !ok {
			return
		}
		sess, err := s.deps.Registry.SetStatus(id, status)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, sess)
	}
}

func (s *Server) handleEndSession(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	sess, err := s.deps.Registry.End(id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

type endByClaudeIDRequest struct {
	ClaudeSessionID string `json:"claudeSessionId"`
}

func (s *Server) handleEndByClaudeID(c *gin.Context) {
	var req endByClaudeIDRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ClaudeSessionID == "" {
		badRequest(c, "claudeSessionId is required")
		return
	}
	sess, err := s.deps.Registry.EndByAgentSessionID(req.ClaudeSessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleGetSession(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	sess, err := s.deps.Registry.Get(id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleSessionSummary(c *gin.Context) {
	if c.Query("hierarchy") == "true" {
		c.JSON(http.StatusOK, s.deps.Registry.GetSummaryWithHierarchy())
		return
	}
	c.JSON(http.StatusOK, s.deps.Registry.GetSummary())
}

// sessionNode is one entry in a per-session hierarchy view.
type sessionNode struct {
	Session  *registry.Session `json:"session"`
	Children []sessionNode     `json:"children,omitempty"`
}

func (s *Server) handleSessionHierarchy(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	node, err := s.sessionTree(id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, node)
}

func (s *Server) sessionTree(id int) (sessionNode, error) {
	sess, err := s.deps.Registry.Get(id)
	if err != nil {
		return sessionNode{}, err
	}
	node := sessionNode{Session: sess}
	for _, child := range s.deps.Registry.Children(id) {
		childNode, err := s.sessionTree(child)
		if err != nil {
			continue
		}
		node.Children = append(node.Children, childNode)
	}
	return node, nil
}
