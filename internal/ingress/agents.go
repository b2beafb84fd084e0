package ingress

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/enruana/claude-orka-sub000/internal/agent"
	"github.com/enruana/claude-orka-sub000/internal/agent/machine"
	"github.com/enruana/claude-orka-sub000/internal/agent/store"
	"github.com/enruana/claude-orka-sub000/internal/agent/supervisor"
)

type createAgentRequest struct {
	Name         string                  `json:"name" binding:"required"`
	MasterPrompt string                  `json:"masterPrompt" binding:"required"`
	HookEvents   []agent.EventType       `json:"hookEvents"`
	AutoApprove  bool                    `json:"autoApprove"`
	Telegram     *agent.TelegramConfig   `json:"telegram"`
	Watchdog     *agent.WatchdogSettings `json:"watchdog"`
}

type updateAgentRequest struct {
	Name         *string                 `json:"name"`
	MasterPrompt *string                 `json:"masterPrompt"`
	HookEvents   *[]agent.EventType      `json:"hookEvents"`
	AutoApprove  *bool                   `json:"autoApprove"`
	Telegram     *agent.TelegramConfig   `json:"telegram"`
	Watchdog     *agent.WatchdogSettings `json:"watchdog"`
}

type instructRequest struct {
	Text string `json:"text" binding:"required"`
}

func (s *Server) handleListAgents(c *gin.Context) {
	agents, err := s.ctrl.ListAgents(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents, "count": len(agents)})
}

func (s *Server) handleGetAgent(c *gin.Context) {
	id := c.Param("agentId")
	a, err := s.ctrl.GetAgent(c.Request.Context(), id)
	if err != nil {
		s.agentError(c, id, err)
		return
	}

	resp := gin.H{
		"agent":         a,
		"daemonRunning": s.ctrl.DaemonRunning(id),
	}
	if guard, ok := s.ctrl.GuardState(id); ok {
		resp["guard"] = guard
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleCreateAgent(c *gin.Context) {
	var req createAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	a, err := s.ctrl.CreateAgent(c.Request.Context(), req.Name, req.MasterPrompt, store.CreateOptions{
		HookEvents:  req.HookEvents,
		AutoApprove: req.AutoApprove,
		Telegram:    req.Telegram,
		Watchdog:    req.Watchdog,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"agent": a})
}

func (s *Server) handleUpdateAgent(c *gin.Context) {
	id := c.Param("agentId")
	var req updateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	a, err := s.ctrl.UpdateAgent(c.Request.Context(), id, store.UpdatePatch{
		Name:         req.Name,
		MasterPrompt: req.MasterPrompt,
		HookEvents:   req.HookEvents,
		AutoApprove:  req.AutoApprove,
		Telegram:     req.Telegram,
		Watchdog:     req.Watchdog,
	})
	if err != nil {
		s.agentError(c, id, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": a})
}

func (s *Server) handleDeleteAgent(c *gin.Context) {
	id := c.Param("agentId")
	deleted, err := s.ctrl.DeleteAgent(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found", "agentId": id})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "agentId": id})
}

func (s *Server) handleConnectAgent(c *gin.Context) {
	id := c.Param("agentId")
	var conn agent.Connection
	if err := c.ShouldBindJSON(&conn); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if conn.ProjectPath == "" || conn.SessionID == "" || conn.PaneID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "projectPath, sessionId and paneId are required"})
		return
	}

	a, err := s.ctrl.ConnectAgent(c.Request.Context(), id, conn)
	if err != nil {
		if errors.Is(err, supervisor.ErrHookInstall) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		s.agentError(c, id, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": a})
}

func (s *Server) handleDisconnectAgent(c *gin.Context) {
	id := c.Param("agentId")
	a, err := s.ctrl.DisconnectAgent(c.Request.Context(), id)
	if err != nil {
		s.agentError(c, id, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": a})
}

func (s *Server) handleAgentLogs(c *gin.Context) {
	id := c.Param("agentId")
	if _, err := s.ctrl.GetAgent(c.Request.Context(), id); err != nil {
		s.agentError(c, id, err)
		return
	}

	limit := queryInt(c, "limit", 0)
	entries := s.ctrl.AgentLogs(id, limit)
	c.JSON(http.StatusOK, gin.H{"agentId": id, "logs": entries, "count": len(entries)})
}

func (s *Server) handleAgentJournal(c *gin.Context) {
	id := c.Param("agentId")
	if _, err := s.ctrl.GetAgent(c.Request.Context(), id); err != nil {
		s.agentError(c, id, err)
		return
	}

	limit := queryInt(c, "limit", 50)
	entries, err := s.ctrl.AgentJournal(c.Request.Context(), id, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agentId": id, "entries": entries, "count": len(entries)})
}

func (s *Server) handleInstruct(c *gin.Context) {
	id := c.Param("agentId")
	var req instructRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	decision, err := s.ctrl.Instruct(c.Request.Context(), id, req.Text)
	if err != nil {
		if errors.Is(err, machine.ErrBusy) {
			c.JSON(http.StatusConflict, gin.H{"error": "agent is busy processing another event"})
			return
		}
		s.agentError(c, id, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agentId": id, "decision": decision})
}

// handleLogStream upgrades to WebSocket and follows the agent's log
// ring live, after replaying the buffered tail.
func (s *Server) handleLogStream(c *gin.Context) {
	id := c.Param("agentId")
	if _, err := s.ctrl.GetAgent(c.Request.Context(), id); err != nil {
		s.agentError(c, id, err)
		return
	}
	if s.stream == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "log streaming is not enabled"})
		return
	}

	backlog := s.ctrl.AgentLogs(id, 0)
	if err := s.stream.Serve(c.Writer, c.Request, id, backlog); err != nil {
		// the upgrader has already written its own error response
		s.log.WithAgentID(id).WithError(err).Debug("log stream ended with error")
	}
	c.Abort()
}

// agentError maps supervisor errors onto HTTP statuses, keeping the 404
// contract for unknown agents.
func (s *Server) agentError(c *gin.Context, id string, err error) {
	if errors.Is(err, store.ErrAgentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found", "agentId": id})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func queryInt(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
