package ingress

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/enruana/claude-orka-sub000/internal/agent"
	"github.com/enruana/claude-orka-sub000/internal/agent/store"
)

// maxHookBody bounds a hook POST. Payloads carry a few identifiers plus
// tool input, never megabytes.
const maxHookBody = 1 << 20

// handleHook receives one assistant hook delivery and hands it to the
// supervisor. The reply is 200 even when the supervisor filters the
// event out downstream; only an unknown agent (404) and a local failure
// (500) differ, so a misconfigured hook never stalls the assistant.
func (s *Server) handleHook(c *gin.Context) {
	agentID := c.Param("agentId")

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxHookBody))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read request body"})
		return
	}

	ev := normalizeEvent(agentID, body)
	s.log.WithAgentID(agentID).Debug("hook delivery",
		zap.String("event_type", string(ev.EventType)),
		zap.Int("bytes", len(body)))

	if err := s.ctrl.HandleHookEvent(c.Request.Context(), agentID, ev); err != nil {
		if errors.Is(err, store.ErrAgentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found", "agentId": agentID})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     "received",
		"agentId":    agentID,
		"eventType":  ev.EventType,
		"receivedAt": ev.ReceivedAt,
	})
}

// handleHookDiagnostic echoes a hook payload back without dispatching
// it, for probing the curl command by hand.
func (s *Server) handleHookDiagnostic(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxHookBody))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read request body"})
		return
	}

	var echo any
	if err := json.Unmarshal(body, &echo); err != nil {
		echo = string(body)
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     "diagnostic",
		"receivedAt": time.Now().UTC(),
		"body":       echo,
	})
}

// normalizeEvent maps an assistant hook payload onto the internal event
// shape. Unknown or missing event names fall back to Stop, and a body
// that is not JSON at all is preserved raw, so a hook delivery is never
// rejected for its shape.
func normalizeEvent(agentID string, body []byte) *agent.HookEvent {
	now := time.Now().UTC()
	ev := &agent.HookEvent{
		AgentID:    agentID,
		EventType:  agent.EventStop,
		OccurredAt: now,
		ReceivedAt: now,
	}

	payload := map[string]any{}
	if err := json.Unmarshal(body, &payload); err != nil {
		if len(body) > 0 {
			ev.Data = map[string]any{"raw": string(body)}
		}
		return ev
	}

	name, _ := payload["hook_event_name"].(string)
	if name == "" {
		name, _ = payload["event_type"].(string)
	}
	if name != "" {
		ev.EventType = agent.ParseEventType(name)
	}

	if v, _ := payload["session_id"].(string); v != "" {
		ev.AssistantSessionID = v
	}
	if v, _ := payload["cwd"].(string); v != "" {
		ev.ProjectPath = v
	}

	data := map[string]any{}
	for _, key := range []string{"trigger", "source", "reason", "tool_name", "tool_input", "message"} {
		if v, ok := payload[key]; ok {
			data[key] = v
		}
	}
	if len(data) > 0 {
		ev.Data = data
	}
	return ev
}
