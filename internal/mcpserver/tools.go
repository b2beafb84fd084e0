package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/enruana/claude-orka-sub000/internal/agent"
	"github.com/enruana/claude-orka-sub000/internal/agent/machine"
	"github.com/enruana/claude-orka-sub000/internal/agent/store"
	"github.com/enruana/claude-orka-sub000/internal/common/logger"
	"github.com/enruana/claude-orka-sub000/internal/oracle"
)

// Control is the supervisor surface the MCP tools call. Unlike the
// ingress this is the read-and-instruct subset; agent lifecycle stays on
// the HTTP API.
type Control interface {
	ListAgents(ctx context.Context) ([]agent.Agent, error)
	GetAgent(ctx context.Context, id string) (*agent.Agent, error)
	AgentLogs(agentID string, n int) []agent.LogEntry
	Instruct(ctx context.Context, agentID, text string) (*oracle.Decision, error)
	GuardState(agentID string) (machine.GuardState, bool)
	DaemonRunning(agentID string) bool
}

func registerTools(s *server.MCPServer, ctrl Control, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("list_agents",
			mcp.WithDescription("List all supervised agents with their status and session binding. Use this first to get agent IDs for other operations."),
		),
		listAgentsHandler(ctrl, log),
	)

	s.AddTool(
		mcp.NewTool("get_agent",
			mcp.WithDescription("Get one agent's full record, including its connection, subscription set, and processing state."),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("The agent ID to look up"),
			),
		),
		getAgentHandler(ctrl, log),
	)

	s.AddTool(
		mcp.NewTool("get_agent_logs",
			mcp.WithDescription("Read recent activity log entries for an agent, oldest first."),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("The agent ID to read logs from"),
			),
			mcp.WithString("limit",
				mcp.Description("Maximum number of entries to return (default 50)"),
			),
		),
		getAgentLogsHandler(ctrl, log),
	)

	s.AddTool(
		mcp.NewTool("send_instruction",
			mcp.WithDescription(
				"Send a human instruction to a supervised agent. The instruction is combined with "+
					"the agent's current terminal contents and the resulting decision (respond, approve, "+
					"compact, ...) is executed against the session. Returns the decision taken."),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("The agent ID to instruct"),
			),
			mcp.WithString("text",
				mcp.Required(),
				mcp.Description("The instruction text"),
			),
		),
		sendInstructionHandler(ctrl, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 4))
}

func listAgentsHandler(ctrl Control, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agents, err := ctrl.ListAgents(ctx)
		if err != nil {
			log.Error("failed to list agents", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to list agents: %v", err)), nil
		}

		summaries := make([]map[string]any, 0, len(agents))
		for i := range agents {
			a := &agents[i]
			summary := map[string]any{
				"id":            a.ID,
				"name":          a.Name,
				"status":        a.Status,
				"hookEvents":    a.HookEvents,
				"daemonRunning": ctrl.DaemonRunning(a.ID),
			}
			if a.Connection != nil {
				summary["sessionId"] = a.Connection.SessionID
				summary["projectPath"] = a.Connection.ProjectPath
			}
			summaries = append(summaries, summary)
		}
		return jsonResult(summaries)
	}
}

func getAgentHandler(ctrl Control, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		a, err := ctrl.GetAgent(ctx, agentID)
		if err != nil {
			if errors.Is(err, store.ErrAgentNotFound) {
				return mcp.NewToolResultError(fmt.Sprintf("No agent with id %q", agentID)), nil
			}
			log.Error("failed to get agent", zap.String("agent_id", agentID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to get agent: %v", err)), nil
		}

		out := map[string]any{
			"agent":         a,
			"daemonRunning": ctrl.DaemonRunning(agentID),
		}
		if guard, ok := ctrl.GuardState(agentID); ok {
			out["guard"] = guard
		}
		return jsonResult(out)
	}
}

func getAgentLogsHandler(ctrl Control, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if _, err := ctrl.GetAgent(ctx, agentID); err != nil {
			if errors.Is(err, store.ErrAgentNotFound) {
				return mcp.NewToolResultError(fmt.Sprintf("No agent with id %q", agentID)), nil
			}
			return mcp.NewToolResultError(fmt.Sprintf("Failed to get agent: %v", err)), nil
		}

		limit := 50
		if raw := req.GetString("limit", ""); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				limit = n
			}
		}
		entries := ctrl.AgentLogs(agentID, limit)
		return jsonResult(map[string]any{
			"agentId": agentID,
			"count":   len(entries),
			"logs":    entries,
		})
	}
}

func sendInstructionHandler(ctrl Control, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		text, err := req.RequireString("text")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		decision, err := ctrl.Instruct(ctx, agentID, text)
		if err != nil {
			switch {
			case errors.Is(err, store.ErrAgentNotFound):
				return mcp.NewToolResultError(fmt.Sprintf("No agent with id %q", agentID)), nil
			case errors.Is(err, machine.ErrBusy):
				return mcp.NewToolResultError("Agent is busy processing another event; try again shortly"), nil
			default:
				log.Error("instruction failed", zap.String("agent_id", agentID), zap.Error(err))
				return mcp.NewToolResultError(fmt.Sprintf("Instruction failed: %v", err)), nil
			}
		}
		return jsonResult(map[string]any{
			"agentId":  agentID,
			"decision": decision,
		})
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(formatted)), nil
}
