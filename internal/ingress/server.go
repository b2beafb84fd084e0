// Package ingress is the loopback HTTP surface: assistant hooks POST
// here, and operators read agent state, logs, and journals or stream
// live activity over WebSocket.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/enruana/claude-orka-sub000/internal/agent"
	"github.com/enruana/claude-orka-sub000/internal/agent/machine"
	"github.com/enruana/claude-orka-sub000/internal/agent/store"
	"github.com/enruana/claude-orka-sub000/internal/common/config"
	"github.com/enruana/claude-orka-sub000/internal/common/httpmw"
	"github.com/enruana/claude-orka-sub000/internal/common/logger"
	"github.com/enruana/claude-orka-sub000/internal/journal"
	"github.com/enruana/claude-orka-sub000/internal/oracle"
)

const serviceName = "orka"

// Control is the supervisor surface the ingress drives. The concrete
// implementation is *supervisor.Supervisor.
type Control interface {
	HandleHookEvent(ctx context.Context, agentID string, ev *agent.HookEvent) error
	ListAgents(ctx context.Context) ([]agent.Agent, error)
	GetAgent(ctx context.Context, id string) (*agent.Agent, error)
	CreateAgent(ctx context.Context, name, masterPrompt string, opts store.CreateOptions) (*agent.Agent, error)
	UpdateAgent(ctx context.Context, id string, patch store.UpdatePatch) (*agent.Agent, error)
	ConnectAgent(ctx context.Context, id string, conn agent.Connection) (*agent.Agent, error)
	DisconnectAgent(ctx context.Context, id string) (*agent.Agent, error)
	DeleteAgent(ctx context.Context, id string) (bool, error)
	Instruct(ctx context.Context, agentID, text string) (*oracle.Decision, error)
	AgentLogs(agentID string, n int) []agent.LogEntry
	AgentJournal(ctx context.Context, id string, limit int) ([]journal.Entry, error)
	GuardState(agentID string) (machine.GuardState, bool)
	DaemonRunning(agentID string) bool
}

// LogStreamer serves the live WebSocket tail for one agent.
type LogStreamer interface {
	Serve(w http.ResponseWriter, r *http.Request, agentID string, backlog []agent.LogEntry) error
}

// Server hosts the hook ingress and management API.
type Server struct {
	cfg     config.ServerConfig
	version string
	ctrl    Control
	stream  LogStreamer
	log     *logger.Logger

	engine *gin.Engine
	srv    *http.Server
}

// New builds the server. stream may be nil, in which case the live tail
// endpoint reports the feature unavailable.
func New(cfg config.ServerConfig, version string, ctrl Control, stream LogStreamer, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:     cfg,
		version: version,
		ctrl:    ctrl,
		stream:  stream,
		log:     log.WithFields(zap.String("component", "ingress")),
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpmw.RequestLogger(log, serviceName, "/api/health"))
	engine.Use(httpmw.OtelTracing(serviceName))
	s.registerRoutes(engine)
	s.engine = engine

	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           engine,
		ReadHeaderTimeout: cfg.ReadTimeoutDuration(),
		WriteTimeout:      cfg.WriteTimeoutDuration(),
	}
	return s
}

func (s *Server) registerRoutes(engine *gin.Engine) {
	api := engine.Group("/api")
	api.GET("/health", s.handleHealth)

	api.POST("/hooks", s.handleHookDiagnostic)
	api.POST("/hooks/:agentId", s.handleHook)

	agents := api.Group("/agents")
	agents.GET("", s.handleListAgents)
	agents.POST("", s.handleCreateAgent)
	agents.GET("/:agentId", s.handleGetAgent)
	agents.PATCH("/:agentId", s.handleUpdateAgent)
	agents.DELETE("/:agentId", s.handleDeleteAgent)
	agents.POST("/:agentId/connect", s.handleConnectAgent)
	agents.POST("/:agentId/disconnect", s.handleDisconnectAgent)
	agents.GET("/:agentId/logs", s.handleAgentLogs)
	agents.GET("/:agentId/logs/stream", s.handleLogStream)
	agents.GET("/:agentId/journal", s.handleAgentJournal)
	agents.POST("/:agentId/instruct", s.handleInstruct)
}

// Start begins serving. The returned channel yields the listener error,
// or nothing on clean shutdown.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("ingress listening", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown drains in-flight requests and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the route tree for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": serviceName,
		"version": s.version,
	})
}
