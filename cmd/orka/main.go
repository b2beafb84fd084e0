// Package main is the orka supervisor entry point. One process hosts
// the hook ingress, the per-agent daemons, the activity journal, the
// live log stream, and the optional MCP server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/enruana/claude-orka-sub000/internal/agent/store"
	"github.com/enruana/claude-orka-sub000/internal/agent/supervisor"
	"github.com/enruana/claude-orka-sub000/internal/common/config"
	"github.com/enruana/claude-orka-sub000/internal/common/logger"
	"github.com/enruana/claude-orka-sub000/internal/common/tracing"
	"github.com/enruana/claude-orka-sub000/internal/db"
	"github.com/enruana/claude-orka-sub000/internal/events"
	"github.com/enruana/claude-orka-sub000/internal/gateway/stream"
	"github.com/enruana/claude-orka-sub000/internal/ingress"
	"github.com/enruana/claude-orka-sub000/internal/journal"
	"github.com/enruana/claude-orka-sub000/internal/mcpserver"
	"github.com/enruana/claude-orka-sub000/internal/oracle"
	"github.com/enruana/claude-orka-sub000/internal/session"
	"github.com/enruana/claude-orka-sub000/internal/terminal"
	"github.com/enruana/claude-orka-sub000/internal/terminal/localmux"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting orka supervisor", zap.String("version", version))

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize event bus (in-memory by default, NATS if configured)
	providedBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer func() { _ = busCleanup() }()
	eventBus := providedBus.Bus
	if providedBus.NATS != nil {
		log.Info("Using NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("Using in-memory event bus")
	}

	// 5. Agent store
	storeDir, err := cfg.Store.StoreDir()
	if err != nil {
		log.Fatal("Failed to resolve store directory", zap.Error(err))
	}
	if err := os.MkdirAll(storeDir, 0o755); err != nil {
		log.Fatal("Failed to create store directory", zap.Error(err), zap.String("dir", storeDir))
	}
	agentStore := store.New(storeDir, log)
	log.Info("Agent store ready", zap.String("dir", storeDir))

	// 6. Activity journal
	pool, err := openJournalPool(cfg, storeDir)
	if err != nil {
		log.Fatal("Failed to open journal database", zap.Error(err))
	}
	defer func() { _ = pool.Close() }()

	journalStore, err := journal.New(pool, cfg.Journal.Driver, log)
	if err != nil {
		log.Fatal("Failed to initialize journal", zap.Error(err))
	}
	log.Info("Journal ready", zap.String("driver", cfg.Journal.Driver))

	// 7. Terminal adapter
	var mux terminal.Mux
	if cfg.Terminal.Driver == "local" {
		localMux := localmux.NewLocalMux(log)
		defer localMux.Shutdown()
		mux = localMux
	} else {
		mux = terminal.NewTmuxMux(log)
	}
	adapter := terminal.NewAdapter(mux, cfg.Terminal.CaptureLines, log)
	log.Info("Terminal adapter ready", zap.String("driver", cfg.Terminal.Driver))

	// 8. Decision oracle
	oracleClient, err := oracle.NewClient(cfg.Oracle, log)
	if err != nil {
		log.Fatal("Failed to initialize decision oracle", zap.Error(err))
	}

	// 9. Supervisor
	sup := supervisor.New(supervisor.Deps{
		Config:   cfg,
		Store:    agentStore,
		Journal:  journalStore,
		Bus:      eventBus,
		Adapter:  adapter,
		Oracle:   oracleClient,
		Sessions: session.NewNoopManager(),
		Log:      log,
	})
	if err := sup.Initialize(ctx); err != nil {
		log.Fatal("Failed to initialize supervisor", zap.Error(err))
	}

	// 10. Live log stream + hook ingress
	hub := stream.NewHub(eventBus, log)
	server := ingress.New(cfg.Server, version, sup, hub, log)
	serverErr := server.Start()

	// 11. Optional MCP server
	var mcpCleanup func() error
	if cfg.MCP.Enabled {
		_, cleanup, err := mcpserver.Provide(ctx, mcpserver.Config{Port: cfg.MCP.Port}, sup, log)
		if err != nil {
			log.Fatal("Failed to start MCP server", zap.Error(err))
		}
		mcpCleanup = cleanup
	}

	log.Info("orka supervisor ready",
		zap.String("ingress", fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)),
		zap.Bool("mcp", cfg.MCP.Enabled))

	// 12. Wait for a signal or a listener failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		log.Info("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			log.Error("Ingress server failed", zap.Error(err))
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Ingress shutdown error", zap.Error(err))
	}
	if mcpCleanup != nil {
		if err := mcpCleanup(); err != nil {
			log.Error("MCP server shutdown error", zap.Error(err))
		}
	}
	sup.Shutdown(shutdownCtx)
	hub.Close()

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("orka supervisor stopped")
}

// openJournalPool opens the configured journal backend. SQLite splits
// writer and reader connections for WAL concurrency; Postgres shares one
// pgx-backed pool for both.
func openJournalPool(cfg *config.Config, storeDir string) (*db.Pool, error) {
	switch cfg.Journal.Driver {
	case "pgx":
		sqlDB, err := db.OpenPostgres(cfg.Journal.DSN, cfg.Journal.MaxConns, cfg.Journal.MinConns)
		if err != nil {
			return nil, err
		}
		conn := sqlx.NewDb(sqlDB, "pgx")
		return db.NewPool(conn, conn), nil
	default:
		path := cfg.Journal.Path
		if path == "" {
			path = filepath.Join(storeDir, "journal.db")
		}
		writer, err := db.OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		reader, err := db.OpenSQLiteReader(path)
		if err != nil {
			_ = writer.Close()
			return nil, err
		}
		return db.NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3")), nil
	}
}
