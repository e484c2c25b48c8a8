// Vrabby backend: queues CLI coding-agent runs per project and streams
// transcripts over WebSocket.
//
// One process hosts everything: the SQL-backed project and message stores,
// the per-project run orchestrators, the subscription hub, and the HTTP/WS
// gateway. The event bus is in-memory unless NATS is configured.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vrabby/vrabby/internal/agent"
	"github.com/vrabby/vrabby/internal/common/config"
	"github.com/vrabby/vrabby/internal/common/logger"
	"github.com/vrabby/vrabby/internal/common/tracing"
	"github.com/vrabby/vrabby/internal/db"
	"github.com/vrabby/vrabby/internal/events/bus"
	"github.com/vrabby/vrabby/internal/gateway"
	"github.com/vrabby/vrabby/internal/hub"
	"github.com/vrabby/vrabby/internal/message"
	"github.com/vrabby/vrabby/internal/orchestrator"
	"github.com/vrabby/vrabby/internal/project"
	"github.com/vrabby/vrabby/internal/prompt"
	"github.com/vrabby/vrabby/internal/session"
	"github.com/vrabby/vrabby/internal/tracker"
)

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

	log.Info("Starting Vrabby...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize event bus (in-memory unless NATS is configured)
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsEventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsEventBus
		log.Info("Connected to NATS event bus")
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	// ============================================
	// STORES
	// ============================================
	log.Info("Initializing stores...", zap.String("driver", cfg.Database.Driver))

	pool, err := db.Open(db.Config{
		Driver:      cfg.Database.Driver,
		SQLitePath:  cfg.Database.SQLitePath,
		PostgresDSN: cfg.Database.DSN(),
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
	})
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err), zap.String("driver", cfg.Database.Driver))
	}
	defer pool.Close()

	projects, err := project.NewSQLStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize project store", zap.Error(err))
	}
	messages, err := message.NewSQLStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize message store", zap.Error(err))
	}
	sessions := session.NewStore()
	log.Info("Stores initialized")

	// ============================================
	// AGENT REGISTRY
	// ============================================
	log.Info("Initializing agent registry...")

	overrides, err := agent.LoadOverrides(cfg.Agents.OverridesPath)
	if err != nil {
		log.Fatal("Failed to load agent overrides", zap.Error(err), zap.String("path", cfg.Agents.OverridesPath))
	}
	registry := agent.NewRegistry(log, overrides, cfg.Orchestrator.CancelGrace(), cfg.Agents.AvailabilityTTL())

	// Probe once at startup so the first status request is warm and the log
	// shows which CLIs this host can actually run.
	installed := 0
	for kind, av := range registry.Snapshot(ctx) {
		if av.Installed {
			installed++
			log.Info("Agent CLI detected",
				zap.String("agent", string(kind)),
				zap.String("version", av.Version),
				zap.String("path", av.Path))
		} else {
			log.Info("Agent CLI not installed", zap.String("agent", string(kind)))
		}
	}
	log.Info("Agent registry initialized",
		zap.Int("registered", len(registry.Kinds())),
		zap.Int("installed", installed))

	// ============================================
	// PROMPTS
	// ============================================
	prompts := prompt.NewLoader(cfg.Prompt.Dir, log)
	log.Info("Prompt loader initialized", zap.String("dir", cfg.Prompt.Dir))

	// ============================================
	// ORCHESTRATION
	// ============================================
	log.Info("Initializing orchestration...")

	manager := orchestrator.NewManager(orchestrator.Deps{
		Log:             log,
		Orch:            cfg.Orchestrator,
		Registry:        registry,
		Projects:        projects,
		Messages:        messages,
		Sessions:        sessions,
		Prompts:         prompts,
		Bus:             eventBus,
		SubscriberQueue: cfg.Hub.SubscriberQueueCapacity,
	})

	requestTracker := tracker.NewTracker(eventBus, 0, log)
	if err := requestTracker.Start(ctx); err != nil {
		log.Fatal("Failed to start request tracker", zap.Error(err))
	}
	log.Info("Orchestration initialized",
		zap.String("fallback_agent", cfg.Orchestrator.FallbackAgent),
		zap.Int("default_deadline_seconds", cfg.Orchestrator.DefaultRunDeadlineSeconds))

	// ============================================
	// HTTP SERVER (WebSocket + HTTP endpoints)
	// ============================================
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	wsHub := hub.NewHub(manager, projects, messages, cfg.Hub, log)
	srv := gateway.New(gateway.Deps{
		Log:      log,
		Hub:      wsHub,
		Registry: registry,
		Projects: projects,
		Tracker:  requestTracker,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("WebSocket server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("websocket", "/ws/:project_id"),
		zap.String("health", "/health"),
		zap.String("http", "/api/v1"),
	)

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Vrabby...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop accepting connections first, then unwind from the edge inward:
	// hub clients, in-flight runs, the tracker feed, and finally telemetry.
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := wsHub.Shutdown(shutdownCtx); err != nil {
		log.Error("Hub shutdown error", zap.Error(err))
	}

	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Error("Orchestrator shutdown error", zap.Error(err))
	}

	if err := requestTracker.Stop(); err != nil {
		log.Error("Request tracker stop error", zap.Error(err))
	}

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Vrabby stopped")
}
