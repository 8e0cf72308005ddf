// Package main is the entry point for the Enerflow workflow service.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/enerflow/enerflow/internal/common/config"
	"github.com/enerflow/enerflow/internal/common/httpmw"
	"github.com/enerflow/enerflow/internal/common/logger"
	"github.com/enerflow/enerflow/internal/common/retry"
	"github.com/enerflow/enerflow/internal/common/tracing"
	"github.com/enerflow/enerflow/internal/db"
	"github.com/enerflow/enerflow/internal/events/bus"
	"github.com/enerflow/enerflow/internal/notifications"
	"github.com/enerflow/enerflow/internal/provision"
	"github.com/enerflow/enerflow/internal/tenant"
	"github.com/enerflow/enerflow/internal/workflow/bookmarks"
	"github.com/enerflow/enerflow/internal/workflow/engine"
	"github.com/enerflow/enerflow/internal/workflow/eventstore"
	"github.com/enerflow/enerflow/internal/workflow/handlers"
	"github.com/enerflow/enerflow/internal/workflow/indexstore"
	"github.com/enerflow/enerflow/internal/workflow/models"
	"github.com/enerflow/enerflow/internal/workflow/projection"
	"github.com/enerflow/enerflow/internal/workflow/saga"
	"github.com/enerflow/enerflow/internal/workflow/service"
	"github.com/enerflow/enerflow/internal/workflow/statestore"
	"github.com/enerflow/enerflow/internal/workflow/steps"
	"github.com/enerflow/enerflow/internal/workflow/templates"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	logCfg := logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	}
	log, err := logger.NewLogger(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Enerflow workflow service...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Open the document store (events, state docs, bookmarks)
	docPath := cfg.DocStore.ExpandedPath()
	docPool, err := db.OpenSQLitePool(docPath)
	if err != nil {
		log.Fatal("Failed to open document store", zap.Error(err))
	}
	defer docPool.Close()
	log.Info("Document store ready", zap.String("path", docPath))

	// 5. Open the relational index store (Postgres, or SQLite fallback)
	var indexPool *db.Pool
	if cfg.Database.Host != "" {
		pg, err := db.OpenPostgres(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			log.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
		}
		indexPool = db.NewPool(pg, pg)
		log.Info("Connected to PostgreSQL index store")
	} else {
		indexPool, err = db.OpenSQLitePool(filepath.Join(filepath.Dir(docPath), "index.db"))
		if err != nil {
			log.Fatal("Failed to open SQLite index store", zap.Error(err))
		}
		log.Info("Index store running on SQLite")
	}
	defer indexPool.Close()

	// 6. Connect the event bus (NATS, or in-memory when no URL is set)
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		eventBus, err = bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 7. Initialize stores
	eventStore, err := eventstore.NewStore(docPool, log)
	if err != nil {
		log.Fatal("Failed to initialize event store", zap.Error(err))
	}
	stateStore, err := statestore.NewStore(docPool)
	if err != nil {
		log.Fatal("Failed to initialize state store", zap.Error(err))
	}
	bookmarkMgr, err := bookmarks.NewManager(docPool, log)
	if err != nil {
		log.Fatal("Failed to initialize bookmark manager", zap.Error(err))
	}
	indexStore, err := indexstore.NewStore(indexPool)
	if err != nil {
		log.Fatal("Failed to initialize index store", zap.Error(err))
	}
	tenantStore, err := tenant.NewStore(indexPool)
	if err != nil {
		log.Fatal("Failed to initialize tenant store", zap.Error(err))
	}

	// 8. Load workflow templates
	registry := templates.NewRegistry(eventBus, log)
	if err := registry.LoadSeedTemplates(cfg.Engine.TemplateDir); err != nil {
		log.Fatal("Failed to load seed templates", zap.Error(err))
	}
	if err := registry.Start(ctx, func(_ context.Context, role models.MarketRole, version int) (*models.WorkflowTemplate, error) {
		return registry.Get(role, version)
	}); err != nil {
		log.Fatal("Failed to subscribe template registry", zap.Error(err))
	}
	defer registry.Stop()

	// 9. Register step handlers
	policy := retry.Policy{
		MaxAttempts: cfg.Engine.Retry.MaxAttempts,
		BaseBackoff: cfg.Engine.Retry.BaseBackoffDuration(),
		MaxBackoff:  cfg.Engine.Retry.MaxBackoffDuration(),
		Jitter:      cfg.Engine.Retry.Jitter,
	}
	if cfg.Provision.BaseURL == "" {
		log.Warn("provision.baseUrl is not set; api_call steps will fail until the market system is configured")
	}
	provisioner := provision.NewClient(cfg.Provision.BaseURL, cfg.Provision.APIKey, cfg.Provision.TimeoutDuration(), log)
	notifier := notifications.NewBusSender(eventBus, log)

	handlerReg := steps.NewRegistry()
	handlerReg.Register(steps.NewFormHandler())
	handlerReg.Register(steps.NewApprovalHandler())
	handlerReg.Register(steps.NewManualHandler())
	handlerReg.Register(steps.NewValidationHandler())
	handlerReg.Register(steps.NewDecisionHandler())
	handlerReg.Register(steps.NewAPICallHandler(provisioner, policy))
	handlerReg.Register(steps.NewNotificationHandler(notifier))

	// 10. Create the engine
	projector := projection.NewProjector(stateStore, indexStore, log)
	sagaCoord := saga.NewCoordinator(handlerReg, policy, log)
	eng := engine.New(eventStore, indexStore, projector, bookmarkMgr, registry, handlerReg, sagaCoord, eventBus, engine.Options{
		Retry:              policy,
		DefaultStepTimeout: cfg.Engine.DefaultStepTimeoutDuration(),
		BookmarkExpiry:     cfg.Engine.BookmarkExpiryDuration(),
		SnapshotInterval:   int64(cfg.Engine.ReplaySnapshotInterval),
		LockWait:           cfg.Engine.LockWaitDuration(),
		ConflictRetries:    cfg.Engine.ConflictRetries,
	}, log)

	svc := service.New(eng, registry, tenantStore, log)

	// 11. Recover in-flight steps interrupted by the previous shutdown
	if recovered, err := eng.RecoverInFlight(ctx); err != nil {
		log.Error("Crash recovery pass failed", zap.Error(err))
	} else if recovered > 0 {
		log.Info("Recovered interrupted steps", zap.Int("count", recovered))
	}

	// 12. Start background workers
	go eng.RunBookmarkSweeper(ctx, 30*time.Second)
	go eng.RunRetentionPurge(ctx, time.Duration(cfg.Engine.EventRetentionYears)*365*24*time.Hour)
	recoveryWorker := projection.NewRecoveryWorker(eventStore, stateStore, projector,
		int64(cfg.Engine.ProjectionMaxLag), time.Minute, log)
	go recoveryWorker.Run(ctx)

	// 13. Setup HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "enerflow"))
	router.Use(httpmw.OtelTracing("enerflow"))

	// 14. Register API routes
	api := handlers.NewHandlers(svc, log)
	api.RegisterRoutes(router)

	// 15. Register the WebSocket event stream
	stream := handlers.NewEventStream(eventBus, api)
	stream.RegisterRoutes(router)

	// 16. Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// 17. Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 18. Start server in goroutine
	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 19. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Enerflow workflow service...")

	// 20. Graceful shutdown
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Enerflow workflow service stopped")
}
