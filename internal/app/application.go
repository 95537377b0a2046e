package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"proctorhub/internal/api"
	"proctorhub/internal/audit"
	"proctorhub/internal/config"
	"proctorhub/internal/database"
	"proctorhub/internal/evidence"
	"proctorhub/internal/heartbeat"
	"proctorhub/internal/hub"
	"proctorhub/internal/ingest"
	"proctorhub/internal/pipeline"
	"proctorhub/internal/session"
	"proctorhub/internal/websocket"
	"proctorhub/pkg/interfaces"
)

// Application wires all components in dependency order:
// Store → Tracker → Registry → Hub → Sessions → Pipeline → API → HTTP.
type Application struct {
	config     *config.Config
	logger     *slog.Logger
	store      interfaces.SessionStore
	tracker    *heartbeat.Tracker
	registry   *websocket.Registry
	broadcast  *hub.Hub
	sessions   *session.Manager
	pipeline   *pipeline.Pipeline
	apiServer  *api.Server
	httpServer *http.Server

	ingestCancel context.CancelFunc
}

func NewApplication(cfg *config.Config, logger *slog.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	store, err := database.NewStore(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize session store: %w", err)
	}

	evidenceStore, err := evidence.NewFileStore(cfg.Evidence.Dir)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize evidence store: %w", err)
	}

	tracker := heartbeat.NewTracker(cfg.Detection.LivenessWindow)
	registry := websocket.NewRegistry(logger)
	broadcast := hub.NewHub(registry, logger)
	ledger := audit.NewLedger(cfg.Audit, logger)

	sessions := session.NewManager(store, tracker, broadcast, logger)
	p := pipeline.New(cfg.Detection, sessions, store, evidenceStore, ledger, tracker, broadcast, logger)

	apiServer := api.NewServer(sessions, p, store, broadcast, logger)
	wsHandler := websocket.NewHandler(registry, cfg.Hub, logger)

	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer)
	mux.Handle("/health", apiServer)
	mux.HandleFunc("/ws", wsHandler.HandleWebSocket)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		logger:     logger,
		store:      store,
		tracker:    tracker,
		registry:   registry,
		broadcast:  broadcast,
		sessions:   sessions,
		pipeline:   p,
		apiServer:  apiServer,
		httpServer: httpServer,
	}, nil
}

// Start brings the hub, optional kafka ingest, and the HTTP server up.
func (app *Application) Start(ctx context.Context) error {
	app.logger.Info("starting proctorhub", "addr", app.httpServer.Addr)

	if err := app.broadcast.Start(); err != nil {
		return fmt.Errorf("failed to start broadcast hub: %w", err)
	}

	ingestCtx, cancel := context.WithCancel(context.Background())
	app.ingestCancel = cancel
	ingest.StartKafka(ingestCtx, app.config.Ingest.Kafka, app.pipeline, app.logger)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case err := <-serverErrCh:
		_ = app.broadcast.Stop()
		cancel()
		return err
	case <-time.After(100 * time.Millisecond):
		app.logger.Info("proctorhub started")
		return nil
	case <-ctx.Done():
		_ = app.broadcast.Stop()
		cancel()
		return ctx.Err()
	}
}

// Stop shuts components down in reverse order: HTTP → ingest → hub →
// store.
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info("shutting down proctorhub")

	if err := app.httpServer.Shutdown(ctx); err != nil {
		app.logger.Warn("http server shutdown error", "error", err)
	}

	if app.ingestCancel != nil {
		app.ingestCancel()
	}

	if err := app.broadcast.Stop(); err != nil {
		app.logger.Warn("broadcast hub shutdown error", "error", err)
	}

	if err := app.store.Close(); err != nil {
		app.logger.Warn("session store shutdown error", "error", err)
	}

	app.logger.Info("proctorhub shutdown complete")
	return nil
}

// GetAddr returns the bound server address.
func (app *Application) GetAddr() string {
	return app.httpServer.Addr
}
