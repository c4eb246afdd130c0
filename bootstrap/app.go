package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"rulekeeper/api"
	"rulekeeper/config"
	"rulekeeper/reconcile"
	"rulekeeper/service"

	"go.uber.org/zap"
)

// App holds all application components
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	Storage  *StorageComponents
	Engine   *reconcile.Engine
	Gate     service.PermissionGate
	Rules    *service.RuleService
	Profiles *service.ProfileService

	APIServer *api.API

	serviceWg    sync.WaitGroup
	cancel       context.CancelFunc
	shutdownOnce sync.Once
}

// NewApp creates and initializes the application.
func NewApp(ctx context.Context) (*App, error) {
	logger, sugar, err := InitLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	cfg, err := InitConfig(sugar)
	if err != nil {
		return nil, err
	}

	return NewAppWithConfig(ctx, cfg, logger)
}

// NewAppWithConfig wires the components for an already loaded configuration.
func NewAppWithConfig(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	sugar := logger.Sugar()

	if err := EnsureDataDirectories(DataDirectoriesFromConfig(cfg), sugar); err != nil {
		printFatalBanner("Data Directory Setup Failed", err.Error())
		return nil, err
	}

	components, err := InitStorage(ctx, cfg, sugar)
	if err != nil {
		return nil, err
	}

	engine, err := InitEngine(cfg, components.Store, components.Publisher, sugar)
	if err != nil {
		_ = components.Publisher.Close()
		_ = components.SQLite.Close()
		return nil, err
	}

	var gate service.PermissionGate = service.ClaimsGate{}
	if !cfg.Auth.Enabled {
		sugar.Warn("Authentication disabled: every caller may administer the rule catalog")
		gate = service.AllowAllGate{}
	}

	return &App{
		Config:   cfg,
		Logger:   logger,
		Sugar:    sugar,
		Storage:  components,
		Engine:   engine,
		Gate:     gate,
		Rules:    service.NewRuleService(components.Store, gate, components.Publisher, sugar),
		Profiles: service.NewProfileService(components.Store, gate, sugar),
	}, nil
}

// Start reconciles the catalog and starts the API server.
func (a *App) Start(ctx context.Context) error {
	if err := RunStartupReconcile(ctx, a.Config, a.Engine, a.Sugar); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.Storage.SQLite.StartMetricsCollection(runCtx, 30*time.Second)

	a.startAPIServer()
	return nil
}

// startAPIServer creates the API server and serves it in the background.
func (a *App) startAPIServer() {
	a.APIServer = api.NewAPI(a.Rules, a.Profiles, a.Engine, a.Gate, a.Storage.SQLite, a.Config, a.Sugar)

	addr := fmt.Sprintf(":%d", a.Config.API.Port)
	a.serviceWg.Add(1)
	go func() {
		defer a.serviceWg.Done()
		defer func() {
			if r := recover(); r != nil {
				a.Sugar.Errorw("API server panicked", "panic", r)
			}
		}()

		var err error
		if a.Config.API.TLS {
			a.Sugar.Infow("Starting API server with TLS", "addr", addr)
			err = a.APIServer.StartTLS(addr, a.Config.API.CertFile, a.Config.API.KeyFile)
		} else {
			a.Sugar.Infow("Starting API server", "addr", addr)
			err = a.APIServer.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Sugar.Errorw("API server failed", "error", err)
		}
	}()
}

// WaitForShutdown blocks until a shutdown signal is received.
func (a *App) WaitForShutdown() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
}

// Shutdown gracefully shuts down all components. It is safe to call more than once.
func (a *App) Shutdown() {
	a.shutdownOnce.Do(a.shutdown)
}

func (a *App) shutdown() {
	a.Sugar.Info("Shutting down...")

	a.Sugar.Info("Phase 1: Stopping API server...")
	if a.APIServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.APIServer.Stop(ctx); err != nil {
			a.Sugar.Errorw("Failed to stop API server", "error", err)
		}
	}

	a.Sugar.Info("Phase 2: Stopping background collectors...")
	if a.cancel != nil {
		a.cancel()
	}

	a.Sugar.Info("Phase 3: Waiting for service goroutines to complete...")
	done := make(chan struct{})
	go func() {
		a.serviceWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		a.Sugar.Info("All service goroutines stopped successfully")
	case <-time.After(15 * time.Second):
		a.Sugar.Warn("Service goroutine shutdown timed out")
	}

	a.Sugar.Info("Phase 4: Closing rule change stream...")
	if a.Storage != nil && a.Storage.Publisher != nil {
		if err := a.Storage.Publisher.Close(); err != nil {
			a.Sugar.Errorw("Failed to close rule change stream", "error", err)
		}
	}

	a.Sugar.Info("Phase 5: Closing database connections...")
	if a.Storage != nil && a.Storage.SQLite != nil {
		if err := a.Storage.SQLite.Close(); err != nil {
			a.Sugar.Errorw("Failed to close SQLite", "error", err)
		}
	}

	a.Sugar.Info("Shutdown complete")
	_ = a.Logger.Sync()
}
