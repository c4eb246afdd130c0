// Package api exposes the rule catalog over HTTP.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"rulekeeper/config"
	"rulekeeper/reconcile"
	"rulekeeper/service"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// rateLimiterEntry holds a rate limiter with last seen time
type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Reconciler re-runs the reconciliation pass on demand
type Reconciler interface {
	Run(ctx context.Context) (*reconcile.Report, error)
}

// HealthChecker reports whether the catalog store is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// API holds the API server
type API struct {
	router     *mux.Router
	server     *http.Server
	rules      *service.RuleService
	profiles   *service.ProfileService
	reconciler Reconciler
	gate       service.PermissionGate
	health     HealthChecker
	config     *config.Config
	logger     *zap.SugaredLogger
	validate   *validator.Validate

	rateLimiters   map[string]*rateLimiterEntry
	rateLimitersMu sync.Mutex
	loginLimiter   *FixedWindowLimiter

	// one reconciliation at a time
	reconcileMu sync.Mutex

	serverMu sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewAPI creates a new API server. reconciler and health may be nil.
func NewAPI(rules *service.RuleService, profiles *service.ProfileService, reconciler Reconciler, gate service.PermissionGate, health HealthChecker, cfg *config.Config, logger *zap.SugaredLogger) *API {
	if rules == nil || profiles == nil {
		panic("rule and profile services are required")
	}
	if gate == nil {
		panic("gate is required")
	}
	if cfg == nil || logger == nil {
		panic("config and logger are required")
	}

	loginWindow := cfg.API.RateLimit.Login.Window
	if loginWindow <= 0 {
		loginWindow = time.Minute
	}
	loginLimit := cfg.API.RateLimit.Login.Limit
	if loginLimit <= 0 {
		loginLimit = 5
	}

	api := &API{
		router:       mux.NewRouter(),
		rules:        rules,
		profiles:     profiles,
		reconciler:   reconciler,
		gate:         gate,
		health:       health,
		config:       cfg,
		logger:       logger,
		validate:     validator.New(),
		rateLimiters: make(map[string]*rateLimiterEntry),
		loginLimiter: NewFixedWindowLimiter(loginWindow, loginLimit),
		stopCh:       make(chan struct{}),
	}
	api.setupRoutes()
	go api.cleanupRateLimiters()
	return api
}

// setupRoutes sets up the API routes
func (a *API) setupRoutes() {
	a.router.Use(a.requestIDMiddleware)
	a.router.Use(a.corsMiddleware)
	a.router.Use(a.rateLimitMiddleware)

	a.router.HandleFunc("/health", a.healthCheck).Methods("GET")
	a.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	public := a.router.PathPrefix("/api/v1/auth").Subrouter()
	public.HandleFunc("/login", a.login).Methods("POST")

	v1 := a.router.PathPrefix("/api/v1").Subrouter()
	if a.config.Auth.Enabled {
		v1.Use(a.jwtAuthMiddleware)
	}

	// literal segments before {key}
	v1.HandleFunc("/rules", a.listRules).Methods("GET")
	v1.HandleFunc("/rules/tags", a.listTags).Methods("GET")
	v1.HandleFunc("/rules/custom", a.createCustomRule).Methods("POST")
	v1.HandleFunc("/rules/manual", a.createManualRule).Methods("POST")
	v1.HandleFunc("/rules/{key}", a.getRule).Methods("GET")
	v1.HandleFunc("/rules/{key}/params", a.listParams).Methods("GET")
	v1.HandleFunc("/rules/{key}", a.updateRule).Methods("PUT")
	v1.HandleFunc("/rules/{key}", a.deleteRule).Methods("DELETE")

	v1.HandleFunc("/profiles", a.createProfile).Methods("POST")
	v1.HandleFunc("/profiles/{id}/active-rules", a.listActiveRules).Methods("GET")
	v1.HandleFunc("/profiles/{id}/active-rules", a.activateRule).Methods("POST")
	v1.HandleFunc("/profiles/{id}/active-rules/{key}", a.deactivateRule).Methods("DELETE")

	v1.HandleFunc("/reconcile", a.runReconcile).Methods("POST")

	// preflight requests only run middleware when some route matches
	a.router.PathPrefix("/").Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

// Handler returns the root handler, used by tests and embedding servers
func (a *API) Handler() http.Handler {
	return a.router
}

// Start starts the API server
func (a *API) Start(addr string) error {
	server, err := a.newServer(addr)
	if err != nil {
		return err
	}
	return server.ListenAndServe()
}

// StartTLS starts the API server with TLS
func (a *API) StartTLS(addr, certFile, keyFile string) error {
	server, err := a.newServer(addr)
	if err != nil {
		return err
	}
	return server.ListenAndServeTLS(certFile, keyFile)
}

// newServer fails once Stop was called so a late Start cannot outlive shutdown
func (a *API) newServer(addr string) (*http.Server, error) {
	a.serverMu.Lock()
	defer a.serverMu.Unlock()
	select {
	case <-a.stopCh:
		return nil, http.ErrServerClosed
	default:
	}
	a.server = &http.Server{
		Addr:              addr,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute, // reconciliation runs inside the request
		IdleTimeout:       2 * time.Minute,
	}
	return a.server, nil
}

// Stop stops the API server
func (a *API) Stop(ctx context.Context) error {
	a.serverMu.Lock()
	a.stopOnce.Do(func() { close(a.stopCh) })
	server := a.server
	a.serverMu.Unlock()

	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}
