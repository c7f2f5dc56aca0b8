// Package api serves the admin HTTP surface: evaluation snapshots, lot
// administration, reconciliation, trade ingestion and a live event stream.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"krakenbot/config"
	"krakenbot/internal/auth"
	"krakenbot/internal/circuit"
	"krakenbot/internal/engine"
	"krakenbot/internal/events"
	"krakenbot/internal/ledger"
	"krakenbot/internal/logging"
	"krakenbot/internal/metrics"
	"krakenbot/internal/models"
	"krakenbot/internal/tradesync"
)

// Engine is the part of the decision engine the API drives.
type Engine interface {
	Exchange() string
	Pairs() []string
	LastEvaluation(pair string) (*engine.PairEvaluation, bool)
	EvaluatePair(ctx context.Context, pair string) (*engine.PairEvaluation, error)
	RegimeState(ctx context.Context, pair string) (*models.RegimeState, error)
	OpenPositions() []*models.Position
	ManualClose(ctx context.Context, lotID string) (engine.ManualCloseResult, error)
	SetTimeStopDisabled(ctx context.Context, lotID string, disabled bool) (*models.Position, error)
	Reconcile(ctx context.Context, exchange string, dryRun, autoClean bool) (ledger.ReconcileResult, error)
	Ingest(ctx context.Context, f models.Fill) (ledger.IngestResult, error)
	RecalculatePnL(ctx context.Context, exchange, pair string) (ledger.FIFOResult, error)
	BreakerStats() circuit.Stats
	ResetBreaker() circuit.Stats
}

// Syncer runs trade sync jobs on demand.
type Syncer interface {
	Run(ctx context.Context, exchange string) (tradesync.RunResult, error)
	RunAll(ctx context.Context) []tradesync.RunResult
	Exchanges() []string
	IsRunning() bool
}

// HealthChecker reports whether a backing service is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ServerConfig wires the server's collaborators. Sync, Health, Bus and
// Metrics are optional.
type ServerConfig struct {
	API     config.APIConfig
	Engine  Engine
	Sync    Syncer
	Health  HealthChecker
	Bus     *events.EventBus
	Metrics *metrics.Recorder
}

// Server represents the API server
type Server struct {
	cfg        config.APIConfig
	router     *gin.Engine
	httpServer *http.Server
	engine     Engine
	sync       Syncer
	health     HealthChecker
	metrics    *metrics.Recorder
	hub        *WSHub
	jwt        *auth.JWTManager
	logger     *logging.Logger
	startedAt  time.Time
}

// NewServer creates a new API server
func NewServer(sc ServerConfig) (*Server, error) {
	if sc.Engine == nil {
		return nil, errors.New("api: engine is required")
	}
	if sc.API.AuthEnabled && sc.API.JWTSecret == "" {
		return nil, errors.New("api: auth enabled without jwt secret")
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logging.GinMiddleware())

	corsConfig := cors.DefaultConfig()
	if len(sc.API.AllowedOrigins) == 0 || contains(sc.API.AllowedOrigins, "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = sc.API.AllowedOrigins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Trace-ID"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		cfg:       sc.API,
		router:    router,
		engine:    sc.Engine,
		sync:      sc.Sync,
		health:    sc.Health,
		metrics:   sc.Metrics,
		hub:       NewWSHub(sc.API.AllowedOrigins),
		logger:    logging.WithComponent("api"),
		startedAt: time.Now().UTC(),
	}
	if sc.API.AuthEnabled {
		s.jwt = auth.NewJWTManager(sc.API.JWTSecret, sc.API.TokenTTL)
	}
	if sc.Bus != nil {
		s.hub.Attach(sc.Bus)
	}
	go s.hub.Run()

	s.setupRoutes()
	return s, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Router exposes the handler for tests and embedding.
func (s *Server) Router() http.Handler {
	return s.router
}

// Hub returns the websocket hub.
func (s *Server) Hub() *WSHub {
	return s.hub
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	api := s.router.Group("/api")
	if s.jwt != nil {
		api.Use(auth.Middleware(s.jwt))
	}
	admin := s.requireAdmin()

	api.GET("/ws", s.handleWebSocket)
	api.GET("/status", s.handleStatus)

	// Evaluation
	api.GET("/evaluations", s.handleListEvaluations)
	api.GET("/evaluation", s.handleGetEvaluation)
	api.POST("/evaluation", admin, s.handleEvaluateNow)
	api.GET("/regime", s.handleGetRegime)

	// Lots
	api.GET("/positions", s.handleListPositions)
	api.POST("/positions/:lot_id/close", admin, s.handleClosePosition)
	api.PUT("/positions/:lot_id/time-stop", admin, s.handleTimeStop)

	// Ledger
	api.POST("/trades", admin, s.handleIngestTrade)
	api.POST("/pnl/recalculate", admin, s.handleRecalculate)
	api.POST("/reconcile", admin, s.handleReconcile)

	// Entry circuit breaker
	api.GET("/breaker", s.handleBreaker)
	api.POST("/breaker/reset", admin, s.handleBreakerReset)

	// Trade sync
	api.GET("/sync", s.handleSyncStatus)
	api.POST("/sync/run", admin, s.handleSyncRun)
}

func (s *Server) requireAdmin() gin.HandlerFunc {
	if s.jwt == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return auth.RequireAdmin()
}

// Start starts the API server. It blocks until the listener closes.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting API server", "addr", addr, "auth", s.jwt != nil)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// ==================== RESPONSES ====================

func errorResponse(c *gin.Context, code int, message string) {
	c.JSON(code, gin.H{
		"error":   true,
		"message": message,
	})
}

func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	status := gin.H{
		"status":     "ok",
		"exchange":   s.engine.Exchange(),
		"uptime_sec": int64(time.Since(s.startedAt).Seconds()),
		"timestamp":  time.Now().UTC(),
	}
	if s.health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()
		if err := s.health.HealthCheck(ctx); err != nil {
			status["status"] = "degraded"
			status["database"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, status)
			return
		}
		status["database"] = "ok"
	}
	c.JSON(http.StatusOK, status)
}
