// Package http exposes the Study Companion REST API: analysis triggers,
// progress, free slots and goal reminders.
package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/studyquest/study-companion/internal/application/command"
	"github.com/studyquest/study-companion/internal/application/query"
	"github.com/studyquest/study-companion/internal/application/saga"
	"github.com/studyquest/study-companion/internal/infrastructure/metrics"
	"github.com/studyquest/study-companion/internal/interface/http/handlers"
	"github.com/studyquest/study-companion/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// SERVER CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config contains HTTP server configuration.
type Config struct {
	// Host - address to bind (default: "0.0.0.0").
	Host string

	// Port - port to listen on (default: 8080).
	Port int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// MaxBodyBytes - maximum size of request bodies.
	MaxBodyBytes int64

	// AllowedOrigins - allowed origins for CORS; empty disables CORS.
	AllowedOrigins []string

	// RateLimitRPS - requests per second per IP (0 = disabled).
	RateLimitRPS   float64
	RateLimitBurst int

	// EnableMetrics - serve Prometheus metrics on /metrics.
	EnableMetrics bool

	// Version is reported by /health.
	Version string
}

// DefaultConfig returns default server configuration.
func DefaultConfig() Config {
	return Config{
		Host:           "0.0.0.0",
		Port:           8080,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   3 * time.Minute,
		IdleTimeout:    60 * time.Second,
		MaxBodyBytes:   1 << 20,
		AllowedOrigins: []string{"*"},
		RateLimitRPS:   20,
		RateLimitBurst: 40,
		EnableMetrics:  true,
	}
}

// Address returns the server address string.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, fmt.Sprint(c.Port))
}

// ══════════════════════════════════════════════════════════════════════════════
// DEPENDENCIES
// ══════════════════════════════════════════════════════════════════════════════

// AnalysisRunner runs the retroactive analysis synchronously.
type AnalysisRunner interface {
	Execute(ctx context.Context, input saga.RetroactiveAnalysisInput) (*saga.RetroactiveAnalysisResult, error)
}

// Dependencies contains all dependencies required by HTTP handlers.
type Dependencies struct {
	// Commands
	Analysis        AnalysisRunner
	SubmitAnalysis  *command.SubmitAnalysisHandler
	ConnectCalendar *command.ConnectCalendarHandler
	CreateGoal      *command.CreateGoalHandler

	// Queries
	GetProgress   *query.GetProgressHandler
	FindFreeSlots *query.FindFreeSlotsHandler
	ListReminders *query.ListRemindersHandler

	HealthChecker handlers.HealthChecker
	Logger        *logger.Logger
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER
// ══════════════════════════════════════════════════════════════════════════════

// Server represents the HTTP server.
type Server struct {
	config     Config
	deps       Dependencies
	router     *mux.Router
	handler    http.Handler
	httpServer *http.Server
	limiter    *handlers.RateLimiter
	logger     *logger.Logger

	mu        sync.RWMutex
	running   bool
	startedAt time.Time
}

// NewServer creates a new HTTP server with the given configuration and dependencies.
func NewServer(config Config, deps Dependencies) *Server {
	s := &Server{
		config: config,
		deps:   deps,
		router: mux.NewRouter(),
		logger: deps.Logger,
	}
	if s.logger == nil {
		s.logger = logger.Nop()
	}
	s.logger = s.logger.With(logger.Component("http"))

	if config.RateLimitRPS > 0 {
		s.limiter = handlers.NewRateLimiter(config.RateLimitRPS, config.RateLimitBurst)
	}

	s.setupRoutes()
	s.handler = s.buildMiddlewareChain(s.router)

	s.httpServer = &http.Server{
		Addr:              config.Address(),
		Handler:           s.handler,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}
	return s
}

// ══════════════════════════════════════════════════════════════════════════════
// ROUTING
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) setupRoutes() {
	r := s.router
	r.Use(handlers.Observe)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSONError(w, http.StatusNotFound, "not_found", "Route not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
	})

	// ─────────────────────────────────────────────────────────────────────────
	// Health & Status Endpoints
	// ─────────────────────────────────────────────────────────────────────────
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	if s.config.EnableMetrics {
		r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// API v1
	// ─────────────────────────────────────────────────────────────────────────
	users := r.PathPrefix("/api/v1/users/{userID}").Subrouter()
	users.HandleFunc("/analysis", s.handleRunAnalysis).Methods(http.MethodPost)
	users.HandleFunc("/analysis/tasks", s.handleSubmitAnalysis).Methods(http.MethodPost)
	users.HandleFunc("/calendar", s.handleConnectCalendar).Methods(http.MethodPut)
	users.HandleFunc("/progress", s.handleGetProgress).Methods(http.MethodGet)
	users.HandleFunc("/free-slots", s.handleFindFreeSlots).Methods(http.MethodGet)
	users.HandleFunc("/goals", s.handleCreateGoal).Methods(http.MethodPost)
	users.HandleFunc("/reminders", s.handleListReminders).Methods(http.MethodGet)
}

// buildMiddlewareChain wraps the router; the first middleware is the outermost.
func (s *Server) buildMiddlewareChain(h http.Handler) http.Handler {
	mws := []handlers.MiddlewareFunc{
		handlers.RequestID(s.logger),
		handlers.Recover,
		handlers.SecurityHeaders,
	}
	if len(s.config.AllowedOrigins) > 0 {
		mws = append(mws, handlers.CORS(s.config.AllowedOrigins))
	}
	if s.limiter != nil {
		mws = append(mws, s.limiter.Middleware)
	}
	if s.config.MaxBodyBytes > 0 {
		mws = append(mws, handlers.RequestSizeLimit(s.config.MaxBodyBytes))
	}
	return handlers.Chain(mws...)(h)
}

// Handler returns the full handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ══════════════════════════════════════════════════════════════════════════════
// LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

// Start listens until Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	if s.limiter != nil {
		go s.limiter.Run(ctx)
	}

	s.logger.Info("starting HTTP server", logger.String("address", s.config.Address()))

	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// StartAsync starts the server in a goroutine and reports its exit error.
func (s *Server) StartAsync(ctx context.Context) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.Start(ctx); err != nil {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Uptime returns how long the server has been running.
func (s *Server) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return 0
	}
	return time.Since(s.startedAt)
}
