// Package gateway is the HTTP and WebSocket surface over the kernel:
// execution, planning, sessions, health, metrics, and a live telemetry
// event stream.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harun/caravel/internal/metrics"
	"github.com/harun/caravel/pkg/kernel"
)

// Server exposes the kernel over HTTP
type Server struct {
	port           int
	token          string
	kernel         *kernel.Kernel
	metrics        *metrics.Metrics
	broadcaster    *Broadcaster
	upgrader       websocket.Upgrader
	server         *http.Server
	logger         zerolog.Logger
	tickInterval   time.Duration
	tickCancel     context.CancelFunc
	tickWG         sync.WaitGroup
	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
}

// Config holds gateway configuration
type Config struct {
	Port         int
	Token        string
	Kernel       *kernel.Kernel
	Metrics      *metrics.Metrics
	Logger       *zerolog.Logger
	TickInterval time.Duration
}

// NewServer creates a gateway server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("auth token is required")
	}
	if cfg.Kernel == nil {
		return nil, fmt.Errorf("kernel is required")
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 30 * time.Second
	}

	logger := log.With().Str("component", "gateway").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	s := &Server{
		port:         cfg.Port,
		token:        cfg.Token,
		kernel:       cfg.Kernel,
		metrics:      cfg.Metrics,
		broadcaster:  NewBroadcaster(cfg.Metrics, logger),
		logger:       logger,
		tickInterval: cfg.TickInterval,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	return s, nil
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/execute", s.auth(s.handleExecute))
	mux.HandleFunc("GET /v1/tools", s.auth(s.handleListTools))
	mux.HandleFunc("GET /v1/plan/{tool}", s.auth(s.handlePlan))
	mux.HandleFunc("GET /v1/can-execute/{tool}", s.auth(s.handleCanExecute))
	mux.HandleFunc("POST /v1/sessions", s.auth(s.handleCreateSession))
	mux.HandleFunc("GET /v1/sessions", s.auth(s.handleListSessions))
	mux.HandleFunc("GET /v1/sessions/{id}", s.auth(s.handleGetSession))
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.auth(s.handleDeleteSession))
	mux.HandleFunc("GET /v1/telemetry", s.auth(s.handleTelemetry))
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	// Health and metrics stay unauthenticated for probes and scrapers.
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	return mux
}

// Start begins serving. It does not block.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.Handler(),
	}

	s.logger.Info().Int("port", s.port).Msg("Starting gateway")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	s.startTicker()
	return nil
}

// Stop drains in-flight requests and shuts the server down
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway")
	s.stopTicker()

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	s.broadcaster.CloseAll()

	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown gateway: %w", err)
	}

	s.logger.Info().Msg("Gateway stopped")
	return nil
}

// startTicker periodically broadcasts a health snapshot so idle event
// subscribers see the connection is alive.
func (s *Server) startTicker() {
	ctx, cancel := context.WithCancel(context.Background())
	s.tickCancel = cancel
	s.tickWG.Add(1)

	go func() {
		defer s.tickWG.Done()

		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.broadcaster.Publish("health", s.kernel.GetHealth())
			}
		}
	}()
}

func (s *Server) stopTicker() {
	if s.tickCancel != nil {
		s.tickCancel()
		s.tickCancel = nil
	}
	s.tickWG.Wait()
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}
