// Package api provides HTTP handlers and the main API server logic for CallFlow.
//
// It exposes RESTful endpoints for managing flow definitions, call sessions,
// and processing conversation turns. The API integrates the store, engine,
// nlu, signals, and telephony modules.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/BranchLine/CallFlow/internal/engine"
	"github.com/BranchLine/CallFlow/internal/models"
	"github.com/BranchLine/CallFlow/internal/nlu"
	"github.com/BranchLine/CallFlow/internal/store"
	"github.com/BranchLine/CallFlow/internal/telephony"
)

// Default server configuration.
const (
	DefaultAddr            = ":8080"
	DefaultReadTimeout     = 15 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr     string
	Store    store.Store
	Analyzer nlu.Analyzer
	Calls    telephony.CallController
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithStore sets the persistence backend.
func WithStore(st store.Store) Option {
	return func(o *Opts) { o.Store = st }
}

// WithAnalyzer sets the utterance analyzer. Optional: without one, turns
// carry only the slots supplied by the caller of the API.
func WithAnalyzer(a nlu.Analyzer) Option {
	return func(o *Opts) { o.Analyzer = a }
}

// WithCallController sets the telephony controller applied to transfer and
// end-call decisions. Optional: without one, decisions are returned but not
// enacted on any live call leg.
func WithCallController(c telephony.CallController) Option {
	return func(o *Opts) { o.Calls = c }
}

// Server hosts the CallFlow HTTP API.
type Server struct {
	addr         string
	store        store.Store
	orchestrator *engine.Orchestrator
	analyzer     nlu.Analyzer
	calls        telephony.CallController
	httpServer   *http.Server

	// Per-session locks serialize concurrent turns for the same session.
	sessionLocks sync.Map // session id -> *sync.Mutex
}

// storeFlowSource adapts the persistence layer to the engine's FlowSource.
type storeFlowSource struct {
	st store.Store
}

func (s storeFlowSource) LoadFlows(ctx context.Context, companyKey string) ([]models.FlowDefinition, error) {
	return s.st.ListFlows(ctx, companyKey)
}

func (s storeFlowSource) RecordUsage(ctx context.Context, companyKey, flowKey string) error {
	return s.st.IncrementUsage(ctx, companyKey, flowKey)
}

// NewServer creates the API server with the given options.
func NewServer(opts ...Option) (*Server, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store must be provided")
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}

	s := &Server{
		addr:         cfg.Addr,
		store:        cfg.Store,
		orchestrator: engine.NewOrchestrator(storeFlowSource{st: cfg.Store}),
		analyzer:     cfg.Analyzer,
		calls:        cfg.Calls,
	}
	return s, nil
}

// Handler builds the HTTP route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("POST /flows", s.createFlowHandler)
	mux.HandleFunc("GET /flows", s.listFlowsHandler)
	mux.HandleFunc("DELETE /flows/{key}", s.deleteFlowHandler)
	mux.HandleFunc("POST /sessions", s.createSessionHandler)
	mux.HandleFunc("GET /sessions/{id}", s.getSessionHandler)
	mux.HandleFunc("GET /sessions/{id}/trace", s.getTraceHandler)
	mux.HandleFunc("POST /sessions/{id}/turn", s.turnHandler)
	return mux
}

// Run starts the HTTP server and blocks until the context is canceled.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: CallFlow API listening", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("API server failed: %w", err)
	case <-ctx.Done():
		slog.Info("Server.Run: shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("API server shutdown failed: %w", err)
		}
		return nil
	}
}

// lockSession acquires the per-session mutex, creating it on first use.
func (s *Server) lockSession(id string) *sync.Mutex {
	mu, _ := s.sessionLocks.LoadOrStore(id, &sync.Mutex{})
	lock := mu.(*sync.Mutex)
	lock.Lock()
	return lock
}
