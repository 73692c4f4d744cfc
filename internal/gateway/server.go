// File: internal/gateway/server.go

// Package gateway exposes the bridge over HTTP: the JSON-RPC endpoint
// for MCP clients, the websocket endpoint for browser extensions, and
// the small operational API.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/iudex-br/sei-bridge/internal/auth"
	"github.com/iudex-br/sei-bridge/internal/config"
	"github.com/iudex-br/sei-bridge/internal/dispatcher"
	"github.com/iudex-br/sei-bridge/internal/registry"
)

const serverName = "sei-bridge"

// Version is stamped at build time.
var Version = "dev"

// Server hosts the HTTP surface of the bridge.
type Server struct {
	cfg        config.Interface
	logger     *zap.Logger
	dispatcher *dispatcher.Dispatcher
	registry   *registry.Registry
	validator  auth.Validator
	meter      *auth.Meter
	httpServer *http.Server

	// heartbeatInterval drives the SSE keepalive; shortened in tests.
	heartbeatInterval time.Duration
}

// New wires the server. The validator may be nil, which disables
// extension authentication (development mode).
func New(cfg config.Interface, d *dispatcher.Dispatcher, reg *registry.Registry, validator auth.Validator, meter *auth.Meter, logger *zap.Logger) *Server {
	return &Server{
		cfg:               cfg,
		logger:            logger.Named("Gateway"),
		dispatcher:        d,
		registry:          reg,
		validator:         validator,
		meter:             meter,
		heartbeatInterval: 30 * time.Second,
	}
}

// Router builds the chi router with all bridge routes.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	// Websocket routes stay outside the timeout middleware; the
	// connection is long-lived.
	r.Get("/ws/mcp", s.handleExtensionSocket)
	r.Get("/ws/mcp/status", s.handleExtensionStatus)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(120 * time.Second))

		r.Post("/mcp", s.handleRPC)
		r.Get("/mcp", s.handleSSE)
		r.Get("/mcp/info", s.handleInfo)

		r.Get("/healthz", s.handleHealth)
		r.Get("/api/v1/usage", s.handleUsage)
	})

	return r
}

// Start serves until the context is cancelled, then shuts down
// gracefully within the configured timeout.
func (s *Server) Start(ctx context.Context) error {
	srvCfg := s.cfg.Server()
	addr := fmt.Sprintf("%s:%d", srvCfg.Host, srvCfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  srvCfg.ReadTimeout,
		WriteTimeout: srvCfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Gateway listening.", zap.String("address", addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), srvCfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Gateway shutting down.")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("gateway shutdown: %w", err)
	}
	return <-errCh
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleUsage(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tools": s.meter.Snapshot(),
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
