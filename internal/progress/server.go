package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/anstrom/hostsweep/internal/logging"
	"github.com/anstrom/hostsweep/internal/metrics"
)

// Server timeout constants.
const (
	serverShutdownTimeout = 30 * time.Second
	readHeaderTimeout     = 10 * time.Second
)

// Server exposes /ws/progress, /metrics and /healthz.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	hub        *Hub
	metrics    *metrics.PrometheusMetrics
	logger     *logging.Logger
	startTime  time.Time
}

// NewServer builds the progress HTTP server. A nil hub leaves /ws/progress
// unregistered.
func NewServer(addr string, hub *Hub, m *metrics.PrometheusMetrics, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	s := &Server{
		router:    mux.NewRouter(),
		hub:       hub,
		metrics:   m,
		logger:    logger.WithComponent("progress-server"),
		startTime: time.Now(),
	}
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	if s.hub != nil {
		s.router.HandleFunc("/ws/progress", s.hub.ServeWS).Methods(http.MethodGet)
	}
	s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.healthHandler).Methods(http.MethodGet)
}

// Handler returns the router wrapped in recovery and access logging.
func (s *Server) Handler() http.Handler {
	out := httpLogWriter{logger: s.logger}
	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(out),
		handlers.PrintRecoveryStack(false),
	)
	return recovery(handlers.LoggingHandler(out, s.router))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	clients := 0
	if s.hub != nil {
		clients = s.hub.ClientCount()
	}
	response := map[string]interface{}{
		"status":            "ok",
		"timestamp":         time.Now().UTC(),
		"uptime":            time.Since(s.startTime).String(),
		"websocket_clients": clients,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response)
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("starting progress server", "address", s.httpServer.Addr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("progress server failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errChan:
		return err
	}
}

// Stop gracefully stops the server and disconnects websocket clients.
func (s *Server) Stop() error {
	s.logger.Info("stopping progress server")
	if s.hub != nil {
		s.hub.Shutdown()
	}

	ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

// httpLogWriter feeds gorilla/handlers output into the structured logger.
type httpLogWriter struct {
	logger *logging.Logger
}

func (w httpLogWriter) Write(p []byte) (int, error) {
	w.logger.Debug("http request", "line", strings.TrimSpace(string(p)))
	return len(p), nil
}

func (w httpLogWriter) Println(v ...interface{}) {
	w.logger.Error("recovered from panic in http handler", "panic", fmt.Sprint(v...))
}
