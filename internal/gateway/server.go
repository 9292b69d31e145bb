// Package gateway is the local control plane: a loopback HTTP server the
// CLI talks to for status, force-sync and shutdown, plus a WebSocket stream
// of orchestration events.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/crewhq/crew/internal/config"
	"github.com/crewhq/crew/internal/logging"
	"github.com/crewhq/crew/internal/planner"
	"github.com/crewhq/crew/internal/worker"
)

// StatusPayload is the full status surface returned by /api/v1/status.
type StatusPayload struct {
	Version string            `json:"version"`
	Pool    worker.PoolStatus `json:"pool"`
	Planner planner.Status    `json:"planner"`
}

// Server is the gateway HTTP server. Safe for concurrent use.
type Server struct {
	cfg      *config.GatewayConfig
	version  string
	pool     *worker.Pool
	planner  *planner.Planner
	shutdown func()
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	running bool
	server  *http.Server
	subs    map[chan Event]struct{}
}

// NewServer creates a gateway server. shutdown is invoked when a client
// POSTs /api/v1/shutdown.
func NewServer(cfg *config.GatewayConfig, version string, pool *worker.Pool, pl *planner.Planner, shutdown func()) *Server {
	return &Server{
		cfg:      cfg,
		version:  version,
		pool:     pool,
		planner:  pl,
		shutdown: shutdown,
		log:      logging.WithComponent("gateway"),
		subs:     make(map[chan Event]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				// Loopback origins only; the gateway is a local control plane.
				for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"} {
					if strings.HasPrefix(origin, prefix) {
						return true
					}
				}
				return false
			},
		},
	}
}

// Start runs the server until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("gateway already running")
	}
	s.running = true
	s.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/force-sync", s.handleForceSync)
	mux.HandleFunc("/api/v1/shutdown", s.handleShutdown)
	mux.HandleFunc("/ws", s.handleWebSocket)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	s.log.Info("gateway starting", slog.String("addr", addr))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Stop()
	}
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "healthy"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.statusPayload())
}

func (s *Server) statusPayload() StatusPayload {
	return StatusPayload{
		Version: s.version,
		Pool:    s.pool.Status(),
		Planner: s.planner.Status(),
	}
}

func (s *Server) handleForceSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.planner.ForceSync(r.Context())
	writeJSON(w, map[string]string{"status": "synced"})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, map[string]string{"status": "shutting down"})
	// Reply first, then tear down; the caller's connection would be cut
	// mid-response otherwise.
	go s.shutdown()
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
