// Package health provides health check and admin HTTP endpoints for udpshare.
package health

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/pprof"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/postalsys/udpshare/internal/janitor"
	"github.com/postalsys/udpshare/internal/registry"
)

// StatsProvider provides runtime statistics.
type StatsProvider interface {
	// IsRunning returns true if the agent is running.
	IsRunning() bool

	// Stats returns runtime statistics.
	Stats() Stats
}

// Admin exposes the port registry for the admin endpoints.
type Admin interface {
	// Ports returns every registered port.
	Ports() []registry.EntryInfo

	// Close executes an explicit close command.
	Close(cmd janitor.CloseCommand) error
}

// Stats contains health statistics.
type Stats struct {
	Sockets          int `json:"sockets"`
	InboundCount     int `json:"inbound_count"`
	InboundListening int `json:"inbound_listening"`
	OutboundCount    int `json:"outbound_count"`
	Subscriptions    int `json:"subscriptions"`
}

// ServerConfig contains health server configuration.
type ServerConfig struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// ReadTimeout for HTTP reads
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes
	WriteTimeout time.Duration
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      ":8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// PortsResponse is the response for GET /ports, keyed by port number.
type PortsResponse struct {
	Ports map[string]registry.EntryInfo `json:"ports"`
}

// CloseResponse is the response for POST /ports/close.
type CloseResponse struct {
	Closed []int  `json:"closed"`
	Error  string `json:"error,omitempty"`
}

// Server is an HTTP server for health check endpoints.
type Server struct {
	cfg      ServerConfig
	provider StatsProvider
	admin    Admin
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a new health check server.
func NewServer(cfg ServerConfig, provider StatsProvider) *Server {
	s := &Server{
		cfg:      cfg,
		provider: provider,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ready", s.handleReady)

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	// Port registry admin endpoints
	mux.HandleFunc("/ports", s.handlePorts)
	mux.HandleFunc("/ports/close", s.handleClose)

	// pprof debug endpoints
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// SetAdmin enables the /ports endpoints.
func (s *Server) SetAdmin(admin Admin) {
	s.admin = admin
}

// Start starts the health check server.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go s.server.Serve(ln)

	return nil
}

// Stop stops the health check server.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Handler returns the HTTP handler for embedding in other servers.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// handleHealth handles the basic health check endpoint.
// Returns 200 if the server is responding.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK\n"))
}

// handleHealthz handles the detailed health check endpoint.
// Returns 200 with JSON stats if healthy, 503 if not running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.provider == nil || !s.provider.IsRunning() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":  "unavailable",
			"running": false,
		})
		return
	}

	stats := s.provider.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "healthy",
		"running":           true,
		"sockets":           stats.Sockets,
		"inbound_count":     stats.InboundCount,
		"inbound_listening": stats.InboundListening,
		"outbound_count":    stats.OutboundCount,
		"subscriptions":     stats.Subscriptions,
	})
}

// handleReady handles the readiness probe endpoint.
// Returns 200 once the agent is running.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.provider == nil || !s.provider.IsRunning() {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("NOT READY\n"))
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY\n"))
}

// handlePorts lists the registered ports.
func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.admin == nil {
		http.Error(w, "admin not available", http.StatusServiceUnavailable)
		return
	}

	resp := PortsResponse{Ports: make(map[string]registry.EntryInfo)}
	for _, e := range s.admin.Ports() {
		resp.Ports[strconv.Itoa(e.Port)] = e
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleClose closes one port (?port=N) or all of them.
func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.admin == nil {
		http.Error(w, "admin not available", http.StatusServiceUnavailable)
		return
	}

	var cmd janitor.CloseCommand
	if v := r.URL.Query().Get("port"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port < 1 || port > 65535 {
			http.Error(w, "invalid port", http.StatusBadRequest)
			return
		}
		cmd.Port = &port
	}

	before := s.admin.Ports()
	err := s.admin.Close(cmd)

	resp := CloseResponse{Closed: []int{}}
	for _, e := range before {
		if cmd.Port == nil || *cmd.Port == e.Port {
			resp.Closed = append(resp.Closed, e.Port)
		}
	}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
