// Package control provides a Unix socket control interface for udpshare.
package control

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"maps"
	"net"
	"net/http"
	"os"
	"slices"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/postalsys/udpshare/internal/endpoint"
	"github.com/postalsys/udpshare/internal/janitor"
	"github.com/postalsys/udpshare/internal/registry"
	"github.com/postalsys/udpshare/internal/sysinfo"
)

// ErrUnknownEndpoint is returned by Send for an unknown endpoint name.
var ErrUnknownEndpoint = errors.New("unknown outbound endpoint")

// AgentInfo provides agent information and commands for the control
// interface.
type AgentInfo interface {
	// IsRunning returns true if the agent is running.
	IsRunning() bool

	// Uptime returns how long the agent has been running.
	Uptime() time.Duration

	// InboundStatus returns the status of every inbound endpoint.
	InboundStatus() []endpoint.Status

	// OutboundStatus returns the status of every outbound endpoint.
	OutboundStatus() []endpoint.OutboundStatus

	// Ports returns every registered port.
	Ports() []registry.EntryInfo

	// Close executes an explicit close command.
	Close(cmd janitor.CloseCommand) error

	// Send injects a request into the named outbound endpoint.
	Send(ctx context.Context, name string, req endpoint.OutboundRequest) (endpoint.SendResult, error)
}

// StatusResponse is the response for the status endpoint.
type StatusResponse struct {
	Running  bool                      `json:"running"`
	Uptime   string                    `json:"uptime"`
	Sockets  int                       `json:"sockets"`
	Inbound  []endpoint.Status         `json:"inbound"`
	Outbound []endpoint.OutboundStatus `json:"outbound"`
	Host     sysinfo.Info              `json:"host"`
}

// PortsResponse is the response for the ports endpoint, keyed by port number.
type PortsResponse struct {
	Ports map[string]registry.EntryInfo `json:"ports"`
}

// Sorted returns the entries in ascending port order.
func (r *PortsResponse) Sorted() []registry.EntryInfo {
	return slices.SortedFunc(maps.Values(r.Ports), func(a, b registry.EntryInfo) int {
		return cmp.Compare(a.Port, b.Port)
	})
}

// CloseRequest is the body of the close endpoint. Port is optional; without
// it every port is closed.
type CloseRequest = janitor.CloseCommand

// CloseResponse is the response for the close endpoint.
type CloseResponse struct {
	Remaining int    `json:"remaining"`
	Error     string `json:"error,omitempty"`
}

// SendRequest is the body of the send endpoint.
type SendRequest struct {
	Endpoint string `json:"endpoint"`
	endpoint.OutboundRequest
}

// SendResponse is the response for the send endpoint.
type SendResponse struct {
	Destination string `json:"destination,omitempty"`
	Bytes       int    `json:"bytes"`
	Dropped     bool   `json:"dropped,omitempty"`
	Error       string `json:"error,omitempty"`
}

// ServerConfig contains control server configuration.
type ServerConfig struct {
	// SocketPath is the path to the Unix socket file.
	SocketPath string

	// ReadTimeout for HTTP reads.
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes.
	WriteTimeout time.Duration
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		SocketPath:   "./udpshare.sock",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is a Unix socket HTTP server for control commands.
type Server struct {
	cfg      ServerConfig
	agent    AgentInfo
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a new control server.
func NewServer(cfg ServerConfig, agent AgentInfo) *Server {
	s := &Server{
		cfg:   cfg,
		agent: agent,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/ports", s.handlePorts)
	mux.HandleFunc("/close", s.handleClose)
	mux.HandleFunc("/send", s.handleSend)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start starts the control server.
func (s *Server) Start() error {
	// Remove a stale socket file left by a previous run
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go s.server.Serve(ln)

	return nil
}

// Stop stops the control server.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}

	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// handleStatus handles the status endpoint.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := StatusResponse{
		Running:  s.agent.IsRunning(),
		Uptime:   s.agent.Uptime().Round(time.Second).String(),
		Sockets:  len(s.agent.Ports()),
		Inbound:  s.agent.InboundStatus(),
		Outbound: s.agent.OutboundStatus(),
		Host:     sysinfo.Collect(),
	}

	writeJSON(w, http.StatusOK, response)
}

// handlePorts handles the ports endpoint.
func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := PortsResponse{Ports: make(map[string]registry.EntryInfo)}
	for _, e := range s.agent.Ports() {
		resp.Ports[strconv.Itoa(e.Port)] = e
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleClose handles the close endpoint.
func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req CloseRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	var response CloseResponse
	if err := s.agent.Close(req); err != nil {
		response.Error = err.Error()
	}
	response.Remaining = len(s.agent.Ports())

	writeJSON(w, http.StatusOK, response)
}

// handleSend handles the send endpoint.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := s.agent.Send(r.Context(), req.Endpoint, req.OutboundRequest)
	if errors.Is(err, ErrUnknownEndpoint) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	response := SendResponse{
		Destination: res.Destination,
		Bytes:       res.Bytes,
		Dropped:     res.Dropped,
	}
	if res.Err != nil {
		response.Error = res.Err.Error()
	}

	writeJSON(w, http.StatusOK, response)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
