package health

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/postalsys/udpshare/internal/janitor"
	"github.com/postalsys/udpshare/internal/registry"
)

// mockStatsProvider implements StatsProvider for testing.
type mockStatsProvider struct {
	running bool
	stats   Stats
}

func (m *mockStatsProvider) IsRunning() bool {
	return m.running
}

func (m *mockStatsProvider) Stats() Stats {
	return m.stats
}

// mockAdmin implements Admin for testing.
type mockAdmin struct {
	ports    []registry.EntryInfo
	closeErr error
	commands []janitor.CloseCommand
}

func (m *mockAdmin) Ports() []registry.EntryInfo {
	return m.ports
}

func (m *mockAdmin) Close(cmd janitor.CloseCommand) error {
	m.commands = append(m.commands, cmd)
	return m.closeErr
}

func newAdmin() *mockAdmin {
	return &mockAdmin{ports: []registry.EntryInfo{
		{Port: 5000, Owner: "in", Holders: []string{"in", "out"}, Family: "udp4"},
		{Port: 5353, Owner: "mdns", Holders: []string{"mdns"}, Family: "udp4", Groups: []string{"224.0.0.251"}},
	}}
}

func TestNewServer(t *testing.T) {
	cfg := DefaultServerConfig()
	provider := &mockStatsProvider{running: true}

	s := NewServer(cfg, provider)
	if s == nil {
		t.Fatal("NewServer returned nil")
	}
}

func TestServer_handleHealth(t *testing.T) {
	s := NewServer(DefaultServerConfig(), &mockStatsProvider{running: true})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	s.server.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if body := rec.Body.String(); body != "OK\n" {
		t.Errorf("expected body 'OK\\n', got %q", body)
	}
}

func TestServer_handleHealth_MethodNotAllowed(t *testing.T) {
	s := NewServer(DefaultServerConfig(), &mockStatsProvider{running: true})

	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	rec := httptest.NewRecorder()

	s.server.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
	}
}

func TestServer_handleHealthz_Running(t *testing.T) {
	provider := &mockStatsProvider{
		running: true,
		stats: Stats{
			Sockets:          2,
			InboundCount:     3,
			InboundListening: 3,
			OutboundCount:    1,
			Subscriptions:    4,
		},
	}
	s := NewServer(DefaultServerConfig(), provider)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	s.server.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}

	var response map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if response["status"] != "healthy" {
		t.Errorf("expected status 'healthy', got %v", response["status"])
	}
	if int(response["sockets"].(float64)) != 2 {
		t.Errorf("expected sockets 2, got %v", response["sockets"])
	}
	if int(response["inbound_count"].(float64)) != 3 {
		t.Errorf("expected inbound_count 3, got %v", response["inbound_count"])
	}
}

func TestServer_handleHealthz_NotRunning(t *testing.T) {
	s := NewServer(DefaultServerConfig(), &mockStatsProvider{running: false})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	s.server.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
	}
}

func TestServer_handleReady(t *testing.T) {
	tests := []struct {
		name    string
		running bool
		code    int
		body    string
	}{
		{"running", true, http.StatusOK, "READY\n"},
		{"stopped", false, http.StatusServiceUnavailable, "NOT READY\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(DefaultServerConfig(), &mockStatsProvider{running: tt.running})

			req := httptest.NewRequest(http.MethodGet, "/ready", nil)
			rec := httptest.NewRecorder()
			s.server.Handler.ServeHTTP(rec, req)

			if rec.Code != tt.code {
				t.Errorf("expected status %d, got %d", tt.code, rec.Code)
			}
			if rec.Body.String() != tt.body {
				t.Errorf("expected body %q, got %q", tt.body, rec.Body.String())
			}
		})
	}
}

func TestServer_handlePorts(t *testing.T) {
	s := NewServer(DefaultServerConfig(), &mockStatsProvider{running: true})
	s.SetAdmin(newAdmin())

	req := httptest.NewRequest(http.MethodGet, "/ports", nil)
	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}

	var resp PortsResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Ports) != 2 {
		t.Fatalf("expected 2 ports, got %d", len(resp.Ports))
	}
	if e := resp.Ports["5000"]; e.Owner != "in" || len(e.Holders) != 2 {
		t.Errorf("ports[5000] = %+v, want owner in with 2 holders", e)
	}
	if e := resp.Ports["5353"]; len(e.Groups) != 1 {
		t.Errorf("ports[5353].Groups = %v, want 1 group", e.Groups)
	}
}

func TestServer_handlePorts_NoAdmin(t *testing.T) {
	s := NewServer(DefaultServerConfig(), &mockStatsProvider{running: true})

	req := httptest.NewRequest(http.MethodGet, "/ports", nil)
	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
	}
}

func TestServer_handleClose(t *testing.T) {
	tests := []struct {
		name       string
		target     string
		wantCode   int
		wantPort   int
		wantClosed int
	}{
		{"single port", "/ports/close?port=5000", http.StatusOK, 5000, 1},
		{"all ports", "/ports/close", http.StatusOK, 0, 2},
		{"invalid port", "/ports/close?port=abc", http.StatusBadRequest, 0, 0},
		{"port out of range", "/ports/close?port=70000", http.StatusBadRequest, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			admin := newAdmin()
			s := NewServer(DefaultServerConfig(), &mockStatsProvider{running: true})
			s.SetAdmin(admin)

			req := httptest.NewRequest(http.MethodPost, tt.target, nil)
			rec := httptest.NewRecorder()
			s.server.Handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantCode {
				t.Fatalf("expected status %d, got %d", tt.wantCode, rec.Code)
			}
			if tt.wantCode != http.StatusOK {
				if len(admin.commands) != 0 {
					t.Errorf("close executed for a rejected request")
				}
				return
			}

			if len(admin.commands) != 1 {
				t.Fatalf("commands = %d, want 1", len(admin.commands))
			}
			cmd := admin.commands[0]
			if tt.wantPort == 0 && cmd.Port != nil {
				t.Errorf("cmd.Port = %d, want nil", *cmd.Port)
			}
			if tt.wantPort != 0 && (cmd.Port == nil || *cmd.Port != tt.wantPort) {
				t.Errorf("cmd.Port = %v, want %d", cmd.Port, tt.wantPort)
			}

			var resp CloseResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if len(resp.Closed) != tt.wantClosed {
				t.Errorf("closed = %v, want %d ports", resp.Closed, tt.wantClosed)
			}
		})
	}
}

func TestServer_handleClose_ReportsError(t *testing.T) {
	admin := newAdmin()
	admin.closeErr = errors.New("close failed")
	s := NewServer(DefaultServerConfig(), &mockStatsProvider{running: true})
	s.SetAdmin(admin)

	req := httptest.NewRequest(http.MethodPost, "/ports/close", nil)
	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, req)

	var resp CloseResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Error != "close failed" {
		t.Errorf("error = %q, want %q", resp.Error, "close failed")
	}
}

func TestServer_handleClose_MethodNotAllowed(t *testing.T) {
	s := NewServer(DefaultServerConfig(), &mockStatsProvider{running: true})
	s.SetAdmin(newAdmin())

	req := httptest.NewRequest(http.MethodGet, "/ports/close", nil)
	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
	}
}

func TestServer_StartStop(t *testing.T) {
	cfg := ServerConfig{
		Address:      "127.0.0.1:0",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	s := NewServer(cfg, &mockStatsProvider{running: true})

	if err := s.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	if !s.IsRunning() {
		t.Error("expected server to be running")
	}

	resp, err := http.Get("http://" + s.Address().String() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "OK\n" {
		t.Errorf("expected body 'OK\\n', got %q", body)
	}

	if err := s.Stop(); err != nil {
		t.Errorf("first stop failed: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second stop failed: %v", err)
	}
}

func TestServer_NilProvider(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	s.server.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
	}
}

func TestServer_Metrics(t *testing.T) {
	s := NewServer(DefaultServerConfig(), &mockStatsProvider{running: true})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
}

func TestServer_PprofIndex(t *testing.T) {
	s := NewServer(DefaultServerConfig(), &mockStatsProvider{running: true})

	req := httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil)
	rec := httptest.NewRecorder()

	s.server.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Error("expected non-empty body for pprof index")
	}
}
