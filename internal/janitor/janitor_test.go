package janitor

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/postalsys/udpshare/internal/metrics"
	"github.com/postalsys/udpshare/internal/registry"
	"github.com/postalsys/udpshare/internal/socket"
)

// mockRegistry fails Release for the ports in fail. Released entries are
// removed whether or not Release fails.
type mockRegistry struct {
	ports    map[int]string
	fail     map[int]bool
	panics   map[int]bool
	released []int
}

func (m *mockRegistry) Snapshot() []int {
	var ports []int
	for p := range m.ports {
		ports = append(ports, p)
	}
	return ports
}

func (m *mockRegistry) Owner(port int) string { return m.ports[port] }

func (m *mockRegistry) Release(port int) error {
	m.released = append(m.released, port)
	delete(m.ports, port)
	if m.panics[port] {
		panic("close exploded")
	}
	if m.fail[port] {
		return errors.New("close failed")
	}
	return nil
}

func TestCloseAllContinuesPastFailures(t *testing.T) {
	m := &mockRegistry{
		ports:  map[int]string{1000: "a", 2000: "b", 3000: "c", 4000: "d"},
		fail:   map[int]bool{2000: true},
		panics: map[int]bool{3000: true},
	}
	j := New(m, nil)

	err := j.CloseAll()
	if err == nil {
		t.Fatal("CloseAll() = nil, want the close failures")
	}
	errs := multierr.Errors(err)
	if len(errs) != 2 {
		t.Errorf("errors = %d, want 2 (one failure, one panic)", len(errs))
	}
	if !errors.Is(err, ErrClosePanicked) {
		t.Errorf("CloseAll() = %v, want an error wrapping ErrClosePanicked", err)
	}
	if len(m.released) != 4 {
		t.Errorf("released = %v, want all 4 ports", m.released)
	}
	if len(m.ports) != 0 {
		t.Errorf("ports left = %v, want none", m.ports)
	}
}

func TestClosePortReportsPanic(t *testing.T) {
	m := &mockRegistry{
		ports:  map[int]string{3000: "c"},
		panics: map[int]bool{3000: true},
	}
	j := New(m, nil)

	err := j.ClosePort(3000)
	if !errors.Is(err, ErrClosePanicked) {
		t.Fatalf("ClosePort() = %v, want an error wrapping ErrClosePanicked", err)
	}
	if !strings.Contains(err.Error(), "close exploded") || !strings.Contains(err.Error(), "3000") {
		t.Errorf("ClosePort() = %q, want the port and panic value", err)
	}
	if _, ok := m.ports[3000]; ok {
		t.Error("port 3000 still registered after panic")
	}
}

func TestHandle(t *testing.T) {
	m := &mockRegistry{ports: map[int]string{1000: "a", 2000: "b"}}
	j := New(m, nil)

	port := 2000
	if err := j.Handle(CloseCommand{Port: &port}); err != nil {
		t.Fatalf("Handle(port) = %v", err)
	}
	if _, ok := m.ports[2000]; ok {
		t.Error("port 2000 still registered")
	}
	if _, ok := m.ports[1000]; !ok {
		t.Error("port 1000 closed by single-port command")
	}

	if err := j.Handle(CloseCommand{}); err != nil {
		t.Fatalf("Handle(all) = %v", err)
	}
	if len(m.ports) != 0 {
		t.Errorf("ports left = %v, want none", m.ports)
	}
}

func TestClosePortAbsent(t *testing.T) {
	reg := registry.New(registry.Options{Metrics: metrics.NewMetricsWithRegistry(prometheus.NewRegistry())})
	j := New(reg, nil)

	if err := j.ClosePort(12345); err != nil {
		t.Errorf("ClosePort(absent) = %v, want nil", err)
	}
}

func TestCloseAllWithRegistry(t *testing.T) {
	reg := registry.New(registry.Options{Metrics: metrics.NewMetricsWithRegistry(prometheus.NewRegistry())})
	j := New(reg, nil)

	var handles []*socket.Handle
	for i := 0; i < 3; i++ {
		pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("ListenPacket: %v", err)
		}
		port := pc.LocalAddr().(*net.UDPAddr).Port
		pc.Close()

		h, _, err := reg.Acquire(context.Background(), "test", socket.Config{Port: port})
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		handles = append(handles, h)
	}

	// An already closed socket must not stop the others.
	handles[1].Close()

	if err := j.CloseAll(); err != nil {
		t.Errorf("CloseAll() = %v, want nil", err)
	}
	if reg.Len() != 0 {
		t.Errorf("registry Len() = %d, want 0", reg.Len())
	}
	for i, h := range handles {
		if !h.Closed() {
			t.Errorf("handles[%d] still open", i)
		}
	}
}
