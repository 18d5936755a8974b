package endpoint

import (
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/postalsys/udpshare/internal/logging"
	"github.com/postalsys/udpshare/internal/metrics"
	"github.com/postalsys/udpshare/internal/registry"
	"github.com/postalsys/udpshare/internal/resolver"
	"github.com/postalsys/udpshare/internal/socket"
)

// Backoff bounds the delay between rebind attempts.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultBackoff is used when a Backoff field is zero.
var DefaultBackoff = Backoff{Initial: 500 * time.Millisecond, Max: 30 * time.Second}

func (b Backoff) withDefaults() Backoff {
	if b.Initial <= 0 {
		b.Initial = DefaultBackoff.Initial
	}
	if b.Max < b.Initial {
		b.Max = max(DefaultBackoff.Max, b.Initial)
	}
	return b
}

// Socket holds the socket options shared by inbound and outbound endpoints.
type Socket struct {
	Family socket.Family

	// Interface is an interface name or local address. Empty selects the
	// system default.
	Interface string

	Mode  socket.Mode
	Group string

	TTL             int
	ReadBuffer      int
	MaxDatagramSize int
}

// Deps are the shared services an endpoint is built on.
type Deps struct {
	Registry *registry.Registry
	Resolver resolver.Resolver
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

func (d Deps) withDefaults() Deps {
	if d.Resolver == nil {
		d.Resolver = resolver.NewSystem()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.Default()
	}
	if d.Logger == nil {
		d.Logger = logging.NopLogger()
	}
	if d.Registry == nil {
		d.Registry = registry.New(registry.Options{Logger: d.Logger, Metrics: d.Metrics})
	}
	return d
}

func newID(name, kind string) string {
	if name != "" {
		return name
	}
	return kind + "-" + uuid.NewString()
}

// socketConfig resolves the configured interface and builds the socket
// configuration for port. An unknown interface falls back to the default
// with a warning.
func socketConfig(s Socket, port int, res resolver.Resolver, logger *slog.Logger) socket.Config {
	if s.Family == "" {
		s.Family = socket.IPv4
	}
	cfg := socket.Config{
		Port:            port,
		Family:          s.Family,
		Mode:            s.Mode,
		Group:           s.Group,
		TTL:             s.TTL,
		ReadBuffer:      s.ReadBuffer,
		MaxDatagramSize: s.MaxDatagramSize,
	}
	if s.Interface == "" {
		return cfg
	}

	ip, err := res.Resolve(s.Interface, s.Family.Network())
	if err != nil {
		if errors.Is(err, resolver.ErrInterfaceNotFound) {
			logger.Warn("interface not found, using default interface",
				logging.KeyInterface, s.Interface,
				logging.KeyError, err)
		} else {
			logger.Warn("failed to resolve interface, using default interface",
				logging.KeyInterface, s.Interface,
				logging.KeyError, err)
		}
		return cfg
	}
	cfg.Interface = ip
	return cfg
}

func interfaceString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}
