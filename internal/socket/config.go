package socket

import "net"

// Family selects the IP version of a socket.
type Family string

const (
	IPv4 Family = "udp4"
	IPv6 Family = "udp6"
)

// Network returns the Go network name for the family.
func (f Family) Network() string {
	if f == IPv6 {
		return "udp6"
	}
	return "udp4"
}

// Valid reports whether f is a known family.
func (f Family) Valid() bool {
	return f == IPv4 || f == IPv6
}

// Mode is the broadcast/multicast mode requested for a socket.
type Mode string

const (
	ModeOff       Mode = "off"
	ModeBroadcast Mode = "broadcast"
	ModeMulticast Mode = "multicast"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeOff, ModeBroadcast, ModeMulticast:
		return true
	}
	return false
}

const (
	// DefaultTTL is the multicast TTL (IPv4) or hop limit (IPv6).
	DefaultTTL = 128

	// DefaultMaxDatagramSize is the largest UDP payload the receive loop accepts.
	DefaultMaxDatagramSize = 65535
)

// Config describes how a socket is created and which flags it carries.
type Config struct {
	// Port to bind. 0 binds an ephemeral port.
	Port int

	// Family is udp4 or udp6. Empty means udp4.
	Family Family

	// Mode controls broadcast and multicast setup.
	Mode Mode

	// Group is the multicast group joined when Mode is ModeMulticast.
	Group string

	// Interface is the local address of the interface used for multicast
	// membership and outgoing multicast. nil selects the system default.
	Interface net.IP

	// TTL for outgoing multicast. 0 means DefaultTTL.
	TTL int

	// ReadBuffer sets SO_RCVBUF when positive.
	ReadBuffer int

	// MaxDatagramSize bounds the receive buffer. 0 means DefaultMaxDatagramSize.
	MaxDatagramSize int
}

func (c Config) withDefaults() Config {
	if c.Family == "" {
		c.Family = IPv4
	}
	if c.Mode == "" {
		c.Mode = ModeOff
	}
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.MaxDatagramSize <= 0 {
		c.MaxDatagramSize = DefaultMaxDatagramSize
	}
	return c
}
