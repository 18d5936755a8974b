// Package resolver turns a configured interface name into a bind address.
package resolver

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrInterfaceNotFound is returned when an interface name cannot be mapped to
// an address of the requested family.
var ErrInterfaceNotFound = errors.New("interface not found")

// Resolver maps an interface name (or literal address) to an IP address for
// the given network ("udp4" or "udp6").
type Resolver interface {
	Resolve(name, network string) (net.IP, error)
}

// InterfaceAddrs lists the addresses assigned to the named interface.
type InterfaceAddrs func(name string) ([]net.Addr, error)

// System resolves names against the host's network interfaces.
type System struct {
	addrs InterfaceAddrs
}

// NewSystem creates a resolver backed by net.InterfaceByName.
func NewSystem() *System {
	return &System{addrs: systemAddrs}
}

func systemAddrs(name string) ([]net.Addr, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return nil, err
	}
	return ifi.Addrs()
}

// Resolve returns the first address on the interface that matches the network
// family. A name that already parses as an IP is returned unchanged.
func (s *System) Resolve(name, network string) (net.IP, error) {
	if ip, ok := literal(name); ok {
		return ip, nil
	}

	addrs, err := s.addrs(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInterfaceNotFound, name, err)
	}

	for _, addr := range addrs {
		var ip net.IP
		switch a := addr.(type) {
		case *net.IPNet:
			ip = a.IP
		case *net.IPAddr:
			ip = a.IP
		default:
			continue
		}
		if matchesFamily(ip, network) {
			return ip, nil
		}
	}

	return nil, fmt.Errorf("%w: %s has no %s address", ErrInterfaceNotFound, name, family(network))
}

// Static resolves from a fixed table. Useful for tests and for hosts where
// interface names are pinned in configuration.
type Static map[string][]net.IP

// Resolve implements Resolver.
func (s Static) Resolve(name, network string) (net.IP, error) {
	if ip, ok := literal(name); ok {
		return ip, nil
	}
	for _, ip := range s[name] {
		if matchesFamily(ip, network) {
			return ip, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrInterfaceNotFound, name)
}

func literal(name string) (net.IP, bool) {
	// zone-qualified IPv6 literals (fe80::1%eth0) keep only the address part
	host := name
	if i := strings.IndexByte(host, '%'); i >= 0 {
		host = host[:i]
	}
	ip := net.ParseIP(host)
	return ip, ip != nil
}

func matchesFamily(ip net.IP, network string) bool {
	is4 := ip.To4() != nil
	if network == "udp6" {
		return !is4
	}
	return is4
}

func family(network string) string {
	if network == "udp6" {
		return "IPv6"
	}
	return "IPv4"
}
