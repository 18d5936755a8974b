// Package sysinfo collects host information reported by the status command.
package sysinfo

import (
	"net"
	"os"
	"runtime"
)

// Version is the udpshare version, set at build time via ldflags.
// Example: go build -ldflags="-X github.com/postalsys/udpshare/internal/sysinfo.Version=1.0.0"
var Version = "dev"

// Info describes the host a udpshare instance runs on.
type Info struct {
	Hostname   string      `json:"hostname"`
	OS         string      `json:"os"`
	Arch       string      `json:"arch"`
	Version    string      `json:"version"`
	Interfaces []Interface `json:"interfaces,omitempty"`
}

// Interface is a network interface endpoints may bind to.
type Interface struct {
	Name      string   `json:"name"`
	Addresses []string `json:"addresses"`
	Broadcast bool     `json:"broadcast"`
	Multicast bool     `json:"multicast"`
}

// Collect gathers local host information.
func Collect() Info {
	hostname, _ := os.Hostname()

	return Info{
		Hostname:   hostname,
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		Version:    Version,
		Interfaces: Interfaces(),
	}
}

// Interfaces returns the interfaces that are up, with their unicast
// addresses. Loopback interfaces are included since endpoints may bind them.
func Interfaces() []Interface {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	var out []Interface
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}

		info := Interface{
			Name:      ifi.Name,
			Broadcast: ifi.Flags&net.FlagBroadcast != 0,
			Multicast: ifi.Flags&net.FlagMulticast != 0,
		}
		for _, addr := range addrs {
			if ipNet, ok := addr.(*net.IPNet); ok {
				info.Addresses = append(info.Addresses, ipNet.IP.String())
			}
		}
		out = append(out, info)
	}

	return out
}
