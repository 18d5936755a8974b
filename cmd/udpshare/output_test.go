package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/postalsys/udpshare/internal/control"
	"github.com/postalsys/udpshare/internal/endpoint"
	"github.com/postalsys/udpshare/internal/registry"
)

func TestPortRow(t *testing.T) {
	tests := []struct {
		name  string
		entry registry.EntryInfo
		mode  string
	}{
		{"off", registry.EntryInfo{Port: 5000}, "off"},
		{"broadcast", registry.EntryInfo{Port: 5000, Broadcast: true}, "broadcast"},
		{"multicast", registry.EntryInfo{Port: 5000, Groups: []string{"239.1.2.3"}}, "multicast 239.1.2.3"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			row := portRow(tc.entry)
			if len(row) != len(portHeaders) {
				t.Fatalf("len(row) = %d, want %d", len(row), len(portHeaders))
			}
			if row[5] != tc.mode {
				t.Errorf("mode = %q, want %q", row[5], tc.mode)
			}
		})
	}
}

func TestPrintPortsPlain(t *testing.T) {
	var buf bytes.Buffer
	printPorts(&buf, []registry.EntryInfo{{
		Port:      5000,
		Family:    "udp4",
		LocalAddr: "0.0.0.0:5000",
		Owner:     "in",
		Holders:   []string{"in", "out"},
		CreatedAt: time.Now(),
	}}, false)

	out := buf.String()
	for _, want := range []string{"PORT", "5000", "udp4", "in,out"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintPortsEmpty(t *testing.T) {
	var buf bytes.Buffer
	printPorts(&buf, nil, true)
	if !strings.Contains(buf.String(), "No ports registered") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestPrintStatus(t *testing.T) {
	var buf bytes.Buffer
	printStatus(&buf, &control.StatusResponse{
		Running: true,
		Uptime:  "1m0s",
		Sockets: 1,
		Inbound: []endpoint.Status{
			{Name: "sensors", Port: 5000, State: "error", Message: "socket released", Since: time.Now()},
		},
		Outbound: []endpoint.OutboundStatus{
			{Name: "reply", Sent: 1200},
		},
	})

	out := buf.String()
	for _, want := range []string{"sensors", "socket released", "reply", "private", "1,200"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
