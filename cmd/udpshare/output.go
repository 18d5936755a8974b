package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"github.com/postalsys/udpshare/internal/control"
	"github.com/postalsys/udpshare/internal/registry"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

var portHeaders = []string{"PORT", "FAMILY", "LOCAL", "OWNER", "HOLDERS", "MODE", "AGE"}

func portRow(e registry.EntryInfo) []string {
	mode := "off"
	switch {
	case len(e.Groups) > 0:
		mode = "multicast " + strings.Join(e.Groups, ",")
	case e.Broadcast:
		mode = "broadcast"
	}
	return []string{
		strconv.Itoa(e.Port),
		e.Family,
		e.LocalAddr,
		e.Owner,
		strings.Join(e.Holders, ","),
		mode,
		humanize.Time(e.CreatedAt),
	}
}

// printPorts writes the port table. Terminals get a styled table, anything
// else gets tab separated columns.
func printPorts(w io.Writer, ports []registry.EntryInfo, styled bool) {
	if len(ports) == 0 {
		fmt.Fprintln(w, "No ports registered.")
		return
	}

	if styled {
		t := table.New().
			Border(lipgloss.NormalBorder()).
			BorderStyle(borderStyle).
			StyleFunc(func(row, col int) lipgloss.Style {
				if row == table.HeaderRow {
					return headerStyle
				}
				return lipgloss.NewStyle()
			}).
			Headers(portHeaders...)
		for _, e := range ports {
			t.Row(portRow(e)...)
		}
		fmt.Fprintln(w, t)
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(portHeaders, "\t"))
	for _, e := range ports {
		fmt.Fprintln(tw, strings.Join(portRow(e), "\t"))
	}
	tw.Flush()
}

func printStatus(w io.Writer, s *control.StatusResponse) {
	state := errStyle.Render("stopped")
	if s.Running {
		state = okStyle.Render("running")
	}
	fmt.Fprintf(w, "Status:   %s (uptime %s)\n", state, s.Uptime)
	fmt.Fprintf(w, "Sockets:  %d\n", s.Sockets)
	if s.Host.Hostname != "" {
		fmt.Fprintf(w, "Host:     %s (%s/%s, udpshare %s)\n", s.Host.Hostname, s.Host.OS, s.Host.Arch, s.Host.Version)
	}

	if len(s.Inbound) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, headerStyle.Render("Inbound"))
		for _, in := range s.Inbound {
			line := fmt.Sprintf("  %-20s port %-5d %-10s since %s", in.Name, in.Port, in.State, humanize.Time(in.Since))
			if in.Message != "" {
				line += " (" + in.Message + ")"
			}
			fmt.Fprintln(w, line)
		}
	}

	if len(s.Outbound) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, headerStyle.Render("Outbound"))
		for _, out := range s.Outbound {
			from := "private"
			if out.LocalPort != 0 {
				from = "port " + strconv.Itoa(out.LocalPort)
			}
			fmt.Fprintf(w, "  %-20s %-12s sent %s, dropped %s, errors %s\n",
				out.Name, from,
				humanize.Comma(int64(out.Sent)),
				humanize.Comma(int64(out.Dropped)),
				humanize.Comma(int64(out.Errors)))
		}
	}
}
