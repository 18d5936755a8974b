// Package wizard provides an interactive setup wizard for udpshare.
package wizard

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/udpshare/internal/config"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
}

// Answers holds everything the wizard asks for.
type Answers struct {
	ConfigPath string
	Inbound    []config.InboundConfig
	Outbound   []config.OutboundConfig

	LogLevel       string
	HealthEnabled  bool
	ControlEnabled bool
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	var (
		a   Answers
		err error
	)

	// Step 1: Config path
	if a.ConfigPath, err = w.askConfigPath(); err != nil {
		return nil, err
	}

	// Step 2: Receiving ports
	if a.Inbound, err = w.askInbound(); err != nil {
		return nil, err
	}

	// Step 3: Sending endpoints
	if a.Outbound, err = w.askOutbound(); err != nil {
		return nil, err
	}

	// Step 4: Advanced options
	if a.HealthEnabled, a.ControlEnabled, a.LogLevel, err = w.askAdvancedOptions(); err != nil {
		return nil, err
	}

	cfg := BuildConfig(a)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := WriteConfig(cfg, a.ConfigPath); err != nil {
		return nil, err
	}

	w.printSummary(a.ConfigPath, cfg)

	return &Result{
		Config:     cfg,
		ConfigPath: a.ConfigPath,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
            _       _
  _   _  __| |_ __ | |__   __ _ _ __ ___
 | | | |/ _' | '_ \| '_ \ / _' | '__/ _ \
 | |_| | (_| | |_) | | | | (_| | | |  __/
  \__,_|\__,_| .__/|_| |_|\__,_|_|  \___|
             |_|
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  Shared UDP Port Runtime - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askConfigPath() (string, error) {
	configPath := "./udpshare.yaml"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Choose where the configuration is written."),

			huh.NewInput().
				Title("Config File Path").
				Placeholder("./udpshare.yaml").
				Value(&configPath).
				Validate(validateConfigPath),
		),
	).WithTheme(w.theme)

	err := form.Run()
	return configPath, err
}

func (w *Wizard) askInbound() ([]config.InboundConfig, error) {
	var endpoints []config.InboundConfig

	for {
		add := len(endpoints) == 0
		confirm := huh.NewForm(
			huh.NewGroup(
				huh.NewConfirm().
					Title(fmt.Sprintf("Add a receiving port? (%d configured)", len(endpoints))).
					Value(&add),
			),
		).WithTheme(w.theme)
		if err := confirm.Run(); err != nil {
			return nil, err
		}
		if !add {
			return endpoints, nil
		}

		in, err := w.askSingleInbound(len(endpoints) + 1)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, in)
	}
}

func (w *Wizard) askSingleInbound(n int) (config.InboundConfig, error) {
	var (
		name      = fmt.Sprintf("inbound-%d", n)
		port      = "5000"
		ipVersion = "udp4"
		datatype  = "raw"
		mode      = "off"
		group     string
		iface     string
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title(fmt.Sprintf("Receiving Port #%d", n)),

			huh.NewInput().
				Title("Name").
				Value(&name),

			huh.NewInput().
				Title("Port").
				Description("Local UDP port to bind (1-65535)").
				Value(&port).
				Validate(validatePort(1)),

			huh.NewSelect[string]().
				Title("IP Version").
				Options(
					huh.NewOption("IPv4", "udp4"),
					huh.NewOption("IPv6", "udp6"),
				).
				Value(&ipVersion),

			huh.NewSelect[string]().
				Title("Payload Representation").
				Options(
					huh.NewOption("Raw bytes", "raw"),
					huh.NewOption("UTF-8 text", "utf8"),
					huh.NewOption("Base64 text", "base64"),
				).
				Value(&datatype),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Broadcast / Multicast").
				Options(
					huh.NewOption("Off", "off"),
					huh.NewOption("Broadcast", "broadcast"),
					huh.NewOption("Multicast group", "multicast"),
				).
				Value(&mode),

			huh.NewInput().
				Title("Multicast Group").
				Description("Only used in multicast mode").
				Placeholder("239.1.2.3").
				Value(&group).
				Validate(func(s string) error {
					if mode != "multicast" {
						return nil
					}
					return validateGroup(s)
				}),

			huh.NewInput().
				Title("Interface").
				Description("Interface name or local address, empty for the default").
				Value(&iface),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return config.InboundConfig{}, err
	}

	p, _ := strconv.Atoi(port)
	in := config.InboundConfig{
		Name:      strings.TrimSpace(name),
		Port:      p,
		IPVersion: ipVersion,
		Interface: strings.TrimSpace(iface),
		Multicast: mode,
		Datatype:  datatype,
	}
	if mode == "multicast" {
		in.Group = strings.TrimSpace(group)
	}
	return in, nil
}

func (w *Wizard) askOutbound() ([]config.OutboundConfig, error) {
	var endpoints []config.OutboundConfig

	for {
		add := false
		confirm := huh.NewForm(
			huh.NewGroup(
				huh.NewConfirm().
					Title(fmt.Sprintf("Add a sending endpoint? (%d configured)", len(endpoints))).
					Value(&add),
			),
		).WithTheme(w.theme)
		if err := confirm.Run(); err != nil {
			return nil, err
		}
		if !add {
			return endpoints, nil
		}

		out, err := w.askSingleOutbound(len(endpoints) + 1)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, out)
	}
}

func (w *Wizard) askSingleOutbound(n int) (config.OutboundConfig, error) {
	var (
		name      = fmt.Sprintf("outbound-%d", n)
		localPort = "0"
		address   string
		port      string
		ipVersion = "udp4"
		b64       bool
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title(fmt.Sprintf("Sending Endpoint #%d", n)),

			huh.NewInput().
				Title("Name").
				Value(&name),

			huh.NewInput().
				Title("Local Port").
				Description("Send from this port, sharing its socket. 0 uses a private socket.").
				Value(&localPort).
				Validate(validatePort(0)),

			huh.NewInput().
				Title("Destination Address").
				Description("Default destination, may be overridden per message").
				Placeholder("192.168.1.10").
				Value(&address).
				Validate(func(s string) error {
					if s != "" && net.ParseIP(s) == nil {
						return fmt.Errorf("not an IP address")
					}
					return nil
				}),

			huh.NewInput().
				Title("Destination Port").
				Value(&port).
				Validate(func(s string) error {
					if s == "" {
						return nil
					}
					return validatePort(1)(s)
				}),

			huh.NewSelect[string]().
				Title("IP Version").
				Options(
					huh.NewOption("IPv4", "udp4"),
					huh.NewOption("IPv6", "udp6"),
				).
				Value(&ipVersion),

			huh.NewConfirm().
				Title("Payloads are base64?").
				Description("Decode base64 text before sending").
				Value(&b64),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return config.OutboundConfig{}, err
	}

	lp, _ := strconv.Atoi(localPort)
	p, _ := strconv.Atoi(port)
	return config.OutboundConfig{
		Name:      strings.TrimSpace(name),
		LocalPort: lp,
		IPVersion: ipVersion,
		Multicast: "off",
		Address:   strings.TrimSpace(address),
		Port:      p,
		Base64:    b64,
	}, nil
}

func (w *Wizard) askAdvancedOptions() (healthEnabled, controlEnabled bool, logLevel string, err error) {
	healthEnabled = true
	controlEnabled = true
	logLevel = "info"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure monitoring and logging."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&logLevel),

			huh.NewConfirm().
				Title("Enable health check endpoint?").
				Description("HTTP endpoint for monitoring (/health, /metrics, /ports)").
				Value(&healthEnabled),

			huh.NewConfirm().
				Title("Enable control socket?").
				Description("Unix socket for CLI commands (status, ports, close, send)").
				Value(&controlEnabled),
		),
	).WithTheme(w.theme)

	err = form.Run()
	return
}

// BuildConfig turns wizard answers into a configuration.
func BuildConfig(a Answers) *config.Config {
	cfg := config.Default()

	cfg.Agent.LogLevel = a.LogLevel
	if cfg.Agent.LogLevel == "" {
		cfg.Agent.LogLevel = "info"
	}
	cfg.Agent.LogFormat = "text"

	cfg.Inbound = append(cfg.Inbound, a.Inbound...)
	cfg.Outbound = append(cfg.Outbound, a.Outbound...)

	cfg.Health.Enabled = a.HealthEnabled

	cfg.Control.Enabled = a.ControlEnabled
	if a.ControlEnabled && a.ConfigPath != "" {
		cfg.Control.SocketPath = filepath.Join(filepath.Dir(a.ConfigPath), "udpshare.sock")
	}

	return cfg
}

// WriteConfig writes cfg as YAML to path, creating parent directories.
func WriteConfig(cfg *config.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# udpshare configuration
# Generated by setup wizard

`
	if err := os.WriteFile(path, []byte(header+string(data)), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(configPath string, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Config file:  %s\n", configPath)
	for _, in := range cfg.Inbound {
		fmt.Printf("  Receive:      %s on %s/%d (%s)\n", in.Name, in.IPVersion, in.Port, in.Datatype)
	}
	for _, out := range cfg.Outbound {
		from := "private socket"
		if out.LocalPort != 0 {
			from = "port " + strconv.Itoa(out.LocalPort)
		}
		fmt.Printf("  Send:         %s from %s to %s:%d\n", out.Name, from, out.Address, out.Port)
	}
	if cfg.Health.Enabled {
		fmt.Printf("  Health:       http://%s/health\n", cfg.Health.Address)
	}

	fmt.Println()
	fmt.Println("  To start:")
	fmt.Printf("    udpshare run -c %s\n", configPath)
	fmt.Println()
}

func validateConfigPath(s string) error {
	if s == "" {
		return fmt.Errorf("config path is required")
	}
	if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
		return fmt.Errorf("config file should have .yaml or .yml extension")
	}
	return nil
}

func validatePort(min int) func(string) error {
	return func(s string) error {
		p, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return fmt.Errorf("port must be a number")
		}
		if p < min || p > 65535 {
			return fmt.Errorf("port must be between %d and 65535", min)
		}
		return nil
	}
}

func validateGroup(s string) error {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil || !ip.IsMulticast() {
		return fmt.Errorf("not a multicast address")
	}
	return nil
}
