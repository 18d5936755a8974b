// Package config provides configuration parsing and validation for udpshare.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration.
type Config struct {
	Agent    AgentConfig      `yaml:"agent"`
	Sockets  SocketsConfig    `yaml:"sockets"`
	Inbound  []InboundConfig  `yaml:"inbound"`
	Outbound []OutboundConfig `yaml:"outbound"`
	Health   HealthConfig     `yaml:"health"`
	Control  ControlConfig    `yaml:"control"`
}

// AgentConfig contains process-wide settings.
type AgentConfig struct {
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
}

// SocketsConfig holds defaults applied to every socket.
type SocketsConfig struct {
	ReadBuffer      ByteSize      `yaml:"read_buffer"`
	MaxDatagramSize int           `yaml:"max_datagram_size"`
	MulticastTTL    int           `yaml:"multicast_ttl"`
	RebindBackoff   BackoffConfig `yaml:"rebind_backoff"`
}

// BackoffConfig bounds the delay between rebind attempts.
type BackoffConfig struct {
	Initial time.Duration `yaml:"initial"`
	Max     time.Duration `yaml:"max"`
}

// InboundConfig defines a receiving endpoint.
type InboundConfig struct {
	Name      string   `yaml:"name"`
	Port      int      `yaml:"port"`
	IPVersion string   `yaml:"ip_version"` // udp4, udp6
	Interface string   `yaml:"interface"`  // name or address
	Multicast string   `yaml:"multicast"`  // off, broadcast, multicast
	Group     string   `yaml:"group"`
	Datatype  string   `yaml:"datatype"` // raw, utf8, base64
	ForwardTo []string `yaml:"forward_to"`
}

// OutboundConfig defines a sending endpoint.
type OutboundConfig struct {
	Name      string  `yaml:"name"`
	LocalPort int     `yaml:"local_port"` // 0 = private ephemeral socket
	IPVersion string  `yaml:"ip_version"`
	Interface string  `yaml:"interface"`
	Multicast string  `yaml:"multicast"`
	Group     string  `yaml:"group"`
	Address   string  `yaml:"address"`
	Port      int     `yaml:"port"`
	Base64    bool    `yaml:"base64"`
	SendRate  float64 `yaml:"send_rate"` // datagrams per second, 0 = unlimited
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ControlConfig defines control socket settings.
type ControlConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SocketPath string `yaml:"socket_path"`
}

// ByteSize is a size in bytes that accepts human-readable values such as
// "256KiB" or "1MB" as well as plain integers.
type ByteSize uint64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", s, err)
	}
	*b = ByteSize(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (b ByteSize) MarshalYAML() (any, error) {
	return humanize.IBytes(uint64(b)), nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
		Sockets: SocketsConfig{
			ReadBuffer:      0, // system default
			MaxDatagramSize: 65535,
			MulticastTTL:    128,
			RebindBackoff: BackoffConfig{
				Initial: 500 * time.Millisecond,
				Max:     30 * time.Second,
			},
		},
		Inbound:  []InboundConfig{},
		Outbound: []OutboundConfig{},
		Health: HealthConfig{
			Enabled:      false,
			Address:      ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Control: ControlConfig{
			Enabled:    false,
			SocketPath: "./udpshare.sock",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills per-endpoint fields left empty.
func (c *Config) applyDefaults() {
	for i := range c.Inbound {
		in := &c.Inbound[i]
		if in.IPVersion == "" {
			in.IPVersion = "udp4"
		}
		if in.Multicast == "" {
			in.Multicast = "off"
		}
		if in.Datatype == "" {
			in.Datatype = "raw"
		}
	}
	for i := range c.Outbound {
		out := &c.Outbound[i]
		if out.IPVersion == "" {
			out.IPVersion = "udp4"
		}
		if out.Multicast == "" {
			out.Multicast = "off"
		}
	}
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
// ${VAR:-default} falls back to default; unknown variables are kept as-is.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors. All problems are reported
// together.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Agent.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Agent.LogLevel))
	}
	if !isValidLogFormat(c.Agent.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Agent.LogFormat))
	}

	if c.Sockets.MaxDatagramSize < 1 || c.Sockets.MaxDatagramSize > 65535 {
		errs = append(errs, "sockets.max_datagram_size must be between 1 and 65535")
	}
	if c.Sockets.MulticastTTL < 1 || c.Sockets.MulticastTTL > 255 {
		errs = append(errs, "sockets.multicast_ttl must be between 1 and 255")
	}
	if c.Sockets.RebindBackoff.Initial <= 0 {
		errs = append(errs, "sockets.rebind_backoff.initial must be positive")
	}
	if c.Sockets.RebindBackoff.Max < c.Sockets.RebindBackoff.Initial {
		errs = append(errs, "sockets.rebind_backoff.max must be >= initial")
	}

	names := make(map[string]string)
	checkName := func(kind string, i int, name string) {
		if name == "" {
			return
		}
		if prev, ok := names[name]; ok {
			errs = append(errs, fmt.Sprintf("%s[%d]: duplicate name %q (already used by %s)", kind, i, name, prev))
			return
		}
		names[name] = fmt.Sprintf("%s[%d]", kind, i)
	}

	outbound := make(map[string]bool)
	for i, out := range c.Outbound {
		checkName("outbound", i, out.Name)
		if out.Name != "" {
			outbound[out.Name] = true
		}
		if err := validateOutbound(out); err != nil {
			errs = append(errs, fmt.Sprintf("outbound[%d]: %v", i, err))
		}
	}

	for i, in := range c.Inbound {
		checkName("inbound", i, in.Name)
		if err := validateInbound(in); err != nil {
			errs = append(errs, fmt.Sprintf("inbound[%d]: %v", i, err))
		}
		for _, target := range in.ForwardTo {
			if !outbound[target] {
				errs = append(errs, fmt.Sprintf("inbound[%d]: forward_to target %q is not a named outbound endpoint", i, target))
			}
		}
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}
	if c.Control.Enabled && c.Control.SocketPath == "" {
		errs = append(errs, "control.socket_path is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func validateInbound(in InboundConfig) error {
	if in.Port < 1 || in.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", in.Port)
	}
	if !isValidDatatype(in.Datatype) {
		return fmt.Errorf("invalid datatype: %s (must be raw, utf8, or base64)", in.Datatype)
	}
	return validateSocket(in.IPVersion, in.Multicast, in.Group)
}

func validateOutbound(out OutboundConfig) error {
	if out.LocalPort < 0 || out.LocalPort > 65535 {
		return fmt.Errorf("local_port must be between 0 and 65535, got %d", out.LocalPort)
	}
	if out.Port < 0 || out.Port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got %d", out.Port)
	}
	if out.SendRate < 0 {
		return fmt.Errorf("send_rate must not be negative")
	}
	return validateSocket(out.IPVersion, out.Multicast, out.Group)
}

func validateSocket(ipVersion, mode, group string) error {
	if !isValidIPVersion(ipVersion) {
		return fmt.Errorf("invalid ip_version: %s (must be udp4 or udp6)", ipVersion)
	}
	switch mode {
	case "off", "broadcast":
		return nil
	case "multicast":
	default:
		return fmt.Errorf("invalid multicast: %s (must be off, broadcast, or multicast)", mode)
	}

	if group == "" {
		return fmt.Errorf("group is required when multicast is enabled")
	}
	ip := net.ParseIP(group)
	if ip == nil || !ip.IsMulticast() {
		return fmt.Errorf("group %s is not a multicast address", group)
	}
	if (ip.To4() != nil) != (ipVersion == "udp4") {
		return fmt.Errorf("group %s does not match ip_version %s", group, ipVersion)
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func isValidIPVersion(v string) bool {
	return v == "udp4" || v == "udp6"
}

func isValidDatatype(d string) bool {
	switch d {
	case "raw", "utf8", "base64":
		return true
	default:
		return false
	}
}

// String returns the configuration as YAML.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
