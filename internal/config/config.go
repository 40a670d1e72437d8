// Package config parses and validates the relay and agent YAML
// configuration files. Values may reference environment variables as
// ${VAR} or ${VAR:-default}.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/edgewire/edgewire/internal/filetransfer"
	"github.com/edgewire/edgewire/internal/shell"
)

// LogConfig selects logger output.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// TLSConfig points at certificate material on disk.
type TLSConfig struct {
	Cert               string `yaml:"cert"`
	Key                string `yaml:"key"`
	CA                 string `yaml:"ca"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// ListenerConfig defines one relay listener.
type ListenerConfig struct {
	Transport string    `yaml:"transport"` // tls, ws, quic, h2
	Address   string    `yaml:"address"`
	Path      string    `yaml:"path"` // ws/h2 only
	TLS       TLSConfig `yaml:"tls"`
}

// OperatorConfig is one operator credential. TokenHash is a bcrypt
// hash of the bearer token; plaintext tokens never live in config.
type OperatorConfig struct {
	Name      string   `yaml:"name"`
	TokenHash string   `yaml:"token_hash"`
	Scopes    []string `yaml:"scopes"`
}

// PostureConfig overrides the default target whitelist for forwards.
type PostureConfig struct {
	AllowLoopback  *bool    `yaml:"allow_loopback"`
	AllowedCIDRs   []string `yaml:"allowed_cidrs"`
	AllowHostnames bool     `yaml:"allow_hostnames"`
}

// DeployConfig tunes deployment job delivery.
type DeployConfig struct {
	AckTimeout  time.Duration `yaml:"ack_timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// APIConfig exposes the relay's local HTTP endpoint: health probes,
// the admin API used by the CLI, and optionally Prometheus metrics.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Metrics bool   `yaml:"metrics"`
}

// RelayConfig is the relay process configuration.
type RelayConfig struct {
	Listeners  []ListenerConfig `yaml:"listeners"`
	DataDir    string           `yaml:"data_dir"`
	Database   string           `yaml:"database"` // sqlite path, default <data_dir>/relay.db
	EnrollKey  string           `yaml:"enroll_key"`
	Secret     string           `yaml:"secret"`
	DefaultOrg string           `yaml:"default_org"`
	Operators  []OperatorConfig `yaml:"operators"`
	Posture    PostureConfig    `yaml:"posture"`
	Deploy     DeployConfig     `yaml:"deploy"`
	API        APIConfig        `yaml:"api"`
	Log        LogConfig        `yaml:"log"`
}

// RelayEndpoint tells the agent where its relay lives.
type RelayEndpoint struct {
	Address   string    `yaml:"address"`
	Transport string    `yaml:"transport"`
	Path      string    `yaml:"path"`
	Proxy     string    `yaml:"proxy"`
	TLS       TLSConfig `yaml:"tls"`
}

// DockerConfig gates docker passthrough.
type DockerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Binary  string `yaml:"binary"`
}

// FeatureConfig gates a simple on/off channel feature.
type FeatureConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ReconnectConfig tunes the agent re-dial backoff.
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       float64       `yaml:"jitter"`
}

// AgentConfig is the device agent configuration.
type AgentConfig struct {
	Relay        RelayEndpoint       `yaml:"relay"`
	DataDir      string              `yaml:"data_dir"`
	Name         string              `yaml:"name"`
	EnrollKey    string              `yaml:"enroll_key"`
	Secret       string              `yaml:"secret"`
	Shell        shell.Config        `yaml:"shell"`
	FileTransfer filetransfer.Config `yaml:"file_transfer"`
	Docker       DockerConfig        `yaml:"docker"`
	Logs         FeatureConfig       `yaml:"logs"`
	Serial       FeatureConfig       `yaml:"serial"`
	Reconnect    ReconnectConfig     `yaml:"reconnect"`
	Log          LogConfig           `yaml:"log"`
}

// DefaultRelay returns relay defaults.
func DefaultRelay() *RelayConfig {
	return &RelayConfig{
		DataDir:    "./data",
		DefaultOrg: "default",
		Deploy: DeployConfig{
			AckTimeout:  30 * time.Second,
			MaxAttempts: 3,
		},
		API: APIConfig{
			Enabled: true,
			Address: "127.0.0.1:9180",
			Metrics: true,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// DefaultAgent returns agent defaults.
func DefaultAgent() *AgentConfig {
	return &AgentConfig{
		Relay:   RelayEndpoint{Transport: "tls"},
		DataDir: "./data",
		Shell:   shell.DefaultConfig(),
		Reconnect: ReconnectConfig{
			InitialDelay: 1 * time.Second,
			MaxDelay:     60 * time.Second,
			Multiplier:   2.0,
			Jitter:       0.2,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// LoadRelay reads and validates a relay config file.
func LoadRelay(path string) (*RelayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ParseRelay(data)
}

// ParseRelay parses relay config YAML.
func ParseRelay(data []byte) (*RelayConfig, error) {
	cfg := DefaultRelay()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// LoadAgent reads and validates an agent config file.
func LoadAgent(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ParseAgent(data)
}

// ParseAgent parses agent config YAML.
func ParseAgent(data []byte) (*AgentConfig, error) {
	cfg := DefaultAgent()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// envVarRegex matches ${VAR} and ${VAR:-default}.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]
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

// Validate checks relay config consistency.
func (c *RelayConfig) Validate() error {
	var errs []string

	if c.DataDir == "" {
		errs = append(errs, "data_dir is required")
	}
	if c.EnrollKey == "" {
		errs = append(errs, "enroll_key is required")
	}
	if c.Secret == "" {
		errs = append(errs, "secret is required")
	}
	if len(c.Listeners) == 0 {
		errs = append(errs, "at least one listener is required")
	}
	for i, l := range c.Listeners {
		if err := validateListener(l); err != nil {
			errs = append(errs, fmt.Sprintf("listeners[%d]: %v", i, err))
		}
	}
	for i, op := range c.Operators {
		if op.Name == "" || op.TokenHash == "" {
			errs = append(errs, fmt.Sprintf("operators[%d]: name and token_hash are required", i))
		}
	}
	for i, cidr := range c.Posture.AllowedCIDRs {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			errs = append(errs, fmt.Sprintf("posture.allowed_cidrs[%d]: invalid CIDR %q", i, cidr))
		}
	}
	if err := validateLog(c.Log); err != nil {
		errs = append(errs, err.Error())
	}

	return joinErrs(errs)
}

// Validate checks agent config consistency.
func (c *AgentConfig) Validate() error {
	var errs []string

	if c.Relay.Address == "" {
		errs = append(errs, "relay.address is required")
	}
	if !isValidTransport(c.Relay.Transport) {
		errs = append(errs, fmt.Sprintf("relay.transport: invalid transport %q", c.Relay.Transport))
	}
	if c.DataDir == "" {
		errs = append(errs, "data_dir is required")
	}
	if c.EnrollKey == "" {
		errs = append(errs, "enroll_key is required")
	}
	if err := validateLog(c.Log); err != nil {
		errs = append(errs, err.Error())
	}

	return joinErrs(errs)
}

func validateListener(l ListenerConfig) error {
	if !isValidTransport(l.Transport) {
		return fmt.Errorf("invalid transport %q (tls, ws, quic, h2)", l.Transport)
	}
	if l.Address == "" {
		return fmt.Errorf("address is required")
	}
	if l.TLS.Cert == "" || l.TLS.Key == "" {
		return fmt.Errorf("tls.cert and tls.key are required")
	}
	return nil
}

func validateLog(l LogConfig) error {
	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level: invalid level %q", l.Level)
	}
	switch l.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format: invalid format %q", l.Format)
	}
	return nil
}

func isValidTransport(t string) bool {
	switch t {
	case "tls", "ws", "quic", "h2":
		return true
	default:
		return false
	}
}

func joinErrs(errs []string) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%s", strings.Join(errs, "; "))
}

// redactedValue replaces secrets in displayed config.
const redactedValue = "[REDACTED]"

// Redacted returns a copy safe for logs and terminals.
func (c *RelayConfig) Redacted() *RelayConfig {
	out := *c
	if out.EnrollKey != "" {
		out.EnrollKey = redactedValue
	}
	if out.Secret != "" {
		out.Secret = redactedValue
	}
	out.Operators = make([]OperatorConfig, len(c.Operators))
	copy(out.Operators, c.Operators)
	for i := range out.Operators {
		out.Operators[i].TokenHash = redactedValue
	}
	return &out
}

// Redacted returns a copy safe for logs and terminals.
func (c *AgentConfig) Redacted() *AgentConfig {
	out := *c
	if out.EnrollKey != "" {
		out.EnrollKey = redactedValue
	}
	if out.Secret != "" {
		out.Secret = redactedValue
	}
	return &out
}

// String renders the redacted config as YAML.
func (c *RelayConfig) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// String renders the redacted config as YAML.
func (c *AgentConfig) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}
