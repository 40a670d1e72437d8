// Package wizard provides the interactive first-run setup for relays
// and agents.
package wizard

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/edgewire/edgewire/internal/certutil"
	"github.com/edgewire/edgewire/internal/config"
	"github.com/edgewire/edgewire/internal/identity"
)

// Result contains the wizard output.
type Result struct {
	Mode       string // "relay" or "agent"
	ConfigPath string
	DataDir    string

	// OperatorToken is the plaintext operator token minted during
	// relay setup. Shown once and never stored.
	OperatorToken string
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a setup wizard.
func New() *Wizard {
	return &Wizard{theme: huh.ThemeDracula()}
}

// Run executes the interactive setup.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	mode := "relay"
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("What are you setting up?").
				Options(
					huh.NewOption("Relay (operators and devices connect here)", "relay"),
					huh.NewOption("Agent (runs on a device behind a firewall)", "agent"),
				).
				Value(&mode),
		),
	).WithTheme(w.theme)
	if err := form.Run(); err != nil {
		return nil, err
	}

	if mode == "relay" {
		return w.runRelay()
	}
	return w.runAgent()
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
            _                     _
   ___   __| | __ _  _____      _(_)_ __ ___
  / _ \ / _` + "`" + ` |/ _` + "`" + ` |/ _ \ \ /\ / / | '__/ _ \
 |  __/| (_| | (_| |  __/\ V  V /| | | |  __/
  \___| \__,_|\__, |\___| \_/\_/ |_|_|  \___|
              |___/
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  Remote Device Access Relay - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) runRelay() (*Result, error) {
	dataDir, configPath, err := w.askPaths("./data", "./relay.yaml")
	if err != nil {
		return nil, err
	}

	listener, err := w.askListener()
	if err != nil {
		return nil, err
	}

	tlsCfg, err := w.askTLSSetup(dataDir, listener.Address)
	if err != nil {
		return nil, err
	}
	listener.TLS = tlsCfg

	enrollKey, secret, err := w.askRelaySecrets()
	if err != nil {
		return nil, err
	}

	operator, operatorToken, err := w.askOperator()
	if err != nil {
		return nil, err
	}

	cidrs, err := w.askPosture()
	if err != nil {
		return nil, err
	}

	api, logLevel, err := w.askRelayAdvanced()
	if err != nil {
		return nil, err
	}

	cfg := buildRelayConfig(dataDir, listener, enrollKey, secret, operator, cidrs, api, logLevel)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("generated config invalid: %w", err)
	}
	if err := writeConfig(cfg, configPath); err != nil {
		return nil, err
	}

	w.printRelaySummary(configPath, cfg, operatorToken)

	return &Result{
		Mode:          "relay",
		ConfigPath:    configPath,
		DataDir:       dataDir,
		OperatorToken: operatorToken,
	}, nil
}

func (w *Wizard) runAgent() (*Result, error) {
	dataDir, configPath, err := w.askPaths("./data", "./agent.yaml")
	if err != nil {
		return nil, err
	}

	endpoint, err := w.askRelayEndpoint()
	if err != nil {
		return nil, err
	}

	name, enrollKey, err := w.askAgentIdentity()
	if err != nil {
		return nil, err
	}

	features, shellWhitelist, transferPaths, err := w.askAgentFeatures()
	if err != nil {
		return nil, err
	}

	logLevel, err := w.askLogLevel()
	if err != nil {
		return nil, err
	}

	cfg := buildAgentConfig(dataDir, endpoint, name, enrollKey, features, shellWhitelist, transferPaths, logLevel)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("generated config invalid: %w", err)
	}
	if err := writeConfig(cfg, configPath); err != nil {
		return nil, err
	}

	id, _, err := identity.LoadOrCreate(dataDir)
	if err != nil {
		return nil, fmt.Errorf("initialize device identity: %w", err)
	}

	w.printAgentSummary(configPath, cfg, id)

	return &Result{
		Mode:       "agent",
		ConfigPath: configPath,
		DataDir:    dataDir,
	}, nil
}

func (w *Wizard) askPaths(defaultData, defaultConfig string) (dataDir, configPath string, err error) {
	dataDir = defaultData
	configPath = defaultConfig

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Configure the essential paths."),

			huh.NewInput().
				Title("Data Directory").
				Description("Where to store identity and state").
				Placeholder(defaultData).
				Value(&dataDir).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("data directory is required")
					}
					return nil
				}),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Placeholder(defaultConfig).
				Value(&configPath).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("config path is required")
					}
					if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
						return fmt.Errorf("config file should have .yaml or .yml extension")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	err = form.Run()
	return
}

func (w *Wizard) askListener() (config.ListenerConfig, error) {
	listener := config.ListenerConfig{
		Transport: "tls",
		Address:   "0.0.0.0:8443",
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Listener").
				Description("How devices and operators reach this relay."),

			huh.NewSelect[string]().
				Title("Transport Protocol").
				Description("TLS works everywhere; ws and h2 traverse HTTP proxies").
				Options(
					huh.NewOption("TLS (TCP, simplest)", "tls"),
					huh.NewOption("WebSocket (TCP, proxy-friendly)", "ws"),
					huh.NewOption("QUIC (UDP, lowest latency)", "quic"),
					huh.NewOption("HTTP/2 (TCP, firewall-friendly)", "h2"),
				).
				Value(&listener.Transport),

			huh.NewInput().
				Title("Listen Address").
				Placeholder("0.0.0.0:8443").
				Value(&listener.Address).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("listen address is required")
					}
					if _, _, err := net.SplitHostPort(s); err != nil {
						return fmt.Errorf("invalid address format (use host:port)")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return listener, err
	}

	if listener.Transport == "ws" || listener.Transport == "h2" {
		path := "/tunnel"
		pathForm := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("HTTP Path").
					Placeholder("/tunnel").
					Value(&path).
					Validate(func(s string) error {
						if s == "" || !strings.HasPrefix(s, "/") {
							return fmt.Errorf("path must start with /")
						}
						return nil
					}),
			),
		).WithTheme(w.theme)
		if err := pathForm.Run(); err != nil {
			return listener, err
		}
		listener.Path = path
	}

	return listener, nil
}

func (w *Wizard) askTLSSetup(dataDir, listenAddr string) (config.TLSConfig, error) {
	certsDir := filepath.Join(dataDir, "certs")
	choice := "generate"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("TLS Configuration").
				Description("The relay always terminates TLS.\nGenerate a certificate now or use existing files."),

			huh.NewSelect[string]().
				Title("Certificate Setup").
				Options(
					huh.NewOption("Generate new certificates (recommended for testing)", "generate"),
					huh.NewOption("Use existing certificate files", "existing"),
				).
				Value(&choice),

			huh.NewInput().
				Title("Certificates Directory").
				Placeholder(certsDir).
				Value(&certsDir),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return config.TLSConfig{}, err
	}

	if err := os.MkdirAll(certsDir, 0o700); err != nil {
		return config.TLSConfig{}, fmt.Errorf("create certs directory: %w", err)
	}

	if choice == "generate" {
		return w.generateCertificates(certsDir, listenAddr)
	}
	return w.useExistingCertificates(certsDir)
}

func (w *Wizard) generateCertificates(certsDir, listenAddr string) (config.TLSConfig, error) {
	commonName := "edgewire-relay"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Generate Certificates").
				Description("A CA and relay certificate will be generated.\nDistribute the CA to agents for verification."),

			huh.NewInput().
				Title("Common Name").
				Description("Public hostname of this relay").
				Placeholder("relay.example.com").
				Value(&commonName),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return config.TLSConfig{}, err
	}

	ca, err := certutil.GenerateCA(commonName+" CA", 365*24*time.Hour)
	if err != nil {
		return config.TLSConfig{}, fmt.Errorf("generate CA: %w", err)
	}
	caPath := filepath.Join(certsDir, "ca.crt")
	if err := ca.SaveToFiles(caPath, filepath.Join(certsDir, "ca.key")); err != nil {
		return config.TLSConfig{}, fmt.Errorf("save CA: %w", err)
	}

	var hosts []string
	if host, _, err := net.SplitHostPort(listenAddr); err == nil && host != "" && host != "0.0.0.0" && host != "::" {
		hosts = append(hosts, host)
	}
	cert, err := certutil.GenerateServerCert(commonName, hosts, 90*24*time.Hour, ca)
	if err != nil {
		return config.TLSConfig{}, fmt.Errorf("generate certificate: %w", err)
	}
	certPath := filepath.Join(certsDir, "relay.crt")
	keyPath := filepath.Join(certsDir, "relay.key")
	if err := cert.SaveToFiles(certPath, keyPath); err != nil {
		return config.TLSConfig{}, fmt.Errorf("save certificate: %w", err)
	}

	fmt.Printf("\n  Generated CA certificate:    %s\n", caPath)
	fmt.Printf("  Generated relay certificate: %s\n", certPath)
	fmt.Printf("  Fingerprint: %s\n\n", cert.Fingerprint())

	return config.TLSConfig{Cert: certPath, Key: keyPath, CA: caPath}, nil
}

func (w *Wizard) useExistingCertificates(certsDir string) (config.TLSConfig, error) {
	certPath := filepath.Join(certsDir, "relay.crt")
	keyPath := filepath.Join(certsDir, "relay.key")
	caPath := filepath.Join(certsDir, "ca.crt")

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Existing Certificates").
				Description("Paths to your certificate files."),

			huh.NewInput().
				Title("Certificate File").
				Placeholder(certPath).
				Value(&certPath).
				Validate(requireFile),

			huh.NewInput().
				Title("Private Key File").
				Placeholder(keyPath).
				Value(&keyPath).
				Validate(requireFile),

			huh.NewInput().
				Title("CA Certificate File (optional)").
				Placeholder(caPath).
				Value(&caPath),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return config.TLSConfig{}, err
	}

	tlsCfg := config.TLSConfig{Cert: certPath, Key: keyPath}
	if caPath != "" {
		if _, err := os.Stat(caPath); err == nil {
			tlsCfg.CA = caPath
		}
	}
	return tlsCfg, nil
}

func requireFile(s string) error {
	if _, err := os.Stat(s); os.IsNotExist(err) {
		return fmt.Errorf("file not found: %s", s)
	}
	return nil
}

func (w *Wizard) askRelaySecrets() (enrollKey, secret string, err error) {
	enrollKey, err = generateToken(16)
	if err != nil {
		return "", "", err
	}
	secret, err = generateToken(32)
	if err != nil {
		return "", "", err
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Secrets").
				Description("The enrollment key admits new devices.\nThe relay secret signs tunnel grants. Both were pre-generated."),

			huh.NewInput().
				Title("Enrollment Key").
				Description("Give this to devices joining the fleet").
				Value(&enrollKey).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("enrollment key is required")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	err = form.Run()
	return
}

func (w *Wizard) askOperator() (config.OperatorConfig, string, error) {
	name := "admin"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Operator Account").
				Description("The first operator account for the CLI.\nA token will be generated and shown once."),

			huh.NewInput().
				Title("Operator Name").
				Placeholder("admin").
				Value(&name).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("operator name is required")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return config.OperatorConfig{}, "", err
	}

	token, err := generateToken(24)
	if err != nil {
		return config.OperatorConfig{}, "", err
	}
	hash, err := hashToken(token)
	if err != nil {
		return config.OperatorConfig{}, "", err
	}

	return config.OperatorConfig{Name: name, TokenHash: hash}, token, nil
}

func (w *Wizard) askPosture() ([]string, error) {
	var cidrsStr string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Forwarding Posture").
				Description("Networks operators may forward to through devices.\nLeave empty to keep the built-in private-range defaults."),

			huh.NewText().
				Title("Allowed Target Networks (CIDR)").
				Description("One CIDR per line").
				Placeholder("10.0.0.0/8\n192.168.0.0/16").
				Value(&cidrsStr).
				Validate(func(s string) error {
					for _, line := range strings.Split(s, "\n") {
						line = strings.TrimSpace(line)
						if line == "" {
							continue
						}
						if _, _, err := net.ParseCIDR(line); err != nil {
							return fmt.Errorf("invalid CIDR: %s", line)
						}
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return nil, err
	}

	var cidrs []string
	for _, line := range strings.Split(cidrsStr, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			cidrs = append(cidrs, line)
		}
	}
	return cidrs, nil
}

func (w *Wizard) askRelayAdvanced() (api config.APIConfig, logLevel string, err error) {
	api = config.APIConfig{Enabled: true, Address: "127.0.0.1:9180", Metrics: true}
	logLevel = "info"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options"),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&logLevel),

			huh.NewInput().
				Title("Admin API Address").
				Description("Local HTTP endpoint for health, metrics, and CLI admin").
				Placeholder("127.0.0.1:9180").
				Value(&api.Address),

			huh.NewConfirm().
				Title("Expose Prometheus metrics on the admin endpoint?").
				Value(&api.Metrics),
		),
	).WithTheme(w.theme)

	err = form.Run()
	return
}

func (w *Wizard) askRelayEndpoint() (config.RelayEndpoint, error) {
	endpoint := config.RelayEndpoint{Transport: "tls"}
	var insecure bool

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Relay Connection").
				Description("Where this device dials out to."),

			huh.NewInput().
				Title("Relay Address").
				Placeholder("relay.example.com:8443").
				Value(&endpoint.Address).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("relay address is required")
					}
					if _, _, err := net.SplitHostPort(s); err != nil {
						return fmt.Errorf("invalid address format (use host:port)")
					}
					return nil
				}),

			huh.NewSelect[string]().
				Title("Transport").
				Options(
					huh.NewOption("TLS", "tls"),
					huh.NewOption("WebSocket", "ws"),
					huh.NewOption("QUIC", "quic"),
					huh.NewOption("HTTP/2", "h2"),
				).
				Value(&endpoint.Transport),

			huh.NewInput().
				Title("CA Certificate File (optional)").
				Description("The relay CA for certificate verification").
				Value(&endpoint.TLS.CA),

			huh.NewConfirm().
				Title("Skip TLS verification?").
				Description("Only for testing with self-signed certificates").
				Value(&insecure),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return endpoint, err
	}
	endpoint.TLS.InsecureSkipVerify = insecure

	if endpoint.Transport == "ws" || endpoint.Transport == "h2" {
		path := "/tunnel"
		pathForm := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("HTTP Path").
					Placeholder("/tunnel").
					Value(&path),
			),
		).WithTheme(w.theme)
		if err := pathForm.Run(); err != nil {
			return endpoint, err
		}
		endpoint.Path = path
	}

	return endpoint, nil
}

func (w *Wizard) askAgentIdentity() (name, enrollKey string, err error) {
	if host, herr := os.Hostname(); herr == nil {
		name = host
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Device Name").
				Description("Human-readable name shown to operators").
				Value(&name),

			huh.NewInput().
				Title("Enrollment Key").
				Description("The key issued by the relay administrator").
				EchoMode(huh.EchoModePassword).
				Value(&enrollKey).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("enrollment key is required")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	err = form.Run()
	return
}

func (w *Wizard) askAgentFeatures() (features []string, shellWhitelist, transferPaths []string, err error) {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Features").
				Description("Everything is off unless enabled here."),

			huh.NewMultiSelect[string]().
				Title("Enable Features").
				Options(
					huh.NewOption("Remote shell and exec", "shell"),
					huh.NewOption("File transfer", "files"),
					huh.NewOption("Docker passthrough", "docker"),
					huh.NewOption("Log streaming (journalctl)", "logs"),
					huh.NewOption("Serial port bridge", "serial"),
				).
				Value(&features),
		),
	).WithTheme(w.theme)

	if err = form.Run(); err != nil {
		return
	}

	if contains(features, "shell") {
		var whitelistStr string
		shellForm := huh.NewForm(
			huh.NewGroup(
				huh.NewText().
					Title("Command Whitelist").
					Description("One command per line (base names, no paths).\nUse * to allow everything.").
					Placeholder("systemctl\njournalctl\ndf").
					Value(&whitelistStr),
			),
		).WithTheme(w.theme)
		if err = shellForm.Run(); err != nil {
			return
		}
		shellWhitelist = splitLines(whitelistStr)
	}

	if contains(features, "files") {
		var pathsStr string
		filesForm := huh.NewForm(
			huh.NewGroup(
				huh.NewText().
					Title("Allowed Paths").
					Description("Absolute directory prefixes, one per line.\nTransfers outside these are rejected.").
					Placeholder("/data/transfers").
					Value(&pathsStr).
					Validate(func(s string) error {
						for _, line := range strings.Split(s, "\n") {
							line = strings.TrimSpace(line)
							if line == "" {
								continue
							}
							if !strings.HasPrefix(line, "/") {
								return fmt.Errorf("paths must be absolute: %s", line)
							}
						}
						return nil
					}),
			),
		).WithTheme(w.theme)
		if err = filesForm.Run(); err != nil {
			return
		}
		transferPaths = splitLines(pathsStr)
	}

	return
}

func (w *Wizard) askLogLevel() (string, error) {
	logLevel := "info"
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&logLevel),
		),
	).WithTheme(w.theme)
	err := form.Run()
	return logLevel, err
}

func buildRelayConfig(
	dataDir string,
	listener config.ListenerConfig,
	enrollKey, secret string,
	operator config.OperatorConfig,
	cidrs []string,
	api config.APIConfig,
	logLevel string,
) *config.RelayConfig {
	cfg := config.DefaultRelay()
	cfg.DataDir = dataDir
	cfg.Listeners = []config.ListenerConfig{listener}
	cfg.EnrollKey = enrollKey
	cfg.Secret = secret
	cfg.Operators = []config.OperatorConfig{operator}
	cfg.Posture.AllowedCIDRs = cidrs
	cfg.API = api
	cfg.Log.Level = logLevel
	return cfg
}

func buildAgentConfig(
	dataDir string,
	endpoint config.RelayEndpoint,
	name, enrollKey string,
	features, shellWhitelist, transferPaths []string,
	logLevel string,
) *config.AgentConfig {
	cfg := config.DefaultAgent()
	cfg.DataDir = dataDir
	cfg.Relay = endpoint
	cfg.Name = name
	cfg.EnrollKey = enrollKey
	cfg.Log.Level = logLevel

	cfg.Shell.Enabled = contains(features, "shell")
	if cfg.Shell.Enabled {
		cfg.Shell.Whitelist = shellWhitelist
	}
	cfg.FileTransfer.Enabled = contains(features, "files")
	if cfg.FileTransfer.Enabled {
		cfg.FileTransfer.AllowedPaths = transferPaths
	}
	cfg.Docker.Enabled = contains(features, "docker")
	cfg.Logs.Enabled = contains(features, "logs")
	cfg.Serial.Enabled = contains(features, "serial")

	return cfg
}

func writeConfig(cfg any, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	header := "# edgewire configuration\n# Generated by setup wizard\n\n"
	if err := os.WriteFile(path, []byte(header+string(data)), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (w *Wizard) printRelaySummary(configPath string, cfg *config.RelayConfig, operatorToken string) {
	style := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	warn := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	l := cfg.Listeners[0]
	fmt.Printf("  Config file:  %s\n", configPath)
	fmt.Printf("  Listener:     %s://%s\n", l.Transport, l.Address)
	fmt.Printf("  Enroll key:   %s\n", cfg.EnrollKey)
	fmt.Println()
	fmt.Println(warn.Render("  Operator token (shown once, store it now):"))
	fmt.Printf("    %s\n", operatorToken)
	fmt.Println()
	fmt.Println("  To start the relay:")
	fmt.Printf("    edgewire relay -c %s\n", configPath)
	fmt.Println()
}

func (w *Wizard) printAgentSummary(configPath string, cfg *config.AgentConfig, id identity.DeviceID) {
	style := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Device ID:    %s\n", id.String())
	fmt.Printf("  Config file:  %s\n", configPath)
	fmt.Printf("  Relay:        %s://%s\n", cfg.Relay.Transport, cfg.Relay.Address)
	fmt.Println()
	fmt.Println("  To start the agent:")
	fmt.Printf("    edgewire agent -c %s\n", configPath)
	fmt.Println()
}

// generateToken returns n random bytes as hex.
func generateToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// hashToken bcrypt-hashes a plaintext operator token for storage.
func hashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash token: %w", err)
	}
	return string(hash), nil
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
