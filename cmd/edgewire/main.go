// Package main provides the edgewire CLI: relay and device agent
// runtimes plus the operator verbs that drive remote devices.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/edgewire/edgewire/internal/operator"
	"github.com/edgewire/edgewire/internal/transport"
)

var (
	// Version is set at build time
	Version = "dev"
)

// opFlags are the global flags shared by every operator verb.
type opFlags struct {
	RelayAddr string
	Token     string
	Transport string
	CAFile    string
	Insecure  bool
	Path      string
	APIAddr   string
}

var globalFlags opFlags

func main() {
	rootCmd := &cobra.Command{
		Use:   "edgewire",
		Short: "Edgewire - Remote access for devices behind firewalls",
		Long: `Edgewire tunnels shell, port-forward, file-transfer and deployment
traffic to devices that only ever dial out. Devices keep a single
outbound connection to a relay; operators reach them through it.

Run a relay with "edgewire relay", a device agent with
"edgewire agent", and use the remaining verbs as an operator.`,
		Version: Version,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&globalFlags.RelayAddr, "relay", "", "Relay address (host:port)")
	pf.StringVar(&globalFlags.Token, "token", "", "Operator token (or EDGEWIRE_TOKEN)")
	pf.StringVar(&globalFlags.Transport, "transport", "tls", "Carrier protocol: tls, ws, quic, h2")
	pf.StringVar(&globalFlags.CAFile, "ca", "", "CA bundle pinning the relay certificate")
	pf.BoolVar(&globalFlags.Insecure, "insecure", false, "Skip relay certificate verification")
	pf.StringVar(&globalFlags.Path, "path", "", "HTTP path for ws/h2 carriers")
	pf.StringVar(&globalFlags.APIAddr, "api", "http://127.0.0.1:9180", "Relay admin API base URL")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(relayCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(devicesCmd())
	rootCmd.AddCommand(shellCmd())
	rootCmd.AddCommand(execCmd())
	rootCmd.AddCommand(forwardCmd())
	rootCmd.AddCommand(pushCmd())
	rootCmd.AddCommand(fetchCmd())
	rootCmd.AddCommand(dockerCmd())
	rootCmd.AddCommand(logsCmd())
	rootCmd.AddCommand(deployCmd())
	rootCmd.AddCommand(undeployCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(serviceCmd())
	rootCmd.AddCommand(licensesCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (f *opFlags) token() (string, error) {
	if f.Token != "" {
		return f.Token, nil
	}
	if env := os.Getenv("EDGEWIRE_TOKEN"); env != "" {
		return env, nil
	}
	return "", fmt.Errorf("operator token required: --token or EDGEWIRE_TOKEN")
}

// tunnelClient opens the operator tunnel session to the relay.
func tunnelClient(ctx context.Context) (*operator.Client, error) {
	if globalFlags.RelayAddr == "" {
		return nil, fmt.Errorf("relay address required: --relay host:port")
	}
	token, err := globalFlags.token()
	if err != nil {
		return nil, err
	}
	kind, err := transport.ParseKind(globalFlags.Transport)
	if err != nil {
		return nil, err
	}

	return operator.Connect(ctx, operator.Config{
		RelayAddr: globalFlags.RelayAddr,
		Transport: kind,
		Dial: transport.DialConfig{
			CAFile:   globalFlags.CAFile,
			Insecure: globalFlags.Insecure,
			Path:     globalFlags.Path,
		},
		Token: token,
	})
}

// adminClient builds the relay admin API client.
func adminClient() (*operator.AdminClient, error) {
	token, err := globalFlags.token()
	if err != nil {
		return nil, err
	}
	return operator.NewAdminClient(globalFlags.APIAddr, token), nil
}
