package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/edgewire/edgewire/internal/agent"
	"github.com/edgewire/edgewire/internal/config"
	"github.com/edgewire/edgewire/internal/logging"
	"github.com/edgewire/edgewire/internal/service"
	"github.com/edgewire/edgewire/internal/transport"
	"github.com/edgewire/edgewire/internal/wizard"
)

// runnerFunc adapts a run function to the service.Runner interface.
type runnerFunc func(ctx context.Context) error

func (f runnerFunc) Run(ctx context.Context) error { return f(ctx) }

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactive setup for a relay or device agent",
		Long:  "Walk through relay or agent setup: certificates, secrets, features, and a ready-to-run configuration file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := wizard.New().Run()
			if err != nil {
				return err
			}
			fmt.Printf("\nConfiguration written to %s\n", res.ConfigPath)
			fmt.Printf("Start it with: edgewire %s -c %s\n", res.Mode, res.ConfigPath)
			return nil
		},
	}
}

func agentCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the device agent",
		Long:  "Start the device agent: maintain the outbound relay session and serve operator channels.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadAgent(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runAgent(cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./agent.yaml", "Path to configuration file")
	return cmd
}

func runAgent(cfg *config.AgentConfig) error {
	logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

	kind, err := transport.ParseKind(cfg.Relay.Transport)
	if err != nil {
		return err
	}

	a, err := agent.New(agent.Config{
		RelayAddr: cfg.Relay.Address,
		Transport: kind,
		Dial: transport.DialConfig{
			CAFile:   cfg.Relay.TLS.CA,
			Insecure: cfg.Relay.TLS.InsecureSkipVerify,
			Path:     cfg.Relay.Path,
			ProxyURL: cfg.Relay.Proxy,
		},
		DataDir:       cfg.DataDir,
		Name:          cfg.Name,
		EnrollKey:     cfg.EnrollKey,
		Secret:        cfg.Secret,
		Shell:         cfg.Shell,
		FileTransfer:  cfg.FileTransfer,
		DockerEnabled: cfg.Docker.Enabled,
		DockerBinary:  cfg.Docker.Binary,
		LogsEnabled:   cfg.Logs.Enabled,
		SerialEnabled: cfg.Serial.Enabled,
		Reconnect: agent.BackoffConfig{
			InitialDelay: cfg.Reconnect.InitialDelay,
			MaxDelay:     cfg.Reconnect.MaxDelay,
			Multiplier:   cfg.Reconnect.Multiplier,
			Jitter:       cfg.Reconnect.Jitter,
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}

	// Under the Windows Service Control Manager the lifecycle is driven
	// by service control requests instead of signals.
	if !service.IsInteractive() {
		return service.RunAsService(service.ModeAgent, runnerFunc(a.Run))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutting down", "signal", sig.String())
		cancel()
	}()

	if err := a.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}
