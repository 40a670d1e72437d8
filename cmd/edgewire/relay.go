package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgewire/edgewire/internal/auth"
	"github.com/edgewire/edgewire/internal/config"
	"github.com/edgewire/edgewire/internal/deploy"
	"github.com/edgewire/edgewire/internal/health"
	"github.com/edgewire/edgewire/internal/logging"
	"github.com/edgewire/edgewire/internal/relay"
	"github.com/edgewire/edgewire/internal/store"
	"github.com/edgewire/edgewire/internal/transport"
)

func relayCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the relay server",
		Long:  "Start the relay: accept device and operator sessions and route channels between them.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadRelay(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runRelay(cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./relay.yaml", "Path to configuration file")
	return cmd
}

func runRelay(cfg *config.RelayConfig) error {
	logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

	dbPath := cfg.Database
	if dbPath == "" {
		dbPath = filepath.Join(cfg.DataDir, "relay.db")
	}
	st, err := store.OpenSQLite(dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	validator := auth.NewStaticValidator(staticTokens(cfg.Operators))
	guard := auth.NewGuard(validator, st, st, logger)
	if p, ok := posture(cfg.Posture); ok {
		guard.SetPostureProvider(func(string) auth.Posture { return p })
	}

	srv := relay.NewServer(relay.Options{
		Store:      st,
		Guard:      guard,
		Validator:  validator,
		EnrollKey:  cfg.EnrollKey,
		Secret:     cfg.Secret,
		DefaultOrg: cfg.DefaultOrg,
		Logger:     logger,
	})

	sealer, err := auth.NewSealer(cfg.Secret)
	if err != nil {
		return fmt.Errorf("job sealer: %w", err)
	}
	queue := deploy.NewQueue(st, sealer, nil, logger)
	reconciler := deploy.NewReconciler(queue, deploy.ReconcilerConfig{
		AckTimeout:  cfg.Deploy.AckTimeout,
		MaxAttempts: cfg.Deploy.MaxAttempts,
		Logger:      logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Pending jobs replay whenever a device comes online.
	replay := func(deviceID string) {
		if ds := srv.Registry().Lookup(deviceID); ds != nil {
			go func() {
				if err := reconciler.Replay(ctx, deviceID, ds.Session); err != nil {
					logger.Warn("deploy replay failed",
						logging.KeyDeviceID, deviceID,
						logging.KeyError, err)
				}
			}()
		}
	}
	srv.Registry().Watch(func(ev relay.StatusEvent) {
		if ev.Online {
			replay(ev.DeviceID)
		}
	})

	var api *health.Server
	if cfg.API.Enabled {
		api = health.NewServer(health.ServerConfig{
			Address:      cfg.API.Address,
			Metrics:      cfg.API.Metrics,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		}, health.Deps{
			Store:     st,
			Registry:  srv.Registry(),
			Queue:     queue,
			Validator: validator,
			Notify:    replay,
			Logger:    logger,
		})
		if err := api.Start(); err != nil {
			return fmt.Errorf("start admin api: %w", err)
		}
	}

	listeners := make([]net.Listener, 0, len(cfg.Listeners))
	for _, lc := range cfg.Listeners {
		tlsCfg, err := transport.LoadTLSConfig(lc.TLS.Cert, lc.TLS.Key)
		if err != nil {
			return fmt.Errorf("listener %s: %w", lc.Address, err)
		}
		ln, err := transport.Listen(transport.Kind(lc.Transport), lc.Address, transport.ListenConfig{
			TLSConfig: tlsCfg,
			Path:      lc.Path,
		})
		if err != nil {
			return fmt.Errorf("listener %s: %w", lc.Address, err)
		}
		listeners = append(listeners, ln)

		logger.Info("relay listening",
			logging.KeyTransport, lc.Transport,
			logging.KeyAddress, lc.Address)
		go func(ln net.Listener, kind string) {
			if err := srv.Serve(ln, kind); err != nil {
				logger.Error("listener failed", logging.KeyError, err)
			}
		}(ln, lc.Transport)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	for _, ln := range listeners {
		ln.Close()
	}
	if api != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		api.Stop(shutdownCtx)
	}
	return nil
}

func staticTokens(ops []config.OperatorConfig) []auth.StaticToken {
	tokens := make([]auth.StaticToken, 0, len(ops))
	for _, op := range ops {
		tokens = append(tokens, auth.StaticToken{
			Subject:   op.Name,
			Scopes:    op.Scopes,
			TokenHash: op.TokenHash,
		})
	}
	return tokens
}

// posture converts the config posture section. The second return is
// false when the section is empty and the guard default should stand.
func posture(pc config.PostureConfig) (auth.Posture, bool) {
	if pc.AllowLoopback == nil && len(pc.AllowedCIDRs) == 0 && !pc.AllowHostnames {
		return auth.Posture{}, false
	}

	p := auth.DefaultPosture()
	if pc.AllowLoopback != nil {
		p.AllowLoopback = *pc.AllowLoopback
	}
	p.AllowHostnames = pc.AllowHostnames
	for _, cidr := range pc.AllowedCIDRs {
		if _, ipnet, err := net.ParseCIDR(cidr); err == nil {
			p.AllowedCIDRs = append(p.AllowedCIDRs, ipnet)
		}
	}
	return p, true
}
