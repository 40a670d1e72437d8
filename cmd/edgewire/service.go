package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/edgewire/edgewire/internal/service"
)

func serviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the system service",
		Long:  "Install, remove, or inspect the relay or agent as a system service (systemd, launchd, or the Windows Service Control Manager).",
	}

	var (
		configPath string
		user       string
		group      string
	)

	install := &cobra.Command{
		Use:       "install <relay|agent>",
		Short:     "Install and start as a system service",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{service.ModeRelay, service.ModeAgent},
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := args[0]
			if configPath == "" {
				configPath = "./" + mode + ".yaml"
			}
			err := service.Install(service.Config{
				Mode:       mode,
				ConfigPath: configPath,
				User:       user,
				Group:      group,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Service %s installed and started.\n", service.Name(mode))
			return nil
		},
	}
	install.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (default ./<mode>.yaml)")
	install.Flags().StringVar(&user, "user", "", "Run as this user (Linux)")
	install.Flags().StringVar(&group, "group", "", "Run as this group (Linux)")

	uninstall := &cobra.Command{
		Use:       "uninstall <relay|agent>",
		Short:     "Stop and remove the system service",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{service.ModeRelay, service.ModeAgent},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := service.Uninstall(args[0]); err != nil {
				return err
			}
			fmt.Printf("Service %s removed.\n", service.Name(args[0]))
			return nil
		},
	}

	status := &cobra.Command{
		Use:       "status <relay|agent>",
		Short:     "Show the system service state",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{service.ModeRelay, service.ModeAgent},
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := service.Status(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", service.Name(args[0]), state)
			return nil
		},
	}

	cmd.AddCommand(install, uninstall, status)
	return cmd
}
