package main

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/edgewire/edgewire/internal/store"
)

var (
	onlineStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	offlineStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	headerStyle  = lipgloss.NewStyle().Bold(true)
)

func devicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List and manage devices",
	}
	cmd.AddCommand(devicesListCmd())
	cmd.AddCommand(devicesApproveCmd())
	cmd.AddCommand(devicesRejectCmd())
	cmd.AddCommand(devicesAuditCmd())
	cmd.AddCommand(devicesJobsCmd())
	return cmd
}

func devicesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := adminClient()
			if err != nil {
				return err
			}
			devices, err := client.ListDevices(cmd.Context())
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				fmt.Println("No devices registered.")
				return nil
			}

			t := table.New().
				Border(lipgloss.NormalBorder()).
				StyleFunc(func(row, col int) lipgloss.Style {
					if row == table.HeaderRow {
						return headerStyle
					}
					return lipgloss.NewStyle().Padding(0, 1)
				}).
				Headers("ID", "NAME", "STATUS", "OS/ARCH", "AGENT", "LAST SEEN")

			for _, d := range devices {
				id := d.ShortID
				if id == "" {
					id = d.ID
				}
				lastSeen := "never"
				if !d.LastSeen.IsZero() {
					lastSeen = humanize.Time(d.LastSeen)
				}
				t.Row(id, d.Name, renderStatus(d.Status, d.Online),
					d.OS+"/"+d.Architecture, d.AgentVersion, lastSeen)
			}
			fmt.Println(t)
			return nil
		},
	}
}

func renderStatus(status string, online bool) string {
	if online {
		return onlineStyle.Render("online")
	}
	switch status {
	case store.StatusPending:
		return pendingStyle.Render(status)
	case store.StatusRejected:
		return offlineStyle.Render(status)
	default:
		return offlineStyle.Render("offline")
	}
}

func devicesApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <device-id>",
		Short: "Approve a pending device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := adminClient()
			if err != nil {
				return err
			}
			view, err := client.Approve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Device %s approved.\n", view.ID)
			return nil
		},
	}
}

func devicesRejectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reject <device-id>",
		Short: "Reject a device and drop its session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := adminClient()
			if err != nil {
				return err
			}
			view, err := client.Reject(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Device %s rejected.\n", view.ID)
			return nil
		},
	}
}

func devicesAuditCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "audit <device-id>",
		Short: "Show recent operator actions against a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := adminClient()
			if err != nil {
				return err
			}
			entries, err := client.DeviceAudit(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No audit entries.")
				return nil
			}
			for _, e := range entries {
				target := e.Target
				if target != "" {
					target = " " + target
				}
				reason := ""
				if e.Reason != "" {
					reason = " (" + e.Reason + ")"
				}
				fmt.Fprintf(os.Stdout, "%s  %-6s %s %s%s%s\n",
					e.Timestamp.Format(time.RFC3339), e.Result, e.Actor, e.Action, target, reason)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum entries to show")
	return cmd
}

func devicesJobsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "jobs <device-id>",
		Short: "List deployment jobs for a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := adminClient()
			if err != nil {
				return err
			}
			jobs, err := client.DeviceJobs(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("No jobs.")
				return nil
			}
			for _, j := range jobs {
				line := fmt.Sprintf("%s  %-10s attempts=%d  %s",
					j.ID, j.Status, j.Attempts, humanize.Time(j.UpdatedAt))
				if j.Error != "" {
					line += "  error: " + j.Error
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}
