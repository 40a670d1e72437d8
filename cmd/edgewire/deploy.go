package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func deployCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "deploy <device-id> <manifest-file>",
		Short: "Queue a deployment for a device",
		Long: `Queue a deployment job. The manifest is delivered when the device
is online and held for replay when it is not; devices pick up pending
jobs the moment they reconnect.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			manifest, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			if name == "" {
				name = strippedName(args[1])
			}

			client, err := adminClient()
			if err != nil {
				return err
			}
			job, err := client.Deploy(cmd.Context(), args[0], name, manifest)
			if err != nil {
				return err
			}
			fmt.Printf("Job %s queued for %s (%s manifest).\n",
				job.ID, args[0], humanize.Bytes(uint64(len(manifest))))
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Deployment name (default: manifest file name)")
	return cmd
}

func undeployCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "undeploy <job-id>",
		Short: "Cancel or reverse a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := adminClient()
			if err != nil {
				return err
			}
			job, err := client.Undeploy(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if job == nil {
				fmt.Println("Queued job cancelled before delivery.")
				return nil
			}
			fmt.Printf("Removal job %s queued.\n", job.ID)
			return nil
		},
	}
}

func jobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect deployment jobs",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := adminClient()
			if err != nil {
				return err
			}
			job, err := client.JobStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Job:      %s\n", job.ID)
			fmt.Printf("Device:   %s\n", job.DeviceID)
			fmt.Printf("Status:   %s\n", job.Status)
			fmt.Printf("Attempts: %d\n", job.Attempts)
			fmt.Printf("Updated:  %s\n", humanize.Time(job.UpdatedAt))
			if job.Error != "" {
				fmt.Printf("Error:    %s\n", job.Error)
			}
			return nil
		},
	})
	return cmd
}

// strippedName is the manifest file name without its extension.
func strippedName(path string) string {
	base := filepath.Base(path)
	return base[:len(base)-len(filepath.Ext(base))]
}
