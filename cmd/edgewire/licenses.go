package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/edgewire/edgewire/internal/licenses"
)

func licensesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "licenses",
		Short: "List bundled third-party licenses",
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := licenses.Report()
			if err != nil {
				return err
			}
			fmt.Print(report)
			return nil
		},
	}
}
