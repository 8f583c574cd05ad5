package main

import (
	"github.com/spf13/cobra"

	"github.com/Brownie44l1/leafdx-api/internal/report"
)

// NewLabelsCmd creates the labels command.
func NewLabelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "labels",
		Short: "Print the active label table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			labels, err := loadLabels(cfg)
			if err != nil {
				return err
			}

			format, err := cmd.Flags().GetString("format")
			if err != nil {
				return err
			}
			w, err := report.NewWriter(format, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			return w.WriteLabels(labels.Labels())
		},
	}

	cmd.Flags().StringP("format", "f", "text", "Output format: text, json, markdown")
	cmd.Flags().String("labels", "", "Path to a YAML label table (default: built-in)")

	return cmd
}
