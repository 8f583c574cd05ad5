package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "leafdx",
		Short: "Plant leaf disease diagnosis",
		Long: `leafdx classifies photos of plant leaves with an ONNX model and returns
the matching disease with its symptoms and treatment.

Settings come from leafdx.yaml (or $XDG_CONFIG_HOME/leafdx/config.yaml),
LEAFDX_* environment variables and flags, in increasing priority.`,
		Version:       getVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("config", "c", "", "Configuration file path (default: ./leafdx.yaml or XDG config dir)")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewPredictCmd())
	cmd.AddCommand(NewLabelsCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
