package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Brownie44l1/leafdx-api/internal/imagedecode"
	"github.com/Brownie44l1/leafdx-api/internal/pipeline"
	"github.com/Brownie44l1/leafdx-api/internal/report"
)

// NewPredictCmd creates the predict command.
func NewPredictCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "predict FILE...",
		Short: "Diagnose leaf photos on disk",
		Long: `Predict runs the diagnosis pipeline on one or more image files and prints
the result for each. Files are processed concurrently; a file that fails does
not stop the others.

Examples:
  leafdx predict leaf.jpg
  leafdx predict --format markdown photos/*.jpg > report.md
  leafdx predict --format json -b 8 photos/*.png`,
		Args: cobra.MinimumNArgs(1),
		RunE: runPredictCmd,
	}

	cmd.Flags().StringP("format", "f", "text", "Output format: text, json, markdown")
	cmd.Flags().IntP("concurrency", "b", 0, "Number of images diagnosed at once")
	addCommonFlags(cmd)

	return cmd
}

func runPredictCmd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	format, err := cmd.Flags().GetString("format")
	if err != nil {
		return err
	}
	writer, err := report.NewWriter(format, cmd.OutOrStdout())
	if err != nil {
		return err
	}

	logger := newLogger(cfg)
	defer logger.Sync() //nolint:errcheck

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	items, failed := diagnoseFiles(ctx, a.pipeline, args, cfg.BatchConcurrency, logger)
	if err := writer.WriteDiagnoses(items); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d images could not be diagnosed", failed, len(items))
	}
	return nil
}

// diagnoser is the part of the pipeline predict needs.
type diagnoser interface {
	DiagnoseBatch(ctx context.Context, raws []imagedecode.RawImage, concurrency int) []pipeline.Outcome
}

// diagnoseFiles reads and diagnoses paths, keeping input order.
func diagnoseFiles(ctx context.Context, p diagnoser, paths []string, concurrency int, logger *zap.Logger) ([]report.Item, int) {
	items := make([]report.Item, len(paths))
	raws := make([]imagedecode.RawImage, 0, len(paths))
	index := make([]int, 0, len(paths))

	for i, path := range paths {
		items[i].Source = path
		data, err := os.ReadFile(path) //nolint:gosec // user-provided image path is intentional
		if err != nil {
			items[i].Err = err
			continue
		}
		raws = append(raws, imagedecode.RawImage{Data: data, Encoding: imagedecode.EncodingBinary})
		index = append(index, i)
	}

	for j, out := range p.DiagnoseBatch(ctx, raws, concurrency) {
		i := index[j]
		items[i].Record = out.Record
		items[i].Err = out.Err
	}

	failed := 0
	for _, it := range items {
		if it.Err != nil {
			failed++
			logger.Debug("diagnosis failed", zap.String("file", it.Source), zap.Error(it.Err))
		}
	}
	return items, failed
}
