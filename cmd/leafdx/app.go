package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Brownie44l1/leafdx-api/internal/config"
	"github.com/Brownie44l1/leafdx-api/internal/diagnosis"
	"github.com/Brownie44l1/leafdx-api/internal/history"
	"github.com/Brownie44l1/leafdx-api/internal/imagedecode"
	"github.com/Brownie44l1/leafdx-api/internal/logging"
	"github.com/Brownie44l1/leafdx-api/internal/model"
	"github.com/Brownie44l1/leafdx-api/internal/pipeline"
	"github.com/Brownie44l1/leafdx-api/internal/preprocess"
	"github.com/Brownie44l1/leafdx-api/internal/service"
)

// loadConfig layers the config file, the environment and any flags the user
// set on cmd, then validates the result.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path, nil)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("verbose") {
		if cfg.Verbose, err = flags.GetBool("verbose"); err != nil {
			return nil, err
		}
	}
	if err := applyCommonFlags(cmd, cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, nil
}

// addCommonFlags registers the model and preprocessing flags shared by serve
// and predict.
func addCommonFlags(cmd *cobra.Command) {
	cmd.Flags().String("model", "", "Path to the ONNX model")
	cmd.Flags().String("metadata", "", "Path to the model metadata JSON")
	cmd.Flags().String("labels", "", "Path to a YAML label table (default: built-in)")
	cmd.Flags().String("interpolation", "", "Resize method: nearest, bilinear, bicubic, lanczos3")
	cmd.Flags().Int("top-k", 0, "Number of ranked predictions to include")
}

func applyCommonFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	strFlags := map[string]*string{
		"model":         &cfg.ModelPath,
		"metadata":      &cfg.MetadataPath,
		"labels":        &cfg.LabelsPath,
		"interpolation": &cfg.Interpolation,
		"addr":          &cfg.Addr,
	}
	for name, dst := range strFlags {
		if flags.Lookup(name) == nil || !flags.Changed(name) {
			continue
		}
		v, err := flags.GetString(name)
		if err != nil {
			return err
		}
		*dst = v
	}

	intFlags := map[string]*int{
		"top-k":       &cfg.TopK,
		"concurrency": &cfg.BatchConcurrency,
	}
	for name, dst := range intFlags {
		if flags.Lookup(name) == nil || !flags.Changed(name) {
			continue
		}
		v, err := flags.GetInt(name)
		if err != nil {
			return err
		}
		*dst = v
	}

	if flags.Lookup("warmup") != nil && flags.Changed("warmup") {
		v, err := flags.GetBool("warmup")
		if err != nil {
			return err
		}
		cfg.Warmup = v
	}
	return nil
}

// app holds the wired components for one process.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	labels   *diagnosis.LabelTable
	runner   *model.Runner
	pipeline *pipeline.Pipeline
	store    *history.Store
	cache    *service.RedisCache
	service  *service.DiagnosisService
}

type appOptions struct {
	history bool
	cache   bool
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts appOptions) (*app, error) {
	labels, err := loadLabels(cfg)
	if err != nil {
		return nil, err
	}

	interp, err := preprocess.ParseInterpolation(cfg.Interpolation)
	if err != nil {
		return nil, err
	}

	onnx := model.NewONNXLoader(model.ONNXConfig{
		ModelPath:         cfg.ModelPath,
		MetadataPath:      cfg.MetadataPath,
		SharedLibraryPath: cfg.ONNXLibraryPath,
		NumThreads:        cfg.NumThreads,
	}, logger)
	loader := model.LoaderFunc(func(ctx context.Context) (model.Model, error) {
		m, err := onnx.Load(ctx)
		if err != nil {
			return nil, err
		}
		checkLabels(m.Metadata(), labels, logger)
		return m, nil
	})

	a := &app{
		cfg:    cfg,
		logger: logger,
		labels: labels,
		runner: model.NewRunner(loader, logger, model.WithCloseTimeout(cfg.ShutdownTimeout)),
	}

	var pipeOpts []pipeline.Option
	if cfg.ScoreKind != "" {
		kind, err := diagnosis.ParseScoreKind(cfg.ScoreKind)
		if err != nil {
			return nil, err
		}
		pipeOpts = append(pipeOpts, pipeline.WithDefaultScoreKind(kind))
	}

	a.pipeline = pipeline.New(
		imagedecode.NewDecoder(imagedecode.Options{
			MaxBytes:   cfg.MaxUploadSize,
			MaxPixels:  cfg.MaxPixels,
			AutoOrient: cfg.AutoOrient,
		}),
		&preprocess.Preprocessor{Width: cfg.ImageSize, Height: cfg.ImageSize, Method: interp},
		a.runner,
		diagnosis.NewDecoder(labels, cfg.TopK),
		logger,
		pipeOpts...,
	)

	var repo service.Repository
	if opts.history && cfg.HistoryEnabled {
		store, err := history.Open(cfg.HistoryDir, history.DefaultOptions())
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to open history: %w", err)
		}
		a.store = store
		repo = store
		logger.Info("history enabled", zap.String("path", store.Path()))
	}

	var cache service.Cache
	if opts.cache && cfg.RedisAddr != "" {
		a.cache = connectRedis(ctx, cfg, logger)
		if a.cache != nil {
			cache = a.cache
		}
	}

	a.service = service.NewDiagnosisService(a.pipeline, repo, cache, logger,
		service.WithTimeout(cfg.InferenceTimeout),
		service.WithResultTTL(cfg.ResultTTL),
	)
	return a, nil
}

func loadLabels(cfg *config.Config) (*diagnosis.LabelTable, error) {
	if cfg.LabelsPath == "" {
		return diagnosis.DefaultLabelTable(), nil
	}
	labels, err := diagnosis.LoadLabelTable(cfg.LabelsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load labels: %w", err)
	}
	return labels, nil
}

// checkLabels warns when the model's class list disagrees with the label table.
func checkLabels(meta model.Metadata, labels *diagnosis.LabelTable, logger *zap.Logger) {
	if n := meta.NumClasses(); n > 0 && n != labels.Len() {
		logger.Warn("model class count differs from label table",
			zap.Int("model_classes", n), zap.Int("labels", labels.Len()))
	}
	for i, name := range meta.Classes {
		l, ok := labels.Lookup(i)
		if !ok {
			continue
		}
		if l.Name != name {
			logger.Warn("label name differs from model class",
				zap.Int("index", i), zap.String("model", name), zap.String("label", l.Name))
		}
	}
}

func connectRedis(ctx context.Context, cfg *config.Config, logger *zap.Logger) *service.RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	cache := service.NewRedisCache(client)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cache.Ping(pingCtx); err != nil {
		logger.Warn("redis unavailable, result cache disabled", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		_ = cache.Close()
		return nil
	}
	logger.Info("result cache enabled", zap.String("addr", cfg.RedisAddr))
	return cache
}

// Close releases the model, history and cache.
func (a *app) Close() {
	var errs []error
	if a.runner != nil {
		errs = append(errs, a.runner.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.cache != nil {
		errs = append(errs, a.cache.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown cleanup failed", zap.Error(err))
	}
}

// newLogger builds the process logger.
func newLogger(cfg *config.Config) *zap.Logger {
	return logging.NewLogger(cfg.Verbose)
}
