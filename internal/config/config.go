package config

import (
	"path/filepath"
	"time"

	"github.com/adrg/xdg"

	"github.com/Brownie44l1/leafdx-api/internal/diagnosis"
	"github.com/Brownie44l1/leafdx-api/internal/preprocess"
)

// AppName is used for XDG directory paths.
const AppName = "leafdx"

const (
	DefaultAddr             = ":8080"
	DefaultModelPath        = "models/model.onnx"
	DefaultMetadataPath     = "models/model_metadata.json"
	DefaultImageSize        = preprocess.DefaultSize
	DefaultInterpolation    = "nearest"
	DefaultMaxUploadSize    = 10 << 20
	DefaultMaxPixels        = 40_000_000
	DefaultBatchConcurrency = 4
	DefaultInferenceTimeout = 30 * time.Second
	DefaultShutdownTimeout  = 15 * time.Second
	DefaultResultTTL        = 10 * time.Minute
)

// Config holds all settings for the server and CLI.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string `yaml:"addr"`

	ModelPath    string `yaml:"model_path"`
	MetadataPath string `yaml:"metadata_path"`
	// LabelsPath points to a YAML label table. Empty uses the built-in table.
	LabelsPath string `yaml:"labels_path"`
	// ONNXLibraryPath overrides the onnxruntime shared library location.
	ONNXLibraryPath string `yaml:"onnxruntime_library"`
	NumThreads      int    `yaml:"num_threads"`

	ImageSize     int    `yaml:"image_size"`
	Interpolation string `yaml:"interpolation"`
	AutoOrient    bool   `yaml:"auto_orient"`
	// ScoreKind is how model outputs are read when the model metadata does
	// not say. Empty means logits.
	ScoreKind string `yaml:"score_kind"`
	TopK      int    `yaml:"top_k"`

	MaxUploadSize    int64 `yaml:"max_upload_size"`
	MaxPixels        int   `yaml:"max_pixels"`
	BatchConcurrency int   `yaml:"batch_concurrency"`

	InferenceTimeout time.Duration `yaml:"inference_timeout"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	// Warmup loads the model at startup instead of on the first request.
	Warmup bool `yaml:"warmup"`

	HistoryEnabled bool   `yaml:"history_enabled"`
	HistoryDir     string `yaml:"history_dir"`

	// RedisAddr enables the result cache when set.
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	ResultTTL     time.Duration `yaml:"result_ttl"`

	Verbose bool `yaml:"verbose"`

	// ConfigFilePath is the file the values were read from, if any.
	ConfigFilePath string `yaml:"-"`
}

// NewConfig returns a Config populated with defaults.
func NewConfig() *Config {
	return &Config{
		Addr:             DefaultAddr,
		ModelPath:        DefaultModelPath,
		MetadataPath:     DefaultMetadataPath,
		ImageSize:        DefaultImageSize,
		Interpolation:    DefaultInterpolation,
		AutoOrient:       true,
		TopK:             diagnosis.DefaultTopK,
		MaxUploadSize:    DefaultMaxUploadSize,
		MaxPixels:        DefaultMaxPixels,
		BatchConcurrency: DefaultBatchConcurrency,
		InferenceTimeout: DefaultInferenceTimeout,
		ShutdownTimeout:  DefaultShutdownTimeout,
		HistoryEnabled:   true,
		HistoryDir:       XDGDataDir(),
		ResultTTL:        DefaultResultTTL,
	}
}

// XDGDataDir returns the data directory, e.g. ~/.local/share/leafdx on Linux.
func XDGDataDir() string {
	return filepath.Join(xdg.DataHome, AppName)
}

// XDGConfigDir returns the config directory, e.g. ~/.config/leafdx on Linux.
func XDGConfigDir() string {
	return filepath.Join(xdg.ConfigHome, AppName)
}

// Validate returns the first invalid setting found.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return ErrInvalidAddr
	}
	if c.ModelPath == "" {
		return ErrNoModelPath
	}
	if c.ImageSize <= 0 {
		return ErrInvalidImageSize
	}
	if _, err := preprocess.ParseInterpolation(c.Interpolation); err != nil {
		return ErrInvalidInterpolation
	}
	if c.ScoreKind != "" {
		if _, err := diagnosis.ParseScoreKind(c.ScoreKind); err != nil {
			return ErrInvalidScoreKind
		}
	}
	if c.TopK < 0 {
		return ErrInvalidTopK
	}
	if c.MaxUploadSize <= 0 {
		return ErrInvalidUploadSize
	}
	if c.MaxPixels <= 0 {
		return ErrInvalidMaxPixels
	}
	if c.BatchConcurrency <= 0 {
		return ErrInvalidConcurrency
	}
	if c.InferenceTimeout < 0 || c.ShutdownTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.NumThreads < 0 {
		return ErrInvalidNumThreads
	}
	return nil
}
