package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// EnvPrefix prefixes every environment variable read by ApplyEnv.
const EnvPrefix = "LEAFDX_"

// LookupFunc reads an environment variable. os.LookupEnv is used when nil.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides c from LEAFDX_* variables. PORT is honored for hosted
// platforms and is itself overridden by LEAFDX_ADDR.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	e := envReader{lookup: lookup}

	if port, ok := lookup("PORT"); ok && port != "" {
		c.Addr = ":" + port
	}

	e.str("ADDR", &c.Addr)
	e.str("MODEL_PATH", &c.ModelPath)
	e.str("METADATA_PATH", &c.MetadataPath)
	e.str("LABELS_PATH", &c.LabelsPath)
	e.str("ONNXRUNTIME_LIB", &c.ONNXLibraryPath)
	e.integer("NUM_THREADS", &c.NumThreads)
	e.integer("IMAGE_SIZE", &c.ImageSize)
	e.str("INTERPOLATION", &c.Interpolation)
	e.boolean("AUTO_ORIENT", &c.AutoOrient)
	e.str("SCORE_KIND", &c.ScoreKind)
	e.integer("TOP_K", &c.TopK)
	e.int64("MAX_UPLOAD_SIZE", &c.MaxUploadSize)
	e.integer("MAX_PIXELS", &c.MaxPixels)
	e.integer("BATCH_CONCURRENCY", &c.BatchConcurrency)
	e.duration("INFERENCE_TIMEOUT", &c.InferenceTimeout)
	e.duration("SHUTDOWN_TIMEOUT", &c.ShutdownTimeout)
	e.boolean("WARMUP", &c.Warmup)
	e.boolean("HISTORY_ENABLED", &c.HistoryEnabled)
	e.str("HISTORY_DIR", &c.HistoryDir)
	e.str("REDIS_ADDR", &c.RedisAddr)
	e.str("REDIS_PASSWORD", &c.RedisPassword)
	e.integer("REDIS_DB", &c.RedisDB)
	e.duration("RESULT_TTL", &c.ResultTTL)
	e.boolean("VERBOSE", &c.Verbose)

	return e.err
}

// envReader keeps the first parse error so callers check once.
type envReader struct {
	lookup LookupFunc
	err    error
}

func (e *envReader) get(name string) (string, bool) {
	if e.err != nil {
		return "", false
	}
	v, ok := e.lookup(EnvPrefix + name)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (e *envReader) fail(name, value string, err error) {
	e.err = fmt.Errorf("invalid %s%s=%q: %w", EnvPrefix, name, value, err)
}

func (e *envReader) str(name string, dst *string) {
	if v, ok := e.get(name); ok {
		*dst = v
	}
}

func (e *envReader) integer(name string, dst *int) {
	if v, ok := e.get(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) int64(name string, dst *int64) {
	if v, ok := e.get(name); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) boolean(name string, dst *bool) {
	if v, ok := e.get(name); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) duration(name string, dst *time.Duration) {
	if v, ok := e.get(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = d
	}
}
