package config

import "errors"

// Validation errors returned by Config.Validate.
var (
	ErrInvalidAddr          = errors.New("invalid listen address: must not be empty")
	ErrNoModelPath          = errors.New("no model path configured")
	ErrInvalidImageSize     = errors.New("invalid image size: must be positive")
	ErrInvalidInterpolation = errors.New("invalid interpolation: use nearest, bilinear, bicubic or lanczos3")
	ErrInvalidScoreKind     = errors.New("invalid score kind: use logits or probabilities")
	ErrInvalidTopK          = errors.New("invalid top-k: must be non-negative")
	ErrInvalidUploadSize    = errors.New("invalid max upload size: must be positive")
	ErrInvalidMaxPixels     = errors.New("invalid max pixels: must be positive")
	ErrInvalidConcurrency   = errors.New("invalid batch concurrency: must be positive")
	ErrInvalidTimeout       = errors.New("invalid timeout: inference must be non-negative and shutdown positive")
	ErrInvalidNumThreads    = errors.New("invalid thread count: must be non-negative")
)
