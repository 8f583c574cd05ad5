// Package service wraps the diagnosis pipeline with request ids, result caching
// and history persistence.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Brownie44l1/leafdx-api/internal/diagnosis"
	"github.com/Brownie44l1/leafdx-api/internal/history"
	"github.com/Brownie44l1/leafdx-api/internal/imagedecode"
	"github.com/Brownie44l1/leafdx-api/internal/logging"
	"github.com/Brownie44l1/leafdx-api/internal/tensor"
)

var (
	// ErrNotFound is returned when no result exists for a request id.
	ErrNotFound = errors.New("result not found")
	// ErrProcessing is returned while a request is still being diagnosed.
	ErrProcessing = errors.New("result still processing")
	// ErrNoHistory is returned by history queries when no repository is set.
	ErrNoHistory = errors.New("history disabled")
)

const (
	processingMarker = "processing"
	processingTTL    = time.Minute
	cleanupTimeout   = 2 * time.Second
	DefaultResultTTL = 10 * time.Minute
)

// Diagnoser is the part of the pipeline used by the service.
type Diagnoser interface {
	Diagnose(ctx context.Context, raw imagedecode.RawImage) (diagnosis.Record, error)
	DiagnoseTensor(ctx context.Context, t *tensor.Tensor) (diagnosis.Record, error)
	ModelLoaded() bool
}

// Repository persists diagnoses.
type Repository interface {
	Save(ctx context.Context, e *history.Entry) (int64, error)
	FindByRequestID(ctx context.Context, requestID string) (*history.Entry, error)
	Recent(ctx context.Context, limit int) ([]history.Entry, error)
	Count(ctx context.Context) (int, error)
}

// Result is a completed diagnosis with its request metadata.
type Result struct {
	RequestID   string           `json:"request_id"`
	Record      diagnosis.Record `json:"diagnosis"`
	ImageSHA256 string           `json:"image_sha256,omitempty"`
	Source      string           `json:"source,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// DiagnosisService coordinates a diagnosis request end to end.
type DiagnosisService struct {
	pipeline  Diagnoser
	repo      Repository
	cache     Cache
	logger    *zap.Logger
	timeout   time.Duration
	resultTTL time.Duration
	retry     backoff
}

// Option configures a DiagnosisService.
type Option func(*DiagnosisService)

// WithTimeout bounds each diagnosis. Zero means no bound.
func WithTimeout(d time.Duration) Option {
	return func(s *DiagnosisService) { s.timeout = d }
}

// WithResultTTL sets how long results stay in the cache.
func WithResultTTL(d time.Duration) Option {
	return func(s *DiagnosisService) {
		if d > 0 {
			s.resultTTL = d
		}
	}
}

// WithRetry sets how cache calls are retried on transient errors. One
// attempt disables retries.
func WithRetry(attempts int, initial, maxBackoff time.Duration) Option {
	return func(s *DiagnosisService) {
		s.retry = backoff{attempts: attempts, initial: initial, max: maxBackoff}
	}
}

// NewDiagnosisService builds the service. repo may be nil to disable history;
// cache may be nil to disable caching.
func NewDiagnosisService(p Diagnoser, repo Repository, cache Cache, logger *zap.Logger, opts ...Option) *DiagnosisService {
	if cache == nil {
		cache = NopCache{}
	}
	s := &DiagnosisService{
		pipeline:  p,
		repo:      repo,
		cache:     cache,
		logger:    logger.Named("diagnosis_service"),
		resultTTL: DefaultResultTTL,
		retry:     backoff{attempts: 3, initial: 50 * time.Millisecond, max: time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ModelLoaded reports whether the model handle is cached.
func (s *DiagnosisService) ModelLoaded() bool {
	return s.pipeline.ModelLoaded()
}

// Diagnose runs the pipeline on one image and records the result.
func (s *DiagnosisService) Diagnose(ctx context.Context, raw imagedecode.RawImage, source string) (*Result, error) {
	sum := sha256.Sum256(raw.Data)
	return s.run(ctx, source, hex.EncodeToString(sum[:]), func(ctx context.Context) (diagnosis.Record, error) {
		return s.pipeline.Diagnose(ctx, raw)
	})
}

// DiagnoseTensor runs inference on a prepared tensor and records the result.
func (s *DiagnosisService) DiagnoseTensor(ctx context.Context, t *tensor.Tensor) (*Result, error) {
	return s.run(ctx, "tensor", "", func(ctx context.Context) (diagnosis.Record, error) {
		return s.pipeline.DiagnoseTensor(ctx, t)
	})
}

func (s *DiagnosisService) run(ctx context.Context, source, hash string, fn func(context.Context) (diagnosis.Record, error)) (*Result, error) {
	requestID := uuid.NewString()
	ctx = logging.WithRequestID(ctx, requestID)
	log := logging.For(ctx, s.logger, "service.diagnose")
	key := resultKey(requestID)

	if err := s.cacheSet(ctx, "service.mark_processing", key, processingMarker, processingTTL); err != nil {
		log.Warn("failed to set processing flag", zap.Error(err))
	}

	runCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	rec, err := fn(runCtx)
	if err != nil {
		s.clearProcessing(ctx, key)
		return nil, err
	}

	res := &Result{
		RequestID:   requestID,
		Record:      rec,
		ImageSHA256: hash,
		Source:      source,
		CreatedAt:   time.Now().UTC(),
	}
	log.Info("diagnosis complete",
		zap.String("name", rec.Name),
		zap.Float64("confidence", rec.Confidence),
		zap.Duration("elapsed", time.Since(start)))

	if s.repo != nil {
		entry := &history.Entry{
			RequestID:   requestID,
			ImageSHA256: hash,
			Source:      source,
			Record:      rec,
			CreatedAt:   res.CreatedAt,
		}
		if _, err := s.repo.Save(ctx, entry); err != nil {
			log.Error("failed to persist diagnosis", zap.Error(logging.Wrap(ctx, "service.save_history", err)))
		}
	}

	serialized, err := json.Marshal(res)
	if err != nil {
		log.Error("failed to serialize diagnosis", zap.Error(err))
		return res, nil
	}
	if err := s.cacheSet(ctx, "service.cache_result", key, string(serialized), s.resultTTL); err != nil {
		log.Warn("failed to cache diagnosis", zap.Error(err))
	}

	return res, nil
}

// clearProcessing removes the in-flight marker of a failed request so that
// lookups report it as unknown instead of processing. It runs even when the
// request context is already done.
func (s *DiagnosisService) clearProcessing(ctx context.Context, key string) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	err := s.retry.do(cleanupCtx, func() error {
		return s.cache.Delete(cleanupCtx, key)
	}, s.logRetry(ctx, "service.clear_processing"))
	if err != nil {
		logging.For(ctx, s.logger, "service.clear_processing").Warn("failed to clear processing flag", zap.Error(err))
	}
}

// GetResult returns a finished diagnosis from the cache, falling back to
// history. It returns ErrProcessing for in-flight requests and ErrNotFound
// when neither store knows the id.
func (s *DiagnosisService) GetResult(ctx context.Context, requestID string) (*Result, error) {
	ctx = logging.WithRequestID(ctx, requestID)
	log := logging.For(ctx, s.logger, "service.get_result")

	cached, err := s.cacheGet(ctx, "service.cache_lookup", resultKey(requestID))
	switch {
	case err == nil && cached == processingMarker:
		return nil, ErrProcessing
	case err == nil:
		var res Result
		if err := json.Unmarshal([]byte(cached), &res); err != nil {
			log.Warn("failed to decode cached result", zap.Error(err))
		} else {
			return &res, nil
		}
	case !errors.Is(err, redis.Nil):
		log.Warn("failed to read cache", zap.Error(err))
	}

	if s.repo == nil {
		return nil, ErrNotFound
	}
	entry, err := s.repo.FindByRequestID(ctx, requestID)
	if errors.Is(err, history.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, logging.Wrap(ctx, "service.find_history", err)
	}
	return fromEntry(entry), nil
}

// Recent lists stored diagnoses, newest first.
func (s *DiagnosisService) Recent(ctx context.Context, limit int) ([]Result, error) {
	if s.repo == nil {
		return []Result{}, nil
	}
	entries, err := s.repo.Recent(ctx, limit)
	if err != nil {
		return nil, logging.Wrap(ctx, "service.recent_history", err)
	}
	out := make([]Result, 0, len(entries))
	for i := range entries {
		out = append(out, *fromEntry(&entries[i]))
	}
	return out, nil
}

// HistoryCount returns the number of stored diagnoses, or ErrNoHistory.
func (s *DiagnosisService) HistoryCount(ctx context.Context) (int, error) {
	if s.repo == nil {
		return 0, ErrNoHistory
	}
	n, err := s.repo.Count(ctx)
	if err != nil {
		return 0, logging.Wrap(ctx, "service.count_history", err)
	}
	return n, nil
}

func fromEntry(e *history.Entry) *Result {
	return &Result{
		RequestID:   e.RequestID,
		Record:      e.Record,
		ImageSHA256: e.ImageSHA256,
		Source:      e.Source,
		CreatedAt:   e.CreatedAt,
	}
}

func resultKey(requestID string) string {
	return "diagnosis:" + requestID
}

func (s *DiagnosisService) cacheSet(ctx context.Context, op, key string, value interface{}, ttl time.Duration) error {
	err := s.retry.do(ctx, func() error {
		return s.cache.Set(ctx, key, value, ttl)
	}, s.logRetry(ctx, op))
	return logging.Wrap(ctx, op, err)
}

func (s *DiagnosisService) cacheGet(ctx context.Context, op, key string) (string, error) {
	var value string
	err := s.retry.do(ctx, func() error {
		v, err := s.cache.Get(ctx, key)
		value = v
		return err
	}, s.logRetry(ctx, op))
	if err != nil {
		return "", logging.Wrap(ctx, op, err)
	}
	return value, nil
}

func (s *DiagnosisService) logRetry(ctx context.Context, op string) func(int, error) {
	return func(n int, err error) {
		logging.For(ctx, s.logger, op).Warn("transient cache error, retrying",
			zap.Int("attempt", n), zap.Error(err))
	}
}
