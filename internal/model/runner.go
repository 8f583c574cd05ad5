package model

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Brownie44l1/leafdx-api/internal/tensor"
)

// Model is a loaded classifier. Implementations must allow concurrent Run
// calls and must not change state during Run.
type Model interface {
	Metadata() Metadata
	Run(t *tensor.Tensor) ([]float32, error)
	Close() error
}

// Loader produces a Model from its artifact.
type Loader interface {
	Load(ctx context.Context) (Model, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context) (Model, error)

func (f LoaderFunc) Load(ctx context.Context) (Model, error) {
	return f(ctx)
}

var errRunnerClosed = errors.New("runner closed")

// DefaultCloseTimeout bounds how long Close waits for forward passes that
// are still running.
const DefaultCloseTimeout = 30 * time.Second

// Runner owns the process-wide model handle. The handle is loaded on first
// use, at most once at a time, and reused until Close.
type Runner struct {
	loader       Loader
	logger       *zap.Logger
	group        singleflight.Group
	closeTimeout time.Duration

	mu     sync.RWMutex
	model  Model
	closed bool
	// passes counts forward passes, including abandoned ones. Add happens
	// under mu.RLock with closed false, so Close can Wait once closed is set.
	passes sync.WaitGroup
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithCloseTimeout sets how long Close waits for running passes.
func WithCloseTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.closeTimeout = d
		}
	}
}

func NewRunner(loader Loader, logger *zap.Logger, opts ...RunnerOption) *Runner {
	r := &Runner{
		loader:       loader,
		logger:       logger.Named("model_runner"),
		closeTimeout: DefaultCloseTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Loaded reports whether the model handle is cached.
func (r *Runner) Loaded() bool {
	return r.cached() != nil
}

func (r *Runner) cached() Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.model
}

// GetModel returns the cached handle, loading it if needed. Concurrent callers
// share one in-flight load. A failed load is not cached; the next call starts
// a new one. Cancelling ctx stops the wait, not the load.
func (r *Runner) GetModel(ctx context.Context) (Model, error) {
	if m := r.cached(); m != nil {
		return m, nil
	}

	ch := r.group.DoChan("model", func() (interface{}, error) {
		if m := r.cached(); m != nil {
			return m, nil
		}
		return r.load(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Model), nil
	}
}

func (r *Runner) load(ctx context.Context) (Model, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("%w: %w", ErrModelLoad, errRunnerClosed)
	}

	start := time.Now()
	m, err := r.loader.Load(ctx)
	if err != nil {
		r.logger.Error("model load failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return nil, fmt.Errorf("%w: %w", ErrModelLoad, err)
	}
	if m == nil {
		return nil, fmt.Errorf("%w: loader returned no model", ErrModelLoad)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = m.Close()
		return nil, fmt.Errorf("%w: %w", ErrModelLoad, errRunnerClosed)
	}
	r.model = m
	r.mu.Unlock()

	meta := m.Metadata()
	r.logger.Info("model loaded",
		zap.Duration("elapsed", time.Since(start)),
		zap.String("version", meta.Version),
		zap.Int64s("input_shape", meta.InputShape),
		zap.Int("classes", meta.NumClasses()))
	return m, nil
}

// Infer runs one forward pass. The tensor must match the model input shape
// (non-positive model dimensions match anything) and hold values in [0,1].
// If ctx is cancelled the call returns early and the pass completes in the
// background.
func (r *Runner) Infer(ctx context.Context, m Model, t *tensor.Tensor) ([]float32, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: no model", ErrInference)
	}
	if t == nil {
		return nil, fmt.Errorf("%w: %w", ErrInferenceShape, tensor.ErrInvalid)
	}
	meta := m.Metadata()
	if err := checkShape(meta.InputShape, t.Shape); err != nil {
		return nil, err
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil, fmt.Errorf("%w: %w", ErrInference, errRunnerClosed)
	}
	r.passes.Add(1)
	r.mu.RUnlock()

	type result struct {
		scores []float32
		err    error
	}
	done := make(chan result, 1)
	go func() {
		defer r.passes.Done()
		scores, err := m.Run(t)
		done <- result{scores: scores, err: err}
	}()

	select {
	case <-ctx.Done():
		r.logger.Debug("inference abandoned", zap.Error(ctx.Err()))
		return nil, ctx.Err()
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInference, res.err)
		}
		if n := meta.NumClasses(); n > 0 && len(res.scores) != n {
			return nil, fmt.Errorf("%w: model returned %d scores, expected %d", ErrInference, len(res.scores), n)
		}
		return res.scores, nil
	}
}

func checkShape(want, got []int64) error {
	if len(want) == 0 {
		return nil
	}
	if len(want) != len(got) {
		return &ShapeError{Want: want, Got: got}
	}
	for i := range want {
		if want[i] > 0 && want[i] != got[i] {
			return &ShapeError{Want: want, Got: got}
		}
	}
	return nil
}

// Close stops new passes, waits up to the close timeout for running ones and
// then releases the cached handle. If passes are still running when the
// timeout expires the handle is left open and an error is returned. Later
// GetModel and Infer calls fail.
func (r *Runner) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		r.passes.Wait()
		close(drained)
	}()

	timer := time.NewTimer(r.closeTimeout)
	defer timer.Stop()
	select {
	case <-drained:
	case <-timer.C:
		r.logger.Warn("forward passes still running, model not released", zap.Duration("waited", r.closeTimeout))
		return fmt.Errorf("%w: passes still running after %s", ErrInference, r.closeTimeout)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.model == nil {
		return nil
	}
	err := r.model.Close()
	r.model = nil
	return err
}
