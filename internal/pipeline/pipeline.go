// Package pipeline runs the image → tensor → model → diagnosis stages.
//
// Each call is independent; the only state shared between calls is the model
// handle cached by the runner.
package pipeline

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/Brownie44l1/leafdx-api/internal/diagnosis"
	"github.com/Brownie44l1/leafdx-api/internal/imagedecode"
	"github.com/Brownie44l1/leafdx-api/internal/logging"
	"github.com/Brownie44l1/leafdx-api/internal/model"
	"github.com/Brownie44l1/leafdx-api/internal/tensor"
)

// ImageDecoder turns captured bytes into pixels.
type ImageDecoder interface {
	Decode(raw imagedecode.RawImage) (*imagedecode.PixelBuffer, error)
}

// Preprocessor turns pixels into the model input tensor.
type Preprocessor interface {
	Preprocess(px *imagedecode.PixelBuffer) (*tensor.Tensor, error)
}

// ModelRunner provides the cached model and runs inference.
type ModelRunner interface {
	GetModel(ctx context.Context) (model.Model, error)
	Infer(ctx context.Context, m model.Model, t *tensor.Tensor) ([]float32, error)
}

// ResultDecoder maps scores to a diagnosis.
type ResultDecoder interface {
	Decode(scores []float32, kind diagnosis.ScoreKind) (diagnosis.Record, error)
}

// Pipeline wires the four stages together.
type Pipeline struct {
	images      ImageDecoder
	pre         Preprocessor
	runner      ModelRunner
	results     ResultDecoder
	defaultKind diagnosis.ScoreKind
	logger      *zap.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithDefaultScoreKind sets the score kind used when the model metadata does
// not declare one. The default is diagnosis.Logits.
func WithDefaultScoreKind(kind diagnosis.ScoreKind) Option {
	return func(p *Pipeline) {
		if kind != "" {
			p.defaultKind = kind
		}
	}
}

func New(images ImageDecoder, pre Preprocessor, runner ModelRunner, results ResultDecoder, logger *zap.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		images:      images,
		pre:         pre,
		runner:      runner,
		results:     results,
		defaultKind: diagnosis.Logits,
		logger:      logger.Named("pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Diagnose runs all stages in order for one image. Stage failures are returned
// wrapped in *logging.OpError; an unlabeled prediction is turned into
// diagnosis.FallbackRecord instead of an error.
func (p *Pipeline) Diagnose(ctx context.Context, raw imagedecode.RawImage) (diagnosis.Record, error) {
	px, err := p.images.Decode(raw)
	if err != nil {
		return diagnosis.Record{}, p.fail(ctx, "pipeline.decode_image", err)
	}

	t, err := p.pre.Preprocess(px)
	if err != nil {
		return diagnosis.Record{}, p.fail(ctx, "pipeline.preprocess", err)
	}

	return p.run(ctx, t)
}

// DiagnoseTensor runs inference and decoding on an already prepared tensor.
func (p *Pipeline) DiagnoseTensor(ctx context.Context, t *tensor.Tensor) (diagnosis.Record, error) {
	return p.run(ctx, t)
}

func (p *Pipeline) run(ctx context.Context, t *tensor.Tensor) (diagnosis.Record, error) {
	m, err := p.runner.GetModel(ctx)
	if err != nil {
		return diagnosis.Record{}, p.fail(ctx, "pipeline.load_model", err)
	}

	scores, err := p.runner.Infer(ctx, m, t)
	if err != nil {
		return diagnosis.Record{}, p.fail(ctx, "pipeline.infer", err)
	}

	rec, err := p.results.Decode(scores, p.scoreKind(m.Metadata()))
	if err != nil {
		var unknown *diagnosis.UnknownClassError
		if errors.As(err, &unknown) {
			logging.For(ctx, p.logger, "pipeline.decode_result").
				Warn("prediction has no label, returning fallback", zap.Int("class_index", unknown.Index))
			return diagnosis.FallbackRecord(unknown), nil
		}
		return diagnosis.Record{}, p.fail(ctx, "pipeline.decode_result", err)
	}

	logging.For(ctx, p.logger, "pipeline.diagnose").Debug("diagnosis complete",
		zap.String("name", rec.Name),
		zap.Int("class_index", rec.ClassIndex),
		zap.Float64("confidence", rec.Confidence))
	return rec, nil
}

func (p *Pipeline) scoreKind(meta model.Metadata) diagnosis.ScoreKind {
	if meta.OutputKind == "" {
		return p.defaultKind
	}
	kind, err := diagnosis.ParseScoreKind(meta.OutputKind)
	if err != nil {
		p.logger.Warn("ignoring model output kind", zap.Error(err))
		return p.defaultKind
	}
	return kind
}

func (p *Pipeline) fail(ctx context.Context, op string, err error) error {
	log := logging.For(ctx, p.logger, op)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		log.Debug("diagnosis abandoned", zap.Error(err))
	case errors.Is(err, imagedecode.ErrDecode), errors.Is(err, tensor.ErrInvalid),
		errors.Is(err, model.ErrInferenceShape):
		log.Warn("rejected input", zap.Error(err))
	default:
		log.Error("diagnosis failed", zap.Error(err))
	}
	return logging.Wrap(ctx, op, err)
}

// Warmup triggers the one-time model load.
func (p *Pipeline) Warmup(ctx context.Context) error {
	if _, err := p.runner.GetModel(ctx); err != nil {
		return p.fail(ctx, "pipeline.warmup", err)
	}
	return nil
}

// ModelLoaded reports whether the runner has a cached model, when it can tell.
func (p *Pipeline) ModelLoaded() bool {
	if l, ok := p.runner.(interface{ Loaded() bool }); ok {
		return l.Loaded()
	}
	return false
}
