package pipeline

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/Brownie44l1/leafdx-api/internal/diagnosis"
	"github.com/Brownie44l1/leafdx-api/internal/imagedecode"
)

// DefaultConcurrency bounds DiagnoseBatch when no limit is given.
const DefaultConcurrency = 4

// Outcome is the result of one asynchronous diagnosis.
type Outcome struct {
	Record diagnosis.Record
	Err    error
}

// Submit starts a diagnosis in its own goroutine. The returned channel
// receives exactly one Outcome and is then closed. Cancelling ctx abandons
// the run; the cached model is unaffected.
func (p *Pipeline) Submit(ctx context.Context, raw imagedecode.RawImage) <-chan Outcome {
	ch := make(chan Outcome, 1)
	go func() {
		defer close(ch)
		rec, err := p.Diagnose(ctx, raw)
		ch <- Outcome{Record: rec, Err: err}
	}()
	return ch
}

// DiagnoseBatch diagnoses images with at most concurrency runs in flight.
// Outcomes are returned in input order; a failed image does not stop the others.
func (p *Pipeline) DiagnoseBatch(ctx context.Context, raws []imagedecode.RawImage, concurrency int) []Outcome {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	out := make([]Outcome, len(raws))

	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, raw := range raws {
		i, raw := i, raw
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				out[i] = Outcome{Err: err}
				return nil
			}
			rec, err := p.Diagnose(ctx, raw)
			out[i] = Outcome{Record: rec, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}
