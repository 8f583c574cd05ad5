package service

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
)

// backoff retries cache calls that fail with a transient error, doubling the
// wait after each attempt up to max.
type backoff struct {
	attempts int
	initial  time.Duration
	max      time.Duration
}

// wait returns the pause before retry n, counting from 1.
func (b backoff) wait(n int) time.Duration {
	d := b.initial
	for i := 1; i < n && d < b.max; i++ {
		d *= 2
	}
	if d > b.max {
		return b.max
	}
	return d
}

// do calls fn until it succeeds, fails with a permanent error or runs out of
// attempts. onRetry is told about each transient failure before the pause.
func (b backoff) do(ctx context.Context, fn func() error, onRetry func(n int, err error)) error {
	for n := 1; ; n++ {
		err := fn()
		if err == nil || n >= b.attempts || !isTransient(err) {
			return err
		}
		if onRetry != nil {
			onRetry(n, err)
		}

		timer := time.NewTimer(b.wait(n))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
}

// isTransient reports whether a cache error is worth retrying.
func isTransient(err error) bool {
	switch {
	case err == nil, errors.Is(err, redis.Nil), errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, io.ErrUnexpectedEOF):
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
