package logging

import (
	"context"
	"errors"
)

// OpError records the step that failed and the request it failed for.
type OpError struct {
	Op        string
	RequestID string
	Err       error
}

func (e *OpError) Error() string {
	msg := e.Op + ": " + e.Err.Error()
	if e.RequestID != "" {
		msg += " (request " + e.RequestID + ")"
	}
	return msg
}

func (e *OpError) Unwrap() error { return e.Err }

// Wrap annotates err with op and the request id carried by ctx. It returns
// nil for a nil err and leaves an err that already names the same request
// and op unchanged.
func Wrap(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	id := RequestID(ctx)
	var prev *OpError
	if errors.As(err, &prev) && prev.Op == op && prev.RequestID == id {
		return err
	}
	return &OpError{Op: op, RequestID: id, Err: err}
}

// RequestIDOf returns the request id recorded anywhere in err's chain.
func RequestIDOf(err error) string {
	for err != nil {
		var op *OpError
		if !errors.As(err, &op) {
			return ""
		}
		if op.RequestID != "" {
			return op.RequestID
		}
		err = op.Err
	}
	return ""
}
