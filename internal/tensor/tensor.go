// Package tensor holds the fixed-shape float input passed from preprocessing
// to the model runner.
package tensor

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInvalid is returned when a tensor violates its shape or value contract.
var ErrInvalid = errors.New("invalid tensor")

// Tensor is a dense float32 array in row-major order.
type Tensor struct {
	Shape []int64
	Data  []float32
}

// New allocates a zeroed tensor with the given shape.
func New(shape ...int64) *Tensor {
	s := make([]int64, len(shape))
	copy(s, shape)
	return &Tensor{Shape: s, Data: make([]float32, Elements(s))}
}

// Elements returns the product of the dimensions, or 0 if any dimension is
// not positive or the product does not fit in an int.
func Elements(shape []int64) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range shape {
		if d <= 0 || d > int64(math.MaxInt/n) {
			return 0
		}
		n *= int(d)
	}
	return n
}

// Validate checks that the data length matches the shape and that every value
// is finite and within [0, 1].
func (t *Tensor) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: nil tensor", ErrInvalid)
	}
	want := Elements(t.Shape)
	if want == 0 {
		return fmt.Errorf("%w: shape %v has no elements", ErrInvalid, t.Shape)
	}
	if len(t.Data) != want {
		return fmt.Errorf("%w: shape %v needs %d values, got %d", ErrInvalid, t.Shape, want, len(t.Data))
	}
	for i, v := range t.Data {
		if math.IsNaN(float64(v)) || v < 0 || v > 1 {
			return fmt.Errorf("%w: value %v at offset %d outside [0,1]", ErrInvalid, v, i)
		}
	}
	return nil
}

// ShapeString renders a shape as "1x224x224x3".
func ShapeString(shape []int64) string {
	var b strings.Builder
	for i, d := range shape {
		if i > 0 {
			b.WriteByte('x')
		}
		b.WriteString(strconv.FormatInt(d, 10))
	}
	return b.String()
}
