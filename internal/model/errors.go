package model

import (
	"errors"
	"fmt"

	"github.com/Brownie44l1/leafdx-api/internal/tensor"
)

var (
	// ErrModelLoad is returned when the model artifact cannot be loaded.
	ErrModelLoad = errors.New("model load failed")
	// ErrInferenceShape is returned when a tensor does not fit the model input.
	ErrInferenceShape = errors.New("tensor shape does not match model input")
	// ErrInference is returned for backend failures during a forward pass.
	ErrInference = errors.New("inference failed")
)

// ShapeError reports the expected and actual input shape.
type ShapeError struct {
	Want []int64
	Got  []int64
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%v: want %s, got %s", ErrInferenceShape, tensor.ShapeString(e.Want), tensor.ShapeString(e.Got))
}

// Is makes errors.Is(err, ErrInferenceShape) hold for *ShapeError.
func (e *ShapeError) Is(target error) bool {
	return target == ErrInferenceShape
}
