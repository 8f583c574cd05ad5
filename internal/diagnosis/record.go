// Package diagnosis maps classifier scores to diagnosis records.
package diagnosis

import (
	"errors"
	"fmt"
)

// ErrUnknownClass is returned when the predicted class has no label.
var ErrUnknownClass = errors.New("unknown class")

// UnknownClassError carries the unresolved prediction.
type UnknownClassError struct {
	Index      int
	TableSize  int
	Confidence float64
}

func (e *UnknownClassError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%v: empty score vector", ErrUnknownClass)
	}
	return fmt.Sprintf("%v: index %d not in label table of %d entries", ErrUnknownClass, e.Index, e.TableSize)
}

func (e *UnknownClassError) Is(target error) bool {
	return target == ErrUnknownClass
}

// Record is the diagnosis returned to callers.
type Record struct {
	Name       string       `json:"name"`
	Symptoms   string       `json:"symptoms"`
	Treatment  string       `json:"treatment"`
	Confidence float64      `json:"confidence"`
	ClassIndex int          `json:"class_index"`
	Known      bool         `json:"known"`
	Top        []ClassScore `json:"top,omitempty"`
}

// ClassScore is one entry of the ranked predictions.
type ClassScore struct {
	Index int     `json:"index"`
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

const (
	UnknownName      = "Unknown Disease"
	unknownSymptoms  = "No symptom information is available for this prediction."
	unknownTreatment = "Retake the photo in good light, or consult a local plant health specialist."
)

// FallbackRecord is the record shown when a prediction cannot be resolved to
// a label. It keeps the confidence and class index of the prediction.
func FallbackRecord(e *UnknownClassError) Record {
	r := Record{
		Name:       UnknownName,
		Symptoms:   unknownSymptoms,
		Treatment:  unknownTreatment,
		ClassIndex: -1,
	}
	if e != nil {
		r.ClassIndex = e.Index
		r.Confidence = e.Confidence
	}
	return r
}
