package report

import (
	"encoding/json"
	"io"

	"github.com/Brownie44l1/leafdx-api/internal/diagnosis"
)

// JSONWriter prints indented JSON for scripting.
type JSONWriter struct {
	enc *json.Encoder
}

func NewJSONWriter(out io.Writer) *JSONWriter {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return &JSONWriter{enc: enc}
}

type jsonItem struct {
	Source    string            `json:"source"`
	Diagnosis *diagnosis.Record `json:"diagnosis,omitempty"`
	Error     string            `json:"error,omitempty"`
}

func (w *JSONWriter) WriteDiagnoses(items []Item) error {
	out := make([]jsonItem, 0, len(items))
	for _, it := range items {
		ji := jsonItem{Source: it.Source}
		if it.Err != nil {
			ji.Error = it.Err.Error()
		} else {
			rec := it.Record
			ji.Diagnosis = &rec
		}
		out = append(out, ji)
	}
	return w.enc.Encode(out)
}

func (w *JSONWriter) WriteLabels(labels []diagnosis.Label) error {
	return w.enc.Encode(labels)
}
