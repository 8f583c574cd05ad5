package model

import (
	"encoding/json"
	"fmt"
	"os"
)

// Metadata describes the model artifact. It is read from the JSON file that
// ships next to the .onnx file; fields left empty are discovered from the
// model itself where possible.
type Metadata struct {
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
	ImageSize   int      `json:"image_size"`
	InputName   string   `json:"input_name,omitempty"`
	OutputName  string   `json:"output_name,omitempty"`
	// OutputKind is "logits" or "probabilities". Empty means logits.
	OutputKind string `json:"output_kind,omitempty"`
	Version    string `json:"version,omitempty"`
}

// NumClasses returns the number of output scores, or 0 when unknown.
func (m Metadata) NumClasses() int {
	if n := len(m.OutputShape); n > 0 && m.OutputShape[n-1] > 0 {
		return int(m.OutputShape[n-1])
	}
	return len(m.Classes)
}

// LoadMetadata reads a metadata JSON file.
func LoadMetadata(path string) (Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}
	return meta, nil
}
