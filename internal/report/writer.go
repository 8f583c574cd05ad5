// Package report renders CLI diagnosis output as text, JSON or Markdown.
package report

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/Brownie44l1/leafdx-api/internal/diagnosis"
)

// Item is the outcome for one input file.
type Item struct {
	Source string
	Record diagnosis.Record
	Err    error
}

// Writer renders diagnoses and label tables.
type Writer interface {
	WriteDiagnoses(items []Item) error
	WriteLabels(labels []diagnosis.Label) error
}

// Format names an output format.
type Format string

const (
	FormatText     Format = "text"
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
)

// ErrUnknownFormat is returned by NewWriter for unsupported formats.
var ErrUnknownFormat = errors.New("unknown output format")

// NewWriter returns the writer for format. Empty means text.
func NewWriter(format string, out io.Writer) (Writer, error) {
	switch Format(strings.ToLower(strings.TrimSpace(format))) {
	case "", FormatText:
		return NewTextWriter(out), nil
	case FormatJSON:
		return NewJSONWriter(out), nil
	case FormatMarkdown, "md":
		return NewMarkdownWriter(out), nil
	default:
		return nil, fmt.Errorf("%w: %q (use text, json or markdown)", ErrUnknownFormat, format)
	}
}

func percent(v float64) string {
	return fmt.Sprintf("%.1f%%", v*100)
}
