package diagnosis

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed labels.yaml
var defaultLabels []byte

// Label is the descriptive text attached to one model class.
type Label struct {
	Index     *int   `yaml:"index,omitempty" json:"index"`
	Name      string `yaml:"name" json:"name"`
	Symptoms  string `yaml:"symptoms" json:"symptoms"`
	Treatment string `yaml:"treatment" json:"treatment"`
}

type labelFile struct {
	Labels []Label `yaml:"labels"`
}

// LabelTable maps class indices to labels. It is built once and never modified.
type LabelTable struct {
	entries map[int]Label
	indices []int
}

// NewLabelTable builds a table where labels[i] describes class i.
func NewLabelTable(labels []Label) *LabelTable {
	t := &LabelTable{entries: make(map[int]Label, len(labels))}
	for i, l := range labels {
		idx := i
		l.Index = &idx
		t.entries[i] = l
		t.indices = append(t.indices, i)
	}
	return t
}

// DefaultLabelTable returns the built-in tomato disease table.
func DefaultLabelTable() *LabelTable {
	t, err := ParseLabelTable(defaultLabels)
	if err != nil {
		panic(fmt.Sprintf("embedded label table: %v", err))
	}
	return t
}

// LoadLabelTable reads a YAML label file.
func LoadLabelTable(path string) (*LabelTable, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("failed to read label table: %w", err)
	}
	t, err := ParseLabelTable(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// ParseLabelTable parses YAML of the form
//
//	labels:
//	  - name: Early Blight
//	    symptoms: ...
//	    treatment: ...
//
// An entry without an explicit index takes its position in the list.
func ParseLabelTable(data []byte) (*LabelTable, error) {
	var f labelFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse label table: %w", err)
	}
	if len(f.Labels) == 0 {
		return nil, errors.New("label table is empty")
	}

	t := &LabelTable{entries: make(map[int]Label, len(f.Labels))}
	for pos, l := range f.Labels {
		idx := pos
		if l.Index != nil {
			idx = *l.Index
		}
		if idx < 0 {
			return nil, fmt.Errorf("label %q: negative index %d", l.Name, idx)
		}
		l.Name = strings.TrimSpace(l.Name)
		if l.Name == "" {
			return nil, fmt.Errorf("label at index %d has no name", idx)
		}
		if _, dup := t.entries[idx]; dup {
			return nil, fmt.Errorf("duplicate label index %d", idx)
		}
		l.Index = &idx
		t.entries[idx] = l
		t.indices = append(t.indices, idx)
	}
	sort.Ints(t.indices)
	return t, nil
}

// Lookup returns the label for a class index.
func (t *LabelTable) Lookup(index int) (Label, bool) {
	l, ok := t.entries[index]
	return l, ok
}

// Len returns the number of labels.
func (t *LabelTable) Len() int {
	return len(t.entries)
}

// Labels returns all labels ordered by index.
func (t *LabelTable) Labels() []Label {
	out := make([]Label, 0, len(t.indices))
	for _, i := range t.indices {
		out = append(out, t.entries[i])
	}
	return out
}
