package diagnosis

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// ScoreKind says whether model outputs are raw logits or a probability distribution.
type ScoreKind string

const (
	Logits        ScoreKind = "logits"
	Probabilities ScoreKind = "probabilities"
)

// ParseScoreKind maps metadata text to a ScoreKind. Empty means Logits.
func ParseScoreKind(s string) (ScoreKind, error) {
	switch k := ScoreKind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return Logits, nil
	case Logits, Probabilities:
		return k, nil
	case "softmax", "probs":
		return Probabilities, nil
	default:
		return "", fmt.Errorf("unknown score kind %q", s)
	}
}

// DefaultTopK is the number of ranked predictions attached to a record.
const DefaultTopK = 3

// Decoder turns a score vector into a Record.
type Decoder struct {
	table *LabelTable
	topK  int
}

func NewDecoder(table *LabelTable, topK int) *Decoder {
	if topK < 0 {
		topK = 0
	}
	return &Decoder{table: table, topK: topK}
}

// Decode picks the highest score (first index wins ties) and looks it up in
// the label table. Logits are normalized with softmax; probabilities are
// clamped to [0,1]. A class without a label yields *UnknownClassError.
func (d *Decoder) Decode(scores []float32, kind ScoreKind) (Record, error) {
	best := argmax(scores)
	if best < 0 {
		return Record{}, &UnknownClassError{Index: -1, TableSize: d.table.Len()}
	}

	probs := normalize(scores, kind)
	label, ok := d.table.Lookup(best)
	if !ok {
		return Record{}, &UnknownClassError{Index: best, TableSize: d.table.Len(), Confidence: probs[best]}
	}

	return Record{
		Name:       label.Name,
		Symptoms:   label.Symptoms,
		Treatment:  label.Treatment,
		Confidence: probs[best],
		ClassIndex: best,
		Known:      true,
		Top:        d.rank(probs),
	}, nil
}

// argmax returns the index of the largest non-NaN score, or -1.
func argmax(scores []float32) int {
	best := -1
	for i, v := range scores {
		if math.IsNaN(float64(v)) {
			continue
		}
		if best < 0 || v > scores[best] {
			best = i
		}
	}
	return best
}

func normalize(scores []float32, kind ScoreKind) []float64 {
	if kind == Probabilities {
		out := make([]float64, len(scores))
		for i, v := range scores {
			switch p := float64(v); {
			case math.IsNaN(p) || p < 0:
				out[i] = 0
			case p > 1:
				out[i] = 1
			default:
				out[i] = p
			}
		}
		return out
	}
	return softmax(scores)
}

// softmax is computed in float64 after subtracting the maximum. NaN scores get
// zero mass and infinities are clamped so the result stays finite.
func softmax(scores []float32) []float64 {
	vals := make([]float64, len(scores))
	maxV := -math.MaxFloat64
	for i, s := range scores {
		v := float64(s)
		switch {
		case math.IsNaN(v), math.IsInf(v, -1):
			v = math.Inf(-1)
		case math.IsInf(v, 1):
			v = math.MaxFloat64
		}
		vals[i] = v
		if v > maxV {
			maxV = v
		}
	}

	var sum float64
	for i, v := range vals {
		e := math.Exp(v - maxV)
		vals[i] = e
		sum += e
	}
	if sum == 0 {
		return vals
	}
	for i := range vals {
		vals[i] /= sum
	}
	return vals
}

func (d *Decoder) rank(probs []float64) []ClassScore {
	if d.topK == 0 {
		return nil
	}
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return probs[idx[a]] > probs[idx[b]]
	})

	k := d.topK
	if k > len(idx) {
		k = len(idx)
	}
	out := make([]ClassScore, 0, k)
	for _, i := range idx[:k] {
		name := UnknownName
		if l, ok := d.table.Lookup(i); ok {
			name = l.Name
		}
		out = append(out, ClassScore{Index: i, Name: name, Score: probs[i]})
	}
	return out
}
