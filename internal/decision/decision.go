// Package decision turns a probability vector into a compliance label.
package decision

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/example/uniform-check/internal/classifier"
)

// Label is the compliance outcome of one classification.
type Label string

const (
	Compliant    Label = "compliant"
	NonCompliant Label = "non_compliant"
)

// Valid reports whether l is one of the known labels.
func (l Label) Valid() bool {
	return l == Compliant || l == NonCompliant
}

// Class is one model output index.
type Class struct {
	// Name is the model's own class name, e.g. "uniform".
	Name  string
	Label Label
}

// LabelTable maps model output indices to labels.
type LabelTable struct {
	classes []Class
}

// DefaultTable is the two-class table: index 0 compliant, index 1 non-compliant.
func DefaultTable() LabelTable {
	return LabelTable{classes: []Class{
		{Name: "uniform", Label: Compliant},
		{Name: "not-uniform", Label: NonCompliant},
	}}
}

// ErrNoCompliantClass is returned when no class name matches the compliant list.
var ErrNoCompliantClass = errors.New("label table: no class maps to compliant")

// NewLabelTable builds a table from class names. Names listed in compliant
// (case-insensitive) map to Compliant, every other name to NonCompliant. At
// least one class must be compliant.
func NewLabelTable(names []string, compliant []string) (LabelTable, error) {
	if len(names) == 0 {
		return LabelTable{}, errors.New("label table: no classes")
	}
	ok := make(map[string]bool, len(compliant))
	for _, c := range compliant {
		ok[strings.ToLower(strings.TrimSpace(c))] = true
	}
	classes := make([]Class, len(names))
	anyCompliant := false
	for i, name := range names {
		label := NonCompliant
		if ok[strings.ToLower(name)] {
			label = Compliant
			anyCompliant = true
		}
		classes[i] = Class{Name: name, Label: label}
	}
	if !anyCompliant {
		return LabelTable{}, fmt.Errorf("%w: classes %q, compliant_labels %q", ErrNoCompliantClass, names, compliant)
	}
	return LabelTable{classes: classes}, nil
}

// Len is the number of classes, i.e. the expected probability vector length.
func (t LabelTable) Len() int {
	return len(t.classes)
}

// Class returns the class at index i.
func (t LabelTable) Class(i int) Class {
	return t.classes[i]
}

// ReadLabels parses a labels file: one class per line, an optional leading
// "<index> " prefix, blank lines ignored.
func ReadLabels(r io.Reader) ([]string, error) {
	var names []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if head, rest, found := strings.Cut(line, " "); found {
			if _, err := strconv.Atoi(head); err == nil {
				line = strings.TrimSpace(rest)
			}
		}
		names = append(names, line)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return names, nil
}

// LoadLabelTable reads a labels file from path.
func LoadLabelTable(path string, compliant []string) (LabelTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return LabelTable{}, err
	}
	defer f.Close()

	names, err := ReadLabels(f)
	if err != nil {
		return LabelTable{}, fmt.Errorf("read labels %s: %w", path, err)
	}
	return NewLabelTable(names, compliant)
}

// Decision is the outcome of Decide.
type Decision struct {
	Index      int
	Class      string
	Label      Label
	Confidence float64
}

// IsCompliant is true iff Label is Compliant.
func (d Decision) IsCompliant() bool {
	return d.Label == Compliant
}

// Decide picks the highest probability; on equal maxima the lowest index wins.
// Confidence is the winning probability as-is. A vector whose length differs
// from the table, or one holding NaN or values outside [0,1], is an
// InferenceError.
func (t LabelTable) Decide(probs []float32) (Decision, error) {
	if len(probs) != len(t.classes) || len(probs) == 0 {
		return Decision{}, &classifier.InferenceError{
			Op:  "decide",
			Err: fmt.Errorf("probability vector has %d entries, label table has %d", len(probs), len(t.classes)),
		}
	}
	best := 0
	for i, p := range probs {
		if math.IsNaN(float64(p)) || p < 0 || p > 1 {
			return Decision{}, &classifier.InferenceError{Op: "decide", Err: fmt.Errorf("probability %d is %v, outside [0,1]", i, p)}
		}
		if p > probs[best] {
			best = i
		}
	}
	c := t.classes[best]
	return Decision{
		Index:      best,
		Class:      c.Name,
		Label:      c.Label,
		Confidence: float64(probs[best]),
	}, nil
}
