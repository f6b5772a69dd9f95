package preprocessing

import (
	"encoding/json"
	"fmt"

	"github.com/agrisense/agroml/mlerr"
)

// LabelEncoder is a bijection between class names and indices. Indices follow
// first-seen order, so fitting on a class set reproduces its canonical order.
type LabelEncoder struct {
	Classes []string `json:"classes"`
	index   map[string]int
}

// NewLabelEncoder returns an unfitted encoder.
func NewLabelEncoder() *LabelEncoder {
	return &LabelEncoder{}
}

// NewLabelEncoderFromClasses returns an encoder fitted on classes.
func NewLabelEncoderFromClasses(classes []string) (*LabelEncoder, error) {
	le := NewLabelEncoder()
	if err := le.Fit(classes); err != nil {
		return nil, err
	}
	return le, nil
}

// Fitted reports whether Fit has run.
func (le *LabelEncoder) Fitted() bool {
	return len(le.Classes) > 0
}

// NumClasses is the number of distinct labels.
func (le *LabelEncoder) NumClasses() int {
	return len(le.Classes)
}

// Fit assigns indices in first-seen order.
func (le *LabelEncoder) Fit(labels []string) error {
	if le.Fitted() {
		return fmt.Errorf("%w: label encoder already fitted", mlerr.ErrInvalidArgument)
	}
	if len(labels) == 0 {
		return fmt.Errorf("%w: cannot fit label encoder on no labels", mlerr.ErrInvalidArgument)
	}
	index := make(map[string]int)
	var classes []string
	for _, l := range labels {
		if _, ok := index[l]; ok {
			continue
		}
		index[l] = len(classes)
		classes = append(classes, l)
	}
	le.Classes, le.index = classes, index
	return nil
}

// Transform maps labels to indices. Unknown labels are rejected.
func (le *LabelEncoder) Transform(labels []string) ([]int, error) {
	if !le.Fitted() {
		return nil, fmt.Errorf("label transform: %w", mlerr.ErrUnfitted)
	}
	out := make([]int, len(labels))
	for i, l := range labels {
		idx, ok := le.index[l]
		if !ok {
			return nil, fmt.Errorf("%w: unknown label %q", mlerr.ErrInvalidArgument, l)
		}
		out[i] = idx
	}
	return out, nil
}

// FitTransform fits on labels and encodes them.
func (le *LabelEncoder) FitTransform(labels []string) ([]int, error) {
	if err := le.Fit(labels); err != nil {
		return nil, err
	}
	return le.Transform(labels)
}

// InverseTransform returns the label for idx.
func (le *LabelEncoder) InverseTransform(idx int) (string, error) {
	if !le.Fitted() {
		return "", fmt.Errorf("label inverse transform: %w", mlerr.ErrUnfitted)
	}
	if idx < 0 || idx >= len(le.Classes) {
		return "", fmt.Errorf("%w: %d not in [0, %d)", mlerr.ErrInvalidIndex, idx, len(le.Classes))
	}
	return le.Classes[idx], nil
}

// UnmarshalJSON restores the classes and rebuilds the lookup index.
func (le *LabelEncoder) UnmarshalJSON(buf []byte) error {
	var doc struct {
		Classes []string `json:"classes"`
	}
	if err := json.Unmarshal(buf, &doc); err != nil {
		return err
	}
	le.Classes, le.index = nil, nil
	if len(doc.Classes) == 0 {
		return nil
	}
	return le.Fit(doc.Classes)
}
