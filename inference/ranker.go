// Package inference turns class probabilities into ranked, metadata-rich
// predictions and wires trained bundles into ready-to-use predictors.
package inference

import (
	"fmt"
	"math"
	"slices"
	"sort"

	"github.com/agrisense/agroml/catalog"
	"github.com/agrisense/agroml/mlerr"
	"gonum.org/v1/gonum/floats"
)

// probabilityTolerance bounds how far a model's output may drift from summing to one.
const probabilityTolerance = 1e-6

// Scorer maps one preprocessed sample to a probability per class.
type Scorer interface {
	Probabilities(sample []float64) ([]float64, error)
}

// Prediction is one ranked class with its attached metadata.
type Prediction struct {
	Label       string             `json:"label"`
	DisplayName string             `json:"display_name"`
	Rank        int                `json:"rank"`
	Confidence  float64            `json:"confidence"`
	Severity    string             `json:"severity"`
	Description string             `json:"description"`
	Symptoms    []string           `json:"symptoms,omitempty"`
	Causes      []string           `json:"causes,omitempty"`
	Treatments  catalog.Treatments `json:"treatments"`
	Fertilizer  string             `json:"fertilizer,omitempty"`
	Practices   []string           `json:"practices,omitempty"`
}

// Ranker orders a model's class probabilities and attaches catalog metadata.
type Ranker struct {
	classes []string
	info    map[string]catalog.ClassInfo
	model   Scorer
}

// NewRanker copies classes and info. Every class needs an info entry; use
// NewCatalogRanker to fill missing ones with the catalog's default.
func NewRanker(classes []string, info map[string]catalog.ClassInfo, model Scorer) (*Ranker, error) {
	r := &Ranker{
		classes: slices.Clone(classes),
		info:    make(map[string]catalog.ClassInfo, len(classes)),
		model:   model,
	}
	for _, name := range classes {
		ci, ok := info[name]
		if !ok {
			return nil, fmt.Errorf("%w: no metadata for class %q", mlerr.ErrInvalidArgument, name)
		}
		r.info[name] = ci.Clone()
	}
	return r, nil
}

// NewCatalogRanker ranks classes with metadata from cat, which supplies its
// default entry for classes it does not curate.
func NewCatalogRanker(classes []string, cat *catalog.Catalog, model Scorer) (*Ranker, error) {
	if cat == nil {
		return nil, fmt.Errorf("%w: nil catalog", mlerr.ErrInvalidArgument)
	}
	return NewRanker(classes, cat.Complete(classes), model)
}

// Classes returns a copy of the ranked class set.
func (r *Ranker) Classes() []string { return slices.Clone(r.classes) }

// PredictTopK scores sample and returns exactly k predictions by descending
// confidence. Equal probabilities keep class order.
func (r *Ranker) PredictTopK(sample []float64, k int) ([]Prediction, error) {
	if r.model == nil {
		return nil, fmt.Errorf("%w: ranker has no model", mlerr.ErrUnfitted)
	}
	if k < 1 || k > len(r.classes) {
		return nil, fmt.Errorf("%w: k must be in [1, %d], got %d", mlerr.ErrInvalidArgument, len(r.classes), k)
	}

	probs, err := r.model.Probabilities(sample)
	if err != nil {
		return nil, err
	}
	if err := r.checkProbabilities(probs); err != nil {
		return nil, err
	}

	order := make([]int, len(probs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return probs[order[a]] > probs[order[b]] })

	out := make([]Prediction, k)
	for rank, idx := range order[:k] {
		out[rank] = r.prediction(idx, rank+1, probs[idx])
	}
	return out, nil
}

func (r *Ranker) checkProbabilities(probs []float64) error {
	if len(probs) != len(r.classes) {
		return fmt.Errorf("%w: model returned %d probabilities for %d classes",
			mlerr.ErrInvalidArgument, len(probs), len(r.classes))
	}
	for i, p := range probs {
		if math.IsNaN(p) || math.IsInf(p, 0) || p < 0 {
			return fmt.Errorf("%w: probability %v for class %q", mlerr.ErrNumericDivergence, p, r.classes[i])
		}
	}
	if sum := floats.Sum(probs); math.Abs(sum-1) > probabilityTolerance {
		return fmt.Errorf("%w: probabilities sum to %v", mlerr.ErrInvalidArgument, sum)
	}
	return nil
}

func (r *Ranker) prediction(idx, rank int, p float64) Prediction {
	label := r.classes[idx]
	ci := r.info[label].Clone()
	return Prediction{
		Label:       label,
		DisplayName: catalog.DisplayName(label),
		Rank:        rank,
		Confidence:  math.Min(100, math.Max(0, p*100)),
		Severity:    ci.Severity,
		Description: ci.Description,
		Symptoms:    ci.Symptoms,
		Causes:      ci.Causes,
		Treatments:  ci.Treatments,
		Fertilizer:  ci.Fertilizer,
		Practices:   ci.Practices,
	}
}
