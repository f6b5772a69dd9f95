// Package tabular generates and shapes the soil/weather samples used by the
// crop recommender.
package tabular

import (
	"fmt"
	"math/rand/v2"

	"github.com/agrisense/agroml/catalog"
	"github.com/agrisense/agroml/mlerr"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Sample is one labelled feature vector in catalog.FeatureColumns order.
type Sample struct {
	Features []float64
	Label    string
}

// SoilReading is the raw input accepted from callers.
type SoilReading struct {
	Nitrogen    float64 `json:"nitrogen"`
	Phosphorus  float64 `json:"phosphorus"`
	Potassium   float64 `json:"potassium"`
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	PH          float64 `json:"ph"`
	Rainfall    float64 `json:"rainfall"`
}

// Vector returns the reading in catalog.FeatureColumns order.
func (r SoilReading) Vector() []float64 {
	return []float64{r.Nitrogen, r.Phosphorus, r.Potassium, r.Temperature, r.Humidity, r.PH, r.Rainfall}
}

// Generator draws synthetic samples from per-class profiles.
type Generator struct {
	classes  []string
	profiles *ProfileSet
	src      rand.Source
}

// NewGenerator returns a generator over classes using the built-in profiles.
// Output is a pure function of seed and the requested count.
func NewGenerator(classes []string, seed uint64) (*Generator, error) {
	return NewGeneratorWithProfiles(classes, DefaultProfiles(), seed)
}

// NewGeneratorWithProfiles is NewGenerator with a custom profile set.
func NewGeneratorWithProfiles(classes []string, profiles *ProfileSet, seed uint64) (*Generator, error) {
	if len(classes) == 0 {
		return nil, fmt.Errorf("%w: generator needs at least one class", mlerr.ErrInvalidArgument)
	}
	if profiles == nil {
		return nil, fmt.Errorf("%w: nil profile set", mlerr.ErrInvalidArgument)
	}
	return &Generator{
		classes:  append([]string(nil), classes...),
		profiles: profiles,
		src:      rand.NewPCG(seed, seed^0x9e3779b97f4a7c15),
	}, nil
}

// Generate returns n/len(classes) samples per class, grouped in class order.
// The remainder of the division is dropped.
func (g *Generator) Generate(n int) ([]Sample, error) {
	perClass := n / len(g.classes)
	if perClass == 0 {
		return nil, fmt.Errorf("%w: %d samples cannot cover %d classes", mlerr.ErrInvalidArgument, n, len(g.classes))
	}

	samples := make([]Sample, 0, perClass*len(g.classes))
	for _, class := range g.classes {
		profile := g.profiles.For(class)
		dists := make([]distuv.Normal, len(profile))
		for i, fp := range profile {
			dists[i] = distuv.Normal{Mu: fp.Mean, Sigma: fp.Std, Src: g.src}
		}
		for range perClass {
			features := make([]float64, len(profile))
			for i, fp := range profile {
				features[i] = fp.Clamp(dists[i].Rand())
			}
			samples = append(samples, Sample{Features: features, Label: class})
		}
	}
	return samples, nil
}

// Matrix stacks samples into a row-major feature matrix and a label slice.
func Matrix(samples []Sample) (*mat.Dense, []string, error) {
	if len(samples) == 0 {
		return nil, nil, fmt.Errorf("%w: no samples", mlerr.ErrInvalidArgument)
	}
	cols := catalog.NumFeatures()
	x := mat.NewDense(len(samples), cols, nil)
	labels := make([]string, len(samples))
	for i, s := range samples {
		if len(s.Features) != cols {
			return nil, nil, fmt.Errorf("%w: sample %d has %d features, want %d",
				mlerr.ErrInvalidArgument, i, len(s.Features), cols)
		}
		x.SetRow(i, s.Features)
		labels[i] = s.Label
	}
	return x, labels, nil
}
