// Package preprocessing holds the fitted state that turns raw tabular inputs
// and labels into model inputs and targets.
package preprocessing

import (
	"fmt"
	"math"

	"github.com/agrisense/agroml/mlerr"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// StandardScaler standardizes features to zero mean and unit variance using
// population statistics. It is fitted exactly once.
type StandardScaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// NewStandardScaler returns an unfitted scaler.
func NewStandardScaler() *StandardScaler {
	return &StandardScaler{}
}

// Fitted reports whether Fit has run.
func (s *StandardScaler) Fitted() bool {
	return len(s.Mean) > 0
}

// NumFeatures is the column count seen during Fit.
func (s *StandardScaler) NumFeatures() int {
	return len(s.Mean)
}

// Fit computes per-column mean and standard deviation. Constant columns get a
// scale of 1 so they transform to zero.
func (s *StandardScaler) Fit(x mat.Matrix) error {
	if s.Fitted() {
		return fmt.Errorf("%w: scaler already fitted; build a new one", mlerr.ErrInvalidArgument)
	}
	rows, cols := x.Dims()
	if rows == 0 || cols == 0 {
		return fmt.Errorf("%w: cannot fit scaler on empty data", mlerr.ErrInvalidArgument)
	}

	mean := make([]float64, cols)
	scale := make([]float64, cols)
	col := make([]float64, rows)
	for j := range cols {
		mat.Col(col, j, x)
		m, sd := stat.PopMeanStdDev(col, nil)
		if math.IsNaN(m) || math.IsInf(m, 0) {
			return fmt.Errorf("%w: column %d contains non-finite values", mlerr.ErrInvalidArgument, j)
		}
		if sd == 0 {
			sd = 1
		}
		mean[j], scale[j] = m, sd
	}
	s.Mean, s.Scale = mean, scale
	return nil
}

// Transform returns a standardized copy of x.
func (s *StandardScaler) Transform(x mat.Matrix) (*mat.Dense, error) {
	if !s.Fitted() {
		return nil, fmt.Errorf("scaler transform: %w", mlerr.ErrUnfitted)
	}
	rows, cols := x.Dims()
	if cols != len(s.Mean) {
		return nil, fmt.Errorf("%w: got %d features, scaler was fitted on %d",
			mlerr.ErrInvalidArgument, cols, len(s.Mean))
	}
	out := mat.NewDense(rows, cols, nil)
	out.Apply(func(_, j int, v float64) float64 {
		return (v - s.Mean[j]) / s.Scale[j]
	}, x)
	return out, nil
}

// FitTransform fits on x and returns its standardized copy.
func (s *StandardScaler) FitTransform(x mat.Matrix) (*mat.Dense, error) {
	if err := s.Fit(x); err != nil {
		return nil, err
	}
	return s.Transform(x)
}

// TransformRow standardizes one feature vector.
func (s *StandardScaler) TransformRow(row []float64) ([]float64, error) {
	if !s.Fitted() {
		return nil, fmt.Errorf("scaler transform: %w", mlerr.ErrUnfitted)
	}
	if len(row) != len(s.Mean) {
		return nil, fmt.Errorf("%w: got %d features, scaler was fitted on %d",
			mlerr.ErrInvalidArgument, len(row), len(s.Mean))
	}
	out := make([]float64, len(row))
	for j, v := range row {
		out[j] = (v - s.Mean[j]) / s.Scale[j]
	}
	return out, nil
}

// InverseTransformRow maps a standardized vector back to raw units.
func (s *StandardScaler) InverseTransformRow(row []float64) ([]float64, error) {
	if !s.Fitted() {
		return nil, fmt.Errorf("scaler inverse transform: %w", mlerr.ErrUnfitted)
	}
	if len(row) != len(s.Mean) {
		return nil, fmt.Errorf("%w: got %d features, scaler was fitted on %d",
			mlerr.ErrInvalidArgument, len(row), len(s.Mean))
	}
	out := make([]float64, len(row))
	for j, v := range row {
		out[j] = v*s.Scale[j] + s.Mean[j]
	}
	return out, nil
}
