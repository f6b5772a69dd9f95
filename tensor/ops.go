package tensor

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Softmax returns the normalized exponentials of logits, shifted by the max
// for stability.
func Softmax(logits []float64) []float64 {
	out := make([]float64, len(logits))
	if len(logits) == 0 {
		return out
	}
	m := floats.Max(logits)
	for i, v := range logits {
		out[i] = math.Exp(v - m)
	}
	floats.Scale(1/floats.Sum(out), out)
	return out
}

// LogSoftmax is the numerically stable log of Softmax.
func LogSoftmax(logits []float64) []float64 {
	out := make([]float64, len(logits))
	if len(logits) == 0 {
		return out
	}
	lse := floats.LogSumExp(logits)
	for i, v := range logits {
		out[i] = v - lse
	}
	return out
}

// SoftmaxRows applies Softmax to every row of m.
func SoftmaxRows(m mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, c, nil)
	row := make([]float64, c)
	for i := range r {
		mat.Row(row, i, m)
		out.SetRow(i, Softmax(row))
	}
	return out
}

// Argmax returns the index of the largest value; ties resolve to the lowest index.
func Argmax(v []float64) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

// AllFinite reports whether every value is neither NaN nor infinite.
func AllFinite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
