package training

import (
	"fmt"
	"strings"

	"github.com/agrisense/agroml/mlerr"
	"gonum.org/v1/gonum/floats"
)

// ConfusionMatrix represents a confusion matrix for classification tasks
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int // [true_class][predicted_class]
	TotalSamples int
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{NumClasses: numClasses, Matrix: matrix}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		clear(cm.Matrix[i])
	}
	cm.TotalSamples = 0
}

// Add records one prediction.
func (cm *ConfusionMatrix) Add(trueClass, predicted int) error {
	if trueClass < 0 || trueClass >= cm.NumClasses || predicted < 0 || predicted >= cm.NumClasses {
		return fmt.Errorf("%w: class pair (%d, %d) for %d classes",
			mlerr.ErrInvalidIndex, trueClass, predicted, cm.NumClasses)
	}
	cm.Matrix[trueClass][predicted]++
	cm.TotalSamples++
	return nil
}

// ClassMetrics is one row of a classification report.
type ClassMetrics struct {
	Class     int
	Precision float64
	Recall    float64
	F1        float64
	Support   int
}

// PerClass computes precision, recall and F1 for every class.
func (cm *ConfusionMatrix) PerClass() []ClassMetrics {
	out := make([]ClassMetrics, cm.NumClasses)
	for c := 0; c < cm.NumClasses; c++ {
		tp := float64(cm.Matrix[c][c])
		var predicted, support float64
		for o := 0; o < cm.NumClasses; o++ {
			predicted += float64(cm.Matrix[o][c])
			support += float64(cm.Matrix[c][o])
		}
		m := ClassMetrics{Class: c, Support: int(support)}
		if predicted > 0 {
			m.Precision = tp / predicted
		}
		if support > 0 {
			m.Recall = tp / support
		}
		if m.Precision+m.Recall > 0 {
			m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
		}
		out[c] = m
	}
	return out
}

// MacroPrecision averages precision over classes that were predicted at least once.
func (cm *ConfusionMatrix) MacroPrecision() float64 {
	var vals []float64
	for _, m := range cm.PerClass() {
		col := 0
		for o := 0; o < cm.NumClasses; o++ {
			col += cm.Matrix[o][m.Class]
		}
		if col > 0 {
			vals = append(vals, m.Precision)
		}
	}
	return mean(vals)
}

// MacroRecall averages recall over classes present in the data.
func (cm *ConfusionMatrix) MacroRecall() float64 {
	var vals []float64
	for _, m := range cm.PerClass() {
		if m.Support > 0 {
			vals = append(vals, m.Recall)
		}
	}
	return mean(vals)
}

func (cm *ConfusionMatrix) MacroF1() float64 {
	p, r := cm.MacroPrecision(), cm.MacroRecall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

// GetAccuracy returns overall classification accuracy
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0
	}
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}

// Report formats a per-class classification report. names labels the rows;
// missing names fall back to the class index.
func (cm *ConfusionMatrix) Report(names []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-24s %9s %9s %9s %8s\n", "class", "precision", "recall", "f1", "support")
	for _, m := range cm.PerClass() {
		name := fmt.Sprint(m.Class)
		if m.Class < len(names) {
			name = names[m.Class]
		}
		fmt.Fprintf(&b, "%-24s %9.3f %9.3f %9.3f %8d\n", name, m.Precision, m.Recall, m.F1, m.Support)
	}
	fmt.Fprintf(&b, "%-24s %9.3f %9.3f %9.3f %8d\n", "macro avg",
		cm.MacroPrecision(), cm.MacroRecall(), cm.MacroF1(), cm.TotalSamples)
	fmt.Fprintf(&b, "%-24s %29.3f %8d\n", "accuracy", cm.GetAccuracy(), cm.TotalSamples)
	return b.String()
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	return floats.Sum(v) / float64(len(v))
}
