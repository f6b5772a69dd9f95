package training

import (
	"fmt"
	"math"

	"github.com/agrisense/agroml/mlerr"
	"github.com/agrisense/agroml/tensor"
	"gonum.org/v1/gonum/mat"
)

// LossResult is the batch-mean loss, its gradient with respect to the logits,
// and the number of rows whose argmax matched the label.
type LossResult struct {
	Loss    float64
	Grad    *mat.Dense
	Correct int
}

// CrossEntropyLoss computes sparse categorical cross-entropy over logits using
// a stable log-softmax. The gradient is (softmax - onehot) / batch.
func CrossEntropyLoss(logits *mat.Dense, labels []int) (*LossResult, error) {
	rows, classes := logits.Dims()
	if rows != len(labels) {
		return nil, fmt.Errorf("%w: %d logit rows but %d labels", mlerr.ErrInvalidArgument, rows, len(labels))
	}
	if rows == 0 {
		return nil, fmt.Errorf("%w: empty batch", mlerr.ErrInvalidArgument)
	}

	grad := mat.NewDense(rows, classes, nil)
	var total float64
	correct := 0
	scale := 1 / float64(rows)
	for i, y := range labels {
		if y < 0 || y >= classes {
			return nil, fmt.Errorf("%w: label %d for %d classes", mlerr.ErrInvalidIndex, y, classes)
		}
		row := logits.RawRowView(i)
		logp := tensor.LogSoftmax(row)
		total -= logp[y]
		if tensor.Argmax(row) == y {
			correct++
		}
		g := grad.RawRowView(i)
		for j, lp := range logp {
			g[j] = math.Exp(lp) * scale
		}
		g[y] -= scale
	}
	return &LossResult{Loss: total * scale, Grad: grad, Correct: correct}, nil
}
