// Package training runs supervised training of a classifier: batching,
// splitting, loss, learning-rate control, early stopping and history.
package training

import (
	"github.com/agrisense/agroml/tensor"
	"gonum.org/v1/gonum/mat"
)

// Module is the model contract the Trainer drives. Forward returns one
// unnormalized score per class for each row; Backward accumulates parameter
// gradients for the most recent Forward.
type Module interface {
	Forward(x *mat.Dense) (*mat.Dense, error)
	Backward(gradLogits *mat.Dense) error
	Parameters() []*tensor.Tensor
	ZeroGrad()
	Train() // Sets module to training mode
	Eval()  // Sets module to evaluation mode
	IsTraining() bool
	Snapshot() []*tensor.Tensor
	Restore(saved []*tensor.Tensor) error
	NumClasses() int
}
