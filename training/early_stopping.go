package training

import (
	"math"

	"github.com/agrisense/agroml/tensor"
)

// EarlyStopping tracks the best validation loss and the parameters that
// produced it. ShouldStop reports true once Patience epochs pass without an
// improvement larger than MinDelta.
type EarlyStopping struct {
	Patience int
	MinDelta float64

	bestLoss  float64
	bestEpoch int
	bestState []*tensor.Tensor
	counter   int
}

// NewEarlyStopping returns a tracker with no best loss yet.
func NewEarlyStopping(patience int, minDelta float64) *EarlyStopping {
	if patience <= 0 {
		patience = 10
	}
	return &EarlyStopping{
		Patience:  patience,
		MinDelta:  math.Max(minDelta, 0),
		bestLoss:  math.Inf(1),
		bestEpoch: -1,
	}
}

// Observe records the validation loss of epoch. The module is snapshotted on
// improvement. It returns true when training should stop.
func (es *EarlyStopping) Observe(epoch int, valLoss float64, m Module) bool {
	if valLoss < es.bestLoss-es.MinDelta {
		es.bestLoss = valLoss
		es.bestEpoch = epoch
		es.bestState = m.Snapshot()
		es.counter = 0
		return false
	}
	es.counter++
	return es.counter >= es.Patience
}

// BestLoss is the lowest validation loss seen so far.
func (es *EarlyStopping) BestLoss() float64 { return es.bestLoss }

// BestEpoch is the epoch of BestLoss, or -1.
func (es *EarlyStopping) BestEpoch() int { return es.bestEpoch }

// RestoreBest loads the best-loss parameters back into m.
func (es *EarlyStopping) RestoreBest(m Module) error {
	if es.bestState == nil {
		return nil
	}
	return m.Restore(es.bestState)
}
