package training

import (
	"fmt"

	"github.com/agrisense/agroml/mlerr"
)

// SubsetDataset wraps a dataset to provide access to only a subset of indices
type SubsetDataset struct {
	baseDataset Dataset
	indices     []int
}

// NewSubsetDataset creates a new subset dataset. Indices must be valid for base.
func NewSubsetDataset(baseDataset Dataset, indices []int) (*SubsetDataset, error) {
	n := baseDataset.Len()
	for _, idx := range indices {
		if idx < 0 || idx >= n {
			return nil, fmt.Errorf("%w: subset index %d outside [0, %d)", mlerr.ErrInvalidIndex, idx, n)
		}
	}
	return &SubsetDataset{
		baseDataset: baseDataset,
		indices:     append([]int(nil), indices...),
	}, nil
}

// Len returns the number of samples in the subset
func (sd *SubsetDataset) Len() int {
	return len(sd.indices)
}

// Get returns a sample from the subset
func (sd *SubsetDataset) Get(index int) ([]float64, int, error) {
	if index < 0 || index >= len(sd.indices) {
		return nil, 0, fmt.Errorf("%w: index %d out of range [0, %d)", mlerr.ErrInvalidIndex, index, len(sd.indices))
	}
	return sd.baseDataset.Get(sd.indices[index])
}

// Label implements Labeled by delegating to the base dataset when possible.
func (sd *SubsetDataset) Label(index int) int {
	base := sd.indices[index]
	if l, ok := sd.baseDataset.(Labeled); ok {
		return l.Label(base)
	}
	_, y, _ := sd.baseDataset.Get(base)
	return y
}

// SetEpoch forwards the epoch to an EpochAware base dataset.
func (sd *SubsetDataset) SetEpoch(epoch int) {
	if ea, ok := sd.baseDataset.(EpochAware); ok {
		ea.SetEpoch(epoch)
	}
}

// Indices returns the base-dataset indices of the subset.
func (sd *SubsetDataset) Indices() []int {
	return append([]int(nil), sd.indices...)
}
