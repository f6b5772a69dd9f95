package training

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/agrisense/agroml/mlerr"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// Dataset interface defines methods that all datasets must implement
type Dataset interface {
	// Len returns the total number of samples
	Len() int
	// Get returns a single flattened sample and its class index
	Get(idx int) (x []float64, y int, err error)
}

// Labeled datasets expose class indices without materializing samples.
type Labeled interface {
	Label(idx int) int
}

// EpochAware datasets are told the epoch before each pass, so random
// augmentation can be reproducible per (epoch, index).
type EpochAware interface {
	SetEpoch(epoch int)
}

// Labels returns every class index of ds, using Labeled when available.
func Labels(ds Dataset) ([]int, error) {
	out := make([]int, ds.Len())
	if l, ok := ds.(Labeled); ok {
		for i := range out {
			out[i] = l.Label(i)
		}
		return out, nil
	}
	for i := range out {
		_, y, err := ds.Get(i)
		if err != nil {
			return nil, fmt.Errorf("failed to load sample %d: %w", i, err)
		}
		out[i] = y
	}
	return out, nil
}

// MatrixDataset serves rows of an in-memory matrix.
type MatrixDataset struct {
	X *mat.Dense
	Y []int
}

// NewMatrixDataset checks that x and y agree in length.
func NewMatrixDataset(x *mat.Dense, y []int) (*MatrixDataset, error) {
	if x == nil {
		return nil, fmt.Errorf("%w: nil feature matrix", mlerr.ErrInvalidArgument)
	}
	if r, _ := x.Dims(); r != len(y) {
		return nil, fmt.Errorf("%w: %d rows but %d labels", mlerr.ErrInvalidArgument, r, len(y))
	}
	return &MatrixDataset{X: x, Y: y}, nil
}

func (ds *MatrixDataset) Len() int { return len(ds.Y) }

func (ds *MatrixDataset) Label(idx int) int { return ds.Y[idx] }

func (ds *MatrixDataset) Get(idx int) ([]float64, int, error) {
	if idx < 0 || idx >= len(ds.Y) {
		return nil, 0, fmt.Errorf("%w: sample %d of %d", mlerr.ErrInvalidIndex, idx, len(ds.Y))
	}
	return ds.X.RawRowView(idx), ds.Y[idx], nil
}

// Batch represents a batch of data and labels
type Batch struct {
	Data   *mat.Dense
	Labels []int
}

// DataLoader provides batching, seeded shuffling and parallel sample loading.
type DataLoader struct {
	dataset    Dataset
	batchSize  int
	shuffle    bool
	numWorkers int
	rng        *rand.Rand
	indices    []int
	position   int
	epoch      int
	mutex      sync.Mutex
}

// NewDataLoader creates a new DataLoader. Samples within a batch are loaded by
// up to numWorkers goroutines.
func NewDataLoader(dataset Dataset, batchSize int, shuffle bool, numWorkers int, seed uint64) (*DataLoader, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("%w: batch size must be positive", mlerr.ErrInvalidArgument)
	}
	if dataset.Len() == 0 {
		return nil, fmt.Errorf("%w: empty dataset", mlerr.ErrInvalidArgument)
	}
	if numWorkers <= 0 {
		numWorkers = 1
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	return &DataLoader{
		dataset:    dataset,
		batchSize:  batchSize,
		shuffle:    shuffle,
		numWorkers: numWorkers,
		rng:        rand.New(rand.NewPCG(seed, 0xda7a)),
		indices:    indices,
		epoch:      -1,
	}, nil
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	return (dl.dataset.Len() + dl.batchSize - 1) / dl.batchSize
}

// NumSamples is the dataset size.
func (dl *DataLoader) NumSamples() int {
	return dl.dataset.Len()
}

// Reset rewinds the loader for a new epoch, reshuffling when enabled.
func (dl *DataLoader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.position = 0
	dl.epoch++
	if ea, ok := dl.dataset.(EpochAware); ok {
		ea.SetEpoch(dl.epoch)
	}
	if dl.shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
}

// Next returns the next batch or nil if epoch is complete
func (dl *DataLoader) Next() (*Batch, error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	if dl.position >= len(dl.indices) {
		return nil, nil // End of epoch
	}

	batchEnd := min(dl.position+dl.batchSize, len(dl.indices))
	batchIndices := dl.indices[dl.position:batchEnd]
	dl.position = batchEnd

	batch, err := dl.loadBatch(batchIndices)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %w", err)
	}
	return batch, nil
}

// HasNext returns true if there are more batches in the current epoch
func (dl *DataLoader) HasNext() bool {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	return dl.position < len(dl.indices)
}

// loadBatch loads samples concurrently and stacks them into rows. The first
// sample fixes the row width.
func (dl *DataLoader) loadBatch(indices []int) (*Batch, error) {
	first, firstLabel, err := dl.dataset.Get(indices[0])
	if err != nil {
		return nil, fmt.Errorf("failed to load sample %d: %w", indices[0], err)
	}
	width := len(first)
	data := mat.NewDense(len(indices), width, nil)
	labels := make([]int, len(indices))
	copy(data.RawRowView(0), first)
	labels[0] = firstLabel

	var g errgroup.Group
	g.SetLimit(dl.numWorkers)
	for i, idx := range indices[1:] {
		row := i + 1
		g.Go(func() error {
			x, y, err := dl.dataset.Get(idx)
			if err != nil {
				return fmt.Errorf("failed to load sample %d: %w", idx, err)
			}
			if len(x) != width {
				return fmt.Errorf("%w: sample %d has %d values, batch expects %d",
					mlerr.ErrInvalidArgument, idx, len(x), width)
			}
			copy(data.RawRowView(row), x)
			labels[row] = y
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &Batch{Data: data, Labels: labels}, nil
}
