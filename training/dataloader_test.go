package training

import (
	"slices"
	"sync"
	"testing"

	"github.com/agrisense/agroml/mlerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type indexDataset struct {
	n      int
	width  func(idx int) int
	epochs []int
}

func (d *indexDataset) Len() int { return d.n }

func (d *indexDataset) Get(idx int) ([]float64, int, error) {
	w := 2
	if d.width != nil {
		w = d.width(idx)
	}
	x := make([]float64, w)
	x[0] = float64(idx)
	return x, idx % 3, nil
}

func (d *indexDataset) SetEpoch(epoch int) { d.epochs = append(d.epochs, epoch) }

func drain(t *testing.T, dl *DataLoader) (ids []int, sizes []int) {
	t.Helper()
	dl.Reset()
	for dl.HasNext() {
		b, err := dl.Next()
		require.NoError(t, err)
		r, _ := b.Data.Dims()
		sizes = append(sizes, r)
		for i := 0; i < r; i++ {
			ids = append(ids, int(b.Data.At(i, 0)))
			assert.Equal(t, int(b.Data.At(i, 0))%3, b.Labels[i])
		}
	}
	b, err := dl.Next()
	require.NoError(t, err)
	assert.Nil(t, b)
	return ids, sizes
}

func TestDataLoaderCoversEveryIndexOnce(t *testing.T) {
	ds := &indexDataset{n: 10}
	dl, err := NewDataLoader(ds, 4, true, 3, 7)
	require.NoError(t, err)
	assert.Equal(t, 3, dl.Len())

	ids, sizes := drain(t, dl)
	assert.Equal(t, []int{4, 4, 2}, sizes)
	slices.Sort(ids)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, ids)
}

// countingDataset records how often each sample is loaded.
type countingDataset struct {
	indexDataset
	mu    sync.Mutex
	loads map[int]int
}

func (d *countingDataset) Get(idx int) ([]float64, int, error) {
	d.mu.Lock()
	d.loads[idx]++
	d.mu.Unlock()
	return d.indexDataset.Get(idx)
}

func TestDataLoaderLoadsEachSampleOncePerEpoch(t *testing.T) {
	ds := &countingDataset{indexDataset: indexDataset{n: 9}, loads: map[int]int{}}
	dl, err := NewDataLoader(ds, 4, true, 3, 5)
	require.NoError(t, err)

	ids, sizes := drain(t, dl)
	assert.Equal(t, []int{4, 4, 1}, sizes)
	slices.Sort(ids)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8}, ids)
	for idx := range 9 {
		assert.Equal(t, 1, ds.loads[idx], "sample %d", idx)
	}
}

func TestDataLoaderShuffleIsSeeded(t *testing.T) {
	order := func(seed uint64) []int {
		dl, err := NewDataLoader(&indexDataset{n: 32}, 5, true, 2, seed)
		require.NoError(t, err)
		ids, _ := drain(t, dl)
		return ids
	}
	assert.Equal(t, order(11), order(11))
	assert.NotEqual(t, order(11), order(12))

	dl, err := NewDataLoader(&indexDataset{n: 6}, 4, false, 1, 0)
	require.NoError(t, err)
	ids, _ := drain(t, dl)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, ids)
}

func TestDataLoaderTellsEpochAwareDatasets(t *testing.T) {
	ds := &indexDataset{n: 3}
	dl, err := NewDataLoader(ds, 2, false, 1, 0)
	require.NoError(t, err)
	dl.Reset()
	dl.Reset()
	assert.Equal(t, []int{0, 1}, ds.epochs)
}

func TestDataLoaderRejectsRaggedSamples(t *testing.T) {
	ds := &indexDataset{n: 4, width: func(idx int) int { return 2 + idx%2 }}
	dl, err := NewDataLoader(ds, 4, false, 2, 0)
	require.NoError(t, err)
	dl.Reset()
	_, err = dl.Next()
	assert.ErrorIs(t, err, mlerr.ErrInvalidArgument)
}

func TestDataLoaderArguments(t *testing.T) {
	_, err := NewDataLoader(&indexDataset{n: 3}, 0, false, 1, 0)
	assert.ErrorIs(t, err, mlerr.ErrInvalidArgument)
	_, err = NewDataLoader(&indexDataset{n: 0}, 2, false, 1, 0)
	assert.ErrorIs(t, err, mlerr.ErrInvalidArgument)
}

func TestSubsetDataset(t *testing.T) {
	base := clusters(t, 4, 1)
	sub, err := NewSubsetDataset(base, []int{0, 5, 11})
	require.NoError(t, err)
	assert.Equal(t, 3, sub.Len())

	x, y, err := sub.Get(1)
	require.NoError(t, err)
	assert.Equal(t, base.X.RawRowView(5), x)
	assert.Equal(t, 1, y)

	labels, err := Labels(sub)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, labels)

	_, _, err = sub.Get(3)
	assert.ErrorIs(t, err, mlerr.ErrInvalidIndex)
	_, err = NewSubsetDataset(base, []int{12})
	assert.ErrorIs(t, err, mlerr.ErrInvalidIndex)
}

func TestLabelsWithoutLabeled(t *testing.T) {
	labels, err := Labels(&indexDataset{n: 5})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 0, 1}, labels)
}
