package training

import (
	"math/rand/v2"
	"testing"

	"github.com/agrisense/agroml/engine"
	"github.com/agrisense/agroml/layers"
	"github.com/agrisense/agroml/monitoring"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func init() {
	monitoring.SetLogger(nil)
}

var clusterCenters = [][]float64{{-3, 0}, {3, 0}, {0, 3}}

// clusters returns perClass samples around each of three well separated centers.
func clusters(t *testing.T, perClass int, seed uint64) *MatrixDataset {
	t.Helper()
	rng := rand.New(rand.NewPCG(seed, 1))
	n := perClass * len(clusterCenters)
	x := mat.NewDense(n, 2, nil)
	y := make([]int, n)
	for c, center := range clusterCenters {
		for i := 0; i < perClass; i++ {
			row := c*perClass + i
			x.Set(row, 0, center[0]+0.5*rng.NormFloat64())
			x.Set(row, 1, center[1]+0.5*rng.NormFloat64())
			y[row] = c
		}
	}
	ds, err := NewMatrixDataset(x, y)
	require.NoError(t, err)
	return ds
}

func newNetwork(t *testing.T, seed uint64) *engine.Network {
	t.Helper()
	spec, err := layers.CropClassifier(8, 2, []int{8}, nil, len(clusterCenters))
	require.NoError(t, err)
	net, err := engine.New(spec, seed)
	require.NoError(t, err)
	return net
}
