package preprocessing

import (
	"encoding/json"
	"testing"

	"github.com/agrisense/agroml/catalog"
	"github.com/agrisense/agroml/mlerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestScalerTransformBeforeFit(t *testing.T) {
	s := NewStandardScaler()
	_, err := s.Transform(mat.NewDense(1, 2, []float64{1, 2}))
	assert.ErrorIs(t, err, mlerr.ErrUnfitted)
	_, err = s.TransformRow([]float64{1, 2})
	assert.ErrorIs(t, err, mlerr.ErrUnfitted)
}

func TestScalerFitTransform(t *testing.T) {
	x := mat.NewDense(4, 3, []float64{
		1, 10, 5,
		2, 20, 5,
		3, 30, 5,
		4, 40, 5,
	})
	s := NewStandardScaler()
	out, err := s.FitTransform(x)
	require.NoError(t, err)

	assert.InDeltaSlice(t, []float64{2.5, 25, 5}, s.Mean, 1e-12)
	assert.InDelta(t, 1.118033988749895, s.Scale[0], 1e-12)
	assert.Equal(t, 1.0, s.Scale[2], "constant column keeps unit scale")

	for j := range 2 {
		col := mat.Col(nil, j, out)
		sum := 0.0
		for _, v := range col {
			sum += v
		}
		assert.InDelta(t, 0, sum, 1e-9)
	}
	assert.Equal(t, 0.0, out.At(0, 2))

	row, err := s.TransformRow([]float64{2.5, 25, 5})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0, 0, 0}, row, 1e-12)

	back, err := s.InverseTransformRow([]float64{1, -1, 0})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{2.5 + s.Scale[0], 25 - s.Scale[1], 5}, back, 1e-12)
}

func TestScalerRejectsShapeAndRefit(t *testing.T) {
	s := NewStandardScaler()
	require.NoError(t, s.Fit(mat.NewDense(2, 2, []float64{1, 2, 3, 4})))

	_, err := s.TransformRow([]float64{1, 2, 3})
	assert.ErrorIs(t, err, mlerr.ErrInvalidArgument)
	_, err = s.Transform(mat.NewDense(1, 3, nil))
	assert.ErrorIs(t, err, mlerr.ErrInvalidArgument)

	assert.ErrorIs(t, s.Fit(mat.NewDense(2, 2, nil)), mlerr.ErrInvalidArgument)
}

func TestLabelEncoderRoundTrip(t *testing.T) {
	for _, classes := range [][]string{catalog.CropClasses(), catalog.DiseaseClasses()} {
		le := NewLabelEncoder()
		idx, err := le.FitTransform(classes)
		require.NoError(t, err)
		for i, c := range classes {
			assert.Equal(t, i, idx[i], "index follows class set order")
			got, err := le.InverseTransform(idx[i])
			require.NoError(t, err)
			assert.Equal(t, c, got)
		}
	}
}

func TestLabelEncoderFirstSeenOrder(t *testing.T) {
	le := NewLabelEncoder()
	idx, err := le.FitTransform([]string{"maize", "rice", "maize", "cotton"})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 0, 2}, idx)
	assert.Equal(t, []string{"maize", "rice", "cotton"}, le.Classes)
}

func TestLabelEncoderErrors(t *testing.T) {
	le := NewLabelEncoder()
	_, err := le.Transform([]string{"rice"})
	assert.ErrorIs(t, err, mlerr.ErrUnfitted)
	_, err = le.InverseTransform(0)
	assert.ErrorIs(t, err, mlerr.ErrUnfitted)

	require.NoError(t, le.Fit([]string{"a", "b"}))
	_, err = le.InverseTransform(2)
	assert.ErrorIs(t, err, mlerr.ErrInvalidIndex)
	_, err = le.InverseTransform(-1)
	assert.ErrorIs(t, err, mlerr.ErrInvalidIndex)
	_, err = le.Transform([]string{"c"})
	assert.ErrorIs(t, err, mlerr.ErrInvalidArgument)
}

func TestStateJSONRoundTrip(t *testing.T) {
	scaler := NewStandardScaler()
	require.NoError(t, scaler.Fit(mat.NewDense(2, 7, []float64{
		1, 2, 3, 4, 5, 6, 7,
		2, 3, 4, 5, 6, 7, 9,
	})))
	labels, err := NewLabelEncoderFromClasses([]string{"rice", "maize"})
	require.NoError(t, err)
	state := State{FeatureColumns: catalog.FeatureColumns, Scaler: scaler, Labels: labels}
	require.NoError(t, state.Validate())

	buf, err := json.Marshal(state)
	require.NoError(t, err)
	var back State
	require.NoError(t, json.Unmarshal(buf, &back))
	require.NoError(t, back.Validate())

	idx, err := back.Labels.Transform([]string{"maize"})
	require.NoError(t, err)
	assert.Equal(t, []int{1}, idx)

	back.Labels = NewLabelEncoder()
	assert.ErrorIs(t, back.Validate(), mlerr.ErrUnfitted)
}
