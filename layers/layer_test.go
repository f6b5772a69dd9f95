package layers

import (
	"encoding/json"
	"testing"

	"github.com/agrisense/agroml/mlerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCropClassifierShapes(t *testing.T) {
	spec, err := CropClassifier(32, 7, []int{128, 64, 32}, []float64{0.3, 0.2, 0}, 22)
	require.NoError(t, err)

	assert.Equal(t, []int{32, 7}, spec.InputShape)
	assert.Equal(t, []int{32, 22}, spec.OutputShape)
	assert.Equal(t, 22, spec.NumClasses())
	assert.Equal(t, 7, spec.InputSize())

	var types []LayerType
	for _, l := range spec.Layers {
		types = append(types, l.Type)
	}
	assert.Equal(t, []LayerType{Dense, ReLU, Dropout, Dense, ReLU, Dropout, Dense, ReLU, Dense}, types)

	want := int64(7*128 + 128 + 128*64 + 64 + 64*32 + 32 + 32*22 + 22)
	assert.Equal(t, want, spec.TotalParameters)
	assert.Len(t, spec.ParameterShapes, 8)
	assert.Equal(t, []int{7, 128}, spec.ParameterShapes[0])
}

func TestDiseaseClassifierShapes(t *testing.T) {
	spec, err := DiseaseClassifier(16, 224, 28, []int{512}, []float64{0.5}, 11)
	require.NoError(t, err)

	assert.Equal(t, []int{16, 3, 8, 8}, spec.Layers[0].OutputShape)
	assert.Equal(t, 3*224*224, spec.InputSize())
	assert.Equal(t, []int{192, 512}, spec.ParameterShapes[0])
	assert.Equal(t, []int{16, 11}, spec.OutputShape)
}

func TestCompileErrors(t *testing.T) {
	_, err := NewModelBuilder([]int{1, 7}).Compile()
	assert.ErrorIs(t, err, mlerr.ErrInvalidArgument)

	_, err = NewModelBuilder([]int{1, 3, 30, 30}).AddAvgPool2D(7, "pool").Compile()
	assert.ErrorIs(t, err, mlerr.ErrInvalidArgument)

	_, err = NewModelBuilder([]int{1, 7}).AddAvgPool2D(2, "pool").Compile()
	assert.ErrorIs(t, err, mlerr.ErrInvalidArgument)

	_, err = NewModelBuilder([]int{1, 7}).AddDropout(1.0, "drop").Compile()
	assert.ErrorIs(t, err, mlerr.ErrInvalidArgument)

	_, err = CropClassifier(1, 7, nil, nil, 1)
	assert.ErrorIs(t, err, mlerr.ErrInvalidArgument)
}

func TestRecompileAfterJSON(t *testing.T) {
	spec, err := CropClassifier(8, 7, []int{16}, []float64{0.1}, 3)
	require.NoError(t, err)

	buf, err := json.Marshal(spec)
	require.NoError(t, err)
	var decoded ModelSpec
	require.NoError(t, json.Unmarshal(buf, &decoded))

	again, err := decoded.Recompile()
	require.NoError(t, err)
	assert.Equal(t, spec.ParameterShapes, again.ParameterShapes)
	assert.Equal(t, spec.TotalParameters, again.TotalParameters)
	rate, ok := again.Layers[2].FloatParam("rate")
	assert.True(t, ok)
	assert.Equal(t, 0.1, rate)
}

func TestSummary(t *testing.T) {
	spec, err := CropClassifier(4, 7, []int{8}, nil, 2)
	require.NoError(t, err)
	s := spec.Summary()
	assert.Contains(t, s, "Total Parameters: 82")
	assert.Contains(t, s, "Layer 3: logits (Dense)")
	assert.Equal(t, "Model not compiled", (&ModelSpec{}).Summary())
}
