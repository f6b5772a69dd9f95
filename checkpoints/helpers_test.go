package checkpoints

import (
	"testing"
	"time"

	"github.com/agrisense/agroml/catalog"
	"github.com/agrisense/agroml/engine"
	"github.com/agrisense/agroml/layers"
	"github.com/agrisense/agroml/monitoring"
	"github.com/agrisense/agroml/preprocessing"
	"github.com/agrisense/agroml/training"
	imageprep "github.com/agrisense/agroml/vision/preprocessing"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func init() {
	monitoring.SetLogger(nil)
}

var testTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func cropNetwork(t *testing.T) *engine.Network {
	t.Helper()
	spec, err := layers.CropClassifier(4, 3, []int{6}, []float64{0.25}, 3)
	require.NoError(t, err)
	net, err := engine.New(spec, 7)
	require.NoError(t, err)
	return net
}

func testHistory(t *testing.T) *training.History {
	t.Helper()
	h := training.NewHistory()
	require.NoError(t, h.Append(training.EpochRecord{Epoch: 0, TrainLoss: 1.1, TrainAccuracy: 0.4, ValLoss: 1.0, ValAccuracy: 0.5, LearningRate: 0.01}))
	require.NoError(t, h.Append(training.EpochRecord{Epoch: 1, TrainLoss: 0.7, TrainAccuracy: 0.7, ValLoss: 0.8, ValAccuracy: 0.6, LearningRate: 0.01}))
	require.NoError(t, h.SetTestMetrics(0.9, 0.55))
	h.Freeze()
	return h
}

func cropBundle(t *testing.T) (*Bundle, *engine.Network) {
	t.Helper()
	net := cropNetwork(t)
	scaler := preprocessing.NewStandardScaler()
	require.NoError(t, scaler.Fit(mat.NewDense(4, 3, []float64{
		1, 10, 100,
		2, 20, 300,
		3, 10, 200,
		4, 40, 400,
	})))
	labels, err := preprocessing.NewLabelEncoderFromClasses([]string{"rice", "maize", "coffee"})
	require.NoError(t, err)

	b, err := NewBundle(BundleOptions{
		ModelType:  ModelTypeCrop,
		Spec:       net.Spec(),
		Parameters: net.Parameters(),
		Preprocessor: PreprocessorState{
			FeatureColumns: []string{"N", "P", "K"},
			Scaler:         scaler,
			Labels:         labels,
		},
		Catalog:   catalog.Crops(),
		History:   testHistory(t),
		CreatedAt: testTime,
	})
	require.NoError(t, err)
	return b, net
}

func diseaseBundle(t *testing.T) (*Bundle, *engine.Network) {
	t.Helper()
	spec, err := layers.DiseaseClassifier(2, 8, 4, []int{5}, nil, 2)
	require.NoError(t, err)
	net, err := engine.New(spec, 3)
	require.NoError(t, err)
	labels, err := preprocessing.NewLabelEncoderFromClasses([]string{"healthy", "early_blight"})
	require.NoError(t, err)
	cfg := imageprep.DefaultConfig()
	cfg.ImageSize, cfg.ResizeSize = 8, 10

	b, err := NewBundle(BundleOptions{
		ModelType:    ModelTypeDisease,
		Spec:         spec,
		Parameters:   net.Parameters(),
		Preprocessor: PreprocessorState{Labels: labels, Image: &cfg},
		Catalog:      catalog.Diseases(),
		CreatedAt:    testTime,
	})
	require.NoError(t, err)
	return b, net
}
