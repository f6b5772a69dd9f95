package inference

import (
	"math"
	"testing"

	"github.com/agrisense/agroml/catalog"
	"github.com/agrisense/agroml/mlerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedScorer struct {
	probs []float64
	err   error
}

func (f fixedScorer) Probabilities([]float64) ([]float64, error) {
	return append([]float64(nil), f.probs...), f.err
}

var testClasses = []string{"rice", "maize", "early_blight", "coffee"}

func testInfo() map[string]catalog.ClassInfo {
	return map[string]catalog.ClassInfo{
		"rice":         {Severity: "None", Description: "paddy", Fertilizer: "urea", Practices: []string{"flood"}},
		"maize":        {Severity: "None", Description: "corn"},
		"early_blight": {Severity: "Medium", Symptoms: []string{"rings"}, Treatments: catalog.Treatments{Organic: []string{"copper"}}},
		"coffee":       {Severity: "None"},
	}
}

func newRanker(t *testing.T, info map[string]catalog.ClassInfo, model Scorer) *Ranker {
	t.Helper()
	r, err := NewRanker(testClasses, info, model)
	require.NoError(t, err)
	return r
}

func TestPredictTopKOrdersByConfidence(t *testing.T) {
	r := newRanker(t, testInfo(), fixedScorer{probs: []float64{0.1, 0.6, 0.25, 0.05}})
	preds, err := r.PredictTopK(nil, 3)
	require.NoError(t, err)
	require.Len(t, preds, 3)

	assert.Equal(t, []string{"maize", "early_blight", "rice"},
		[]string{preds[0].Label, preds[1].Label, preds[2].Label})
	for i, p := range preds {
		assert.Equal(t, i+1, p.Rank)
	}
	assert.InDelta(t, 60, preds[0].Confidence, 1e-9)
	assert.InDelta(t, 25, preds[1].Confidence, 1e-9)
	assert.Equal(t, "Early Blight", preds[1].DisplayName)
	assert.Equal(t, []string{"rings"}, preds[1].Symptoms)
	assert.Equal(t, []string{"copper"}, preds[1].Treatments.Organic)
	assert.Equal(t, "urea", preds[2].Fertilizer)
}

func TestPredictTopKTiesKeepClassOrder(t *testing.T) {
	r := newRanker(t, testInfo(), fixedScorer{probs: []float64{0.25, 0.25, 0.25, 0.25}})
	preds, err := r.PredictTopK(nil, len(testClasses))
	require.NoError(t, err)
	for i, p := range preds {
		assert.Equal(t, testClasses[i], p.Label)
		assert.InDelta(t, 25, p.Confidence, 1e-9)
	}
}

func TestPredictTopKBounds(t *testing.T) {
	r := newRanker(t, testInfo(), fixedScorer{probs: []float64{0.1, 0.6, 0.25, 0.05}})
	for _, k := range []int{0, -1, len(testClasses) + 1} {
		_, err := r.PredictTopK(nil, k)
		assert.ErrorIs(t, err, mlerr.ErrInvalidArgument, "k=%d", k)
	}

	preds, err := r.PredictTopK(nil, len(testClasses))
	require.NoError(t, err)
	total := 0.0
	for _, p := range preds {
		assert.GreaterOrEqual(t, p.Confidence, 0.0)
		assert.LessOrEqual(t, p.Confidence, 100.0)
		total += p.Confidence
	}
	assert.InDelta(t, 100, total, 1e-6)
}

func TestPredictTopKWithoutModel(t *testing.T) {
	_, err := newRanker(t, testInfo(), nil).PredictTopK(nil, 1)
	assert.ErrorIs(t, err, mlerr.ErrUnfitted)
}

func TestPredictTopKRejectsBadProbabilities(t *testing.T) {
	tests := []struct {
		name  string
		probs []float64
		want  error
	}{
		{"short", []float64{0.5, 0.5}, mlerr.ErrInvalidArgument},
		{"nan", []float64{math.NaN(), 0.5, 0.25, 0.25}, mlerr.ErrNumericDivergence},
		{"negative", []float64{-0.1, 0.6, 0.25, 0.25}, mlerr.ErrNumericDivergence},
		{"not normalized", []float64{0.1, 0.1, 0.1, 0.1}, mlerr.ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newRanker(t, testInfo(), fixedScorer{probs: tt.probs}).PredictTopK(nil, 1)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := newRanker(t, testInfo(), fixedScorer{err: assert.AnError}).PredictTopK(nil, 1)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestPredictionsDoNotShareMetadata(t *testing.T) {
	info := testInfo()
	r := newRanker(t, info, fixedScorer{probs: []float64{0.1, 0.1, 0.7, 0.1}})
	info["early_blight"].Symptoms[0] = "changed by caller"

	first, err := r.PredictTopK(nil, 1)
	require.NoError(t, err)
	assert.Equal(t, "rings", first[0].Symptoms[0])

	first[0].Symptoms[0] = "mutated"
	first[0].Treatments.Organic[0] = "mutated"
	second, err := r.PredictTopK(nil, 1)
	require.NoError(t, err)
	assert.Equal(t, "rings", second[0].Symptoms[0])
	assert.Equal(t, "copper", second[0].Treatments.Organic[0])
}

func TestNewRankerRequiresMetadataForEveryClass(t *testing.T) {
	info := testInfo()
	delete(info, "coffee")
	_, err := NewRanker(testClasses, info, fixedScorer{})
	assert.ErrorIs(t, err, mlerr.ErrInvalidArgument)

	_, err = NewRanker([]string{"a", "b"}, nil, fixedScorer{})
	assert.ErrorIs(t, err, mlerr.ErrInvalidArgument)
}

func TestCatalogRankerFillsDefaultMetadata(t *testing.T) {
	cat := catalog.New(
		catalog.ClassInfo{Severity: "Unknown", Description: "No curated notes for {{title}}."},
		map[string]catalog.ClassInfo{"a": {Severity: "None", Description: "curated"}},
	)
	r, err := NewCatalogRanker([]string{"a", "leaf_curl"}, cat, fixedScorer{probs: []float64{0.3, 0.7}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "leaf_curl"}, r.Classes())

	preds, err := r.PredictTopK(nil, 2)
	require.NoError(t, err)
	assert.Equal(t, "leaf_curl", preds[0].Label)
	assert.Equal(t, "Unknown", preds[0].Severity)
	assert.Equal(t, "No curated notes for Leaf Curl.", preds[0].Description)
	assert.Equal(t, "curated", preds[1].Description)

	_, err = NewCatalogRanker([]string{"a"}, nil, fixedScorer{})
	assert.ErrorIs(t, err, mlerr.ErrInvalidArgument)
}
