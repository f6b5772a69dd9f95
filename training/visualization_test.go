package training

import (
	"bytes"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/agrisense/agroml/mlerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlotHistoryWritesPNG(t *testing.T) {
	h := NewHistory()
	for e := 0; e < 5; e++ {
		require.NoError(t, h.Append(EpochRecord{
			Epoch:         e,
			TrainLoss:     1 / float64(e+1),
			ValLoss:       1.2 / float64(e+1),
			TrainAccuracy: 0.5 + 0.1*float64(e),
			ValAccuracy:   0.45 + 0.1*float64(e),
			LearningRate:  0.001,
		}))
	}

	path := filepath.Join(t.TempDir(), "training_curves.png")
	require.NoError(t, PlotHistory(h, path))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	cfg, err := png.DecodeConfig(f)
	require.NoError(t, err)
	assert.Greater(t, cfg.Height, cfg.Width)

	a, err := RenderHistoryPlot(h)
	require.NoError(t, err)
	b, err := RenderHistoryPlot(h)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(a, b), "rendering is deterministic")
}

func TestPlotHistoryRequiresEpochs(t *testing.T) {
	_, err := RenderHistoryPlot(NewHistory())
	assert.ErrorIs(t, err, mlerr.ErrInvalidArgument)
}
