package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/agrisense/agroml/checkpoints"
	"github.com/agrisense/agroml/inference"
	"github.com/agrisense/agroml/monitoring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	monitoring.SetLogger(nil)
}

const tinyConfig = `
seed: 7
crop:
  samples: 440
  epochs: 2
  hidden_units: [8]
  dropout: []
export:
  formats: [bundle]
`

func TestRunUsageAndVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 2, run(context.Background(), nil, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "Usage: agroml")

	stderr.Reset()
	assert.Equal(t, 2, run(context.Background(), []string{"serve"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "Unknown command: serve")

	assert.Equal(t, 0, run(context.Background(), []string{"version"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), version)
}

func TestRunRequiresBundle(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 1, run(context.Background(), []string{"predict-crop", "-n", "90"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "-bundle is required")
	assert.Equal(t, 1, run(context.Background(), []string{"train", "-task", "orchard"}, &stdout, &stderr))
}

func TestTrainThenPredictCrop(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "agroml.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(tinyConfig), 0o644))
	out := filepath.Join(dir, "crop")

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"train", "-task", "crop", "-config", cfgPath, "-out", out}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	var summary struct {
		Epochs  int                        `json:"epochs"`
		Exports []checkpoints.ExportResult `json:"exports"`
	}
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary))
	assert.Equal(t, 2, summary.Epochs)
	require.Len(t, summary.Exports, 1)
	assert.Equal(t, checkpoints.StatusWritten, summary.Exports[0].Status)
	assert.FileExists(t, filepath.Join(out, checkpoints.MetadataFile))
	assert.FileExists(t, filepath.Join(out, "best_model.json"))

	stdout.Reset()
	code = run(context.Background(), []string{"predict-crop", "-bundle", out,
		"-n", "90", "-p", "42", "-k", "43", "-temperature", "21", "-humidity", "82", "-ph", "6.5", "-rainfall", "203",
		"-top", "2"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	var preds []inference.Prediction
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &preds))
	require.Len(t, preds, 2)
	assert.Equal(t, 1, preds[0].Rank)

	stdout.Reset()
	code = run(context.Background(), []string{"export", "-bundle", out, "-formats", "onnx"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.FileExists(t, filepath.Join(out, checkpoints.ONNXFile))
}
