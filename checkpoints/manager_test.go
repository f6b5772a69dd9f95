package checkpoints

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/agrisense/agroml/config"
	"github.com/agrisense/agroml/mlerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingConverter struct {
	inputs [][]byte
	err    error
}

func (r *recordingConverter) Available() error { return nil }

func (r *recordingConverter) Convert(_ context.Context, onnxPath, outputPath string) error {
	buf, err := os.ReadFile(onnxPath)
	if err != nil {
		return err
	}
	r.inputs = append(r.inputs, buf)
	if r.err != nil {
		return r.err
	}
	return os.WriteFile(outputPath, buf, 0o644)
}

func TestExportSkipsUnavailableConverters(t *testing.T) {
	b, _ := cropBundle(t)
	m := NewManager(map[string]Converter{
		config.FormatTFLite: NewCommandConverter(config.FormatTFLite, []string{"agroml-no-such-converter"}),
	})
	dir := t.TempDir()

	results, err := m.Export(context.Background(), b, dir,
		config.FormatONNX, config.FormatTFLite, config.FormatTorchScript)
	require.NoError(t, err)
	require.Len(t, results, 4)

	assert.Equal(t, config.FormatBundle, results[0].Format, "bundle always first")
	assert.Equal(t, StatusWritten, results[0].Status)
	assert.Equal(t, config.FormatONNX, results[1].Format)
	assert.Equal(t, StatusWritten, results[1].Status)
	assert.FileExists(t, filepath.Join(dir, ONNXFile))
	for _, res := range results[2:] {
		assert.Equal(t, StatusSkipped, res.Status, res.Format)
		assert.ErrorIs(t, res.Err, mlerr.ErrUnavailableConverter, res.Format)
		assert.NotEmpty(t, res.Reason)
		assert.Empty(t, res.Path)
	}
	assert.NoFileExists(t, filepath.Join(dir, TorchScriptFile))
}

func TestExportWritesTemporaryONNXForConverters(t *testing.T) {
	b, _ := cropBundle(t)
	conv := &recordingConverter{}
	m := NewManager(map[string]Converter{config.FormatTorchScript: conv})
	dir := t.TempDir()

	results, err := m.Export(context.Background(), b, dir, config.FormatTorchScript)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, StatusWritten, results[1].Status)
	assert.Equal(t, filepath.Join(dir, TorchScriptFile), results[1].Path)
	require.Len(t, conv.inputs, 1)

	_, err = ParseONNX(conv.inputs[0])
	require.NoError(t, err, "converter receives a valid ONNX file")
	assert.NoFileExists(t, filepath.Join(dir, ONNXFile), "ONNX was not requested")
}

func TestExportReportsFailedConversionAsSkipped(t *testing.T) {
	b, _ := cropBundle(t)
	conv := &recordingConverter{err: assert.AnError}
	m := NewManager(map[string]Converter{config.FormatTFLite: conv})

	results, err := m.Export(context.Background(), b, t.TempDir(), config.FormatTFLite)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, StatusSkipped, results[1].Status)
	assert.ErrorIs(t, results[1].Err, assert.AnError)
}

func TestCommandConverterSubstitutesPaths(t *testing.T) {
	if _, err := exec.LookPath("cp"); err != nil {
		t.Skip("cp not available")
	}
	b, _ := cropBundle(t)
	cfg := config.ExportConfig{Converters: map[string]config.ConverterConfig{
		config.FormatTorchScript: {Command: []string{"cp", "{input}", "{output}"}},
	}}
	dir := t.TempDir()

	results, err := NewManagerFromConfig(cfg).Export(context.Background(), b, dir, config.FormatONNX, config.FormatTorchScript)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, StatusWritten, results[2].Status)

	onnx, err := os.ReadFile(filepath.Join(dir, ONNXFile))
	require.NoError(t, err)
	copied, err := os.ReadFile(filepath.Join(dir, TorchScriptFile))
	require.NoError(t, err)
	assert.Equal(t, onnx, copied)
}

func TestCommandConverterAvailability(t *testing.T) {
	assert.ErrorIs(t, NewCommandConverter("tflite", nil).Available(), mlerr.ErrUnavailableConverter)
	assert.ErrorIs(t, NewCommandConverter("tflite", []string{"agroml-no-such-converter"}).Available(),
		mlerr.ErrUnavailableConverter)
}

func TestExportIsIdempotent(t *testing.T) {
	b, _ := cropBundle(t)
	m := NewManager(nil)
	dir := t.TempDir()
	names := []string{MetadataFile, ModelFile, PreprocessorFile, HistoryFile, CurvesFile, ONNXFile}

	_, err := m.Export(context.Background(), b, dir, config.FormatBundle, config.FormatONNX)
	require.NoError(t, err)
	first := make(map[string][]byte)
	for _, name := range names {
		first[name], err = os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
	}

	_, err = m.Export(context.Background(), b, dir, config.FormatBundle, config.FormatONNX)
	require.NoError(t, err)
	for _, name := range names {
		again, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.Equal(t, first[name], again, name)
	}
}

func TestExportReloadPredictionsAgree(t *testing.T) {
	for _, build := range []func(*testing.T) (*Bundle, func() []float64){
		func(t *testing.T) (*Bundle, func() []float64) {
			b, _ := cropBundle(t)
			return b, func() []float64 { return []float64{0.3, -1.2, 0.8} }
		},
		func(t *testing.T) (*Bundle, func() []float64) {
			b, _ := diseaseBundle(t)
			return b, func() []float64 {
				x := make([]float64, 3*8*8)
				for i := range x {
					x[i] = float64(i%5) - 2
				}
				return x
			}
		},
	} {
		b, sample := build(t)
		dir := t.TempDir()
		_, err := NewManager(nil).Export(context.Background(), b, dir, config.FormatONNX)
		require.NoError(t, err)

		loaded, err := LoadBundle(dir)
		require.NoError(t, err)
		original, err := b.Network()
		require.NoError(t, err)
		reloaded, err := loaded.Network()
		require.NoError(t, err)

		want, err := original.Probabilities(sample())
		require.NoError(t, err)
		got, err := reloaded.Probabilities(sample())
		require.NoError(t, err)
		assert.InDeltaSlice(t, want, got, 1e-4)

		require.NoError(t, VerifyONNX(loaded, filepath.Join(dir, ONNXFile)))
	}
}

func TestExportRejectsBadRequests(t *testing.T) {
	m := NewManager(nil)
	_, err := m.Export(context.Background(), nil, t.TempDir())
	assert.ErrorIs(t, err, mlerr.ErrUnfitted)

	b, _ := cropBundle(t)
	dir := t.TempDir()
	_, err = m.Export(context.Background(), b, dir, "savedmodel")
	assert.ErrorIs(t, err, mlerr.ErrInvalidArgument)
	assert.NoFileExists(t, filepath.Join(dir, MetadataFile), "nothing written for a rejected request")
}
