package checkpoints

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"

	"github.com/agrisense/agroml/config"
	"github.com/agrisense/agroml/mlerr"
	"github.com/agrisense/agroml/monitoring"
	"github.com/agrisense/agroml/tensor"
	"gonum.org/v1/gonum/mat"
)

// ExportStatus is the outcome of one export format.
type ExportStatus string

const (
	StatusWritten ExportStatus = "written"
	StatusSkipped ExportStatus = "skipped"
)

// Artifact names written next to the bundle files.
const (
	ONNXFile        = "model.onnx"
	TFLiteDir       = "tflite"
	TorchScriptFile = "model.pt"
)

// onnxTolerance bounds the probability difference between the engine and
// the exported graph.
const onnxTolerance = 1e-4

// ExportResult reports what happened to one requested format.
type ExportResult struct {
	Format string       `json:"format"`
	Path   string       `json:"path,omitempty"`
	Status ExportStatus `json:"status"`
	Reason string       `json:"reason,omitempty"`
	Err    error        `json:"-"`
}

// Manager writes bundles and the optional formats derived from them.
type Manager struct {
	converters map[string]Converter
}

// NewManager uses converters, keyed by format name, for formats other than
// the bundle and ONNX.
func NewManager(converters map[string]Converter) *Manager {
	m := &Manager{converters: make(map[string]Converter, len(converters))}
	for format, c := range converters {
		m.converters[format] = c
	}
	return m
}

// NewManagerFromConfig builds command converters from the export section.
func NewManagerFromConfig(cfg config.ExportConfig) *Manager {
	converters := make(map[string]Converter, len(cfg.Converters))
	for format, cc := range cfg.Converters {
		converters[format] = NewCommandConverter(format, cc.Command)
	}
	return NewManager(converters)
}

// Export writes bundle into dir, then every other requested format. The
// bundle is always written first. A format whose converter is missing is
// reported as skipped; only bundle and ONNX failures are returned as errors.
func (m *Manager) Export(ctx context.Context, bundle *Bundle, dir string, formats ...string) ([]ExportResult, error) {
	if bundle == nil {
		return nil, fmt.Errorf("export: %w", mlerr.ErrUnfitted)
	}
	requested, err := normalizeFormats(formats)
	if err != nil {
		return nil, err
	}

	if _, err := bundle.Save(dir); err != nil {
		return nil, fmt.Errorf("export bundle: %w", err)
	}
	monitoring.Logf("Export %s: written to %s", config.FormatBundle, dir)
	results := []ExportResult{{Format: config.FormatBundle, Path: dir, Status: StatusWritten}}

	onnxPath := ""
	if slices.Contains(requested, config.FormatONNX) {
		onnxPath = filepath.Join(dir, ONNXFile)
		if err := writeONNX(bundle, onnxPath); err != nil {
			return results, fmt.Errorf("export onnx: %w", err)
		}
		monitoring.Logf("Export %s: written to %s", config.FormatONNX, onnxPath)
		results = append(results, ExportResult{Format: config.FormatONNX, Path: onnxPath, Status: StatusWritten})
	}

	converted := slices.DeleteFunc(slices.Clone(requested), func(f string) bool {
		return f == config.FormatBundle || f == config.FormatONNX
	})
	if len(converted) > 0 && onnxPath == "" {
		tmp, err := os.MkdirTemp("", "agroml-onnx-*")
		if err != nil {
			return results, err
		}
		defer os.RemoveAll(tmp)
		onnxPath = filepath.Join(tmp, ONNXFile)
		if err := writeONNX(bundle, onnxPath); err != nil {
			return results, fmt.Errorf("export onnx: %w", err)
		}
	}

	for _, format := range converted {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res := m.convert(ctx, dir, format, onnxPath)
		if res.Status == StatusWritten {
			monitoring.Logf("Export %s: written to %s", format, res.Path)
		} else {
			monitoring.Logf("Export %s: skipped (%s)", format, res.Reason)
		}
		results = append(results, res)
	}
	return results, nil
}

func (m *Manager) convert(ctx context.Context, dir, format, onnxPath string) ExportResult {
	skipped := func(err error) ExportResult {
		return ExportResult{Format: format, Status: StatusSkipped, Reason: err.Error(), Err: err}
	}
	c, ok := m.converters[format]
	if !ok {
		return skipped(fmt.Errorf("%w: no converter registered for %s", mlerr.ErrUnavailableConverter, format))
	}
	if err := c.Available(); err != nil {
		return skipped(err)
	}

	out := filepath.Join(dir, TorchScriptFile)
	if format == config.FormatTFLite {
		out = filepath.Join(dir, TFLiteDir)
	}
	if err := c.Convert(ctx, onnxPath, out); err != nil {
		return skipped(err)
	}
	return ExportResult{Format: format, Path: out, Status: StatusWritten}
}

func normalizeFormats(formats []string) ([]string, error) {
	known := []string{config.FormatBundle, config.FormatONNX, config.FormatTFLite, config.FormatTorchScript}
	var out []string
	for _, f := range formats {
		if !slices.Contains(known, f) {
			return nil, fmt.Errorf("%w: unknown export format %q", mlerr.ErrInvalidArgument, f)
		}
		if !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return out, nil
}

// writeONNX exports the bundle's model and checks that the written graph
// reproduces the network's probabilities.
func writeONNX(bundle *Bundle, path string) error {
	classes, err := json.Marshal(bundle.Metadata.Classes)
	if err != nil {
		return err
	}
	exporter := NewONNXExporter()
	exporter.SetMetadata("bundle_id", bundle.Metadata.BundleID)
	exporter.SetMetadata("classes", string(classes))
	exporter.SetMetadata("model_type", bundle.Metadata.ModelType)
	if err := exporter.ExportToONNX(bundle.Model, path); err != nil {
		return err
	}
	return VerifyONNX(bundle, path)
}

// VerifyONNX evaluates the ONNX file at path and the bundle's network on the
// same probe batch and fails if their probabilities differ by more than 1e-4.
func VerifyONNX(bundle *Bundle, path string) error {
	net, err := bundle.Network()
	if err != nil {
		return err
	}
	model, err := ReadONNX(path)
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewPCG(0x0b5e, 0xc0de))
	probe := mat.NewDense(4, net.InputSize(), nil)
	raw := probe.RawMatrix().Data
	for i := range raw {
		raw[i] = rng.NormFloat64()
	}

	logits, err := net.Infer(probe)
	if err != nil {
		return err
	}
	got, err := model.Run(probe)
	if err != nil {
		return fmt.Errorf("evaluate %s: %w", path, err)
	}
	want := tensor.SoftmaxRows(logits)
	if r, c := got.Dims(); r != 4 || c != net.NumClasses() {
		return fmt.Errorf("%w: ONNX output is %dx%d, want 4x%d", mlerr.ErrInvalidArgument, r, c, net.NumClasses())
	}
	if d := maxAbsDiff(got, want); d > onnxTolerance {
		return fmt.Errorf("ONNX graph diverges from the network by %g", d)
	}
	return nil
}
