package checkpoints

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/agrisense/agroml/catalog"
	"github.com/agrisense/agroml/engine"
	"github.com/agrisense/agroml/layers"
	"github.com/agrisense/agroml/mlerr"
	"github.com/agrisense/agroml/preprocessing"
	"github.com/agrisense/agroml/tensor"
	"github.com/agrisense/agroml/training"
	imageprep "github.com/agrisense/agroml/vision/preprocessing"
	"github.com/google/uuid"
)

// Model types recorded in bundle metadata.
const (
	ModelTypeCrop    = "crop_recommendation"
	ModelTypeDisease = "disease_detection"
)

// BundleFormatVersion is bumped whenever the bundle layout changes.
const BundleFormatVersion = "1"

// Files inside a bundle directory.
const (
	MetadataFile     = "metadata.json"
	ModelFile        = "model.json"
	PreprocessorFile = "preprocessor.json"
	HistoryFile      = "history.json"
	CurvesFile       = "training_curves.png"
)

// Metadata is the bundle's self-description. Tabular bundles carry
// FeatureColumns, image bundles carry InputSize.
type Metadata struct {
	BundleID       string                       `json:"bundle_id"`
	FormatVersion  string                       `json:"format_version"`
	CreatedAt      time.Time                    `json:"created_at"`
	ModelType      string                       `json:"model_type"`
	FeatureColumns []string                     `json:"feature_columns,omitempty"`
	InputSize      int                          `json:"input_size,omitempty"`
	Classes        []string                     `json:"classes"`
	InputShape     []int                        `json:"input_shape"`
	OutputShape    []int                        `json:"output_shape"`
	ClassInfo      map[string]catalog.ClassInfo `json:"class_info"`
	TestAccuracy   *float64                     `json:"test_accuracy,omitempty"`
}

// PreprocessorState is everything needed to turn raw inputs into model
// inputs: the fitted scaler for tabular models or the image normalization
// for image models, plus the label encoder.
type PreprocessorState struct {
	FeatureColumns []string                      `json:"feature_columns,omitempty"`
	Scaler         *preprocessing.StandardScaler `json:"scaler,omitempty"`
	Labels         *preprocessing.LabelEncoder   `json:"labels"`
	Image          *imageprep.Config             `json:"image,omitempty"`
}

// Tabular returns the tabular half as a preprocessing.State.
func (p PreprocessorState) Tabular() *preprocessing.State {
	return &preprocessing.State{FeatureColumns: p.FeatureColumns, Scaler: p.Scaler, Labels: p.Labels}
}

// Bundle is a self-contained trained model: parameters, preprocessing,
// class set and class metadata, with the history of the run that produced it.
type Bundle struct {
	Metadata     Metadata
	Model        *Checkpoint
	Preprocessor PreprocessorState
	History      *training.History
}

// BundleOptions describes a freshly trained model.
type BundleOptions struct {
	ModelType    string
	Spec         *layers.ModelSpec
	Parameters   []*tensor.Tensor
	Preprocessor PreprocessorState
	Catalog      *catalog.Catalog
	History      *training.History
	CreatedAt    time.Time
}

// NewBundle assembles and validates a bundle. CreatedAt fixes every
// timestamp written on export.
func NewBundle(opts BundleOptions) (*Bundle, error) {
	if opts.Preprocessor.Labels == nil || !opts.Preprocessor.Labels.Fitted() {
		return nil, fmt.Errorf("bundle label encoder: %w", mlerr.ErrUnfitted)
	}
	createdAt := opts.CreatedAt.UTC().Truncate(time.Second)
	model, err := NewCheckpoint(opts.Spec, opts.Parameters, createdAt)
	if err != nil {
		return nil, err
	}
	model.Metadata.Description = opts.ModelType
	classes := slices.Clone(opts.Preprocessor.Labels.Classes)
	cat := opts.Catalog
	if cat == nil {
		cat = &catalog.Catalog{}
	}

	b := &Bundle{
		Metadata: Metadata{
			BundleID:      uuid.NewString(),
			FormatVersion: BundleFormatVersion,
			CreatedAt:     createdAt,
			ModelType:     opts.ModelType,
			Classes:       classes,
			InputShape:    slices.Clone(opts.Spec.InputShape[1:]),
			OutputShape:   slices.Clone(opts.Spec.OutputShape[1:]),
			ClassInfo:     cat.Complete(classes),
		},
		Model:        model,
		Preprocessor: opts.Preprocessor,
		History:      opts.History,
	}
	if opts.ModelType == ModelTypeCrop {
		b.Metadata.FeatureColumns = slices.Clone(opts.Preprocessor.FeatureColumns)
	} else {
		b.Metadata.InputSize = opts.Spec.InputSize()
	}
	if opts.History != nil {
		if _, acc, ok := opts.History.TestMetrics(); ok {
			b.Metadata.TestAccuracy = &acc
		}
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

// Validate checks that the parts of the bundle agree with each other.
func (b *Bundle) Validate() error {
	if b.Model == nil || b.Model.ModelSpec == nil {
		return fmt.Errorf("bundle model: %w", mlerr.ErrUnfitted)
	}
	labels := b.Preprocessor.Labels
	if labels == nil || !labels.Fitted() {
		return fmt.Errorf("bundle label encoder: %w", mlerr.ErrUnfitted)
	}
	if !slices.Equal(labels.Classes, b.Metadata.Classes) {
		return fmt.Errorf("%w: metadata classes differ from the label encoder", mlerr.ErrInvalidArgument)
	}
	spec := b.Model.ModelSpec
	if spec.NumClasses() != len(b.Metadata.Classes) {
		return fmt.Errorf("%w: model has %d outputs for %d classes",
			mlerr.ErrInvalidArgument, spec.NumClasses(), len(b.Metadata.Classes))
	}
	for _, class := range b.Metadata.Classes {
		if _, ok := b.Metadata.ClassInfo[class]; !ok {
			return fmt.Errorf("%w: no class info for %q", mlerr.ErrInvalidArgument, class)
		}
	}

	switch b.Metadata.ModelType {
	case ModelTypeCrop:
		if err := b.Preprocessor.Tabular().Validate(); err != nil {
			return err
		}
		if n := b.Preprocessor.Scaler.NumFeatures(); n != spec.InputSize() {
			return fmt.Errorf("%w: scaler has %d features, model expects %d", mlerr.ErrInvalidArgument, n, spec.InputSize())
		}
	case ModelTypeDisease:
		if b.Preprocessor.Image == nil {
			return fmt.Errorf("%w: image bundle without image preprocessing", mlerr.ErrInvalidArgument)
		}
		if err := b.Preprocessor.Image.Validate(); err != nil {
			return err
		}
		if n := b.Preprocessor.Image.TensorSize(); n != spec.InputSize() {
			return fmt.Errorf("%w: images produce %d values, model expects %d", mlerr.ErrInvalidArgument, n, spec.InputSize())
		}
	default:
		return fmt.Errorf("%w: unknown model type %q", mlerr.ErrInvalidArgument, b.Metadata.ModelType)
	}
	return nil
}

// Network rebuilds the trained network in evaluation mode.
func (b *Bundle) Network() (*engine.Network, error) {
	if b.Model == nil {
		return nil, fmt.Errorf("bundle model: %w", mlerr.ErrUnfitted)
	}
	return b.Model.Network()
}

// Save writes the bundle files into dir and returns their paths. Output
// depends only on the bundle, so saving twice yields identical files.
func (b *Bundle) Save(dir string) ([]string, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	files := []struct {
		name string
		v    any
	}{
		{MetadataFile, b.Metadata},
		{ModelFile, b.Model},
		{PreprocessorFile, b.Preprocessor},
	}
	var paths []string
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		if err := writeJSON(path, f.v); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}

	if b.History == nil || b.History.Len() == 0 {
		return paths, nil
	}
	path := filepath.Join(dir, HistoryFile)
	if err := writeJSON(path, b.History); err != nil {
		return paths, err
	}
	paths = append(paths, path)

	png, err := training.RenderHistoryPlot(b.History)
	if err != nil {
		return paths, fmt.Errorf("render training curves: %w", err)
	}
	path = filepath.Join(dir, CurvesFile)
	if err := writeFileAtomic(path, func(w io.Writer) error {
		_, err := io.Copy(w, bytes.NewReader(png))
		return err
	}); err != nil {
		return paths, err
	}
	return append(paths, path), nil
}

// LoadBundle reads a bundle written by Save. The history is optional.
func LoadBundle(dir string) (*Bundle, error) {
	b := &Bundle{Model: &Checkpoint{}}
	files := []struct {
		name string
		v    any
	}{
		{MetadataFile, &b.Metadata},
		{ModelFile, b.Model},
		{PreprocessorFile, &b.Preprocessor},
	}
	for _, f := range files {
		if err := readJSON(filepath.Join(dir, f.name), f.v); err != nil {
			return nil, err
		}
	}

	history := training.NewHistory()
	switch err := readJSON(filepath.Join(dir, HistoryFile), history); {
	case err == nil:
		b.History = history
	case !errors.Is(err, os.ErrNotExist):
		return nil, err
	}

	if b.Metadata.FormatVersion != BundleFormatVersion {
		return nil, fmt.Errorf("%w: bundle format %q, want %q",
			mlerr.ErrInvalidArgument, b.Metadata.FormatVersion, BundleFormatVersion)
	}
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("bundle %s: %w", dir, err)
	}
	return b, nil
}

func readJSON(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", mlerr.ErrInvalidArgument, path, err)
	}
	return nil
}
