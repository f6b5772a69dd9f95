package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agrisense/agroml/catalog"
	"github.com/agrisense/agroml/checkpoints"
	"github.com/agrisense/agroml/config"
	"github.com/agrisense/agroml/engine"
	"github.com/agrisense/agroml/inference"
	"github.com/agrisense/agroml/layers"
	"github.com/agrisense/agroml/mlerr"
	"github.com/agrisense/agroml/monitoring"
	"github.com/agrisense/agroml/preprocessing"
	"github.com/agrisense/agroml/tabular"
	"github.com/agrisense/agroml/training"
	"gonum.org/v1/gonum/mat"
)

// CropPipeline trains and serves the crop recommender. Train is exclusive
// with respect to every other method.
type CropPipeline struct {
	mu        sync.RWMutex
	cfg       config.CropConfig
	export    config.ExportConfig
	seed      uint64
	classes   []string
	catalog   *catalog.Catalog
	bundle    *checkpoints.Bundle
	predictor *inference.CropPredictor
}

// NewCropPipeline validates cfg and returns an untrained pipeline over the
// built-in crop class set.
func NewCropPipeline(cfg *config.Config) (*CropPipeline, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &CropPipeline{
		cfg:     cfg.Crop,
		export:  cfg.Export,
		seed:    cfg.Seed,
		classes: catalog.CropClasses(),
		catalog: catalog.Crops(),
	}, nil
}

// NewCropPipelineFromBundle serves a previously exported crop bundle.
func NewCropPipelineFromBundle(cfg *config.Config, b *checkpoints.Bundle) (*CropPipeline, error) {
	p, err := NewCropPipeline(cfg)
	if err != nil {
		return nil, err
	}
	pred, err := inference.NewCropPredictor(b)
	if err != nil {
		return nil, err
	}
	p.bundle, p.predictor = b, pred
	return p, nil
}

// Train fits the recommender on data, or on freshly generated synthetic
// samples when data is nil. Labels must belong to the crop class set.
func (p *CropPipeline) Train(data []tabular.Sample, opts TrainOptions) (*training.History, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cfg, err := opts.apply(p.cfg.TrainingConfig)
	if err != nil {
		return nil, err
	}
	if data == nil {
		gen, err := tabular.NewGenerator(p.classes, p.seed)
		if err != nil {
			return nil, err
		}
		if data, err = gen.Generate(cfg.Samples); err != nil {
			return nil, err
		}
		monitoring.Logf("Generated %d synthetic crop samples over %d classes", len(data), len(p.classes))
	}

	x, names, err := tabular.Matrix(data)
	if err != nil {
		return nil, err
	}
	labels, err := preprocessing.NewLabelEncoderFromClasses(p.classes)
	if err != nil {
		return nil, err
	}
	y, err := labels.Transform(names)
	if err != nil {
		return nil, fmt.Errorf("crop labels: %w", err)
	}

	parts, err := split(y, cfg, p.seed)
	if err != nil {
		return nil, err
	}
	scaler := preprocessing.NewStandardScaler()
	if err := scaler.Fit(rows(x, parts.train)); err != nil {
		return nil, err
	}
	scaled, err := scaler.Transform(x)
	if err != nil {
		return nil, err
	}
	ds, err := training.NewMatrixDataset(scaled, y)
	if err != nil {
		return nil, err
	}
	train, valid, test, err := subsets(ds, ds, parts)
	if err != nil {
		return nil, err
	}

	spec, err := layers.CropClassifier(cfg.BatchSize, catalog.NumFeatures(), cfg.HiddenUnits, cfg.Dropout, len(p.classes))
	if err != nil {
		return nil, err
	}
	net, err := engine.New(spec, p.seed)
	if err != nil {
		return nil, err
	}
	run := fitRun{net: net, cfg: cfg, opts: opts, seed: p.seed, workers: 1, classes: p.classes}
	history, err := run.fit(train, valid, test)
	if err != nil {
		return nil, err
	}

	b, err := checkpoints.NewBundle(checkpoints.BundleOptions{
		ModelType:  checkpoints.ModelTypeCrop,
		Spec:       spec,
		Parameters: net.Parameters(),
		Preprocessor: checkpoints.PreprocessorState{
			FeatureColumns: append([]string(nil), catalog.FeatureColumns...),
			Scaler:         scaler,
			Labels:         labels,
		},
		Catalog:   p.catalog,
		History:   history,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return nil, err
	}
	pred, err := inference.NewCropPredictor(b)
	if err != nil {
		return nil, err
	}
	p.bundle, p.predictor = b, pred
	return history, nil
}

// Recommend ranks the k most suitable crops for a reading.
func (p *CropPipeline) Recommend(r tabular.SoilReading, k int) ([]inference.Prediction, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.predictor == nil {
		return nil, fmt.Errorf("crop recommender: %w", mlerr.ErrUnfitted)
	}
	return p.predictor.Recommend(r, k)
}

// Bundle returns the trained bundle.
func (p *CropPipeline) Bundle() (*checkpoints.Bundle, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.bundle == nil {
		return nil, fmt.Errorf("crop bundle: %w", mlerr.ErrUnfitted)
	}
	return p.bundle, nil
}

// Export writes the trained model to dir (export.dir/crop_recommendation
// when empty) in formats (export.formats when empty).
func (p *CropPipeline) Export(ctx context.Context, dir string, formats ...string) ([]checkpoints.ExportResult, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return export(ctx, p.export, p.bundle, dir, formats)
}

// rows copies the selected rows of x.
func rows(x *mat.Dense, idx []int) *mat.Dense {
	_, c := x.Dims()
	out := mat.NewDense(len(idx), c, nil)
	for i, r := range idx {
		out.SetRow(i, x.RawRowView(r))
	}
	return out
}
