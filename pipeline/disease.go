package pipeline

import (
	"context"
	"fmt"
	"image"
	"io"
	"slices"
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
	"github.com/agrisense/agroml/training"
	"github.com/agrisense/agroml/vision/dataset"
	imageprep "github.com/agrisense/agroml/vision/preprocessing"
)

// ImageSource is a labelled image collection whose labels index ClassNames.
// Both *dataset.Images and *dataset.ImageFolderDataset satisfy it.
type ImageSource interface {
	dataset.Source
	ClassNames() []string
}

// DiseasePipeline trains and serves the leaf disease detector. Train is
// exclusive with respect to every other method.
type DiseasePipeline struct {
	mu        sync.RWMutex
	cfg       config.DiseaseConfig
	export    config.ExportConfig
	seed      uint64
	classes   []string
	catalog   *catalog.Catalog
	bundle    *checkpoints.Bundle
	predictor *inference.DiseasePredictor
}

// NewDiseasePipeline validates cfg and returns an untrained pipeline over the
// built-in disease class set.
func NewDiseasePipeline(cfg *config.Config) (*DiseasePipeline, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &DiseasePipeline{
		cfg:     cfg.Disease,
		export:  cfg.Export,
		seed:    cfg.Seed,
		classes: catalog.DiseaseClasses(),
		catalog: catalog.Diseases(),
	}, nil
}

// NewDiseasePipelineFromBundle serves a previously exported disease bundle.
func NewDiseasePipelineFromBundle(cfg *config.Config, b *checkpoints.Bundle) (*DiseasePipeline, error) {
	p, err := NewDiseasePipeline(cfg)
	if err != nil {
		return nil, err
	}
	pred, err := inference.NewDiseasePredictor(b)
	if err != nil {
		return nil, err
	}
	p.bundle, p.predictor = b, pred
	return p, nil
}

func (p *DiseasePipeline) imageConfig() imageprep.Config {
	c := imageprep.DefaultConfig()
	c.ImageSize, c.ResizeSize = p.cfg.ImageSize, p.cfg.ResizeSize
	return c
}

// Train fits the detector on data, or on synthetic leaves when data is nil.
// Every class name of data must belong to the disease class set.
func (p *DiseasePipeline) Train(data ImageSource, opts TrainOptions) (*training.History, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cfg, err := opts.apply(p.cfg.TrainingConfig)
	if err != nil {
		return nil, err
	}
	imgCfg := p.imageConfig()
	pipeline, err := imageprep.NewPipeline(imgCfg)
	if err != nil {
		return nil, err
	}
	if data == nil {
		gen, err := dataset.NewLeafGenerator(max(imgCfg.ImageSize, dataset.MinLeafSize), p.seed, p.cfg.ConditionOnLabel)
		if err != nil {
			return nil, err
		}
		leaves, err := gen.Lazy(cfg.Samples, p.classes)
		if err != nil {
			return nil, err
		}
		monitoring.Logf("Drawing %d synthetic leaf images over %d classes on demand", leaves.Len(), len(p.classes))
		data = leaves
	}

	labels, err := preprocessing.NewLabelEncoderFromClasses(p.classes)
	if err != nil {
		return nil, err
	}
	src, err := relabel(data, labels)
	if err != nil {
		return nil, err
	}
	y := make([]int, src.Len())
	for i := range y {
		y[i] = src.Label(i)
	}
	parts, err := split(y, cfg, p.seed)
	if err != nil {
		return nil, err
	}

	augmented, err := dataset.NewImageDataset(src, pipeline, true, p.seed)
	if err != nil {
		return nil, err
	}
	plain, err := dataset.NewImageDataset(src, pipeline, false, p.seed)
	if err != nil {
		return nil, err
	}
	plain.WithCache(dataset.NewCacheManager(evalCacheEntries(len(parts.valid)+len(parts.test), imgCfg.ImageSize)))
	train, valid, test, err := subsets(augmented, plain, parts)
	if err != nil {
		return nil, err
	}

	spec, err := layers.DiseaseClassifier(cfg.BatchSize, imgCfg.ImageSize, p.cfg.PoolSize, cfg.HiddenUnits, cfg.Dropout, len(p.classes))
	if err != nil {
		return nil, err
	}
	net, err := engine.New(spec, p.seed)
	if err != nil {
		return nil, err
	}
	run := fitRun{net: net, cfg: cfg, opts: opts, seed: p.seed, workers: p.cfg.Workers, classes: p.classes}
	history, err := run.fit(train, valid, test)
	if err != nil {
		return nil, err
	}

	b, err := checkpoints.NewBundle(checkpoints.BundleOptions{
		ModelType:    checkpoints.ModelTypeDisease,
		Spec:         spec,
		Parameters:   net.Parameters(),
		Preprocessor: checkpoints.PreprocessorState{Labels: labels, Image: &imgCfg},
		Catalog:      p.catalog,
		History:      history,
		CreatedAt:    time.Now(),
	})
	if err != nil {
		return nil, err
	}
	pred, err := inference.NewDiseasePredictor(b)
	if err != nil {
		return nil, err
	}
	p.bundle, p.predictor = b, pred
	return history, nil
}

// Detect decodes an uploaded image and returns the k most likely conditions.
func (p *DiseasePipeline) Detect(r io.Reader, k int) ([]inference.Prediction, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.predictor == nil {
		return nil, fmt.Errorf("disease detector: %w", mlerr.ErrUnfitted)
	}
	return p.predictor.Detect(r, k)
}

// DetectImage ranks conditions for a decoded image.
func (p *DiseasePipeline) DetectImage(img image.Image, k int) ([]inference.Prediction, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.predictor == nil {
		return nil, fmt.Errorf("disease detector: %w", mlerr.ErrUnfitted)
	}
	return p.predictor.DetectImage(img, k)
}

// Bundle returns the trained bundle.
func (p *DiseasePipeline) Bundle() (*checkpoints.Bundle, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.bundle == nil {
		return nil, fmt.Errorf("disease bundle: %w", mlerr.ErrUnfitted)
	}
	return p.bundle, nil
}

// Export writes the trained model to dir (export.dir/disease_detection when
// empty) in formats (export.formats when empty).
func (p *DiseasePipeline) Export(ctx context.Context, dir string, formats ...string) ([]checkpoints.ExportResult, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return export(ctx, p.export, p.bundle, dir, formats)
}

// evalCacheBytes bounds the memory held by cached evaluation tensors.
const evalCacheBytes = 64 << 20

// evalCacheEntries is how many CHW float64 tensors of the given side fit in
// evalCacheBytes, capped at the number of evaluation samples.
func evalCacheEntries(samples, imageSize int) int {
	perTensor := 8 * 3 * imageSize * imageSize
	return max(1, min(samples, evalCacheBytes/perTensor))
}

// relabeled maps a source's labels onto class-set indices.
type relabeled struct {
	ImageSource
	index []int
}

func (r relabeled) Label(idx int) int { return r.index[r.ImageSource.Label(idx)] }

func relabel(src ImageSource, labels *preprocessing.LabelEncoder) (dataset.Source, error) {
	names := src.ClassNames()
	index, err := labels.Transform(names)
	if err != nil {
		return nil, fmt.Errorf("disease labels: %w", err)
	}
	if slices.Equal(names, labels.Classes) {
		return src, nil
	}
	return relabeled{ImageSource: src, index: index}, nil
}
