package dataset

import (
	"fmt"
	"image"
	"math/rand/v2"
	"sync/atomic"

	"github.com/agrisense/agroml/mlerr"
	"github.com/agrisense/agroml/vision/preprocessing"
)

// Source is an indexable set of labelled images.
type Source interface {
	Len() int
	Label(idx int) int
	Image(idx int) (image.Image, error)
	Key(idx int) string
}

// ImageDataset feeds a Source through a preprocessing pipeline as flattened
// CHW samples. With augmentation the random transforms are seeded per
// (seed, epoch, index), so results do not depend on loading order or worker
// count. Without augmentation tensors may be served from a cache.
type ImageDataset struct {
	source   Source
	pipeline *preprocessing.Pipeline
	augment  bool
	seed     uint64
	epoch    atomic.Int64
	cache    *CacheManager
}

// NewImageDataset wraps source. augment selects the training pipeline.
func NewImageDataset(source Source, pipeline *preprocessing.Pipeline, augment bool, seed uint64) (*ImageDataset, error) {
	if source == nil || pipeline == nil {
		return nil, fmt.Errorf("%w: image dataset needs a source and a pipeline", mlerr.ErrInvalidArgument)
	}
	return &ImageDataset{source: source, pipeline: pipeline, augment: augment, seed: seed}, nil
}

// WithCache enables caching of deterministic tensors. It has no effect on
// augmented datasets.
func (d *ImageDataset) WithCache(cache *CacheManager) *ImageDataset {
	if !d.augment {
		d.cache = cache
	}
	return d
}

func (d *ImageDataset) Len() int { return d.source.Len() }

func (d *ImageDataset) Label(idx int) int { return d.source.Label(idx) }

// SetEpoch selects the augmentation stream for the next pass.
func (d *ImageDataset) SetEpoch(epoch int) { d.epoch.Store(int64(epoch)) }

// Get returns the preprocessed tensor and label of sample idx.
func (d *ImageDataset) Get(idx int) ([]float64, int, error) {
	if idx < 0 || idx >= d.source.Len() {
		return nil, 0, fmt.Errorf("%w: sample %d of %d", mlerr.ErrInvalidIndex, idx, d.source.Len())
	}
	label := d.source.Label(idx)

	if d.cache != nil {
		if t, ok := d.cache.Get(d.source.Key(idx)); ok {
			return t, label, nil
		}
	}

	img, err := d.source.Image(idx)
	if err != nil {
		return nil, 0, err
	}

	if d.augment {
		stream := uint64(d.epoch.Load())<<32 | uint64(uint32(idx))
		return d.pipeline.Train(img, rand.New(rand.NewPCG(d.seed, stream))), label, nil
	}

	t := d.pipeline.Eval(img)
	if d.cache != nil {
		d.cache.Put(d.source.Key(idx), t)
	}
	return t, label, nil
}
