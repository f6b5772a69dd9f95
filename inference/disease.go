package inference

import (
	"fmt"
	"image"
	"io"

	"github.com/agrisense/agroml/checkpoints"
	"github.com/agrisense/agroml/engine"
	"github.com/agrisense/agroml/mlerr"
	imageprep "github.com/agrisense/agroml/vision/preprocessing"
)

// DiseasePredictor diagnoses leaf photographs.
type DiseasePredictor struct {
	pipeline *imageprep.Pipeline
	network  *engine.Network
	ranker   *Ranker
}

// NewDiseasePredictor wires a disease bundle's image pipeline, network and
// class metadata.
func NewDiseasePredictor(b *checkpoints.Bundle) (*DiseasePredictor, error) {
	if b == nil {
		return nil, fmt.Errorf("disease predictor: %w", mlerr.ErrUnfitted)
	}
	if b.Metadata.ModelType != checkpoints.ModelTypeDisease {
		return nil, fmt.Errorf("%w: expected a %s bundle, got %q",
			mlerr.ErrInvalidArgument, checkpoints.ModelTypeDisease, b.Metadata.ModelType)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	pipeline, err := imageprep.NewPipeline(*b.Preprocessor.Image)
	if err != nil {
		return nil, err
	}
	net, err := b.Network()
	if err != nil {
		return nil, err
	}
	ranker, err := NewRanker(b.Metadata.Classes, b.Metadata.ClassInfo, net)
	if err != nil {
		return nil, err
	}
	return &DiseasePredictor{
		pipeline: pipeline,
		network:  net,
		ranker:   ranker,
	}, nil
}

// Detect decodes raw image bytes (JPEG, PNG, GIF, BMP or WebP) and returns
// the k most likely conditions.
func (p *DiseasePredictor) Detect(r io.Reader, k int) ([]Prediction, error) {
	img, err := imageprep.Decode(r)
	if err != nil {
		return nil, err
	}
	return p.DetectImage(img, k)
}

// DetectImage ranks conditions for an already decoded image of any size.
func (p *DiseasePredictor) DetectImage(img image.Image, k int) ([]Prediction, error) {
	if img == nil {
		return nil, fmt.Errorf("%w: nil image", mlerr.ErrInvalidArgument)
	}
	return p.ranker.PredictTopK(p.pipeline.Eval(img), k)
}

// DetectTensor ranks conditions for a tensor that has already been through
// the evaluation pipeline.
func (p *DiseasePredictor) DetectTensor(chw []float64, channels, k int) ([]Prediction, error) {
	if err := p.pipeline.CheckTensor(chw, channels); err != nil {
		return nil, err
	}
	return p.ranker.PredictTopK(chw, k)
}
