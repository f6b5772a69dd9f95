package inference

import (
	"fmt"
	"slices"

	"github.com/agrisense/agroml/catalog"
	"github.com/agrisense/agroml/checkpoints"
	"github.com/agrisense/agroml/engine"
	"github.com/agrisense/agroml/mlerr"
	"github.com/agrisense/agroml/preprocessing"
	"github.com/agrisense/agroml/tabular"
)

// CropPredictor recommends crops from raw soil and weather readings.
type CropPredictor struct {
	features []string
	scaler   *preprocessing.StandardScaler
	network  *engine.Network
	ranker   *Ranker
}

// NewCropPredictor wires a crop bundle's scaler, network and class metadata.
func NewCropPredictor(b *checkpoints.Bundle) (*CropPredictor, error) {
	if b == nil {
		return nil, fmt.Errorf("crop predictor: %w", mlerr.ErrUnfitted)
	}
	if b.Metadata.ModelType != checkpoints.ModelTypeCrop {
		return nil, fmt.Errorf("%w: expected a %s bundle, got %q",
			mlerr.ErrInvalidArgument, checkpoints.ModelTypeCrop, b.Metadata.ModelType)
	}
	if err := b.Validate(); err != nil {
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
	return &CropPredictor{
		features: slices.Clone(b.Preprocessor.FeatureColumns),
		scaler:   b.Preprocessor.Scaler,
		network:  net,
		ranker:   ranker,
	}, nil
}

// FeatureColumns returns the raw feature order PredictFeatures expects.
func (p *CropPredictor) FeatureColumns() []string { return slices.Clone(p.features) }

// Recommend ranks the k most suitable crops for a reading.
func (p *CropPredictor) Recommend(r tabular.SoilReading, k int) ([]Prediction, error) {
	if !slices.Equal(p.features, catalog.FeatureColumns) {
		return nil, fmt.Errorf("%w: model features %v do not match soil readings %v",
			mlerr.ErrInvalidArgument, p.features, catalog.FeatureColumns)
	}
	return p.PredictFeatures(r.Vector(), k)
}

// PredictFeatures ranks crops for raw, unscaled features in FeatureColumns order.
func (p *CropPredictor) PredictFeatures(features []float64, k int) ([]Prediction, error) {
	if len(features) != len(p.features) {
		return nil, fmt.Errorf("%w: got %d features, expected %d %v",
			mlerr.ErrInvalidArgument, len(features), len(p.features), p.features)
	}
	scaled, err := p.scaler.TransformRow(features)
	if err != nil {
		return nil, err
	}
	return p.ranker.PredictTopK(scaled, k)
}
