package preprocessing

import (
	"fmt"
	"slices"

	"github.com/agrisense/agroml/mlerr"
)

// State pairs the fitted scaler with the label encoder. A trained model is
// only meaningful together with the State that produced its inputs.
type State struct {
	FeatureColumns []string        `json:"feature_columns"`
	Scaler         *StandardScaler `json:"scaler"`
	Labels         *LabelEncoder   `json:"labels"`
}

// Validate checks that both halves are fitted and consistent with each other.
func (s *State) Validate() error {
	if s.Scaler == nil || !s.Scaler.Fitted() {
		return fmt.Errorf("preprocessor scaler: %w", mlerr.ErrUnfitted)
	}
	if s.Labels == nil || !s.Labels.Fitted() {
		return fmt.Errorf("preprocessor labels: %w", mlerr.ErrUnfitted)
	}
	if len(s.Scaler.Scale) != len(s.Scaler.Mean) {
		return fmt.Errorf("%w: scaler mean/scale length mismatch", mlerr.ErrInvalidArgument)
	}
	if len(s.FeatureColumns) != 0 && len(s.FeatureColumns) != s.Scaler.NumFeatures() {
		return fmt.Errorf("%w: %d feature columns for a %d-feature scaler",
			mlerr.ErrInvalidArgument, len(s.FeatureColumns), s.Scaler.NumFeatures())
	}
	for _, sc := range s.Scaler.Scale {
		if sc <= 0 {
			return fmt.Errorf("%w: non-positive scale", mlerr.ErrInvalidArgument)
		}
	}
	if len(slices.Compact(slices.Sorted(slices.Values(s.Labels.Classes)))) != len(s.Labels.Classes) {
		return fmt.Errorf("%w: duplicate class names", mlerr.ErrInvalidArgument)
	}
	return nil
}
