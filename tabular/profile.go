package tabular

import (
	_ "embed"
	"fmt"

	"github.com/agrisense/agroml/catalog"
	"github.com/agrisense/agroml/mlerr"
	yaml "gopkg.in/yaml.v3"
)

//go:embed profiles.yaml
var profilesYAML []byte

// FeatureProfile is the distribution of one feature for one class.
type FeatureProfile struct {
	Mean float64
	Std  float64
	Min  float64
	Max  float64
}

// Clamp limits v to [Min, Max].
func (fp FeatureProfile) Clamp(v float64) float64 {
	return min(max(v, fp.Min), fp.Max)
}

// Profile holds one FeatureProfile per entry of catalog.FeatureColumns.
type Profile []FeatureProfile

// ProfileSet maps class names to profiles with an explicit default.
type ProfileSet struct {
	Default Profile
	Classes map[string]Profile
}

// For returns the curated profile of class, or the default.
func (ps *ProfileSet) For(class string) Profile {
	if p, ok := ps.Classes[class]; ok {
		return p
	}
	return ps.Default
}

type profileDocument struct {
	Ranges  map[string][]float64            `yaml:"ranges"`
	Default map[string][]float64            `yaml:"default"`
	Classes map[string]map[string][]float64 `yaml:"classes"`
}

// DefaultProfiles returns the built-in profile set.
func DefaultProfiles() *ProfileSet {
	ps, err := ParseProfiles(profilesYAML)
	if err != nil {
		panic(fmt.Sprintf("tabular: embedded profiles: %v", err))
	}
	return ps
}

// ParseProfiles decodes a profile document. Every feature column needs a
// range and a default; curated classes may omit features, which then use the
// default distribution.
func ParseProfiles(buf []byte) (*ProfileSet, error) {
	var doc profileDocument
	if err := yaml.Unmarshal(buf, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse profiles: %v", mlerr.ErrInvalidArgument, err)
	}

	ps := &ProfileSet{Classes: make(map[string]Profile, len(doc.Classes))}
	def, err := buildProfile(doc.Ranges, doc.Default, nil)
	if err != nil {
		return nil, fmt.Errorf("default profile: %w", err)
	}
	ps.Default = def
	for class, features := range doc.Classes {
		p, err := buildProfile(doc.Ranges, features, def)
		if err != nil {
			return nil, fmt.Errorf("profile %s: %w", class, err)
		}
		ps.Classes[class] = p
	}
	return ps, nil
}

func buildProfile(ranges, dists map[string][]float64, fallback Profile) (Profile, error) {
	p := make(Profile, len(catalog.FeatureColumns))
	for i, col := range catalog.FeatureColumns {
		r, ok := ranges[col]
		if !ok || len(r) != 2 || r[0] > r[1] {
			return nil, fmt.Errorf("%w: range for %s must be [min, max]", mlerr.ErrInvalidArgument, col)
		}
		d, ok := dists[col]
		switch {
		case !ok && fallback != nil:
			p[i] = fallback[i]
			continue
		case !ok || len(d) != 2:
			return nil, fmt.Errorf("%w: %s must be [mean, std]", mlerr.ErrInvalidArgument, col)
		case d[1] < 0:
			return nil, fmt.Errorf("%w: %s has negative std", mlerr.ErrInvalidArgument, col)
		}
		p[i] = FeatureProfile{Mean: d[0], Std: d[1], Min: r[0], Max: r[1]}
	}
	return p, nil
}
