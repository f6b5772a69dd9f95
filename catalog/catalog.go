// Package catalog defines the fixed class sets and the per-class metadata used
// to enrich predictions.
package catalog

import (
	_ "embed"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	yaml "gopkg.in/yaml.v3"
)

// FeatureColumns is the column order of every tabular feature vector.
var FeatureColumns = []string{"N", "P", "K", "temperature", "humidity", "ph", "rainfall"}

var cropClasses = []string{
	"rice", "maize", "chickpea", "kidneybeans", "pigeonpeas", "mothbeans",
	"mungbean", "blackgram", "lentil", "pomegranate", "banana", "mango",
	"grapes", "watermelon", "muskmelon", "apple", "orange", "papaya",
	"coconut", "cotton", "jute", "coffee",
}

var diseaseClasses = []string{
	"bacterial_leaf_spot", "early_blight", "late_blight", "leaf_mold",
	"powdery_mildew", "septoria_leaf_spot", "spider_mites", "target_spot",
	"tomato_mosaic_virus", "yellow_leaf_curl_virus", "healthy",
}

// HealthyClass is the disease class that carries no treatment.
const HealthyClass = "healthy"

// CropClasses returns the crop class set in canonical order.
func CropClasses() []string { return slices.Clone(cropClasses) }

// DiseaseClasses returns the disease class set in canonical order.
func DiseaseClasses() []string { return slices.Clone(diseaseClasses) }

// NumFeatures is the width of a tabular sample.
func NumFeatures() int { return len(FeatureColumns) }

//go:embed crops.yaml
var cropsYAML []byte

//go:embed diseases.yaml
var diseasesYAML []byte

// Treatments groups remedies by kind.
type Treatments struct {
	Chemical   []string `json:"chemical" yaml:"chemical"`
	Organic    []string `json:"organic" yaml:"organic"`
	Preventive []string `json:"preventive" yaml:"preventive"`
}

// ClassInfo is the metadata attached to a predicted class.
type ClassInfo struct {
	Severity    string     `json:"severity" yaml:"severity"`
	Description string     `json:"description" yaml:"description"`
	Symptoms    []string   `json:"symptoms,omitempty" yaml:"symptoms"`
	Causes      []string   `json:"causes,omitempty" yaml:"causes"`
	Treatments  Treatments `json:"treatments" yaml:"treatments"`
	Fertilizer  string     `json:"fertilizer,omitempty" yaml:"fertilizer"`
	Practices   []string   `json:"practices,omitempty" yaml:"practices"`
}

// Clone returns a deep copy.
func (ci ClassInfo) Clone() ClassInfo {
	out := ci
	out.Symptoms = slices.Clone(ci.Symptoms)
	out.Causes = slices.Clone(ci.Causes)
	out.Practices = slices.Clone(ci.Practices)
	out.Treatments = Treatments{
		Chemical:   slices.Clone(ci.Treatments.Chemical),
		Organic:    slices.Clone(ci.Treatments.Organic),
		Preventive: slices.Clone(ci.Treatments.Preventive),
	}
	return out
}

type document struct {
	Default ClassInfo            `yaml:"default"`
	Classes map[string]ClassInfo `yaml:"classes"`
}

// Catalog maps class names to metadata. The zero value has no curated entries
// and an empty default. A Catalog is read-only after construction.
type Catalog struct {
	fallback ClassInfo
	entries  map[string]ClassInfo
}

// Crops returns the built-in crop catalog.
func Crops() *Catalog { return mustParse(cropsYAML) }

// Diseases returns the built-in disease catalog.
func Diseases() *Catalog { return mustParse(diseasesYAML) }

func mustParse(buf []byte) *Catalog {
	c, err := Parse(buf)
	if err != nil {
		panic(fmt.Sprintf("catalog: embedded metadata: %v", err))
	}
	return c
}

// Parse reads a catalog document with a "default" entry and a "classes" map.
func Parse(buf []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(buf, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return New(doc.Default, doc.Classes), nil
}

// New builds a catalog from a fallback template and curated entries. Both are copied.
func New(fallback ClassInfo, entries map[string]ClassInfo) *Catalog {
	c := &Catalog{fallback: fallback.Clone(), entries: make(map[string]ClassInfo, len(entries))}
	for name, info := range entries {
		c.entries[name] = info.Clone()
	}
	return c
}

// Curated reports whether name has an explicit entry.
func (c *Catalog) Curated(name string) bool {
	_, ok := c.entries[name]
	return ok
}

// Lookup returns a copy of the metadata for name. Unknown names get the
// fallback entry with "{{name}}" and "{{title}}" expanded.
func (c *Catalog) Lookup(name string) ClassInfo {
	if info, ok := c.entries[name]; ok {
		return info.Clone()
	}
	r := strings.NewReplacer("{{name}}", name, "{{title}}", DisplayName(name))
	info := c.fallback.Clone()
	info.Description = r.Replace(info.Description)
	for _, list := range [][]string{info.Symptoms, info.Causes, info.Practices} {
		for i := range list {
			list[i] = r.Replace(list[i])
		}
	}
	return info
}

// Complete materializes an entry for every class, in class order.
func (c *Catalog) Complete(classes []string) map[string]ClassInfo {
	out := make(map[string]ClassInfo, len(classes))
	for _, name := range classes {
		out[name] = c.Lookup(name)
	}
	return out
}

// DisplayName turns "early_blight" into "Early Blight".
func DisplayName(name string) string {
	return cases.Title(language.English).String(strings.ReplaceAll(name, "_", " "))
}
