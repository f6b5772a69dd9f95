// Package config loads agroml's YAML configuration over built-in defaults.
package config

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/agrisense/agroml/mlerr"
	yaml "gopkg.in/yaml.v3"
)

// Export format names accepted in export.formats.
const (
	FormatBundle      = "bundle"
	FormatONNX        = "onnx"
	FormatTFLite      = "tflite"
	FormatTorchScript = "torchscript"
)

// Scheduler type names accepted in scheduler.type.
const (
	SchedulerPlateau     = "plateau"
	SchedulerStep        = "step"
	SchedulerExponential = "exponential"
	SchedulerCosine      = "cosine"
	SchedulerConstant    = "constant"
)

// Config is the root document.
type Config struct {
	Seed    uint64        `yaml:"seed"`
	Crop    CropConfig    `yaml:"crop"`
	Disease DiseaseConfig `yaml:"disease"`
	Export  ExportConfig  `yaml:"export"`
	Log     LogConfig     `yaml:"log"`
}

// TrainingConfig holds the knobs shared by both tasks.
type TrainingConfig struct {
	Samples         int                 `yaml:"samples"`
	Epochs          int                 `yaml:"epochs"`
	BatchSize       int                 `yaml:"batch_size"`
	ValidationSplit float64             `yaml:"validation_split"`
	TestSplit       float64             `yaml:"test_split"`
	LearningRate    float64             `yaml:"learning_rate"`
	Optimizer       string              `yaml:"optimizer"`
	HiddenUnits     []int               `yaml:"hidden_units"`
	Dropout         []float64           `yaml:"dropout"`
	Scheduler       SchedulerConfig     `yaml:"scheduler"`
	EarlyStopping   EarlyStoppingConfig `yaml:"early_stopping"`
}

// CropConfig configures the tabular crop recommender.
type CropConfig struct {
	TrainingConfig `yaml:",inline"`
}

// DiseaseConfig configures the leaf image disease detector.
type DiseaseConfig struct {
	TrainingConfig   `yaml:",inline"`
	ImageSize        int  `yaml:"image_size"`
	ResizeSize       int  `yaml:"resize_size"`
	PoolSize         int  `yaml:"pool_size"`
	ConditionOnLabel bool `yaml:"condition_on_label"`
	Workers          int  `yaml:"workers"`
}

// SchedulerConfig selects and parameterizes the learning-rate policy.
type SchedulerConfig struct {
	Type            string  `yaml:"type"`
	Factor          float64 `yaml:"factor"`
	Patience        int     `yaml:"patience"`
	Threshold       float64 `yaml:"threshold"`
	MinLearningRate float64 `yaml:"min_learning_rate"`
	StepSize        int     `yaml:"step_size"`
	Gamma           float64 `yaml:"gamma"`
	TMax            int     `yaml:"t_max"`
}

// EarlyStoppingConfig controls when training halts on a stalled validation loss.
type EarlyStoppingConfig struct {
	Patience int     `yaml:"patience"`
	MinDelta float64 `yaml:"min_delta"`
}

// ConverterConfig describes an external export command. "{input}" and
// "{output}" in Command are substituted at export time.
type ConverterConfig struct {
	Command []string `yaml:"command"`
}

// ExportConfig configures the export manager.
type ExportConfig struct {
	Dir        string                     `yaml:"dir"`
	Formats    []string                   `yaml:"formats"`
	Converters map[string]ConverterConfig `yaml:"converters"`
}

// LogConfig controls diagnostic output.
type LogConfig struct {
	Verbose bool `yaml:"verbose"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Seed: 42,
		Crop: CropConfig{TrainingConfig: TrainingConfig{
			Samples:         10000,
			Epochs:          50,
			BatchSize:       32,
			ValidationSplit: 0.2,
			TestSplit:       0.2,
			LearningRate:    0.001,
			Optimizer:       "adam",
			HiddenUnits:     []int{128, 64, 32},
			Dropout:         []float64{0.3, 0.2, 0},
			Scheduler: SchedulerConfig{
				Type:            SchedulerPlateau,
				Factor:          0.2,
				Patience:        5,
				MinLearningRate: 1e-5,
			},
			EarlyStopping: EarlyStoppingConfig{Patience: 10},
		}},
		Disease: DiseaseConfig{
			TrainingConfig: TrainingConfig{
				Samples:         5000,
				Epochs:          20,
				BatchSize:       16,
				ValidationSplit: 0.2,
				TestSplit:       0.2,
				LearningRate:    0.001,
				Optimizer:       "adam",
				HiddenUnits:     []int{512},
				Dropout:         []float64{0.5},
				Scheduler: SchedulerConfig{
					Type:     SchedulerPlateau,
					Factor:   0.2,
					Patience: 5,
				},
				EarlyStopping: EarlyStoppingConfig{Patience: 10},
			},
			ImageSize:  224,
			ResizeSize: 256,
			PoolSize:   28,
			Workers:    4,
		},
		Export: ExportConfig{
			Dir:     "saved_models",
			Formats: []string{FormatBundle, FormatONNX, FormatTFLite, FormatTorchScript},
			Converters: map[string]ConverterConfig{
				FormatTFLite:      {Command: []string{"onnx2tf", "-i", "{input}", "-o", "{output}"}},
				FormatTorchScript: {},
			},
		},
	}
}

// Load reads path and overlays it on Default. The result is validated.
func Load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(buf)
}

// Parse overlays a YAML document on Default and validates the result.
func Parse(buf []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse config: %v", mlerr.ErrInvalidArgument, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first inconsistency found, wrapping mlerr.ErrInvalidArgument.
func (c *Config) Validate() error {
	if err := c.Crop.validate("crop"); err != nil {
		return err
	}
	if err := c.Disease.validate("disease"); err != nil {
		return err
	}
	if c.Disease.ImageSize <= 0 || c.Disease.ResizeSize < c.Disease.ImageSize {
		return fmt.Errorf("%w: disease.resize_size (%d) must be >= image_size (%d) > 0",
			mlerr.ErrInvalidArgument, c.Disease.ResizeSize, c.Disease.ImageSize)
	}
	if c.Disease.PoolSize <= 0 || c.Disease.ImageSize%c.Disease.PoolSize != 0 {
		return fmt.Errorf("%w: disease.pool_size %d must divide image_size %d",
			mlerr.ErrInvalidArgument, c.Disease.PoolSize, c.Disease.ImageSize)
	}
	known := []string{FormatBundle, FormatONNX, FormatTFLite, FormatTorchScript}
	for _, f := range c.Export.Formats {
		if !slices.Contains(known, f) {
			return fmt.Errorf("%w: unknown export format %q", mlerr.ErrInvalidArgument, f)
		}
	}
	return nil
}

func (t *TrainingConfig) validate(section string) error {
	switch {
	case t.Samples <= 0:
		return fmt.Errorf("%w: %s.samples must be positive", mlerr.ErrInvalidArgument, section)
	case t.Epochs <= 0:
		return fmt.Errorf("%w: %s.epochs must be positive", mlerr.ErrInvalidArgument, section)
	case t.BatchSize <= 0:
		return fmt.Errorf("%w: %s.batch_size must be positive", mlerr.ErrInvalidArgument, section)
	case t.ValidationSplit <= 0 || t.ValidationSplit >= 1:
		return fmt.Errorf("%w: %s.validation_split must be in (0,1)", mlerr.ErrInvalidArgument, section)
	case t.TestSplit <= 0 || t.TestSplit >= 1:
		return fmt.Errorf("%w: %s.test_split must be in (0,1)", mlerr.ErrInvalidArgument, section)
	case t.LearningRate <= 0:
		return fmt.Errorf("%w: %s.learning_rate must be positive", mlerr.ErrInvalidArgument, section)
	case len(t.Dropout) != 0 && len(t.Dropout) != len(t.HiddenUnits):
		return fmt.Errorf("%w: %s.dropout needs one rate per hidden layer", mlerr.ErrInvalidArgument, section)
	}
	for _, r := range t.Dropout {
		if r < 0 || r >= 1 {
			return fmt.Errorf("%w: %s.dropout rate %v outside [0,1)", mlerr.ErrInvalidArgument, section, r)
		}
	}
	switch strings.ToLower(t.Optimizer) {
	case "", "adam", "sgd", "rmsprop", "adagrad", "nadam":
	default:
		return fmt.Errorf("%w: %s.optimizer %q", mlerr.ErrInvalidArgument, section, t.Optimizer)
	}
	switch t.Scheduler.Type {
	case SchedulerPlateau, SchedulerStep, SchedulerExponential, SchedulerCosine, SchedulerConstant, "":
	default:
		return fmt.Errorf("%w: %s.scheduler.type %q", mlerr.ErrInvalidArgument, section, t.Scheduler.Type)
	}
	return nil
}
