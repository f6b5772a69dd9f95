// Package checkpoints persists trained models: JSON and ONNX checkpoints,
// self-contained artifact bundles, and the export manager that writes them.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/agrisense/agroml/engine"
	"github.com/agrisense/agroml/layers"
	"github.com/agrisense/agroml/mlerr"
	"github.com/agrisense/agroml/optimizer"
	"github.com/agrisense/agroml/tensor"
)

// CheckpointFormat represents the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatONNX
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "json"
	case FormatONNX:
		return "onnx"
	default:
		return "unknown"
	}
}

// Checkpoint represents a saved model state
type Checkpoint struct {
	ModelSpec      *layers.ModelSpec         `json:"model_spec"`
	Weights        []WeightTensor            `json:"weights"`
	TrainingState  TrainingState             `json:"training_state"`
	OptimizerState *optimizer.OptimizerState `json:"optimizer_state,omitempty"`
	Metadata       CheckpointMetadata        `json:"metadata"`
}

// WeightTensor represents a serializable weight tensor
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight" or "bias"
}

// TrainingState captures where training was when the checkpoint was taken.
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         uint64  `json:"step"`
	LearningRate float64 `json:"learning_rate"`
	BestLoss     float64 `json:"best_loss"`
	BestAccuracy float64 `json:"best_accuracy"`
}

// CheckpointMetadata contains additional information
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// Framework and Version identify checkpoints written by this package.
const (
	Framework = "agroml"
	Version   = "1.0.0"
)

// NewCheckpoint captures params, which must be in the order the engine
// allocates them for spec.
func NewCheckpoint(spec *layers.ModelSpec, params []*tensor.Tensor, createdAt time.Time) (*Checkpoint, error) {
	weights, err := ExtractWeights(spec, params)
	if err != nil {
		return nil, err
	}
	return &Checkpoint{
		ModelSpec: spec,
		Weights:   weights,
		Metadata: CheckpointMetadata{
			Version:   Version,
			Framework: Framework,
			CreatedAt: createdAt.UTC(),
		},
	}, nil
}

// ExtractWeights pairs params with the dense layers of spec, checking every shape.
func ExtractWeights(spec *layers.ModelSpec, params []*tensor.Tensor) ([]WeightTensor, error) {
	if spec == nil {
		return nil, fmt.Errorf("%w: nil model spec", mlerr.ErrInvalidArgument)
	}
	var weights []WeightTensor
	paramIndex := 0
	for _, layerSpec := range spec.Layers {
		if layerSpec.Type != layers.Dense {
			continue
		}
		kinds := []string{"weight"}
		if layerSpec.BoolParam("use_bias", true) {
			kinds = append(kinds, "bias")
		}
		for i, kind := range kinds {
			if paramIndex >= len(params) {
				return nil, fmt.Errorf("%w: insufficient tensors for dense layer %s", mlerr.ErrInvalidArgument, layerSpec.Name)
			}
			p := params[paramIndex]
			if i < len(layerSpec.ParameterShapes) && !slices.Equal(p.Shape, layerSpec.ParameterShapes[i]) {
				return nil, fmt.Errorf("%w: %s.%s has shape %v, layer expects %v",
					mlerr.ErrInvalidArgument, layerSpec.Name, kind, p.Shape, layerSpec.ParameterShapes[i])
			}
			weights = append(weights, WeightTensor{
				Name:  fmt.Sprintf("%s.%s", layerSpec.Name, kind),
				Shape: slices.Clone(p.Shape),
				Data:  slices.Clone(p.Data),
				Layer: layerSpec.Name,
				Type:  kind,
			})
			paramIndex++
		}
	}
	if paramIndex != len(params) {
		return nil, fmt.Errorf("%w: %d tensors for %d dense parameters", mlerr.ErrInvalidArgument, len(params), paramIndex)
	}
	return weights, nil
}

// Tensors converts the stored weights back into parameter tensors.
func (c *Checkpoint) Tensors() []*tensor.Tensor {
	out := make([]*tensor.Tensor, len(c.Weights))
	for i, w := range c.Weights {
		t := tensor.New(w.Name, w.Shape...)
		copy(t.Data, w.Data)
		out[i] = t
	}
	return out
}

// Network rebuilds an inference-ready network from the checkpoint.
func (c *Checkpoint) Network() (*engine.Network, error) {
	if c.ModelSpec == nil {
		return nil, fmt.Errorf("checkpoint has no model spec: %w", mlerr.ErrUnfitted)
	}
	spec, err := c.ModelSpec.Recompile()
	if err != nil {
		return nil, fmt.Errorf("recompile model spec: %w", err)
	}
	for _, w := range c.Weights {
		if len(w.Data) != tensor.NumElements(w.Shape) {
			return nil, fmt.Errorf("%w: weight %s has %d values for shape %v",
				mlerr.ErrInvalidArgument, w.Name, len(w.Data), w.Shape)
		}
	}
	net, err := engine.FromParameters(spec, c.Tensors())
	if err != nil {
		return nil, err
	}
	net.Eval()
	return net, nil
}

// CheckpointSaver handles saving and loading checkpoints
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{format: format}
}

// SaveCheckpoint saves a checkpoint to path, replacing any previous file atomically.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	switch cs.format {
	case FormatJSON:
		return cs.saveJSON(checkpoint, path)
	case FormatONNX:
		return NewONNXExporter().ExportToONNX(checkpoint, path)
	default:
		return fmt.Errorf("%w: unsupported checkpoint format: %v", mlerr.ErrInvalidArgument, cs.format)
	}
}

// LoadCheckpoint loads a checkpoint from path
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		return cs.loadJSON(path)
	case FormatONNX:
		return NewONNXImporter().ImportFromONNX(path)
	default:
		return nil, fmt.Errorf("%w: unsupported checkpoint format: %v", mlerr.ErrInvalidArgument, cs.format)
	}
}

func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, path string) error {
	return writeJSON(path, checkpoint)
}

func (cs *CheckpointSaver) loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", path, err)
	}
	return &checkpoint, nil
}

func writeJSON(path string, v any) error {
	return writeFileAtomic(path, func(w io.Writer) error {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(v)
	})
}

// writeFileAtomic writes into a temporary sibling of path and renames it into
// place. The temporary file is removed on every failure path.
func writeFileAtomic(path string, write func(io.Writer) error) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err = write(tmp); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err = os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}
