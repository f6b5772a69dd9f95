package layers

import (
	"fmt"
	"strings"

	"github.com/agrisense/agroml/mlerr"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	ReLU
	Dropout
	AvgPool2D
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case ReLU:
		return "ReLU"
	case Dropout:
		return "Dropout"
	case AvgPool2D:
		return "AvgPool2D"
	default:
		return "Unknown"
	}
}

// LayerSpec defines layer configuration. It carries no execution logic; the
// engine package runs compiled specs.
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Shape information (computed during model compilation)
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// IntParam reads an integer parameter. JSON decoding turns ints into float64,
// so both are accepted.
func (ls *LayerSpec) IntParam(key string) (int, bool) {
	switch v := ls.Parameters[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// FloatParam reads a float parameter.
func (ls *LayerSpec) FloatParam(key string) (float64, bool) {
	switch v := ls.Parameters[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

// BoolParam reads a boolean parameter with a default.
func (ls *LayerSpec) BoolParam(key string, def bool) bool {
	if v, ok := ls.Parameters[key].(bool); ok {
		return v
	}
	return def
}

// ModelSpec defines a complete neural network model as layer configuration.
// Shapes carry a leading batch dimension; executors accept any batch size.
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	// Compiled model information
	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Compiled        bool    `json:"compiled"`
}

// InputSize is the flattened per-sample input width.
func (ms *ModelSpec) InputSize() int {
	return product(ms.InputShape[1:])
}

// NumClasses is the width of the output layer.
func (ms *ModelSpec) NumClasses() int {
	return ms.OutputShape[len(ms.OutputShape)-1]
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Model Summary:\n")
	fmt.Fprintf(&b, "Input Shape: %v\n", ms.InputShape)
	fmt.Fprintf(&b, "Output Shape: %v\n", ms.OutputShape)
	fmt.Fprintf(&b, "Total Parameters: %d\n", ms.TotalParameters)
	fmt.Fprintf(&b, "Layers: %d\n\n", len(ms.Layers))

	for i, layer := range ms.Layers {
		fmt.Fprintf(&b, "Layer %d: %s (%s)\n", i+1, layer.Name, layer.Type.String())
		fmt.Fprintf(&b, "  Input:  %v\n", layer.InputShape)
		fmt.Fprintf(&b, "  Output: %v\n", layer.OutputShape)
		fmt.Fprintf(&b, "  Params: %d\n", layer.ParameterCount)
		if len(layer.Parameters) > 0 {
			fmt.Fprintf(&b, "  Config: %v\n", layer.Parameters)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Recompile rebuilds shape information from the layer list, for specs that
// were decoded from disk.
func (ms *ModelSpec) Recompile() (*ModelSpec, error) {
	mb := NewModelBuilder(ms.InputShape)
	for _, l := range ms.Layers {
		params := make(map[string]interface{}, len(l.Parameters))
		for k, v := range l.Parameters {
			params[k] = v
		}
		mb.AddLayer(LayerSpec{Type: l.Type, Name: l.Name, Parameters: params})
	}
	return mb.Compile()
}

// ModelBuilder helps construct neural network models
type ModelBuilder struct {
	inputShape []int
	layers     []LayerSpec
}

// NewModelBuilder creates a new model builder. inputShape includes the batch
// dimension, e.g. [32, 7] or [16, 3, 224, 224].
func NewModelBuilder(inputShape []int) *ModelBuilder {
	return &ModelBuilder{inputShape: append([]int(nil), inputShape...)}
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	mb.layers = append(mb.layers, layer)
	return mb
}

// AddDense adds a dense layer. Inputs of rank > 2 are flattened.
func (mb *ModelBuilder) AddDense(outputSize int, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Dense,
		Name: name,
		Parameters: map[string]interface{}{
			"output_size": outputSize,
			"use_bias":    useBias,
		},
	})
}

// AddReLU adds a ReLU activation to the model
func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: ReLU, Name: name, Parameters: map[string]interface{}{}})
}

// AddDropout adds inverted dropout; rate is the drop probability during training.
func (mb *ModelBuilder) AddDropout(rate float64, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:       Dropout,
		Name:       name,
		Parameters: map[string]interface{}{"rate": rate},
	})
}

// AddAvgPool2D adds non-overlapping average pooling over [C, H, W] inputs.
func (mb *ModelBuilder) AddAvgPool2D(kernelSize int, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:       AvgPool2D,
		Name:       name,
		Parameters: map[string]interface{}{"kernel_size": kernelSize},
	})
}

// Compile compiles the model and computes shapes and parameter counts
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("%w: cannot compile empty model", mlerr.ErrInvalidArgument)
	}
	if len(mb.inputShape) < 2 || product(mb.inputShape) <= 0 {
		return nil, fmt.Errorf("%w: input shape %v needs a batch and a feature dimension",
			mlerr.ErrInvalidArgument, mb.inputShape)
	}

	model := &ModelSpec{
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: append([]int(nil), mb.inputShape...),
	}
	copy(model.Layers, mb.layers)

	currentShape := model.InputShape
	var allParameterShapes [][]int
	totalParams := int64(0)

	for i := range model.Layers {
		layer := &model.Layers[i]
		if layer.Parameters == nil {
			layer.Parameters = map[string]interface{}{}
		}
		layer.InputShape = append([]int(nil), currentShape...)

		outputShape, paramShapes, paramCount, err := computeLayerInfo(layer, currentShape)
		if err != nil {
			return nil, fmt.Errorf("failed to compute layer %d (%s) info: %w", i, layer.Name, err)
		}

		layer.OutputShape = outputShape
		layer.ParameterShapes = paramShapes
		layer.ParameterCount = paramCount

		allParameterShapes = append(allParameterShapes, paramShapes...)
		totalParams += paramCount
		currentShape = outputShape
	}

	model.OutputShape = currentShape
	model.ParameterShapes = allParameterShapes
	model.TotalParameters = totalParams
	model.Compiled = true
	return model, nil
}

func computeLayerInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	switch layer.Type {
	case Dense:
		return computeDenseInfo(layer, inputShape)
	case AvgPool2D:
		return computePoolInfo(layer, inputShape)
	case Dropout:
		rate, _ := layer.FloatParam("rate")
		if rate < 0 || rate >= 1 {
			return nil, nil, 0, fmt.Errorf("%w: dropout rate %v outside [0,1)", mlerr.ErrInvalidArgument, rate)
		}
		return append([]int(nil), inputShape...), nil, 0, nil
	case ReLU:
		return append([]int(nil), inputShape...), nil, 0, nil
	default:
		return nil, nil, 0, fmt.Errorf("%w: unsupported layer type %s", mlerr.ErrInvalidArgument, layer.Type)
	}
}

func computeDenseInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	outputSize, ok := layer.IntParam("output_size")
	if !ok || outputSize <= 0 {
		return nil, nil, 0, fmt.Errorf("%w: missing or invalid output_size", mlerr.ErrInvalidArgument)
	}
	useBias := layer.BoolParam("use_bias", true)

	// Flatten all dimensions except batch
	inputSize := product(inputShape[1:])
	layer.Parameters["input_size"] = inputSize

	paramShapes := [][]int{{inputSize, outputSize}}
	paramCount := int64(inputSize * outputSize)
	if useBias {
		paramShapes = append(paramShapes, []int{outputSize})
		paramCount += int64(outputSize)
	}
	return []int{inputShape[0], outputSize}, paramShapes, paramCount, nil
}

func computePoolInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, 0, fmt.Errorf("%w: AvgPool2D requires [batch, channels, height, width] input, got %v",
			mlerr.ErrInvalidArgument, inputShape)
	}
	k, ok := layer.IntParam("kernel_size")
	if !ok || k <= 0 {
		return nil, nil, 0, fmt.Errorf("%w: missing or invalid kernel_size", mlerr.ErrInvalidArgument)
	}
	h, w := inputShape[2], inputShape[3]
	if h%k != 0 || w%k != 0 {
		return nil, nil, 0, fmt.Errorf("%w: kernel %d does not tile %dx%d", mlerr.ErrInvalidArgument, k, h, w)
	}
	return []int{inputShape[0], inputShape[1], h / k, w / k}, nil, 0, nil
}

func product(dims []int) int {
	p := 1
	for _, d := range dims {
		p *= d
	}
	return p
}
