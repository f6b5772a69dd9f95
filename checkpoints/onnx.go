package checkpoints

import (
	"fmt"
	"io"
	"maps"
	"math"
	"os"
	"slices"
	"strings"

	"github.com/agrisense/agroml/layers"
	"github.com/agrisense/agroml/mlerr"
	"github.com/agrisense/agroml/tensor"
	"gonum.org/v1/gonum/mat"
)

const (
	onnxIRVersion = 7
	onnxOpset     = 13

	// OutputName is the graph output holding class probabilities.
	OutputName = "probabilities"
)

// ONNXExporter handles conversion of agroml checkpoints to ONNX format
type ONNXExporter struct {
	metadata map[string]string
}

// NewONNXExporter creates a new ONNX exporter
func NewONNXExporter() *ONNXExporter {
	return &ONNXExporter{metadata: map[string]string{}}
}

// SetMetadata records a key/value pair in the model's metadata_props.
func (oe *ONNXExporter) SetMetadata(key, value string) {
	oe.metadata[key] = value
}

// ExportToONNX converts a checkpoint to ONNX format and writes it to path
func (oe *ONNXExporter) ExportToONNX(checkpoint *Checkpoint, path string) error {
	model, err := oe.Build(checkpoint)
	if err != nil {
		return err
	}
	data, err := model.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal ONNX model: %w", err)
	}
	return writeFileAtomic(path, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// Build assembles the ONNX model for checkpoint without writing it.
func (oe *ONNXExporter) Build(checkpoint *Checkpoint) (*ModelProto, error) {
	graph, err := oe.buildONNXGraph(checkpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to build ONNX graph: %w", err)
	}
	model := &ModelProto{
		IrVersion:       onnxIRVersion,
		ProducerName:    Framework,
		ProducerVersion: Version,
		ModelVersion:    1,
		DocString:       checkpoint.Metadata.Description,
		Graph:           graph,
		OpsetImport:     []*OperatorSetIdProto{{Domain: "", Version: onnxOpset}},
	}
	for _, key := range slices.Sorted(maps.Keys(oe.metadata)) {
		model.MetadataProps = append(model.MetadataProps, &StringStringEntryProto{Key: key, Value: oe.metadata[key]})
	}
	return model, nil
}

// buildONNXGraph creates the computation graph. Dense layers become
// MatMul+Add with [in, out] weights, and a trailing Softmax turns logits into
// probabilities.
func (oe *ONNXExporter) buildONNXGraph(checkpoint *Checkpoint) (*GraphProto, error) {
	if checkpoint == nil || checkpoint.ModelSpec == nil {
		return nil, fmt.Errorf("checkpoint has no model spec: %w", mlerr.ErrUnfitted)
	}
	spec, err := checkpoint.ModelSpec.Recompile()
	if err != nil {
		return nil, err
	}

	weightMap := make(map[string]WeightTensor, len(checkpoint.Weights))
	for _, weight := range checkpoint.Weights {
		weightMap[weight.Name] = weight
	}

	graph := &GraphProto{Name: "agroml-classifier"}
	graph.Input = append(graph.Input, valueInfo("input", spec.InputShape))

	currentTensorName := "input"
	for _, layerSpec := range spec.Layers {
		var (
			nodes        []*NodeProto
			initializers []*TensorProto
		)
		switch layerSpec.Type {
		case layers.Dense:
			nodes, initializers, currentTensorName, err = oe.createDenseNode(layerSpec, weightMap, currentTensorName)
		case layers.ReLU:
			nodes, currentTensorName = oe.createReLUNode(layerSpec, currentTensorName)
		case layers.Dropout:
			nodes, initializers, currentTensorName = oe.createDropoutNode(layerSpec, currentTensorName)
		case layers.AvgPool2D:
			nodes, currentTensorName, err = oe.createAvgPoolNode(layerSpec, currentTensorName)
		default:
			err = fmt.Errorf("%w: unsupported layer type for ONNX export: %s", mlerr.ErrInvalidArgument, layerSpec.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create ONNX node for layer %s: %w", layerSpec.Name, err)
		}
		graph.Node = append(graph.Node, nodes...)
		graph.Initializer = append(graph.Initializer, initializers...)
	}

	graph.Node = append(graph.Node, &NodeProto{
		OpType:    "Softmax",
		Name:      "softmax",
		Input:     []string{currentTensorName},
		Output:    []string{OutputName},
		Attribute: []*AttributeProto{{Name: "axis", Type: AttributeInt, I: -1}},
	})
	graph.Output = append(graph.Output, valueInfo(OutputName, spec.OutputShape))
	return graph, nil
}

// createDenseNode creates MatMul (+ Add for the bias), preceded by a Flatten
// when the input still has spatial dimensions.
func (oe *ONNXExporter) createDenseNode(layerSpec layers.LayerSpec, weightMap map[string]WeightTensor, inputTensor string) ([]*NodeProto, []*TensorProto, string, error) {
	layerName := layerSpec.Name
	var nodes []*NodeProto

	if len(layerSpec.InputShape) > 2 {
		flattened := fmt.Sprintf("%s_flatten", layerName)
		nodes = append(nodes, &NodeProto{
			OpType:    "Flatten",
			Name:      flattened,
			Input:     []string{inputTensor},
			Output:    []string{flattened},
			Attribute: []*AttributeProto{{Name: "axis", Type: AttributeInt, I: 1}},
		})
		inputTensor = flattened
	}

	weightName := fmt.Sprintf("%s.weight", layerName)
	weight, ok := weightMap[weightName]
	if !ok {
		return nil, nil, "", fmt.Errorf("%w: weight tensor %s not found", mlerr.ErrInvalidArgument, weightName)
	}
	initializers := []*TensorProto{createTensorProto(weightName, weight.Shape, weight.Data)}

	useBias := layerSpec.BoolParam("use_bias", true)
	matmulOutput := fmt.Sprintf("%s_output", layerName)
	if useBias {
		matmulOutput = fmt.Sprintf("%s_matmul", layerName)
	}
	nodes = append(nodes, &NodeProto{
		OpType: "MatMul",
		Name:   layerName,
		Input:  []string{inputTensor, weightName},
		Output: []string{matmulOutput},
	})
	if !useBias {
		return nodes, initializers, matmulOutput, nil
	}

	biasName := fmt.Sprintf("%s.bias", layerName)
	bias, ok := weightMap[biasName]
	if !ok {
		return nil, nil, "", fmt.Errorf("%w: bias tensor %s not found", mlerr.ErrInvalidArgument, biasName)
	}
	initializers = append(initializers, createTensorProto(biasName, bias.Shape, bias.Data))
	finalOutput := fmt.Sprintf("%s_output", layerName)
	nodes = append(nodes, &NodeProto{
		OpType: "Add",
		Name:   fmt.Sprintf("%s_bias_add", layerName),
		Input:  []string{matmulOutput, biasName},
		Output: []string{finalOutput},
	})
	return nodes, initializers, finalOutput, nil
}

// createReLUNode creates ONNX Relu node
func (oe *ONNXExporter) createReLUNode(layerSpec layers.LayerSpec, inputTensor string) ([]*NodeProto, string) {
	outputTensor := fmt.Sprintf("%s_output", layerSpec.Name)
	return []*NodeProto{{
		OpType: "Relu",
		Name:   layerSpec.Name,
		Input:  []string{inputTensor},
		Output: []string{outputTensor},
	}}, outputTensor
}

// createDropoutNode creates an opset-13 Dropout, whose ratio is an input.
func (oe *ONNXExporter) createDropoutNode(layerSpec layers.LayerSpec, inputTensor string) ([]*NodeProto, []*TensorProto, string) {
	outputTensor := fmt.Sprintf("%s_output", layerSpec.Name)
	rate, _ := layerSpec.FloatParam("rate")
	ratioName := fmt.Sprintf("%s.ratio", layerSpec.Name)
	node := &NodeProto{
		OpType: "Dropout",
		Name:   layerSpec.Name,
		Input:  []string{inputTensor, ratioName},
		Output: []string{outputTensor},
	}
	return []*NodeProto{node}, []*TensorProto{createTensorProto(ratioName, nil, []float64{rate})}, outputTensor
}

// createAvgPoolNode creates an AveragePool with stride equal to the kernel.
func (oe *ONNXExporter) createAvgPoolNode(layerSpec layers.LayerSpec, inputTensor string) ([]*NodeProto, string, error) {
	k, ok := layerSpec.IntParam("kernel_size")
	if !ok {
		return nil, "", fmt.Errorf("%w: pooling layer without kernel_size", mlerr.ErrInvalidArgument)
	}
	outputTensor := fmt.Sprintf("%s_output", layerSpec.Name)
	return []*NodeProto{{
		OpType: "AveragePool",
		Name:   layerSpec.Name,
		Input:  []string{inputTensor},
		Output: []string{outputTensor},
		Attribute: []*AttributeProto{
			{Name: "kernel_shape", Type: AttributeInts, Ints: []int64{int64(k), int64(k)}},
			{Name: "strides", Type: AttributeInts, Ints: []int64{int64(k), int64(k)}},
		},
	}}, outputTensor, nil
}

// valueInfo describes a float tensor whose first dimension is the symbolic batch.
func valueInfo(name string, shape []int) *ValueInfoProto {
	dims := make([]*TensorShapeDimension, len(shape))
	for i, size := range shape {
		if i == 0 {
			dims[i] = &TensorShapeDimension{DimParam: "batch"}
			continue
		}
		dims[i] = &TensorShapeDimension{DimValue: int64(size)}
	}
	return &ValueInfoProto{
		Name: name,
		Type: &TypeProto{TensorType: &TensorTypeProto{
			ElemType: TensorFloat,
			Shape:    &TensorShapeProto{Dim: dims},
		}},
	}
}

// createTensorProto creates ONNX tensor initializer
func createTensorProto(name string, shape []int, data []float64) *TensorProto {
	dims := make([]int64, len(shape))
	for i, s := range shape {
		dims[i] = int64(s)
	}
	floats := make([]float32, len(data))
	for i, v := range data {
		floats[i] = float32(v)
	}
	return &TensorProto{
		Name:      name,
		DataType:  TensorFloat,
		Dims:      dims,
		FloatData: floats,
	}
}

// ONNXModel is a parsed ONNX file that can be evaluated directly.
type ONNXModel struct {
	Proto *ModelProto

	initializers map[string]value
}

type value struct {
	shape []int
	data  []float64
}

// ReadONNX parses an ONNX file written by ONNXExporter, or any graph using
// the same operator subset.
func ReadONNX(path string) (*ONNXModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ONNX file: %w", err)
	}
	return ParseONNX(data)
}

// ParseONNX decodes ONNX bytes.
func ParseONNX(data []byte) (*ONNXModel, error) {
	var model ModelProto
	if err := model.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	if model.Graph == nil || len(model.Graph.Input) == 0 || len(model.Graph.Output) == 0 {
		return nil, fmt.Errorf("%w: ONNX model has no graph inputs or outputs", mlerr.ErrInvalidArgument)
	}
	m := &ONNXModel{Proto: &model, initializers: make(map[string]value, len(model.Graph.Initializer))}
	for _, init := range model.Graph.Initializer {
		floats, err := init.Floats()
		if err != nil {
			return nil, err
		}
		shape := init.Shape()
		if len(floats) != tensor.NumElements(shape) {
			return nil, fmt.Errorf("%w: initializer %s has %d values for shape %v",
				mlerr.ErrInvalidArgument, init.Name, len(floats), shape)
		}
		data := make([]float64, len(floats))
		for i, f := range floats {
			data[i] = float64(f)
		}
		m.initializers[init.Name] = value{shape: shape, data: data}
	}
	return m, nil
}

// Metadata returns the model's metadata_props.
func (m *ONNXModel) Metadata() map[string]string {
	out := make(map[string]string, len(m.Proto.MetadataProps))
	for _, kv := range m.Proto.MetadataProps {
		out[kv.Key] = kv.Value
	}
	return out
}

// InputShape returns the per-sample input shape, without the batch dimension.
func (m *ONNXModel) InputShape() []int {
	return dimsOf(m.Proto.Graph.Input[0])[1:]
}

// Run evaluates the graph on a batch of flattened samples and returns the
// first graph output, one row per sample.
func (m *ONNXModel) Run(x *mat.Dense) (*mat.Dense, error) {
	rows, cols := x.Dims()
	inShape := m.InputShape()
	if cols != tensor.NumElements(inShape) {
		return nil, fmt.Errorf("%w: input has %d values per sample, model expects %v",
			mlerr.ErrInvalidArgument, cols, inShape)
	}
	data := make([]float64, 0, rows*cols)
	for i := range rows {
		data = append(data, x.RawRowView(i)...)
	}

	values := maps.Clone(m.initializers)
	values[m.Proto.Graph.Input[0].Name] = value{shape: append([]int{rows}, inShape...), data: data}
	for _, node := range m.Proto.Graph.Node {
		out, err := runNode(node, values)
		if err != nil {
			return nil, fmt.Errorf("node %s (%s): %w", node.Name, node.OpType, err)
		}
		values[node.Output[0]] = out
	}

	result, ok := values[m.Proto.Graph.Output[0].Name]
	if !ok {
		return nil, fmt.Errorf("%w: graph output %s never produced", mlerr.ErrInvalidArgument, m.Proto.Graph.Output[0].Name)
	}
	width := len(result.data) / rows
	return mat.NewDense(rows, width, result.data), nil
}

func runNode(node *NodeProto, values map[string]value) (value, error) {
	if len(node.Input) == 0 || len(node.Output) == 0 {
		return value{}, fmt.Errorf("%w: node without inputs or outputs", mlerr.ErrInvalidArgument)
	}
	in, ok := values[node.Input[0]]
	if !ok {
		return value{}, fmt.Errorf("%w: unknown input %s", mlerr.ErrInvalidArgument, node.Input[0])
	}
	switch node.OpType {
	case "MatMul":
		w, ok := values[node.Input[1]]
		if !ok || len(w.shape) != 2 || len(in.shape) != 2 || in.shape[1] != w.shape[0] {
			return value{}, fmt.Errorf("%w: MatMul operands %v x %v", mlerr.ErrInvalidArgument, in.shape, w.shape)
		}
		var out mat.Dense
		out.Mul(mat.NewDense(in.shape[0], in.shape[1], in.data), mat.NewDense(w.shape[0], w.shape[1], w.data))
		return value{shape: []int{in.shape[0], w.shape[1]}, data: out.RawMatrix().Data}, nil
	case "Add":
		b, ok := values[node.Input[1]]
		if !ok || len(b.data) == 0 || len(in.data)%len(b.data) != 0 {
			return value{}, fmt.Errorf("%w: Add cannot broadcast %v onto %v", mlerr.ErrInvalidArgument, b.shape, in.shape)
		}
		out := slices.Clone(in.data)
		for i := range out {
			out[i] += b.data[i%len(b.data)]
		}
		return value{shape: in.shape, data: out}, nil
	case "Relu":
		out := make([]float64, len(in.data))
		for i, v := range in.data {
			out[i] = max(v, 0)
		}
		return value{shape: in.shape, data: out}, nil
	case "Dropout", "Identity":
		return in, nil
	case "Flatten":
		axis := int(intAttr(node, "axis", 1))
		if axis < 0 {
			axis += len(in.shape)
		}
		outer := tensor.NumElements(in.shape[:axis])
		return value{shape: []int{outer, len(in.data) / max(outer, 1)}, data: in.data}, nil
	case "Softmax":
		width := in.shape[len(in.shape)-1]
		if width == 0 {
			return in, nil
		}
		out := make([]float64, 0, len(in.data))
		for start := 0; start < len(in.data); start += width {
			out = append(out, tensor.Softmax(in.data[start:start+width])...)
		}
		return value{shape: in.shape, data: out}, nil
	case "AveragePool":
		return averagePool(node, in)
	default:
		return value{}, fmt.Errorf("%w: unsupported operator %s", mlerr.ErrInvalidArgument, node.OpType)
	}
}

// averagePool handles 2D pooling without padding over [N, C, H, W].
func averagePool(node *NodeProto, in value) (value, error) {
	kernel := intsAttr(node, "kernel_shape")
	if len(in.shape) != 4 || len(kernel) != 2 {
		return value{}, fmt.Errorf("%w: AveragePool needs a 4D input and a 2D kernel", mlerr.ErrInvalidArgument)
	}
	strides := intsAttr(node, "strides")
	if len(strides) != 2 {
		strides = []int64{1, 1}
	}
	n, c, h, w := in.shape[0], in.shape[1], in.shape[2], in.shape[3]
	kh, kw, sh, sw := int(kernel[0]), int(kernel[1]), int(strides[0]), int(strides[1])
	oh, ow := (h-kh)/sh+1, (w-kw)/sw+1
	if kh <= 0 || kw <= 0 || sh <= 0 || sw <= 0 || oh <= 0 || ow <= 0 {
		return value{}, fmt.Errorf("%w: AveragePool kernel %v strides %v on %v", mlerr.ErrInvalidArgument, kernel, strides, in.shape)
	}
	out := make([]float64, n*c*oh*ow)
	norm := 1 / float64(kh*kw)
	for plane := range n * c {
		src := in.data[plane*h*w : (plane+1)*h*w]
		dst := out[plane*oh*ow : (plane+1)*oh*ow]
		for oy := range oh {
			for ox := range ow {
				var sum float64
				for y := oy * sh; y < oy*sh+kh; y++ {
					for x := ox * sw; x < ox*sw+kw; x++ {
						sum += src[y*w+x]
					}
				}
				dst[oy*ow+ox] = sum * norm
			}
		}
	}
	return value{shape: []int{n, c, oh, ow}, data: out}, nil
}

func intAttr(node *NodeProto, name string, def int64) int64 {
	for _, attr := range node.Attribute {
		if attr.Name == name {
			return attr.I
		}
	}
	return def
}

func intsAttr(node *NodeProto, name string) []int64 {
	for _, attr := range node.Attribute {
		if attr.Name == name {
			return attr.Ints
		}
	}
	return nil
}

func dimsOf(info *ValueInfoProto) []int {
	if info.Type == nil || info.Type.TensorType == nil || info.Type.TensorType.Shape == nil {
		return []int{1}
	}
	dims := info.Type.TensorType.Shape.Dim
	shape := make([]int, len(dims))
	for i, d := range dims {
		shape[i] = int(d.DimValue)
		if d.DimParam != "" || shape[i] <= 0 {
			shape[i] = 1
		}
	}
	return shape
}

// ONNXImporter handles importing ONNX models to agroml checkpoints
type ONNXImporter struct{}

// NewONNXImporter creates a new ONNX importer
func NewONNXImporter() *ONNXImporter {
	return &ONNXImporter{}
}

// ImportFromONNX converts an ONNX model to checkpoint format. The trailing
// Softmax is dropped since networks produce logits.
func (oi *ONNXImporter) ImportFromONNX(path string) (*Checkpoint, error) {
	model, err := ReadONNX(path)
	if err != nil {
		return nil, err
	}
	return oi.Convert(model)
}

// Convert rebuilds the layer list and weights of a parsed model.
func (oi *ONNXImporter) Convert(model *ONNXModel) (*Checkpoint, error) {
	graph := model.Proto.Graph
	mb := layers.NewModelBuilder(dimsOf(graph.Input[0]))
	var weightNames []string

	for i, node := range graph.Node {
		switch node.OpType {
		case "MatMul":
			if len(node.Input) < 2 {
				return nil, fmt.Errorf("%w: MatMul node %s needs two inputs", mlerr.ErrInvalidArgument, node.Name)
			}
			w, ok := model.initializers[node.Input[1]]
			if !ok || len(w.shape) != 2 {
				return nil, fmt.Errorf("%w: MatMul node %s: weight %s is not a 2D initializer",
					mlerr.ErrInvalidArgument, node.Name, node.Input[1])
			}
			useBias := false
			if i+1 < len(graph.Node) {
				next := graph.Node[i+1]
				if next.OpType == "Add" && len(next.Input) == 2 && next.Input[0] == node.Output[0] {
					if _, ok := model.initializers[next.Input[1]]; ok {
						useBias = true
						weightNames = append(weightNames, node.Input[1], next.Input[1])
					}
				}
			}
			if !useBias {
				weightNames = append(weightNames, node.Input[1])
			}
			mb.AddDense(w.shape[1], useBias, node.Name)
		case "Add":
			if i == 0 || graph.Node[i-1].OpType != "MatMul" {
				return nil, fmt.Errorf("%w: standalone Add node %s", mlerr.ErrInvalidArgument, node.Name)
			}
		case "Relu":
			mb.AddReLU(node.Name)
		case "Dropout":
			rate := 0.5
			if len(node.Input) > 1 {
				if r, ok := model.initializers[node.Input[1]]; ok && len(r.data) == 1 {
					rate = r.data[0]
				}
			}
			for _, attr := range node.Attribute {
				if attr.Name == "ratio" {
					rate = float64(attr.F)
				}
			}
			mb.AddDropout(rate, node.Name)
		case "AveragePool":
			kernel := intsAttr(node, "kernel_shape")
			strides := intsAttr(node, "strides")
			if len(kernel) != 2 || kernel[0] != kernel[1] || !slices.Equal(kernel, strides) {
				return nil, fmt.Errorf("%w: AveragePool node %s must use square kernels with matching strides",
					mlerr.ErrInvalidArgument, node.Name)
			}
			mb.AddAvgPool2D(int(kernel[0]), node.Name)
		case "Flatten", "Softmax", "Identity":
		default:
			return nil, fmt.Errorf("%w: unsupported ONNX operator %s", mlerr.ErrInvalidArgument, node.OpType)
		}
	}

	spec, err := mb.Compile()
	if err != nil {
		return nil, fmt.Errorf("failed to compile imported model: %w", err)
	}

	var weights []WeightTensor
	for i, name := range weightNames {
		v := model.initializers[name]
		if i < len(spec.ParameterShapes) && !slices.Equal(v.shape, spec.ParameterShapes[i]) {
			return nil, fmt.Errorf("%w: initializer %s has shape %v, layer expects %v",
				mlerr.ErrInvalidArgument, name, v.shape, spec.ParameterShapes[i])
		}
		layer, kind, _ := strings.Cut(name, ".")
		weights = append(weights, WeightTensor{
			Name:  name,
			Shape: slices.Clone(v.shape),
			Data:  slices.Clone(v.data),
			Layer: layer,
			Type:  kind,
		})
	}

	return &Checkpoint{
		ModelSpec: spec,
		Weights:   weights,
		Metadata: CheckpointMetadata{
			Version:     Version,
			Framework:   Framework,
			Description: fmt.Sprintf("Imported from ONNX (producer: %s)", model.Proto.ProducerName),
		},
	}, nil
}

// maxAbsDiff is the largest elementwise difference between two equally sized matrices.
func maxAbsDiff(a, b *mat.Dense) float64 {
	var d mat.Dense
	d.Sub(a, b)
	worst := 0.0
	for _, v := range d.RawMatrix().Data {
		worst = math.Max(worst, math.Abs(v))
	}
	return worst
}
