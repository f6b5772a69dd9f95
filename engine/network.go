// Package engine executes compiled layer specs on the CPU with gonum.
package engine

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/agrisense/agroml/layers"
	"github.com/agrisense/agroml/mlerr"
	"github.com/agrisense/agroml/tensor"
	"gonum.org/v1/gonum/mat"
)

// Network runs a compiled ModelSpec. Forward caches activations for Backward
// and is not safe for concurrent use; Infer is read-only and may be called
// concurrently once training has finished.
type Network struct {
	spec     *layers.ModelSpec
	layers   []layer
	params   []*tensor.Tensor
	caches   []any
	training bool
	rng      *rand.Rand
}

type layer interface {
	forward(x *mat.Dense, training bool, rng *rand.Rand) (*mat.Dense, any)
	backward(grad *mat.Dense, cache any) *mat.Dense
	parameters() []*tensor.Tensor
}

// New builds a network for spec with Xavier-uniform weights and zero biases,
// drawn from a generator seeded with seed.
func New(spec *layers.ModelSpec, seed uint64) (*Network, error) {
	n, err := build(spec, seed)
	if err != nil {
		return nil, err
	}
	initRng := rand.New(rand.NewPCG(seed, 0x5eed))
	for _, l := range n.layers {
		if d, ok := l.(*dense); ok {
			d.init(initRng)
		}
	}
	return n, nil
}

// FromParameters builds a network for spec and loads params into it, matching
// by position and shape.
func FromParameters(spec *layers.ModelSpec, params []*tensor.Tensor) (*Network, error) {
	n, err := build(spec, 0)
	if err != nil {
		return nil, err
	}
	if err := n.Restore(params); err != nil {
		return nil, err
	}
	return n, nil
}

func build(spec *layers.ModelSpec, seed uint64) (*Network, error) {
	if spec == nil || !spec.Compiled {
		return nil, fmt.Errorf("%w: model spec must be compiled", mlerr.ErrInvalidArgument)
	}
	n := &Network{
		spec:     spec,
		training: true,
		rng:      rand.New(rand.NewPCG(seed, 0xd20f)),
	}
	for i := range spec.Layers {
		ls := &spec.Layers[i]
		var l layer
		switch ls.Type {
		case layers.Dense:
			in, _ := ls.IntParam("input_size")
			out, _ := ls.IntParam("output_size")
			l = newDense(ls.Name, in, out, ls.BoolParam("use_bias", true))
		case layers.ReLU:
			l = relu{}
		case layers.Dropout:
			rate, _ := ls.FloatParam("rate")
			l = dropout{rate: rate}
		case layers.AvgPool2D:
			k, _ := ls.IntParam("kernel_size")
			l = avgPool{channels: ls.InputShape[1], height: ls.InputShape[2], width: ls.InputShape[3], kernel: k}
		default:
			return nil, fmt.Errorf("%w: unsupported layer %s", mlerr.ErrInvalidArgument, ls.Type)
		}
		n.layers = append(n.layers, l)
		n.params = append(n.params, l.parameters()...)
	}
	return n, nil
}

// Spec returns the compiled spec the network was built from.
func (n *Network) Spec() *layers.ModelSpec { return n.spec }

// InputSize is the flattened per-sample input width.
func (n *Network) InputSize() int { return n.spec.InputSize() }

// NumClasses is the logit width.
func (n *Network) NumClasses() int { return n.spec.NumClasses() }

// Parameters returns the live learnable tensors in layer order.
func (n *Network) Parameters() []*tensor.Tensor { return n.params }

// Train enables dropout.
func (n *Network) Train() { n.training = true }

// Eval disables dropout.
func (n *Network) Eval() { n.training = false }

// IsTraining reports the current mode.
func (n *Network) IsTraining() bool { return n.training }

// ZeroGrad clears every parameter gradient.
func (n *Network) ZeroGrad() {
	for _, p := range n.params {
		p.ZeroGrad()
	}
}

// Snapshot deep-copies the current parameters.
func (n *Network) Snapshot() []*tensor.Tensor { return tensor.Snapshot(n.params) }

// Restore loads saved parameters in place.
func (n *Network) Restore(saved []*tensor.Tensor) error { return tensor.Restore(n.params, saved) }

// Forward computes logits for a batch of flattened samples and caches the
// activations needed by Backward.
func (n *Network) Forward(x *mat.Dense) (*mat.Dense, error) {
	if err := n.checkInput(x); err != nil {
		return nil, err
	}
	n.caches = make([]any, len(n.layers))
	out := x
	for i, l := range n.layers {
		out, n.caches[i] = l.forward(out, n.training, n.rng)
	}
	return out, nil
}

// Backward accumulates parameter gradients for the loss gradient w.r.t. the
// logits of the last Forward call.
func (n *Network) Backward(gradLogits *mat.Dense) error {
	if n.caches == nil {
		return fmt.Errorf("%w: backward without forward", mlerr.ErrInvalidArgument)
	}
	grad := gradLogits
	for i := len(n.layers) - 1; i >= 0; i-- {
		grad = n.layers[i].backward(grad, n.caches[i])
	}
	n.caches = nil
	return nil
}

// Infer computes logits in evaluation mode without touching cached state.
func (n *Network) Infer(x *mat.Dense) (*mat.Dense, error) {
	if err := n.checkInput(x); err != nil {
		return nil, err
	}
	out := x
	for _, l := range n.layers {
		out, _ = l.forward(out, false, nil)
	}
	return out, nil
}

// Probabilities returns the softmax of one sample's logits.
func (n *Network) Probabilities(sample []float64) ([]float64, error) {
	if len(sample) != n.InputSize() {
		return nil, fmt.Errorf("%w: sample has %d values, model expects %d",
			mlerr.ErrInvalidArgument, len(sample), n.InputSize())
	}
	logits, err := n.Infer(mat.NewDense(1, len(sample), append([]float64(nil), sample...)))
	if err != nil {
		return nil, err
	}
	return tensor.Softmax(logits.RawRowView(0)), nil
}

func (n *Network) checkInput(x *mat.Dense) error {
	if x == nil {
		return fmt.Errorf("%w: nil input", mlerr.ErrInvalidArgument)
	}
	if _, c := x.Dims(); c != n.InputSize() {
		return fmt.Errorf("%w: input has %d features, model expects %d", mlerr.ErrInvalidArgument, c, n.InputSize())
	}
	return nil
}

type dense struct {
	w, b    *tensor.Tensor
	in, out int
}

func newDense(name string, in, out int, bias bool) *dense {
	d := &dense{w: tensor.New(name+".weight", in, out), in: in, out: out}
	if bias {
		d.b = tensor.New(name+".bias", out)
	}
	return d
}

func (d *dense) init(rng *rand.Rand) {
	limit := math.Sqrt(6 / float64(d.in+d.out))
	for i := range d.w.Data {
		d.w.Data[i] = (rng.Float64()*2 - 1) * limit
	}
}

func (d *dense) forward(x *mat.Dense, _ bool, _ *rand.Rand) (*mat.Dense, any) {
	rows, _ := x.Dims()
	out := mat.NewDense(rows, d.out, nil)
	out.Mul(x, mat.NewDense(d.in, d.out, d.w.Data))
	if d.b != nil {
		for i := range rows {
			row := out.RawRowView(i)
			for j, v := range d.b.Data {
				row[j] += v
			}
		}
	}
	return out, x
}

func (d *dense) backward(grad *mat.Dense, cache any) *mat.Dense {
	x := cache.(*mat.Dense)
	rows, _ := grad.Dims()

	var dw mat.Dense
	dw.Mul(x.T(), grad)
	gw := mat.NewDense(d.in, d.out, d.w.Grad)
	gw.Add(gw, &dw)

	if d.b != nil {
		for i := range rows {
			for j, v := range grad.RawRowView(i) {
				d.b.Grad[j] += v
			}
		}
	}

	dx := mat.NewDense(rows, d.in, nil)
	dx.Mul(grad, mat.NewDense(d.in, d.out, d.w.Data).T())
	return dx
}

func (d *dense) parameters() []*tensor.Tensor {
	if d.b == nil {
		return []*tensor.Tensor{d.w}
	}
	return []*tensor.Tensor{d.w, d.b}
}

type relu struct{}

func (relu) forward(x *mat.Dense, _ bool, _ *rand.Rand) (*mat.Dense, any) {
	var out mat.Dense
	out.Apply(func(_, _ int, v float64) float64 { return max(v, 0) }, x)
	return &out, x
}

func (relu) backward(grad *mat.Dense, cache any) *mat.Dense {
	x := cache.(*mat.Dense)
	var dx mat.Dense
	dx.Apply(func(i, j int, g float64) float64 {
		if x.At(i, j) > 0 {
			return g
		}
		return 0
	}, grad)
	return &dx
}

func (relu) parameters() []*tensor.Tensor { return nil }

type dropout struct {
	rate float64
}

func (d dropout) forward(x *mat.Dense, training bool, rng *rand.Rand) (*mat.Dense, any) {
	if !training || d.rate == 0 {
		return x, nil
	}
	r, c := x.Dims()
	keep := 1 - d.rate
	mask := mat.NewDense(r, c, nil)
	raw := mask.RawMatrix().Data
	for i := range raw {
		if rng.Float64() < keep {
			raw[i] = 1 / keep
		}
	}
	var out mat.Dense
	out.MulElem(x, mask)
	return &out, mask
}

func (d dropout) backward(grad *mat.Dense, cache any) *mat.Dense {
	if cache == nil {
		return grad
	}
	var dx mat.Dense
	dx.MulElem(grad, cache.(*mat.Dense))
	return &dx
}

func (dropout) parameters() []*tensor.Tensor { return nil }

// avgPool averages non-overlapping kernel×kernel windows of CHW rows.
type avgPool struct {
	channels, height, width, kernel int
}

func (p avgPool) outDims() (int, int) { return p.height / p.kernel, p.width / p.kernel }

func (p avgPool) forward(x *mat.Dense, _ bool, _ *rand.Rand) (*mat.Dense, any) {
	rows, _ := x.Dims()
	oh, ow := p.outDims()
	out := mat.NewDense(rows, p.channels*oh*ow, nil)
	norm := 1 / float64(p.kernel*p.kernel)
	for r := range rows {
		src, dst := x.RawRowView(r), out.RawRowView(r)
		for c := range p.channels {
			plane := src[c*p.height*p.width:]
			for y := range p.height {
				oy := y / p.kernel
				line := plane[y*p.width : (y+1)*p.width]
				base := c*oh*ow + oy*ow
				for xx, v := range line {
					dst[base+xx/p.kernel] += v * norm
				}
			}
		}
	}
	return out, nil
}

func (p avgPool) backward(grad *mat.Dense, _ any) *mat.Dense {
	rows, _ := grad.Dims()
	oh, ow := p.outDims()
	dx := mat.NewDense(rows, p.channels*p.height*p.width, nil)
	norm := 1 / float64(p.kernel*p.kernel)
	for r := range rows {
		src, dst := grad.RawRowView(r), dx.RawRowView(r)
		for c := range p.channels {
			for y := range p.height {
				base := c*oh*ow + (y/p.kernel)*ow
				line := dst[c*p.height*p.width+y*p.width:]
				for xx := range p.width {
					line[xx] = src[base+xx/p.kernel] * norm
				}
			}
		}
	}
	return dx
}

func (avgPool) parameters() []*tensor.Tensor { return nil }
