// Package tensor provides the flat float64 buffers shared by the engine,
// the optimizers and checkpoints.
package tensor

import (
	"fmt"
	"slices"

	"github.com/agrisense/agroml/mlerr"
)

// Tensor is a named, row-major buffer with an optional gradient of the same size.
type Tensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
	Grad  []float64 `json:"-"`
}

// New allocates a zeroed tensor with a gradient buffer.
func New(name string, shape ...int) *Tensor {
	n := NumElements(shape)
	return &Tensor{
		Name:  name,
		Shape: slices.Clone(shape),
		Data:  make([]float64, n),
		Grad:  make([]float64, n),
	}
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%s, shape=%v, elements=%d)", t.Name, t.Shape, len(t.Data))
}

// Size is the element count.
func (t *Tensor) Size() int { return len(t.Data) }

// ZeroGrad clears the gradient, allocating it if needed.
func (t *Tensor) ZeroGrad() {
	if len(t.Grad) != len(t.Data) {
		t.Grad = make([]float64, len(t.Data))
		return
	}
	clear(t.Grad)
}

// Clone deep-copies data and shape. The gradient is not carried over.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{Name: t.Name, Shape: slices.Clone(t.Shape), Data: slices.Clone(t.Data)}
}

// CopyFrom overwrites t's data with src's. Shapes must match.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if !slices.Equal(t.Shape, src.Shape) {
		return fmt.Errorf("%w: copy %s: shape %v into %v", mlerr.ErrInvalidArgument, t.Name, src.Shape, t.Shape)
	}
	copy(t.Data, src.Data)
	return nil
}

// NumElements is the product of shape.
func NumElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Snapshot deep-copies a parameter list.
func Snapshot(params []*Tensor) []*Tensor {
	out := make([]*Tensor, len(params))
	for i, p := range params {
		out[i] = p.Clone()
	}
	return out
}

// Restore copies saved values back into params, matching by position.
func Restore(params, saved []*Tensor) error {
	if len(params) != len(saved) {
		return fmt.Errorf("%w: restore %d tensors from %d", mlerr.ErrInvalidArgument, len(params), len(saved))
	}
	for i := range params {
		if err := params[i].CopyFrom(saved[i]); err != nil {
			return err
		}
	}
	return nil
}
