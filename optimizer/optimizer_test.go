package optimizer

import (
	"encoding/json"
	"testing"

	"github.com/agrisense/agroml/mlerr"
	"github.com/agrisense/agroml/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// quadratic returns a parameter whose loss is 0.5*||x - target||^2.
func quadratic(start []float64) *tensor.Tensor {
	p := tensor.New("x", len(start))
	copy(p.Data, start)
	return p
}

func setGrad(p *tensor.Tensor, target []float64) {
	for i := range p.Data {
		p.Grad[i] = p.Data[i] - target[i]
	}
}

func TestOptimizersMinimizeQuadratic(t *testing.T) {
	target := []float64{1, -2, 0.5}
	for _, name := range []string{"adam", "sgd", "rmsprop", "adagrad", "nadam"} {
		t.Run(name, func(t *testing.T) {
			opt, err := New(name, 0.05)
			require.NoError(t, err)
			p := quadratic([]float64{0, 0, 0})
			for range 2000 {
				setGrad(p, target)
				require.NoError(t, opt.Step([]*tensor.Tensor{p}))
			}
			assert.InDeltaSlice(t, target, p.Data, 0.05)
			assert.Equal(t, uint64(2000), opt.GetStepCount())
		})
	}
}

func TestAdamFirstStepIsLearningRate(t *testing.T) {
	opt := NewAdamOptimizer(DefaultAdamConfig())
	p := quadratic([]float64{0, 0})
	p.Grad[0], p.Grad[1] = 3, -0.5
	require.NoError(t, opt.Step([]*tensor.Tensor{p}))
	// Bias correction makes the first update ±lr regardless of gradient scale.
	assert.InDelta(t, -0.001, p.Data[0], 1e-9)
	assert.InDelta(t, 0.001, p.Data[1], 1e-9)
}

func TestStateRoundTrip(t *testing.T) {
	for _, name := range []string{"adam", "sgd", "rmsprop", "adagrad", "nadam"} {
		t.Run(name, func(t *testing.T) {
			a, _ := New(name, 0.01)
			b, _ := New(name, 0.5)
			pa := quadratic([]float64{1, 2})
			for range 3 {
				setGrad(pa, []float64{0, 0})
				require.NoError(t, a.Step([]*tensor.Tensor{pa}))
			}

			state, err := a.GetState()
			require.NoError(t, err)
			buf, err := json.Marshal(state)
			require.NoError(t, err)
			var decoded OptimizerState
			require.NoError(t, json.Unmarshal(buf, &decoded))
			require.NoError(t, b.LoadState(&decoded))

			assert.Equal(t, a.GetStepCount(), b.GetStepCount())
			assert.Equal(t, a.GetLearningRate(), b.GetLearningRate())

			pb := pa.Clone()
			pb.Grad = make([]float64, 2)
			setGrad(pa, []float64{0, 0})
			setGrad(pb, []float64{0, 0})
			require.NoError(t, a.Step([]*tensor.Tensor{pa}))
			require.NoError(t, b.Step([]*tensor.Tensor{pb}))
			assert.InDeltaSlice(t, pa.Data, pb.Data, 1e-12)
		})
	}
}

func TestLoadStateTypeMismatch(t *testing.T) {
	sgd, _ := New("sgd", 0.1)
	state, _ := sgd.GetState()
	adam, _ := New("adam", 0.1)
	assert.ErrorIs(t, adam.LoadState(state), mlerr.ErrInvalidArgument)
	assert.ErrorIs(t, adam.LoadState(nil), mlerr.ErrInvalidArgument)
}

func TestStepValidation(t *testing.T) {
	opt, _ := New("adam", 0.1)
	p := quadratic([]float64{1})
	require.NoError(t, opt.Step([]*tensor.Tensor{p}))

	assert.ErrorIs(t, opt.Step([]*tensor.Tensor{p, quadratic([]float64{1})}), mlerr.ErrInvalidArgument)
	p.Grad = nil
	assert.ErrorIs(t, opt.Step([]*tensor.Tensor{p}), mlerr.ErrInvalidArgument)
}

func TestNewRejects(t *testing.T) {
	_, err := New("lbfgs", 0.1)
	assert.ErrorIs(t, err, mlerr.ErrInvalidArgument)
	_, err = New("adam", 0)
	assert.ErrorIs(t, err, mlerr.ErrInvalidArgument)
}

func TestUpdateLearningRate(t *testing.T) {
	opt, _ := New("adam", 0.1)
	opt.UpdateLearningRate(0.02)
	assert.Equal(t, 0.02, opt.GetLearningRate())
	assert.Equal(t, "Adam", opt.Name())
}

func TestExtractBufferIndex(t *testing.T) {
	assert.Equal(t, 3, extractBufferIndex("squared_grad_avg_3"))
	assert.Equal(t, -1, extractBufferIndex("momentum"))
	assert.Equal(t, -1, extractBufferIndex("momentum_x"))
}
