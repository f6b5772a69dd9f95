package optimizer

import (
	"math"

	"github.com/agrisense/agroml/tensor"
)

// NadamOptimizerState is Adam with Nesterov momentum.
type NadamOptimizerState struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64

	momentum  buffers
	variance  buffers
	StepCount uint64
}

// NadamConfig holds configuration for Nadam optimizer
type NadamConfig struct {
	LearningRate float64 // Base learning rate (typically 0.002)
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultNadamConfig returns default Nadam optimizer configuration
func DefaultNadamConfig() NadamConfig {
	return NadamConfig{
		LearningRate: 0.002,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
	}
}

// NewNadamOptimizer creates a new Nadam optimizer
func NewNadamOptimizer(config NadamConfig) *NadamOptimizerState {
	return &NadamOptimizerState{
		LearningRate: config.LearningRate,
		Beta1:        config.Beta1,
		Beta2:        config.Beta2,
		Epsilon:      config.Epsilon,
		WeightDecay:  config.WeightDecay,
	}
}

// Step performs a single Nadam update
func (n *NadamOptimizerState) Step(params []*tensor.Tensor) error {
	if err := checkGrads(params); err != nil {
		return err
	}
	if err := n.momentum.ensure(params); err != nil {
		return err
	}
	if err := n.variance.ensure(params); err != nil {
		return err
	}
	n.StepCount++
	t := float64(n.StepCount)
	bc1 := 1 - math.Pow(n.Beta1, t)
	bc1Next := 1 - math.Pow(n.Beta1, t+1)
	bc2 := 1 - math.Pow(n.Beta2, t)

	for i, p := range params {
		m, v := n.momentum[i], n.variance[i]
		for j, g := range p.Grad {
			if n.WeightDecay > 0 {
				g += n.WeightDecay * p.Data[j]
			}
			m[j] = n.Beta1*m[j] + (1-n.Beta1)*g
			v[j] = n.Beta2*v[j] + (1-n.Beta2)*g*g
			mHat := n.Beta1*m[j]/bc1Next + (1-n.Beta1)*g/bc1
			p.Data[j] -= n.LearningRate * mHat / (math.Sqrt(v[j]/bc2) + n.Epsilon)
		}
	}
	return nil
}

// GetState extracts optimizer state for checkpointing
func (n *NadamOptimizerState) GetState() (*OptimizerState, error) {
	state := &OptimizerState{
		Type: "Nadam",
		Parameters: map[string]interface{}{
			"learning_rate": n.LearningRate,
			"beta1":         n.Beta1,
			"beta2":         n.Beta2,
			"epsilon":       n.Epsilon,
			"weight_decay":  n.WeightDecay,
			"step_count":    n.StepCount,
		},
	}
	state.StateData = append(state.StateData, extractBufferState(n.momentum, "momentum")...)
	state.StateData = append(state.StateData, extractBufferState(n.variance, "variance")...)
	return state, nil
}

// LoadState restores optimizer state from checkpoint
func (n *NadamOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("Nadam", state); err != nil {
		return err
	}
	m, err := restoreBufferState(state.StateData, "momentum")
	if err != nil {
		return err
	}
	v, err := restoreBufferState(state.StateData, "variance")
	if err != nil {
		return err
	}
	n.LearningRate = extractFloatParam(state.Parameters, "learning_rate", n.LearningRate)
	n.Beta1 = extractFloatParam(state.Parameters, "beta1", n.Beta1)
	n.Beta2 = extractFloatParam(state.Parameters, "beta2", n.Beta2)
	n.Epsilon = extractFloatParam(state.Parameters, "epsilon", n.Epsilon)
	n.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", n.WeightDecay)
	n.StepCount = extractUint64Param(state.Parameters, "step_count", 0)
	n.momentum, n.variance = m, v
	return nil
}

// GetStepCount returns the current optimization step number
func (n *NadamOptimizerState) GetStepCount() uint64 { return n.StepCount }

// UpdateLearningRate updates the learning rate
func (n *NadamOptimizerState) UpdateLearningRate(lr float64) { n.LearningRate = lr }

// GetLearningRate returns the current learning rate
func (n *NadamOptimizerState) GetLearningRate() float64 { return n.LearningRate }

// Name returns "Nadam".
func (n *NadamOptimizerState) Name() string { return "Nadam" }
