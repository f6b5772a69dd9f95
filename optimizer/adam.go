package optimizer

import (
	"math"

	"github.com/agrisense/agroml/tensor"
)

// AdamOptimizerState holds Adam hyperparameters and moment estimates.
type AdamOptimizerState struct {
	LearningRate float64
	Beta1        float64 // Momentum decay (typically 0.9)
	Beta2        float64 // Variance decay (typically 0.999)
	Epsilon      float64
	WeightDecay  float64 // L2 regularization coefficient

	momentum buffers
	variance buffers

	// Step tracking for bias correction
	StepCount uint64
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// NewAdamOptimizer creates a new Adam optimizer
func NewAdamOptimizer(config AdamConfig) *AdamOptimizerState {
	return &AdamOptimizerState{
		LearningRate: config.LearningRate,
		Beta1:        config.Beta1,
		Beta2:        config.Beta2,
		Epsilon:      config.Epsilon,
		WeightDecay:  config.WeightDecay,
	}
}

// Step performs a single Adam update with bias-corrected moments.
func (adam *AdamOptimizerState) Step(params []*tensor.Tensor) error {
	if err := checkGrads(params); err != nil {
		return err
	}
	if err := adam.momentum.ensure(params); err != nil {
		return err
	}
	if err := adam.variance.ensure(params); err != nil {
		return err
	}

	adam.StepCount++
	t := float64(adam.StepCount)
	bc1 := 1 - math.Pow(adam.Beta1, t)
	bc2 := 1 - math.Pow(adam.Beta2, t)

	for i, p := range params {
		m, v := adam.momentum[i], adam.variance[i]
		for j, g := range p.Grad {
			if adam.WeightDecay > 0 {
				g += adam.WeightDecay * p.Data[j]
			}
			m[j] = adam.Beta1*m[j] + (1-adam.Beta1)*g
			v[j] = adam.Beta2*v[j] + (1-adam.Beta2)*g*g
			p.Data[j] -= adam.LearningRate * (m[j] / bc1) / (math.Sqrt(v[j]/bc2) + adam.Epsilon)
		}
	}
	return nil
}

// GetState extracts optimizer state for checkpointing
func (adam *AdamOptimizerState) GetState() (*OptimizerState, error) {
	state := &OptimizerState{
		Type: "Adam",
		Parameters: map[string]interface{}{
			"learning_rate": adam.LearningRate,
			"beta1":         adam.Beta1,
			"beta2":         adam.Beta2,
			"epsilon":       adam.Epsilon,
			"weight_decay":  adam.WeightDecay,
			"step_count":    adam.StepCount,
		},
	}
	state.StateData = append(state.StateData, extractBufferState(adam.momentum, "momentum")...)
	state.StateData = append(state.StateData, extractBufferState(adam.variance, "variance")...)
	return state, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *AdamOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}
	momentum, err := restoreBufferState(state.StateData, "momentum")
	if err != nil {
		return err
	}
	variance, err := restoreBufferState(state.StateData, "variance")
	if err != nil {
		return err
	}

	adam.LearningRate = extractFloatParam(state.Parameters, "learning_rate", adam.LearningRate)
	adam.Beta1 = extractFloatParam(state.Parameters, "beta1", adam.Beta1)
	adam.Beta2 = extractFloatParam(state.Parameters, "beta2", adam.Beta2)
	adam.Epsilon = extractFloatParam(state.Parameters, "epsilon", adam.Epsilon)
	adam.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", adam.WeightDecay)
	adam.StepCount = extractUint64Param(state.Parameters, "step_count", 0)
	adam.momentum, adam.variance = momentum, variance
	return nil
}

// GetStepCount returns the current optimization step number
func (adam *AdamOptimizerState) GetStepCount() uint64 { return adam.StepCount }

// UpdateLearningRate updates the learning rate
func (adam *AdamOptimizerState) UpdateLearningRate(lr float64) { adam.LearningRate = lr }

// GetLearningRate returns the current learning rate
func (adam *AdamOptimizerState) GetLearningRate() float64 { return adam.LearningRate }

// Name returns "Adam".
func (adam *AdamOptimizerState) Name() string { return "Adam" }
