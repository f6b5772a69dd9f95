package optimizer

import (
	"math"

	"github.com/agrisense/agroml/tensor"
)

// AdaGradOptimizerState adapts per-parameter rates by accumulated squared gradients.
type AdaGradOptimizerState struct {
	LearningRate float64
	Epsilon      float64
	WeightDecay  float64

	sumSquared buffers
	StepCount  uint64
}

// AdaGradConfig holds configuration for AdaGrad optimizer
type AdaGradConfig struct {
	LearningRate float64 // Learning rate
	Epsilon      float64 // Small constant for numerical stability
	WeightDecay  float64 // L2 regularization strength
}

// DefaultAdaGradConfig returns default AdaGrad optimizer configuration
func DefaultAdaGradConfig() AdaGradConfig {
	return AdaGradConfig{
		LearningRate: 0.01,
		Epsilon:      1e-10,
	}
}

// NewAdaGradOptimizer creates a new AdaGrad optimizer
func NewAdaGradOptimizer(config AdaGradConfig) *AdaGradOptimizerState {
	return &AdaGradOptimizerState{
		LearningRate: config.LearningRate,
		Epsilon:      config.Epsilon,
		WeightDecay:  config.WeightDecay,
	}
}

// Step performs a single AdaGrad update
func (ada *AdaGradOptimizerState) Step(params []*tensor.Tensor) error {
	if err := checkGrads(params); err != nil {
		return err
	}
	if err := ada.sumSquared.ensure(params); err != nil {
		return err
	}
	ada.StepCount++

	for i, p := range params {
		acc := ada.sumSquared[i]
		for j, g := range p.Grad {
			if ada.WeightDecay > 0 {
				g += ada.WeightDecay * p.Data[j]
			}
			acc[j] += g * g
			p.Data[j] -= ada.LearningRate * g / (math.Sqrt(acc[j]) + ada.Epsilon)
		}
	}
	return nil
}

// GetState extracts optimizer state for checkpointing
func (ada *AdaGradOptimizerState) GetState() (*OptimizerState, error) {
	return &OptimizerState{
		Type: "AdaGrad",
		Parameters: map[string]interface{}{
			"learning_rate": ada.LearningRate,
			"epsilon":       ada.Epsilon,
			"weight_decay":  ada.WeightDecay,
			"step_count":    ada.StepCount,
		},
		StateData: extractBufferState(ada.sumSquared, "squared_grad_sum"),
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (ada *AdaGradOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("AdaGrad", state); err != nil {
		return err
	}
	acc, err := restoreBufferState(state.StateData, "squared_grad_sum")
	if err != nil {
		return err
	}
	ada.LearningRate = extractFloatParam(state.Parameters, "learning_rate", ada.LearningRate)
	ada.Epsilon = extractFloatParam(state.Parameters, "epsilon", ada.Epsilon)
	ada.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", ada.WeightDecay)
	ada.StepCount = extractUint64Param(state.Parameters, "step_count", 0)
	ada.sumSquared = acc
	return nil
}

// GetStepCount returns the current optimization step number
func (ada *AdaGradOptimizerState) GetStepCount() uint64 { return ada.StepCount }

// UpdateLearningRate updates the learning rate
func (ada *AdaGradOptimizerState) UpdateLearningRate(lr float64) { ada.LearningRate = lr }

// GetLearningRate returns the current learning rate
func (ada *AdaGradOptimizerState) GetLearningRate() float64 { return ada.LearningRate }

// Name returns "AdaGrad".
func (ada *AdaGradOptimizerState) Name() string { return "AdaGrad" }
