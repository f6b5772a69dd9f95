package optimizer

import (
	"math"

	"github.com/agrisense/agroml/tensor"
)

// RMSPropOptimizerState scales updates by a running average of squared gradients.
type RMSPropOptimizerState struct {
	LearningRate float64
	Alpha        float64 // Smoothing constant
	Epsilon      float64
	WeightDecay  float64
	Momentum     float64

	squaredGradAvg buffers
	momentum       buffers
	StepCount      uint64
}

// RMSPropConfig holds configuration for RMSProp optimizer
type RMSPropConfig struct {
	LearningRate float64
	Alpha        float64
	Epsilon      float64
	WeightDecay  float64
	Momentum     float64
}

// DefaultRMSPropConfig returns default RMSProp optimizer configuration
func DefaultRMSPropConfig() RMSPropConfig {
	return RMSPropConfig{
		LearningRate: 0.01,
		Alpha:        0.99,
		Epsilon:      1e-8,
	}
}

// NewRMSPropOptimizer creates a new RMSProp optimizer
func NewRMSPropOptimizer(config RMSPropConfig) *RMSPropOptimizerState {
	return &RMSPropOptimizerState{
		LearningRate: config.LearningRate,
		Alpha:        config.Alpha,
		Epsilon:      config.Epsilon,
		WeightDecay:  config.WeightDecay,
		Momentum:     config.Momentum,
	}
}

// Step performs a single RMSProp update
func (rms *RMSPropOptimizerState) Step(params []*tensor.Tensor) error {
	if err := checkGrads(params); err != nil {
		return err
	}
	if err := rms.squaredGradAvg.ensure(params); err != nil {
		return err
	}
	if err := rms.momentum.ensure(params); err != nil {
		return err
	}
	rms.StepCount++

	for i, p := range params {
		sq, mom := rms.squaredGradAvg[i], rms.momentum[i]
		for j, g := range p.Grad {
			if rms.WeightDecay > 0 {
				g += rms.WeightDecay * p.Data[j]
			}
			sq[j] = rms.Alpha*sq[j] + (1-rms.Alpha)*g*g
			update := g / (math.Sqrt(sq[j]) + rms.Epsilon)
			if rms.Momentum > 0 {
				mom[j] = rms.Momentum*mom[j] + update
				update = mom[j]
			}
			p.Data[j] -= rms.LearningRate * update
		}
	}
	return nil
}

// GetState extracts optimizer state for checkpointing
func (rms *RMSPropOptimizerState) GetState() (*OptimizerState, error) {
	state := &OptimizerState{
		Type: "RMSProp",
		Parameters: map[string]interface{}{
			"learning_rate": rms.LearningRate,
			"alpha":         rms.Alpha,
			"epsilon":       rms.Epsilon,
			"weight_decay":  rms.WeightDecay,
			"momentum":      rms.Momentum,
			"step_count":    rms.StepCount,
		},
	}
	state.StateData = append(state.StateData, extractBufferState(rms.squaredGradAvg, "squared_grad_avg")...)
	state.StateData = append(state.StateData, extractBufferState(rms.momentum, "momentum")...)
	return state, nil
}

// LoadState restores optimizer state from checkpoint
func (rms *RMSPropOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("RMSProp", state); err != nil {
		return err
	}
	sq, err := restoreBufferState(state.StateData, "squared_grad_avg")
	if err != nil {
		return err
	}
	mom, err := restoreBufferState(state.StateData, "momentum")
	if err != nil {
		return err
	}
	rms.LearningRate = extractFloatParam(state.Parameters, "learning_rate", rms.LearningRate)
	rms.Alpha = extractFloatParam(state.Parameters, "alpha", rms.Alpha)
	rms.Epsilon = extractFloatParam(state.Parameters, "epsilon", rms.Epsilon)
	rms.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", rms.WeightDecay)
	rms.Momentum = extractFloatParam(state.Parameters, "momentum", rms.Momentum)
	rms.StepCount = extractUint64Param(state.Parameters, "step_count", 0)
	rms.squaredGradAvg, rms.momentum = sq, mom
	return nil
}

// GetStepCount returns the current optimization step number
func (rms *RMSPropOptimizerState) GetStepCount() uint64 { return rms.StepCount }

// UpdateLearningRate updates the learning rate
func (rms *RMSPropOptimizerState) UpdateLearningRate(lr float64) { rms.LearningRate = lr }

// GetLearningRate returns the current learning rate
func (rms *RMSPropOptimizerState) GetLearningRate() float64 { return rms.LearningRate }

// Name returns "RMSProp".
func (rms *RMSPropOptimizerState) Name() string { return "RMSProp" }
