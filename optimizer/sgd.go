package optimizer

import "github.com/agrisense/agroml/tensor"

// SGDOptimizerState is stochastic gradient descent with optional momentum.
type SGDOptimizerState struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Nesterov     bool

	velocity  buffers
	StepCount uint64
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.9,
	}
}

// NewSGDOptimizer creates a new SGD optimizer
func NewSGDOptimizer(config SGDConfig) *SGDOptimizerState {
	return &SGDOptimizerState{
		LearningRate: config.LearningRate,
		Momentum:     config.Momentum,
		WeightDecay:  config.WeightDecay,
		Nesterov:     config.Nesterov,
	}
}

// Step performs a single SGD update
func (sgd *SGDOptimizerState) Step(params []*tensor.Tensor) error {
	if err := checkGrads(params); err != nil {
		return err
	}
	if err := sgd.velocity.ensure(params); err != nil {
		return err
	}
	sgd.StepCount++

	for i, p := range params {
		vel := sgd.velocity[i]
		for j, g := range p.Grad {
			if sgd.WeightDecay > 0 {
				g += sgd.WeightDecay * p.Data[j]
			}
			if sgd.Momentum == 0 {
				p.Data[j] -= sgd.LearningRate * g
				continue
			}
			vel[j] = sgd.Momentum*vel[j] + g
			if sgd.Nesterov {
				g += sgd.Momentum * vel[j]
			} else {
				g = vel[j]
			}
			p.Data[j] -= sgd.LearningRate * g
		}
	}
	return nil
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGDOptimizerState) GetState() (*OptimizerState, error) {
	return &OptimizerState{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"learning_rate": sgd.LearningRate,
			"momentum":      sgd.Momentum,
			"weight_decay":  sgd.WeightDecay,
			"nesterov":      sgd.Nesterov,
			"step_count":    sgd.StepCount,
		},
		StateData: extractBufferState(sgd.velocity, "momentum"),
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGDOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}
	velocity, err := restoreBufferState(state.StateData, "momentum")
	if err != nil {
		return err
	}
	sgd.LearningRate = extractFloatParam(state.Parameters, "learning_rate", sgd.LearningRate)
	sgd.Momentum = extractFloatParam(state.Parameters, "momentum", sgd.Momentum)
	sgd.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", sgd.WeightDecay)
	sgd.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.Nesterov)
	sgd.StepCount = extractUint64Param(state.Parameters, "step_count", 0)
	sgd.velocity = velocity
	return nil
}

// GetStepCount returns the current optimization step number
func (sgd *SGDOptimizerState) GetStepCount() uint64 { return sgd.StepCount }

// UpdateLearningRate updates the learning rate
func (sgd *SGDOptimizerState) UpdateLearningRate(lr float64) { sgd.LearningRate = lr }

// GetLearningRate returns the current learning rate
func (sgd *SGDOptimizerState) GetLearningRate() float64 { return sgd.LearningRate }

// Name returns "SGD".
func (sgd *SGDOptimizerState) Name() string { return "SGD" }
