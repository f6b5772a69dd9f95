// Package optimizer implements the parameter update rules used by the
// training loop.
package optimizer

import (
	"fmt"
	"strings"

	"github.com/agrisense/agroml/mlerr"
	"github.com/agrisense/agroml/tensor"
)

// Optimizer defines the common interface for all optimizers.
// State save/restore supports resuming from a checkpoint.
type Optimizer interface {
	// Step applies one update using the gradients stored on params.
	// The same parameter list, in the same order, must be passed every step.
	Step(params []*tensor.Tensor) error

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float64)

	// GetLearningRate returns the current learning rate
	GetLearningRate() float64

	// Name identifies the algorithm, e.g. "Adam"
	Name() string
}

// OptimizerState represents the complete state of an optimizer
type OptimizerState struct {
	Type       string                 `json:"type"`
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []StateTensor          `json:"state_data"`
}

// StateTensor is one per-parameter buffer (momentum, variance, ...).
type StateTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float64 `json:"data"`
	StateType string    `json:"state_type"`
}

// New builds an optimizer by name with default hyperparameters and the given
// learning rate. Names are matched case-insensitively.
func New(name string, lr float64) (Optimizer, error) {
	if lr <= 0 {
		return nil, fmt.Errorf("%w: learning rate must be positive, got %v", mlerr.ErrInvalidArgument, lr)
	}
	switch strings.ToLower(name) {
	case "", "adam":
		cfg := DefaultAdamConfig()
		cfg.LearningRate = lr
		return NewAdamOptimizer(cfg), nil
	case "sgd":
		cfg := DefaultSGDConfig()
		cfg.LearningRate = lr
		return NewSGDOptimizer(cfg), nil
	case "rmsprop":
		cfg := DefaultRMSPropConfig()
		cfg.LearningRate = lr
		return NewRMSPropOptimizer(cfg), nil
	case "adagrad":
		cfg := DefaultAdaGradConfig()
		cfg.LearningRate = lr
		return NewAdaGradOptimizer(cfg), nil
	case "nadam":
		cfg := DefaultNadamConfig()
		cfg.LearningRate = lr
		return NewNadamOptimizer(cfg), nil
	default:
		return nil, fmt.Errorf("%w: unknown optimizer %q", mlerr.ErrInvalidArgument, name)
	}
}
