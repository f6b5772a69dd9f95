package optimizer

import (
	"fmt"
	"slices"

	"github.com/agrisense/agroml/mlerr"
	"github.com/agrisense/agroml/tensor"
)

// buffers holds one state slice per parameter, allocated on first use.
type buffers [][]float64

func (b *buffers) ensure(params []*tensor.Tensor) error {
	if *b == nil {
		*b = make(buffers, len(params))
		for i, p := range params {
			(*b)[i] = make([]float64, p.Size())
		}
		return nil
	}
	if len(*b) != len(params) {
		return fmt.Errorf("%w: optimizer built for %d parameters, got %d", mlerr.ErrInvalidArgument, len(*b), len(params))
	}
	for i, p := range params {
		if len((*b)[i]) != p.Size() {
			return fmt.Errorf("%w: parameter %s changed size", mlerr.ErrInvalidArgument, p.Name)
		}
	}
	return nil
}

func checkGrads(params []*tensor.Tensor) error {
	for _, p := range params {
		if len(p.Grad) != len(p.Data) {
			return fmt.Errorf("%w: parameter %s has no gradient", mlerr.ErrInvalidArgument, p.Name)
		}
	}
	return nil
}

// extractBufferState copies buffers into named state tensors
func extractBufferState(b buffers, stateType string) []StateTensor {
	out := make([]StateTensor, len(b))
	for i, data := range b {
		out[i] = StateTensor{
			Name:      fmt.Sprintf("%s_%d", stateType, i),
			Shape:     []int{len(data)},
			Data:      slices.Clone(data),
			StateType: stateType,
		}
	}
	return out
}

// restoreBufferState rebuilds buffers of one state type, ordered by their index suffix
func restoreBufferState(data []StateTensor, stateType string) (buffers, error) {
	var out buffers
	for _, st := range data {
		if st.StateType != stateType {
			continue
		}
		idx := extractBufferIndex(st.Name)
		if idx != len(out) {
			return nil, fmt.Errorf("%w: %s state %q out of order", mlerr.ErrInvalidArgument, stateType, st.Name)
		}
		out = append(out, slices.Clone(st.Data))
	}
	return out, nil
}

// extractBufferIndex extracts the buffer index from state tensor names like "momentum_0", "variance_1", "squared_grad_avg_0"
func extractBufferIndex(name string) int {
	var idx int
	lastUnderscoreIdx := -1
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '_' {
			lastUnderscoreIdx = i
			break
		}
	}
	if lastUnderscoreIdx == -1 {
		return -1
	}
	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return fmt.Errorf("%w: nil optimizer state", mlerr.ErrInvalidArgument)
	}
	if state.Type != optimizerType {
		return fmt.Errorf("%w: state type mismatch: expected %s, got %s", mlerr.ErrInvalidArgument, optimizerType, state.Type)
	}
	return nil
}

// extractFloatParam safely extracts a float parameter from the state map
func extractFloatParam(params map[string]interface{}, key string, defaultValue float64) float64 {
	if val, ok := params[key].(float64); ok {
		return val
	}
	return defaultValue
}

// extractBoolParam safely extracts a bool parameter from the state map
func extractBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := params[key].(bool); ok {
		return val
	}
	return defaultValue
}

// extractUint64Param safely extracts a uint64 parameter from the state map
func extractUint64Param(params map[string]interface{}, key string, defaultValue uint64) uint64 {
	switch val := params[key].(type) {
	case float64:
		return uint64(val)
	case uint64:
		return val
	}
	return defaultValue
}
