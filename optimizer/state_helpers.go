package optimizer

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/tsawler/go-mtb/checkpoints"
)

// Common helper functions for optimizer state management

// extractBufferState copies one state buffer into a checkpoint tensor.
func extractBufferState(buffer []float32, shape []int, name string, stateType string) *checkpoints.OptimizerTensor {
	if buffer == nil {
		return nil
	}
	return &checkpoints.OptimizerTensor{
		Name:      name,
		Shape:     append([]int(nil), shape...),
		Data:      append([]float32(nil), buffer...),
		StateType: stateType,
	}
}

// restoreBufferState validates a checkpoint tensor against the expected size
// and returns a private copy of its data.
func restoreBufferState(tensor checkpoints.OptimizerTensor, expectedElements int) ([]float32, error) {
	if len(tensor.Data) != expectedElements {
		return nil, errors.Errorf("data size mismatch for %s: expected %d elements, got %d",
			tensor.Name, expectedElements, len(tensor.Data))
	}
	return append([]float32(nil), tensor.Data...), nil
}

// stateIndex resolves the parameter index encoded in a state tensor name.
func stateIndex(name string, numParams int) (int, error) {
	idx := extractBufferIndex(name)
	if idx < 0 || idx >= numParams {
		return 0, errors.Errorf("invalid buffer index in tensor name: %s", name)
	}
	return idx, nil
}

func bufferName(stateType string, idx int) string {
	return fmt.Sprintf("%s_%d", stateType, idx)
}

// extractFloat32Param safely extracts a float32 parameter from the state map.
// Values decoded from JSON or protobuf arrive as float64.
func extractFloat32Param(params map[string]interface{}, key string, defaultValue float32) float32 {
	switch val := params[key].(type) {
	case float64:
		return float32(val)
	case float32:
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

// extractUint64Param safely extracts a counter from the state map
func extractUint64Param(params map[string]interface{}, key string, defaultValue uint64) uint64 {
	switch val := params[key].(type) {
	case float64:
		if val >= 0 {
			return uint64(val)
		}
	case uint64:
		return val
	case int:
		if val >= 0 {
			return uint64(val)
		}
	case int64:
		if val >= 0 {
			return uint64(val)
		}
	}
	return defaultValue
}
