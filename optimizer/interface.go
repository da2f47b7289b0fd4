package optimizer

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/go-mtb/checkpoints"
	"github.com/tsawler/go-mtb/nn"
)

// Optimizer defines the common interface for all optimizers.
// Parameters that do not require gradients, or carry no gradient, are
// skipped by Step.
type Optimizer interface {
	// Step applies one update using the gradients accumulated on the parameters.
	Step() error

	// ZeroGrad clears the gradients of every managed parameter.
	ZeroGrad()

	// GetState extracts optimizer state for checkpointing.
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from a checkpoint.
	LoadState(state *OptimizerState) error

	GetStepCount() uint64

	UpdateLearningRate(lr float32)

	GetLearningRate() float32
}

// OptimizerState is the serializable optimizer state stored in checkpoints.
type OptimizerState = checkpoints.OptimizerState

// New builds the optimizer selected by name ("adam" or "sgd").
func New(name string, params []*nn.Parameter, lr float32) (Optimizer, error) {
	switch strings.ToLower(name) {
	case "adam", "":
		cfg := DefaultAdamConfig()
		cfg.LearningRate = lr
		return NewAdamOptimizer(cfg, params)
	case "sgd":
		cfg := DefaultSGDConfig()
		cfg.LearningRate = lr
		return NewSGDOptimizer(cfg, params)
	default:
		return nil, errors.Errorf("unknown optimizer %q", name)
	}
}

// extractBufferIndex extracts the buffer index from state tensor names like "momentum_0", "variance_1"
func extractBufferIndex(name string) int {
	lastUnderscoreIdx := strings.LastIndex(name, "_")
	if lastUnderscoreIdx == -1 {
		return -1
	}

	var idx int
	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return errors.New("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return errors.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

func zeroGrads(params []*nn.Parameter) {
	for _, p := range params {
		p.Value.ZeroGrad()
	}
}
