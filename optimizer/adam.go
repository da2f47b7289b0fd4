package optimizer

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/go-mtb/checkpoints"
	"github.com/tsawler/go-mtb/nn"
)

// AdamOptimizerState holds Adam hyperparameters and per-parameter moments.
type AdamOptimizerState struct {
	LearningRate float32
	Beta1        float32 // Momentum decay (typically 0.9)
	Beta2        float32 // Variance decay (typically 0.999)
	Epsilon      float32
	WeightDecay  float32 // L2 regularization coefficient

	MomentumBuffers [][]float32 // First moment, lazily allocated per parameter
	VarianceBuffers [][]float32 // Second moment, lazily allocated per parameter

	// Step tracking for bias correction
	StepCount uint64

	params []*nn.Parameter
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
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

// NewAdamOptimizer creates an Adam optimizer over params. Every parameter is
// managed; frozen ones are simply never updated.
func NewAdamOptimizer(config AdamConfig, params []*nn.Parameter) (*AdamOptimizerState, error) {
	if len(params) == 0 {
		return nil, errors.New("no parameters provided")
	}
	if config.LearningRate <= 0 {
		return nil, errors.Errorf("learning rate must be positive, got %v", config.LearningRate)
	}

	return &AdamOptimizerState{
		LearningRate:    config.LearningRate,
		Beta1:           config.Beta1,
		Beta2:           config.Beta2,
		Epsilon:         config.Epsilon,
		WeightDecay:     config.WeightDecay,
		MomentumBuffers: make([][]float32, len(params)),
		VarianceBuffers: make([][]float32, len(params)),
		params:          params,
	}, nil
}

// Step performs a single Adam optimization step
func (adam *AdamOptimizerState) Step() error {
	adam.StepCount++

	bias1 := 1 - math.Pow(float64(adam.Beta1), float64(adam.StepCount))
	bias2 := 1 - math.Pow(float64(adam.Beta2), float64(adam.StepCount))
	stepSize := float64(adam.LearningRate) / bias1
	bias2Sqrt := math.Sqrt(bias2)

	for i, p := range adam.params {
		if !p.Value.RequiresGrad() || p.Value.Grad() == nil {
			continue
		}
		w, err := p.Value.GetFloat32Data()
		if err != nil {
			return errors.Wrapf(err, "parameter %s", p.Name)
		}
		g, err := p.Value.Grad().GetFloat32Data()
		if err != nil {
			return errors.Wrapf(err, "gradient of %s", p.Name)
		}
		if len(g) != len(w) {
			return errors.Errorf("gradient of %s has %d elements, parameter has %d", p.Name, len(g), len(w))
		}

		if adam.MomentumBuffers[i] == nil {
			adam.MomentumBuffers[i] = make([]float32, len(w))
			adam.VarianceBuffers[i] = make([]float32, len(w))
		}
		m, v := adam.MomentumBuffers[i], adam.VarianceBuffers[i]

		for j := range w {
			grad := g[j]
			if adam.WeightDecay != 0 {
				grad += adam.WeightDecay * w[j]
			}
			m[j] = adam.Beta1*m[j] + (1-adam.Beta1)*grad
			v[j] = adam.Beta2*v[j] + (1-adam.Beta2)*grad*grad
			denom := math.Sqrt(float64(v[j]))/bias2Sqrt + float64(adam.Epsilon)
			w[j] -= float32(stepSize * float64(m[j]) / denom)
		}
	}
	return nil
}

func (adam *AdamOptimizerState) ZeroGrad() {
	zeroGrads(adam.params)
}

// UpdateLearningRate updates the learning rate
func (adam *AdamOptimizerState) UpdateLearningRate(newLR float32) {
	adam.LearningRate = newLR
}

func (adam *AdamOptimizerState) GetLearningRate() float32 {
	return adam.LearningRate
}

func (adam *AdamOptimizerState) GetStepCount() uint64 {
	return adam.StepCount
}

// GetState extracts optimizer state for checkpointing
func (adam *AdamOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, len(adam.params)*2)

	for i, p := range adam.params {
		if t := extractBufferState(adam.MomentumBuffers[i], p.Value.Shape, bufferName("momentum", i), "momentum"); t != nil {
			stateData = append(stateData, *t)
		}
		if t := extractBufferState(adam.VarianceBuffers[i], p.Value.Shape, bufferName("variance", i), "variance"); t != nil {
			stateData = append(stateData, *t)
		}
	}

	return &OptimizerState{
		Type: "Adam",
		Parameters: map[string]interface{}{
			"learning_rate": float64(adam.LearningRate),
			"beta1":         float64(adam.Beta1),
			"beta2":         float64(adam.Beta2),
			"epsilon":       float64(adam.Epsilon),
			"weight_decay":  float64(adam.WeightDecay),
			"step_count":    float64(adam.StepCount),
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *AdamOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	adam.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", adam.LearningRate)
	adam.Beta1 = extractFloat32Param(state.Parameters, "beta1", adam.Beta1)
	adam.Beta2 = extractFloat32Param(state.Parameters, "beta2", adam.Beta2)
	adam.Epsilon = extractFloat32Param(state.Parameters, "epsilon", adam.Epsilon)
	adam.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", adam.WeightDecay)
	adam.StepCount = extractUint64Param(state.Parameters, "step_count", adam.StepCount)

	momentum := make([][]float32, len(adam.params))
	variance := make([][]float32, len(adam.params))
	for _, tensor := range state.StateData {
		idx, err := stateIndex(tensor.Name, len(adam.params))
		if err != nil {
			return err
		}
		data, err := restoreBufferState(tensor, adam.params[idx].Value.NumElems)
		if err != nil {
			return err
		}
		switch tensor.StateType {
		case "momentum":
			momentum[idx] = data
		case "variance":
			variance[idx] = data
		default:
			return errors.Errorf("unknown Adam state type %q", tensor.StateType)
		}
	}

	for i := range adam.params {
		if (momentum[i] == nil) != (variance[i] == nil) {
			return errors.Errorf("incomplete Adam state for parameter %d", i)
		}
	}
	adam.MomentumBuffers = momentum
	adam.VarianceBuffers = variance
	return nil
}
