package optimizer

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-mtb/checkpoints"
	"github.com/tsawler/go-mtb/nn"
)

// SGDOptimizerState implements SGD with optional momentum and Nesterov
// acceleration.
type SGDOptimizerState struct {
	LearningRate float32
	Momentum     float32
	WeightDecay  float32
	Nesterov     bool

	MomentumBuffers [][]float32
	StepCount       uint64

	params []*nn.Parameter
}

type SGDConfig struct {
	LearningRate float32
	Momentum     float32
	WeightDecay  float32
	Nesterov     bool
}

func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

func NewSGDOptimizer(config SGDConfig, params []*nn.Parameter) (*SGDOptimizerState, error) {
	if len(params) == 0 {
		return nil, errors.New("no parameters provided")
	}
	if config.LearningRate <= 0 {
		return nil, errors.Errorf("learning rate must be positive, got %v", config.LearningRate)
	}
	if config.Nesterov && config.Momentum <= 0 {
		return nil, errors.New("nesterov momentum requires a positive momentum")
	}

	return &SGDOptimizerState{
		LearningRate:    config.LearningRate,
		Momentum:        config.Momentum,
		WeightDecay:     config.WeightDecay,
		Nesterov:        config.Nesterov,
		MomentumBuffers: make([][]float32, len(params)),
		params:          params,
	}, nil
}

func (sgd *SGDOptimizerState) Step() error {
	sgd.StepCount++

	for i, p := range sgd.params {
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

		var buf []float32
		fresh := false
		if sgd.Momentum > 0 {
			if sgd.MomentumBuffers[i] == nil {
				sgd.MomentumBuffers[i] = make([]float32, len(w))
				fresh = true
			}
			buf = sgd.MomentumBuffers[i]
		}

		for j := range w {
			grad := g[j]
			if sgd.WeightDecay != 0 {
				grad += sgd.WeightDecay * w[j]
			}
			if buf != nil {
				// The first step seeds the buffer with the raw gradient.
				if fresh {
					buf[j] = grad
				} else {
					buf[j] = sgd.Momentum*buf[j] + grad
				}
				if sgd.Nesterov {
					grad += sgd.Momentum * buf[j]
				} else {
					grad = buf[j]
				}
			}
			w[j] -= sgd.LearningRate * grad
		}
	}
	return nil
}

func (sgd *SGDOptimizerState) ZeroGrad() {
	zeroGrads(sgd.params)
}

func (sgd *SGDOptimizerState) UpdateLearningRate(newLR float32) {
	sgd.LearningRate = newLR
}

func (sgd *SGDOptimizerState) GetLearningRate() float32 {
	return sgd.LearningRate
}

func (sgd *SGDOptimizerState) GetStepCount() uint64 {
	return sgd.StepCount
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGDOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0)

	if sgd.Momentum > 0 {
		for i, p := range sgd.params {
			if t := extractBufferState(sgd.MomentumBuffers[i], p.Value.Shape, bufferName("momentum", i), "momentum"); t != nil {
				stateData = append(stateData, *t)
			}
		}
	}

	return &OptimizerState{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"learning_rate": float64(sgd.LearningRate),
			"momentum":      float64(sgd.Momentum),
			"weight_decay":  float64(sgd.WeightDecay),
			"nesterov":      sgd.Nesterov,
			"step_count":    float64(sgd.StepCount),
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGDOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}

	sgd.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", sgd.LearningRate)
	sgd.Momentum = extractFloat32Param(state.Parameters, "momentum", sgd.Momentum)
	sgd.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", sgd.WeightDecay)
	sgd.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.Nesterov)
	sgd.StepCount = extractUint64Param(state.Parameters, "step_count", sgd.StepCount)

	buffers := make([][]float32, len(sgd.params))
	for _, tensor := range state.StateData {
		if tensor.StateType != "momentum" {
			return errors.Errorf("unknown SGD state type %q", tensor.StateType)
		}
		idx, err := stateIndex(tensor.Name, len(sgd.params))
		if err != nil {
			return err
		}
		if buffers[idx], err = restoreBufferState(tensor, sgd.params[idx].Value.NumElems); err != nil {
			return err
		}
	}
	sgd.MomentumBuffers = buffers
	return nil
}
