package precision

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-mtb/checkpoints"
	"github.com/tsawler/go-mtb/nn"
	"github.com/tsawler/go-mtb/optimizer"
	"github.com/tsawler/go-mtb/tensor"
)

// Standard trains directly on the model parameters in fp32.
type Standard struct {
	params []*nn.Parameter
}

func NewStandard(params []*nn.Parameter) *Standard {
	return &Standard{params: params}
}

func (s *Standard) Name() string { return "standard" }

func (s *Standard) Backward(loss *tensor.Tensor) error {
	return errors.Wrap(loss.Backward(), "backward")
}

func (s *Standard) ClipGradNorm(maxNorm float64) (float64, error) {
	return clipGradNorm(s.params, maxNorm)
}

func (s *Standard) Step(opt optimizer.Optimizer) (bool, error) {
	if err := opt.Step(); err != nil {
		return false, errors.Wrap(err, "optimizer step")
	}
	return true, nil
}

func (s *Standard) ZeroGrad() {
	zeroGrads(s.params)
}

func (s *Standard) OptimizerParams() []*nn.Parameter {
	return s.params
}

func (s *Standard) StateDict() *checkpoints.PrecisionState {
	return nil
}

// LoadStateDict ignores mixed precision state left by an earlier fp16 run.
func (s *Standard) LoadStateDict(*checkpoints.PrecisionState) error {
	return nil
}
