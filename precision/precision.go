// Package precision implements the numeric strategies used by the training
// loop: plain fp32 training and mixed precision with fp32 master weights and
// dynamic loss scaling.
package precision

import (
	"math"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/tsawler/go-mtb/checkpoints"
	"github.com/tsawler/go-mtb/nn"
	"github.com/tsawler/go-mtb/optimizer"
	"github.com/tsawler/go-mtb/tensor"
)

// ErrNoMasterParams is returned when a mixed precision strategy is built
// without any trainable parameter to keep master copies of.
var ErrNoMasterParams = errors.New("mixed precision needs at least one trainable parameter")

// Strategy owns backward, clipping and the optimizer step for one precision
// mode. The optimizer must be built over OptimizerParams.
type Strategy interface {
	Name() string

	// Backward propagates loss, scaled when the strategy uses loss scaling.
	Backward(loss *tensor.Tensor) error

	// ClipGradNorm rescales gradients of OptimizerParams so their global L2
	// norm is at most maxNorm and returns the norm before clipping.
	ClipGradNorm(maxNorm float64) (float64, error)

	// Step runs the optimizer. It reports false when the update was skipped.
	Step(opt optimizer.Optimizer) (bool, error)

	ZeroGrad()

	OptimizerParams() []*nn.Parameter

	// StateDict is nil for strategies without persistent state.
	StateDict() *checkpoints.PrecisionState
	LoadStateDict(state *checkpoints.PrecisionState) error
}

// HalfPrecisionSupported reports whether the CPU has native half precision
// conversion (F16C on amd64, ASIMDHP on arm64).
func HalfPrecisionSupported() bool {
	return cpuid.CPU.Supports(cpuid.F16C) || cpuid.CPU.Supports(cpuid.ASIMDHP)
}

// Select builds the strategy for a run. When fp16 is requested but probe
// reports no support the run falls back to Standard with a warning.
func Select(fp16 bool, probe func() bool, params []*nn.Parameter, logger zerolog.Logger) (Strategy, error) {
	if !fp16 {
		return NewStandard(params), nil
	}
	if probe != nil && !probe() {
		logger.Warn().Str("cpu", cpuid.CPU.BrandName).Msg("Mixed precision requested but not supported, using standard precision")
		return NewStandard(params), nil
	}
	logger.Info().Msg("Using fp16...")
	m, err := NewMixed(params, DefaultScalerConfig())
	if err != nil {
		return nil, err
	}
	return m, nil
}

// clipGradNorm implements global-norm clipping over the gradients of params.
func clipGradNorm(params []*nn.Parameter, maxNorm float64) (float64, error) {
	if maxNorm <= 0 {
		return 0, errors.Errorf("max norm must be positive, got %v", maxNorm)
	}
	var grads []*tensor.Tensor
	total := 0.0
	for _, p := range params {
		g := p.Value.Grad()
		if !p.Value.RequiresGrad() || g == nil {
			continue
		}
		n, err := tensor.Norm2(g)
		if err != nil {
			return 0, errors.Wrapf(err, "gradient norm of %s", p.Name)
		}
		total += n * n
		grads = append(grads, g)
	}
	total = math.Sqrt(total)

	coef := maxNorm / (total + 1e-6)
	if coef < 1 {
		for _, g := range grads {
			if err := tensor.ScaleInPlace(g, float32(coef)); err != nil {
				return 0, err
			}
		}
	}
	return total, nil
}

func zeroGrads(params []*nn.Parameter) {
	for _, p := range params {
		p.Value.ZeroGrad()
	}
}
