package precision

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-mtb/checkpoints"
	"github.com/tsawler/go-mtb/nn"
	"github.com/tsawler/go-mtb/optimizer"
	"github.com/tsawler/go-mtb/tensor"
)

// ScalerConfig controls dynamic loss scaling.
type ScalerConfig struct {
	InitialScale   float64
	GrowthFactor   float64
	BackoffFactor  float64
	GrowthInterval int
	MinScale       float64
}

func DefaultScalerConfig() ScalerConfig {
	return ScalerConfig{
		InitialScale:   65536,
		GrowthFactor:   2,
		BackoffFactor:  0.5,
		GrowthInterval: 2000,
		MinScale:       1,
	}
}

// Mixed keeps the model weights rounded to half precision and trains fp32
// master copies. Gradients are produced at loss scale, rounded to half,
// unscaled into the masters and checked for overflow; an overflowing step
// is skipped and the scale backs off.
type Mixed struct {
	cfg ScalerConfig

	model   []*nn.Parameter
	masters []*nn.Parameter

	scale     float64
	unskipped int
	skipped   int
	overflow  bool
}

// NewMixed creates fp32 masters from the current model values, then rounds
// the model weights to half precision.
func NewMixed(params []*nn.Parameter, cfg ScalerConfig) (*Mixed, error) {
	if cfg.InitialScale <= 0 || cfg.GrowthFactor < 1 || cfg.BackoffFactor <= 0 || cfg.BackoffFactor >= 1 || cfg.GrowthInterval <= 0 {
		return nil, errors.Errorf("invalid scaler config %+v", cfg)
	}

	m := &Mixed{cfg: cfg, model: params, scale: cfg.InitialScale}
	trainable := 0
	for _, p := range params {
		master, err := p.Value.Clone()
		if err != nil {
			return nil, errors.Wrapf(err, "master copy of %s", p.Name)
		}
		master.SetRequiresGrad(p.Value.RequiresGrad())
		if p.Value.RequiresGrad() {
			trainable++
		}
		m.masters = append(m.masters, &nn.Parameter{Name: p.Name, Value: master})

		if err := tensor.RoundToHalf(p.Value); err != nil {
			return nil, errors.Wrapf(err, "rounding %s", p.Name)
		}
	}
	if trainable == 0 {
		return nil, ErrNoMasterParams
	}
	return m, nil
}

func (m *Mixed) Name() string { return "mixed" }

func (m *Mixed) LossScale() float64 { return m.scale }

// Backward runs a scaled backward pass and moves the unscaled gradients
// into the master parameters, accumulating across calls.
func (m *Mixed) Backward(loss *tensor.Tensor) error {
	if err := loss.BackwardWithGradient(tensor.FromScalar(m.scale, loss.Device)); err != nil {
		return errors.Wrap(err, "scaled backward")
	}

	inv := float32(1 / m.scale)
	for i, p := range m.model {
		g := p.Value.Grad()
		if !p.Value.RequiresGrad() || g == nil {
			continue
		}
		if err := tensor.RoundToHalf(g); err != nil {
			return err
		}
		if g.HasNonFinite() {
			m.overflow = true
		}

		master := m.masters[i].Value
		if master.Grad() == nil {
			zeros, err := tensor.Zeros(master.Shape, tensor.Float32, master.Device)
			if err != nil {
				return err
			}
			master.SetGrad(zeros)
		}
		if err := tensor.AxpyInPlace(inv, g, master.Grad()); err != nil {
			return errors.Wrapf(err, "unscaling gradient of %s", p.Name)
		}
		p.Value.ZeroGrad()
	}
	return nil
}

func (m *Mixed) ClipGradNorm(maxNorm float64) (float64, error) {
	if m.overflow {
		return 0, nil
	}
	return clipGradNorm(m.masters, maxNorm)
}

// Step applies the optimizer to the masters and copies them back into the
// model at half precision. On overflow the step is skipped and the loss
// scale is reduced.
func (m *Mixed) Step(opt optimizer.Optimizer) (bool, error) {
	if m.overflow {
		m.overflow = false
		m.skipped++
		m.unskipped = 0
		m.scale *= m.cfg.BackoffFactor
		if m.scale < m.cfg.MinScale {
			m.scale = m.cfg.MinScale
		}
		zeroGrads(m.masters)
		return false, nil
	}

	if err := opt.Step(); err != nil {
		return false, errors.Wrap(err, "optimizer step")
	}
	for i, p := range m.model {
		if !p.Value.RequiresGrad() {
			continue
		}
		src, err := m.masters[i].Value.GetFloat32Data()
		if err != nil {
			return false, err
		}
		dst, err := p.Value.GetFloat32Data()
		if err != nil {
			return false, err
		}
		copy(dst, src)
		if err := tensor.RoundToHalf(p.Value); err != nil {
			return false, err
		}
	}

	m.unskipped++
	if m.unskipped >= m.cfg.GrowthInterval {
		m.scale *= m.cfg.GrowthFactor
		m.unskipped = 0
	}
	return true, nil
}

// ZeroGrad clears the gradients and any overflow they carried.
func (m *Mixed) ZeroGrad() {
	m.overflow = false
	zeroGrads(m.masters)
	zeroGrads(m.model)
}

func (m *Mixed) OptimizerParams() []*nn.Parameter {
	return m.masters
}

func (m *Mixed) StateDict() *checkpoints.PrecisionState {
	return &checkpoints.PrecisionState{
		LossScale:      m.scale,
		UnskippedSteps: m.unskipped,
		SkippedSteps:   m.skipped,
	}
}

// LoadStateDict restores the scaler. A nil state keeps the fresh scaler.
func (m *Mixed) LoadStateDict(state *checkpoints.PrecisionState) error {
	if state == nil {
		return nil
	}
	if state.LossScale <= 0 {
		return errors.Errorf("invalid loss scale %v", state.LossScale)
	}
	m.scale = state.LossScale
	m.unskipped = state.UnskippedSteps
	m.skipped = state.SkippedSteps
	m.overflow = false
	return nil
}
