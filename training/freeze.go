package training

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/tsawler/go-mtb/nn"
)

// DefaultUnfrozenLayers lists the name fragments left trainable during
// pretraining: the top encoder layer and the task heads.
func DefaultUnfrozenLayers() []string {
	return []string{"classifier", "pooler", "encoder.layer.11", "blanks_linear", "lm_linear", "cls"}
}

// FreezePolicy marks a parameter trainable iff its name contains one of
// the allowlisted substrings.
type FreezePolicy struct {
	unfrozen []string
}

func NewFreezePolicy(unfrozen []string) *FreezePolicy {
	return &FreezePolicy{unfrozen: append([]string(nil), unfrozen...)}
}

func (fp *FreezePolicy) Trainable(name string) bool {
	for _, s := range fp.unfrozen {
		if strings.Contains(name, s) {
			return true
		}
	}
	return false
}

// Apply sets RequiresGrad on every parameter and returns how many were
// left trainable and how many were frozen.
func (fp *FreezePolicy) Apply(params []*nn.Parameter, logger zerolog.Logger) (trainable, frozen int) {
	for _, p := range params {
		if fp.Trainable(p.Name) {
			p.Value.SetRequiresGrad(true)
			trainable++
			logger.Debug().Str("param", p.Name).Msg("[FREE]")
			continue
		}
		p.Value.SetRequiresGrad(false)
		p.Value.SetGrad(nil)
		frozen++
		logger.Debug().Str("param", p.Name).Msg("[FROZE]")
	}
	logger.Info().
		Int("trainable", trainable).
		Int("frozen", frozen).
		Strs("unfrozen_layers", fp.unfrozen).
		Msg("Applied parameter freeze policy")
	return trainable, frozen
}
