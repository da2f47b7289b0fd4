package training

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-mtb/tensor"
)

// Evaluator computes the scalar accuracy tracked per update window.
type Evaluator interface {
	Evaluate(lmLogits, blanksLogits, lmLabels, blankLabels *tensor.Tensor) (float64, error)
}

// LMAccuracy is the fraction of masked positions whose argmax prediction
// equals the original token. Positions labelled IgnoreIndex are skipped.
type LMAccuracy struct {
	IgnoreIndex int32
}

func NewLMAccuracy(ignoreIndex int32) *LMAccuracy {
	return &LMAccuracy{IgnoreIndex: ignoreIndex}
}

func (a *LMAccuracy) Evaluate(lmLogits, blanksLogits, lmLabels, blankLabels *tensor.Tensor) (float64, error) {
	labels, err := lmLabels.GetInt32Data()
	if err != nil {
		return 0, errors.Wrap(err, "lm labels")
	}
	if len(labels) == 0 {
		return 0, nil
	}
	preds, err := tensor.ArgMaxRows(lmLogits)
	if err != nil {
		return 0, errors.Wrap(err, "lm predictions")
	}
	if len(preds) != len(labels) {
		return 0, errors.Errorf("%d predictions for %d labels", len(preds), len(labels))
	}

	correct, total := 0, 0
	for i, label := range labels {
		if label == a.IgnoreIndex {
			continue
		}
		total++
		if int32(preds[i]) == label {
			correct++
		}
	}
	if total == 0 {
		return 0, nil
	}
	return float64(correct) / float64(total), nil
}
