package training

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-mtb/tensor"
)

// Objective computes the scalar training loss from the two model heads.
type Objective interface {
	// Compute receives LM logits already restricted to the masked positions
	// [K,V], blanks logits [B], the K masked token labels and B blank labels.
	Compute(lmLogits, blanksLogits, lmLabels, blankLabels *tensor.Tensor) (*tensor.Tensor, error)
}

// TwoHeadedLoss sums the masked-LM cross-entropy and the blanks binary
// cross-entropy. LM labels equal to IgnoreIndex do not contribute.
type TwoHeadedLoss struct {
	IgnoreIndex int32
}

func NewTwoHeadedLoss(ignoreIndex int32) *TwoHeadedLoss {
	return &TwoHeadedLoss{IgnoreIndex: ignoreIndex}
}

func (l *TwoHeadedLoss) Compute(lmLogits, blanksLogits, lmLabels, blankLabels *tensor.Tensor) (*tensor.Tensor, error) {
	if len(lmLogits.Shape) != 2 {
		return nil, errors.Errorf("lm logits must be [masked, vocab], got %v", lmLogits.Shape)
	}
	if lmLabels.NumElems != lmLogits.Shape[0] {
		return nil, errors.Errorf("%d masked positions but %d masked labels", lmLogits.Shape[0], lmLabels.NumElems)
	}

	lmLoss, err := tensor.SoftmaxCrossEntropyAutograd(lmLogits, lmLabels, l.IgnoreIndex)
	if err != nil {
		return nil, errors.Wrap(err, "lm loss")
	}
	blankLoss, err := tensor.BCEWithLogitsAutograd(blanksLogits, blankLabels)
	if err != nil {
		return nil, errors.Wrap(err, "blanks loss")
	}
	return tensor.AddAutograd(lmLoss, blankLoss)
}
