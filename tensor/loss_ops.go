package tensor

import (
	"math"

	"github.com/pkg/errors"
)

// SoftmaxCrossEntropyOp computes the mean cross-entropy of [N,V] logits
// against N class ids. Rows whose target equals ignoreIndex contribute
// neither loss nor gradient; if every row is ignored the loss is 0.
type SoftmaxCrossEntropyOp struct {
	inputs      []*Tensor
	targets     []int32
	ignoreIndex int32
	probs       []float32
	count       int
}

func (op *SoftmaxCrossEntropyOp) Inputs() []*Tensor { return op.inputs }

func (op *SoftmaxCrossEntropyOp) Forward(logits, targets *Tensor, ignoreIndex int32) (*Tensor, error) {
	if len(logits.Shape) != 2 {
		return nil, errors.Errorf("cross-entropy logits must be 2-D, got %v", logits.Shape)
	}
	ids, err := targets.GetInt32Data()
	if err != nil {
		return nil, errors.Wrap(err, "cross-entropy targets")
	}
	rows, classes := logits.Shape[0], logits.Shape[1]
	if len(ids) != rows {
		return nil, errors.Errorf("cross-entropy got %d logit rows but %d targets", rows, len(ids))
	}
	data, err := logits.GetFloat32Data()
	if err != nil {
		return nil, err
	}

	probs := make([]float32, len(data))
	var total float64
	count := 0
	for r := 0; r < rows; r++ {
		row := data[r*classes : (r+1)*classes]
		maxVal := math.Inf(-1)
		for _, v := range row {
			maxVal = math.Max(maxVal, float64(v))
		}
		var sum float64
		for c, v := range row {
			e := math.Exp(float64(v) - maxVal)
			probs[r*classes+c] = float32(e)
			sum += e
		}
		for c := range row {
			probs[r*classes+c] = float32(float64(probs[r*classes+c]) / sum)
		}

		target := ids[r]
		if target == ignoreIndex {
			continue
		}
		if target < 0 || int(target) >= classes {
			return nil, errors.Errorf("target %d out of range [0, %d)", target, classes)
		}
		total += -(float64(row[target]) - maxVal - math.Log(sum))
		count++
	}

	loss := 0.0
	if count > 0 {
		loss = total / float64(count)
	}

	op.inputs = []*Tensor{logits}
	op.targets = ids
	op.ignoreIndex = ignoreIndex
	op.probs = probs
	op.count = count
	return attach(FromScalar(loss, logits.Device), op, logits), nil
}

func (op *SoftmaxCrossEntropyOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	logits := op.inputs[0]
	upstream, err := gradOut.Item()
	if err != nil {
		return nil, err
	}
	out := make([]float32, logits.NumElems)
	if op.count > 0 {
		classes := logits.Shape[1]
		scale := float32(upstream / float64(op.count))
		for r, target := range op.targets {
			if target == op.ignoreIndex {
				continue
			}
			for c := 0; c < classes; c++ {
				p := op.probs[r*classes+c]
				if int32(c) == target {
					p -= 1
				}
				out[r*classes+c] = p * scale
			}
		}
	}
	grad, err := NewTensor(logits.Shape, Float32, logits.Device, out)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

// BCEWithLogitsOp computes the mean binary cross-entropy of N logits against
// N targets in [0,1], using the numerically stable form
// max(x,0) - x*y + log(1+exp(-|x|)).
type BCEWithLogitsOp struct {
	inputs  []*Tensor
	targets []float32
}

func (op *BCEWithLogitsOp) Inputs() []*Tensor { return op.inputs }

func (op *BCEWithLogitsOp) Forward(logits, targets *Tensor) (*Tensor, error) {
	x, err := logits.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	y, err := targets.GetFloat32Data()
	if err != nil {
		return nil, errors.Wrap(err, "bce targets")
	}
	if len(x) != len(y) {
		return nil, errors.Errorf("bce got %d logits but %d targets", len(x), len(y))
	}

	loss := 0.0
	if len(x) > 0 {
		var total float64
		for i := range x {
			xv, yv := float64(x[i]), float64(y[i])
			total += math.Max(xv, 0) - xv*yv + math.Log1p(math.Exp(-math.Abs(xv)))
		}
		loss = total / float64(len(x))
	}

	op.inputs = []*Tensor{logits}
	op.targets = y
	return attach(FromScalar(loss, logits.Device), op, logits), nil
}

func (op *BCEWithLogitsOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	logits := op.inputs[0]
	upstream, err := gradOut.Item()
	if err != nil {
		return nil, err
	}
	x := logits.Data.([]float32)
	out := make([]float32, len(x))
	if len(x) > 0 {
		scale := float32(upstream / float64(len(x)))
		for i := range x {
			out[i] = (sigmoid32(x[i]) - op.targets[i]) * scale
		}
	}
	grad, err := NewTensor(logits.Shape, Float32, logits.Device, out)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

func SoftmaxCrossEntropyAutograd(logits, targets *Tensor, ignoreIndex int32) (*Tensor, error) {
	return (&SoftmaxCrossEntropyOp{}).Forward(logits, targets, ignoreIndex)
}

func BCEWithLogitsAutograd(logits, targets *Tensor) (*Tensor, error) {
	return (&BCEWithLogitsOp{}).Forward(logits, targets)
}
