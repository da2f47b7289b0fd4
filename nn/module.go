package nn

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/go-mtb/tensor"
)

// Parameter is a trainable tensor together with its dotted, BERT-style name
// (for example "encoder.layer.11.dense.weight").
type Parameter struct {
	Name  string
	Value *tensor.Tensor
}

// Module is implemented by every layer of the reference model.
type Module interface {
	NamedParameters() []*Parameter
	Train()
	Eval()
	IsTraining() bool
}

// Prefix returns name joined to prefix with a dot, or name alone when prefix
// is empty.
func Prefix(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// Linear implements a fully connected layer: y = xW + b with W stored as
// [inputSize, outputSize].
type Linear struct {
	name     string
	weight   *tensor.Tensor
	bias     *tensor.Tensor
	training bool
}

// NewLinear creates a Linear layer with Xavier/Glorot uniform weights and a
// zero bias.
func NewLinear(name string, inputSize, outputSize int, rng *rand.Rand) (*Linear, error) {
	bound := math.Sqrt(6.0 / float64(inputSize+outputSize))

	weightData := make([]float32, inputSize*outputSize)
	for i := range weightData {
		weightData[i] = float32((rng.Float64()*2.0 - 1.0) * bound)
	}

	weight, err := tensor.NewTensor([]int{inputSize, outputSize}, tensor.Float32, tensor.CPU, weightData)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create weight tensor for %s", name)
	}
	weight.SetRequiresGrad(true)

	bias, err := tensor.Zeros([]int{outputSize}, tensor.Float32, tensor.CPU)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create bias tensor for %s", name)
	}
	bias.SetRequiresGrad(true)

	return &Linear{name: name, weight: weight, bias: bias, training: true}, nil
}

func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 2 {
		return nil, errors.Errorf("%s expects 2D input [rows, %d], got shape %v", l.name, l.weight.Shape[0], input.Shape)
	}
	if input.Shape[1] != l.weight.Shape[0] {
		return nil, errors.Errorf("%s input size mismatch: expected %d, got %d", l.name, l.weight.Shape[0], input.Shape[1])
	}
	return tensor.LinearAutograd(input, l.weight, l.bias)
}

func (l *Linear) NamedParameters() []*Parameter {
	return []*Parameter{
		{Name: Prefix(l.name, "weight"), Value: l.weight},
		{Name: Prefix(l.name, "bias"), Value: l.bias},
	}
}

func (l *Linear) Train()           { l.training = true }
func (l *Linear) Eval()            { l.training = false }
func (l *Linear) IsTraining() bool { return l.training }

// Embedding maps integer ids to rows of a [numEmbeddings, dim] table.
type Embedding struct {
	name     string
	weight   *tensor.Tensor
	training bool
}

func NewEmbedding(name string, numEmbeddings, dim int, rng *rand.Rand) (*Embedding, error) {
	weight, err := tensor.RandomNormal([]int{numEmbeddings, dim}, 0, 0.02, tensor.CPU, rng)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create embedding table for %s", name)
	}
	weight.SetRequiresGrad(true)
	return &Embedding{name: name, weight: weight, training: true}, nil
}

// Forward returns [len(ids), dim].
func (e *Embedding) Forward(ids *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.EmbeddingAutograd(e.weight, ids)
}

func (e *Embedding) NamedParameters() []*Parameter {
	return []*Parameter{{Name: Prefix(e.name, "weight"), Value: e.weight}}
}

func (e *Embedding) Train()           { e.training = true }
func (e *Embedding) Eval()            { e.training = false }
func (e *Embedding) IsTraining() bool { return e.training }

// Collect concatenates the named parameters of several modules in order.
func Collect(modules ...Module) []*Parameter {
	var params []*Parameter
	for _, m := range modules {
		params = append(params, m.NamedParameters()...)
	}
	return params
}

// Values returns the tensors behind params.
func Values(params []*Parameter) []*tensor.Tensor {
	out := make([]*tensor.Tensor, len(params))
	for i, p := range params {
		out[i] = p.Value
	}
	return out
}
