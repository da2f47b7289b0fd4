package tensor

import (
	"fmt"

	"github.com/pkg/errors"
)

type DType int

const (
	Float32 DType = iota
	Int32
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "Float32"
	case Int32:
		return "Int32"
	default:
		return "Unknown"
	}
}

type DeviceType int

const (
	CPU DeviceType = iota
	GPU
)

func (d DeviceType) String() string {
	switch d {
	case CPU:
		return "CPU"
	case GPU:
		return "GPU"
	default:
		return "Unknown"
	}
}

// ParseDevice maps a configuration string onto a DeviceType.
func ParseDevice(name string) (DeviceType, error) {
	switch name {
	case "cpu", "CPU", "":
		return CPU, nil
	case "gpu", "GPU", "cuda":
		return GPU, nil
	default:
		return CPU, errors.Errorf("unknown device %q", name)
	}
}

// Operation is a node of the autograd graph. Backward receives the gradient of
// the node's output and returns one gradient per input (nil where the input
// does not require a gradient).
type Operation interface {
	Inputs() []*Tensor
	Backward(gradOut *Tensor) ([]*Tensor, error)
}

type Tensor struct {
	Shape        []int
	Strides      []int
	DType        DType
	Device       DeviceType
	Data         interface{}
	NumElems     int
	requiresGrad bool
	grad         *Tensor
	creator      Operation
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, device=%s, elements=%d)",
		t.Shape, t.DType, t.Device, t.NumElems)
}

func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
}

func (t *Tensor) Grad() *Tensor {
	return t.grad
}

// SetGrad replaces the accumulated gradient. Passing nil drops it.
func (t *Tensor) SetGrad(grad *Tensor) {
	t.grad = grad
}

// IsLeaf reports whether the tensor was created by the user rather than by an
// autograd operation.
func (t *Tensor) IsLeaf() bool {
	return t.creator == nil
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

// validateShape allows zero-sized dimensions: an empty selection of masked
// rows is a legal [0, V] tensor.
func validateShape(shape []int) error {
	if len(shape) == 0 {
		return errors.New("invalid shape: tensors need at least one dimension")
	}
	for i, dim := range shape {
		if dim < 0 {
			return errors.Errorf("invalid shape: dimension %d has size %d, must not be negative", i, dim)
		}
	}
	return nil
}

func shapesEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
