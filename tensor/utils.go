package tensor

import (
	"math"

	"github.com/pkg/errors"
)

// Reshape returns a view with the same data but a different shape. One
// dimension may be -1 and is then inferred. The view is detached from the
// autograd graph; use ReshapeAutograd to keep gradients flowing.
func (t *Tensor) Reshape(newShape []int) (*Tensor, error) {
	shape, err := resolveShape(t.NumElems, newShape)
	if err != nil {
		return nil, err
	}

	return &Tensor{
		Shape:        shape,
		Strides:      calculateStrides(shape),
		DType:        t.DType,
		Device:       t.Device,
		Data:         t.Data,
		NumElems:     t.NumElems,
		requiresGrad: t.requiresGrad,
	}, nil
}

func resolveShape(numElems int, newShape []int) ([]int, error) {
	shape := append([]int(nil), newShape...)
	known := 1
	inferIdx := -1

	for i, dim := range shape {
		switch {
		case dim == -1:
			if inferIdx >= 0 {
				return nil, errors.New("only one dimension can be -1")
			}
			inferIdx = i
		case dim < 0:
			return nil, errors.Errorf("negative dimension %d at index %d is not allowed (only -1 is allowed)", dim, i)
		default:
			known *= dim
		}
	}

	if inferIdx >= 0 {
		if known == 0 || numElems%known != 0 {
			return nil, errors.Errorf("cannot reshape tensor of size %d into shape %v", numElems, newShape)
		}
		shape[inferIdx] = numElems / known
		known *= shape[inferIdx]
	}

	if known != numElems {
		return nil, errors.Errorf("cannot reshape tensor of size %d into shape %v (size %d)", numElems, newShape, known)
	}
	return shape, nil
}

func (t *Tensor) Clone() (*Tensor, error) {
	clone := &Tensor{
		Shape:        append([]int(nil), t.Shape...),
		Strides:      append([]int(nil), t.Strides...),
		DType:        t.DType,
		Device:       t.Device,
		NumElems:     t.NumElems,
		requiresGrad: t.requiresGrad,
	}

	switch data := t.Data.(type) {
	case []float32:
		clone.Data = append([]float32(nil), data...)
	case []int32:
		clone.Data = append([]int32(nil), data...)
	case nil:
		return nil, errors.New("tensor has nil data")
	default:
		return nil, errors.Errorf("unsupported data type for clone: %T", t.Data)
	}

	return clone, nil
}

// Detach returns a copy that shares no autograd history with t.
func (t *Tensor) Detach() (*Tensor, error) {
	c, err := t.Clone()
	if err != nil {
		return nil, err
	}
	c.requiresGrad = false
	return c, nil
}

func (t *Tensor) GetFloat32Data() ([]float32, error) {
	if t.DType != Float32 {
		return nil, errors.Errorf("tensor is not Float32 type, got %s", t.DType)
	}
	data, ok := t.Data.([]float32)
	if !ok {
		return nil, errors.New("tensor holds no Float32 data")
	}
	return data, nil
}

func (t *Tensor) GetInt32Data() ([]int32, error) {
	if t.DType != Int32 {
		return nil, errors.Errorf("tensor is not Int32 type, got %s", t.DType)
	}
	data, ok := t.Data.([]int32)
	if !ok {
		return nil, errors.New("tensor holds no Int32 data")
	}
	return data, nil
}

// Item returns the value of a one-element tensor.
func (t *Tensor) Item() (float64, error) {
	if t.NumElems != 1 {
		return 0, errors.Errorf("item() can only be called on tensors with exactly one element, got %d elements", t.NumElems)
	}
	switch data := t.Data.(type) {
	case []float32:
		return float64(data[0]), nil
	case []int32:
		return float64(data[0]), nil
	default:
		return 0, errors.Errorf("unsupported data type for item: %T", t.Data)
	}
}

func (t *Tensor) At(indices ...int) (interface{}, error) {
	idx, err := t.flatIndex(indices)
	if err != nil {
		return nil, err
	}
	switch data := t.Data.(type) {
	case []float32:
		return data[idx], nil
	case []int32:
		return data[idx], nil
	default:
		return nil, errors.Errorf("unsupported data type for At: %T", t.Data)
	}
}

func (t *Tensor) SetAt(value interface{}, indices ...int) error {
	idx, err := t.flatIndex(indices)
	if err != nil {
		return err
	}
	switch data := t.Data.(type) {
	case []float32:
		v, ok := value.(float32)
		if !ok {
			return errors.Errorf("expected float32 value, got %T", value)
		}
		data[idx] = v
	case []int32:
		v, ok := value.(int32)
		if !ok {
			return errors.Errorf("expected int32 value, got %T", value)
		}
		data[idx] = v
	default:
		return errors.Errorf("unsupported data type for SetAt: %T", t.Data)
	}
	return nil
}

func (t *Tensor) flatIndex(indices []int) (int, error) {
	if len(indices) != len(t.Shape) {
		return 0, errors.Errorf("number of indices (%d) must match tensor dimensions (%d)", len(indices), len(t.Shape))
	}
	idx := 0
	for i, index := range indices {
		if index < 0 || index >= t.Shape[i] {
			return 0, errors.Errorf("index %d out of bounds for dimension %d (size %d)", index, i, t.Shape[i])
		}
		idx += index * t.Strides[i]
	}
	return idx, nil
}

// Equal compares shape, dtype and every element bit for bit (NaN never equals).
func (t *Tensor) Equal(other *Tensor) bool {
	if t.DType != other.DType || !shapesEqual(t.Shape, other.Shape) {
		return false
	}
	switch a := t.Data.(type) {
	case []float32:
		b, ok := other.Data.([]float32)
		if !ok || len(a) != len(b) {
			return false
		}
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
		return true
	case []int32:
		b, ok := other.Data.([]int32)
		if !ok || len(a) != len(b) {
			return false
		}
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// ToDevice moves the tensor to the requested device. Only the CPU backend is
// compiled into this build; moving to the current device is a no-op.
func (t *Tensor) ToDevice(device DeviceType) (*Tensor, error) {
	if t.Device == device {
		return t, nil
	}
	if device != CPU {
		return nil, errors.Errorf("cannot move tensor to %s: no accelerator backend available", device)
	}
	c, err := t.Clone()
	if err != nil {
		return nil, err
	}
	c.Device = CPU
	return c, nil
}

func (t *Tensor) ZeroGrad() {
	if t.grad == nil {
		return
	}
	if data, ok := t.grad.Data.([]float32); ok {
		for i := range data {
			data[i] = 0
		}
	}
}

// HasNonFinite reports whether any element is NaN or ±Inf.
func (t *Tensor) HasNonFinite() bool {
	data, ok := t.Data.([]float32)
	if !ok {
		return false
	}
	for _, v := range data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return true
		}
	}
	return false
}
