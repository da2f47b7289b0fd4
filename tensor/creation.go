package tensor

import (
	"math/rand"

	"github.com/pkg/errors"
)

func NewTensor(shape []int, dtype DType, device DeviceType, data interface{}) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	tensor := &Tensor{
		Shape:    append([]int(nil), shape...),
		Strides:  calculateStrides(shape),
		DType:    dtype,
		Device:   device,
		NumElems: calculateNumElements(shape),
	}

	if data != nil {
		if err := tensor.setData(data); err != nil {
			return nil, err
		}
	}

	return tensor, nil
}

func (t *Tensor) setData(data interface{}) error {
	switch t.DType {
	case Float32:
		switch d := data.(type) {
		case []float32:
			if len(d) != t.NumElems {
				return errors.Errorf("data length %d does not match tensor size %d", len(d), t.NumElems)
			}
			t.Data = d
		case float32:
			slice := make([]float32, t.NumElems)
			for i := range slice {
				slice[i] = d
			}
			t.Data = slice
		default:
			return errors.Errorf("unsupported data type for Float32 tensor: %T", data)
		}
	case Int32:
		switch d := data.(type) {
		case []int32:
			if len(d) != t.NumElems {
				return errors.Errorf("data length %d does not match tensor size %d", len(d), t.NumElems)
			}
			t.Data = d
		case int32:
			slice := make([]int32, t.NumElems)
			for i := range slice {
				slice[i] = d
			}
			t.Data = slice
		default:
			return errors.Errorf("unsupported data type for Int32 tensor: %T", data)
		}
	default:
		return errors.Errorf("unsupported dtype: %s", t.DType)
	}
	return nil
}

func Zeros(shape []int, dtype DType, device DeviceType) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)

	var data interface{}
	switch dtype {
	case Float32:
		data = make([]float32, numElems)
	case Int32:
		data = make([]int32, numElems)
	default:
		return nil, errors.Errorf("unsupported dtype for Zeros: %s", dtype)
	}

	return NewTensor(shape, dtype, device, data)
}

func Ones(shape []int, dtype DType, device DeviceType) (*Tensor, error) {
	switch dtype {
	case Float32:
		return Full(shape, float32(1), device)
	case Int32:
		return Full(shape, int32(1), device)
	default:
		return nil, errors.Errorf("unsupported dtype for Ones: %s", dtype)
	}
}

// Full creates a tensor filled with value. The dtype follows the Go type of
// value (float32 or int32).
func Full(shape []int, value interface{}, device DeviceType) (*Tensor, error) {
	switch value.(type) {
	case float32:
		return NewTensor(shape, Float32, device, value)
	case int32:
		return NewTensor(shape, Int32, device, value)
	default:
		return nil, errors.Errorf("unsupported fill value type %T", value)
	}
}

// FromScalar creates a one-element Float32 tensor.
func FromScalar(value float64, device DeviceType) *Tensor {
	return &Tensor{
		Shape:    []int{1},
		Strides:  []int{1},
		DType:    Float32,
		Device:   device,
		Data:     []float32{float32(value)},
		NumElems: 1,
	}
}

// RandomNormal draws every element from N(mean, std) using rng so that
// initialization stays reproducible for a given seed.
func RandomNormal(shape []int, mean, std float32, device DeviceType, rng *rand.Rand) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	data := make([]float32, calculateNumElements(shape))
	for i := range data {
		data[i] = mean + std*float32(rng.NormFloat64())
	}
	return NewTensor(shape, Float32, device, data)
}
