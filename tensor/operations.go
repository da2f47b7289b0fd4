package tensor

import (
	"math"

	"github.com/pkg/errors"
)

func checkSameShape(t1, t2 *Tensor) error {
	if err := checkCompatibility(t1, t2); err != nil {
		return err
	}
	if !shapesEqual(t1.Shape, t2.Shape) {
		return errors.Errorf("tensor shapes must match: %v vs %v", t1.Shape, t2.Shape)
	}
	return nil
}

func mapFloat32(t *Tensor, fn func(float32) float32) (*Tensor, error) {
	data, err := t.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(data))
	for i, v := range data {
		out[i] = fn(v)
	}
	return NewTensor(t.Shape, Float32, t.Device, out)
}

func zipFloat32(t1, t2 *Tensor, fn func(a, b float32) float32) (*Tensor, error) {
	if err := checkSameShape(t1, t2); err != nil {
		return nil, err
	}
	a, err := t1.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	b, err := t2.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(a))
	for i := range a {
		out[i] = fn(a[i], b[i])
	}
	return NewTensor(t1.Shape, Float32, t1.Device, out)
}

func Add(t1, t2 *Tensor) (*Tensor, error) {
	return zipFloat32(t1, t2, func(a, b float32) float32 { return a + b })
}

func Sub(t1, t2 *Tensor) (*Tensor, error) {
	return zipFloat32(t1, t2, func(a, b float32) float32 { return a - b })
}

func Mul(t1, t2 *Tensor) (*Tensor, error) {
	return zipFloat32(t1, t2, func(a, b float32) float32 { return a * b })
}

func Scale(t *Tensor, s float32) (*Tensor, error) {
	return mapFloat32(t, func(v float32) float32 { return v * s })
}

func Tanh(t *Tensor) (*Tensor, error) {
	return mapFloat32(t, func(v float32) float32 { return float32(math.Tanh(float64(v))) })
}

func Sigmoid(t *Tensor) (*Tensor, error) {
	return mapFloat32(t, sigmoid32)
}

func sigmoid32(v float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(v))))
}

// AddRowVector adds a [H] vector to every row of a [N,H] tensor.
func AddRowVector(t, v *Tensor) (*Tensor, error) {
	if err := checkCompatibility(t, v); err != nil {
		return nil, err
	}
	if len(t.Shape) != 2 || len(v.Shape) != 1 || t.Shape[1] != v.Shape[0] {
		return nil, errors.Errorf("cannot add vector %v to rows of %v", v.Shape, t.Shape)
	}
	data, err := t.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	vec, err := v.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	cols := t.Shape[1]
	out := make([]float32, len(data))
	for i := range data {
		out[i] = data[i] + vec[i%cols]
	}
	return NewTensor(t.Shape, Float32, t.Device, out)
}

// ArgMaxRows returns the column index of the largest value of every row of a
// [N,V] tensor. Ties resolve to the lowest index.
func ArgMaxRows(t *Tensor) ([]int, error) {
	if len(t.Shape) != 2 {
		return nil, errors.Errorf("ArgMaxRows requires a 2-D tensor, got %v", t.Shape)
	}
	data, err := t.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	rows, cols := t.Shape[0], t.Shape[1]
	out := make([]int, rows)
	for r := 0; r < rows; r++ {
		row := data[r*cols : (r+1)*cols]
		best := 0
		for c := 1; c < cols; c++ {
			if row[c] > row[best] {
				best = c
			}
		}
		out[r] = best
	}
	return out, nil
}
