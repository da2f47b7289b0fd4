package tensor

import (
	"github.com/x448/float16"
)

// RoundToHalf rounds every element in place to the nearest IEEE 754
// binary16 value. Values beyond the half range become ±Inf.
func RoundToHalf(t *Tensor) error {
	data, err := t.GetFloat32Data()
	if err != nil {
		return err
	}
	for i, v := range data {
		data[i] = float16.Fromfloat32(v).Float32()
	}
	return nil
}

