package tensor

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

func checkCompatibility(t1, t2 *Tensor) error {
	if t1.DType != t2.DType {
		return errors.Errorf("tensors must have same dtype: %s vs %s", t1.DType, t2.DType)
	}
	if t1.Device != t2.Device {
		return errors.Errorf("tensors must be on same device: %s vs %s", t1.Device, t2.Device)
	}
	return nil
}

func asGeneral(t *Tensor) blas32.General {
	rows, cols := t.Shape[0], t.Shape[1]
	stride := cols
	if stride == 0 {
		stride = 1
	}
	return blas32.General{Rows: rows, Cols: cols, Stride: stride, Data: t.Data.([]float32)}
}

func asVector(data []float32) blas32.Vector {
	return blas32.Vector{N: len(data), Inc: 1, Data: data}
}

// gemm computes op(a) x op(b) for 2-D Float32 tensors.
func gemm(tA, tB blas.Transpose, a, b *Tensor) (*Tensor, error) {
	if len(a.Shape) != 2 || len(b.Shape) != 2 {
		return nil, errors.Errorf("matmul requires 2-D tensors, got %v and %v", a.Shape, b.Shape)
	}
	if a.DType != Float32 || b.DType != Float32 {
		return nil, errors.Errorf("matmul requires Float32 tensors, got %s and %s", a.DType, b.DType)
	}

	m, k := a.Shape[0], a.Shape[1]
	if tA == blas.Trans {
		m, k = k, m
	}
	kb, n := b.Shape[0], b.Shape[1]
	if tB == blas.Trans {
		kb, n = n, kb
	}
	if k != kb {
		return nil, errors.Errorf("incompatible dimensions for matmul: %v x %v", a.Shape, b.Shape)
	}

	result, err := Zeros([]int{m, n}, Float32, a.Device)
	if err != nil {
		return nil, err
	}
	if m == 0 || n == 0 || k == 0 {
		return result, nil
	}

	blas32.Gemm(tA, tB, 1, asGeneral(a), asGeneral(b), 0, asGeneral(result))
	return result, nil
}

// MatMul multiplies two 2-D Float32 tensors: [m,k] x [k,n] -> [m,n].
func MatMul(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}
	return gemm(blas.NoTrans, blas.NoTrans, t1, t2)
}

// Norm2 returns the Euclidean norm of all elements.
func Norm2(t *Tensor) (float64, error) {
	data, err := t.GetFloat32Data()
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, nil
	}
	return float64(blas32.Nrm2(asVector(data))), nil
}

// ScaleInPlace multiplies every element by alpha.
func ScaleInPlace(t *Tensor, alpha float32) error {
	data, err := t.GetFloat32Data()
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	blas32.Scal(alpha, asVector(data))
	return nil
}

// AxpyInPlace computes y += alpha*x.
func AxpyInPlace(alpha float32, x, y *Tensor) error {
	xd, err := x.GetFloat32Data()
	if err != nil {
		return err
	}
	yd, err := y.GetFloat32Data()
	if err != nil {
		return err
	}
	if len(xd) != len(yd) {
		return errors.Errorf("axpy size mismatch: %d vs %d", len(xd), len(yd))
	}
	if len(xd) == 0 {
		return nil
	}
	blas32.Axpy(alpha, asVector(xd), asVector(yd))
	return nil
}

// SumColumns reduces a [N,H] tensor to [H].
func SumColumns(t *Tensor) (*Tensor, error) {
	if len(t.Shape) != 2 {
		return nil, errors.Errorf("SumColumns requires a 2-D tensor, got %v", t.Shape)
	}
	data, err := t.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	rows, cols := t.Shape[0], t.Shape[1]
	out := make([]float32, cols)
	for r := 0; r < rows; r++ {
		row := data[r*cols : (r+1)*cols]
		for c, v := range row {
			out[c] += v
		}
	}
	return NewTensor([]int{cols}, Float32, t.Device, out)
}
