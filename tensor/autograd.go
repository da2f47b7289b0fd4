package tensor

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas"
)

// Backward computes gradients of a one-element tensor with respect to every
// leaf in its graph that requires gradients.
func (t *Tensor) Backward() error {
	return t.BackwardWithGradient(nil)
}

// BackwardWithGradient propagates seed (ones when nil) through the graph that
// produced t. Leaf gradients accumulate across calls until ZeroGrad or SetGrad.
func (t *Tensor) BackwardWithGradient(seed *Tensor) error {
	if !t.requiresGrad {
		return errors.New("tensor does not require gradients")
	}

	if seed == nil {
		if t.NumElems != 1 {
			return errors.Errorf("backward without a seed needs a one-element tensor, got shape %v", t.Shape)
		}
		var err error
		seed, err = Ones(t.Shape, Float32, t.Device)
		if err != nil {
			return err
		}
	} else {
		if seed.NumElems != t.NumElems {
			return errors.Errorf("seed gradient has %d elements, tensor has %d", seed.NumElems, t.NumElems)
		}
		var err error
		seed, err = seed.Clone()
		if err != nil {
			return err
		}
		seed.Shape = append([]int(nil), t.Shape...)
		seed.Strides = calculateStrides(t.Shape)
	}

	order := topologicalOrder(t)
	grads := map[*Tensor]*Tensor{t: seed}

	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		g := grads[node]
		if g == nil {
			continue
		}
		delete(grads, node)

		if node.creator == nil {
			if err := node.accumulateGrad(g); err != nil {
				return err
			}
			continue
		}

		inputGrads, err := node.creator.Backward(g)
		if err != nil {
			return errors.Wrap(err, "backward pass failed")
		}
		for j, in := range node.creator.Inputs() {
			if in == nil || !in.requiresGrad || j >= len(inputGrads) || inputGrads[j] == nil {
				continue
			}
			if existing, ok := grads[in]; ok {
				if err := AxpyInPlace(1, inputGrads[j], existing); err != nil {
					return errors.Wrap(err, "gradient accumulation failed")
				}
				continue
			}
			owned, err := inputGrads[j].Clone()
			if err != nil {
				return err
			}
			owned.Shape = append([]int(nil), in.Shape...)
			owned.Strides = calculateStrides(in.Shape)
			grads[in] = owned
		}
	}
	return nil
}

func (t *Tensor) accumulateGrad(g *Tensor) error {
	if !t.requiresGrad {
		return nil
	}
	if t.grad == nil {
		t.grad = g
		return nil
	}
	return AxpyInPlace(1, g, t.grad)
}

// topologicalOrder lists every node reachable from root that requires
// gradients, inputs before the operations that consume them.
func topologicalOrder(root *Tensor) []*Tensor {
	visited := make(map[*Tensor]bool)
	var order []*Tensor

	var visit func(n *Tensor)
	visit = func(n *Tensor) {
		if n == nil || visited[n] || !n.requiresGrad {
			return
		}
		visited[n] = true
		if n.creator != nil {
			for _, in := range n.creator.Inputs() {
				visit(in)
			}
		}
		order = append(order, n)
	}
	visit(root)
	return order
}

func anyRequiresGrad(inputs ...*Tensor) bool {
	for _, in := range inputs {
		if in != nil && in.requiresGrad {
			return true
		}
	}
	return false
}

func attach(result *Tensor, op Operation, inputs ...*Tensor) *Tensor {
	if anyRequiresGrad(inputs...) {
		result.requiresGrad = true
		result.creator = op
	}
	return result
}

// AddOp adds two tensors of identical shape.
type AddOp struct {
	inputs []*Tensor
}

func (op *AddOp) Inputs() []*Tensor { return op.inputs }

func (op *AddOp) Forward(a, b *Tensor) (*Tensor, error) {
	op.inputs = []*Tensor{a, b}
	result, err := Add(a, b)
	if err != nil {
		return nil, err
	}
	return attach(result, op, a, b), nil
}

func (op *AddOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	return []*Tensor{gradOut, gradOut}, nil
}

// ScaleOp multiplies a tensor by a constant.
type ScaleOp struct {
	inputs []*Tensor
	factor float32
}

func (op *ScaleOp) Inputs() []*Tensor { return op.inputs }

func (op *ScaleOp) Forward(x *Tensor, factor float32) (*Tensor, error) {
	op.inputs = []*Tensor{x}
	op.factor = factor
	result, err := Scale(x, factor)
	if err != nil {
		return nil, err
	}
	return attach(result, op, x), nil
}

func (op *ScaleOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	g, err := Scale(gradOut, op.factor)
	if err != nil {
		return nil, err
	}
	return []*Tensor{g}, nil
}

// MatMulOp multiplies [m,k] x [k,n].
type MatMulOp struct {
	inputs []*Tensor
}

func (op *MatMulOp) Inputs() []*Tensor { return op.inputs }

func (op *MatMulOp) Forward(a, b *Tensor) (*Tensor, error) {
	op.inputs = []*Tensor{a, b}
	result, err := MatMul(a, b)
	if err != nil {
		return nil, err
	}
	return attach(result, op, a, b), nil
}

// Backward: dA = dC·Bᵀ, dB = Aᵀ·dC.
func (op *MatMulOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a, b := op.inputs[0], op.inputs[1]
	grads := make([]*Tensor, 2)
	var err error
	if a.requiresGrad {
		if grads[0], err = gemm(blas.NoTrans, blas.Trans, gradOut, b); err != nil {
			return nil, err
		}
	}
	if b.requiresGrad {
		if grads[1], err = gemm(blas.Trans, blas.NoTrans, a, gradOut); err != nil {
			return nil, err
		}
	}
	return grads, nil
}

// AddBiasOp adds a [H] bias to every row of a [N,H] input.
type AddBiasOp struct {
	inputs []*Tensor
}

func (op *AddBiasOp) Inputs() []*Tensor { return op.inputs }

func (op *AddBiasOp) Forward(x, bias *Tensor) (*Tensor, error) {
	op.inputs = []*Tensor{x, bias}
	result, err := AddRowVector(x, bias)
	if err != nil {
		return nil, err
	}
	return attach(result, op, x, bias), nil
}

func (op *AddBiasOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grads := []*Tensor{gradOut, nil}
	if op.inputs[1].requiresGrad {
		g, err := SumColumns(gradOut)
		if err != nil {
			return nil, err
		}
		grads[1] = g
	}
	return grads, nil
}

type TanhOp struct {
	inputs []*Tensor
	output *Tensor
}

func (op *TanhOp) Inputs() []*Tensor { return op.inputs }

func (op *TanhOp) Forward(x *Tensor) (*Tensor, error) {
	op.inputs = []*Tensor{x}
	result, err := Tanh(x)
	if err != nil {
		return nil, err
	}
	op.output = result
	return attach(result, op, x), nil
}

func (op *TanhOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	g, err := zipFloat32(gradOut, op.output, func(g, y float32) float32 { return g * (1 - y*y) })
	if err != nil {
		return nil, err
	}
	return []*Tensor{g}, nil
}

// EmbeddingOp looks up rows of a [V,H] weight for every id.
type EmbeddingOp struct {
	inputs []*Tensor
	ids    []int32
}

func (op *EmbeddingOp) Inputs() []*Tensor { return op.inputs }

func (op *EmbeddingOp) Forward(weight, ids *Tensor) (*Tensor, error) {
	idData, err := ids.GetInt32Data()
	if err != nil {
		return nil, errors.Wrap(err, "embedding ids")
	}
	if len(weight.Shape) != 2 {
		return nil, errors.Errorf("embedding weight must be 2-D, got %v", weight.Shape)
	}
	w, err := weight.GetFloat32Data()
	if err != nil {
		return nil, err
	}

	vocab, hidden := weight.Shape[0], weight.Shape[1]
	out := make([]float32, len(idData)*hidden)
	for i, id := range idData {
		if id < 0 || int(id) >= vocab {
			return nil, errors.Errorf("embedding id %d out of range [0, %d)", id, vocab)
		}
		copy(out[i*hidden:(i+1)*hidden], w[int(id)*hidden:(int(id)+1)*hidden])
	}

	result, err := NewTensor([]int{len(idData), hidden}, Float32, weight.Device, out)
	if err != nil {
		return nil, err
	}
	op.inputs = []*Tensor{weight}
	op.ids = idData
	return attach(result, op, weight), nil
}

func (op *EmbeddingOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	weight := op.inputs[0]
	g, err := gradOut.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	hidden := weight.Shape[1]
	out := make([]float32, weight.NumElems)
	for i, id := range op.ids {
		dst := out[int(id)*hidden : (int(id)+1)*hidden]
		for j, v := range g[i*hidden : (i+1)*hidden] {
			dst[j] += v
		}
	}
	grad, err := NewTensor(weight.Shape, Float32, weight.Device, out)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

// GatherRowsOp selects rows of a [N,H] input by index. Indices may repeat.
type GatherRowsOp struct {
	inputs  []*Tensor
	indices []int
}

func (op *GatherRowsOp) Inputs() []*Tensor { return op.inputs }

func (op *GatherRowsOp) Forward(x *Tensor, indices []int) (*Tensor, error) {
	if len(x.Shape) != 2 {
		return nil, errors.Errorf("gather rows requires a 2-D tensor, got %v", x.Shape)
	}
	data, err := x.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	rows, cols := x.Shape[0], x.Shape[1]
	out := make([]float32, len(indices)*cols)
	for i, r := range indices {
		if r < 0 || r >= rows {
			return nil, errors.Errorf("row index %d out of range [0, %d)", r, rows)
		}
		copy(out[i*cols:(i+1)*cols], data[r*cols:(r+1)*cols])
	}
	result, err := NewTensor([]int{len(indices), cols}, Float32, x.Device, out)
	if err != nil {
		return nil, err
	}
	op.inputs = []*Tensor{x}
	op.indices = append([]int(nil), indices...)
	return attach(result, op, x), nil
}

func (op *GatherRowsOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	x := op.inputs[0]
	g, err := gradOut.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	cols := x.Shape[1]
	out := make([]float32, x.NumElems)
	for i, r := range op.indices {
		dst := out[r*cols : (r+1)*cols]
		for j, v := range g[i*cols : (i+1)*cols] {
			dst[j] += v
		}
	}
	grad, err := NewTensor(x.Shape, Float32, x.Device, out)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

// MaskRowsOp multiplies row i of a [N,H] input by mask[i].
type MaskRowsOp struct {
	inputs []*Tensor
	mask   []float32
}

func (op *MaskRowsOp) Inputs() []*Tensor { return op.inputs }

func (op *MaskRowsOp) Forward(x *Tensor, mask []float32) (*Tensor, error) {
	if len(x.Shape) != 2 || x.Shape[0] != len(mask) {
		return nil, errors.Errorf("row mask of length %d does not fit tensor %v", len(mask), x.Shape)
	}
	op.inputs = []*Tensor{x}
	op.mask = append([]float32(nil), mask...)
	result, err := op.apply(x)
	if err != nil {
		return nil, err
	}
	return attach(result, op, x), nil
}

func (op *MaskRowsOp) apply(t *Tensor) (*Tensor, error) {
	data, err := t.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	cols := t.Shape[1]
	out := make([]float32, len(data))
	for i, v := range data {
		out[i] = v * op.mask[i/cols]
	}
	return NewTensor(t.Shape, Float32, t.Device, out)
}

func (op *MaskRowsOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	g, err := op.apply(gradOut)
	if err != nil {
		return nil, err
	}
	return []*Tensor{g}, nil
}

// ConcatColsOp joins [N,Hi] inputs along the column axis.
type ConcatColsOp struct {
	inputs []*Tensor
}

func (op *ConcatColsOp) Inputs() []*Tensor { return op.inputs }

func (op *ConcatColsOp) Forward(parts ...*Tensor) (*Tensor, error) {
	if len(parts) == 0 {
		return nil, errors.New("concat requires at least one tensor")
	}
	rows := parts[0].Shape[0]
	total := 0
	for _, p := range parts {
		if len(p.Shape) != 2 || p.Shape[0] != rows {
			return nil, errors.Errorf("cannot concatenate %v with %d rows", p.Shape, rows)
		}
		total += p.Shape[1]
	}

	out := make([]float32, rows*total)
	offset := 0
	for _, p := range parts {
		data, err := p.GetFloat32Data()
		if err != nil {
			return nil, err
		}
		cols := p.Shape[1]
		for r := 0; r < rows; r++ {
			copy(out[r*total+offset:r*total+offset+cols], data[r*cols:(r+1)*cols])
		}
		offset += cols
	}

	result, err := NewTensor([]int{rows, total}, Float32, parts[0].Device, out)
	if err != nil {
		return nil, err
	}
	op.inputs = parts
	return attach(result, op, parts...), nil
}

func (op *ConcatColsOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	g, err := gradOut.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	rows, total := gradOut.Shape[0], gradOut.Shape[1]
	grads := make([]*Tensor, len(op.inputs))
	offset := 0
	for i, p := range op.inputs {
		cols := p.Shape[1]
		if p.requiresGrad {
			out := make([]float32, rows*cols)
			for r := 0; r < rows; r++ {
				copy(out[r*cols:(r+1)*cols], g[r*total+offset:r*total+offset+cols])
			}
			if grads[i], err = NewTensor(p.Shape, Float32, p.Device, out); err != nil {
				return nil, err
			}
		}
		offset += cols
	}
	return grads, nil
}

type ReshapeOp struct {
	inputs []*Tensor
}

func (op *ReshapeOp) Inputs() []*Tensor { return op.inputs }

func (op *ReshapeOp) Forward(x *Tensor, shape []int) (*Tensor, error) {
	op.inputs = []*Tensor{x}
	result, err := x.Reshape(shape)
	if err != nil {
		return nil, err
	}
	result.requiresGrad = false
	return attach(result, op, x), nil
}

func (op *ReshapeOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	g, err := gradOut.Reshape(op.inputs[0].Shape)
	if err != nil {
		return nil, err
	}
	return []*Tensor{g}, nil
}

func AddAutograd(a, b *Tensor) (*Tensor, error) {
	return (&AddOp{}).Forward(a, b)
}

func ScaleAutograd(x *Tensor, factor float32) (*Tensor, error) {
	return (&ScaleOp{}).Forward(x, factor)
}

func MatMulAutograd(a, b *Tensor) (*Tensor, error) {
	return (&MatMulOp{}).Forward(a, b)
}

func AddBiasAutograd(x, bias *Tensor) (*Tensor, error) {
	return (&AddBiasOp{}).Forward(x, bias)
}

// LinearAutograd computes x·W + b.
func LinearAutograd(x, weight, bias *Tensor) (*Tensor, error) {
	h, err := MatMulAutograd(x, weight)
	if err != nil {
		return nil, err
	}
	return AddBiasAutograd(h, bias)
}

func TanhAutograd(x *Tensor) (*Tensor, error) {
	return (&TanhOp{}).Forward(x)
}

func EmbeddingAutograd(weight, ids *Tensor) (*Tensor, error) {
	return (&EmbeddingOp{}).Forward(weight, ids)
}

func GatherRowsAutograd(x *Tensor, indices []int) (*Tensor, error) {
	return (&GatherRowsOp{}).Forward(x, indices)
}

func MaskRowsAutograd(x *Tensor, mask []float32) (*Tensor, error) {
	return (&MaskRowsOp{}).Forward(x, mask)
}

func ConcatColsAutograd(parts ...*Tensor) (*Tensor, error) {
	return (&ConcatColsOp{}).Forward(parts...)
}

func ReshapeAutograd(x *Tensor, shape []int) (*Tensor, error) {
	return (&ReshapeOp{}).Forward(x, shape)
}
