package model

import (
	"reflect"
	"testing"

	"github.com/tsawler/go-mtb/tensor"
)

func smallConfig() Config {
	return Config{VocabSize: 120, TypeVocabSize: 2, HiddenSize: 8, NumLayers: 12, QDim: 3}
}

func testInput(t *testing.T) Input {
	t.Helper()
	tokens, _ := tensor.NewTensor([]int{2, 4}, tensor.Int32, tensor.CPU, []int32{101, 103, 7, 102, 101, 9, 103, 0})
	types, _ := tensor.Zeros([]int{2, 4}, tensor.Int32, tensor.CPU)
	mask, _ := tensor.NewTensor([]int{2, 4}, tensor.Float32, tensor.CPU, []float32{1, 1, 1, 1, 1, 1, 1, 0})
	q, _ := tensor.NewTensor([]int{2, 3}, tensor.Float32, tensor.CPU, []float32{1, 0, 0, 0, 1, 0})
	starts, _ := tensor.NewTensor([]int{2, 2}, tensor.Int32, tensor.CPU, []int32{0, 2, 1, 2})
	return Input{TokenIDs: tokens, TokenTypeIDs: types, AttentionMask: mask, Q: q, EntityStarts: starts}
}

func TestBlanksModelParameterNames(t *testing.T) {
	m, err := NewBlanksModel(smallConfig(), 1)
	if err != nil {
		t.Fatalf("NewBlanksModel failed: %v", err)
	}

	names := map[string][]int{}
	for _, p := range m.NamedParameters() {
		names[p.Name] = p.Value.Shape
	}

	expected := map[string][]int{
		"embeddings.word_embeddings.weight":       {120, 8},
		"embeddings.token_type_embeddings.weight": {2, 8},
		"encoder.layer.0.dense.weight":            {8, 8},
		"encoder.layer.11.dense.bias":             {8},
		"pooler.dense.weight":                     {8, 8},
		"blanks_linear.weight":                    {27, 1},
		"lm_linear.weight":                        {8, 120},
		"lm_linear.bias":                          {120},
	}
	for name, shape := range expected {
		got, ok := names[name]
		if !ok {
			t.Errorf("missing parameter %q", name)
			continue
		}
		if !reflect.DeepEqual(got, shape) {
			t.Errorf("%s shape = %v, expected %v", name, got, shape)
		}
	}

	// 2 embeddings + 12 layers*2 + pooler*2 + blanks*2 + lm*2
	if len(names) != 32 {
		t.Errorf("expected 32 parameters, got %d", len(names))
	}
}

func TestBlanksModelForward(t *testing.T) {
	m, _ := NewBlanksModel(smallConfig(), 1)
	out, err := m.Forward(testInput(t))
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	if !reflect.DeepEqual(out.BlanksLogits.Shape, []int{2}) {
		t.Errorf("blanks logits shape = %v, expected [2]", out.BlanksLogits.Shape)
	}
	if !reflect.DeepEqual(out.LMLogits.Shape, []int{2, 4, 120}) {
		t.Errorf("lm logits shape = %v, expected [2 4 120]", out.LMLogits.Shape)
	}
	if !out.LMLogits.RequiresGrad() || !out.BlanksLogits.RequiresGrad() {
		t.Error("outputs should be attached to the autograd graph")
	}
}

func TestBlanksModelIsDeterministic(t *testing.T) {
	a, _ := NewBlanksModel(smallConfig(), 9)
	b, _ := NewBlanksModel(smallConfig(), 9)
	outA, _ := a.Forward(testInput(t))
	outB, _ := b.Forward(testInput(t))
	if !outA.LMLogits.Equal(outB.LMLogits) || !outA.BlanksLogits.Equal(outB.BlanksLogits) {
		t.Error("same seed should give identical outputs")
	}
}

func TestBlanksModelRejectsBadInput(t *testing.T) {
	m, _ := NewBlanksModel(smallConfig(), 1)

	in := testInput(t)
	in.EntityStarts, _ = tensor.NewTensor([]int{2, 2}, tensor.Int32, tensor.CPU, []int32{0, 9, 1, 2})
	if _, err := m.Forward(in); err == nil {
		t.Error("expected an error for an entity start past the sequence")
	}

	in = testInput(t)
	in.Q, _ = tensor.Zeros([]int{2, 5}, tensor.Float32, tensor.CPU)
	if _, err := m.Forward(in); err == nil {
		t.Error("expected an error for a mis-sized Q")
	}
}

func TestTrainEval(t *testing.T) {
	m, _ := NewBlanksModel(smallConfig(), 1)
	m.Eval()
	if m.IsTraining() {
		t.Error("Eval should leave training mode")
	}
	m.Train()
	if !m.IsTraining() {
		t.Error("Train should enter training mode")
	}
	if m.Device() != tensor.CPU {
		t.Errorf("Device = %v, expected CPU", m.Device())
	}
}
