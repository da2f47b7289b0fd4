package training

import (
	"math"
	"testing"

	"github.com/tsawler/go-mtb/tensor"
)

func mustTensor(t *testing.T, shape []int, dtype tensor.DType, values interface{}) *tensor.Tensor {
	t.Helper()
	x, err := tensor.NewTensor(shape, dtype, tensor.CPU, values)
	if err != nil {
		t.Fatalf("NewTensor failed: %v", err)
	}
	return x
}

func TestTwoHeadedLoss(t *testing.T) {
	// Uniform logits over 4 classes give ln(4) cross-entropy; zero blanks
	// logits give ln(2) binary cross-entropy.
	lm := mustTensor(t, []int{2, 4}, tensor.Float32, make([]float32, 8))
	lm.SetRequiresGrad(true)
	blanks := mustTensor(t, []int{3}, tensor.Float32, make([]float32, 3))
	blanks.SetRequiresGrad(true)
	labels := mustTensor(t, []int{2}, tensor.Int32, []int32{1, 3})
	blankLabels := mustTensor(t, []int{3}, tensor.Float32, []float32{1, 0, 1})

	loss, err := NewTwoHeadedLoss(0).Compute(lm, blanks, labels, blankLabels)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	got, _ := loss.Item()
	want := math.Log(4) + math.Log(2)
	if math.Abs(got-want) > 1e-5 {
		t.Errorf("loss = %v, want %v", got, want)
	}

	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	if lm.Grad() == nil || blanks.Grad() == nil {
		t.Error("both heads should receive gradients")
	}
}

func TestTwoHeadedLossIgnoresPadding(t *testing.T) {
	lm := mustTensor(t, []int{2, 3}, tensor.Float32, []float32{0, 0, 0, 5, -5, 0})
	blanks := mustTensor(t, []int{1}, tensor.Float32, []float32{0})
	blankLabels := mustTensor(t, []int{1}, tensor.Float32, []float32{0})

	// The second row is labelled with the pad id and must not count.
	padded := mustTensor(t, []int{2}, tensor.Int32, []int32{2, 0})
	loss, err := NewTwoHeadedLoss(0).Compute(lm, blanks, padded, blankLabels)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	got, _ := loss.Item()
	want := math.Log(3) + math.Log(2)
	if math.Abs(got-want) > 1e-5 {
		t.Errorf("loss = %v, want %v", got, want)
	}
}

func TestTwoHeadedLossShapeErrors(t *testing.T) {
	blanks := mustTensor(t, []int{1}, tensor.Float32, []float32{0})
	blankLabels := mustTensor(t, []int{1}, tensor.Float32, []float32{0})

	tests := []struct {
		name   string
		lm     *tensor.Tensor
		labels *tensor.Tensor
	}{
		{"rank 3 logits", mustTensor(t, []int{1, 1, 2}, tensor.Float32, []float32{0, 0}), mustTensor(t, []int{1}, tensor.Int32, []int32{1})},
		{"label count", mustTensor(t, []int{2, 2}, tensor.Float32, make([]float32, 4)), mustTensor(t, []int{1}, tensor.Int32, []int32{1})},
	}
	for _, tt := range tests {
		if _, err := NewTwoHeadedLoss(0).Compute(tt.lm, blanks, tt.labels, blankLabels); err == nil {
			t.Errorf("%s: expected an error", tt.name)
		}
	}
}

func TestLMAccuracy(t *testing.T) {
	logits := mustTensor(t, []int{4, 3}, tensor.Float32, []float32{
		0.9, 0.1, 0.0, // 0
		0.1, 0.8, 0.1, // 1
		0.0, 0.2, 0.7, // 2
		0.5, 0.4, 0.1, // 0
	})

	tests := []struct {
		name   string
		labels []int32
		ignore int32
		want   float64
	}{
		{"all correct", []int32{0, 1, 2, 0}, -1, 1},
		{"half correct", []int32{0, 2, 2, 1}, -1, 0.5},
		{"ignored rows skipped", []int32{0, 9, 9, 1}, 9, 0.5},
		{"everything ignored", []int32{9, 9, 9, 9}, 9, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			labels := mustTensor(t, []int{4}, tensor.Int32, tt.labels)
			got, err := NewLMAccuracy(tt.ignore).Evaluate(logits, nil, labels, nil)
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("accuracy = %v, want %v", got, tt.want)
			}
		})
	}

	empty := mustTensor(t, []int{0, 3}, tensor.Float32, []float32{})
	none := mustTensor(t, []int{0}, tensor.Int32, []int32{})
	if got, err := NewLMAccuracy(0).Evaluate(empty, nil, none, nil); err != nil || got != 0 {
		t.Errorf("no masked positions: got %v, %v", got, err)
	}
}
