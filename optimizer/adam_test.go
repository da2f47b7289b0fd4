package optimizer

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/tsawler/go-mtb/nn"
	"github.com/tsawler/go-mtb/tensor"
)

func newParam(t *testing.T, name string, values []float32, trainable bool) *nn.Parameter {
	t.Helper()
	v, err := tensor.NewTensor([]int{len(values)}, tensor.Float32, tensor.CPU, append([]float32(nil), values...))
	if err != nil {
		t.Fatalf("NewTensor failed: %v", err)
	}
	v.SetRequiresGrad(trainable)
	return &nn.Parameter{Name: name, Value: v}
}

func setGrad(t *testing.T, p *nn.Parameter, values []float32) {
	t.Helper()
	g, err := tensor.NewTensor(p.Value.Shape, tensor.Float32, tensor.CPU, append([]float32(nil), values...))
	if err != nil {
		t.Fatalf("NewTensor failed: %v", err)
	}
	p.Value.SetGrad(g)
}

func approxEqual(a, b float32) bool {
	return math.Abs(float64(a-b)) < 1e-5
}

// TestAdamConfig tests the Adam configuration
func TestAdamConfig(t *testing.T) {
	config := DefaultAdamConfig()

	if config.LearningRate != 0.001 {
		t.Errorf("Expected learning rate 0.001, got %f", config.LearningRate)
	}
	if config.Beta1 != 0.9 {
		t.Errorf("Expected beta1 0.9, got %f", config.Beta1)
	}
	if config.Beta2 != 0.999 {
		t.Errorf("Expected beta2 0.999, got %f", config.Beta2)
	}
	if config.Epsilon != 1e-8 {
		t.Errorf("Expected epsilon 1e-8, got %f", config.Epsilon)
	}
	if config.WeightDecay != 0.0 {
		t.Errorf("Expected weight decay 0.0, got %f", config.WeightDecay)
	}
}

func TestAdamStep(t *testing.T) {
	cfg := DefaultAdamConfig()
	cfg.LearningRate = 0.1

	trainable := newParam(t, "lm_linear.weight", []float32{1, -1}, true)
	frozen := newParam(t, "encoder.layer.0.dense.weight", []float32{2}, false)

	adam, err := NewAdamOptimizer(cfg, []*nn.Parameter{trainable, frozen})
	if err != nil {
		t.Fatalf("NewAdamOptimizer failed: %v", err)
	}

	setGrad(t, trainable, []float32{0.5, -0.25})
	if err := adam.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	// The first bias-corrected Adam step moves each weight by lr*sign(grad).
	w := trainable.Value.Data.([]float32)
	if !approxEqual(w[0], 0.9) || !approxEqual(w[1], -0.9) {
		t.Errorf("weights after one step = %v, expected [0.9 -0.9]", w)
	}
	if frozen.Value.Data.([]float32)[0] != 2 {
		t.Error("frozen parameter was updated")
	}
	if adam.MomentumBuffers[1] != nil {
		t.Error("frozen parameter should not allocate optimizer state")
	}
	if adam.GetStepCount() != 1 {
		t.Errorf("step count = %d, expected 1", adam.GetStepCount())
	}

	adam.ZeroGrad()
	if trainable.Value.Grad().Data.([]float32)[0] != 0 {
		t.Error("ZeroGrad did not clear the gradient")
	}
}

func TestAdamStateRoundTrip(t *testing.T) {
	cfg := DefaultAdamConfig()
	cfg.LearningRate = 0.01
	p := newParam(t, "pooler.dense.bias", []float32{0.3, 0.7}, true)

	adam, _ := NewAdamOptimizer(cfg, []*nn.Parameter{p})
	for i := 0; i < 3; i++ {
		setGrad(t, p, []float32{0.1, -0.2})
		if err := adam.Step(); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
	}
	adam.UpdateLearningRate(0.005)

	state, err := adam.GetState()
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}

	// Checkpoints pass the state through JSON; numbers come back as float64.
	raw, _ := json.Marshal(state)
	var decoded OptimizerState
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	restoredParam := newParam(t, "pooler.dense.bias", p.Value.Data.([]float32), true)
	restored, _ := NewAdamOptimizer(DefaultAdamConfig(), []*nn.Parameter{restoredParam})
	if err := restored.LoadState(&decoded); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}

	if restored.GetStepCount() != 3 {
		t.Errorf("step count = %d, expected 3", restored.GetStepCount())
	}
	if restored.GetLearningRate() != 0.005 {
		t.Errorf("learning rate = %v, expected 0.005", restored.GetLearningRate())
	}

	// Both optimizers must now take identical steps.
	setGrad(t, p, []float32{0.05, 0.05})
	setGrad(t, restoredParam, []float32{0.05, 0.05})
	adam.Step()
	restored.Step()
	a, b := p.Value.Data.([]float32), restoredParam.Value.Data.([]float32)
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("weight %d diverged after restore: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestAdamLoadStateRejectsMismatch(t *testing.T) {
	p := newParam(t, "w", []float32{1, 2}, true)
	adam, _ := NewAdamOptimizer(DefaultAdamConfig(), []*nn.Parameter{p})

	if err := adam.LoadState(&OptimizerState{Type: "SGD"}); err == nil {
		t.Error("expected a type mismatch error")
	}

	bad := &OptimizerState{
		Type:       "Adam",
		Parameters: map[string]interface{}{},
	}
	bad.StateData = append(bad.StateData, *extractBufferState([]float32{1, 2, 3}, []int{3}, "momentum_0", "momentum"))
	if err := adam.LoadState(bad); err == nil {
		t.Error("expected a size mismatch error")
	}
}

func TestNewAdamValidation(t *testing.T) {
	if _, err := NewAdamOptimizer(DefaultAdamConfig(), nil); err == nil {
		t.Error("expected an error with no parameters")
	}
	cfg := DefaultAdamConfig()
	cfg.LearningRate = 0
	if _, err := NewAdamOptimizer(cfg, []*nn.Parameter{newParam(t, "w", []float32{1}, true)}); err == nil {
		t.Error("expected an error for a zero learning rate")
	}
}
