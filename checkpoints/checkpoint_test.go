package checkpoints

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/go-mtb/nn"
	"github.com/tsawler/go-mtb/tensor"
)

func sampleCheckpoint() *Checkpoint {
	best := 0.625
	return &Checkpoint{
		Weights: []WeightTensor{
			{
				Name:  "lm_linear.weight",
				Shape: []int{4, 3},
				Data:  []float32{0, 0.1, 0.2, 0.3, 0.4, 0.5, -0.6, -0.7, 0.8, 0.9, 1, 1.1},
				Layer: "lm_linear",
				Type:  "weight",
			},
			{
				Name:  "lm_linear.bias",
				Shape: []int{3},
				Data:  []float32{0.5, -0.5, 0},
				Layer: "lm_linear",
				Type:  "bias",
			},
		},
		TrainingState: TrainingState{
			Epoch:         3,
			Step:          42,
			LearningRate:  0.00008,
			BestAccuracy:  &best,
			EpochLoss:     1.75,
			EpochAccuracy: 0.625,
		},
		OptimizerState: &OptimizerState{
			Type: "Adam",
			Parameters: map[string]interface{}{
				"learning_rate": 0.00008,
				"step_count":    float64(21),
			},
			StateData: []OptimizerTensor{
				{Name: "momentum_0", Shape: []int{4, 3}, Data: make([]float32, 12), StateType: "momentum"},
			},
		},
		SchedulerState: &SchedulerState{
			Type:       "MultiStepLR",
			LastEpoch:  3,
			BaseLR:     0.0001,
			Parameters: map[string]interface{}{"gamma": 0.8},
		},
		PrecisionState: &PrecisionState{LossScale: 32768, UnskippedSteps: 7, SkippedSteps: 1},
		Metadata: CheckpointMetadata{
			Version:     "1.0.0",
			Framework:   "go-mtb",
			CreatedAt:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
			RunID:       "run-1",
			ModelNo:     2,
			Description: "Test checkpoint",
			Tags:        []string{"test", "blanks"},
		},
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	for _, format := range []CheckpointFormat{FormatJSON, FormatProto} {
		t.Run(format.String(), func(t *testing.T) {
			checkpoint := sampleCheckpoint()
			saver := NewCheckpointSaver(format)
			path := filepath.Join(t.TempDir(), "checkpoint."+format.Extension())

			if err := saver.SaveCheckpoint(checkpoint, path); err != nil {
				t.Fatalf("Failed to save checkpoint: %v", err)
			}
			loaded, err := saver.LoadCheckpoint(path)
			if err != nil {
				t.Fatalf("Failed to load checkpoint: %v", err)
			}

			if !reflect.DeepEqual(loaded.Weights, checkpoint.Weights) {
				t.Errorf("weights mismatch:\n got %+v\nwant %+v", loaded.Weights, checkpoint.Weights)
			}
			ts := loaded.TrainingState
			if ts.Epoch != 3 || ts.Step != 42 || ts.LearningRate != 0.00008 {
				t.Errorf("training state mismatch: %+v", ts)
			}
			if ts.BestAccuracy == nil || *ts.BestAccuracy != 0.625 {
				t.Errorf("best accuracy = %v, expected 0.625", ts.BestAccuracy)
			}
			if loaded.OptimizerState == nil || loaded.OptimizerState.Type != "Adam" {
				t.Fatalf("optimizer state not restored: %+v", loaded.OptimizerState)
			}
			if got := loaded.OptimizerState.Parameters["step_count"]; got != float64(21) {
				t.Errorf("step_count = %v (%T), expected float64 21", got, got)
			}
			if len(loaded.OptimizerState.StateData) != 1 || len(loaded.OptimizerState.StateData[0].Data) != 12 {
				t.Errorf("optimizer tensors not restored: %+v", loaded.OptimizerState.StateData)
			}
			if !reflect.DeepEqual(loaded.SchedulerState, checkpoint.SchedulerState) {
				t.Errorf("scheduler state = %+v, want %+v", loaded.SchedulerState, checkpoint.SchedulerState)
			}
			if !reflect.DeepEqual(loaded.PrecisionState, checkpoint.PrecisionState) {
				t.Errorf("precision state = %+v, want %+v", loaded.PrecisionState, checkpoint.PrecisionState)
			}
			md := loaded.Metadata
			if !md.CreatedAt.Equal(checkpoint.Metadata.CreatedAt) || md.RunID != "run-1" || md.ModelNo != 2 {
				t.Errorf("metadata mismatch: %+v", md)
			}
			if !reflect.DeepEqual(md.Tags, []string{"test", "blanks"}) {
				t.Errorf("tags = %v", md.Tags)
			}
		})
	}
}

func TestCheckpointWithoutBestOrPrecision(t *testing.T) {
	for _, format := range []CheckpointFormat{FormatJSON, FormatProto} {
		t.Run(format.String(), func(t *testing.T) {
			checkpoint := &Checkpoint{TrainingState: TrainingState{Epoch: 1}}
			saver := NewCheckpointSaver(format)
			path := filepath.Join(t.TempDir(), "cp")
			if err := saver.SaveCheckpoint(checkpoint, path); err != nil {
				t.Fatalf("save failed: %v", err)
			}
			loaded, err := saver.LoadCheckpoint(path)
			if err != nil {
				t.Fatalf("load failed: %v", err)
			}
			if loaded.TrainingState.BestAccuracy != nil {
				t.Errorf("best accuracy should be absent, got %v", *loaded.TrainingState.BestAccuracy)
			}
			if loaded.PrecisionState != nil || loaded.OptimizerState != nil {
				t.Error("absent sections should stay nil")
			}
		})
	}
}

func TestCheckpointFormat(t *testing.T) {
	tests := []struct {
		input   string
		want    CheckpointFormat
		wantErr bool
	}{
		{"json", FormatJSON, false},
		{"", FormatJSON, false},
		{"proto", FormatProto, false},
		{"PB", FormatProto, false},
		{"onnx", FormatJSON, true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFormat(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseFormat(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}

	if FormatJSON.String() != "JSON" || FormatProto.String() != "Proto" || CheckpointFormat(99).String() != "Unknown" {
		t.Error("unexpected format names")
	}
	if FormatProto.Extension() != "pb" || FormatJSON.Extension() != "json" {
		t.Error("unexpected format extensions")
	}
}

func TestLoadMissingCheckpoint(t *testing.T) {
	saver := NewCheckpointSaver(FormatJSON)
	_, err := saver.LoadCheckpoint(filepath.Join(t.TempDir(), "missing.json"))
	if !errors.Is(err, ErrCheckpointNotFound) {
		t.Errorf("expected ErrCheckpointNotFound, got %v", err)
	}
}

func TestLoadCorruptCheckpoint(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad")
	os.WriteFile(path, []byte{0xff, 0xff, 0xff}, 0o644)

	for _, format := range []CheckpointFormat{FormatJSON, FormatProto} {
		_, err := NewCheckpointSaver(format).LoadCheckpoint(path)
		if err == nil {
			t.Errorf("%s: expected a decode error", format)
		}
		if errors.Is(err, ErrCheckpointNotFound) {
			t.Errorf("%s: corrupt file reported as missing", format)
		}
	}
}

func TestCheckpointMetadataDefaults(t *testing.T) {
	checkpoint := &Checkpoint{}
	path := filepath.Join(t.TempDir(), "cp.json")
	if err := NewCheckpointSaver(FormatJSON).SaveCheckpoint(checkpoint, path); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	md := checkpoint.Metadata
	if md.Framework != "go-mtb" || md.Version != "1.0.0" {
		t.Errorf("framework/version not defaulted: %+v", md)
	}
	if md.CreatedAt.IsZero() || md.RunID == "" {
		t.Errorf("created_at/run_id not defaulted: %+v", md)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("temporary files left behind: %v", entries)
	}
}

func newParam(t *testing.T, name string, shape []int, values []float32) *nn.Parameter {
	t.Helper()
	v, err := tensor.NewTensor(shape, tensor.Float32, tensor.CPU, values)
	if err != nil {
		t.Fatalf("NewTensor failed: %v", err)
	}
	return &nn.Parameter{Name: name, Value: v}
}

func TestExtractAndLoadWeights(t *testing.T) {
	src := []*nn.Parameter{
		newParam(t, "encoder.layer.0.dense.weight", []int{2, 2}, []float32{1, 2, 3, 4}),
		newParam(t, "encoder.layer.0.dense.bias", []int{2}, []float32{5, 6}),
	}
	weights, err := ExtractWeights(src)
	if err != nil {
		t.Fatalf("ExtractWeights failed: %v", err)
	}
	if weights[0].Layer != "encoder.layer.0.dense" || weights[1].Type != "bias" {
		t.Errorf("unexpected layer/type split: %+v", weights)
	}

	// Extracted data must not alias the live parameters.
	src[0].Value.Data.([]float32)[0] = 100
	if weights[0].Data[0] != 1 {
		t.Error("extracted weights alias the parameter data")
	}

	// Parameters are matched by name, not position.
	dst := []*nn.Parameter{
		newParam(t, "encoder.layer.0.dense.bias", []int{2}, []float32{0, 0}),
		newParam(t, "encoder.layer.0.dense.weight", []int{2, 2}, []float32{0, 0, 0, 0}),
	}
	if err := LoadWeights(weights, dst); err != nil {
		t.Fatalf("LoadWeights failed: %v", err)
	}
	if got := dst[0].Value.Data.([]float32); got[0] != 5 || got[1] != 6 {
		t.Errorf("bias = %v, expected [5 6]", got)
	}
	if got := dst[1].Value.Data.([]float32); got[3] != 4 {
		t.Errorf("weight = %v, expected [1 2 3 4]", got)
	}
}

func TestLoadWeightsErrors(t *testing.T) {
	weights := []WeightTensor{{Name: "w", Shape: []int{2}, Data: []float32{1, 2}}}

	tests := []struct {
		name  string
		param *nn.Parameter
	}{
		{"missing", newParam(t, "other", []int{2}, []float32{0, 0})},
		{"rank", newParam(t, "w", []int{1, 2}, []float32{0, 0})},
		{"dimension", newParam(t, "w", []int{3}, []float32{0, 0, 0})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := LoadWeights(weights, []*nn.Parameter{tt.param}); err == nil {
				t.Error("expected an error")
			}
		})
	}
}
