package checkpoints

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/tsawler/go-mtb/nn"
)

// ErrCheckpointNotFound is returned when the requested checkpoint file does not exist.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatProto
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatProto:
		return "Proto"
	default:
		return "Unknown"
	}
}

// Extension returns the file extension used for the format.
func (cf CheckpointFormat) Extension() string {
	if cf == FormatProto {
		return "pb"
	}
	return "json"
}

// ParseFormat maps a configuration value onto a CheckpointFormat.
func ParseFormat(name string) (CheckpointFormat, error) {
	switch strings.ToLower(name) {
	case "json", "":
		return FormatJSON, nil
	case "proto", "protobuf", "pb":
		return FormatProto, nil
	default:
		return FormatJSON, errors.Errorf("unknown checkpoint format %q", name)
	}
}

// Checkpoint represents a complete training state: weights, optimizer,
// scheduler and precision state plus progress metadata.
type Checkpoint struct {
	Weights []WeightTensor `json:"weights"`

	TrainingState TrainingState `json:"training_state"`

	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`
	SchedulerState *SchedulerState `json:"scheduler_state,omitempty"`

	// PrecisionState is only present when the run used mixed precision.
	PrecisionState *PrecisionState `json:"precision_state,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight", "bias"
}

// TrainingState captures the current training progress
type TrainingState struct {
	// Epoch is the next epoch to run.
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float32 `json:"learning_rate"`

	// BestAccuracy is nil until an epoch has produced a best metric.
	BestAccuracy *float64 `json:"best_accuracy,omitempty"`

	EpochLoss     float64 `json:"epoch_loss"`
	EpochAccuracy float64 `json:"epoch_accuracy"`
}

// OptimizerState captures optimizer-specific state (momentum, variance, etc.)
type OptimizerState struct {
	Type       string                 `json:"type"` // "SGD", "Adam"
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "momentum", "variance"
}

// SchedulerState captures learning rate scheduler progress.
type SchedulerState struct {
	Type       string                 `json:"type"`
	LastEpoch  int                    `json:"last_epoch"`
	BaseLR     float64                `json:"base_lr"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// PrecisionState captures the dynamic loss scaler of a mixed precision run.
type PrecisionState struct {
	LossScale      float64 `json:"loss_scale"`
	UnskippedSteps int     `json:"unskipped_steps"`
	SkippedSteps   int     `json:"skipped_steps"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	RunID       string    `json:"run_id,omitempty"`
	ModelNo     int       `json:"model_no"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// CheckpointSaver handles saving checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// SaveCheckpoint writes a checkpoint atomically: the data lands in a
// temporary file next to path which is then renamed over it.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	fillMetadata(&checkpoint.Metadata)

	var (
		data []byte
		err  error
	)
	switch cs.format {
	case FormatJSON:
		data, err = json.MarshalIndent(checkpoint, "", "  ")
	case FormatProto:
		data, err = marshalProto(checkpoint)
	default:
		return errors.Errorf("unsupported checkpoint format: %s", cs.format)
	}
	if err != nil {
		return errors.Wrap(err, "failed to encode checkpoint")
	}
	return writeFileAtomic(path, data)
}

// LoadCheckpoint loads a checkpoint. A missing file yields ErrCheckpointNotFound.
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(ErrCheckpointNotFound, path)
		}
		return nil, errors.Wrap(err, "failed to open checkpoint file")
	}

	var checkpoint Checkpoint
	switch cs.format {
	case FormatJSON:
		if err := json.Unmarshal(data, &checkpoint); err != nil {
			return nil, errors.Wrap(err, "failed to decode checkpoint")
		}
	case FormatProto:
		if err := unmarshalProto(data, &checkpoint); err != nil {
			return nil, errors.Wrap(err, "failed to decode checkpoint")
		}
	default:
		return nil, errors.Errorf("unsupported checkpoint format: %s", cs.format)
	}
	return &checkpoint, nil
}

func fillMetadata(md *CheckpointMetadata) {
	if md.Framework == "" {
		md.Framework = "go-mtb"
		md.Version = "1.0.0"
	}
	if md.CreatedAt.IsZero() {
		md.CreatedAt = time.Now()
	}
	if md.RunID == "" {
		md.RunID = uuid.NewString()
	}
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create checkpoint directory %s", dir)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "failed to create checkpoint file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "failed to write checkpoint")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "failed to close checkpoint file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "failed to move checkpoint into place")
	}
	return nil
}

// ExtractWeights copies every named parameter into a WeightTensor.
func ExtractWeights(params []*nn.Parameter) ([]WeightTensor, error) {
	weights := make([]WeightTensor, 0, len(params))
	for _, p := range params {
		data, err := p.Value.GetFloat32Data()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to extract weight data for %s", p.Name)
		}
		layer, kind := splitParamName(p.Name)
		weights = append(weights, WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Value.Shape...),
			Data:  append([]float32(nil), data...),
			Layer: layer,
			Type:  kind,
		})
	}
	return weights, nil
}

// LoadWeights copies checkpoint weights into the parameters with the same
// name. Every parameter must be present with a matching shape; nothing is
// copied unless all of them are.
func LoadWeights(weights []WeightTensor, params []*nn.Parameter) error {
	weightMap := make(map[string]WeightTensor, len(weights))
	for _, weight := range weights {
		weightMap[weight.Name] = weight
	}

	dsts := make([][]float32, len(params))
	srcs := make([][]float32, len(params))
	for i, p := range params {
		weight, ok := weightMap[p.Name]
		if !ok {
			return errors.Errorf("checkpoint has no weight for parameter %s", p.Name)
		}
		if len(p.Value.Shape) != len(weight.Shape) {
			return errors.Errorf("shape mismatch for weight %s: tensor %v vs weight %v",
				weight.Name, p.Value.Shape, weight.Shape)
		}
		for j, dim := range p.Value.Shape {
			if dim != weight.Shape[j] {
				return errors.Errorf("dimension mismatch for weight %s at index %d: tensor %d vs weight %d",
					weight.Name, j, dim, weight.Shape[j])
			}
		}
		dst, err := p.Value.GetFloat32Data()
		if err != nil {
			return errors.Wrapf(err, "parameter %s", p.Name)
		}
		if len(dst) != len(weight.Data) {
			return errors.Errorf("weight %s has %d values, expected %d", weight.Name, len(weight.Data), len(dst))
		}
		dsts[i], srcs[i] = dst, weight.Data
	}

	for i := range dsts {
		copy(dsts[i], srcs[i])
	}
	return nil
}

// splitParamName splits "encoder.layer.3.dense.weight" into the layer path
// and the trailing parameter kind.
func splitParamName(name string) (string, string) {
	idx := strings.LastIndex(name, ".")
	if idx < 0 {
		return name, "weight"
	}
	return name[:idx], name[idx+1:]
}
