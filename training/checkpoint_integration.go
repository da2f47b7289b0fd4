package training

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/tsawler/go-mtb/checkpoints"
	"github.com/tsawler/go-mtb/nn"
)

// CheckpointManager converts between TrainerState and persisted
// checkpoints for one model.
type CheckpointManager struct {
	store   PersistenceStore
	modelNo int
	logger  zerolog.Logger
}

func NewCheckpointManager(store PersistenceStore, modelNo int, logger zerolog.Logger) *CheckpointManager {
	return &CheckpointManager{store: store, modelNo: modelNo, logger: logger}
}

// LoadLatest returns the latest checkpoint, or nil when there is none or it
// cannot be read. Neither case is fatal.
func (cm *CheckpointManager) LoadLatest() *checkpoints.Checkpoint {
	cp, err := cm.store.LoadState(false)
	switch {
	case errors.Is(err, checkpoints.ErrCheckpointNotFound):
		cm.logger.Warn().Msg("No saved checkpoint, starting fresh")
		return nil
	case err != nil:
		cm.logger.Warn().Err(err).Msg("Failed to load checkpoint, starting fresh")
		return nil
	}
	return cp
}

// Restore applies the optimizer, scheduler and precision state of cp and
// the saved progress counters to state. The model weights are loaded
// separately, before the precision strategy is built.
func (cm *CheckpointManager) Restore(cp *checkpoints.Checkpoint, state *TrainerState) error {
	if cp.TrainingState.Epoch < 0 || cp.TrainingState.Step < 0 {
		return errors.Errorf("invalid training state %+v", cp.TrainingState)
	}
	if cp.OptimizerState != nil {
		if err := state.Optimizer.LoadState(cp.OptimizerState); err != nil {
			return errors.Wrap(err, "failed to restore optimizer state")
		}
	}
	if err := state.Schedule.LoadState(cp.SchedulerState, state.Optimizer); err != nil {
		return errors.Wrap(err, "failed to restore scheduler state")
	}
	if err := state.Precision.LoadStateDict(cp.PrecisionState); err != nil {
		return errors.Wrap(err, "failed to restore precision state")
	}

	state.Epoch = cp.TrainingState.Epoch
	state.GlobalStep = cp.TrainingState.Step
	state.BestMetric = math.Inf(-1)
	if cp.TrainingState.BestAccuracy != nil {
		state.BestMetric = *cp.TrainingState.BestAccuracy
	}
	return nil
}

// Snapshot builds a checkpoint of state. The weights come from the
// parameters the optimizer updates, so mixed precision runs persist the
// fp32 masters.
func (cm *CheckpointManager) Snapshot(state *TrainerState, epochLoss, epochAcc float64, description string) (*checkpoints.Checkpoint, error) {
	weights, err := checkpoints.ExtractWeights(state.Precision.OptimizerParams())
	if err != nil {
		return nil, errors.Wrap(err, "failed to extract weights")
	}
	optState, err := state.Optimizer.GetState()
	if err != nil {
		return nil, errors.Wrap(err, "failed to extract optimizer state")
	}

	ts := checkpoints.TrainingState{
		Epoch:         state.Epoch,
		Step:          state.GlobalStep,
		LearningRate:  state.Optimizer.GetLearningRate(),
		EpochLoss:     epochLoss,
		EpochAccuracy: epochAcc,
	}
	if !math.IsInf(state.BestMetric, -1) {
		best := state.BestMetric
		ts.BestAccuracy = &best
	}

	return &checkpoints.Checkpoint{
		Weights:        weights,
		TrainingState:  ts,
		OptimizerState: optState,
		SchedulerState: state.Schedule.State(),
		PrecisionState: state.Precision.StateDict(),
		Metadata: checkpoints.CheckpointMetadata{
			ModelNo:     cm.modelNo,
			Description: description,
			Tags:        []string{fmt.Sprintf("epoch_%d", state.Epoch), state.Precision.Name()},
		},
	}, nil
}

// Save snapshots state into the slot named by kind.
func (cm *CheckpointManager) Save(kind checkpoints.Kind, state *TrainerState, epochLoss, epochAcc float64) error {
	description := fmt.Sprintf("Epoch %d - Loss: %.6f, Accuracy: %.2f%%", state.Epoch, epochLoss, epochAcc*100)
	if kind == checkpoints.KindBest {
		description = "Best checkpoint - " + description
	}
	cp, err := cm.Snapshot(state, epochLoss, epochAcc, description)
	if err != nil {
		return err
	}
	return cm.store.SaveState(kind, cp)
}

// LoadHistory returns the saved metric history, or an empty one when it
// cannot be read.
func (cm *CheckpointManager) LoadHistory() *checkpoints.MetricHistory {
	h, err := cm.store.LoadHistory()
	if err != nil {
		cm.logger.Warn().Err(err).Msg("Failed to load metric history, starting empty")
		return &checkpoints.MetricHistory{}
	}
	if h == nil {
		return &checkpoints.MetricHistory{}
	}
	return h
}

func (cm *CheckpointManager) SaveHistory(h *checkpoints.MetricHistory) error {
	return errors.Wrap(cm.store.SaveHistory(h), "failed to save metric history")
}

// restoreWeights loads cp's weights into params, all or nothing.
func restoreWeights(cp *checkpoints.Checkpoint, params []*nn.Parameter) error {
	return errors.Wrap(checkpoints.LoadWeights(cp.Weights, params), "failed to restore model weights")
}
