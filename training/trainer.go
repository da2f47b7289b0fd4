package training

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/tsawler/go-mtb/checkpoints"
	"github.com/tsawler/go-mtb/data"
	"github.com/tsawler/go-mtb/nn"
	"github.com/tsawler/go-mtb/optimizer"
	"github.com/tsawler/go-mtb/precision"
	"github.com/tsawler/go-mtb/tensor"
)

// TrainerConfig holds configuration for a pretraining run
type TrainerConfig struct {
	ModelNo          int
	NumEpochs        int
	LearningRate     float64
	GradientAccSteps int
	MaxNorm          float64
	FP16             bool
	PadTokenID       int32
	MaskTokenID      int32
	UpdateWindow     int // Batches per logging window (0 = a tenth of the epoch)
	DataDir          string
	Optimizer        string
	Scheduler        SchedulerConfig
}

func (c TrainerConfig) validate() error {
	switch {
	case c.NumEpochs <= 0:
		return errors.Errorf("num epochs must be positive, got %d", c.NumEpochs)
	case c.LearningRate <= 0:
		return errors.Errorf("learning rate must be positive, got %v", c.LearningRate)
	case c.GradientAccSteps < 1:
		return errors.Errorf("gradient accumulation steps must be at least 1, got %d", c.GradientAccSteps)
	case c.MaxNorm <= 0:
		return errors.Errorf("max norm must be positive, got %v", c.MaxNorm)
	case c.UpdateWindow < 0:
		return errors.Errorf("update window must not be negative, got %d", c.UpdateWindow)
	}
	return nil
}

// TrainerState is everything the loop mutates. It is loaded at start,
// updated every batch and epoch, and persisted at the end of every epoch.
type TrainerState struct {
	Epoch      int     // Next epoch to run
	BestMetric float64 // -Inf until an epoch has been scored
	GlobalStep int     // Optimizer updates applied

	Optimizer optimizer.Optimizer
	Schedule  *Schedule
	Precision precision.Strategy

	Accumulator      Accumulator
	WindowLosses     []float64
	WindowAccuracies []float64

	History *checkpoints.MetricHistory
}

// EpochMetrics summarizes one completed epoch
type EpochMetrics struct {
	Epoch        int
	Loss         float64
	Accuracy     float64
	LearningRate float64
	Duration     time.Duration
	Batches      int
	Updates      int
	Best         bool
}

type OptimizerFactory func(name string, params []*nn.Parameter, lr float32) (optimizer.Optimizer, error)

// Option customizes a Trainer
type Option func(*Trainer)

func WithLogger(logger zerolog.Logger) Option {
	return func(t *Trainer) { t.logger = logger }
}

func WithOptimizerFactory(factory OptimizerFactory) Option {
	return func(t *Trainer) { t.newOptimizer = factory }
}

// WithPrecisionProbe replaces the hardware check used when FP16 is requested.
func WithPrecisionProbe(probe func() bool) Option {
	return func(t *Trainer) { t.probe = probe }
}

func WithFreezePolicy(policy *FreezePolicy) Option {
	return func(t *Trainer) { t.freeze = policy }
}

// WithPlotRenderer replaces the PNG writer. A nil renderer disables plots.
func WithPlotRenderer(renderer PlotRenderer) Option {
	return func(t *Trainer) { t.plots = renderer }
}

func WithPlottingService(service *PlottingService) Option {
	return func(t *Trainer) { t.plotService = service }
}

func WithVisualizationCollector(collector *VisualizationCollector) Option {
	return func(t *Trainer) { t.collector = collector }
}

func WithProgressionFile(pf *ProgressionFile) Option {
	return func(t *Trainer) { t.progress = pf }
}

// Trainer runs masked-LM plus blanks pretraining over a DataSource.
type Trainer struct {
	config    TrainerConfig
	source    DataSource
	model     Model
	objective Objective
	evaluator Evaluator
	store     PersistenceStore

	logger       zerolog.Logger
	newOptimizer OptimizerFactory
	probe        func() bool
	freeze       *FreezePolicy
	plots        PlotRenderer
	plotService  *PlottingService
	collector    *VisualizationCollector
	progress     *ProgressionFile

	checkpoints *CheckpointManager
	state       *TrainerState
	metrics     []EpochMetrics
	batchesSeen int
}

// NewTrainer creates a Trainer. Nothing is loaded until Run.
func NewTrainer(config TrainerConfig, source DataSource, model Model, objective Objective, evaluator Evaluator, store PersistenceStore, opts ...Option) (*Trainer, error) {
	if err := config.validate(); err != nil {
		return nil, errors.Wrap(err, "invalid trainer config")
	}
	if source == nil || model == nil || objective == nil || evaluator == nil || store == nil {
		return nil, errors.New("trainer needs a data source, model, objective, evaluator and store")
	}

	t := &Trainer{
		config:       config,
		source:       source,
		model:        model,
		objective:    objective,
		evaluator:    evaluator,
		store:        store,
		logger:       zerolog.Nop(),
		newOptimizer: optimizer.New,
		probe:        precision.HalfPrecisionSupported,
		freeze:       NewFreezePolicy(DefaultUnfrozenLayers()),
		plots:        NewPNGPlotWriter(config.DataDir, config.ModelNo),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With().Int("model_no", config.ModelNo).Logger()
	t.checkpoints = NewCheckpointManager(store, config.ModelNo, t.logger)
	return t, nil
}

// State is the trainer state of the current or last run.
func (t *Trainer) State() *TrainerState {
	return t.state
}

// Metrics returns the epochs completed by this process.
func (t *Trainer) Metrics() []EpochMetrics {
	return t.metrics
}

// Run trains until NumEpochs epochs have completed, resuming from the
// latest checkpoint when one exists, and returns the trained model.
func (t *Trainer) Run(ctx context.Context) (Model, error) {
	window, err := updateWindow(t.source.Len(), t.config.UpdateWindow)
	if err != nil {
		return nil, err
	}

	if err := t.setup(); err != nil {
		return nil, err
	}
	state := t.state

	t.logger.Info().
		Int("start_epoch", state.Epoch).
		Int("num_epochs", t.config.NumEpochs).
		Int("batches", t.source.Len()).
		Int("update_window", window).
		Str("precision", state.Precision.Name()).
		Str("scheduler", state.Schedule.Name()).
		Msg("Starting training process...")

	for state.Epoch < t.config.NumEpochs {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, "training interrupted")
		}
		if err := t.runEpoch(ctx, window); err != nil {
			return nil, errors.Wrapf(err, "epoch %d", state.Epoch)
		}
	}

	t.logger.Info().Msg("Finished Training!")
	t.report(ctx)
	return t.model, nil
}

// setup freezes parameters, resumes from the latest checkpoint and builds
// the precision strategy, optimizer and schedule.
func (t *Trainer) setup() error {
	params := t.model.NamedParameters()
	trainable, _ := t.freeze.Apply(params, t.logger)
	if trainable == 0 {
		return errors.New("freeze policy left no trainable parameters")
	}

	snapshot, err := checkpoints.ExtractWeights(params)
	if err != nil {
		return errors.Wrap(err, "failed to snapshot initial weights")
	}

	cp := t.checkpoints.LoadLatest()
	if cp != nil {
		if err := restoreWeights(cp, params); err != nil {
			t.logger.Warn().Err(err).Msg("Checkpoint does not match the model, starting fresh")
			cp = nil
		}
	}

	state, err := t.buildState(params)
	if err != nil {
		return err
	}
	if cp != nil {
		if err := t.checkpoints.Restore(cp, state); err != nil {
			t.logger.Warn().Err(err).Msg("Failed to restore trainer state, starting fresh")
			if err := checkpoints.LoadWeights(snapshot, params); err != nil {
				return errors.Wrap(err, "failed to reset model weights")
			}
			if state, err = t.buildState(params); err != nil {
				return err
			}
		} else {
			best := zerolog.Dict()
			if !math.IsInf(state.BestMetric, -1) {
				best.Float64("accuracy", state.BestMetric)
			}
			t.logger.Info().
				Int("epoch", state.Epoch).
				Int("global_step", state.GlobalStep).
				Dict("best", best).
				Msg("Loaded trained model")
		}
	}

	state.History = t.checkpoints.LoadHistory()
	if n := state.History.Len(); n != state.Epoch {
		t.logger.Warn().
			Int("history_epochs", n).
			Int("checkpoint_epoch", state.Epoch).
			Msg("Metric history does not match the checkpoint")
		state.History.Truncate(state.Epoch)
	}
	t.state = state
	return nil
}

func (t *Trainer) buildState(params []*nn.Parameter) (*TrainerState, error) {
	strategy, err := precision.Select(t.config.FP16, t.probe, params, t.logger)
	if err != nil {
		return nil, errors.Wrap(err, "failed to set up precision")
	}
	opt, err := t.newOptimizer(t.config.Optimizer, strategy.OptimizerParams(), float32(t.config.LearningRate))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create optimizer")
	}
	scheduler, err := NewLRScheduler(t.config.Scheduler)
	if err != nil {
		return nil, err
	}
	return &TrainerState{
		BestMetric: math.Inf(-1),
		Optimizer:  opt,
		Schedule:   NewSchedule(scheduler, t.config.LearningRate),
		Precision:  strategy,
	}, nil
}

func (t *Trainer) runEpoch(ctx context.Context, window int) error {
	state := t.state
	start := time.Now()

	t.model.Train()
	t.source.Reset()
	state.Accumulator.Reset()
	state.WindowLosses = state.WindowLosses[:0]
	state.WindowAccuracies = state.WindowAccuracies[:0]

	total := t.source.Len()
	updates := 0
	i := 0
	for ; ; i++ {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "training interrupted")
		}
		batch, err := t.source.Next()
		if err != nil {
			return errors.Wrapf(err, "failed to load batch %d", i)
		}
		if batch == nil {
			break
		}

		loss, acc, applied, err := t.trainBatch(i, batch)
		if err != nil {
			return errors.Wrapf(err, "batch %d", i)
		}
		if applied {
			updates++
		}
		t.batchesSeen++
		state.Accumulator.Add(loss, acc)

		if windowComplete(i, window) {
			wl, wa := state.Accumulator.Window(t.config.GradientAccSteps, window)
			state.WindowLosses = append(state.WindowLosses, wl)
			state.WindowAccuracies = append(state.WindowAccuracies, wa)
			state.Accumulator.Reset()
			t.logWindow(i, total, wl, wa)
		}
	}

	// Gradients of batches after the last accumulation boundary are
	// dropped, so every epoch starts from zero gradients.
	state.Precision.ZeroGrad()

	if len(state.WindowLosses) == 0 {
		return errors.Errorf("epoch produced no complete update window (%d batches, window %d)", i, window)
	}

	lr := state.Schedule.Step(state.Optimizer, mean(state.WindowLosses))
	epochLoss := mean(state.WindowLosses)
	epochAcc := mean(state.WindowAccuracies)
	state.History.Append(epochLoss, epochAcc)

	metrics := EpochMetrics{
		Epoch:        state.Epoch,
		Loss:         epochLoss,
		Accuracy:     epochAcc,
		LearningRate: lr,
		Duration:     time.Since(start),
		Batches:      i,
		Updates:      updates,
	}
	t.logger.Info().
		Int("epoch", state.Epoch+1).
		Str("duration", formatDuration(metrics.Duration)).
		Dur("elapsed", metrics.Duration).
		Float64("loss", epochLoss).
		Float64("accuracy", epochAcc).
		Float64("lr", lr).
		Int("updates", updates).
		Msg("Epoch finished")

	// Saved checkpoints point at the next epoch to run.
	state.Epoch++

	if epochAcc > state.BestMetric {
		state.BestMetric = epochAcc
		metrics.Best = true
		if err := t.checkpoints.Save(checkpoints.KindBest, state, epochLoss, epochAcc); err != nil {
			return err
		}
		t.logger.Info().Float64("accuracy", epochAcc).Msg("Saved best model")
	}
	// The history is written before the latest checkpoint, so an
	// interrupted save leaves it at most one epoch ahead, and setup trims it.
	if err := t.checkpoints.SaveHistory(state.History); err != nil {
		return err
	}
	if err := t.checkpoints.Save(checkpoints.KindLatest, state, epochLoss, epochAcc); err != nil {
		return err
	}

	t.metrics = append(t.metrics, metrics)
	if t.collector != nil {
		t.collector.RecordEpoch(metrics.Epoch, epochLoss, epochAcc)
	}
	t.updateProgress("epoch finished", epochLoss, epochAcc, total)
	return nil
}

// trainBatch runs forward and backward for batch i and steps the optimizer
// when i falls on the accumulation boundary. It returns the batch loss as
// seen by backward, the evaluator accuracy and whether an update was applied.
func (t *Trainer) trainBatch(i int, batch *data.Batch) (float64, float64, bool, error) {
	state := t.state
	in, labels, maskedRows, err := t.prepareInputs(batch)
	if err != nil {
		return 0, 0, false, err
	}

	out, err := t.model.Forward(*in)
	if err != nil {
		return 0, 0, false, errors.Wrap(err, "forward")
	}

	lmLogits := out.LMLogits
	if len(lmLogits.Shape) != 3 {
		return 0, 0, false, errors.Errorf("lm logits must be [batch, seq, vocab], got %v", lmLogits.Shape)
	}
	flat, err := tensor.ReshapeAutograd(lmLogits, []int{lmLogits.Shape[0] * lmLogits.Shape[1], lmLogits.Shape[2]})
	if err != nil {
		return 0, 0, false, err
	}
	masked, err := tensor.GatherRowsAutograd(flat, maskedRows)
	if err != nil {
		return 0, 0, false, errors.Wrap(err, "selecting masked positions")
	}

	blankLabels, err := batch.BlankLabels.ToDevice(t.model.Device())
	if err != nil {
		return 0, 0, false, err
	}
	objective, err := t.objective.Compute(masked, out.BlanksLogits, labels, blankLabels)
	if err != nil {
		return 0, 0, false, errors.Wrap(err, "objective")
	}
	loss, err := tensor.ScaleAutograd(objective, 1/float32(t.config.GradientAccSteps))
	if err != nil {
		return 0, 0, false, err
	}

	if err := state.Precision.Backward(loss); err != nil {
		return 0, 0, false, err
	}
	if _, err := state.Precision.ClipGradNorm(t.config.MaxNorm); err != nil {
		return 0, 0, false, errors.Wrap(err, "clipping gradients")
	}

	applied := false
	if shouldApplyUpdate(i, t.config.GradientAccSteps) {
		if applied, err = state.Precision.Step(state.Optimizer); err != nil {
			return 0, 0, false, err
		}
		state.Precision.ZeroGrad()
		if applied {
			state.GlobalStep++
		} else {
			t.logger.Debug().Int("batch", i).Msg("Gradient overflow, skipped optimizer step")
		}
	}

	lossValue, err := loss.Item()
	if err != nil {
		return 0, 0, false, err
	}
	// Accuracy is scored outside the autograd graph.
	lmScores, err := masked.Detach()
	if err != nil {
		return 0, 0, false, err
	}
	blankScores, err := out.BlanksLogits.Detach()
	if err != nil {
		return 0, 0, false, err
	}
	acc, err := t.evaluator.Evaluate(lmScores, blankScores, labels, blankLabels)
	if err != nil {
		return 0, 0, false, errors.Wrap(err, "evaluator")
	}
	return lossValue, acc, applied, nil
}

// prepareInputs builds the model input for batch on the model's device,
// the masked labels with padding removed, and the flat [B*T] indices of
// the positions holding the mask token.
func (t *Trainer) prepareInputs(batch *data.Batch) (*ModelInput, *tensor.Tensor, []int, error) {
	device := t.model.Device()

	tokens, err := batch.TokenIDs.GetInt32Data()
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "token ids")
	}
	rawLabels, err := batch.MaskedLabels.GetInt32Data()
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "masked labels")
	}

	filtered := make([]int32, 0, len(rawLabels))
	for _, l := range rawLabels {
		if l != t.config.PadTokenID {
			filtered = append(filtered, l)
		}
	}

	mask := make([]float32, len(tokens))
	var maskedRows []int
	for j, tok := range tokens {
		if tok != t.config.PadTokenID {
			mask[j] = 1
		}
		if tok == t.config.MaskTokenID {
			maskedRows = append(maskedRows, j)
		}
	}

	shape := batch.TokenIDs.Shape
	attention, err := tensor.NewTensor(shape, tensor.Float32, tensor.CPU, mask)
	if err != nil {
		return nil, nil, nil, err
	}
	types, err := tensor.Zeros(shape, tensor.Int32, tensor.CPU)
	if err != nil {
		return nil, nil, nil, err
	}
	labels, err := tensor.NewTensor([]int{len(filtered)}, tensor.Int32, tensor.CPU, filtered)
	if err != nil {
		return nil, nil, nil, err
	}

	in := &ModelInput{}
	moves := []struct {
		dst **tensor.Tensor
		src *tensor.Tensor
	}{
		{&in.TokenIDs, batch.TokenIDs},
		{&in.TokenTypeIDs, types},
		{&in.AttentionMask, attention},
		{&in.Q, batch.Q},
		{&in.EntityStarts, batch.EntityStarts},
		{&labels, labels},
	}
	for _, m := range moves {
		moved, err := m.src.ToDevice(device)
		if err != nil {
			return nil, nil, nil, errors.Wrapf(err, "moving batch to %s", device)
		}
		*m.dst = moved
	}
	return in, labels, maskedRows, nil
}

func (t *Trainer) logWindow(i, total int, loss, acc float64) {
	lr := float64(t.state.Optimizer.GetLearningRate())
	t.logger.Info().
		Int("epoch", t.state.Epoch+1).
		Int("batch", i+1).
		Int("batches", total).
		Float64("loss", loss).
		Float64("accuracy", acc).
		Float64("lr", lr).
		Msg("Training progress")

	if t.collector != nil {
		t.collector.RecordTrainingStep(t.batchesSeen, loss, acc, lr)
	}
	t.updateProgress("training", loss, acc, total)
}

func (t *Trainer) updateProgress(message string, loss, acc float64, total int) {
	if t.progress == nil {
		return
	}
	status := ProgressStatus{
		ModelNo:      t.config.ModelNo,
		CurrentEpoch: t.state.Epoch,
		TotalEpochs:  t.config.NumEpochs,
		CurrentStep:  t.batchesSeen,
		TotalSteps:   total * t.config.NumEpochs,
		Message:      message,
		TrainingMetrics: map[string]interface{}{
			"loss":          loss,
			"accuracy":      acc,
			"learning_rate": t.state.Optimizer.GetLearningRate(),
			"global_step":   t.state.GlobalStep,
		},
	}
	if err := t.progress.Update(status); err != nil {
		t.logger.Warn().Err(err).Str("path", t.progress.Path()).Msg("Failed to update progression file")
	}
}

// report renders the epoch curves and ships them to the plotting sidecar.
// Failures are logged and never fail the run.
func (t *Trainer) report(ctx context.Context) {
	if t.plots != nil {
		paths, err := t.plots.Render(t.state.History)
		if err != nil {
			t.logger.Warn().Err(err).Msg("Failed to render training plots")
		} else {
			t.logger.Info().Strs("files", paths).Msg("Saved training plots")
		}
	}

	if t.plotService == nil || !t.plotService.IsEnabled() || t.collector == nil {
		return
	}
	resp, err := t.plotService.SendRunPlots(ctx, t.collector)
	if err != nil {
		t.logger.Warn().Err(err).Msg("Failed to send plots to plotting service")
		return
	}
	t.logger.Info().Str("dashboard", resp.DashboardURL).Int("plots", resp.Summary.TotalPlots).Msg("Sent plots to plotting service")
}
