package training

import (
	"testing"

	"github.com/pkg/errors"

	"github.com/tsawler/go-mtb/checkpoints"
	"github.com/tsawler/go-mtb/data"
	"github.com/tsawler/go-mtb/model"
	"github.com/tsawler/go-mtb/nn"
	"github.com/tsawler/go-mtb/optimizer"
	"github.com/tsawler/go-mtb/tensor"
)

// spyOptimizer records learning rate changes and step calls without
// touching any parameter.
type spyOptimizer struct {
	lr     float32
	steps  uint64
	onStep func()
}

func (s *spyOptimizer) Step() error {
	s.steps++
	if s.onStep != nil {
		s.onStep()
	}
	return nil
}

func (s *spyOptimizer) ZeroGrad() {}

func (s *spyOptimizer) GetState() (*optimizer.OptimizerState, error) {
	return &optimizer.OptimizerState{
		Type:       "Spy",
		Parameters: map[string]interface{}{"steps": float64(s.steps)},
	}, nil
}

func (s *spyOptimizer) LoadState(state *optimizer.OptimizerState) error {
	if state == nil || state.Type != "Spy" {
		return errors.New("not a spy optimizer state")
	}
	steps, ok := state.Parameters["steps"].(float64)
	if !ok {
		return errors.New("missing step count")
	}
	s.steps = uint64(steps)
	return nil
}

func (s *spyOptimizer) GetStepCount() uint64 { return s.steps }

func (s *spyOptimizer) UpdateLearningRate(lr float32) { s.lr = lr }

func (s *spyOptimizer) GetLearningRate() float32 { return s.lr }

// countingSource wraps a DataSource and remembers how many batches of the
// current epoch it has served.
type countingSource struct {
	DataSource
	served int
}

func (c *countingSource) Reset() {
	c.served = 0
	c.DataSource.Reset()
}

func (c *countingSource) Next() (*data.Batch, error) {
	b, err := c.DataSource.Next()
	if b != nil {
		c.served++
	}
	return b, err
}

// memoryStore is an in-memory PersistenceStore.
type memoryStore struct {
	latest     *checkpoints.Checkpoint
	best       *checkpoints.Checkpoint
	history    *checkpoints.MetricHistory
	bestSaves  []int
	latestSave []int
	loadErr    error
}

func (m *memoryStore) LoadState(best bool) (*checkpoints.Checkpoint, error) {
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	cp := m.latest
	if best {
		cp = m.best
	}
	if cp == nil {
		return nil, errors.Wrap(checkpoints.ErrCheckpointNotFound, "memory")
	}
	return cp, nil
}

func (m *memoryStore) SaveState(kind checkpoints.Kind, cp *checkpoints.Checkpoint) error {
	if kind == checkpoints.KindBest {
		m.best = cp
		m.bestSaves = append(m.bestSaves, cp.TrainingState.Epoch)
		return nil
	}
	m.latest = cp
	m.latestSave = append(m.latestSave, cp.TrainingState.Epoch)
	return nil
}

func (m *memoryStore) LoadHistory() (*checkpoints.MetricHistory, error) {
	if m.history == nil {
		return &checkpoints.MetricHistory{}, nil
	}
	h := &checkpoints.MetricHistory{
		LossPerEpoch:     append([]float64(nil), m.history.LossPerEpoch...),
		AccuracyPerEpoch: append([]float64(nil), m.history.AccuracyPerEpoch...),
	}
	return h, nil
}

func (m *memoryStore) SaveHistory(h *checkpoints.MetricHistory) error {
	m.history = &checkpoints.MetricHistory{
		LossPerEpoch:     append([]float64(nil), h.LossPerEpoch...),
		AccuracyPerEpoch: append([]float64(nil), h.AccuracyPerEpoch...),
	}
	return nil
}

// scriptedEvaluator returns a fixed accuracy per epoch, switching epochs
// every batchesPerEpoch calls.
type scriptedEvaluator struct {
	perEpoch        []float64
	batchesPerEpoch int
	calls           int
}

func (s *scriptedEvaluator) Evaluate(_, _, _, _ *tensor.Tensor) (float64, error) {
	epoch := s.calls / s.batchesPerEpoch
	s.calls++
	if epoch >= len(s.perEpoch) {
		return s.perEpoch[len(s.perEpoch)-1], nil
	}
	return s.perEpoch[epoch], nil
}

const (
	testPadID  int32 = 0
	testMaskID int32 = 103
)

func testModelConfig() model.Config {
	return model.Config{VocabSize: 128, TypeVocabSize: 2, HiddenSize: 8, NumLayers: 12, QDim: 4}
}

func newTestModel(t *testing.T, seed int64) *model.BlanksModel {
	t.Helper()
	m, err := model.NewBlanksModel(testModelConfig(), seed)
	if err != nil {
		t.Fatalf("NewBlanksModel failed: %v", err)
	}
	return m
}

// newTestSource serves samples/batchSize batches of a synthetic corpus in
// a fixed order.
func newTestSource(t *testing.T, samples, batchSize int) *countingSource {
	t.Helper()
	cfg := data.DefaultSyntheticConfig()
	cfg.NumSamples = samples
	cfg.VocabSize = testModelConfig().VocabSize
	cfg.QDim = testModelConfig().QDim
	cfg.PadTokenID = testPadID
	cfg.MaskTokenID = testMaskID

	ds, err := data.NewSyntheticDataset(cfg, 7)
	if err != nil {
		t.Fatalf("NewSyntheticDataset failed: %v", err)
	}
	loader, err := data.NewDataLoader(ds, batchSize, false, testPadID, 1)
	if err != nil {
		t.Fatalf("NewDataLoader failed: %v", err)
	}
	return &countingSource{DataSource: loader}
}

func testTrainerConfig(epochs int) TrainerConfig {
	return TrainerConfig{
		ModelNo:          0,
		NumEpochs:        epochs,
		LearningRate:     0.001,
		GradientAccSteps: 2,
		MaxNorm:          1.0,
		PadTokenID:       testPadID,
		MaskTokenID:      testMaskID,
		UpdateWindow:     5,
		Optimizer:        "adam",
		Scheduler:        SchedulerConfig{Name: "multistep", Milestones: DefaultMilestones(), Gamma: 0.8},
	}
}

func paramValues(t *testing.T, params []*nn.Parameter) map[string][]float32 {
	t.Helper()
	out := make(map[string][]float32, len(params))
	for _, p := range params {
		d, err := p.Value.GetFloat32Data()
		if err != nil {
			t.Fatalf("GetFloat32Data(%s) failed: %v", p.Name, err)
		}
		out[p.Name] = append([]float32(nil), d...)
	}
	return out
}
