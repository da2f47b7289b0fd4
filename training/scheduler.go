package training

import (
	"math"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/go-mtb/checkpoints"
	"github.com/tsawler/go-mtb/optimizer"
)

// LRScheduler defines the interface for learning rate scheduling strategies.
// GetLR is a pure function of the number of completed scheduler steps.
type LRScheduler interface {
	// GetLR returns the learning rate after epoch scheduler steps
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// MultiStepLRScheduler multiplies the learning rate by Gamma at every milestone epoch
type MultiStepLRScheduler struct {
	Milestones []int
	Gamma      float64
}

// DefaultMilestones are the epochs at which the pretraining schedule decays.
func DefaultMilestones() []int {
	return []int{2, 4, 6, 8, 12, 15, 18, 20, 22, 24, 26, 30}
}

// NewMultiStepLRScheduler creates a milestone scheduler. Milestones are sorted.
func NewMultiStepLRScheduler(milestones []int, gamma float64) *MultiStepLRScheduler {
	if len(milestones) == 0 {
		milestones = DefaultMilestones()
	}
	if gamma <= 0 || gamma > 1 {
		gamma = 0.8
	}
	sorted := append([]int(nil), milestones...)
	sort.Ints(sorted)
	return &MultiStepLRScheduler{
		Milestones: sorted,
		Gamma:      gamma,
	}
}

func (s *MultiStepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	// Number of milestones already reached.
	times := sort.SearchInts(s.Milestones, epoch+1)
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *MultiStepLRScheduler) GetName() string {
	return "MultiStepLR"
}

// StepLRScheduler reduces learning rate by a factor every stepSize epochs
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30 // Default: reduce every 30 epochs
	}
	if gamma <= 0 || gamma > 1 {
		gamma = 0.1 // Default: reduce by 10x
	}
	return &StepLRScheduler{
		StepSize: stepSize,
		Gamma:    gamma,
	}
}

func (s *StepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	times := epoch / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// ExponentialLRScheduler decays learning rate exponentially
type ExponentialLRScheduler struct {
	Gamma float64 // Multiplicative factor of LR decay per epoch
}

// NewExponentialLRScheduler creates an exponential learning rate scheduler
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma > 1 {
		gamma = 0.95 // Default: 5% reduction per epoch
	}
	return &ExponentialLRScheduler{
		Gamma: gamma,
	}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler implements cosine annealing schedule
type CosineAnnealingLRScheduler struct {
	TMax   int     // Maximum number of epochs
	EtaMin float64 // Minimum learning rate
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100 // Default: 100 epochs
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{
		TMax:   tMax,
		EtaMin: etaMin,
	}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// ReduceLROnPlateauScheduler reduces LR when the epoch loss has stopped improving.
// It is the only scheduler that carries state between epochs.
type ReduceLROnPlateauScheduler struct {
	Factor    float64 // Factor by which the learning rate will be reduced
	Patience  int     // Number of epochs with no improvement after which LR will be reduced
	Threshold float64 // Threshold for measuring the new optimum
	Mode      string  // One of "min" or "max"

	bestMetric  float64
	badEpochs   int
	currentLR   float64
	initialized bool
}

// NewReduceLROnPlateauScheduler creates a plateau-based scheduler
func NewReduceLROnPlateauScheduler(factor float64, patience int, threshold float64, mode string) *ReduceLROnPlateauScheduler {
	if factor <= 0 || factor > 1 {
		factor = 0.1
	}
	if patience < 0 {
		patience = 10
	}
	if threshold < 0 {
		threshold = 1e-4
	}
	if mode != "min" && mode != "max" {
		mode = "min"
	}

	return &ReduceLROnPlateauScheduler{
		Factor:    factor,
		Patience:  patience,
		Threshold: threshold,
		Mode:      mode,
	}
}

// Step checks if LR should be reduced based on metric.
// Called once per epoch with the epoch metric.
func (s *ReduceLROnPlateauScheduler) Step(metric float64, currentLR float64) float64 {
	if !s.initialized {
		s.bestMetric = metric
		s.currentLR = currentLR
		s.initialized = true
		return currentLR
	}

	improved := false
	if s.Mode == "min" {
		improved = metric < s.bestMetric-s.Threshold
	} else {
		improved = metric > s.bestMetric+s.Threshold
	}

	if improved {
		s.bestMetric = metric
		s.badEpochs = 0
	} else {
		s.badEpochs++
		if s.badEpochs >= s.Patience {
			s.currentLR *= s.Factor
			s.badEpochs = 0
		}
	}

	return s.currentLR
}

func (s *ReduceLROnPlateauScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if s.initialized {
		return s.currentLR
	}
	return baseLR
}

func (s *ReduceLROnPlateauScheduler) GetName() string {
	return "ReduceLROnPlateau"
}

func (s *ReduceLROnPlateauScheduler) state() map[string]interface{} {
	return map[string]interface{}{
		"best_metric": s.bestMetric,
		"bad_epochs":  float64(s.badEpochs),
		"current_lr":  s.currentLR,
		"initialized": s.initialized,
	}
}

func (s *ReduceLROnPlateauScheduler) loadState(params map[string]interface{}) {
	if v, ok := params["best_metric"].(float64); ok {
		s.bestMetric = v
	}
	if v, ok := params["bad_epochs"].(float64); ok {
		s.badEpochs = int(v)
	}
	if v, ok := params["current_lr"].(float64); ok {
		s.currentLR = v
	}
	if v, ok := params["initialized"].(bool); ok {
		s.initialized = v
	}
}

// NoOpScheduler maintains constant learning rate
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}

// SchedulerConfig selects and parameterizes an LRScheduler.
type SchedulerConfig struct {
	Name       string
	Milestones []int
	Gamma      float64
	StepSize   int
	TMax       int
	EtaMin     float64
	Patience   int
}

// validate rejects values the named scheduler would otherwise replace with
// its own defaults.
func (cfg SchedulerConfig) validate() error {
	name := strings.ToLower(cfg.Name)
	switch name {
	case "multistep", "", "step", "exponential", "plateau":
		if cfg.Gamma <= 0 || cfg.Gamma > 1 {
			return errors.Errorf("%s scheduler: gamma must be in (0, 1], got %v", cfg.Name, cfg.Gamma)
		}
	}
	switch name {
	case "multistep", "":
		if len(cfg.Milestones) == 0 {
			return errors.New("multistep scheduler: no milestones")
		}
		for _, m := range cfg.Milestones {
			if m < 0 {
				return errors.Errorf("multistep scheduler: negative milestone %d", m)
			}
		}
	case "step":
		if cfg.StepSize < 1 {
			return errors.Errorf("step scheduler: step size must be at least 1, got %d", cfg.StepSize)
		}
	case "cosine":
		if cfg.TMax < 1 {
			return errors.Errorf("cosine scheduler: t_max must be at least 1, got %d", cfg.TMax)
		}
		if cfg.EtaMin < 0 {
			return errors.Errorf("cosine scheduler: negative eta_min %v", cfg.EtaMin)
		}
	case "plateau":
		if cfg.Patience < 0 {
			return errors.Errorf("plateau scheduler: negative patience %d", cfg.Patience)
		}
	}
	return nil
}

// NewLRScheduler builds the scheduler named in cfg.
func NewLRScheduler(cfg SchedulerConfig) (LRScheduler, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	switch strings.ToLower(cfg.Name) {
	case "multistep", "":
		return NewMultiStepLRScheduler(cfg.Milestones, cfg.Gamma), nil
	case "step":
		return NewStepLRScheduler(cfg.StepSize, cfg.Gamma), nil
	case "exponential":
		return NewExponentialLRScheduler(cfg.Gamma), nil
	case "cosine":
		return NewCosineAnnealingLRScheduler(cfg.TMax, cfg.EtaMin), nil
	case "plateau":
		return NewReduceLROnPlateauScheduler(cfg.Gamma, cfg.Patience, 1e-4, "min"), nil
	case "constant":
		return &NoOpScheduler{}, nil
	default:
		return nil, errors.Errorf("unknown scheduler %q", cfg.Name)
	}
}

// Schedule drives an LRScheduler once per epoch and pushes the resulting
// learning rate into the optimizer.
type Schedule struct {
	scheduler LRScheduler
	baseLR    float64
	lastEpoch int
	lr        float64
}

func NewSchedule(scheduler LRScheduler, baseLR float64) *Schedule {
	return &Schedule{scheduler: scheduler, baseLR: baseLR, lr: baseLR}
}

func (s *Schedule) Name() string { return s.scheduler.GetName() }

func (s *Schedule) LR() float64 { return s.lr }

func (s *Schedule) LastEpoch() int { return s.lastEpoch }

// Step advances the schedule by one epoch. metric is only consulted by
// metric-driven schedulers.
func (s *Schedule) Step(opt optimizer.Optimizer, metric float64) float64 {
	s.lastEpoch++
	if p, ok := s.scheduler.(*ReduceLROnPlateauScheduler); ok {
		s.lr = p.Step(metric, s.lr)
	} else {
		s.lr = s.scheduler.GetLR(s.lastEpoch, 0, s.baseLR)
	}
	opt.UpdateLearningRate(float32(s.lr))
	return s.lr
}

func (s *Schedule) State() *checkpoints.SchedulerState {
	st := &checkpoints.SchedulerState{
		Type:      s.scheduler.GetName(),
		LastEpoch: s.lastEpoch,
		BaseLR:    s.baseLR,
	}
	if p, ok := s.scheduler.(*ReduceLROnPlateauScheduler); ok {
		st.Parameters = p.state()
	}
	return st
}

// LoadState restores progress saved by State and applies the restored
// learning rate to opt.
func (s *Schedule) LoadState(state *checkpoints.SchedulerState, opt optimizer.Optimizer) error {
	if state == nil {
		return nil
	}
	if state.Type != s.scheduler.GetName() {
		return errors.Errorf("scheduler type mismatch: checkpoint has %s, expected %s", state.Type, s.scheduler.GetName())
	}
	if state.LastEpoch < 0 || state.BaseLR <= 0 {
		return errors.Errorf("invalid scheduler state %+v", state)
	}

	s.lastEpoch = state.LastEpoch
	s.baseLR = state.BaseLR
	if p, ok := s.scheduler.(*ReduceLROnPlateauScheduler); ok {
		p.loadState(state.Parameters)
	}
	s.lr = s.scheduler.GetLR(s.lastEpoch, 0, s.baseLR)
	opt.UpdateLearningRate(float32(s.lr))
	return nil
}
