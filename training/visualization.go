package training

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// PlotType represents different types of plots that can be generated
type PlotType string

const (
	TrainingCurves       PlotType = "training_curves"
	EpochCurves          PlotType = "epoch_curves"
	LearningRateSchedule PlotType = "learning_rate_schedule"
)

// PlotData represents the universal JSON format for the sidecar plotting service
type PlotData struct {
	PlotType  PlotType  `json:"plot_type"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
	ModelName string    `json:"model_name"`

	Series []SeriesData `json:"series"`

	Config PlotConfig `json:"config"`

	Metrics map[string]interface{} `json:"metrics,omitempty"`
}

// SeriesData represents a single data series in a plot
type SeriesData struct {
	Name  string                 `json:"name"`
	Type  string                 `json:"type"` // "line", "scatter"
	Data  []DataPoint            `json:"data"`
	Style map[string]interface{} `json:"style,omitempty"`
}

type DataPoint struct {
	X     interface{} `json:"x"`
	Y     interface{} `json:"y"`
	Label string      `json:"label,omitempty"`
}

// PlotConfig contains plot-specific configuration
type PlotConfig struct {
	XAxisLabel  string `json:"x_axis_label"`
	YAxisLabel  string `json:"y_axis_label"`
	XAxisScale  string `json:"x_axis_scale"` // "linear", "log"
	YAxisScale  string `json:"y_axis_scale"`
	ShowLegend  bool   `json:"show_legend"`
	ShowGrid    bool   `json:"show_grid"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Interactive bool   `json:"interactive"`
}

// VisualizationCollector records window and epoch metrics during a run so
// they can be shipped to the plotting sidecar afterwards.
type VisualizationCollector struct {
	modelName string
	enabled   bool
	mu        sync.Mutex

	// One entry per update window.
	steps         []int
	windowLoss    []float64
	windowAcc     []float64
	learningRates []float64

	// One entry per epoch.
	epochs    []int
	epochLoss []float64
	epochAcc  []float64
}

func NewVisualizationCollector(modelName string) *VisualizationCollector {
	return &VisualizationCollector{modelName: modelName}
}

func (vc *VisualizationCollector) Enable() {
	vc.enabled = true
}

func (vc *VisualizationCollector) IsEnabled() bool {
	return vc.enabled
}

// RecordTrainingStep records the metrics of one update window. step counts
// batches since the start of the run.
func (vc *VisualizationCollector) RecordTrainingStep(step int, loss, accuracy, learningRate float64) {
	if !vc.enabled {
		return
	}
	vc.mu.Lock()
	defer vc.mu.Unlock()

	vc.steps = append(vc.steps, step)
	vc.windowLoss = append(vc.windowLoss, loss)
	vc.windowAcc = append(vc.windowAcc, accuracy)
	vc.learningRates = append(vc.learningRates, learningRate)
}

// RecordEpoch records the epoch-level means appended to the metric history.
func (vc *VisualizationCollector) RecordEpoch(epoch int, loss, accuracy float64) {
	if !vc.enabled {
		return
	}
	vc.mu.Lock()
	defer vc.mu.Unlock()

	vc.epochs = append(vc.epochs, epoch)
	vc.epochLoss = append(vc.epochLoss, loss)
	vc.epochAcc = append(vc.epochAcc, accuracy)
}

func lineSeries(name, color string, xs []int, ys []float64) SeriesData {
	s := SeriesData{
		Name: name,
		Type: "line",
		Data: make([]DataPoint, len(ys)),
		Style: map[string]interface{}{
			"color":      color,
			"line_width": 2,
		},
	}
	for i, y := range ys {
		s.Data[i] = DataPoint{X: xs[i], Y: y}
	}
	return s
}

// GenerateTrainingCurvesPlot plots the per-window loss and accuracy.
func (vc *VisualizationCollector) GenerateTrainingCurvesPlot() PlotData {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	return PlotData{
		PlotType:  TrainingCurves,
		Title:     fmt.Sprintf("Training Curves - %s", vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Series: []SeriesData{
			lineSeries("Training Loss", "#FF6B6B", vc.steps, vc.windowLoss),
			lineSeries("Training Accuracy", "#4ECDC4", vc.steps, vc.windowAcc),
		},
		Config: PlotConfig{
			XAxisLabel:  "Step",
			YAxisLabel:  "Loss / Accuracy",
			XAxisScale:  "linear",
			YAxisScale:  "linear",
			ShowLegend:  true,
			ShowGrid:    true,
			Width:       800,
			Height:      600,
			Interactive: true,
		},
	}
}

// GenerateEpochCurvesPlot plots the epoch means, the same series that are
// rendered to PNG at the end of a run.
func (vc *VisualizationCollector) GenerateEpochCurvesPlot() PlotData {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	loss := lineSeries("Loss", "#FF6B6B", vc.epochs, vc.epochLoss)
	acc := lineSeries("Accuracy", "#4ECDC4", vc.epochs, vc.epochAcc)
	loss.Type, acc.Type = "scatter", "scatter"

	metrics := map[string]interface{}{"epochs": len(vc.epochs)}
	if n := len(vc.epochAcc); n > 0 {
		metrics["final_loss"] = vc.epochLoss[n-1]
		metrics["final_accuracy"] = vc.epochAcc[n-1]
	}

	return PlotData{
		PlotType:  EpochCurves,
		Title:     fmt.Sprintf("Epoch Curves - %s", vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Series:    []SeriesData{loss, acc},
		Config: PlotConfig{
			XAxisLabel: "Epoch",
			YAxisLabel: "Loss / Accuracy",
			XAxisScale: "linear",
			YAxisScale: "linear",
			ShowLegend: true,
			ShowGrid:   true,
			Width:      800,
			Height:     600,
		},
		Metrics: metrics,
	}
}

// GenerateLearningRateSchedulePlot generates learning rate schedule plot data
func (vc *VisualizationCollector) GenerateLearningRateSchedulePlot() PlotData {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	return PlotData{
		PlotType:  LearningRateSchedule,
		Title:     fmt.Sprintf("Learning Rate Schedule - %s", vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Series: []SeriesData{
			lineSeries("Learning Rate", "#6C5CE7", vc.steps, vc.learningRates),
		},
		Config: PlotConfig{
			XAxisLabel:  "Step",
			YAxisLabel:  "Learning Rate",
			XAxisScale:  "linear",
			YAxisScale:  "log",
			ShowLegend:  true,
			ShowGrid:    true,
			Width:       800,
			Height:      400,
			Interactive: true,
		},
	}
}

// GeneratePlot dispatches on plotType.
func (vc *VisualizationCollector) GeneratePlot(plotType PlotType) (PlotData, error) {
	switch plotType {
	case TrainingCurves:
		return vc.GenerateTrainingCurvesPlot(), nil
	case EpochCurves:
		return vc.GenerateEpochCurvesPlot(), nil
	case LearningRateSchedule:
		return vc.GenerateLearningRateSchedulePlot(), nil
	default:
		return PlotData{}, errors.Errorf("unsupported plot type %q", plotType)
	}
}

// ToJSON converts plot data to JSON string
func (pd PlotData) ToJSON() (string, error) {
	jsonData, err := json.MarshalIndent(pd, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal plot data to JSON")
	}
	return string(jsonData), nil
}
