package training

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/tsawler/go-mtb/checkpoints"
)

// PlotRenderer persists the epoch curves of a finished run.
type PlotRenderer interface {
	Render(history *checkpoints.MetricHistory) ([]string, error)
}

// PNGPlotWriter renders loss and accuracy against epoch as scatter plots
// named loss_vs_epoch_<n>.png and accuracy_vs_epoch_<n>.png.
type PNGPlotWriter struct {
	Dir     string
	ModelNo int
	Width   vg.Length
	Height  vg.Length
}

func NewPNGPlotWriter(dir string, modelNo int) *PNGPlotWriter {
	return &PNGPlotWriter{Dir: dir, ModelNo: modelNo, Width: 6 * vg.Inch, Height: 4 * vg.Inch}
}

func (w *PNGPlotWriter) LossPath() string {
	return filepath.Join(w.Dir, fmt.Sprintf("loss_vs_epoch_%d.png", w.ModelNo))
}

func (w *PNGPlotWriter) AccuracyPath() string {
	return filepath.Join(w.Dir, fmt.Sprintf("accuracy_vs_epoch_%d.png", w.ModelNo))
}

// Render writes both plots and returns their paths.
func (w *PNGPlotWriter) Render(history *checkpoints.MetricHistory) ([]string, error) {
	if err := os.MkdirAll(w.Dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create plot directory %s", w.Dir)
	}

	if err := w.scatter("Loss vs Epoch", "Loss", history.LossPerEpoch, w.LossPath()); err != nil {
		return nil, err
	}
	if err := w.scatter("Accuracy vs Epoch", "Accuracy", history.AccuracyPerEpoch, w.AccuracyPath()); err != nil {
		return nil, err
	}
	return []string{w.LossPath(), w.AccuracyPath()}, nil
}

func (w *PNGPlotWriter) scatter(title, yLabel string, series []float64, path string) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Epoch"
	p.Y.Label.Text = yLabel
	p.Add(plotter.NewGrid())

	pts := make(plotter.XYs, len(series))
	for i, v := range series {
		pts[i].X = float64(i)
		pts[i].Y = v
	}
	if len(pts) > 0 {
		s, err := plotter.NewScatter(pts)
		if err != nil {
			return errors.Wrapf(err, "failed to build %s", title)
		}
		p.Add(s)
	}

	if err := p.Save(w.Width, w.Height, path); err != nil {
		return errors.Wrapf(err, "failed to save %s", path)
	}
	return nil
}
