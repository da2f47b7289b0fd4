package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// MetricHistory holds the per-epoch training curves. Both sequences grow by
// exactly one entry per completed epoch.
type MetricHistory struct {
	LossPerEpoch     []float64 `json:"loss_per_epoch"`
	AccuracyPerEpoch []float64 `json:"accuracy_per_epoch"`
}

func (h *MetricHistory) Append(loss, accuracy float64) {
	h.LossPerEpoch = append(h.LossPerEpoch, loss)
	h.AccuracyPerEpoch = append(h.AccuracyPerEpoch, accuracy)
}

func (h *MetricHistory) Len() int {
	return len(h.LossPerEpoch)
}

// Truncate keeps the first n epochs.
func (h *MetricHistory) Truncate(n int) {
	if n < 0 {
		n = 0
	}
	if n < len(h.LossPerEpoch) {
		h.LossPerEpoch = h.LossPerEpoch[:n]
	}
	if n < len(h.AccuracyPerEpoch) {
		h.AccuracyPerEpoch = h.AccuracyPerEpoch[:n]
	}
}

func (h *MetricHistory) validate() error {
	if len(h.LossPerEpoch) != len(h.AccuracyPerEpoch) {
		return errors.Errorf("history has %d losses but %d accuracies", len(h.LossPerEpoch), len(h.AccuracyPerEpoch))
	}
	return nil
}

// HistoryStore persists the metric history of one model.
type HistoryStore interface {
	// Load returns an empty history when nothing has been saved yet.
	Load() (*MetricHistory, error)
	Save(h *MetricHistory) error
	Close() error
}

// FileHistory stores the two curves as JSON arrays in the data directory.
type FileHistory struct {
	dir     string
	modelNo int
}

func NewFileHistory(dir string, modelNo int) *FileHistory {
	return &FileHistory{dir: dir, modelNo: modelNo}
}

func (fh *FileHistory) lossPath() string {
	return filepath.Join(fh.dir, fmt.Sprintf("test_losses_per_epoch_%d.json", fh.modelNo))
}

func (fh *FileHistory) accuracyPath() string {
	return filepath.Join(fh.dir, fmt.Sprintf("test_accuracy_per_epoch_%d.json", fh.modelNo))
}

func (fh *FileHistory) Load() (*MetricHistory, error) {
	h := &MetricHistory{}
	if err := readSeries(fh.lossPath(), &h.LossPerEpoch); err != nil {
		return nil, err
	}
	if err := readSeries(fh.accuracyPath(), &h.AccuracyPerEpoch); err != nil {
		return nil, err
	}
	if err := h.validate(); err != nil {
		return nil, err
	}
	return h, nil
}

func (fh *FileHistory) Save(h *MetricHistory) error {
	if err := h.validate(); err != nil {
		return err
	}
	if err := writeSeries(fh.lossPath(), h.LossPerEpoch); err != nil {
		return err
	}
	return writeSeries(fh.accuracyPath(), h.AccuracyPerEpoch)
}

func (fh *FileHistory) Close() error { return nil }

func readSeries(path string, dst *[]float64) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		*dst = []float64{}
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "failed to read %s", path)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return errors.Wrapf(err, "failed to decode %s", path)
	}
	return nil
}

func writeSeries(path string, series []float64) error {
	if series == nil {
		series = []float64{}
	}
	data, err := json.Marshal(series)
	if err != nil {
		return errors.Wrap(err, "failed to encode history")
	}
	return writeFileAtomic(path, data)
}
