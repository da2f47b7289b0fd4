package training

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ProgressStatus is the JSON document kept in the progression file.
type ProgressStatus struct {
	RunID           string                 `json:"run_id"`
	ModelNo         int                    `json:"model_no"`
	CurrentEpoch    int                    `json:"current_epoch"`
	TotalEpochs     int                    `json:"total_epochs"`
	CurrentStep     int                    `json:"current_step"`
	TotalSteps      int                    `json:"total_steps"`
	Message         string                 `json:"message,omitempty"`
	TrainingMetrics map[string]interface{} `json:"training_metrics,omitempty"`
	Timestamp       int64                  `json:"timestamp"`
	StartTime       int64                  `json:"start_time"`
}

// ProgressionFile rewrites a small status file while training runs so
// external tooling can follow the run without parsing logs.
type ProgressionFile struct {
	path      string
	runID     string
	startTime time.Time
	mu        sync.Mutex
}

func NewProgressionFile(path string) *ProgressionFile {
	return &ProgressionFile{
		path:      path,
		runID:     uuid.NewString(),
		startTime: time.Now(),
	}
}

func (pf *ProgressionFile) Path() string { return pf.path }

func (pf *ProgressionFile) RunID() string { return pf.runID }

// Update stamps and writes status, replacing the previous contents.
func (pf *ProgressionFile) Update(status ProgressStatus) error {
	pf.mu.Lock()
	defer pf.mu.Unlock()

	status.RunID = pf.runID
	status.Timestamp = time.Now().Unix()
	status.StartTime = pf.startTime.Unix()

	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal progress status")
	}

	dir := filepath.Dir(pf.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "failed to create directory %s", dir)
	}
	tmp, err := os.CreateTemp(dir, ".progress-*")
	if err != nil {
		return errors.Wrap(err, "failed to create temporary progress file")
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, "failed to write progress status")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "failed to close progress file")
	}
	return errors.Wrap(os.Rename(tmp.Name(), pf.path), "failed to replace progress file")
}

// ReadProgressionFile loads a status written by Update.
func ReadProgressionFile(path string) (*ProgressStatus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	var status ProgressStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", path)
	}
	return &status, nil
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	return fmt.Sprintf("%dm%02ds", m, s)
}
