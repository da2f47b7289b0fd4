package training

import (
	"github.com/tsawler/go-mtb/checkpoints"
	"github.com/tsawler/go-mtb/data"
	"github.com/tsawler/go-mtb/model"
	"github.com/tsawler/go-mtb/nn"
	"github.com/tsawler/go-mtb/tensor"
)

// DataSource yields the batches of one epoch. Next returns nil once the
// epoch is exhausted; Reset starts the next epoch.
type DataSource interface {
	Len() int
	Reset()
	Next() (*data.Batch, error)
}

type ModelInput = model.Input

type ModelOutput = model.Output

// Model is the two-headed network being pretrained.
type Model interface {
	Forward(in ModelInput) (*ModelOutput, error)
	NamedParameters() []*nn.Parameter
	Train()
	Eval()
	Device() tensor.DeviceType
}

// PersistenceStore saves and restores trainer checkpoints and the
// per-epoch metric history for one model number.
type PersistenceStore interface {
	LoadState(best bool) (*checkpoints.Checkpoint, error)
	SaveState(kind checkpoints.Kind, cp *checkpoints.Checkpoint) error
	LoadHistory() (*checkpoints.MetricHistory, error)
	SaveHistory(h *checkpoints.MetricHistory) error
}
