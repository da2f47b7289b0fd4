package checkpoints

import (
	"fmt"
	"path/filepath"

	"github.com/pkg/errors"
)

// Kind selects which checkpoint slot a save targets.
type Kind int

const (
	KindLatest Kind = iota
	KindBest
)

func (k Kind) String() string {
	if k == KindBest {
		return "best"
	}
	return "latest"
}

// Store persists the best and latest checkpoints plus the metric history of
// one model, with file names keyed by the model number.
type Store struct {
	dir     string
	modelNo int
	saver   *CheckpointSaver
	history HistoryStore
}

// NewStore creates a store. A nil history falls back to FileHistory in dir.
func NewStore(dir string, modelNo int, format CheckpointFormat, history HistoryStore) *Store {
	if history == nil {
		history = NewFileHistory(dir, modelNo)
	}
	return &Store{
		dir:     dir,
		modelNo: modelNo,
		saver:   NewCheckpointSaver(format),
		history: history,
	}
}

// Path returns the checkpoint file for the given slot.
func (s *Store) Path(kind Kind) string {
	ext := s.saver.Format().Extension()
	if kind == KindBest {
		return filepath.Join(s.dir, fmt.Sprintf("test_model_best_%d.%s", s.modelNo, ext))
	}
	return filepath.Join(s.dir, fmt.Sprintf("test_checkpoint_%d.%s", s.modelNo, ext))
}

func (s *Store) ModelNo() int {
	return s.modelNo
}

// LoadState reads the best or latest checkpoint. A missing file is reported
// as ErrCheckpointNotFound.
func (s *Store) LoadState(best bool) (*Checkpoint, error) {
	kind := KindLatest
	if best {
		kind = KindBest
	}
	cp, err := s.saver.LoadCheckpoint(s.Path(kind))
	if err != nil {
		return nil, err
	}
	return cp, nil
}

func (s *Store) SaveState(kind Kind, cp *Checkpoint) error {
	cp.Metadata.ModelNo = s.modelNo
	if err := s.saver.SaveCheckpoint(cp, s.Path(kind)); err != nil {
		return errors.Wrapf(err, "failed to save %s checkpoint", kind)
	}
	return nil
}

func (s *Store) LoadHistory() (*MetricHistory, error) {
	return s.history.Load()
}

func (s *Store) SaveHistory(h *MetricHistory) error {
	return errors.Wrap(s.history.Save(h), "failed to save history")
}

func (s *Store) Close() error {
	return s.history.Close()
}
