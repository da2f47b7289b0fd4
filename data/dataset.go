package data

import (
	"bufio"
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// Sample is one pre-tokenized pretraining example. MaskedLabels holds the
// original ids of the positions replaced by the mask token, in order of
// appearance. EntityStarts are the positions of the two entity markers.
type Sample struct {
	TokenIDs     []int32   `json:"token_ids"`
	MaskedLabels []int32   `json:"masked_labels"`
	EntityStarts [2]int32  `json:"e1_e2_start"`
	Q            []float32 `json:"q"`
	BlankLabel   float32   `json:"blank_label"`
}

// Dataset interface defines methods that all datasets must implement
type Dataset interface {
	Len() int
	Get(idx int) (*Sample, error)
}

// InMemoryDataset serves samples from a slice.
type InMemoryDataset struct {
	samples []*Sample
}

func NewInMemoryDataset(samples []*Sample) *InMemoryDataset {
	return &InMemoryDataset{samples: samples}
}

func (d *InMemoryDataset) Len() int {
	return len(d.samples)
}

func (d *InMemoryDataset) Get(idx int) (*Sample, error) {
	if idx < 0 || idx >= len(d.samples) {
		return nil, errors.Errorf("index %d out of range [0, %d)", idx, len(d.samples))
	}
	return d.samples[idx], nil
}

// LoadJSONL reads one JSON-encoded Sample per line. Blank lines are skipped.
func LoadJSONL(path string) (*InMemoryDataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open pretraining data %s", path)
	}
	defer f.Close()

	var samples []*Sample
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var s Sample
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, errors.Wrapf(err, "%s:%d: invalid sample", path, line)
		}
		if len(s.TokenIDs) == 0 {
			return nil, errors.Errorf("%s:%d: sample has no tokens", path, line)
		}
		samples = append(samples, &s)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	if len(samples) == 0 {
		return nil, errors.Errorf("%s contains no samples", path)
	}
	return NewInMemoryDataset(samples), nil
}
