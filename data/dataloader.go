package data

import (
	"math/rand"
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/go-mtb/tensor"
)

// Batch holds collated, padded tensors for one training step.
//
//	TokenIDs      [B,T] Int32, padded with the pad id
//	MaskedLabels  [B,M] Int32, padded with the pad id
//	EntityStarts  [B,2] Int32
//	Q             [B,D] Float32
//	BlankLabels   [B]   Float32
type Batch struct {
	TokenIDs     *tensor.Tensor
	MaskedLabels *tensor.Tensor
	EntityStarts *tensor.Tensor
	Q            *tensor.Tensor
	BlankLabels  *tensor.Tensor
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int {
	return b.TokenIDs.Shape[0]
}

// DataLoader provides batching, shuffling and padding over a Dataset.
type DataLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	padID     int32
	rng       *rand.Rand
	indices   []int
	position  int
	mutex     sync.Mutex
}

// NewDataLoader creates a new DataLoader. Shuffling draws from a source seeded
// with seed so epochs are reproducible.
func NewDataLoader(dataset Dataset, batchSize int, shuffle bool, padID int32, seed int64) (*DataLoader, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", batchSize)
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	return &DataLoader{
		dataset:   dataset,
		batchSize: batchSize,
		shuffle:   shuffle,
		padID:     padID,
		rng:       rand.New(rand.NewSource(seed)),
		indices:   indices,
	}, nil
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	return (dl.dataset.Len() + dl.batchSize - 1) / dl.batchSize
}

// Reset rewinds the loader for a new epoch
func (dl *DataLoader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.position = 0
	if dl.shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
}

// Next returns the next batch or nil if the epoch is complete
func (dl *DataLoader) Next() (*Batch, error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	if dl.position >= len(dl.indices) {
		return nil, nil
	}

	end := dl.position + dl.batchSize
	if end > len(dl.indices) {
		end = len(dl.indices)
	}
	batchIndices := dl.indices[dl.position:end]
	dl.position = end

	samples := make([]*Sample, len(batchIndices))
	for i, idx := range batchIndices {
		s, err := dl.dataset.Get(idx)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load sample %d", idx)
		}
		samples[i] = s
	}

	batch, err := Collate(samples, dl.padID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load batch")
	}
	return batch, nil
}

// Collate pads token and label sequences to the longest in the batch and
// stacks every field into batch tensors.
func Collate(samples []*Sample, padID int32) (*Batch, error) {
	if len(samples) == 0 {
		return nil, errors.New("empty batch")
	}

	maxTokens, maxLabels := 0, 1
	qDim := len(samples[0].Q)
	for i, s := range samples {
		if len(s.TokenIDs) > maxTokens {
			maxTokens = len(s.TokenIDs)
		}
		if len(s.MaskedLabels) > maxLabels {
			maxLabels = len(s.MaskedLabels)
		}
		if len(s.Q) != qDim {
			return nil, errors.Errorf("sample %d has %d auxiliary features, expected %d", i, len(s.Q), qDim)
		}
	}
	if qDim == 0 {
		return nil, errors.New("samples carry no auxiliary features")
	}

	n := len(samples)
	tokens := filled(n*maxTokens, padID)
	labels := filled(n*maxLabels, padID)
	starts := make([]int32, n*2)
	q := make([]float32, n*qDim)
	blanks := make([]float32, n)

	for i, s := range samples {
		copy(tokens[i*maxTokens:], s.TokenIDs)
		copy(labels[i*maxLabels:], s.MaskedLabels)
		for j, pos := range s.EntityStarts {
			if pos < 0 || int(pos) >= len(s.TokenIDs) {
				return nil, errors.Errorf("sample %d entity marker %d at %d lies outside its %d tokens", i, j, pos, len(s.TokenIDs))
			}
			starts[i*2+j] = pos
		}
		copy(q[i*qDim:], s.Q)
		blanks[i] = s.BlankLabel
	}

	batch := &Batch{}
	var err error
	if batch.TokenIDs, err = tensor.NewTensor([]int{n, maxTokens}, tensor.Int32, tensor.CPU, tokens); err != nil {
		return nil, err
	}
	if batch.MaskedLabels, err = tensor.NewTensor([]int{n, maxLabels}, tensor.Int32, tensor.CPU, labels); err != nil {
		return nil, err
	}
	if batch.EntityStarts, err = tensor.NewTensor([]int{n, 2}, tensor.Int32, tensor.CPU, starts); err != nil {
		return nil, err
	}
	if batch.Q, err = tensor.NewTensor([]int{n, qDim}, tensor.Float32, tensor.CPU, q); err != nil {
		return nil, err
	}
	if batch.BlankLabels, err = tensor.NewTensor([]int{n}, tensor.Float32, tensor.CPU, blanks); err != nil {
		return nil, err
	}
	return batch, nil
}

func filled(n int, v int32) []int32 {
	out := make([]int32, n)
	for i := range out {
		out[i] = v
	}
	return out
}
