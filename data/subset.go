package data

import (
	"github.com/pkg/errors"
)

// SubsetDataset exposes at most the first limit samples of another dataset.
type SubsetDataset struct {
	original Dataset
	limit    int
}

// NewSubsetDataset wraps original. A limit larger than the dataset is
// clamped to its length.
func NewSubsetDataset(original Dataset, limit int) (*SubsetDataset, error) {
	if limit < 0 {
		return nil, errors.Errorf("limit cannot be negative, got %d", limit)
	}
	if limit > original.Len() {
		limit = original.Len()
	}
	return &SubsetDataset{original: original, limit: limit}, nil
}

func (sd *SubsetDataset) Len() int {
	return sd.limit
}

func (sd *SubsetDataset) Get(idx int) (*Sample, error) {
	if idx < 0 || idx >= sd.limit {
		return nil, errors.Errorf("index out of bounds for subset: %d (limit: %d)", idx, sd.limit)
	}
	return sd.original.Get(idx)
}
