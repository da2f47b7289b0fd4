package data

import (
	"math/rand"

	"github.com/pkg/errors"
)

// SyntheticConfig controls the generated corpus.
type SyntheticConfig struct {
	NumSamples  int
	MinLength   int
	MaxLength   int
	VocabSize   int
	QDim        int
	PadTokenID  int32
	MaskTokenID int32
	MaskProb    float64
}

func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		NumSamples:  320,
		MinLength:   8,
		MaxLength:   16,
		VocabSize:   256,
		QDim:        4,
		PadTokenID:  0,
		MaskTokenID: 103,
		MaskProb:    0.15,
	}
}

// NewSyntheticDataset generates a deterministic corpus for the given seed.
// Every sample masks at least one position, never emits the pad or mask id as
// a regular token, and places its entity markers inside the sequence.
// Blank labels mark pairs whose entity tokens share parity.
func NewSyntheticDataset(cfg SyntheticConfig, seed int64) (*InMemoryDataset, error) {
	if cfg.NumSamples <= 0 {
		return nil, errors.New("synthetic corpus needs at least one sample")
	}
	if cfg.MinLength < 3 || cfg.MaxLength < cfg.MinLength {
		return nil, errors.Errorf("invalid synthetic lengths [%d, %d]", cfg.MinLength, cfg.MaxLength)
	}
	if int(cfg.MaskTokenID) >= cfg.VocabSize || int(cfg.PadTokenID) >= cfg.VocabSize {
		return nil, errors.Errorf("vocabulary of %d does not contain pad %d and mask %d", cfg.VocabSize, cfg.PadTokenID, cfg.MaskTokenID)
	}

	rng := rand.New(rand.NewSource(seed))
	samples := make([]*Sample, cfg.NumSamples)
	for i := range samples {
		samples[i] = syntheticSample(cfg, rng)
	}
	return NewInMemoryDataset(samples), nil
}

func syntheticSample(cfg SyntheticConfig, rng *rand.Rand) *Sample {
	length := cfg.MinLength + rng.Intn(cfg.MaxLength-cfg.MinLength+1)
	tokens := make([]int32, length)
	for i := range tokens {
		tokens[i] = regularToken(cfg, rng)
	}

	e1 := 1 + rng.Intn(length-2)
	e2 := 1 + rng.Intn(length-2)

	var labels []int32
	for i := 1; i < length; i++ {
		if i == e1 || i == e2 {
			continue
		}
		if rng.Float64() < cfg.MaskProb {
			labels = append(labels, tokens[i])
			tokens[i] = cfg.MaskTokenID
		}
	}
	if len(labels) == 0 {
		// Entity markers never occupy the last position.
		labels = append(labels, tokens[length-1])
		tokens[length-1] = cfg.MaskTokenID
	}

	q := make([]float32, cfg.QDim)
	for i := range q {
		q[i] = float32(rng.NormFloat64())
	}

	var blank float32
	if tokens[e1]%2 == tokens[e2]%2 {
		blank = 1
	}

	return &Sample{
		TokenIDs:     tokens,
		MaskedLabels: labels,
		EntityStarts: [2]int32{int32(e1), int32(e2)},
		Q:            q,
		BlankLabel:   blank,
	}
}

func regularToken(cfg SyntheticConfig, rng *rand.Rand) int32 {
	for {
		id := int32(rng.Intn(cfg.VocabSize))
		if id != cfg.PadTokenID && id != cfg.MaskTokenID {
			return id
		}
	}
}
