package model

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/go-mtb/nn"
	"github.com/tsawler/go-mtb/tensor"
)

// Input is what the trainer feeds a model for one batch.
type Input struct {
	TokenIDs      *tensor.Tensor // [B,T] Int32
	TokenTypeIDs  *tensor.Tensor // [B,T] Int32
	AttentionMask *tensor.Tensor // [B,T] Float32, 1 for real tokens
	Q             *tensor.Tensor // [B,D] Float32
	EntityStarts  *tensor.Tensor // [B,2] Int32
}

// Output carries the two heads: BlanksLogits [B] and LMLogits [B,T,V].
type Output struct {
	BlanksLogits *tensor.Tensor
	LMLogits     *tensor.Tensor
}

type Config struct {
	VocabSize     int
	TypeVocabSize int
	HiddenSize    int
	NumLayers     int
	QDim          int
}

func DefaultConfig() Config {
	return Config{
		VocabSize:     256,
		TypeVocabSize: 2,
		HiddenSize:    32,
		NumLayers:     12,
		QDim:          4,
	}
}

// BlanksModel is a small encoder with BERT parameter names and two heads: a
// masked-token classifier over the vocabulary and a relation ("blanks")
// logit computed from the pooled sequence, both entity-start states and Q.
//
// Each encoder layer is a residual tanh block applied position-wise; padded
// positions are zeroed after every layer.
type BlanksModel struct {
	cfg         Config
	wordEmb     *nn.Embedding
	typeEmb     *nn.Embedding
	layers      []*nn.Linear
	pooler      *nn.Linear
	blanksLayer *nn.Linear
	lmLayer     *nn.Linear
	training    bool
}

func NewBlanksModel(cfg Config, seed int64) (*BlanksModel, error) {
	if cfg.VocabSize <= 0 || cfg.HiddenSize <= 0 || cfg.NumLayers <= 0 || cfg.QDim < 0 {
		return nil, errors.Errorf("invalid model config %+v", cfg)
	}
	if cfg.TypeVocabSize <= 0 {
		cfg.TypeVocabSize = 2
	}

	rng := rand.New(rand.NewSource(seed))
	m := &BlanksModel{cfg: cfg, training: true}
	var err error

	if m.wordEmb, err = nn.NewEmbedding("embeddings.word_embeddings", cfg.VocabSize, cfg.HiddenSize, rng); err != nil {
		return nil, err
	}
	if m.typeEmb, err = nn.NewEmbedding("embeddings.token_type_embeddings", cfg.TypeVocabSize, cfg.HiddenSize, rng); err != nil {
		return nil, err
	}
	for i := 0; i < cfg.NumLayers; i++ {
		layer, err := nn.NewLinear(fmt.Sprintf("encoder.layer.%d.dense", i), cfg.HiddenSize, cfg.HiddenSize, rng)
		if err != nil {
			return nil, err
		}
		m.layers = append(m.layers, layer)
	}
	if m.pooler, err = nn.NewLinear("pooler.dense", cfg.HiddenSize, cfg.HiddenSize, rng); err != nil {
		return nil, err
	}
	if m.blanksLayer, err = nn.NewLinear("blanks_linear", 3*cfg.HiddenSize+cfg.QDim, 1, rng); err != nil {
		return nil, err
	}
	if m.lmLayer, err = nn.NewLinear("lm_linear", cfg.HiddenSize, cfg.VocabSize, rng); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *BlanksModel) Config() Config {
	return m.cfg
}

func (m *BlanksModel) modules() []nn.Module {
	mods := []nn.Module{m.wordEmb, m.typeEmb}
	for _, l := range m.layers {
		mods = append(mods, l)
	}
	return append(mods, m.pooler, m.blanksLayer, m.lmLayer)
}

func (m *BlanksModel) NamedParameters() []*nn.Parameter {
	return nn.Collect(m.modules()...)
}

func (m *BlanksModel) Train() {
	m.training = true
	for _, mod := range m.modules() {
		mod.Train()
	}
}

func (m *BlanksModel) Eval() {
	m.training = false
	for _, mod := range m.modules() {
		mod.Eval()
	}
}

func (m *BlanksModel) IsTraining() bool {
	return m.training
}

func (m *BlanksModel) Device() tensor.DeviceType {
	return tensor.CPU
}

func (m *BlanksModel) Forward(in Input) (*Output, error) {
	if in.TokenIDs == nil || len(in.TokenIDs.Shape) != 2 {
		return nil, errors.New("token ids must be a [batch, seq] tensor")
	}
	batch, seq := in.TokenIDs.Shape[0], in.TokenIDs.Shape[1]

	mask, err := in.AttentionMask.GetFloat32Data()
	if err != nil {
		return nil, errors.Wrap(err, "attention mask")
	}
	if len(mask) != batch*seq {
		return nil, errors.Errorf("attention mask has %d entries, expected %d", len(mask), batch*seq)
	}
	starts, err := in.EntityStarts.GetInt32Data()
	if err != nil {
		return nil, errors.Wrap(err, "entity starts")
	}
	if len(starts) != batch*2 {
		return nil, errors.Errorf("entity starts have %d entries, expected %d", len(starts), batch*2)
	}
	if len(in.Q.Shape) != 2 || in.Q.Shape[0] != batch || in.Q.Shape[1] != m.cfg.QDim {
		return nil, errors.Errorf("Q shape %v does not match [%d %d]", in.Q.Shape, batch, m.cfg.QDim)
	}

	ids, err := in.TokenIDs.Reshape([]int{batch * seq})
	if err != nil {
		return nil, err
	}
	types, err := in.TokenTypeIDs.Reshape([]int{batch * seq})
	if err != nil {
		return nil, errors.Wrap(err, "token type ids")
	}

	word, err := m.wordEmb.Forward(ids)
	if err != nil {
		return nil, errors.Wrap(err, "word embeddings")
	}
	typ, err := m.typeEmb.Forward(types)
	if err != nil {
		return nil, errors.Wrap(err, "token type embeddings")
	}
	hidden, err := tensor.AddAutograd(word, typ)
	if err != nil {
		return nil, err
	}
	if hidden, err = tensor.MaskRowsAutograd(hidden, mask); err != nil {
		return nil, err
	}

	for i, layer := range m.layers {
		z, err := layer.Forward(hidden)
		if err != nil {
			return nil, errors.Wrapf(err, "encoder layer %d", i)
		}
		if z, err = tensor.TanhAutograd(z); err != nil {
			return nil, err
		}
		if hidden, err = tensor.AddAutograd(hidden, z); err != nil {
			return nil, err
		}
		if hidden, err = tensor.MaskRowsAutograd(hidden, mask); err != nil {
			return nil, err
		}
	}

	lm, err := m.lmLayer.Forward(hidden)
	if err != nil {
		return nil, errors.Wrap(err, "lm head")
	}
	lm, err = tensor.ReshapeAutograd(lm, []int{batch, seq, m.cfg.VocabSize})
	if err != nil {
		return nil, err
	}

	blanks, err := m.blanksHead(hidden, in.Q, starts, batch, seq)
	if err != nil {
		return nil, errors.Wrap(err, "blanks head")
	}

	return &Output{BlanksLogits: blanks, LMLogits: lm}, nil
}

func (m *BlanksModel) blanksHead(hidden, q *tensor.Tensor, starts []int32, batch, seq int) (*tensor.Tensor, error) {
	cls := make([]int, batch)
	e1 := make([]int, batch)
	e2 := make([]int, batch)
	for b := 0; b < batch; b++ {
		s1, s2 := int(starts[2*b]), int(starts[2*b+1])
		if s1 < 0 || s1 >= seq || s2 < 0 || s2 >= seq {
			return nil, errors.Errorf("entity starts (%d, %d) outside sequence of length %d", s1, s2, seq)
		}
		cls[b] = b * seq
		e1[b] = b*seq + s1
		e2[b] = b*seq + s2
	}

	first, err := tensor.GatherRowsAutograd(hidden, cls)
	if err != nil {
		return nil, err
	}
	pooled, err := m.pooler.Forward(first)
	if err != nil {
		return nil, err
	}
	if pooled, err = tensor.TanhAutograd(pooled); err != nil {
		return nil, err
	}
	h1, err := tensor.GatherRowsAutograd(hidden, e1)
	if err != nil {
		return nil, err
	}
	h2, err := tensor.GatherRowsAutograd(hidden, e2)
	if err != nil {
		return nil, err
	}

	parts := []*tensor.Tensor{pooled, h1, h2}
	if m.cfg.QDim > 0 {
		parts = append(parts, q)
	}
	joined, err := tensor.ConcatColsAutograd(parts...)
	if err != nil {
		return nil, err
	}
	logits, err := m.blanksLayer.Forward(joined)
	if err != nil {
		return nil, err
	}
	return tensor.ReshapeAutograd(logits, []int{batch})
}
