package data

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestSyntheticDataset(t *testing.T) {
	cfg := DefaultSyntheticConfig()
	cfg.NumSamples = 50

	ds, err := NewSyntheticDataset(cfg, 3)
	if err != nil {
		t.Fatalf("NewSyntheticDataset failed: %v", err)
	}
	if ds.Len() != 50 {
		t.Fatalf("Len = %d, expected 50", ds.Len())
	}

	for i := 0; i < ds.Len(); i++ {
		s, _ := ds.Get(i)
		masked := 0
		for _, id := range s.TokenIDs {
			if id == cfg.PadTokenID {
				t.Fatalf("sample %d contains the pad id", i)
			}
			if id == cfg.MaskTokenID {
				masked++
			}
		}
		if masked == 0 || masked != len(s.MaskedLabels) {
			t.Errorf("sample %d: %d masked positions but %d labels", i, masked, len(s.MaskedLabels))
		}
		if len(s.Q) != cfg.QDim {
			t.Errorf("sample %d: Q has %d features, expected %d", i, len(s.Q), cfg.QDim)
		}
	}

	again, _ := NewSyntheticDataset(cfg, 3)
	a, _ := ds.Get(7)
	b, _ := again.Get(7)
	if !reflect.DeepEqual(a, b) {
		t.Error("same seed should generate the same corpus")
	}
}

func TestSyntheticDatasetRejectsBadConfig(t *testing.T) {
	cfg := DefaultSyntheticConfig()
	cfg.VocabSize = 50
	if _, err := NewSyntheticDataset(cfg, 1); err == nil {
		t.Error("expected an error when the mask id lies outside the vocabulary")
	}
}

func TestCollatePadsToLongest(t *testing.T) {
	samples := []*Sample{
		{TokenIDs: []int32{5, 103, 7}, MaskedLabels: []int32{6}, EntityStarts: [2]int32{0, 2}, Q: []float32{1, 2}, BlankLabel: 1},
		{TokenIDs: []int32{9, 103, 103, 4, 8}, MaskedLabels: []int32{10, 11}, EntityStarts: [2]int32{3, 4}, Q: []float32{3, 4}},
	}

	batch, err := Collate(samples, 0)
	if err != nil {
		t.Fatalf("Collate failed: %v", err)
	}

	if !reflect.DeepEqual(batch.TokenIDs.Shape, []int{2, 5}) {
		t.Errorf("token shape = %v, expected [2 5]", batch.TokenIDs.Shape)
	}
	wantTokens := []int32{5, 103, 7, 0, 0, 9, 103, 103, 4, 8}
	if !reflect.DeepEqual(batch.TokenIDs.Data, wantTokens) {
		t.Errorf("tokens = %v, expected %v", batch.TokenIDs.Data, wantTokens)
	}
	wantLabels := []int32{6, 0, 10, 11}
	if !reflect.DeepEqual(batch.MaskedLabels.Data, wantLabels) {
		t.Errorf("labels = %v, expected %v", batch.MaskedLabels.Data, wantLabels)
	}
	if !reflect.DeepEqual(batch.BlankLabels.Data, []float32{1, 0}) {
		t.Errorf("blank labels = %v", batch.BlankLabels.Data)
	}
	if batch.Size() != 2 {
		t.Errorf("Size = %d, expected 2", batch.Size())
	}
}

func TestCollateRejectsMarkerOutsideSequence(t *testing.T) {
	samples := []*Sample{{TokenIDs: []int32{5, 6}, MaskedLabels: []int32{1}, EntityStarts: [2]int32{0, 5}, Q: []float32{1}}}
	if _, err := Collate(samples, 0); err == nil {
		t.Error("expected an error for an entity marker past the sequence end")
	}
}

func TestDataLoader(t *testing.T) {
	cfg := DefaultSyntheticConfig()
	cfg.NumSamples = 10
	ds, _ := NewSyntheticDataset(cfg, 1)

	dl, err := NewDataLoader(ds, 4, true, cfg.PadTokenID, 1)
	if err != nil {
		t.Fatalf("NewDataLoader failed: %v", err)
	}
	if dl.Len() != 3 {
		t.Errorf("Len = %d, expected 3", dl.Len())
	}

	for epoch := 0; epoch < 2; epoch++ {
		dl.Reset()
		sizes := []int{}
		for {
			batch, err := dl.Next()
			if err != nil {
				t.Fatalf("Next failed: %v", err)
			}
			if batch == nil {
				break
			}
			sizes = append(sizes, batch.Size())
		}
		if !reflect.DeepEqual(sizes, []int{4, 4, 2}) {
			t.Errorf("epoch %d batch sizes = %v, expected [4 4 2]", epoch, sizes)
		}
		if batch, _ := dl.Next(); batch != nil {
			t.Error("Next after the last batch should return nil")
		}
	}

	if _, err := NewDataLoader(ds, 0, false, 0, 1); err == nil {
		t.Error("expected an error for a zero batch size")
	}
}

func TestLoadJSONL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pretrain.jsonl")
	content := `{"token_ids":[101,103,7,102],"masked_labels":[55],"e1_e2_start":[0,2],"q":[0.5],"blank_label":1}

{"token_ids":[101,8,103,102],"masked_labels":[66],"e1_e2_start":[1,3],"q":[0.25],"blank_label":0}
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	ds, err := LoadJSONL(path)
	if err != nil {
		t.Fatalf("LoadJSONL failed: %v", err)
	}
	if ds.Len() != 2 {
		t.Fatalf("Len = %d, expected 2", ds.Len())
	}
	s, _ := ds.Get(1)
	if s.MaskedLabels[0] != 66 || s.EntityStarts != [2]int32{1, 3} {
		t.Errorf("unexpected sample %+v", s)
	}

	bad := filepath.Join(dir, "bad.jsonl")
	os.WriteFile(bad, []byte("{not json}\n"), 0644)
	if _, err := LoadJSONL(bad); err == nil {
		t.Error("expected a parse error")
	}
	if _, err := LoadJSONL(filepath.Join(dir, "missing.jsonl")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestSubsetDataset(t *testing.T) {
	samples := make([]*Sample, 5)
	for i := range samples {
		samples[i] = &Sample{TokenIDs: []int32{int32(i + 1)}}
	}
	ds := NewInMemoryDataset(samples)

	tests := []struct {
		limit   int
		wantLen int
	}{
		{0, 0},
		{3, 3},
		{10, 5},
	}
	for _, tt := range tests {
		sub, err := NewSubsetDataset(ds, tt.limit)
		if err != nil {
			t.Fatalf("NewSubsetDataset(%d) failed: %v", tt.limit, err)
		}
		if sub.Len() != tt.wantLen {
			t.Errorf("limit %d: Len = %d, want %d", tt.limit, sub.Len(), tt.wantLen)
		}
	}

	sub, _ := NewSubsetDataset(ds, 2)
	s, err := sub.Get(1)
	if err != nil || s.TokenIDs[0] != 2 {
		t.Errorf("Get(1) = %v, %v", s, err)
	}
	if _, err := sub.Get(2); err == nil {
		t.Error("expected an error past the subset limit")
	}
	if _, err := NewSubsetDataset(ds, -1); err == nil {
		t.Error("expected an error for a negative limit")
	}
}
