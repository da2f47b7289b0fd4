package training

import (
	"math"
	"testing"

	"github.com/pkg/errors"
)

func TestUpdateWindow(t *testing.T) {
	tests := []struct {
		name       string
		numBatches int
		configured int
		want       int
		wantErr    error
	}{
		{"tenth of epoch", 100, 0, 10, nil},
		{"rounds down", 25, 0, 2, nil},
		{"explicit size", 7, 3, 3, nil},
		{"whole epoch", 10, 10, 10, nil},
		{"too few batches", 9, 0, 0, ErrUpdateWindowTooSmall},
		{"empty source", 0, 0, 0, ErrUpdateWindowTooSmall},
		{"larger than epoch", 10, 50, 0, ErrUpdateWindowTooLarge},
		{"explicit on empty source", 0, 3, 0, ErrUpdateWindowTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := updateWindow(tt.numBatches, tt.configured)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("updateWindow(%d, %d) = %d, want %d", tt.numBatches, tt.configured, got, tt.want)
			}
		})
	}
}

func TestShouldApplyUpdate(t *testing.T) {
	var applied []int
	for i := 0; i < 7; i++ {
		if shouldApplyUpdate(i, 3) {
			applied = append(applied, i)
		}
	}
	want := []int{0, 3, 6}
	if len(applied) != len(want) {
		t.Fatalf("applied = %v, want %v", applied, want)
	}
	for i := range want {
		if applied[i] != want[i] {
			t.Errorf("applied = %v, want %v", applied, want)
			break
		}
	}
}

func TestWindowComplete(t *testing.T) {
	var ends []int
	for i := 0; i < 12; i++ {
		if windowComplete(i, 4) {
			ends = append(ends, i)
		}
	}
	if len(ends) != 3 || ends[0] != 3 || ends[1] != 7 || ends[2] != 11 {
		t.Errorf("window ends = %v, want [3 7 11]", ends)
	}
}

func TestAccumulatorWindow(t *testing.T) {
	var acc Accumulator
	acc.Add(0.5, 0.2)
	acc.Add(0.25, 0.4)
	if acc.Batches != 2 {
		t.Errorf("Batches = %d, want 2", acc.Batches)
	}

	loss, accuracy := acc.Window(2, 2)
	if math.Abs(loss-0.75) > 1e-12 {
		t.Errorf("window loss = %v, want 0.75", loss)
	}
	if math.Abs(accuracy-0.3) > 1e-12 {
		t.Errorf("window accuracy = %v, want 0.3", accuracy)
	}

	acc.Reset()
	if acc.TotalLoss != 0 || acc.TotalAccuracy != 0 || acc.Batches != 0 {
		t.Errorf("Reset left %+v", acc)
	}
}

func TestMean(t *testing.T) {
	if got := mean(nil); got != 0 {
		t.Errorf("mean(nil) = %v, want 0", got)
	}
	if got := mean([]float64{1, 2, 6}); math.Abs(got-3) > 1e-12 {
		t.Errorf("mean = %v, want 3", got)
	}
}
