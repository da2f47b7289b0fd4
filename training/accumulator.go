package training

import (
	"github.com/pkg/errors"
)

// ErrUpdateWindowTooSmall is returned before training starts when the data
// source has too few batches to form a single logging window.
var ErrUpdateWindowTooSmall = errors.New("update window is zero: data source has fewer than 10 batches")

// ErrUpdateWindowTooLarge is returned before training starts when a
// configured window spans more batches than one epoch serves.
var ErrUpdateWindowTooLarge = errors.New("update window exceeds the batches per epoch")

// Accumulator holds the running loss and accuracy sums of the current
// update window.
type Accumulator struct {
	TotalLoss     float64
	TotalAccuracy float64
	Batches       int
}

func (a *Accumulator) Add(loss, accuracy float64) {
	a.TotalLoss += loss
	a.TotalAccuracy += accuracy
	a.Batches++
}

func (a *Accumulator) Reset() {
	*a = Accumulator{}
}

// Window returns the window loss and accuracy. The loss is rescaled by
// accSteps because each batch loss was divided by it before backward.
func (a *Accumulator) Window(accSteps, window int) (loss, accuracy float64) {
	return float64(accSteps) * a.TotalLoss / float64(window), a.TotalAccuracy / float64(window)
}

// updateWindow is the number of batches per logging window. A configured
// size of 0 means a tenth of the epoch.
func updateWindow(numBatches, configured int) (int, error) {
	window := configured
	if window <= 0 {
		window = numBatches / 10
	}
	if window == 0 {
		return 0, ErrUpdateWindowTooSmall
	}
	if window > numBatches {
		return 0, errors.Wrapf(ErrUpdateWindowTooLarge, "window %d, %d batches", window, numBatches)
	}
	return window, nil
}

// shouldApplyUpdate reports whether the optimizer steps after batch i.
// Counting from zero means every epoch's first batch steps on its own.
func shouldApplyUpdate(i, accSteps int) bool {
	return i%accSteps == 0
}

func windowComplete(i, window int) bool {
	return i%window == window-1
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
