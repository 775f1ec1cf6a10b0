// Package cosmic wraps an external cosmic-ray detector capability and
// repairs the pixels it flags.
package cosmic

import (
	"context"
	"errors"
	"fmt"

	"polarpipe/internal/frame"
	"polarpipe/internal/stats"
)

// ErrDetectorUnavailable is returned when the external detector capability
// fails. The filter never retries internally; retry policy belongs to the
// caller.
var ErrDetectorUnavailable = errors.New("cosmic-ray detector unavailable")

// Detector is the external cosmic-ray classification capability. It consumes
// a frame and returns a boolean mask of the same shape, true where a pixel
// is hit. No other contract is assumed.
type Detector interface {
	DetectCosmics(ctx context.Context, f *frame.Frame) ([]bool, error)
}

// DetectorFunc adapts a function to the Detector interface.
type DetectorFunc func(ctx context.Context, f *frame.Frame) ([]bool, error)

func (fn DetectorFunc) DetectCosmics(ctx context.Context, f *frame.Frame) ([]bool, error) {
	return fn(ctx, f)
}

// Clean runs the detector, merges the returned mask into the frame's
// bad-pixel mask, and replaces flagged pixel values with the median of their
// unflagged neighbors. The input frame is untouched.
func Clean(ctx context.Context, f *frame.Frame, det Detector) (*frame.Frame, error) {
	crMask, err := det.DetectCosmics(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDetectorUnavailable, err)
	}
	if len(crMask) != len(f.Mask) {
		return nil, fmt.Errorf("%w: detector returned mask of length %d for %dx%d frame",
			frame.ErrGeometryMismatch, len(crMask), f.Width, f.Height)
	}

	out := f.Clone()
	hits := 0
	for i, hit := range crMask {
		if hit {
			out.Mask[i] = true
			hits++
		}
	}
	if hits == 0 {
		return out, nil
	}

	// Repair against the pre-merge mask so one hit does not poison the
	// interpolation of its neighbor.
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			i := f.Index(x, y)
			if !crMask[i] {
				continue
			}
			if v, ok := neighborMedian(f, crMask, x, y); ok {
				out.Data[i] = v
			}
		}
	}
	return out, nil
}

// neighborMedian returns the median of clean pixels in a growing window
// around (x, y), up to a 7x7 neighborhood.
func neighborMedian(f *frame.Frame, crMask []bool, x, y int) (float64, bool) {
	for r := 1; r <= 3; r++ {
		var vals []float64
		for dy := -r; dy <= r; dy++ {
			for dx := -r; dx <= r; dx++ {
				if dx == 0 && dy == 0 {
					continue
				}
				nx, ny := x+dx, y+dy
				if !f.In(nx, ny) {
					continue
				}
				j := f.Index(nx, ny)
				if crMask[j] || f.Mask[j] {
					continue
				}
				vals = append(vals, f.Data[j])
			}
		}
		if len(vals) >= 3 {
			return stats.Median(vals), true
		}
	}
	return 0, false
}
