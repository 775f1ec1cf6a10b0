// Package calib turns raw CCD frames into calibrated science frames: master
// bias/dark/flat combination with outlier rejection, then the standard
// correction chain.
package calib

import (
	"fmt"
	"math"

	"polarpipe/internal/frame"
	"polarpipe/internal/stats"
)

// Statistic selects the per-pixel combination estimator.
type Statistic string

const (
	StatMean             Statistic = "mean"
	StatMedian           Statistic = "median"
	StatSigmaClippedMean Statistic = "sigma-clip"
	StatMinMaxMean       Statistic = "minmax"
	StatSum              Statistic = "sum"
)

// MasterKind tags a master calibration frame with its role.
type MasterKind string

const (
	MasterBias MasterKind = "bias"
	MasterDark MasterKind = "dark"
	MasterFlat MasterKind = "flat"
)

// Master is a combined calibration frame plus the provenance needed to key
// caching and to audit a reduction.
type Master struct {
	Frame       *frame.Frame
	Kind        MasterKind
	Inputs      []string // IDs of the combined frames
	Statistic   Statistic
	RejectSigma float64
}

// Combine builds a master calibration frame from the input frames. All
// inputs must share pixel geometry. For the sigma-clipped statistic,
// per-pixel outliers beyond rejectSigma robust sigmas from the running
// median are excluded iteratively up to iterMax passes; pixels where every
// sample is rejected fall back to the unclipped mean and are flagged
// low-confidence in the output mask. The minmax statistic drops the single
// lowest and highest sample per pixel before averaging; the sum statistic
// scales each pixel by the input count over its unmasked count. Input pixels
// carrying a bad-pixel flag never participate; a pixel masked in every input
// stays masked in the master.
func Combine(frames []*frame.Frame, kind MasterKind, stat Statistic, rejectSigma float64, iterMax int) (*Master, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("combine %s: no input frames", kind)
	}
	ref := frames[0]
	for i, f := range frames[1:] {
		if err := ref.CheckGeometry(f); err != nil {
			return nil, fmt.Errorf("combine %s: input %d: %w", kind, i+1, err)
		}
	}
	if iterMax < 1 {
		iterMax = 1
	}

	n := ref.Width * ref.Height
	out := &frame.Frame{
		Width:  ref.Width,
		Height: ref.Height,
		Data:   make([]float64, n),
		Unct:   make([]float64, n),
		Mask:   make([]bool, n),
		Meta:   ref.Meta,
	}
	out.Meta.ID = fmt.Sprintf("master-%s", kind)

	samples := make([]float64, 0, len(frames))
	inputs := make([]string, len(frames))
	for i, f := range frames {
		inputs[i] = f.Meta.ID
	}

	for i := 0; i < n; i++ {
		samples = samples[:0]
		for _, f := range frames {
			if f.Mask[i] {
				continue
			}
			samples = append(samples, f.Data[i])
		}
		if len(samples) == 0 {
			// Masked everywhere: keep the raw mean of all inputs so the
			// master still has a value, but flag the pixel.
			all := make([]float64, len(frames))
			for j, f := range frames {
				all[j] = f.Data[i]
			}
			out.Data[i] = stats.Mean(all)
			out.Mask[i] = true
			continue
		}

		switch stat {
		case StatMedian:
			out.Data[i] = stats.Median(samples)
			out.Unct[i] = stats.StdDev(samples) / math.Sqrt(float64(len(samples)))
		case StatSigmaClippedMean:
			clip := stats.SigmaClip(samples, rejectSigma, iterMax)
			if clip.KeptCount == 0 {
				out.Data[i] = stats.Mean(samples)
				out.Unct[i] = stats.StdDev(samples) / math.Sqrt(float64(len(samples)))
				out.Mask[i] = true // low confidence: clip rejected everything
				continue
			}
			kept := make([]float64, 0, clip.KeptCount)
			for j, v := range samples {
				if clip.Kept[j] {
					kept = append(kept, v)
				}
			}
			out.Data[i] = stats.Mean(kept)
			out.Unct[i] = stats.StdDev(kept) / math.Sqrt(float64(len(kept)))
		case StatMinMaxMean:
			kept := samples
			if len(samples) >= 3 {
				// Drop the single lowest and highest sample.
				lo, hi := 0, 0
				for j, v := range samples {
					if v < samples[lo] {
						lo = j
					}
					if v > samples[hi] {
						hi = j
					}
				}
				kept = make([]float64, 0, len(samples)-2)
				for j, v := range samples {
					if j == lo || j == hi {
						continue
					}
					kept = append(kept, v)
				}
			}
			out.Data[i] = stats.Mean(kept)
			out.Unct[i] = stats.StdDev(kept) / math.Sqrt(float64(len(kept)))
		case StatSum:
			// Scale by the full input count so pixels with masked samples
			// stay comparable to fully sampled ones.
			scale := float64(len(frames)) / float64(len(samples))
			sum := 0.0
			for _, v := range samples {
				sum += v
			}
			out.Data[i] = sum * scale
			out.Unct[i] = stats.StdDev(samples) * math.Sqrt(float64(len(samples))) * scale
		case StatMean, "":
			out.Data[i] = stats.Mean(samples)
			out.Unct[i] = stats.StdDev(samples) / math.Sqrt(float64(len(samples)))
		default:
			return nil, fmt.Errorf("combine %s: unknown statistic %q", kind, stat)
		}
	}

	return &Master{
		Frame:       out,
		Kind:        kind,
		Inputs:      inputs,
		Statistic:   stat,
		RejectSigma: rejectSigma,
	}, nil
}
