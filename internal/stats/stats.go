// Package stats provides the robust estimators shared by frame combination,
// background estimation and catalog fitting.
package stats

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// madScale converts a median absolute deviation into a Gaussian-equivalent
// standard deviation.
const madScale = 1.4826

// Mean returns the arithmetic mean of x, 0 for empty input.
func Mean(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	return stat.Mean(x, nil)
}

// StdDev returns the sample standard deviation of x.
func StdDev(x []float64) float64 {
	if len(x) < 2 {
		return 0
	}
	return stat.StdDev(x, nil)
}

// Median returns the median of x without modifying it. Even-length input
// averages the two middle values.
func Median(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	s := append([]float64(nil), x...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

// MADSigma returns the scaled median absolute deviation of x, a robust
// stand-in for the standard deviation.
func MADSigma(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	med := Median(x)
	dev := make([]float64, len(x))
	for i, v := range x {
		dev[i] = math.Abs(v - med)
	}
	return madScale * Median(dev)
}

// ClipResult reports the outcome of an iterative sigma clip.
type ClipResult struct {
	Center     float64
	Sigma      float64
	Kept       []bool // parallel to the input, true for surviving samples
	KeptCount  int
	Iterations int
}

// SigmaClip iteratively rejects samples deviating more than threshold times
// the robust sigma from the running median, up to maxIter passes or until no
// sample is rejected. Non-finite samples are always rejected. If every sample
// would be rejected the clip reports KeptCount 0 and the caller decides the
// fallback.
func SigmaClip(x []float64, threshold float64, maxIter int) ClipResult {
	res := ClipResult{Kept: make([]bool, len(x))}
	work := make([]float64, 0, len(x))
	for i, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		res.Kept[i] = true
		work = append(work, v)
	}
	if len(work) == 0 {
		return res
	}
	for iter := 0; iter < maxIter; iter++ {
		res.Iterations = iter + 1
		center := Median(work)
		sigma := MADSigma(work)
		res.Center = center
		res.Sigma = sigma
		// A zero robust sigma still clips: at least half the samples sit
		// exactly on the center, so anything off it is an outlier.
		cut := threshold * sigma
		rejected := false
		work = work[:0]
		for i, v := range x {
			if !res.Kept[i] {
				continue
			}
			if math.Abs(v-center) > cut {
				res.Kept[i] = false
				rejected = true
				continue
			}
			work = append(work, v)
		}
		if !rejected || len(work) == 0 {
			break
		}
	}
	res.KeptCount = len(work)
	if len(work) > 0 {
		res.Center = Median(work)
		res.Sigma = MADSigma(work)
	}
	return res
}

// ClippedMean returns the mean of the samples surviving a sigma clip, along
// with the number of survivors. With no survivors it falls back to the plain
// mean of all finite samples.
func ClippedMean(x []float64, threshold float64, maxIter int) (mean float64, kept int) {
	clip := SigmaClip(x, threshold, maxIter)
	if clip.KeptCount == 0 {
		return Mean(x), 0
	}
	sum := 0.0
	for i, v := range x {
		if clip.Kept[i] {
			sum += v
		}
	}
	return sum / float64(clip.KeptCount), clip.KeptCount
}

// ClippedMedian returns the median of the samples surviving a sigma clip.
func ClippedMedian(x []float64, threshold float64, maxIter int) (median float64, kept int) {
	clip := SigmaClip(x, threshold, maxIter)
	if clip.KeptCount == 0 {
		return Median(x), 0
	}
	surv := make([]float64, 0, clip.KeptCount)
	for i, v := range x {
		if clip.Kept[i] {
			surv = append(surv, v)
		}
	}
	return Median(surv), len(surv)
}
