package stats

import (
	"math"
	"testing"
)

func TestMeanAndStdDev(t *testing.T) {
	if got := Mean(nil); got != 0 {
		t.Fatalf("Mean(nil) = %v, want 0", got)
	}
	if got := Mean([]float64{1, 2, 3, 4}); got != 2.5 {
		t.Fatalf("Mean = %v, want 2.5", got)
	}
	if got := StdDev([]float64{5}); got != 0 {
		t.Fatalf("StdDev of singleton = %v, want 0", got)
	}
	if got := StdDev([]float64{2, 4, 4, 4, 5, 5, 7, 9}); math.Abs(got-2.138089935) > 1e-6 {
		t.Fatalf("StdDev = %v", got)
	}
}

func TestMedian(t *testing.T) {
	if got := Median([]float64{3, 1, 2}); got != 2 {
		t.Fatalf("Median = %v, want 2", got)
	}
	if got := Median([]float64{7}); got != 7 {
		t.Fatalf("Median singleton = %v, want 7", got)
	}
	// Even length averages the two middle values.
	if got := Median([]float64{4, 1, 2, 3}); got != 2.5 {
		t.Fatalf("Median even = %v, want 2.5", got)
	}
	// Input must not be reordered.
	x := []float64{9, 1, 5}
	Median(x)
	if x[0] != 9 || x[2] != 5 {
		t.Fatalf("Median mutated its input: %v", x)
	}
}

func TestMADSigma(t *testing.T) {
	got := MADSigma([]float64{1, 2, 3, 4, 100})
	if math.Abs(got-1.4826) > 1e-9 {
		t.Fatalf("MADSigma = %v, want 1.4826", got)
	}
	if got := MADSigma(nil); got != 0 {
		t.Fatalf("MADSigma(nil) = %v, want 0", got)
	}
}

func TestSigmaClipRejectsOutlier(t *testing.T) {
	x := []float64{98, 99, 100, 101, 102, 500}
	res := SigmaClip(x, 3, 5)
	if res.KeptCount != 5 {
		t.Fatalf("kept %d samples, want 5", res.KeptCount)
	}
	if res.Kept[5] {
		t.Fatalf("outlier survived the clip")
	}
	if res.Center != 100 {
		t.Fatalf("center = %v, want 100", res.Center)
	}
}

func TestSigmaClipRejectsNonFinite(t *testing.T) {
	x := []float64{10, math.NaN(), 11, math.Inf(1), 12}
	res := SigmaClip(x, 3, 5)
	if res.Kept[1] || res.Kept[3] {
		t.Fatalf("non-finite sample survived")
	}
	if res.KeptCount != 3 {
		t.Fatalf("kept %d, want 3", res.KeptCount)
	}
}

func TestSigmaClipIdenticalSamplesRejectOutlier(t *testing.T) {
	// Identical samples give MAD 0; the clip must still drop the outlier
	// rather than give up on the zero sigma.
	x := []float64{100, 100, 100, 100, 100, 500}
	res := SigmaClip(x, 3, 5)
	if res.Kept[5] {
		t.Fatalf("outlier survived a zero-sigma clip")
	}
	if res.KeptCount != 5 || res.Center != 100 {
		t.Fatalf("kept=%d center=%v, want 5 and 100", res.KeptCount, res.Center)
	}
}

func TestSigmaClipUniformInput(t *testing.T) {
	x := []float64{5, 5, 5, 5}
	res := SigmaClip(x, 3, 5)
	if res.KeptCount != 4 || res.Center != 5 || res.Sigma != 0 {
		t.Fatalf("uniform clip: kept=%d center=%v sigma=%v", res.KeptCount, res.Center, res.Sigma)
	}
}

func TestClippedMean(t *testing.T) {
	x := []float64{98, 99, 100, 101, 102, 500}
	mean, kept := ClippedMean(x, 3, 5)
	if kept != 5 {
		t.Fatalf("kept %d, want 5", kept)
	}
	if mean != 100 {
		t.Fatalf("clipped mean = %v, want 100", mean)
	}
}

func TestClippedMedian(t *testing.T) {
	x := []float64{98, 99, 100, 101, 102, 500}
	med, kept := ClippedMedian(x, 3, 5)
	if kept != 5 || med != 100 {
		t.Fatalf("clipped median = %v (kept %d), want 100 (5)", med, kept)
	}
}
