package polarimetry

import (
	"errors"
	"math"
	"testing"

	"polarpipe/internal/config"
	"polarpipe/internal/photometry"
)

func polarConfig() config.Polarimetry {
	cfg := config.Default().Polarimetry
	cfg.BeamDX = 30
	cfg.BeamDY = 0
	cfg.Tolerance = 2
	return cfg
}

func rec(id int, x, y, flux float64) photometry.Record {
	return photometry.Record{SourceID: id, X: x, Y: y, Flux: flux, FluxErr: 10}
}

func TestMatchPairs(t *testing.T) {
	records := []photometry.Record{
		rec(0, 10, 10, 1000),
		rec(1, 20, 40, 2000),
		rec(2, 40, 20, 1500),
		rec(3, 40.3, 10.2, 1000), // counterpart of 0, slightly off
		rec(4, 50, 40, 2000),     // counterpart of 1
		rec(5, 70, 20, 1500),     // counterpart of 2
		rec(6, 5, 55, 800),       // no counterpart anywhere
	}
	res := MatchPairs(records, polarConfig())

	if len(res.Pairs) != 3 {
		t.Fatalf("matched %d pairs, want 3", len(res.Pairs))
	}
	byOrd := make(map[int]BeamPair)
	for _, p := range res.Pairs {
		byOrd[p.Ordinary.SourceID] = p
	}
	for ord, ext := range map[int]int{0: 3, 1: 4, 2: 5} {
		p, ok := byOrd[ord]
		if !ok {
			t.Fatalf("source %d unpaired", ord)
		}
		if p.Extraordinary.SourceID != ext {
			t.Fatalf("source %d paired with %d, want %d", ord, p.Extraordinary.SourceID, ext)
		}
	}
	if p := byOrd[0]; math.Abs(p.Separation-math.Hypot(0.3, 0.2)) > 1e-9 {
		t.Fatalf("separation = %v", p.Separation)
	}
	if p := byOrd[1]; p.FluxRatio != 1 {
		t.Fatalf("flux ratio = %v, want 1", p.FluxRatio)
	}
	if len(res.Unmatched) != 1 || res.Unmatched[0].SourceID != 6 {
		t.Fatalf("unmatched = %+v, want only source 6", res.Unmatched)
	}
}

func TestMatchPairsAmbiguityCount(t *testing.T) {
	records := []photometry.Record{
		rec(0, 10, 10, 1000),
		rec(1, 40.2, 10, 1000), // good counterpart
		rec(2, 41.2, 10.5, 400), // also in tolerance, worse score
	}
	res := MatchPairs(records, polarConfig())
	if len(res.Pairs) != 1 {
		t.Fatalf("matched %d pairs, want 1", len(res.Pairs))
	}
	p := res.Pairs[0]
	if p.Extraordinary.SourceID != 1 {
		t.Fatalf("paired with %d, want the better-scoring candidate 1", p.Extraordinary.SourceID)
	}
	if p.RunnersUp != 1 {
		t.Fatalf("RunnersUp = %d, want 1", p.RunnersUp)
	}
}

func pairAt(x, y, fo, fe float64) BeamPair {
	return BeamPair{
		Ordinary:      photometry.Record{X: x, Y: y, Flux: fo, FluxErr: 10},
		Extraordinary: photometry.Record{X: x + 30, Y: y, Flux: fe, FluxErr: 10},
	}
}

func modulatedPair(x, y, total, q, u, angle float64) BeamPair {
	psi := angle * math.Pi / 180
	z := q*math.Cos(4*psi) + u*math.Sin(4*psi)
	return pairAt(x, y, total*(1+z)/2, total*(1-z)/2)
}

func TestBuildSeries(t *testing.T) {
	angles := []float64{0, 22.5, 45, 67.5}
	var frames []AngleFrame
	for _, a := range angles {
		frames = append(frames, AngleFrame{
			Angle: a,
			Pairs: []BeamPair{
				modulatedPair(10, 10, 10000, 0.04, 0.02, a),
				modulatedPair(50, 45, 8000, 0, 0, a),
			},
		})
	}
	series := BuildSeries(frames, 2)
	if len(series) != 2 {
		t.Fatalf("built %d series, want 2", len(series))
	}
	for _, s := range series {
		if len(s.Points) != 4 {
			t.Fatalf("series at (%.0f, %.0f) has %d points, want 4", s.X, s.Y, len(s.Points))
		}
		for i := 1; i < len(s.Points); i++ {
			if s.Points[i].Angle < s.Points[i-1].Angle {
				t.Fatalf("series points not ordered by angle")
			}
		}
	}
}

func TestFitStokesLinear(t *testing.T) {
	const q, u = 0.04, 0.02
	var s Series
	for _, a := range []float64{0, 22.5, 45, 67.5} {
		s.Points = append(s.Points, SeriesPoint{Angle: a, Pair: modulatedPair(10, 10, 10000, q, u, a)})
	}

	res, err := FitStokes(s, ModelLinear)
	if err != nil {
		t.Fatalf("FitStokes: %v", err)
	}
	if math.Abs(res.Q-q) > 1e-9 || math.Abs(res.U-u) > 1e-9 {
		t.Fatalf("Q = %v, U = %v, want %v, %v", res.Q, res.U, q, u)
	}
	wantP := math.Hypot(q, u)
	if math.Abs(res.Degree-wantP) > 1e-9 {
		t.Fatalf("degree = %v, want %v", res.Degree, wantP)
	}
	wantTheta := 0.5 * math.Atan2(u, q) * 180 / math.Pi
	if math.Abs(res.Angle-wantTheta) > 1e-9 {
		t.Fatalf("angle = %v, want %v", res.Angle, wantTheta)
	}
	if res.QErr <= 0 || res.UErr <= 0 || res.DegreeErr <= 0 {
		t.Fatalf("errors not propagated: %+v", res)
	}
	if res.NAngles != 4 {
		t.Fatalf("NAngles = %d, want 4", res.NAngles)
	}
	if res.ChiSq > 1e-12 {
		t.Fatalf("noiseless fit has chi2 %v", res.ChiSq)
	}
}

func TestFitStokesAngleNormalization(t *testing.T) {
	// Pure negative U puts the raw half-angle at -45 degrees; the reported
	// angle must land in [0, 180).
	var s Series
	for _, a := range []float64{0, 22.5, 45, 67.5} {
		s.Points = append(s.Points, SeriesPoint{Angle: a, Pair: modulatedPair(0, 0, 10000, 0, -0.05, a)})
	}
	res, err := FitStokes(s, ModelLinear)
	if err != nil {
		t.Fatalf("FitStokes: %v", err)
	}
	if res.Angle < 0 || res.Angle >= 180 {
		t.Fatalf("angle %v outside [0, 180)", res.Angle)
	}
	if math.Abs(res.Angle-135) > 1e-6 {
		t.Fatalf("angle = %v, want 135", res.Angle)
	}
}

func TestFitStokesInsufficientAngles(t *testing.T) {
	var s Series
	for _, a := range []float64{0, 22.5, 45} {
		s.Points = append(s.Points, SeriesPoint{Angle: a, Pair: modulatedPair(0, 0, 10000, 0.03, 0, a)})
	}
	if _, err := FitStokes(s, ModelLinear); !errors.Is(err, ErrInsufficientAngles) {
		t.Fatalf("expected ErrInsufficientAngles, got %v", err)
	}
}

func TestFitStokesFoldedAnglesStillFit(t *testing.T) {
	// 0 and 90 sample the same phase; 4 frames at only 2 phases must fail,
	// 4 distinct phases spread over more than one period must succeed.
	var s Series
	for _, a := range []float64{0, 90, 22.5, 112.5} {
		s.Points = append(s.Points, SeriesPoint{Angle: a, Pair: modulatedPair(0, 0, 10000, 0.03, 0.01, a)})
	}
	if _, err := FitStokes(s, ModelLinear); !errors.Is(err, ErrInsufficientAngles) {
		t.Fatalf("expected ErrInsufficientAngles for 2 phases, got %v", err)
	}

	var ok Series
	for _, a := range []float64{0, 112.5, 135, 157.5} {
		ok.Points = append(ok.Points, SeriesPoint{Angle: a, Pair: modulatedPair(0, 0, 10000, 0.03, 0.01, a)})
	}
	res, err := FitStokes(ok, ModelLinear)
	if err != nil {
		t.Fatalf("FitStokes: %v", err)
	}
	if math.Abs(res.Q-0.03) > 1e-9 || math.Abs(res.U-0.01) > 1e-9 {
		t.Fatalf("Q = %v, U = %v", res.Q, res.U)
	}
}

func TestFitStokesCircular(t *testing.T) {
	const v = 0.03
	var s Series
	for _, a := range []float64{45, 135} {
		psi := a * math.Pi / 180
		z := v * math.Sin(2*psi)
		s.Points = append(s.Points, SeriesPoint{Angle: a, Pair: pairAt(0, 0, 10000*(1+z)/2, 10000*(1-z)/2)})
	}
	res, err := FitStokes(s, ModelCircular)
	if err != nil {
		t.Fatalf("FitStokes: %v", err)
	}
	if math.Abs(res.V-v) > 1e-9 {
		t.Fatalf("V = %v, want %v", res.V, v)
	}
	if math.Abs(res.Degree-v) > 1e-9 {
		t.Fatalf("degree = %v, want %v", res.Degree, v)
	}

	var one Series
	one.Points = s.Points[:1]
	if _, err := FitStokes(one, ModelCircular); !errors.Is(err, ErrInsufficientAngles) {
		t.Fatalf("expected ErrInsufficientAngles, got %v", err)
	}
}

func TestFitStokesSkipsNonPositiveSums(t *testing.T) {
	var s Series
	for _, a := range []float64{0, 22.5, 45, 67.5} {
		s.Points = append(s.Points, SeriesPoint{Angle: a, Pair: modulatedPair(0, 0, 10000, 0.02, 0, a)})
	}
	// A broken sample with zero total flux must be ignored, leaving too few
	// angles behind when it was load-bearing.
	s.Points[3].Pair = pairAt(0, 0, 0, 0)
	if _, err := FitStokes(s, ModelLinear); !errors.Is(err, ErrInsufficientAngles) {
		t.Fatalf("expected ErrInsufficientAngles after dropping dead sample, got %v", err)
	}
}
