// Package photcal ties instrumental magnitudes to a reference photometric
// system through a robust zero-point (and optional color term) fit.
package photcal

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"polarpipe/internal/config"
	"polarpipe/internal/photometry"
	"polarpipe/internal/polarimetry"
	"polarpipe/internal/stats"
)

// ErrCatalogUnavailable is the single error kind surfaced when the external
// catalog lookup capability fails; retry policy belongs to the caller.
var ErrCatalogUnavailable = errors.New("reference catalog unavailable")

// RefSource is one reference-catalog record.
type RefSource struct {
	RA, Dec float64 // degrees
	Mag     float64
	Band    string
}

// Lookup is the external catalog capability: a cone search around a sky
// position. Transport details are not this package's concern.
type Lookup interface {
	Query(ctx context.Context, ra, dec, radiusDeg float64) ([]RefSource, error)
}

// LookupFunc adapts a function to Lookup.
type LookupFunc func(ctx context.Context, ra, dec, radiusDeg float64) ([]RefSource, error)

func (fn LookupFunc) Query(ctx context.Context, ra, dec, radiusDeg float64) ([]RefSource, error) {
	return fn(ctx, ra, dec, radiusDeg)
}

// QueryCatalog wraps a Lookup call, folding any failure into
// ErrCatalogUnavailable.
func QueryCatalog(ctx context.Context, lk Lookup, ra, dec, radiusDeg float64) ([]RefSource, error) {
	refs, err := lk.Query(ctx, ra, dec, radiusDeg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
	}
	return refs, nil
}

// Match pairs an instrumental record with its reference magnitude. Color is
// optional supplementary color information (e.g. B-V) enabling the color
// term; NaN disables it for that match.
type Match struct {
	Record photometry.Record
	RefMag float64
	Color  float64
}

// Fit reports the calibration solution.
type Fit struct {
	ZeroPoint    float64
	ZeroPointErr float64
	ColorTerm    float64
	ColorTermErr float64
	RMS          float64
	Used         int
	Rejected     int
	Iterations   int
}

// Entry is one row of the calibrated output catalog. Every input source is
// present: sources without a catalog match carry Calibrated=false and the
// uncalibrated flag instead of being dropped.
type Entry struct {
	SourceID   int
	FrameID    string
	X, Y       float64
	RA, Dec    float64 // NaN when astrometry is unavailable
	Mag        float64 // NaN when uncalibrated
	MagErr     float64
	Calibrated bool
	Flags      photometry.Flag
	Stokes     *polarimetry.StokesResult
	Provenance []string // frame and master-frame IDs used in the reduction
}

// CalibrateMagnitudes fits the zero point (and color term when configured
// and color data is present) by iterative sigma-rejecting linear regression
// over the matched pairs, then emits one catalog entry per input record.
func CalibrateMagnitudes(records []photometry.Record, matches []Match, cfg config.Calibration) ([]Entry, Fit, error) {
	fit, err := solveZeroPoint(matches, cfg)
	if err != nil {
		return nil, Fit{}, err
	}

	matched := make(map[int]bool, len(matches))
	colors := make(map[int]float64, len(matches))
	for _, m := range matches {
		matched[m.Record.SourceID] = true
		colors[m.Record.SourceID] = m.Color
	}

	entries := make([]Entry, 0, len(records))
	for _, rec := range records {
		e := Entry{
			SourceID: rec.SourceID,
			FrameID:  rec.FrameID,
			X:        rec.X,
			Y:        rec.Y,
			RA:       math.NaN(),
			Dec:      math.NaN(),
			Mag:      math.NaN(),
			Flags:    rec.Flags,
		}
		inst := rec.InstrumentalMag()
		if math.IsNaN(inst) {
			e.Flags |= photometry.FlagUncalibrated
			entries = append(entries, e)
			continue
		}
		mag := inst + fit.ZeroPoint
		if fit.ColorTerm != 0 {
			if c, ok := colors[rec.SourceID]; ok && !math.IsNaN(c) {
				mag += fit.ColorTerm * c
			}
		}
		// Instrumental error plus the zero-point uncertainty in quadrature.
		instErr := 0.0
		if rec.Flux > 0 && rec.FluxErr > 0 {
			instErr = 2.5 / math.Ln10 * rec.FluxErr / rec.Flux
		}
		e.Mag = mag
		e.MagErr = math.Hypot(instErr, fit.ZeroPointErr)
		e.Calibrated = true
		if !matched[rec.SourceID] {
			// Calibrated through the global solution but not individually
			// anchored to the catalog.
			e.Flags |= photometry.FlagUncalibrated
			e.Calibrated = false
			e.Mag = math.NaN()
			e.MagErr = 0
		}
		entries = append(entries, e)
	}
	return entries, fit, nil
}

// solveZeroPoint performs the iterative robust regression
// refMag - instMag = ZP + colorTerm*color.
func solveZeroPoint(matches []Match, cfg config.Calibration) (Fit, error) {
	if len(matches) == 0 {
		return Fit{}, fmt.Errorf("zero-point fit: no catalog matches")
	}

	samples := make([]sample, 0, len(matches))
	colored := 0
	for _, m := range matches {
		inst := m.Record.InstrumentalMag()
		if math.IsNaN(inst) {
			continue
		}
		w := 1.0
		if m.Record.Flux > 0 && m.Record.FluxErr > 0 {
			magErr := 2.5 / math.Ln10 * m.Record.FluxErr / m.Record.Flux
			if magErr > 0 {
				w = 1 / (magErr * magErr)
			}
		}
		s := sample{diff: m.RefMag - inst, color: m.Color, weight: w}
		if !math.IsNaN(m.Color) {
			s.hasColor = true
			colored++
		}
		samples = append(samples, s)
	}
	if len(samples) == 0 {
		return Fit{}, fmt.Errorf("zero-point fit: no usable catalog matches")
	}

	useColor := cfg.FitColorTerm && colored >= 3
	maxIter := cfg.MaxIterations
	if maxIter < 1 {
		maxIter = 1
	}

	kept := make([]bool, len(samples))
	for i := range kept {
		kept[i] = !useColor || samples[i].hasColor
	}

	var fit Fit
	for iter := 0; iter < maxIter; iter++ {
		fit.Iterations = iter + 1

		n := 0
		for _, k := range kept {
			if k {
				n++
			}
		}
		if n < 2 || (useColor && n < 3) {
			return Fit{}, fmt.Errorf("zero-point fit: only %d matches survive rejection", n)
		}

		var err error
		fit, err = weightedSolve(samples, kept, useColor, fit.Iterations)
		if err != nil {
			return Fit{}, err
		}

		// Residual pass.
		resids := make([]float64, 0, n)
		for i, s := range samples {
			if !kept[i] {
				continue
			}
			resids = append(resids, residual(s.diff, s.color, fit, useColor))
		}
		center := stats.Median(resids)
		sigma := stats.MADSigma(resids)
		fit.RMS = stats.StdDev(resids)
		if sigma == 0 {
			break
		}
		rejected := false
		for i, s := range samples {
			if !kept[i] {
				continue
			}
			// Clip on the deviation from the residual median: a strong
			// outlier shifts the first-pass zero point, so the raw residual
			// of a good match is not centered on zero yet.
			if math.Abs(residual(s.diff, s.color, fit, useColor)-center) > cfg.RejectSigma*sigma {
				kept[i] = false
				fit.Rejected++
				rejected = true
			}
		}
		if !rejected {
			break
		}
	}

	fit.Used = 0
	for _, k := range kept {
		if k {
			fit.Used++
		}
	}
	return fit, nil
}

func residual(diff, color float64, fit Fit, useColor bool) float64 {
	r := diff - fit.ZeroPoint
	if useColor {
		r -= fit.ColorTerm * color
	}
	return r
}

type sample struct {
	diff, color, weight float64
	hasColor            bool
}

func weightedSolve(samples []sample, kept []bool, useColor bool, iterations int) (Fit, error) {
	if !useColor {
		var sw, swd float64
		for i, s := range samples {
			if !kept[i] {
				continue
			}
			sw += s.weight
			swd += s.weight * s.diff
		}
		if sw <= 0 {
			return Fit{}, fmt.Errorf("zero-point fit: zero total weight")
		}
		return Fit{
			ZeroPoint:    swd / sw,
			ZeroPointErr: math.Sqrt(1 / sw),
			Iterations:   iterations,
		}, nil
	}

	// Two-parameter weighted normal equations: diff = ZP + c*color.
	ata := mat.NewSymDense(2, nil)
	atb := mat.NewVecDense(2, nil)
	for i, s := range samples {
		if !kept[i] {
			continue
		}
		w := s.weight
		ata.SetSym(0, 0, ata.At(0, 0)+w)
		ata.SetSym(0, 1, ata.At(0, 1)+w*s.color)
		ata.SetSym(1, 1, ata.At(1, 1)+w*s.color*s.color)
		atb.SetVec(0, atb.AtVec(0)+w*s.diff)
		atb.SetVec(1, atb.AtVec(1)+w*s.color*s.diff)
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(ata); !ok {
		return Fit{}, fmt.Errorf("zero-point fit: degenerate color coverage")
	}
	var sol mat.VecDense
	if err := chol.SolveVecTo(&sol, atb); err != nil {
		return Fit{}, fmt.Errorf("zero-point fit: %w", err)
	}
	var cov mat.SymDense
	if err := chol.InverseTo(&cov); err != nil {
		return Fit{}, fmt.Errorf("zero-point covariance: %w", err)
	}
	return Fit{
		ZeroPoint:    sol.AtVec(0),
		ColorTerm:    sol.AtVec(1),
		ZeroPointErr: math.Sqrt(cov.At(0, 0)),
		ColorTermErr: math.Sqrt(cov.At(1, 1)),
		Iterations:   iterations,
	}, nil
}
