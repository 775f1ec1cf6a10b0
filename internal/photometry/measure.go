package photometry

import (
	"math"

	"polarpipe/internal/config"
	"polarpipe/internal/frame"
	"polarpipe/internal/stats"
)

// Flag marks quality conditions on a photometry record. Flags are soft
// failures: the record stays in the catalog carrying them.
type Flag uint16

const (
	FlagSaturated Flag = 1 << iota
	FlagEdgeClipped
	FlagLowSNR
	FlagNoBackground
	FlagUncalibrated // set later by catalog calibration when no match exists
)

// Has reports whether fl contains all bits of q.
func (fl Flag) Has(q Flag) bool { return fl&q == q }

// Record is one aperture measurement of one source in one frame.
type Record struct {
	SourceID      int
	FrameID       string
	X, Y          float64
	Aperture      float64
	Flux          float64
	FluxErr       float64
	Background    float64
	BackgroundErr float64
	SNR           float64
	Flags         Flag
}

// InstrumentalMag converts the flux to an instrumental magnitude. Non-positive
// flux returns NaN.
func (r Record) InstrumentalMag() float64 {
	if r.Flux <= 0 {
		return math.NaN()
	}
	return -2.5 * math.Log10(r.Flux)
}

// Measure performs aperture photometry for every detected source at every
// configured aperture radius. The local background is the sigma-clipped
// median of annulus pixels, excluding bad pixels and pixels near any other
// detection. Flux sums background-subtracted values with partial-pixel
// weighting at the aperture edge; the uncertainty combines per-pixel
// uncertainty, Poisson shot noise, read noise and the background error in
// quadrature.
func Measure(f *frame.Frame, sources []Detection, cfg config.Photometry) []Record {
	var records []Record
	for _, src := range sources {
		bg, bgErr, bgOK := annulusBackground(f, src, sources, cfg)
		for _, radius := range cfg.Apertures {
			rec := measureOne(f, src, radius, bg, bgErr, cfg)
			if !bgOK {
				rec.Flags |= FlagNoBackground
			}
			records = append(records, rec)
		}
	}
	return records
}

func measureOne(f *frame.Frame, src Detection, radius, bg, bgErr float64, cfg config.Photometry) Record {
	rec := Record{
		SourceID:      src.ID,
		FrameID:       f.Meta.ID,
		X:             src.X,
		Y:             src.Y,
		Aperture:      radius,
		Background:    bg,
		BackgroundErr: bgErr,
	}

	gain := f.Meta.Gain
	readNoise := f.Meta.ReadNoise
	var flux, variance, area float64

	x0 := int(math.Floor(src.X - radius - 1))
	x1 := int(math.Ceil(src.X + radius + 1))
	y0 := int(math.Floor(src.Y - radius - 1))
	y1 := int(math.Ceil(src.Y + radius + 1))
	if x0 < 0 || y0 < 0 || x1 >= f.Width || y1 >= f.Height {
		rec.Flags |= FlagEdgeClipped
	}

	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			d := math.Hypot(float64(x)-src.X, float64(y)-src.Y)
			w := pixelWeight(d, radius)
			if w == 0 {
				continue
			}
			if !f.In(x, y) {
				continue // already flagged edge-clipped above
			}
			i := f.Index(x, y)
			v := f.Data[i]
			if cfg.SaturationLevel > 0 && v >= cfg.SaturationLevel {
				rec.Flags |= FlagSaturated
			}
			flux += w * (v - bg)
			area += w

			pixVar := f.Unct[i] * f.Unct[i]
			if gain > 0 {
				if v > 0 {
					pixVar += v / gain // shot noise in ADU^2
				}
				pixVar += (readNoise / gain) * (readNoise / gain)
			}
			variance += w * w * pixVar
		}
	}

	// Background uncertainty acts coherently over the whole aperture area.
	variance += area * area * bgErr * bgErr

	rec.Flux = flux
	rec.FluxErr = math.Sqrt(variance)
	if rec.FluxErr > 0 {
		rec.SNR = rec.Flux / rec.FluxErr
	}
	if rec.SNR < cfg.MinSNR {
		rec.Flags |= FlagLowSNR
	}
	return rec
}

// pixelWeight is the fractional inclusion of a pixel whose center lies at
// distance d from the aperture center: a linear ramp across the boundary
// pixel, 1 fully inside, 0 fully outside.
func pixelWeight(d, radius float64) float64 {
	switch {
	case d <= radius-0.5:
		return 1
	case d >= radius+0.5:
		return 0
	default:
		return radius + 0.5 - d
	}
}

// annulusBackground estimates the local sky level for one source from the
// sigma-clipped median of its background annulus. Pixels flagged bad, and
// pixels closer than the neighbor-exclusion radius to any other detection,
// do not participate.
func annulusBackground(f *frame.Frame, src Detection, all []Detection, cfg config.Photometry) (level, err float64, ok bool) {
	rin, rout := cfg.AnnulusInner, cfg.AnnulusOuter
	if rout <= rin {
		return 0, 0, false
	}
	x0 := int(math.Floor(src.X - rout))
	x1 := int(math.Ceil(src.X + rout))
	y0 := int(math.Floor(src.Y - rout))
	y1 := int(math.Ceil(src.Y + rout))

	var vals []float64
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			if !f.In(x, y) {
				continue
			}
			d := math.Hypot(float64(x)-src.X, float64(y)-src.Y)
			if d < rin || d > rout {
				continue
			}
			i := f.Index(x, y)
			if f.Mask[i] {
				continue
			}
			if nearOtherSource(float64(x), float64(y), src.ID, all, cfg.NeighborExcludeR) {
				continue
			}
			vals = append(vals, f.Data[i])
		}
	}
	if len(vals) < 5 {
		return 0, 0, false
	}
	clip := stats.SigmaClip(vals, cfg.BackgroundSigma, 5)
	if clip.KeptCount == 0 {
		return stats.Median(vals), stats.MADSigma(vals) / math.Sqrt(float64(len(vals))), true
	}
	return clip.Center, clip.Sigma / math.Sqrt(float64(clip.KeptCount)), true
}

func nearOtherSource(x, y float64, selfID int, all []Detection, r float64) bool {
	if r <= 0 {
		return false
	}
	for _, d := range all {
		if d.ID == selfID {
			continue
		}
		if math.Hypot(x-d.X, y-d.Y) < r {
			return true
		}
	}
	return false
}
