// Package photometry detects point sources and measures their flux in
// circular apertures with local sky subtraction.
package photometry

import (
	"math"
	"sort"

	"polarpipe/internal/config"
	"polarpipe/internal/frame"
	"polarpipe/internal/stats"
)

// Detection is one detected point source. Positions are sub-pixel centroids
// in pixel coordinates (0,0 at the center of the first pixel).
type Detection struct {
	ID           int
	X, Y         float64
	Peak         float64 // background-subtracted peak value
	FWHM         float64 // from second moments, pixels
	Significance float64 // peak over background sigma
}

// Detect finds local maxima above the background plus sigma*detectSigma,
// rejects candidates overlapping the bad-pixel mask, and refines each
// centroid by iterative moment re-centering. Results are sorted brightest
// first and truncated to cfg.MaxSources.
func Detect(f *frame.Frame, cfg config.Photometry) []Detection {
	bg, bgSigma := globalBackground(f, cfg.BackgroundSigma)
	threshold := bg + cfg.DetectSigma*bgSigma
	half := cfg.DetectBoxHalf
	if half < 1 {
		half = 2
	}

	var dets []Detection
	for y := half; y < f.Height-half; y++ {
	candidates:
		for x := half; x < f.Width-half; x++ {
			i := f.Index(x, y)
			v := f.Data[i]
			if v < threshold || f.Mask[i] {
				continue
			}
			// Strict local maximum over the search box, and no bad pixel
			// inside it.
			for dy := -half; dy <= half; dy++ {
				for dx := -half; dx <= half; dx++ {
					if dx == 0 && dy == 0 {
						continue
					}
					j := f.Index(x+dx, y+dy)
					if f.Mask[j] || f.Data[j] > v {
						continue candidates
					}
				}
			}
			cx, cy, fwhm := refineCentroid(f, float64(x), float64(y), bg, cfg)
			sig := 0.0
			if bgSigma > 0 {
				sig = (v - bg) / bgSigma
			}
			dets = append(dets, Detection{
				X:            cx,
				Y:            cy,
				Peak:         v - bg,
				FWHM:         fwhm,
				Significance: sig,
			})
		}
	}

	sort.Slice(dets, func(i, j int) bool { return dets[i].Peak > dets[j].Peak })
	dets = dedupe(dets, math.Max(2, float64(half)))
	if cfg.MaxSources > 0 && len(dets) > cfg.MaxSources {
		dets = dets[:cfg.MaxSources]
	}
	for i := range dets {
		dets[i].ID = i
	}
	return dets
}

// globalBackground estimates the frame background level and scatter from a
// sigma-clipped pass over the unmasked pixels.
func globalBackground(f *frame.Frame, clipSigma float64) (level, sigma float64) {
	good := make([]float64, 0, len(f.Data))
	for i, v := range f.Data {
		if !f.Mask[i] {
			good = append(good, v)
		}
	}
	if clipSigma <= 0 {
		clipSigma = 3
	}
	clip := stats.SigmaClip(good, clipSigma, 5)
	if clip.KeptCount == 0 {
		return stats.Median(good), stats.MADSigma(good)
	}
	return clip.Center, clip.Sigma
}

// refineCentroid iterates first-moment re-centering in a window scaled to
// the detection box until the shift converges or the iteration cap is hit.
// It also returns the FWHM estimated from the second moments of the final
// window.
func refineCentroid(f *frame.Frame, x0, y0, bg float64, cfg config.Photometry) (cx, cy, fwhm float64) {
	r := cfg.DetectBoxHalf + 2
	cx, cy = x0, y0
	iterMax := cfg.CentroidIterMax
	if iterMax < 1 {
		iterMax = 5
	}
	tol := cfg.CentroidTol
	if tol <= 0 {
		tol = 0.01
	}

	var mxx, myy float64
	for iter := 0; iter < iterMax; iter++ {
		var sw, swx, swy float64
		mxx, myy = 0, 0
		xi, yi := int(math.Round(cx)), int(math.Round(cy))
		for dy := -r; dy <= r; dy++ {
			for dx := -r; dx <= r; dx++ {
				px, py := xi+dx, yi+dy
				if !f.In(px, py) {
					continue
				}
				j := f.Index(px, py)
				if f.Mask[j] {
					continue
				}
				w := f.Data[j] - bg
				if w <= 0 {
					continue
				}
				sw += w
				swx += w * float64(px)
				swy += w * float64(py)
			}
		}
		if sw <= 0 {
			break
		}
		nx, ny := swx/sw, swy/sw
		shift := math.Hypot(nx-cx, ny-cy)
		cx, cy = nx, ny

		for dy := -r; dy <= r; dy++ {
			for dx := -r; dx <= r; dx++ {
				px, py := xi+dx, yi+dy
				if !f.In(px, py) {
					continue
				}
				j := f.Index(px, py)
				if f.Mask[j] {
					continue
				}
				w := f.Data[j] - bg
				if w <= 0 {
					continue
				}
				mxx += w * (float64(px) - cx) * (float64(px) - cx)
				myy += w * (float64(py) - cy) * (float64(py) - cy)
			}
		}
		mxx /= sw
		myy /= sw

		if shift < tol {
			break
		}
	}

	sigma2 := (mxx + myy) / 2
	if sigma2 > 0 {
		fwhm = 2.3548 * math.Sqrt(sigma2)
	}
	return cx, cy, fwhm
}

// dedupe drops detections closer than minSep to a brighter one. The input
// must be sorted brightest first.
func dedupe(dets []Detection, minSep float64) []Detection {
	out := dets[:0]
	for _, d := range dets {
		keep := true
		for _, k := range out {
			if math.Hypot(d.X-k.X, d.Y-k.Y) < minSep {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, d)
		}
	}
	return out
}
