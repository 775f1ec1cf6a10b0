package register

import (
	"fmt"
	"math"

	"polarpipe/internal/frame"
)

// Interpolation selects the resampling order for pixel values. Uncertainty
// and mask planes always use nearest-neighbor so flags keep their meaning.
type Interpolation int

const (
	Nearest Interpolation = iota
	Bilinear
)

// Resample produces the frame mapped onto the reference grid of the given
// size through t. Output pixels that map outside the source frame are
// masked. Data uses the requested interpolation; uncertainty and mask use
// nearest-neighbor semantics.
func Resample(f *frame.Frame, t Transform, width, height int, interp Interpolation) (*frame.Frame, error) {
	inv, err := t.Invert()
	if err != nil {
		return nil, fmt.Errorf("resample %s: %w", f.Meta.ID, err)
	}

	out := &frame.Frame{
		Width:  width,
		Height: height,
		Data:   make([]float64, width*height),
		Unct:   make([]float64, width*height),
		Mask:   make([]bool, width*height),
		Meta:   f.Meta,
	}

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := y*width + x
			sx, sy := inv.Apply(float64(x), float64(y))

			nx, ny := int(math.Round(sx)), int(math.Round(sy))
			if !f.In(nx, ny) {
				out.Mask[i] = true
				continue
			}
			j := f.Index(nx, ny)
			out.Unct[i] = f.Unct[j]
			out.Mask[i] = f.Mask[j]

			if interp == Nearest {
				out.Data[i] = f.Data[j]
				continue
			}
			out.Data[i] = bilinear(f, sx, sy, f.Data[j])
		}
	}
	return out, nil
}

// bilinear interpolates the data plane at (sx, sy). Masked or out-of-frame
// corners fall back to the nearest-neighbor value.
func bilinear(f *frame.Frame, sx, sy, fallback float64) float64 {
	x0 := int(math.Floor(sx))
	y0 := int(math.Floor(sy))
	fx := sx - float64(x0)
	fy := sy - float64(y0)

	var sum, wsum float64
	for dy := 0; dy <= 1; dy++ {
		for dx := 0; dx <= 1; dx++ {
			px, py := x0+dx, y0+dy
			if !f.In(px, py) {
				continue
			}
			j := f.Index(px, py)
			if f.Mask[j] {
				continue
			}
			wx := 1 - fx
			if dx == 1 {
				wx = fx
			}
			wy := 1 - fy
			if dy == 1 {
				wy = fy
			}
			w := wx * wy
			sum += w * f.Data[j]
			wsum += w
		}
	}
	if wsum <= 0 {
		return fallback
	}
	return sum / wsum
}
