package frame

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrGeometryMismatch is returned when two frames with incompatible pixel
// geometry are combined or applied to each other. It is fatal for the call:
// continuing would corrupt downstream statistics.
var ErrGeometryMismatch = errors.New("frame geometry mismatch")

// Meta holds the scalar metadata attached to a frame. It is copied on frame
// construction and never mutated afterwards.
type Meta struct {
	ID             string
	Exposure       float64 // seconds
	Filter         string
	PolarizerAngle float64 // degrees, retarder position for polarimetric frames
	Timestamp      time.Time
	Gain           float64 // electrons per ADU
	ReadNoise      float64 // electrons RMS
	Binning        int     // 1 for unbinned
}

// Frame is an immutable 2D image with a per-pixel uncertainty map and a
// bad-pixel mask. Every transform produces a new Frame; callers may share
// frames across goroutines freely.
type Frame struct {
	Width  int
	Height int
	Data   []float64
	Unct   []float64
	Mask   []bool
	Meta   Meta
}

// New builds a frame from pixel data. The uncertainty and mask slices may be
// nil, in which case zero uncertainty and an all-good mask are assumed.
// Slices are copied so the caller keeps ownership of its buffers.
func New(width, height int, data, unct []float64, mask []bool, meta Meta) (*Frame, error) {
	n := width * height
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid frame dimensions %dx%d", width, height)
	}
	if len(data) != n {
		return nil, fmt.Errorf("%w: data length %d for %dx%d frame", ErrGeometryMismatch, len(data), width, height)
	}
	if unct != nil && len(unct) != n {
		return nil, fmt.Errorf("%w: uncertainty length %d for %dx%d frame", ErrGeometryMismatch, len(unct), width, height)
	}
	if mask != nil && len(mask) != n {
		return nil, fmt.Errorf("%w: mask length %d for %dx%d frame", ErrGeometryMismatch, len(mask), width, height)
	}
	if meta.Binning == 0 {
		meta.Binning = 1
	}
	f := &Frame{
		Width:  width,
		Height: height,
		Data:   append([]float64(nil), data...),
		Unct:   make([]float64, n),
		Mask:   make([]bool, n),
		Meta:   meta,
	}
	if unct != nil {
		copy(f.Unct, unct)
	}
	if mask != nil {
		copy(f.Mask, mask)
	}
	return f, nil
}

// Uniform builds a constant-valued frame, useful in tests and for synthetic
// calibration data.
func Uniform(width, height int, value float64, meta Meta) *Frame {
	data := make([]float64, width*height)
	for i := range data {
		data[i] = value
	}
	f, _ := New(width, height, data, nil, nil, meta)
	return f
}

// Clone returns a deep copy with independent buffers.
func (f *Frame) Clone() *Frame {
	c := *f
	c.Data = append([]float64(nil), f.Data...)
	c.Unct = append([]float64(nil), f.Unct...)
	c.Mask = append([]bool(nil), f.Mask...)
	return &c
}

// WithMeta returns a copy of the frame carrying different metadata.
func (f *Frame) WithMeta(meta Meta) *Frame {
	c := f.Clone()
	if meta.Binning == 0 {
		meta.Binning = 1
	}
	c.Meta = meta
	return c
}

// Index maps pixel coordinates to the flat slice index. No bounds check.
func (f *Frame) Index(x, y int) int { return y*f.Width + x }

// In reports whether (x, y) lies inside the frame.
func (f *Frame) In(x, y int) bool {
	return x >= 0 && x < f.Width && y >= 0 && y < f.Height
}

// At returns the pixel value at (x, y).
func (f *Frame) At(x, y int) float64 { return f.Data[y*f.Width+x] }

// SameGeometry reports whether two frames share shape and binning.
func (f *Frame) SameGeometry(other *Frame) bool {
	return f.Width == other.Width && f.Height == other.Height &&
		f.Meta.Binning == other.Meta.Binning
}

// CheckGeometry returns ErrGeometryMismatch if other has a different shape
// or binning.
func (f *Frame) CheckGeometry(other *Frame) error {
	if !f.SameGeometry(other) {
		return fmt.Errorf("%w: %dx%d bin%d vs %dx%d bin%d",
			ErrGeometryMismatch,
			f.Width, f.Height, f.Meta.Binning,
			other.Width, other.Height, other.Meta.Binning)
	}
	return nil
}

// MaskedCount returns the number of bad pixels.
func (f *Frame) MaskedCount() int {
	n := 0
	for _, m := range f.Mask {
		if m {
			n++
		}
	}
	return n
}

// Trim extracts the sub-rectangle [x0, x1) x [y0, y1) as a new frame.
func (f *Frame) Trim(x0, y0, x1, y1 int) (*Frame, error) {
	if x0 < 0 || y0 < 0 || x1 > f.Width || y1 > f.Height || x0 >= x1 || y0 >= y1 {
		return nil, fmt.Errorf("trim section [%d:%d,%d:%d] outside %dx%d frame",
			x0, x1, y0, y1, f.Width, f.Height)
	}
	w, h := x1-x0, y1-y0
	out := &Frame{
		Width:  w,
		Height: h,
		Data:   make([]float64, w*h),
		Unct:   make([]float64, w*h),
		Mask:   make([]bool, w*h),
		Meta:   f.Meta,
	}
	for y := 0; y < h; y++ {
		src := (y+y0)*f.Width + x0
		dst := y * w
		copy(out.Data[dst:dst+w], f.Data[src:src+w])
		copy(out.Unct[dst:dst+w], f.Unct[src:src+w])
		copy(out.Mask[dst:dst+w], f.Mask[src:src+w])
	}
	return out, nil
}

// BinMode selects how pixel blocks are reduced during binning.
type BinMode int

const (
	BinSum BinMode = iota
	BinMean
)

// Bin reduces the frame by factor x factor blocks. Uncertainties combine in
// quadrature, masks OR per block. Trailing rows/columns that do not fill a
// whole block are dropped. Read noise in the metadata is scaled the way the
// block statistic demands (factor per axis for a sum).
func (f *Frame) Bin(factor int, mode BinMode) (*Frame, error) {
	if factor < 1 {
		return nil, fmt.Errorf("bin factor must be >= 1, got %d", factor)
	}
	if factor == 1 {
		return f.Clone(), nil
	}
	w := f.Width / factor
	h := f.Height / factor
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("%w: bin factor %d exceeds %dx%d frame", ErrGeometryMismatch, factor, f.Width, f.Height)
	}
	out := &Frame{
		Width:  w,
		Height: h,
		Data:   make([]float64, w*h),
		Unct:   make([]float64, w*h),
		Mask:   make([]bool, w*h),
		Meta:   f.Meta,
	}
	out.Meta.Binning = f.Meta.Binning * factor
	nblk := float64(factor * factor)
	for by := 0; by < h; by++ {
		for bx := 0; bx < w; bx++ {
			var sum, varsum float64
			var bad bool
			for dy := 0; dy < factor; dy++ {
				row := (by*factor+dy)*f.Width + bx*factor
				for dx := 0; dx < factor; dx++ {
					sum += f.Data[row+dx]
					varsum += f.Unct[row+dx] * f.Unct[row+dx]
					bad = bad || f.Mask[row+dx]
				}
			}
			i := by*w + bx
			switch mode {
			case BinMean:
				out.Data[i] = sum / nblk
				out.Unct[i] = math.Sqrt(varsum) / nblk
			default:
				out.Data[i] = sum
				out.Unct[i] = math.Sqrt(varsum)
			}
			out.Mask[i] = bad
		}
	}
	// The summed block carries the read noise of factor^2 reads.
	if f.Meta.ReadNoise > 0 {
		if mode == BinSum {
			out.Meta.ReadNoise = f.Meta.ReadNoise * float64(factor)
		} else {
			out.Meta.ReadNoise = f.Meta.ReadNoise / float64(factor)
		}
	}
	return out, nil
}
