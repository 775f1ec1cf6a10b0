// Package frameio loads and saves detector frames through the ImageMagick
// bindings, converting raster pixel data to and from the pipeline's frame
// representation.
package frameio

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/gographics/imagick.v3/imagick"

	"polarpipe/internal/frame"
)

var initOnce sync.Once

// ensureInit initializes the ImageMagick environment once for the process
// lifetime. Terminate is intentionally never called; wand cleanup happens
// per operation.
func ensureInit() {
	initOnce.Do(func() {
		imagick.Initialize()
	})
}

// Load reads a frame from path as a single-channel float image. Pixel values
// keep ImageMagick's normalized [0,1] intensity scaled to scale (pass 65535
// for 16-bit data, or 1 to keep the normalized range). Metadata present as
// image properties is parsed into the frame Meta; missing fields stay zero.
func Load(path string, scale float64) (*frame.Frame, error) {
	ensureInit()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	width := int(mw.GetImageWidth())
	height := int(mw.GetImageHeight())
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("read %s: empty image", path)
	}

	raw, err := mw.ExportImagePixels(0, 0, uint(width), uint(height), "I", imagick.PIXEL_FLOAT)
	if err != nil {
		return nil, fmt.Errorf("export pixels %s: %w", path, err)
	}
	pixels, ok := raw.([]float32)
	if !ok {
		return nil, fmt.Errorf("export pixels %s: unexpected pixel type %T", path, raw)
	}

	data := make([]float64, len(pixels))
	for i, v := range pixels {
		data[i] = float64(v) * scale
	}

	f, err := frame.New(width, height, data, nil, nil, readMeta(mw, path))
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return f, nil
}

// readMeta extracts frame metadata from image properties. Frame ID defaults
// to the file name without extension.
func readMeta(mw *imagick.MagickWand, path string) frame.Meta {
	base := filepath.Base(path)
	meta := frame.Meta{
		ID:      strings.TrimSuffix(base, filepath.Ext(base)),
		Binning: 1,
	}
	if v := propFloat(mw, "exif:ExposureTime"); v > 0 {
		meta.Exposure = v
	}
	if v := mw.GetImageProperty("polarpipe:filter"); v != "" {
		meta.Filter = v
	}
	if v := propFloat(mw, "polarpipe:retarder-angle"); v != 0 {
		meta.PolarizerAngle = v
	}
	if v := propFloat(mw, "polarpipe:gain"); v > 0 {
		meta.Gain = v
	}
	if v := propFloat(mw, "polarpipe:read-noise"); v > 0 {
		meta.ReadNoise = v
	}
	if v := mw.GetImageProperty("exif:DateTimeOriginal"); v != "" {
		if t, err := time.Parse("2006:01:02 15:04:05", v); err == nil {
			meta.Timestamp = t
		}
	}
	return meta
}

func propFloat(mw *imagick.MagickWand, key string) float64 {
	s := mw.GetImageProperty(key)
	if s == "" {
		return 0
	}
	// EXIF rationals arrive as "n/d".
	if num, den, found := strings.Cut(s, "/"); found {
		n, err1 := strconv.ParseFloat(num, 64)
		d, err2 := strconv.ParseFloat(den, 64)
		if err1 == nil && err2 == nil && d != 0 {
			return n / d
		}
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// Save writes a frame to path as a grayscale image, dividing by scale to
// return to ImageMagick's normalized intensity range. Masked pixels are
// written as zero.
func Save(f *frame.Frame, path string, scale float64) error {
	ensureInit()

	if scale == 0 {
		scale = 1
	}
	pixels := make([]float32, len(f.Data))
	for i, v := range f.Data {
		if f.Mask != nil && f.Mask[i] {
			continue
		}
		pixels[i] = float32(v / scale)
	}

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ConstituteImage(uint(f.Width), uint(f.Height), "I", imagick.PIXEL_FLOAT, pixels); err != nil {
		return fmt.Errorf("constitute %s: %w", path, err)
	}
	if err := mw.SetImageDepth(16); err != nil {
		return fmt.Errorf("set depth %s: %w", path, err)
	}
	if err := mw.WriteImage(path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
