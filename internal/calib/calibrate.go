package calib

import (
	"fmt"
	"log/slog"
	"math"

	"polarpipe/internal/config"
	"polarpipe/internal/frame"
	"polarpipe/internal/stats"
)

// Calibrator applies master frames to science frames. It is stateless apart
// from configuration and may be shared across goroutines.
type Calibrator struct {
	cfg config.Reduction
	log *slog.Logger
}

// NewCalibrator builds a Calibrator from the reduction section of the
// configuration.
func NewCalibrator(cfg config.Reduction, log *slog.Logger) *Calibrator {
	if log == nil {
		log = slog.Default()
	}
	return &Calibrator{cfg: cfg, log: log}
}

// Calibrate corrects a science frame. The processing order is fixed:
// subtract bias, subtract the dark (bias-corrected when a bias master is
// present) scaled by the exposure ratio, divide by the flat normalized to
// unit median, convert by gain, then bin. Any step whose
// master frame is absent is skipped. A flat value at or below the configured
// epsilon (after normalization) marks that pixel bad instead of producing an
// unbounded quotient. Geometry mismatches against the pre-binning science
// shape are fatal.
func (c *Calibrator) Calibrate(science *frame.Frame, bias, dark, flat *Master) (*frame.Frame, error) {
	for _, m := range []*Master{bias, dark, flat} {
		if m == nil {
			continue
		}
		if err := science.CheckGeometry(m.Frame); err != nil {
			return nil, fmt.Errorf("calibrate %s with %s master: %w", science.Meta.ID, m.Kind, err)
		}
	}

	out := science
	var err error

	if bias != nil {
		out, err = frame.Arith(out, bias.Frame, frame.OpSub)
		if err != nil {
			return nil, err
		}
		c.log.Debug("bias subtracted", "frame", science.Meta.ID, "master", bias.Frame.Meta.ID)
	}

	if dark != nil {
		darkFrame := dark.Frame
		if bias != nil {
			// Dark masters carry the bias signal; remove it before the
			// exposure scaling or the bias would be scaled along with the
			// dark current.
			darkFrame, err = frame.Arith(darkFrame, bias.Frame, frame.OpSub)
			if err != nil {
				return nil, err
			}
		}
		scaled := darkFrame
		if darkFrame.Meta.Exposure > 0 && out.Meta.Exposure > 0 &&
			darkFrame.Meta.Exposure != out.Meta.Exposure {
			scale := out.Meta.Exposure / darkFrame.Meta.Exposure
			scaled, err = frame.ArithScalar(darkFrame, scale, frame.OpMul)
			if err != nil {
				return nil, err
			}
			c.log.Debug("dark scaled to science exposure", "frame", science.Meta.ID, "scale", scale)
		}
		out, err = frame.Arith(out, scaled, frame.OpSub)
		if err != nil {
			return nil, err
		}
	}

	if flat != nil {
		out, err = c.divideFlat(out, flat)
		if err != nil {
			return nil, err
		}
	}

	if c.cfg.Gain > 0 && c.cfg.Gain != 1 {
		out, err = frame.ArithScalar(out, c.cfg.Gain, frame.OpMul)
		if err != nil {
			return nil, err
		}
	}

	if c.cfg.BinFactor > 1 {
		mode := frame.BinSum
		if c.cfg.BinMode == "mean" {
			mode = frame.BinMean
		}
		out, err = out.Bin(c.cfg.BinFactor, mode)
		if err != nil {
			return nil, err
		}
	}

	if out == science {
		// Nothing applied; still return a fresh frame so the input stays
		// untouched by downstream steps.
		out = science.Clone()
	}
	out.Meta.ID = science.Meta.ID
	return out, nil
}

// divideFlat normalizes the flat to unit median over its good pixels and
// divides. Near-zero flat pixels are masked rather than divided.
func (c *Calibrator) divideFlat(science *frame.Frame, flat *Master) (*frame.Frame, error) {
	good := make([]float64, 0, len(flat.Frame.Data))
	for i, v := range flat.Frame.Data {
		if !flat.Frame.Mask[i] {
			good = append(good, v)
		}
	}
	norm := stats.Median(good)
	if norm == 0 || math.IsNaN(norm) {
		return nil, fmt.Errorf("flat master %s has zero median, cannot normalize", flat.Frame.Meta.ID)
	}

	eps := c.cfg.FlatEpsilon
	out := science.Clone()
	for i := range out.Data {
		fv := flat.Frame.Data[i] / norm
		if flat.Frame.Mask[i] || fv <= eps {
			out.Data[i] = 0
			out.Unct[i] = 0
			out.Mask[i] = true
			continue
		}
		fu := flat.Frame.Unct[i] / norm
		r := out.Data[i] / fv
		out.Unct[i] = math.Hypot(out.Unct[i]/fv, r*fu/fv)
		out.Data[i] = r
		out.Mask[i] = out.Mask[i] || flat.Frame.Mask[i]
	}
	return out, nil
}
