package register

import (
	"errors"
	"math"
	"testing"

	"polarpipe/internal/config"
	"polarpipe/internal/frame"
)

var fieldStars = [][2]float64{
	{10, 12}, {50, 14}, {30, 40}, {15, 50},
	{45, 45}, {25, 20}, {40, 28}, {12, 30},
}

var fieldAmps = []float64{1200, 1100, 1000, 900, 800, 700, 600, 500}

// starFrame renders point sources on a sky of 100 ADU with a deterministic
// low-amplitude pattern so source detection sees realistic scatter.
func starFrame(id string, stars [][2]float64, amps []float64) *frame.Frame {
	const w, h = 64, 64
	data := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := 100 + float64((x+2*y)%3-1)
			for s, p := range stars {
				dx, dy := float64(x)-p[0], float64(y)-p[1]
				v += amps[s] * math.Exp(-(dx*dx+dy*dy)/(2*1.5*1.5))
			}
			data[y*w+x] = v
		}
	}
	f, _ := frame.New(w, h, data, nil, nil, frame.Meta{ID: id})
	return f
}

func shifted(stars [][2]float64, dx, dy float64) [][2]float64 {
	out := make([][2]float64, len(stars))
	for i, p := range stars {
		out[i] = [2]float64{p[0] + dx, p[1] + dy}
	}
	return out
}

func rotated(stars [][2]float64, cx, cy, deg float64) [][2]float64 {
	th := deg * math.Pi / 180
	s, c := math.Sin(th), math.Cos(th)
	out := make([][2]float64, len(stars))
	for i, p := range stars {
		x, y := p[0]-cx, p[1]-cy
		out[i] = [2]float64{cx + c*x - s*y, cy + s*x + c*y}
	}
	return out
}

func TestAlignRecoversTranslation(t *testing.T) {
	ref := starFrame("ref", fieldStars, fieldAmps)
	mov := starFrame("mov", shifted(fieldStars, 5.5, -3.25), fieldAmps)

	reg := NewRegistrar(config.Default().Photometry, 3, nil)
	aligned, err := reg.Align([]*frame.Frame{ref, mov}, 0)
	if err != nil {
		t.Fatalf("Align: %v", err)
	}

	if aligned[0].Transform == nil || *aligned[0].Transform != Identity() {
		t.Fatalf("reference transform = %+v, want identity", aligned[0].Transform)
	}
	a := aligned[1]
	if a.Err != nil {
		t.Fatalf("alignment failed: %v", a.Err)
	}
	if a.Matches < 5 {
		t.Fatalf("only %d consistent correspondences", a.Matches)
	}
	dx, dy := a.Transform.Translation()
	if math.Abs(dx+5.5) > 0.1 || math.Abs(dy-3.25) > 0.1 {
		t.Fatalf("translation (%.3f, %.3f), want (-5.5, 3.25)", dx, dy)
	}
	if math.Abs(a.Transform.Rotation()) > 0.01 {
		t.Fatalf("spurious rotation %v", a.Transform.Rotation())
	}
}

func TestAlignRecoversRotation(t *testing.T) {
	ref := starFrame("ref", fieldStars, fieldAmps)
	mov := starFrame("mov", rotated(fieldStars, 32, 32, 5), fieldAmps)

	reg := NewRegistrar(config.Default().Photometry, 3, nil)
	aligned, err := reg.Align([]*frame.Frame{ref, mov}, 0)
	if err != nil {
		t.Fatalf("Align: %v", err)
	}
	a := aligned[1]
	if a.Err != nil {
		t.Fatalf("alignment failed: %v", a.Err)
	}
	wantRot := -5 * math.Pi / 180
	if math.Abs(a.Transform.Rotation()-wantRot) > 0.01 {
		t.Fatalf("rotation %v rad, want %v", a.Transform.Rotation(), wantRot)
	}
	if math.Abs(a.Transform.Scale()-1) > 0.01 {
		t.Fatalf("scale %v, want 1", a.Transform.Scale())
	}
}

func TestAlignThreeStarField(t *testing.T) {
	// Three stars form exactly one triangle, so no vertex pairing can
	// collect repeat votes; the field must still align.
	stars := [][2]float64{{15, 15}, {45, 20}, {25, 45}}
	amps := []float64{1200, 1000, 800}
	ref := starFrame("ref", stars, amps)
	mov := starFrame("mov", shifted(stars, 4, -2), amps)

	reg := NewRegistrar(config.Default().Photometry, 3, nil)
	aligned, err := reg.Align([]*frame.Frame{ref, mov}, 0)
	if err != nil {
		t.Fatalf("Align: %v", err)
	}
	a := aligned[1]
	if a.Err != nil {
		t.Fatalf("alignment failed: %v", a.Err)
	}
	if a.Matches != 3 {
		t.Fatalf("matches = %d, want 3", a.Matches)
	}
	dx, dy := a.Transform.Translation()
	if math.Abs(dx+4) > 0.1 || math.Abs(dy-2) > 0.1 {
		t.Fatalf("translation (%.3f, %.3f), want (-4, 2)", dx, dy)
	}
}

func TestAlignFailsOnBlankFrame(t *testing.T) {
	ref := starFrame("ref", fieldStars, fieldAmps)
	blank := starFrame("blank", nil, nil)

	reg := NewRegistrar(config.Default().Photometry, 3, nil)
	aligned, err := reg.Align([]*frame.Frame{ref, blank}, 0)
	if err != nil {
		t.Fatalf("Align: %v", err)
	}
	a := aligned[1]
	if !errors.Is(a.Err, ErrAlignmentFailed) {
		t.Fatalf("err = %v, want ErrAlignmentFailed", a.Err)
	}
	if a.Transform != nil {
		t.Fatalf("failed frame carries a transform")
	}
	if a.Frame != blank {
		t.Fatalf("failed frame dropped from the output")
	}
}

func TestAlignArgumentErrors(t *testing.T) {
	reg := NewRegistrar(config.Default().Photometry, 3, nil)
	if _, err := reg.Align(nil, 0); err == nil {
		t.Fatalf("expected error for empty input")
	}
	f := starFrame("ref", fieldStars, fieldAmps)
	if _, err := reg.Align([]*frame.Frame{f}, 2); err == nil {
		t.Fatalf("expected error for reference index out of range")
	}
}

func TestTransformRoundTrip(t *testing.T) {
	tr := Transform{A: 0.9, B: -0.1, Tx: 4, C: 0.1, D: 0.9, Ty: -2}
	inv, err := tr.Invert()
	if err != nil {
		t.Fatalf("Invert: %v", err)
	}
	x, y := tr.Apply(12.5, -3.75)
	bx, by := inv.Apply(x, y)
	if math.Abs(bx-12.5) > 1e-9 || math.Abs(by+3.75) > 1e-9 {
		t.Fatalf("round trip gave (%v, %v)", bx, by)
	}
}

func TestTransformSingular(t *testing.T) {
	tr := Transform{A: 1, B: 2, C: 2, D: 4}
	if _, err := tr.Invert(); err == nil {
		t.Fatalf("expected error for singular transform")
	}
}

func TestTransformSimilarityComponents(t *testing.T) {
	th := 30 * math.Pi / 180
	s := 2.0
	tr := Transform{
		A: s * math.Cos(th), B: -s * math.Sin(th),
		C: s * math.Sin(th), D: s * math.Cos(th),
	}
	if math.Abs(tr.Rotation()-th) > 1e-12 {
		t.Fatalf("rotation = %v, want %v", tr.Rotation(), th)
	}
	if math.Abs(tr.Scale()-s) > 1e-12 {
		t.Fatalf("scale = %v, want %v", tr.Scale(), s)
	}
}

func TestResampleNearestTranslation(t *testing.T) {
	data := make([]float64, 16)
	for i := range data {
		data[i] = float64(i)
	}
	f, _ := frame.New(4, 4, data, nil, nil, frame.Meta{ID: "src"})

	tr := Transform{A: 1, D: 1, Tx: 1, Ty: 1}
	out, err := Resample(f, tr, 4, 4, Nearest)
	if err != nil {
		t.Fatalf("Resample: %v", err)
	}
	// out(x, y) samples src(x-1, y-1).
	if got := out.At(2, 2); got != f.At(1, 1) {
		t.Fatalf("out(2,2) = %v, want %v", got, f.At(1, 1))
	}
	if !out.Mask[out.Index(0, 0)] {
		t.Fatalf("pixel mapping outside the source not masked")
	}
	if out.Mask[out.Index(3, 3)] {
		t.Fatalf("in-range pixel masked")
	}
}

func TestResampleBilinear(t *testing.T) {
	data := make([]float64, 25)
	for y := 0; y < 5; y++ {
		for x := 0; x < 5; x++ {
			data[y*5+x] = float64(x)
		}
	}
	f, _ := frame.New(5, 5, data, nil, nil, frame.Meta{ID: "ramp"})

	tr := Transform{A: 1, D: 1, Tx: 0.5}
	out, err := Resample(f, tr, 5, 5, Bilinear)
	if err != nil {
		t.Fatalf("Resample: %v", err)
	}
	if got := out.At(3, 2); math.Abs(got-2.5) > 1e-9 {
		t.Fatalf("interpolated value = %v, want 2.5", got)
	}
}

func TestResampleSkipsMaskedCorners(t *testing.T) {
	f := frame.Uniform(4, 4, 10, frame.Meta{ID: "src"})
	f.Data[f.Index(2, 2)] = 1000
	f.Mask[f.Index(2, 2)] = true

	tr := Transform{A: 1, D: 1, Tx: 0.5}
	out, err := Resample(f, tr, 4, 4, Bilinear)
	if err != nil {
		t.Fatalf("Resample: %v", err)
	}
	// (3, 2) maps to source x 2.5: the masked corner must not bleed into the
	// interpolation.
	if got := out.At(3, 2); math.Abs(got-10) > 1e-9 {
		t.Fatalf("out(3,2) = %v, want 10 from clean corners", got)
	}
}
