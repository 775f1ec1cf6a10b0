package register

import (
	"fmt"
	"math"
)

// Transform is an affine map from a frame's pixel coordinates onto the
// reference frame:
//
//	x' = A*x + B*y + Tx
//	y' = C*x + D*y + Ty
type Transform struct {
	A, B, Tx float64
	C, D, Ty float64
}

// Identity returns the no-op transform.
func Identity() Transform {
	return Transform{A: 1, D: 1}
}

// Apply maps a point through the transform.
func (t Transform) Apply(x, y float64) (float64, float64) {
	return t.A*x + t.B*y + t.Tx, t.C*x + t.D*y + t.Ty
}

// Invert returns the inverse transform. Degenerate (non-invertible)
// transforms return an error.
func (t Transform) Invert() (Transform, error) {
	det := t.A*t.D - t.B*t.C
	if math.Abs(det) < 1e-12 {
		return Transform{}, fmt.Errorf("transform is singular (det=%g)", det)
	}
	inv := Transform{
		A: t.D / det,
		B: -t.B / det,
		C: -t.C / det,
		D: t.A / det,
	}
	inv.Tx = -(inv.A*t.Tx + inv.B*t.Ty)
	inv.Ty = -(inv.C*t.Tx + inv.D*t.Ty)
	return inv, nil
}

// Translation reports the translation component.
func (t Transform) Translation() (dx, dy float64) { return t.Tx, t.Ty }

// Rotation reports the rotation angle in radians assuming a similarity
// transform.
func (t Transform) Rotation() float64 { return math.Atan2(t.C, t.A) }

// Scale reports the isotropic scale factor assuming a similarity transform.
func (t Transform) Scale() float64 { return math.Hypot(t.A, t.C) }
