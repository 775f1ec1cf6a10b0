package frame

import (
	"fmt"
	"math"
)

// Op is a pixel-wise arithmetic operation between frames or against scalars.
type Op string

const (
	OpAdd Op = "+"
	OpSub Op = "-"
	OpMul Op = "*"
	OpDiv Op = "/"
)

// Arith performs a pixel-wise operation between two frames, propagating
// uncertainties with the standard first-order formulas and OR-ing the
// bad-pixel masks. Division by zero marks the output pixel bad instead of
// producing an infinity. The result keeps the metadata of the left operand.
func Arith(a, b *Frame, op Op) (*Frame, error) {
	if err := a.CheckGeometry(b); err != nil {
		return nil, fmt.Errorf("arith %s: %w", op, err)
	}
	out := a.Clone()
	for i := range out.Data {
		av, bv := a.Data[i], b.Data[i]
		au, bu := a.Unct[i], b.Unct[i]
		switch op {
		case OpAdd:
			out.Data[i] = av + bv
			out.Unct[i] = math.Hypot(au, bu)
		case OpSub:
			out.Data[i] = av - bv
			out.Unct[i] = math.Hypot(au, bu)
		case OpMul:
			out.Data[i] = av * bv
			out.Unct[i] = math.Hypot(bv*au, av*bu)
		case OpDiv:
			if bv == 0 {
				out.Data[i] = 0
				out.Unct[i] = 0
				out.Mask[i] = true
				continue
			}
			r := av / bv
			out.Data[i] = r
			out.Unct[i] = math.Hypot(au/bv, r*bu/bv)
		default:
			return nil, fmt.Errorf("arith: unsupported operation %q", op)
		}
		out.Mask[i] = a.Mask[i] || b.Mask[i]
	}
	return out, nil
}

// ArithScalar applies a scalar with op to every pixel. The scalar is exact,
// so only the frame uncertainty scales.
func ArithScalar(a *Frame, s float64, op Op) (*Frame, error) {
	out := a.Clone()
	for i := range out.Data {
		switch op {
		case OpAdd:
			out.Data[i] += s
		case OpSub:
			out.Data[i] -= s
		case OpMul:
			out.Data[i] *= s
			out.Unct[i] *= math.Abs(s)
		case OpDiv:
			if s == 0 {
				return nil, fmt.Errorf("arith: scalar division by zero")
			}
			out.Data[i] /= s
			out.Unct[i] /= math.Abs(s)
		default:
			return nil, fmt.Errorf("arith: unsupported operation %q", op)
		}
	}
	return out, nil
}
