package polarimetry

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrInsufficientAngles is returned when a series holds too few distinct
// retarder angles for the requested modulation model.
var ErrInsufficientAngles = errors.New("insufficient retarder angles for stokes fit")

// Model selects the retarder modulation model.
type Model string

const (
	// ModelLinear is a half-wave retarder: the relative beam difference
	// modulates as Q cos(4psi) + U sin(4psi).
	ModelLinear Model = "linear"
	// ModelCircular is a quarter-wave retarder measuring V through a
	// sin(2psi) modulation.
	ModelCircular Model = "circular"
)

// minAngles is the model-dependent minimum of distinct retarder angles.
func (m Model) minAngles() int {
	if m == ModelCircular {
		return 2
	}
	return 4
}

// period is the angle modulo which two retarder positions sample the same
// modulation phase, in degrees.
func (m Model) period() float64 {
	if m == ModelCircular {
		return 180
	}
	return 90
}

// StokesResult holds the fitted normalized Stokes parameters for one star.
type StokesResult struct {
	Q, U, V    float64
	QErr, UErr float64
	VErr       float64
	QUCov      float64
	// Degree and Angle are derived from Q/U (or V) with the conventional
	// half-angle formula; Angle is in degrees.
	Degree    float64
	DegreeErr float64
	Angle     float64
	AngleErr  float64
	ChiSq     float64 // reduced chi-square of the modulation fit
	NAngles   int
}

// FitStokes least-squares fits the relative beam modulation
// z = (Fo-Fe)/(Fo+Fe) of a series against the model curve, weighting each
// sample by its propagated flux uncertainty. The parameter covariance comes
// from the weighted normal equations.
func FitStokes(s Series, model Model) (StokesResult, error) {
	angles := make([]float64, 0, len(s.Points))
	zs := make([]float64, 0, len(s.Points))
	ws := make([]float64, 0, len(s.Points))

	for _, p := range s.Points {
		fo, fe := p.Pair.Ordinary.Flux, p.Pair.Extraordinary.Flux
		sum := fo + fe
		if sum <= 0 {
			continue
		}
		z := (fo - fe) / sum
		// dz/dFo = 2Fe/sum^2, dz/dFe = -2Fo/sum^2
		so, se := p.Pair.Ordinary.FluxErr, p.Pair.Extraordinary.FluxErr
		zerr := 2 / (sum * sum) * math.Hypot(fe*so, fo*se)
		w := 1.0
		if zerr > 0 {
			w = 1 / (zerr * zerr)
		}
		angles = append(angles, p.Angle)
		zs = append(zs, z)
		ws = append(ws, w)
	}

	distinct := distinctAngles(angles, model.period())
	if distinct < model.minAngles() {
		return StokesResult{}, fmt.Errorf("%w: %d distinct angles, need %d for %s model",
			ErrInsufficientAngles, distinct, model.minAngles(), model)
	}

	switch model {
	case ModelCircular:
		return fitCircular(angles, zs, ws)
	default:
		return fitLinear(angles, zs, ws)
	}
}

func distinctAngles(angles []float64, period float64) int {
	const tol = 1e-6
	var reduced []float64
outer:
	for _, a := range angles {
		r := math.Mod(a, period)
		if r < 0 {
			r += period
		}
		for _, seen := range reduced {
			if math.Abs(seen-r) < tol || math.Abs(math.Abs(seen-r)-period) < tol {
				continue outer
			}
		}
		reduced = append(reduced, r)
	}
	return len(reduced)
}

// fitLinear solves z = Q cos(4psi) + U sin(4psi) by weighted least squares.
func fitLinear(angles, zs, ws []float64) (StokesResult, error) {
	n := len(zs)
	ata := mat.NewSymDense(2, nil)
	atb := mat.NewVecDense(2, nil)
	for i := 0; i < n; i++ {
		psi := angles[i] * math.Pi / 180
		c, sn := math.Cos(4*psi), math.Sin(4*psi)
		w := ws[i]
		ata.SetSym(0, 0, ata.At(0, 0)+w*c*c)
		ata.SetSym(0, 1, ata.At(0, 1)+w*c*sn)
		ata.SetSym(1, 1, ata.At(1, 1)+w*sn*sn)
		atb.SetVec(0, atb.AtVec(0)+w*c*zs[i])
		atb.SetVec(1, atb.AtVec(1)+w*sn*zs[i])
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(ata); !ok {
		return StokesResult{}, fmt.Errorf("stokes fit: degenerate angle coverage")
	}
	var sol mat.VecDense
	if err := chol.SolveVecTo(&sol, atb); err != nil {
		return StokesResult{}, fmt.Errorf("stokes fit: %w", err)
	}
	var cov mat.SymDense
	if err := chol.InverseTo(&cov); err != nil {
		return StokesResult{}, fmt.Errorf("stokes covariance: %w", err)
	}

	res := StokesResult{
		Q:       sol.AtVec(0),
		U:       sol.AtVec(1),
		QErr:    math.Sqrt(cov.At(0, 0)),
		UErr:    math.Sqrt(cov.At(1, 1)),
		QUCov:   cov.At(0, 1),
		NAngles: n,
	}

	// Reduced chi-square over n-2 degrees of freedom.
	if n > 2 {
		var chi2 float64
		for i := 0; i < n; i++ {
			psi := angles[i] * math.Pi / 180
			m := res.Q*math.Cos(4*psi) + res.U*math.Sin(4*psi)
			r := zs[i] - m
			chi2 += ws[i] * r * r
		}
		res.ChiSq = chi2 / float64(n-2)
	}

	derivePolarization(&res)
	return res, nil
}

// fitCircular solves z = V sin(2psi) by weighted least squares.
func fitCircular(angles, zs, ws []float64) (StokesResult, error) {
	var sxx, sxy float64
	n := len(zs)
	for i := 0; i < n; i++ {
		psi := angles[i] * math.Pi / 180
		x := math.Sin(2 * psi)
		sxx += ws[i] * x * x
		sxy += ws[i] * x * zs[i]
	}
	if sxx <= 0 {
		return StokesResult{}, fmt.Errorf("stokes fit: degenerate angle coverage")
	}
	res := StokesResult{
		V:       sxy / sxx,
		VErr:    math.Sqrt(1 / sxx),
		NAngles: n,
	}
	if n > 1 {
		var chi2 float64
		for i := 0; i < n; i++ {
			psi := angles[i] * math.Pi / 180
			r := zs[i] - res.V*math.Sin(2*psi)
			chi2 += ws[i] * r * r
		}
		res.ChiSq = chi2 / float64(n-1)
	}
	res.Degree = math.Abs(res.V)
	res.DegreeErr = res.VErr
	return res, nil
}

// derivePolarization fills the polarization degree and angle from Q/U with
// standard error propagation from the covariance.
func derivePolarization(res *StokesResult) {
	q, u := res.Q, res.U
	p := math.Hypot(q, u)
	res.Degree = p
	res.Angle = 0.5 * math.Atan2(u, q) * 180 / math.Pi
	if res.Angle < 0 {
		res.Angle += 180
	}
	if p <= 0 {
		return
	}
	vq, vu := res.QErr*res.QErr, res.UErr*res.UErr
	res.DegreeErr = math.Sqrt(q*q*vq+u*u*vu+2*q*u*res.QUCov) / p
	// dtheta/dQ = -U/(2 p^2), dtheta/dU = Q/(2 p^2)
	p2 := p * p
	varTheta := (u*u*vq + q*q*vu - 2*q*u*res.QUCov) / (4 * p2 * p2)
	res.AngleErr = math.Sqrt(math.Max(varTheta, 0)) * 180 / math.Pi
}
