// Package register aligns a sequence of frames onto a common reference using
// detected point sources and geometry-invariant triangle matching.
package register

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"polarpipe/internal/config"
	"polarpipe/internal/frame"
	"polarpipe/internal/photometry"
	"polarpipe/internal/stats"
)

// ErrAlignmentFailed marks a frame for which too few consistent source
// correspondences were found. The frame is reported, not dropped: it stays
// in the output with a nil transform so the caller can decide disposition.
var ErrAlignmentFailed = errors.New("alignment failed")

const (
	// maxPatternStars caps how many of the brightest detections feed the
	// triangle matcher. Triples grow cubically.
	maxPatternStars = 20
	// triangle side-ratio agreement required for a candidate match.
	ratioTol = 0.01
	// correspondences must collect at least this many triangle votes, when
	// the field holds enough triangles to make repeat votes possible.
	minVotes = 2
	// residual cut for the consistency pass, in pixels.
	residualCut = 2.0
)

// Aligned pairs a frame with its fitted transform onto the reference.
type Aligned struct {
	Frame     *frame.Frame
	Transform *Transform // nil when alignment failed
	Matches   int        // consistent correspondences supporting the fit
	Err       error      // ErrAlignmentFailed for unalignable frames
}

// Registrar computes frame-to-reference transforms.
type Registrar struct {
	cfg        config.Photometry
	minMatches int
	log        *slog.Logger
}

// NewRegistrar builds a Registrar. minMatches below 3 is raised to 3, the
// minimum that constrains an affine fit.
func NewRegistrar(cfg config.Photometry, minMatches int, log *slog.Logger) *Registrar {
	if minMatches < 3 {
		minMatches = 3
	}
	if log == nil {
		log = slog.Default()
	}
	return &Registrar{cfg: cfg, minMatches: minMatches, log: log}
}

// Align computes the transform mapping each frame onto frames[refIndex].
// The reference maps through the identity. Frames that cannot be aligned
// carry ErrAlignmentFailed and a nil transform.
func (r *Registrar) Align(frames []*frame.Frame, refIndex int) ([]Aligned, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("align: no input frames")
	}
	if refIndex < 0 || refIndex >= len(frames) {
		return nil, fmt.Errorf("align: reference index %d out of range [0,%d)", refIndex, len(frames))
	}

	refStars := brightest(photometry.Detect(frames[refIndex], r.cfg), maxPatternStars)
	refTris := triangles(refStars)

	out := make([]Aligned, len(frames))
	for i, f := range frames {
		if i == refIndex {
			id := Identity()
			out[i] = Aligned{Frame: f, Transform: &id, Matches: len(refStars)}
			continue
		}
		out[i] = r.alignOne(f, refStars, refTris)
		if out[i].Err != nil {
			r.log.Warn("frame not aligned", "frame", f.Meta.ID, "matches", out[i].Matches)
		} else {
			t := out[i].Transform
			r.log.Debug("frame aligned",
				"frame", f.Meta.ID,
				"dx", t.Tx, "dy", t.Ty,
				"rot_deg", t.Rotation()*180/math.Pi,
				"matches", out[i].Matches)
		}
	}
	return out, nil
}

func (r *Registrar) alignOne(f *frame.Frame, refStars []photometry.Detection, refTris []triangle) Aligned {
	stars := brightest(photometry.Detect(f, r.cfg), maxPatternStars)
	corr := voteCorrespondences(triangles(stars), refTris)
	if len(corr) < r.minMatches {
		return Aligned{Frame: f, Matches: len(corr), Err: fmt.Errorf("%w: %d correspondences for frame %s", ErrAlignmentFailed, len(corr), f.Meta.ID)}
	}

	src := make([][2]float64, len(corr))
	dst := make([][2]float64, len(corr))
	for k, c := range corr {
		src[k] = [2]float64{stars[c.from].X, stars[c.from].Y}
		dst[k] = [2]float64{refStars[c.to].X, refStars[c.to].Y}
	}

	t, kept, err := fitAffine(src, dst)
	if err != nil || kept < r.minMatches {
		return Aligned{Frame: f, Matches: kept, Err: fmt.Errorf("%w: %d consistent correspondences for frame %s", ErrAlignmentFailed, kept, f.Meta.ID)}
	}
	return Aligned{Frame: f, Transform: &t, Matches: kept}
}

func brightest(dets []photometry.Detection, n int) []photometry.Detection {
	if len(dets) > n {
		dets = dets[:n]
	}
	return dets
}

// triangle is a geometry-invariant descriptor of a point triple: vertex
// indices ordered so that a is opposite the longest side, and the two
// side-length ratios that survive translation, rotation and scale.
type triangle struct {
	a, b, c int
	r1, r2  float64 // middle/longest, shortest/longest
}

func triangles(stars []photometry.Detection) []triangle {
	var tris []triangle
	n := len(stars)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			for k := j + 1; k < n; k++ {
				if t, ok := makeTriangle(stars, i, j, k); ok {
					tris = append(tris, t)
				}
			}
		}
	}
	return tris
}

func makeTriangle(stars []photometry.Detection, i, j, k int) (triangle, bool) {
	dij := dist(stars[i], stars[j])
	djk := dist(stars[j], stars[k])
	dki := dist(stars[k], stars[i])

	// Vertex opposite the longest side first, then middle, then shortest.
	type side struct {
		length   float64
		opposite int
	}
	sides := []side{{djk, i}, {dki, j}, {dij, k}}
	sort.Slice(sides, func(a, b int) bool { return sides[a].length > sides[b].length })

	if sides[0].length < 1e-9 {
		return triangle{}, false
	}
	r1 := sides[1].length / sides[0].length
	r2 := sides[2].length / sides[0].length
	// Near-degenerate triangles make unstable descriptors.
	if r2 < 0.1 {
		return triangle{}, false
	}
	return triangle{
		a:  sides[0].opposite,
		b:  sides[1].opposite,
		c:  sides[2].opposite,
		r1: r1,
		r2: r2,
	}, true
}

func dist(a, b photometry.Detection) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

type correspondence struct {
	from, to int
	votes    int
}

// voteCorrespondences matches triangles between target and reference by
// descriptor similarity; every matched triangle votes for its three vertex
// pairings. Pairs are accepted greedily by vote count, one-to-one.
func voteCorrespondences(tris, refTris []triangle) []correspondence {
	votes := make(map[[2]int]int)
	for _, t := range tris {
		for _, rt := range refTris {
			if math.Abs(t.r1-rt.r1) > ratioTol || math.Abs(t.r2-rt.r2) > ratioTol {
				continue
			}
			votes[[2]int{t.a, rt.a}]++
			votes[[2]int{t.b, rt.b}]++
			votes[[2]int{t.c, rt.c}]++
		}
	}

	need := minVotes
	if len(tris) < 2 || len(refTris) < 2 {
		// A lone triangle cannot vote for any pairing twice; the residual
		// pass in fitAffine still rejects a bad single-triangle match.
		need = 1
	}
	var all []correspondence
	for pair, v := range votes {
		if v >= need {
			all = append(all, correspondence{from: pair[0], to: pair[1], votes: v})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].votes > all[j].votes })

	usedFrom := make(map[int]bool)
	usedTo := make(map[int]bool)
	var out []correspondence
	for _, c := range all {
		if usedFrom[c.from] || usedTo[c.to] {
			continue
		}
		usedFrom[c.from] = true
		usedTo[c.to] = true
		out = append(out, c)
	}
	return out
}

// fitAffine solves the least-squares affine transform mapping src points
// onto dst, then drops correspondences whose residual exceeds the cut and
// refits once. Returns the transform and the surviving correspondence count.
func fitAffine(src, dst [][2]float64) (Transform, int, error) {
	t, err := solveAffine(src, dst)
	if err != nil {
		return Transform{}, 0, err
	}

	// Consistency pass: reject outlier correspondences and refit.
	var keptSrc, keptDst [][2]float64
	resids := make([]float64, len(src))
	for i := range src {
		px, py := t.Apply(src[i][0], src[i][1])
		resids[i] = math.Hypot(px-dst[i][0], py-dst[i][1])
	}
	cut := math.Max(residualCut, 3*stats.Median(resids))
	for i := range src {
		if resids[i] <= cut {
			keptSrc = append(keptSrc, src[i])
			keptDst = append(keptDst, dst[i])
		}
	}
	if len(keptSrc) < 3 {
		return Transform{}, len(keptSrc), fmt.Errorf("affine fit kept %d correspondences", len(keptSrc))
	}
	if len(keptSrc) < len(src) {
		t, err = solveAffine(keptSrc, keptDst)
		if err != nil {
			return Transform{}, len(keptSrc), err
		}
	}
	return t, len(keptSrc), nil
}

func solveAffine(src, dst [][2]float64) (Transform, error) {
	n := len(src)
	if n < 3 {
		return Transform{}, fmt.Errorf("need at least 3 correspondences, got %d", n)
	}
	a := mat.NewDense(n, 3, nil)
	bx := mat.NewVecDense(n, nil)
	by := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		a.Set(i, 0, src[i][0])
		a.Set(i, 1, src[i][1])
		a.Set(i, 2, 1)
		bx.SetVec(i, dst[i][0])
		by.SetVec(i, dst[i][1])
	}

	var qr mat.QR
	qr.Factorize(a)

	var px, py mat.Dense
	if err := qr.SolveTo(&px, false, bx); err != nil {
		return Transform{}, fmt.Errorf("affine solve: %w", err)
	}
	if err := qr.SolveTo(&py, false, by); err != nil {
		return Transform{}, fmt.Errorf("affine solve: %w", err)
	}

	return Transform{
		A: px.At(0, 0), B: px.At(1, 0), Tx: px.At(2, 0),
		C: py.At(0, 0), D: py.At(1, 0), Ty: py.At(2, 0),
	}, nil
}
