// Package polarimetry matches the ordinary/extraordinary beam pairs of a
// dual-beam polarimeter and fits Stokes parameters from the flux modulation
// across retarder angles.
package polarimetry

import (
	"math"
	"sort"

	"polarpipe/internal/config"
	"polarpipe/internal/photometry"
)

// BeamPair associates the two split-beam images of one star in one frame.
type BeamPair struct {
	Ordinary      photometry.Record
	Extraordinary photometry.Record
	// Separation is the deviation of the measured displacement from the
	// expected beam-separation vector, in pixels.
	Separation float64
	FluxRatio  float64 // extraordinary / ordinary
	Score      float64 // lower is better
	// RunnersUp counts other candidates that also fell within tolerance;
	// a non-zero value marks an ambiguous match.
	RunnersUp int
}

// MatchResult reports matched pairs and the sources left unmatched. Nothing
// is silently discarded.
type MatchResult struct {
	Pairs     []BeamPair
	Unmatched []photometry.Record
}

// MatchPairs searches, for each source, a counterpart displaced by the
// expected beam-separation vector within the configured tolerance.
// Candidates are ranked by a combined positional and flux-ratio score and
// assigned greedily one-to-one; runner-up counts are kept as a quality note
// on ambiguous matches. Records should all carry the same aperture radius.
func MatchPairs(records []photometry.Record, cfg config.Polarimetry) MatchResult {
	type candidate struct {
		ord, ext int
		sep      float64
		ratio    float64
		score    float64
	}

	var cands []candidate
	perOrd := make(map[int]int) // ordinary index -> candidate count
	for i, ord := range records {
		ex := ord.X + cfg.BeamDX
		ey := ord.Y + cfg.BeamDY
		for j, ext := range records {
			if i == j {
				continue
			}
			sep := math.Hypot(ext.X-ex, ext.Y-ey)
			if sep > cfg.Tolerance {
				continue
			}
			ratio := 0.0
			if ord.Flux > 0 && ext.Flux > 0 {
				ratio = ext.Flux / ord.Flux
			}
			// Positional deviation in units of tolerance plus the log flux
			// ratio: identical beams of one star should have a ratio near 1.
			score := sep / cfg.Tolerance
			if ratio > 0 {
				score += math.Abs(math.Log(ratio))
			} else {
				score += 2 // non-positive flux, heavily penalized
			}
			cands = append(cands, candidate{ord: i, ext: j, sep: sep, ratio: ratio, score: score})
			perOrd[i]++
		}
	}

	sort.Slice(cands, func(a, b int) bool { return cands[a].score < cands[b].score })

	used := make(map[int]bool)
	var pairs []BeamPair
	for _, c := range cands {
		if used[c.ord] || used[c.ext] {
			continue
		}
		used[c.ord] = true
		used[c.ext] = true
		pairs = append(pairs, BeamPair{
			Ordinary:      records[c.ord],
			Extraordinary: records[c.ext],
			Separation:    c.sep,
			FluxRatio:     c.ratio,
			Score:         c.score,
			RunnersUp:     perOrd[c.ord] - 1,
		})
	}

	var unmatched []photometry.Record
	for i, rec := range records {
		if !used[i] {
			unmatched = append(unmatched, rec)
		}
	}
	return MatchResult{Pairs: pairs, Unmatched: unmatched}
}

// AngleFrame is the pair-matching outcome of one retarder position.
type AngleFrame struct {
	Angle float64 // retarder angle, degrees
	Pairs []BeamPair
}

// Series is the ordered modulation sequence of one star across retarder
// angles. All pairs reference the same instrumental star.
type Series struct {
	X, Y   float64 // ordinary-beam position on the first frame
	Points []SeriesPoint
}

// SeriesPoint is one angle sample of a series.
type SeriesPoint struct {
	Angle float64
	Pair  BeamPair
}

// BuildSeries associates beam pairs of the same star across retarder-angle
// frames by ordinary-beam proximity, and orders each series by increasing
// angle. Stars missing from some frames keep the samples they have; the
// Stokes fit decides whether enough angles remain.
func BuildSeries(frames []AngleFrame, tol float64) []Series {
	var series []Series
	for _, af := range frames {
		for _, p := range af.Pairs {
			idx := -1
			best := tol
			for si, s := range series {
				d := math.Hypot(p.Ordinary.X-s.X, p.Ordinary.Y-s.Y)
				if d <= best {
					best = d
					idx = si
				}
			}
			if idx < 0 {
				series = append(series, Series{
					X:      p.Ordinary.X,
					Y:      p.Ordinary.Y,
					Points: []SeriesPoint{{Angle: af.Angle, Pair: p}},
				})
				continue
			}
			series[idx].Points = append(series[idx].Points, SeriesPoint{Angle: af.Angle, Pair: p})
		}
	}
	for i := range series {
		sort.Slice(series[i].Points, func(a, b int) bool {
			return series[i].Points[a].Angle < series[i].Points[b].Angle
		})
	}
	return series
}
