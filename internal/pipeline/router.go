package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"

	"polarpipe/internal/calib"
	"polarpipe/internal/catalog"
	"polarpipe/internal/config"
	"polarpipe/internal/cosmic"
	"polarpipe/internal/frame"
	"polarpipe/internal/frameio"
	"polarpipe/internal/fsutil"
	"polarpipe/internal/photcal"
	"polarpipe/internal/photometry"
	"polarpipe/internal/polarimetry"
	"polarpipe/internal/register"
)

// pixelScale maps ImageMagick's normalized intensity back to 16-bit ADU.
const pixelScale = 65535

// Router implements Processor and routes jobs to their concrete handlers.
// Detector and Lookup are optional capabilities: cosmic-ray cleaning and
// catalog anchoring are skipped when unset.
type Router struct {
	log        *slog.Logger
	store      *catalog.Store
	cfg        *config.Config
	cache      *calib.MasterCache
	calibrator *calib.Calibrator

	Detector cosmic.Detector
	Lookup   photcal.Lookup

	// File I/O indirection so tests can run without ImageMagick.
	load func(path string, scale float64) (*frame.Frame, error)
	save func(f *frame.Frame, path string, scale float64) error
	list func(dir string) ([]string, error)
}

// NewRouter builds the job router over the shared master-frame cache.
func NewRouter(logger *slog.Logger, store *catalog.Store, cfg *config.Config) *Router {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Router{
		log:        logger,
		store:      store,
		cfg:        cfg,
		cache:      calib.NewMasterCache(),
		calibrator: calib.NewCalibrator(cfg.Reduction, logger),
		load:       frameio.Load,
		save:       frameio.Save,
		list:       fsutil.ListFrames,
	}
}

func (r *Router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobCombine:
		return r.handleCombine(ctx, job)
	case JobReduce:
		return r.handleReduce(ctx, job)
	case JobPhotometry:
		return r.handlePhotometry(ctx, job)
	case JobPolarimetry:
		return r.handlePolarimetry(ctx, job)
	case JobCalibrate:
		return r.handleCalibrate(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

// loadDir reads every frame file under dir.
func (r *Router) loadDir(dir string) ([]*frame.Frame, error) {
	paths, err := r.list(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no frame files under %s", dir)
	}
	frames := make([]*frame.Frame, 0, len(paths))
	for _, p := range paths {
		f, err := r.load(p, pixelScale)
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, nil
}

// master combines the frames under dir into a master of the given kind,
// through the shared cache. An empty dir yields a nil master.
func (r *Router) master(dir string, kind calib.MasterKind, stat calib.Statistic) (*calib.Master, error) {
	if dir == "" {
		return nil, nil
	}
	frames, err := r.loadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%s master: %w", kind, err)
	}
	return r.cache.Combine(frames, kind, stat, r.cfg.Reduction.RejectSigma, r.cfg.Reduction.RejectIterMax)
}

func (r *Router) handleCombine(ctx context.Context, job Job) Result {
	kind := calib.MasterKind(getStringOption(job.Options, "kind"))
	if kind == "" {
		kind = calib.MasterBias
	}
	stat := calib.Statistic(getStringOption(job.Options, "statistic"))
	if stat == "" {
		stat = calib.StatSigmaClippedMean
	}

	frames, err := r.loadDir(job.InputPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	m, err := r.cache.Combine(frames, kind, stat, r.cfg.Reduction.RejectSigma, r.cfg.Reduction.RejectIterMax)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	if job.Output != "" {
		if err := r.save(m.Frame, job.Output, pixelScale); err != nil {
			return Result{Job: job, Error: err}
		}
	}
	meta := map[string]any{
		"kind":      string(kind),
		"statistic": string(stat),
		"inputs":    len(m.Inputs),
		"masked":    m.Frame.MaskedCount(),
	}
	return Result{Job: job, Error: nil, Meta: meta}
}

func (r *Router) handleReduce(ctx context.Context, job Job) Result {
	stat := calib.Statistic(getStringOption(job.Options, "statistic"))
	if stat == "" {
		stat = calib.StatSigmaClippedMean
	}

	bias, err := r.master(getStringOption(job.Options, "bias"), calib.MasterBias, stat)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	dark, err := r.master(getStringOption(job.Options, "dark"), calib.MasterDark, stat)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	flat, err := r.master(getStringOption(job.Options, "flat"), calib.MasterFlat, stat)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	lights, err := r.loadDir(job.InputPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	if job.Output != "" {
		if err := os.MkdirAll(job.Output, 0o755); err != nil {
			return Result{Job: job, Error: err}
		}
	}

	cleaned := 0
	for _, light := range lights {
		if err := ctx.Err(); err != nil {
			return Result{Job: job, Error: err}
		}
		cal, err := r.calibrator.Calibrate(light, bias, dark, flat)
		if err != nil {
			return Result{Job: job, Error: err}
		}
		if r.Detector != nil {
			cal, err = cosmic.Clean(ctx, cal, r.Detector)
			if err != nil {
				// Cosmic cleaning is best-effort: the frame stays usable
				// without it.
				r.log.Warn("cosmic-ray cleaning skipped", "frame", light.Meta.ID, "error", err)
			} else {
				cleaned++
			}
		}
		if job.Output != "" {
			out := filepath.Join(job.Output, cal.Meta.ID+"_cal.tif")
			if err := r.save(cal, out, pixelScale); err != nil {
				return Result{Job: job, Error: err}
			}
		}
	}

	meta := map[string]any{
		"frames":  len(lights),
		"cleaned": cleaned,
		"masters": masterIDs(bias, dark, flat),
	}
	return Result{Job: job, Error: nil, Meta: meta}
}

func (r *Router) handlePhotometry(ctx context.Context, job Job) Result {
	frames, err := r.loadDir(job.InputPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	doRegister := true
	if v, ok := job.Options["register"].(bool); ok {
		doRegister = v
	}
	if doRegister && len(frames) > 1 {
		reg := register.NewRegistrar(r.cfg.Photometry, 3, r.log)
		aligned, err := reg.Align(frames, 0)
		if err != nil {
			return Result{Job: job, Error: err}
		}
		ref := frames[0]
		for i, a := range aligned {
			if a.Err != nil {
				r.log.Warn("frame alignment failed, keeping original grid",
					"frame", frames[i].Meta.ID, "error", a.Err)
				continue
			}
			if a.Transform == nil {
				continue
			}
			res, err := register.Resample(frames[i], *a.Transform, ref.Width, ref.Height, register.Bilinear)
			if err != nil {
				return Result{Job: job, Error: err}
			}
			frames[i] = res
		}
	}

	sources := 0
	records := 0
	var entries []photcal.Entry
	for _, f := range frames {
		if err := ctx.Err(); err != nil {
			return Result{Job: job, Error: err}
		}
		dets := photometry.Detect(f, r.cfg.Photometry)
		recs := photometry.Measure(f, dets, r.cfg.Photometry)
		sources += len(dets)
		records += len(recs)
		// One catalog row per source per frame epoch, at the primary
		// aperture. Magnitudes stay instrumental until a calibrate job
		// anchors a zero point.
		for _, rec := range singleAperture(recs, r.cfg.Photometry) {
			entries = append(entries, instrumentalEntry(rec))
		}
	}

	if r.store != nil {
		if err := r.store.InsertEntries(job.ID, entries); err != nil {
			return Result{Job: job, Error: err}
		}
	}

	meta := map[string]any{
		"frames":  len(frames),
		"sources": sources,
		"records": records,
		"entries": len(entries),
	}
	return Result{Job: job, Error: nil, Meta: meta}
}

// instrumentalEntry maps a photometry record onto an uncalibrated catalog
// row.
func instrumentalEntry(rec photometry.Record) photcal.Entry {
	magErr := math.NaN()
	if rec.Flux > 0 {
		magErr = 2.5 / math.Ln10 * rec.FluxErr / rec.Flux
	}
	return photcal.Entry{
		SourceID:   rec.SourceID,
		FrameID:    rec.FrameID,
		X:          rec.X,
		Y:          rec.Y,
		RA:         math.NaN(),
		Dec:        math.NaN(),
		Mag:        rec.InstrumentalMag(),
		MagErr:     magErr,
		Calibrated: false,
		Flags:      rec.Flags,
		Provenance: []string{rec.FrameID},
	}
}

func (r *Router) handlePolarimetry(ctx context.Context, job Job) Result {
	frames, err := r.loadDir(job.InputPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	series, err := r.buildSeries(ctx, frames)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	prov := make([]string, len(frames))
	for i, f := range frames {
		prov[i] = f.Meta.ID
	}

	model := r.jobModel(job)
	fitted, failed := 0, 0
	var entries []photcal.Entry
	for i, s := range series {
		res, err := polarimetry.FitStokes(s, model)
		if err != nil {
			failed++
			continue
		}
		fitted++
		stokes := res
		entries = append(entries, photcal.Entry{
			SourceID:   i,
			FrameID:    frames[0].Meta.ID,
			X:          s.X,
			Y:          s.Y,
			RA:         math.NaN(),
			Dec:        math.NaN(),
			Mag:        math.NaN(),
			MagErr:     math.NaN(),
			Stokes:     &stokes,
			Provenance: prov,
		})
	}

	if r.store != nil {
		if err := r.store.InsertEntries(job.ID, entries); err != nil {
			return Result{Job: job, Error: err}
		}
	}

	meta := map[string]any{
		"frames": len(frames),
		"series": len(series),
		"fitted": fitted,
		"failed": failed,
	}
	return Result{Job: job, Error: nil, Meta: meta}
}

// jobModel resolves the retarder model for a job, preferring a per-job
// override so commands do not have to touch the shared configuration.
func (r *Router) jobModel(job Job) polarimetry.Model {
	retarder := getStringOption(job.Options, "retarder")
	if retarder == "" {
		retarder = r.cfg.Polarimetry.Retarder
	}
	return retarderModel(retarder)
}

// buildSeries runs detection, measurement and beam-pair matching on every
// frame and associates pairs into per-star modulation series.
func (r *Router) buildSeries(ctx context.Context, frames []*frame.Frame) ([]polarimetry.Series, error) {
	var afs []polarimetry.AngleFrame
	for _, f := range frames {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dets := photometry.Detect(f, r.cfg.Photometry)
		recs := singleAperture(photometry.Measure(f, dets, r.cfg.Photometry), r.cfg.Photometry)
		mr := polarimetry.MatchPairs(recs, r.cfg.Polarimetry)
		if len(mr.Unmatched) > 0 {
			r.log.Debug("sources without beam counterpart",
				"frame", f.Meta.ID, "unmatched", len(mr.Unmatched))
		}
		afs = append(afs, polarimetry.AngleFrame{Angle: f.Meta.PolarizerAngle, Pairs: mr.Pairs})
	}
	return polarimetry.BuildSeries(afs, r.cfg.Polarimetry.Tolerance), nil
}

func (r *Router) handleCalibrate(ctx context.Context, job Job) Result {
	frames, err := r.loadDir(job.InputPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	// Photometry on the reference (first) frame anchors the zero point.
	ref := frames[0]
	dets := photometry.Detect(ref, r.cfg.Photometry)
	recs := singleAperture(photometry.Measure(ref, dets, r.cfg.Photometry), r.cfg.Photometry)
	if len(recs) == 0 {
		return Result{Job: job, Error: fmt.Errorf("no sources detected on %s", ref.Meta.ID)}
	}

	matches, err := r.matchReferences(ctx, job, recs)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	entries, fit, err := photcal.CalibrateMagnitudes(recs, matches, r.cfg.Calibration)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	// Attach Stokes results when the input set carries retarder angles.
	if len(frames) > 1 {
		series, err := r.buildSeries(ctx, frames)
		if err != nil {
			return Result{Job: job, Error: err}
		}
		attachStokes(entries, series, r.jobModel(job), r.cfg.Polarimetry.Tolerance)
	}

	prov := make([]string, len(frames))
	for i, f := range frames {
		prov[i] = f.Meta.ID
	}
	for i := range entries {
		entries[i].Provenance = prov
	}

	if r.store != nil {
		if err := r.store.InsertEntries(job.ID, entries); err != nil {
			return Result{Job: job, Error: err}
		}
	}

	meta := map[string]any{
		"entries":    len(entries),
		"zero_point": fit.ZeroPoint,
		"zp_err":     fit.ZeroPointErr,
		"rms":        fit.RMS,
		"used":       fit.Used,
		"rejected":   fit.Rejected,
	}
	return Result{Job: job, Error: nil, Meta: meta}
}

// refEntry is one row of the reference list consumed by the calibrate job:
// a known star at a pixel position with its catalog magnitude.
type refEntry struct {
	X     float64  `json:"x"`
	Y     float64  `json:"y"`
	Mag   float64  `json:"mag"`
	Color *float64 `json:"color"`
}

// matchReferences pairs detected sources with reference magnitudes: from a
// local reference list when the job names one, otherwise from a cone search
// against the configured catalog lookup.
func (r *Router) matchReferences(ctx context.Context, job Job, recs []photometry.Record) ([]photcal.Match, error) {
	refsPath := getStringOption(job.Options, "refs")
	if refsPath == "" {
		if r.Lookup != nil {
			return r.matchCatalog(ctx, job, recs)
		}
		return nil, fmt.Errorf("calibrate job needs a refs option or a configured catalog lookup")
	}
	raw, err := os.ReadFile(refsPath)
	if err != nil {
		return nil, fmt.Errorf("read reference list: %w", err)
	}
	var refs []refEntry
	if err := json.Unmarshal(raw, &refs); err != nil {
		return nil, fmt.Errorf("parse reference list %s: %w", refsPath, err)
	}

	radius := getFloat64Option(job.Options, "match_radius")
	if radius <= 0 {
		radius = 3
	}

	var matches []photcal.Match
	for _, ref := range refs {
		best := -1
		bestD := radius
		for i, rec := range recs {
			d := math.Hypot(rec.X-ref.X, rec.Y-ref.Y)
			if d <= bestD {
				bestD = d
				best = i
			}
		}
		if best < 0 {
			continue
		}
		color := math.NaN()
		if ref.Color != nil {
			color = *ref.Color
		}
		matches = append(matches, photcal.Match{Record: recs[best], RefMag: ref.Mag, Color: color})
	}
	return matches, nil
}

// matchCatalog cone-searches the external catalog around the field center
// named by the job options and pairs references to detections by brightness
// rank. Without per-pixel astrometry the rank ordering is the only common
// axis between the two lists, so only the brightest, unambiguous sources are
// used.
func (r *Router) matchCatalog(ctx context.Context, job Job, recs []photometry.Record) ([]photcal.Match, error) {
	ra := getFloat64Option(job.Options, "ra")
	dec := getFloat64Option(job.Options, "dec")
	radius := getFloat64Option(job.Options, "radius")
	if radius <= 0 {
		radius = 0.1
	}
	refs, err := photcal.QueryCatalog(ctx, r.Lookup, ra, dec, radius)
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return nil, fmt.Errorf("%w: empty cone search result", photcal.ErrCatalogUnavailable)
	}

	byFlux := make([]photometry.Record, len(recs))
	copy(byFlux, recs)
	sort.Slice(byFlux, func(a, b int) bool { return byFlux[a].Flux > byFlux[b].Flux })
	sort.Slice(refs, func(a, b int) bool { return refs[a].Mag < refs[b].Mag })

	n := len(byFlux)
	if len(refs) < n {
		n = len(refs)
	}
	matches := make([]photcal.Match, 0, n)
	for i := 0; i < n; i++ {
		matches = append(matches, photcal.Match{
			Record: byFlux[i],
			RefMag: refs[i].Mag,
			Color:  math.NaN(),
		})
	}
	return matches, nil
}

// attachStokes joins fitted series onto catalog entries by position.
func attachStokes(entries []photcal.Entry, series []polarimetry.Series, model polarimetry.Model, tol float64) {
	for _, s := range series {
		res, err := polarimetry.FitStokes(s, model)
		if err != nil {
			continue
		}
		best := -1
		bestD := tol
		for i, e := range entries {
			d := math.Hypot(e.X-s.X, e.Y-s.Y)
			if d <= bestD {
				bestD = d
				best = i
			}
		}
		if best >= 0 {
			r := res
			entries[best].Stokes = &r
		}
	}
}

// singleAperture keeps the records of the first configured aperture so beam
// matching sees one record per source.
func singleAperture(recs []photometry.Record, cfg config.Photometry) []photometry.Record {
	if len(cfg.Apertures) == 0 {
		return recs
	}
	ap := cfg.Apertures[0]
	out := recs[:0]
	for _, rec := range recs {
		if rec.Aperture == ap {
			out = append(out, rec)
		}
	}
	return out
}

func retarderModel(name string) polarimetry.Model {
	if name == "quarterwave" {
		return polarimetry.ModelCircular
	}
	return polarimetry.ModelLinear
}

func masterIDs(masters ...*calib.Master) []string {
	var ids []string
	for _, m := range masters {
		if m != nil {
			ids = append(ids, m.Frame.Meta.ID)
		}
	}
	return ids
}

func getStringOption(options map[string]any, key string) string {
	if val, ok := options[key].(string); ok {
		return val
	}
	return ""
}

func getFloat64Option(options map[string]any, key string) float64 {
	if val, ok := options[key].(float64); ok {
		return val
	}
	return 0.0
}
