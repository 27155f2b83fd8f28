package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"emconv/internal/convert"
	"emconv/internal/coords"
	"emconv/internal/emdata"
	"emconv/internal/logging"
	"emconv/internal/micinfo"
	"emconv/internal/scipiondb"
	"emconv/internal/storage"
)

// Router implements Processor and routes jobs to their concrete handlers.
type Router struct {
	log      *slog.Logger
	conv     *convert.Converter
	defaults convert.Options
	probe    func(path string) (micinfo.Dimensions, error)
}

// NewRouter returns a router running passes on conv. defaults supplies the
// conversion options a job does not set itself.
func NewRouter(logger *slog.Logger, conv *convert.Converter, defaults convert.Options) *Router {
	if conv == nil {
		conv = convert.New(logger, nil)
	}
	return &Router{
		log:      logging.OrDefault(logger),
		conv:     conv,
		defaults: defaults,
		probe:    micinfo.Probe,
	}
}

func (r *Router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobImportParticles:
		return r.handleImport(job, emdata.KindParticle)
	case JobImportMicrographs:
		return r.handleImport(job, emdata.KindMicrograph)
	case JobImportVolumes:
		return r.handleImport(job, emdata.KindVolume)
	case JobExportParticles:
		return r.handleExport(job, emdata.KindParticle)
	case JobExportMicrographs:
		return r.handleExport(job, emdata.KindMicrograph)
	case JobExportVolumes:
		return r.handleExport(job, emdata.KindVolume)
	case JobExportCoordinates:
		return r.handleExport(job, emdata.KindCoordinate)
	case JobExportDefocusGroups:
		return r.handleExport(job, emdata.KindDefocusGroup)
	case JobImportCoordinates:
		return r.handleImportCoordinates(ctx, job)
	case JobImportLegacy:
		return r.handleImportLegacy(job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

// options overlays the job's conversion options on the router defaults.
func (r *Router) options(job Job) (convert.Options, error) {
	dims, _ := job.Options["dims"].(string)
	purpose, _ := job.Options["purpose"].(string)
	var inverse *bool
	if v, ok := job.Options["inverse"].(bool); ok {
		inverse = &v
	}
	opts, err := r.defaults.Override(dims, purpose, inverse)
	if err != nil {
		return opts, err
	}
	if v, ok := optFloat(job.Options, "tolerance"); ok && v > 0 {
		opts.Tolerance = v
	}
	return opts, nil
}

func optFloat(opts map[string]any, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}

func optInt(opts map[string]any, key string) (int, bool) {
	switch v := opts[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	}
	return 0, false
}

func meta(job Job, kind emdata.Kind, rep convert.Report) map[string]any {
	m := rep.Summary()
	m["kind"] = string(kind)
	m["output"] = job.Output
	return m
}

// handleImport reads a metadata file into a fresh set file.
func (r *Router) handleImport(job Job, kind emdata.Kind) Result {
	opts, err := r.options(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	dst, err := storage.CreateSet(job.Output, kind)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	var rep convert.Report
	switch kind {
	case emdata.KindParticle:
		rep, err = r.conv.ReadSetOfParticles(job.InputPath, dst, opts)
	case emdata.KindMicrograph:
		rep, err = r.conv.ReadSetOfMicrographs(job.InputPath, dst, opts)
	default:
		rep, err = r.conv.ReadSetOfVolumes(job.InputPath, dst, opts)
	}
	if err == nil {
		err = dst.Write()
	}
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		r.discard(job.Output)
	}
	return Result{Job: job, Error: err, Meta: meta(job, kind, rep), Report: rep}
}

// handleExport writes a set file out as a metadata file.
func (r *Router) handleExport(job Job, kind emdata.Kind) Result {
	opts, err := r.options(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	src, err := storage.OpenSet(job.InputPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	defer src.Close()

	var rep convert.Report
	switch kind {
	case emdata.KindParticle:
		rep, err = r.conv.WriteSetOfParticles(src, job.Output, opts)
	case emdata.KindMicrograph:
		rep, err = r.conv.WriteSetOfMicrographs(src, job.Output, opts)
	case emdata.KindVolume:
		rep, err = r.conv.WriteSetOfVolumes(src, job.Output, opts)
	case emdata.KindCoordinate:
		rep, err = r.conv.WriteSetOfCoordinates(src, job.Output, opts)
	default:
		rep, err = r.conv.WriteSetOfDefocusGroups(src, job.Output, opts)
	}
	return Result{Job: job, Error: err, Meta: meta(job, kind, rep), Report: rep}
}

// handleImportCoordinates imports the picks listed by the index at InputPath
// into a coordinate set file. Options: "micrographs" (required set file),
// "boxSize" (overrides the index) and "clip" (drop boxes outside the
// micrograph).
func (r *Router) handleImportCoordinates(ctx context.Context, job Job) Result {
	micsPath, _ := job.Options["micrographs"].(string)
	if micsPath == "" {
		return Result{Job: job, Error: errors.New("import-coordinates requires a micrographs set")}
	}
	mics, err := storage.OpenSet(micsPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	defer mics.Close()
	if mics.Kind() != emdata.KindMicrograph {
		return Result{Job: job, Error: fmt.Errorf("%w: %s is a %s set", emdata.ErrKindMismatch, micsPath, mics.Kind())}
	}

	set, err := coords.Open(job.InputPath, mics)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	if box, ok := optInt(job.Options, "boxSize"); ok && box > 0 {
		set.SetBoxSize(box)
	}

	var filter coords.Filter
	if clip, _ := job.Options["clip"].(bool); clip {
		base := filepath.Dir(micsPath)
		filter = coords.Clip(func(mic *emdata.Item) (coords.Bounds, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			path := mic.Location.Path
			if !filepath.IsAbs(path) {
				path = filepath.Join(base, path)
			}
			dims, err := r.probe(path)
			if err != nil {
				return nil, err
			}
			return dims, nil
		})
	}

	dst, err := storage.CreateSet(job.Output, emdata.KindCoordinate)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	logging.LogProcessingStep(r.log, job.ID, "import picks", "started", map[string]any{
		"index":      job.InputPath,
		"box_size":   set.BoxSize(),
		"pick_files": len(set.Files()),
	})
	res, err := coords.ImportCoordinates(set, dst, filter, r.log)
	if err == nil {
		err = dst.Write()
	}
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		r.discard(job.Output)
	}
	return Result{Job: job, Error: err, Meta: map[string]any{
		"kind":     string(emdata.KindCoordinate),
		"output":   job.Output,
		"imported": res.Imported,
		"clipped":  res.Clipped,
		"skipped":  res.Skipped,
		"box_size": set.BoxSize(),
	}}
}

// handleImportLegacy copies a legacy set database into a set file.
func (r *Router) handleImportLegacy(job Job) Result {
	src, err := scipiondb.Open(job.InputPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	defer src.Close()

	dst, err := storage.CreateSet(job.Output, src.Kind())
	if err != nil {
		return Result{Job: job, Error: err}
	}
	rep, err := r.conv.CopySet(src, dst)
	if err == nil {
		err = dst.Write()
	}
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		r.discard(job.Output)
	}
	return Result{Job: job, Error: err, Meta: meta(job, src.Kind(), rep), Report: rep}
}

func (r *Router) discard(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		r.log.Warn("failed to remove partial output", "path", path, "error", err)
	}
}
