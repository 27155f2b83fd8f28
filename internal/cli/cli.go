package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"
	"time"

	"emconv/internal/config"
	"emconv/internal/convert"
	"emconv/internal/geometry"
	"emconv/internal/grpcserver"
	"emconv/internal/metrics"
	"emconv/internal/pipeline"
	"emconv/internal/server"
	"emconv/internal/storage"
	"emconv/internal/wizard"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// Version is reported by the version command.
var Version = "0.1.0-dev"

type pipelineRunner interface {
	Run(ctx context.Context, job pipeline.Job) pipeline.Result
}

type serveFunc func(ctx context.Context, httpAddr, grpcAddr string, deps server.Deps) error

// defaultServe runs the HTTP API and, when grpcAddr is set, the gRPC row
// service. The first to stop takes the other down with it.
func defaultServe(ctx context.Context, httpAddr, grpcAddr string, deps server.Deps) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, 2)
	running := 1
	go func() { errs <- server.Serve(ctx, httpAddr, deps) }()
	if grpcAddr != "" {
		running++
		rows := grpcserver.NewRowServer(deps.Converter, deps.Defaults, deps.Root, deps.Logger)
		go func() { errs <- grpcserver.Serve(ctx, grpcAddr, rows) }()
	}

	var first error
	for i := 0; i < running; i++ {
		if err := <-errs; err != nil && first == nil {
			first = err
		}
		cancel()
	}
	return first
}

// Root wires CLI commands to the pipeline and the conversion core.
type Root struct {
	pipeline pipelineRunner
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	conv     *convert.Converter
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	wizards  *wizard.Registry
	serveFn  serveFunc
	out      io.Writer
}

// NewRoot constructs the CLI root. reg receives the conversion metrics and is
// served on /metrics.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store, conv *convert.Converter, m *metrics.Metrics, reg prometheus.Gatherer) *Root {
	return &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
		conv:     conv,
		metrics:  m,
		gatherer: reg,
		wizards:  wizard.Default(),
		serveFn:  defaultServe,
		out:      os.Stdout,
	}
}

// Defaults turns the configured conversion settings into options.
func Defaults(cfg *config.Config) (convert.Options, error) {
	dims, err := convert.ParseDims(cfg.Conversion.Dimensionality)
	if err != nil {
		return convert.Options{}, err
	}
	return convert.Options{
		Dims:             dims,
		InverseTransform: cfg.Conversion.InverseTransform,
		Tolerance:        cfg.Conversion.Tolerance,
		Order:            geometry.AngleOrder(cfg.Conversion.AngleOrder),
	}, nil
}

func (r *Root) converter() *convert.Converter {
	if r.conv == nil {
		r.conv = convert.New(r.log, r.metrics)
	}
	return r.conv
}

// runJob executes job synchronously and prints its outcome.
func (r *Root) runJob(ctx context.Context, job pipeline.Job) error {
	res := r.pipeline.Run(ctx, job)
	if res.Error != nil {
		return res.Error
	}
	fmt.Fprintf(r.out, "%s %s -> %s\n", job.Type, job.InputPath, job.Output)
	for _, k := range slices.Sorted(maps.Keys(res.Meta)) {
		fmt.Fprintf(r.out, "  %s: %v\n", k, res.Meta[k])
	}
	for _, f := range res.Report.Failures {
		fmt.Fprintf(r.out, "  skipped %v\n", &f)
	}
	return nil
}

func newID(prefix string) string {
	ts := time.Now().UTC().Format("20060102T150405")
	return fmt.Sprintf("%s-%s-%s", prefix, ts, uuid.NewString()[:8])
}
