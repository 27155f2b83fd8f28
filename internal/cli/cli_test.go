package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"emconv/internal/config"
	"emconv/internal/convert"
	"emconv/internal/coords"
	"emconv/internal/emdata"
	"emconv/internal/geometry"
	"emconv/internal/pipeline"
	"emconv/internal/server"
	"emconv/internal/storage"
	"emconv/internal/wizard"

	"github.com/xuri/excelize/v2"
)

func TestConversionCommandsRunJobs(t *testing.T) {
	cases := []struct {
		name       string
		args       []string
		expectType pipeline.JobType
		purpose    string
	}{
		{"import particles", []string{"import-particles", "in.xmd", "out.sqlite"}, pipeline.JobImportParticles, "alignment"},
		{"import micrographs", []string{"import-micrographs", "in.xmd", "out.sqlite"}, pipeline.JobImportMicrographs, "plain"},
		{"import volumes", []string{"import-volumes", "in.xmd", "out.sqlite", "--purpose", "plain"}, pipeline.JobImportVolumes, "plain"},
		{"export particles", []string{"export-particles", "in.sqlite", "out.xmd", "--dims", "2d"}, pipeline.JobExportParticles, "alignment"},
		{"export micrographs", []string{"export-micrographs", "in.sqlite", "out.xmd"}, pipeline.JobExportMicrographs, "plain"},
		{"export volumes", []string{"export-volumes", "in.sqlite", "out.xmd"}, pipeline.JobExportVolumes, "alignment"},
		{"export coordinates", []string{"export-coordinates", "in.sqlite", "out.xmd"}, pipeline.JobExportCoordinates, "plain"},
		{"export defocus groups", []string{"export-defocus-groups", "in.sqlite", "out.xmd"}, pipeline.JobExportDefocusGroups, "plain"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			root, fakePipe, _ := newTestRoot(t)
			if err := execute(root, tc.args...); err != nil {
				t.Fatalf("run failed: %v", err)
			}
			if len(fakePipe.jobs) != 1 {
				t.Fatalf("expected one job, got %d", len(fakePipe.jobs))
			}
			job := fakePipe.jobs[0]
			if job.Type != tc.expectType {
				t.Fatalf("expected type %s, got %s", tc.expectType, job.Type)
			}
			if job.InputPath != tc.args[1] || job.Output != tc.args[2] {
				t.Fatalf("unexpected paths %s -> %s", job.InputPath, job.Output)
			}
			if job.Options["purpose"] != tc.purpose {
				t.Fatalf("expected purpose %s, got %v", tc.purpose, job.Options["purpose"])
			}
		})
	}
}

func TestInverseFlagDefaultsToConfig(t *testing.T) {
	root, fakePipe, _ := newTestRoot(t)
	root.cfg.Conversion.InverseTransform = true

	if err := execute(root, "export-particles", "a.sqlite", "a.xmd"); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if err := execute(root, "export-particles", "a.sqlite", "a.xmd", "--inverse=false", "--dims", "3d"); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if got := fakePipe.jobs[0].Options["inverse"]; got != true {
		t.Fatalf("expected configured inverse, got %v", got)
	}
	if got := fakePipe.jobs[1].Options["inverse"]; got != false {
		t.Fatalf("expected explicit inverse=false, got %v", got)
	}
	if got := fakePipe.jobs[1].Options["dims"]; got != "3d" {
		t.Fatalf("expected dims 3d, got %v", got)
	}
}

func TestRunJobReportsFailures(t *testing.T) {
	root, fakePipe, out := newTestRoot(t)
	fakePipe.report = convert.Report{
		Converted: 2,
		Failures:  []convert.ItemError{{Index: 3, ItemID: 7, Err: emdata.ErrDuplicateID}},
	}
	fakePipe.meta = map[string]any{"converted": 2, "skipped": 1}

	if err := execute(root, "import-legacy", "old.sqlite", "new.sqlite"); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	text := out.String()
	for _, want := range []string{"import-legacy old.sqlite -> new.sqlite", "converted: 2", "skipped: 1", "skipped item"} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in output %q", want, text)
		}
	}
}

func TestRunJobPropagatesErrors(t *testing.T) {
	root, fakePipe, _ := newTestRoot(t)
	fakePipe.err = context.DeadlineExceeded
	err := execute(root, "import-particles", "in.xmd", "out.sqlite")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected pipeline error, got %v", err)
	}
}

func TestCommandsValidateArguments(t *testing.T) {
	root, fakePipe, _ := newTestRoot(t)
	for _, args := range [][]string{
		{"import-particles", "only-one"},
		{"export-volumes"},
		{"coords", "import", "index.json", "out.sqlite"},
		{"matrix", "decompose"},
	} {
		if err := execute(root, args...); err == nil {
			t.Fatalf("expected error for %v", args)
		}
	}
	if len(fakePipe.jobs) != 0 {
		t.Fatalf("expected no jobs, got %d", len(fakePipe.jobs))
	}
}

func TestCoordsImportPassesOptions(t *testing.T) {
	root, fakePipe, _ := newTestRoot(t)
	err := execute(root, "coords", "import", "index.json", "coords.sqlite",
		"--micrographs", "mics.sqlite", "--box", "64", "--clip")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	job := fakePipe.jobs[0]
	if job.Type != pipeline.JobImportCoordinates {
		t.Fatalf("unexpected type %s", job.Type)
	}
	if job.Options["micrographs"] != "mics.sqlite" || job.Options["boxSize"] != 64 || job.Options["clip"] != true {
		t.Fatalf("unexpected options %v", job.Options)
	}
}

func TestCoordsList(t *testing.T) {
	root, _, out := newTestRoot(t)
	dir := t.TempDir()
	if err := coords.WritePickFile(filepath.Join(dir, "mic1.json"), []coords.Pick{{X: 1, Y: 2}, {X: 3, Y: 4}}); err != nil {
		t.Fatal(err)
	}
	idx := coords.NewIndex(dir)
	idx.BoxSize = 32
	idx.Files[1] = "mic1.json"
	idx.Files[2] = "mic2.json"
	indexPath := filepath.Join(dir, "index.json")
	if err := coords.WriteIndex(indexPath, idx); err != nil {
		t.Fatal(err)
	}

	if err := execute(root, "coords", "list", indexPath); err != nil {
		t.Fatalf("list failed: %v", err)
	}
	text := out.String()
	for _, want := range []string{"box size: 32", "mic1.json  2 boxes", "mic2.json  missing"} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in output %q", want, text)
		}
	}
}

func TestMatrixCommands(t *testing.T) {
	root, _, out := newTestRoot(t)
	if err := execute(root, "matrix", "decompose", "[[1,0,0,2],[0,1,0,3],[0,0,1,4],[0,0,0,1]]", "--inverse"); err != nil {
		t.Fatalf("decompose failed: %v", err)
	}
	if !strings.Contains(out.String(), "shiftX=2 shiftY=3 shiftZ=4") || !strings.Contains(out.String(), "flip=false") {
		t.Fatalf("unexpected decompose output %q", out.String())
	}

	out.Reset()
	if err := execute(root, "matrix", "compose", "--shift-x", "2", "--shift-y", "-1", "--inverse"); err != nil {
		t.Fatalf("compose failed: %v", err)
	}
	m, err := geometry.ParseMatrix(out.String())
	if err != nil {
		t.Fatalf("compose output is not a matrix: %v", err)
	}
	if !m.ApproxEqual(geometry.Translation(2, -1, 0), 1e-9) {
		t.Fatalf("unexpected matrix %s", m)
	}

	if err := execute(root, "matrix", "decompose", "[[1,0],[0,1]]"); !errors.Is(err, geometry.ErrMalformedTransform) {
		t.Fatalf("expected malformed transform, got %v", err)
	}
}

func TestWizardCommand(t *testing.T) {
	root, _, out := newTestRoot(t)
	if err := execute(root, "wizard", "relion.classify2d", "--input", "particles=128:1.5"); err != nil {
		t.Fatalf("wizard failed: %v", err)
	}
	if !strings.Contains(out.String(), "maskDiameterA = 192 A") {
		t.Fatalf("unexpected output %q", out.String())
	}

	out.Reset()
	if err := execute(root, "wizard", "relion.refine3d", "--input", "particles=100:2", "--value", "maskDiameterA=120"); err != nil {
		t.Fatalf("wizard failed: %v", err)
	}
	text := out.String()
	if !strings.Contains(text, "maskDiameterA = 120 A") || !strings.Contains(text, "initialLowPassFilterA = (no input)") {
		t.Fatalf("unexpected output %q", text)
	}

	if err := execute(root, "wizard", "no.such.protocol"); !errors.Is(err, wizard.ErrNoWizard) {
		t.Fatalf("expected no wizard error, got %v", err)
	}
}

func TestWizardReadsSetInput(t *testing.T) {
	root, _, out := newTestRoot(t)
	path := filepath.Join(t.TempDir(), "particles.sqlite")
	sf, err := storage.CreateSet(path, emdata.KindParticle)
	if err != nil {
		t.Fatal(err)
	}
	sf.SetInfo(emdata.SetInfo{Kind: emdata.KindParticle, BoxSize: 64, SamplingRate: 1})
	if err := sf.Write(); err != nil {
		t.Fatal(err)
	}
	sf.Close()

	if err := execute(root, "wizard", "relion.preprocess_particles", "--set", "particles="+path); err != nil {
		t.Fatalf("wizard failed: %v", err)
	}
	if !strings.Contains(out.String(), "backRadius = 32 px") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestExportXLSX(t *testing.T) {
	root, _, out := newTestRoot(t)
	dir := t.TempDir()
	setPath := filepath.Join(dir, "particles.sqlite")
	sf, err := storage.CreateSet(setPath, emdata.KindParticle)
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 2; i++ {
		if err := sf.Append(&emdata.Item{Location: emdata.Location{Index: i, Path: "particles.stk"}}); err != nil {
			t.Fatal(err)
		}
	}
	if err := sf.Write(); err != nil {
		t.Fatal(err)
	}
	sf.Close()

	xlsxPath := filepath.Join(dir, "rows.xlsx")
	if err := execute(root, "export-xlsx", setPath, xlsxPath, "--purpose", "plain"); err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if !strings.Contains(out.String(), "wrote 2 rows") {
		t.Fatalf("unexpected output %q", out.String())
	}
	f, err := excelize.OpenFile(xlsxPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := f.GetRows("rows")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header and 2 rows, got %d", len(rows))
	}
}

func TestServeCommandUsesInjectedFunction(t *testing.T) {
	root, _, _ := newTestRoot(t)
	var called bool
	root.serveFn = func(ctx context.Context, addr, grpcAddr string, deps server.Deps) error {
		called = true
		if addr != ":9999" {
			t.Fatalf("unexpected addr %s", addr)
		}
		if grpcAddr != "" {
			t.Fatalf("expected grpc disabled, got %s", grpcAddr)
		}
		if deps.Converter == nil || deps.Root != "/data" {
			t.Fatalf("unexpected deps %+v", deps)
		}
		return nil
	}
	if err := execute(root, "serve", "--addr", ":9999", "--grpc-addr", "", "--root", "/data"); err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if !called {
		t.Fatalf("serve function was not invoked")
	}
}

func TestConfigAndVersionCommands(t *testing.T) {
	root, _, out := newTestRoot(t)
	if err := execute(root, "config", "show"); err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if !strings.Contains(out.String(), "dimensionality: auto") {
		t.Fatalf("expected configuration output, got %q", out.String())
	}

	out.Reset()
	if err := execute(root, "config", "validate"); err != nil {
		t.Fatalf("config validate failed: %v", err)
	}

	out.Reset()
	if err := execute(root, "version"); err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(out.String(), "emconv "+Version) {
		t.Fatalf("expected version string, got %q", out.String())
	}
}

// Test helpers

func execute(root *Root, args ...string) error {
	cmd := NewRootCmd(root)
	cmd.SetArgs(args)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	return cmd.ExecuteContext(context.Background())
}

func newTestRoot(t *testing.T) (*Root, *fakePipeline, *bytes.Buffer) {
	t.Helper()

	cfg := config.Default()
	cfg.Paths.DatabasePath = filepath.Join(t.TempDir(), "emconv.db")

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	pipe := &fakePipeline{}
	out := &bytes.Buffer{}

	root := &Root{
		pipeline: pipe,
		cfg:      cfg,
		log:      logger,
		wizards:  wizard.Default(),
		serveFn:  defaultServe,
		out:      out,
	}
	return root, pipe, out
}

type fakePipeline struct {
	mu     sync.Mutex
	jobs   []pipeline.Job
	err    error
	report convert.Report
	meta   map[string]any
}

func (f *fakePipeline) Run(ctx context.Context, job pipeline.Job) pipeline.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return pipeline.Result{Job: job, Error: f.err, Meta: f.meta, Report: f.report}
}
