package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"time"

	"log/slog"

	"emconv/internal/convert"
	"emconv/internal/logging"
	"emconv/internal/storage"
)

// JobType enumerates supported conversion runs.
type JobType string

const (
	JobImportParticles     JobType = "import-particles"
	JobImportMicrographs   JobType = "import-micrographs"
	JobImportVolumes       JobType = "import-volumes"
	JobExportParticles     JobType = "export-particles"
	JobExportMicrographs   JobType = "export-micrographs"
	JobExportVolumes       JobType = "export-volumes"
	JobExportCoordinates   JobType = "export-coordinates"
	JobExportDefocusGroups JobType = "export-defocus-groups"
	JobImportCoordinates   JobType = "import-coordinates"
	JobImportLegacy        JobType = "import-legacy"
)

// JobTypes lists every job type the router handles.
var JobTypes = []JobType{
	JobImportParticles, JobImportMicrographs, JobImportVolumes,
	JobExportParticles, JobExportMicrographs, JobExportVolumes,
	JobExportCoordinates, JobExportDefocusGroups,
	JobImportCoordinates, JobImportLegacy,
}

func (t JobType) Valid() bool { return slices.Contains(JobTypes, t) }

// ErrQueueFull is returned by Submit when the queue cannot take more jobs.
var ErrQueueFull = errors.New("job queue is full")

// Job represents a single conversion request.
type Job struct {
	ID        string
	Type      JobType
	InputPath string
	Output    string
	Options   map[string]any
}

// Result captures the outcome of a Job.
type Result struct {
	Job    Job
	Error  error
	Meta   map[string]any
	Report convert.Report
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Pipeline runs conversion jobs one at a time, either queued through Submit
// or directly through Run.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	store     *storage.Store
	runMu     sync.Mutex
	mu        sync.Mutex
	subs      map[int]chan Result
	nextSubID int
}

// New creates a pipeline backed by processor. queue bounds the number of
// pending submitted jobs.
func New(ctx context.Context, queue int, logger *slog.Logger, store *storage.Store, processor Processor) *Pipeline {
	if queue < 1 {
		queue = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: processor,
		log:       logging.OrDefault(logger),
		jobs:      make(chan Job, queue),
		cancel:    cancel,
		store:     store,
		subs:      make(map[int]chan Result),
	}

	p.startOnce.Do(func() {
		p.wg.Add(1)
		go p.worker(ctx)
	})

	return p
}

func (p *Pipeline) recordQueued(job Job) {
	if p.store == nil {
		return
	}
	optsJSON, _ := json.Marshal(job.Options)
	if err := p.store.RecordRunQueued(storage.RunRecord{
		ID:          job.ID,
		RunType:     string(job.Type),
		Status:      "queued",
		InputPath:   job.InputPath,
		OutputPath:  job.Output,
		OptionsJSON: string(optsJSON),
	}); err != nil {
		p.log.Warn("failed to record run", "run_id", job.ID, "error", err)
	}
}

// Submit adds a job to the processing queue.
func (p *Pipeline) Submit(job Job) error {
	p.recordQueued(job)

	select {
	case p.jobs <- job:
		return nil
	default:
		if p.store != nil {
			_ = p.store.RecordRunResult(job.ID, "rejected", nil, ErrQueueFull.Error())
		}
		return ErrQueueFull
	}
}

// Run executes job on the caller's goroutine. It waits for any queued job
// that is already running.
func (p *Pipeline) Run(ctx context.Context, job Job) Result {
	p.recordQueued(job)
	res := p.execute(ctx, job)
	p.broadcast(res)
	return res
}

// Stop signals the worker to exit and waits for it.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		close(p.jobs)
		p.wg.Wait()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.broadcast(p.execute(ctx, job))
		}
	}
}

func (p *Pipeline) execute(ctx context.Context, job Job) Result {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	start := time.Now()
	logging.LogJobStart(p.log, string(job.Type), job.ID, job.InputPath, job.Output, job.Options)
	if p.store != nil {
		_ = p.store.RecordRunStart(job.ID)
	}

	var res Result
	if err := ctx.Err(); err != nil {
		res = Result{Job: job, Error: err}
	} else {
		res = p.processor.Process(ctx, job)
	}
	duration := time.Since(start)

	status := "completed"
	if res.Error != nil {
		status = "failed"
		logging.LogJobError(p.log, string(job.Type), job.ID, duration, res.Error, map[string]any{
			"input":  job.InputPath,
			"output": job.Output,
		})
	} else {
		logging.LogJobComplete(p.log, string(job.Type), job.ID, duration, res.Meta)
	}

	if p.store != nil {
		if len(res.Report.Failures) > 0 {
			if err := p.store.RecordItemFailures(job.ID, itemFailures(res.Report)); err != nil {
				p.log.Warn("failed to record item failures", "run_id", job.ID, "error", err)
			}
		}
		_ = p.store.RecordRunResult(job.ID, status, res.Meta, errString(res.Error))
	}
	return res
}

func itemFailures(rep convert.Report) []storage.ItemFailure {
	out := make([]storage.ItemFailure, 0, len(rep.Failures))
	for _, f := range rep.Failures {
		out = append(out, storage.ItemFailure{Index: f.Index, ItemID: f.ItemID, Reason: errString(f.Err)})
	}
	return out
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}
