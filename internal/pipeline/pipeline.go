// Package pipeline runs reduction jobs on a fixed worker pool and fans
// results out to subscribers.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"polarpipe/internal/catalog"
	"polarpipe/internal/config"
	"polarpipe/internal/logging"
)

// JobType enumerates supported reduction categories.
type JobType string

const (
	JobReduce      JobType = "reduce"
	JobCombine     JobType = "combine"
	JobPhotometry  JobType = "photometry"
	JobPolarimetry JobType = "polarimetry"
	JobCalibrate   JobType = "calibrate"
)

// Job represents a single reduction request.
type Job struct {
	ID        string
	Type      JobType
	InputPath string
	Output    string
	Options   map[string]any
}

// Result captures the outcome of a Job.
type Result struct {
	Job   Job
	Error error
	Meta  map[string]any
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Pipeline dispatches queued jobs to a pool of workers and broadcasts each
// Result to all current subscribers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	store     *catalog.Store
	jobs      chan Job
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	stopOnce  sync.Once

	mu        sync.Mutex
	subs      map[int]chan Result
	nextSubID int

	// Router is the job dispatcher; callers may wire optional capabilities
	// (cosmic-ray detector, catalog lookup) before submitting jobs.
	Router *Router
}

// New creates a Pipeline with the given concurrency and starts its workers.
// The store may be nil; jobs then run without persistence.
func New(ctx context.Context, concurrency int, logger *slog.Logger, store *catalog.Store, cfg *config.Config) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(ctx)

	p := &Pipeline{
		log:    logger,
		store:  store,
		jobs:   make(chan Job, concurrency*2),
		cancel: cancel,
		subs:   make(map[int]chan Result),
	}
	p.Router = NewRouter(logger, store, cfg)
	p.processor = p.Router

	for i := 0; i < concurrency; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	return p
}

// Submit enqueues a job without blocking. A full queue is reported as an
// error so callers can back off instead of stalling an instrument loop.
func (p *Pipeline) Submit(job Job) error {
	// The queued row goes in before the enqueue so a worker can never mark
	// a job running ahead of its record; a rejected submission takes the
	// row back out.
	if p.store != nil {
		optsJSON, _ := json.Marshal(job.Options)
		_ = p.store.RecordJobQueued(catalog.JobRecord{
			ID:          job.ID,
			JobType:     string(job.Type),
			Status:      "queued",
			InputPath:   job.InputPath,
			OutputPath:  job.Output,
			OptionsJSON: string(optsJSON),
		})
	}
	select {
	case p.jobs <- job:
		return nil
	default:
		if p.store != nil {
			_ = p.store.DeleteJob(job.ID)
		}
		return errors.New("job queue is full")
	}
}

// Stop drains the workers and closes every subscriber channel. Safe to call
// more than once.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		close(p.jobs)
		p.wg.Wait()

		p.mu.Lock()
		defer p.mu.Unlock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
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
			p.broadcast(p.run(ctx, job))
		}
	}
}

// run executes one job with lifecycle logging and store records.
func (p *Pipeline) run(ctx context.Context, job Job) Result {
	logging.LogJobStart(p.log, string(job.Type), job.ID, job.InputPath, job.Output, job.Options)
	if p.store != nil {
		_ = p.store.RecordJobStart(job.ID)
	}

	start := time.Now()
	res := p.processor.Process(ctx, job)
	elapsed := time.Since(start)

	switch {
	case res.Error != nil:
		logging.LogJobError(p.log, string(job.Type), job.ID, elapsed, res.Error, map[string]any{
			"input":  job.InputPath,
			"output": job.Output,
		})
		if p.store != nil {
			_ = p.store.RecordJobResult(job.ID, "failed", res.Meta, res.Error.Error())
		}
	default:
		logging.LogJobComplete(p.log, string(job.Type), job.ID, elapsed, res.Meta)
		if p.store != nil {
			_ = p.store.RecordJobResult(job.ID, "completed", res.Meta, "")
		}
	}
	return res
}

// Subscribe registers a result channel. The returned function unsubscribes
// and closes it; Stop closes any channels still registered.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch

	return ch, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
	}
}

// broadcast never blocks on a subscriber; a slow consumer drops results
// rather than stalling the worker.
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
