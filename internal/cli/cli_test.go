package cli

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"polarpipe/internal/config"
	"polarpipe/internal/pipeline"
)

// fakePipeline echoes every submitted job back as a result unless silenced.
type fakePipeline struct {
	submitted []pipeline.Job
	results   chan pipeline.Result
	submitErr error
	resultErr error
	silent    bool
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{results: make(chan pipeline.Result, 8)}
}

func (f *fakePipeline) Submit(job pipeline.Job) error {
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submitted = append(f.submitted, job)
	if !f.silent {
		f.results <- pipeline.Result{Job: job, Error: f.resultErr, Meta: map[string]any{"frames": 1}}
	}
	return nil
}

func (f *fakePipeline) Subscribe() (<-chan pipeline.Result, func()) {
	return f.results, func() {}
}

func testRoot(fp *fakePipeline) *Root {
	return &Root{
		pipeline: fp,
		cfg:      config.Default(),
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestEnqueueAndWaitSuccess(t *testing.T) {
	fp := newFakePipeline()
	root := testRoot(fp)

	job := pipeline.Job{ID: "j1", Type: pipeline.JobReduce, InputPath: "/data"}
	if err := root.enqueueAndWait(context.Background(), job); err != nil {
		t.Fatalf("enqueueAndWait: %v", err)
	}
	if len(fp.submitted) != 1 || fp.submitted[0].ID != "j1" {
		t.Fatalf("submitted = %+v", fp.submitted)
	}
}

func TestEnqueueAndWaitIgnoresOtherJobs(t *testing.T) {
	fp := newFakePipeline()
	root := testRoot(fp)

	// A result for an unrelated job arrives first.
	fp.results <- pipeline.Result{Job: pipeline.Job{ID: "other"}}
	if err := root.enqueueAndWait(context.Background(), pipeline.Job{ID: "mine", Type: pipeline.JobCombine}); err != nil {
		t.Fatalf("enqueueAndWait: %v", err)
	}
}

func TestEnqueueAndWaitPropagatesJobError(t *testing.T) {
	fp := newFakePipeline()
	fp.resultErr = errors.New("reduction exploded")
	root := testRoot(fp)

	err := root.enqueueAndWait(context.Background(), pipeline.Job{ID: "j2", Type: pipeline.JobReduce})
	if err == nil || err.Error() != "reduction exploded" {
		t.Fatalf("err = %v", err)
	}
}

func TestEnqueueAndWaitPropagatesSubmitError(t *testing.T) {
	fp := newFakePipeline()
	fp.submitErr = errors.New("queue full")
	root := testRoot(fp)

	if err := root.enqueueAndWait(context.Background(), pipeline.Job{ID: "j3"}); err == nil {
		t.Fatalf("expected submit error")
	}
}

func TestEnqueueAndWaitHonorsContext(t *testing.T) {
	fp := newFakePipeline()
	fp.silent = true // no result ever arrives, the wait must rely on the context
	root := testRoot(fp)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- root.enqueueAndWait(ctx, pipeline.Job{ID: "j4"})
	}()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("enqueueAndWait did not return after cancellation")
	}
}

func TestPolarimetryCmdKeepsConfigImmutable(t *testing.T) {
	fp := newFakePipeline()
	root := testRoot(fp)
	before := root.cfg.Polarimetry.Retarder

	cmd := newPolarimetryCmd(root)
	cmd.SetArgs([]string{"/data/cal", "--retarder", "quarterwave"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if len(fp.submitted) != 1 {
		t.Fatalf("submitted %d jobs, want 1", len(fp.submitted))
	}
	if got := fp.submitted[0].Options["retarder"]; got != "quarterwave" {
		t.Fatalf("retarder option = %v, want quarterwave", got)
	}
	// The override travels with the job, never through the shared config.
	if root.cfg.Polarimetry.Retarder != before {
		t.Fatalf("command mutated config retarder to %q", root.cfg.Polarimetry.Retarder)
	}
}

func TestValidateConfig(t *testing.T) {
	cfg := config.Default()
	if err := validateConfig(cfg); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	bad := config.Default()
	bad.Photometry.Apertures = nil
	if err := validateConfig(bad); err == nil {
		t.Fatalf("expected error for empty aperture list")
	}

	bad = config.Default()
	bad.Photometry.AnnulusOuter = bad.Photometry.AnnulusInner
	if err := validateConfig(bad); err == nil {
		t.Fatalf("expected error for degenerate annulus")
	}

	bad = config.Default()
	bad.Polarimetry.Retarder = "eighthwave"
	if err := validateConfig(bad); err == nil {
		t.Fatalf("expected error for unknown retarder")
	}
}

func TestNewIDPrefix(t *testing.T) {
	id := newID("red")
	if len(id) == 0 || id[:4] != "red-" {
		t.Fatalf("id = %q", id)
	}
}
