// Package cli wires the command-line surface to the reduction pipeline.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"polarpipe/internal/catalog"
	"polarpipe/internal/config"
	"polarpipe/internal/pipeline"
)

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

// Root holds the shared state behind every command.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    *catalog.Store
}

// NewRoot constructs the CLI root state.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *catalog.Store) *Root {
	return &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
	}
}

// enqueueAndWait submits a job and blocks until its result arrives.
func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) error {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}
	r.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				if res.Error != nil {
					return res.Error
				}
				for k, v := range res.Meta {
					r.log.Info("result", "key", k, "value", v)
				}
				return nil
			}
		}
	}
}

func newID(prefix string) string {
	ts := time.Now().UTC().Format("20060102T150405")
	return fmt.Sprintf("%s-%s-%04d", prefix, ts, rand.Intn(10000))
}
