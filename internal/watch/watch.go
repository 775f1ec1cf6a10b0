// Package watch monitors an incoming-frame directory and submits reduction
// jobs for new exposure sequences as they settle.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"polarpipe/internal/fsutil"
	"polarpipe/internal/pipeline"
)

// settleDelay is how long a directory must stay quiet before its frames are
// submitted; instruments write sequences file by file.
const settleDelay = 5 * time.Second

// Watcher submits reduce jobs for frame files dropped into the incoming
// directory.
type Watcher struct {
	pipe    *pipeline.Pipeline
	log     *slog.Logger
	dir     string
	output  string
	options map[string]any

	mu      sync.Mutex
	pending map[string]time.Time // dir -> last event
	seq     int
}

// New builds a watcher over dir. Jobs inherit options (master-frame
// directories and statistic) and write calibrated frames under output.
func New(pipe *pipeline.Pipeline, dir, output string, options map[string]any, log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		pipe:    pipe,
		log:     log,
		dir:     dir,
		output:  output,
		options: options,
		pending: make(map[string]time.Time),
	}
}

// Run watches until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.log.Info("watching incoming directory", "dir", w.dir)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !fsutil.IsFrameFile(event.Name) {
				continue
			}
			w.mu.Lock()
			w.pending[w.dir] = time.Now()
			w.mu.Unlock()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watcher error", "error", err)
		case <-ticker.C:
			w.flush()
		}
	}
}

// flush submits a reduce job for every pending directory that has been quiet
// for the settle delay.
func (w *Watcher) flush() {
	now := time.Now()
	w.mu.Lock()
	var ready []string
	for dir, last := range w.pending {
		if now.Sub(last) >= settleDelay {
			ready = append(ready, dir)
			delete(w.pending, dir)
		}
	}
	w.mu.Unlock()

	for _, dir := range ready {
		w.mu.Lock()
		w.seq++
		id := fmt.Sprintf("watch-%d-%d", now.Unix(), w.seq)
		w.mu.Unlock()

		job := pipeline.Job{
			ID:        id,
			Type:      pipeline.JobReduce,
			InputPath: dir,
			Output:    w.output,
			Options:   w.options,
		}
		if err := w.pipe.Submit(job); err != nil {
			w.log.Warn("could not submit watched reduction", "dir", dir, "error", err)
			continue
		}
		w.log.Info("submitted reduction for incoming frames", "job", id, "dir", dir)
	}
}
