package speakers

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
)

type (
	jobProcessor interface {
		Process(ctx context.Context, jobID string) error
	}

	// Worker claims queued jobs one at a time and runs them.
	Worker struct {
		jobs     JobStore
		proc     jobProcessor
		interval time.Duration
		log      logr.Logger
		now      func() time.Time
	}
)

func NewWorker(jobs JobStore, proc jobProcessor, interval time.Duration, log logr.Logger) *Worker {
	return &Worker{
		jobs:     jobs,
		proc:     proc,
		interval: interval,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RunOnce claims the oldest queued job and processes it. claimed is false
// when the queue is empty. A claimed job runs to the end even if ctx is
// cancelled meanwhile.
func (w *Worker) RunOnce(ctx context.Context) (claimed bool, err error) {
	job, ok, err := w.jobs.ClaimNextQueuedJob(ctx, w.now())
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	if !ok {
		return false, nil
	}

	w.log.Info("claimed job", "jobID", job.ID, "recordingID", job.RecordingID)
	if err := w.proc.Process(context.WithoutCancel(ctx), job.ID); err != nil {
		return true, fmt.Errorf("job %s: %w", job.ID, err)
	}
	return true, nil
}

// Run polls the queue until ctx is done. The queue is drained without
// waiting; the poll interval only applies once it is empty.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started", "pollInterval", w.interval.String())

	for {
		if ctx.Err() != nil {
			w.log.Info("worker stopped")
			return nil
		}

		claimed, err := w.RunOnce(ctx)
		if err != nil {
			w.log.Error(err, "processing queue")
		}
		if claimed {
			continue
		}

		select {
		case <-ctx.Done():
		case <-time.After(w.interval):
		}
	}
}
