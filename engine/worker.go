package engine

import (
	"context"
	"time"

	"github.com/wfnet/wfnet/logkeys"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

const (
	defaultWorkerInterval  = time.Minute * 5
	defaultWorkerRetention = time.Hour
)

// Pruner drops in-memory state for cases terminal since before a time.
type Pruner interface {
	PruneTerminal(ctx context.Context, before time.Time) (int, error)
}

// Worker periodically prunes terminal cases from memory to bound the
// engine's working set. The event log keeps the full history; a pruned
// case remains replayable.
type Worker struct {
	pruner    Pruner
	logger    log.Logger
	interval  time.Duration
	retention time.Duration
}

type WorkerOption func(*Worker)

// WithWorkerLogger sets the worker logger.
func WithWorkerLogger(logger log.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithWorkerInterval sets how often the worker prunes.
func WithWorkerInterval(interval time.Duration) WorkerOption {
	return func(w *Worker) {
		w.interval = interval
	}
}

// WithWorkerRetention sets how long terminal cases stay in memory.
func WithWorkerRetention(retention time.Duration) WorkerOption {
	return func(w *Worker) {
		w.retention = retention
	}
}

// NewWorker creates a new pruning worker.
func NewWorker(pruner Pruner, opts ...WorkerOption) *Worker {
	w := &Worker{
		pruner:    pruner,
		logger:    log.NopLogger,
		interval:  defaultWorkerInterval,
		retention: defaultWorkerRetention,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("service", "engine worker")
	return w
}

// RunOnce performs a single prune pass.
func (w *Worker) RunOnce(ctx context.Context) error {
	pruned, err := w.pruner.PruneTerminal(ctx, time.Now().Add(-w.retention))
	if err != nil {
		return err
	}
	ctxlog.Logger(ctx, w.logger).Debug(
		logkeys.Message, "prune pass",
		logkeys.GenericCount, pruned,
	)
	return nil
}

// Run runs the worker on its interval until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := w.RunOnce(ctx); err != nil {
				ctxlog.Logger(ctx, w.logger).Info(
					logkeys.Message, "prune pass",
					logkeys.Error, err,
				)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
