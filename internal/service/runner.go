package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/geopilot/geopilot/internal/job"
	"github.com/geopilot/geopilot/internal/log"
	"github.com/geopilot/geopilot/internal/queue"
	"github.com/geopilot/geopilot/internal/validation"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	minRecordBackoff = time.Millisecond
	maxRecordBackoff = 100 * time.Millisecond
)

// WorkSource hands out work items, *queue.Queue[job.WorkItem] is the usual
// implementation.
type WorkSource interface {
	Dequeue(ctx context.Context) (job.WorkItem, error)
}

// ResultSink records validator outcomes, implemented by *job.Store.
type ResultSink interface {
	AddValidatorResult(handle job.Handle, result job.ValidatorResult) (job.Job, error)
}

// Runner drains the work queue with a fixed number of workers. Every item is
// handled independently, a slow validator only occupies its own worker.
type Runner struct {
	source     WorkSource
	sink       ResultSink
	workers    int
	timeout    time.Duration
	newTraceID func() uuid.UUID
}

type RunnerOption func(*Runner)

func WithWorkers(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithTimeout limits the execution of a single validator, zero disables it.
func WithTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) {
		r.timeout = d
	}
}

func WithTraceIDs(newID func() uuid.UUID) RunnerOption {
	return func(r *Runner) {
		if newID != nil {
			r.newTraceID = newID
		}
	}
}

func NewRunner(source WorkSource, sink ResultSink, opts ...RunnerOption) *Runner {
	r := &Runner{
		source:     source,
		sink:       sink,
		workers:    1,
		newTraceID: uuid.New,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run starts the workers and blocks until ctx is done or the queue is closed
// and drained. Results of validators interrupted by ctx are discarded and
// their jobs stay processing.
func (r *Runner) Run(ctx context.Context) error {
	slog.DebugContext(ctx, "starting runner", "workers", r.workers)
	g, gctx := errgroup.WithContext(ctx)
	for i := range r.workers {
		g.Go(func() error {
			return r.work(log.ContextAttrs(gctx, slog.Int("worker", i)))
		})
	}
	return g.Wait()
}

func (r *Runner) work(ctx context.Context) error {
	for {
		item, err := r.source.Dequeue(ctx)
		switch {
		case errors.Is(err, queue.ErrClosed):
			return nil
		case ctx.Err() != nil:
			return nil
		case err != nil:
			return fmt.Errorf("dequeue: %w", err)
		}
		r.process(ctx, item)
	}
}

func (r *Runner) process(ctx context.Context, item job.WorkItem) {
	ctx = log.WithValidator(log.WithJob(ctx, item.JobID), item.Task.Name())

	execCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	slog.DebugContext(ctx, "executing validator")
	start := time.Now()
	res, err := execute(execCtx, item.Task)
	if ctx.Err() != nil {
		slog.WarnContext(ctx, "validator interrupted: result discarded", "error", ctx.Err())
		return
	}
	res = r.classify(ctx, execCtx, res, err)

	if err := r.record(ctx, item.Handle, res); err != nil {
		slog.WarnContext(ctx, "recording validator result failed", "error", err)
		return
	}
	slog.InfoContext(ctx, "validator finished",
		"status", res.Status,
		"elapsed", time.Since(start).String())
}

// record stores the result, retrying while the store reports contention.
// The handle stays valid until the result is recorded, so only ctx ends the
// retries.
func (r *Runner) record(ctx context.Context, handle job.Handle, res job.ValidatorResult) error {
	backoff := minRecordBackoff
	for {
		_, err := r.sink.AddValidatorResult(handle, res)
		if !errors.Is(err, job.ErrContention) {
			return err
		}
		slog.DebugContext(ctx, "job store contention: retrying", "backoff", backoff.String())
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%w: %w", err, ctx.Err())
		case <-t.C:
		}
		backoff = min(2*backoff, maxRecordBackoff)
	}
}

// classify turns the validator outcome into the recorded result. Declared
// failures keep their message, anything else is reported with a trace id
// only and logged in full.
func (r *Runner) classify(ctx, execCtx context.Context, res job.ValidatorResult, err error) job.ValidatorResult {
	if err == nil && res.Status.Terminal() {
		return res
	}
	if fe, ok := validation.AsFailure(err); ok {
		return job.ValidatorResult{Status: job.StatusFailed, Message: fe.Message}
	}
	if errors.Is(err, context.DeadlineExceeded) && execCtx.Err() != nil {
		return job.ValidatorResult{
			Status:  job.StatusFailed,
			Message: fmt.Sprintf("validation timed out after %s", r.timeout),
		}
	}
	if err == nil {
		err = fmt.Errorf("validator returned non terminal status %q", res.Status)
	}
	traceID := r.newTraceID()
	slog.ErrorContext(ctx, "validator failed unexpectedly",
		"trace_id", traceID.String(),
		"error", err)
	return job.ValidatorResult{
		Status:  job.StatusFailed,
		Message: "unexpected error, trace id " + traceID.String(),
	}
}

func execute(ctx context.Context, task job.Task) (res job.ValidatorResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v\n%s", rec, debug.Stack())
		}
	}()
	return task.Execute(ctx)
}
