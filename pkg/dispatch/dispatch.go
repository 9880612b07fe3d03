// Package dispatch executes the tasks of tracked jobs on a bounded worker
// pool and reports every task outcome back to the tracker.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/tsroute/pkg/jobs"
)

// DefaultWorkers is used when Config.Workers is not positive.
const DefaultWorkers = 4

// ErrDropped marks a task that was abandoned rather than failed.
var ErrDropped = errors.New("task dropped")

// Task is one unit of work of a job.
type Task func(ctx context.Context) error

// Config controls execution.
type Config struct {
	// Workers bounds how many tasks run at once.
	Workers int

	// TasksPerSecond limits task starts across all jobs. Zero is unlimited.
	TasksPerSecond float64
}

// Dispatcher runs job tasks.
type Dispatcher struct {
	tracker *jobs.Tracker
	workers int
	limiter *rate.Limiter
	logger  *zap.Logger
	now     func() time.Time

	wg sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithClock overrides the time source used to measure task runtime.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// New creates a Dispatcher reporting to tracker.
func New(tracker *jobs.Tracker, cfg Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		tracker: tracker,
		workers: cfg.Workers,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	if d.workers <= 0 {
		d.workers = DefaultWorkers
	}
	if cfg.TasksPerSecond > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.TasksPerSecond), 1)
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start runs the tasks of job id in the background.
func (d *Dispatcher) Start(ctx context.Context, id jobs.ID, tasks []Task) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.Run(ctx, id, tasks); err != nil {
			d.logger.Warn("job run ended early", zap.String("job_id", id.String()), zap.Error(err))
		}
	}()
}

// Wait blocks until every job started with Start has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Drain is Wait bounded by ctx. It returns ctx.Err() if jobs are still
// running when ctx ends.
func (d *Dispatcher) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes tasks and blocks until all of them reported.
//
// When ctx ends first, tasks that were never started are cancelled on the
// tracker and ctx.Err() is returned. Tasks skipped because the job was
// cancelled are not an error.
func (d *Dispatcher) Run(ctx context.Context, id jobs.ID, tasks []Task) error {
	workCh := make(chan Task)

	var wg sync.WaitGroup
	workers := min(d.workers, len(tasks))
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range workCh {
				// Left pending so Cancel below accounts for it.
				if ctx.Err() != nil {
					continue
				}
				d.runTask(ctx, id, task)
			}
		}()
	}

feed:
	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		select {
		case workCh <- task:
		case <-ctx.Done():
			break feed
		}
	}
	close(workCh)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		n, cerr := d.tracker.Cancel(id)
		if cerr != nil {
			return cerr
		}
		d.logger.Info("job interrupted",
			zap.String("job_id", id.String()),
			zap.Uint64("cancelled_tasks", n),
		)
		return err
	}
	return nil
}

// runTask throttles before the task counts as started, so a job cancelled
// while its tasks wait on the limiter never runs them.
func (d *Dispatcher) runTask(ctx context.Context, id jobs.ID, task Task) {
	if d.limiter != nil {
		// Left pending; Run cancels it once ctx is done.
		if err := d.limiter.Wait(ctx); err != nil {
			return
		}
	}

	ok, err := d.tracker.BeginTask(id)
	if err != nil {
		d.logger.Error("begin task failed", zap.String("job_id", id.String()), zap.Error(err))
		return
	}
	if !ok {
		return
	}

	start := d.now()
	outcome, err := execute(ctx, task)
	if cerr := d.tracker.AddCPU(id, d.now().Sub(start)); cerr != nil {
		d.logger.Error("record task time failed", zap.String("job_id", id.String()), zap.Error(cerr))
	}
	if err != nil {
		d.logger.Warn("task failed",
			zap.String("job_id", id.String()),
			zap.String("outcome", outcome.String()),
			zap.Error(err),
		)
	}
	d.report(id, outcome)
}

func (d *Dispatcher) report(id jobs.ID, outcome jobs.Outcome) {
	if err := d.tracker.ReportTask(id, outcome); err != nil {
		d.logger.Error("report task failed", zap.String("job_id", id.String()), zap.Error(err))
	}
}

// execute runs task and maps its result to an outcome. A panic drops the task.
func execute(ctx context.Context, task Task) (outcome jobs.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome, err = jobs.Dropped, fmt.Errorf("%w: panic: %v", ErrDropped, r)
		}
	}()
	err = task(ctx)
	switch {
	case err == nil:
		return jobs.Success, nil
	case errors.Is(err, ErrDropped):
		return jobs.Dropped, err
	default:
		return jobs.Error, err
	}
}
