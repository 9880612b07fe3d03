// Package jobs tracks long-running background jobs made of many tasks.
//
// A Tracker is an explicit registry: it is constructed by the caller and
// passed to whatever submits or executes jobs. Each job has its own lock, so
// task reports for different jobs never contend.
package jobs

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/tsroute/pkg/metrics"
)

// Elapsed is the time spent on a job so far.
type Elapsed struct {
	CPUNanos  int64 `json:"cpu_nanos"`
	WallNanos int64 `json:"wall_nanos"`
}

type entry struct {
	mu  sync.Mutex
	rec Record

	// started counts tasks begun but not yet reported.
	started   uint64
	cancelled bool
}

// Tracker is the registry of jobs. It is safe for concurrent use.
type Tracker struct {
	mu   sync.RWMutex
	jobs map[ID]*entry

	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) TrackerOption {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithMetrics records job metrics.
func WithMetrics(m *metrics.Metrics) TrackerOption {
	return func(t *Tracker) { t.metrics = m }
}

// NewTracker creates an empty registry.
func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{
		jobs:   make(map[ID]*entry),
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Submit registers a job with totalTasks pending tasks and returns its id.
// A job with no tasks is terminal immediately.
func (t *Tracker) Submit(kind Kind, db string, totalTasks uint64) ID {
	if kind == nil {
		kind = NoOpTest{}
	}
	now := t.now()
	e := &entry{rec: Record{
		ID:           NewID(),
		Kind:         kind,
		DBName:       db,
		CreatedAt:    now,
		TotalTasks:   totalTasks,
		PendingTasks: totalTasks,
	}}
	if totalTasks == 0 {
		e.rec.CompletedAt = &now
	}

	t.mu.Lock()
	t.jobs[e.rec.ID] = e
	t.mu.Unlock()

	t.metrics.JobSubmitted(kind.Type(), totalTasks > 0)
	t.logger.Debug("job submitted",
		zap.String("job_id", e.rec.ID.String()),
		zap.String("kind", kind.String()),
		zap.String("db", db),
		zap.Uint64("tasks", totalTasks),
	)
	return e.rec.ID
}

func (t *Tracker) lookup(id ID) *entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.jobs[id]
}

// ReportTask records how one task finished.
//
// Reporting on a terminal job returns an *InvariantError and leaves the
// record unchanged.
func (t *Tracker) ReportTask(id ID, outcome Outcome) error {
	e := t.lookup(id)
	if e == nil {
		return ErrUnknownJob
	}

	e.mu.Lock()
	if e.rec.PendingTasks == 0 {
		err := &InvariantError{ID: id, Op: "report", Outcome: outcome, Record: t.snapshot(e)}
		e.mu.Unlock()
		t.logger.Error("task report rejected", zap.Error(err))
		return err
	}

	switch outcome {
	case Success:
		e.rec.SuccessTasks++
	case Error:
		e.rec.ErrorTasks++
	case Cancelled:
		e.rec.CancelledTasks++
	case Dropped:
		e.rec.DroppedTasks++
	default:
		err := &InvariantError{ID: id, Op: "report", Outcome: outcome, Record: t.snapshot(e)}
		e.mu.Unlock()
		return err
	}
	e.rec.PendingTasks--
	if e.started > 0 {
		e.started--
	}
	finished := t.finishIfDone(e)
	rec := e.rec
	e.mu.Unlock()

	t.metrics.TaskCompleted(outcome.String(), 1, finished)
	if finished {
		t.logFinished(rec)
	}
	return nil
}

// finishIfDone stamps the completion time once pending reaches zero.
// Callers hold e.mu.
func (t *Tracker) finishIfDone(e *entry) bool {
	if e.rec.PendingTasks != 0 || e.rec.CompletedAt != nil {
		return false
	}
	now := t.now()
	e.rec.CompletedAt = &now
	return true
}

func (t *Tracker) logFinished(rec Record) {
	t.logger.Info("job finished",
		zap.String("job_id", rec.ID.String()),
		zap.String("kind", rec.Kind.String()),
		zap.Uint64("success", rec.SuccessTasks),
		zap.Uint64("error", rec.ErrorTasks),
		zap.Uint64("cancelled", rec.CancelledTasks),
		zap.Uint64("dropped", rec.DroppedTasks),
	)
}

// BeginTask marks one pending task as started. It returns false once the job
// was cancelled, in which case the task must not run.
func (t *Tracker) BeginTask(id ID) (bool, error) {
	e := t.lookup(id)
	if e == nil {
		return false, ErrUnknownJob
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancelled {
		return false, nil
	}
	if e.started >= e.rec.PendingTasks {
		return false, &InvariantError{ID: id, Op: "begin task", Record: t.snapshot(e)}
	}
	e.started++
	return true, nil
}

// Cancel moves every pending task that has not started to Cancelled and
// returns how many moved. Started tasks report normally when they finish.
func (t *Tracker) Cancel(id ID) (uint64, error) {
	e := t.lookup(id)
	if e == nil {
		return 0, ErrUnknownJob
	}
	e.mu.Lock()
	e.cancelled = true
	n := e.rec.PendingTasks - e.started
	e.rec.PendingTasks -= n
	e.rec.CancelledTasks += n
	finished := n > 0 && t.finishIfDone(e)
	rec := e.rec
	e.mu.Unlock()

	if n > 0 {
		t.metrics.TaskCompleted(Cancelled.String(), int(n), finished)
		t.logger.Info("job cancelled",
			zap.String("job_id", id.String()),
			zap.Uint64("cancelled_tasks", n),
			zap.Uint64("in_flight", rec.PendingTasks),
		)
	}
	if finished {
		t.logFinished(rec)
	}
	return n, nil
}

// AddCPU adds executor time spent on the job.
func (t *Tracker) AddCPU(id ID, d time.Duration) error {
	e := t.lookup(id)
	if e == nil {
		return ErrUnknownJob
	}
	e.mu.Lock()
	e.rec.CPUTime += d
	e.mu.Unlock()
	return nil
}

// Get returns a copy of the job record.
func (t *Tracker) Get(id ID) (Record, error) {
	e := t.lookup(id)
	if e == nil {
		return Record{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return t.snapshot(e), nil
}

// Elapsed returns CPU and wall time. Wall time stops when the job finishes.
func (t *Tracker) Elapsed(id ID) (Elapsed, error) {
	rec, err := t.Get(id)
	if err != nil {
		return Elapsed{}, err
	}
	return Elapsed{CPUNanos: rec.CPUTime.Nanoseconds(), WallNanos: rec.WallTime.Nanoseconds()}, nil
}

// snapshot copies the record with derived fields filled. Callers hold e.mu.
func (t *Tracker) snapshot(e *entry) Record {
	rec := e.rec
	end := t.now()
	if rec.CompletedAt != nil {
		end = *rec.CompletedAt
		completed := *rec.CompletedAt
		rec.CompletedAt = &completed
	}
	rec.WallTime = end.Sub(rec.CreatedAt)
	rec.State = rec.DeriveState()
	return rec
}

// List returns every tracked job, newest first.
func (t *Tracker) List() []Record {
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.jobs))
	for _, e := range t.jobs {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, t.snapshot(e))
		e.mu.Unlock()
	}
	sortNewestFirst(out)
	return out
}

// Len returns the number of tracked jobs.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.jobs)
}

// Reap removes terminal jobs that finished more than olderThan ago and
// returns them, newest first.
func (t *Tracker) Reap(olderThan time.Duration) []Record {
	cutoff := t.now().Add(-olderThan)

	t.mu.Lock()
	var out []Record
	for id, e := range t.jobs {
		e.mu.Lock()
		if e.rec.CompletedAt != nil && !e.rec.CompletedAt.After(cutoff) {
			out = append(out, t.snapshot(e))
			delete(t.jobs, id)
		}
		e.mu.Unlock()
	}
	t.mu.Unlock()

	sortNewestFirst(out)
	if len(out) > 0 {
		t.logger.Debug("reaped jobs", zap.Int("count", len(out)))
	}
	return out
}

// Merge combines record lists, newest first. When an id appears more than
// once the record from the earlier list wins.
func Merge(lists ...[]Record) []Record {
	seen := make(map[ID]bool)
	var out []Record
	for _, list := range lists {
		for _, rec := range list {
			if seen[rec.ID] {
				continue
			}
			seen[rec.ID] = true
			out = append(out, rec)
		}
	}
	sortNewestFirst(out)
	return out
}

func sortNewestFirst(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].ID > recs[j].ID
		}
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
}
