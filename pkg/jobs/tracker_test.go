package jobs

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/3leaps/tsroute/pkg/metrics"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTracker(t *testing.T, clock *fakeClock) *Tracker {
	return NewTracker(WithClock(clock.Now), WithLogger(zaptest.NewLogger(t)))
}

func TestTracker_ScenarioC(t *testing.T) {
	tr := newTracker(t, newClock())
	id := tr.Submit(CompactChunks{Partition: "2024-03-01", Table: "cpu", ChunkIDs: []uint32{1, 2, 3}}, "db", 3)

	rec, err := tr.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatePending, rec.State)
	assert.Equal(t, uint64(3), rec.PendingTasks)

	require.NoError(t, tr.ReportTask(id, Success))
	rec, _ = tr.Get(id)
	assert.Equal(t, StateRunning, rec.State)

	require.NoError(t, tr.ReportTask(id, Error))
	require.NoError(t, tr.ReportTask(id, Success))

	rec, _ = tr.Get(id)
	assert.Equal(t, StateTerminal, rec.State)
	assert.Equal(t, uint64(0), rec.PendingTasks)
	assert.Equal(t, uint64(2), rec.SuccessTasks)
	assert.Equal(t, uint64(1), rec.ErrorTasks)
	assert.True(t, rec.Balanced())

	err = tr.ReportTask(id, Success)
	var ie *InvariantError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, id, ie.ID)

	after, _ := tr.Get(id)
	assert.Equal(t, rec, after)
}

func TestTracker_SumInvariant(t *testing.T) {
	sequences := []struct {
		name     string
		total    uint64
		outcomes []Outcome
	}{
		{"all success", 4, []Outcome{Success, Success, Success, Success}},
		{"mixed", 5, []Outcome{Error, Success, Dropped, Cancelled, Success}},
		{"partial", 6, []Outcome{Dropped, Dropped}},
		{"over reported", 2, []Outcome{Success, Error, Success, Cancelled}},
	}

	for _, tt := range sequences {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTracker(t, newClock())
			id := tr.Submit(NoOpTest{}, "db", tt.total)
			for _, o := range tt.outcomes {
				_ = tr.ReportTask(id, o)
				rec, err := tr.Get(id)
				require.NoError(t, err)
				assert.True(t, rec.Balanced(), "unbalanced after %s: %+v", o, rec)
			}
		})
	}
}

func TestTracker_ZeroTaskJobIsTerminal(t *testing.T) {
	tr := newTracker(t, newClock())
	id := tr.Submit(WipeCatalog{}, "db", 0)

	rec, err := tr.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StateTerminal, rec.State)
	require.NotNil(t, rec.CompletedAt)
	assert.True(t, IsInvariant(tr.ReportTask(id, Success)))
}

func TestTracker_UnknownJob(t *testing.T) {
	tr := NewTracker()
	missing := NewID()

	assert.ErrorIs(t, tr.ReportTask(missing, Success), ErrUnknownJob)
	_, err := tr.Get(missing)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = tr.Elapsed(missing)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = tr.BeginTask(missing)
	assert.ErrorIs(t, err, ErrUnknownJob)
	_, err = tr.Cancel(missing)
	assert.ErrorIs(t, err, ErrUnknownJob)
	assert.ErrorIs(t, tr.AddCPU(missing, time.Second), ErrUnknownJob)
}

func TestTracker_Elapsed(t *testing.T) {
	clock := newClock()
	tr := newTracker(t, clock)
	id := tr.Submit(NoOpTest{}, "db", 1)

	clock.Advance(2 * time.Second)
	require.NoError(t, tr.AddCPU(id, 300*time.Millisecond))
	require.NoError(t, tr.AddCPU(id, 200*time.Millisecond))

	el, err := tr.Elapsed(id)
	require.NoError(t, err)
	assert.Equal(t, (2 * time.Second).Nanoseconds(), el.WallNanos)
	assert.Equal(t, (500 * time.Millisecond).Nanoseconds(), el.CPUNanos)

	require.NoError(t, tr.ReportTask(id, Success))
	clock.Advance(time.Hour)

	el, err = tr.Elapsed(id)
	require.NoError(t, err)
	assert.Equal(t, (2 * time.Second).Nanoseconds(), el.WallNanos, "wall time freezes when the job finishes")
}

func TestTracker_Cancel(t *testing.T) {
	tr := newTracker(t, newClock())
	id := tr.Submit(PersistChunks{Partition: "p", Table: "cpu", ChunkIDs: []uint32{1}}, "db", 5)

	require.NoError(t, tr.ReportTask(id, Success))
	ok, err := tr.BeginTask(id)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = tr.BeginTask(id)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := tr.Cancel(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)

	rec, _ := tr.Get(id)
	assert.Equal(t, uint64(2), rec.PendingTasks)
	assert.Equal(t, uint64(2), rec.CancelledTasks)
	assert.Equal(t, StateRunning, rec.State)
	assert.True(t, rec.Balanced())

	ok, err = tr.BeginTask(id)
	require.NoError(t, err)
	assert.False(t, ok)

	// In-flight tasks still report.
	require.NoError(t, tr.ReportTask(id, Success))
	require.NoError(t, tr.ReportTask(id, Error))

	rec, _ = tr.Get(id)
	assert.Equal(t, StateTerminal, rec.State)
	assert.Equal(t, uint64(2), rec.SuccessTasks)
	assert.Equal(t, uint64(1), rec.ErrorTasks)
	assert.Equal(t, uint64(2), rec.CancelledTasks)

	n, err = tr.Cancel(id)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTracker_CancelEverything(t *testing.T) {
	tr := newTracker(t, newClock())
	id := tr.Submit(NoOpTest{}, "db", 3)

	n, err := tr.Cancel(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)

	rec, _ := tr.Get(id)
	assert.Equal(t, StateTerminal, rec.State)
	assert.NotNil(t, rec.CompletedAt)
}

func TestTracker_BeginTaskBeyondPending(t *testing.T) {
	tr := newTracker(t, newClock())
	id := tr.Submit(NoOpTest{}, "db", 1)

	ok, err := tr.BeginTask(id)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = tr.BeginTask(id)
	assert.False(t, ok)
	assert.True(t, IsInvariant(err))
}

func TestTracker_ListNewestFirst(t *testing.T) {
	clock := newClock()
	tr := newTracker(t, clock)

	first := tr.Submit(NoOpTest{}, "a", 1)
	clock.Advance(time.Second)
	second := tr.Submit(NoOpTest{}, "b", 1)
	clock.Advance(time.Second)
	third := tr.Submit(NoOpTest{}, "c", 1)

	list := tr.List()
	require.Len(t, list, 3)
	assert.Equal(t, []ID{third, second, first}, []ID{list[0].ID, list[1].ID, list[2].ID})
	assert.Equal(t, 3, tr.Len())
}

func TestTracker_Reap(t *testing.T) {
	clock := newClock()
	tr := newTracker(t, clock)

	done := tr.Submit(NoOpTest{}, "db", 1)
	running := tr.Submit(NoOpTest{}, "db", 2)
	require.NoError(t, tr.ReportTask(done, Success))
	require.NoError(t, tr.ReportTask(running, Success))

	assert.Empty(t, tr.Reap(time.Minute))

	clock.Advance(2 * time.Minute)
	reaped := tr.Reap(time.Minute)
	require.Len(t, reaped, 1)
	assert.Equal(t, done, reaped[0].ID)

	_, err := tr.Get(done)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = tr.Get(running)
	assert.NoError(t, err)
}

func TestTracker_ConcurrentReports(t *testing.T) {
	tr := newTracker(t, newClock())
	const workers, perWorker = 8, 100
	id := tr.Submit(NoOpTest{}, "db", workers*perWorker)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				outcome := Success
				if i%10 == w%10 {
					outcome = Error
				}
				assert.NoError(t, tr.ReportTask(id, outcome))
			}
		}(w)
	}
	wg.Wait()

	rec, err := tr.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StateTerminal, rec.State)
	assert.True(t, rec.Balanced())
	assert.Equal(t, uint64(workers*perWorker), rec.SuccessTasks+rec.ErrorTasks)
}

func TestTracker_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg, "test")
	tr := NewTracker(WithMetrics(m))

	id := tr.Submit(DropChunk{Partition: "p", Table: "t", ChunkID: 1}, "db", 2)
	tr.Submit(NoOpTest{}, "db", 0)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.JobsActive))

	require.NoError(t, tr.ReportTask(id, Success))
	require.NoError(t, tr.ReportTask(id, Dropped))

	assert.Equal(t, float64(0), testutil.ToFloat64(m.JobsActive))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.JobsSubmitted.WithLabelValues(TypeDropChunk)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TasksCompleted.WithLabelValues("dropped")))
}

func TestMerge(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	a := Record{ID: NewID(), CreatedAt: base, PendingTasks: 2}
	b := Record{ID: NewID(), CreatedAt: base.Add(time.Minute)}
	staleA := Record{ID: a.ID, CreatedAt: base}

	got := Merge([]Record{a}, []Record{b, staleA})
	require.Len(t, got, 2)
	assert.Equal(t, b.ID, got[0].ID)
	assert.Equal(t, a, got[1], "earlier list wins")

	assert.Empty(t, Merge())
}
