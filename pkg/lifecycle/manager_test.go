package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/3leaps/tsroute/pkg/dispatch"
	"github.com/3leaps/tsroute/pkg/jobs"
	"github.com/3leaps/tsroute/pkg/objectstore"
	"github.com/3leaps/tsroute/pkg/row"
)

type compactorFunc func(ctx context.Context, partition, table string, ids []uint32) error

func (f compactorFunc) Compact(ctx context.Context, partition, table string, ids []uint32) error {
	return f(ctx, partition, table, ids)
}

type fixture struct {
	tracker    *jobs.Tracker
	dispatcher *dispatch.Dispatcher
	db         *objectstore.Database
	chunks     *Buffer
	manager    *Manager
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store, err := objectstore.OpenBucket(context.Background(), "mem://")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	db, err := objectstore.NewDatabase(store, 1, "clouds")
	require.NoError(t, err)

	f := &fixture{
		tracker: jobs.NewTracker(),
		db:      db,
		chunks:  NewBuffer(),
	}
	f.dispatcher = dispatch.New(f.tracker, dispatch.Config{Workers: 2})
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	f.manager = New(f.tracker, f.dispatcher, db, f.chunks, opts...)
	return f
}

func (f *fixture) add(t *testing.T, partition, table string, id uint32, rows ...row.Row) {
	t.Helper()
	require.NoError(t, f.chunks.Append(partition, table, id, rows...))
}

func (f *fixture) state(t *testing.T, partition, table string, id uint32) ChunkState {
	t.Helper()
	info, ok := f.chunks.Chunk(partition, table, id)
	require.True(t, ok)
	return info.State
}

func (f *fixture) wait(t *testing.T, id jobs.ID) jobs.Record {
	t.Helper()
	f.dispatcher.Wait()
	rec, err := f.tracker.Get(id)
	require.NoError(t, err)
	require.Equal(t, jobs.StateTerminal, rec.State)
	return rec
}

func TestManager_NoOp(t *testing.T) {
	f := newFixture(t)
	rec := f.wait(t, f.manager.NoOp(context.Background(), 5))
	assert.Equal(t, uint64(5), rec.SuccessTasks)
	assert.Equal(t, jobs.NoOpTest{}, rec.Kind)
	assert.Equal(t, "clouds", rec.DBName)
}

func TestManager_CloseChunk(t *testing.T) {
	f := newFixture(t)
	f.add(t, "p", "cpu", 1, row.New("cpu"))

	rec := f.wait(t, f.manager.CloseChunk(context.Background(), "p", "cpu", 1))
	assert.Equal(t, uint64(1), rec.SuccessTasks)
	assert.Equal(t, ChunkClosed, f.state(t, "p", "cpu", 1))

	rec = f.wait(t, f.manager.CloseChunk(context.Background(), "p", "cpu", 2))
	assert.Equal(t, uint64(1), rec.ErrorTasks)
}

func TestManager_PersistChunks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rows := []row.Row{row.New("cpu", "host", "a", "usage", "0.5"), row.New("cpu", "host", "b")}
	f.add(t, "2024-03-01", "cpu", 1, rows...)
	f.add(t, "2024-03-01", "cpu", 2, row.New("cpu"))

	rec := f.wait(t, f.manager.PersistChunks(ctx, "2024-03-01", "cpu", []uint32{1, 2, 3}))
	assert.Equal(t, uint64(2), rec.SuccessTasks)
	assert.Equal(t, uint64(1), rec.ErrorTasks, "chunk 3 does not exist")
	assert.Equal(t, jobs.PersistChunks{Partition: "2024-03-01", Table: "cpu", ChunkIDs: []uint32{1, 2, 3}}, rec.Kind)

	data, err := f.db.Get(ctx, objectstore.ChunkPath("2024-03-01", "cpu", 1))
	require.NoError(t, err)
	back, err := DecodeChunk(data)
	require.NoError(t, err)
	assert.Equal(t, rows, back)

	paths, err := f.db.List(ctx, objectstore.NewRelativePath("data"))
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Equal(t, "data/2024-03-01/cpu/1.parquet", paths[0].String())
}

func TestManager_WriteChunk(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.add(t, "p", "mem", 4, row.New("mem", "free", "10"))

	rec := f.wait(t, f.manager.WriteChunk(ctx, "p", "mem", 4))
	assert.Equal(t, uint64(1), rec.SuccessTasks)
	assert.Equal(t, ChunkWritten, f.state(t, "p", "mem", 4))

	_, err := f.db.Get(ctx, objectstore.ChunkPath("p", "mem", 4))
	assert.NoError(t, err)
}

func TestManager_DropChunk(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.add(t, "p", "cpu", 1, row.New("cpu"))
	f.wait(t, f.manager.PersistChunks(ctx, "p", "cpu", []uint32{1}))

	rec := f.wait(t, f.manager.DropChunk(ctx, "p", "cpu", 1))
	assert.Equal(t, uint64(1), rec.SuccessTasks)
	_, ok := f.chunks.Chunk("p", "cpu", 1)
	assert.False(t, ok)
	_, err := f.db.Get(ctx, objectstore.ChunkPath("p", "cpu", 1))
	assert.True(t, objectstore.IsNotFound(err))

	// Dropping an unpersisted chunk still succeeds.
	rec = f.wait(t, f.manager.DropChunk(ctx, "p", "cpu", 9))
	assert.Equal(t, uint64(1), rec.SuccessTasks)
}

func TestManager_CompactChunks(t *testing.T) {
	ctx := context.Background()
	var got []uint32
	f := newFixture(t, WithCompactor(compactorFunc(func(_ context.Context, _, _ string, ids []uint32) error {
		got = ids
		return nil
	})))

	rec := f.wait(t, f.manager.CompactChunks(ctx, "p", "cpu", []uint32{1, 2}))
	assert.Equal(t, uint64(1), rec.SuccessTasks)
	assert.Equal(t, []uint32{1, 2}, got)

	bare := newFixture(t)
	rec = bare.wait(t, bare.manager.CompactChunks(ctx, "p", "cpu", []uint32{1}))
	assert.Equal(t, uint64(1), rec.DroppedTasks)

	failing := newFixture(t, WithCompactor(compactorFunc(func(context.Context, string, string, []uint32) error {
		return errors.New("overlap")
	})))
	rec = failing.wait(t, failing.manager.CompactChunks(ctx, "p", "cpu", []uint32{1}))
	assert.Equal(t, uint64(1), rec.ErrorTasks)
}

func TestManager_WipeCatalog(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id, err := f.manager.WipeCatalog(ctx)
	require.NoError(t, err)
	rec := f.wait(t, id)
	assert.Zero(t, rec.TotalTasks)

	for i := 1; i <= 3; i++ {
		require.NoError(t, f.db.Put(ctx, objectstore.TransactionPath(fmt.Sprintf("%08d.txn", i)), []byte("t")))
	}

	id, err = f.manager.WipeCatalog(ctx)
	require.NoError(t, err)
	rec = f.wait(t, id)
	assert.Equal(t, uint64(3), rec.TotalTasks)
	assert.Equal(t, uint64(3), rec.SuccessTasks)

	txns, err := f.db.CatalogTransactions(ctx)
	require.NoError(t, err)
	assert.Empty(t, txns)
}

func TestManager_WithoutChunkStore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.manager = New(f.tracker, f.dispatcher, f.db, nil)

	for _, id := range []jobs.ID{
		f.manager.CloseChunk(ctx, "p", "cpu", 1),
		f.manager.WriteChunk(ctx, "p", "cpu", 1),
		f.manager.PersistChunks(ctx, "p", "cpu", []uint32{1}),
	} {
		rec := f.wait(t, id)
		assert.Equal(t, uint64(1), rec.DroppedTasks, rec.Kind.String())
	}

	rec := f.wait(t, f.manager.DropChunk(ctx, "p", "cpu", 1))
	assert.Equal(t, uint64(1), rec.SuccessTasks)
}
