// Package lifecycle turns chunk maintenance operations into tracked jobs.
//
// Each operation submits a job of the matching kind with one task per unit of
// work and hands the tasks to the dispatcher. Callers poll the tracker for
// progress using the returned job id.
package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/tsroute/pkg/dispatch"
	"github.com/3leaps/tsroute/pkg/jobs"
	"github.com/3leaps/tsroute/pkg/objectstore"
	"github.com/3leaps/tsroute/pkg/row"
)

// ChunkStore holds in-memory chunks.
type ChunkStore interface {
	CloseChunk(ctx context.Context, partition, table string, id uint32) error
	WriteChunk(ctx context.Context, partition, table string, id uint32) error
	ReadChunk(ctx context.Context, partition, table string, id uint32) ([]row.Row, error)
	DropChunk(ctx context.Context, partition, table string, id uint32) error
}

// ErrNoChunkStore is returned by tasks that need chunks when the manager has none.
var ErrNoChunkStore = errors.New("no chunk store configured")

// Compactor merges chunks of one table.
type Compactor interface {
	Compact(ctx context.Context, partition, table string, ids []uint32) error
}

// Manager runs chunk operations for one database.
type Manager struct {
	tracker    *jobs.Tracker
	dispatcher *dispatch.Dispatcher
	db         *objectstore.Database
	chunks     ChunkStore
	compactor  Compactor
	logger     *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithCompactor sets the compactor used by CompactChunks.
func WithCompactor(c Compactor) Option {
	return func(m *Manager) { m.compactor = c }
}

// New creates a Manager. chunks may be nil when only catalog operations are used.
func New(tracker *jobs.Tracker, dispatcher *dispatch.Dispatcher, db *objectstore.Database, chunks ChunkStore, opts ...Option) *Manager {
	m := &Manager{
		tracker:    tracker,
		dispatcher: dispatcher,
		db:         db,
		chunks:     chunks,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) start(ctx context.Context, kind jobs.Kind, tasks []dispatch.Task) jobs.ID {
	id := m.tracker.Submit(kind, m.db.Name(), uint64(len(tasks)))
	m.logger.Info("chunk job started",
		zap.String("job_id", id.String()),
		zap.String("kind", kind.String()),
		zap.Int("tasks", len(tasks)),
	)
	if len(tasks) > 0 {
		m.dispatcher.Start(ctx, id, tasks)
	}
	return id
}

// NoOp starts a job of n tasks that do nothing.
func (m *Manager) NoOp(ctx context.Context, n int) jobs.ID {
	tasks := make([]dispatch.Task, n)
	for i := range tasks {
		tasks[i] = func(context.Context) error { return nil }
	}
	return m.start(ctx, jobs.NoOpTest{}, tasks)
}

// CloseChunk closes a chunk for writes.
func (m *Manager) CloseChunk(ctx context.Context, partition, table string, id uint32) jobs.ID {
	return m.start(ctx, jobs.CloseChunk{Partition: partition, Table: table, ChunkID: id}, []dispatch.Task{
		func(ctx context.Context) error {
			chunks, err := m.chunkStore()
			if err != nil {
				return err
			}
			return chunks.CloseChunk(ctx, partition, table, id)
		},
	})
}

// WriteChunk moves a chunk to its write buffer and persists it to object storage.
func (m *Manager) WriteChunk(ctx context.Context, partition, table string, id uint32) jobs.ID {
	return m.start(ctx, jobs.WriteChunk{Partition: partition, Table: table, ChunkID: id}, []dispatch.Task{
		func(ctx context.Context) error {
			chunks, err := m.chunkStore()
			if err != nil {
				return err
			}
			if err := chunks.WriteChunk(ctx, partition, table, id); err != nil {
				return err
			}
			return m.persist(ctx, partition, table, id)
		},
	})
}

// CompactChunks merges chunks through the compactor.
func (m *Manager) CompactChunks(ctx context.Context, partition, table string, ids []uint32) jobs.ID {
	kind := jobs.CompactChunks{Partition: partition, Table: table, ChunkIDs: append([]uint32(nil), ids...)}
	return m.start(ctx, kind, []dispatch.Task{
		func(ctx context.Context) error {
			if m.compactor == nil {
				return fmt.Errorf("%w: no compactor configured", dispatch.ErrDropped)
			}
			return m.compactor.Compact(ctx, partition, table, ids)
		},
	})
}

// PersistChunks writes each chunk to object storage, one task per chunk.
func (m *Manager) PersistChunks(ctx context.Context, partition, table string, ids []uint32) jobs.ID {
	kind := jobs.PersistChunks{Partition: partition, Table: table, ChunkIDs: append([]uint32(nil), ids...)}
	tasks := make([]dispatch.Task, len(ids))
	for i, id := range ids {
		tasks[i] = func(ctx context.Context) error { return m.persist(ctx, partition, table, id) }
	}
	return m.start(ctx, kind, tasks)
}

// DropChunk deletes the persisted file and the in-memory chunk.
func (m *Manager) DropChunk(ctx context.Context, partition, table string, id uint32) jobs.ID {
	return m.start(ctx, jobs.DropChunk{Partition: partition, Table: table, ChunkID: id}, []dispatch.Task{
		func(ctx context.Context) error {
			err := m.db.Delete(ctx, objectstore.ChunkPath(partition, table, id))
			if err != nil && !objectstore.IsNotFound(err) {
				return err
			}
			if m.chunks == nil {
				return nil
			}
			return m.chunks.DropChunk(ctx, partition, table, id)
		},
	})
}

// WipeCatalog deletes every catalog transaction file, one task per file.
func (m *Manager) WipeCatalog(ctx context.Context) (jobs.ID, error) {
	txns, err := m.db.CatalogTransactions(ctx)
	if err != nil {
		return "", fmt.Errorf("list catalog transactions: %w", err)
	}
	tasks := make([]dispatch.Task, len(txns))
	for i, txn := range txns {
		tasks[i] = func(ctx context.Context) error { return m.db.Delete(ctx, txn.Path) }
	}
	return m.start(ctx, jobs.WipeCatalog{}, tasks), nil
}

func (m *Manager) chunkStore() (ChunkStore, error) {
	if m.chunks == nil {
		return nil, fmt.Errorf("%w: %w", dispatch.ErrDropped, ErrNoChunkStore)
	}
	return m.chunks, nil
}

func (m *Manager) persist(ctx context.Context, partition, table string, id uint32) error {
	chunks, err := m.chunkStore()
	if err != nil {
		return err
	}
	rows, err := chunks.ReadChunk(ctx, partition, table, id)
	if err != nil {
		return fmt.Errorf("read chunk %d: %w", id, err)
	}
	data, err := EncodeChunk(rows)
	if err != nil {
		return err
	}
	path := objectstore.ChunkPath(partition, table, id)
	if err := m.db.Put(ctx, path, data); err != nil {
		return err
	}
	m.logger.Debug("chunk persisted",
		zap.String("path", m.db.Join(path)),
		zap.Int("rows", len(rows)),
		zap.Int("bytes", len(data)),
	)
	return nil
}
