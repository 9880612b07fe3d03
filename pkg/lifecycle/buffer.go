package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/3leaps/tsroute/pkg/row"
)

var (
	// ErrChunkNotFound is returned for operations on a chunk the buffer does not hold.
	ErrChunkNotFound = errors.New("chunk not found")

	// ErrChunkClosed is returned when appending to a chunk that no longer accepts rows.
	ErrChunkClosed = errors.New("chunk is closed")
)

// ChunkState is the lifecycle stage of a buffered chunk.
type ChunkState int

const (
	ChunkOpen ChunkState = iota
	ChunkClosed
	ChunkWritten
)

func (s ChunkState) String() string {
	switch s {
	case ChunkOpen:
		return "open"
	case ChunkClosed:
		return "closed"
	case ChunkWritten:
		return "written"
	default:
		return fmt.Sprintf("ChunkState(%d)", int(s))
	}
}

// MarshalText renders the state by name.
func (s ChunkState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ChunkInfo describes one buffered chunk.
type ChunkInfo struct {
	Partition string     `json:"partition"`
	Table     string     `json:"table"`
	ID        uint32     `json:"id"`
	State     ChunkState `json:"state"`
	Rows      int        `json:"rows"`
}

type chunkKey struct {
	partition, table string
	id               uint32
}

type chunk struct {
	state ChunkState
	rows  []row.Row
}

// Buffer is an in-memory ChunkStore. Rows are appended to open chunks;
// closing a chunk freezes it for persistence.
type Buffer struct {
	mu     sync.RWMutex
	chunks map[chunkKey]*chunk
}

var _ ChunkStore = (*Buffer)(nil)

// NewBuffer returns an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{chunks: make(map[chunkKey]*chunk)}
}

// Append adds rows to a chunk, creating it open when missing.
func (b *Buffer) Append(partition, table string, id uint32, rows ...row.Row) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	k := chunkKey{partition, table, id}
	c, ok := b.chunks[k]
	if !ok {
		c = &chunk{}
		b.chunks[k] = c
	}
	if c.state != ChunkOpen {
		return fmt.Errorf("%w: %s/%s/%d", ErrChunkClosed, partition, table, id)
	}
	for _, r := range rows {
		c.rows = append(c.rows, r.Clone())
	}
	return nil
}

func (b *Buffer) get(partition, table string, id uint32) (*chunk, error) {
	c, ok := b.chunks[chunkKey{partition, table, id}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s/%d", ErrChunkNotFound, partition, table, id)
	}
	return c, nil
}

// CloseChunk stops a chunk accepting rows. Closing twice is a no-op.
func (b *Buffer) CloseChunk(_ context.Context, partition, table string, id uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, err := b.get(partition, table, id)
	if err != nil {
		return err
	}
	if c.state == ChunkOpen {
		c.state = ChunkClosed
	}
	return nil
}

// WriteChunk marks a chunk as moved to the write buffer. Open chunks are
// closed on the way.
func (b *Buffer) WriteChunk(_ context.Context, partition, table string, id uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, err := b.get(partition, table, id)
	if err != nil {
		return err
	}
	c.state = ChunkWritten
	return nil
}

// ReadChunk returns a copy of the chunk's rows.
func (b *Buffer) ReadChunk(_ context.Context, partition, table string, id uint32) ([]row.Row, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	c, err := b.get(partition, table, id)
	if err != nil {
		return nil, err
	}
	out := make([]row.Row, len(c.rows))
	for i, r := range c.rows {
		out[i] = r.Clone()
	}
	return out, nil
}

// DropChunk forgets a chunk. Dropping a missing chunk is not an error.
func (b *Buffer) DropChunk(_ context.Context, partition, table string, id uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.chunks, chunkKey{partition, table, id})
	return nil
}

// Chunk describes one chunk.
func (b *Buffer) Chunk(partition, table string, id uint32) (ChunkInfo, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	c, ok := b.chunks[chunkKey{partition, table, id}]
	if !ok {
		return ChunkInfo{}, false
	}
	return ChunkInfo{Partition: partition, Table: table, ID: id, State: c.state, Rows: len(c.rows)}, true
}

// Chunks lists every chunk ordered by partition, table and id.
func (b *Buffer) Chunks() []ChunkInfo {
	b.mu.RLock()
	out := make([]ChunkInfo, 0, len(b.chunks))
	for k, c := range b.chunks {
		out = append(out, ChunkInfo{Partition: k.partition, Table: k.table, ID: k.id, State: c.state, Rows: len(c.rows)})
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, z := out[i], out[j]
		if a.Partition != z.Partition {
			return a.Partition < z.Partition
		}
		if a.Table != z.Table {
			return a.Table < z.Table
		}
		return a.ID < z.ID
	})
	return out
}
