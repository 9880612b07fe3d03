package jobs

import (
	"encoding/json"
	"fmt"
)

// Kind type tags, as written in the "type" field of a serialized kind.
const (
	TypeNoOpTest      = "no_op_test"
	TypeCloseChunk    = "close_chunk"
	TypeWriteChunk    = "write_chunk"
	TypeCompactChunks = "compact_chunks"
	TypePersistChunks = "persist_chunks"
	TypeDropChunk     = "drop_chunk"
	TypeWipeCatalog   = "wipe_catalog"
)

// Kind describes what a job does. It is implemented only by the types in
// this package.
type Kind interface {
	Type() string
	String() string
	isKind()
}

// NoOpTest is a job that does nothing. Used to exercise the tracker.
type NoOpTest struct{}

// CloseChunk closes an open chunk for writes.
type CloseChunk struct {
	Partition string
	Table     string
	ChunkID   uint32
}

// WriteChunk writes a chunk to object storage.
type WriteChunk struct {
	Partition string
	Table     string
	ChunkID   uint32
}

// CompactChunks merges chunks of one table into a new chunk.
type CompactChunks struct {
	Partition string
	Table     string
	ChunkIDs  []uint32
}

// PersistChunks persists chunks of one table to object storage.
type PersistChunks struct {
	Partition string
	Table     string
	ChunkIDs  []uint32
}

// DropChunk removes a chunk from memory and object storage.
type DropChunk struct {
	Partition string
	Table     string
	ChunkID   uint32
}

// WipeCatalog deletes the preserved catalog of a database.
type WipeCatalog struct{}

func (NoOpTest) Type() string      { return TypeNoOpTest }
func (CloseChunk) Type() string    { return TypeCloseChunk }
func (WriteChunk) Type() string    { return TypeWriteChunk }
func (CompactChunks) Type() string { return TypeCompactChunks }
func (PersistChunks) Type() string { return TypePersistChunks }
func (DropChunk) Type() string     { return TypeDropChunk }
func (WipeCatalog) Type() string   { return TypeWipeCatalog }

func (NoOpTest) isKind()      {}
func (CloseChunk) isKind()    {}
func (WriteChunk) isKind()    {}
func (CompactChunks) isKind() {}
func (PersistChunks) isKind() {}
func (DropChunk) isKind()     {}
func (WipeCatalog) isKind()   {}

func (NoOpTest) String() string { return "no-op test" }

func (k CloseChunk) String() string {
	return fmt.Sprintf("close chunk %s:%s:%d", k.Partition, k.Table, k.ChunkID)
}

func (k WriteChunk) String() string {
	return fmt.Sprintf("write chunk %s:%s:%d", k.Partition, k.Table, k.ChunkID)
}

func (k CompactChunks) String() string {
	return fmt.Sprintf("compact chunks %s:%s:%v", k.Partition, k.Table, k.ChunkIDs)
}

func (k PersistChunks) String() string {
	return fmt.Sprintf("persist chunks %s:%s:%v", k.Partition, k.Table, k.ChunkIDs)
}

func (k DropChunk) String() string {
	return fmt.Sprintf("drop chunk %s:%s:%d", k.Partition, k.Table, k.ChunkID)
}

func (WipeCatalog) String() string { return "wipe preserved catalog" }

// kindWire is the serialized form shared by every kind.
type kindWire struct {
	Type      string   `json:"type"`
	Partition string   `json:"partition,omitempty"`
	Table     string   `json:"table,omitempty"`
	ChunkID   *uint32  `json:"chunk_id,omitempty"`
	ChunkIDs  []uint32 `json:"chunk_ids,omitempty"`
}

// MarshalKind encodes k as {"type": ..., fields...}.
func MarshalKind(k Kind) ([]byte, error) {
	if k == nil {
		return nil, fmt.Errorf("job kind is nil")
	}
	return json.Marshal(toWire(k))
}

func toWire(k Kind) kindWire {
	w := kindWire{Type: k.Type()}
	id := func(v uint32) *uint32 { return &v }
	switch v := k.(type) {
	case CloseChunk:
		w.Partition, w.Table, w.ChunkID = v.Partition, v.Table, id(v.ChunkID)
	case WriteChunk:
		w.Partition, w.Table, w.ChunkID = v.Partition, v.Table, id(v.ChunkID)
	case DropChunk:
		w.Partition, w.Table, w.ChunkID = v.Partition, v.Table, id(v.ChunkID)
	case CompactChunks:
		w.Partition, w.Table, w.ChunkIDs = v.Partition, v.Table, v.ChunkIDs
	case PersistChunks:
		w.Partition, w.Table, w.ChunkIDs = v.Partition, v.Table, v.ChunkIDs
	}
	return w
}

// UnmarshalKind decodes a kind written by MarshalKind.
func UnmarshalKind(data []byte) (Kind, error) {
	var w kindWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parse job kind: %w", err)
	}
	var chunk uint32
	if w.ChunkID != nil {
		chunk = *w.ChunkID
	}
	switch w.Type {
	case TypeNoOpTest:
		return NoOpTest{}, nil
	case TypeCloseChunk:
		return CloseChunk{Partition: w.Partition, Table: w.Table, ChunkID: chunk}, nil
	case TypeWriteChunk:
		return WriteChunk{Partition: w.Partition, Table: w.Table, ChunkID: chunk}, nil
	case TypeCompactChunks:
		return CompactChunks{Partition: w.Partition, Table: w.Table, ChunkIDs: w.ChunkIDs}, nil
	case TypePersistChunks:
		return PersistChunks{Partition: w.Partition, Table: w.Table, ChunkIDs: w.ChunkIDs}, nil
	case TypeDropChunk:
		return DropChunk{Partition: w.Partition, Table: w.Table, ChunkID: chunk}, nil
	case TypeWipeCatalog:
		return WipeCatalog{}, nil
	default:
		return nil, fmt.Errorf("unknown job kind %q", w.Type)
	}
}
