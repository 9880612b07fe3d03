// Package hashring places rows onto shards by hashing a key built from the
// table name and selected column values.
//
// Placement is a pure function of the row content and the ring
// configuration: the same row always lands on the same shard, across calls
// and across process restarts. This is what lets many writers scale out
// horizontally without coordinating.
package hashring

import (
	"encoding/binary"
	"errors"

	"github.com/zeebo/xxh3"

	"github.com/3leaps/tsroute/pkg/row"
)

// ErrNoShards is returned when a ring has no shard slots.
var ErrNoShards = errors.New("hash ring must have at least one shard slot")

// Config describes a hash ring.
type Config struct {
	// TableName includes the table name in the hash key.
	TableName bool `json:"table_name,omitempty" yaml:"table_name,omitempty"`

	// Columns are hashed in listed order after the table name.
	Columns []string `json:"columns,omitempty" yaml:"columns,omitempty"`

	// Shards are the ring slots. Repeating a shard id gives it more weight.
	Shards []uint32 `json:"shards" yaml:"shards"`
}

// Ring maps rows onto shard ids. It is immutable and safe for concurrent use.
type Ring struct {
	tableName bool
	columns   []string
	slots     []uint32
}

// New validates cfg and builds a Ring. The slices are copied.
func New(cfg Config) (*Ring, error) {
	if len(cfg.Shards) == 0 {
		return nil, ErrNoShards
	}
	return &Ring{
		tableName: cfg.TableName,
		columns:   append([]string(nil), cfg.Columns...),
		slots:     append([]uint32(nil), cfg.Shards...),
	}, nil
}

// Key returns the hash key for r.
//
// Layout, in order: the table name when enabled, then the value of each
// configured column. Every part is written as a 4-byte big-endian length
// followed by its bytes. A missing column is written as an empty part, so
// routing never fails on sparse rows.
func (g *Ring) Key(r row.Row) []byte {
	size := 0
	if g.tableName {
		size += 4 + len(r.Table)
	}
	values := make([]string, len(g.columns))
	for i, c := range g.columns {
		values[i], _ = r.Value(c)
		size += 4 + len(values[i])
	}

	key := make([]byte, 0, size)
	if g.tableName {
		key = appendPart(key, r.Table)
	}
	for _, v := range values {
		key = appendPart(key, v)
	}
	return key
}

// Route returns the shard id for r.
func (g *Ring) Route(r row.Row) uint32 {
	return g.slots[g.Slot(r)]
}

// Slot returns the index into Shards selected for r.
func (g *Ring) Slot(r row.Row) int {
	return int(xxh3.Hash(g.Key(r)) % uint64(len(g.slots)))
}

// Shards returns a copy of the ring's slots.
func (g *Ring) Shards() []uint32 {
	return append([]uint32(nil), g.slots...)
}

func appendPart(dst []byte, s string) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(s)))
	return append(dst, s...)
}
