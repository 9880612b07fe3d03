package router

import (
	"github.com/3leaps/tsroute/pkg/hashring"
	"github.com/3leaps/tsroute/pkg/match"
	"github.com/3leaps/tsroute/pkg/sink"
)

// Config is the routing configuration for one database.
//
// It is the wire form loaded from YAML or JSON. The router compiles it into
// an immutable snapshot; a Config value itself is never consulted on the hot
// path.
type Config struct {
	// Rules are evaluated in order; the first matching rule decides the shard.
	Rules []RuleConfig `json:"rules,omitempty" yaml:"rules,omitempty"`

	// HashRing places rows that no rule matched. Optional.
	HashRing *hashring.Config `json:"hash_ring,omitempty" yaml:"hash_ring,omitempty"`

	// IgnoreErrors applies to every sink in the configuration: when true, a
	// failed delivery is recorded but does not fail the write.
	IgnoreErrors bool `json:"ignore_errors,omitempty" yaml:"ignore_errors,omitempty"`

	// Shards maps shard ids to their sink.
	Shards map[uint32]sink.Config `json:"shards" yaml:"shards"`
}

// RuleConfig routes rows matching Matcher to Shard.
type RuleConfig struct {
	Matcher match.Config `json:"matcher" yaml:"matcher"`
	Shard   uint32       `json:"shard" yaml:"shard"`
}
