// Package sink models the destinations a shard can resolve to.
//
// A Sink is a closed sum of three variants: NodeGroup, QueueProducer and
// Discard. Code that dispatches on a sink does so through Visit with a
// Visitor, which has one method per variant. Adding a variant adds a method
// to Visitor, so every dispatch site stops compiling until it handles the new
// kind.
package sink

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Kind names a sink variant.
type Kind string

const (
	KindNodeGroup Kind = "node_group"
	KindQueue     Kind = "queue"
	KindDiscard   Kind = "discard"
)

// Sink is implemented only by the variants in this package.
type Sink interface {
	Kind() Kind
	String() string
	sealed()
}

// NodeGroup delivers to every listed storage node.
type NodeGroup struct {
	Nodes []uint32
}

// QueueProducer publishes to a message-queue topic.
//
// Metadata is passed through to the producer untouched.
type QueueProducer struct {
	Topic    string
	Metadata map[string]string
}

// Discard drops rows.
type Discard struct{}

func (NodeGroup) Kind() Kind     { return KindNodeGroup }
func (QueueProducer) Kind() Kind { return KindQueue }
func (Discard) Kind() Kind       { return KindDiscard }

func (NodeGroup) sealed()     {}
func (QueueProducer) sealed() {}
func (Discard) sealed()       {}

func (g NodeGroup) String() string {
	ids := make([]string, len(g.Nodes))
	for i, n := range g.Nodes {
		ids[i] = strconv.FormatUint(uint64(n), 10)
	}
	return "node_group[" + strings.Join(ids, ",") + "]"
}

func (q QueueProducer) String() string { return "queue[" + q.Topic + "]" }

func (Discard) String() string { return "discard" }

// Visitor handles each sink variant.
type Visitor[T any] interface {
	NodeGroup(NodeGroup) T
	QueueProducer(QueueProducer) T
	Discard(Discard) T
}

// Visit dispatches s to the matching Visitor method.
func Visit[T any](s Sink, v Visitor[T]) T {
	switch s := s.(type) {
	case NodeGroup:
		return v.NodeGroup(s)
	case *NodeGroup:
		return v.NodeGroup(*s)
	case QueueProducer:
		return v.QueueProducer(s)
	case *QueueProducer:
		return v.QueueProducer(*s)
	case Discard:
		return v.Discard(s)
	case *Discard:
		return v.Discard(*s)
	default:
		// Sink is sealed; only a nil interface reaches here.
		panic(fmt.Sprintf("sink: unhandled sink %T", s))
	}
}

// Errors returned by Validate and Config.Sink.
var (
	ErrEmptyNodeGroup = errors.New("node group must list at least one node")
	ErrEmptyTopic     = errors.New("queue producer requires a topic")
	ErrNoVariant      = errors.New("sink must set exactly one of node_group, queue, discard")
)

// Validate checks variant-specific invariants.
func Validate(s Sink) error {
	if s == nil {
		return ErrNoVariant
	}
	return Visit[error](s, validator{})
}

type validator struct{}

func (validator) NodeGroup(g NodeGroup) error {
	if len(g.Nodes) == 0 {
		return ErrEmptyNodeGroup
	}
	return nil
}

func (validator) QueueProducer(q QueueProducer) error {
	if strings.TrimSpace(q.Topic) == "" {
		return ErrEmptyTopic
	}
	return nil
}

func (validator) Discard(Discard) error { return nil }
