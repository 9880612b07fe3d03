package sink

// Config is the wire form of a Sink. Exactly one field must be set.
type Config struct {
	NodeGroup *NodeGroupConfig `json:"node_group,omitempty" yaml:"node_group,omitempty"`
	Queue     *QueueConfig     `json:"queue,omitempty" yaml:"queue,omitempty"`
	Discard   *DiscardConfig   `json:"discard,omitempty" yaml:"discard,omitempty"`
}

// NodeGroupConfig lists the node ids of a node group.
type NodeGroupConfig struct {
	Nodes []uint32 `json:"nodes" yaml:"nodes"`
}

// QueueConfig configures a queue producer.
type QueueConfig struct {
	Topic    string            `json:"topic" yaml:"topic"`
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// DiscardConfig selects the discard sink. It has no settings.
type DiscardConfig struct{}

// Sink converts the wire form into a validated Sink.
func (c Config) Sink() (Sink, error) {
	set := 0
	var s Sink
	if c.NodeGroup != nil {
		set++
		s = NodeGroup{Nodes: append([]uint32(nil), c.NodeGroup.Nodes...)}
	}
	if c.Queue != nil {
		set++
		md := make(map[string]string, len(c.Queue.Metadata))
		for k, v := range c.Queue.Metadata {
			md[k] = v
		}
		s = QueueProducer{Topic: c.Queue.Topic, Metadata: md}
	}
	if c.Discard != nil {
		set++
		s = Discard{}
	}
	if set != 1 {
		return nil, ErrNoVariant
	}
	if err := Validate(s); err != nil {
		return nil, err
	}
	return s, nil
}

// ConfigOf returns the wire form of s.
func ConfigOf(s Sink) Config {
	return Visit[Config](s, configVisitor{})
}

type configVisitor struct{}

func (configVisitor) NodeGroup(g NodeGroup) Config {
	return Config{NodeGroup: &NodeGroupConfig{Nodes: append([]uint32(nil), g.Nodes...)}}
}

func (configVisitor) QueueProducer(q QueueProducer) Config {
	return Config{Queue: &QueueConfig{Topic: q.Topic, Metadata: q.Metadata}}
}

func (configVisitor) Discard(Discard) Config {
	return Config{Discard: &DiscardConfig{}}
}
