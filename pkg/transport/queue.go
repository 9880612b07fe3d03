package transport

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/mempubsub" // mem:// driver
)

// DefaultQueueURLPrefix opens in-process topics.
const DefaultQueueURLPrefix = "mem://"

// TopicOpener opens a topic by name.
type TopicOpener func(ctx context.Context, topic string) (*pubsub.Topic, error)

// URLOpener returns a TopicOpener that opens prefix+topic through the Go CDK
// URL mux, e.g. "mem://" or "awssnssqs://".
func URLOpener(prefix string) TopicOpener {
	if prefix == "" {
		prefix = DefaultQueueURLPrefix
	}
	return func(ctx context.Context, topic string) (*pubsub.Topic, error) {
		return pubsub.OpenTopic(ctx, prefix+topic)
	}
}

// Queue publishes batches to message-queue topics. Topics are opened on
// first use and kept open until Close.
type Queue struct {
	open TopicOpener

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// NewQueue creates a Queue. A nil opener uses URLOpener(DefaultQueueURLPrefix).
func NewQueue(open TopicOpener) *Queue {
	if open == nil {
		open = URLOpener(DefaultQueueURLPrefix)
	}
	return &Queue{open: open, topics: make(map[string]*pubsub.Topic)}
}

func (q *Queue) topic(ctx context.Context, name string) (*pubsub.Topic, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.topics[name]; ok {
		return t, nil
	}
	t, err := q.open(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("open topic %q: %w", name, err)
	}
	q.topics[name] = t
	return t, nil
}

// Publish sends batch as one message. metadata becomes message metadata.
func (q *Queue) Publish(ctx context.Context, topic string, metadata map[string]string, batch []byte) error {
	t, err := q.topic(ctx, topic)
	if err != nil {
		return err
	}
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	if err := t.Send(ctx, &pubsub.Message{Body: batch, Metadata: md}); err != nil {
		return fmt.Errorf("publish to %q: %w", topic, err)
	}
	return nil
}

// Close shuts down every opened topic.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	var err error
	for name, t := range q.topics {
		err = multierr.Append(err, t.Shutdown(ctx))
		delete(q.topics, name)
	}
	return err
}
