// Package transport ships encoded row batches to the sinks chosen by the
// router: storage nodes over HTTP and message queues through the Go CDK.
package transport

import (
	"context"
	"errors"

	"go.uber.org/multierr"

	"github.com/3leaps/tsroute/pkg/router"
	"github.com/3leaps/tsroute/pkg/sink"
)

// ErrNoTransport is returned when a sink kind has no transport configured.
var ErrNoTransport = errors.New("no transport for sink")

// Mux implements router.Deliverer by dispatching on the sink variant.
type Mux struct {
	Nodes *HTTPNodes
	Queue *Queue
}

var _ router.Deliverer = (*Mux)(nil)

// Deliver ships batch to target.
func (m *Mux) Deliver(ctx context.Context, target router.Target, batch []byte) error {
	return sink.Visit[error](target.Sink, deliverer{mux: m, ctx: ctx, target: target, batch: batch})
}

// Close releases node and queue resources.
func (m *Mux) Close(ctx context.Context) error {
	var err error
	if m.Nodes != nil {
		err = multierr.Append(err, m.Nodes.Close())
	}
	if m.Queue != nil {
		err = multierr.Append(err, m.Queue.Close(ctx))
	}
	return err
}

type deliverer struct {
	mux    *Mux
	ctx    context.Context
	target router.Target
	batch  []byte
}

func (d deliverer) NodeGroup(sink.NodeGroup) error {
	if d.mux.Nodes == nil {
		return ErrNoTransport
	}
	return d.mux.Nodes.Send(d.ctx, d.target.NodeID, d.batch)
}

func (d deliverer) QueueProducer(q sink.QueueProducer) error {
	if d.mux.Queue == nil {
		return ErrNoTransport
	}
	return d.mux.Queue.Publish(d.ctx, q.Topic, q.Metadata, d.batch)
}

func (deliverer) Discard(sink.Discard) error {
	return nil
}
