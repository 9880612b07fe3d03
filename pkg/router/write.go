package router

import (
	"context"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/tsroute/pkg/metrics"
	"github.com/3leaps/tsroute/pkg/row"
	"github.com/3leaps/tsroute/pkg/sink"
)

// Deliverer ships an encoded batch to one target.
type Deliverer interface {
	Deliver(ctx context.Context, target Target, batch []byte) error
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, target Target, batch []byte) error

// Deliver calls f.
func (f DelivererFunc) Deliver(ctx context.Context, target Target, batch []byte) error {
	return f(ctx, target, batch)
}

// RowError is a routing failure for one row of a write.
type RowError struct {
	Index int    `json:"index"`
	Table string `json:"table"`
	Err   error  `json:"-"`
}

func (e RowError) Error() string { return e.Err.Error() }

// ShardBatch summarizes what was sent to one shard.
type ShardBatch struct {
	ShardID uint32    `json:"shard_id"`
	Sink    sink.Kind `json:"sink"`
	Rows    int       `json:"rows"`
}

// WriteResult summarizes a Write.
type WriteResult struct {
	// Version is the configuration version every row was routed with.
	Version uint64 `json:"version"`

	Routed    int          `json:"routed"`
	Discarded int          `json:"discarded"`
	Batches   []ShardBatch `json:"batches"`

	// RowErrors lists rows that had no route. They are not delivered.
	RowErrors []RowError `json:"row_errors,omitempty"`

	// Failures lists every failed delivery, including ignored ones.
	Failures []*DeliveryError `json:"-"`

	// Ignored is true when Failures were suppressed by ignore_errors.
	Ignored bool `json:"ignored,omitempty"`
}

type shardGroup struct {
	shard uint32
	sink  sink.Sink
	rows  []row.Row
}

type delivery struct {
	shard  uint32
	target Target
	batch  []byte
}

// Write routes rows and delivers them grouped per shard.
//
// Rows without a route are reported in WriteResult.RowErrors and never abort
// the batch. Every delivery is attempted; a node group gets one independent
// delivery per node. Delivery failures are returned aggregated unless the
// active configuration ignores sink errors, in which case they are logged,
// recorded on the result, and Write returns nil.
func (r *Router) Write(ctx context.Context, rows []row.Row) (*WriteResult, error) {
	snap := r.active.Load()
	if snap == nil {
		return nil, ErrNotLoaded
	}

	res := &WriteResult{Version: snap.version}
	var groups []*shardGroup
	byShard := make(map[uint32]*shardGroup)

	for i, rw := range rows {
		rt, err := snap.route(rw)
		if err != nil {
			r.metrics.RowNoRoute()
			res.RowErrors = append(res.RowErrors, RowError{Index: i, Table: rw.Table, Err: err})
			continue
		}
		r.metrics.RowRouted(string(rt.Sink.Kind()))
		g, ok := byShard[rt.ShardID]
		if !ok {
			g = &shardGroup{shard: rt.ShardID, sink: rt.Sink}
			byShard[rt.ShardID] = g
			groups = append(groups, g)
		}
		g.rows = append(g.rows, rw)
	}

	var deliveries []delivery
	for _, g := range groups {
		res.Batches = append(res.Batches, ShardBatch{ShardID: g.shard, Sink: g.sink.Kind(), Rows: len(g.rows)})
		targets := sink.Visit[[]Target](g.sink, targetVisitor{})
		if len(targets) == 0 {
			res.Discarded += len(g.rows)
			continue
		}
		res.Routed += len(g.rows)
		batch := row.EncodeBatch(g.rows)
		for _, t := range targets {
			deliveries = append(deliveries, delivery{shard: g.shard, target: t, batch: batch})
		}
	}

	res.Failures = r.deliverAll(ctx, deliveries)
	if len(res.Failures) == 0 {
		return res, nil
	}

	if snap.cfg.IgnoreErrors {
		res.Ignored = true
		for _, f := range res.Failures {
			r.metrics.Delivery(string(f.Target.Sink.Kind()), metrics.DeliveryIgnored)
			r.logger.Warn("sink delivery failed, ignoring",
				zap.Uint32("shard", f.ShardID),
				zap.String("target", f.Target.String()),
				zap.Error(f.Err),
			)
		}
		return res, nil
	}

	var err error
	for _, f := range res.Failures {
		r.metrics.Delivery(string(f.Target.Sink.Kind()), metrics.DeliveryFailed)
		err = multierr.Append(err, f)
	}
	return res, err
}

// deliverAll runs every delivery concurrently and returns the failures in
// delivery order.
func (r *Router) deliverAll(ctx context.Context, deliveries []delivery) []*DeliveryError {
	if len(deliveries) == 0 {
		return nil
	}

	// Each goroutine owns one slot.
	failed := make([]*DeliveryError, len(deliveries))

	var g errgroup.Group
	for i, d := range deliveries {
		g.Go(func() error {
			err := r.deliverOne(ctx, d)
			if err == nil {
				r.metrics.Delivery(string(d.target.Sink.Kind()), metrics.DeliveryOK)
				return nil
			}
			failed[i] = &DeliveryError{ShardID: d.shard, Target: d.target, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	var out []*DeliveryError
	for _, f := range failed {
		if f != nil {
			out = append(out, f)
		}
	}
	return out
}

func (r *Router) deliverOne(ctx context.Context, d delivery) error {
	if r.deliver == nil {
		return ErrNoDeliverer
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	dctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.deliver.Deliver(dctx, d.target, d.batch)
}

// targetVisitor expands a sink into its delivery targets.
type targetVisitor struct{}

func (targetVisitor) NodeGroup(g sink.NodeGroup) []Target {
	out := make([]Target, len(g.Nodes))
	for i, n := range g.Nodes {
		out[i] = Target{Sink: g, NodeID: n}
	}
	return out
}

func (targetVisitor) QueueProducer(q sink.QueueProducer) []Target {
	return []Target{{Sink: q}}
}

func (targetVisitor) Discard(sink.Discard) []Target {
	return nil
}
