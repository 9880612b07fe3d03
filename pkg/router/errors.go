package router

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/multierr"

	"github.com/3leaps/tsroute/pkg/sink"
)

// Sentinel errors for router operations.
var (
	// ErrNotLoaded is returned when routing before any configuration was activated.
	ErrNotLoaded = errors.New("no routing configuration loaded")

	// ErrNoDeliverer is returned when a write needs delivery but the router has no deliverer.
	ErrNoDeliverer = errors.New("no deliverer configured")

	// ErrNoRoutes is a validation problem: neither rules nor a hash ring are configured.
	ErrNoRoutes = errors.New("configuration needs at least one rule or a hash ring")

	// ErrUnknownShard is a validation problem: a shard id has no sink.
	ErrUnknownShard = errors.New("shard has no sink")
)

// ConfigValidationError is returned when a configuration is rejected.
// The previously active configuration stays in place.
type ConfigValidationError struct {
	// Problems lists every problem found, in configuration order.
	Problems []error
}

func (e *ConfigValidationError) Error() string {
	msgs := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		msgs[i] = p.Error()
	}
	return "invalid routing configuration: " + strings.Join(msgs, "; ")
}

// Unwrap exposes the individual problems to errors.Is and errors.As.
func (e *ConfigValidationError) Unwrap() []error {
	return e.Problems
}

// NoRouteError is returned when a row resolves to no sink.
type NoRouteError struct {
	Table string

	// ShardID is set when a shard was chosen but has no sink.
	ShardID *uint32
}

func (e *NoRouteError) Error() string {
	if e.ShardID != nil {
		return fmt.Sprintf("no route for table %q: shard %d has no sink", e.Table, *e.ShardID)
	}
	return fmt.Sprintf("no route for table %q", e.Table)
}

// IsNoRoute reports whether err is, or wraps, a *NoRouteError.
func IsNoRoute(err error) bool {
	var nr *NoRouteError
	return errors.As(err, &nr)
}

// DeliveryError reports a failed delivery to one target.
type DeliveryError struct {
	ShardID uint32
	Target  Target
	Err     error
}

func (e *DeliveryError) Error() string {
	return "deliver shard " + strconv.FormatUint(uint64(e.ShardID), 10) + " to " + e.Target.String() + ": " + e.Err.Error()
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// DeliveryErrors flattens an error returned by Write into its delivery failures.
func DeliveryErrors(err error) []*DeliveryError {
	var out []*DeliveryError
	for _, e := range multierr.Errors(err) {
		var de *DeliveryError
		if errors.As(e, &de) {
			out = append(out, de)
		}
	}
	return out
}

// Target is one delivery destination derived from a sink.
type Target struct {
	Sink sink.Sink

	// NodeID is the node within a NodeGroup sink. Zero for other sinks.
	NodeID uint32
}

func (t Target) String() string {
	if g, ok := t.Sink.(sink.NodeGroup); ok && len(g.Nodes) > 0 {
		return "node " + strconv.FormatUint(uint64(t.NodeID), 10)
	}
	if t.Sink == nil {
		return "<nil>"
	}
	return t.Sink.String()
}
