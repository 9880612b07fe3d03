package router

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap/zaptest"

	"github.com/3leaps/tsroute/pkg/match"
	"github.com/3leaps/tsroute/pkg/metrics"
	"github.com/3leaps/tsroute/pkg/row"
	"github.com/3leaps/tsroute/pkg/sink"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

type sent struct {
	target Target
	batch  string
}

// recorder is a Deliverer that records deliveries and fails for selected nodes.
type recorder struct {
	mu     sync.Mutex
	sent   []sent
	failOn map[uint32]error
}

func (r *recorder) Deliver(_ context.Context, target Target, batch []byte) error {
	if err, ok := r.failOn[target.NodeID]; ok {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sent{target: target, batch: string(batch)})
	return nil
}

func (r *recorder) nodes() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []uint32
	for _, s := range r.sent {
		out = append(out, s.target.NodeID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func groupConfig(ignore bool) Config {
	return Config{
		Rules: []RuleConfig{
			{Matcher: match.Config{TableNameRegex: "^temp_"}, Shard: 1},
			{Matcher: match.Config{TableNameGlob: "events*"}, Shard: 2},
			{Matcher: match.Config{TableNameGlob: "debug_*"}, Shard: 3},
		},
		IgnoreErrors: ignore,
		Shards: map[uint32]sink.Config{
			1: nodes(7, 8),
			2: {Queue: &sink.QueueConfig{Topic: "events"}},
			3: {Discard: &sink.DiscardConfig{}},
		},
	}
}

func TestWrite_GroupsAndFansOut(t *testing.T) {
	rec := &recorder{}
	r := New(WithDeliverer(rec), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, r.Load(groupConfig(false)))

	rows := []row.Row{
		row.New("temp_cpu", "host", "a"),
		row.New("pressure"),
		row.New("events", "kind", "boot"),
		row.New("temp_mem", "host", "b"),
		row.New("debug_trace"),
	}
	res, err := r.Write(context.Background(), rows)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), res.Version)
	assert.Equal(t, 3, res.Routed)
	assert.Equal(t, 1, res.Discarded)
	require.Len(t, res.RowErrors, 1)
	assert.Equal(t, 1, res.RowErrors[0].Index)
	assert.True(t, IsNoRoute(res.RowErrors[0].Err))
	assert.Equal(t, []ShardBatch{
		{ShardID: 1, Sink: sink.KindNodeGroup, Rows: 2},
		{ShardID: 2, Sink: sink.KindQueue, Rows: 1},
		{ShardID: 3, Sink: sink.KindDiscard, Rows: 1},
	}, res.Batches)

	// Two node deliveries plus one queue delivery.
	require.Len(t, rec.sent, 3)
	assert.Equal(t, []uint32{0, 7, 8}, rec.nodes())

	want := string(row.EncodeBatch([]row.Row{rows[0], rows[3]}))
	for _, s := range rec.sent {
		switch s.target.Sink.(type) {
		case sink.NodeGroup:
			assert.Equal(t, want, s.batch)
		case sink.QueueProducer:
			assert.Equal(t, string(row.EncodeBatch(rows[2:3])), s.batch)
		default:
			t.Fatalf("unexpected sink %v", s.target.Sink)
		}
	}
}

func TestWrite_IgnoreErrorsPolicy(t *testing.T) {
	boom := errors.New("node down")

	tests := []struct {
		name   string
		ignore bool
	}{
		{name: "errors surface", ignore: false},
		{name: "errors ignored", ignore: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := prometheus.NewRegistry()
			m := metrics.New(reg, "test")
			rec := &recorder{failOn: map[uint32]error{8: boom}}
			r := New(WithDeliverer(rec), WithMetrics(m), WithLogger(zaptest.NewLogger(t)))
			require.NoError(t, r.Load(groupConfig(tt.ignore)))

			res, err := r.Write(context.Background(), []row.Row{row.New("temp_cpu")})
			require.NotNil(t, res)

			// The healthy node is delivered to regardless of the failing one.
			assert.Equal(t, []uint32{7}, rec.nodes())
			require.Len(t, res.Failures, 1)
			assert.Equal(t, uint32(8), res.Failures[0].Target.NodeID)
			assert.Equal(t, uint32(1), res.Failures[0].ShardID)
			assert.Equal(t, tt.ignore, res.Ignored)

			if tt.ignore {
				assert.NoError(t, err)
				assert.Equal(t, float64(1), testutil.ToFloat64(m.Deliveries.WithLabelValues("node_group", metrics.DeliveryIgnored)))
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, boom)
			des := DeliveryErrors(err)
			require.Len(t, des, 1)
			assert.Equal(t, uint32(8), des[0].Target.NodeID)
			assert.Equal(t, float64(1), testutil.ToFloat64(m.Deliveries.WithLabelValues("node_group", metrics.DeliveryFailed)))
			assert.Equal(t, float64(1), testutil.ToFloat64(m.Deliveries.WithLabelValues("node_group", metrics.DeliveryOK)))
		})
	}
}

func TestWrite_AggregatesAllFailures(t *testing.T) {
	rec := &recorder{failOn: map[uint32]error{
		7: errors.New("seven"),
		8: errors.New("eight"),
	}}
	r := New(WithDeliverer(rec))
	require.NoError(t, r.Load(groupConfig(false)))

	_, err := r.Write(context.Background(), []row.Row{row.New("temp_cpu")})
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
	assert.Len(t, DeliveryErrors(err), 2)
}

func TestWrite_DeliveryTimeout(t *testing.T) {
	slow := DelivererFunc(func(ctx context.Context, _ Target, _ []byte) error {
		<-ctx.Done()
		return ctx.Err()
	})
	r := New(WithDeliverer(slow), WithDeliveryTimeout(20*time.Millisecond))
	require.NoError(t, r.Load(Config{
		Rules:  []RuleConfig{{Shard: 1}},
		Shards: map[uint32]sink.Config{1: nodes(1)},
	}))

	start := time.Now()
	_, err := r.Write(context.Background(), []row.Row{row.New("cpu")})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestWrite_NoDeliverer(t *testing.T) {
	r := New()
	require.NoError(t, r.Load(groupConfig(false)))

	_, err := r.Write(context.Background(), []row.Row{row.New("temp_cpu")})
	assert.ErrorIs(t, err, ErrNoDeliverer)

	// Discard needs no deliverer.
	res, err := r.Write(context.Background(), []row.Row{row.New("debug_x")})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Discarded)
}

func TestWrite_NotLoaded(t *testing.T) {
	_, err := New().Write(context.Background(), []row.Row{row.New("cpu")})
	assert.ErrorIs(t, err, ErrNotLoaded)
}

func TestWrite_CancelledContext(t *testing.T) {
	rec := &recorder{}
	r := New(WithDeliverer(rec))
	require.NoError(t, r.Load(groupConfig(false)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Write(ctx, []row.Row{row.New("temp_cpu")})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, rec.nodes())
}
