// Package router decides which shard and sink receive each incoming row and
// delivers grouped batches to those sinks.
//
// A Router holds one compiled, immutable snapshot of its configuration.
// Readers load the snapshot without locking; Load swaps in a new one only
// after the whole configuration validated.
package router

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/tsroute/pkg/hashring"
	"github.com/3leaps/tsroute/pkg/match"
	"github.com/3leaps/tsroute/pkg/metrics"
	"github.com/3leaps/tsroute/pkg/row"
	"github.com/3leaps/tsroute/pkg/sink"
)

// DefaultDeliveryTimeout bounds a single delivery when no timeout is configured.
const DefaultDeliveryTimeout = 10 * time.Second

// RingRule is the Route.Rule value when the hash ring chose the shard.
const RingRule = -1

// Route is the routing decision for one row.
type Route struct {
	ShardID uint32
	Sink    sink.Sink

	// Rule is the index of the matching rule, or RingRule.
	Rule int
}

// Snapshot describes the active configuration.
type Snapshot struct {
	Version  uint64    `json:"version"`
	LoadedAt time.Time `json:"loaded_at"`
	Rules    int       `json:"rules"`
	HashRing bool      `json:"hash_ring"`
	Shards   []uint32  `json:"shards"`

	IgnoreErrors bool   `json:"ignore_errors"`
	Config       Config `json:"config"`
}

type compiledRule struct {
	matcher *match.Matcher
	shard   uint32
}

type snapshot struct {
	version  uint64
	loadedAt time.Time
	cfg      Config
	rules    []compiledRule
	ring     *hashring.Ring
	sinks    map[uint32]sink.Sink
}

// Router routes rows to shards. It is safe for concurrent use.
type Router struct {
	logger   *zap.Logger
	metrics  *metrics.Metrics
	deliver  Deliverer
	timeout  time.Duration
	compiler match.PredicateCompiler
	now      func() time.Time

	active atomic.Pointer[snapshot]

	// loadMu serializes writers; readers never take it.
	loadMu  sync.Mutex
	version uint64
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics records routing metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithDeliverer sets the component that ships batches to sinks.
func WithDeliverer(d Deliverer) Option {
	return func(r *Router) { r.deliver = d }
}

// WithDeliveryTimeout bounds each delivery. Zero or negative keeps the default.
func WithDeliveryTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithPredicateCompiler sets the compiler for matcher predicates.
// Defaults to match.ColumnCompiler.
func WithPredicateCompiler(c match.PredicateCompiler) Option {
	return func(r *Router) {
		if c != nil {
			r.compiler = c
		}
	}
}

// New creates a Router with no active configuration.
func New(opts ...Option) *Router {
	r := &Router{
		logger:   zap.NewNop(),
		timeout:  DefaultDeliveryTimeout,
		compiler: match.ColumnCompiler{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load validates cfg and makes it the active configuration.
//
// Every problem is collected into a *ConfigValidationError. On error the
// previous configuration stays active.
func (r *Router) Load(cfg Config) error {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()

	snap, err := r.compile(cfg)
	if err != nil {
		r.metrics.ConfigLoad(false, 0)
		r.logger.Warn("routing config rejected", zap.Error(err))
		return err
	}

	r.version++
	snap.version = r.version
	snap.loadedAt = r.now()
	r.active.Store(snap)

	r.metrics.ConfigLoad(true, snap.version)
	r.logger.Info("routing config activated",
		zap.Uint64("version", snap.version),
		zap.Int("rules", len(snap.rules)),
		zap.Bool("hash_ring", snap.ring != nil),
		zap.Int("shards", len(snap.sinks)),
		zap.Bool("ignore_errors", cfg.IgnoreErrors),
	)
	if i := snap.catchAll(); i >= 0 && (i < len(snap.rules)-1 || snap.ring != nil) {
		r.logger.Warn("routing rule matches every row; later rules and the hash ring are unreachable",
			zap.Uint64("version", snap.version),
			zap.Int("rule", i),
		)
	}
	return nil
}

// LoadFile reads a YAML or JSON configuration file and loads it.
func (r *Router) LoadFile(path string) error {
	cfg, err := ReadConfigFile(path)
	if err != nil {
		r.metrics.ConfigLoad(false, 0)
		return err
	}
	return r.Load(cfg)
}

// Validate compiles cfg without activating it.
func (r *Router) Validate(cfg Config) error {
	_, err := r.compile(cfg)
	return err
}

// catchAll returns the index of the first rule without constraints, or -1.
func (s *snapshot) catchAll() int {
	for i, rule := range s.rules {
		if rule.matcher.MatchesAll() {
			return i
		}
	}
	return -1
}

func (r *Router) compile(cfg Config) (*snapshot, error) {
	var problems []error
	snap := &snapshot{
		cfg:   cloneConfig(cfg),
		sinks: make(map[uint32]sink.Sink, len(cfg.Shards)),
	}

	shardIDs := make([]uint32, 0, len(cfg.Shards))
	for id := range cfg.Shards {
		shardIDs = append(shardIDs, id)
	}
	sort.Slice(shardIDs, func(i, j int) bool { return shardIDs[i] < shardIDs[j] })
	for _, id := range shardIDs {
		s, err := cfg.Shards[id].Sink()
		if err != nil {
			problems = append(problems, fmt.Errorf("shards[%d]: %w", id, err))
			continue
		}
		snap.sinks[id] = s
	}

	for i, rc := range cfg.Rules {
		m, err := match.New(rc.Matcher, r.compiler)
		if err != nil {
			problems = append(problems, fmt.Errorf("rules[%d]: %w", i, err))
		}
		if _, ok := cfg.Shards[rc.Shard]; !ok {
			problems = append(problems, fmt.Errorf("rules[%d]: shard %d: %w", i, rc.Shard, ErrUnknownShard))
		}
		snap.rules = append(snap.rules, compiledRule{matcher: m, shard: rc.Shard})
	}

	if cfg.HashRing != nil {
		ring, err := hashring.New(*cfg.HashRing)
		if err != nil {
			problems = append(problems, fmt.Errorf("hash_ring: %w", err))
		}
		seen := make(map[uint32]bool)
		for _, id := range cfg.HashRing.Shards {
			if _, ok := cfg.Shards[id]; !ok && !seen[id] {
				problems = append(problems, fmt.Errorf("hash_ring: shard %d: %w", id, ErrUnknownShard))
			}
			seen[id] = true
		}
		snap.ring = ring
	}

	if len(cfg.Rules) == 0 && cfg.HashRing == nil {
		problems = append(problems, ErrNoRoutes)
	}

	if len(problems) > 0 {
		return nil, &ConfigValidationError{Problems: problems}
	}
	return snap, nil
}

// Route resolves the shard and sink for one row against the active configuration.
func (r *Router) Route(rw row.Row) (Route, error) {
	snap := r.active.Load()
	if snap == nil {
		return Route{}, ErrNotLoaded
	}
	return snap.route(rw)
}

func (s *snapshot) route(rw row.Row) (Route, error) {
	for i, rule := range s.rules {
		if rule.matcher.Match(rw) {
			return s.resolve(rw, rule.shard, i)
		}
	}
	if s.ring != nil {
		return s.resolve(rw, s.ring.Route(rw), RingRule)
	}
	return Route{}, &NoRouteError{Table: rw.Table}
}

func (s *snapshot) resolve(rw row.Row, shard uint32, rule int) (Route, error) {
	sk, ok := s.sinks[shard]
	if !ok {
		return Route{}, &NoRouteError{Table: rw.Table, ShardID: &shard}
	}
	return Route{ShardID: shard, Sink: sk, Rule: rule}, nil
}

// Snapshot describes the active configuration. ok is false when nothing was loaded.
func (r *Router) Snapshot() (Snapshot, bool) {
	snap := r.active.Load()
	if snap == nil {
		return Snapshot{}, false
	}
	shards := make([]uint32, 0, len(snap.sinks))
	for id := range snap.sinks {
		shards = append(shards, id)
	}
	sort.Slice(shards, func(i, j int) bool { return shards[i] < shards[j] })
	return Snapshot{
		Version:      snap.version,
		LoadedAt:     snap.loadedAt,
		Rules:        len(snap.rules),
		HashRing:     snap.ring != nil,
		Shards:       shards,
		IgnoreErrors: snap.cfg.IgnoreErrors,
		Config:       cloneConfig(snap.cfg),
	}, true
}

func cloneConfig(cfg Config) Config {
	out := Config{IgnoreErrors: cfg.IgnoreErrors}
	if cfg.Rules != nil {
		out.Rules = append([]RuleConfig(nil), cfg.Rules...)
	}
	if cfg.HashRing != nil {
		hr := hashring.Config{
			TableName: cfg.HashRing.TableName,
			Columns:   append([]string(nil), cfg.HashRing.Columns...),
			Shards:    append([]uint32(nil), cfg.HashRing.Shards...),
		}
		out.HashRing = &hr
	}
	if cfg.Shards != nil {
		out.Shards = make(map[uint32]sink.Config, len(cfg.Shards))
		for id, sc := range cfg.Shards {
			out.Shards[id] = sc
		}
	}
	return out
}
