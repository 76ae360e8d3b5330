package breaker

import (
	"context"
	"sort"
	"sync"
	"time"

	"audiobook-orchestrator/internal/telemetry"
)

// Call is a single outbound invocation of a dependency. The context carries
// the breaker's per-call timeout.
type Call func(ctx context.Context) (any, error)

// CallOption customizes fallback behavior for one Execute invocation.
type CallOption func(*callOpts)

type callOpts struct {
	cacheKey   string
	fallbackFn Call
	defaultSet bool
	defaultVal any
}

// WithCacheKey scopes the cached-snapshot fallback to a request key so a
// cache-strategy breaker never serves another request's response.
func WithCacheKey(key string) CallOption {
	return func(o *callOpts) { o.cacheKey = key }
}

// WithFallbackFunc supplies a caller fallback tried after the cached snapshot.
func WithFallbackFunc(fn Call) CallOption {
	return func(o *callOpts) { o.fallbackFn = fn }
}

// WithDefault supplies a static default tried after the fallback function.
func WithDefault(v any) CallOption {
	return func(o *callOpts) {
		o.defaultSet = true
		o.defaultVal = v
	}
}

// Registry owns one breaker per named dependency, created lazily on first
// call. It is injected explicitly; there is no package-level instance.
type Registry struct {
	mu        sync.Mutex
	breakers  map[string]*Breaker
	defaults  Config
	overrides map[string]Config
	events    chan Event
	now       func() time.Time
}

// NewRegistry builds a registry with shared defaults. Per-dependency
// overrides are applied via Configure before first use of that dependency.
func NewRegistry(defaults Config) *Registry {
	return &Registry{
		breakers:  make(map[string]*Breaker),
		defaults:  defaults,
		overrides: make(map[string]Config),
		events:    make(chan Event, 64),
		now:       time.Now,
	}
}

// Configure sets the config used when the named breaker is first created.
func (r *Registry) Configure(name string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[name] = r.merge(cfg)
}

// Events exposes the state-transition stream. The send is non-blocking: a
// slow consumer drops events, never stalls a worker. Prometheus counters
// are bumped at the source so operator counts survive drops.
func (r *Registry) Events() <-chan Event {
	return r.events
}

// SetClock overrides the time source for breakers created afterwards.
// Tests call this before the first Execute.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *Registry) merge(cfg Config) Config {
	if cfg.Timeout <= 0 {
		cfg.Timeout = r.defaults.Timeout
	}
	if cfg.ThresholdPct <= 0 {
		cfg.ThresholdPct = r.defaults.ThresholdPct
	}
	if cfg.Window <= 0 {
		cfg.Window = r.defaults.Window
	}
	if cfg.Buckets <= 0 {
		cfg.Buckets = r.defaults.Buckets
	}
	if cfg.MinRequests <= 0 {
		cfg.MinRequests = r.defaults.MinRequests
	}
	if cfg.RecoveryDelay <= 0 {
		cfg.RecoveryDelay = r.defaults.RecoveryDelay
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyFail
	}
	return cfg
}

func (r *Registry) get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	cfg, ok := r.overrides[name]
	if !ok {
		cfg = r.merge(Config{})
	}
	b := newBreaker(name, cfg, r.now, r.send)
	r.breakers[name] = b
	return b
}

func (r *Registry) send(ev Event) {
	select {
	case r.events <- ev:
	default:
	}
}

// Execute runs call through the named breaker. When the breaker is open the
// call fails fast without any network activity; fallbacks are then tried in
// order: cached snapshot, caller fallback function, caller static default,
// original error.
func (r *Registry) Execute(ctx context.Context, name string, call Call, opts ...CallOption) (any, error) {
	var o callOpts
	for _, opt := range opts {
		opt(&o)
	}
	b := r.get(name)

	permit, probe := b.allow()
	if !permit {
		telemetry.BreakerRejects.WithLabelValues(name).Inc()
		return r.fallback(ctx, b, o, b.rejectionError())
	}

	cctx := ctx
	if b.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, b.cfg.Timeout)
		defer cancel()
	}

	res, err := call(cctx)
	if err != nil {
		b.record(false, probe)
		return r.fallback(ctx, b, o, err)
	}
	b.record(true, probe)
	b.storeSnapshot(o.cacheKey, res)
	return res, nil
}

func (r *Registry) fallback(ctx context.Context, b *Breaker, o callOpts, cause error) (any, error) {
	if v, ok := b.cachedSnapshot(o.cacheKey); ok {
		telemetry.BreakerFallbacks.WithLabelValues(b.name, "cache").Inc()
		return v, nil
	}
	if o.fallbackFn != nil {
		if v, err := o.fallbackFn(ctx); err == nil {
			telemetry.BreakerFallbacks.WithLabelValues(b.name, "func").Inc()
			return v, nil
		}
	}
	if o.defaultSet {
		telemetry.BreakerFallbacks.WithLabelValues(b.name, "default").Inc()
		return o.defaultVal, nil
	}
	return nil, cause
}

// Reset manually closes the named breaker, if it exists.
func (r *Registry) Reset(name string) bool {
	r.mu.Lock()
	b, ok := r.breakers[name]
	r.mu.Unlock()
	if !ok {
		return false
	}
	b.forceReset()
	return true
}

// AllStats snapshots every known breaker, sorted by dependency name.
func (r *Registry) AllStats() []Stats {
	r.mu.Lock()
	bs := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		bs = append(bs, b)
	}
	r.mu.Unlock()

	out := make([]Stats, 0, len(bs))
	for _, b := range bs {
		out = append(out, b.stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dependency < out[j].Dependency })
	return out
}
