// Package breaker implements per-dependency circuit breakers with rolling
// failure-rate windows and configurable fallback strategies. All outbound
// calls to external services go through a Registry so failures are tracked
// consistently across workers.
package breaker

import (
	"sync"
	"time"

	"audiobook-orchestrator/internal/faults"
	"audiobook-orchestrator/internal/telemetry"
)

// State is the breaker state machine position.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Strategy selects what happens when a call fails or the breaker is open.
type Strategy string

const (
	// StrategyCache serves the last successful response for the same cache
	// key if it is still within CacheTTL.
	StrategyCache Strategy = "cache"
	// StrategyQueue converts open-breaker rejections into a defer signal so
	// the worker re-schedules the job instead of failing it.
	StrategyQueue Strategy = "queue"
	// StrategyRetry never trips the breaker open. Used for storage-of-record
	// dependencies where failing fast is worse than queueing up retries.
	StrategyRetry Strategy = "retry"
	// StrategyFail propagates the original error immediately. Used where a
	// stale result is unsafe.
	StrategyFail Strategy = "fail"
)

// Config controls one breaker. Zero values fall back to registry defaults.
type Config struct {
	Timeout       time.Duration
	ThresholdPct  float64
	Window        time.Duration
	Buckets       int
	MinRequests   int
	RecoveryDelay time.Duration
	Strategy      Strategy
	CacheTTL      time.Duration
}

// Event is emitted on every state transition for operator visibility.
type Event struct {
	Dependency string
	From       State
	To         State
	At         time.Time
}

type bucket struct {
	success int
	failure int
}

type snapshot struct {
	value any
	at    time.Time
}

// Breaker guards calls to a single named dependency. Counters are shared by
// all workers; every access goes through mu.
type Breaker struct {
	name string
	cfg  Config
	now  func() time.Time
	emit func(Event)

	mu          sync.Mutex
	state       State
	openedAt    time.Time
	probing     bool
	buckets     []bucket
	idx         int
	bucketStart time.Time
	cache       map[string]snapshot

	totalSuccess uint64
	totalFailure uint64
	rejects      uint64
}

func newBreaker(name string, cfg Config, now func() time.Time, emit func(Event)) *Breaker {
	if cfg.Buckets <= 0 {
		cfg.Buckets = 6
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &Breaker{
		name:        name,
		cfg:         cfg,
		now:         now,
		emit:        emit,
		state:       Closed,
		buckets:     make([]bucket, cfg.Buckets),
		bucketStart: now(),
		cache:       make(map[string]snapshot),
	}
}

// allow decides whether a call may proceed. The second return marks the
// call as a half-open probe whose outcome drives the next transition.
func (b *Breaker) allow() (permit, probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true, false
	case Open:
		if b.now().Sub(b.openedAt) >= b.cfg.RecoveryDelay {
			b.transition(HalfOpen)
			b.probing = true
			return true, true
		}
		b.rejects++
		return false, false
	case HalfOpen:
		if b.probing {
			b.rejects++
			return false, false
		}
		b.probing = true
		return true, true
	}
	return false, false
}

func (b *Breaker) record(success, probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.totalSuccess++
	} else {
		b.totalFailure++
	}

	if probe {
		b.probing = false
		if success {
			b.reset()
			b.transition(Closed)
		} else {
			b.openedAt = b.now()
			b.transition(Open)
		}
		return
	}

	if b.state != Closed {
		return
	}

	b.rotate()
	if success {
		b.buckets[b.idx].success++
		return
	}
	b.buckets[b.idx].failure++

	if b.cfg.Strategy == StrategyRetry {
		return
	}
	total, failures := 0, 0
	for _, bk := range b.buckets {
		total += bk.success + bk.failure
		failures += bk.failure
	}
	if total < b.cfg.MinRequests {
		return
	}
	if float64(failures)/float64(total)*100 >= b.cfg.ThresholdPct {
		b.openedAt = b.now()
		b.transition(Open)
	}
}

// rotate advances the ring so counters only cover the rolling window.
func (b *Breaker) rotate() {
	width := b.cfg.Window / time.Duration(len(b.buckets))
	now := b.now()
	if now.Sub(b.bucketStart) >= b.cfg.Window {
		for i := range b.buckets {
			b.buckets[i] = bucket{}
		}
		b.bucketStart = now
		return
	}
	for now.Sub(b.bucketStart) >= width {
		b.idx = (b.idx + 1) % len(b.buckets)
		b.buckets[b.idx] = bucket{}
		b.bucketStart = b.bucketStart.Add(width)
	}
}

// reset clears window counters. Caller holds mu.
func (b *Breaker) reset() {
	for i := range b.buckets {
		b.buckets[i] = bucket{}
	}
	b.idx = 0
	b.bucketStart = b.now()
}

// transition flips state and notifies observers. Caller holds mu.
func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	telemetry.BreakerTransitions.WithLabelValues(b.name, string(to)).Inc()
	if b.emit != nil {
		b.emit(Event{Dependency: b.name, From: from, To: to, At: b.now()})
	}
}

func (b *Breaker) storeSnapshot(key string, value any) {
	if b.cfg.Strategy != StrategyCache {
		return
	}
	b.mu.Lock()
	b.cache[key] = snapshot{value: value, at: b.now()}
	b.mu.Unlock()
}

func (b *Breaker) cachedSnapshot(key string) (any, bool) {
	if b.cfg.Strategy != StrategyCache || b.cfg.CacheTTL <= 0 {
		return nil, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.cache[key]
	if !ok || b.now().Sub(s.at) > b.cfg.CacheTTL {
		return nil, false
	}
	return s.value, true
}

// Stats is a point-in-time snapshot of one breaker for dashboards.
type Stats struct {
	Dependency     string    `json:"dependency"`
	State          State     `json:"state"`
	WindowTotal    int       `json:"window_total"`
	WindowFailures int       `json:"window_failures"`
	TotalSuccess   uint64    `json:"total_success"`
	TotalFailure   uint64    `json:"total_failure"`
	Rejects        uint64    `json:"rejects"`
	OpenedAt       time.Time `json:"opened_at,omitempty"`
	Strategy       Strategy  `json:"strategy"`
}

func (b *Breaker) stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	total, failures := 0, 0
	for _, bk := range b.buckets {
		total += bk.success + bk.failure
		failures += bk.failure
	}
	return Stats{
		Dependency:     b.name,
		State:          b.state,
		WindowTotal:    total,
		WindowFailures: failures,
		TotalSuccess:   b.totalSuccess,
		TotalFailure:   b.totalFailure,
		Rejects:        b.rejects,
		OpenedAt:       b.openedAt,
		Strategy:       b.cfg.Strategy,
	}
}

// forceReset closes the breaker and clears counters. Operator escape hatch.
func (b *Breaker) forceReset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
	b.reset()
	b.transition(Closed)
}

// rejectionError maps an open-breaker rejection to the configured strategy.
func (b *Breaker) rejectionError() error {
	if b.cfg.Strategy == StrategyQueue {
		return faults.ErrDeferJob
	}
	return faults.ErrDependencyUnavailable
}
