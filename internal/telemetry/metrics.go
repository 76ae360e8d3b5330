package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SubmitCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "conversions_submitted_total", Help: "Conversion jobs submitted"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "conversions_rate_limit_rejects_total", Help: "Submissions rejected by rate limiter"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "conversions_completed_total", Help: "Jobs completed successfully"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "conversions_failed_total", Help: "Jobs that ended in terminal failure"})
	JobsDeferred     = prometheus.NewCounter(prometheus.CounterOpts{Name: "conversions_deferred_total", Help: "Jobs re-scheduled by breaker defer policy"})
	JobsStalled      = prometheus.NewCounter(prometheus.CounterOpts{Name: "conversions_stalled_total", Help: "Leases reclaimed from stalled workers"})
	JobsExpired      = prometheus.NewCounter(prometheus.CounterOpts{Name: "conversions_expired_total", Help: "Waiting jobs expired past their TTL"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "conversions_queue_depth", Help: "Waiting job count"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "conversions_inflight", Help: "Jobs currently leased"})

	SummaryFallbacks = prometheus.NewCounter(prometheus.CounterOpts{Name: "summarizer_fallback_total", Help: "Summarization failures recovered with original text"})
	SummaryCacheHits = prometheus.NewCounter(prometheus.CounterOpts{Name: "summarizer_cache_hits_total", Help: "Summaries served from the Redis cache"})

	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "breaker_transitions_total", Help: "Circuit breaker state transitions"},
		[]string{"dependency", "to"},
	)
	BreakerFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "breaker_fallbacks_total", Help: "Fallback invocations per dependency"},
		[]string{"dependency", "kind"},
	)
	BreakerRejects = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "breaker_rejects_total", Help: "Calls rejected while a breaker was open"},
		[]string{"dependency"},
	)
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SubmitCounter,
			RateLimitRejects,
			JobsCompleted,
			JobsFailed,
			JobsDeferred,
			JobsStalled,
			JobsExpired,
			QueueDepthGauge,
			InFlightGauge,
			SummaryFallbacks,
			SummaryCacheHits,
			BreakerTransitions,
			BreakerFallbacks,
			BreakerRejects,
		)
	})
	return promhttp.Handler()
}
