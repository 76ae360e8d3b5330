// Package deps contains the outbound callers for the external microservices
// the orchestrator depends on. Callers classify failures into the shared
// taxonomy and measure durations; resilience policy lives in the breaker and
// retry layers above them.
package deps

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"audiobook-orchestrator/internal/faults"
)

// Dependency names used as breaker keys and metric labels.
const (
	NameSummarizer = "summarizer"
	NameSpeech     = "tts"
)

var callDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "dependency_call_seconds",
		Help:    "Outbound dependency call durations",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	},
	[]string{"dependency", "outcome"},
)

func init() {
	prometheus.MustRegister(callDuration)
}

// newHTTPClient returns a client without its own timeout; the breaker's
// per-call context deadline governs each request.
func newHTTPClient() *http.Client {
	return &http.Client{}
}

// observe records one call's duration and outcome.
func observe(dep string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if faults.IsTimeout(err) {
			outcome = "timeout"
		}
	}
	callDuration.WithLabelValues(dep, outcome).Observe(time.Since(start).Seconds())
}

// classify maps a transport error into the shared taxonomy.
func classify(dep string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &faults.DependencyTimeout{Dependency: dep, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &faults.DependencyTimeout{Dependency: dep, Err: err}
	}
	return &faults.DependencyError{Dependency: dep, Message: err.Error()}
}
