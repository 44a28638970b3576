package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/debuglink/internal/debuglink"
	"github.com/prometheus/client_golang/prometheus"
)

const OutcomeOK = "ok"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "debuglink",
			Subsystem: "admin",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "debuglink",
			Subsystem: "admin",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "debuglink",
			Subsystem: "dispatch",
			Name:      "requests_total",
			Help:      "Dispatched debug link requests by type and outcome.",
		},
		[]string{"type", "outcome"},
	)
	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "debuglink",
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Handler time per debug link request.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"type"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, dispatchTotal, dispatchDuration)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

// RecordDispatch counts one dispatch. The outcome is "ok" or the name of the
// failure code the transport reports for err.
func RecordDispatch(ev debuglink.DispatchEvent) {
	RegisterMetrics()
	outcome := OutcomeOK
	if ev.Err != nil {
		outcome = debuglink.FailureCode(ev.Err).String()
	}
	typ := "unknown"
	if ev.Type.Known() {
		typ = ev.Type.String()
	}
	dispatchTotal.WithLabelValues(typ, outcome).Inc()
	dispatchDuration.WithLabelValues(typ).Observe(ev.Elapsed.Seconds())
}

// DispatchObserver feeds dispatch metrics.
func DispatchObserver() debuglink.Observer {
	return RecordDispatch
}
