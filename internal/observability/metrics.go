package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gatestream",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gatestream",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	linkMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gatestream",
			Subsystem: "link",
			Name:      "messages_total",
			Help:      "Gatestream messages by link, direction and type.",
		},
		[]string{"link", "direction", "type"},
	)
	linkInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gatestream",
			Subsystem: "link",
			Name:      "in_flight",
			Help:      "Pipelined requests sent but not yet acknowledged.",
		},
		[]string{"link"},
	)
	linkAckLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gatestream",
			Subsystem: "link",
			Name:      "ack_latency_seconds",
			Help:      "Time from sending a pipelined request to its acknowledgement.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
		[]string{"link"},
	)
	linkFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gatestream",
			Subsystem: "link",
			Name:      "failures_total",
			Help:      "Fatal link failures by kind.",
		},
		[]string{"link", "kind"},
	)
	controlRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gatestream",
			Subsystem: "control",
			Name:      "requests_total",
			Help:      "Control requests handled by plugins.",
		},
		[]string{"plugin", "type", "success"},
	)
	controlDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gatestream",
			Subsystem: "control",
			Name:      "request_duration_seconds",
			Help:      "Control request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"plugin", "type", "success"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			linkMessages, linkInFlight, linkAckLatency, linkFailures,
			controlRequests, controlDuration,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordLinkMessage counts one gatestream message; direction is "down" or "up".
func RecordLinkMessage(link, direction, kind string) {
	RegisterMetrics()
	linkMessages.WithLabelValues(link, direction, kind).Inc()
}

func SetLinkInFlight(link string, n int) {
	RegisterMetrics()
	linkInFlight.WithLabelValues(link).Set(float64(n))
}

func ObserveAckLatency(link string, d time.Duration) {
	RegisterMetrics()
	linkAckLatency.WithLabelValues(link).Observe(d.Seconds())
}

// RecordLinkFailure counts a fatal link failure: "violation", "transport" or "flush_timeout".
func RecordLinkFailure(link, kind string) {
	RegisterMetrics()
	linkFailures.WithLabelValues(link, kind).Inc()
}

func RecordControlRequest(plugin, requestType string, duration time.Duration, success bool) {
	RegisterMetrics()
	successLabel := strconv.FormatBool(success)
	controlRequests.WithLabelValues(plugin, requestType, successLabel).Inc()
	controlDuration.WithLabelValues(plugin, requestType, successLabel).Observe(duration.Seconds())
}
