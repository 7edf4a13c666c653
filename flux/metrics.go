package flux

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics are registered on the default registry.
// `fluxctl watch --metrics_addr` serves them.
var (
	// connectAttempts counts connect attempt outcomes: open, retry, terminal, fault
	connectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flux_transport_connect_attempts_total",
		Help: "Notification transport connect attempts by result",
	}, []string{"result"})

	// framesReceived counts inbound frames by kind, including malformed
	framesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flux_transport_frames_received_total",
		Help: "Inbound notification transport frames by kind",
	}, []string{"kind"})

	outboundQueued = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flux_transport_outbound_queued",
		Help: "Outbound messages waiting for an open connection",
	}, []string{"project"})

	resolveSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "flux_transport_resolve_seconds",
		Help:    "Time to resolve the notification socket url",
		Buckets: prometheus.DefBuckets,
	})

	cacheCells = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flux_cell_cache_cells",
		Help: "Cells held by the cell cache",
	}, []string{"project"})

	cacheEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flux_cell_cache_events_total",
		Help: "Notifications applied to the cell cache by type and outcome",
	}, []string{"type", "outcome"})
)

func observeResolve(elapsed time.Duration) {
	resolveSeconds.Observe(elapsed.Seconds())
}
