// Package metrics holds the Prometheus instruments shared by the sync
// client and the room server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tillsync"

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// Transport
	ReconnectsTotal *prometheus.CounterVec
	TransportState  *prometheus.GaugeVec
	FramesSentTotal *prometheus.CounterVec
	FramesRecvTotal *prometheus.CounterVec

	// Session
	ChangesSentTotal    *prometheus.CounterVec
	ChangesAppliedTotal *prometheus.CounterVec
	ApplyRejectedTotal  *prometheus.CounterVec
	ApplyDuration       prometheus.Histogram
	PendingChangeSets   *prometheus.GaugeVec
	ActiveSessions      prometheus.Gauge

	// Coherence
	CoherenceChecksTotal *prometheus.CounterVec

	// Provider
	RoomHandlesOpen  prometheus.Gauge
	RoomOpenFailures prometheus.Counter
}

// New registers all metrics on reg. Passing nil uses a private registry,
// which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		ReconnectsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts after an unexpected close",
		}, []string{"endpoint"}),
		TransportState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "state",
			Help:      "Current transport state (0=connecting 1=connected 2=stuck 3=disconnected 4=closed)",
		}, []string{"endpoint"}),
		FramesSentTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "frames_sent_total",
			Help:      "Frames written to the socket",
		}, []string{"endpoint"}),
		FramesRecvTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "frames_received_total",
			Help:      "Frames read from the socket",
		}, []string{"endpoint"}),
		ChangesSentTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "changes_sent_total",
			Help:      "Row changes sent to the peer",
		}, []string{"side"}),
		ChangesAppliedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "changes_applied_total",
			Help:      "Row changes received and applied",
		}, []string{"side"}),
		ApplyRejectedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "apply_rejected_total",
			Help:      "Change sets the receiving side failed to apply",
		}, []string{"side"}),
		ApplyDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "apply_duration_seconds",
			Help:      "Time to apply one change set",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		PendingChangeSets: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "pending_change_sets",
			Help:      "Change sets sent and not yet acknowledged",
		}, []string{"db"}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "active_sessions",
			Help:      "Sessions currently hosted",
		}),
		CoherenceChecksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coherence",
			Name:      "checks_total",
			Help:      "Coherence checks by result",
		}, []string{"result"}),
		RoomHandlesOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "room_handles_open",
			Help:      "Room database handles held by the provider",
		}),
		RoomOpenFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "room_open_failures_total",
			Help:      "Failed room database creations",
		}),
	}
}

// Nop returns metrics registered on a throwaway registry.
func Nop() *Metrics {
	return New(nil)
}
