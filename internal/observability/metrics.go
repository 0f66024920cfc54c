package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "dispatch_hub", Name: "connections_active", Help: "Live websocket connections by role"},
		[]string{"role"},
	)
	ConnectionsPruned = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch_hub", Name: "connections_pruned_total", Help: "Connections closed by the liveness monitor"})

	FramesInbound = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch_hub", Name: "frames_inbound_total", Help: "Inbound frames by type"},
		[]string{"type"},
	)

	OffersIssued   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch_hub", Name: "offers_issued_total", Help: "Ride offers pushed to drivers"})
	OffersAccepted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch_hub", Name: "offers_accepted_total", Help: "Ride offers accepted"})
	OffersRejected = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch_hub", Name: "offers_rejected_total", Help: "Ride offers rejected"})
	OffersExpired  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch_hub", Name: "offers_expired_total", Help: "Ride offers that timed out"})

	SessionsMatched  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch_hub", Name: "sessions_matched_total", Help: "Dispatch sessions ending in a driver assignment"})
	SessionsNoDriver = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch_hub", Name: "sessions_no_driver_total", Help: "Dispatch sessions exhausting all candidates"})

	DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dispatch_hub",
		Name:      "dispatch_latency_seconds",
		Help:      "Time from dispatch start to terminal status",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch_hub", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dispatch_hub",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
