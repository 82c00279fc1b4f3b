package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BookingsCreated    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "bookings_created_total", Help: "Total bookings created"})
	BookingTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "booking_transitions_total", Help: "Booking status transitions applied"},
		[]string{"from", "to"},
	)
	BidsPlaced = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "bids_placed_total", Help: "Bid submissions by outcome (created or updated)"},
		[]string{"outcome"},
	)
	BidResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "bid_resolutions_total", Help: "Bids moved out of pending"},
		[]string{"status"},
	)
	AcceptRollbacks = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "accept_rollbacks_total", Help: "Bid acceptances undone because the booking transition failed"})
	AcceptLatency   = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "carpool", Name: "accept_bid_latency_seconds", Help: "AcceptBid latency seconds"})
	ParticipantOps  = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "participant_ops_total", Help: "Participant join/leave operations that changed state"},
		[]string{"op"},
	)
	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "carpool", Name: "drivers_online", Help: "Number of online drivers"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "carpool",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
