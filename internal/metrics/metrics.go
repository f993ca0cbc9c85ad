package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ============================================
	// BTP connection metrics
	// ============================================
	BTPConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cicada_btp_connection_status",
		Help: "BTP connection status (1=connected, 0=disconnected)",
	})

	BTPFramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cicada_btp_frames_received_total",
			Help: "Total number of BTP frames received",
		},
		[]string{"type"},
	)

	BTPFramesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cicada_btp_frames_sent_total",
			Help: "Total number of BTP frames sent",
		},
		[]string{"type"},
	)

	BTPProtocolErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cicada_btp_protocol_errors_total",
			Help: "Total number of connection-fatal BTP protocol errors",
		},
		[]string{"error_type"},
	)

	// ============================================
	// Incoming payment metrics
	// ============================================
	IncomingPrepares = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cicada_incoming_prepares_total",
		Help: "Total number of prepared transfers received",
	})

	PaymentsFulfilled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cicada_payments_fulfilled_total",
		Help: "Total number of incoming payments fulfilled",
	})

	PaymentsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cicada_payments_rejected_total",
			Help: "Total number of incoming transfers rejected",
		},
		[]string{"reason"},
	)

	FulfillErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cicada_fulfill_errors_total",
		Help: "Total number of fulfillments that could not be dispatched",
	})

	PaymentProcessingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cicada_payment_processing_duration_seconds",
		Help:    "Time from receiving a prepare to the fulfill decision",
		Buckets: prometheus.DefBuckets,
	})

	// ============================================
	// SPSP metrics
	// ============================================
	SPSPQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cicada_spsp_queries_total",
			Help: "Total number of SPSP queries served",
		},
		[]string{"status"},
	)

	// ============================================
	// NATS metrics
	// ============================================
	NATSConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cicada_nats_connection_status",
		Help: "NATS connection status (1=connected, 0=disconnected)",
	})

	NATSMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cicada_nats_messages_published_total",
			Help: "Total number of NATS notifications published",
		},
		[]string{"subject"},
	)

	NATSPublishFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cicada_nats_publish_failed_total",
			Help: "Total number of NATS notifications that failed to publish",
		},
		[]string{"subject"},
	)
)
