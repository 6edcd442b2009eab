package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	MessagesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lindachat_messages_sent_total",
			Help: "Total number of messages written by this node.",
		},
		[]string{"conversation_type"},
	)

	SendRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lindachat_send_rejected_total",
			Help: "Send attempts rejected before any write, by reason.",
		},
		[]string{"reason"},
	)

	ReceiptsEmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lindachat_receipts_emitted_total",
			Help: "Receipts written by this node, by type.",
		},
		[]string{"type"},
	)

	BlockChecksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lindachat_block_checks_total",
			Help: "Dual-sided block status reads executed.",
		},
	)

	GraphUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lindachat_graph_updates_total",
			Help: "Graph writes applied to the local replica, by origin.",
		},
		[]string{"origin"},
	)

	RelayConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lindachat_relay_connections",
			Help: "Currently open relay connections.",
		},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lindachat_http_requests_total",
			Help: "Total number of control API requests.",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lindachat_http_request_duration_seconds",
			Help:    "Duration of control API requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// MustRegister registers every collector with reg, or the default registry when nil.
func MustRegister(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		MessagesSentTotal,
		SendRejectedTotal,
		ReceiptsEmittedTotal,
		BlockChecksTotal,
		GraphUpdatesTotal,
		RelayConnections,
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
	)
}
