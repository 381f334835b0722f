package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Credential chain metrics
	CredentialRenewals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearthlink_credential_renewals_total",
			Help: "Credential renewal calls by stage and outcome",
		},
		[]string{"stage", "outcome"},
	)

	// Session metrics
	SessionState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hearthlink_session_connected",
			Help: "1 while the streaming session is connected",
		},
	)

	Reconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hearthlink_session_reconnects_total",
			Help: "Reconnect attempts after a detected disconnect",
		},
	)

	// Command metrics
	Commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearthlink_commands_total",
			Help: "Commands issued by outcome",
		},
		[]string{"outcome"},
	)

	CommandDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hearthlink_command_duration_seconds",
			Help:    "Round-trip latency of correlated commands",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Cache metrics
	StateUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearthlink_state_updates_total",
			Help: "Authoritative state updates by result (changed, unchanged)",
		},
		[]string{"result"},
	)
)

// Register registers all collectors with the default registry
func Register() {
	prometheus.MustRegister(
		CredentialRenewals,
		SessionState,
		Reconnects,
		Commands,
		CommandDuration,
		StateUpdates,
	)
}

// Handler returns the HTTP handler for scraping
func Handler() http.Handler {
	return promhttp.Handler()
}
