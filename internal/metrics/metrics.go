// Package metrics holds the Prometheus counters of the sync core.
package metrics

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SocketConnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetchat_socket_connects_total",
			Help: "Successful socket handshakes, including reconnects",
		},
	)

	SocketConnectErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetchat_socket_connect_errors_total",
			Help: "Failed socket connection attempts",
		},
		[]string{"kind"},
	)

	SocketDisconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetchat_socket_disconnects_total",
			Help: "Socket connections lost after a successful handshake",
		},
	)

	SocketEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetchat_socket_events_total",
			Help: "Socket events received, by event name",
		},
		[]string{"event"},
	)

	MessagesDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetchat_messages_deduplicated_total",
			Help: "Messages dropped because their identifier was already in the stream",
		},
	)

	PresenceUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetchat_presence_updates_total",
			Help: "Presence observations by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	PollFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetchat_poll_failures_total",
			Help: "Background poll failures that were swallowed",
		},
		[]string{"poll"},
	)

	RESTFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetchat_rest_failures_total",
			Help: "Failed REST calls by operation",
		},
		[]string{"op"},
	)
)

// Presence sources and outcomes.
const (
	SourceBulk   = "bulk"
	SourcePush   = "push"
	SourcePoll   = "poll"
	OutcomeApply = "applied"
	OutcomeStale = "stale"
)

// Router returns an HTTP handler exposing /metrics and /healthz.
func Router() http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}
