// Package metrics holds the daemon's Prometheus collectors.
//
// Everything is registered on Registry rather than the global default
// registerer so the debug server exposes exactly what twitchwatch owns.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

// Transport metrics
var (
	// BatchesReceived counts decoded notification batches.
	BatchesReceived = factory.NewCounter(prometheus.CounterOpts{
		Name: "twitchwatch_batches_received_total",
		Help: "Notification batches received over the local socket",
	})

	// RecordsReceived counts records across all received batches.
	RecordsReceived = factory.NewCounter(prometheus.CounterOpts{
		Name: "twitchwatch_records_received_total",
		Help: "Stream records received over the local socket",
	})

	// MessagesDiscarded counts inbound messages dropped before dispatch.
	MessagesDiscarded = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "twitchwatch_messages_discarded_total",
		Help: "Inbound socket messages discarded by reason (decode, oversize, read, empty)",
	}, []string{"reason"})
)

// Dispatch metrics
var (
	// Deliveries counts per-sink delivery outcomes (delivered, skipped, failed).
	Deliveries = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "twitchwatch_sink_deliveries_total",
		Help: "Sink deliveries by sink and outcome",
	}, []string{"sink", "outcome"})
)

// Chat relay metrics
var (
	// ChatQueries counts directed chat queries by outcome (served, limited, failed).
	ChatQueries = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "twitchwatch_chat_queries_total",
		Help: "Directed chat queries by sink and outcome",
	}, []string{"sink", "outcome"})

	// ChatState is the current session state of each chat relay sink.
	ChatState = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "twitchwatch_chat_session_state",
		Help: "Chat session state (0=disconnected 1=connecting 2=awaiting_welcome 3=registering 4=joining 5=ready 6=closed)",
	}, []string{"sink"})
)

// Poller metrics (only meaningful for the long-running watch command).
var (
	Polls = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "twitchwatch_polls_total",
		Help: "Directory polls by category and outcome (ok, fetch_error, empty)",
	}, []string{"category", "outcome"})

	NewStreams = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "twitchwatch_new_streams_total",
		Help: "Streams classified as new by category",
	}, []string{"category"})
)

// Daemon runtime metrics
var (
	supervised atomic.Pointer[func() int64]

	_ = factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "twitchwatch_supervised_goroutines",
		Help: "Goroutines currently running under the daemon supervisor",
	}, func() float64 {
		if f := supervised.Load(); f != nil {
			return float64((*f)())
		}
		return 0
	})
)

// TrackSupervised makes the supervised goroutine gauge read from active.
func TrackSupervised(active func() int64) { supervised.Store(&active) }

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}
