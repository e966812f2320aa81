// Package metrics declares the prometheus collectors exported by the server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ravensync_connections",
		Help: "Open client connections.",
	})
	Commands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ravensync_commands_total",
		Help: "Commands processed, by command and result status.",
	}, []string{"cmd", "status"})
	SelectedSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ravensync_selected_sessions",
		Help: "Sessions that currently have a mailbox selected.",
	})
	ListenerRegistrations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ravensync_listener_registrations",
		Help: "Event listeners registered with the notifier.",
	})
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ravensync_events_published_total",
		Help: "Mailbox events published, by kind.",
	}, []string{"kind"})
	Unsolicited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ravensync_unsolicited_responses_total",
		Help: "Unsolicited responses written by the reconciler, by kind.",
	}, []string{"kind"})
	SkippedStale = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ravensync_stale_items_skipped_total",
		Help: "Items dropped because their message was removed concurrently.",
	})
)
