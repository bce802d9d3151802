// Package metrics exposes prometheus instrumentation for the sync core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors the sync path updates.
type Metrics struct {
	MutationsAccepted   prometheus.Counter
	MutationsConflicted prometheus.Counter
	MutationsRejected   prometheus.Counter
	MutationsDuplicate  prometheus.Counter
	EventsFannedOut     prometheus.Counter
	LiveConnections     prometheus.Gauge
	EventsArchived      prometheus.Counter
}

// New registers the sync collectors on reg and returns them.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MutationsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "listsync_mutations_accepted_total",
			Help: "Mutations accepted cleanly (base version matched).",
		}),
		MutationsConflicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "listsync_mutations_conflicted_total",
			Help: "Mutations applied over a newer version (last-write-wins).",
		}),
		MutationsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "listsync_mutations_rejected_total",
			Help: "Mutations rejected (missing record or no write permission).",
		}),
		MutationsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "listsync_mutations_duplicate_total",
			Help: "Replayed submissions answered from the event log.",
		}),
		EventsFannedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "listsync_events_fanned_out_total",
			Help: "Events pushed to locally registered connections.",
		}),
		LiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "listsync_live_connections",
			Help: "Currently registered client connections.",
		}),
		EventsArchived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "listsync_events_archived_total",
			Help: "Events exported to object storage and pruned.",
		}),
	}

	reg.MustRegister(
		m.MutationsAccepted,
		m.MutationsConflicted,
		m.MutationsRejected,
		m.MutationsDuplicate,
		m.EventsFannedOut,
		m.LiveConnections,
		m.EventsArchived,
	)

	return m
}
