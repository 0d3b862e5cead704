// Package metrics holds the Prometheus collectors shared by the room server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coderoom_active_rooms",
		Help: "Rooms with at least one connected member",
	})

	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coderoom_active_connections",
		Help: "Websocket connections registered in a room",
	})

	Edits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coderoom_edits_total",
		Help: "Code changes by outcome",
	}, []string{"outcome"})

	ConflictsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coderoom_conflicts_opened_total",
		Help: "Conflicts that paused a room, by kind",
	}, []string{"kind"})

	ConflictDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coderoom_conflict_decisions_total",
		Help: "Decisions applied to pending conflicts",
	}, []string{"decision", "auto"})

	ConflictDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "coderoom_conflict_pause_seconds",
		Help:    "Time rooms spent paused waiting for a decision",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})

	PersistenceFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coderoom_persistence_failures_total",
		Help: "Best-effort persistence writes that failed or were dropped",
	}, []string{"op"})

	AIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coderoom_ai_requests_total",
		Help: "Merge suggestion requests by result",
	}, []string{"result"})

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coderoom_rate_limited_messages_total",
		Help: "Inbound messages dropped by the per-connection rate limiter",
	})
)
