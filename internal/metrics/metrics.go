// Package metrics provides Prometheus metrics for the conversation sync engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "neo_social"

var (
	// NotificationsDispatched counts notifications delivered to consumers, by kind.
	NotificationsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "notifications_dispatched_total",
			Help:      "Notifications dispatched to registered consumers",
		},
		[]string{"kind"},
	)

	// EventsDropped counts raw events the broker did not dispatch, by reason.
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "events_dropped_total",
			Help:      "Raw events dropped before dispatch",
		},
		[]string{"reason"},
	)

	// MembershipLookups counts remote participant checks issued by the broker.
	MembershipLookups = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "membership_lookups_total",
			Help:      "Remote membership lookups for unknown conversations",
		},
	)

	// Reconnects counts broker re-subscriptions performed by session managers.
	Reconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "reconnects_total",
			Help:      "Successful broker reconnects after a disconnect",
		},
	)

	// PendingResolutions counts pending-conversation outcomes.
	PendingResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "pending_resolutions_total",
			Help:      "Pending conversation hand-offs by outcome",
		},
		[]string{"outcome"},
	)

	// RefreshFailures counts failed consumer refreshes.
	RefreshFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "refresh_failures_total",
			Help:      "Failed transcript or summary refreshes",
		},
		[]string{"consumer"},
	)

	// ActiveSessions tracks the number of open viewer sessions.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Open viewer sessions",
		},
	)
)

// Drop reasons
const (
	DropEcho        = "echo"
	DropIrrelevant  = "irrelevant"
	DropLookupError = "lookup_error"
	DropMalformed   = "malformed"
)
