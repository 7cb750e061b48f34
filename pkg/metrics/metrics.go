// Package metrics provides Prometheus instrumentation for the sync client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ChannelConnects counts successful channel establishments.
	ChannelConnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "socialsync_channel_connects_total",
			Help: "Successful channel connections",
		},
	)

	// ChannelAttempts counts connection attempts by result.
	ChannelAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socialsync_channel_attempts_total",
			Help: "Channel connection attempts",
		},
		[]string{"result"},
	)

	// ChannelOnline is 1 while a live channel is exposed.
	ChannelOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "socialsync_channel_online",
			Help: "Whether a live channel is currently exposed",
		},
	)

	// EventsReceived counts inbound channel events by name.
	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socialsync_events_received_total",
			Help: "Inbound channel events",
		},
		[]string{"event"},
	)

	// EventsEmitted counts outbound channel events by name.
	EventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socialsync_events_emitted_total",
			Help: "Outbound channel events",
		},
		[]string{"event"},
	)

	// SendOutcomes counts message sends by outcome.
	SendOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socialsync_send_outcomes_total",
			Help: "Message send outcomes",
		},
		[]string{"outcome"},
	)

	// AckLatency tracks time from emission to acknowledgement.
	AckLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "socialsync_ack_latency_seconds",
			Help:    "Time from send_message emission to acknowledgement",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	// UnseenNotifications mirrors the notification counter.
	UnseenNotifications = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "socialsync_unseen_notifications",
			Help: "Current unseen notification count",
		},
	)

	// SuppressedNotifications counts newNotification events ignored by view suppression.
	SuppressedNotifications = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "socialsync_suppressed_notifications_total",
			Help: "newNotification events suppressed while viewing notifications",
		},
	)

	// AlertsPlayed counts audio alerts by result.
	AlertsPlayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socialsync_alerts_total",
			Help: "Audio alerts by result",
		},
		[]string{"result"},
	)

	// Rollbacks counts optimistic conversation mutations reverted after a server failure.
	Rollbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socialsync_rollbacks_total",
			Help: "Optimistic mutations rolled back",
		},
		[]string{"op"},
	)

	// StaleFetches counts conversation pages discarded because a newer fetch superseded them.
	StaleFetches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "socialsync_stale_fetches_total",
			Help: "Conversation fetches discarded as stale",
		},
	)
)

// RecordSend records the outcome of a send and, when an ack arrived, its latency.
func RecordSend(outcome string, latencySeconds float64) {
	SendOutcomes.WithLabelValues(outcome).Inc()
	if latencySeconds > 0 {
		AckLatency.Observe(latencySeconds)
	}
}

// SetOnline flips the online gauge.
func SetOnline(online bool) {
	if online {
		ChannelOnline.Set(1)
		return
	}
	ChannelOnline.Set(0)
}
