package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DeliveriesCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deliveries_created_total",
		Help: "Total number of delivery records created",
	}, []string{"product_type"})

	DeliveryCreationFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "delivery_creation_failed_total",
		Help: "Total number of line items whose delivery could not be created or fulfilled",
	}, []string{"product_type"})

	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "delivery_transitions_total",
		Help: "Total number of applied delivery state transitions",
	}, []string{"from", "to"})

	TransitionsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "delivery_transitions_rejected_total",
		Help: "Total number of rejected delivery state transitions",
	}, []string{"from", "to", "code"})

	EscalationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "delivery_escalations_total",
		Help: "Total number of escalation level increments",
	}, []string{"reason", "severity"})

	RecoveryAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "delivery_recovery_attempts_total",
		Help: "Total number of automatic recovery attempts",
	}, []string{"failure_reason", "outcome"})

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "delivery_notifications_total",
		Help: "Total number of attempted notification sends",
	}, []string{"kind", "outcome"})

	DownloadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "delivery_downloads_total",
		Help: "Total number of recorded customer downloads",
	})

	SweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "delivery_sweep_duration_seconds",
		Help:    "Latency of SLA, recovery and expiry sweeps",
		Buckets: prometheus.DefBuckets,
	}, []string{"sweep"})

	SweepClaimedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "delivery_sweep_claimed_total",
		Help: "Total number of deliveries claimed by sweeps",
	}, []string{"sweep"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
