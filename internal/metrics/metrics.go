// Package metrics holds the Prometheus collectors of the execution core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TracksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mes_tracks_total",
		Help: "Track-in and track-out operations by kind and outcome.",
	}, []string{"kind", "result"})

	UnitsTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mes_units_terminal_total",
		Help: "Units that reached a terminal status.",
	}, []string{"status"})

	InspectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mes_inspections_total",
		Help: "Inspections completed by type and status.",
	}, []string{"type", "status"})

	ReadinessChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mes_readiness_checks_total",
		Help: "Readiness checks by type and status.",
	}, []string{"type", "status"})

	LoadingVerifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mes_loading_verifications_total",
		Help: "Slot loading verifications by result.",
	}, []string{"result"})

	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mes_events_processed_total",
		Help: "Events handled by the event processor by outcome.",
	}, []string{"outcome"})

	TimeRuleTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mes_time_rule_transitions_total",
		Help: "Time rule instance transitions.",
	}, []string{"status"})

	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mes_jobs_total",
		Help: "Background jobs by name and outcome.",
	}, []string{"name", "outcome"})

	JobQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mes_job_queue_depth",
		Help: "Jobs waiting in the side-effect queue.",
	})

	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mes_notifications_sent_total",
		Help: "Web push deliveries by outcome.",
	}, []string{"outcome"})

	IngestEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mes_ingest_events_total",
		Help: "Ingested external events by source and outcome.",
	}, []string{"source", "outcome"})

	BusinessErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mes_business_errors_total",
		Help: "Business rule violations returned to API callers by code.",
	}, []string{"code"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mes_http_request_duration_seconds",
		Help:    "HTTP request latency by route and status.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)
