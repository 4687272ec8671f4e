package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	IngestCounter      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "voicecard_ingested_total", Help: "Jobs accepted by the gateway"}, []string{"source"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "voicecard_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	EventsPublished    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "voicecard_events_published_total", Help: "Events accepted by the router"}, []string{"topic"})
	PublishRejects     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "voicecard_publish_rejects_total", Help: "Publishes refused because the topic queue was full"}, []string{"topic"})
	EventsDelivered    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "voicecard_events_delivered_total", Help: "Event deliveries handed to subscribers"}, []string{"topic"})
	EventsRedelivered  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "voicecard_events_redelivered_total", Help: "Expired leases returned to the ready queue"}, []string{"topic"})
	DeadLettered       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "voicecard_dead_letter_total", Help: "Events moved to the DLQ"}, []string{"topic"})
	DuplicateDrops     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "voicecard_duplicate_drops_total", Help: "Deliveries dropped because the job already moved on"}, []string{"topic"})
	QueueDepthGauge    = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "voicecard_queue_depth", Help: "Ready events per topic"}, []string{"topic"})
	InFlightGauge      = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "voicecard_inflight", Help: "Leased events per topic"}, []string{"topic"})
	StageOutcomes      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "voicecard_stage_outcomes_total", Help: "Stage handler outcomes"}, []string{"stage", "outcome"})
	StageDuration      = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "voicecard_stage_duration_seconds", Help: "Collaborator call latency", Buckets: prometheus.DefBuckets}, []string{"stage"})
	CollaboratorErrors = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "voicecard_collaborator_errors_total", Help: "Collaborator failures by class"}, []string{"stage", "class"})
	RecoveryActions    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "voicecard_recovery_actions_total", Help: "Actions taken by the recovery sweep"}, []string{"action"})
)

// Stage outcome labels.
const (
	OutcomeAdvanced  = "advanced"
	OutcomeReused    = "reused"
	OutcomeFailed    = "failed"
	OutcomeRetried   = "retried"
	OutcomeDuplicate = "duplicate"
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			IngestCounter,
			RateLimitRejects,
			EventsPublished,
			PublishRejects,
			EventsDelivered,
			EventsRedelivered,
			DeadLettered,
			DuplicateDrops,
			QueueDepthGauge,
			InFlightGauge,
			StageOutcomes,
			StageDuration,
			CollaboratorErrors,
			RecoveryActions,
		)
	})
	return promhttp.Handler()
}
