package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cascor_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cascor_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	EpochsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cascor_epochs_total",
		Help: "Total training epochs completed",
	})

	TrainingRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cascor_training_runs_total",
		Help: "Total training runs by outcome",
	}, []string{"outcome"})

	CandidatesEvaluated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cascor_candidates_evaluated_total",
		Help: "Total candidate units scored",
	})

	SubscribersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cascor_subscribers_active",
		Help: "Number of connected event subscribers",
	})

	BroadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cascor_broadcasts_total",
		Help: "Total messages broadcast to subscribers",
	})

	PublishDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cascor_publish_drops_total",
		Help: "Messages dropped because no consumer loop was available",
	})
)
