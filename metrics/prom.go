package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Registrations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snipserve_registrations_total",
		Help: "no. of accounts registered",
	})
	Logins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snipserve_logins_total",
			Help: "no. of login attempts by result",
		},
		[]string{"result"},
	)
	AuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snipserve_auth_failures_total",
			Help: "no. of requests rejected by an authentication policy",
		},
		[]string{"policy"},
	)
	APIKeyRotations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snipserve_api_key_rotations_total",
		Help: "no. of api keys regenerated",
	})
	PasteCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snipserve_paste_created_total",
		Help: "no. of pastes created",
	})
	PasteDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snipserve_paste_deleted_total",
		Help: "no. of pastes deleted",
	})
	Views = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snipserve_views_total",
			Help: "no. of view recordings by outcome",
		},
		[]string{"outcome"},
	)
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snipserve_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	SessionSweeps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snipserve_session_sweeps_total",
		Help: "no. of expired in-process sessions removed",
	})
	DBBreakerOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "snipserve_db_breaker_open",
		Help: "1 while the database circuit breaker is open",
	})
)
