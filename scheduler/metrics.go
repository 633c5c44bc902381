package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ecpds_scheduler_active_workers",
			Help: "Number of workers currently registered by a scheduler.",
		},
		[]string{"scheduler"},
	)

	dispatchedWorkers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ecpds_scheduler_dispatched_total",
			Help: "Count of workers dispatched by a scheduler.",
		},
		[]string{"scheduler"},
	)

	failedWorkers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ecpds_scheduler_failed_total",
			Help: "Count of workers that returned an error or panicked.",
		},
		[]string{"scheduler"},
	)

	interruptedWorkers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ecpds_scheduler_interrupted_total",
			Help: "Count of workers interrupted by an operator or the jammed watchdog.",
		},
		[]string{"scheduler"},
	)

	stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ecpds_scheduler_step_seconds",
			Help:    "Time spent selecting and dispatching one batch.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		},
		[]string{"scheduler"},
	)
)
