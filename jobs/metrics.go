package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var jobRunCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "jobs_run_total",
	Help: "Number of delayed jobs executed",
}, []string{"job", "status"})

var jobRunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "jobs_run_duration_sec",
	Help: "Duration of delayed job execution",
}, []string{"job"})
