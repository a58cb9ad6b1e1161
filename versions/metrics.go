package versions

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var versionsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "versions_published",
	Help: "script versions saved, by checker verdict",
}, []string{"verdict"})

var versionsDeleted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "versions_deleted",
	Help: "script versions deleted by moderators",
})
