package scriptcheck

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var verdictCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "scriptcheck_verdicts",
	Help: "Number of script checks by final verdict",
}, []string{"verdict"})

var ruleHitCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "scriptcheck_rule_hits",
	Help: "Number of findings produced per rule",
}, []string{"rule", "verdict"})

var checkErrorCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "scriptcheck_errors",
	Help: "Number of script checks which failed to run",
})
