package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "veriline_requests_submitted_total",
		Help: "Total number of validation requests submitted",
	})
	AssignmentsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "veriline_assignments_created_total",
		Help: "Total number of validator assignments created",
	}, []string{"sla_level"})
	AssignmentsTimedOut = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "veriline_assignments_timed_out_total",
		Help: "Total number of assignments that missed their deadline",
	}, []string{"sla_level"})
	RequestsEscalated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "veriline_requests_escalated_total",
		Help: "Total number of request escalations",
	}, []string{"from_level", "to_level"})
	RequestsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "veriline_requests_failed_total",
		Help: "Total number of requests that exhausted the escalation ladder",
	})
	DecisionsRecorded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "veriline_decisions_recorded_total",
		Help: "Total number of validator decisions recorded",
	}, []string{"verdict"})
	StaleDecisions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "veriline_decisions_stale_total",
		Help: "Total number of decisions that arrived after escalation",
	})
	SweepRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "veriline_sweep_runs_total",
		Help: "Total number of escalation clock sweeps",
	})
	SweepConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "veriline_sweep_conflicts_total",
		Help: "Total number of sweep updates skipped due to concurrent writers",
	})
	NoEligibleValidator = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "veriline_no_eligible_validator_total",
		Help: "Total number of assignment attempts that found no eligible validator",
	})
)

func init() {
	prometheus.MustRegister(
		RequestsSubmitted,
		AssignmentsCreated,
		AssignmentsTimedOut,
		RequestsEscalated,
		RequestsFailed,
		DecisionsRecorded,
		StaleDecisions,
		SweepRuns,
		SweepConflicts,
		NoEligibleValidator,
	)
}

// Handler serves the prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
