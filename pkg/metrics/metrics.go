// Package metrics defines the prometheus collectors exported by jobwatch.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "jobwatch"

	kindLabel    = "kind"
	outcomeLabel = "outcome"
	phaseLabel   = "phase"
	opLabel      = "op"
	resultLabel  = "result"
	stateLabel   = "state"
)

var actionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "actions_total",
		Help:      "number of actions dispatched to the job registry",
	},
	[]string{kindLabel},
)

var statusDroppedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "status_dropped_total",
		Help:      "number of status updates dropped because the job was not registered",
	},
)

var watchersActive = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "watchers_active",
		Help:      "number of registered event watchers",
	},
)

var watchersStale = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "watchers_stale",
		Help:      "number of watchers registered longer than the stale threshold",
	},
)

var trackerOutcomesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tracker_outcomes_total",
		Help:      "number of job trackers finished, by outcome",
	},
	[]string{outcomeLabel},
)

var jobsByPhase = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "jobs",
		Help:      "number of registered jobs in each phase",
	},
	[]string{phaseLabel},
)

var remoteRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "remote_requests_total",
		Help:      "number of requests sent to the remote analysis service",
	},
	[]string{opLabel, resultLabel},
)

var downloadsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "downloads_total",
		Help:      "number of result downloads, by final state",
	},
	[]string{stateLabel},
)

func IncActions(kind string) {
	actionsTotal.With(prometheus.Labels{kindLabel: kind}).Inc()
}

func IncStatusDropped() {
	statusDroppedTotal.Inc()
}

func SetWatchersActive(n int) {
	watchersActive.Set(float64(n))
}

func SetWatchersStale(n int) {
	watchersStale.Set(float64(n))
}

func IncTrackerOutcome(outcome string) {
	trackerOutcomesTotal.With(prometheus.Labels{outcomeLabel: outcome}).Inc()
}

// SetJobsByPhase replaces the per-phase job gauge.
func SetJobsByPhase(counts map[string]int) {
	jobsByPhase.Reset()
	for p, n := range counts {
		jobsByPhase.With(prometheus.Labels{phaseLabel: p}).Set(float64(n))
	}
}

func IncRemoteRequest(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	remoteRequestsTotal.With(prometheus.Labels{opLabel: op, resultLabel: result}).Inc()
}

func IncDownloads(state string) {
	downloadsTotal.With(prometheus.Labels{stateLabel: state}).Inc()
}

func init() {
	registerMetrics()
}

func registerMetrics() {
	prometheus.MustRegister(actionsTotal)
	prometheus.MustRegister(statusDroppedTotal)
	prometheus.MustRegister(watchersActive)
	prometheus.MustRegister(watchersStale)
	prometheus.MustRegister(trackerOutcomesTotal)
	prometheus.MustRegister(jobsByPhase)
	prometheus.MustRegister(remoteRequestsTotal)
	prometheus.MustRegister(downloadsTotal)
}
