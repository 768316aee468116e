package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "parsekit"

	// Job metrics
	jobsSubmittedTotal = "jobs_submitted_total"
	jobsByStatus       = "jobs_by_status"

	// Poller metrics
	pollExchangesTotal  = "poll_exchanges_total"
	pollIterationsTotal = "poll_iterations_total"
	pollIterationSecs   = "poll_iteration_duration_seconds"

	// Retention metrics
	retentionSweptTotal = "retention_swept_total"

	// Labels
	kindLabel    = "kind"
	statusLabel  = "status"
	cycleLabel   = "cycle"
	outcomeLabel = "outcome"
	resultLabel  = "result"
	modeLabel    = "mode"
)

/**
* Metrics definition
**/
var jobsSubmittedTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      jobsSubmittedTotal,
		Help:      "number of jobs submitted, partitioned by kind and result",
	},
	[]string{kindLabel, resultLabel},
)

var jobsByStatusMetric = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      jobsByStatus,
		Help:      "number of jobs in the local store in each status",
	},
	[]string{statusLabel},
)

var pollExchangesTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      pollExchangesTotal,
		Help:      "remote exchanges made by the poller, partitioned by cycle and outcome",
	},
	[]string{cycleLabel, outcomeLabel},
)

var pollIterationsTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      pollIterationsTotal,
		Help:      "poller iterations, partitioned by result",
	},
	[]string{resultLabel},
)

var pollIterationSecondsMetric = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      pollIterationSecs,
		Help:      "wall time of one poller iteration",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	},
)

var retentionSweptTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      retentionSweptTotal,
		Help:      "completed jobs removed by the retention sweeper",
	},
	[]string{modeLabel},
)

// IncreaseJobsSubmitted records one submission attempt.
func IncreaseJobsSubmitted(kind string, result string) {
	labels := prometheus.Labels{
		kindLabel:   kind,
		resultLabel: result,
	}
	jobsSubmittedTotalMetric.With(labels).Inc()
}

// UpdateJobsByStatus sets the gauge for one status.
func UpdateJobsByStatus(status string, count int) {
	labels := prometheus.Labels{
		statusLabel: status,
	}
	jobsByStatusMetric.With(labels).Set(float64(count))
}

// IncreasePollExchanges records one remote exchange outcome.
func IncreasePollExchanges(cycle string, outcome string) {
	labels := prometheus.Labels{
		cycleLabel:   cycle,
		outcomeLabel: outcome,
	}
	pollExchangesTotalMetric.With(labels).Inc()
}

// ObservePollIteration records the result and duration of one iteration.
func ObservePollIteration(result string, elapsed time.Duration) {
	pollIterationsTotalMetric.With(prometheus.Labels{resultLabel: result}).Inc()
	pollIterationSecondsMetric.Observe(elapsed.Seconds())
}

// AddRetentionSwept records jobs removed by one sweep.
func AddRetentionSwept(mode string, n int64) {
	if n <= 0 {
		return
	}
	retentionSweptTotalMetric.With(prometheus.Labels{modeLabel: mode}).Add(float64(n))
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func init() {
	registerMetrics()
}

func registerMetrics() {
	prometheus.MustRegister(jobsSubmittedTotalMetric)
	prometheus.MustRegister(jobsByStatusMetric)
	prometheus.MustRegister(pollExchangesTotalMetric)
	prometheus.MustRegister(pollIterationsTotalMetric)
	prometheus.MustRegister(pollIterationSecondsMetric)
	prometheus.MustRegister(retentionSweptTotalMetric)
}
