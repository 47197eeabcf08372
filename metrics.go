package jobworker

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/roadrunner-server/jobworker/worker"
)

const (
	namespace = "jobworker"
)

// Informer provides worker snapshots to the collector.
type Informer interface {
	Status() map[string]worker.Status
}

var _ worker.Observer = (*statsExporter)(nil)

type statsExporter struct {
	jobsOk       atomic.Uint64
	jobsErr      atomic.Uint64
	jobsReleased atomic.Uint64
	pushOk       atomic.Uint64
	pushErr      atomic.Uint64

	pushOkDesc       *prometheus.Desc
	pushErrDesc      *prometheus.Desc
	jobsErrDesc      *prometheus.Desc
	jobsOkDesc       *prometheus.Desc
	jobsReleasedDesc *prometheus.Desc

	totalWorkersDesc *prometheus.Desc
	stateDesc        *prometheus.Desc
	processedDesc    *prometheus.Desc
	failedDesc       *prometheus.Desc
	inFlightDesc     *prometheus.Desc

	jobLatencyHistogram     *prometheus.HistogramVec
	jobsCounter             *prometheus.CounterVec
	pushJobLatencyHistogram *prometheus.HistogramVec
	pushJobRequestCounter   *prometheus.CounterVec

	workers Informer
}

func (p *Plugin) MetricsCollector() []prometheus.Collector {
	// p - implements Informer interface (workers)
	return []prometheus.Collector{p.metrics}
}

func (se *statsExporter) CountPushOk() {
	se.pushOk.Add(1)
}

func (se *statsExporter) CountPushErr() {
	se.pushErr.Add(1)
}

// JobProcessed is called by the workers after every job attempt.
func (se *statsExporter) JobProcessed(wrk, queue, name string, outcome worker.Outcome, elapsed time.Duration) {
	switch outcome {
	case worker.OutcomeCompleted:
		se.jobsOk.Add(1)
	case worker.OutcomeReleased:
		se.jobsReleased.Add(1)
	case worker.OutcomeFailed:
		se.jobsErr.Add(1)
	}

	se.jobsCounter.WithLabelValues(wrk, queue, name, string(outcome)).Inc()
	se.jobLatencyHistogram.WithLabelValues(wrk, queue, name).Observe(elapsed.Seconds())
}

func newStatsExporter(stats Informer) *statsExporter {
	return &statsExporter{
		workers: stats,

		pushOkDesc:       prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "push_ok"), "Number of job push", nil, nil),
		pushErrDesc:      prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "push_err"), "Number of jobs push which was failed", nil, nil),
		jobsErrDesc:      prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "jobs_err"), "Number of jobs which failed permanently", nil, nil),
		jobsOkDesc:       prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "jobs_ok"), "Number of successfully processed jobs", nil, nil),
		jobsReleasedDesc: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "jobs_released"), "Number of failed attempts released for a retry", nil, nil),

		totalWorkersDesc: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "total_workers"), "Total number of workers managed by the plugin", nil, nil),
		stateDesc:        prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "worker_state"), "Worker current state", []string{"worker", "state"}, nil),
		processedDesc:    prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "worker_processed"), "Jobs processed successfully by the worker", []string{"worker"}, nil),
		failedDesc:       prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "worker_failed"), "Jobs failed permanently in the worker", []string{"worker"}, nil),
		inFlightDesc:     prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "worker_in_flight"), "Jobs currently executed by the worker", []string{"worker"}, nil),

		jobLatencyHistogram: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: prometheus.BuildFQName(namespace, "", "job_latency"),
			Help: "Histogram represents latency of a single job attempt",
		}, []string{"worker", "queue", "job"}),

		jobsCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "The total number of job attempts by outcome",
		}, []string{"worker", "queue", "job", "outcome"}),

		pushJobLatencyHistogram: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: prometheus.BuildFQName(namespace, "", "push_latency"),
			Help: "Histogram represents latency for pushed operation",
		}, []string{"queue", "source"}),

		pushJobRequestCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "The total number of push requests sent to the plugin",
		}, []string{"queue", "source"}),
	}
}

func (se *statsExporter) Describe(d chan<- *prometheus.Desc) {
	d <- se.pushErrDesc
	d <- se.pushOkDesc
	d <- se.jobsErrDesc
	d <- se.jobsOkDesc
	d <- se.jobsReleasedDesc

	d <- se.totalWorkersDesc
	d <- se.stateDesc
	d <- se.processedDesc
	d <- se.failedDesc
	d <- se.inFlightDesc

	se.jobLatencyHistogram.Describe(d)
	se.jobsCounter.Describe(d)
	se.pushJobLatencyHistogram.Describe(d)
	se.pushJobRequestCounter.Describe(d)
}

func (se *statsExporter) Collect(ch chan<- prometheus.Metric) {
	// get the copy of the worker states
	states := se.workers.Status()

	for name, st := range states {
		ch <- prometheus.MustNewConstMetric(se.stateDesc, prometheus.GaugeValue, 1, name, st.State.String())
		ch <- prometheus.MustNewConstMetric(se.processedDesc, prometheus.CounterValue, float64(st.Processed), name)
		ch <- prometheus.MustNewConstMetric(se.failedDesc, prometheus.CounterValue, float64(st.Failed), name)
		ch <- prometheus.MustNewConstMetric(se.inFlightDesc, prometheus.GaugeValue, float64(len(st.CurrentJobs)), name)
	}

	ch <- prometheus.MustNewConstMetric(se.totalWorkersDesc, prometheus.GaugeValue, float64(len(states)))

	// send the values to the prometheus
	ch <- prometheus.MustNewConstMetric(se.jobsOkDesc, prometheus.GaugeValue, float64(se.jobsOk.Load()))
	ch <- prometheus.MustNewConstMetric(se.jobsErrDesc, prometheus.GaugeValue, float64(se.jobsErr.Load()))
	ch <- prometheus.MustNewConstMetric(se.jobsReleasedDesc, prometheus.GaugeValue, float64(se.jobsReleased.Load()))
	ch <- prometheus.MustNewConstMetric(se.pushOkDesc, prometheus.GaugeValue, float64(se.pushOk.Load()))
	ch <- prometheus.MustNewConstMetric(se.pushErrDesc, prometheus.GaugeValue, float64(se.pushErr.Load()))

	se.jobLatencyHistogram.Collect(ch)
	se.jobsCounter.Collect(ch)
	se.pushJobLatencyHistogram.Collect(ch)
	se.pushJobRequestCounter.Collect(ch)
}
