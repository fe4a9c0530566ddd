package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	reportsTotal     *prometheus.CounterVec
	reportItemsTotal prometheus.Counter
	mergeDuration    prometheus.Histogram
	mergeItemsTotal  *prometheus.CounterVec
	canonicalEntries *prometheus.GaugeVec
	contestedRounds  *prometheus.GaugeVec
	consensusTotal   *prometheus.CounterVec
	lanesHalted      prometheus.Counter

	storeOpsTotal     *prometheus.CounterVec
	storeOpDuration   *prometheus.HistogramVec
	storeRetriesTotal *prometheus.CounterVec

	checkinsTotal     *prometheus.CounterVec
	instancesByStatus *prometheus.GaugeVec
	streamConnections prometheus.Gauge
	batchFlushesTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "lane_queue_size",
					Help: "Pending tasks per agent lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lane_enqueue_total",
					Help: "Total tasks enqueued per agent lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lane_completion_total",
					Help: "Total completed lane tasks by lane and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "lane_task_duration_seconds",
					Help:    "Lane task duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			reportsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "reports_total",
					Help: "Experience reports by result and rejection reason.",
				},
				[]string{"result", "reason"},
			),
			reportItemsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "report_items_total",
					Help: "Memory items carried by accepted reports.",
				},
			),
			mergeDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "merge_duration_seconds",
					Help:    "Duration of applying one report to canonical memory.",
					Buckets: prometheus.DefBuckets,
				},
			),
			mergeItemsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "merge_items_total",
					Help: "Merged items by action.",
				},
				[]string{"action"},
			),
			canonicalEntries: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "canonical_entries",
					Help: "Canonical entries per agent.",
				},
				[]string{"agent"},
			),
			contestedRounds: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "contested_rounds",
					Help: "Unresolved consensus rounds per agent.",
				},
				[]string{"agent"},
			),
			consensusTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "consensus_events_total",
					Help: "Consensus round events by kind.",
				},
				[]string{"event"},
			),
			lanesHalted: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "lanes_halted_total",
					Help: "Agent lanes halted after an invariant violation.",
				},
			),
			storeOpsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "store_operations_total",
					Help: "Durable store operations by operation and status.",
				},
				[]string{"op", "status"},
			),
			storeOpDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "store_operation_duration_seconds",
					Help:    "Durable store operation duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"op"},
			),
			storeRetriesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "store_retries_total",
					Help: "Durable store retries after transient failures.",
				},
				[]string{"op"},
			),
			checkinsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "checkins_total",
					Help: "Check-in requests by result.",
				},
				[]string{"result"},
			),
			instancesByStatus: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "instances",
					Help: "Registered instances by status.",
				},
				[]string{"status"},
			),
			streamConnections: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "stream_connections",
					Help: "Open streaming connections.",
				},
			),
			batchFlushesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "batch_flushes_total",
					Help: "Lumped batch flushes by trigger.",
				},
				[]string{"trigger"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.reportsTotal,
			m.reportItemsTotal,
			m.mergeDuration,
			m.mergeItemsTotal,
			m.canonicalEntries,
			m.contestedRounds,
			m.consensusTotal,
			m.lanesHalted,
			m.storeOpsTotal,
			m.storeOpDuration,
			m.storeRetriesTotal,
			m.checkinsTotal,
			m.instancesByStatus,
			m.streamConnections,
			m.batchFlushesTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetQueueSize(lane string, queueSize int) {
	getMetrics().queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(lane, statusLabel(success)).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

// RecordReport counts a submitted report. reason is empty for accepted reports.
func RecordReport(accepted bool, reason string, items int) {
	m := getMetrics()
	result := "rejected"
	if accepted {
		result = "accepted"
		m.reportItemsTotal.Add(float64(items))
	}
	m.reportsTotal.WithLabelValues(result, reason).Inc()
}

func RecordMerge(duration time.Duration, created, reinforced, duplicates, claims int) {
	m := getMetrics()
	m.mergeDuration.Observe(duration.Seconds())
	m.mergeItemsTotal.WithLabelValues("created").Add(float64(created))
	m.mergeItemsTotal.WithLabelValues("reinforced").Add(float64(reinforced))
	m.mergeItemsTotal.WithLabelValues("duplicate").Add(float64(duplicates))
	m.mergeItemsTotal.WithLabelValues("claimed").Add(float64(claims))
}

func SetCanonicalEntries(agentID string, total int) {
	getMetrics().canonicalEntries.WithLabelValues(agentID).Set(float64(total))
}

func SetContestedRounds(agentID string, total int) {
	getMetrics().contestedRounds.WithLabelValues(agentID).Set(float64(total))
}

// RecordConsensus counts a round event: opened, resolved, contested or expired.
func RecordConsensus(event string) {
	getMetrics().consensusTotal.WithLabelValues(event).Inc()
}

func RecordLaneHalted() {
	getMetrics().lanesHalted.Inc()
}

func RecordStoreOp(op string, duration time.Duration, success bool) {
	m := getMetrics()
	m.storeOpsTotal.WithLabelValues(op, statusLabel(success)).Inc()
	m.storeOpDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func RecordStoreRetry(op string) {
	getMetrics().storeRetriesTotal.WithLabelValues(op).Inc()
}

// RecordCheckIn counts a check-in outcome: answered, rejected, timeout or error.
func RecordCheckIn(result string) {
	getMetrics().checkinsTotal.WithLabelValues(result).Inc()
}

func SetInstancesByStatus(counts map[string]int) {
	m := getMetrics()
	for status, n := range counts {
		m.instancesByStatus.WithLabelValues(status).Set(float64(n))
	}
}

func AddStreamConnections(delta int) {
	getMetrics().streamConnections.Add(float64(delta))
}

// RecordBatchFlush counts a lumped flush by trigger (size, timer, manual, close).
func RecordBatchFlush(trigger string) {
	getMetrics().batchFlushesTotal.WithLabelValues(trigger).Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
