package main

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// SupervisorMetrics exports worker lifecycle state and the pool snapshots
// workers report over their event pipes.
type SupervisorMetrics struct {
	Registry *prometheus.Registry

	workers   *prometheus.GaugeVec
	exits     *prometheus.CounterVec
	poolStats *poolStatsCollector
}

func NewSupervisorMetrics() *SupervisorMetrics {
	m := &SupervisorMetrics{
		Registry: prometheus.NewRegistry(),
		workers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pixd",
			Name:      "workers",
			Help:      "Number of worker processes by lifecycle state.",
		}, []string{"state"}),
		exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pixd",
			Name:      "worker_exits_total",
			Help:      "Worker process exits by outcome.",
		}, []string{"outcome"}),
		poolStats: &poolStatsCollector{latest: make(map[int]PoolStats)},
	}

	m.Registry.MustRegister(
		m.workers,
		m.exits,
		m.poolStats,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// SetWorkerStates replaces the per-state worker gauges.
func (m *SupervisorMetrics) SetWorkerStates(counts map[WorkerState]int) {
	for _, state := range []WorkerState{WorkerStateStarting, WorkerStateOnline, WorkerStateListening, WorkerStateExited} {
		m.workers.WithLabelValues(state.String()).Set(float64(counts[state]))
	}
}

// WorkerExited counts an exit; outcome is "clean", "error" or "signal".
func (m *SupervisorMetrics) WorkerExited(outcome string) {
	m.exits.WithLabelValues(outcome).Inc()
}

// ObservePool stores the latest pool snapshot of a worker.
func (m *SupervisorMetrics) ObservePool(workerID int, stats PoolStats) {
	m.poolStats.mu.Lock()
	m.poolStats.latest[workerID] = stats
	m.poolStats.mu.Unlock()
}

// ForgetPool drops the snapshot of an exited worker.
func (m *SupervisorMetrics) ForgetPool(workerID int) {
	m.poolStats.mu.Lock()
	delete(m.poolStats.latest, workerID)
	m.poolStats.mu.Unlock()
}

var (
	poolConnectionsDesc = prometheus.NewDesc(
		"pixd_pool_connections",
		"Backend connections per worker pool by state.",
		[]string{"worker", "pool", "state"}, nil)
	poolMaxDesc = prometheus.NewDesc(
		"pixd_pool_max_connections",
		"Configured pool bound per worker.",
		[]string{"worker", "pool"}, nil)
	poolWaitingDesc = prometheus.NewDesc(
		"pixd_pool_waiting_acquires",
		"Acquirers queued on a saturated pool.",
		[]string{"worker", "pool"}, nil)
	poolCreatedDesc = prometheus.NewDesc(
		"pixd_pool_created_connections_total",
		"Backend connections created.",
		[]string{"worker", "pool"}, nil)
	poolDestroyedDesc = prometheus.NewDesc(
		"pixd_pool_destroyed_connections_total",
		"Backend connections destroyed.",
		[]string{"worker", "pool"}, nil)
	poolFailuresDesc = prometheus.NewDesc(
		"pixd_pool_create_failures_total",
		"Failed backend connection attempts.",
		[]string{"worker", "pool"}, nil)
)

type poolStatsCollector struct {
	mu     sync.Mutex
	latest map[int]PoolStats
}

func (c *poolStatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- poolConnectionsDesc
	ch <- poolMaxDesc
	ch <- poolWaitingDesc
	ch <- poolCreatedDesc
	ch <- poolDestroyedDesc
	ch <- poolFailuresDesc
}

func (c *poolStatsCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, s := range c.latest {
		worker := strconv.Itoa(id)
		ch <- prometheus.MustNewConstMetric(poolConnectionsDesc, prometheus.GaugeValue, float64(s.Idle), worker, s.Name, "idle")
		ch <- prometheus.MustNewConstMetric(poolConnectionsDesc, prometheus.GaugeValue, float64(s.InUse), worker, s.Name, "in_use")
		ch <- prometheus.MustNewConstMetric(poolConnectionsDesc, prometheus.GaugeValue, float64(s.Creating), worker, s.Name, "creating")
		ch <- prometheus.MustNewConstMetric(poolMaxDesc, prometheus.GaugeValue, float64(s.Max), worker, s.Name)
		ch <- prometheus.MustNewConstMetric(poolWaitingDesc, prometheus.GaugeValue, float64(s.Waiting), worker, s.Name)
		ch <- prometheus.MustNewConstMetric(poolCreatedDesc, prometheus.CounterValue, float64(s.Created), worker, s.Name)
		ch <- prometheus.MustNewConstMetric(poolDestroyedDesc, prometheus.CounterValue, float64(s.Destroyed), worker, s.Name)
		ch <- prometheus.MustNewConstMetric(poolFailuresDesc, prometheus.CounterValue, float64(s.Failures), worker, s.Name)
	}
}
