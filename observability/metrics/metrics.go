// Package metrics exposes Prometheus instrumentation for the daemon.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// ChainMetrics tracks RPC endpoint health and transaction submission.
type ChainMetrics struct {
	rotations *prometheus.CounterVec
	pushed    *prometheus.CounterVec
}

var (
	chainOnce     sync.Once
	chainRegistry *ChainMetrics
)

// Chain returns the process-wide chain metrics, registering them on first use.
func Chain() *ChainMetrics {
	chainOnce.Do(func() {
		chainRegistry = &ChainMetrics{
			rotations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "farmhand_endpoint_rotations_total",
				Help: "Count of endpoint failovers by endpoint category.",
			}, []string{"category"}),
			pushed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "farmhand_transactions_pushed_total",
				Help: "Count of pushed transactions by outcome.",
			}, []string{"status"}),
		}
		prometheus.MustRegister(
			chainRegistry.rotations,
			chainRegistry.pushed,
		)
	})
	return chainRegistry
}

func (m *ChainMetrics) EndpointRotated(category string) {
	if m == nil {
		return
	}
	if category == "" {
		category = "unknown"
	}
	m.rotations.WithLabelValues(category).Inc()
}

func (m *ChainMetrics) TransactionPushed(ok bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	m.pushed.WithLabelValues(status).Inc()
}

type workerMetrics struct {
	maintenance *prometheus.CounterVec
	claims      *prometheus.CounterVec
	swaps       *prometheus.CounterVec
}

var (
	workerOnce     sync.Once
	workerRegistry *workerMetrics
)

func workers() *workerMetrics {
	workerOnce.Do(func() {
		workerRegistry = &workerMetrics{
			maintenance: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "farmhand_maintenance_passes_total",
				Help: "Count of completed maintenance passes per account.",
			}, []string{"account"}),
			claims: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "farmhand_claims_total",
				Help: "Count of tool claims by account and outcome.",
			}, []string{"account", "status"}),
			swaps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "farmhand_swaps_executed_total",
				Help: "Count of token swaps executed per account.",
			}, []string{"account"}),
		}
		prometheus.MustRegister(
			workerRegistry.maintenance,
			workerRegistry.claims,
			workerRegistry.swaps,
		)
	})
	return workerRegistry
}

// WorkerMetrics is a per-account view over the shared worker counters.
type WorkerMetrics struct {
	account string
	shared  *workerMetrics
}

// Worker returns metrics bound to the given account name.
func Worker(account string) *WorkerMetrics {
	if account == "" {
		account = "unknown"
	}
	return &WorkerMetrics{account: account, shared: workers()}
}

func (m *WorkerMetrics) MaintenancePass() {
	if m == nil {
		return
	}
	m.shared.maintenance.WithLabelValues(m.account).Inc()
}

func (m *WorkerMetrics) ClaimSucceeded() {
	if m == nil {
		return
	}
	m.shared.claims.WithLabelValues(m.account, "ok").Inc()
}

func (m *WorkerMetrics) ClaimFailed() {
	if m == nil {
		return
	}
	m.shared.claims.WithLabelValues(m.account, "error").Inc()
}

func (m *WorkerMetrics) SwapExecuted() {
	if m == nil {
		return
	}
	m.shared.swaps.WithLabelValues(m.account).Inc()
}
