/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package providers

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ewmaWindow is the operation window the moving averages weight over.
const ewmaWindow = 64

var (
	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "orb",
		Subsystem: "provider",
		Name:      "operation_duration_seconds",
		Help:      "Latency of provider operations partitioned by provider, operation kind and outcome.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"provider", "operation", "status"})
	operationsInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "orb",
		Subsystem: "provider",
		Name:      "operations_in_flight",
		Help:      "Operations currently executing per provider.",
	}, []string{"provider"})
	circuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "orb",
		Subsystem: "provider",
		Name:      "circuit_open",
		Help:      "1 when the circuit for a provider/operation pair is open.",
	}, []string{"provider", "operation"})
)

// Metrics is a point-in-time snapshot of one strategy's counters.
type Metrics struct {
	Provider            string        `json:"provider"`
	InFlight            int64         `json:"in_flight"`
	Successes           uint64        `json:"successes"`
	Failures            uint64        `json:"failures"`
	SuccessRate         float64       `json:"success_rate"`
	AvgResponseTime     time.Duration `json:"avg_response_time"`
	ConsecutiveFailures int64         `json:"consecutive_failures"`
}

// strategyMetrics tracks per-provider counters. The counters are lock-free
// atomics; the moving averages take a short mutex bounded to O(1) work.
type strategyMetrics struct {
	provider string

	inFlight            atomic.Int64
	successes           atomic.Uint64
	failures            atomic.Uint64
	consecutiveFailures atomic.Int64

	mu          sync.Mutex
	samples     uint64
	ewmaLatency float64 // seconds
	ewmaSuccess float64
}

func newStrategyMetrics(provider string) *strategyMetrics {
	return &strategyMetrics{provider: provider}
}

func (m *strategyMetrics) beginOperation() {
	m.inFlight.Add(1)
	operationsInFlight.WithLabelValues(m.provider).Inc()
}

func (m *strategyMetrics) endOperation(kind OperationKind, duration time.Duration, err error) {
	m.inFlight.Add(-1)
	operationsInFlight.WithLabelValues(m.provider).Dec()

	status := "success"
	success := 1.0
	if err != nil {
		status = "failure"
		success = 0
		m.failures.Add(1)
		m.consecutiveFailures.Add(1)
	} else {
		m.successes.Add(1)
		m.consecutiveFailures.Store(0)
	}
	operationDuration.WithLabelValues(m.provider, string(kind), status).Observe(duration.Seconds())

	const alpha = 2.0 / (ewmaWindow + 1)
	m.mu.Lock()
	if m.samples == 0 {
		m.ewmaLatency = duration.Seconds()
		m.ewmaSuccess = success
	} else {
		m.ewmaLatency = alpha*duration.Seconds() + (1-alpha)*m.ewmaLatency
		m.ewmaSuccess = alpha*success + (1-alpha)*m.ewmaSuccess
	}
	m.samples++
	m.mu.Unlock()
}

// successRate reports the moving success ratio; providers with no samples
// are treated as fully successful so criteria never filter a fresh provider.
func (m *strategyMetrics) successRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.samples == 0 {
		return 1.0
	}
	return m.ewmaSuccess
}

func (m *strategyMetrics) avgLatency() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Duration(m.ewmaLatency * float64(time.Second))
}

func (m *strategyMetrics) snapshot() Metrics {
	return Metrics{
		Provider:            m.provider,
		InFlight:            m.inFlight.Load(),
		Successes:           m.successes.Load(),
		Failures:            m.failures.Load(),
		SuccessRate:         m.successRate(),
		AvgResponseTime:     m.avgLatency(),
		ConsecutiveFailures: m.consecutiveFailures.Load(),
	}
}
