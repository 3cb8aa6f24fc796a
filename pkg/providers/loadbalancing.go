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
	"context"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"github.com/samber/lo"
	"go.uber.org/multierr"

	"github.com/awslabs/open-resource-broker/pkg/errors"
)

type LoadBalancingAlgorithm string

const (
	LBRoundRobin         LoadBalancingAlgorithm = "round_robin"
	LBWeightedRoundRobin LoadBalancingAlgorithm = "weighted_round_robin"
	LBLeastConnections   LoadBalancingAlgorithm = "least_connections"
	LBHash               LoadBalancingAlgorithm = "hash"
	LBAdaptive           LoadBalancingAlgorithm = "adaptive"
)

type HealthCheckMode string

const (
	HealthCheckPassive HealthCheckMode = "passive"
	HealthCheckActive  HealthCheckMode = "active"
	HealthCheckHybrid  HealthCheckMode = "hybrid"
)

// passiveUnhealthyAfter is the consecutive-failure streak that marks a
// backend unhealthy under passive health checking.
const passiveUnhealthyAfter = 3

type lbBackend struct {
	strategy Strategy
	weight   int

	inFlight       atomic.Int64
	consecutiveErr atomic.Int64
	healthy        atomic.Bool

	mu             sync.Mutex
	adaptiveWeight float64 // tracks observed success rate
}

func (b *lbBackend) effectiveWeight(adaptive bool) float64 {
	if !adaptive {
		return float64(b.weight)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return float64(b.weight) * b.adaptiveWeight
}

func (b *lbBackend) observe(err error) {
	if err == nil {
		b.consecutiveErr.Store(0)
		b.healthy.Store(true)
	} else if b.consecutiveErr.Add(1) >= passiveUnhealthyAfter {
		b.healthy.Store(false)
	}
	const alpha = 2.0 / (ewmaWindow + 1)
	b.mu.Lock()
	b.adaptiveWeight = alpha*lo.Ternary(err == nil, 1.0, 0.0) + (1-alpha)*b.adaptiveWeight
	b.mu.Unlock()
}

// LoadBalancingStrategy spreads operations over a set of backends. Saturated
// backends are skipped in favor of the next candidate; when every backend is
// saturated the operation fails fast.
type LoadBalancingStrategy struct {
	name        string
	algorithm   LoadBalancingAlgorithm
	hcMode      HealthCheckMode
	hcInterval  time.Duration
	maxInFlight int64
	backends    []*lbBackend
	cursor      atomic.Uint64
	stop        chan struct{}
	stopOnce    sync.Once
}

type LoadBalancingOption func(*LoadBalancingStrategy)

func WithAlgorithm(algorithm LoadBalancingAlgorithm) LoadBalancingOption {
	return func(l *LoadBalancingStrategy) { l.algorithm = algorithm }
}

func WithHealthCheckMode(mode HealthCheckMode, interval time.Duration) LoadBalancingOption {
	return func(l *LoadBalancingStrategy) {
		l.hcMode = mode
		l.hcInterval = interval
	}
}

func WithBackendMaxInFlight(n int64) LoadBalancingOption {
	return func(l *LoadBalancingStrategy) { l.maxInFlight = n }
}

// Weighted pairs a strategy with its static weight for weighted algorithms.
type Weighted struct {
	Strategy Strategy
	Weight   int
}

func NewLoadBalancingStrategy(name string, backends []Weighted, opts ...LoadBalancingOption) (*LoadBalancingStrategy, error) {
	if len(backends) == 0 {
		return nil, errors.Validation("load balancing strategy %s requires at least one backend", name)
	}
	l := &LoadBalancingStrategy{
		name:        name,
		algorithm:   LBRoundRobin,
		hcMode:      HealthCheckPassive,
		hcInterval:  30 * time.Second,
		maxInFlight: DefaultMaxInFlight,
		stop:        make(chan struct{}),
	}
	for _, b := range backends {
		backend := &lbBackend{strategy: b.Strategy, weight: b.Weight, adaptiveWeight: 1.0}
		backend.healthy.Store(true)
		l.backends = append(l.backends, backend)
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func (l *LoadBalancingStrategy) Name() string { return l.name }

func (l *LoadBalancingStrategy) Capabilities() []string {
	return lo.Uniq(lo.FlatMap(l.backends, func(b *lbBackend, _ int) []string { return b.strategy.Capabilities() }))
}

func (l *LoadBalancingStrategy) CheckHealth(ctx context.Context) HealthStatus {
	healthy := lo.CountBy(l.backends, func(b *lbBackend) bool { return b.healthy.Load() })
	return HealthStatus{
		Healthy:   healthy > 0,
		Message:   lo.Ternary(healthy == len(l.backends), "", "degraded"),
		CheckedAt: time.Now().UTC(),
	}
}

// Start launches the active health-check loop when the mode calls for one.
func (l *LoadBalancingStrategy) Start(ctx context.Context) {
	if l.hcMode == HealthCheckPassive {
		return
	}
	go func() {
		ticker := time.NewTicker(l.hcInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stop:
				return
			case <-ticker.C:
				for _, b := range l.backends {
					status := b.strategy.CheckHealth(ctx)
					b.healthy.Store(status.Healthy)
					if status.Healthy {
						b.consecutiveErr.Store(0)
					}
				}
			}
		}
	}()
}

func (l *LoadBalancingStrategy) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *LoadBalancingStrategy) Execute(ctx context.Context, op *Operation) (*Result, error) {
	candidates := l.candidates(op)
	if len(candidates) == 0 {
		return nil, errors.New(errors.KindNoProviderAvailable, "no healthy backend in %s", l.name)
	}
	var errs error
	for _, b := range candidates {
		if b.inFlight.Load() >= l.maxInFlight {
			errs = multierr.Append(errs, errors.New(errors.KindSaturated, "backend %s is saturated", b.strategy.Name()))
			continue
		}
		b.inFlight.Add(1)
		result, err := b.strategy.Execute(ctx, op)
		b.inFlight.Add(-1)
		if l.hcMode != HealthCheckActive {
			b.observe(err)
		}
		if err == nil {
			return result, nil
		}
		errs = multierr.Append(errs, err)
		if !errors.IsRetryable(err) {
			return nil, err
		}
	}
	if lo.EveryBy(multierr.Errors(errs), func(err error) bool { return errors.IsKind(err, errors.KindSaturated) }) {
		return nil, errors.Wrap(errs, errors.KindSaturated, "every backend in %s is at its in-flight limit", l.name)
	}
	return nil, errors.Wrap(errs, errors.KindProviderTransient, "all backends in %s failed", l.name)
}

// candidates orders healthy backends according to the algorithm; the first
// entry is the preferred backend and the rest are skip-ahead candidates.
func (l *LoadBalancingStrategy) candidates(op *Operation) []*lbBackend {
	healthy := lo.Filter(l.backends, func(b *lbBackend, _ int) bool { return b.healthy.Load() })
	if len(healthy) == 0 {
		return nil
	}
	switch l.algorithm {
	case LBLeastConnections:
		ordered := append([]*lbBackend{}, healthy...)
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].inFlight.Load() < ordered[j].inFlight.Load()
		})
		return ordered
	case LBHash:
		hash, err := hashstructure.Hash(op.Key, hashstructure.FormatV2, nil)
		if err != nil {
			hash = 0
		}
		start := int(hash % uint64(len(healthy)))
		return append(healthy[start:], healthy[:start]...)
	case LBWeightedRoundRobin, LBAdaptive:
		adaptive := l.algorithm == LBAdaptive
		weighted := lo.Filter(healthy, func(b *lbBackend, _ int) bool { return b.effectiveWeight(adaptive) > 0 })
		if len(weighted) == 0 {
			return nil
		}
		// virtual ring: quantize weights so adaptive fractions still rotate
		ring := lo.Map(weighted, func(b *lbBackend, _ int) int {
			return int(math.Ceil(b.effectiveWeight(adaptive) * 10))
		})
		total := lo.Sum(ring)
		pos := int(l.cursor.Add(1)-1) % total
		for i, w := range ring {
			if pos < w {
				return append(weighted[i:], weighted[:i]...)
			}
			pos -= w
		}
		return weighted
	default: // round robin
		start := int(l.cursor.Add(1)-1) % len(healthy)
		return append(healthy[start:], healthy[:start]...)
	}
}
