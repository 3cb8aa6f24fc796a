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
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/awslabs/open-resource-broker/pkg/apis"
	"github.com/awslabs/open-resource-broker/pkg/errors"
	"github.com/awslabs/open-resource-broker/pkg/events"
)

// DefaultMaxInFlight bounds concurrent operations per provider before local
// back-pressure kicks in.
const DefaultMaxInFlight = 50

// registration is one named strategy plus its runtime state.
type registration struct {
	strategy    Strategy
	priority    int
	weight      int
	maxInFlight int
	enabled     bool
	metrics     *strategyMetrics

	healthMu   sync.Mutex
	healthy    bool
	lastHealth HealthStatus
}

func (r *registration) name() string { return r.strategy.Name() }

func (r *registration) isHealthy() bool {
	r.healthMu.Lock()
	defer r.healthMu.Unlock()
	return r.healthy
}

// setHealth records an observation and reports whether healthiness flipped.
func (r *registration) setHealth(status HealthStatus) bool {
	r.healthMu.Lock()
	defer r.healthMu.Unlock()
	changed := r.healthy != status.Healthy
	r.healthy = status.Healthy
	r.lastHealth = status
	return changed
}

type RegistrationOption func(*registration)

func WithPriority(priority int) RegistrationOption {
	return func(r *registration) { r.priority = priority }
}

func WithWeight(weight int) RegistrationOption {
	return func(r *registration) { r.weight = weight }
}

func WithMaxInFlight(n int) RegistrationOption {
	return func(r *registration) { r.maxInFlight = n }
}

// Context holds the runtime set of provider strategies, the active selection
// policy and criteria, per-strategy metrics and the circuit breaker.
// Selection is linearizable per Context: one critical section updates the
// rotation cursors and reads metrics. Executions against chosen providers run
// outside the lock and are concurrent with one another.
type Context struct {
	mu            sync.Mutex
	registrations map[string]*registration
	policy        SelectionPolicy
	criteria      Criteria
	rrCursor      uint64
	breaker       *CircuitBreaker
	publisher     events.Publisher
	rng           *rand.Rand
}

type ContextOption func(*Context)

func WithCircuitBreaker(breaker *CircuitBreaker) ContextOption {
	return func(c *Context) { c.breaker = breaker }
}

func WithPublisher(publisher events.Publisher) ContextOption {
	return func(c *Context) { c.publisher = publisher }
}

func NewContext(opts ...ContextOption) *Context {
	c := &Context{
		registrations: map[string]*registration{},
		policy:        PolicyFirstAvailable,
		publisher:     events.NopPublisher{},
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterStrategy registers a strategy, idempotent by provider name.
// Re-registration replaces the prior binding and resets runtime state.
func (c *Context) RegisterStrategy(s Strategy, opts ...RegistrationOption) {
	reg := &registration{
		strategy:    s,
		weight:      1,
		maxInFlight: DefaultMaxInFlight,
		enabled:     true,
		metrics:     newStrategyMetrics(s.Name()),
		healthy:     true,
	}
	for _, opt := range opts {
		opt(reg)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registrations[s.Name()] = reg
}

func (c *Context) SetSelectionPolicy(policy SelectionPolicy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policy = policy
}

func (c *Context) SetSelectionCriteria(criteria Criteria) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.criteria = criteria
}

// SetEnabled switches a provider in or out of the eligible set at runtime.
func (c *Context) SetEnabled(name string, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	reg, ok := c.registrations[name]
	if !ok {
		return errors.NotFound("provider %s is not registered", name)
	}
	reg.enabled = enabled
	return nil
}

func (c *Context) Providers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := lo.Keys(c.registrations)
	sort.Strings(names)
	return names
}

// Execute selects a provider under the context lock, then invokes it outside
// the lock and records metrics and circuit outcomes atomically.
func (c *Context) Execute(ctx context.Context, op *Operation) (*Result, error) {
	reg, err := c.selectFor(op)
	if err != nil {
		return nil, err
	}
	return c.executeOn(ctx, reg, op)
}

// ExecuteOn bypasses selection and runs the operation on a named provider.
// Used by the dispatcher when a request is already bound to a provider.
func (c *Context) ExecuteOn(ctx context.Context, name string, op *Operation) (*Result, error) {
	c.mu.Lock()
	reg, ok := c.registrations[name]
	c.mu.Unlock()
	if !ok {
		return nil, errors.NotFound("provider %s is not registered", name)
	}
	return c.executeOn(ctx, reg, op)
}

func (c *Context) executeOn(ctx context.Context, reg *registration, op *Operation) (*Result, error) {
	if c.breaker != nil && !c.breaker.Allow(reg.name(), op.Kind) {
		return nil, errors.New(errors.KindCircuitOpen, "circuit for provider %s is open", reg.name())
	}
	if reg.metrics.inFlight.Load() >= int64(reg.maxInFlight) {
		return nil, errors.New(errors.KindSaturated, "provider %s is at its in-flight limit of %d", reg.name(), reg.maxInFlight)
	}
	reg.metrics.beginOperation()
	start := time.Now()
	result, err := reg.strategy.Execute(ctx, op)
	reg.metrics.endOperation(op.Kind, time.Since(start), err)

	if err != nil {
		if errors.IsKind(err, errors.KindProviderTransient) || errors.IsKind(err, errors.KindTimeout) {
			c.breaker.RecordFailure(reg.name(), op.Kind)
			if c.breaker.State(reg.name(), op.Kind) == BreakerOpen {
				c.MarkUnhealthy(ctx, reg.name(), "circuit open after consecutive failures")
			}
		}
		return nil, err
	}
	c.breaker.RecordSuccess(reg.name(), op.Kind)
	if result == nil {
		result = &Result{}
	}
	result.Provider = reg.name()
	return result, nil
}

// selectFor runs the active policy over the eligible set. An empty registry
// or a fully filtered set returns NoProviderAvailable without touching any
// metrics; a set eliminated solely by open circuits reports CircuitOpen.
func (c *Context) selectFor(op *Operation) (*registration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	candidates := lo.Filter(lo.Values(c.registrations), func(r *registration, _ int) bool {
		return r.enabled && c.matchesCriteria(r)
	})
	if len(candidates) == 0 {
		return nil, errors.New(errors.KindNoProviderAvailable, "no provider matches the active selection criteria")
	}
	eligible := lo.Filter(candidates, func(r *registration, _ int) bool {
		return c.breaker == nil || c.breaker.State(r.name(), op.Kind) != BreakerOpen
	})
	if len(eligible) == 0 {
		return nil, errors.New(errors.KindCircuitOpen, "all eligible provider circuits are open")
	}
	sortByPriority(eligible)

	switch c.policy {
	case PolicyRoundRobin:
		c.rrCursor++
		return eligible[int(c.rrCursor-1)%len(eligible)], nil
	case PolicyWeightedRoundRobin:
		return c.selectWeighted(eligible)
	case PolicyLeastConnections:
		return lo.MinBy(eligible, func(a, b *registration) bool {
			ai, bi := a.metrics.inFlight.Load(), b.metrics.inFlight.Load()
			if ai != bi {
				return ai < bi
			}
			return a.priority < b.priority
		}), nil
	case PolicyFastestResponse:
		return lo.MinBy(eligible, func(a, b *registration) bool {
			return a.metrics.avgLatency() < b.metrics.avgLatency()
		}), nil
	case PolicyHighestSuccessRate:
		return lo.MaxBy(eligible, func(a, b *registration) bool {
			return a.metrics.successRate() > b.metrics.successRate()
		}), nil
	case PolicyCapabilityBased:
		// criteria already filtered on required capabilities
		return eligible[0], nil
	case PolicyHealthBased:
		return c.selectByHealthScore(eligible), nil
	case PolicyRandom:
		return eligible[c.rng.Intn(len(eligible))], nil
	default: // PolicyFirstAvailable
		healthy := lo.Filter(eligible, func(r *registration, _ int) bool { return r.isHealthy() })
		if len(healthy) == 0 {
			return nil, errors.New(errors.KindNoProviderAvailable, "no healthy provider available")
		}
		return healthy[0], nil
	}
}

// selectWeighted treats the integer weights as positions on a virtual ring.
// Weight-zero providers never receive traffic.
func (c *Context) selectWeighted(eligible []*registration) (*registration, error) {
	weighted := lo.Filter(eligible, func(r *registration, _ int) bool { return r.weight > 0 })
	if len(weighted) == 0 {
		return nil, errors.New(errors.KindNoProviderAvailable, "no provider carries a positive weight")
	}
	total := lo.SumBy(weighted, func(r *registration) int { return r.weight })
	c.rrCursor++
	pos := int(c.rrCursor-1) % total
	for _, r := range weighted {
		if pos < r.weight {
			return r, nil
		}
		pos -= r.weight
	}
	return weighted[len(weighted)-1], nil
}

// selectByHealthScore scores healthy providers by success rate against
// normalized latency with fixed weights.
func (c *Context) selectByHealthScore(eligible []*registration) *registration {
	const successWeight, latencyWeight = 0.7, 0.3
	healthy := lo.Filter(eligible, func(r *registration, _ int) bool { return r.isHealthy() })
	if len(healthy) == 0 {
		healthy = eligible
	}
	maxLatency := float64(lo.MaxBy(healthy, func(a, b *registration) bool {
		return a.metrics.avgLatency() > b.metrics.avgLatency()
	}).metrics.avgLatency())
	return lo.MaxBy(healthy, func(a, b *registration) bool {
		return healthScore(a, maxLatency, successWeight, latencyWeight) >
			healthScore(b, maxLatency, successWeight, latencyWeight)
	})
}

func healthScore(r *registration, maxLatency, successWeight, latencyWeight float64) float64 {
	normalized := 0.0
	if maxLatency > 0 {
		normalized = float64(r.metrics.avgLatency()) / maxLatency
	}
	return successWeight*r.metrics.successRate() - latencyWeight*normalized
}

func (c *Context) matchesCriteria(r *registration) bool {
	cr := c.criteria
	if cr.RequireHealthy && !r.isHealthy() {
		return false
	}
	if cr.MinSuccessRate > 0 && r.metrics.successRate() < cr.MinSuccessRate {
		return false
	}
	if cr.MaxResponseTime > 0 && r.metrics.avgLatency() > cr.MaxResponseTime {
		return false
	}
	if len(cr.RequiredCapabilities) > 0 {
		caps := r.strategy.Capabilities()
		for _, required := range cr.RequiredCapabilities {
			if !lo.Contains(caps, required) {
				return false
			}
		}
	}
	return true
}

func sortByPriority(regs []*registration) {
	sort.SliceStable(regs, func(i, j int) bool {
		if regs[i].priority != regs[j].priority {
			return regs[i].priority < regs[j].priority
		}
		return regs[i].name() < regs[j].name()
	})
}

// CheckHealth runs health checks against the named providers, or all of them
// when no names are given, and publishes ProviderHealthChanged on flips.
func (c *Context) CheckHealth(ctx context.Context, names ...string) (map[string]HealthStatus, error) {
	c.mu.Lock()
	regs := lo.Values(c.registrations)
	c.mu.Unlock()
	if len(names) > 0 {
		regs = lo.Filter(regs, func(r *registration, _ int) bool { return lo.Contains(names, r.name()) })
		if len(regs) == 0 {
			return nil, errors.NotFound("no registered provider matches %v", names)
		}
	}

	statuses := map[string]HealthStatus{}
	var statusMu sync.Mutex
	var wg sync.WaitGroup
	for _, reg := range regs {
		wg.Add(1)
		go func(reg *registration) {
			defer wg.Done()
			status := reg.strategy.CheckHealth(ctx)
			if status.CheckedAt.IsZero() {
				status.CheckedAt = time.Now().UTC()
			}
			if reg.setHealth(status) {
				c.publisher.Publish(ctx, &apis.ProviderHealthChanged{
					Provider: reg.name(),
					Healthy:  status.Healthy,
					Message:  status.Message,
					At:       status.CheckedAt,
				})
			}
			statusMu.Lock()
			statuses[reg.name()] = status
			statusMu.Unlock()
		}(reg)
	}
	wg.Wait()
	return statuses, nil
}

// MarkUnhealthy pushes a passive health observation; executeOn calls it when
// a provider's circuit opens.
func (c *Context) MarkUnhealthy(ctx context.Context, name, message string) {
	c.mu.Lock()
	reg, ok := c.registrations[name]
	c.mu.Unlock()
	if !ok {
		return
	}
	if reg.setHealth(HealthStatus{Healthy: false, Message: message, CheckedAt: time.Now().UTC()}) {
		c.publisher.Publish(ctx, &apis.ProviderHealthChanged{
			Provider: name, Healthy: false, Message: message, At: time.Now().UTC(),
		})
	}
}

// Metrics returns snapshots for the named providers, or all of them.
func (c *Context) Metrics(names ...string) map[string]Metrics {
	c.mu.Lock()
	regs := lo.Values(c.registrations)
	c.mu.Unlock()
	if len(names) > 0 {
		regs = lo.Filter(regs, func(r *registration, _ int) bool { return lo.Contains(names, r.name()) })
	}
	return lo.SliceToMap(regs, func(r *registration) (string, Metrics) {
		return r.name(), r.metrics.snapshot()
	})
}

// Breaker exposes the circuit breaker for introspection surfaces.
func (c *Context) Breaker() *CircuitBreaker { return c.breaker }
