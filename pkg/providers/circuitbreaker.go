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
	"time"
)

type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitBreakerConfig tunes the per-provider circuit. PerOperation keys the
// circuit by (provider, operation kind); otherwise one circuit guards the
// whole provider.
type CircuitBreakerConfig struct {
	Enabled          bool
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenMaxCalls int
	PerOperation     bool
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 1
	}
	return c
}

type breakerEntry struct {
	state               BreakerState
	consecutiveFailures int
	openedAt            time.Time
	halfOpenCalls       int
}

// CircuitBreaker suppresses calls to a failing backend. Open circuits reject
// immediately; after the recovery timeout a bounded number of trial calls is
// allowed and the first success closes the circuit again.
type CircuitBreaker struct {
	mu      sync.Mutex
	cfg     CircuitBreakerConfig
	entries map[string]*breakerEntry
	now     func() time.Time
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:     cfg.withDefaults(),
		entries: map[string]*breakerEntry{},
		now:     time.Now,
	}
}

func (b *CircuitBreaker) key(provider string, kind OperationKind) string {
	if b.cfg.PerOperation {
		return provider + "/" + string(kind)
	}
	return provider
}

func (b *CircuitBreaker) entry(provider string, kind OperationKind) *breakerEntry {
	key := b.key(provider, kind)
	e, ok := b.entries[key]
	if !ok {
		e = &breakerEntry{state: BreakerClosed}
		b.entries[key] = e
	}
	return e
}

// Allow reports whether a call may proceed and accounts for half-open trial
// budget.
func (b *CircuitBreaker) Allow(provider string, kind OperationKind) bool {
	if b == nil || !b.cfg.Enabled {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(provider, kind)
	switch e.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(e.openedAt) >= b.cfg.RecoveryTimeout {
			e.state = BreakerHalfOpen
			e.halfOpenCalls = 1
			circuitState.WithLabelValues(provider, string(kind)).Set(0)
			return true
		}
		return false
	case BreakerHalfOpen:
		if e.halfOpenCalls < b.cfg.HalfOpenMaxCalls {
			e.halfOpenCalls++
			return true
		}
		return false
	}
	return true
}

func (b *CircuitBreaker) RecordSuccess(provider string, kind OperationKind) {
	if b == nil || !b.cfg.Enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(provider, kind)
	e.state = BreakerClosed
	e.consecutiveFailures = 0
	e.halfOpenCalls = 0
	circuitState.WithLabelValues(provider, string(kind)).Set(0)
}

func (b *CircuitBreaker) RecordFailure(provider string, kind OperationKind) {
	if b == nil || !b.cfg.Enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(provider, kind)
	switch e.state {
	case BreakerHalfOpen:
		b.open(e, provider, kind)
	case BreakerClosed:
		e.consecutiveFailures++
		if e.consecutiveFailures >= b.cfg.FailureThreshold {
			b.open(e, provider, kind)
		}
	}
}

func (b *CircuitBreaker) open(e *breakerEntry, provider string, kind OperationKind) {
	e.state = BreakerOpen
	e.openedAt = b.now()
	e.halfOpenCalls = 0
	circuitState.WithLabelValues(provider, string(kind)).Set(1)
}

// State reports the current state without consuming half-open trial budget.
// An open circuit past its recovery timeout reports half-open so selection
// can consider the provider again; the transition itself happens in Allow.
func (b *CircuitBreaker) State(provider string, kind OperationKind) BreakerState {
	if b == nil || !b.cfg.Enabled {
		return BreakerClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(provider, kind)
	if e.state == BreakerOpen && b.now().Sub(e.openedAt) >= b.cfg.RecoveryTimeout {
		return BreakerHalfOpen
	}
	return e.state
}
