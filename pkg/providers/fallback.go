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
	"time"

	"github.com/avast/retry-go"
	"github.com/samber/lo"
	"go.uber.org/multierr"

	"github.com/awslabs/open-resource-broker/pkg/errors"
)

type FallbackMode string

const (
	FallbackRetryOnly         FallbackMode = "retry_only"
	FallbackRetryThenFallback FallbackMode = "retry_then_fallback"
	FallbackCircuitBreaker    FallbackMode = "circuit_breaker"
)

// RetryConfig is the exponential backoff schedule applied to transient
// failures.
type RetryConfig struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts uint
}

func (r RetryConfig) withDefaults() RetryConfig {
	if r.BaseDelay <= 0 {
		r.BaseDelay = time.Second
	}
	if r.MaxDelay <= 0 {
		r.MaxDelay = 30 * time.Second
	}
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 5
	}
	return r
}

// FallbackStrategy wraps a primary strategy with retry and an ordered list
// of fallbacks. Saturation backs off locally but never falls over to another
// provider; a small queue bound fails fast once exceeded.
type FallbackStrategy struct {
	name      string
	primary   Strategy
	fallbacks []Strategy
	mode      FallbackMode
	retry     RetryConfig
	breaker   *CircuitBreaker
	queue     chan struct{}
}

type FallbackOption func(*FallbackStrategy)

func WithFallbackMode(mode FallbackMode) FallbackOption {
	return func(f *FallbackStrategy) { f.mode = mode }
}

func WithRetryConfig(cfg RetryConfig) FallbackOption {
	return func(f *FallbackStrategy) { f.retry = cfg.withDefaults() }
}

func WithBreaker(breaker *CircuitBreaker) FallbackOption {
	return func(f *FallbackStrategy) { f.breaker = breaker }
}

func WithQueueDepth(depth int) FallbackOption {
	return func(f *FallbackStrategy) { f.queue = make(chan struct{}, depth) }
}

func NewFallbackStrategy(name string, primary Strategy, fallbacks []Strategy, opts ...FallbackOption) *FallbackStrategy {
	f := &FallbackStrategy{
		name:      name,
		primary:   primary,
		fallbacks: fallbacks,
		mode:      FallbackRetryThenFallback,
		retry:     RetryConfig{}.withDefaults(),
		queue:     make(chan struct{}, 16),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *FallbackStrategy) Name() string { return f.name }

// Capabilities is the union over the wrapped strategies.
func (f *FallbackStrategy) Capabilities() []string {
	caps := f.primary.Capabilities()
	for _, fb := range f.fallbacks {
		caps = append(caps, fb.Capabilities()...)
	}
	return lo.Uniq(caps)
}

func (f *FallbackStrategy) CheckHealth(ctx context.Context) HealthStatus {
	status := f.primary.CheckHealth(ctx)
	if status.Healthy {
		return status
	}
	for _, fb := range f.fallbacks {
		if fbStatus := fb.CheckHealth(ctx); fbStatus.Healthy {
			fbStatus.Message = "primary unhealthy, fallback available"
			return fbStatus
		}
	}
	return status
}

func (f *FallbackStrategy) Execute(ctx context.Context, op *Operation) (*Result, error) {
	select {
	case f.queue <- struct{}{}:
		defer func() { <-f.queue }()
	default:
		return nil, errors.New(errors.KindSaturated, "fallback queue for %s is full", f.name)
	}

	result, err := f.executePrimary(ctx, op)
	if err == nil {
		return result, nil
	}
	if f.mode == FallbackRetryOnly || !f.shouldFallOver(err) {
		return nil, err
	}
	errs := err
	for _, fb := range f.fallbacks {
		if f.breaker != nil && !f.breaker.Allow(fb.Name(), op.Kind) {
			errs = multierr.Append(errs, errors.New(errors.KindCircuitOpen, "circuit for fallback %s is open", fb.Name()))
			continue
		}
		result, err = fb.Execute(ctx, op)
		f.recordBreaker(fb.Name(), op.Kind, err)
		if err == nil {
			return result, nil
		}
		errs = multierr.Append(errs, err)
		if !f.shouldFallOver(err) {
			break
		}
	}
	return nil, errors.Wrap(errs, errors.KindProviderTransient, "primary and all fallbacks failed for %s", f.name)
}

func (f *FallbackStrategy) executePrimary(ctx context.Context, op *Operation) (*Result, error) {
	if f.breaker != nil && !f.breaker.Allow(f.primary.Name(), op.Kind) {
		return nil, errors.New(errors.KindCircuitOpen, "circuit for provider %s is open", f.primary.Name())
	}
	var result *Result
	err := retry.Do(
		func() error {
			var execErr error
			result, execErr = f.primary.Execute(ctx, op)
			f.recordBreaker(f.primary.Name(), op.Kind, execErr)
			if execErr != nil && f.breaker != nil && !f.breaker.Allow(f.primary.Name(), op.Kind) {
				// circuit opened mid-retry; stop hammering the primary
				return retry.Unrecoverable(execErr)
			}
			return execErr
		},
		retry.Context(ctx),
		retry.Attempts(f.retry.MaxAttempts),
		retry.Delay(f.retry.BaseDelay),
		retry.MaxDelay(f.retry.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			// permanent errors bypass retry and surface immediately;
			// saturation is retried here with backoff and never falls over
			return errors.IsRetryable(err)
		}),
	)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (f *FallbackStrategy) recordBreaker(name string, kind OperationKind, err error) {
	if f.breaker == nil {
		return
	}
	if err == nil {
		f.breaker.RecordSuccess(name, kind)
		return
	}
	if errors.IsKind(err, errors.KindProviderTransient) || errors.IsKind(err, errors.KindTimeout) {
		f.breaker.RecordFailure(name, kind)
	}
}

// shouldFallOver gates fallback: permanent, validation and saturation
// failures stay local.
func (f *FallbackStrategy) shouldFallOver(err error) bool {
	switch errors.KindOf(err) {
	case errors.KindProviderTransient, errors.KindTimeout, errors.KindCapacity, errors.KindCircuitOpen:
		return true
	}
	return false
}
