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
	"sync"
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/awslabs/open-resource-broker/pkg/errors"
)

type CompositionMode string

const (
	// CompositionParallel runs all inner strategies concurrently and merges
	// every success; it fails only when all of them fail.
	CompositionParallel CompositionMode = "parallel"
	// CompositionSequential tries inner strategies in order until one
	// succeeds.
	CompositionSequential CompositionMode = "sequential"
	// CompositionRedundant runs at least three inner strategies and succeeds
	// when a majority agree on the result.
	CompositionRedundant CompositionMode = "redundant"
)

// CompositeStrategy executes an operation against a set of inner strategies
// under a composition mode.
type CompositeStrategy struct {
	name             string
	mode             CompositionMode
	inner            []Strategy
	failureThreshold float64
}

type CompositeOption func(*CompositeStrategy)

// WithFailureThreshold fails a redundant composition once the failing
// fraction exceeds the ratio, regardless of agreement.
func WithFailureThreshold(ratio float64) CompositeOption {
	return func(c *CompositeStrategy) { c.failureThreshold = ratio }
}

func NewCompositeStrategy(name string, mode CompositionMode, inner []Strategy, opts ...CompositeOption) (*CompositeStrategy, error) {
	if len(inner) == 0 {
		return nil, errors.Validation("composite strategy %s requires at least one inner strategy", name)
	}
	if mode == CompositionRedundant && len(inner) < 3 {
		return nil, errors.Validation("redundant composition requires at least 3 strategies, got %d", len(inner))
	}
	c := &CompositeStrategy{name: name, mode: mode, inner: inner, failureThreshold: 1.0}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *CompositeStrategy) Name() string { return c.name }

func (c *CompositeStrategy) Capabilities() []string {
	return lo.Uniq(lo.FlatMap(c.inner, func(s Strategy, _ int) []string { return s.Capabilities() }))
}

func (c *CompositeStrategy) CheckHealth(ctx context.Context) HealthStatus {
	healthy := lo.CountBy(c.inner, func(s Strategy) bool { return s.CheckHealth(ctx).Healthy })
	return HealthStatus{
		Healthy:   healthy > 0,
		Message:   lo.Ternary(healthy == len(c.inner), "", "degraded"),
		CheckedAt: time.Now().UTC(),
	}
}

func (c *CompositeStrategy) Execute(ctx context.Context, op *Operation) (*Result, error) {
	switch c.mode {
	case CompositionSequential:
		return c.executeSequential(ctx, op)
	case CompositionRedundant:
		return c.executeRedundant(ctx, op)
	default:
		return c.executeParallel(ctx, op)
	}
}

func (c *CompositeStrategy) executeSequential(ctx context.Context, op *Operation) (*Result, error) {
	var errs error
	for _, s := range c.inner {
		result, err := s.Execute(ctx, op)
		if err == nil {
			return result, nil
		}
		errs = multierr.Append(errs, err)
		if errors.IsKind(err, errors.KindCancelled) || errors.IsKind(err, errors.KindTimeout) {
			break
		}
	}
	return nil, errors.Wrap(errs, errors.KindProviderTransient, "all strategies in %s failed", c.name)
}

func (c *CompositeStrategy) executeParallel(ctx context.Context, op *Operation) (*Result, error) {
	results := make([]*Result, len(c.inner))
	execErrs := make([]error, len(c.inner))
	g, ctx := errgroup.WithContext(ctx)
	for i, s := range c.inner {
		g.Go(func() error {
			results[i], execErrs[i] = s.Execute(ctx, op)
			return nil
		})
	}
	_ = g.Wait()

	successes := lo.Filter(results, func(r *Result, i int) bool { return execErrs[i] == nil })
	if len(successes) == 0 {
		return nil, errors.Wrap(multierr.Combine(execErrs...), errors.KindProviderTransient, "all strategies in %s failed", c.name)
	}
	return &Result{
		Provider: c.name,
		Data: lo.Map(successes, func(r *Result, _ int) interface{} {
			return r.Data
		}),
	}, nil
}

func (c *CompositeStrategy) executeRedundant(ctx context.Context, op *Operation) (*Result, error) {
	type vote struct {
		result *Result
		err    error
	}
	votes := make([]vote, len(c.inner))
	var wg sync.WaitGroup
	for i, s := range c.inner {
		wg.Add(1)
		go func(i int, s Strategy) {
			defer wg.Done()
			r, err := s.Execute(ctx, op)
			votes[i] = vote{result: r, err: err}
		}(i, s)
	}
	wg.Wait()

	failures := lo.CountBy(votes, func(v vote) bool { return v.err != nil })
	if float64(failures)/float64(len(votes)) > c.failureThreshold {
		return nil, errors.New(errors.KindProviderTransient,
			"%d of %d redundant executions failed, above the configured threshold", failures, len(votes))
	}

	// group agreeing results by a structural hash of their data
	quorum := (len(c.inner) + 1) / 2
	buckets := map[uint64][]*Result{}
	for _, v := range votes {
		if v.err != nil {
			continue
		}
		hash, err := hashstructure.Hash(v.result.Data, hashstructure.FormatV2, nil)
		if err != nil {
			continue
		}
		buckets[hash] = append(buckets[hash], v.result)
	}
	for _, agreeing := range buckets {
		if len(agreeing) >= quorum {
			result := agreeing[0]
			result.Provider = c.name
			return result, nil
		}
	}
	return nil, errors.New(errors.KindProviderTransient,
		"no majority agreement across %d redundant executions", len(votes))
}
