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

package providers_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/awslabs/open-resource-broker/pkg/apis"
	"github.com/awslabs/open-resource-broker/pkg/errors"
	"github.com/awslabs/open-resource-broker/pkg/fake"
	"github.com/awslabs/open-resource-broker/pkg/providers"
)

func capabilitiesOp() *providers.Operation {
	return &providers.Operation{Kind: providers.OpGetCapabilities}
}

var _ = Describe("Provider Selection", func() {
	var engine *providers.Context

	BeforeEach(func() {
		engine = providers.NewContext()
	})

	It("returns NoProviderAvailable on an empty registry without touching metrics", func() {
		_, err := engine.Execute(ctx, capabilitiesOp())
		Expect(errors.IsKind(err, errors.KindNoProviderAvailable)).To(BeTrue())
		Expect(engine.Metrics()).To(BeEmpty())
	})

	It("selects the first available provider in priority order", func() {
		second := fake.NewStrategy("second")
		first := fake.NewStrategy("first")
		engine.RegisterStrategy(second, providers.WithPriority(2))
		engine.RegisterStrategy(first, providers.WithPriority(1))

		for i := 0; i < 3; i++ {
			result, err := engine.Execute(ctx, capabilitiesOp())
			Expect(err).To(BeNil())
			Expect(result.Provider).To(Equal("first"))
		}
		Expect(first.ExecCount()).To(BeEquivalentTo(3))
		Expect(second.ExecCount()).To(BeZero())
	})

	It("skips unhealthy providers under first-available", func() {
		sick := fake.NewStrategy("sick")
		sick.Healthy.Store(false)
		well := fake.NewStrategy("well")
		engine.RegisterStrategy(sick, providers.WithPriority(1))
		engine.RegisterStrategy(well, providers.WithPriority(2))

		_, err := engine.CheckHealth(ctx)
		Expect(err).To(BeNil())

		result, err := engine.Execute(ctx, capabilitiesOp())
		Expect(err).To(BeNil())
		Expect(result.Provider).To(Equal("well"))
	})

	It("rotates under round robin", func() {
		a := fake.NewStrategy("a")
		b := fake.NewStrategy("b")
		engine.RegisterStrategy(a, providers.WithPriority(1))
		engine.RegisterStrategy(b, providers.WithPriority(2))
		engine.SetSelectionPolicy(providers.PolicyRoundRobin)

		seen := map[string]int{}
		for i := 0; i < 4; i++ {
			result, err := engine.Execute(ctx, capabilitiesOp())
			Expect(err).To(BeNil())
			seen[result.Provider]++
		}
		Expect(seen["a"]).To(Equal(2))
		Expect(seen["b"]).To(Equal(2))
	})

	It("excludes weight-zero providers from weighted rotation", func() {
		heavy := fake.NewStrategy("heavy")
		zero := fake.NewStrategy("zero")
		engine.RegisterStrategy(heavy, providers.WithWeight(3))
		engine.RegisterStrategy(zero, providers.WithWeight(0))
		engine.SetSelectionPolicy(providers.PolicyWeightedRoundRobin)

		for i := 0; i < 6; i++ {
			result, err := engine.Execute(ctx, capabilitiesOp())
			Expect(err).To(BeNil())
			Expect(result.Provider).To(Equal("heavy"))
		}
		Expect(zero.ExecCount()).To(BeZero())
	})

	It("filters on required capabilities", func() {
		plain := fake.NewStrategy("plain")
		plain.Caps = []string{"on-demand"}
		spot := fake.NewStrategy("spot")
		spot.Caps = []string{"on-demand", "spot"}
		engine.RegisterStrategy(plain, providers.WithPriority(1))
		engine.RegisterStrategy(spot, providers.WithPriority(2))
		engine.SetSelectionPolicy(providers.PolicyCapabilityBased)
		engine.SetSelectionCriteria(providers.Criteria{RequiredCapabilities: []string{"spot"}})

		result, err := engine.Execute(ctx, capabilitiesOp())
		Expect(err).To(BeNil())
		Expect(result.Provider).To(Equal("spot"))
	})

	It("fails fast with Saturated at the in-flight limit", func() {
		strategy := fake.NewStrategy("tiny")
		engine.RegisterStrategy(strategy, providers.WithMaxInFlight(0))

		_, err := engine.Execute(ctx, capabilitiesOp())
		Expect(errors.IsKind(err, errors.KindSaturated)).To(BeTrue())
	})

	It("records metrics per provider", func() {
		strategy := fake.NewStrategy("aws")
		engine.RegisterStrategy(strategy)
		strategy.Fail(1, errors.New(errors.KindProviderTransient, "boom"))

		_, _ = engine.Execute(ctx, capabilitiesOp())
		_, err := engine.Execute(ctx, capabilitiesOp())
		Expect(err).To(BeNil())

		metrics := engine.Metrics("aws")["aws"]
		Expect(metrics.Failures).To(BeEquivalentTo(1))
		Expect(metrics.Successes).To(BeEquivalentTo(1))
		Expect(metrics.InFlight).To(BeZero())
	})
})

var _ = Describe("Circuit Breaker", func() {
	var (
		engine    *providers.Context
		publisher *recordingPublisher
		primary   *fake.Strategy
		backup    *fake.Strategy
	)

	transient := errors.New(errors.KindProviderTransient, "throttled")

	BeforeEach(func() {
		publisher = &recordingPublisher{}
		engine = providers.NewContext(
			providers.WithCircuitBreaker(providers.NewCircuitBreaker(providers.CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 2,
				RecoveryTimeout:  100 * time.Millisecond,
				HalfOpenMaxCalls: 1,
			})),
			providers.WithPublisher(publisher),
		)
		primary = fake.NewStrategy("primary")
		backup = fake.NewStrategy("backup")
		engine.RegisterStrategy(primary, providers.WithPriority(1))
		engine.RegisterStrategy(backup, providers.WithPriority(2))
	})

	It("opens after consecutive transient failures and routes around", func() {
		primary.Fail(2, transient)

		for i := 0; i < 2; i++ {
			_, err := engine.Execute(ctx, capabilitiesOp())
			Expect(err).ToNot(BeNil())
		}
		Expect(engine.Breaker().State("primary", providers.OpGetCapabilities)).To(Equal(providers.BreakerOpen))

		result, err := engine.Execute(ctx, capabilitiesOp())
		Expect(err).To(BeNil())
		Expect(result.Provider).To(Equal("backup"))
		Expect(primary.ExecCount()).To(BeEquivalentTo(2))

		healthEvents := publisher.ByType("ProviderHealthChanged")
		Expect(healthEvents).ToNot(BeEmpty())
		Expect(healthEvents[0].(*apis.ProviderHealthChanged).Provider).To(Equal("primary"))
		Expect(healthEvents[0].(*apis.ProviderHealthChanged).Healthy).To(BeFalse())
	})

	It("returns CircuitOpen when every circuit is open", func() {
		primary.Fail(2, transient)
		backup.Fail(2, transient)
		for i := 0; i < 4; i++ {
			_, _ = engine.Execute(ctx, capabilitiesOp())
		}

		_, err := engine.Execute(ctx, capabilitiesOp())
		Expect(errors.IsKind(err, errors.KindCircuitOpen)).To(BeTrue())
	})

	It("half-opens after the recovery timeout and closes on success", func() {
		primary.Fail(2, transient)
		for i := 0; i < 2; i++ {
			_, _ = engine.Execute(ctx, capabilitiesOp())
		}
		Expect(engine.Breaker().State("primary", providers.OpGetCapabilities)).To(Equal(providers.BreakerOpen))

		time.Sleep(150 * time.Millisecond)
		Expect(engine.Breaker().State("primary", providers.OpGetCapabilities)).To(Equal(providers.BreakerHalfOpen))

		result, err := engine.ExecuteOn(ctx, "primary", capabilitiesOp())
		Expect(err).To(BeNil())
		Expect(result.Provider).To(Equal("primary"))
		Expect(engine.Breaker().State("primary", providers.OpGetCapabilities)).To(Equal(providers.BreakerClosed))
	})
})
