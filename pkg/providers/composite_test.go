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

	"github.com/awslabs/open-resource-broker/pkg/errors"
	"github.com/awslabs/open-resource-broker/pkg/fake"
	"github.com/awslabs/open-resource-broker/pkg/providers"
)

var _ = Describe("Composite Strategy", func() {
	transient := errors.New(errors.KindProviderTransient, "boom")

	It("requires three strategies for redundancy", func() {
		_, err := providers.NewCompositeStrategy("r", providers.CompositionRedundant,
			[]providers.Strategy{fake.NewStrategy("a"), fake.NewStrategy("b")})
		Expect(errors.IsKind(err, errors.KindValidation)).To(BeTrue())
	})

	It("sequential stops at the first success", func() {
		broken := fake.NewStrategy("broken")
		broken.Fail(1, transient)
		healthy := fake.NewStrategy("healthy")
		spare := fake.NewStrategy("spare")

		composite, err := providers.NewCompositeStrategy("seq", providers.CompositionSequential,
			[]providers.Strategy{broken, healthy, spare})
		Expect(err).To(BeNil())

		_, err = composite.Execute(ctx, capabilitiesOp())
		Expect(err).To(BeNil())
		Expect(healthy.ExecCount()).To(BeEquivalentTo(1))
		Expect(spare.ExecCount()).To(BeZero())
	})

	It("parallel merges every success and fails only when all fail", func() {
		a := fake.NewStrategy("a")
		b := fake.NewStrategy("b")
		broken := fake.NewStrategy("broken")
		broken.Fail(1, transient)

		composite, err := providers.NewCompositeStrategy("par", providers.CompositionParallel,
			[]providers.Strategy{a, b, broken})
		Expect(err).To(BeNil())

		result, err := composite.Execute(ctx, capabilitiesOp())
		Expect(err).To(BeNil())
		Expect(result.Data).To(HaveLen(2))

		x := fake.NewStrategy("x")
		y := fake.NewStrategy("y")
		x.Fail(1, transient)
		y.Fail(1, transient)
		allBroken, err := providers.NewCompositeStrategy("par2", providers.CompositionParallel,
			[]providers.Strategy{x, y})
		Expect(err).To(BeNil())
		_, err = allBroken.Execute(ctx, capabilitiesOp())
		Expect(err).ToNot(BeNil())
	})

	It("redundant succeeds when a majority agree", func() {
		a := fake.NewStrategy("a")
		b := fake.NewStrategy("b")
		odd := fake.NewStrategy("odd")
		odd.Caps = []string{"something-else"}

		composite, err := providers.NewCompositeStrategy("maj", providers.CompositionRedundant,
			[]providers.Strategy{a, b, odd})
		Expect(err).To(BeNil())

		result, err := composite.Execute(ctx, capabilitiesOp())
		Expect(err).To(BeNil())
		Expect(result.Provider).To(Equal("maj"))
		Expect(result.Data).To(Equal([]string{"on-demand", "spot", "abis"}))
	})

	It("redundant fails above the failure threshold", func() {
		a := fake.NewStrategy("a")
		b := fake.NewStrategy("b")
		c := fake.NewStrategy("c")
		b.Fail(1, transient)
		c.Fail(1, transient)

		composite, err := providers.NewCompositeStrategy("thresh", providers.CompositionRedundant,
			[]providers.Strategy{a, b, c}, providers.WithFailureThreshold(0.5))
		Expect(err).To(BeNil())

		_, err = composite.Execute(ctx, capabilitiesOp())
		Expect(err).ToNot(BeNil())
	})
})

var _ = Describe("Fallback Strategy", func() {
	transient := errors.New(errors.KindProviderTransient, "boom")
	permanent := errors.New(errors.KindProviderPermanent, "denied")
	fastRetry := providers.WithRetryConfig(providers.RetryConfig{
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		MaxAttempts: 3,
	})

	It("retries transient failures on the primary", func() {
		primary := fake.NewStrategy("primary")
		primary.Fail(2, transient)

		fallback := providers.NewFallbackStrategy("fb", primary, nil,
			providers.WithFallbackMode(providers.FallbackRetryOnly), fastRetry)

		_, err := fallback.Execute(ctx, capabilitiesOp())
		Expect(err).To(BeNil())
		Expect(primary.ExecCount()).To(BeEquivalentTo(3))
	})

	It("falls over to the next strategy once retries are exhausted", func() {
		primary := fake.NewStrategy("primary")
		primary.Fail(3, transient)
		backup := fake.NewStrategy("backup")

		fallback := providers.NewFallbackStrategy("fb", primary, []providers.Strategy{backup}, fastRetry)

		result, err := fallback.Execute(ctx, capabilitiesOp())
		Expect(err).To(BeNil())
		Expect(result.Provider).To(Equal("backup"))
		Expect(primary.ExecCount()).To(BeEquivalentTo(3))
	})

	It("surfaces permanent errors without retry or fallback", func() {
		primary := fake.NewStrategy("primary")
		primary.Fail(1, permanent)
		backup := fake.NewStrategy("backup")

		fallback := providers.NewFallbackStrategy("fb", primary, []providers.Strategy{backup}, fastRetry)

		_, err := fallback.Execute(ctx, capabilitiesOp())
		Expect(errors.IsKind(err, errors.KindProviderPermanent)).To(BeTrue())
		Expect(primary.ExecCount()).To(BeEquivalentTo(1))
		Expect(backup.ExecCount()).To(BeZero())
	})
})
