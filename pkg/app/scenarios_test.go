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

package app_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	sdk "github.com/awslabs/open-resource-broker/pkg/aws"
	"github.com/awslabs/open-resource-broker/pkg/apis"
	"github.com/awslabs/open-resource-broker/pkg/app"
	"github.com/awslabs/open-resource-broker/pkg/errors"
	"github.com/awslabs/open-resource-broker/pkg/fake"
	"github.com/awslabs/open-resource-broker/pkg/providers"
)

var _ = Describe("Acquire", func() {
	It("completes the happy path and polls machines to running", func() {
		strategy := fake.NewStrategy("aws_prod_us-east-1")
		b := newBroker(brokerOptions{strategies: []*fake.Strategy{strategy}})

		envelope := b.bus.Dispatch(ctx, app.AcquireMachines{TemplateID: "aws-basic", Count: 3})
		Expect(envelope.OK).To(BeTrue(), envelope.Message)

		result := envelope.Value.(*app.RequestResult)
		Expect(result.Request.Status).To(Equal(apis.RequestStatusCompleted))
		Expect(result.Request.ProviderName).To(Equal("aws_prod_us-east-1"))
		Expect(result.Machines).To(HaveLen(3))
		for _, machine := range result.Machines {
			Expect(machine.Status).To(Equal(apis.MachineStatusBuilding))
		}

		// the request moved through pending -> in_progress -> completed
		statusEvents := b.publisher.ByType("RequestStatusChanged")
		var transitions []apis.RequestStatus
		for _, event := range statusEvents {
			transitions = append(transitions, event.(*apis.RequestStatusChanged).New)
		}
		Expect(transitions).To(Equal([]apis.RequestStatus{
			apis.RequestStatusInProgress,
			apis.RequestStatusCompleted,
		}))

		// a poll sweep drives the machines to running
		Expect(b.bus.Dispatch(ctx, app.PollMachines{}).OK).To(BeTrue())
		machines, err := b.store.Machines().FindByRequest(ctx, result.Request.RequestID)
		Expect(err).To(BeNil())
		for _, machine := range machines {
			Expect(machine.Status).To(Equal(apis.MachineStatusRunning))
			Expect(machine.PrivateIP).ToNot(BeEmpty())
		}
	})

	It("settles as partial when allowed and the provider comes up short", func() {
		strategy := fake.NewStrategy("aws_prod_us-east-1")
		strategy.Script(func(op *providers.Operation) (*providers.Result, error) {
			payload := op.Payload.(*sdk.CreateInstancesPayload)
			result := &sdk.CreateInstancesResult{}
			for i := 0; i < 3; i++ {
				result.Instances = append(result.Instances, sdk.LaunchedInstance{
					InstanceID: fake.NextInstanceID(), InstanceType: "t3.medium",
				})
			}
			for i := 0; i < 2; i++ {
				result.Errors = append(result.Errors, sdk.LaunchError{
					Code: "InsufficientInstanceCapacity", Message: "no capacity", Transient: true,
				})
			}
			Expect(payload.Count).To(Equal(5))
			return &providers.Result{Data: result}, nil
		})
		b := newBroker(brokerOptions{strategies: []*fake.Strategy{strategy}, allowPartial: true})

		envelope := b.bus.Dispatch(ctx, app.AcquireMachines{TemplateID: "aws-basic", Count: 5})
		Expect(envelope.OK).To(BeTrue(), envelope.Message)

		result := envelope.Value.(*app.RequestResult)
		Expect(result.Request.Status).To(Equal(apis.RequestStatusPartial))
		Expect(result.Machines).To(HaveLen(3))
		Expect(result.Request.Errors).To(HaveLen(2))
	})

	It("fails and cleans up when partial fulfillment is not allowed", func() {
		strategy := fake.NewStrategy("aws_prod_us-east-1")
		strategy.Script(func(op *providers.Operation) (*providers.Result, error) {
			return &providers.Result{Data: &sdk.CreateInstancesResult{
				Instances: []sdk.LaunchedInstance{{InstanceID: fake.NextInstanceID()}},
				Errors:    []sdk.LaunchError{{Code: "InsufficientInstanceCapacity", Transient: true}},
			}}, nil
		})
		b := newBroker(brokerOptions{strategies: []*fake.Strategy{strategy}, allowPartial: false})

		envelope := b.bus.Dispatch(ctx, app.AcquireMachines{TemplateID: "aws-basic", Count: 2})
		Expect(envelope.OK).To(BeTrue(), envelope.Message)
		result := envelope.Value.(*app.RequestResult)
		Expect(result.Request.Status).To(Equal(apis.RequestStatusFailed))

		// the created machine was returned through a follow-up terminate
		var sawTerminate bool
		for _, op := range strategy.Operations() {
			if op.Kind == providers.OpTerminateInstances {
				sawTerminate = true
			}
		}
		Expect(sawTerminate).To(BeTrue())

		requests, err := b.store.Requests().FindByStatus(ctx, apis.RequestStatusFailed)
		Expect(err).To(BeNil())
		Expect(requests).To(HaveLen(1))
	})

	It("fails over once the primary circuit opens", func() {
		primary := fake.NewStrategy("aws_primary")
		backup := fake.NewStrategy("aws_backup")
		primary.Fail(5, errors.New(errors.KindProviderTransient, "throttled"))

		b := newBroker(brokerOptions{
			strategies:  []*fake.Strategy{primary, backup},
			maxAttempts: 6,
			breaker: providers.NewCircuitBreaker(providers.CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				RecoveryTimeout:  time.Hour,
				HalfOpenMaxCalls: 1,
			}),
		})

		envelope := b.bus.Dispatch(ctx, app.AcquireMachines{TemplateID: "aws-basic", Count: 1})
		Expect(envelope.OK).To(BeTrue(), envelope.Message)

		result := envelope.Value.(*app.RequestResult)
		Expect(result.Request.Status).To(Equal(apis.RequestStatusCompleted))
		Expect(result.Request.ProviderName).To(Equal("aws_backup"))

		metrics := b.engine.Metrics()
		Expect(metrics["aws_primary"].Failures).To(BeNumerically(">=", 5))
		Expect(metrics["aws_backup"].Successes).To(BeEquivalentTo(1))

		healthEvents := b.publisher.ByType("ProviderHealthChanged")
		Expect(healthEvents).ToNot(BeEmpty())
		Expect(healthEvents[0].(*apis.ProviderHealthChanged).Provider).To(Equal("aws_primary"))
		Expect(healthEvents[0].(*apis.ProviderHealthChanged).Healthy).To(BeFalse())
	})

	It("rejects counts above the template max", func() {
		b := newBroker(brokerOptions{strategies: []*fake.Strategy{fake.NewStrategy("aws")}})
		envelope := b.bus.Dispatch(ctx, app.AcquireMachines{TemplateID: "aws-basic", Count: 11})
		Expect(envelope.OK).To(BeFalse())
		Expect(envelope.ErrorKind).To(Equal(string(errors.KindValidation)))
	})
})

var _ = Describe("Return and Cancel", func() {
	It("returns acquired machines and completes the return request", func() {
		strategy := fake.NewStrategy("aws_prod_us-east-1")
		b := newBroker(brokerOptions{strategies: []*fake.Strategy{strategy}})

		acquired := b.bus.Dispatch(ctx, app.AcquireMachines{TemplateID: "aws-basic", Count: 2})
		Expect(acquired.OK).To(BeTrue())
		machines := acquired.Value.(*app.RequestResult).Machines

		refs := []string{machines[0].MachineID, machines[1].InstanceID}
		returned := b.bus.Dispatch(ctx, app.ReturnMachines{MachineRefs: refs})
		Expect(returned.OK).To(BeTrue(), returned.Message)

		result := returned.Value.(*app.RequestResult)
		Expect(result.Request.Type).To(Equal(apis.RequestTypeReturn))
		Expect(result.Request.Status).To(Equal(apis.RequestStatusCompleted))
		Expect(result.Machines).To(HaveLen(2))
		for _, machine := range result.Machines {
			Expect(machine.Status).To(Equal(apis.MachineStatusTerminating))
		}
	})

	It("cancelling twice reports already terminal", func() {
		b := newBroker(brokerOptions{strategies: []*fake.Strategy{fake.NewStrategy("aws")}})

		request, err := apis.NewAcquireRequest("aws-basic", 1)
		Expect(err).To(BeNil())
		Expect(b.store.Requests().Save(ctx, request)).To(Succeed())

		first := b.bus.Dispatch(ctx, app.CancelRequest{RequestID: request.RequestID})
		Expect(first.OK).To(BeTrue())
		Expect(first.Value.(*app.RequestResult).AlreadyTerminal).To(BeFalse())
		Expect(first.Value.(*app.RequestResult).Request.Status).To(Equal(apis.RequestStatusCancelled))

		second := b.bus.Dispatch(ctx, app.CancelRequest{RequestID: request.RequestID})
		Expect(second.OK).To(BeTrue())
		Expect(second.Value.(*app.RequestResult).AlreadyTerminal).To(BeTrue())
	})

	It("keeps already-created machines recorded after a cancel", func() {
		strategy := fake.NewStrategy("aws_prod_us-east-1")
		b := newBroker(brokerOptions{strategies: []*fake.Strategy{strategy}})

		acquired := b.bus.Dispatch(ctx, app.AcquireMachines{TemplateID: "aws-basic", Count: 1})
		Expect(acquired.OK).To(BeTrue())
		requestID := acquired.Value.(*app.RequestResult).Request.RequestID

		cancelled := b.bus.Dispatch(ctx, app.CancelRequest{RequestID: requestID})
		Expect(cancelled.OK).To(BeTrue())
		// the acquire already completed, so the cancel is a terminal no-op
		Expect(cancelled.Value.(*app.RequestResult).AlreadyTerminal).To(BeTrue())

		machines, err := b.store.Machines().FindByRequest(ctx, requestID)
		Expect(err).To(BeNil())
		Expect(machines).To(HaveLen(1))
	})
})

var _ = Describe("Queries", func() {
	It("reads a request with its machines", func() {
		b := newBroker(brokerOptions{strategies: []*fake.Strategy{fake.NewStrategy("aws")}})
		acquired := b.bus.Dispatch(ctx, app.AcquireMachines{TemplateID: "aws-basic", Count: 2})
		Expect(acquired.OK).To(BeTrue())
		requestID := acquired.Value.(*app.RequestResult).Request.RequestID

		envelope := b.bus.Ask(ctx, app.GetRequest{RequestID: requestID})
		Expect(envelope.OK).To(BeTrue())
		result := envelope.Value.(*app.RequestResult)
		Expect(result.Machines).To(HaveLen(2))

		missing := b.bus.Ask(ctx, app.GetRequest{RequestID: "req-missing"})
		Expect(missing.OK).To(BeFalse())
		Expect(missing.ErrorKind).To(Equal(string(errors.KindNotFound)))
	})

	It("lists templates through the resolver", func() {
		b := newBroker(brokerOptions{strategies: []*fake.Strategy{fake.NewStrategy("aws")}})
		envelope := b.bus.Ask(ctx, app.ListTemplates{})
		Expect(envelope.OK).To(BeTrue())
		Expect(envelope.Value.([]*apis.Template)).To(HaveLen(1))
	})
})
