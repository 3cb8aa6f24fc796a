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

package handlers_test

import (
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"

	sdk "github.com/awslabs/open-resource-broker/pkg/aws"
	"github.com/awslabs/open-resource-broker/pkg/apis"
	"github.com/awslabs/open-resource-broker/pkg/errors"
	"github.com/awslabs/open-resource-broker/pkg/fake"
	"github.com/awslabs/open-resource-broker/pkg/handlers"
	"github.com/awslabs/open-resource-broker/pkg/providers"
)

func basicTemplate() *apis.Template {
	return &apis.Template{
		TemplateID:       "aws-basic",
		ImageID:          "ami-1",
		InstanceType:     "t3.medium",
		SubnetIDs:        []string{"subnet-1", "subnet-2"},
		SecurityGroupIDs: []string{"sg-1"},
		MaxNumber:        10,
	}
}

var _ = Describe("Fleet Handler", func() {
	It("builds the subnet x instance-type cross product", func() {
		handler := handlers.NewFleetHandler()
		template := basicTemplate()
		template.InstanceTypes = []string{"m5.large", "c5.large"}
		template.InstanceType = ""

		payload, err := handler.BuildCreate(ctx, template, &handlers.Build{
			RequestID: "req-1", Count: 3, Types: template.EnumeratedTypes(),
		})
		Expect(err).To(BeNil())
		Expect(payload.LaunchTemplate).ToNot(BeNil())
		Expect(payload.Fleet.LaunchTemplateConfigs).To(HaveLen(1))
		Expect(payload.Fleet.LaunchTemplateConfigs[0].Overrides).To(HaveLen(4))
		Expect(*payload.Fleet.TargetCapacitySpecification.TotalTargetCapacity).To(BeEquivalentTo(3))
		Expect(payload.Fleet.TargetCapacitySpecification.DefaultTargetCapacityType).To(Equal(ec2types.DefaultTargetCapacityTypeOnDemand))
	})

	It("emits one override per subnet with instance requirements under attribute selection", func() {
		handler := handlers.NewFleetHandler()
		template := basicTemplate()
		requirements := &apis.InstanceRequirements{
			VCPUCount: apis.IntRange{Min: 2, Max: 4},
			MemoryMiB: apis.IntRange{Min: 4096, Max: 8192},
		}

		payload, err := handler.BuildCreate(ctx, template, &handlers.Build{
			RequestID: "req-1", Count: 1, Requirements: requirements,
		})
		Expect(err).To(BeNil())
		overrides := payload.Fleet.LaunchTemplateConfigs[0].Overrides
		Expect(overrides).To(HaveLen(2))
		for _, override := range overrides {
			Expect(override.InstanceRequirements).ToNot(BeNil())
			Expect(*override.InstanceRequirements.VCpuCount.Min).To(BeEquivalentTo(2))
			Expect(*override.InstanceRequirements.VCpuCount.Max).To(BeEquivalentTo(4))
			Expect(override.InstanceType).To(BeEmpty())
		}
	})

	It("requests spot capacity through the spot variant", func() {
		handler := handlers.NewSpotFleetHandler()
		payload, err := handler.BuildCreate(ctx, basicTemplate(), &handlers.Build{
			RequestID: "req-1", Count: 1, Types: []string{"t3.medium"},
		})
		Expect(err).To(BeNil())
		Expect(payload.Fleet.TargetCapacitySpecification.DefaultTargetCapacityType).To(Equal(ec2types.DefaultTargetCapacityTypeSpot))
		Expect(payload.Fleet.SpotOptions).ToNot(BeNil())
	})
})

var _ = Describe("Run Instances Handler", func() {
	It("rejects attribute selection", func() {
		handler := handlers.NewRunInstancesHandler()
		_, err := handler.BuildCreate(ctx, basicTemplate(), &handlers.Build{
			RequestID: "req-1", Count: 1,
			Requirements: &apis.InstanceRequirements{VCPUCount: apis.IntRange{Min: 2}, MemoryMiB: apis.IntRange{Min: 1024}},
		})
		Expect(errors.IsKind(err, errors.KindValidation)).To(BeTrue())
	})
})

var _ = Describe("Scaling Group Handler", func() {
	It("emits a mixed-instances policy under attribute selection", func() {
		handler := handlers.NewScalingGroupHandler()
		payload, err := handler.BuildCreate(ctx, basicTemplate(), &handlers.Build{
			RequestID: "req-1", Count: 2,
			Requirements: &apis.InstanceRequirements{
				VCPUCount: apis.IntRange{Min: 2},
				MemoryMiB: apis.IntRange{Min: 4096},
			},
		})
		Expect(err).To(BeNil())
		group := payload.ScalingGroup.Group
		Expect(group.MixedInstancesPolicy).ToNot(BeNil())
		overrides := group.MixedInstancesPolicy.LaunchTemplate.Overrides
		Expect(overrides).To(HaveLen(1))
		Expect(overrides[0].InstanceRequirements).ToNot(BeNil())
	})
})

var _ = Describe("Dispatcher", func() {
	var (
		engine    *providers.Context
		strategy  *fake.Strategy
		publisher *recordingPublisher
	)

	BeforeEach(func() {
		publisher = &recordingPublisher{}
		engine = providers.NewContext()
		strategy = fake.NewStrategy("aws_prod_us-east-1")
		engine.RegisterStrategy(strategy, providers.WithPriority(1))
	})

	newRequest := func(count int) *apis.Request {
		request, err := apis.NewAcquireRequest("aws-basic", count)
		Expect(err).To(BeNil())
		Expect(request.Begin()).To(Succeed())
		return request
	}

	It("binds the request to the provider that fulfilled it", func() {
		dispatcher := handlers.NewDispatcher(engine, handlers.WithDispatchPublisher(publisher))
		request := newRequest(3)

		result, err := dispatcher.Acquire(ctx, request, basicTemplate())
		Expect(err).To(BeNil())
		Expect(result.CreatedInstances).To(HaveLen(3))
		Expect(result.Partial).To(BeFalse())
		Expect(request.ProviderName).To(Equal("aws_prod_us-east-1"))
	})

	It("ignores enumerated types under attribute selection and warns once per template", func() {
		dispatcher := handlers.NewDispatcher(engine, handlers.WithDispatchPublisher(publisher))
		template := basicTemplate()
		template.InstanceRequirements = &apis.InstanceRequirements{
			VCPUCount: apis.IntRange{Min: 2, Max: 4},
			MemoryMiB: apis.IntRange{Min: 4096, Max: 8192},
		}

		_, err := dispatcher.Acquire(ctx, newRequest(1), template)
		Expect(err).To(BeNil())
		_, err = dispatcher.Acquire(ctx, newRequest(1), template)
		Expect(err).To(BeNil())

		warnings := publisher.ByType("AttributeSelectionOverride")
		Expect(warnings).To(HaveLen(1))
		Expect(warnings[0].(*apis.AttributeSelectionOverride).IgnoredTypes).To(Equal([]string{"t3.medium"}))

		ops := strategy.Operations()
		Expect(ops).To(HaveLen(2))
		payload := ops[0].Payload.(*sdk.CreateInstancesPayload)
		for _, override := range payload.Fleet.LaunchTemplateConfigs[0].Overrides {
			Expect(override.InstanceRequirements).ToNot(BeNil())
			Expect(override.InstanceType).To(BeEmpty())
		}
	})

	It("retries against the engine on transient failures", func() {
		dispatcher := handlers.NewDispatcher(engine,
			handlers.WithDispatchPublisher(publisher), handlers.WithMaxAttempts(3))
		strategy.Fail(2, errors.New(errors.KindProviderTransient, "throttled"))

		result, err := dispatcher.Acquire(ctx, newRequest(1), basicTemplate())
		Expect(err).To(BeNil())
		Expect(result.CreatedInstances).To(HaveLen(1))
		Expect(strategy.ExecCount()).To(BeEquivalentTo(3))
	})

	It("surfaces permanent failures immediately", func() {
		dispatcher := handlers.NewDispatcher(engine,
			handlers.WithDispatchPublisher(publisher), handlers.WithMaxAttempts(3))
		strategy.Fail(1, errors.New(errors.KindProviderPermanent, "denied"))

		_, err := dispatcher.Acquire(ctx, newRequest(1), basicTemplate())
		Expect(errors.IsKind(err, errors.KindProviderPermanent)).To(BeTrue())
		Expect(strategy.ExecCount()).To(BeEquivalentTo(1))
	})

	It("overlays a native provider-api spec in extend mode", func() {
		dispatcher := handlers.NewDispatcher(engine, handlers.WithDispatchPublisher(publisher))
		template := basicTemplate()
		template.ProviderAPISpec = []byte(`{"Type": "maintain", "ClientToken": "{{request_id}}"}`)

		request := newRequest(1)
		_, err := dispatcher.Acquire(ctx, request, template)
		Expect(err).To(BeNil())

		payload := strategy.Operations()[0].Payload.(*sdk.CreateInstancesPayload)
		Expect(payload.Fleet.Type).To(Equal(ec2types.FleetType("maintain")))
		Expect(lo.FromPtr(payload.Fleet.ClientToken)).To(Equal(request.RequestID))
		// legacy fields survive the extend merge
		Expect(payload.Fleet.LaunchTemplateConfigs).ToNot(BeEmpty())
	})

	It("terminates machines grouped by owning provider on return", func() {
		dispatcher := handlers.NewDispatcher(engine, handlers.WithDispatchPublisher(publisher))
		machine, err := apis.NewMachine("req-1", "aws-basic", "aws_prod_us-east-1", "i-111")
		Expect(err).To(BeNil())

		result, err := dispatcher.Return(ctx, []*apis.Machine{machine})
		Expect(err).To(BeNil())
		Expect(result.TerminatedIDs).To(Equal([]string{"i-111"}))
		Expect(result.Partial).To(BeFalse())
	})
})
