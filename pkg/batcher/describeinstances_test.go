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

package batcher_test

import (
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"

	"github.com/awslabs/open-resource-broker/pkg/batcher"
)

var _ = Describe("DescribeInstances Batching", func() {
	var dib *batcher.DescribeInstancesBatcher

	BeforeEach(func() {
		dib = batcher.NewDescribeInstancesBatcher(ctx, fakeEC2API)
	})

	It("rejects multi-instance inputs", func() {
		_, err := dib.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{"i-1", "i-2"}})
		Expect(err).ToNot(BeNil())
	})

	It("batches concurrent single-instance polls into one call", func() {
		instanceIDs := lo.Times(5, func(i int) string { return fmt.Sprintf("i-%017d", i+1) })

		var wg sync.WaitGroup
		for _, instanceID := range instanceIDs {
			wg.Add(1)
			go func(instanceID string) {
				defer GinkgoRecover()
				defer wg.Done()
				output, err := dib.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
					InstanceIds: []string{instanceID},
				})
				Expect(err).To(BeNil())
				Expect(output.Reservations).To(HaveLen(1))
				Expect(output.Reservations[0].Instances).To(HaveLen(1))
				Expect(*output.Reservations[0].Instances[0].InstanceId).To(Equal(instanceID))
			}(instanceID)
		}
		wg.Wait()

		Expect(fakeEC2API.DescribeInstancesBehavior.Calls()).To(Equal(1))
		aggregated := fakeEC2API.DescribeInstancesBehavior.CalledWithInput()[0]
		Expect(aggregated.InstanceIds).To(HaveLen(5))
	})
})

var _ = Describe("TerminateInstances Batching", func() {
	var tib *batcher.TerminateInstancesBatcher

	BeforeEach(func() {
		tib = batcher.NewTerminateInstancesBatcher(ctx, fakeEC2API)
	})

	It("aggregates concurrent terminations into one call", func() {
		instanceIDs := lo.Times(4, func(i int) string { return fmt.Sprintf("i-%017d", i+100) })

		var wg sync.WaitGroup
		for _, instanceID := range instanceIDs {
			wg.Add(1)
			go func(instanceID string) {
				defer GinkgoRecover()
				defer wg.Done()
				output, err := tib.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
					InstanceIds: []string{instanceID},
				})
				Expect(err).To(BeNil())
				Expect(output.TerminatingInstances).To(HaveLen(1))
				Expect(*output.TerminatingInstances[0].InstanceId).To(Equal(instanceID))
			}(instanceID)
		}
		wg.Wait()

		Expect(fakeEC2API.TerminateInstancesBehavior.Calls()).To(Equal(1))
		Expect(fakeEC2API.TerminateInstancesBehavior.CalledWithInput()[0].InstanceIds).To(HaveLen(4))
	})
})
