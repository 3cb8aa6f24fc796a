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

package fake

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	asgtypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"
)

// Behavior scripts one API call: queued outputs and errors are consumed in
// order, and every received input is recorded.
type Behavior[I any, O any] struct {
	mu      sync.Mutex
	inputs  []*I
	outputs []*O
	errs    []error
	// Default is returned when nothing is queued.
	Default func(input *I) (*O, error)
}

func (b *Behavior[I, O]) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inputs, b.outputs, b.errs = nil, nil, nil
}

func (b *Behavior[I, O]) QueueOutput(output *O) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outputs = append(b.outputs, output)
}

func (b *Behavior[I, O]) QueueError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errs = append(b.errs, err)
}

func (b *Behavior[I, O]) CalledWithInput() []*I {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*I{}, b.inputs...)
}

func (b *Behavior[I, O]) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inputs)
}

func (b *Behavior[I, O]) invoke(input *I) (*O, error) {
	b.mu.Lock()
	b.inputs = append(b.inputs, input)
	if len(b.errs) > 0 {
		err := b.errs[0]
		b.errs = b.errs[1:]
		b.mu.Unlock()
		return nil, err
	}
	if len(b.outputs) > 0 {
		output := b.outputs[0]
		b.outputs = b.outputs[1:]
		b.mu.Unlock()
		return output, nil
	}
	b.mu.Unlock()
	if b.Default != nil {
		return b.Default(input)
	}
	return nil, fmt.Errorf("no output queued and no default behavior")
}

var instanceCounter atomic.Uint64

// NextInstanceID mints a plausible-looking instance id.
func NextInstanceID() string {
	return fmt.Sprintf("i-%017d", instanceCounter.Add(1))
}

// EC2API is a scriptable fake of the EC2 surface the broker uses. The
// default behaviors fulfill every launch request completely.
type EC2API struct {
	CreateFleetBehavior           Behavior[ec2.CreateFleetInput, ec2.CreateFleetOutput]
	RunInstancesBehavior          Behavior[ec2.RunInstancesInput, ec2.RunInstancesOutput]
	TerminateInstancesBehavior    Behavior[ec2.TerminateInstancesInput, ec2.TerminateInstancesOutput]
	DescribeInstancesBehavior     Behavior[ec2.DescribeInstancesInput, ec2.DescribeInstancesOutput]
	DescribeInstanceTypesBehavior Behavior[ec2.DescribeInstanceTypesInput, ec2.DescribeInstanceTypesOutput]
	CreateLaunchTemplateBehavior  Behavior[ec2.CreateLaunchTemplateInput, ec2.CreateLaunchTemplateOutput]
	DeleteLaunchTemplateBehavior  Behavior[ec2.DeleteLaunchTemplateInput, ec2.DeleteLaunchTemplateOutput]
	CreateTagsBehavior            Behavior[ec2.CreateTagsInput, ec2.CreateTagsOutput]
}

func NewEC2API() *EC2API {
	api := &EC2API{}
	api.CreateFleetBehavior.Default = func(input *ec2.CreateFleetInput) (*ec2.CreateFleetOutput, error) {
		count := int(lo.FromPtr(input.TargetCapacitySpecification.TotalTargetCapacity))
		instanceType := ec2types.InstanceTypeT3Medium
		if len(input.LaunchTemplateConfigs) > 0 && len(input.LaunchTemplateConfigs[0].Overrides) > 0 {
			if t := input.LaunchTemplateConfigs[0].Overrides[0].InstanceType; t != "" {
				instanceType = t
			}
		}
		return &ec2.CreateFleetOutput{
			FleetId: aws.String("fleet-fake"),
			Instances: []ec2types.CreateFleetInstance{{
				InstanceIds:  lo.Times(count, func(int) string { return NextInstanceID() }),
				InstanceType: instanceType,
				Lifecycle:    ec2types.InstanceLifecycleOnDemand,
			}},
		}, nil
	}
	api.RunInstancesBehavior.Default = func(input *ec2.RunInstancesInput) (*ec2.RunInstancesOutput, error) {
		count := int(lo.FromPtr(input.MaxCount))
		return &ec2.RunInstancesOutput{
			Instances: lo.Times(count, func(int) ec2types.Instance {
				return ec2types.Instance{
					InstanceId:   aws.String(NextInstanceID()),
					InstanceType: input.InstanceType,
					State:        &ec2types.InstanceState{Name: ec2types.InstanceStateNamePending},
				}
			}),
		}, nil
	}
	api.TerminateInstancesBehavior.Default = func(input *ec2.TerminateInstancesInput) (*ec2.TerminateInstancesOutput, error) {
		return &ec2.TerminateInstancesOutput{
			TerminatingInstances: lo.Map(input.InstanceIds, func(id string, _ int) ec2types.InstanceStateChange {
				return ec2types.InstanceStateChange{
					InstanceId:    aws.String(id),
					CurrentState:  &ec2types.InstanceState{Name: ec2types.InstanceStateNameShuttingDown},
					PreviousState: &ec2types.InstanceState{Name: ec2types.InstanceStateNameRunning},
				}
			}),
		}, nil
	}
	api.DescribeInstancesBehavior.Default = func(input *ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error) {
		return &ec2.DescribeInstancesOutput{
			Reservations: []ec2types.Reservation{{
				ReservationId: aws.String("r-fake"),
				Instances: lo.Map(input.InstanceIds, func(id string, _ int) ec2types.Instance {
					return ec2types.Instance{
						InstanceId:       aws.String(id),
						State:            &ec2types.InstanceState{Name: ec2types.InstanceStateNameRunning},
						PrivateIpAddress: aws.String("10.0.0.10"),
					}
				}),
			}},
		}, nil
	}
	api.CreateLaunchTemplateBehavior.Default = func(input *ec2.CreateLaunchTemplateInput) (*ec2.CreateLaunchTemplateOutput, error) {
		return &ec2.CreateLaunchTemplateOutput{
			LaunchTemplate: &ec2types.LaunchTemplate{LaunchTemplateName: input.LaunchTemplateName},
		}, nil
	}
	api.DeleteLaunchTemplateBehavior.Default = func(*ec2.DeleteLaunchTemplateInput) (*ec2.DeleteLaunchTemplateOutput, error) {
		return &ec2.DeleteLaunchTemplateOutput{}, nil
	}
	api.CreateTagsBehavior.Default = func(*ec2.CreateTagsInput) (*ec2.CreateTagsOutput, error) {
		return &ec2.CreateTagsOutput{}, nil
	}
	api.DescribeInstanceTypesBehavior.Default = func(*ec2.DescribeInstanceTypesInput) (*ec2.DescribeInstanceTypesOutput, error) {
		return &ec2.DescribeInstanceTypesOutput{}, nil
	}
	return api
}

func (f *EC2API) Reset() {
	f.CreateFleetBehavior.Reset()
	f.RunInstancesBehavior.Reset()
	f.TerminateInstancesBehavior.Reset()
	f.DescribeInstancesBehavior.Reset()
	f.DescribeInstanceTypesBehavior.Reset()
	f.CreateLaunchTemplateBehavior.Reset()
	f.DeleteLaunchTemplateBehavior.Reset()
	f.CreateTagsBehavior.Reset()
}

func (f *EC2API) CreateFleet(_ context.Context, input *ec2.CreateFleetInput, _ ...func(*ec2.Options)) (*ec2.CreateFleetOutput, error) {
	return f.CreateFleetBehavior.invoke(input)
}

func (f *EC2API) RunInstances(_ context.Context, input *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	return f.RunInstancesBehavior.invoke(input)
}

func (f *EC2API) TerminateInstances(_ context.Context, input *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	return f.TerminateInstancesBehavior.invoke(input)
}

func (f *EC2API) DescribeInstances(_ context.Context, input *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	return f.DescribeInstancesBehavior.invoke(input)
}

func (f *EC2API) DescribeInstanceTypes(_ context.Context, input *ec2.DescribeInstanceTypesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstanceTypesOutput, error) {
	return f.DescribeInstanceTypesBehavior.invoke(input)
}

func (f *EC2API) CreateLaunchTemplate(_ context.Context, input *ec2.CreateLaunchTemplateInput, _ ...func(*ec2.Options)) (*ec2.CreateLaunchTemplateOutput, error) {
	return f.CreateLaunchTemplateBehavior.invoke(input)
}

func (f *EC2API) DeleteLaunchTemplate(_ context.Context, input *ec2.DeleteLaunchTemplateInput, _ ...func(*ec2.Options)) (*ec2.DeleteLaunchTemplateOutput, error) {
	return f.DeleteLaunchTemplateBehavior.invoke(input)
}

func (f *EC2API) CreateTags(_ context.Context, input *ec2.CreateTagsInput, _ ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	return f.CreateTagsBehavior.invoke(input)
}

// ASGAPI fakes the Auto Scaling surface.
type ASGAPI struct {
	CreateBehavior   Behavior[autoscaling.CreateAutoScalingGroupInput, autoscaling.CreateAutoScalingGroupOutput]
	UpdateBehavior   Behavior[autoscaling.UpdateAutoScalingGroupInput, autoscaling.UpdateAutoScalingGroupOutput]
	DescribeBehavior Behavior[autoscaling.DescribeAutoScalingGroupsInput, autoscaling.DescribeAutoScalingGroupsOutput]
	DeleteBehavior   Behavior[autoscaling.DeleteAutoScalingGroupInput, autoscaling.DeleteAutoScalingGroupOutput]
}

func NewASGAPI() *ASGAPI {
	api := &ASGAPI{}
	api.CreateBehavior.Default = func(*autoscaling.CreateAutoScalingGroupInput) (*autoscaling.CreateAutoScalingGroupOutput, error) {
		return &autoscaling.CreateAutoScalingGroupOutput{}, nil
	}
	api.UpdateBehavior.Default = func(*autoscaling.UpdateAutoScalingGroupInput) (*autoscaling.UpdateAutoScalingGroupOutput, error) {
		return &autoscaling.UpdateAutoScalingGroupOutput{}, nil
	}
	api.DescribeBehavior.Default = func(input *autoscaling.DescribeAutoScalingGroupsInput) (*autoscaling.DescribeAutoScalingGroupsOutput, error) {
		return &autoscaling.DescribeAutoScalingGroupsOutput{
			AutoScalingGroups: []asgtypes.AutoScalingGroup{{
				AutoScalingGroupName: aws.String(input.AutoScalingGroupNames[0]),
				Instances: []asgtypes.Instance{{
					InstanceId:   aws.String(NextInstanceID()),
					InstanceType: aws.String("t3.medium"),
				}},
			}},
		}, nil
	}
	api.DeleteBehavior.Default = func(*autoscaling.DeleteAutoScalingGroupInput) (*autoscaling.DeleteAutoScalingGroupOutput, error) {
		return &autoscaling.DeleteAutoScalingGroupOutput{}, nil
	}
	return api
}

func (f *ASGAPI) CreateAutoScalingGroup(_ context.Context, input *autoscaling.CreateAutoScalingGroupInput, _ ...func(*autoscaling.Options)) (*autoscaling.CreateAutoScalingGroupOutput, error) {
	return f.CreateBehavior.invoke(input)
}

func (f *ASGAPI) UpdateAutoScalingGroup(_ context.Context, input *autoscaling.UpdateAutoScalingGroupInput, _ ...func(*autoscaling.Options)) (*autoscaling.UpdateAutoScalingGroupOutput, error) {
	return f.UpdateBehavior.invoke(input)
}

func (f *ASGAPI) DescribeAutoScalingGroups(_ context.Context, input *autoscaling.DescribeAutoScalingGroupsInput, _ ...func(*autoscaling.Options)) (*autoscaling.DescribeAutoScalingGroupsOutput, error) {
	return f.DescribeBehavior.invoke(input)
}

func (f *ASGAPI) DeleteAutoScalingGroup(_ context.Context, input *autoscaling.DeleteAutoScalingGroupInput, _ ...func(*autoscaling.Options)) (*autoscaling.DeleteAutoScalingGroupOutput, error) {
	return f.DeleteBehavior.invoke(input)
}
