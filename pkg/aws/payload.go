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

package aws

import (
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
)

// CreateInstancesPayload is the provider-specific launch plan a handler
// builds. Exactly one of the plan fields is set; the strategy dispatches on
// which one.
type CreateInstancesPayload struct {
	RequestID  string
	TemplateID string
	Count      int

	// LaunchTemplate, when set, is created before the plan below executes;
	// fleet plans reference it by name.
	LaunchTemplate *ec2.CreateLaunchTemplateInput

	Fleet        *ec2.CreateFleetInput
	RunInstances *ec2.RunInstancesInput
	ScalingGroup *ScalingGroupPlan
}

// ScalingGroupPlan creates or reuses a scaling group backed by a launch
// template. When the group already exists only the desired capacity moves.
type ScalingGroupPlan struct {
	GroupName      string
	LaunchTemplate *ec2.CreateLaunchTemplateInput
	Group          *autoscaling.CreateAutoScalingGroupInput
}

// LaunchedInstance is one host the provider reported.
type LaunchedInstance struct {
	InstanceID   string
	InstanceType string
	PrivateIP    string
	PublicIP     string
	Lifecycle    string
	SubnetID     string
}

// LaunchError is one enumerable per-instance launch failure.
type LaunchError struct {
	Code      string
	Message   string
	Transient bool
}

// CreateInstancesResult is the neutral outcome of a launch plan: what came
// up and what failed, enumerated separately so partial fulfillment can be
// reported with both sides.
type CreateInstancesResult struct {
	Instances []LaunchedInstance
	Errors    []LaunchError
}

type TerminateInstancesPayload struct {
	InstanceIDs []string
}

type TerminateInstancesResult struct {
	TerminatedIDs []string
}

type InstanceStatusPayload struct {
	InstanceIDs []string
}

// InstanceStatusResult maps instance id to the provider's state name plus
// addressing observed on the same describe call.
type InstanceStatusResult struct {
	States    map[string]string
	PrivateIP map[string]string
	PublicIP  map[string]string
}
