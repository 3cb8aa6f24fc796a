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

package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	asgtypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"

	sdk "github.com/awslabs/open-resource-broker/pkg/aws"
	"github.com/awslabs/open-resource-broker/pkg/apis"
	"github.com/awslabs/open-resource-broker/pkg/errors"
)

// ScalingGroupHandler creates or reuses an auto-scaling group per template.
// With attribute selection in play it emits a mixed-instances policy
// referencing the launch template.
type ScalingGroupHandler struct{}

func NewScalingGroupHandler() *ScalingGroupHandler { return &ScalingGroupHandler{} }

func (h *ScalingGroupHandler) Name() apis.ProviderAPI { return apis.ProviderAPIScalingGroup }

func (h *ScalingGroupHandler) BuildCreate(_ context.Context, template *apis.Template, build *Build) (*sdk.CreateInstancesPayload, error) {
	if len(template.SubnetIDs) == 0 {
		return nil, errors.Validation("template %s names no subnets", template.TemplateID)
	}
	// the group is per template, not per request, so repeat acquires grow the
	// same group
	groupName := fmt.Sprintf("orb-%s", template.TemplateID)
	ltName := fmt.Sprintf("orb-lt-%s", template.TemplateID)

	launchTemplate := &ec2.CreateLaunchTemplateInput{
		LaunchTemplateName: aws.String(ltName),
		LaunchTemplateData: &ec2types.RequestLaunchTemplateData{
			ImageId:          aws.String(template.ImageID),
			KeyName:          stringOrNil(template.KeyName),
			SecurityGroupIds: template.SecurityGroupIDs,
			UserData:         encodeUserData(template.UserData),
		},
	}
	if build.Requirements == nil && len(build.Types) > 0 {
		launchTemplate.LaunchTemplateData.InstanceType = ec2types.InstanceType(build.Types[0])
	}

	maxSize := build.Count
	if template.MaxNumber > maxSize {
		maxSize = template.MaxNumber
	}
	group := &autoscaling.CreateAutoScalingGroupInput{
		AutoScalingGroupName: aws.String(groupName),
		MinSize:              aws.Int32(0),
		MaxSize:              aws.Int32(int32(maxSize)),
		DesiredCapacity:      aws.Int32(int32(build.Count)),
		VPCZoneIdentifier:    aws.String(strings.Join(template.SubnetIDs, ",")),
		Tags: lo.MapToSlice(template.Tags, func(k, v string) asgtypes.Tag {
			return asgtypes.Tag{Key: aws.String(k), Value: aws.String(v), PropagateAtLaunch: aws.Bool(true)}
		}),
	}

	spec := &asgtypes.LaunchTemplateSpecification{
		LaunchTemplateName: aws.String(ltName),
		Version:            aws.String("$Latest"),
	}
	if build.Requirements != nil || len(build.Types) > 1 {
		group.MixedInstancesPolicy = &asgtypes.MixedInstancesPolicy{
			LaunchTemplate: &asgtypes.LaunchTemplate{
				LaunchTemplateSpecification: spec,
				Overrides:                   h.overrides(build),
			},
		}
	} else {
		group.LaunchTemplate = spec
	}

	return &sdk.CreateInstancesPayload{
		RequestID:  build.RequestID,
		TemplateID: template.TemplateID,
		Count:      build.Count,
		ScalingGroup: &sdk.ScalingGroupPlan{
			GroupName:      groupName,
			LaunchTemplate: launchTemplate,
			Group:          group,
		},
	}, nil
}

func (h *ScalingGroupHandler) overrides(build *Build) []asgtypes.LaunchTemplateOverrides {
	if build.Requirements != nil {
		r := build.Requirements
		requirements := &asgtypes.InstanceRequirements{
			VCpuCount: &asgtypes.VCpuCountRequest{Min: aws.Int32(r.VCPUCount.Min)},
			MemoryMiB: &asgtypes.MemoryMiBRequest{Min: aws.Int32(r.MemoryMiB.Min)},
		}
		if r.VCPUCount.Max > 0 {
			requirements.VCpuCount.Max = aws.Int32(r.VCPUCount.Max)
		}
		if r.MemoryMiB.Max > 0 {
			requirements.MemoryMiB.Max = aws.Int32(r.MemoryMiB.Max)
		}
		if len(r.AllowedInstanceTypes) > 0 {
			requirements.AllowedInstanceTypes = r.AllowedInstanceTypes
		}
		if len(r.ExcludedInstanceTypes) > 0 {
			requirements.ExcludedInstanceTypes = r.ExcludedInstanceTypes
		}
		return []asgtypes.LaunchTemplateOverrides{{InstanceRequirements: requirements}}
	}
	return lo.Map(build.Types, func(t string, _ int) asgtypes.LaunchTemplateOverrides {
		return asgtypes.LaunchTemplateOverrides{InstanceType: aws.String(t)}
	})
}
