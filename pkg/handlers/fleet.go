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

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	sdk "github.com/awslabs/open-resource-broker/pkg/aws"
	"github.com/awslabs/open-resource-broker/pkg/apis"
	"github.com/awslabs/open-resource-broker/pkg/errors"
)

// FleetHandler launches a batch of heterogeneous instance types across
// subnets through an instant-type fleet.
type FleetHandler struct {
	capacityType ec2types.DefaultTargetCapacityType
	spotOptions  *ec2types.SpotOptionsRequest
}

func NewFleetHandler() *FleetHandler {
	return &FleetHandler{capacityType: ec2types.DefaultTargetCapacityTypeOnDemand}
}

// NewSpotFleetHandler requests spot capacity and otherwise mirrors the fleet
// behavior, attribute selection included.
func NewSpotFleetHandler() *FleetHandler {
	return &FleetHandler{
		capacityType: ec2types.DefaultTargetCapacityTypeSpot,
		spotOptions: &ec2types.SpotOptionsRequest{
			AllocationStrategy: ec2types.SpotAllocationStrategyPriceCapacityOptimized,
		},
	}
}

func (h *FleetHandler) Name() apis.ProviderAPI {
	if h.capacityType == ec2types.DefaultTargetCapacityTypeSpot {
		return apis.ProviderAPISpotFleet
	}
	return apis.ProviderAPIFleet
}

func (h *FleetHandler) BuildCreate(_ context.Context, template *apis.Template, build *Build) (*sdk.CreateInstancesPayload, error) {
	if len(template.SubnetIDs) == 0 {
		return nil, errors.Validation("template %s names no subnets", template.TemplateID)
	}
	ltName := launchTemplateName(template.TemplateID, build.RequestID)
	launchTemplate := &ec2.CreateLaunchTemplateInput{
		LaunchTemplateName: aws.String(ltName),
		LaunchTemplateData: &ec2types.RequestLaunchTemplateData{
			ImageId:          aws.String(template.ImageID),
			KeyName:          stringOrNil(template.KeyName),
			SecurityGroupIds: template.SecurityGroupIDs,
			UserData:         encodeUserData(template.UserData),
			TagSpecifications: []ec2types.LaunchTemplateTagSpecificationRequest{{
				ResourceType: ec2types.ResourceTypeInstance,
				Tags:         tagSpecifications(ec2types.ResourceTypeInstance, build.RequestID, template.Tags)[0].Tags,
			}},
		},
	}

	fleet := &ec2.CreateFleetInput{
		Type: ec2types.FleetTypeInstant,
		TargetCapacitySpecification: &ec2types.TargetCapacitySpecificationRequest{
			TotalTargetCapacity:       aws.Int32(int32(build.Count)),
			DefaultTargetCapacityType: h.capacityType,
		},
		SpotOptions: h.spotOptions,
		LaunchTemplateConfigs: []ec2types.FleetLaunchTemplateConfigRequest{{
			LaunchTemplateSpecification: &ec2types.FleetLaunchTemplateSpecificationRequest{
				LaunchTemplateName: aws.String(ltName),
				Version:            aws.String("$Latest"),
			},
			Overrides: h.overrides(template, build),
		}},
		TagSpecifications: tagSpecifications(ec2types.ResourceTypeFleet, build.RequestID, template.Tags),
	}

	return &sdk.CreateInstancesPayload{
		RequestID:      build.RequestID,
		TemplateID:     template.TemplateID,
		Count:          build.Count,
		LaunchTemplate: launchTemplate,
		Fleet:          fleet,
	}, nil
}

// overrides emits one override per subnet when attribute selection is in
// play, and the subnet x instance-type cross product otherwise.
func (h *FleetHandler) overrides(template *apis.Template, build *Build) []ec2types.FleetLaunchTemplateOverridesRequest {
	if build.Requirements != nil {
		requirements := abisRequirements(build.Requirements)
		overrides := make([]ec2types.FleetLaunchTemplateOverridesRequest, 0, len(template.SubnetIDs))
		for _, subnet := range template.SubnetIDs {
			overrides = append(overrides, ec2types.FleetLaunchTemplateOverridesRequest{
				SubnetId:             aws.String(subnet),
				InstanceRequirements: requirements,
			})
		}
		return overrides
	}
	overrides := make([]ec2types.FleetLaunchTemplateOverridesRequest, 0, len(template.SubnetIDs)*len(build.Types))
	for _, subnet := range template.SubnetIDs {
		for _, instanceType := range build.Types {
			overrides = append(overrides, ec2types.FleetLaunchTemplateOverridesRequest{
				SubnetId:     aws.String(subnet),
				InstanceType: ec2types.InstanceType(instanceType),
			})
		}
	}
	return overrides
}

func stringOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return aws.String(s)
}
