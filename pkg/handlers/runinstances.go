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

// RunInstancesHandler is the simplest path: a single direct launch call.
// Attribute selection is not expressible on this API; templates that carry
// it are rejected with a validation error.
type RunInstancesHandler struct{}

func NewRunInstancesHandler() *RunInstancesHandler { return &RunInstancesHandler{} }

func (h *RunInstancesHandler) Name() apis.ProviderAPI { return apis.ProviderAPIRunInstances }

func (h *RunInstancesHandler) BuildCreate(_ context.Context, template *apis.Template, build *Build) (*sdk.CreateInstancesPayload, error) {
	if build.Requirements != nil {
		return nil, errors.Validation("template %s selects instances by attributes, which the direct run API cannot express", template.TemplateID)
	}
	if len(build.Types) == 0 {
		return nil, errors.Validation("template %s names no instance type", template.TemplateID)
	}
	input := &ec2.RunInstancesInput{
		ImageId:           aws.String(template.ImageID),
		InstanceType:      ec2types.InstanceType(build.Types[0]),
		MinCount:          aws.Int32(int32(build.Count)),
		MaxCount:          aws.Int32(int32(build.Count)),
		KeyName:           stringOrNil(template.KeyName),
		SecurityGroupIds:  template.SecurityGroupIDs,
		UserData:          encodeUserData(template.UserData),
		TagSpecifications: tagSpecifications(ec2types.ResourceTypeInstance, build.RequestID, template.Tags),
	}
	if len(template.SubnetIDs) > 0 {
		input.SubnetId = aws.String(template.SubnetIDs[0])
	}
	return &sdk.CreateInstancesPayload{
		RequestID:    build.RequestID,
		TemplateID:   template.TemplateID,
		Count:        build.Count,
		RunInstances: input,
	}, nil
}
