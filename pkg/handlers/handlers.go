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
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"

	sdk "github.com/awslabs/open-resource-broker/pkg/aws"
	"github.com/awslabs/open-resource-broker/pkg/apis"
	"github.com/awslabs/open-resource-broker/pkg/errors"
	"github.com/awslabs/open-resource-broker/pkg/templates"
)

// Build carries everything a handler needs to turn a template into a
// provider launch plan.
type Build struct {
	RequestID string
	Count     int
	// Types are the instance types to launch across; empty when the
	// template selects by attributes instead.
	Types []string
	// Requirements is the attribute selection block; when present the
	// enumerated types above are already cleared.
	Requirements *apis.InstanceRequirements
}

// Handler builds the provider-specific launch plan for one provisioning API.
type Handler interface {
	Name() apis.ProviderAPI
	BuildCreate(ctx context.Context, template *apis.Template, build *Build) (*sdk.CreateInstancesPayload, error)
}

// Result is the neutral outcome the dispatcher hands back to the
// application layer.
type Result struct {
	Provider         string
	CreatedInstances []sdk.LaunchedInstance
	TerminatedIDs    []string
	Errors           []sdk.LaunchError
	Partial          bool
}

// launchTemplateName derives a deterministic name for the launch template a
// plan creates, so retries against the same request reuse it.
func launchTemplateName(templateID, requestID string) string {
	return fmt.Sprintf("orb-%s-%s", templateID, requestID)
}

func encodeUserData(userData string) *string {
	if userData == "" {
		return nil
	}
	return aws.String(base64.StdEncoding.EncodeToString([]byte(userData)))
}

func tagSpecifications(resource ec2types.ResourceType, requestID string, tags map[string]string) []ec2types.TagSpecification {
	merged := map[string]string{"orb:request-id": requestID}
	for k, v := range tags {
		merged[k] = v
	}
	return []ec2types.TagSpecification{{
		ResourceType: resource,
		Tags: lo.MapToSlice(merged, func(k, v string) ec2types.Tag {
			return ec2types.Tag{Key: aws.String(k), Value: aws.String(v)}
		}),
	}}
}

// abisRequirements casts the template's attribute selection block to the
// provider's requirements shape.
func abisRequirements(r *apis.InstanceRequirements) *ec2types.InstanceRequirementsRequest {
	req := &ec2types.InstanceRequirementsRequest{
		VCpuCount: &ec2types.VCpuCountRangeRequest{Min: aws.Int32(r.VCPUCount.Min)},
		MemoryMiB: &ec2types.MemoryMiBRequest{Min: aws.Int32(r.MemoryMiB.Min)},
	}
	if r.VCPUCount.Max > 0 {
		req.VCpuCount.Max = aws.Int32(r.VCPUCount.Max)
	}
	if r.MemoryMiB.Max > 0 {
		req.MemoryMiB.Max = aws.Int32(r.MemoryMiB.Max)
	}
	if len(r.AllowedInstanceTypes) > 0 {
		req.AllowedInstanceTypes = r.AllowedInstanceTypes
	}
	if len(r.ExcludedInstanceTypes) > 0 {
		req.ExcludedInstanceTypes = r.ExcludedInstanceTypes
	}
	if r.BurstablePerformance != "" {
		req.BurstablePerformance = ec2types.BurstablePerformance(r.BurstablePerformance)
	}
	return req
}

// applySpec overlays a rendered native spec onto a typed provider input.
// The typed input is round-tripped through JSON so the merge operates on
// wire field names.
func applySpec(target interface{}, rendered []byte, mode apis.NativeSpecMergeMode) error {
	if len(rendered) == 0 || mode == apis.MergeModeNone {
		return nil
	}
	encoded, err := json.Marshal(target)
	if err != nil {
		return fmt.Errorf("encoding provider input, %w", err)
	}
	var legacy map[string]interface{}
	if err := json.Unmarshal(encoded, &legacy); err != nil {
		return fmt.Errorf("decoding provider input, %w", err)
	}
	merged, err := templates.MergeSpec(mode, legacy, rendered)
	if err != nil {
		return err
	}
	mergedRaw, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("encoding merged spec, %w", err)
	}
	if err := json.Unmarshal(mergedRaw, target); err != nil {
		return errors.Wrap(err, errors.KindValidation, "native spec does not match the provider input shape")
	}
	return nil
}
