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

package cloudprovider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	asgtypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/go-logr/logr"
	"github.com/samber/lo"
	"go.uber.org/multierr"

	sdk "github.com/awslabs/open-resource-broker/pkg/aws"
	"github.com/awslabs/open-resource-broker/pkg/apis"
	"github.com/awslabs/open-resource-broker/pkg/batcher"
	brokercache "github.com/awslabs/open-resource-broker/pkg/cache"
	"github.com/awslabs/open-resource-broker/pkg/errors"
	"github.com/awslabs/open-resource-broker/pkg/providers"
)

const asgPollInterval = 2 * time.Second

// AWSStrategy executes provider operations against one AWS account/region
// pair. Launch plans arrive pre-built from the handlers; this strategy only
// owns SDK execution, error classification and result normalization.
type AWSStrategy struct {
	name         string
	region       string
	capabilities []string

	ec2api sdk.EC2API
	asgapi sdk.ASGAPI

	describeBatcher  *batcher.DescribeInstancesBatcher
	terminateBatcher *batcher.TerminateInstancesBatcher
	unavailable      *brokercache.UnavailableCapacity
}

type AWSOption func(*AWSStrategy)

func WithCapabilities(caps []string) AWSOption {
	return func(s *AWSStrategy) { s.capabilities = caps }
}

func WithUnavailableCapacity(u *brokercache.UnavailableCapacity) AWSOption {
	return func(s *AWSStrategy) { s.unavailable = u }
}

func NewAWSStrategy(ctx context.Context, name, region string, clients *sdk.Clients, opts ...AWSOption) *AWSStrategy {
	s := &AWSStrategy{
		name:         name,
		region:       region,
		capabilities: []string{"on-demand", "spot", "abis"},
		ec2api:       clients.EC2,
		asgapi:       clients.ASG,
		unavailable:  brokercache.NewUnavailableCapacity(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.describeBatcher = batcher.NewDescribeInstancesBatcher(ctx, s.ec2api)
	s.terminateBatcher = batcher.NewTerminateInstancesBatcher(ctx, s.ec2api)
	return s
}

func (s *AWSStrategy) Name() string           { return s.name }
func (s *AWSStrategy) Capabilities() []string { return s.capabilities }

// Unavailable exposes the capacity cache so handlers can pre-filter
// offerings that recently returned insufficient capacity.
func (s *AWSStrategy) Unavailable() *brokercache.UnavailableCapacity { return s.unavailable }

func (s *AWSStrategy) CheckHealth(ctx context.Context) providers.HealthStatus {
	_, err := s.ec2api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{MaxResults: aws.Int32(5)})
	status := providers.HealthStatus{Healthy: err == nil, CheckedAt: time.Now().UTC()}
	if err != nil {
		status.Message = errors.FromAWS(err).Error()
	}
	return status
}

func (s *AWSStrategy) Execute(ctx context.Context, op *providers.Operation) (*providers.Result, error) {
	switch op.Kind {
	case providers.OpCreateInstances:
		payload, ok := op.Payload.(*sdk.CreateInstancesPayload)
		if !ok {
			return nil, errors.Validation("CreateInstances payload has unexpected type %T", op.Payload)
		}
		result, err := s.createInstances(ctx, payload)
		if err != nil {
			return nil, err
		}
		return &providers.Result{Data: result}, nil
	case providers.OpTerminateInstances:
		payload, ok := op.Payload.(*sdk.TerminateInstancesPayload)
		if !ok {
			return nil, errors.Validation("TerminateInstances payload has unexpected type %T", op.Payload)
		}
		result, err := s.terminateInstances(ctx, payload)
		if err != nil {
			return nil, err
		}
		return &providers.Result{Data: result}, nil
	case providers.OpGetInstanceStatus:
		payload, ok := op.Payload.(*sdk.InstanceStatusPayload)
		if !ok {
			return nil, errors.Validation("GetInstanceStatus payload has unexpected type %T", op.Payload)
		}
		result, err := s.instanceStatus(ctx, payload)
		if err != nil {
			return nil, err
		}
		return &providers.Result{Data: result}, nil
	case providers.OpValidateTemplate:
		template, ok := op.Payload.(*apis.Template)
		if !ok {
			return nil, errors.Validation("ValidateTemplate payload has unexpected type %T", op.Payload)
		}
		if err := template.Validate(); err != nil {
			return nil, err
		}
		return &providers.Result{Data: true}, nil
	case providers.OpHealthCheck:
		status := s.CheckHealth(ctx)
		if !status.Healthy {
			return nil, errors.New(errors.KindProviderTransient, "provider %s is unhealthy: %s", s.name, status.Message)
		}
		return &providers.Result{Data: status}, nil
	case providers.OpGetAvailableTemplates:
		// templates live in the resolver; providers contribute none of their own
		return &providers.Result{Data: []*apis.Template{}}, nil
	case providers.OpGetCapabilities:
		return &providers.Result{Data: s.capabilities}, nil
	default:
		return nil, errors.Validation("unsupported operation kind %q", op.Kind)
	}
}

func (s *AWSStrategy) createInstances(ctx context.Context, payload *sdk.CreateInstancesPayload) (*sdk.CreateInstancesResult, error) {
	switch {
	case payload.Fleet != nil:
		return s.createFleet(ctx, payload)
	case payload.RunInstances != nil:
		return s.runInstances(ctx, payload)
	case payload.ScalingGroup != nil:
		return s.createScalingGroup(ctx, payload)
	default:
		return nil, errors.Validation("launch plan for request %s carries no provider input", payload.RequestID)
	}
}

func (s *AWSStrategy) createFleet(ctx context.Context, payload *sdk.CreateInstancesPayload) (*sdk.CreateInstancesResult, error) {
	if payload.LaunchTemplate != nil {
		if _, err := s.ec2api.CreateLaunchTemplate(ctx, payload.LaunchTemplate); err != nil {
			classified := errors.FromAWS(err)
			if !errors.IsKind(classified, errors.KindProviderPermanent) {
				return nil, classified
			}
			// a launch template with this name already exists; the fleet call
			// references it by name so reuse is safe
			logr.FromContextOrDiscard(ctx).V(1).Info("reusing existing launch template",
				"name", lo.FromPtr(payload.LaunchTemplate.LaunchTemplateName))
		}
	}
	output, err := s.ec2api.CreateFleet(ctx, payload.Fleet)
	if err != nil {
		return nil, errors.FromAWS(err)
	}
	result := &sdk.CreateInstancesResult{}
	for _, reservation := range output.Instances {
		for _, instanceID := range reservation.InstanceIds {
			result.Instances = append(result.Instances, sdk.LaunchedInstance{
				InstanceID:   instanceID,
				InstanceType: string(reservation.InstanceType),
				Lifecycle:    string(reservation.Lifecycle),
			})
		}
	}
	for _, fleetErr := range output.Errors {
		code := lo.FromPtr(fleetErr.ErrorCode)
		transient := errors.IsUnfulfillableCapacity(code)
		result.Errors = append(result.Errors, sdk.LaunchError{
			Code:      code,
			Message:   lo.FromPtr(fleetErr.ErrorMessage),
			Transient: transient,
		})
		if transient && fleetErr.LaunchTemplateAndOverrides != nil && fleetErr.LaunchTemplateAndOverrides.Overrides != nil {
			override := fleetErr.LaunchTemplateAndOverrides.Overrides
			s.unavailable.MarkUnavailable(ctx, s.name,
				string(override.InstanceType), lo.FromPtr(override.SubnetId), code)
		}
	}
	if len(result.Instances) == 0 && len(result.Errors) > 0 {
		if lo.EveryBy(result.Errors, func(e sdk.LaunchError) bool { return e.Transient }) {
			return nil, errors.New(errors.KindCapacity, "fleet request yielded no capacity").
				WithDetail("errors", result.Errors)
		}
		return nil, errors.New(errors.KindProviderPermanent, "fleet request rejected: %s", result.Errors[0].Message).
			WithDetail("code", result.Errors[0].Code)
	}
	return result, nil
}

func (s *AWSStrategy) runInstances(ctx context.Context, payload *sdk.CreateInstancesPayload) (*sdk.CreateInstancesResult, error) {
	output, err := s.ec2api.RunInstances(ctx, payload.RunInstances)
	if err != nil {
		return nil, errors.FromAWS(err)
	}
	return &sdk.CreateInstancesResult{
		Instances: lo.Map(output.Instances, func(i ec2types.Instance, _ int) sdk.LaunchedInstance {
			return sdk.LaunchedInstance{
				InstanceID:   lo.FromPtr(i.InstanceId),
				InstanceType: string(i.InstanceType),
				PrivateIP:    lo.FromPtr(i.PrivateIpAddress),
				PublicIP:     lo.FromPtr(i.PublicIpAddress),
				SubnetID:     lo.FromPtr(i.SubnetId),
				Lifecycle:    "on-demand",
			}
		}),
	}, nil
}

// createScalingGroup creates the launch template and scaling group, or bumps
// the desired capacity when the group already exists, then waits for the
// group to report its instances.
func (s *AWSStrategy) createScalingGroup(ctx context.Context, payload *sdk.CreateInstancesPayload) (*sdk.CreateInstancesResult, error) {
	plan := payload.ScalingGroup
	log := logr.FromContextOrDiscard(ctx)

	if plan.LaunchTemplate != nil {
		if _, err := s.ec2api.CreateLaunchTemplate(ctx, plan.LaunchTemplate); err != nil {
			classified := errors.FromAWS(err)
			// an existing launch template with the same name is reused
			if !errors.IsKind(classified, errors.KindProviderPermanent) {
				return nil, classified
			}
			log.V(1).Info("reusing existing launch template", "name", lo.FromPtr(plan.LaunchTemplate.LaunchTemplateName))
		}
	}

	if _, err := s.asgapi.CreateAutoScalingGroup(ctx, plan.Group); err != nil {
		classified := errors.FromAWS(err)
		if errors.IsKind(classified, errors.KindProviderTransient) {
			return nil, classified
		}
		// group exists: grow it instead
		if _, err := s.asgapi.UpdateAutoScalingGroup(ctx, &autoscaling.UpdateAutoScalingGroupInput{
			AutoScalingGroupName: plan.Group.AutoScalingGroupName,
			DesiredCapacity:      plan.Group.DesiredCapacity,
			MaxSize:              plan.Group.MaxSize,
		}); err != nil {
			return nil, errors.FromAWS(err)
		}
	}

	return s.awaitScalingGroupInstances(ctx, plan.GroupName, payload.Count)
}

func (s *AWSStrategy) awaitScalingGroupInstances(ctx context.Context, groupName string, count int) (*sdk.CreateInstancesResult, error) {
	ticker := time.NewTicker(asgPollInterval)
	defer ticker.Stop()
	for {
		output, err := s.asgapi.DescribeAutoScalingGroups(ctx, &autoscaling.DescribeAutoScalingGroupsInput{
			AutoScalingGroupNames: []string{groupName},
		})
		if err != nil {
			return nil, errors.FromAWS(err)
		}
		if len(output.AutoScalingGroups) > 0 {
			group := output.AutoScalingGroups[0]
			if len(group.Instances) >= count {
				return &sdk.CreateInstancesResult{
					Instances: lo.Map(group.Instances[:count], func(i asgtypes.Instance, _ int) sdk.LaunchedInstance {
						return sdk.LaunchedInstance{
							InstanceID:   lo.FromPtr(i.InstanceId),
							InstanceType: lo.FromPtr(i.InstanceType),
							Lifecycle:    "asg",
						}
					}),
				}, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), errors.KindTimeout, "scaling group %s did not reach %d instances", groupName, count)
		case <-ticker.C:
		}
	}
}

func (s *AWSStrategy) terminateInstances(ctx context.Context, payload *sdk.TerminateInstancesPayload) (*sdk.TerminateInstancesResult, error) {
	result := &sdk.TerminateInstancesResult{}
	var mu sync.Mutex
	var errs error
	var wg sync.WaitGroup
	for _, instanceID := range payload.InstanceIDs {
		wg.Add(1)
		go func(instanceID string) {
			defer wg.Done()
			_, err := s.terminateBatcher.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
				InstanceIds: []string{instanceID},
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("terminating %s, %w", instanceID, errors.FromAWS(err)))
				return
			}
			result.TerminatedIDs = append(result.TerminatedIDs, instanceID)
		}(instanceID)
	}
	wg.Wait()
	if errs != nil {
		if len(result.TerminatedIDs) == 0 {
			return nil, errors.Wrap(errs, errors.KindProviderTransient, "no instance could be terminated")
		}
		logr.FromContextOrDiscard(ctx).Error(errs, "some instances failed to terminate",
			"terminated", len(result.TerminatedIDs), "requested", len(payload.InstanceIDs))
	}
	return result, nil
}

func (s *AWSStrategy) instanceStatus(ctx context.Context, payload *sdk.InstanceStatusPayload) (*sdk.InstanceStatusResult, error) {
	result := &sdk.InstanceStatusResult{
		States:    map[string]string{},
		PrivateIP: map[string]string{},
		PublicIP:  map[string]string{},
	}
	var mu sync.Mutex
	var errs error
	var wg sync.WaitGroup
	for _, instanceID := range payload.InstanceIDs {
		wg.Add(1)
		go func(instanceID string) {
			defer wg.Done()
			output, err := s.describeBatcher.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
				InstanceIds: []string{instanceID},
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("describing %s, %w", instanceID, errors.FromAWS(err)))
				return
			}
			for _, reservation := range output.Reservations {
				for _, instance := range reservation.Instances {
					result.States[instanceID] = string(instance.State.Name)
					result.PrivateIP[instanceID] = lo.FromPtr(instance.PrivateIpAddress)
					result.PublicIP[instanceID] = lo.FromPtr(instance.PublicIpAddress)
				}
			}
		}(instanceID)
	}
	wg.Wait()
	if errs != nil {
		if len(result.States) == 0 {
			return nil, errors.Wrap(errs, errors.KindProviderTransient, "no instance status could be read")
		}
		logr.FromContextOrDiscard(ctx).Error(errs, "some instance status polls failed",
			"read", len(result.States), "requested", len(payload.InstanceIDs))
	}
	return result, nil
}
