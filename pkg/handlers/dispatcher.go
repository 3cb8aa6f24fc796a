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
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/samber/lo"
	"go.uber.org/multierr"

	sdk "github.com/awslabs/open-resource-broker/pkg/aws"
	"github.com/awslabs/open-resource-broker/pkg/apis"
	"github.com/awslabs/open-resource-broker/pkg/errors"
	"github.com/awslabs/open-resource-broker/pkg/events"
	"github.com/awslabs/open-resource-broker/pkg/providers"
	"github.com/awslabs/open-resource-broker/pkg/templates"
)

// NativeSpecConfig gates the declarative-spec override path.
type NativeSpecConfig struct {
	Enabled          bool
	MergeMode        apis.NativeSpecMergeMode
	FallbackToLegacy bool
	FailFastOnErrors bool
	Render           templates.RenderOptions
}

// Dispatcher maps a resolved template onto a provisioning handler, applies
// the native-spec override path, and drives the provider strategy engine.
type Dispatcher struct {
	engine      *providers.Context
	renderer    *templates.Renderer
	registry    map[apis.ProviderAPI]Handler
	nativeSpec  NativeSpecConfig
	maxAttempts int
	// opTimeout bounds every provider operation; cancellation propagates
	// cooperatively to the SDK call.
	opTimeout   time.Duration
	publisher   events.Publisher
	packageName string

	// one warning per template per process when attribute selection
	// overrides enumerated types
	abisWarned sync.Map
}

type DispatcherOption func(*Dispatcher)

func WithNativeSpec(cfg NativeSpecConfig) DispatcherOption {
	return func(d *Dispatcher) { d.nativeSpec = cfg }
}

func WithMaxAttempts(n int) DispatcherOption {
	return func(d *Dispatcher) { d.maxAttempts = n }
}

func WithOperationTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.opTimeout = timeout }
}

func WithDispatchPublisher(p events.Publisher) DispatcherOption {
	return func(d *Dispatcher) { d.publisher = p }
}

func NewDispatcher(engine *providers.Context, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		engine: engine,
		registry: map[apis.ProviderAPI]Handler{
			apis.ProviderAPIFleet:        NewFleetHandler(),
			apis.ProviderAPISpotFleet:    NewSpotFleetHandler(),
			apis.ProviderAPIScalingGroup: NewScalingGroupHandler(),
			apis.ProviderAPIRunInstances: NewRunInstancesHandler(),
		},
		nativeSpec: NativeSpecConfig{
			Enabled:          true,
			MergeMode:        apis.MergeModeExtend,
			FallbackToLegacy: true,
		},
		maxAttempts: 3,
		opTimeout:   10 * time.Minute,
		publisher:   events.NopPublisher{},
		packageName: "open-resource-broker",
	}
	for _, opt := range opts {
		opt(d)
	}
	d.renderer = templates.NewRenderer(d.nativeSpec.Render)
	return d
}

// Acquire builds the launch plan for the request and executes it, retrying
// the whole handler call against the next selected provider on transient
// failures. The request is bound to the provider that succeeds.
func (d *Dispatcher) Acquire(ctx context.Context, request *apis.Request, template *apis.Template) (*Result, error) {
	ctx, cancel := d.withDeadline(ctx)
	defer cancel()
	handler, ok := d.registry[template.EffectiveAPI()]
	if !ok {
		return nil, errors.Validation("no handler registered for provider API %q", template.EffectiveAPI())
	}

	build := &Build{RequestID: request.RequestID, Count: request.MachineCount}
	if template.InstanceRequirements != nil {
		build.Requirements = template.InstanceRequirements
		if ignored := template.EnumeratedTypes(); len(ignored) > 0 {
			if _, warned := d.abisWarned.LoadOrStore(template.TemplateID, struct{}{}); !warned {
				d.publisher.Publish(ctx, apis.NewAttributeSelectionOverride(template.TemplateID, ignored))
				logr.FromContextOrDiscard(ctx).Info("attribute requirements present, ignoring enumerated instance types",
					"template-id", template.TemplateID, "ignored", ignored)
			}
		}
	} else {
		build.Types = template.EnumeratedTypes()
	}

	var errs error
	for attempt := 0; attempt < d.maxAttempts; attempt++ {
		payload, err := d.buildPayload(ctx, handler, template, build)
		if err != nil {
			return nil, err
		}
		op := &providers.Operation{Kind: providers.OpCreateInstances, Key: template.TemplateID, Payload: payload}

		var result *providers.Result
		if request.ProviderName != "" {
			result, err = d.engine.ExecuteOn(ctx, request.ProviderName, op)
		} else if template.ProviderName != "" {
			result, err = d.engine.ExecuteOn(ctx, template.ProviderName, op)
		} else {
			result, err = d.engine.Execute(ctx, op)
		}
		if err != nil {
			errs = multierr.Append(errs, err)
			if d.retryable(err) && attempt < d.maxAttempts-1 {
				continue
			}
			return nil, errs
		}

		created, ok := result.Data.(*sdk.CreateInstancesResult)
		if !ok {
			return nil, errors.Internal(nil, "provider %s returned %T for a launch plan", result.Provider, result.Data)
		}
		if err := request.SelectProvider(result.Provider); err != nil {
			return nil, err
		}
		return &Result{
			Provider:         result.Provider,
			CreatedInstances: created.Instances,
			Errors:           created.Errors,
			Partial:          len(created.Instances) > 0 && len(created.Instances) < request.MachineCount,
		}, nil
	}
	return nil, errs
}

func (d *Dispatcher) retryable(err error) bool {
	switch errors.KindOf(err) {
	case errors.KindProviderTransient, errors.KindCapacity, errors.KindCircuitOpen, errors.KindTimeout:
		return true
	}
	return false
}

// buildPayload runs the handler and overlays the native spec when one is
// configured. Spec failures fall back to the legacy payload unless the
// configuration demands failing fast.
func (d *Dispatcher) buildPayload(ctx context.Context, handler Handler, template *apis.Template, build *Build) (*sdk.CreateInstancesPayload, error) {
	payload, err := handler.BuildCreate(ctx, template, build)
	if err != nil {
		return nil, err
	}
	if !d.nativeSpec.Enabled || !template.HasNativeSpec() || d.nativeSpec.MergeMode == apis.MergeModeNone {
		return payload, nil
	}

	applied, err := d.applyNativeSpec(template, build, payload)
	if err == nil {
		return applied, nil
	}
	if d.nativeSpec.FailFastOnErrors || !d.nativeSpec.FallbackToLegacy {
		return nil, err
	}
	logr.FromContextOrDiscard(ctx).Error(err, "native spec failed, falling back to legacy template fields",
		"template-id", template.TemplateID)
	// rebuild so a partial overlay never leaks into the dispatched plan
	return handler.BuildCreate(ctx, template, build)
}

func (d *Dispatcher) applyNativeSpec(template *apis.Template, build *Build, payload *sdk.CreateInstancesPayload) (*sdk.CreateInstancesPayload, error) {
	source, err := templates.SpecSource(template)
	if err != nil || len(source) == 0 {
		return payload, err
	}
	rendered, err := d.renderer.Render(source, templates.Variables{
		RequestID:      build.RequestID,
		TemplateID:     template.TemplateID,
		RequestedCount: build.Count,
		Timestamp:      time.Now().UTC(),
		PackageName:    d.packageName,
	})
	if err != nil {
		return nil, err
	}

	// provider_api specs target the primary input; launch_template specs
	// target the launch template data
	targetsLaunchTemplate := len(template.ProviderAPISpec) == 0 && template.ProviderAPISpecFile == "" &&
		(len(template.LaunchTemplateSpec) > 0 || template.LaunchTemplateSpecFile != "")
	var target interface{}
	switch {
	case targetsLaunchTemplate && payload.LaunchTemplate != nil:
		target = payload.LaunchTemplate.LaunchTemplateData
	case targetsLaunchTemplate && payload.ScalingGroup != nil:
		target = payload.ScalingGroup.LaunchTemplate.LaunchTemplateData
	case payload.Fleet != nil:
		target = payload.Fleet
	case payload.RunInstances != nil:
		target = payload.RunInstances
	case payload.ScalingGroup != nil:
		target = payload.ScalingGroup.Group
	default:
		return payload, nil
	}
	if err := applySpec(target, rendered, d.nativeSpec.MergeMode); err != nil {
		return nil, err
	}
	return payload, nil
}

func (d *Dispatcher) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d.opTimeout)
}

// Return terminates the referenced machines, grouped per owning provider.
func (d *Dispatcher) Return(ctx context.Context, machines []*apis.Machine) (*Result, error) {
	ctx, cancel := d.withDeadline(ctx)
	defer cancel()
	result := &Result{}
	var errs error
	byProvider := lo.GroupBy(machines, func(m *apis.Machine) string { return m.ProviderName })
	for providerName, group := range byProvider {
		op := &providers.Operation{
			Kind: providers.OpTerminateInstances,
			Key:  providerName,
			Payload: &sdk.TerminateInstancesPayload{
				InstanceIDs: lo.Map(group, func(m *apis.Machine, _ int) string { return m.InstanceID }),
			},
		}
		res, err := d.engine.ExecuteOn(ctx, providerName, op)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if terminated, ok := res.Data.(*sdk.TerminateInstancesResult); ok {
			result.TerminatedIDs = append(result.TerminatedIDs, terminated.TerminatedIDs...)
		}
		result.Provider = providerName
	}
	if len(result.TerminatedIDs) == 0 && errs != nil {
		return nil, errs
	}
	result.Partial = len(result.TerminatedIDs) < len(machines)
	return result, errs
}

// Status polls instance states for machines owned by one provider.
func (d *Dispatcher) Status(ctx context.Context, providerName string, instanceIDs []string) (*sdk.InstanceStatusResult, error) {
	ctx, cancel := d.withDeadline(ctx)
	defer cancel()
	res, err := d.engine.ExecuteOn(ctx, providerName, &providers.Operation{
		Kind:    providers.OpGetInstanceStatus,
		Key:     providerName,
		Payload: &sdk.InstanceStatusPayload{InstanceIDs: instanceIDs},
	})
	if err != nil {
		return nil, err
	}
	status, ok := res.Data.(*sdk.InstanceStatusResult)
	if !ok {
		return nil, errors.Internal(nil, "provider %s returned %T for a status poll", providerName, res.Data)
	}
	return status, nil
}
