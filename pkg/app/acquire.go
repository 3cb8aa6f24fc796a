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

package app

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/awslabs/open-resource-broker/pkg/apis"
	"github.com/awslabs/open-resource-broker/pkg/bus"
	"github.com/awslabs/open-resource-broker/pkg/errors"
	"github.com/awslabs/open-resource-broker/pkg/handlers"
	"github.com/awslabs/open-resource-broker/pkg/storage"
	"github.com/awslabs/open-resource-broker/pkg/templates"
)

// AcquireHandler serves the acquire command: resolve the template, dispatch
// the launch, record machines, and settle the request status.
type AcquireHandler struct {
	store        storage.Store
	resolver     *templates.Resolver
	dispatcher   *handlers.Dispatcher
	allowPartial bool
}

func NewAcquireHandler(store storage.Store, resolver *templates.Resolver, dispatcher *handlers.Dispatcher, allowPartial bool) *AcquireHandler {
	return &AcquireHandler{store: store, resolver: resolver, dispatcher: dispatcher, allowPartial: allowPartial}
}

func (h *AcquireHandler) CommandName() string { return AcquireMachines{}.CommandName() }

func (h *AcquireHandler) InvalidationTags() []string { return []string{"requests", "machines"} }

func (h *AcquireHandler) Handle(ctx context.Context, command bus.Command) (interface{}, error) {
	acquire, ok := command.(AcquireMachines)
	if !ok {
		return nil, errors.Validation("AcquireMachines handler received %T", command)
	}
	template, err := h.resolver.Resolve(ctx, acquire.TemplateID)
	if err != nil {
		return nil, err
	}
	if template.MaxNumber > 0 && acquire.Count > template.MaxNumber {
		return nil, errors.Validation("count %d exceeds template %s max_number %d",
			acquire.Count, template.TemplateID, template.MaxNumber)
	}

	request, err := apis.NewAcquireRequest(acquire.TemplateID, acquire.Count)
	if err != nil {
		return nil, err
	}
	if template.ProviderName != "" {
		if err := request.SelectProvider(template.ProviderName); err != nil {
			return nil, err
		}
	}
	if err := h.store.Requests().Save(ctx, request); err != nil {
		return nil, err
	}
	if err := request.Begin(); err != nil {
		return nil, err
	}
	if err := h.store.Requests().Save(ctx, request); err != nil {
		return nil, err
	}

	result, dispatchErr := h.dispatcher.Acquire(ctx, request, template)
	if dispatchErr != nil {
		return h.settleFailure(ctx, request, dispatchErr)
	}

	machines, err := h.recordMachines(ctx, request, template, result)
	if err != nil {
		return nil, err
	}
	for _, launchErr := range result.Errors {
		request.RecordError(apis.RequestError{
			Kind:    string(errors.KindCapacity),
			Message: launchErr.Message,
			Details: map[string]interface{}{"code": launchErr.Code},
		})
	}

	switch {
	case !result.Partial:
		if err := request.Complete(); err != nil {
			return nil, err
		}
	case h.allowPartial:
		if err := request.CompletePartial(); err != nil {
			return nil, err
		}
	default:
		// partial not allowed: whatever came up is cleaned up through a
		// follow-up return, and the request fails
		logr.FromContextOrDiscard(ctx).Info("partial fulfillment not allowed, returning created machines",
			"request-id", request.RequestID, "created", len(machines))
		if _, err := h.dispatcher.Return(ctx, machines); err != nil {
			logr.FromContextOrDiscard(ctx).Error(err, "cleanup return failed", "request-id", request.RequestID)
		}
		for _, machine := range machines {
			_ = machine.ObserveStatus(apis.MachineStatusTerminating)
			if err := h.store.Machines().Save(ctx, machine); err != nil {
				logr.FromContextOrDiscard(ctx).Error(err, "saving cleaned-up machine", "machine-id", machine.MachineID)
			}
		}
		if err := request.Fail(errors.New(errors.KindCapacity,
			"provider fulfilled %d of %d requested machines", len(machines), request.MachineCount)); err != nil {
			return nil, err
		}
	}
	if err := h.store.Requests().Save(ctx, request); err != nil {
		return nil, err
	}
	return &RequestResult{Request: request, Machines: machines}, nil
}

func (h *AcquireHandler) recordMachines(ctx context.Context, request *apis.Request, template *apis.Template, result *handlers.Result) ([]*apis.Machine, error) {
	machines := make([]*apis.Machine, 0, len(result.CreatedInstances))
	for _, launched := range result.CreatedInstances {
		machine, err := apis.NewMachine(request.RequestID, template.TemplateID, result.Provider, launched.InstanceID)
		if err != nil {
			return nil, err
		}
		machine.InstanceType = launched.InstanceType
		machine.PrivateIP = launched.PrivateIP
		machine.PublicIP = launched.PublicIP
		if err := h.store.Machines().Save(ctx, machine); err != nil {
			return nil, err
		}
		if err := request.RecordMachine(machine.MachineID); err != nil {
			return nil, err
		}
		machines = append(machines, machine)
	}
	return machines, nil
}

// settleFailure maps a dispatch error onto the terminal status the request
// deserves and persists it. The error still surfaces to the caller.
func (h *AcquireHandler) settleFailure(ctx context.Context, request *apis.Request, dispatchErr error) (interface{}, error) {
	var transitionErr error
	switch errors.KindOf(dispatchErr) {
	case errors.KindCancelled:
		_, transitionErr = request.Cancel()
	case errors.KindTimeout:
		transitionErr = request.MarkTimeout()
		if dispatchErr != nil {
			request.RecordError(apis.RequestError{Kind: string(errors.KindTimeout), Message: dispatchErr.Error()})
		}
	default:
		transitionErr = request.Fail(dispatchErr)
	}
	if transitionErr != nil {
		logr.FromContextOrDiscard(ctx).Error(transitionErr, "settling failed request", "request-id", request.RequestID)
	}
	// saving uses a fresh context: the request context may already be done
	if err := h.store.Requests().Save(context.WithoutCancel(ctx), request); err != nil {
		logr.FromContextOrDiscard(ctx).Error(err, "persisting failed request", "request-id", request.RequestID)
	}
	return nil, dispatchErr
}
