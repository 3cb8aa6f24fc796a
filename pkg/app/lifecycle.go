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
	"github.com/samber/lo"

	"github.com/awslabs/open-resource-broker/pkg/apis"
	"github.com/awslabs/open-resource-broker/pkg/bus"
	"github.com/awslabs/open-resource-broker/pkg/errors"
	"github.com/awslabs/open-resource-broker/pkg/handlers"
	"github.com/awslabs/open-resource-broker/pkg/storage"
)

// ReturnHandler serves the return command: resolve the referenced machines,
// terminate them through their owning providers, and settle the request.
type ReturnHandler struct {
	store      storage.Store
	dispatcher *handlers.Dispatcher
}

func NewReturnHandler(store storage.Store, dispatcher *handlers.Dispatcher) *ReturnHandler {
	return &ReturnHandler{store: store, dispatcher: dispatcher}
}

func (h *ReturnHandler) CommandName() string { return ReturnMachines{}.CommandName() }

func (h *ReturnHandler) InvalidationTags() []string { return []string{"requests", "machines"} }

func (h *ReturnHandler) Handle(ctx context.Context, command bus.Command) (interface{}, error) {
	ret, ok := command.(ReturnMachines)
	if !ok {
		return nil, errors.Validation("ReturnMachines handler received %T", command)
	}
	machines, err := h.resolveMachines(ctx, ret.MachineRefs)
	if err != nil {
		return nil, err
	}

	request, err := apis.NewReturnRequest(ret.MachineRefs)
	if err != nil {
		return nil, err
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

	result, returnErr := h.dispatcher.Return(ctx, machines)
	if returnErr != nil && result == nil {
		if err := request.Fail(returnErr); err != nil {
			logr.FromContextOrDiscard(ctx).Error(err, "settling failed return", "request-id", request.RequestID)
		}
		if err := h.store.Requests().Save(context.WithoutCancel(ctx), request); err != nil {
			logr.FromContextOrDiscard(ctx).Error(err, "persisting failed return", "request-id", request.RequestID)
		}
		return nil, returnErr
	}

	terminated := lo.Filter(machines, func(m *apis.Machine, _ int) bool {
		return lo.Contains(result.TerminatedIDs, m.InstanceID)
	})
	for _, machine := range terminated {
		if machine.Status != apis.MachineStatusTerminating && !machine.Terminal() {
			if err := machine.ObserveStatus(apis.MachineStatusTerminating); err != nil {
				logr.FromContextOrDiscard(ctx).Error(err, "marking machine terminating", "machine-id", machine.MachineID)
				continue
			}
		}
		if err := h.store.Machines().Save(ctx, machine); err != nil {
			return nil, err
		}
		if err := request.RecordMachine(machine.MachineID); err != nil {
			return nil, err
		}
	}

	if len(terminated) == len(machines) {
		err = request.Complete()
	} else if len(terminated) > 0 {
		err = request.CompletePartial()
	} else {
		err = request.Fail(returnErr)
	}
	if err != nil {
		return nil, err
	}
	if err := h.store.Requests().Save(ctx, request); err != nil {
		return nil, err
	}
	return &RequestResult{Request: request, Machines: terminated}, nil
}

// resolveMachines accepts machine ids and provider instance ids
// interchangeably.
func (h *ReturnHandler) resolveMachines(ctx context.Context, refs []string) ([]*apis.Machine, error) {
	all, err := h.store.Machines().FindAll(ctx, storage.Filter{}, storage.Page{})
	if err != nil {
		return nil, err
	}
	var machines []*apis.Machine
	for _, ref := range refs {
		machine, found := lo.Find(all, func(m *apis.Machine) bool {
			return m.MachineID == ref || m.InstanceID == ref
		})
		if !found {
			return nil, errors.NotFound("machine %s not found", ref)
		}
		if machine.Terminal() {
			return nil, errors.Validation("machine %s is already %s", ref, machine.Status)
		}
		machines = append(machines, machine)
	}
	return machines, nil
}

// CancelHandler serves request cancellation. Cancelling a terminal request
// is a no-op reported as already terminal.
type CancelHandler struct {
	store           storage.Store
	dispatcher      *handlers.Dispatcher
	cleanupOnCancel bool
}

func NewCancelHandler(store storage.Store, dispatcher *handlers.Dispatcher, cleanupOnCancel bool) *CancelHandler {
	return &CancelHandler{store: store, dispatcher: dispatcher, cleanupOnCancel: cleanupOnCancel}
}

func (h *CancelHandler) CommandName() string { return CancelRequest{}.CommandName() }

func (h *CancelHandler) InvalidationTags() []string { return []string{"requests", "machines"} }

func (h *CancelHandler) Handle(ctx context.Context, command bus.Command) (interface{}, error) {
	cancel, ok := command.(CancelRequest)
	if !ok {
		return nil, errors.Validation("CancelRequest handler received %T", command)
	}
	request, err := h.store.Requests().FindByID(ctx, cancel.RequestID)
	if err != nil {
		return nil, err
	}
	alreadyTerminal, err := request.Cancel()
	if err != nil {
		return nil, err
	}
	machines, err := h.store.Machines().FindByRequest(ctx, request.RequestID)
	if err != nil {
		return nil, err
	}
	if alreadyTerminal {
		return &RequestResult{Request: request, Machines: machines, AlreadyTerminal: true}, nil
	}
	if err := h.store.Requests().Save(ctx, request); err != nil {
		return nil, err
	}

	// already-created machines stay recorded; the cleanup policy decides
	// whether a follow-up return is issued
	active := lo.Filter(machines, func(m *apis.Machine, _ int) bool { return !m.Terminal() })
	if h.cleanupOnCancel && len(active) > 0 {
		if _, err := h.dispatcher.Return(ctx, active); err != nil {
			logr.FromContextOrDiscard(ctx).Error(err, "cleanup return after cancel failed", "request-id", request.RequestID)
		} else {
			for _, machine := range active {
				if err := machine.ObserveStatus(apis.MachineStatusTerminating); err == nil {
					if err := h.store.Machines().Save(ctx, machine); err != nil {
						logr.FromContextOrDiscard(ctx).Error(err, "saving cancelled machine", "machine-id", machine.MachineID)
					}
				}
			}
		}
	}
	return &RequestResult{Request: request, Machines: machines}, nil
}
