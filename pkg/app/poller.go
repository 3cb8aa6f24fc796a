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

// providerStates maps the provider's instance state names onto the machine
// state machine.
var providerStates = map[string]apis.MachineStatus{
	"pending":       apis.MachineStatusBuilding,
	"running":       apis.MachineStatusRunning,
	"stopping":      apis.MachineStatusStopping,
	"stopped":       apis.MachineStatusStopped,
	"shutting-down": apis.MachineStatusTerminating,
	"terminated":    apis.MachineStatusTerminated,
}

// PollHandler sweeps every non-terminal machine, reads its provider state
// through the batched status path, and drives the machine state machine.
type PollHandler struct {
	store      storage.Store
	dispatcher *handlers.Dispatcher
}

func NewPollHandler(store storage.Store, dispatcher *handlers.Dispatcher) *PollHandler {
	return &PollHandler{store: store, dispatcher: dispatcher}
}

func (h *PollHandler) CommandName() string { return PollMachines{}.CommandName() }

func (h *PollHandler) InvalidationTags() []string { return []string{"machines"} }

func (h *PollHandler) Handle(ctx context.Context, command bus.Command) (interface{}, error) {
	if _, ok := command.(PollMachines); !ok {
		return nil, errors.Validation("PollMachines handler received %T", command)
	}
	log := logr.FromContextOrDiscard(ctx).WithName("poller")

	machines, err := h.store.Machines().FindAll(ctx, storage.Filter{}, storage.Page{})
	if err != nil {
		return nil, err
	}
	active := lo.Filter(machines, func(m *apis.Machine, _ int) bool { return !m.Terminal() })
	if len(active) == 0 {
		return map[string]int{"polled": 0}, nil
	}

	polled := 0
	byProvider := lo.GroupBy(active, func(m *apis.Machine) string { return m.ProviderName })
	for providerName, group := range byProvider {
		instanceIDs := lo.Map(group, func(m *apis.Machine, _ int) string { return m.InstanceID })
		status, err := h.dispatcher.Status(ctx, providerName, instanceIDs)
		if err != nil {
			log.Error(err, "status poll failed", "provider", providerName, "machines", len(group))
			for _, machine := range group {
				machine.ObservePollFailure()
				if err := h.store.Machines().Save(ctx, machine); err != nil {
					log.Error(err, "saving unknown machine", "machine-id", machine.MachineID)
				}
			}
			continue
		}
		for _, machine := range group {
			state, found := status.States[machine.InstanceID]
			if !found {
				machine.ObservePollFailure()
			} else if mapped, known := providerStates[state]; known {
				if err := machine.ObserveStatus(mapped); err != nil {
					log.Error(err, "applying polled status", "machine-id", machine.MachineID, "state", state)
				}
				if ip := status.PrivateIP[machine.InstanceID]; ip != "" {
					machine.PrivateIP = ip
				}
				if ip := status.PublicIP[machine.InstanceID]; ip != "" {
					machine.PublicIP = ip
				}
			} else {
				machine.ObservePollFailure()
			}
			if err := h.store.Machines().Save(ctx, machine); err != nil {
				log.Error(err, "saving polled machine", "machine-id", machine.MachineID)
				continue
			}
			polled++
		}
	}
	return map[string]int{"polled": polled}, nil
}
